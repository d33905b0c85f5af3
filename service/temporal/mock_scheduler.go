package temporal

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockScheduler is a mock implementation of Scheduler for testing.
type MockScheduler struct {
	mu         sync.Mutex
	interval   *time.Duration
	triggers   []time.Duration
	createErr  error
	deleteErr  error
	triggerErr error
}

// NewMockScheduler creates a new MockScheduler.
func NewMockScheduler() *MockScheduler {
	return &MockScheduler{}
}

// CreateReconcileSchedule records that the schedule was created.
func (m *MockScheduler) CreateReconcileSchedule(ctx context.Context, interval time.Duration) error {
	if m.createErr != nil {
		return m.createErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.interval = &interval
	return nil
}

// DeleteReconcileSchedule records that the schedule was deleted.
func (m *MockScheduler) DeleteReconcileSchedule(ctx context.Context) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.interval == nil {
		return fmt.Errorf("schedule %q not found", ReconcileScheduleID)
	}
	m.interval = nil
	return nil
}

// TriggerReconcile records a debounced trigger.
func (m *MockScheduler) TriggerReconcile(ctx context.Context, delay time.Duration) error {
	if m.triggerErr != nil {
		return m.triggerErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.triggers = append(m.triggers, delay)
	return nil
}

// SetCreateError makes CreateReconcileSchedule return an error.
func (m *MockScheduler) SetCreateError(err error) {
	m.createErr = err
}

// SetDeleteError makes DeleteReconcileSchedule return an error.
func (m *MockScheduler) SetDeleteError(err error) {
	m.deleteErr = err
}

// SetTriggerError makes TriggerReconcile return an error.
func (m *MockScheduler) SetTriggerError(err error) {
	m.triggerErr = err
}

// ScheduleExists reports whether the recurring schedule was created.
func (m *MockScheduler) ScheduleExists() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interval != nil
}

// ScheduleInterval returns the interval the schedule was created with.
func (m *MockScheduler) ScheduleInterval() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.interval == nil {
		return 0, false
	}
	return *m.interval, true
}

// TriggerCount returns the number of debounced triggers recorded.
func (m *MockScheduler) TriggerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.triggers)
}

// Reset clears all recorded state and errors.
func (m *MockScheduler) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interval = nil
	m.triggers = nil
	m.createErr = nil
	m.deleteErr = nil
	m.triggerErr = nil
}
