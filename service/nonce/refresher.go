package nonce

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Refresher periodically re-queries confirmed sequence numbers for a watched
// set of active accounts so their slots stay warm and the steady-state
// Allocate call never blocks on the ledger.
type Refresher struct {
	coordinator *Coordinator
	interval    time.Duration
	logger      *slog.Logger

	mu      sync.Mutex
	watched map[common.Address]struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewRefresher creates a refresher for the given coordinator.
func NewRefresher(c *Coordinator, interval time.Duration, logger *slog.Logger) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Refresher{
		coordinator: c,
		interval:    interval,
		logger:      logger,
		watched:     make(map[common.Address]struct{}),
	}
}

// Watch adds accounts to the refresh set.
func (r *Refresher) Watch(accounts ...common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range accounts {
		r.watched[a] = struct{}{}
	}
}

// Unwatch removes an account from the refresh set.
func (r *Refresher) Unwatch(account common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.watched, account)
}

// Start launches the background refresh loop. Calling Start twice without
// Stop is a no-op.
func (r *Refresher) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.run(ctx)
	r.logger.Info("nonce refresher started", "interval", r.interval)
}

// Stop halts the refresh loop and waits for it to exit.
func (r *Refresher) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
		r.logger.Info("nonce refresher stopped")
	}
}

func (r *Refresher) run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, account := range r.snapshot() {
				if err := r.coordinator.Refresh(ctx, account); err != nil {
					r.logger.WarnContext(ctx, "failed to refresh account sequence",
						"account", account.Hex(),
						"error", err,
					)
				}
			}
		}
	}
}

func (r *Refresher) snapshot() []common.Address {
	r.mu.Lock()
	defer r.mu.Unlock()
	accounts := make([]common.Address, 0, len(r.watched))
	for a := range r.watched {
		accounts = append(accounts, a)
	}
	return accounts
}
