package nonce

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/nt219/interledger/service/metrics"
)

const (
	// DefaultTTL is how long a cached confirmed sequence number stays fresh.
	DefaultTTL = 5 * time.Second

	// DefaultDriftBound is the maximum number of in-flight allocations an
	// account may accumulate before the pending set is treated as stale
	// bookkeeping and the slot re-seeded from the ledger. Re-seeding keeps
	// the allocation high-water mark, so numbers already handed out are
	// never reissued.
	DefaultDriftBound = 10
)

// SequenceReader is the single ledger operation the coordinator needs.
type SequenceReader interface {
	SequenceNumber(ctx context.Context, account common.Address) (uint64, error)
}

// slot is the cached per-account sequence state. The slot mutex is the
// serialization boundary for that account: at most one caller mutates the
// slot at a time, while allocation across different accounts proceeds fully
// in parallel.
type slot struct {
	mu        sync.Mutex
	confirmed uint64
	next      uint64              // never lowered while the slot lives
	pending   map[uint64]struct{} // issued but not yet confirmed
	fetchedAt time.Time
}

// Coordinator owns per-account sequence allocation. It hands out unique,
// increasing sequence numbers to concurrent callers without querying the
// ledger on every call: a slot is seeded from the ledger's confirmed value
// and the next number then advances monotonically for the slot's lifetime.
// Confirmations release in-flight bookkeeping without ever lowering it;
// only Invalidate resets the numbering.
type Coordinator struct {
	mu    sync.Mutex
	slots map[common.Address]*slot

	ledger     SequenceReader
	ttl        time.Duration
	driftBound int
	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTTL overrides the cache freshness window.
func WithTTL(ttl time.Duration) Option {
	return func(c *Coordinator) { c.ttl = ttl }
}

// WithDriftBound overrides the in-flight safety bound.
func WithDriftBound(n int) Option {
	return func(c *Coordinator) { c.driftBound = n }
}

// WithClock overrides the time source. Tests use this to expire slots
// without sleeping.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator creates a coordinator backed by the given ledger reader.
// If m is nil, no metrics are recorded.
func NewCoordinator(ledger SequenceReader, m *metrics.Metrics, logger *slog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		slots:      make(map[common.Address]*slot),
		ledger:     ledger,
		ttl:        DefaultTTL,
		driftBound: DefaultDriftBound,
		logger:     logger,
		metrics:    m,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Allocate returns the next usable sequence number for account and marks it
// in-flight. A fresh cached slot is served without touching the ledger; a
// cold or expired slot triggers a ledger query first. If the ledger query
// fails the error is surfaced; a sequence number is never fabricated.
func (c *Coordinator) Allocate(ctx context.Context, account common.Address) (uint64, error) {
	s := c.slot(account)
	s.mu.Lock()
	defer s.mu.Unlock()

	source := "cache"

	if len(s.pending) > c.driftBound {
		c.logger.WarnContext(ctx, "in-flight count exceeds drift bound, re-seeding slot",
			"account", account.Hex(),
			"in_flight", len(s.pending),
			"bound", c.driftBound,
		)
		if c.metrics != nil {
			c.metrics.RecordNonceInvalidation("drift")
		}
		// Stale bookkeeping: drop the pending set and force a re-query.
		// s.next is untouched, so outstanding numbers stay retired.
		s.fetchedAt = time.Time{}
		s.pending = make(map[uint64]struct{})
	}

	if c.now().Sub(s.fetchedAt) > c.ttl {
		confirmed, err := c.ledger.SequenceNumber(ctx, account)
		if err != nil {
			return 0, fmt.Errorf("failed to query sequence number for %s: %w", account.Hex(), err)
		}
		s.seed(confirmed, c.now())
		source = "ledger"
	}

	n := s.next
	s.next++
	s.pending[n] = struct{}{}

	if c.metrics != nil {
		c.metrics.RecordNonceAllocation(source)
		c.metrics.SetNonceInFlight(account.Hex(), len(s.pending))
	}

	c.logger.DebugContext(ctx, "allocated sequence number",
		"account", account.Hex(),
		"nonce", n,
		"source", source,
		"in_flight", len(s.pending),
	)

	return n, nil
}

// Confirm marks one in-flight allocation as resolved on the ledger. It never
// moves the next allocation backwards: a confirmed number stays retired even
// while others issued after it are still outstanding. Confirming an unknown
// allocation is a no-op.
func (c *Coordinator) Confirm(account common.Address, sequence uint64) {
	c.mu.Lock()
	s, ok := c.slots[account]
	c.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, sequence)
	if c.metrics != nil {
		c.metrics.SetNonceInFlight(account.Hex(), len(s.pending))
	}
}

// Invalidate drops the account's cached slot entirely, forcing the next
// Allocate to re-query the ledger. Called on any detected sequence conflict.
func (c *Coordinator) Invalidate(account common.Address) {
	c.mu.Lock()
	_, existed := c.slots[account]
	delete(c.slots, account)
	c.mu.Unlock()

	if existed {
		c.logger.Debug("invalidated nonce slot", "account", account.Hex())
		if c.metrics != nil {
			c.metrics.RecordNonceInvalidation("conflict")
			c.metrics.SetNonceInFlight(account.Hex(), 0)
		}
	}
}

// Refresh re-queries the confirmed sequence number for account and updates
// its slot in place, preserving in-flight allocations that are still ahead of
// the confirmed value. Used by the background refresher to keep steady-state
// Allocate calls non-blocking.
func (c *Coordinator) Refresh(ctx context.Context, account common.Address) error {
	confirmed, err := c.ledger.SequenceNumber(ctx, account)
	if err != nil {
		return fmt.Errorf("failed to refresh sequence number for %s: %w", account.Hex(), err)
	}

	s := c.slot(account)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seed(confirmed, c.now())
	if c.metrics != nil {
		c.metrics.RecordNonceAllocation("refresh")
	}
	return nil
}

// Stats reports cache occupancy for operator visibility.
type Stats struct {
	CachedAccounts int `json:"cached_accounts"`
	InFlight       int `json:"in_flight"`
}

// Stats returns a snapshot of the coordinator's cache state.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	slots := make([]*slot, 0, len(c.slots))
	for _, s := range c.slots {
		slots = append(slots, s)
	}
	c.mu.Unlock()

	st := Stats{CachedAccounts: len(slots)}
	for _, s := range slots {
		s.mu.Lock()
		st.InFlight += len(s.pending)
		s.mu.Unlock()
	}
	return st
}

// slot returns the account's slot, creating it lazily.
func (c *Coordinator) slot(account common.Address) *slot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[account]
	if !ok {
		s = &slot{pending: make(map[uint64]struct{})}
		c.slots[account] = s
	}
	return s
}

// seed updates the slot's confirmed sequence and prunes in-flight entries the
// ledger has since confirmed. The next allocation only ever moves forward:
// a ledger value behind the high-water mark cannot reopen numbers that were
// already handed out. Caller holds the slot lock.
func (s *slot) seed(confirmed uint64, at time.Time) {
	s.confirmed = confirmed
	s.fetchedAt = at
	if confirmed > s.next {
		s.next = confirmed
	}
	for n := range s.pending {
		if n < confirmed {
			delete(s.pending, n)
		}
	}
}
