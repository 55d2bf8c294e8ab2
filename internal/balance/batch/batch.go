// Package batch coalesces near-simultaneous deduction calls for one
// customer into a single downstream mutation. Coalescing is a
// single-process, best-effort optimization: instances each run their own
// batches, which is safe because the underlying cache mutation is atomic.
package batch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/tallylabs/tally/internal/balance/cache"
	balancedomain "github.com/tallylabs/tally/internal/balance/domain"
	"go.uber.org/zap"
)

// Request is one caller's contribution to a batch.
type Request struct {
	OrgID      snowflake.ID
	Env        string
	CustomerID snowflake.ID
	Deductions []balancedomain.FeatureDeduction
	Options    balancedomain.DeductOptions
}

// Result is one caller's outcome. Typed failures (insufficient balance,
// customer not cached, unsupported configuration) arrive here; only
// transport-level trouble is surfaced as a call error.
type Result struct {
	Success bool
	Err     error
	Applied balancedomain.MutationResult
}

// Executor runs a merged batch and reports per-request results by
// position. The merge preserves submission order, so results[i] always
// belongs to requests[i].
type Executor interface {
	ExecuteBatch(ctx context.Context, key string, requests []Request) ([]Result, error)
}

// Stats expose the manager's live state for observability. They have no
// effect on correctness.
type Stats struct {
	OpenBatches    int
	QueuedRequests int
}

type outcome struct {
	result Result
	err    error
}

type pendingBatch struct {
	key      string
	requests []Request
	waiters  []chan outcome
	timer    *time.Timer
}

// Manager owns the live batch map. It is injectable state, not a process
// singleton: tests instantiate independent managers freely.
type Manager struct {
	mu      sync.Mutex
	batches map[string]*pendingBatch

	cfg  Config
	exec Executor
	log  *zap.Logger
}

func NewManager(cfg Config, exec Executor, log *zap.Logger) *Manager {
	return &Manager{
		batches: make(map[string]*pendingBatch),
		cfg:     cfg.withDefaults(),
		exec:    exec,
		log:     log.Named("balance.batch"),
	}
}

// Deduct joins (or opens) the batch for the request's customer and blocks
// until the batch has executed. Every caller always gets an answer: a
// batch runs to completion once its timer fires or capacity is reached.
func (m *Manager) Deduct(ctx context.Context, req Request) (Result, error) {
	key := cache.Key(req.OrgID, req.Env, req.CustomerID)
	w := make(chan outcome, 1)

	m.mu.Lock()
	b, open := m.batches[key]
	if !open {
		b = &pendingBatch{key: key}
		m.batches[key] = b
		captured := b
		b.timer = time.AfterFunc(m.cfg.Window, func() { m.fire(key, captured) })
	}
	b.requests = append(b.requests, req)
	b.waiters = append(b.waiters, w)
	full := len(b.requests) >= m.cfg.Capacity
	if full {
		// Capacity trigger: claim now rather than waiting out the window.
		delete(m.batches, key)
		b.timer.Stop()
	}
	m.mu.Unlock()

	if full {
		go m.execute(b)
	}

	select {
	case out := <-w:
		return out.result, out.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// fire claims the batch when its window closes. The map entry is removed
// before any execution work begins: a request arriving during execution
// must start a brand-new batch, never join one being drained.
func (m *Manager) fire(key string, b *pendingBatch) {
	m.mu.Lock()
	current, ok := m.batches[key]
	if !ok || current != b {
		// A capacity trigger already claimed this batch and owns its
		// execution. The timer callback can still reach here when Stop
		// raced the window expiry.
		m.mu.Unlock()
		return
	}
	delete(m.batches, key)
	m.mu.Unlock()
	m.execute(b)
}

func (m *Manager) execute(b *pendingBatch) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ExecTimeout)
	defer cancel()

	results, err := m.exec.ExecuteBatch(ctx, b.key, b.requests)
	switch {
	case err != nil && isExpected(err):
		// Batch-level typed failure: every caller resolves with the same
		// outcome, none is left pending.
		m.resolveAll(b, outcome{result: Result{Success: false, Err: err}})
	case err != nil:
		m.log.Warn("batch execution failed",
			zap.String("key", b.key),
			zap.Int("requests", len(b.requests)),
			zap.Error(err),
		)
		m.resolveAll(b, outcome{err: err})
	case len(results) != len(b.requests):
		m.resolveAll(b, outcome{err: balancedomain.ErrTransientStore})
	default:
		for i, w := range b.waiters {
			w <- outcome{result: results[i]}
		}
	}
}

func (m *Manager) resolveAll(b *pendingBatch, out outcome) {
	for _, w := range b.waiters {
		w <- out
	}
}

// Stats counts open batches and queued requests under the live map lock.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{OpenBatches: len(m.batches)}
	for _, b := range m.batches {
		s.QueuedRequests += len(b.requests)
	}
	return s
}

func isExpected(err error) bool {
	return errors.Is(err, balancedomain.ErrCustomerNotCached) ||
		errors.Is(err, balancedomain.ErrUnsupportedConfig) ||
		balancedomain.IsInsufficientBalance(err)
}
