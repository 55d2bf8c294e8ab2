package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tallylabs/tally/internal/balance/cache"
	balancedomain "github.com/tallylabs/tally/internal/balance/domain"
	"go.uber.org/zap"
)

var testNode, _ = snowflake.NewNode(7)

type recordedBatch struct {
	key      string
	requests []Request
}

// fakeExecutor records every batch it receives and answers each request
// positionally with its index.
type fakeExecutor struct {
	mu      sync.Mutex
	batches []recordedBatch

	err     error
	started chan struct{}
	release chan struct{}
}

func (f *fakeExecutor) ExecuteBatch(ctx context.Context, key string, requests []Request) ([]Result, error) {
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}

	f.mu.Lock()
	f.batches = append(f.batches, recordedBatch{key: key, requests: requests})
	f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	results := make([]Result, len(requests))
	for i := range requests {
		results[i] = Result{Success: true, Applied: balancedomain.MutationResult{
			Logs: []string{fmt.Sprintf("req-%d", i)},
		}}
	}
	return results, nil
}

func (f *fakeExecutor) recorded() []recordedBatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedBatch, len(f.batches))
	copy(out, f.batches)
	return out
}

func testRequest(customerID snowflake.ID, amount string) Request {
	d := decimal.RequireFromString(amount)
	return Request{
		OrgID:      1,
		Env:        "live",
		CustomerID: customerID,
		Deductions: []balancedomain.FeatureDeduction{{
			FeatureID: testNode.Generate(),
			Deduction: &d,
		}},
		Options: balancedomain.DeductOptions{Overage: balancedomain.OverageReject},
	}
}

func TestManager_CoalescesConcurrentRequests(t *testing.T) {
	exec := &fakeExecutor{}
	m := NewManager(Config{Window: 30 * time.Millisecond, Capacity: 100}, exec, zap.NewNop())

	customer := testNode.Generate()
	const callers = 5

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := m.Deduct(context.Background(), testRequest(customer, "1"))
			assert.NoError(t, err)
			assert.True(t, result.Success)
		}()
	}
	wg.Wait()

	batches := exec.recorded()
	require.Len(t, batches, 1, "all callers inside the window share one execution")
	assert.Len(t, batches[0].requests, callers)
}

func TestManager_SeparateCustomersSeparateBatches(t *testing.T) {
	exec := &fakeExecutor{}
	m := NewManager(Config{Window: 20 * time.Millisecond, Capacity: 100}, exec, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		customer := testNode.Generate()
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Deduct(context.Background(), testRequest(customer, "1"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, exec.recorded(), 2)
}

func TestManager_CapacityTriggersEarly(t *testing.T) {
	exec := &fakeExecutor{}
	m := NewManager(Config{Window: 10 * time.Second, Capacity: 3}, exec, zap.NewNop())

	customer := testNode.Generate()
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Deduct(context.Background(), testRequest(customer, "1"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// With a 10s window, only the capacity trigger explains a fast return.
	assert.Less(t, time.Since(start), 5*time.Second)
	batches := exec.recorded()
	require.Len(t, batches, 1)
	assert.Len(t, batches[0].requests, 3)
}

func TestManager_PositionalResults(t *testing.T) {
	exec := &fakeExecutor{}
	m := NewManager(Config{Window: 30 * time.Millisecond, Capacity: 100}, exec, zap.NewNop())

	customer := testNode.Generate()
	const callers = 4

	results := make([]Result, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Stagger joins so submission order is deterministic.
			time.Sleep(time.Duration(i) * 2 * time.Millisecond)
			r, err := m.Deduct(context.Background(), testRequest(customer, "1"))
			require.NoError(t, err)
			results[i] = r
		}(i)
	}
	wg.Wait()

	for i, r := range results {
		require.Len(t, r.Applied.Logs, 1)
		assert.Equal(t, fmt.Sprintf("req-%d", i), r.Applied.Logs[0])
	}
}

func TestManager_NewBatchOpensDuringExecution(t *testing.T) {
	exec := &fakeExecutor{
		started: make(chan struct{}, 2),
		release: make(chan struct{}),
	}
	m := NewManager(Config{Window: 5 * time.Millisecond, Capacity: 100}, exec, zap.NewNop())

	customer := testNode.Generate()

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		_, err := m.Deduct(context.Background(), testRequest(customer, "1"))
		assert.NoError(t, err)
	}()
	<-exec.started

	// The first batch is mid-execution; this request must open a second
	// batch rather than joining the drained one.
	secondDone := make(chan struct{})
	go func() {
		defer close(secondDone)
		_, err := m.Deduct(context.Background(), testRequest(customer, "1"))
		assert.NoError(t, err)
	}()

	close(exec.release)
	<-exec.started
	<-firstDone
	<-secondDone

	batches := exec.recorded()
	require.Len(t, batches, 2)
	assert.Len(t, batches[0].requests, 1)
	assert.Len(t, batches[1].requests, 1)
}

func TestManager_TypedFailureResolvesAllWaiters(t *testing.T) {
	exec := &fakeExecutor{err: balancedomain.ErrCustomerNotCached}
	m := NewManager(Config{Window: 20 * time.Millisecond, Capacity: 100}, exec, zap.NewNop())

	customer := testNode.Generate()
	result, err := m.Deduct(context.Background(), testRequest(customer, "1"))
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Err, balancedomain.ErrCustomerNotCached)
}

func TestManager_TransportFailurePropagates(t *testing.T) {
	boom := errors.New("pipe burst")
	exec := &fakeExecutor{err: boom}
	m := NewManager(Config{Window: 20 * time.Millisecond, Capacity: 100}, exec, zap.NewNop())

	customer := testNode.Generate()
	_, err := m.Deduct(context.Background(), testRequest(customer, "1"))
	assert.ErrorIs(t, err, boom)
}

func TestManager_ContextCancellation(t *testing.T) {
	exec := &fakeExecutor{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	m := NewManager(Config{Window: time.Millisecond, Capacity: 100}, exec, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	customer := testNode.Generate()

	done := make(chan error, 1)
	go func() {
		_, err := m.Deduct(ctx, testRequest(customer, "1"))
		done <- err
	}()
	<-exec.started
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)
	close(exec.release)
}

func TestManager_Stats(t *testing.T) {
	exec := &fakeExecutor{}
	m := NewManager(Config{Window: time.Hour, Capacity: 100}, exec, zap.NewNop())

	customer := testNode.Generate()
	go m.Deduct(context.Background(), testRequest(customer, "1")) //nolint:errcheck

	assert.Eventually(t, func() bool {
		s := m.Stats()
		return s.OpenBatches == 1 && s.QueuedRequests == 1
	}, time.Second, 5*time.Millisecond)
}

// A capacity trigger can claim a batch while its window callback is
// already in flight (timer.Stop returns false once the callback started).
// The late callback must yield to the claimer instead of executing the
// batch a second time.
func TestManager_LateTimerCallbackDoesNotReExecute(t *testing.T) {
	exec := &fakeExecutor{}
	m := NewManager(Config{Window: time.Hour, Capacity: 2}, exec, zap.NewNop())

	customer := testNode.Generate()
	key := cache.Key(1, "live", customer)

	first := make(chan error, 1)
	go func() {
		_, err := m.Deduct(context.Background(), testRequest(customer, "10"))
		first <- err
	}()

	var claimed *pendingBatch
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		claimed = m.batches[key]
		return claimed != nil
	}, time.Second, time.Millisecond)

	_, err := m.Deduct(context.Background(), testRequest(customer, "5"))
	require.NoError(t, err)
	require.NoError(t, <-first)
	require.Len(t, exec.recorded(), 1)

	// Replay the window callback the capacity path failed to stop.
	m.fire(key, claimed)

	assert.Len(t, exec.recorded(), 1)
	assert.Equal(t, Stats{}, m.Stats())
}
