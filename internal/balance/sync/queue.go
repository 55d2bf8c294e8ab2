package sync

import (
	"context"
	gosync "sync"
	"time"

	"github.com/tallylabs/tally/internal/balance/cache"
	obsmetrics "github.com/tallylabs/tally/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Queue buffers sync items and coalesces items for the same customer that
// arrive within a short window into one pass: the record-id sets are
// unioned and the newest mutation timestamp wins.
type Queue struct {
	mu      gosync.Mutex
	pending map[string]*Item

	window  time.Duration
	out     chan Item
	log     *zap.Logger
	metrics *obsmetrics.Metrics
}

type QueueParams struct {
	fx.In

	Log     *zap.Logger
	Metrics *obsmetrics.Metrics `optional:"true"`
	Config  Config              `optional:"true"`
}

func NewQueue(p QueueParams) *Queue {
	cfg := p.Config.withDefaults()
	return &Queue{
		pending: make(map[string]*Item),
		window:  cfg.CoalesceWindow,
		out:     make(chan Item, cfg.QueueDepth),
		log:     p.Log.Named("balance.sync.queue"),
		metrics: p.Metrics,
	}
}

// Enqueue never blocks the deduction path. If the outbound channel is at
// capacity when the window closes, the item is dropped with a warning; a
// later deduction for the customer re-queues the same record ids.
func (q *Queue) Enqueue(item Item) {
	key := cache.Key(item.OrgID, item.Env, item.CustomerID)

	q.mu.Lock()
	if open, ok := q.pending[key]; ok {
		open.absorb(item)
		q.mu.Unlock()
		return
	}
	staged := item
	q.pending[key] = &staged
	q.mu.Unlock()

	time.AfterFunc(q.window, func() { q.flush(key) })
}

func (q *Queue) flush(key string) {
	q.mu.Lock()
	staged, ok := q.pending[key]
	if ok {
		delete(q.pending, key)
	}
	q.mu.Unlock()
	if !ok {
		return
	}

	select {
	case q.out <- *staged:
	default:
		q.log.Warn("sync queue full, dropping item",
			zap.String("customer_id", staged.CustomerID.String()),
			zap.Int("record_ids", len(staged.CusEntIDs)),
		)
		if q.metrics != nil {
			q.metrics.RecordSyncQueueDrop(context.Background())
		}
	}
}

// C is the worker's intake.
func (q *Queue) C() <-chan Item { return q.out }

// Depth reports staged plus queued items, for observability.
func (q *Queue) Depth() int {
	q.mu.Lock()
	staged := len(q.pending)
	q.mu.Unlock()
	return staged + len(q.out)
}
