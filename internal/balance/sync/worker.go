package sync

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/tallylabs/tally/internal/balance/cache"
	balancedomain "github.com/tallylabs/tally/internal/balance/domain"
	entitlementdomain "github.com/tallylabs/tally/internal/entitlement/domain"
	obsmetrics "github.com/tallylabs/tally/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Per-record terminal outcomes.
const (
	outcomeApplied   = "applied"
	outcomeDiscarded = "discarded"
	outcomeSkipped   = "skipped"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Repo    entitlementdomain.Repository
	Store   *cache.Store
	Queue   *Queue
	Metrics *obsmetrics.Metrics `optional:"true"`
	Config  Config              `optional:"true"`
}

// Worker drains the sync queue and reconciles the durable store with the
// cache. It never blindly overwrites: every record write is gated by the
// staleness check, so re-running an item (crash, retry) is a no-op once
// the durable marker has caught up.
type Worker struct {
	db      *gorm.DB
	log     *zap.Logger
	repo    entitlementdomain.Repository
	store   *cache.Store
	queue   *Queue
	metrics *obsmetrics.Metrics
	cfg     Config
}

func NewWorker(p Params) *Worker {
	return &Worker{
		db:      p.DB,
		log:     p.Log.Named("balance.sync"),
		repo:    p.Repo,
		store:   p.Store,
		queue:   p.Queue,
		metrics: p.Metrics,
		cfg:     p.Config.withDefaults(),
	}
}

func (w *Worker) RunForever(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-w.queue.C():
			w.Process(ctx, item)
		}
	}
}

// Process runs one item to completion with bounded retries. Failures are
// logged and counted, never propagated: the originating deduction has
// already returned.
func (w *Worker) Process(ctx context.Context, item Item) {
	var err error
	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		itemCtx, cancel := context.WithTimeout(ctx, w.cfg.ItemTimeout)
		err = w.syncOnce(itemCtx, item)
		cancel()
		if err == nil {
			return
		}
		if !errors.Is(err, balancedomain.ErrTransientStore) {
			break
		}
		w.log.Warn("sync attempt failed",
			zap.String("item_id", item.ID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.cfg.RetryBackoff):
		}
	}
	w.log.Error("sync item failed permanently",
		zap.String("item_id", item.ID),
		zap.String("customer_id", item.CustomerID.String()),
		zap.String("region", item.Region),
		zap.Error(err),
	)
	if w.metrics != nil {
		w.metrics.RecordSyncOutcome(ctx, "failed", len(item.CusEntIDs))
	}
}

func (w *Worker) syncOnce(ctx context.Context, item Item) error {
	key := cache.Key(item.OrgID, item.Env, item.CustomerID)
	snap, err := w.store.Get(ctx, key)
	if errors.Is(err, balancedomain.ErrCustomerNotCached) {
		// Snapshot evicted since the mutation. Nothing to push; the next
		// read-through rebuilds from the durable store.
		w.count(ctx, outcomeSkipped, len(item.CusEntIDs))
		return nil
	}
	if err != nil {
		return err
	}

	cached := make(map[snowflake.ID]*entitlementdomain.CustomerEntitlement, len(snap.Graph.Entitlements))
	for i := range snap.Graph.Entitlements {
		cached[snap.Graph.Entitlements[i].ID] = &snap.Graph.Entitlements[i]
	}

	for _, id := range item.CusEntIDs {
		rec, ok := cached[id]
		if !ok {
			w.count(ctx, outcomeSkipped, 1)
			continue
		}
		outcome, err := w.syncRecord(ctx, item, rec)
		if err != nil {
			return err
		}
		w.count(ctx, outcome, 1)
	}
	return nil
}

// syncRecord applies one record's cache-derived state unless the durable
// side already moved past the item's snapshot. A durable marker at or
// beyond the item timestamp means a reset, grant, or manual update (or a
// newer sync) landed after this mutation; writing would erase it.
func (w *Worker) syncRecord(ctx context.Context, item Item, rec *entitlementdomain.CustomerEntitlement) (string, error) {
	durable, err := w.repo.FindByID(ctx, w.db, rec.ID)
	if errors.Is(err, entitlementdomain.ErrEntitlementNotFound) {
		return outcomeSkipped, nil
	}
	if err != nil {
		return "", err
	}
	if durable.BalanceUpdatedAt >= item.TimestampMs {
		return outcomeDiscarded, nil
	}

	write := entitlementdomain.BalanceWrite{
		CusEntID:    rec.ID,
		Balance:     rec.Balance,
		Entities:    rec.Entities.Data(),
		UpdatedAtMs: item.TimestampMs,
		Rollovers:   make(map[snowflake.ID]entitlementdomain.RolloverWrite, len(rec.Rollovers)),
	}
	for _, r := range rec.Rollovers {
		write.Rollovers[r.ID] = entitlementdomain.RolloverWrite{
			Balance:  r.Balance,
			Entities: r.Entities.Data(),
		}
	}
	if err := w.repo.ApplyWrite(ctx, w.db, write); err != nil {
		return "", err
	}
	return outcomeApplied, nil
}

func (w *Worker) count(ctx context.Context, outcome string, n int) {
	if w.metrics != nil {
		w.metrics.RecordSyncOutcome(ctx, outcome, n)
	}
}
