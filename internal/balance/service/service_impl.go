package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/tallylabs/tally/internal/balance/batch"
	"github.com/tallylabs/tally/internal/balance/cache"
	balancedomain "github.com/tallylabs/tally/internal/balance/domain"
	"github.com/tallylabs/tally/internal/balance/engine"
	balancesync "github.com/tallylabs/tally/internal/balance/sync"
	"github.com/tallylabs/tally/internal/clock"
	entitlementdomain "github.com/tallylabs/tally/internal/entitlement/domain"
	featuredomain "github.com/tallylabs/tally/internal/feature/domain"
	obsmetrics "github.com/tallylabs/tally/internal/observability/metrics"
	"github.com/tallylabs/tally/internal/orgcontext"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Repo    entitlementdomain.Repository
	Store   *cache.Store
	Mutator *cache.Mutator
	Queue   *balancesync.Queue
	Metrics *obsmetrics.Metrics `optional:"true"`
	Clock   clock.Clock         `optional:"true"`
	Batch   batch.Config        `optional:"true"`
	Region  string              `name:"region" optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	repo    entitlementdomain.Repository
	store   *cache.Store
	mutator *cache.Mutator
	queue   *balancesync.Queue
	metrics *obsmetrics.Metrics
	clock   clock.Clock
	region  string

	batcher *batch.Manager
}

func NewService(p ServiceParam) balancedomain.Service {
	s := &Service{
		db:      p.DB,
		log:     p.Log.Named("balance.service"),
		repo:    p.Repo,
		store:   p.Store,
		mutator: p.Mutator,
		queue:   p.Queue,
		metrics: p.Metrics,
		clock:   p.Clock,
		region:  p.Region,
	}
	if s.clock == nil {
		s.clock = clock.SystemClock{}
	}
	s.batcher = batch.NewManager(p.Batch, s, p.Log)
	return s
}

func (s *Service) Track(ctx context.Context, req balancedomain.TrackRequest) (balancedomain.TrackResponse, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return balancedomain.TrackResponse{}, balancedomain.ErrMissingOrg
	}
	env := orgcontext.EnvFromContext(ctx)

	customerID, err := snowflake.ParseString(strings.TrimSpace(req.CustomerID))
	if err != nil {
		return balancedomain.TrackResponse{}, balancedomain.ErrInvalidCustomerID
	}
	key := cache.Key(orgID, env, customerID)

	snap, err := s.ensureSnapshot(ctx, key, orgID, env, customerID)
	if err != nil {
		return balancedomain.TrackResponse{}, err
	}

	feature, ok := findFeature(snap.Graph.Features, req.FeatureCode)
	if !ok {
		return balancedomain.TrackResponse{}, balancedomain.ErrFeatureNotFound
	}

	nowMs := s.clock.Now().UnixMilli()

	// A zero delta changes nothing; answer from the current snapshot
	// without entering the batch at all.
	if req.TargetBalance == nil && req.Value.IsZero() {
		return balancedomain.TrackResponse{
			Success:  true,
			Balances: balancesFromGraph(&snap.Graph, req.EntityID, nowMs),
		}, nil
	}

	d := balancedomain.FeatureDeduction{
		FeatureID: feature.ID,
		EntityID:  req.EntityID,
	}
	if req.TargetBalance != nil {
		d.TargetBalance = req.TargetBalance
	} else {
		v := req.Value
		d.Deduction = &v
	}
	deductions := engine.ExpandCredits(snap.Graph.Features, []balancedomain.FeatureDeduction{d})

	opts := balancedomain.DeductOptions{
		Overage:  req.Overage,
		EntityID: req.EntityID,
	}

	if s.metrics != nil {
		s.metrics.RecordTrack(ctx, "track")
	}

	result, err := s.deduct(ctx, key, orgID, env, customerID, deductions, opts)
	if err != nil {
		return balancedomain.TrackResponse{}, err
	}
	if result.Err != nil {
		return s.rejectedResponse(ctx, result.Err)
	}

	// Re-read the committed snapshot for the response view. A concurrent
	// deduction may have landed since; that is fine, balances reads are
	// always point-in-time.
	after, err := s.store.Get(ctx, key)
	if err != nil {
		return balancedomain.TrackResponse{Success: true}, nil
	}
	return balancedomain.TrackResponse{
		Success:  true,
		Balances: balancesFromGraph(&after.Graph, req.EntityID, nowMs),
	}, nil
}

// deduct submits through the batching manager and handles the two
// recoverable outcomes: a snapshot evicted mid-flight (repopulate, retry
// once) and an unsupported configuration (durable fallback).
func (s *Service) deduct(
	ctx context.Context,
	key string,
	orgID snowflake.ID,
	env string,
	customerID snowflake.ID,
	deductions []balancedomain.FeatureDeduction,
	opts balancedomain.DeductOptions,
) (batch.Result, error) {
	if opts.SkipCache {
		return s.deductDurable(ctx, key, orgID, env, customerID, deductions, opts)
	}

	req := batch.Request{
		OrgID:      orgID,
		Env:        env,
		CustomerID: customerID,
		Deductions: deductions,
		Options:    opts,
	}

	result, err := s.batcher.Deduct(ctx, req)
	if err != nil {
		return batch.Result{}, err
	}
	if errors.Is(result.Err, balancedomain.ErrCustomerNotCached) {
		if _, err := s.ensureSnapshot(ctx, key, orgID, env, customerID); err != nil {
			return batch.Result{}, err
		}
		result, err = s.batcher.Deduct(ctx, req)
		if err != nil {
			return batch.Result{}, err
		}
	}
	if errors.Is(result.Err, balancedomain.ErrUnsupportedConfig) {
		return s.deductDurable(ctx, key, orgID, env, customerID, deductions, opts)
	}
	return result, nil
}

// deductDurable applies the deduction directly against the durable store
// under row locks, then drops the snapshot so the cache relearns the
// result. It serves allocated grants and explicit cache bypasses.
func (s *Service) deductDurable(
	ctx context.Context,
	key string,
	orgID snowflake.ID,
	env string,
	customerID snowflake.ID,
	deductions []balancedomain.FeatureDeduction,
	opts balancedomain.DeductOptions,
) (batch.Result, error) {
	nowMs := s.clock.Now().UnixMilli()
	wanted := make(map[snowflake.ID]struct{}, len(deductions))
	for _, d := range deductions {
		wanted[d.FeatureID] = struct{}{}
	}

	var applied balancedomain.MutationResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		g, err := s.repo.LoadGraph(ctx, tx, orgID, env, customerID)
		if err != nil {
			return err
		}
		for i := range g.Entitlements {
			if _, ok := wanted[g.Entitlements[i].FeatureID]; !ok {
				continue
			}
			locked, err := s.repo.FindByIDForUpdate(ctx, tx, g.Entitlements[i].ID)
			if err != nil {
				return err
			}
			g.Entitlements[i] = *locked
		}

		applied, err = engine.Deduct(g, deductions, opts)
		if err != nil {
			return err
		}

		byID := make(map[snowflake.ID]*entitlementdomain.CustomerEntitlement, len(g.Entitlements))
		for i := range g.Entitlements {
			byID[g.Entitlements[i].ID] = &g.Entitlements[i]
		}
		for _, id := range applied.TouchedIDs() {
			rec, ok := byID[id]
			if !ok {
				continue
			}
			write := entitlementdomain.BalanceWrite{
				CusEntID:    rec.ID,
				Balance:     rec.Balance,
				Entities:    rec.Entities.Data(),
				UpdatedAtMs: nowMs,
				Rollovers:   make(map[snowflake.ID]entitlementdomain.RolloverWrite, len(rec.Rollovers)),
			}
			for _, roll := range rec.Rollovers {
				write.Rollovers[roll.ID] = entitlementdomain.RolloverWrite{
					Balance:  roll.Balance,
					Entities: roll.Entities.Data(),
				}
			}
			if err := s.repo.ApplyWrite(ctx, tx, write); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if isTyped(err) {
			return batch.Result{Success: false, Err: err}, nil
		}
		return batch.Result{}, err
	}

	if err := s.store.Invalidate(ctx, key); err != nil {
		s.log.Warn("snapshot invalidation after durable write failed",
			zap.String("key", key),
			zap.Error(err),
		)
	}
	return batch.Result{Success: true, Applied: applied}, nil
}

// ExecuteBatch runs a merged batch as one indivisible cache mutation and
// queues the durable sync for whatever actually changed.
func (s *Service) ExecuteBatch(ctx context.Context, key string, requests []batch.Request) ([]batch.Result, error) {
	units := make([]cache.Unit, len(requests))
	for i, r := range requests {
		units[i] = cache.Unit{Deductions: r.Deductions, Options: r.Options}
	}
	nowMs := s.clock.Now().UnixMilli()

	outcomes, _, err := s.mutator.DeductBatch(ctx, key, units)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordBatchExecuted(ctx, len(requests))
	}

	results := make([]batch.Result, len(outcomes))
	var touched []snowflake.ID
	seen := make(map[snowflake.ID]struct{})
	for i, out := range outcomes {
		results[i] = batch.Result{
			Success: out.Err == nil,
			Err:     out.Err,
			Applied: out.Result,
		}
		if out.Err != nil || requests[i].Options.SkipSync {
			continue
		}
		for _, id := range out.Result.TouchedIDs() {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				touched = append(touched, id)
			}
		}
	}

	if len(touched) > 0 {
		first := requests[0]
		s.queue.Enqueue(balancesync.NewItem(first.OrgID, first.Env, first.CustomerID, touched, nowMs, s.region))
	}
	return results, nil
}

func (s *Service) GetBalances(ctx context.Context, req balancedomain.GetBalancesRequest) (map[snowflake.ID]balancedomain.FeatureBalance, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return nil, balancedomain.ErrMissingOrg
	}
	env := orgcontext.EnvFromContext(ctx)

	customerID, err := snowflake.ParseString(strings.TrimSpace(req.CustomerID))
	if err != nil {
		return nil, balancedomain.ErrInvalidCustomerID
	}
	key := cache.Key(orgID, env, customerID)

	snap, err := s.ensureSnapshot(ctx, key, orgID, env, customerID)
	if err != nil {
		return nil, err
	}
	return balancesFromGraph(&snap.Graph, req.EntityID, s.clock.Now().UnixMilli()), nil
}

func (s *Service) Invalidate(ctx context.Context, customerID string) error {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return balancedomain.ErrMissingOrg
	}
	env := orgcontext.EnvFromContext(ctx)

	id, err := snowflake.ParseString(strings.TrimSpace(customerID))
	if err != nil {
		return balancedomain.ErrInvalidCustomerID
	}
	return s.store.Invalidate(ctx, cache.Key(orgID, env, id))
}

// ensureSnapshot returns the cached snapshot, populating it from the
// durable store on a miss. SetIfAbsent keeps a concurrent mutation from
// being clobbered by the freshly loaded graph; the re-read returns
// whichever snapshot won.
func (s *Service) ensureSnapshot(
	ctx context.Context,
	key string,
	orgID snowflake.ID,
	env string,
	customerID snowflake.ID,
) (*cache.Snapshot, error) {
	snap, err := s.store.Get(ctx, key)
	if err == nil {
		return snap, nil
	}
	if !errors.Is(err, balancedomain.ErrCustomerNotCached) {
		return nil, err
	}

	g, err := s.repo.LoadGraph(ctx, s.db, orgID, env, customerID)
	if err != nil {
		return nil, err
	}
	fresh := &cache.Snapshot{Graph: *g, CachedAtMs: s.clock.Now().UnixMilli()}
	if err := s.store.SetIfAbsent(ctx, key, fresh); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, key)
}

func (s *Service) rejectedResponse(ctx context.Context, err error) (balancedomain.TrackResponse, error) {
	var shortfall *balancedomain.InsufficientBalanceError
	if errors.As(err, &shortfall) {
		if s.metrics != nil {
			s.metrics.RecordTrackRejected(ctx, string(shortfall.Cause))
		}
		return balancedomain.TrackResponse{Success: false, Code: string(shortfall.Cause)}, nil
	}
	return balancedomain.TrackResponse{}, err
}

func isTyped(err error) bool {
	return errors.Is(err, balancedomain.ErrFeatureNotFound) ||
		errors.Is(err, balancedomain.ErrInvalidDeduction) ||
		balancedomain.IsInsufficientBalance(err)
}

func findFeature(features []featuredomain.Feature, code string) (featuredomain.Feature, bool) {
	code = strings.TrimSpace(code)
	for _, f := range features {
		if f.Code == code {
			return f, true
		}
	}
	return featuredomain.Feature{}, false
}

// balancesFromGraph aggregates the per-record state into the per-feature
// view responses expose. Usage is how much of the default allowance has
// been consumed, never negative.
func balancesFromGraph(g *entitlementdomain.Graph, entityID string, nowMs int64) map[snowflake.ID]balancedomain.FeatureBalance {
	features := make(map[snowflake.ID]featuredomain.Feature, len(g.Features))
	for _, f := range g.Features {
		features[f.ID] = f
	}

	out := make(map[snowflake.ID]balancedomain.FeatureBalance)
	for i := range g.Entitlements {
		rec := &g.Entitlements[i]
		fb, ok := out[rec.FeatureID]
		if !ok {
			fb = balancedomain.FeatureBalance{
				FeatureID:   rec.FeatureID,
				FeatureCode: features[rec.FeatureID].Code,
			}
		}
		if rec.Kind() == entitlementdomain.KindUnlimited {
			fb.Unlimited = true
		}
		if balance, ok := rec.BalanceFor(entityID); ok {
			fb.CurrentBalance = fb.CurrentBalance.Add(balance)
			fb.Usage = fb.Usage.Add(decimal.Max(rec.Allowance.Sub(balance), decimal.Zero))
		}
		fb.Rollover = fb.Rollover.Add(rec.RolloverBalanceFor(entityID, nowMs))
		out[rec.FeatureID] = fb
	}
	return out
}
