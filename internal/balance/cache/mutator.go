package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	balancedomain "github.com/tallylabs/tally/internal/balance/domain"
	"github.com/tallylabs/tally/internal/balance/engine"
	obsmetrics "github.com/tallylabs/tally/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const casAttempts = 5

// Hook runs against the mutated working copy before it is committed. A
// hook error aborts the write entirely, which restores the pre-mutation
// state by construction: only the working copy was touched.
type Hook func(snap *Snapshot, result balancedomain.MutationResult) error

// Unit is one caller's deduction list inside a merged batch. Units are
// all-or-nothing individually: a unit that fails validation leaves the
// snapshot exactly as the previous unit left it.
type Unit struct {
	Deductions []balancedomain.FeatureDeduction
	Options    balancedomain.DeductOptions
}

// UnitOutcome pairs a unit's delta set with its typed failure, if any.
type UnitOutcome struct {
	Result balancedomain.MutationResult
	Err    error
}

// Mutator applies deduction passes to a cached snapshot as one indivisible
// step. Indivisibility comes from the cache store itself: the
// read-modify-write runs under WATCH and commits in a transaction, so a
// concurrent writer on the same key fails the commit and the pass retries
// on a fresh read. An application-level mutex would only cover one
// process; this covers every instance sharing the cache.
type Mutator struct {
	rdb     *redis.Client
	log     *zap.Logger
	metrics *obsmetrics.Metrics
	ttl     time.Duration
}

type MutatorParams struct {
	fx.In

	Redis   *redis.Client
	Log     *zap.Logger
	Metrics *obsmetrics.Metrics `optional:"true"`
}

func NewMutator(p MutatorParams) *Mutator {
	return &Mutator{
		rdb:     p.Redis,
		log:     p.Log.Named("balance.mutator"),
		metrics: p.Metrics,
		ttl:     defaultSnapshotTTL,
	}
}

// Deduct executes a single deduction list against the snapshot at key.
func (m *Mutator) Deduct(
	ctx context.Context,
	key string,
	deductions []balancedomain.FeatureDeduction,
	opts balancedomain.DeductOptions,
	hooks ...Hook,
) (balancedomain.MutationResult, *Snapshot, error) {
	outcomes, snap, err := m.DeductBatch(ctx, key, []Unit{{Deductions: deductions, Options: opts}}, hooks...)
	if err != nil {
		return balancedomain.MutationResult{}, nil, err
	}
	if outcomes[0].Err != nil {
		return balancedomain.MutationResult{}, nil, outcomes[0].Err
	}
	return outcomes[0].Result, snap, nil
}

// DeductBatch executes a merged batch of units in order under one commit.
// Unit failures are reported positionally, never by partial state; a
// batch-level failure (customer not cached, unsupported configuration,
// store trouble) fails every unit identically.
func (m *Mutator) DeductBatch(
	ctx context.Context,
	key string,
	units []Unit,
	hooks ...Hook,
) ([]UnitOutcome, *Snapshot, error) {
	for _, u := range units {
		if u.Options.SkipCache {
			return nil, nil, balancedomain.ErrUnsupportedConfig
		}
	}

	var (
		outcomes  []UnitOutcome
		committed *Snapshot
	)

	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return balancedomain.ErrCustomerNotCached
		}
		if err != nil {
			return fmt.Errorf("%w: %w", balancedomain.ErrTransientStore, err)
		}
		snap, err := decodeSnapshot(raw)
		if err != nil {
			return err
		}

		working, err := snap.Clone()
		if err != nil {
			return err
		}

		runOutcomes := make([]UnitOutcome, len(units))
		merged := balancedomain.MutationResult{}
		touched := false
		for i, unit := range units {
			if err := rejectUnsupported(working, unit.Deductions); err != nil {
				return err
			}
			res, err := engine.Deduct(&working.Graph, unit.Deductions, unit.Options)
			if err != nil {
				runOutcomes[i] = UnitOutcome{Err: err}
				continue
			}
			runOutcomes[i] = UnitOutcome{Result: res}
			merged.Merge(res)
			touched = touched || !res.Empty()
		}

		for _, hook := range hooks {
			if err := hook(working, merged); err != nil {
				return err
			}
		}

		if touched {
			encoded, err := encodeSnapshot(working)
			if err != nil {
				return err
			}
			if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, m.ttl)
				return nil
			}); err != nil {
				return err
			}
		}
		outcomes = runOutcomes
		committed = working
		return nil
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		err := m.rdb.Watch(ctx, txn, key)
		if err == nil {
			return outcomes, committed, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			// Another mutator committed between our read and write.
			m.log.Debug("snapshot write contended, retrying",
				zap.String("key", key),
				zap.Int("attempt", attempt+1),
			)
			if m.metrics != nil {
				m.metrics.RecordCASRetry(ctx)
			}
			continue
		}
		return nil, nil, err
	}
	return nil, nil, fmt.Errorf("%w: snapshot write contention on %s", balancedomain.ErrTransientStore, key)
}

// rejectUnsupported screens deduction shapes the cache path cannot serve.
// Allocated grants are owned by the billing processor; deducting them here
// would race its own bookkeeping.
func rejectUnsupported(snap *Snapshot, deductions []balancedomain.FeatureDeduction) error {
	for _, d := range deductions {
		for i := range snap.Graph.Entitlements {
			rec := &snap.Graph.Entitlements[i]
			if rec.FeatureID == d.FeatureID && rec.Allocated {
				return balancedomain.ErrUnsupportedConfig
			}
		}
	}
	return nil
}
