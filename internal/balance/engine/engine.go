// Package engine computes record-level balance deltas for feature
// deductions. It is pure: it suspends on nothing, mutates only the graph it
// is handed, and uses exact decimal arithmetic throughout.
package engine

import (
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	balancedomain "github.com/tallylabs/tally/internal/balance/domain"
	entitlementdomain "github.com/tallylabs/tally/internal/entitlement/domain"
	featuredomain "github.com/tallylabs/tally/internal/feature/domain"
)

// Deduct validates and applies the deductions against the graph in place,
// returning the delta set actually applied. Callers needing rollback take a
// copy of the graph before calling.
func Deduct(
	g *entitlementdomain.Graph,
	deductions []balancedomain.FeatureDeduction,
	opts balancedomain.DeductOptions,
) (balancedomain.MutationResult, error) {
	result := balancedomain.MutationResult{
		Updates:         make(map[snowflake.ID]balancedomain.BalanceUpdate),
		RolloverUpdates: make(map[snowflake.ID]balancedomain.RolloverUpdate),
	}

	nowMs := opts.NowMs
	if nowMs == 0 {
		nowMs = time.Now().UnixMilli()
	}

	features := FeatureIndex(g)
	if err := Validate(g, deductions, opts, nowMs); err != nil {
		return balancedomain.MutationResult{}, err
	}

	for _, d := range deductions {
		feature, ok := features[d.FeatureID]
		if !ok {
			return balancedomain.MutationResult{}, balancedomain.ErrFeatureNotFound
		}
		partial, err := deductOne(g, feature, d, opts, nowMs)
		if err != nil {
			return balancedomain.MutationResult{}, err
		}
		result.Merge(partial)
	}
	return result, nil
}

// FeatureIndex maps the graph's features by id.
func FeatureIndex(g *entitlementdomain.Graph) map[snowflake.ID]featuredomain.Feature {
	index := make(map[snowflake.ID]featuredomain.Feature, len(g.Features))
	for _, f := range g.Features {
		index[f.ID] = f
	}
	return index
}

// Records returns the feature's grants in consumption order: earliest
// creation first, id as tie-break. The order is independent of map
// iteration and therefore stable across runs.
func Records(g *entitlementdomain.Graph, featureID snowflake.ID) []*entitlementdomain.CustomerEntitlement {
	var recs []*entitlementdomain.CustomerEntitlement
	for i := range g.Entitlements {
		if g.Entitlements[i].FeatureID == featureID {
			recs = append(recs, &g.Entitlements[i])
		}
	}
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
	return recs
}

// Availability sums base and non-expired rollover balance for the feature
// in the given entity context.
func Availability(recs []*entitlementdomain.CustomerEntitlement, entityID string, nowMs int64) (base, rollover decimal.Decimal) {
	base, rollover = decimal.Zero, decimal.Zero
	for _, rec := range recs {
		if b, ok := rec.BalanceFor(entityID); ok {
			base = base.Add(b)
		}
		rollover = rollover.Add(rec.RolloverBalanceFor(entityID, nowMs))
	}
	return base, rollover
}

func hasUnlimited(recs []*entitlementdomain.CustomerEntitlement) bool {
	for _, rec := range recs {
		if rec.Kind() == entitlementdomain.KindUnlimited {
			return true
		}
	}
	return false
}

func entityFor(d balancedomain.FeatureDeduction, opts balancedomain.DeductOptions) string {
	if d.EntityID != "" {
		return d.EntityID
	}
	return opts.EntityID
}

func deductOne(
	g *entitlementdomain.Graph,
	feature featuredomain.Feature,
	d balancedomain.FeatureDeduction,
	opts balancedomain.DeductOptions,
	nowMs int64,
) (balancedomain.MutationResult, error) {
	result := balancedomain.MutationResult{
		Updates:         make(map[snowflake.ID]balancedomain.BalanceUpdate),
		RolloverUpdates: make(map[snowflake.ID]balancedomain.RolloverUpdate),
	}

	recs := Records(g, feature.ID)
	if len(recs) == 0 || hasUnlimited(recs) || feature.IsBoolean() {
		return result, nil
	}

	entityID := entityFor(d, opts)
	base, roll := Availability(recs, entityID, nowMs)
	total := base.Add(roll)

	amount, err := resolveAmount(d, total)
	if err != nil {
		return result, err
	}
	if amount.IsZero() {
		return result, nil
	}
	if amount.IsNegative() {
		credit(recs, entityID, amount.Neg(), &result)
		return result, nil
	}

	remaining := consumeRollovers(recs, entityID, amount, nowMs, &result)
	remaining = consumeBase(recs, entityID, remaining, &result)

	// Validation already screened reject mode; whatever is left here is the
	// capped portion.
	_ = remaining
	return result, nil
}

// resolveAmount turns the request into a signed delta: positive deducts,
// negative credits back.
func resolveAmount(d balancedomain.FeatureDeduction, total decimal.Decimal) (decimal.Decimal, error) {
	if d.TargetBalance != nil {
		if d.Deduction != nil {
			return decimal.Zero, balancedomain.ErrInvalidDeduction
		}
		return total.Sub(*d.TargetBalance), nil
	}
	if d.Deduction == nil {
		return decimal.Zero, balancedomain.ErrInvalidDeduction
	}
	if d.Deduction.IsNegative() {
		return decimal.Zero, balancedomain.ErrInvalidDeduction
	}
	return *d.Deduction, nil
}

// consumeRollovers draws from non-expired rollovers first, oldest expiry
// first, and never pushes a rollover below zero.
func consumeRollovers(
	recs []*entitlementdomain.CustomerEntitlement,
	entityID string,
	remaining decimal.Decimal,
	nowMs int64,
	result *balancedomain.MutationResult,
) decimal.Decimal {
	for _, rec := range recs {
		if remaining.IsZero() {
			break
		}
		rollovers := make([]*entitlementdomain.Rollover, 0, len(rec.Rollovers))
		for i := range rec.Rollovers {
			rollovers = append(rollovers, &rec.Rollovers[i])
		}
		sort.SliceStable(rollovers, func(i, j int) bool {
			if rollovers[i].ExpiresAt == rollovers[j].ExpiresAt {
				return rollovers[i].ID < rollovers[j].ID
			}
			return rollovers[i].ExpiresAt < rollovers[j].ExpiresAt
		})
		for _, r := range rollovers {
			if remaining.IsZero() {
				break
			}
			if r.Expired(nowMs) {
				continue
			}
			available := r.BalanceFor(entityID)
			if !available.IsPositive() {
				continue
			}
			take := decimal.Min(remaining, available)
			after := available.Sub(take)
			setRolloverBalance(r, entityID, after)
			remaining = remaining.Sub(take)

			if prev, ok := result.RolloverUpdates[r.ID]; ok {
				prev.BalanceAfter = after
				result.RolloverUpdates[r.ID] = prev
			} else {
				result.RolloverUpdates[r.ID] = balancedomain.RolloverUpdate{
					RolloverID:    r.ID,
					CusEntID:      rec.ID,
					EntityID:      entityID,
					BalanceBefore: available,
					BalanceAfter:  after,
				}
			}
		}
	}
	return remaining
}

// consumeBase drains base balances in consumption order. Overdraw-enabled
// records absorb the remainder up to their own usage-limit headroom,
// limit - (allowance - balance); others floor at zero. Either way the rest
// spills onto the next record.
func consumeBase(
	recs []*entitlementdomain.CustomerEntitlement,
	entityID string,
	remaining decimal.Decimal,
	result *balancedomain.MutationResult,
) decimal.Decimal {
	if remaining.IsZero() {
		return remaining
	}
	for _, rec := range recs {
		if remaining.IsZero() {
			break
		}
		balance, ok := rec.BalanceFor(entityID)
		if !ok {
			continue
		}
		var take decimal.Decimal
		switch {
		case rec.UsageAllowed && rec.UsageLimit == nil:
			take = remaining
		case rec.UsageAllowed:
			used := rec.Allowance.Sub(balance)
			headroom := decimal.Max(rec.UsageLimit.Sub(used), decimal.Zero)
			take = decimal.Min(remaining, headroom)
		default:
			take = decimal.Min(remaining, decimal.Max(balance, decimal.Zero))
		}
		if take.IsZero() {
			continue
		}
		after := balance.Sub(take)
		setBalance(rec, entityID, after)
		remaining = remaining.Sub(take)
		recordUpdate(result, rec, entityID, balance, after)
	}
	return remaining
}

// credit restores balance onto base records in reverse consumption order:
// the most recently drained grant refills first, each up to its allowance,
// the rest spilling backwards. Rollovers consumed earlier cannot be
// re-inflated (their pre-consumption size is not carried), so any amount no
// allowance can hold lands on the most recent grant to keep the aggregate
// delta exact.
func credit(
	recs []*entitlementdomain.CustomerEntitlement,
	entityID string,
	amount decimal.Decimal,
	result *balancedomain.MutationResult,
) {
	remaining := amount
	var newest *entitlementdomain.CustomerEntitlement
	for i := len(recs) - 1; i >= 0; i-- {
		rec := recs[i]
		balance, ok := rec.BalanceFor(entityID)
		if !ok {
			continue
		}
		if newest == nil {
			newest = rec
		}
		if remaining.IsZero() {
			break
		}
		headroom := rec.Allowance.Sub(balance)
		if !headroom.IsPositive() {
			continue
		}
		give := decimal.Min(remaining, headroom)
		after := balance.Add(give)
		setBalance(rec, entityID, after)
		remaining = remaining.Sub(give)
		recordUpdate(result, rec, entityID, balance, after)
	}
	if remaining.IsZero() || newest == nil {
		return
	}
	balance, _ := newest.BalanceFor(entityID)
	after := balance.Add(remaining)
	setBalance(newest, entityID, after)
	recordUpdate(result, newest, entityID, balance, after)
}

func recordUpdate(
	result *balancedomain.MutationResult,
	rec *entitlementdomain.CustomerEntitlement,
	entityID string,
	before, after decimal.Decimal,
) {
	if prev, ok := result.Updates[rec.ID]; ok {
		prev.BalanceAfter = after
		result.Updates[rec.ID] = prev
		return
	}
	result.Updates[rec.ID] = balancedomain.BalanceUpdate{
		CusEntID:      rec.ID,
		EntityID:      entityID,
		BalanceBefore: before,
		BalanceAfter:  after,
	}
}

func setBalance(rec *entitlementdomain.CustomerEntitlement, entityID string, value decimal.Decimal) {
	if rec.Kind() == entitlementdomain.KindEntityScoped {
		entities := rec.Entities.Data()
		eb := entities[entityID]
		eb.Balance = value
		entities[entityID] = eb
		return
	}
	rec.Balance = &value
}

func setRolloverBalance(r *entitlementdomain.Rollover, entityID string, value decimal.Decimal) {
	if entityID == "" || r.Entities.Data() == nil {
		r.Balance = value
		return
	}
	entities := r.Entities.Data()
	eb := entities[entityID]
	eb.Balance = value
	entities[entityID] = eb
}
