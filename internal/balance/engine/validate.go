package engine

import (
	"github.com/shopspring/decimal"
	balancedomain "github.com/tallylabs/tally/internal/balance/domain"
	entitlementdomain "github.com/tallylabs/tally/internal/entitlement/domain"
	featuredomain "github.com/tallylabs/tally/internal/feature/domain"
)

// Validate runs the pre-flight checks over the pre-mutation aggregate. It
// never mutates, and it fails fast: the first failing feature aborts the
// whole pass. The same checks guard both the cache path and the durable
// fallback path.
func Validate(
	g *entitlementdomain.Graph,
	deductions []balancedomain.FeatureDeduction,
	opts balancedomain.DeductOptions,
	nowMs int64,
) error {
	features := FeatureIndex(g)
	for _, d := range deductions {
		feature, ok := features[d.FeatureID]
		if !ok {
			return balancedomain.ErrFeatureNotFound
		}
		if err := validateOne(g, feature, d, opts, nowMs); err != nil {
			return err
		}
	}
	return nil
}

func validateOne(
	g *entitlementdomain.Graph,
	feature featuredomain.Feature,
	d balancedomain.FeatureDeduction,
	opts balancedomain.DeductOptions,
	nowMs int64,
) error {
	recs := Records(g, feature.ID)
	if hasUnlimited(recs) || feature.IsBoolean() {
		return nil
	}

	entityID := entityFor(d, opts)
	base, roll := Availability(recs, entityID, nowMs)
	total := base.Add(roll)

	amount, err := resolveAmount(d, total)
	if err != nil {
		return err
	}
	if !amount.IsPositive() {
		return nil
	}

	if err := checkSufficiency(feature, recs, d, opts, base, roll, amount); err != nil {
		return err
	}
	return checkUsageLimit(feature, recs, entityID, roll, amount)
}

// checkSufficiency is the insufficient-balance-without-overdraw check. Cap
// mode never fails it: the deduction is capped at zero instead.
func checkSufficiency(
	feature featuredomain.Feature,
	recs []*entitlementdomain.CustomerEntitlement,
	d balancedomain.FeatureDeduction,
	opts balancedomain.DeductOptions,
	base, roll, amount decimal.Decimal,
) error {
	if opts.Overage != balancedomain.OverageReject {
		return nil
	}
	total := base.Add(roll)
	if total.GreaterThanOrEqual(amount) {
		return nil
	}
	for _, rec := range recs {
		if rec.UsageAllowed {
			return nil
		}
	}
	if isFreeSingleUseAllowance(feature, recs) {
		// Free single-use allowances without usage pricing overdraw to
		// zero rather than rejecting the call.
		return nil
	}
	return &balancedomain.InsufficientBalanceError{
		FeatureID:         feature.ID,
		Cause:             balancedomain.CauseBalance,
		Available:         base,
		RolloverAvailable: roll,
		Required:          amount,
	}
}

// checkUsageLimit bounds overdraw on usage_allowed records. Remaining
// capacity per record is usage_limit - (allowance - balance), floored at
// zero; non-overdraw records contribute their positive balance. The check
// applies only when some record actually carries a limit, and an unlimited
// overdraw record lifts it entirely.
func checkUsageLimit(
	feature featuredomain.Feature,
	recs []*entitlementdomain.CustomerEntitlement,
	entityID string,
	roll, amount decimal.Decimal,
) error {
	limited := false
	capacity := decimal.Zero
	for _, rec := range recs {
		balance, ok := rec.BalanceFor(entityID)
		if !ok {
			continue
		}
		if !rec.UsageAllowed {
			capacity = capacity.Add(decimal.Max(balance, decimal.Zero))
			continue
		}
		if rec.UsageLimit == nil {
			return nil
		}
		limited = true
		used := rec.Allowance.Sub(balance)
		capacity = capacity.Add(decimal.Max(rec.UsageLimit.Sub(used), decimal.Zero))
	}
	if !limited {
		return nil
	}

	covered := decimal.Min(amount, decimal.Max(roll, decimal.Zero))
	fromEntitlement := amount.Sub(covered)
	if fromEntitlement.LessThanOrEqual(capacity) {
		return nil
	}
	return &balancedomain.InsufficientBalanceError{
		FeatureID:              feature.ID,
		Cause:                  balancedomain.CauseUsageLimit,
		RolloverAvailable:      covered,
		Required:               fromEntitlement,
		RemainingUsageCapacity: capacity,
	}
}

// isFreeSingleUseAllowance names the policy exception for single-use
// metered features with a positive included allowance and no usage-based
// price attached: their shortfall caps at zero instead of rejecting.
// Deliberately isolated so the boundary conditions can be revisited.
func isFreeSingleUseAllowance(feature featuredomain.Feature, recs []*entitlementdomain.CustomerEntitlement) bool {
	if feature.Type != featuredomain.FeatureTypeMetered || feature.UsageKind != featuredomain.UsageKindSingleUse {
		return false
	}
	if feature.HasUsagePrice {
		return false
	}
	for _, rec := range recs {
		if rec.Allowance.IsPositive() {
			return true
		}
	}
	return false
}
