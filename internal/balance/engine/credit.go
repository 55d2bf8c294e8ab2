package engine

import (
	"sort"

	"github.com/shopspring/decimal"
	balancedomain "github.com/tallylabs/tally/internal/balance/domain"
	featuredomain "github.com/tallylabs/tally/internal/feature/domain"
)

// ExpandCredits appends the dependent credit-system deductions implied by
// the requested metered deductions. Each credit system accumulates
// amount / feature_amount * credit_amount over every contributing raw
// feature; a zero total generates nothing. The expansion is deterministic:
// credit systems are visited in id order.
func ExpandCredits(
	features []featuredomain.Feature,
	deductions []balancedomain.FeatureDeduction,
) []balancedomain.FeatureDeduction {
	systems := make([]featuredomain.Feature, 0)
	for _, f := range features {
		if f.Type == featuredomain.FeatureTypeCreditSystem {
			systems = append(systems, f)
		}
	}
	sort.Slice(systems, func(i, j int) bool { return systems[i].ID < systems[j].ID })

	expanded := deductions
	for _, cs := range systems {
		total := decimal.Zero
		for _, cost := range cs.CreditCosts() {
			if !cost.FeatureAmount.IsPositive() {
				continue
			}
			for _, d := range deductions {
				if d.FeatureID != cost.MeteredFeatureID || d.Deduction == nil {
					continue
				}
				total = total.Add(d.Deduction.Div(cost.FeatureAmount).Mul(cost.CreditAmount))
			}
		}
		if total.IsZero() {
			continue
		}
		amount := total
		expanded = append(expanded, balancedomain.FeatureDeduction{
			FeatureID: cs.ID,
			Deduction: &amount,
		})
	}
	return expanded
}
