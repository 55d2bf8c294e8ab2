// Package domain contains persistence models for customer entitlements and
// their rollover sub-records.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// EntityBalance is a per-entity sub-balance under an entity-scoped grant.
type EntityBalance struct {
	ID         string          `json:"id"`
	Balance    decimal.Decimal `json:"balance"`
	Adjustment decimal.Decimal `json:"adjustment"`
}

// RolloverEntityBalance mirrors EntityBalance for rollover records.
type RolloverEntityBalance struct {
	Balance decimal.Decimal `json:"balance"`
}

// Rollover carries unused balance from a prior cycle until ExpiresAt.
type Rollover struct {
	ID       snowflake.ID `gorm:"primaryKey" json:"id"`
	CusEntID snowflake.ID `gorm:"column:cus_ent_id;not null;index" json:"cus_ent_id"`

	Balance  decimal.Decimal                                      `gorm:"type:numeric;not null" json:"balance"`
	Entities datatypes.JSONType[map[string]RolloverEntityBalance] `gorm:"column:entities" json:"entities"`

	// ExpiresAt is epoch millis. Expired rollovers are excluded from
	// availability sums and never decremented.
	ExpiresAt int64 `gorm:"not null" json:"expires_at"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

func (Rollover) TableName() string { return "rollovers" }

// Expired reports whether the rollover is void at the given epoch millis.
func (r Rollover) Expired(nowMs int64) bool { return r.ExpiresAt <= nowMs }

// EntityBalanceFor returns the rollover balance available for entityID, or
// the top-level balance when entityID is empty.
func (r Rollover) BalanceFor(entityID string) decimal.Decimal {
	if entityID == "" {
		return r.Balance
	}
	entities := r.Entities.Data()
	if entities == nil {
		return decimal.Zero
	}
	return entities[entityID].Balance
}

// CustomerEntitlement is one grant of a feature to a customer (or to
// entities under that customer).
type CustomerEntitlement struct {
	ID         snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID      snowflake.ID `gorm:"column:org_id;not null;index:ix_cus_ents_scope,priority:1" json:"org_id"`
	Env        string       `gorm:"type:text;not null;index:ix_cus_ents_scope,priority:2" json:"env"`
	CustomerID snowflake.ID `gorm:"not null;index:ix_cus_ents_scope,priority:3" json:"customer_id"`

	FeatureID       snowflake.ID `gorm:"not null;index" json:"feature_id"`
	ProductAttachID snowflake.ID `gorm:"column:product_attach_id" json:"product_attach_id"`
	EntitlementID   snowflake.ID `gorm:"column:entitlement_id" json:"entitlement_id"`

	// Balance is nil for boolean features and unlimited grants.
	Balance   *decimal.Decimal `gorm:"type:numeric" json:"balance"`
	Unlimited bool             `gorm:"not null;default:false" json:"unlimited"`

	// UsageAllowed permits overdraw beyond Balance; the overage is billed
	// instead of blocked.
	UsageAllowed bool             `gorm:"not null;default:false" json:"usage_allowed"`
	UsageLimit   *decimal.Decimal `gorm:"type:numeric" json:"usage_limit"`

	// Allowance is the default allocation Balance resets to.
	Allowance decimal.Decimal `gorm:"type:numeric;not null;default:0" json:"allowance"`

	// NextResetAt is epoch millis; nil for lifetime/unlimited/boolean grants.
	NextResetAt *int64 `gorm:"column:next_reset_at" json:"next_reset_at"`

	// Entities holds per-entity sub-balances for entity-scoped grants. When
	// set, the top-level Balance is never authoritative for an entity.
	Entities datatypes.JSONType[map[string]EntityBalance] `gorm:"column:entities" json:"entities"`

	// Allocated grants are managed by the billing processor and are not
	// deductible through the cache path.
	Allocated bool `gorm:"not null;default:false" json:"allocated"`

	// Version increments on every durable mutation (sync apply, reset,
	// grant, manual update). BalanceUpdatedAt records the epoch millis of
	// the mutation that produced the current balance; the sync staleness
	// check compares against it.
	Version          int64 `gorm:"not null;default:0" json:"version"`
	BalanceUpdatedAt int64 `gorm:"column:balance_updated_at;not null;default:0" json:"balance_updated_at"`

	Rollovers []Rollover `gorm:"foreignKey:CusEntID;references:ID" json:"rollovers"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (CustomerEntitlement) TableName() string { return "customer_entitlements" }

// Kind is the explicit variant of a grant. Branching on Kind keeps the
// deduction engine exhaustive instead of sniffing field nullability.
type Kind int

const (
	KindBoolean Kind = iota
	KindUnlimited
	KindBounded
	KindEntityScoped
)

// Kind classifies the grant.
func (e CustomerEntitlement) Kind() Kind {
	switch {
	case e.Unlimited:
		return KindUnlimited
	case e.Entities.Data() != nil:
		return KindEntityScoped
	case e.Balance != nil:
		return KindBounded
	default:
		return KindBoolean
	}
}

// BalanceFor returns the authoritative balance for the entity context.
// For entity-scoped grants with an empty entityID, or non-scoped grants
// asked about an entity, there is nothing to draw from.
func (e CustomerEntitlement) BalanceFor(entityID string) (decimal.Decimal, bool) {
	switch e.Kind() {
	case KindBoolean, KindUnlimited:
		return decimal.Zero, false
	case KindEntityScoped:
		if entityID == "" {
			return decimal.Zero, false
		}
		eb, ok := e.Entities.Data()[entityID]
		if !ok {
			return decimal.Zero, false
		}
		return eb.Balance, true
	default:
		if entityID != "" {
			return decimal.Zero, false
		}
		return *e.Balance, true
	}
}

// RolloverBalanceFor sums non-expired rollover balance in the entity context.
func (e CustomerEntitlement) RolloverBalanceFor(entityID string, nowMs int64) decimal.Decimal {
	total := decimal.Zero
	for _, r := range e.Rollovers {
		if r.Expired(nowMs) {
			continue
		}
		total = total.Add(r.BalanceFor(entityID))
	}
	return total
}
