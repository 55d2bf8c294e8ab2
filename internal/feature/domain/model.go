package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type FeatureType string

const (
	FeatureTypeBoolean      FeatureType = "boolean"
	FeatureTypeMetered      FeatureType = "metered"
	FeatureTypeCreditSystem FeatureType = "credit_system"
)

type UsageKind string

const (
	// UsageKindSingleUse counts consumable units (API calls, messages).
	UsageKindSingleUse UsageKind = "single_use"
	// UsageKindContinuous tracks concurrently held capacity (seats, storage).
	UsageKindContinuous UsageKind = "continuous_use"
)

// CreditCost converts usage on a metered feature into credits.
// Credits charged = amount / FeatureAmount * CreditAmount.
type CreditCost struct {
	MeteredFeatureID snowflake.ID    `json:"metered_feature_id"`
	FeatureAmount    decimal.Decimal `json:"feature_amount"`
	CreditAmount     decimal.Decimal `json:"credit_amount"`
}

type Feature struct {
	ID    snowflake.ID `gorm:"primaryKey"`
	OrgID snowflake.ID `gorm:"column:org_id;not null;index:ux_features_org_code,priority:1"`
	Env   string       `gorm:"type:text;not null;index:ux_features_org_code,priority:2"`
	Code  string       `gorm:"type:text;not null;index:ux_features_org_code,priority:3"`

	Name      string      `gorm:"type:text;not null"`
	Type      FeatureType `gorm:"column:feature_type;type:text;not null"`
	UsageKind UsageKind   `gorm:"column:usage_kind;type:text"`

	// CreditSchema is set for credit_system features only.
	CreditSchema datatypes.JSONType[[]CreditCost] `gorm:"column:credit_schema"`

	// HasUsagePrice marks features with a usage-based price attached. The
	// free single-use allowance policy depends on it.
	HasUsagePrice bool `gorm:"not null;default:false"`

	Active   bool              `gorm:"not null;default:true"`
	Metadata datatypes.JSONMap `gorm:"type:jsonb"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Feature) TableName() string { return "features" }

// IsBoolean reports whether the feature carries no numeric balance at all.
func (f Feature) IsBoolean() bool { return f.Type == FeatureTypeBoolean }

// CreditCosts returns the credit schema, nil for non credit-system features.
func (f Feature) CreditCosts() []CreditCost {
	if f.Type != FeatureTypeCreditSystem {
		return nil
	}
	return f.CreditSchema.Data()
}
