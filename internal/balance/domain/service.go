package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// TrackRequest is the inbound "track usage" call.
type TrackRequest struct {
	CustomerID  string          `json:"customer_id" binding:"required"`
	FeatureCode string          `json:"feature_code" binding:"required"`
	Value       decimal.Decimal `json:"value"`
	EntityID    string          `json:"entity_id,omitempty"`
	Overage     OverageBehavior `json:"overage_behavior,omitempty"`
	// TargetBalance switches the call from delta to absolute mode.
	TargetBalance *decimal.Decimal `json:"target_balance,omitempty"`
}

// FeatureBalance is the per-feature view in a track/balances response.
type FeatureBalance struct {
	FeatureID      snowflake.ID    `json:"feature_id"`
	FeatureCode    string          `json:"feature_code"`
	Unlimited      bool            `json:"unlimited"`
	CurrentBalance decimal.Decimal `json:"current_balance"`
	Rollover       decimal.Decimal `json:"rollover"`
	Usage          decimal.Decimal `json:"usage"`
}

// TrackResponse reports the outcome of one track call.
type TrackResponse struct {
	Success  bool                            `json:"success"`
	Code     string                          `json:"code,omitempty"`
	Balances map[snowflake.ID]FeatureBalance `json:"balances"`
}

// GetBalancesRequest reads a customer's current balances.
type GetBalancesRequest struct {
	CustomerID string `json:"customer_id"`
	EntityID   string `json:"entity_id,omitempty"`
}

// Service is the track-usage orchestration surface.
type Service interface {
	Track(ctx context.Context, req TrackRequest) (TrackResponse, error)
	GetBalances(ctx context.Context, req GetBalancesRequest) (map[snowflake.ID]FeatureBalance, error)
	// Invalidate drops the customer's cached snapshot so the next call
	// re-reads the durable store. Called on structural changes (product
	// attach, entity creation, manual reset).
	Invalidate(ctx context.Context, customerID string) error
}
