package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	featuredomain "github.com/tallylabs/tally/internal/feature/domain"
	"gorm.io/gorm"
)

var (
	ErrEntitlementNotFound = errors.New("entitlement_not_found")
	ErrStaleWrite          = errors.New("entitlement_stale_write")
)

// Graph is the full denormalized entitlement view of one customer: every
// grant with nested rollovers, plus the features they reference.
type Graph struct {
	OrgID        snowflake.ID
	Env          string
	CustomerID   snowflake.ID
	Entitlements []CustomerEntitlement
	Features     []featuredomain.Feature
}

// BalanceWrite is one record-level durable update produced by the sync
// path or the durable fallback path.
type BalanceWrite struct {
	CusEntID snowflake.ID

	Balance  *decimal.Decimal
	Entities map[string]EntityBalance

	// Rollovers lists the new balances for touched rollover records.
	Rollovers map[snowflake.ID]RolloverWrite

	// UpdatedAtMs becomes the record's BalanceUpdatedAt marker.
	UpdatedAtMs int64
}

// RolloverWrite carries the post-deduction state of one rollover.
type RolloverWrite struct {
	Balance  decimal.Decimal
	Entities map[string]RolloverEntityBalance
}

type Repository interface {
	// LoadGraph reads the customer's full entitlement graph, rollovers
	// preloaded, records ordered by creation.
	LoadGraph(ctx context.Context, db *gorm.DB, orgID snowflake.ID, env string, customerID snowflake.ID) (*Graph, error)

	// FindByID loads a single grant with rollovers, or ErrEntitlementNotFound.
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*CustomerEntitlement, error)

	// FindByIDForUpdate row-locks the grant for the durable fallback path.
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*CustomerEntitlement, error)

	// ApplyWrite persists a balance write and bumps the Version marker.
	ApplyWrite(ctx context.Context, db *gorm.DB, write BalanceWrite) error

	// ResetBalance restores the default allowance and bumps the marker, as
	// the cycle-reset job does. nextResetAtMs of 0 clears the schedule.
	ResetBalance(ctx context.Context, db *gorm.DB, id snowflake.ID, nextResetAtMs int64) error
}
