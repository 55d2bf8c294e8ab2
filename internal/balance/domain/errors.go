package domain

import (
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

var (
	// ErrCustomerNotCached means no snapshot exists for the cache key;
	// callers fall back to the durable path.
	ErrCustomerNotCached = errors.New("customer_not_cached")

	// ErrUnsupportedConfig rejects deduction shapes the cache path cannot
	// serve (allocated grants, explicit cache bypass).
	ErrUnsupportedConfig = errors.New("unsupported_configuration")

	ErrInvalidDeduction  = errors.New("invalid_deduction")
	ErrFeatureNotFound   = errors.New("feature_not_found")
	ErrMissingOrg        = errors.New("missing_org_context")
	ErrInvalidCustomerID = errors.New("invalid_customer_id")

	// ErrTransientStore wraps cache/durable I/O failures that are safe to
	// retry on the sync path.
	ErrTransientStore = errors.New("transient_store_error")
)

// InsufficientCause distinguishes why a deduction could not be covered.
type InsufficientCause string

const (
	CauseBalance    InsufficientCause = "insufficient_balance"
	CauseUsageLimit InsufficientCause = "usage_limit_exceeded"
)

// InsufficientBalanceError is the user-facing validation failure. It
// carries enough quantitative detail to explain the shortfall.
type InsufficientBalanceError struct {
	FeatureID snowflake.ID
	Cause     InsufficientCause

	// Available splits into base entitlement and rollover coverage.
	Available         decimal.Decimal
	RolloverAvailable decimal.Decimal
	Required          decimal.Decimal

	// RemainingUsageCapacity is set for usage-limit failures.
	RemainingUsageCapacity decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	if e.Cause == CauseUsageLimit {
		return fmt.Sprintf(
			"usage limit exceeded for feature %s: remaining capacity %s, requested from entitlement %s (rollover covered %s)",
			e.FeatureID, e.RemainingUsageCapacity, e.Required, e.RolloverAvailable,
		)
	}
	return fmt.Sprintf(
		"insufficient balance for feature %s: available %s (rollover %s), required %s",
		e.FeatureID, e.Available, e.RolloverAvailable, e.Required,
	)
}

// IsInsufficientBalance reports whether err is a validation shortfall.
func IsInsufficientBalance(err error) bool {
	var target *InsufficientBalanceError
	return errors.As(err, &target)
}
