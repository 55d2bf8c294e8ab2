// Package domain defines the request/result shapes and error taxonomy for
// the usage-balance deduction core.
package domain

import (
	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// OverageBehavior decides what happens when a deduction exceeds available
// balance on records that do not allow usage-based overdraw.
type OverageBehavior string

const (
	// OverageCap floors non-overdraw balances at zero and lets the rest of
	// the batch proceed.
	OverageCap OverageBehavior = "cap"
	// OverageReject fails the deduction with no mutation at all.
	OverageReject OverageBehavior = "reject"
)

// FeatureDeduction asks for one feature's balance change. Exactly one of
// Deduction and TargetBalance is set: Deduction subtracts a positive
// quantity, TargetBalance drives the aggregate balance to an absolute value.
type FeatureDeduction struct {
	FeatureID     snowflake.ID     `json:"feature_id"`
	Deduction     *decimal.Decimal `json:"deduction,omitempty"`
	TargetBalance *decimal.Decimal `json:"target_balance,omitempty"`
	EntityID      string           `json:"entity_id,omitempty"`
}

// DeductOptions tune one deduction pass.
type DeductOptions struct {
	Overage  OverageBehavior
	EntityID string
	// SkipSync suppresses queueing the durable sync for this mutation.
	SkipSync bool
	// SkipCache requests the durable path directly. The cache mutator
	// rejects it as an unsupported configuration.
	SkipCache bool
	// NowMs pins rollover expiry evaluation; zero means wall clock.
	NowMs int64
}

// BalanceUpdate reports one record-level mutation.
type BalanceUpdate struct {
	CusEntID      snowflake.ID    `json:"cus_ent_id"`
	EntityID      string          `json:"entity_id,omitempty"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
}

// RolloverUpdate reports one rollover-level mutation.
type RolloverUpdate struct {
	RolloverID    snowflake.ID    `json:"rollover_id"`
	CusEntID      snowflake.ID    `json:"cus_ent_id"`
	EntityID      string          `json:"entity_id,omitempty"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
}

// MutationResult is the record-level delta set a deduction pass applied.
type MutationResult struct {
	Updates         map[snowflake.ID]BalanceUpdate  `json:"updates"`
	RolloverUpdates map[snowflake.ID]RolloverUpdate `json:"rollover_updates"`
	Logs            []string                        `json:"logs,omitempty"`
}

// TouchedIDs lists the entitlement records the mutation modified,
// rollover-only touches included via their parent record.
func (m MutationResult) TouchedIDs() []snowflake.ID {
	seen := make(map[snowflake.ID]struct{}, len(m.Updates))
	ids := make([]snowflake.ID, 0, len(m.Updates))
	for id := range m.Updates {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	for _, ru := range m.RolloverUpdates {
		if _, ok := seen[ru.CusEntID]; !ok {
			seen[ru.CusEntID] = struct{}{}
			ids = append(ids, ru.CusEntID)
		}
	}
	return ids
}

// Empty reports whether the mutation touched nothing.
func (m MutationResult) Empty() bool {
	return len(m.Updates) == 0 && len(m.RolloverUpdates) == 0
}

// Merge folds another result into this one, keeping the earliest "before"
// and the latest "after" per record.
func (m *MutationResult) Merge(other MutationResult) {
	if m.Updates == nil {
		m.Updates = make(map[snowflake.ID]BalanceUpdate)
	}
	if m.RolloverUpdates == nil {
		m.RolloverUpdates = make(map[snowflake.ID]RolloverUpdate)
	}
	for id, u := range other.Updates {
		if prev, ok := m.Updates[id]; ok {
			u.BalanceBefore = prev.BalanceBefore
		}
		m.Updates[id] = u
	}
	for id, ru := range other.RolloverUpdates {
		if prev, ok := m.RolloverUpdates[id]; ok {
			ru.BalanceBefore = prev.BalanceBefore
		}
		m.RolloverUpdates[id] = ru
	}
	m.Logs = append(m.Logs, other.Logs...)
}
