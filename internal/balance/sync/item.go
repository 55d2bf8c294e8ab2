// Package sync propagates cache-side balance mutations to the durable
// entitlement store. Syncing is decoupled from the deduction path: by the
// time an item runs, the deduction has already committed to the cache and
// answered its caller.
package sync

import (
	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
)

// Item is one unit of durable propagation work. Timestamp records the
// moment the cache mutation was produced; the staleness check compares it
// against each durable record's own last-modified marker.
type Item struct {
	ID         string         `json:"id"`
	OrgID      snowflake.ID   `json:"org_id"`
	Env        string         `json:"env"`
	CustomerID snowflake.ID   `json:"customer_id"`
	CusEntIDs  []snowflake.ID `json:"cus_ent_ids"`

	TimestampMs int64 `json:"timestamp_ms"`

	// Region is carried opaquely for the durable side's bookkeeping.
	Region string `json:"region"`
}

// NewItem stamps a fresh item for the given mutation.
func NewItem(orgID snowflake.ID, env string, customerID snowflake.ID, cusEntIDs []snowflake.ID, timestampMs int64, region string) Item {
	return Item{
		ID:          uuid.NewString(),
		OrgID:       orgID,
		Env:         env,
		CustomerID:  customerID,
		CusEntIDs:   cusEntIDs,
		TimestampMs: timestampMs,
		Region:      region,
	}
}

func (i *Item) absorb(other Item) {
	seen := make(map[snowflake.ID]struct{}, len(i.CusEntIDs))
	for _, id := range i.CusEntIDs {
		seen[id] = struct{}{}
	}
	for _, id := range other.CusEntIDs {
		if _, ok := seen[id]; !ok {
			i.CusEntIDs = append(i.CusEntIDs, id)
		}
	}
	if other.TimestampMs > i.TimestampMs {
		i.TimestampMs = other.TimestampMs
	}
}
