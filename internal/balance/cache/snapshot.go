package cache

import (
	"encoding/json"

	entitlementdomain "github.com/tallylabs/tally/internal/entitlement/domain"
)

// Snapshot is the cached denormalized view of one customer's entitlement
// graph. It is never partially written: mutation is all-or-nothing per
// batch, enforced by the store's transactional write.
type Snapshot struct {
	Graph      entitlementdomain.Graph `json:"graph"`
	CachedAtMs int64                   `json:"cached_at_ms"`
}

// Clone deep-copies the snapshot. Rollback after a failed side effect is a
// matter of discarding the clone; snapshot sizes are bounded by one
// customer's entitlement graph.
func (s *Snapshot) Clone() (*Snapshot, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var out Snapshot
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func encodeSnapshot(s *Snapshot) ([]byte, error) { return json.Marshal(s) }

func decodeSnapshot(raw []byte) (*Snapshot, error) {
	var out Snapshot
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
