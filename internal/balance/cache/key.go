package cache

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
)

// Key derives the one cache key every component must agree on for a
// customer's snapshot. Two components computing different keys would
// silently operate on different cache entries.
func Key(orgID snowflake.ID, env string, customerID snowflake.ID) string {
	return fmt.Sprintf("%s:%s:%s", orgID, env, customerID)
}
