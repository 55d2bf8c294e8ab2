package ratelimit

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/tallylabs/tally/internal/config"
)

const keyTrackOrg = "track:org:%s"

// TrackLimiter gates track calls per organization. Disabled limiters
// admit everything; a nil limiter is a valid disabled one.
type TrackLimiter struct {
	enabled bool

	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewTrackLimiter(cfg config.Config, rdb *redis.Client) *TrackLimiter {
	if !cfg.RateLimitEnabled {
		return nil
	}
	return &TrackLimiter{
		enabled: true,
		bucket:  NewTokenBucket(rdb),
		rate:    cfg.RateLimitOrgRate,
		burst:   cfg.RateLimitOrgBurst,
	}
}

func (l *TrackLimiter) Enabled() bool {
	return l != nil && l.enabled
}

// AllowOrg admits or throttles one track call for the organization.
func (l *TrackLimiter) AllowOrg(ctx context.Context, orgID snowflake.ID) (Result, error) {
	if !l.Enabled() {
		return Result{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyTrackOrg, orgID), l.rate, l.burst)
}
