// Package ratelimit implements the per-(identity,tool) token bucket used
// to bound call rates, with interchangeable memory and shared (Redis)
// backends behind a single Limiter interface.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Limiter attempts to consume tokens for (identity, tool) and reports
// whether the call is within quota. get-remaining never mutates state.
type Limiter interface {
	Consume(ctx context.Context, identity, tool string, tokens int) (bool, error)
	Remaining(ctx context.Context, identity, tool string) (int, error)
}

// TimeFunc returns the current time as a Unix timestamp in seconds.
// Tests inject a deterministic fake to exercise refill without sleeping.
type TimeFunc func() float64

func bucketKey(identity, tool string) string {
	return fmt.Sprintf("mcpguard:bucket:%s:%s", identity, tool)
}

func unixNow() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
