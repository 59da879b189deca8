package dispatch

import "time"

const maxBaseConcurrency = 10

// Concurrency derives the batch width from the inter-request delay and the
// proxy tier. The result is always >= 1.
//
// base = clamp(floor(1000/delayMs), 1, 10), then capped per tier:
// premium 8, balanced 12, aggressive 15, anything else 5.
func Concurrency(delay time.Duration, tier Tier) int {
	ms := delay.Milliseconds()
	if ms <= 0 {
		ms = 1
	}
	base := int(1000 / ms)
	if base < 1 {
		base = 1
	}
	if base > maxBaseConcurrency {
		base = maxBaseConcurrency
	}

	var n int
	switch tier {
	case TierPremium:
		n = min(base, 8)
	case TierBalanced:
		n = min(base, 12)
	case TierAggressive:
		n = min(base, 15)
	default:
		n = min(base, 5)
	}
	if n < 1 {
		n = 1
	}
	return n
}

// retryConcurrency is the width of the retry pass: half the primary width, at least 1.
func retryConcurrency(primary int) int {
	return max(1, primary/2)
}
