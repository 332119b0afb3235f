// Package retry provides a shared exponential-backoff retry policy used by
// the webhook delivery client and the LLM transport client.
package retry

import (
	"math"
	"math/rand"
	"time"
)

// Policy controls how a failed delivery or transport call should be retried.
type Policy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
}

// DefaultWebhookPolicy answers the "webhook delivery guarantees" open
// question (§9A): bounded retry, exponential backoff, 30s cap.
func DefaultWebhookPolicy() Policy {
	return Policy{
		MaxRetries:    3,
		InitialDelay:  2 * time.Second,
		BackoffFactor: 2.0,
		MaxDelay:      30 * time.Second,
	}
}

// NextDelay calculates the delay before the given attempt (1-indexed) and
// whether a retry should still be attempted.
func (p Policy) NextDelay(attempt int) (delay time.Duration, shouldRetry bool) {
	if attempt <= 0 {
		attempt = 1
	}
	if p.MaxRetries < attempt {
		return 0, false
	}
	return backoffDelayWithFactor(attempt, p.InitialDelay, p.MaxDelay, p.BackoffFactor), true
}

// backoffDelayWithFactor returns base * factor^(retries-1) capped at maxDelay with jitter.
func backoffDelayWithFactor(retries int, base, maxDelay time.Duration, factor float64) time.Duration {
	if retries <= 0 || base <= 0 {
		return 0
	}
	if factor < 1.0 {
		factor = 1.0
	}

	backoff := float64(base) * math.Pow(factor, float64(retries-1))
	if math.IsNaN(backoff) || math.IsInf(backoff, 0) {
		if maxDelay > 0 {
			backoff = float64(maxDelay)
		} else {
			backoff = float64(base)
		}
	}
	if maxDelay > 0 && backoff > float64(maxDelay) {
		backoff = float64(maxDelay)
	}
	if backoff < float64(base) {
		backoff = float64(base)
	}

	jitter := 1.0 + (rand.Float64() * 0.1)
	return time.Duration(backoff * jitter)
}
