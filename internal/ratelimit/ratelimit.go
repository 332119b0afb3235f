// Package ratelimit enforces unified provider usage caps across the 5-hour
// rolling window and the weekly cap, and picks a concrete provider for a
// router tier while honoring those caps.
package ratelimit

import (
	"fmt"
	"sync"

	"github.com/antigravity-dev/agentd/internal/config"
	"github.com/antigravity-dev/agentd/internal/store"
)

// RateLimiter enforces unified rate limits across all authed providers.
type RateLimiter struct {
	store *store.Store
	cfg   config.RateLimits
	mu    sync.Mutex
}

// NewRateLimiter creates a new rate limiter backed by the given store.
func NewRateLimiter(s *store.Store, cfg config.RateLimits) *RateLimiter {
	return &RateLimiter{store: s, cfg: cfg}
}

// CanDispatchAuthed checks both the 5h rolling window and weekly cap.
// Returns (true, "") if dispatch is allowed, or (false, reason) if blocked.
func (r *RateLimiter) CanDispatchAuthed() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.canDispatchAuthedLocked()
}

func (r *RateLimiter) canDispatchAuthedLocked() (bool, string) {
	count5h, err := r.store.CountAuthedUsage5h()
	if err != nil {
		return false, fmt.Sprintf("error checking 5h usage: %v", err)
	}
	if count5h >= r.cfg.Window5hCap {
		return false, fmt.Sprintf("5h window cap reached: %d/%d", count5h, r.cfg.Window5hCap)
	}

	countWeekly, err := r.store.CountAuthedUsageWeekly()
	if err != nil {
		return false, fmt.Sprintf("error checking weekly usage: %v", err)
	}
	if countWeekly >= r.cfg.WeeklyCap {
		return false, fmt.Sprintf("weekly cap reached: %d/%d", countWeekly, r.cfg.WeeklyCap)
	}

	return true, ""
}

// RecordAuthedDispatch records a provider usage event and returns the usage ID.
func (r *RateLimiter) RecordAuthedDispatch(provider, taskID, stepLabel string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ok, reason := r.canDispatchAuthedLocked(); !ok {
		return 0, fmt.Errorf("rate limit exceeded before recording dispatch: %s", reason)
	}

	return r.store.RecordProviderUsage(provider, taskID, stepLabel)
}

// ReleaseAuthedDispatch removes a previously recorded usage event (reservation rollback).
func (r *RateLimiter) ReleaseAuthedDispatch(id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.store.DeleteProviderUsage(id)
}

// WeeklyUsagePct returns current weekly usage as a percentage of the cap.
func (r *RateLimiter) WeeklyUsagePct() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	count, err := r.store.CountAuthedUsageWeekly()
	if err != nil {
		return 0
	}
	if r.cfg.WeeklyCap == 0 {
		return 0
	}
	return float64(count) / float64(r.cfg.WeeklyCap) * 100
}

// IsInHeadroomWarning returns true if weekly usage >= the configured headroom percentage.
func (r *RateLimiter) IsInHeadroomWarning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	count, err := r.store.CountAuthedUsageWeekly()
	if err != nil {
		return false
	}
	if r.cfg.WeeklyCap == 0 {
		return false
	}
	return float64(count)/float64(r.cfg.WeeklyCap)*100 >= float64(r.cfg.WeeklyHeadroomPct)
}

// tierCandidates returns the configured provider names for a router tier,
// falling back to the balanced tier for an unrecognized name.
func tierCandidates(tier string, tiers config.Tiers) []string {
	switch tier {
	case "complex":
		return tiers.Complex
	case "coding":
		return tiers.Coding
	case "fast":
		return tiers.Fast
	case "llama":
		return tiers.Llama
	case "balanced", "default":
		return tiers.Balanced
	default:
		return tiers.Balanced
	}
}

// PickAndReserveProvider selects a provider from the given router tier,
// respecting and reserving rate limits. Returns the chosen provider, the
// usage reservation ID (0 for free-tier providers) and a cleanup func the
// caller MUST invoke if the dispatch subsequently fails.
func (r *RateLimiter) PickAndReserveProvider(tier string, providers map[string]config.Provider, tiers config.Tiers, taskID, stepLabel string) (*config.Provider, int64, func(), error) {
	p, _, usageID, cleanup, err := r.PickAndReserveProviderFromCandidates(tierCandidates(tier, tiers), providers, nil, taskID, stepLabel)
	return p, usageID, cleanup, err
}

// PickAndReserveProviderFromCandidates selects a provider from a pre-filtered
// candidate list, honoring an optional model-exclusion set (used to retry
// with a different provider after a transport failure).
// Returns (provider, providerName, usageID, cleanupFunc, error).
func (r *RateLimiter) PickAndReserveProviderFromCandidates(
	candidates []string,
	providers map[string]config.Provider,
	excludeModels map[string]bool,
	taskID, stepLabel string,
) (*config.Provider, string, int64, func(), error) {
	for _, name := range candidates {
		p, ok := providers[name]
		if !ok {
			continue
		}

		if excludeModels != nil && excludeModels[p.Model] {
			continue
		}

		if !p.Authed {
			return &p, name, 0, nil, nil
		}

		if ok, _ := r.CanDispatchAuthed(); !ok {
			continue
		}

		usageID, err := r.RecordAuthedDispatch(p.Model, taskID, stepLabel)
		if err != nil {
			continue
		}

		if ok, reason := r.CanDispatchAuthed(); !ok {
			_ = r.ReleaseAuthedDispatch(usageID)
			// Limits are global across all authed providers: if we're over
			// the cap now we're over it for every remaining candidate too.
			return nil, "", 0, nil, fmt.Errorf("rate limit exceeded after reservation: %s", reason)
		}

		cleanup := func() {
			_ = r.ReleaseAuthedDispatch(usageID)
		}
		return &p, name, usageID, cleanup, nil
	}

	return nil, "", 0, nil, nil
}
