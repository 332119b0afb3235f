package ratelimit

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/antigravity-dev/agentd/internal/config"
	"github.com/antigravity-dev/agentd/internal/store"
	"github.com/stretchr/testify/require"
)

func tempStore(t *testing.T) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testProviders() map[string]config.Provider {
	return map[string]config.Provider{
		"cerebras":     {Family: "fast", Authed: false, Model: "llama"},
		"groq":         {Family: "fast", Authed: false, Model: "llama"},
		"claude-max20": {Family: "balanced", Authed: true, Model: "claude"},
		"gpt-complex":  {Family: "complex", Authed: true, Model: "gpt"},
	}
}

func testTiers() config.Tiers {
	return config.Tiers{
		Fast:     []string{"cerebras", "groq"},
		Balanced: []string{"claude-max20"},
		Complex:  []string{"gpt-complex"},
	}
}

func TestCanDispatchAuthed_UnderCap(t *testing.T) {
	s := tempStore(t)
	rl := NewRateLimiter(s, config.RateLimits{Window5hCap: 20, WeeklyCap: 200, WeeklyHeadroomPct: 80})

	ok, reason := rl.CanDispatchAuthed()
	require.True(t, ok, reason)
}

func TestCanDispatchAuthed_5hCapReached(t *testing.T) {
	s := tempStore(t)
	rl := NewRateLimiter(s, config.RateLimits{Window5hCap: 3, WeeklyCap: 200, WeeklyHeadroomPct: 80})

	for i := 0; i < 3; i++ {
		_, err := s.RecordProviderUsage("claude", "task", "step")
		require.NoError(t, err)
	}

	ok, _ := rl.CanDispatchAuthed()
	require.False(t, ok, "should be blocked by 5h cap")
}

func TestCanDispatchAuthed_WeeklyCapReached(t *testing.T) {
	s := tempStore(t)
	rl := NewRateLimiter(s, config.RateLimits{Window5hCap: 100, WeeklyCap: 5, WeeklyHeadroomPct: 80})

	for i := 0; i < 5; i++ {
		_, err := s.RecordProviderUsage("claude", "task", "step")
		require.NoError(t, err)
	}

	ok, _ := rl.CanDispatchAuthed()
	require.False(t, ok, "should be blocked by weekly cap")
}

func TestHeadroomWarning(t *testing.T) {
	s := tempStore(t)
	rl := NewRateLimiter(s, config.RateLimits{Window5hCap: 100, WeeklyCap: 10, WeeklyHeadroomPct: 80})

	for i := 0; i < 8; i++ {
		_, err := s.RecordProviderUsage("claude", "task", "step")
		require.NoError(t, err)
	}

	require.True(t, rl.IsInHeadroomWarning(), "should be in headroom warning at 80%")
	require.Equal(t, 80.0, rl.WeeklyUsagePct())
}

func TestPickAndReserveProvider_FastTierFreeProvider(t *testing.T) {
	s := tempStore(t)
	rl := NewRateLimiter(s, config.RateLimits{Window5hCap: 0, WeeklyCap: 0, WeeklyHeadroomPct: 80})

	p, usageID, cleanup, err := rl.PickAndReserveProvider("fast", testProviders(), testTiers(), "task", "step")
	require.NoError(t, err)
	require.NotNil(t, p, "fast tier should return a free provider even with zero caps")
	require.False(t, p.Authed)
	require.Zero(t, usageID)
	require.Nil(t, cleanup)
}

func TestPickAndReserveProvider_AuthedBlocked(t *testing.T) {
	s := tempStore(t)
	rl := NewRateLimiter(s, config.RateLimits{Window5hCap: 0, WeeklyCap: 0, WeeklyHeadroomPct: 80})

	p, _, _, err := rl.PickAndReserveProvider("balanced", testProviders(), testTiers(), "task", "step")
	require.NoError(t, err)
	require.Nil(t, p, "should return nil when authed is blocked")
}

func TestPickAndReserveProvider_AuthedAllowed(t *testing.T) {
	s := tempStore(t)
	rl := NewRateLimiter(s, config.RateLimits{Window5hCap: 20, WeeklyCap: 200, WeeklyHeadroomPct: 80})

	p, usageID, cleanup, err := rl.PickAndReserveProvider("balanced", testProviders(), testTiers(), "task", "step")
	require.NoError(t, err)
	require.NotNil(t, p)
	require.True(t, p.Authed)
	require.NotZero(t, usageID)
	require.NotNil(t, cleanup)
	cleanup()
}

func TestPickAndReserveProvider_ParallelDispatchAttempts(t *testing.T) {
	s := tempStore(t)
	rl := NewRateLimiter(s, config.RateLimits{Window5hCap: 1, WeeklyCap: 1, WeeklyHeadroomPct: 80})

	var wg sync.WaitGroup
	results := make(chan bool, 2)

	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, _, _, err := rl.PickAndReserveProvider("balanced", testProviders(), testTiers(), "task", fmt.Sprintf("step-%d", i))
			results <- err == nil && p != nil
		}()
	}

	wg.Wait()
	close(results)

	passed := 0
	for ok := range results {
		if ok {
			passed++
		}
	}
	require.Equal(t, 1, passed, "expected exactly 1 dispatch attempt to be allowed")
}

func TestPickAndReserveProviderFromCandidates_FreeProvider(t *testing.T) {
	s := tempStore(t)
	rl := NewRateLimiter(s, config.RateLimits{Window5hCap: 0, WeeklyCap: 0, WeeklyHeadroomPct: 80})

	candidates := []string{"cerebras", "groq"}
	p, name, usageID, cleanup, err := rl.PickAndReserveProviderFromCandidates(candidates, testProviders(), nil, "task", "step")
	require.NoError(t, err)
	require.NotNil(t, p)
	require.False(t, p.Authed)
	require.Contains(t, []string{"cerebras", "groq"}, name)
	require.Zero(t, usageID)
	require.Nil(t, cleanup)
}

func TestPickAndReserveProviderFromCandidates_AuthedWithReservation(t *testing.T) {
	s := tempStore(t)
	rl := NewRateLimiter(s, config.RateLimits{Window5hCap: 20, WeeklyCap: 200, WeeklyHeadroomPct: 80})

	candidates := []string{"claude-max20"}
	p, name, usageID, cleanup, err := rl.PickAndReserveProviderFromCandidates(candidates, testProviders(), nil, "task", "step")
	require.NoError(t, err)
	require.NotNil(t, p)
	require.True(t, p.Authed)
	require.Equal(t, "claude-max20", name)
	require.NotZero(t, usageID)
	require.NotNil(t, cleanup)

	count, _ := s.CountAuthedUsage5h()
	require.Equal(t, 1, count)

	cleanup()
	count, _ = s.CountAuthedUsage5h()
	require.Equal(t, 0, count)
}

func TestPickAndReserveProviderFromCandidates_ExcludeModel(t *testing.T) {
	s := tempStore(t)
	rl := NewRateLimiter(s, config.RateLimits{Window5hCap: 20, WeeklyCap: 200, WeeklyHeadroomPct: 80})

	excludeModels := map[string]bool{"claude": true}
	candidates := []string{"claude-max20", "gpt-complex"}

	p, name, _, cleanup, err := rl.PickAndReserveProviderFromCandidates(candidates, testProviders(), excludeModels, "task", "step")
	require.NoError(t, err)
	require.NotNil(t, p)
	require.Equal(t, "gpt-complex", name)
	require.Equal(t, "gpt", p.Model)
	if cleanup != nil {
		cleanup()
	}
}

func TestPickAndReserveProviderFromCandidates_RateLimitExceeded(t *testing.T) {
	s := tempStore(t)
	rl := NewRateLimiter(s, config.RateLimits{Window5hCap: 3, WeeklyCap: 200, WeeklyHeadroomPct: 80})

	candidates := []string{"claude-max20"}

	p1, _, _, cleanup1, err := rl.PickAndReserveProviderFromCandidates(candidates, testProviders(), nil, "task1", "step1")
	require.NoError(t, err)
	require.NotNil(t, p1)
	defer cleanup1()

	p2, _, _, cleanup2, err := rl.PickAndReserveProviderFromCandidates(candidates, testProviders(), nil, "task2", "step2")
	require.NoError(t, err)
	require.NotNil(t, p2)
	defer cleanup2()

	p3, name3, usageID3, cleanup3, err := rl.PickAndReserveProviderFromCandidates(candidates, testProviders(), nil, "task3", "step3")
	require.Error(t, err, "third reservation should fail due to rate limit")
	if cleanup3 != nil {
		cleanup3()
	}
	require.Nil(t, p3)
	require.Empty(t, name3)
	require.Zero(t, usageID3)
}

func TestPickAndReserveProviderFromCandidates_EmptyCandidates(t *testing.T) {
	s := tempStore(t)
	rl := NewRateLimiter(s, config.RateLimits{Window5hCap: 20, WeeklyCap: 200, WeeklyHeadroomPct: 80})

	p, name, usageID, cleanup, err := rl.PickAndReserveProviderFromCandidates(nil, testProviders(), nil, "task", "step")
	require.NoError(t, err)
	require.Nil(t, p)
	require.Empty(t, name)
	require.Zero(t, usageID)
	require.Nil(t, cleanup)
}
