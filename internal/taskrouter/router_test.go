package taskrouter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygrid/orchestrator/internal/capability"
	"github.com/relaygrid/orchestrator/internal/orcherr"
	"github.com/relaygrid/orchestrator/internal/registry"
)

func mustCap(t *testing.T, name, version string, params ...string) capability.Capability {
	t.Helper()
	c, err := capability.New(name, version, params...)
	require.NoError(t, err)
	return c
}

func worker(id string, health registry.HealthStatus, inFlight int, caps ...capability.Capability) WorkerState {
	return WorkerState{
		Descriptor: registry.Descriptor{
			ID:        id,
			TaskKinds: []string{"extract"},
			Capabilities: caps,
		},
		Health:   health,
		InFlight: inFlight,
	}
}

func TestRoutePrefersHealthiestCapableWorker(t *testing.T) {
	r := New(registry.New(), WithCacheTTL(0), WithSeed(1))

	req := Request{
		TaskKind:             "extract",
		RequiredCapabilities: []capability.Capability{mustCap(t, "pdf.extract", "1.0.0")},
	}

	healthy := worker("w-healthy", registry.HealthHealthy, 0, mustCap(t, "pdf.extract", "1.0.0"))
	warning := worker("w-warning", registry.HealthWarning, 0, mustCap(t, "pdf.extract", "1.0.0"))

	decision, err := r.Route(req, []WorkerState{warning, healthy})
	require.NoError(t, err)
	assert.Equal(t, "w-healthy", decision.WorkerID)
}

func TestRouteRejectsIneligibleHealth(t *testing.T) {
	r := New(registry.New(), WithCacheTTL(0))
	req := Request{TaskKind: "extract"}

	offline := worker("w1", registry.HealthOffline, 0)
	_, err := r.Route(req, []WorkerState{offline})
	require.Error(t, err)
	var notFound *orcherr.NoWorkerAvailable
	require.ErrorAs(t, err, &notFound)
}

func TestRouteEnforcesScoreFloor(t *testing.T) {
	r := New(registry.New(), WithCacheTTL(0), WithScoreFloor(0.9))
	req := Request{
		TaskKind:             "extract",
		RequiredCapabilities: []capability.Capability{mustCap(t, "pdf.extract", "1.0.0")},
	}
	unhealthy := worker("w1", registry.HealthUnhealthy, 0, mustCap(t, "pdf.extract", "1.0.0"))

	_, err := r.Route(req, []WorkerState{unhealthy})
	require.Error(t, err)
}

func TestRouteHeavyRequestWithoutFallbackEligibleWorkerFails(t *testing.T) {
	r := New(registry.New(), WithCacheTTL(0))
	req := Request{TaskKind: "extract", IsHeavy: true}

	operatorHosted := worker("w1", registry.HealthHealthy, 0)
	operatorHosted.Descriptor.Flags.RunsOnUserCompute = false
	operatorHosted.Descriptor.Flags.AllowFallback = false

	_, err := r.Route(req, []WorkerState{operatorHosted})
	require.Error(t, err)
	var notFound *orcherr.NoWorkerAvailable
	require.ErrorAs(t, err, &notFound)
}

func TestRouteHeavyRequestAcceptsFallbackEligibleWorkerAtPenalty(t *testing.T) {
	r := New(registry.New(), WithCacheTTL(0))
	req := Request{TaskKind: "extract", IsHeavy: true}

	operatorHosted := worker("w1", registry.HealthHealthy, 0)
	operatorHosted.Descriptor.Flags.RunsOnUserCompute = false
	operatorHosted.Descriptor.Flags.AllowFallback = true

	decision, err := r.Route(req, []WorkerState{operatorHosted})
	require.NoError(t, err)
	assert.Equal(t, "w1", decision.WorkerID)
}

func TestRouteScoreFloorByPriorityOverride(t *testing.T) {
	r := New(registry.New(), WithCacheTTL(0), WithScoreFloor(0.9), WithScoreFloorByPriority(ScoreFloorByPriority{
		PriorityCritical: 0.1,
	}))
	req := Request{
		TaskKind:             "extract",
		Priority:             PriorityCritical,
		RequiredCapabilities: []capability.Capability{mustCap(t, "pdf.extract", "1.0.0")},
	}
	unhealthy := worker("w1", registry.HealthUnhealthy, 0, mustCap(t, "pdf.extract", "1.0.0"))

	decision, err := r.Route(req, []WorkerState{unhealthy})
	require.NoError(t, err)
	assert.Equal(t, "w1", decision.WorkerID)
}

func TestRouteTieBreaksByInFlightThenPriority(t *testing.T) {
	r := New(registry.New(), WithCacheTTL(0))
	req := Request{TaskKind: "extract"}

	busy := worker("w-busy", registry.HealthHealthy, 5)
	idle := worker("w-idle", registry.HealthHealthy, 0)

	decision, err := r.Route(req, []WorkerState{busy, idle})
	require.NoError(t, err)
	assert.Equal(t, "w-idle", decision.WorkerID)

	low := worker("w-low", registry.HealthHealthy, 0)
	high := worker("w-high", registry.HealthHealthy, 0)
	high.Descriptor.Priority = 10

	decision, err = r.Route(req, []WorkerState{low, high})
	require.NoError(t, err)
	assert.Equal(t, "w-high", decision.WorkerID)
}

func TestRouteCacheServesRepeatedRequestsUntilTTLExpires(t *testing.T) {
	r := New(registry.New(), WithCacheTTL(50*time.Millisecond))
	req := Request{TaskKind: "extract"}

	w1 := worker("w1", registry.HealthHealthy, 0)
	first, err := r.Route(req, []WorkerState{w1})
	require.NoError(t, err)
	assert.Equal(t, "w1", first.WorkerID)

	// Even though w2 now ties with w1 and a fresh scoring could pick it,
	// the cache should still serve w1 immediately after the first decision.
	w2 := worker("w2", registry.HealthHealthy, 0)
	second, err := r.Route(req, []WorkerState{w1, w2})
	require.NoError(t, err)
	assert.Equal(t, "w1", second.WorkerID)

	time.Sleep(60 * time.Millisecond)
	third, err := r.Route(req, []WorkerState{w1, w2})
	require.NoError(t, err)
	assert.NotEmpty(t, third.WorkerID)
}

func TestRouteCacheRevalidatesHealthBeforeReuse(t *testing.T) {
	r := New(registry.New(), WithCacheTTL(time.Minute))
	req := Request{TaskKind: "extract"}

	w1 := worker("w1", registry.HealthHealthy, 0)
	first, err := r.Route(req, []WorkerState{w1})
	require.NoError(t, err)
	assert.Equal(t, "w1", first.WorkerID)

	w1Offline := worker("w1", registry.HealthOffline, 0)
	w2 := worker("w2", registry.HealthHealthy, 0)
	second, err := r.Route(req, []WorkerState{w1Offline, w2})
	require.NoError(t, err)
	assert.Equal(t, "w2", second.WorkerID, "a cached worker that went offline must not be reused")
}

func TestFlushCacheForcesRescoring(t *testing.T) {
	r := New(registry.New(), WithCacheTTL(time.Minute))
	req := Request{TaskKind: "extract"}

	w1 := worker("w1", registry.HealthHealthy, 0)
	_, err := r.Route(req, []WorkerState{w1})
	require.NoError(t, err)

	r.FlushCache()

	w2 := worker("w2", registry.HealthHealthy, 0)
	decision, err := r.Route(req, []WorkerState{w2})
	require.NoError(t, err)
	assert.Equal(t, "w2", decision.WorkerID)
}

func TestHistoryRecordsDecisionsAsRingBuffer(t *testing.T) {
	r := New(registry.New(), WithCacheTTL(0), WithHistoryCapacity(2))
	req := Request{TaskKind: "extract"}

	for i := 0; i < 3; i++ {
		w := worker("w1", registry.HealthHealthy, 0)
		_, err := r.Route(req, []WorkerState{w})
		require.NoError(t, err)
	}

	assert.Len(t, r.History(), 2)
}
