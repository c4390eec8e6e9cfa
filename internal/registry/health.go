package registry

import "time"

// HealthStatus is the health state of a worker as observed by the
// registry's probe loop.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthWarning   HealthStatus = "warning"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
	HealthOffline   HealthStatus = "offline"
)

// healthRecord tracks the consecutive-result counters that drive the
// offline/recovery transitions described in the worker health model:
// three consecutive probe failures take a worker offline, a single
// success brings it back.
type healthRecord struct {
	status             HealthStatus
	consecutiveFails   int
	consecutiveOK      int
	lastProbeAt        time.Time
	lastTransitionAt   time.Time
}

func newHealthRecord() healthRecord {
	return healthRecord{status: HealthUnknown}
}

// applyResult folds a single probe outcome into the record and returns the
// resulting status. ok=false with a warning hint (e.g. degraded but
// reachable) is expressed by the caller passing warn=true alongside ok=true.
func (h *healthRecord) applyResult(now time.Time, ok bool, warn bool) HealthStatus {
	h.lastProbeAt = now
	if !ok {
		h.consecutiveOK = 0
		h.consecutiveFails++
		if h.consecutiveFails >= 3 {
			h.transition(now, HealthOffline)
		} else if h.status == HealthHealthy || h.status == HealthWarning {
			h.transition(now, HealthUnhealthy)
		}
		return h.status
	}

	h.consecutiveFails = 0
	h.consecutiveOK++
	if warn {
		h.transition(now, HealthWarning)
	} else {
		h.transition(now, HealthHealthy)
	}
	return h.status
}

func (h *healthRecord) transition(now time.Time, next HealthStatus) {
	if h.status == next {
		return
	}
	h.status = next
	h.lastTransitionAt = now
}
