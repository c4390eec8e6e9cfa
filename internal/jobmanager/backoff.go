package jobmanager

import (
	"time"

	"github.com/relaygrid/orchestrator/internal/pkg/httpx"
)

// DefaultMaxBackoff caps exponential backoff regardless of attempt count,
// matching the orchestrator's original retry ceiling.
const DefaultMaxBackoff = 60 * time.Second

// DefaultMaxAttempts bounds the total number of dispatch attempts per job
// (the first one plus retries) before it is marked failed. Each retry is
// routed afresh and may land on the same worker.
const DefaultMaxAttempts = 3

// backoffFor returns the jittered delay before retry attempt n (1-indexed:
// n=1 is the delay before the second attempt). Exponential with a hard
// ceiling, then +/-20% jitter via httpx.JitterSleep so many jobs retrying
// at once don't all wake up in the same instant.
func backoffFor(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	base := time.Second << uint(attempt-1) // 1s, 2s, 4s, 8s, ...
	if base > DefaultMaxBackoff || base <= 0 {
		base = DefaultMaxBackoff
	}
	return httpx.JitterSleep(base)
}
