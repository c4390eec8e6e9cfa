/*
Package taskrouter picks which worker should execute a task request.

Purpose:
	- Score every eligible worker on capability match, resource fit,
	  health, and operator preference
	- Apply a score floor and a deterministic tie-break chain so routing
	  is reproducible given the same registry state and request
	- Cache a routing decision briefly so a burst of identical requests
	  doesn't re-run scoring from scratch, while always re-validating the
	  cached worker's health before reuse

Idea:
	The router never talks to a worker and never mutates the registry; it
	is a pure function of (request, registry snapshot, cache state). That
	keeps scoring trivially testable without any network or concurrency
	concerns.

Weights (must sum to 1.0):
	capability 0.40, resource fit 0.30, health 0.20, preference 0.10
*/
package taskrouter

import (
	"sort"
	"sync"
	"time"

	"github.com/relaygrid/orchestrator/internal/capability"
	"github.com/relaygrid/orchestrator/internal/orcherr"
	"github.com/relaygrid/orchestrator/internal/registry"
)

const (
	weightCapability = 0.40
	weightResource   = 0.30
	weightHealth     = 0.20
	weightPreference = 0.10

	// DefaultScoreFloor rejects any worker scoring below it outright,
	// even if it is the only candidate.
	DefaultScoreFloor = 0.2
)

// Priority mirrors the job manager's queue priority; the router uses it
// only to look up a per-priority score floor (see ScoreFloorByPriority).
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// Request is what the router scores workers against.
type Request struct {
	TaskKind             string
	RequiredCapabilities []capability.Capability
	IsHeavy              bool // true if the task prefers/needs user-owned compute
	Priority             Priority
	PreferredWorkerID    string // optional operator/caller hint, folded into preference score
}

// WorkerState is the live, in-flight-count-aware view of one worker the
// router scores. Built by the caller from the registry plus the job
// manager's current dispatch counts, since the router itself holds neither.
type WorkerState struct {
	Descriptor registry.Descriptor
	Health     registry.HealthStatus
	InFlight   int
}

// ScoreFloorByPriority lets critical requests accept a lower floor so an
// otherwise-idle but merely "warning" worker isn't refused when nothing
// healthier exists. Overridable by the caller; the zero value disables the
// override and DefaultScoreFloor applies to every priority.
type ScoreFloorByPriority map[Priority]float64

// Decision records one routing outcome for observability and for the
// ring-buffer history kept by Router.
type Decision struct {
	TaskKind   string
	WorkerID   string
	Score      float64
	Breakdown  ScoreBreakdown
	DecidedAt  time.Time
}

// ScoreBreakdown exposes each weighted factor, mirroring the original
// scorer's breakdown dict so operators can see why a worker won.
type ScoreBreakdown struct {
	Capability float64
	Resource   float64
	Health     float64
	Preference float64
	Total      float64
}

// cacheEntry is one TTL-bounded cached routing decision.
type cacheEntry struct {
	workerID  string
	expiresAt time.Time
}

// Router scores and selects workers for task requests.
type Router struct {
	reg        *registry.Registry
	scoreFloor float64
	floorByPri ScoreFloorByPriority
	cacheTTL   time.Duration
	rngSeed    int64

	mu          sync.Mutex
	cache       map[string]cacheEntry
	history     []Decision
	historyCap  int
	historyNext int
	rng         *lockedRand
}

// Option configures a Router at construction.
type Option func(*Router)

// WithScoreFloor overrides DefaultScoreFloor.
func WithScoreFloor(floor float64) Option {
	return func(r *Router) { r.scoreFloor = floor }
}

// WithScoreFloorByPriority sets per-priority floor overrides.
func WithScoreFloorByPriority(floors ScoreFloorByPriority) Option {
	return func(r *Router) { r.floorByPri = floors }
}

// WithCacheTTL overrides the route cache's time-to-live. Zero disables
// caching entirely (every request re-scores).
func WithCacheTTL(ttl time.Duration) Option {
	return func(r *Router) { r.cacheTTL = ttl }
}

// WithHistoryCapacity bounds the ring buffer of recent decisions kept for
// operator inspection. Zero disables history retention.
func WithHistoryCapacity(n int) Option {
	return func(r *Router) { r.historyCap = n }
}

// WithSeed fixes the tie-break pseudo-random source for reproducible tests.
func WithSeed(seed int64) Option {
	return func(r *Router) { r.rngSeed = seed }
}

// New constructs a Router bound to a registry.
func New(reg *registry.Registry, opts ...Option) *Router {
	r := &Router{
		reg:        reg,
		scoreFloor: DefaultScoreFloor,
		cacheTTL:   5 * time.Second,
		historyCap: 256,
		cache:      make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.rng = newLockedRand(r.rngSeed)
	if r.historyCap > 0 {
		r.history = make([]Decision, 0, r.historyCap)
	}
	return r
}

func cacheKey(req Request) string {
	key := req.TaskKind
	for _, c := range req.RequiredCapabilities {
		key += "|" + c.Name + "@" + c.Version.String()
		params := make([]string, 0, len(c.Parameters))
		for p := range c.Parameters {
			params = append(params, p)
		}
		sort.Strings(params)
		for _, p := range params {
			key += "+" + p
		}
	}
	if req.IsHeavy {
		key += "|heavy"
	}
	return key
}

// Route selects the best worker for req, scored against the given live
// worker states (typically every non-disabled worker registered for
// req.TaskKind, annotated with current health and in-flight counts).
//
// A cached decision is only reused after re-validating that the cached
// worker is still present in candidates and still at least HealthWarning;
// otherwise the cache entry is discarded and scoring runs fresh. This
// upgrades the original unbounded, never-revalidated route_cache: a worker
// that has gone offline since the last decision must never be handed a new
// job just because it won last time.
func (r *Router) Route(req Request, candidates []WorkerState) (Decision, error) {
	key := cacheKey(req)

	if r.cacheTTL > 0 {
		if d, ok := r.tryCached(key, candidates); ok {
			d.TaskKind = req.TaskKind
			return d, nil
		}
	}

	if len(candidates) == 0 {
		return Decision{}, &orcherr.NoWorkerAvailable{Kind: req.TaskKind}
	}

	scored := make([]scoredCandidate, 0, len(candidates))
	for _, c := range candidates {
		if !eligible(c.Health) {
			continue
		}
		breakdown := score(req, c)
		if breakdown.Resource == 0 {
			// No resource fit (kind not served, or a heavy request on a
			// worker without user compute or fallback) excludes the worker.
			continue
		}
		scored = append(scored, scoredCandidate{state: c, breakdown: breakdown})
	}
	if len(scored) == 0 {
		return Decision{}, &orcherr.NoWorkerAvailable{Kind: req.TaskKind}
	}

	floor := r.scoreFloor
	if r.floorByPri != nil {
		if f, ok := r.floorByPri[req.Priority]; ok {
			floor = f
		}
	}
	above := make([]scoredCandidate, 0, len(scored))
	for _, c := range scored {
		if c.breakdown.Total >= floor {
			above = append(above, c)
		}
	}
	if len(above) == 0 {
		return Decision{}, &orcherr.NoWorkerAvailable{Kind: req.TaskKind}
	}

	winner := r.pickWinner(above)

	decision := Decision{
		TaskKind:  req.TaskKind,
		WorkerID:  winner.state.Descriptor.ID,
		Score:     winner.breakdown.Total,
		Breakdown: winner.breakdown,
		DecidedAt: time.Now(),
	}

	r.mu.Lock()
	if r.cacheTTL > 0 {
		r.cache[key] = cacheEntry{workerID: decision.WorkerID, expiresAt: time.Now().Add(r.cacheTTL)}
	}
	r.recordLocked(decision)
	r.mu.Unlock()

	return decision, nil
}

func (r *Router) tryCached(key string, candidates []WorkerState) (Decision, bool) {
	r.mu.Lock()
	entry, ok := r.cache[key]
	r.mu.Unlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return Decision{}, false
	}
	for _, c := range candidates {
		if c.Descriptor.ID == entry.workerID && (c.Health == registry.HealthHealthy || c.Health == registry.HealthWarning) {
			return Decision{WorkerID: entry.workerID, DecidedAt: time.Now()}, true
		}
	}
	// Cached worker is gone or unhealthy: drop the stale entry so the
	// next miss doesn't keep paying the lookup cost.
	r.mu.Lock()
	delete(r.cache, key)
	r.mu.Unlock()
	return Decision{}, false
}

// FlushCache discards every cached routing decision, used by the operator
// HTTP surface after a registry topology change.
func (r *Router) FlushCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]cacheEntry)
}

// History returns a copy of the most recent routing decisions, oldest
// first.
func (r *Router) History() []Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	// Once the ring is full, historyNext is the slot of the oldest entry.
	out := make([]Decision, 0, len(r.history))
	out = append(out, r.history[r.historyNext:]...)
	out = append(out, r.history[:r.historyNext]...)
	return out
}

func (r *Router) recordLocked(d Decision) {
	if r.historyCap == 0 {
		return
	}
	if len(r.history) < r.historyCap {
		r.history = append(r.history, d)
		return
	}
	r.history[r.historyNext] = d
	r.historyNext = (r.historyNext + 1) % r.historyCap
}

// eligible reports whether a worker's health qualifies it for routing at
// all. Offline and unknown workers are never routed to; unhealthy workers
// are scored (and will usually fail the floor) rather than excluded
// outright, since an unhealthy-but-only worker should still be tried when
// nothing else exists and the floor allows it.
func eligible(h registry.HealthStatus) bool {
	switch h {
	case registry.HealthOffline, registry.HealthUnknown:
		return false
	default:
		return true
	}
}

type scoredCandidate struct {
	state     WorkerState
	breakdown ScoreBreakdown
}

func score(req Request, c WorkerState) ScoreBreakdown {
	capScore := capabilityScore(req, c)
	resScore := resourceScore(req, c)
	healthScore := healthScore(c.Health)
	prefScore := preferenceScore(req, c)

	total := capScore*weightCapability + resScore*weightResource + healthScore*weightHealth + prefScore*weightPreference

	return ScoreBreakdown{
		Capability: capScore,
		Resource:   resScore,
		Health:     healthScore,
		Preference: prefScore,
		Total:      total,
	}
}

func capabilityScore(req Request, c WorkerState) float64 {
	if len(req.RequiredCapabilities) == 0 {
		return 1.0
	}
	matched := 0
	for _, required := range req.RequiredCapabilities {
		for _, avail := range c.Descriptor.Capabilities {
			if capability.Satisfies(required, avail) {
				matched++
				break
			}
		}
	}
	return float64(matched) / float64(len(req.RequiredCapabilities))
}

func resourceScore(req Request, c WorkerState) float64 {
	hasKind := false
	for _, k := range c.Descriptor.TaskKinds {
		if k == req.TaskKind {
			hasKind = true
			break
		}
	}
	if !hasKind {
		return 0.0
	}
	if req.IsHeavy && !c.Descriptor.Flags.RunsOnUserCompute {
		// Heavy tasks need a worker capable of user-owned compute. A
		// worker without that capability scores 0 unless the operator
		// has explicitly opted it into fallback duty, in which case it's
		// a penalty rather than a hard exclusion.
		if !c.Descriptor.Flags.AllowFallback {
			return 0.0
		}
		return 0.4
	}
	if !req.IsHeavy && c.Descriptor.Flags.RunsOnUserCompute {
		return 0.7
	}
	return 1.0
}

func healthScore(h registry.HealthStatus) float64 {
	switch h {
	case registry.HealthHealthy:
		return 1.0
	case registry.HealthWarning:
		return 0.7
	case registry.HealthUnhealthy:
		return 0.3
	default:
		return 0.0
	}
}

func preferenceScore(req Request, c WorkerState) float64 {
	if req.PreferredWorkerID != "" {
		if req.PreferredWorkerID == c.Descriptor.ID {
			return 1.0
		}
		return 0.5
	}
	return 1.0
}

// pickWinner applies the tie-break chain: highest score, then fewest
// in-flight jobs, then highest static priority, then a seeded pseudo-random
// draw so a true tie is still resolved deterministically given a fixed
// seed (and non-deterministically, but fairly, otherwise).
func (r *Router) pickWinner(candidates []scoredCandidate) scoredCandidate {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.breakdown.Total != b.breakdown.Total {
			return a.breakdown.Total > b.breakdown.Total
		}
		if a.state.InFlight != b.state.InFlight {
			return a.state.InFlight < b.state.InFlight
		}
		if a.state.Descriptor.Priority != b.state.Descriptor.Priority {
			return a.state.Descriptor.Priority > b.state.Descriptor.Priority
		}
		return a.state.Descriptor.ID < b.state.Descriptor.ID
	})

	// Collect the true tie group at the front (identical on every
	// tie-break key) and let the seeded RNG choose among them, so
	// routing among genuinely indistinguishable workers doesn't always
	// favor the alphabetically-first ID.
	head := candidates[0]
	tieEnd := 1
	for tieEnd < len(candidates) {
		c := candidates[tieEnd]
		if c.breakdown.Total != head.breakdown.Total ||
			c.state.InFlight != head.state.InFlight ||
			c.state.Descriptor.Priority != head.state.Descriptor.Priority {
			break
		}
		tieEnd++
	}
	if tieEnd == 1 {
		return head
	}
	idx := r.rng.Intn(tieEnd)
	return candidates[idx]
}
