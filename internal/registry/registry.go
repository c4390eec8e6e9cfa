/*
Package registry is the orchestrator's directory of capability-bearing
worker servers.

Purpose:
  - Hold the set of known workers (built-in and discovered) keyed by ID
  - Index them by task kind and by capability name so the router never has
    to do a linear scan over the whole fleet
  - Own each worker's health state and the probe loop that keeps it fresh

Idea:
	The registry is the only place worker identity, routing flags, and
	health live together. The task router reads through it; nothing else
	is allowed to mutate a worker's health out of band except the prober.

Indirection is intentional:
	- It decouples "what workers exist" from "how we talk to them"
	  (internal/transport) and "how we pick one" (internal/taskrouter)
	- It gives worker registration one entry point: registering an ID
	  that already exists replaces the earlier descriptor, and a lookup of
	  a missing ID reports it as absent
*/
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/relaygrid/orchestrator/internal/capability"
)

// RoutingFlags are per-worker hints the router folds into scoring.
type RoutingFlags struct {
	// RunsOnUserCompute is true for workers that execute inside a
	// caller-owned sandbox rather than operator-hosted infrastructure.
	RunsOnUserCompute bool
	// PreferResultPointer hints that this worker's outputs tend to be
	// large and the result store should default to pointer storage.
	PreferResultPointer bool
	// AllowFallback lets a worker that does not run on user compute take a
	// heavy request at a reduced resource score instead of being excluded;
	// it has no effect on other requests.
	AllowFallback bool
}

// Descriptor is everything the registry knows about one worker.
type Descriptor struct {
	ID                 string
	DisplayName        string
	BaseURL            string
	TaskKinds          []string
	Capabilities       []capability.Capability
	Flags              RoutingFlags
	Priority           int // static operator-assigned preference, higher wins ties
	RegisteredAt       time.Time
	Disabled           bool // operator-forced drain; excluded from routing regardless of health
}

// snapshot is the registry's internal record: the descriptor plus its live
// health. Kept separate from Descriptor so callers receiving a Descriptor
// copy cannot mutate health behind the registry's back.
type snapshot struct {
	desc   Descriptor
	health healthRecord
}

// Registry is a concurrency-safe directory of workers.
//
// Invariants:
//   - At most one descriptor is registered per worker ID
//   - Registration and deregistration are idempotent
//   - Lookups may happen concurrently from many router goroutines
type Registry struct {
	mu sync.RWMutex

	byID map[string]*snapshot

	// byTaskKind and byCapability are rebuilt on every mutation; the
	// fleet is small enough (tens to low hundreds of workers) that this
	// is cheaper than maintaining incremental indices under a lock held
	// across lookups.
	byTaskKind   map[string][]string // task kind -> worker IDs
	byCapability map[string][]string // capability name -> worker IDs
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{
		byID:         make(map[string]*snapshot),
		byTaskKind:   make(map[string][]string),
		byCapability: make(map[string][]string),
	}
}

// Register adds or replaces a worker descriptor. Re-registering an ID
// already present updates its descriptor in place and resets its health to
// unknown, since a new descriptor may point at a different URL or
// capability set entirely.
func (r *Registry) Register(d Descriptor) error {
	if d.ID == "" {
		return fmt.Errorf("registry: descriptor ID must not be empty")
	}
	if d.BaseURL == "" {
		return fmt.Errorf("registry: descriptor %s has no base URL", d.ID)
	}
	d.RegisteredAt = time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[d.ID] = &snapshot{desc: d, health: newHealthRecord()}
	r.rebuildIndicesLocked()
	return nil
}

// Deregister removes a worker. It is a no-op if the ID is unknown.
func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; !ok {
		return
	}
	delete(r.byID, id)
	r.rebuildIndicesLocked()
}

// SetDisabled toggles the operator drain flag for a worker. A disabled
// worker stays registered (its health keeps being probed) but is excluded
// from every lookup the router uses for live routing decisions.
func (r *Registry) SetDisabled(id string, disabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("registry: unknown worker %s", id)
	}
	snap.desc.Disabled = disabled
	return nil
}

func (r *Registry) rebuildIndicesLocked() {
	byTaskKind := make(map[string][]string)
	byCapability := make(map[string][]string)
	for id, snap := range r.byID {
		for _, k := range snap.desc.TaskKinds {
			byTaskKind[k] = append(byTaskKind[k], id)
		}
		for _, c := range snap.desc.Capabilities {
			byCapability[c.Name] = append(byCapability[c.Name], id)
		}
	}
	for _, ids := range byTaskKind {
		sort.Strings(ids)
	}
	for _, ids := range byCapability {
		sort.Strings(ids)
	}
	r.byTaskKind = byTaskKind
	r.byCapability = byCapability
}

// Get returns a copy of the descriptor and current health for one worker.
func (r *Registry) Get(id string) (Descriptor, HealthStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap, ok := r.byID[id]
	if !ok {
		return Descriptor{}, "", false
	}
	return snap.desc, snap.health.status, true
}

// LookupByTaskKind returns every non-disabled worker registered for the
// given task kind, in deterministic ID order.
func (r *Registry) LookupByTaskKind(kind string) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byTaskKind[kind]
	out := make([]Descriptor, 0, len(ids))
	for _, id := range ids {
		snap := r.byID[id]
		if snap.desc.Disabled {
			continue
		}
		out = append(out, snap.desc)
	}
	return out
}

// LookupByCapability returns every non-disabled worker advertising a
// capability satisfying required, per capability.Satisfies.
func (r *Registry) LookupByCapability(required capability.Capability) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byCapability[required.Name]
	out := make([]Descriptor, 0, len(ids))
	for _, id := range ids {
		snap := r.byID[id]
		if snap.desc.Disabled {
			continue
		}
		for _, c := range snap.desc.Capabilities {
			if capability.Satisfies(required, c) {
				out = append(out, snap.desc)
				break
			}
		}
	}
	return out
}

// HealthOf returns the current health of a worker, or HealthUnknown if the
// worker is not registered.
func (r *Registry) HealthOf(id string) HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap, ok := r.byID[id]
	if !ok {
		return HealthUnknown
	}
	return snap.health.status
}

// All returns a snapshot of every registered worker, including disabled
// ones; used by operator-facing listing endpoints.
func (r *Registry) All() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.byID))
	for _, snap := range r.byID {
		out = append(out, snap.desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Prober performs the actual health check for one worker. internal/transport
// provides the production implementation (an HTTP GET to <base url>/health);
// tests supply a fake.
type Prober interface {
	Probe(ctx context.Context, d Descriptor) (ProbeResult, error)
}

// ProbeResult is what a single health probe observed.
type ProbeResult struct {
	Warning bool // reachable but degraded, e.g. {"status":"warning"}
}

// Probe runs a single health check against one worker and folds the result
// into its health record. An error or non-nil err from the prober counts
// as a failed probe (see healthRecord.applyResult); it does not propagate
// to the caller, since a probe failure is recorded state, not a request
// failure.
func (r *Registry) Probe(ctx context.Context, p Prober, id string) HealthStatus {
	r.mu.RLock()
	snap, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return HealthUnknown
	}

	result, err := p.Probe(ctx, snap.desc)

	r.mu.Lock()
	defer r.mu.Unlock()
	// Re-check existence: the worker may have been deregistered while the
	// probe was in flight.
	snap, ok = r.byID[id]
	if !ok {
		return HealthUnknown
	}
	status := snap.health.applyResult(time.Now(), err == nil, err == nil && result.Warning)
	return status
}

// ProbeAll probes every registered worker concurrently and returns once all
// probes complete. Intended to be called on a ticker by the owning process.
func (r *Registry) ProbeAll(ctx context.Context, p Prober) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			r.Probe(ctx, p, id)
		}(id)
	}
	wg.Wait()
}
