/*
Package jobmanager tracks a work request from submission through a
terminal outcome.

Purpose:
	- Hold the job state machine and enforce its legal transitions
	- Queue pending jobs by priority, FIFO within a priority
	- Bound concurrency globally and per worker
	- Retry a dispatch failure with exponential backoff and jitter, up to
	  a configured maximum, then give up

Idea:
	One Job exists per caller request. It may be attempted against more
	than one worker (a retry after a transport failure), but at most one
	attempt is ever running at a time — this is a flat per-attempt state
	machine, not a resumable multi-stage workflow.
*/
package jobmanager

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/relaygrid/orchestrator/internal/capability"
	"github.com/relaygrid/orchestrator/internal/orcherr"
)

// State is a job's position in its lifecycle.
type State string

const (
	StatePending   State = "pending"
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// IsTerminal reports whether a state is one a job never leaves.
func (s State) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// legalTransitions enumerates every (from, to) pair the manager permits.
// Any transition not listed here is an orcherr.InternalInvariant.
var legalTransitions = map[State]map[State]bool{
	StatePending: {StateQueued: true, StateCancelled: true},
	StateQueued:  {StateRunning: true, StateCancelled: true},
	StateRunning: {
		StateSucceeded: true,
		StateFailed:    true,
		StateCancelled: true,
		StateQueued:    true, // retry: back onto the queue for another attempt
	},
}

func canTransition(from, to State) bool {
	if from.IsTerminal() {
		return false
	}
	allowed, ok := legalTransitions[from]
	return ok && allowed[to]
}

// Priority orders jobs within the queue. Higher values are served first;
// FIFO order is preserved within a priority tier via each job's sequence
// number.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// Spec is the caller-supplied description of work to perform.
type Spec struct {
	TaskKind             string
	Owner                string
	Payload              json.RawMessage
	RequiredCapabilities []capability.Capability
	IsHeavy              bool
	Priority             Priority
	CallbackURL          string
	Deadline             time.Time // zero means DefaultJobTimeout from now
}

// Job is the orchestrator's record of one work request's lifecycle.
type Job struct {
	ID         string
	Spec       Spec
	State      State
	WorkerID   string // worker of the current or most recent attempt
	Attempt    int
	MaxAttempts int
	LastError  string
	ResultRef  string // opaque handle into internal/resultstore once terminal
	CreatedAt  time.Time
	UpdatedAt  time.Time
	sequence   uint64 // FIFO tie-break within a priority tier; set by the queue
}

func (j *Job) transition(to State) error {
	if !canTransition(j.State, to) {
		return &orcherr.InternalInvariant{Detail: fmt.Sprintf("jobmanager: illegal transition %s -> %s for job %s", j.State, to, j.ID)}
	}
	j.State = to
	j.UpdatedAt = time.Now()
	return nil
}
