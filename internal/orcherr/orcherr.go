// Package orcherr defines the orchestrator's typed error taxonomy.
//
// Every error the core returns is a concrete type, never a bare string or a
// wrapped fmt.Errorf. Callers that need to branch on failure kind use
// errors.As, not string matching.
package orcherr

import (
	"errors"
	"fmt"
)

// Retriable is implemented by errors the job manager's retry policy may act
// on. Errors that don't implement it are treated as non-retriable.
type Retriable interface {
	error
	Retriable() bool
}

// NoWorkerAvailable means the router found zero eligible candidates for a
// request. Non-retriable at the router layer; surfaced directly to the
// caller.
type NoWorkerAvailable struct {
	Kind string
}

func (e *NoWorkerAvailable) Error() string {
	return fmt.Sprintf("no worker available for kind %q", e.Kind)
}

func (e *NoWorkerAvailable) Retriable() bool { return false }

// EnvelopeReason discriminates why an envelope failed verification.
type EnvelopeReason string

const (
	ReasonBadSignature  EnvelopeReason = "bad_signature"
	ReasonExpired       EnvelopeReason = "expired"
	ReasonMalformed     EnvelopeReason = "malformed"
	ReasonWrongAudience EnvelopeReason = "wrong_audience"
)

// EnvelopeInvalid means a signed envelope (outbound job or inbound callback)
// failed verification.
type EnvelopeInvalid struct {
	Reason EnvelopeReason
	Err    error
}

func (e *EnvelopeInvalid) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("envelope invalid (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("envelope invalid (%s)", e.Reason)
}

func (e *EnvelopeInvalid) Unwrap() error { return e.Err }

func (e *EnvelopeInvalid) Retriable() bool { return false }

// DispatchReason discriminates why a dispatch to a worker failed.
type DispatchReason string

const (
	ReasonNetwork           DispatchReason = "network"
	ReasonTimeout           DispatchReason = "timeout"
	ReasonHTTP4xx           DispatchReason = "http_4xx"
	ReasonHTTP5xx           DispatchReason = "http_5xx"
	ReasonEnvelopeRejected  DispatchReason = "envelope_rejected"
	ReasonMalformedResponse DispatchReason = "malformed_response"
)

// DispatchFailed wraps a failure to execute a dispatch to a worker. It is
// the only error type the transport layer returns; the retry policy acts on
// its Reason.
type DispatchFailed struct {
	Reason     DispatchReason
	StatusCode int
	Err        error
}

func (e *DispatchFailed) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dispatch failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("dispatch failed (%s)", e.Reason)
}

func (e *DispatchFailed) Unwrap() error { return e.Err }

// Retriable mirrors spec.md §7: network/timeout, 5xx, and explicit
// try-again (mapped to http_5xx by the transport's status classification)
// are retriable; 4xx other than 408/425/429 and envelope rejection are not.
// The transport classifies 408/425/429 as ReasonHTTP5xx before constructing
// this error (see Client.doDispatch in internal/transport), so they share
// its retry eligibility.
func (e *DispatchFailed) Retriable() bool {
	switch e.Reason {
	case ReasonNetwork, ReasonTimeout, ReasonHTTP5xx:
		return true
	default:
		return false
	}
}

// JobTimeout means a job exceeded its end-to-end deadline without a
// terminal response.
type JobTimeout struct {
	JobID string
}

func (e *JobTimeout) Error() string { return fmt.Sprintf("job %s timed out", e.JobID) }

func (e *JobTimeout) Retriable() bool { return true }

// JobCancelled means the caller cancelled the request before completion.
type JobCancelled struct {
	RequestID string
}

func (e *JobCancelled) Error() string {
	return fmt.Sprintf("request %s cancelled", e.RequestID)
}

func (e *JobCancelled) Retriable() bool { return false }

// WorkerUnhealthy means the chosen worker became unhealthy between
// selection and dispatch (or its circuit breaker tripped). Retriable with
// re-routing to a different worker.
type WorkerUnhealthy struct {
	WorkerID string
}

func (e *WorkerUnhealthy) Error() string {
	return fmt.Sprintf("worker %s unhealthy", e.WorkerID)
}

func (e *WorkerUnhealthy) Retriable() bool { return true }

// CapabilityMismatch means a worker declined a job because its declared
// capability version/parameters did not match. Non-retriable against the
// same worker (a different worker may still be eligible; that is a routing
// decision, not a retry of this job against this worker).
type CapabilityMismatch struct {
	WorkerID string
	Required string
}

func (e *CapabilityMismatch) Error() string {
	return fmt.Sprintf("worker %s cannot satisfy capability %s", e.WorkerID, e.Required)
}

func (e *CapabilityMismatch) Retriable() bool { return false }

// StorageFailure means the result store could not persist an outcome.
// Retriable a bounded number of times by the caller (the job manager
// retries once in-process per spec.md §7, then gives up).
type StorageFailure struct {
	Op  string
	Err error
}

func (e *StorageFailure) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageFailure) Unwrap() error { return e.Err }

func (e *StorageFailure) Retriable() bool { return true }

// InternalInvariant means an invariant the core relies on was violated
// (e.g. two running jobs observed for one request). Always fatal and
// always logged; never retried.
type InternalInvariant struct {
	Detail string
}

func (e *InternalInvariant) Error() string {
	return fmt.Sprintf("internal invariant violated: %s", e.Detail)
}

func (e *InternalInvariant) Retriable() bool { return false }

// IsRetriable reports whether err's concrete type opts into retry. A nil
// error or one that doesn't implement Retriable is treated as
// non-retriable (fail closed).
func IsRetriable(err error) bool {
	var r Retriable
	if errors.As(err, &r) {
		return r.Retriable()
	}
	return false
}
