package jobmanager

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/relaygrid/orchestrator/internal/envelope"
	"github.com/relaygrid/orchestrator/internal/orcherr"
	"github.com/relaygrid/orchestrator/internal/platform/logger"
	"github.com/relaygrid/orchestrator/internal/registry"
	"github.com/relaygrid/orchestrator/internal/resultstore"
	"github.com/relaygrid/orchestrator/internal/taskrouter"
	"github.com/relaygrid/orchestrator/internal/transport"
)

// DefaultMaxInFlightPerWorker bounds concurrent dispatches to a single
// worker regardless of global capacity, so one worker can't be starved by
// another's backlog sharing the global semaphore.
const DefaultMaxInFlightPerWorker = 4

// DefaultJobTimeout is the end-to-end deadline applied to a job with no
// explicit Spec.Deadline.
const DefaultJobTimeout = 10 * time.Minute

// DefaultDeadlineSweepInterval bounds how long a job can sit Running past
// its deadline, with no callback ever arriving, before the sweep notices
// and finalizes it. A dispatch's own context already enforces the
// deadline on its synchronous round trip; this sweep exists for the async
// case, where the manager is otherwise only woken by HandleCallback.
const DefaultDeadlineSweepInterval = 500 * time.Millisecond

// Dispatcher is the subset of internal/transport.Client the manager needs.
// Expressed as an interface so tests can substitute a fake worker instead
// of making real HTTP calls.
type Dispatcher interface {
	Dispatch(ctx context.Context, req transport.DispatchRequest) (*transport.DispatchResponse, error)
}

// Dependencies bundles everything the manager needs from the rest of the
// orchestrator. Kept as one struct (rather than a long constructor
// argument list) because every field is required; there is no meaningful
// partially-configured manager.
type Dependencies struct {
	Registry  *registry.Registry
	Router    *taskrouter.Router
	Transport Dispatcher
	Signer    *envelope.Signer
	Results   resultstore.Store
	Log       *logger.Logger

	GlobalConcurrency    int64
	MaxInFlightPerWorker int64
	MaxAttempts          int
	NumDispatchers       int
}

// Manager owns the job queue, the concurrency budget, and the dispatch
// loop that drives jobs from queued to a terminal state.
type Manager struct {
	deps Dependencies

	mu       sync.Mutex
	jobs     map[string]*Job
	queue    *jobQueue
	wake     chan struct{}

	globalSem *semaphore.Weighted

	workerSemMu sync.Mutex
	workerSem   map[string]*semaphore.Weighted

	stop   chan struct{}
	stopWg sync.WaitGroup
}

// New constructs a Manager and starts its dispatch loop goroutines. Call
// Close to stop them.
func New(deps Dependencies) *Manager {
	if deps.GlobalConcurrency <= 0 {
		deps.GlobalConcurrency = 32
	}
	if deps.MaxInFlightPerWorker <= 0 {
		deps.MaxInFlightPerWorker = DefaultMaxInFlightPerWorker
	}
	if deps.MaxAttempts <= 0 {
		deps.MaxAttempts = DefaultMaxAttempts
	}
	if deps.NumDispatchers <= 0 {
		deps.NumDispatchers = 4
	}

	m := &Manager{
		deps:      deps,
		jobs:      make(map[string]*Job),
		queue:     newJobQueue(),
		wake:      make(chan struct{}, 1),
		globalSem: semaphore.NewWeighted(deps.GlobalConcurrency),
		workerSem: make(map[string]*semaphore.Weighted),
		stop:      make(chan struct{}),
	}

	for i := 0; i < deps.NumDispatchers; i++ {
		m.stopWg.Add(1)
		go m.dispatchLoop()
	}

	m.stopWg.Add(1)
	go m.deadlineSweepLoop()

	return m
}

// Close stops the dispatch loop goroutines. In-flight dispatches are not
// interrupted; only new pops from the queue stop.
func (m *Manager) Close() {
	close(m.stop)
	m.stopWg.Wait()
}

func (m *Manager) signalWake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Submit registers a new job and enqueues it for dispatch.
func (m *Manager) Submit(spec Spec) (*Job, error) {
	if spec.TaskKind == "" {
		return nil, fmt.Errorf("jobmanager: task kind is required")
	}
	deadline := spec.Deadline
	if deadline.IsZero() {
		deadline = time.Now().Add(DefaultJobTimeout)
	}
	spec.Deadline = deadline

	job := &Job{
		ID:          uuid.NewString(),
		Spec:        spec,
		State:       StatePending,
		MaxAttempts: m.deps.MaxAttempts,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if err := job.transition(StateQueued); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.jobs[job.ID] = job
	m.queue.push(job)
	m.mu.Unlock()

	m.signalWake()
	return job, nil
}

// Get returns a copy of a job's current record.
func (m *Manager) Get(jobID string) (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// Cancel transitions a job to cancelled. A pending/queued job is removed
// from the queue immediately. A running job is marked cancelled so its
// in-flight attempt's outcome (direct response or async callback) is
// discarded when it arrives, per the terminal-state invariant: once
// cancelled, nothing may move the job again.
func (m *Manager) Cancel(jobID string) error {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("jobmanager: unknown job %s", jobID)
	}
	if job.State.IsTerminal() {
		m.mu.Unlock()
		return nil
	}
	m.queue.remove(jobID)
	transitionErr := job.transition(StateCancelled)
	m.mu.Unlock()
	if transitionErr != nil {
		return transitionErr
	}
	m.storeErrorResult(job, &orcherr.JobCancelled{RequestID: jobID})
	return nil
}

func (m *Manager) dispatchLoop() {
	defer m.stopWg.Done()
	for {
		select {
		case <-m.stop:
			return
		case <-m.wake:
		}

		for {
			job := m.nextReady()
			if job == nil {
				break
			}
			m.attempt(job)
		}
	}
}

// nextReady pops the next queued job. It does not itself check the global
// semaphore; attempt acquires it, and if acquisition blocks for a while
// that's deliberate backpressure rather than a reason to skip the job.
func (m *Manager) nextReady() *Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.pop()
}

// deadlineSweepLoop periodically finalizes jobs left Running past their
// deadline with no callback ever arriving. Without this, a worker that
// accepts a job asynchronously and then never calls back leaves the job
// Running forever: nothing else revisits a Running job once its in-flight
// HTTP round trip has returned.
func (m *Manager) deadlineSweepLoop() {
	defer m.stopWg.Done()
	ticker := time.NewTicker(DefaultDeadlineSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweepExpiredDeadlines()
		}
	}
}

// sweepExpiredDeadlines finds every Running job whose deadline has already
// passed and routes it through retryOrFail, the same classification path a
// failed dispatch attempt takes. JobTimeout is retriable, so a swept job
// gets another attempt if attempts remain; that attempt's context is built
// from the same already-past Spec.Deadline, so it fails almost immediately
// and the job converges to failed(JobTimeout) rather than looping.
func (m *Manager) sweepExpiredDeadlines() {
	now := time.Now()
	m.mu.Lock()
	var expired []*Job
	for _, j := range m.jobs {
		if j.State == StateRunning && !j.Spec.Deadline.IsZero() && now.After(j.Spec.Deadline) {
			expired = append(expired, j)
		}
	}
	m.mu.Unlock()

	for _, j := range expired {
		m.retryOrFail(j, &orcherr.JobTimeout{JobID: j.ID})
	}
}

func (m *Manager) workerSemaphore(workerID string) *semaphore.Weighted {
	m.workerSemMu.Lock()
	defer m.workerSemMu.Unlock()
	sem, ok := m.workerSem[workerID]
	if !ok {
		sem = semaphore.NewWeighted(m.deps.MaxInFlightPerWorker)
		m.workerSem[workerID] = sem
	}
	return sem
}

// attempt runs one dispatch attempt for job: route, acquire concurrency
// budget, sign an envelope, dispatch, and handle the outcome.
func (m *Manager) attempt(job *Job) {
	ctx, cancel := context.WithDeadline(context.Background(), job.Spec.Deadline)
	defer cancel()

	if err := m.globalSem.Acquire(ctx, 1); err != nil {
		m.finalizeFailure(job, &orcherr.JobTimeout{JobID: job.ID})
		return
	}
	defer m.globalSem.Release(1)

	candidates := m.buildCandidates(job.Spec.TaskKind)
	decision, err := m.deps.Router.Route(toRouteRequest(job.Spec), candidates)
	if err != nil {
		m.finalizeFailure(job, err)
		return
	}

	workerSem := m.workerSemaphore(decision.WorkerID)
	if err := workerSem.Acquire(ctx, 1); err != nil {
		m.finalizeFailure(job, &orcherr.JobTimeout{JobID: job.ID})
		return
	}
	defer workerSem.Release(1)

	m.mu.Lock()
	job.WorkerID = decision.WorkerID
	job.Attempt++
	if err := job.transition(StateRunning); err != nil {
		m.mu.Unlock()
		m.deps.Log.Error("illegal transition to running", "job_id", job.ID, "error", err)
		return
	}
	m.mu.Unlock()

	desc, _, ok := m.deps.Registry.Get(decision.WorkerID)
	if !ok {
		m.retryOrFail(job, &orcherr.WorkerUnhealthy{WorkerID: decision.WorkerID})
		return
	}

	digest := payloadDigest(job.Spec.Payload)
	token, err := m.deps.Signer.Sign(envelope.SignRequest{
		TaskID:        job.ID,
		Owner:         job.Spec.Owner,
		PayloadDigest: digest,
		CallbackURL:   job.Spec.CallbackURL,
		ConsentGiven:  true,
	})
	if err != nil {
		m.finalizeFailure(job, &orcherr.EnvelopeInvalid{Reason: orcherr.ReasonMalformed, Err: err})
		return
	}

	resp, err := m.deps.Transport.Dispatch(ctx, transport.DispatchRequest{
		WorkerBaseURL: desc.BaseURL,
		Envelope:      token,
		Payload:       job.Spec.Payload,
		Deadline:      job.Spec.Deadline,
	})
	if err != nil {
		m.retryOrFail(job, err)
		return
	}

	if resp.Async {
		// Outcome arrives later via HandleCallback; leave the job
		// Running. The manager does not hold the worker semaphore open
		// for the async wait — only the synchronous HTTP round trip
		// counted against in-flight capacity.
		return
	}

	m.finalizeFromDispatch(job, resp)
}

func (m *Manager) buildCandidates(taskKind string) []taskrouter.WorkerState {
	descs := m.deps.Registry.LookupByTaskKind(taskKind)
	out := make([]taskrouter.WorkerState, 0, len(descs))
	for _, d := range descs {
		out = append(out, taskrouter.WorkerState{
			Descriptor: d,
			Health:     m.deps.Registry.HealthOf(d.ID),
			InFlight:   m.inFlightCount(d.ID),
		})
	}
	return out
}

func (m *Manager) inFlightCount(workerID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, j := range m.jobs {
		if j.WorkerID == workerID && j.State == StateRunning {
			count++
		}
	}
	return count
}

func toRouteRequest(spec Spec) taskrouter.Request {
	return taskrouter.Request{
		TaskKind:             spec.TaskKind,
		RequiredCapabilities: spec.RequiredCapabilities,
		IsHeavy:              spec.IsHeavy,
		Priority:             taskrouter.Priority(spec.Priority),
	}
}

// retryOrFail classifies err and either re-queues the job for another
// attempt after a backoff delay or finalizes it as failed.
func (m *Manager) retryOrFail(job *Job, err error) {
	m.mu.Lock()
	if job.State.IsTerminal() {
		m.mu.Unlock()
		return
	}
	job.LastError = err.Error()
	retriable := orcherr.IsRetriable(err) && job.Attempt < job.MaxAttempts
	if !retriable {
		transitionErr := job.transition(StateFailed)
		m.mu.Unlock()
		if transitionErr != nil {
			m.deps.Log.Error("failed to transition job to failed", "job_id", job.ID, "error", transitionErr)
		}
		m.deps.Log.Warn("job failed", "job_id", job.ID, "attempt", job.Attempt, "error", err)
		m.storeErrorResult(job, err)
		return
	}
	transitionErr := job.transition(StateQueued)
	m.mu.Unlock()
	if transitionErr != nil {
		m.deps.Log.Error("failed to requeue job", "job_id", job.ID, "error", transitionErr)
		return
	}

	delay := backoffFor(job.Attempt)
	m.deps.Log.Info("retrying job after backoff", "job_id", job.ID, "attempt", job.Attempt, "delay", delay.String())
	go func() {
		time.Sleep(delay)
		m.mu.Lock()
		if !job.State.IsTerminal() {
			m.queue.push(job)
		}
		m.mu.Unlock()
		m.signalWake()
	}()
}

func (m *Manager) finalizeFailure(job *Job, err error) {
	m.mu.Lock()
	job.LastError = err.Error()
	transitionErr := job.transition(StateFailed)
	m.mu.Unlock()
	if transitionErr != nil {
		m.deps.Log.Error("failed to transition job to failed", "job_id", job.ID, "error", transitionErr)
		return
	}
	m.storeErrorResult(job, err)
}

// errorResultPayload is the JSON body stored for a kind=error result: a
// machine-readable kind plus the human-readable message, in an
// {error_kind, message} shape. The HTTP layer's job view does not include
// it; it is read back through the result store.
type errorResultPayload struct {
	ErrorKind string `json:"error_kind"`
	Message   string `json:"message"`
}

// storeErrorResult records a terminal failure as a kind=error result so a
// caller polling Get after a failed/timed-out/cancelled job sees the typed
// failure instead of ErrNotFound. Best-effort: a storage failure here is
// logged, not retried, since the job has already reached a terminal state
// and there is no further transition to retry it into.
func (m *Manager) storeErrorResult(job *Job, err error) {
	payload, marshalErr := json.Marshal(errorResultPayload{ErrorKind: errorKind(err), Message: err.Error()})
	if marshalErr != nil {
		m.deps.Log.Error("failed to marshal error result", "job_id", job.ID, "error", marshalErr)
		return
	}
	if _, putErr := m.deps.Results.PutError(context.Background(), resultstore.PutErrorRequest{
		TaskID:  job.ID,
		Owner:   job.Spec.Owner,
		Message: payload,
	}); putErr != nil {
		m.deps.Log.Error("failed to store error result", "job_id", job.ID, "error", putErr)
	}
}

// errorKind maps a core error to the stable machine-readable string a
// caller's error_kind field carries, without leaking internal type names.
func errorKind(err error) string {
	var noWorker *orcherr.NoWorkerAvailable
	var envelopeInvalid *orcherr.EnvelopeInvalid
	var dispatchFailed *orcherr.DispatchFailed
	var jobTimeout *orcherr.JobTimeout
	var jobCancelled *orcherr.JobCancelled
	var workerUnhealthy *orcherr.WorkerUnhealthy
	var capabilityMismatch *orcherr.CapabilityMismatch
	var storageFailure *orcherr.StorageFailure
	var internalInvariant *orcherr.InternalInvariant

	switch {
	case errors.As(err, &noWorker):
		return "no_worker_available"
	case errors.As(err, &envelopeInvalid):
		return "envelope_invalid"
	case errors.As(err, &dispatchFailed):
		return "dispatch_failed"
	case errors.As(err, &jobTimeout):
		return "job_timeout"
	case errors.As(err, &jobCancelled):
		return "job_cancelled"
	case errors.As(err, &workerUnhealthy):
		return "worker_unhealthy"
	case errors.As(err, &capabilityMismatch):
		return "capability_mismatch"
	case errors.As(err, &storageFailure):
		return "storage_failure"
	case errors.As(err, &internalInvariant):
		return "internal_invariant"
	default:
		return "unknown"
	}
}

func (m *Manager) finalizeFromDispatch(job *Job, resp *transport.DispatchResponse) {
	if len(resp.Result) == 0 {
		m.finalizeFailure(job, &orcherr.InternalInvariant{Detail: fmt.Sprintf("job %s: synchronous dispatch accepted with no result", job.ID)})
		return
	}
	m.finalizeSuccess(job, resp.Result)
}

func (m *Manager) finalizeSuccess(job *Job, result json.RawMessage) {
	m.mu.Lock()
	terminal := job.State.IsTerminal()
	m.mu.Unlock()
	if terminal {
		// Cancelled while the attempt was in flight: discard the outcome.
		return
	}
	putReq := resultstore.PutRequest{
		TaskID: job.ID,
		Owner:  job.Spec.Owner,
		Data:   result,
	}
	ref, err := m.deps.Results.Put(context.Background(), putReq)
	if err != nil {
		// One in-process retry of a storage failure before giving up.
		ref, err = m.deps.Results.Put(context.Background(), putReq)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		job.LastError = err.Error()
		if transitionErr := job.transition(StateFailed); transitionErr != nil {
			m.deps.Log.Error("failed to transition job to failed after storage error", "job_id", job.ID, "error", transitionErr)
		}
		return
	}
	job.ResultRef = ref
	if transitionErr := job.transition(StateSucceeded); transitionErr != nil {
		m.deps.Log.Error("failed to transition job to succeeded", "job_id", job.ID, "error", transitionErr)
	}
}

// HandleCallback finalizes a job from a worker's asynchronous callback.
// claims must already have been verified by the caller (internal/httpapi)
// before reaching here; this method only enforces the job-level invariant
// that a callback can't resurrect a job that has already reached a
// terminal state through another path (e.g. cancellation, or a timeout
// that already failed it).
func (m *Manager) HandleCallback(taskID, workerID string, succeeded bool, result json.RawMessage, errMsg string) error {
	m.mu.Lock()
	job, ok := m.jobs[taskID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("jobmanager: unknown job %s", taskID)
	}
	if job.State.IsTerminal() {
		m.mu.Unlock()
		return nil
	}
	if job.WorkerID != workerID {
		m.mu.Unlock()
		return fmt.Errorf("jobmanager: callback worker %s does not match dispatched worker %s for job %s", workerID, job.WorkerID, taskID)
	}
	m.mu.Unlock()

	if !succeeded {
		m.retryOrFail(job, &orcherr.DispatchFailed{Reason: orcherr.ReasonHTTP5xx, Err: fmt.Errorf("%s", errMsg)})
		return nil
	}
	m.finalizeSuccess(job, result)
	return nil
}

func payloadDigest(payload json.RawMessage) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
