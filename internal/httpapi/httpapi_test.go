package httpapi

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygrid/orchestrator/internal/envelope"
	"github.com/relaygrid/orchestrator/internal/jobmanager"
	"github.com/relaygrid/orchestrator/internal/platform/logger"
	"github.com/relaygrid/orchestrator/internal/registry"
	"github.com/relaygrid/orchestrator/internal/resultstore"
	"github.com/relaygrid/orchestrator/internal/taskrouter"
	"github.com/relaygrid/orchestrator/internal/transport"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubDispatcher struct{}

func (stubDispatcher) Dispatch(ctx context.Context, req transport.DispatchRequest) (*transport.DispatchResponse, error) {
	return &transport.DispatchResponse{Accepted: true, Async: true}, nil
}

func testServer(t *testing.T) (*Server, *jobmanager.Manager, *envelope.Signer, *rsa.PrivateKey) {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.Register(registry.Descriptor{ID: "w1", BaseURL: "https://w1.internal", TaskKinds: []string{"extract"}}))
	reg.Probe(context.Background(), fakeProber{}, "w1")

	router := taskrouter.New(reg, taskrouter.WithCacheTTL(0))

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signer := envelope.NewSigner("key-1", "orchestrator.test", key)
	verifier := envelope.NewVerifier("", map[string]*rsa.PublicKey{"key-1": &key.PublicKey})

	log, err := logger.New("test")
	require.NoError(t, err)

	jobs := jobmanager.New(jobmanager.Dependencies{
		Registry:             reg,
		Router:                router,
		Transport:             stubDispatcher{},
		Signer:                signer,
		Results:               resultstore.New(resultstore.NewMemoryPersistentStore(), resultstore.NewMemoryBlobBackend(), 16, time.Hour),
		Log:                   log,
		GlobalConcurrency:     8,
		MaxInFlightPerWorker:  4,
		MaxAttempts:           3,
		NumDispatchers:        2,
	})
	t.Cleanup(jobs.Close)

	srv := New(reg, router, jobs, verifier, 5, log, nil)
	return srv, jobs, signer, key
}

type fakeProber struct{}

func (fakeProber) Probe(ctx context.Context, d registry.Descriptor) (registry.ProbeResult, error) {
	return registry.ProbeResult{}, nil
}

func doRequest(t *testing.T, srv *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	srv, _, _, _ := testServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSubmitGetAndCancelJob(t *testing.T) {
	srv, _, _, _ := testServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/jobs", map[string]interface{}{
		"task_kind": "extract",
		"owner":     "owner-1",
		"payload":   map[string]interface{}{"x": 1},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var submitResp struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitResp))
	require.NotEmpty(t, submitResp.JobID)

	rec = doRequest(t, srv, http.MethodGet, "/jobs/"+submitResp.JobID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv, http.MethodPost, "/jobs/"+submitResp.JobID+"/cancel", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSubmitJobCarriesCapabilityTriple(t *testing.T) {
	srv, jobs, _, _ := testServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/jobs", map[string]interface{}{
		"task_kind": "extract",
		"owner":     "owner-1",
		"payload":   map[string]interface{}{"x": 1},
		"required_capabilities": []map[string]interface{}{
			{"name": "pdf.extract", "version": "2.1.0", "parameters": []string{"ocr"}},
		},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var submitResp struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitResp))

	job, ok := jobs.Get(submitResp.JobID)
	require.True(t, ok)
	require.Len(t, job.Spec.RequiredCapabilities, 1)
	got := job.Spec.RequiredCapabilities[0]
	assert.Equal(t, "pdf.extract", got.Name)
	assert.Equal(t, "2.1.0", got.Version.String())
	_, hasOCR := got.Parameters["ocr"]
	assert.True(t, hasOCR)
}

func TestSubmitJobRejectsMalformedCapabilityVersion(t *testing.T) {
	srv, _, _, _ := testServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/jobs", map[string]interface{}{
		"task_kind": "extract",
		"owner":     "owner-1",
		"payload":   map[string]interface{}{"x": 1},
		"required_capabilities": []map[string]interface{}{
			{"name": "pdf.extract", "version": "not-a-version"},
		},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitJobRejectsMissingFields(t *testing.T) {
	srv, _, _, _ := testServer(t)
	rec := doRequest(t, srv, http.MethodPost, "/jobs", map[string]interface{}{"owner": "owner-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWorkerDisableMarksWorkerDisabled(t *testing.T) {
	srv, _, _, _ := testServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/workers/w1/disable", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/workers", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var listResp struct {
		Workers []workerView `json:"workers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listResp))
	require.Len(t, listResp.Workers, 1)
	assert.True(t, listResp.Workers[0].Disabled)
}

func TestCallbackRequiresValidSignature(t *testing.T) {
	srv, _, _, _ := testServer(t)

	req := httptest.NewRequest(http.MethodPost, "/callbacks/task-1", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Authorization", "Bearer not-a-real-token")
	rec := httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCallbackFinalizesAsyncJob(t *testing.T) {
	srv, jobs, _, key := testServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/jobs", map[string]interface{}{
		"task_kind": "extract",
		"owner":     "owner-1",
		"payload":   map[string]interface{}{"x": 1},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var submitResp struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitResp))

	var job jobmanager.Job
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		j, ok := jobs.Get(submitResp.JobID)
		require.True(t, ok)
		if j.State == jobmanager.StateRunning {
			job = j
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, jobmanager.StateRunning, job.State)

	cs := envelope.NewCallbackSigner("key-1", job.WorkerID, key)
	token, err := cs.Sign(job.ID, "sha256:abc", true, 0)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/callbacks/"+job.ID, bytes.NewReader([]byte(`{"result":{"ok":true}}`)))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	recCallback := httptest.NewRecorder()
	srv.Engine().ServeHTTP(recCallback, req)
	assert.Equal(t, http.StatusOK, recCallback.Code)

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		j, ok := jobs.Get(job.ID)
		require.True(t, ok)
		if j.State == jobmanager.StateSucceeded {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job did not reach succeeded state after callback")
}
