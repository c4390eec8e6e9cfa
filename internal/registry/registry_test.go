package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygrid/orchestrator/internal/capability"
)

func mustCap(t *testing.T, name, version string, params ...string) capability.Capability {
	t.Helper()
	c, err := capability.New(name, version, params...)
	require.NoError(t, err)
	return c
}

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	c := mustCap(t, "pdf.extract", "1.2.0", "ocr")

	err := r.Register(Descriptor{
		ID:           "worker-a",
		BaseURL:      "https://worker-a.internal",
		TaskKinds:    []string{"extract"},
		Capabilities: []capability.Capability{c},
	})
	require.NoError(t, err)

	byKind := r.LookupByTaskKind("extract")
	require.Len(t, byKind, 1)
	assert.Equal(t, "worker-a", byKind[0].ID)

	required := mustCap(t, "pdf.extract", "1.0.0")
	byCap := r.LookupByCapability(required)
	require.Len(t, byCap, 1)
	assert.Equal(t, "worker-a", byCap[0].ID)
}

func TestRegisterRejectsEmptyID(t *testing.T) {
	r := New()
	err := r.Register(Descriptor{BaseURL: "https://x"})
	assert.Error(t, err)
}

func TestRegisterIsIdempotentByID(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(Descriptor{ID: "w1", BaseURL: "https://one"}))
	require.NoError(t, r.Register(Descriptor{ID: "w1", BaseURL: "https://two", TaskKinds: []string{"k"}}))

	d, _, ok := r.Get("w1")
	require.True(t, ok)
	assert.Equal(t, "https://two", d.BaseURL)
	assert.Len(t, r.All(), 1)
}

func TestDeregisterIsIdempotent(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(Descriptor{ID: "w1", BaseURL: "https://one"}))
	r.Deregister("w1")
	r.Deregister("w1") // no panic, no error
	assert.Empty(t, r.All())
}

func TestDisabledWorkerExcludedFromLookup(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(Descriptor{ID: "w1", BaseURL: "https://one", TaskKinds: []string{"k"}}))
	require.NoError(t, r.SetDisabled("w1", true))

	assert.Empty(t, r.LookupByTaskKind("k"))
	assert.Len(t, r.All(), 1, "disabled workers remain registered")
}

type fakeProber struct {
	result ProbeResult
	err    error
}

func (f fakeProber) Probe(ctx context.Context, d Descriptor) (ProbeResult, error) {
	return f.result, f.err
}

func TestProbeTransitionsToHealthyOnSuccess(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(Descriptor{ID: "w1", BaseURL: "https://one"}))

	status := r.Probe(context.Background(), fakeProber{}, "w1")
	assert.Equal(t, HealthHealthy, status)
}

func TestProbeGoesOfflineAfterThreeFailures(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(Descriptor{ID: "w1", BaseURL: "https://one"}))

	failing := fakeProber{err: errors.New("connection refused")}
	r.Probe(context.Background(), failing, "w1")
	status := r.Probe(context.Background(), failing, "w1")
	assert.Equal(t, HealthUnhealthy, status)

	status = r.Probe(context.Background(), failing, "w1")
	assert.Equal(t, HealthOffline, status)
}

func TestProbeRecoversOnSingleSuccess(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(Descriptor{ID: "w1", BaseURL: "https://one"}))

	failing := fakeProber{err: errors.New("down")}
	for i := 0; i < 3; i++ {
		r.Probe(context.Background(), failing, "w1")
	}
	require.Equal(t, HealthOffline, r.HealthOf("w1"))

	status := r.Probe(context.Background(), fakeProber{}, "w1")
	assert.Equal(t, HealthHealthy, status)
}

func TestRegisterFromManifest(t *testing.T) {
	r := New()
	raw := []byte(`{
		"name": "pdf worker",
		"task_kinds": ["extract"],
		"tools": [{"name": "pdf.extract", "version": "2.0.0", "parameters": ["ocr"]}],
		"routing": {"runs_on_user_compute": true, "prefer_result_pointer": true}
	}`)

	err := r.RegisterFromManifest("pdf-worker-1", "https://pdf.internal", raw, 5)
	require.NoError(t, err)

	d, _, ok := r.Get("pdf-worker-1")
	require.True(t, ok)
	assert.Equal(t, "pdf worker", d.DisplayName)
	assert.True(t, d.Flags.RunsOnUserCompute)
	require.Len(t, d.Capabilities, 1)
	assert.Equal(t, "pdf.extract", d.Capabilities[0].Name)
}

func TestRegisterFromManifestRejectsMalformedVersion(t *testing.T) {
	r := New()
	raw := []byte(`{"tools": [{"name": "x", "version": "not-a-version"}]}`)
	err := r.RegisterFromManifest("bad-worker", "https://bad.internal", raw, 0)
	assert.Error(t, err)
	_, _, ok := r.Get("bad-worker")
	assert.False(t, ok, "malformed manifest must not partially register")
}
