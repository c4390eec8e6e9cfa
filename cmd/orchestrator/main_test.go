package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygrid/orchestrator/internal/config"
	"github.com/relaygrid/orchestrator/internal/platform/logger"
	"github.com/relaygrid/orchestrator/internal/resultstore"
)

func writeRSAKeyPair(t *testing.T, dir, name string) (privPath string, pub *rsa.PublicKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	privBytes := x509.MarshalPKCS1PrivateKey(key)
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: privBytes})
	privPath = filepath.Join(dir, name+".key.pem")
	require.NoError(t, os.WriteFile(privPath, privPEM, 0o600))

	return privPath, &key.PublicKey
}

func writeRSAPublicKey(t *testing.T, dir, name string, pub *rsa.PublicKey) {
	t.Helper()
	pubBytes, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".pem"), pubPEM, 0o644))
}

func TestLoadKeysSignerTrustsItself(t *testing.T) {
	dir := t.TempDir()
	privPath, _ := writeRSAKeyPair(t, dir, "orchestrator")

	cfg := config.Default()
	cfg.SigningKeyID = "orchestrator"
	cfg.SigningPrivateKeyPath = privPath

	signer, verifier, err := loadKeys(cfg)
	require.NoError(t, err)
	require.NotNil(t, signer)
	require.NotNil(t, verifier)
}

func TestLoadKeysTrustsAdditionalWorkerKeys(t *testing.T) {
	dir := t.TempDir()
	privPath, _ := writeRSAKeyPair(t, dir, "orchestrator")

	trustedDir := t.TempDir()
	_, workerPub := writeRSAKeyPair(t, t.TempDir(), "worker")
	writeRSAPublicKey(t, trustedDir, "worker-1", workerPub)

	cfg := config.Default()
	cfg.SigningKeyID = "orchestrator"
	cfg.SigningPrivateKeyPath = privPath
	cfg.TrustedPublicKeysDir = trustedDir

	_, verifier, err := loadKeys(cfg)
	require.NoError(t, err)
	require.NotNil(t, verifier)
}

func TestLoadKeysRequiresPrivateKeyPath(t *testing.T) {
	cfg := config.Default()
	_, _, err := loadKeys(cfg)
	assert.Error(t, err)
}

func TestCorsOriginsParsesCommaSeparatedList(t *testing.T) {
	t.Setenv("ORCHESTRATOR_CORS_ORIGINS", "https://a.example, https://b.example")
	got := corsOrigins()
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, got)
}

func TestCorsOriginsEmptyWhenUnset(t *testing.T) {
	t.Setenv("ORCHESTRATOR_CORS_ORIGINS", "")
	assert.Nil(t, corsOrigins())
}

func TestRetentionSweepIntervalCapsAtOneHour(t *testing.T) {
	assert.Equal(t, time.Hour, retentionSweepInterval(30*24*time.Hour))
}

func TestRetentionSweepIntervalNeverExceedsRetention(t *testing.T) {
	assert.Equal(t, 10*time.Millisecond, retentionSweepInterval(10*time.Millisecond))
}

func TestStartResultRetentionLoopDisabledForNonPositiveRetention(t *testing.T) {
	log, err := logger.New("dev")
	require.NoError(t, err)

	store := resultstore.New(resultstore.NewMemoryPersistentStore(), resultstore.NewMemoryBlobBackend(), 16, time.Hour)
	stop := startResultRetentionLoop(context.Background(), store, 0, log)
	defer stop()
}

func TestStartResultRetentionLoopPurgesExpiredResults(t *testing.T) {
	log, err := logger.New("dev")
	require.NoError(t, err)

	persistent := resultstore.NewMemoryPersistentStore()
	store := resultstore.New(persistent, resultstore.NewMemoryBlobBackend(), 16, time.Millisecond)
	ctx := context.Background()
	_, err = store.Put(ctx, resultstore.PutRequest{TaskID: "old", Owner: "owner", Data: []byte(`{}`)})
	require.NoError(t, err)

	retention := 20 * time.Millisecond
	time.Sleep(retention + 5*time.Millisecond)

	stop := startResultRetentionLoop(ctx, store, retention, log)
	defer stop()

	require.Eventually(t, func() bool {
		_, err := store.Get(ctx, "old", "owner")
		return err != nil
	}, time.Second, 10*time.Millisecond)
}
