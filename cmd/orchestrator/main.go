package main

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/relaygrid/orchestrator/internal/config"
	"github.com/relaygrid/orchestrator/internal/envelope"
	"github.com/relaygrid/orchestrator/internal/httpapi"
	"github.com/relaygrid/orchestrator/internal/jobmanager"
	"github.com/relaygrid/orchestrator/internal/observability"
	"github.com/relaygrid/orchestrator/internal/platform/envutil"
	"github.com/relaygrid/orchestrator/internal/platform/logger"
	"github.com/relaygrid/orchestrator/internal/registry"
	"github.com/relaygrid/orchestrator/internal/resultstore"
	"github.com/relaygrid/orchestrator/internal/taskrouter"
	"github.com/relaygrid/orchestrator/internal/transport"
)

func main() {
	cfg, err := config.Load(envutil.String("ORCHESTRATOR_CONFIG_FILE", ""))
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		fmt.Printf("failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: "orchestrator",
		Environment: cfg.LogMode,
	})
	defer func() {
		if shutdownOTel != nil {
			_ = shutdownOTel(context.Background())
		}
	}()

	signer, verifier, err := loadKeys(cfg)
	if err != nil {
		log.Error("failed to load signing keys", "error", err)
		os.Exit(1)
	}

	reg := registry.New()
	router := taskrouter.New(reg,
		taskrouter.WithScoreFloor(cfg.ScoreFloor),
		taskrouter.WithCacheTTL(cfg.RouteCacheTTL),
		taskrouter.WithHistoryCapacity(cfg.RouteHistorySize),
	)

	client := transport.NewClient(cfg.JobTimeout, log)
	prober := transport.NewHealthProber(cfg.HealthProbeTimeout)

	results, err := buildResultStore(ctx, cfg, log)
	if err != nil {
		log.Error("failed to init result store", "error", err)
		os.Exit(1)
	}

	metricsReg := prometheus.NewRegistry()
	_ = observability.New(metricsReg)

	jobs := jobmanager.New(jobmanager.Dependencies{
		Registry:             reg,
		Router:                router,
		Transport:             client,
		Signer:                signer,
		Results:               results,
		Log:                   log,
		GlobalConcurrency:     cfg.GlobalConcurrency,
		MaxInFlightPerWorker:  cfg.MaxInFlightPerWorker,
		MaxAttempts:           cfg.MaxAttempts,
		NumDispatchers:        cfg.NumDispatchers,
	})
	defer jobs.Close()

	stopProbeLoop := startHealthProbeLoop(ctx, reg, prober, cfg.HealthProbeInterval, log)
	defer stopProbeLoop()

	stopRetentionLoop := startResultRetentionLoop(ctx, results, cfg.ResultRetention, log)
	defer stopRetentionLoop()

	server := httpapi.New(reg, router, jobs, verifier, int(cfg.HealthProbeTimeout.Seconds()), log, corsOrigins())

	mux := http.NewServeMux()
	mux.Handle("/", server.Engine())
	mux.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: mux,
	}

	go func() {
		log.Info("orchestrator listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown error", "error", err)
	}
}

// loadKeys builds the envelope Signer from the orchestrator's own RS256
// private key and the Verifier from every public key found in
// TrustedPublicKeysDir, keyed by filename stem (so "worker-1.pub.pem"
// trusts kid "worker-1").
func loadKeys(cfg config.Config) (*envelope.Signer, *envelope.Verifier, error) {
	if cfg.SigningPrivateKeyPath == "" {
		return nil, nil, fmt.Errorf("ORCHESTRATOR_SIGNING_PRIVATE_KEY_PATH is required")
	}
	keyPEM, err := os.ReadFile(cfg.SigningPrivateKeyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("reading signing key: %w", err)
	}
	privateKey, err := jwt.ParseRSAPrivateKeyFromPEM(keyPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing signing key: %w", err)
	}
	signer := envelope.NewSigner(cfg.SigningKeyID, cfg.Issuer, privateKey)

	trusted := map[string]*rsa.PublicKey{cfg.SigningKeyID: &privateKey.PublicKey}
	if cfg.TrustedPublicKeysDir != "" {
		entries, err := os.ReadDir(cfg.TrustedPublicKeysDir)
		if err != nil && !os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("reading trusted keys dir: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".pem") {
				continue
			}
			data, err := os.ReadFile(filepath.Join(cfg.TrustedPublicKeysDir, entry.Name()))
			if err != nil {
				return nil, nil, fmt.Errorf("reading trusted key %s: %w", entry.Name(), err)
			}
			pub, err := jwt.ParseRSAPublicKeyFromPEM(data)
			if err != nil {
				return nil, nil, fmt.Errorf("parsing trusted key %s: %w", entry.Name(), err)
			}
			kid := strings.TrimSuffix(strings.TrimSuffix(entry.Name(), ".pem"), ".pub")
			trusted[kid] = pub
		}
	}

	verifier := envelope.NewVerifier(cfg.Issuer, trusted)
	return signer, verifier, nil
}

// buildResultStore chooses durability based on whether a database DSN was
// configured: with one, results survive a restart in Postgres; without
// one, an in-memory store is used (fine for local development and tests,
// lossy across restarts in production). Separately, when a Redis address
// is configured the result cache is shared across replicas instead of
// each process keeping its own local LRU — otherwise a job dispatched by
// one replica and polled through another would always miss the cache.
func buildResultStore(ctx context.Context, cfg config.Config, log *logger.Logger) (resultstore.Store, error) {
	var persistent resultstore.PersistentStore
	if cfg.DatabaseDSN != "" {
		db, err := gorm.Open(postgres.Open(cfg.DatabaseDSN), &gorm.Config{})
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		log.Info("result store backed by postgres")
		persistent = resultstore.NewPostgresPersistentStore(db)
	} else {
		log.Warn("ORCHESTRATOR_DATABASE_DSN not set; results will not survive a restart")
		persistent = resultstore.NewMemoryPersistentStore()
	}

	if cfg.RedisAddr != "" {
		cache, err := resultstore.NewRedisCache(ctx, cfg.RedisAddr, cfg.ResultCacheTTL)
		if err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		log.Info("result cache backed by redis", "addr", cfg.RedisAddr)
		return resultstore.NewWithCache(persistent, resultstore.NewMemoryBlobBackend(), cache), nil
	}

	return resultstore.New(persistent, resultstore.NewMemoryBlobBackend(), cfg.ResultCacheCapacity, cfg.ResultCacheTTL), nil
}

// startHealthProbeLoop probes every registered worker on a fixed interval
// so the registry's health state doesn't depend entirely on dispatch
// failures to notice a worker has gone down.
func startHealthProbeLoop(ctx context.Context, reg *registry.Registry, prober registry.Prober, interval time.Duration, log *logger.Logger) func() {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	loopCtx, cancel := context.WithCancel(ctx)
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				for _, d := range reg.All() {
					status := reg.Probe(loopCtx, prober, d.ID)
					log.Debug("health probe", "worker_id", d.ID, "status", status)
				}
			}
		}
	}()

	return cancel
}

// startResultRetentionLoop periodically purges results older than
// retention so the backing store doesn't grow without bound. Runs on a
// fixed interval rather than per-request since retention is an
// operational housekeeping concern, not something a caller should wait
// on. A non-positive retention disables the sweep entirely.
func startResultRetentionLoop(ctx context.Context, store resultstore.Store, retention time.Duration, log *logger.Logger) func() {
	if retention <= 0 {
		return func() {}
	}
	loopCtx, cancel := context.WithCancel(ctx)
	interval := retentionSweepInterval(retention)
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				n, err := store.PurgeExpired(loopCtx, retention)
				if err != nil {
					log.Warn("result retention sweep failed", "error", err)
					continue
				}
				if n > 0 {
					log.Info("result retention sweep purged expired results", "count", n)
				}
			}
		}
	}()

	return cancel
}

// retentionSweepInterval runs the sweep roughly once an hour for
// day-scale retention windows, but never slower than the retention
// period itself for a caller configuring a very short window (tests,
// mostly).
func retentionSweepInterval(retention time.Duration) time.Duration {
	const defaultInterval = time.Hour
	if retention < defaultInterval {
		return retention
	}
	return defaultInterval
}

func corsOrigins() []string {
	raw := strings.TrimSpace(os.Getenv("ORCHESTRATOR_CORS_ORIGINS"))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
