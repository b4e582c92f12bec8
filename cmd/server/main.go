// Command server starts the generation job orchestrator's ambient HTTP
// surface (healthz/readyz/metrics) and boots the background reconciler
// sweepers. The submit/poll/deliver pipeline itself runs out of
// internal/engine and internal/service; this file only wires concrete
// adapters to the domain ports and runs the process.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/kie-forge/genorchestrator/internal/adapter/chattransport"
	"github.com/kie-forge/genorchestrator/internal/adapter/dedupe"
	"github.com/kie-forge/genorchestrator/internal/adapter/delivery"
	httpserver "github.com/kie-forge/genorchestrator/internal/adapter/httpserver"
	"github.com/kie-forge/genorchestrator/internal/adapter/lock"
	"github.com/kie-forge/genorchestrator/internal/adapter/provider"
	"github.com/kie-forge/genorchestrator/internal/adapter/provider/stub"
	"github.com/kie-forge/genorchestrator/internal/adapter/repo/jsonfile"
	"github.com/kie-forge/genorchestrator/internal/adapter/repo/postgres"
	"github.com/kie-forge/genorchestrator/internal/adapter/tracker"
	"github.com/kie-forge/genorchestrator/internal/app"
	"github.com/kie-forge/genorchestrator/internal/billing"
	"github.com/kie-forge/genorchestrator/internal/catalog"
	"github.com/kie-forge/genorchestrator/internal/config"
	"github.com/kie-forge/genorchestrator/internal/domain"
	"github.com/kie-forge/genorchestrator/internal/engine"
	"github.com/kie-forge/genorchestrator/internal/normalizer"
	"github.com/kie-forge/genorchestrator/internal/observability"
	"github.com/kie-forge/genorchestrator/internal/reconciler"
	"github.com/kie-forge/genorchestrator/internal/service"
)

// redisPinger adapts *redis.Client to app.RedisPinger: go-redis's Ping
// returns *redis.StatusCmd, not error.
type redisPinger struct{ client *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error { return p.client.Ping(ctx).Err() }

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	tenant := cfg.TenantID()

	jobStore, deliveryStore, usageStore, balanceStore, pgPool := buildStorage(ctx, cfg, tenant)
	var dbPinger app.Pinger
	if pgPool != nil {
		dbPinger = pgPool
	}

	var redisClient *redis.Client
	var rPinger app.RedisPinger
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid redis url", slog.Any("error", err))
			os.Exit(1)
		}
		redisClient = redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(ctx, cfg.RedisConnectTimeout)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			slog.Warn("redis unreachable at startup, degrading to in-process dedupe/lock", slog.Any("error", err))
			redisClient = nil
		}
		cancel()
		if redisClient != nil {
			rPinger = redisPinger{client: redisClient}
		}
	}

	var dedupeStore domain.DedupeStore
	redisLocker := lock.NewRedisLocker(redisClient, tenant)
	var locker domain.Locker = redisLocker
	if redisClient != nil {
		dedupeStore = dedupe.NewRedisStore(redisClient, tenant)
	} else {
		dedupeStore = dedupe.NewMemoryStore()
	}
	redisLocker.StartHealthWatchdog(ctx, 5*time.Second, cfg.RedisConnectTimeout)

	reqTracker := tracker.New(15 * time.Second)

	var providerClient domain.ProviderClient
	if cfg.KIEStub {
		providerClient = stub.New()
	} else {
		providerClient = provider.New(provider.Config{
			BaseURL:            cfg.KIEAPIURL,
			APIKey:             cfg.KIEAPIKey,
			Timeout:            cfg.KIETimeoutSeconds,
			RetryMaxAttempts:   cfg.KIERetryMaxAttempts,
			RetryBaseDelay:     cfg.KIERetryBaseDelay,
			RetryMaxDelay:      cfg.KIERetryMaxDelay,
			CircuitBreakerOn:   cfg.KIECircuitBreakerOn,
			CBFailureThreshold: cfg.KIECBFailureThreshold,
			CBSuccessThreshold: cfg.KIECBSuccessThreshold,
			CBTimeout:          cfg.KIECBTimeout,
		})
	}

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		slog.Error("catalog load failed", slog.Any("error", err))
		os.Exit(1)
	}

	allowlist, err := billing.LoadAllowlist(cfg.FreeAllowlistPath)
	if err != nil {
		slog.Error("free allowlist load failed", slog.Any("error", err))
		os.Exit(1)
	}
	gate := billing.NewGate(balanceStore, usageStore, locker, allowlist.FreeSKUs, cfg.FreeBasePerHour)
	gate.LockWait = cfg.LockWaitTimeoutSeconds
	gate.Delivery = deliveryStore

	eng := engine.New(providerClient, dedupeStore, locker, reqTracker, cat, jobStore, normalizer.Options{
		CDNBaseURL: cfg.KIEResultCDNBaseURL,
		APIBaseURL: cfg.KIEAPIURL,
	})
	eng.DedupeTTL = cfg.GenDedupeTTLSeconds
	eng.PollMaxAttempts = cfg.KIEPollMaxAttempts

	transport := chattransport.New()
	deliveryPipeline := delivery.New(transport, deliveryStore, cfg.TelegramSafeUploadBytes, "")

	svc := service.New(eng, deliveryPipeline, gate, cat, jobStore, nil, cfg.IsAdmin)

	pendingSweeper := reconciler.NewPendingSweeper(jobStore, providerClient, svc, cfg.ReconcilerIntervalSeconds, cfg.ReconcilerBatchLimit)
	if pendingSweeper != nil {
		go pendingSweeper.Run(ctx)
	}
	orphanSweeper := reconciler.NewOrphanSweeper(dedupeStore, providerClient, transport, cfg.ReconcilerIntervalSeconds, cfg.OrphanMaxAgeSeconds, cfg.NotifyCooldownSeconds, cfg.ReconcilerBatchLimit)
	if orphanSweeper != nil {
		go orphanSweeper.Run(ctx)
	}

	if cfg.StorageMode == "db" && cfg.DataRetentionDays > 0 && pgPool != nil {
		cleanupSvc := postgres.NewCleanupService(postgres.NewBeginner(pgPool), cfg.DataRetentionDays)
		go cleanupSvc.RunPeriodic(ctx, cfg.CleanupInterval)
	}

	dbCheck, redisCheck, providerCheck := app.BuildReadinessChecks(cfg, dbPinger, rPinger)
	srv := httpserver.NewServer(
		httpserver.Check{Name: "storage", Fn: dbCheck},
		httpserver.Check{Name: "redis", Fn: redisCheck},
		httpserver.Check{Name: "provider", Fn: providerCheck},
	)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}

// buildStorage selects the Storage Façade backend per cfg.StorageMode and
// returns its four store implementations. pgPool is non-nil only in "db"
// mode, where it also backs the readiness check and the retention
// cleanup sweep.
func buildStorage(ctx context.Context, cfg config.Config, tenant string) (domain.JobStore, domain.DeliveryStore, domain.UsageStore, domain.BalanceStore, *pgxpool.Pool) {
	if cfg.StorageMode == "db" {
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("db connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		return postgres.NewJobRepo(pool), postgres.NewDeliveryRepo(pool), postgres.NewUsageRepo(pool), postgres.NewBalanceRepo(pool), pool
	}
	store := jsonfile.New(cfg.JSONDataDir, tenant)
	return jsonfile.NewJobRepo(store), jsonfile.NewDeliveryRepo(store), jsonfile.NewUsageRepo(store), jsonfile.NewBalanceRepo(store), nil
}
