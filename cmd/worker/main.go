// Command worker is a one-shot CLI that drives the Job Engine directly:
// submit one generation job, wait for it to resolve, deliver, and bill it,
// then exit. The chat transport that would normally originate requests is
// out of scope (spec §1); this binary exists so the orchestrator core can
// be exercised and operated without one, the same way the teacher ships a
// worker binary separate from its HTTP server.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/kie-forge/genorchestrator/internal/adapter/chattransport"
	"github.com/kie-forge/genorchestrator/internal/adapter/dedupe"
	"github.com/kie-forge/genorchestrator/internal/adapter/delivery"
	"github.com/kie-forge/genorchestrator/internal/adapter/lock"
	"github.com/kie-forge/genorchestrator/internal/adapter/provider"
	"github.com/kie-forge/genorchestrator/internal/adapter/provider/stub"
	"github.com/kie-forge/genorchestrator/internal/adapter/repo/jsonfile"
	"github.com/kie-forge/genorchestrator/internal/adapter/repo/postgres"
	"github.com/kie-forge/genorchestrator/internal/adapter/tracker"
	"github.com/kie-forge/genorchestrator/internal/billing"
	"github.com/kie-forge/genorchestrator/internal/catalog"
	"github.com/kie-forge/genorchestrator/internal/config"
	"github.com/kie-forge/genorchestrator/internal/domain"
	"github.com/kie-forge/genorchestrator/internal/engine"
	"github.com/kie-forge/genorchestrator/internal/normalizer"
	"github.com/kie-forge/genorchestrator/internal/observability"
	"github.com/kie-forge/genorchestrator/internal/service"
)

func main() {
	userID := flag.String("user", "", "user id submitting the job")
	modelID := flag.String("model", "", "model id from the catalog")
	paramsJSON := flag.String("params", "{}", "JSON object of model params")
	flag.Parse()

	if *userID == "" || *modelID == "" {
		slog.Error("missing required flags", slog.String("usage", "worker -user=<id> -model=<id> -params='{...}'"))
		os.Exit(2)
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(*paramsJSON), &params); err != nil {
		slog.Error("invalid -params JSON", slog.Any("error", err))
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	ctx := context.Background()
	tenant := cfg.TenantID()

	var jobStore domain.JobStore
	var deliveryStore domain.DeliveryStore
	var usageStore domain.UsageStore
	var balanceStore domain.BalanceStore
	if cfg.StorageMode == "db" {
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("db connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		jobStore, deliveryStore, usageStore, balanceStore =
			postgres.NewJobRepo(pool), postgres.NewDeliveryRepo(pool), postgres.NewUsageRepo(pool), postgres.NewBalanceRepo(pool)
	} else {
		store := jsonfile.New(cfg.JSONDataDir, tenant)
		jobStore, deliveryStore, usageStore, balanceStore =
			jsonfile.NewJobRepo(store), jsonfile.NewDeliveryRepo(store), jsonfile.NewUsageRepo(store), jsonfile.NewBalanceRepo(store)
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		if opts, err := redis.ParseURL(cfg.RedisURL); err == nil {
			c := redis.NewClient(opts)
			pingCtx, cancel := context.WithTimeout(ctx, cfg.RedisConnectTimeout)
			if c.Ping(pingCtx).Err() == nil {
				redisClient = c
			}
			cancel()
		}
	}
	var dedupeStore domain.DedupeStore
	var locker domain.Locker
	if redisClient != nil {
		dedupeStore = dedupe.NewRedisStore(redisClient, tenant)
		locker = lock.NewRedisLocker(redisClient, tenant)
	} else {
		dedupeStore = dedupe.NewMemoryStore()
		locker = lock.NewRedisLocker(nil, tenant)
	}

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

	reqTracker := tracker.New(15 * time.Second)
	eng := engine.New(providerClient, dedupeStore, locker, reqTracker, cat, jobStore, normalizer.Options{
		CDNBaseURL: cfg.KIEResultCDNBaseURL,
		APIBaseURL: cfg.KIEAPIURL,
	})
	eng.DedupeTTL = cfg.GenDedupeTTLSeconds
	eng.PollMaxAttempts = cfg.KIEPollMaxAttempts

	deliveryPipeline := delivery.New(chattransport.New(), deliveryStore, cfg.TelegramSafeUploadBytes, "")
	svc := service.New(eng, deliveryPipeline, gate, cat, jobStore, nil, cfg.IsAdmin)

	opts := engine.Options{
		RequestID:         uuid.NewString(),
		PromptFingerprint: domain.PromptFingerprint(params),
		Timeout:           cfg.JobOverallTimeoutSeconds,
		PollInterval:      cfg.PollIntervalSeconds,
		WaitingTimeout:    cfg.WaitingTimeoutSeconds,
	}
	result, err := svc.Generate(ctx, *userID, *modelID, params, opts)
	if err != nil {
		slog.Error("generation failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("generation delivered", slog.String("task_id", result.TaskID), slog.Any("urls", result.URLs))
}
