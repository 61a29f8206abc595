package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"

	"github.com/relaygate/relaygate/internal/adminauth"
	"github.com/relaygate/relaygate/internal/audit"
	"github.com/relaygate/relaygate/internal/cache"
	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/connpool"
	"github.com/relaygate/relaygate/internal/credcrypto"
	"github.com/relaygate/relaygate/internal/httpserver"
	"github.com/relaygate/relaygate/internal/keyservice"
	"github.com/relaygate/relaygate/internal/kvstore"
	"github.com/relaygate/relaygate/internal/lock"
	"github.com/relaygate/relaygate/internal/platform"
	"github.com/relaygate/relaygate/internal/pricing"
	"github.com/relaygate/relaygate/internal/relay"
	"github.com/relaygate/relaygate/internal/relayerr"
	"github.com/relaygate/relaygate/internal/scheduler"
	"github.com/relaygate/relaygate/internal/telemetry"
	"github.com/relaygate/relaygate/internal/tokenrefresh"
	"github.com/relaygate/relaygate/internal/usageledger"
	"github.com/relaygate/relaygate/pkg/account"
	"github.com/relaygate/relaygate/pkg/slack"
	"github.com/relaygate/relaygate/pkg/tenantkey"
)

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the appropriate mode (api or sweeper).
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting relaygate",
		"mode", cfg.Mode,
		"listen", cfg.ListenAddr(),
	)

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	deps, err := buildDependencies(cfg, logger, db, rdb)
	if err != nil {
		return fmt.Errorf("building dependencies: %w", err)
	}
	defer deps.connPools.Close(5 * time.Second)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg, deps)
	case "sweeper":
		return runSweeper(ctx, cfg, logger, deps)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// dependencies holds every component wired from config, shared between
// api and sweeper modes.
type dependencies struct {
	box            *credcrypto.Box
	kv             *kvstore.Store
	locks          *lock.Coordinator
	connPools      *connpool.Registry
	refresh        *tokenrefresh.Service
	priceTable     *pricing.Table
	keys           *keyservice.Service
	schedulerStore *scheduler.Store
	sched          *scheduler.Scheduler
	relayEngine    *relay.Relay
	notifier       *slack.Notifier
	usageWriter    *usageledger.Writer
	tenantKeys     *tenantkey.Service
	accounts       *account.Service
}

// buildDependencies constructs every component in dependency order: KV
// store and credential box first (component A and the credential seal
// boundary), then the lock coordinator and token-refresh service
// (C, E), then the pricing table and key/scheduler services (F, G),
// then the relay engine (H) and admin provisioning surface last, since
// both wrap the components built before them.
func buildDependencies(cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client) (*dependencies, error) {
	box, err := credcrypto.New(cfg.EncryptionKey, cfg.EncryptionSalt)
	if err != nil {
		return nil, fmt.Errorf("initializing credential box: %w", err)
	}

	kv := kvstore.New(rdb)
	validationCache := cache.New(cfg.ValidationCacheSize, cfg.ValidationCacheTTL)
	locks := lock.New(kv)
	connPools := connpool.NewRegistry(connpool.Config{
		Size:          cfg.PoolSizePerAccount,
		ReconnectBase: cfg.PoolReconnectBase,
		ReconnectMax:  cfg.PoolReconnectMax,
		ReconnectMax5: cfg.PoolReconnectTries,
	}, logger)

	schedulerStore := scheduler.NewStore(kv, scheduler.StoreConfig{})
	credentialStore := scheduler.NewCredentialStore(schedulerStore, box)

	platforms := map[string]tokenrefresh.PlatformRefresher{}
	if cfg.ClaudeOAuthClientID != "" && cfg.ClaudeOAuthClientSecret != "" {
		platforms["claude"] = tokenrefresh.NewOAuth2Refresher(&oauth2.Config{
			ClientID:     cfg.ClaudeOAuthClientID,
			ClientSecret: cfg.ClaudeOAuthClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.ClaudeOAuthTokenURL},
		})
	} else {
		logger.Info("claude oauth refresh disabled (CLAUDE_OAUTH_CLIENT_ID not set)")
	}

	refresh := tokenrefresh.New(locks, credentialStore, platforms, tokenrefresh.Config{
		LockTTL: cfg.RefreshLockTTL,
		Grace:   cfg.TokenRefreshGrace,
	}, logger)

	priceTable := pricing.NewTable(seedPrices())

	usageWriter := usageledger.NewWriter(db, logger)

	keyStore := keyservice.NewStore(kv)
	rateLimiter := keyservice.NewRateLimiter(kv)
	keys := keyservice.New(keyStore, rateLimiter, validationCache, priceTable, kv, usageWriter, keyservice.Config{
		KeyPrefix:    cfg.KeyPrefix,
		KeyMinLength: cfg.KeyMinLength,
		Salt:         cfg.APIKeySalt,
	}, logger)

	sched := scheduler.New(schedulerStore, scheduler.Config{
		UnauthorizedThreshold: int64(cfg.UnauthorizedThreshold),
		TempErrorThreshold:    int64(cfg.TempErrorThreshold),
		StickySessionTTL:      cfg.StickySessionTTL,
	}, logger)

	notifier := slack.NewNotifier(cfg.SlackBotToken, cfg.SlackAlertChannel, logger)

	relayEngine := relay.New(keys, sched, refresh, connPools, priceTable, notifier, relay.Config{
		ClaudeAPIURL:     cfg.ClaudeAPIURL,
		ClaudeAPIVersion: cfg.ClaudeAPIVersion,
		ClaudeBetaHeader: cfg.ClaudeBetaHeader,
		ProxyTimeout:     cfg.ProxyTimeout,
		MaxRetryAccounts: cfg.MaxRetryAccounts,
	}, logger)

	tenantKeys := tenantkey.NewService(db, kv, tenantkey.Config{
		KeyPrefix: cfg.KeyPrefix,
		Salt:      cfg.APIKeySalt,
	}, logger)
	accounts := account.NewService(db, schedulerStore, box, logger)

	return &dependencies{
		box:            box,
		kv:             kv,
		locks:          locks,
		connPools:      connPools,
		refresh:        refresh,
		priceTable:     priceTable,
		keys:           keys,
		schedulerStore: schedulerStore,
		sched:          sched,
		relayEngine:    relayEngine,
		notifier:       notifier,
		usageWriter:    usageWriter,
		tenantKeys:     tenantKeys,
		accounts:       accounts,
	}, nil
}

// seedPrices is the default pricing table until a loader (out of scope)
// replaces it via Table.Reload. Rates are micro-USD per token.
func seedPrices() map[string]pricing.ModelPrice {
	return map[string]pricing.ModelPrice{
		"claude-opus-4-20250514": {
			InputPerToken: 15_000, OutputPerToken: 75_000,
			CacheCreatePerToken: 18_750, CacheReadPerToken: 1_500,
		},
		"claude-sonnet-4-20250514": {
			InputPerToken: 3_000, OutputPerToken: 15_000,
			CacheCreatePerToken: 3_750, CacheReadPerToken: 300,
		},
		"claude-3-5-haiku-20241022": {
			InputPerToken: 800, OutputPerToken: 4_000,
			CacheCreatePerToken: 1_000, CacheReadPerToken: 80,
		},
	}
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry, deps *dependencies) error {
	auditWriter := audit.NewWriter(db, logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()

	deps.usageWriter.Start(ctx)
	defer deps.usageWriter.Close()

	srv := httpserver.NewServer(cfg, logger, db, rdb, metricsReg,
		deps.keys.Middleware, adminauth.Middleware(cfg.AdminTokens))

	srv.RelayRouter.Post("/messages", relayHandler(deps))

	tenantKeyHandler := tenantkey.NewHandler(logger, auditWriter, deps.tenantKeys)
	srv.AdminRouter.Mount("/tenant-keys", tenantKeyHandler.Routes())

	accountHandler := account.NewHandler(logger, auditWriter, deps.accounts)
	srv.AdminRouter.Mount("/accounts", accountHandler.Routes())

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.ProxyTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// relayHandler extracts the authenticated tenant key from the request
// context (attached by keyservice.Service.Middleware), enforces the
// key's rate/concurrency limits around the relay dispatch, and releases
// the concurrency slot on every exit path.
func relayHandler(deps *dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, ok := keyservice.KeyFromContext(r.Context())
		if !ok {
			httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "missing authenticated api key")
			return
		}

		if err := deps.keys.CheckRateLimit(r.Context(), key); err != nil {
			status := http.StatusTooManyRequests
			code := "rate-limited"
			if c, ok := relayerr.CodeOf(err); ok {
				code = string(c)
			}
			httpserver.RespondError(w, status, code, err.Error())
			return
		}
		defer deps.keys.ReleaseConcurrency(r.Context(), key)

		deps.relayEngine.Handle(w, r, key)
	}
}

// runSweeper periodically disables expired tenant keys, reloads the
// pricing table, and returns every account in the temporary-error state
// to ready (there is no per-account cooldown) — the background half of the system that has no
// inbound HTTP traffic of its own.
func runSweeper(ctx context.Context, cfg *config.Config, logger *slog.Logger, deps *dependencies) error {
	logger.Info("sweeper started")

	keyTicker := time.NewTicker(cfg.KeySweepInterval)
	defer keyTicker.Stop()
	pricingTicker := time.NewTicker(cfg.PricingReloadInterval)
	defer pricingTicker.Stop()
	lockTicker := time.NewTicker(cfg.LockSweepInterval)
	defer lockTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("sweeper stopping")
			return nil

		case <-keyTicker.C:
			n, err := deps.tenantKeys.SweepExpired(ctx)
			if err != nil {
				logger.Error("sweeping expired tenant keys", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("disabled expired tenant keys", "count", n)
			}

		case <-pricingTicker.C:
			// No external pricing-table loader is wired; reloading the
			// seed table keeps this a live no-op seam for one.
			deps.priceTable.Reload(seedPrices())

		case <-lockTicker.C:
			for _, plat := range []string{"claude", "gemini", "openai"} {
				cleared, err := deps.sched.ClearInternalErrors(ctx, plat)
				if err != nil {
					logger.Error("clearing internal errors", "error", err, "platform", plat)
					continue
				}
				if cleared > 0 {
					logger.Info("cleared accounts from temp-error state", "platform", plat, "count", cleared)
				}
			}
			deps.locks.Cleanup()
		}
	}
}
