package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getkayan/kayan-connect/api"
	"github.com/getkayan/kayan-connect/core/audit"
	"github.com/getkayan/kayan-connect/core/cache"
	"github.com/getkayan/kayan-connect/core/config"
	"github.com/getkayan/kayan-connect/core/domain"
	"github.com/getkayan/kayan-connect/core/flow"
	"github.com/getkayan/kayan-connect/core/health"
	"github.com/getkayan/kayan-connect/core/logger"
	"github.com/getkayan/kayan-connect/core/oauth2"
	"github.com/getkayan/kayan-connect/core/qrcode"
	"github.com/getkayan/kayan-connect/core/ratelimit"
	"github.com/getkayan/kayan-connect/core/session"
	"github.com/getkayan/kayan-connect/core/telemetry"
	"github.com/getkayan/kayan-connect/kgorm"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var version = "dev"

const registryChannel = "kayan:registry:invalidate"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger.InitLogger(cfg.LogLevel)
	defer logger.Log.Sync()

	logger.Log.Info("Starting Kayan Connect",
		zap.String("version", version),
		zap.Int("port", cfg.Port),
		zap.String("db_type", cfg.DBType),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.NewProvider(telemetry.Config{
		ServiceName:    "kayan-connect",
		ServiceVersion: version,
		Environment:    "production",
		OTLPEndpoint:   cfg.OTelEndpoint,
		SamplingRate:   1.0,
		Enabled:        cfg.OTelEnabled,
	})
	if err != nil {
		logger.Log.Fatal("failed to initialize telemetry", zap.Error(err))
	}

	repo, err := kgorm.NewStorage(cfg.DBType, cfg.DSN, nil, !cfg.SkipAutoMigrate)
	if err != nil {
		logger.Log.Fatal("failed to initialize repository", zap.Error(err))
	}
	defer repo.Close()

	checks := health.NewManager(version, health.WithTimeout(3*time.Second))
	checks.Register(health.NewPingChecker("database", repo.Ping))

	var (
		store     domain.Cache
		limiter   ratelimit.Limiter
		regOpts   = []oauth2.RegistryOption{oauth2.WithTelemetry(tel)}
		broadcast *cache.RedisBroadcaster
	)
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer client.Close()

		redisCache := cache.NewRedis(client, "")
		store = redisCache
		limiter = ratelimit.NewRedis(client, "")
		broadcast = cache.NewRedisBroadcaster(client, registryChannel)
		regOpts = append(regOpts, oauth2.WithNotifier(broadcast))
		checks.Register(health.NewPingChecker("redis", redisCache.Ping))
	} else {
		mem := cache.NewMemory()
		defer mem.Close()
		store = mem
		limiter = ratelimit.NewMemory()
		logger.Log.Warn("REDIS_ADDR not set, using in-process cache; run a single instance only")
	}

	issuer, err := newIssuer(cfg)
	if err != nil {
		logger.Log.Fatal("failed to initialize token issuer", zap.Error(err))
	}

	auditLog := audit.NewLogger(repo, audit.Hooks{IDGenerator: uuid.NewString})
	registry := oauth2.NewRegistry(repo, regOpts...)
	if broadcast != nil {
		go func() {
			if err := registry.Listen(ctx, broadcast); err != nil && !errors.Is(err, context.Canceled) {
				logger.Log.Error("registry invalidation listener stopped", zap.Error(err))
			}
		}()
	}
	if cfg.RegistryPreload {
		if _, err := registry.Preload(ctx); err != nil {
			logger.Log.Error("failed to preload client registry", zap.Error(err))
		}
	}

	upstream := &http.Client{Timeout: cfg.UpstreamTimeout}
	resolver := flow.NewResolver(registry, flow.DefaultStrategies()...)
	completer := flow.NewCompleter(flow.NewBinder(repo, flow.WithBinderAudit(auditLog)), issuer)
	handoff := flow.NewHandoff(store)

	coordinator := qrcode.NewCoordinator(store, registry,
		qrcode.NewWeChatTicketService(store, cfg.WeChatAPIBaseURL, upstream),
		resolver, completer, handoff,
		qrcode.WithAudit(auditLog),
		qrcode.WithTelemetry(tel),
	)
	dispatcher := qrcode.NewDispatcher(coordinator, cfg.QRCodeWorkers, cfg.QRCodeQueueSize, cfg.QRCodeEventTimeout,
		qrcode.WithDispatcherTelemetry(tel),
	)
	dispatcher.Start(ctx)
	checks.Register(health.NewQueueChecker("scan_queue", dispatcher.Pending, cfg.QRCodeQueueSize))

	authorizer := flow.NewAuthorizationManager(registry,
		oauth2.NewAuthorizationRequestStore(store, cfg.AuthRequestTTL),
		resolver, completer, handoff,
		flow.AuthorizationConfig{
			BaseURL:        cfg.BaseURL,
			HTTPClient:     upstream,
			LoginResultTTL: cfg.LoginResultTTL,
			Audit:          auditLog,
			Telemetry:      tel,
		},
	)

	deps := api.Deps{
		Coordinator: coordinator,
		Dispatcher:  dispatcher,
		Registry:    registry,
		Clients:     repo,
		Authorizer:  authorizer,
		Handoff:     handoff,
		Issuer:      issuer,
		Accounts:    repo,
		Audit:       auditLog,
		Health:      checks,
		RateLimit: ratelimit.Policy{
			Limiter:  limiter,
			Limit:    cfg.RateLimitPerMinute,
			Window:   time.Minute,
			FailOpen: true,
		},
		QRCodeTTLSeconds: cfg.QRCodeTTLSeconds,
		AdminToken:       cfg.AdminToken,
		WebhookToken:     cfg.WebhookToken,
	}
	if cfg.OTelEnabled {
		deps.Metrics = promhttp.Handler()
	}
	if cfg.WebhookToken == "" {
		logger.Log.Warn("WEBHOOK_TOKEN not set, scan event webhook is disabled")
	}
	h := api.NewHandler(deps)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURIPath: true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Log.Info("request",
				zap.String("method", v.Method),
				zap.String("path", v.URIPath),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.Error(v.Error),
			)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	h.RegisterRoutes(e)

	go func() {
		logger.Log.Info("Server is starting", zap.Int("port", cfg.Port))
		if err := e.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Fatal("server failed to start", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error("http shutdown failed", zap.Error(err))
	}
	dispatcher.Stop()
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error("telemetry shutdown failed", zap.Error(err))
	}
}

func newIssuer(cfg *config.Config) (*session.Issuer, error) {
	var (
		issuer *session.Issuer
		err    error
	)
	if cfg.JWTPrivateKeyFile != "" {
		key, kerr := session.LoadRSAPrivateKey(cfg.JWTPrivateKeyFile)
		if kerr != nil {
			return nil, kerr
		}
		issuer, err = session.NewRS256Issuer(key, cfg.JWTKeyID, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	} else {
		issuer, err = session.NewHS256Issuer(cfg.JWTSecret, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	}
	if err != nil {
		return nil, err
	}
	return issuer.WithIssuer(cfg.JWTIssuer), nil
}
