package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ms-registration/internal/auth"
	"ms-registration/internal/broadcast"
	"ms-registration/internal/capacity"
	capdb "ms-registration/internal/capacity/db"
	capredis "ms-registration/internal/capacity/redis"
	"ms-registration/internal/catalog"
	"ms-registration/internal/comms"
	"ms-registration/internal/config"
	"ms-registration/internal/database"
	"ms-registration/internal/database/migrations"
	"ms-registration/internal/identity"
	"ms-registration/internal/kafka"
	"ms-registration/internal/logger"
	"ms-registration/internal/pass"
	"ms-registration/internal/registration"
	regdb "ms-registration/internal/registration/db"
	"ms-registration/internal/registration/registration_api"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-redis/redis/v8"
	"github.com/uptrace/bun"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logger.NewLogger(logger.Options{Dir: cfg.Log.Dir, Service: "ms-registration", Level: cfg.Log.Level})
	defer logger.Close()

	logger.Info("APP", "Starting Registration Service initialization")
	if err := cfg.Validate(); err != nil {
		logger.Fatal("CONFIG", err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bunDB := openDatabase(ctx, cfg, logger)
	defer bunDB.Close()

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("REDIS", fmt.Sprintf("Redis connection error: %v", err))
		}
		defer redisClient.Close()
		logger.Info("REDIS", fmt.Sprintf("✅ Redis connection successful to %s (DB: %d)", cfg.Redis.Addr, cfg.Redis.DB))
	}

	events := &catalog.DB{Bun: bunDB}
	store := &regdb.DB{Bun: bunDB}

	var ident identity.Provider = &identity.DB{Bun: bunDB}
	var identityCache *identity.Cache
	if redisClient != nil {
		identityCache = identity.NewCache(redisClient, ident, cfg.Redis.CacheTTL, logger)
		ident = identityCache
	}

	ledger := capacity.NewLedger(events, newCounter(ctx, cfg, bunDB, redisClient, store, events, logger), logger)

	// --- Notification sinks ---
	var sinks []broadcast.Sink
	var producer *kafka.Producer
	if cfg.Kafka.Enabled {
		topics := []string{cfg.Kafka.EventsTopic, cfg.Kafka.AlertsTopic}
		if err := kafka.EnsureTopicsExist(cfg.Kafka.Brokers, topics, logger); err != nil {
			logger.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
		}
		producer = kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.EventsTopic, cfg.Kafka.AlertsTopic, logger)
		defer producer.Close()
		ledger.Alerts = producer
		sinks = append(sinks, producer)
		logger.Info("KAFKA", "Kafka producer initialized successfully")
	}
	if cfg.NATS.Enabled {
		nc, err := comms.Connect(cfg.NATS.URL, cfg.NATS.Name, logger)
		if err != nil {
			logger.Fatal("NATS", err.Error())
		}
		defer nc.Drain()
		sinks = append(sinks, comms.NewPublisher(nc, cfg.NATS.SubjectPrefix, logger))
	}

	router := broadcast.NewRouter(ledger, logger, broadcast.Options{
		QueueSize:    cfg.Broadcast.QueueSize,
		InboxSize:    cfg.Broadcast.InboxSize,
		TapQueueSize: cfg.Broadcast.TapQueueSize,
		ReadTimeout:  cfg.Broadcast.SnapshotTimeout,
		Sinks:        sinks,
	})
	defer router.Close()

	svc := registration.NewService(store, ledger, events, ident, router, logger)
	svc.MaxTransitionRetries = cfg.Registration.MaxTransitionRetries
	svc.ReadRetries = cfg.Registration.ReadRetries
	svc.ReadRetryBackoff = cfg.Registration.ReadRetryBackoff
	svc.CompensationTimeout = cfg.Registration.CompensationTimeout
	if producer != nil {
		svc.Alerts = producer
	}

	auditLedger(ctx, svc, events, logger)

	if producer != nil && identityCache != nil {
		consumer := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.IdentityTopic, cfg.Kafka.GroupID, logger)
		defer consumer.Close()
		go consumer.Start(ctx, func(ctx context.Context, msg kafka.UserChanged) error {
			return identityCache.Invalidate(ctx, msg.UserID)
		})
	}

	passes, err := pass.NewIssuer(cfg.Pass.Secret, cfg.Pass.Size)
	if err != nil {
		logger.Fatal("CONFIG", fmt.Sprintf("Pass issuer: %v", err))
	}

	verifier, err := newVerifier(ctx, cfg.Auth)
	if err != nil {
		logger.Fatal("AUTH", err.Error())
	}

	handler := registration_api.NewHandler(svc, router, passes, logger)

	logger.Info("HTTP", "Setting up router and middleware")
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	// --- Public Routes ---
	handler.RegisterPublicRoutes(r)
	logger.Info("ROUTER", "Public occupancy and stream endpoints registered")

	// --- Protected Routes ---
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(verifier, logger))
		r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
		logger.Info("AUTH", fmt.Sprintf("%s middleware applied to protected API routes", cfg.Auth.Mode))

		handler.RegisterRoutes(r)
		logger.Info("ROUTER", "Registration routes registered under /api")
	})

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("HTTP", fmt.Sprintf("🚀 Registration Service running on %s", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP", fmt.Sprintf("HTTP server error: %v", err))
		}
	}()

	logger.Info("APP", "Service started successfully, waiting for shutdown signal")
	<-ctx.Done()

	logger.Info("APP", "Shutdown signal received, initiating graceful shutdown")
	ctxShutdown, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctxShutdown); err != nil {
		logger.Error("HTTP", fmt.Sprintf("Server Shutdown Failed: %v", err))
	} else {
		logger.Info("HTTP", "✅ Registration Service shutdown complete")
	}
}

func openDatabase(ctx context.Context, cfg *config.Config, logger *logger.Logger) *bun.DB {
	bunDB, err := database.Open(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal("DATABASE", err.Error())
	}

	if !cfg.Database.AutoMigrate {
		return bunDB
	}
	if cfg.Database.Driver == "sqlite" {
		if err := database.EnsureSchema(ctx, bunDB); err != nil {
			logger.Fatal("DATABASE", fmt.Sprintf("Failed to create schema: %v", err))
		}
		return bunDB
	}

	runner := migrations.NewRunner(bunDB, logger)
	if err := runner.MigrateUp(); err != nil {
		logger.Fatal("MIGRATION", fmt.Sprintf("Failed to run migrations: %v", err))
	}
	return bunDB
}

// newCounter picks the ledger storage. Redis and memory entries can be
// missing (fresh start, flush, eviction), so both are rebuilt from the
// capacity-holding registrations of published events. Existing entries are
// left as they are.
func newCounter(ctx context.Context, cfg *config.Config, bunDB *bun.DB, redisClient *redis.Client, store *regdb.DB, events *catalog.DB, logger *logger.Logger) capacity.Counter {
	var counter interface {
		capacity.Counter
		capacity.Seeder
	}
	switch cfg.Ledger.Backend {
	case "redis":
		logger.Info("LEDGER", "Using Redis ledger")
		counter = capredis.NewRedis(redisClient)
	case "memory":
		logger.Warn("LEDGER", "Using in-process ledger; counts are rebuilt on every start")
		counter = capacity.NewMemoryCounter()
	default:
		logger.Info("LEDGER", "Using database ledger")
		return &capdb.DB{Bun: bunDB}
	}

	ids, err := events.PublishedEventIDs(ctx)
	if err != nil {
		logger.Fatal("LEDGER", fmt.Sprintf("Failed to list events for seeding: %v", err))
	}
	seeded, err := capacity.Rebuild(ctx, counter, store, ids)
	if err != nil {
		logger.Fatal("LEDGER", fmt.Sprintf("Failed to seed ledger: %v", err))
	}
	logger.Info("LEDGER", fmt.Sprintf("Seeded %d of %d events from stored registrations", seeded, len(ids)))
	return counter
}

// auditLedger reports drift between the ledger and the registration rows of
// every published event. It never repairs the ledger.
func auditLedger(ctx context.Context, svc *registration.Service, events *catalog.DB, logger *logger.Logger) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	ids, err := events.PublishedEventIDs(ctx)
	if err != nil {
		logger.Warn("LEDGER", fmt.Sprintf("Startup audit skipped: %v", err))
		return
	}

	drifted := 0
	for _, id := range ids {
		if _, _, err := svc.Audit(ctx, id); err != nil {
			drifted++
		}
	}
	logger.Info("LEDGER", fmt.Sprintf("Startup audit checked %d events, %d failed", len(ids), drifted))
}

func newVerifier(ctx context.Context, cfg config.AuthConfig) (auth.Verifier, error) {
	if cfg.Mode == "hs256" {
		return auth.NewHMACVerifier(cfg.HMACSecret), nil
	}
	return auth.NewOIDCVerifier(ctx, cfg.OIDCIssuer)
}
