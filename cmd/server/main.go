package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"

	"github.com/asakaida/gatekeeper/internal/entities"
	"github.com/asakaida/gatekeeper/internal/handlers"
	infracache "github.com/asakaida/gatekeeper/internal/infrastructure/cache"
	"github.com/asakaida/gatekeeper/internal/infrastructure/config"
	"github.com/asakaida/gatekeeper/internal/infrastructure/database"
	"github.com/asakaida/gatekeeper/internal/infrastructure/logging"
	"github.com/asakaida/gatekeeper/internal/infrastructure/metrics"
	"github.com/asakaida/gatekeeper/internal/repositories/postgres"
	"github.com/asakaida/gatekeeper/internal/services"
	"github.com/asakaida/gatekeeper/internal/services/authorization"
	"github.com/asakaida/gatekeeper/internal/services/queryfilter"
	"github.com/asakaida/gatekeeper/internal/services/redaction"
	"github.com/asakaida/gatekeeper/pkg/cache"
	"github.com/asakaida/gatekeeper/pkg/cache/memorycache"
	"github.com/asakaida/gatekeeper/pkg/cache/rediscache"
)

const (
	defaultEnv            = "dev"
	redisKeyPrefix        = "gatekeeper:"
	metricsUpdateInterval = 10 * time.Second
	shutdownTimeout       = 30 * time.Second
)

func main() {
	// Get environment from ENV variable or use default
	env := os.Getenv("ENV")
	if env == "" {
		env = defaultEnv
	}

	// Initialize configuration
	if err := config.InitConfig(env); err != nil {
		logrus.Fatalf("Failed to initialize config: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		logrus.Fatalf("Failed to initialize logger: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to database
	pg, err := database.NewPostgres(&cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer pg.Close()

	logger.WithFields(logrus.Fields{
		"user":     cfg.Database.User,
		"host":     cfg.Database.Host,
		"port":     cfg.Database.Port,
		"database": cfg.Database.Database,
	}).Info("Connected to database")

	// Optional migrations at startup
	if path := os.Getenv("MIGRATIONS_PATH"); path != "" {
		if err := pg.RunMigrations(path); err != nil {
			logger.Fatalf("Failed to run migrations: %v", err)
		}
		logger.WithField("path", path).Info("Migrations applied")
	}

	registry, err := entities.DefaultRegistry()
	if err != nil {
		logger.Fatalf("Failed to build subject registry: %v", err)
	}

	backend, err := newCacheBackend(ctx, cfg)
	if err != nil {
		logger.Fatalf("Failed to create ability cache backend: %v", err)
	}
	defer backend.Close()
	logger.WithField("backend", cfg.Cache.Backend).Info("Ability cache ready")

	// Metrics
	collector := metrics.NewCollector()
	collector.SetCache(backend)
	exporter := metrics.NewPrometheusExporter(collector, nil)

	// Initialize repositories
	userRepo := postgres.NewPostgresUserRepository(pg.DB)
	roleRepo := postgres.NewPostgresRoleRepository(pg.DB)
	permissionRepo := postgres.NewPostgresPermissionRepository(pg.DB)

	// Initialize services
	celEngine, err := authorization.NewCELEngine()
	if err != nil {
		logger.Fatalf("Failed to create CEL engine: %v", err)
	}
	abilities := authorization.NewAbilityCache(
		backend,
		userRepo,
		authorization.NewCompiler(celEngine),
		authorization.WithTTL(cfg.Cache.TTL()),
		authorization.WithRecorder(exporter),
		authorization.WithLogger(logger),
	)
	filter := queryfilter.NewFilter(abilities,
		queryfilter.WithLogger(logger),
		queryfilter.WithRecorder(exporter),
	)
	finder := services.NewRecordFinder(pg.DB, registry, filter)
	admin := services.NewAccessAdminService(userRepo, roleRepo, permissionRepo, abilities, logger)
	redactor := redaction.NewRedactor(abilities, registry, logger)

	// Cross-instance invalidation
	var listener *infracache.InvalidationListener
	if cfg.Cache.ListenInvalidations {
		listener = infracache.NewInvalidationListener(abilities, cfg.Database.ConnectionString(), logger)
		if err := listener.Start(ctx); err != nil {
			logger.Fatalf("Failed to start invalidation listener: %v", err)
		}
		defer listener.Stop()
	}

	// Create gRPC server
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(
		logging.UnaryServerInterceptor(logger),
		metrics.UnaryServerInterceptor(collector, exporter),
		redaction.UnaryServerInterceptor(redactor, redaction.RequestField(
			"subject",
			handlers.FullMethod(handlers.AccessServiceName, "Find"),
		)),
	))
	handlers.RegisterAccessServiceServer(grpcServer, handlers.NewAccessHandler(abilities, abilities, finder, logger))
	handlers.RegisterAdminServiceServer(grpcServer, handlers.NewAdminHandler(admin))

	// Start listening
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Fatalf("Failed to listen: %v", err)
	}
	logger.WithField("addr", addr).Info("gRPC server listening")

	serverErrors := make(chan error, 2)
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			serverErrors <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()

	metricsServer := newMetricsServer(fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort))
	go func() {
		logger.WithField("addr", metricsServer.Addr).Info("Metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("metrics server error: %w", err)
		}
	}()
	go updateMetrics(ctx, exporter)

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	select {
	case err := <-serverErrors:
		logger.WithError(err).Error("Server failed")
	case sig := <-sigChan:
		logger.WithField("signal", sig.String()).Info("Initiating graceful shutdown")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		logger.Info("gRPC server stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("Shutdown timeout exceeded, forcing stop")
		grpcServer.Stop()
	}

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Error shutting down metrics server")
	}

	logger.Info("Shutdown complete")
}

// newCacheBackend creates the configured ability cache backend
func newCacheBackend(ctx context.Context, cfg *config.Config) (cache.Cache, error) {
	switch cfg.Cache.Backend {
	case config.CacheBackendRedis:
		return rediscache.New(ctx, rediscache.Config{
			URL:       cfg.Redis.URL,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: redisKeyPrefix,
		})
	case config.CacheBackendMemory:
		return memorycache.New(&memorycache.Config{
			MaxEntries:    cfg.Cache.MaxEntries,
			DefaultTTL:    cfg.Cache.TTL(),
			EnableMetrics: true,
		})
	default:
		return nil, fmt.Errorf("unsupported cache backend %q", cfg.Cache.Backend)
	}
}

func newMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// updateMetrics refreshes gauge metrics until ctx is done
func updateMetrics(ctx context.Context, exporter *metrics.PrometheusExporter) {
	ticker := time.NewTicker(metricsUpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			exporter.Update()
		}
	}
}
