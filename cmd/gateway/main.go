// Package main is the entry point for the generation gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vyrodovalexey/gengw/internal/circuitbreaker"
	"github.com/vyrodovalexey/gengw/internal/config"
	"github.com/vyrodovalexey/gengw/internal/gateway/backend"
	"github.com/vyrodovalexey/gengw/internal/gateway/dispatch"
	"github.com/vyrodovalexey/gengw/internal/gateway/server"
	"github.com/vyrodovalexey/gengw/internal/observability"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		printVersion()
		return
	}

	logger := initLogger(flags)
	defer func() { _ = logger.Sync() }()

	cfg := loadAndValidateConfig(flags.configPath, logger)
	app := initApplication(cfg, logger)

	runGateway(app, logger)
}

// parseFlags parses command line flags.
func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault("GENGW_CONFIG_PATH", "configs/gateway.yaml"),
		"Path to configuration file")
	logLevel := flag.String("log-level", getEnvOrDefault("GENGW_LOG_LEVEL", "info"),
		"Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", getEnvOrDefault("GENGW_LOG_FORMAT", "json"),
		"Log format (json, console)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}
}

// printVersion prints version information and exits.
func printVersion() {
	fmt.Printf("gengw version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// initLogger initializes the logger.
func initLogger(flags cliFlags) observability.Logger {
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  flags.logLevel,
		Format: flags.logFormat,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	observability.SetGlobalLogger(logger)
	return logger
}

// loadAndValidateConfig loads and validates the configuration.
func loadAndValidateConfig(configPath string, logger observability.Logger) *config.GatewayConfig {
	logger.Info("starting gengw",
		observability.String("version", version),
		observability.String("config", configPath),
	)

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", observability.Error(err))
	}

	if err := config.ValidateConfig(cfg); err != nil {
		logger.Fatal("invalid configuration", observability.Error(err))
	}

	imageBackends := 0
	textBackends := 0
	for _, b := range cfg.Backends {
		for _, c := range b.Capabilities {
			switch c {
			case config.CapabilityImage:
				imageBackends++
			case config.CapabilityText:
				textBackends++
			}
		}
	}

	logger.Info("configuration loaded",
		observability.Int("backends", len(cfg.Backends)),
		observability.Int("image_capable", imageBackends),
		observability.Int("text_capable", textBackends),
		observability.Int("model_mappings", len(cfg.Routing.ModelMappings)),
	)

	return cfg
}

// application holds all application components.
type application struct {
	server        *server.Server
	registry      *backend.Registry
	healthManager *backend.HealthManager
	breakers      *circuitbreaker.Registry
	dispatcher    *dispatch.Router
	tracer        *observability.Tracer
	config        *config.GatewayConfig
}

// initApplication initializes all application components.
func initApplication(cfg *config.GatewayConfig, logger observability.Logger) *application {
	tracer := initTracer(cfg, logger)

	healthManager := backend.NewHealthManager(cfg.HealthCheck, backend.WithHealthLogger(logger))

	registry := backend.NewRegistry(
		backend.WithRegistryLogger(logger),
		backend.WithAddHook(healthManager.Watch),
		backend.WithRemoveHook(func(b *backend.Backend) { healthManager.Unwatch(b.Name()) }),
	)
	if err := registry.LoadFromConfig(cfg.Backends); err != nil {
		logger.Fatal("failed to load backends", observability.Error(err))
	}

	breakers := circuitbreaker.NewRegistry(breakerConfig(cfg.CircuitBreaker), logger)

	dispatcher := dispatch.NewRouter(registry, breakers, cfg,
		dispatch.WithRouterLogger(logger),
		dispatch.WithTracer(tracer),
	)

	srv := server.New(cfg, registry, breakers, dispatcher,
		server.WithServerLogger(logger),
	)

	return &application{
		server:        srv,
		registry:      registry,
		healthManager: healthManager,
		breakers:      breakers,
		dispatcher:    dispatcher,
		tracer:        tracer,
		config:        cfg,
	}
}

// breakerConfig maps the gateway configuration onto breaker settings.
func breakerConfig(cfg config.CircuitBreakerConfig) *circuitbreaker.Config {
	return &circuitbreaker.Config{
		MaxFailures:      cfg.MaxFailures,
		FailureRatio:     cfg.FailureRatio,
		MinRequests:      cfg.MinRequests,
		SamplingDuration: cfg.SamplingDuration.Duration(),
		OpenDuration:     cfg.OpenDuration.Duration(),
		BackoffFactor:    cfg.BackoffFactor,
		MaxOpenDuration:  cfg.MaxOpenDuration.Duration(),
		SuccessThreshold: cfg.SuccessThreshold,
	}
}

// initTracer initializes the tracer.
func initTracer(cfg *config.GatewayConfig, logger observability.Logger) *observability.Tracer {
	tracerCfg := observability.TracerConfig{
		ServiceName:  "gengw",
		Enabled:      cfg.Observability.Tracing.Enabled,
		OTLPEndpoint: cfg.Observability.Tracing.OTLPEndpoint,
		SamplingRate: cfg.Observability.Tracing.SamplingRate,
	}
	if cfg.Observability.Tracing.ServiceName != "" {
		tracerCfg.ServiceName = cfg.Observability.Tracing.ServiceName
	}

	tracer, err := observability.NewTracer(tracerCfg)
	if err != nil {
		logger.Fatal("failed to initialize tracer", observability.Error(err))
	}
	return tracer
}

// runGateway runs the gateway and handles shutdown.
func runGateway(app *application, logger observability.Logger) {
	ctx := context.Background()

	app.healthManager.Start(ctx)
	app.dispatcher.Start(ctx)

	go func() {
		if err := app.server.Start(); err != nil {
			logger.Fatal("server failed", observability.Error(err))
		}
	}()

	waitForShutdown(app, logger)
}

// waitForShutdown waits for a shutdown signal and performs graceful
// shutdown.
func waitForShutdown(app *application, logger observability.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", observability.String("signal", sig.String()))

	shutdownTimeout := app.config.Server.ShutdownTimeout.Duration()
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := app.server.Stop(shutdownCtx); err != nil {
		logger.Error("failed to stop server gracefully", observability.Error(err))
	}

	app.dispatcher.Stop()
	app.healthManager.Stop()

	if err := app.registry.Close(); err != nil {
		logger.Error("failed to close backends", observability.Error(err))
	}

	if err := app.tracer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown tracer", observability.Error(err))
	}

	logger.Info("gateway stopped")
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
