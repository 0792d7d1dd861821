package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/livee/overlay-service/internal/config"
	"github.com/livee/overlay-service/internal/encoder"
	"github.com/livee/overlay-service/internal/metrics"
	"github.com/livee/overlay-service/internal/notify"
	"github.com/livee/overlay-service/internal/portpool"
	"github.com/livee/overlay-service/internal/renderer"
	"github.com/livee/overlay-service/internal/server"
	"github.com/livee/overlay-service/internal/stream"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "overlay-service"
)

// Version is set at build time
var Version = "1.0.0"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:     serviceName,
		Short:   "Render web overlays into raw video streams",
		Version: Version,
		Long: `overlay-service renders a web page in a headless browser and serves
its frames as a raw video stream over TCP, one stream per correlation id.

Streams are started and stopped through the HTTP control API.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath)
		},
	}

	rootCmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the service version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", serviceName, Version)
		},
	})

	return rootCmd
}

func run(parent context.Context, configPath string) error {
	if parent == nil {
		parent = context.Background()
	}

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	app := newApplication(logger)

	// Log service startup
	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", Version),
		slog.String("config_path", configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.String("http_address", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)),
		slog.String("stream_host", cfg.Ports.ListenHost),
		slog.Int("port_min", cfg.Ports.Min),
		slog.Int("port_max", cfg.Ports.Max),
		slog.Int("width", cfg.Capture.Width),
		slog.Int("height", cfg.Capture.Height),
		slog.Int("frame_rate", cfg.Encoder.FrameRate),
		slog.Bool("notifications_enabled", cfg.Notification.Endpoint != ""),
		slog.String("log_level", cfg.Logging.Level),
	)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app.setStatus(statusStarting)

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics(prometheus.DefaultRegisterer)
	logger.Info("Prometheus metrics initialized")

	ports, err := portpool.New(cfg.Ports.ListenHost, cfg.Ports.Min, cfg.Ports.Max)
	if err != nil {
		return fmt.Errorf("failed to create port pool: %w", err)
	}

	launcher := renderer.NewRodLauncher(renderer.RodConfig{
		Bin:       cfg.Browser.Bin,
		Headless:  cfg.Browser.Headless,
		NoSandbox: cfg.Browser.NoSandbox,
		Leakless:  cfg.Browser.Leakless,
	}, logger)

	spawner := encoder.NewExecSpawner(encoder.Config{
		Binary:            cfg.Encoder.Binary,
		FrameRate:         cfg.Encoder.FrameRate,
		InputPixelFormat:  cfg.Encoder.InputPixelFormat,
		OutputPixelFormat: cfg.Encoder.OutputPixelFormat,
		ReadyMarker:       cfg.Encoder.ReadyMarker,
		KillTimeout:       cfg.Encoder.GetKillTimeoutDuration(),
	}, logger)

	deps := stream.Dependencies{
		Launcher: launcher,
		Spawner:  spawner,
		Ports:    ports,
		Metrics:  appMetrics,
	}

	var notifier *notify.Client
	if cfg.Notification.Endpoint != "" {
		notifier, err = notify.NewClient(notify.Config{
			Endpoint:    cfg.Notification.Endpoint,
			Timeout:     cfg.Notification.GetTimeoutDuration(),
			MaxAttempts: cfg.Notification.MaxAttempts,
			BackoffStep: cfg.Notification.GetBackoffStepDuration(),
			UserAgent:   fmt.Sprintf("Overlay-Service/%s", Version),
		}, logger, appMetrics)
		if err != nil {
			return fmt.Errorf("failed to create notification client: %w", err)
		}
		deps.Notifier = notifier
		logger.Info("Stop notifications enabled",
			slog.Int("max_attempts", cfg.Notification.MaxAttempts),
		)
	} else {
		logger.Warn("No notification endpoint configured, stop notifications are disabled")
	}

	// Initialize session manager
	sessionMgr, err := stream.NewManager(logger, stream.SessionConfig{
		Viewport: renderer.Viewport{
			Width:     cfg.Capture.Width,
			Height:    cfg.Capture.Height,
			Landscape: cfg.Capture.Landscape,
		},
		FrameInterval:     cfg.Capture.GetFrameIntervalDuration(),
		DecodeTimeout:     cfg.Capture.GetDecodeTimeoutDuration(),
		LaunchTimeout:     cfg.Capture.GetLaunchTimeoutDuration(),
		StopRetries:       cfg.Stop.Retries,
		StopRetryInterval: cfg.Stop.GetRetryIntervalDuration(),
		CloseGrace:        cfg.Browser.GetCloseGraceDuration(),
	}, deps)
	if err != nil {
		return fmt.Errorf("failed to create session manager: %w", err)
	}
	logger.Info("Session manager initialized")

	// Initialize HTTP API server
	httpServer := server.NewHTTPServer(logger, server.Options{
		Config:   cfg,
		Sessions: sessionMgr,
		Metrics:  appMetrics,
		Gatherer: prometheus.DefaultGatherer,
		Status:   app.Status,
		Version:  Version,
	})

	if err := httpServer.Start(); err != nil {
		app.setStatus(statusStopped)
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	app.setStatus(statusStarted)
	logger.Info("Service started successfully, waiting for signals...")

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case serveErr = <-httpServer.Errors():
		logger.Error("HTTP server failed, shutting down", slog.String("error", serveErr.Error()))
	}

	app.setStatus(statusStopping)
	logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.GetShutdownTimeoutDuration())
	defer shutdownCancel()

	var errs []error

	// Stop HTTP server first (stop accepting new requests)
	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	// Stop every session and wait for pending notifications. In-flight
	// requests may have used up the HTTP budget.
	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.Server.GetShutdownTimeoutDuration())
	defer drainCancel()
	sessionMgr.Shutdown(drainCtx)

	if notifier != nil {
		stats := notifier.GetStats()
		logger.Info("Final notification statistics",
			slog.Uint64("total", stats.TotalNotifications),
			slog.Uint64("delivered", stats.Delivered),
			slog.Uint64("failed", stats.Failed),
		)
		if err := notifier.Close(); err != nil {
			logger.Error("Error closing notification client", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	app.setStatus(statusStopped)
	logger.Info("Service stopped")

	if serveErr != nil {
		errs = append(errs, serveErr)
	}
	return errors.Join(errs...)
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	// Determine output destination
	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler).With(slog.String("service", serviceName))
}
