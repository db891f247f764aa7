package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/skeinproject/skein/pkg/skein/codec"
	"github.com/skeinproject/skein/pkg/skein/o11y"
	skeinotel "github.com/skeinproject/skein/pkg/skein/otel"
	"github.com/skeinproject/skein/pkg/skein/router"
	"github.com/skeinproject/skein/pkg/skein/server"
	"github.com/skeinproject/skein/pkg/skein/session"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve [config-file]",
	Short: "Start the skein server",
	Long: `Start the skein WebSocket server.

An optional TOML configuration file sets the listen address, endpoint
path, default wire format, callback timeout, keep-alive interval and
channel publish policy.

Examples:
  skein serve
  skein serve skein.toml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runServe,
}

var (
	logLevel        string
	enableOtel      bool
	shutdownTimeout = 10 * time.Second
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&logLevel, "log-level", "l", "info", "log level (debug, info, warn, error)")
	serveCmd.Flags().BoolVar(&enableOtel, "otel", false, "enable OpenTelemetry metrics and tracing")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	configPath := ""
	if len(args) > 0 {
		configPath = args[0]
	}
	cfg, err := loadServeConfig(configPath)
	if err != nil {
		return err
	}

	format, err := codec.ParseFormat(cfg.Format)
	if err != nil {
		return err
	}

	logger.Info("Starting skein server",
		zap.String("listen", cfg.Listen),
		zap.String("path", cfg.Path),
		zap.String("default_format", string(format)),
	)

	var obs *o11y.Config
	if enableOtel {
		provider := skeinotel.NewProvider("skein", "0.1.0")
		obs = &o11y.Config{
			MetricsProvider: provider,
			TracingProvider: provider,
			ServiceName:     "skein",
		}
	}

	channelRouter := router.NewRouter(logger, &router.Config{
		IncludePublisher:  cfg.IncludePublisher,
		MaxChannelNameLen: cfg.MaxChannelNameLen,
		Observability:     obs,
	})
	if err := channelRouter.Start(); err != nil {
		return err
	}
	defer channelRouter.Stop()

	sessionConfig := session.NewConfig()
	if cfg.CallbackTimeout.Duration > 0 {
		sessionConfig.WithCallbackTimeout(cfg.CallbackTimeout.Duration)
	}
	if cfg.PingInterval.Duration > 0 {
		sessionConfig.WithPingInterval(cfg.PingInterval.Duration)
	}
	if cfg.QueueSize > 0 {
		sessionConfig.WithQueueSize(cfg.QueueSize)
	}
	if cfg.MaxPendingCallbacks > 0 {
		sessionConfig.WithMaxPendingCallbacks(cfg.MaxPendingCallbacks)
	}

	listener, err := server.NewListenerConfig().
		WithLogger(logger).
		WithRouter(channelRouter).
		WithDefaultFormat(format).
		WithSessionConfig(sessionConfig).
		Build()
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, listener.ServeWebsocket)

	httpServer := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		listener.Shutdown(shutdownCtx)
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

func setupLogger() (*zap.Logger, error) {
	level := logLevel
	if debug {
		level = "debug"
	} else if verbose && level == "info" {
		level = "debug"
	}

	var zapLevel zap.AtomicLevel
	switch strings.ToLower(level) {
	case "debug":
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn", "warning":
		zapLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	config := zap.NewProductionConfig()
	config.Level = zapLevel
	config.Development = debug

	return config.Build()
}
