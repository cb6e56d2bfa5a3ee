package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"wabridge/internal/bus"
	"wabridge/internal/catalog"
	"wabridge/internal/config"
	"wabridge/internal/dispatch"
	"wabridge/internal/domain"
	"wabridge/internal/metrics"
	"wabridge/internal/tracker"
	"wabridge/internal/webhook"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	// Local .env files are a convenience for development setups.
	_ = godotenv.Load()

	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "wabridge",
		Short: "wabridge: WhatsApp Business Cloud to chat-room bridge",
		Long:  "wabridge receives WhatsApp Cloud webhook events, normalizes them into canonical messages, and dispatches outbound messages with delivery tracking.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.wabridge/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(checkCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := config.DefaultConfigPath()
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			return nil
		},
	}
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate config and error catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if _, err := loadCatalog(cfg); err != nil {
				return fmt.Errorf("load catalog: %w", err)
			}
			logger.Info("config ok", "path", cfgPath, "catalog", cfg.Catalog.Path)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("wabridge " + version)
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook server and dispatcher",
		Long:  "Starts the webhook endpoint, the delivery tracker, and the outbound dispatcher. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func loadCatalog(cfg *config.Config) (*catalog.Catalog, error) {
	if cfg.Catalog.Path == "" {
		return catalog.Defaults(), nil
	}
	return catalog.Load(cfg.Catalog.Path)
}

func logLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.General.LogLevel),
	}))

	cat, err := loadCatalog(cfg)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	messageBus := bus.New(100, logger)
	defer messageBus.Close()

	var store tracker.Store
	if cfg.Tracker.DBPath != "" {
		sqlStore, err := tracker.NewSQLiteStore(cfg.Tracker.DBPath, logger)
		if err != nil {
			return fmt.Errorf("message store: %w", err)
		}
		defer sqlStore.Close()
		store = sqlStore
	}

	// Delivery transitions flow to subscribers through the bus.
	notify := func(externalID string, status domain.DeliveryStatus, reason string) {
		messageBus.EmitStatus(bus.StatusEvent{
			ExternalID: externalID,
			Status:     status,
			Reason:     reason,
		})
	}

	trk := tracker.New(tracker.Config{
		PendingHold: time.Duration(cfg.Tracker.PendingHoldSeconds) * time.Second,
		HistorySize: cfg.Tracker.HistorySize,
		Locale:      cfg.General.Locale,
	}, cat, store, notify, logger)

	if err := trk.Restore(ctx); err != nil {
		logger.Warn("cannot restore delivery history", "err", err)
	}
	go trk.Run(ctx)

	dispatcher := dispatch.New(dispatch.Config{
		BaseURL:        cfg.Provider.BaseURL,
		APIVersion:     cfg.Provider.APIVersion,
		PhoneNumberID:  cfg.Provider.PhoneNumberID,
		AccessToken:    cfg.Provider.AccessToken,
		MaxAttempts:    cfg.Send.MaxAttempts,
		RequestTimeout: time.Duration(cfg.Send.RequestTimeoutSeconds) * time.Second,
		RetryBase:      time.Duration(cfg.Send.RetryBaseSeconds) * time.Second,
		RatePerSecond:  cfg.Send.RatePerSecond,
		Burst:          cfg.Send.Burst,
		Locale:         cfg.General.Locale,
	}, trk, cat, logger)

	hook := webhook.New(webhook.Config{
		Path:        cfg.Webhook.Path,
		VerifyToken: cfg.Webhook.VerifyToken,
		AppSecret:   cfg.Webhook.AppSecret,
		DedupeTTL:   time.Duration(cfg.Webhook.DedupeTTLSeconds) * time.Second,
	}, messageBus, trk, logger)
	go hook.Run(ctx)

	mux := http.NewServeMux()
	hook.Register(mux)
	mux.HandleFunc("GET /metrics", metrics.Collector.Handler())

	addr := fmt.Sprintf("%s:%d", cfg.Webhook.Host, cfg.Webhook.Port)
	server := &http.Server{Addr: addr, Handler: mux}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("webhook server listening", "addr", addr, "path", cfg.Webhook.Path)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Attach the built-in room handler. A real room client would relay
	// inbound messages into its rooms; this one logs them and acknowledges
	// reads.
	messageBus.Attach(ctx, &logRoom{ctx: ctx, dispatcher: dispatcher, logger: logger})

	logger.Info("bridge started. Press Ctrl+C to stop.")

	select {
	case err := <-serverErr:
		return fmt.Errorf("webhook server: %w", err)
	case <-ctx.Done():
	}
	logger.Info("shutting down bridge...")

	const shutdownTimeout = 10 * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown timed out, forcing exit", "err", err)
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// logRoom is the built-in room-side collaborator: it logs traffic and marks
// inbound messages as read with the provider.
type logRoom struct {
	ctx        context.Context
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
}

func (r *logRoom) OnInboundMessage(msg domain.CanonicalMessage) {
	r.logger.Info("inbound message",
		"id", msg.ExternalID, "from", msg.Sender, "kind", msg.Kind)
	if err := r.dispatcher.MarkRead(r.ctx, msg.ExternalID); err != nil {
		r.logger.Warn("cannot mark message read", "id", msg.ExternalID, "err", err)
	}
}

func (r *logRoom) OnDeliveryStatusChanged(externalID string, status domain.DeliveryStatus, reason string) {
	r.logger.Info("delivery status",
		"id", externalID, "status", status, "reason", reason)
}
