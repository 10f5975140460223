package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"hookdeploy/internal/config"
	"hookdeploy/internal/deployment"
	"hookdeploy/internal/history"
	"hookdeploy/internal/metrics"
	"hookdeploy/internal/notify"
	"hookdeploy/internal/security"
	"hookdeploy/internal/server"
	"hookdeploy/internal/target"
	"hookdeploy/pkg/fileutil"

	"github.com/spf13/cobra"
)

const (
	configFileName = "hookdeploy.yaml"

	// shutdownTimeout bounds the whole drain: HTTP, then in-flight runs.
	shutdownTimeout = 2 * time.Minute
)

var (
	configFile string
	logFile    string
	logLevel   string
	dbPath     string
	host       string
	port       int
	testMode   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server",
	Long: `Start the HTTP server to receive GitHub webhooks and manual deploy requests.

Push events on a target's branch redeploy that target. On SIGINT or SIGTERM the
server stops accepting requests and waits for running deployments to finish.`,
	RunE: runServe,
}

func init() {
	// Flags for serve command
	serveCmd.Flags().StringVarP(&configFile, "config", "c", getEnvOrDefault("HOOKDEPLOY_CONFIG_FILE", ""), "Path to hookdeploy.yaml configuration file")
	serveCmd.Flags().StringVar(&logFile, "log", getEnvOrDefault("HOOKDEPLOY_LOG_FILE", "./hookdeploy.log"), "Path to log file")
	serveCmd.Flags().StringVar(&logLevel, "log-level", getEnvOrDefault("HOOKDEPLOY_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	serveCmd.Flags().StringVar(&dbPath, "db", getEnvOrDefault("HOOKDEPLOY_DB_PATH", "./hookdeploy.db"), "Path to SQLite audit database")
	serveCmd.Flags().StringVar(&host, "host", getEnvOrDefault("HOOKDEPLOY_HOST", "127.0.0.1"), "Host to bind to")
	serveCmd.Flags().IntVarP(&port, "port", "p", getEnvOrDefaultInt("HOOKDEPLOY_PORT", 5000), "Port to listen on")
	serveCmd.Flags().BoolVar(&testMode, "test-mode", os.Getenv("HOOKDEPLOY_TEST_MODE") == "1", "Enable test mode (no rate limiting)")
}

func runServe(cmd *cobra.Command, args []string) error {
	level, err := parseLogLevel(logLevel)
	if err != nil {
		return err
	}

	logger, logFileHandle, err := setupLogging(logFile, level)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer logFileHandle.Close()

	logger.Info("Starting hookdeploy", "version", version)

	cfg, err := loadConfig(configFile)
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		return err
	}
	for _, w := range cfg.Warnings {
		logger.Warn("Configuration warning", "warning", w)
	}
	for _, key := range cfg.Ignored {
		logger.Info("Ignoring non-server key", "key", key)
	}
	logger.Info("Configuration validated successfully", "config", cfg.Path, "targets", len(cfg.Targets))

	if len(cfg.Targets) == 0 {
		logger.Warn("No targets configured in config file", "config", cfg.Path)
		logger.Warn("The server will start but won't handle any deployments until targets are added")
	}

	resolver := target.NewResolver(cfg.Targets)
	m := metrics.New()

	logger.Info("Initializing history database", "db", dbPath)
	hist, err := history.NewHistory(dbPath)
	if err != nil {
		logger.Error("Failed to initialize history database", "error", err)
		return fmt.Errorf("failed to initialize history database: %w", err)
	}
	defer hist.Close()

	notifier, err := notify.FromConfig(cfg.Notifications, logger, m)
	if err != nil {
		logger.Error("Failed to configure notifications", "error", err)
		return fmt.Errorf("failed to configure notifications: %w", err)
	}

	orch := deployment.NewOrchestrator(deployment.Config{
		Resolver: resolver,
		Recorder: hist,
		Notifier: notifier,
		Observer: m,
		Pipeline: pipelineOptions(cfg),
		Logger:   logger,
	})

	srv := server.NewServer(server.Config{
		WebhookSecret: cfg.WebhookSecret,
		APIKey:        cfg.DeployAPIKey,
		Targets:       resolver,
		Deployer:      orch,
		History:       hist,
		Metrics:       m,
		Logger:        logger,
		TestMode:      testMode,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(host, port)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("Server failed", "error", err)
			drain(orch, logger)
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", "error", err)
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Error("Deployments did not finish before the shutdown deadline", "error", err)
	}
	logger.Info("Shutdown complete")
	return nil
}

func drain(orch *deployment.Orchestrator, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := orch.Shutdown(ctx); err != nil {
		logger.Error("Deployments did not finish before the shutdown deadline", "error", err)
	}
}

// loadConfig resolves the config path, loads .env next to it, then the
// YAML document.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		// Search in default locations using pkg/fileutil
		searchPaths := fileutil.DefaultConfigPaths(configFileName)
		path = fileutil.SearchPathsOptional(searchPaths)
		if path == "" {
			fmt.Fprintf(os.Stderr, "Error: No configuration file found in default locations:\n")
			for _, p := range searchPaths {
				fmt.Fprintf(os.Stderr, "  - %s\n", p)
			}
			fmt.Fprintf(os.Stderr, "Use --config flag to specify a custom location\n")
			return nil, fmt.Errorf("configuration file not found")
		}
	}

	for _, envFile := range []string{".env", filepath.Join(filepath.Dir(path), ".env")} {
		if err := config.LoadDotEnv(envFile); err != nil {
			return nil, err
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func pipelineOptions(cfg *config.Config) deployment.PipelineOptions {
	return deployment.PipelineOptions{
		ComposeCommand: cfg.Compose.Command,
		Teardown:       cfg.Compose.Teardown,
		StepTimeout:    cfg.StepTimeout,
		Retry: deployment.RetryPolicy{
			MaxAttempts:     cfg.Retry.MaxAttempts,
			InitialInterval: cfg.Retry.InitialInterval,
			MaxInterval:     cfg.Retry.MaxInterval,
		},
		Secrets: redactedSecrets(cfg),
	}
}

// redactedSecrets lists every credential that must never reach step output,
// logs or notifications.
func redactedSecrets(cfg *config.Config) []string {
	secrets := []string{
		cfg.WebhookSecret,
		cfg.DeployAPIKey,
		cfg.Notifications.Email.Password,
		cfg.Notifications.GitHub.Token,
	}
	for _, d := range cfg.Targets {
		secrets = append(secrets, d.KeyPassphrase)
	}

	out := secrets[:0]
	for _, s := range secrets {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// setupLogging configures slog for file logging
// Returns both the logger and the file handle (caller must close the file)
func setupLogging(logPath string, level slog.Level) (*slog.Logger, *os.File, error) {
	// Creates the log directory if needed
	file, err := security.OpenAppendFile(logPath, security.PermLogFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	// Create multi-writer to log to both file and console
	multiWriter := io.MultiWriter(os.Stdout, file)

	handler := slog.NewJSONHandler(multiWriter, &slog.HandlerOptions{
		Level: level,
	})

	return slog.New(handler), file, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

// Helper functions for environment variables
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
