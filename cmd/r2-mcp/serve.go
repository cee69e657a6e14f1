package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/BypasserThe/radare2-mcp/internal/backend"
	"github.com/BypasserThe/radare2-mcp/internal/cache"
	"github.com/BypasserThe/radare2-mcp/internal/config"
	"github.com/BypasserThe/radare2-mcp/internal/mcp"
	"github.com/BypasserThe/radare2-mcp/internal/metrics"
	"github.com/BypasserThe/radare2-mcp/internal/tools"
	"github.com/BypasserThe/radare2-mcp/internal/watch"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MCP server",
	Long:  `Start the MCP server listening on stdin/stdout for JSON-RPC messages.`,
	RunE:  runServe,
}

var (
	logFile  string
	logLevel string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", `Log file path, "-" for stderr (defaults to ~/.cache/r2-mcp/server.log)`)
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error")
	rootCmd.AddCommand(serveCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if logFile != "" {
		cfg.Logging.File = logFile
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Logs never go to stdout; that is the protocol channel.
	logger, cleanup, err := setupLogging(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer cleanup()

	logger.Info("starting MCP server", "name", cfg.Server.Name, "version", cfg.Server.Version)

	// A vanished client must surface as a write error, not kill the process.
	signal.Ignore(syscall.SIGPIPE)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	r2 := backend.NewR2(cfg.Backend.R2Path, cfg.Backend.Args, logger)
	defer func() {
		if err := r2.Close(); err != nil {
			logger.Warn("radare2 exited uncleanly", "error", err)
		}
	}()

	startErr := r2.Start(ctx)

	if isTerminal(os.Stdin) {
		if startErr != nil {
			return fmt.Errorf("failed to start radare2: %w", startErr)
		}
		fmt.Fprintln(os.Stderr, "r2-mcp speaks MCP over stdin/stdout; launch it from an MCP client.")
		return nil
	}

	if startErr != nil {
		logger.Warn("radare2 not started, retrying on first tool call", "error", startErr)
	}

	handlerOpts := []tools.HandlerOption{
		tools.WithPageSize(cfg.Tools.PageSize),
		tools.WithAllowedPaths(cfg.Tools.AllowedPaths),
	}
	serverOpts := []mcp.Option{
		mcp.WithInstructions(cfg.Server.Instructions),
		mcp.WithPollInterval(cfg.Server.PollInterval),
	}

	if cfg.Cache.RedisURL != "" {
		outputCache, err := cache.NewRedisCache(ctx, cfg.Cache.RedisURL)
		if err != nil {
			logger.Warn("Redis cache unavailable, continuing without cache", "error", err)
		} else {
			defer outputCache.Close()
			handlerOpts = append(handlerOpts, tools.WithCache(outputCache, cache.DisassemblyKey, cfg.CacheTTL()))
		}
	}

	watcher, err := watch.NewFileWatcher(logger)
	if err != nil {
		logger.Warn("file watching disabled", "error", err)
	} else {
		defer watcher.Close()
		handlerOpts = append(handlerOpts, tools.WithWatcher(watcher))
	}

	if cfg.Metrics.Enabled {
		metricsLogger, err := metrics.NewLogger(cfg.Metrics.Path)
		if err != nil {
			logger.Warn("metrics disabled", "path", cfg.Metrics.Path, "error", err)
		} else {
			defer metricsLogger.Close()
			handlerOpts = append(handlerOpts, tools.WithMetrics(metricsLogger))
			serverOpts = append(serverOpts, mcp.WithRecorder(metricsLogger))
		}
	}

	handler := tools.NewHandler(r2, logger, handlerOpts...)
	server := mcp.NewServer(cfg.Server.Name, cfg.Server.Version, handler, logger, serverOpts...)

	err = server.Run(ctx, os.Stdin, os.Stdout)
	switch {
	case err == nil:
		logger.Info("input closed, server stopped")
	case errors.Is(err, context.Canceled):
		logger.Info("server stopped")
	case errors.Is(err, mcp.ErrOutputClosed):
		logger.Info("client disconnected", "error", err)
	default:
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

func setupLogging(cfg config.LoggingConfig) (*slog.Logger, func(), error) {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	var out io.Writer = os.Stderr
	cleanup := func() {}

	if cfg.File != "-" {
		path := cfg.File
		if path == "" {
			path = config.DefaultConfig().Logging.File
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = file
		cleanup = func() { file.Close() }
	}

	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: level,
	}))

	return logger, cleanup, nil
}
