// Copyright 2025 The syncd Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/privchat/syncd/chatsync"
	"github.com/privchat/syncd/internal/config"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "syncd",
		Short: "Ordered-commit synchronization server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()

	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-url", defaults.GetString("database.url"), "PostgreSQL connection URL")
	cmd.PersistentFlags().String("jwt-secret", "", "JWT signing secret (overrides env)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Int("fanout-workers", defaults.GetInt("fanout.workers"), "Fan-out worker count")
	cmd.PersistentFlags().Int("fanout-queue-size", defaults.GetInt("fanout.queue_size"), "Fan-out queue size")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.url", "database-url")
	bindFlag(cmd, "jwt.secret", "jwt-secret")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "fanout.workers", "fanout-workers")
	bindFlag(cmd, "fanout.queue_size", "fanout-queue-size")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", flag, err))
	}
}

// logFanout is the default sink when no delivery collaborator is wired:
// it logs committed operations so subscribers rely on get_difference.
type logFanout struct {
	logger *slog.Logger
}

func (f *logFanout) DeliverCommit(_ context.Context, commit *chatsync.ServerCommit) error {
	f.logger.Debug("Commit available for delivery",
		"channel_id", commit.ChannelID,
		"channel_type", commit.ChannelType,
		"pts", commit.Pts,
		"server_msg_id", commit.ServerMsgID)
	return nil
}

func runServer(ctx context.Context) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("create pool: %w", err)
	}
	defer pool.Close()

	service, err := chatsync.NewSyncService(pool, &chatsync.ServiceConfig{
		AppName:          "syncd",
		Sink:             &logFanout{logger: logger},
		FanoutWorkers:    cfg.FanoutWorkers,
		FanoutQueueSize:  cfg.FanoutQueueSize,
		MaxPayloadBytes:  cfg.MaxPayloadBytes,
		DefaultPageLimit: cfg.DefaultPageLimit,
		MaxPageLimit:     cfg.MaxPageLimit,
	}, logger)
	if err != nil {
		return fmt.Errorf("create sync service: %w", err)
	}
	defer service.Close()

	jwtAuth := chatsync.NewJWTAuth(cfg.JWTSecret)
	handlers := chatsync.NewHTTPSyncHandlers(service, jwtAuth, logger)

	mux := http.NewServeMux()
	handlers.Register(mux)

	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Sync server listening", "address", cfg.HTTPAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-stop:
		logger.Info("Shutting down", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("Shutting down", "reason", "context canceled")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
