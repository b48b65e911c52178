// Copyright 2025 The TaskMesh Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gorm.io/gorm"

	"github.com/taskmesh/taskmesh/server"
	"github.com/taskmesh/taskmesh/server/task"
)

const version = "0.1.0"

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "taskmeshd",
		Short:         "TaskMesh agent task orchestration server",
		Long:          "taskmeshd runs the TaskMesh engine: multi-tenant agent task orchestration with real-time event distribution over SSE.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String("config", "", "Path to config file")

	rootCmd.AddCommand(newServeCommand())
	return rootCmd
}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().String("addr", ":8080", "Listen address")
	cmd.Flags().Duration("heartbeat-interval", server.DefaultHeartbeatInterval, "SSE heartbeat interval")
	cmd.Flags().Int("queue-size", 64, "Per-connection event queue size")
	cmd.Flags().String("database-dsn", "", "PostgreSQL DSN for durable task persistence (empty disables persistence)")
	cmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")

	viper.BindPFlag("addr", cmd.Flags().Lookup("addr"))
	viper.BindPFlag("heartbeat_interval", cmd.Flags().Lookup("heartbeat-interval"))
	viper.BindPFlag("queue_size", cmd.Flags().Lookup("queue-size"))
	viper.BindPFlag("database.dsn", cmd.Flags().Lookup("database-dsn"))
	viper.BindPFlag("log.level", cmd.Flags().Lookup("log-level"))

	return cmd
}

type config struct {
	Addr              string
	HeartbeatInterval time.Duration
	QueueSize         int
	DatabaseDSN       string
	LogLevel          string
}

func loadConfig(cmd *cobra.Command) (*config, error) {
	viper.SetConfigName("taskmeshd")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("/etc/taskmesh")
	viper.AddConfigPath(".")
	viper.SetEnvPrefix("TASKMESH")
	viper.AutomaticEnv()

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		viper.SetConfigFile(path)
	}
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	return &config{
		Addr:              viper.GetString("addr"),
		HeartbeatInterval: viper.GetDuration("heartbeat_interval"),
		QueueSize:         viper.GetInt("queue_size"),
		DatabaseDSN:       viper.GetString("database.dsn"),
		LogLevel:          viper.GetString("log.level"),
	}, nil
}

func runServe(ctx context.Context, cfg *config) error {
	logger := newLogger(cfg.LogLevel)

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithHeartbeatInterval(cfg.HeartbeatInterval),
		server.WithQueueSize(cfg.QueueSize),
	}

	if cfg.DatabaseDSN != "" {
		db, err := openDatabase(cfg.DatabaseDSN)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		persister, err := task.NewDatabaseStore(task.DatabaseStoreConfig{DB: db, Migrate: true})
		if err != nil {
			return fmt.Errorf("failed to set up persistence: %w", err)
		}
		opts = append(opts, server.WithPersister(persister))
	}

	srv, err := server.New(opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return srv.Start(ctx, cfg.Addr)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// openDatabase dials the configured database. The DSN chooses the backend;
// drivers are registered in driver.go.
func openDatabase(dsn string) (*gorm.DB, error) {
	return gorm.Open(dialectorFor(dsn), &gorm.Config{})
}
