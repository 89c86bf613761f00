// Copyright 2025 Contacts Prism Authors
// SPDX-License-Identifier: Apache-2.0

// prismsyncd is the sync backend daemon for the Contacts-prism application.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mcuteangel/Contacts-prism-sub001/prismsync"
)

type config struct {
	DatabaseURL        string
	JWTSecret          string
	ListenAddr         string
	LogFile            string
	TombstoneRetention time.Duration
}

// loadConfig reads the environment, optionally seeded from a .env file in
// the working directory.
func loadConfig() (*config, error) {
	_ = godotenv.Load() // missing .env is fine

	cfg := &config{
		DatabaseURL:        os.Getenv("PRISM_DATABASE_URL"),
		JWTSecret:          os.Getenv("PRISM_JWT_SECRET"),
		ListenAddr:         os.Getenv("PRISM_LISTEN_ADDR"),
		LogFile:            os.Getenv("PRISM_LOG_FILE"),
		TombstoneRetention: 30 * 24 * time.Hour,
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8787"
	}
	if raw := os.Getenv("PRISM_TOMBSTONE_RETENTION"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid PRISM_TOMBSTONE_RETENTION: %w", err)
		}
		cfg.TombstoneRetention = d
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("PRISM_DATABASE_URL is required")
	}
	return cfg, nil
}

func newLogger(cfg *config) *slog.Logger {
	var out io.Writer = os.Stderr
	if cfg.LogFile != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    50, // MB
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}
	}
	return slog.New(slog.NewJSONHandler(out, nil))
}

func main() {
	root := &cobra.Command{
		Use:           "prismsyncd",
		Short:         "Contacts-prism sync backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), migrateCmd(), tokenCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return fmt.Errorf("PRISM_JWT_SECRET is required")
			}
			logger := newLogger(cfg)
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := prismsync.RunMigrations(ctx, cfg.DatabaseURL); err != nil {
				return err
			}

			pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("failed to create connection pool: %w", err)
			}
			defer pool.Close()

			svcConfig := prismsync.DefaultServiceConfig()
			svcConfig.TombstoneRetention = cfg.TombstoneRetention
			service, err := prismsync.NewSyncService(pool, svcConfig, logger)
			if err != nil {
				return err
			}
			go service.RunTombstoneJanitor(ctx, 24*time.Hour)

			handlers := prismsync.NewHTTPSyncHandlers(service,
				prismsync.NewJWTAuth(cfg.JWTSecret), svcConfig.AppName, logger)
			router := mux.NewRouter()
			handlers.RegisterRoutes(router)

			server := &http.Server{
				Addr:         cfg.ListenAddr,
				Handler:      router,
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 120 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("sync server listening", "addr", cfg.ListenAddr)
				errCh <- server.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
			case <-ctx.Done():
				logger.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					return fmt.Errorf("shutdown failed: %w", err)
				}
			}
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return prismsync.RunMigrations(cmd.Context(), cfg.DatabaseURL)
		},
	}
}

func tokenCmd() *cobra.Command {
	var userID, deviceID string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a device JWT for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("PRISM_JWT_SECRET")
			if secret == "" {
				_ = godotenv.Load()
				secret = os.Getenv("PRISM_JWT_SECRET")
			}
			if secret == "" {
				return fmt.Errorf("PRISM_JWT_SECRET is required")
			}
			token, err := prismsync.NewJWTAuth(secret).GenerateToken(userID, deviceID, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user ID (sub claim)")
	cmd.Flags().StringVar(&deviceID, "device", "", "device ID (did claim)")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("device")
	return cmd
}
