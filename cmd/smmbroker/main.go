package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/auth"
	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/config"
	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/db"
)

func main() {
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "smmbroker",
		Short:         "Chat-driven reseller for SMM panel services",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newTokenCmd())
	return rootCmd
}

func newServeCmd() *cobra.Command {
	var (
		address     string
		databaseURI string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat API and the order status worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New()
			if err != nil {
				return err
			}
			if address != "" {
				cfg.RunAddress = address
			}
			if databaseURI != "" {
				cfg.DatabaseURI = databaseURI
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger, err := newLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer func() {
				_ = logger.Sync()
				if r := recover(); r != nil {
					logger.Fatal("unexpected shutdown", zap.Any("panic", r))
				}
			}()
			return serve(cmd.Context(), cfg, logger)
		},
	}
	cmd.Flags().StringVarP(&address, "address", "a", "", "listen address, overrides RUN_ADDRESS")
	cmd.Flags().StringVarP(&databaseURI, "database", "d", "", "postgres URI, overrides DATABASE_URI")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New()
			if err != nil {
				return err
			}
			if cfg.DatabaseURI == "" {
				return errors.New("DATABASE_URI is required")
			}
			dbConn, err := db.Init(cfg.DatabaseURI)
			if err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			defer dbConn.Close()
			if err := db.Migrate(dbConn); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			return nil
		},
	}
}

// newTokenCmd mints the bearer token the chat adapter sends with every request.
func newTokenCmd() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API token for the chat adapter",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New()
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return errors.New("JWT_SECRET is required")
			}
			token, err := auth.NewIssuer(cfg.JWTSecret).Generate(subject, ttl)
			if err != nil {
				return fmt.Errorf("sign token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "chat-adapter", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 365*24*time.Hour, "token lifetime")
	return cmd
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse LOG_LEVEL: %w", err)
	}
	zcfg := zap.NewProductionConfig()
	if lvl == zapcore.DebugLevel {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := zcfg.Build()
	if err != nil {
		log.Printf("failed to build logger: %v", err)
		return nil, err
	}
	return logger, nil
}
