package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"fleetwatch/internal/config"
	"fleetwatch/internal/database"
	"fleetwatch/internal/logger"
)

func main() {
	var retention time.Duration

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the position log schema",
		Long:  "Creates the position log tables. With --prune-older-than it also deletes events received before the cutoff.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			config.LoadDotEnv()
			log := logger.New(os.Getenv("APP_ENV"), os.Getenv("LOG_LEVEL"))

			dbURL := os.Getenv("DATABASE_URL")
			if dbURL == "" {
				return fmt.Errorf("DATABASE_URL environment variable not set")
			}

			db, err := database.Connect(cmd.Context(), dbURL, log)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := database.Migrate(cmd.Context(), db); err != nil {
				return fmt.Errorf("migrate database: %w", err)
			}
			log.Info().Msg("✅ migration completed")

			if retention > 0 {
				n, err := database.Prune(cmd.Context(), db, time.Now().Add(-retention))
				if err != nil {
					return fmt.Errorf("prune position log: %w", err)
				}
				log.Info().Int64("deleted", n).Dur("retention", retention).Msg("🧹 position log pruned")
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&retention, "prune-older-than", 0, "delete position events older than this (e.g. 720h)")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
