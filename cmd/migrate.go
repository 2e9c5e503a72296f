package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/screener-cli/internal/resilience"
	"github.com/sells-group/screener-cli/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the store schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("migrate"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := migrateStore(ctx, st, migrateRetryConfig()); err != nil {
			return err
		}
		zap.L().Info("migration complete", zap.String("driver", cfg.Store.Driver))
		return nil
	},
}

func migrateRetryConfig() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2,
		JitterFraction: 0.25,
	}
}

// migrateStore applies the schema, retrying while the database is still
// coming up.
func migrateStore(ctx context.Context, st store.Store, rc resilience.RetryConfig) error {
	rc.ShouldRetry = func(err error) bool {
		return resilience.OutcomeOf(err) == resilience.OutcomeRetryable
	}
	rc.OnRetry = resilience.RetryLogger("store", "migrate")
	if err := resilience.Do(ctx, rc, st.Migrate); err != nil {
		return eris.Wrap(err, "migrate store")
	}
	return nil
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
