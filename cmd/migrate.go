package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/prep-cli/internal/store"
)

var migrateDown int

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply (or roll back) database migrations",
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

		if migrateDown > 0 {
			pg, ok := st.(*store.PostgresStore)
			if !ok {
				return eris.Errorf("migrate --down is only supported for postgres, not %s", cfg.Store.Driver)
			}
			if err := pg.MigrateDown(ctx, migrateDown); err != nil {
				return err
			}
			zap.L().Info("migrations rolled back", zap.Int("steps", migrateDown))
			fmt.Fprintf(cmd.OutOrStdout(), "rolled back %d migration(s)\n", migrateDown)
			return nil
		}

		if err := st.Migrate(ctx); err != nil {
			return err
		}
		zap.L().Info("migrations applied", zap.String("driver", cfg.Store.Driver))
		fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
		return nil
	},
}

func init() {
	migrateCmd.Flags().IntVar(&migrateDown, "down", 0, "roll back this many migrations (postgres only)")
	rootCmd.AddCommand(migrateCmd)
}
