package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/prep-cli/internal/config"
	"github.com/sells-group/prep-cli/internal/telemetry"
)

var (
	cfg             *config.Config
	shutdownTracing = func() {}
)

var rootCmd = &cobra.Command{
	Use:           "prep-cli",
	Short:         "Metered meeting-prep research",
	Long:          "Researches the external attendees and companies of a meeting, meters each generation call against the user's credits, and stores a prep note with talking points.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return eris.Wrap(err, "init logger")
		}

		shutdown, err := telemetry.InitTracer(cmd.Context(), cfg.Telemetry)
		if err != nil {
			return eris.Wrap(err, "init tracing")
		}
		shutdownTracing = shutdown

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		shutdownTracing()
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
