package main

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/prep-cli/internal/cost"
)

var coefficientsCmd = &cobra.Command{
	Use:   "coefficients",
	Short: "Inspect or override the pricing coefficients",
}

// coefficientsView is what `coefficients show` prints.
type coefficientsView struct {
	Effective cost.Coefficients  `yaml:"effective"`
	Degraded  bool               `yaml:"degraded,omitempty"`
	Overrides map[string]float64 `yaml:"overrides"`
}

var coefficientsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective coefficients and stored overrides as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "coefficients")
		if err != nil {
			return err
		}
		defer env.Close()

		overrides, err := env.Store.ListCostCoefficients(ctx)
		if err != nil {
			return eris.Wrap(err, "list coefficients")
		}
		if overrides == nil {
			overrides = map[string]float64{}
		}
		effective, degraded := env.Resolver.Resolve(ctx)

		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		defer enc.Close() //nolint:errcheck
		return enc.Encode(coefficientsView{Effective: effective, Degraded: degraded, Overrides: overrides})
	},
}

var coefficientsSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Store a coefficient override",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		if !slices.Contains(cost.Keys(), key) {
			return eris.Errorf("unknown coefficient %q (valid: %v)", key, cost.Keys())
		}
		value, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return eris.Errorf("coefficient value must be a positive number, got %q", args[1])
		}
		if err := cost.ValidateValue(key, value); err != nil {
			return err
		}

		ctx := cmd.Context()
		env, err := initEnv(ctx, "coefficients")
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Store.SetCostCoefficient(ctx, key, value); err != nil {
			return eris.Wrapf(err, "set coefficient %s", key)
		}
		zap.L().Info("coefficient override stored", zap.String("key", key), zap.Float64("value", value))
		fmt.Fprintf(cmd.OutOrStdout(), "%s = %g\n", key, value)
		return nil
	},
}

func init() {
	coefficientsCmd.AddCommand(coefficientsShowCmd, coefficientsSetCmd)
	rootCmd.AddCommand(coefficientsCmd)
}
