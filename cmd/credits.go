package main

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	creditsUser   string
	creditsAmount float64
)

var creditsCmd = &cobra.Command{
	Use:   "credits",
	Short: "Manage user credit balances",
}

var creditsGrantCmd = &cobra.Command{
	Use:   "grant",
	Short: "Add credits to a user's balance",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !(creditsAmount > 0) || math.IsInf(creditsAmount, 0) {
			return eris.New("--amount must be a finite number > 0")
		}
		env, err := initEnv(cmd.Context(), "credits")
		if err != nil {
			return err
		}
		defer env.Close()

		bal, err := env.Credits.Grant(cmd.Context(), creditsUser, creditsAmount)
		if err != nil {
			return eris.Wrapf(err, "grant credits to %s", creditsUser)
		}
		zap.L().Info("credits granted",
			zap.String("user_id", creditsUser),
			zap.Float64("amount", creditsAmount),
			zap.Float64("balance", bal),
		)
		fmt.Fprintf(cmd.OutOrStdout(), "%s balance: %.2f\n", creditsUser, bal)
		return nil
	},
}

var creditsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print a user's credit balance as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "credits")
		if err != nil {
			return err
		}
		defer env.Close()

		bal, err := env.Credits.Balance(cmd.Context(), creditsUser)
		if err != nil {
			return eris.Wrapf(err, "get balance for %s", creditsUser)
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(bal)
	},
}

var creditsResetCmd = &cobra.Command{
	Use:   "reset-monthly",
	Short: "Zero monthly usage for balances not yet reset this month",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "credits")
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.Credits.ResetMonthly(cmd.Context(), time.Now())
		if err != nil {
			return eris.Wrap(err, "reset monthly usage")
		}
		zap.L().Info("monthly usage reset",
			zap.String("credits_backend", cfg.Credits.Backend),
			zap.Int64("balances", n),
		)
		fmt.Fprintf(cmd.OutOrStdout(), "reset %d balance(s)\n", n)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{creditsGrantCmd, creditsShowCmd} {
		c.Flags().StringVar(&creditsUser, "user", "", "user id (required)")
		_ = c.MarkFlagRequired("user")
	}
	creditsGrantCmd.Flags().Float64Var(&creditsAmount, "amount", 0, "credits to add (required)")
	_ = creditsGrantCmd.MarkFlagRequired("amount")

	creditsCmd.AddCommand(creditsGrantCmd, creditsShowCmd, creditsResetCmd)
	rootCmd.AddCommand(creditsCmd)
}
