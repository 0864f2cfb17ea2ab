// Package cli implements the tally command line: the HTTP server plus
// operator commands for accounts, pricing and ledger verification.
package cli

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	rootCmd := &cobra.Command{
		Use:           "tally",
		Short:         "Prepaid credit ledger for LLM usage",
		Long:          "tally keeps prepaid credit balances, prices model usage, and reconciles Stripe payments and subscriptions into the ledger.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return readConfig(v)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (yaml, toml or json)")
	flags.String("store", "memory", "store backend: memory or bolt")
	flags.String("bolt-path", "tally.db", "bolt database file")
	flags.String("log-level", "info", "log level: debug, info, warn or error")
	flags.String("log-format", "text", "log format: text or json")
	for key, flag := range map[string]string{
		"config":     "config",
		"store":      "store",
		"bolt_path":  "bolt-path",
		"log_level":  "log-level",
		"log_format": "log-format",
	} {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}

	v.SetEnvPrefix("TALLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	app := &app{v: v}
	rootCmd.AddCommand(
		newServeCmd(app),
		newMigrateCmd(app),
		newAccountCmd(app),
		newBalanceCmd(app),
		newAdjustCmd(app),
		newVerifyCmd(app),
		newPriceCmd(app),
		newPurgeCmd(app),
	)

	return rootCmd
}
