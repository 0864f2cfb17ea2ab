package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/xraph/tally"
	"github.com/xraph/tally/pricing"
)

func newPriceCmd(app *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "price",
		Short: "Manage the model pricing table",
	}
	cmd.AddCommand(newPriceSetCmd(app), newPriceListCmd(app), newPriceQuoteCmd(app))
	return cmd
}

func newPriceSetCmd(app *app) *cobra.Command {
	var provider, currency, input, output, markup string
	cmd := &cobra.Command{
		Use:   "set <model-id>",
		Short: "Create or replace a model's per-million-token prices",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m := &pricing.Model{
				ModelID:  args[0],
				Provider: provider,
				Currency: strings.ToLower(currency),
			}
			var err error
			if m.InputPricePerMillion, err = decimal.NewFromString(input); err != nil {
				return fmt.Errorf("--input %q: %w", input, err)
			}
			if m.OutputPricePerMillion, err = decimal.NewFromString(output); err != nil {
				return fmt.Errorf("--output %q: %w", output, err)
			}
			if markup != "" {
				if m.Markup, err = decimal.NewFromString(markup); err != nil {
					return fmt.Errorf("--markup %q: %w", markup, err)
				}
			}
			return app.withLedger(func(l *tally.Ledger) error {
				if m.Currency == "" {
					m.Currency = l.Currency()
				}
				if err := m.Validate(); err != nil {
					return err
				}
				if err := l.Store().UpsertPricingModel(cmd.Context(), m); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\tin %s\tout %s\t%s\n",
					m.ModelID, m.InputPricePerMillion, m.OutputPricePerMillion, m.Currency)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "model provider, e.g. openai")
	cmd.Flags().StringVar(&currency, "currency", "", "price currency (default: configured currency)")
	cmd.Flags().StringVar(&input, "input", "", "input price per million tokens, major units")
	cmd.Flags().StringVar(&output, "output", "", "output price per million tokens, major units")
	cmd.Flags().StringVar(&markup, "markup", "", "model markup multiplier (default: configured markup)")
	_ = cmd.MarkFlagRequired("input")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func newPriceListCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print the pricing table",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.withLedger(func(l *tally.Ledger) error {
				models, err := l.Store().LoadPricing(cmd.Context())
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintln(tw, "MODEL\tPROVIDER\tCURRENCY\tINPUT/M\tOUTPUT/M\tMARKUP")
				for _, m := range models {
					mk := "-"
					if !m.Markup.IsZero() {
						mk = m.Markup.String()
					}
					_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
						m.ModelID, m.Provider, m.Currency, m.InputPricePerMillion, m.OutputPricePerMillion, mk)
				}
				return tw.Flush()
			})
		},
	}
}

func newPriceQuoteCmd(app *app) *cobra.Command {
	var input, output int64
	cmd := &cobra.Command{
		Use:   "quote <model-id>",
		Short: "Price a model call without charging anyone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withLedger(func(l *tally.Ledger) error {
				if err := l.RefreshPricing(cmd.Context()); err != nil {
					return err
				}
				c, err := l.Resolver().Resolve(args[0], input, output)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\tbase %s\tbilled %s\tmarkup %s\n",
					c.ModelID, c.Base.FormatPrecise(), c.Billed.FormatPrecise(), c.Markup)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&input, "input", 0, "input tokens")
	cmd.Flags().Int64Var(&output, "output", 0, "output tokens")
	return cmd
}
