package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xraph/tally"
	"github.com/xraph/tally/account"
	"github.com/xraph/tally/id"
)

func newMigrateCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the store schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.withLedger(func(l *tally.Ledger) error {
				if err := l.Store().Migrate(cmd.Context()); err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "migrated")
				return nil
			})
		},
	}
}

func newAccountCmd(app *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage accounts",
	}
	cmd.AddCommand(newAccountOpenCmd(app))
	return cmd
}

func newAccountOpenCmd(app *app) *cobra.Command {
	var kind, owner, currency string
	cmd := &cobra.Command{
		Use:   "open",
		Short: "Open an account, or print the existing one",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.withLedger(func(l *tally.Ledger) error {
				a, err := l.OpenAccount(cmd.Context(), account.Kind(kind), owner, tally.AccountOpts{Currency: currency})
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n", a.ID, a.Kind, a.OwnerID, a.BalanceMoney())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(account.KindPersonal), "account kind: personal or organization")
	cmd.Flags().StringVar(&owner, "owner", "", "owner id (user or organization)")
	cmd.Flags().StringVar(&currency, "currency", "", "account currency (default: configured currency)")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newBalanceCmd(app *app) *cobra.Command {
	var kind, owner string
	cmd := &cobra.Command{
		Use:   "balance [account-id]",
		Short: "Print an account balance",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withLedger(func(l *tally.Ledger) error {
				accountID, err := resolveAccount(cmd, l, args, kind, owner)
				if err != nil {
					return err
				}
				a, err := l.GetAccount(cmd.Context(), accountID)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\tbalance %s\tpurchased %s\n",
					a.ID, a.BalanceMoney().FormatPrecise(), a.PurchasedMoney().FormatPrecise())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(account.KindPersonal), "account kind when looking up by owner")
	cmd.Flags().StringVar(&owner, "owner", "", "look the account up by owner id")
	return cmd
}

func newAdjustCmd(app *app) *cobra.Command {
	var amount, reason, actor string
	cmd := &cobra.Command{
		Use:   "adjust <account-id>",
		Short: "Apply an administrative credit or debit",
		Long:  "adjust adds --amount (major units, negative to debit) to an account. Debits are capped at the current balance.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withLedger(func(l *tally.Ledger) error {
				accountID, err := id.ParseAccountID(args[0])
				if err != nil {
					return err
				}
				a, err := l.GetAccount(cmd.Context(), accountID)
				if err != nil {
					return err
				}
				delta, err := tally.ParseMajor(amount, a.Currency)
				if err != nil {
					return err
				}
				r, err := l.AdjustAdmin(cmd.Context(), accountID, delta, reason, actor)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d\tbalance %s\n",
					r.Transaction.ID, r.Transaction.Type, r.Transaction.Amount, r.Balance.FormatPrecise())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&amount, "amount", "", "amount in major units, e.g. 5 or -1.25")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the transaction")
	cmd.Flags().StringVar(&actor, "actor", "cli", "operator id recorded on the transaction")
	_ = cmd.MarkFlagRequired("amount")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func newVerifyCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <account-id>",
		Short: "Check an account's balance against its transaction log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withLedger(func(l *tally.Ledger) error {
				accountID, err := id.ParseAccountID(args[0])
				if err != nil {
					return err
				}
				v, err := l.Verify(cmd.Context(), accountID)
				if err != nil {
					return err
				}
				if !v.OK() {
					return fmt.Errorf("account %s is inconsistent: %s", accountID, strings.Join(v.Problems, "; "))
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\tok\tbalance %d\tsum %d\n", accountID, v.Balance, v.Sum)
				return nil
			})
		},
	}
}

func newPurgeCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete webhook dedup records past the retention window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.withLedger(func(l *tally.Ledger) error {
				n, err := l.PurgeEvents(cmd.Context())
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "purged %d events\n", n)
				return nil
			})
		},
	}
}

func resolveAccount(cmd *cobra.Command, l *tally.Ledger, args []string, kind, owner string) (id.AccountID, error) {
	switch {
	case len(args) == 1:
		return id.ParseAccountID(args[0])
	case owner != "":
		a, err := l.AccountFor(cmd.Context(), account.Kind(kind), owner)
		if err != nil {
			return id.AccountID{}, err
		}
		return a.ID, nil
	}
	return id.AccountID{}, errors.New("an account id or --owner is required")
}
