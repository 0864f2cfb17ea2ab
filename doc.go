// Package tally is the usage-metering and credit-ledger core for products
// that resell LLM usage.
//
// Tally is designed as a library, not a service. It provides:
//
//   - Token usage pricing with exact decimal math and per-account markup
//   - Atomic, idempotent debits, credits and transfers over prepaid balances
//   - Stripe webhook reconciliation with durable event deduplication
//   - A subscription state machine with per-seat credit allotments
//   - Pluggable audit and metrics hooks
//
// # Quick Start
//
// Create a ledger instance with your preferred store:
//
//	import (
//	    "github.com/xraph/tally"
//	    "github.com/xraph/tally/pricing"
//	    "github.com/xraph/tally/store/bolt"
//	)
//
//	s, err := bolt.Open("tally.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	l := tally.New(s,
//	    tally.WithPricing(pricing.NewResolver(s)),
//	)
//	if err := l.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer l.Stop()
//
// # Core Concepts
//
// Accounts hold a balance for a user or an organization:
//
//	acct, err := l.OpenAccount(ctx, account.KindPersonal, userID)
//
// Usage is priced and debited in one call. A repeated UsageRef returns the
// first receipt instead of charging twice:
//
//	r, err := l.Charge(ctx, tally.Usage{
//	    AccountID:    acct.ID,
//	    ModelID:      "gpt-4o",
//	    InputTokens:  1200,
//	    OutputTokens: 350,
//	    UsageRef:     turnID,
//	})
//
// Payments arrive as Stripe webhooks; see the webhook package.
//
// # Money
//
// All amounts are int64 millicents, thousandths of the currency minor
// unit. EUR(40) is €0.40, or 40,000 millicents. Floating point never holds
// a stored amount.
//
// # Failures
//
// A write that times out or loses its store connection returns an
// *UnknownOutcomeError. Look the receipt up by its Reference with
// LookupReceipt before retrying. Usage and transfer refs are stored
// prefixed; UsageReference and TransferReference build the stored form.
//
// # TypeID
//
// All entities use TypeID for globally unique, type-safe identifiers:
//
//	acct_01h2xcejqtf2nbrexx3vqjhp41  // Account ID
//	txn_01h2xcejqtf2nbrexx3vqjhp41   // Transaction ID
//	sub_01h455vb4pex5vsknk084sn02q   // Subscription ID
package tally
