// Package audithook bridges tally lifecycle events to an audit trail backend.
//
// It defines a local Recorder interface so the billing path never depends
// on a particular audit store. MongoRecorder persists events to a MongoDB
// collection; RecorderFunc adapts anything else.
package audithook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/tally/account"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/plugin"
	"github.com/xraph/tally/pricing"
	"github.com/xraph/tally/subscription"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin                     = (*Extension)(nil)
	_ plugin.OnAccountOpened            = (*Extension)(nil)
	_ plugin.OnTransactionRecorded      = (*Extension)(nil)
	_ plugin.OnInsufficientBalance      = (*Extension)(nil)
	_ plugin.OnUsageCharged             = (*Extension)(nil)
	_ plugin.OnSubscriptionTransitioned = (*Extension)(nil)
	_ plugin.OnWebhookRejected          = (*Extension)(nil)
	_ plugin.OnPricingRefreshed         = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is one entry of the audit trail.
type AuditEvent struct {
	Action     string         `json:"action" bson:"action"`
	Resource   string         `json:"resource" bson:"resource"`
	Category   string         `json:"category" bson:"category"`
	ResourceID string         `json:"resource_id,omitempty" bson:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty" bson:"metadata,omitempty"`
	Outcome    string         `json:"outcome" bson:"outcome"`
	Severity   string         `json:"severity" bson:"severity"`
	Reason     string         `json:"reason,omitempty" bson:"reason,omitempty"`
	Timestamp  time.Time      `json:"timestamp" bson:"timestamp"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension bridges tally lifecycle events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Ledger hooks
// ──────────────────────────────────────────────────

// OnAccountOpened implements plugin.OnAccountOpened.
func (e *Extension) OnAccountOpened(ctx context.Context, a *account.Account) error {
	return e.record(ctx, ActionAccountOpened, SeverityInfo, OutcomeSuccess,
		ResourceAccount, a.ID.String(), CategoryBilling, nil,
		"kind", string(a.Kind),
		"owner_id", a.OwnerID,
		"currency", a.Currency,
	)
}

// OnTransactionRecorded implements plugin.OnTransactionRecorded. Admin
// adjustments are recorded as warnings so they stand out in review.
func (e *Extension) OnTransactionRecorded(ctx context.Context, tx *account.Transaction) error {
	severity := SeverityInfo
	if tx.Type == account.TxAdminCredit || tx.Type == account.TxAdminDebit {
		severity = SeverityWarning
	}
	kv := []any{
		"account_id", tx.AccountID.String(),
		"type", string(tx.Type),
		"amount", tx.Amount,
		"balance_after", tx.BalanceAfter,
	}
	if tx.ExternalRef != "" {
		kv = append(kv, "external_ref", tx.ExternalRef)
	}
	if tx.ActorID != "" {
		kv = append(kv, "actor_id", tx.ActorID)
	}
	if !tx.TransferID.IsNil() {
		kv = append(kv, "transfer_id", tx.TransferID.String())
	}
	return e.record(ctx, ActionTransactionRecorded, severity, OutcomeSuccess,
		ResourceTransaction, tx.ID.String(), CategoryBilling, nil, kv...)
}

// OnInsufficientBalance implements plugin.OnInsufficientBalance.
func (e *Extension) OnInsufficientBalance(ctx context.Context, accountID id.AccountID, requested int64) error {
	return e.record(ctx, ActionBalanceInsufficient, SeverityWarning, OutcomeFailure,
		ResourceAccount, accountID.String(), CategoryUsage, nil,
		"requested", requested,
	)
}

// OnUsageCharged implements plugin.OnUsageCharged.
func (e *Extension) OnUsageCharged(ctx context.Context, accountID id.AccountID, cost *pricing.Cost) error {
	return e.record(ctx, ActionUsageCharged, SeverityInfo, OutcomeSuccess,
		ResourceAccount, accountID.String(), CategoryUsage, nil,
		"model_id", cost.ModelID,
		"input_tokens", cost.InputTokens,
		"output_tokens", cost.OutputTokens,
		"billed", cost.Billed.Amount,
		"currency", cost.Billed.Currency,
	)
}

// ──────────────────────────────────────────────────
// Subscription hooks
// ──────────────────────────────────────────────────

// OnSubscriptionTransitioned implements plugin.OnSubscriptionTransitioned.
func (e *Extension) OnSubscriptionTransitioned(ctx context.Context, sub *subscription.Subscription, evt *subscription.Event) error {
	action, severity := transitionAction(evt)
	kv := []any{
		"organization_id", sub.OrganizationID,
		"prev_status", string(evt.PrevStatus),
		"new_status", string(evt.NewStatus),
		"plan_id", sub.PlanID,
		"seat_count", sub.SeatCount,
	}
	if evt.ProviderEventID != "" {
		kv = append(kv, "provider_event_id", evt.ProviderEventID)
	}
	return e.record(ctx, action, severity, OutcomeSuccess,
		ResourceSubscription, sub.ID.String(), CategorySubscription, nil, kv...)
}

func transitionAction(evt *subscription.Event) (action, severity string) {
	if evt.PrevStatus == evt.NewStatus && evt.PrevPlanID != evt.NewPlanID {
		return ActionSubscriptionPlanChange, SeverityInfo
	}
	switch evt.NewStatus {
	case subscription.StatusTrialing:
		return ActionSubscriptionTrialing, SeverityInfo
	case subscription.StatusActive:
		return ActionSubscriptionActivated, SeverityInfo
	case subscription.StatusPastDue:
		return ActionSubscriptionPastDue, SeverityWarning
	case subscription.StatusUnpaid:
		return ActionSubscriptionUnpaid, SeverityError
	case subscription.StatusCanceled:
		return ActionSubscriptionCanceled, SeverityInfo
	}
	return ActionSubscriptionCreated, SeverityInfo
}

// ──────────────────────────────────────────────────
// Provider hooks
// ──────────────────────────────────────────────────

// OnWebhookRejected implements plugin.OnWebhookRejected.
func (e *Extension) OnWebhookRejected(ctx context.Context, provider, eventType, eventID string, reason error) error {
	return e.record(ctx, ActionWebhookRejected, SeverityError, OutcomeFailure,
		ResourceWebhook, eventID, CategoryIntegration, reason,
		"provider", provider,
		"event_type", eventType,
	)
}

// OnPricingRefreshed implements plugin.OnPricingRefreshed. Only failed
// refreshes are audited.
func (e *Extension) OnPricingRefreshed(ctx context.Context, models int, err error) error {
	if err == nil {
		return nil
	}
	return e.record(ctx, ActionPricingRefresh, SeverityError, OutcomeFailure,
		ResourcePricing, "", CategoryIntegration, err,
		"models", models,
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
		Timestamp:  time.Now().UTC(),
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
