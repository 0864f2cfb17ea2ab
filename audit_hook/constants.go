package audithook

// Action constants for audit events.
const (
	// Account actions
	ActionAccountOpened = "account.opened"

	// Transaction actions
	ActionTransactionRecorded = "transaction.recorded"
	ActionBalanceInsufficient = "balance.insufficient"
	ActionUsageCharged        = "usage.charged"

	// Subscription actions
	ActionSubscriptionCreated    = "subscription.created"
	ActionSubscriptionTrialing   = "subscription.trialing"
	ActionSubscriptionActivated  = "subscription.activated"
	ActionSubscriptionPastDue    = "subscription.past_due"
	ActionSubscriptionUnpaid     = "subscription.unpaid"
	ActionSubscriptionCanceled   = "subscription.canceled"
	ActionSubscriptionPlanChange = "subscription.plan_changed"

	// Provider actions
	ActionWebhookRejected = "webhook.rejected"
	ActionPricingRefresh  = "pricing.refresh_failed"
)

// Resource constants for audit events.
const (
	ResourceAccount      = "account"
	ResourceTransaction  = "transaction"
	ResourceSubscription = "subscription"
	ResourceWebhook      = "webhook"
	ResourcePricing      = "pricing"
)

// Category constants for audit events.
const (
	CategoryBilling      = "billing"
	CategorySubscription = "subscription"
	CategoryUsage        = "usage"
	CategoryIntegration  = "integration"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)
