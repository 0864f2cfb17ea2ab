package postgres

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/xraph/grove"

	"github.com/xraph/tally/account"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/pricing"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/types"
)

// ==================== Account models ====================

type accountModel struct {
	grove.BaseModel `grove:"table:tally_accounts"`

	ID               string            `grove:"id,pk"`
	Kind             string            `grove:"kind"`
	OwnerID          string            `grove:"owner_id"`
	Currency         string            `grove:"currency"`
	Balance          int64             `grove:"balance"`
	PurchasedCredits int64             `grove:"purchased_credits"`
	Markup           string            `grove:"markup"`
	Metadata         map[string]string `grove:"metadata,type:jsonb"`
	CreatedAt        time.Time         `grove:"created_at"`
	UpdatedAt        time.Time         `grove:"updated_at"`
	Version          int64             `grove:"version"`
}

func toAccountModel(a *account.Account) *accountModel {
	metadata := a.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	return &accountModel{
		ID:               a.ID.String(),
		Kind:             string(a.Kind),
		OwnerID:          a.OwnerID,
		Currency:         a.Currency,
		Balance:          a.Balance,
		PurchasedCredits: a.PurchasedCredits,
		Markup:           a.Markup.String(),
		Metadata:         metadata,
		CreatedAt:        a.CreatedAt,
		UpdatedAt:        a.UpdatedAt,
		Version:          a.Version,
	}
}

func fromAccountModel(m *accountModel) (*account.Account, error) {
	accountID, err := id.ParseAccountID(m.ID)
	if err != nil {
		return nil, err
	}
	markup, err := parseDecimal(m.Markup)
	if err != nil {
		return nil, err
	}
	return &account.Account{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:               accountID,
		Kind:             account.Kind(m.Kind),
		OwnerID:          m.OwnerID,
		Currency:         m.Currency,
		Balance:          m.Balance,
		PurchasedCredits: m.PurchasedCredits,
		Markup:           markup,
		Metadata:         m.Metadata,
		Version:          m.Version,
	}, nil
}

// ==================== Transaction models ====================

type transactionModel struct {
	grove.BaseModel `grove:"table:tally_transactions"`

	Seq          int64     `grove:"seq"`
	ID           string    `grove:"id,pk"`
	AccountID    string    `grove:"account_id"`
	Type         string    `grove:"type"`
	Amount       int64     `grove:"amount"`
	BalanceAfter int64     `grove:"balance_after"`
	Description  string    `grove:"description"`
	ExternalRef  string    `grove:"external_ref"`
	TransferID   *string   `grove:"transfer_id"`
	ActorID      string    `grove:"actor_id"`
	CreatedAt    time.Time `grove:"created_at"`
}

func fromTransactionModel(m *transactionModel) (*account.Transaction, error) {
	txID, err := id.ParseTransactionID(m.ID)
	if err != nil {
		return nil, err
	}
	accountID, err := id.ParseAccountID(m.AccountID)
	if err != nil {
		return nil, err
	}
	var transferID id.TransferID
	if m.TransferID != nil && *m.TransferID != "" {
		if transferID, err = id.ParseTransferID(*m.TransferID); err != nil {
			return nil, err
		}
	}
	return &account.Transaction{
		ID:           txID,
		AccountID:    accountID,
		Type:         account.TxType(m.Type),
		Amount:       m.Amount,
		BalanceAfter: m.BalanceAfter,
		Description:  m.Description,
		ExternalRef:  m.ExternalRef,
		TransferID:   transferID,
		ActorID:      m.ActorID,
		CreatedAt:    m.CreatedAt,
	}, nil
}

// ==================== Subscription models ====================

type subscriptionModel struct {
	grove.BaseModel `grove:"table:tally_subscriptions"`

	ID                     string            `grove:"id,pk"`
	OrganizationID         string            `grove:"organization_id"`
	AccountID              string            `grove:"account_id"`
	PlanID                 string            `grove:"plan_id"`
	Status                 string            `grove:"status"`
	CurrentPeriodStart     *time.Time        `grove:"current_period_start"`
	CurrentPeriodEnd       *time.Time        `grove:"current_period_end"`
	CancelAtPeriodEnd      bool              `grove:"cancel_at_period_end"`
	TrialEnd               *time.Time        `grove:"trial_end"`
	CanceledAt             *time.Time        `grove:"canceled_at"`
	ProviderSubscriptionID string            `grove:"provider_subscription_id"`
	SeatCount              int               `grove:"seat_count"`
	CreditsPerSeat         int64             `grove:"credits_per_seat"`
	Metadata               map[string]string `grove:"metadata,type:jsonb"`
	CreatedAt              time.Time         `grove:"created_at"`
	UpdatedAt              time.Time         `grove:"updated_at"`
}

func toSubscriptionModel(s *subscription.Subscription) *subscriptionModel {
	metadata := s.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	return &subscriptionModel{
		ID:                     s.ID.String(),
		OrganizationID:         s.OrganizationID,
		AccountID:              s.AccountID.String(),
		PlanID:                 s.PlanID,
		Status:                 string(s.Status),
		CurrentPeriodStart:     nullTime(s.CurrentPeriodStart),
		CurrentPeriodEnd:       nullTime(s.CurrentPeriodEnd),
		CancelAtPeriodEnd:      s.CancelAtPeriodEnd,
		TrialEnd:               s.TrialEnd,
		CanceledAt:             s.CanceledAt,
		ProviderSubscriptionID: s.ProviderSubscriptionID,
		SeatCount:              s.SeatCount,
		CreditsPerSeat:         s.CreditsPerSeat,
		Metadata:               metadata,
		CreatedAt:              s.CreatedAt,
		UpdatedAt:              s.UpdatedAt,
	}
}

func fromSubscriptionModel(m *subscriptionModel) (*subscription.Subscription, error) {
	subID, err := id.ParseSubscriptionID(m.ID)
	if err != nil {
		return nil, err
	}
	accountID, err := id.ParseAccountID(m.AccountID)
	if err != nil {
		return nil, err
	}
	return &subscription.Subscription{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:                     subID,
		OrganizationID:         m.OrganizationID,
		AccountID:              accountID,
		PlanID:                 m.PlanID,
		Status:                 subscription.Status(m.Status),
		CurrentPeriodStart:     derefTime(m.CurrentPeriodStart),
		CurrentPeriodEnd:       derefTime(m.CurrentPeriodEnd),
		CancelAtPeriodEnd:      m.CancelAtPeriodEnd,
		TrialEnd:               m.TrialEnd,
		CanceledAt:             m.CanceledAt,
		ProviderSubscriptionID: m.ProviderSubscriptionID,
		SeatCount:              m.SeatCount,
		CreditsPerSeat:         m.CreditsPerSeat,
		Metadata:               m.Metadata,
	}, nil
}

type subscriptionEventModel struct {
	grove.BaseModel `grove:"table:tally_subscription_events"`

	Seq             int64     `grove:"seq"`
	ID              string    `grove:"id,pk"`
	SubscriptionID  string    `grove:"subscription_id"`
	OrganizationID  string    `grove:"organization_id"`
	PrevStatus      string    `grove:"prev_status"`
	NewStatus       string    `grove:"new_status"`
	PrevPlanID      string    `grove:"prev_plan_id"`
	NewPlanID       string    `grove:"new_plan_id"`
	PrevSeatCount   int       `grove:"prev_seat_count"`
	NewSeatCount    int       `grove:"new_seat_count"`
	ProviderEventID string    `grove:"provider_event_id"`
	Reason          string    `grove:"reason"`
	CreatedAt       time.Time `grove:"created_at"`
}

func fromSubscriptionEventModel(m *subscriptionEventModel) (*subscription.Event, error) {
	evtID, err := id.ParseSubscriptionEventID(m.ID)
	if err != nil {
		return nil, err
	}
	subID, err := id.ParseSubscriptionID(m.SubscriptionID)
	if err != nil {
		return nil, err
	}
	return &subscription.Event{
		ID:              evtID,
		SubscriptionID:  subID,
		OrganizationID:  m.OrganizationID,
		PrevStatus:      subscription.Status(m.PrevStatus),
		NewStatus:       subscription.Status(m.NewStatus),
		PrevPlanID:      m.PrevPlanID,
		NewPlanID:       m.NewPlanID,
		PrevSeatCount:   m.PrevSeatCount,
		NewSeatCount:    m.NewSeatCount,
		ProviderEventID: m.ProviderEventID,
		Reason:          m.Reason,
		CreatedAt:       m.CreatedAt,
	}, nil
}

// ==================== Webhook event models ====================

type webhookEventModel struct {
	grove.BaseModel `grove:"table:tally_webhook_events"`

	Provider    string    `grove:"provider,pk"`
	EventID     string    `grove:"event_id,pk"`
	EventType   string    `grove:"event_type"`
	Outcome     string    `grove:"outcome"`
	Detail      string    `grove:"detail"`
	ProcessedAt time.Time `grove:"processed_at"`
}

// ==================== Pricing models ====================

type pricingModel struct {
	grove.BaseModel `grove:"table:tally_pricing_models"`

	ModelID               string    `grove:"model_id,pk"`
	Provider              string    `grove:"provider"`
	Currency              string    `grove:"currency"`
	InputPricePerMillion  string    `grove:"input_price_per_million"`
	OutputPricePerMillion string    `grove:"output_price_per_million"`
	Markup                string    `grove:"markup"`
	UpdatedAt             time.Time `grove:"updated_at"`
}

func toPricingModel(p *pricing.Model) *pricingModel {
	return &pricingModel{
		ModelID:               p.ModelID,
		Provider:              p.Provider,
		Currency:              p.Currency,
		InputPricePerMillion:  p.InputPricePerMillion.String(),
		OutputPricePerMillion: p.OutputPricePerMillion.String(),
		Markup:                p.Markup.String(),
		UpdatedAt:             p.UpdatedAt,
	}
}

func fromPricingModel(m *pricingModel) (*pricing.Model, error) {
	in, err := parseDecimal(m.InputPricePerMillion)
	if err != nil {
		return nil, err
	}
	out, err := parseDecimal(m.OutputPricePerMillion)
	if err != nil {
		return nil, err
	}
	markup, err := parseDecimal(m.Markup)
	if err != nil {
		return nil, err
	}
	return &pricing.Model{
		ModelID:               m.ModelID,
		Provider:              m.Provider,
		Currency:              m.Currency,
		InputPricePerMillion:  in,
		OutputPricePerMillion: out,
		Markup:                markup,
		UpdatedAt:             m.UpdatedAt,
	}, nil
}

// ==================== Helpers ====================

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
