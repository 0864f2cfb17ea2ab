package subscription

import (
	"time"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/types"
)

type Status string

const (
	StatusNone     Status = "none"
	StatusTrialing Status = "trialing"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
	StatusUnpaid   Status = "unpaid"
)

// Subscription is one lifecycle instance of an organization's plan.
// A canceled instance is never revived; re-subscribing starts a new one.
type Subscription struct {
	types.Entity
	ID                     id.SubscriptionID `json:"id"`
	OrganizationID         string            `json:"organization_id"`
	AccountID              id.AccountID      `json:"account_id"`
	PlanID                 string            `json:"plan_id"`
	Status                 Status            `json:"status"`
	CurrentPeriodStart     time.Time         `json:"current_period_start"`
	CurrentPeriodEnd       time.Time         `json:"current_period_end"`
	CancelAtPeriodEnd      bool              `json:"cancel_at_period_end"`
	TrialEnd               *time.Time        `json:"trial_end,omitempty"`
	CanceledAt             *time.Time        `json:"canceled_at,omitempty"`
	ProviderSubscriptionID string            `json:"provider_subscription_id"`
	SeatCount              int               `json:"seat_count"`
	CreditsPerSeat         int64             `json:"credits_per_seat"`
	Metadata               map[string]string `json:"metadata,omitempty"`
}

// Allotment is the subscription credit granted per paid cycle, in millicents.
func (s *Subscription) Allotment() int64 {
	return int64(s.SeatCount) * s.CreditsPerSeat
}

// Terminal reports whether the instance has ended.
func (s *Subscription) Terminal() bool { return s.Status == StatusCanceled }

// Event is an append-only audit record of one transition.
type Event struct {
	ID              id.SubscriptionEventID `json:"id"`
	SubscriptionID  id.SubscriptionID      `json:"subscription_id"`
	OrganizationID  string                 `json:"organization_id"`
	PrevStatus      Status                 `json:"prev_status"`
	NewStatus       Status                 `json:"new_status"`
	PrevPlanID      string                 `json:"prev_plan_id,omitempty"`
	NewPlanID       string                 `json:"new_plan_id,omitempty"`
	PrevSeatCount   int                    `json:"prev_seat_count"`
	NewSeatCount    int                    `json:"new_seat_count"`
	ProviderEventID string                 `json:"provider_event_id,omitempty"`
	Reason          string                 `json:"reason,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
}

// Change is a subscription write together with its audit event.
// Create distinguishes inserting a new instance from updating one.
type Change struct {
	Subscription *Subscription
	Event        *Event
	Create       bool
}
