package subscription

import (
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/types"
)

var (
	ErrInvalidTransition    = errors.New("tally: invalid subscription transition")
	ErrSubscriptionNotFound = errors.New("tally: subscription not found")
	ErrSubscriptionExists   = errors.New("tally: subscription already exists")
)

// transitions lists the allowed status moves. Self-transitions of
// non-terminal states are allowed separately: they carry period, plan and
// seat updates.
var transitions = map[Status][]Status{
	StatusNone:     {StatusTrialing, StatusActive, StatusPastDue, StatusCanceled},
	StatusTrialing: {StatusActive, StatusPastDue, StatusCanceled, StatusUnpaid},
	StatusActive:   {StatusPastDue, StatusCanceled, StatusUnpaid},
	StatusPastDue:  {StatusActive, StatusCanceled, StatusUnpaid},
	StatusUnpaid:   {StatusActive, StatusCanceled},
	StatusCanceled: nil,
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to Status) bool {
	if from == StatusCanceled {
		return false
	}
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Input is a provider-observed subscription state. Zero values mean
// "unchanged" for everything except Status.
type Input struct {
	Status            Status
	PlanID            string
	PeriodStart       time.Time
	PeriodEnd         time.Time
	CancelAtPeriodEnd *bool
	TrialEnd          *time.Time
	SeatCount         int
	CreditsPerSeat    int64
	ProviderEventID   string
	Reason            string
}

// Machine applies provider-driven transitions. It is pure: it never
// touches a store and returns the next state for the caller to commit.
type Machine struct {
	now func() time.Time
}

// NewMachine returns a Machine using the wall clock.
func NewMachine() *Machine {
	return &Machine{now: func() time.Time { return time.Now().UTC() }}
}

// WithClock returns a copy of m using now as its clock.
func (m *Machine) WithClock(now func() time.Time) *Machine {
	return &Machine{now: now}
}

// Start creates a fresh instance in StatusNone for an organization.
func (m *Machine) Start(organizationID string, accountID id.AccountID, providerSubscriptionID string) *Subscription {
	return &Subscription{
		Entity:                 types.NewEntityAt(m.now()),
		ID:                     id.NewSubscriptionID(),
		OrganizationID:         organizationID,
		AccountID:              accountID,
		Status:                 StatusNone,
		ProviderSubscriptionID: providerSubscriptionID,
	}
}

// Transition applies in to cur. It returns the updated copy and the audit
// event, or a nil event when nothing observable changed. cur is not
// modified.
func (m *Machine) Transition(cur *Subscription, in Input) (*Subscription, *Event, error) {
	if !CanTransition(cur.Status, in.Status) {
		return nil, nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, in.Status)
	}

	next := *cur
	next.Metadata = cloneMap(cur.Metadata)
	next.Status = in.Status
	if in.PlanID != "" {
		next.PlanID = in.PlanID
	}
	if !in.PeriodStart.IsZero() {
		next.CurrentPeriodStart = in.PeriodStart
	}
	if !in.PeriodEnd.IsZero() {
		next.CurrentPeriodEnd = in.PeriodEnd
	}
	if in.CancelAtPeriodEnd != nil {
		next.CancelAtPeriodEnd = *in.CancelAtPeriodEnd
	}
	if in.TrialEnd != nil {
		t := *in.TrialEnd
		next.TrialEnd = &t
	}
	if in.SeatCount > 0 {
		next.SeatCount = in.SeatCount
	}
	if in.CreditsPerSeat > 0 {
		next.CreditsPerSeat = in.CreditsPerSeat
	}

	now := m.now()
	if next.Status == StatusCanceled && next.CanceledAt == nil {
		next.CanceledAt = &now
	}

	if !changed(cur, &next) {
		return cur, nil, nil
	}
	next.Touch(now)

	evt := &Event{
		ID:              id.NewSubscriptionEventID(),
		SubscriptionID:  next.ID,
		OrganizationID:  next.OrganizationID,
		PrevStatus:      cur.Status,
		NewStatus:       next.Status,
		PrevPlanID:      cur.PlanID,
		NewPlanID:       next.PlanID,
		PrevSeatCount:   cur.SeatCount,
		NewSeatCount:    next.SeatCount,
		ProviderEventID: in.ProviderEventID,
		Reason:          in.Reason,
		CreatedAt:       now,
	}
	return &next, evt, nil
}

func changed(a, b *Subscription) bool {
	return a.Status != b.Status ||
		a.PlanID != b.PlanID ||
		!a.CurrentPeriodStart.Equal(b.CurrentPeriodStart) ||
		!a.CurrentPeriodEnd.Equal(b.CurrentPeriodEnd) ||
		a.CancelAtPeriodEnd != b.CancelAtPeriodEnd ||
		!equalTime(a.TrialEnd, b.TrialEnd) ||
		a.SeatCount != b.SeatCount ||
		a.CreditsPerSeat != b.CreditsPerSeat
}

func equalTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// FromProvider maps a Stripe subscription status onto the local states.
// Unknown statuses report ok=false.
func FromProvider(status string) (s Status, ok bool) {
	switch stripe.SubscriptionStatus(status) {
	case stripe.SubscriptionStatusIncomplete:
		return StatusNone, true
	case stripe.SubscriptionStatusIncompleteExpired:
		return StatusCanceled, true
	case stripe.SubscriptionStatusPaused:
		return StatusPastDue, true
	case stripe.SubscriptionStatusTrialing:
		return StatusTrialing, true
	case stripe.SubscriptionStatusActive:
		return StatusActive, true
	case stripe.SubscriptionStatusPastDue:
		return StatusPastDue, true
	case stripe.SubscriptionStatusCanceled:
		return StatusCanceled, true
	case stripe.SubscriptionStatusUnpaid:
		return StatusUnpaid, true
	}
	return "", false
}
