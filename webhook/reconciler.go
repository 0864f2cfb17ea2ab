package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stripe/stripe-go/v82"

	"github.com/xraph/tally"
	"github.com/xraph/tally/account"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/lock"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/subscription"
)

// Provider is the name dedup records are stored under.
const Provider = "stripe"

// DefaultOrderingGrace is how long an event referencing a not-yet-known
// subscription is retried before it is rejected.
const DefaultOrderingGrace = 10 * time.Minute

// ErrOutOfOrder is returned for an event that arrived before the event
// creating the subscription it refers to. It is transient: the provider
// redelivers and the later attempt succeeds.
var ErrOutOfOrder = errors.New("tally: subscription not known yet, retry later")

// Status is the result of handling one delivery.
type Status string

const (
	StatusProcessed Status = "processed"
	StatusIgnored   Status = "ignored"
	StatusDuplicate Status = "duplicate"
	StatusRejected  Status = "rejected"
)

// Outcome reports how a delivery was handled.
type Outcome struct {
	EventID      string                 `json:"event_id"`
	EventType    string                 `json:"event_type"`
	Status       Status                 `json:"status"`
	Detail       string                 `json:"detail,omitempty"`
	Transactions []*account.Transaction `json:"transactions,omitempty"`
}

// Reconciler applies verified provider events to the ledger.
type Reconciler struct {
	ledger   *tally.Ledger
	verifier Verifier
	machine  *subscription.Machine
	locker   lock.Locker
	logger   *slog.Logger
	grace    time.Duration
	now      func() time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = logger }
}

// WithLocker serializes concurrent deliveries of one event, and of events
// for one subscription, across processes.
func WithLocker(l lock.Locker) Option {
	return func(r *Reconciler) { r.locker = l }
}

// WithOrderingGrace sets how long out-of-order events are retried.
func WithOrderingGrace(d time.Duration) Option {
	return func(r *Reconciler) { r.grace = d }
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		r.now = now
		r.machine = r.machine.WithClock(now)
	}
}

// NewReconciler creates a Reconciler committing through l.
func NewReconciler(l *tally.Ledger, v Verifier, opts ...Option) *Reconciler {
	r := &Reconciler{
		ledger:   l,
		verifier: v,
		machine:  subscription.NewMachine(),
		locker:   lock.NewLocal(),
		logger:   l.Logger(),
		grace:    DefaultOrderingGrace,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle verifies a raw delivery and processes it. A returned error means
// the delivery must be retried, or was not authentic when it wraps
// tally.ErrSignatureInvalid. Permanent failures are recorded and reported
// through the Outcome instead.
func (r *Reconciler) Handle(ctx context.Context, payload []byte, signature string) (*Outcome, error) {
	evt, err := r.verifier.Verify(payload, signature)
	if err != nil {
		r.logger.Warn("webhook verification failed", "error", err)
		return nil, err
	}
	return r.Process(ctx, evt)
}

// Process handles an already verified event.
func (r *Reconciler) Process(ctx context.Context, evt *stripe.Event) (*Outcome, error) {
	start := time.Now()
	out, err := r.process(ctx, evt)
	if err != nil {
		r.logger.Warn("webhook processing failed, provider will retry",
			"event_id", evt.ID,
			"event_type", evt.Type,
			"error", err,
		)
		return nil, err
	}
	r.logger.Info("webhook processed",
		"event_id", out.EventID,
		"event_type", out.EventType,
		"status", out.Status,
		"detail", out.Detail,
	)
	r.ledger.Plugins().EmitWebhookProcessed(ctx, Provider, out.EventType, string(out.Status), time.Since(start))
	return out, nil
}

func (r *Reconciler) process(ctx context.Context, evt *stripe.Event) (*Outcome, error) {
	out := &Outcome{EventID: evt.ID, EventType: string(evt.Type)}
	st := r.ledger.Store()

	if done, err := st.IsEventProcessed(ctx, Provider, evt.ID); err != nil {
		return nil, err
	} else if done {
		out.Status = StatusDuplicate
		return out, nil
	}

	unlock, err := r.locker.Lock(ctx, "event:"+evt.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Another delivery may have finished while this one waited.
	if done, err := st.IsEventProcessed(ctx, Provider, evt.ID); err != nil {
		return nil, err
	} else if done {
		out.Status = StatusDuplicate
		return out, nil
	}

	decoded, err := Decode(evt, r.ledger.Currency())
	if err != nil {
		return r.reject(ctx, evt, out, err)
	}

	if subID := providerSubscription(decoded); subID != "" {
		unlockSub, err := r.locker.Lock(ctx, "subscription:"+subID)
		if err != nil {
			return nil, err
		}
		defer unlockSub()
	}

	b, detail, err := r.dispatch(ctx, evt, decoded)
	if err != nil {
		if tally.IsPermanent(err) {
			return r.reject(ctx, evt, out, err)
		}
		return nil, err
	}

	outcome := store.OutcomeProcessed
	out.Status = StatusProcessed
	if b == nil {
		b = &store.Batch{}
		outcome = store.OutcomeIgnored
		out.Status = StatusIgnored
	}
	out.Detail = detail
	b.Event = r.record(evt, outcome, detail)

	res, err := r.ledger.Commit(ctx, b)
	switch {
	case errors.Is(err, tally.ErrEventProcessed):
		out.Status = StatusDuplicate
		out.Detail = ""
		return out, nil
	case err != nil && tally.IsPermanent(err):
		return r.reject(ctx, evt, out, err)
	case err != nil:
		return nil, err
	}
	for i, tx := range res.Transactions {
		if !res.Duplicate[i] {
			out.Transactions = append(out.Transactions, tx)
		}
	}
	return out, nil
}

// reject records a permanently failing event so the provider stops
// redelivering it.
func (r *Reconciler) reject(ctx context.Context, evt *stripe.Event, out *Outcome, cause error) (*Outcome, error) {
	r.logger.Error("webhook event rejected",
		"event_id", evt.ID,
		"event_type", evt.Type,
		"error", cause,
	)
	b := &store.Batch{Event: r.record(evt, store.OutcomeRejected, cause.Error())}
	if _, err := r.ledger.Commit(ctx, b); err != nil && !errors.Is(err, tally.ErrEventProcessed) {
		return nil, err
	}
	r.ledger.Plugins().EmitWebhookRejected(ctx, Provider, string(evt.Type), evt.ID, cause)
	out.Status = StatusRejected
	out.Detail = cause.Error()
	return out, nil
}

func (r *Reconciler) record(evt *stripe.Event, outcome store.Outcome, detail string) *store.ProcessedEvent {
	return &store.ProcessedEvent{
		Provider:    Provider,
		EventID:     evt.ID,
		EventType:   string(evt.Type),
		Outcome:     outcome,
		Detail:      detail,
		ProcessedAt: r.now(),
	}
}

func providerSubscription(e Event) string {
	switch v := e.(type) {
	case SubscriptionCheckout:
		return v.ProviderSubscriptionID
	case SubscriptionChanged:
		return v.ProviderSubscriptionID
	case SubscriptionCanceled:
		return v.ProviderSubscriptionID
	case InvoicePaid:
		return v.ProviderSubscriptionID
	case InvoiceFailed:
		return v.ProviderSubscriptionID
	}
	return ""
}

// ──────────────────────────────────────────────────
// Dispatch
// ──────────────────────────────────────────────────

// dispatch builds the batch for a decoded event. A nil batch means the
// event is acknowledged without effect; detail says why.
func (r *Reconciler) dispatch(ctx context.Context, evt *stripe.Event, e Event) (*store.Batch, string, error) {
	switch v := e.(type) {
	case PersonalPurchase:
		return r.personalPurchase(ctx, v)
	case OrganizationPurchase:
		return r.organizationPurchase(ctx, v)
	case SubscriptionCheckout:
		return r.subscriptionCheckout(ctx, evt, v)
	case SubscriptionChanged:
		return r.subscriptionChanged(ctx, evt, v)
	case SubscriptionCanceled:
		return r.subscriptionCanceled(ctx, evt, v)
	case InvoicePaid:
		return r.invoicePaid(ctx, evt, v)
	case InvoiceFailed:
		return r.invoiceFailed(ctx, evt, v)
	case Ignored:
		return nil, v.Reason, nil
	}
	return nil, "", fmt.Errorf("%w: unhandled variant %T", tally.ErrMalformedEvent, e)
}

func (r *Reconciler) personalPurchase(ctx context.Context, p PersonalPurchase) (*store.Batch, string, error) {
	acct, err := r.ledger.OpenAccount(ctx, account.KindPersonal, p.UserID, tally.AccountOpts{Currency: p.Amount.Currency})
	if err != nil {
		return nil, "", err
	}
	if acct.Currency != p.Amount.Currency {
		return nil, "", fmt.Errorf("%w: account %s holds %s, purchase is %s",
			tally.ErrCurrencyMismatch, acct.ID, acct.Currency, p.Amount.Currency)
	}
	// Purchased credits only matter to organization cycle resets, so a
	// personal purchase leaves them alone.
	return &store.Batch{Postings: []account.Posting{{
		AccountID:   acct.ID,
		Type:        account.TxPurchase,
		Amount:      p.Amount.Amount,
		ExternalRef: p.Reference,
		Description: packDescription(p.PackID),
	}}}, "personal purchase " + p.Amount.String(), nil
}

func (r *Reconciler) organizationPurchase(ctx context.Context, p OrganizationPurchase) (*store.Batch, string, error) {
	acct, err := r.organization(ctx, p.OrganizationID)
	if err != nil {
		return nil, "", err
	}
	if acct.Currency != p.Amount.Currency {
		return nil, "", fmt.Errorf("%w: account %s holds %s, purchase is %s",
			tally.ErrCurrencyMismatch, acct.ID, acct.Currency, p.Amount.Currency)
	}
	return &store.Batch{Postings: []account.Posting{{
		AccountID:      acct.ID,
		Type:           account.TxPurchase,
		Amount:         p.Amount.Amount,
		PurchasedDelta: p.Amount.Amount,
		ExternalRef:    p.Reference,
		Description:    packDescription(p.PackID),
	}}}, "organization purchase " + p.Amount.String(), nil
}

func (r *Reconciler) subscriptionCheckout(ctx context.Context, evt *stripe.Event, c SubscriptionCheckout) (*store.Batch, string, error) {
	cur, err := r.ledger.Store().GetSubscriptionByProviderID(ctx, c.ProviderSubscriptionID)
	switch {
	case err == nil:
		// The subscription event won the race; fill in what checkout knows.
		if cur.Terminal() {
			return nil, "subscription already canceled", nil
		}
		next, sevt, err := r.machine.Transition(cur, subscription.Input{
			Status:          cur.Status,
			PlanID:          c.PlanID,
			SeatCount:       c.SeatCount,
			CreditsPerSeat:  c.CreditsPerSeat,
			ProviderEventID: evt.ID,
			Reason:          "checkout completed",
		})
		if err != nil {
			return nil, "", err
		}
		if sevt == nil {
			return nil, "subscription already known", nil
		}
		b := &store.Batch{Subscriptions: []subscription.Change{{Subscription: next, Event: sevt}}}
		detail := "subscription updated from checkout"
		if grantTrialCredits(b, cur, next) {
			detail += ", trial credits granted"
		}
		return b, detail, nil
	case !errors.Is(err, tally.ErrSubscriptionNotFound):
		return nil, "", err
	}

	acct, err := r.organization(ctx, c.OrganizationID)
	if err != nil {
		return nil, "", err
	}
	sub := r.machine.Start(c.OrganizationID, acct.ID, c.ProviderSubscriptionID)
	sub.PlanID = c.PlanID
	sub.SeatCount = c.SeatCount
	sub.CreditsPerSeat = c.CreditsPerSeat
	return &store.Batch{Subscriptions: []subscription.Change{{
		Subscription: sub,
		Event:        r.created(sub, evt.ID, "checkout completed"),
		Create:       true,
	}}}, "subscription created", nil
}

func (r *Reconciler) subscriptionChanged(ctx context.Context, evt *stripe.Event, c SubscriptionChanged) (*store.Batch, string, error) {
	cur, create, err := r.subscriptionFor(ctx, evt, c.ProviderSubscriptionID, c.OrganizationID)
	if err != nil {
		return nil, "", err
	}
	if cur.Terminal() {
		return nil, "subscription already canceled", nil
	}

	cancelAtEnd := c.CancelAtPeriodEnd
	next, sevt, err := r.machine.Transition(cur, subscription.Input{
		Status:            c.Status,
		PlanID:            c.PlanID,
		PeriodStart:       c.PeriodStart,
		PeriodEnd:         c.PeriodEnd,
		CancelAtPeriodEnd: &cancelAtEnd,
		TrialEnd:          c.TrialEnd,
		SeatCount:         c.SeatCount,
		CreditsPerSeat:    c.CreditsPerSeat,
		ProviderEventID:   evt.ID,
		Reason:            string(evt.Type),
	})
	if err != nil {
		return nil, "", err
	}
	if sevt == nil && !create {
		return nil, "no subscription change", nil
	}
	if sevt == nil {
		sevt = r.created(next, evt.ID, string(evt.Type))
	}

	b := &store.Batch{Subscriptions: []subscription.Change{{Subscription: next, Event: sevt, Create: create}}}
	detail := fmt.Sprintf("subscription %s -> %s", cur.Status, next.Status)

	if grantTrialCredits(b, cur, next) {
		detail += ", trial credits granted"
	}
	return b, detail, nil
}

// grantTrialCredits front-loads the allotment so a trialing organization
// can use the product before the first invoice. The grant happens when the
// subscription enters trialing with a known allotment, or when the
// allotment becomes known while trialing: checkout and the subscription
// event arrive in either order. The "trial:" ref keeps it to one grant.
func grantTrialCredits(b *store.Batch, cur, next *subscription.Subscription) bool {
	if next.Status != subscription.StatusTrialing || next.Allotment() <= 0 {
		return false
	}
	if cur.Status == subscription.StatusTrialing && cur.Allotment() > 0 {
		return false
	}
	b.Postings = append(b.Postings, account.Posting{
		AccountID:   next.AccountID,
		Type:        account.TxSubscriptionCredit,
		Amount:      next.Allotment(),
		ExternalRef: "trial:" + next.ProviderSubscriptionID,
		Description: "trial credits",
	})
	return true
}

func (r *Reconciler) subscriptionCanceled(ctx context.Context, evt *stripe.Event, c SubscriptionCanceled) (*store.Batch, string, error) {
	cur, err := r.knownSubscription(ctx, evt, c.ProviderSubscriptionID)
	if err != nil {
		return nil, "", err
	}
	if cur.Terminal() {
		return nil, "subscription already canceled", nil
	}
	next, sevt, err := r.machine.Transition(cur, subscription.Input{
		Status:          subscription.StatusCanceled,
		ProviderEventID: evt.ID,
		Reason:          string(evt.Type),
	})
	if err != nil {
		return nil, "", err
	}
	// Granted credits stay spendable; only the status changes.
	return &store.Batch{Subscriptions: []subscription.Change{{Subscription: next, Event: sevt}}},
		"subscription canceled", nil
}

func (r *Reconciler) invoicePaid(ctx context.Context, evt *stripe.Event, inv InvoicePaid) (*store.Batch, string, error) {
	cur, err := r.knownSubscription(ctx, evt, inv.ProviderSubscriptionID)
	if err != nil {
		return nil, "", err
	}
	if cur.Terminal() {
		return nil, "subscription already canceled", nil
	}
	if cur.Status == subscription.StatusTrialing && inv.AmountPaid == 0 {
		return nil, "zero-amount trial invoice", nil
	}

	b := &store.Batch{Resets: []account.Reset{{
		AccountID:   cur.AccountID,
		Allotment:   cur.Allotment(),
		ExternalRef: inv.InvoiceID,
		Description: "subscription cycle " + inv.InvoiceID,
	}}}

	if cur.Status != subscription.StatusActive {
		next, sevt, err := r.machine.Transition(cur, subscription.Input{
			Status:          subscription.StatusActive,
			ProviderEventID: evt.ID,
			Reason:          "invoice paid",
		})
		if err != nil {
			return nil, "", err
		}
		if sevt != nil {
			b.Subscriptions = append(b.Subscriptions, subscription.Change{Subscription: next, Event: sevt})
		}
	}
	return b, fmt.Sprintf("allotment reset to %d seats", cur.SeatCount), nil
}

func (r *Reconciler) invoiceFailed(ctx context.Context, evt *stripe.Event, inv InvoiceFailed) (*store.Batch, string, error) {
	cur, err := r.knownSubscription(ctx, evt, inv.ProviderSubscriptionID)
	if err != nil {
		return nil, "", err
	}
	if cur.Terminal() || cur.Status == subscription.StatusUnpaid {
		return nil, "subscription is " + string(cur.Status), nil
	}
	next, sevt, err := r.machine.Transition(cur, subscription.Input{
		Status:          subscription.StatusPastDue,
		ProviderEventID: evt.ID,
		Reason:          "invoice payment failed",
	})
	if err != nil {
		return nil, "", err
	}
	if sevt == nil {
		return nil, "subscription already past due", nil
	}
	return &store.Batch{Subscriptions: []subscription.Change{{Subscription: next, Event: sevt}}},
		"subscription past due", nil
}

// ──────────────────────────────────────────────────
// Lookups
// ──────────────────────────────────────────────────

func (r *Reconciler) organization(ctx context.Context, organizationID string) (*account.Account, error) {
	acct, err := r.ledger.AccountFor(ctx, account.KindOrganization, organizationID)
	if errors.Is(err, tally.ErrAccountNotFound) {
		return nil, fmt.Errorf("%w: organization %s has no account", tally.ErrReferencedEntityMissing, organizationID)
	}
	return acct, err
}

// subscriptionFor returns the instance for a provider subscription,
// starting a new one when the organization is known from metadata.
func (r *Reconciler) subscriptionFor(ctx context.Context, evt *stripe.Event, providerSubID, organizationID string) (*subscription.Subscription, bool, error) {
	cur, err := r.ledger.Store().GetSubscriptionByProviderID(ctx, providerSubID)
	if err == nil {
		return cur, false, nil
	}
	if !errors.Is(err, tally.ErrSubscriptionNotFound) {
		return nil, false, err
	}
	if organizationID == "" {
		return nil, false, r.missing(evt, providerSubID)
	}
	acct, err := r.organization(ctx, organizationID)
	if err != nil {
		return nil, false, err
	}
	return r.machine.Start(organizationID, acct.ID, providerSubID), true, nil
}

func (r *Reconciler) knownSubscription(ctx context.Context, evt *stripe.Event, providerSubID string) (*subscription.Subscription, error) {
	cur, err := r.ledger.Store().GetSubscriptionByProviderID(ctx, providerSubID)
	if errors.Is(err, tally.ErrSubscriptionNotFound) {
		return nil, r.missing(evt, providerSubID)
	}
	return cur, err
}

// missing reports an unknown subscription: transient while the event is
// young enough for its creating event to still arrive, permanent after.
func (r *Reconciler) missing(evt *stripe.Event, providerSubID string) error {
	created := time.Unix(evt.Created, 0)
	if evt.Created > 0 && r.now().Sub(created) < r.grace {
		return fmt.Errorf("%w: %s", ErrOutOfOrder, providerSubID)
	}
	return fmt.Errorf("%w: subscription %s", tally.ErrReferencedEntityMissing, providerSubID)
}

func (r *Reconciler) created(sub *subscription.Subscription, providerEventID, reason string) *subscription.Event {
	return &subscription.Event{
		ID:              id.NewSubscriptionEventID(),
		SubscriptionID:  sub.ID,
		OrganizationID:  sub.OrganizationID,
		PrevStatus:      subscription.StatusNone,
		NewStatus:       sub.Status,
		NewPlanID:       sub.PlanID,
		NewSeatCount:    sub.SeatCount,
		ProviderEventID: providerEventID,
		Reason:          reason,
		CreatedAt:       r.now(),
	}
}

func packDescription(packID string) string {
	if packID == "" {
		return "credit purchase"
	}
	return "credit pack " + packID
}
