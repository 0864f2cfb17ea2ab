package audithook_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/tally"
	"github.com/xraph/tally/account"
	audithook "github.com/xraph/tally/audit_hook"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/store/memory"
	"github.com/xraph/tally/subscription"
)

type memRecorder struct {
	mu     sync.Mutex
	events []*audithook.AuditEvent
}

func (r *memRecorder) Record(_ context.Context, e *audithook.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *memRecorder) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Action)
	}
	return out
}

func TestExtensionRecordsLedgerEvents(t *testing.T) {
	rec := &memRecorder{}
	l := tally.New(memory.New(), tally.WithPlugin(audithook.New(rec)))
	defer l.Stop()
	ctx := context.Background()

	a, err := l.OpenAccount(ctx, account.KindPersonal, "user_1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Credit(ctx, a.ID, tally.EUR(100), tally.CreditOpts{ExternalRef: "pi_1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Debit(ctx, a.ID, tally.EUR(500), tally.DebitOpts{UsageRef: "turn_1"}); !errors.Is(err, tally.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	want := []string{
		audithook.ActionAccountOpened,
		audithook.ActionTransactionRecorded,
		audithook.ActionBalanceInsufficient,
	}
	got := rec.actions()
	if len(got) != len(want) {
		t.Fatalf("actions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("action[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	tx := rec.events[1]
	if tx.Metadata["external_ref"] != "pi_1" || tx.Metadata["amount"] != int64(100_000) {
		t.Errorf("unexpected transaction metadata %v", tx.Metadata)
	}
	if rec.events[2].Outcome != audithook.OutcomeFailure || rec.events[2].ResourceID != a.ID.String() {
		t.Errorf("unexpected refusal event %+v", rec.events[2])
	}
}

func TestSubscriptionActions(t *testing.T) {
	tests := []struct {
		name     string
		evt      subscription.Event
		action   string
		severity string
	}{
		{"created", subscription.Event{PrevStatus: subscription.StatusNone, NewStatus: subscription.StatusNone}, audithook.ActionSubscriptionCreated, audithook.SeverityInfo},
		{"trial", subscription.Event{PrevStatus: subscription.StatusNone, NewStatus: subscription.StatusTrialing}, audithook.ActionSubscriptionTrialing, audithook.SeverityInfo},
		{"activated", subscription.Event{PrevStatus: subscription.StatusTrialing, NewStatus: subscription.StatusActive}, audithook.ActionSubscriptionActivated, audithook.SeverityInfo},
		{"past due", subscription.Event{PrevStatus: subscription.StatusActive, NewStatus: subscription.StatusPastDue}, audithook.ActionSubscriptionPastDue, audithook.SeverityWarning},
		{"unpaid", subscription.Event{PrevStatus: subscription.StatusPastDue, NewStatus: subscription.StatusUnpaid}, audithook.ActionSubscriptionUnpaid, audithook.SeverityError},
		{"plan change", subscription.Event{PrevStatus: subscription.StatusActive, NewStatus: subscription.StatusActive, PrevPlanID: "a", NewPlanID: "b"}, audithook.ActionSubscriptionPlanChange, audithook.SeverityInfo},
		{"canceled", subscription.Event{PrevStatus: subscription.StatusActive, NewStatus: subscription.StatusCanceled}, audithook.ActionSubscriptionCanceled, audithook.SeverityInfo},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &memRecorder{}
			ext := audithook.New(rec)
			sub := &subscription.Subscription{ID: id.NewSubscriptionID(), OrganizationID: "org_1"}
			if err := ext.OnSubscriptionTransitioned(context.Background(), sub, &tt.evt); err != nil {
				t.Fatal(err)
			}
			if len(rec.events) != 1 {
				t.Fatalf("recorded %d events", len(rec.events))
			}
			e := rec.events[0]
			if e.Action != tt.action || e.Severity != tt.severity {
				t.Errorf("got %s/%s, want %s/%s", e.Action, e.Severity, tt.action, tt.severity)
			}
			if e.ResourceID != sub.ID.String() {
				t.Errorf("resource id = %s", e.ResourceID)
			}
		})
	}
}

func TestFilteringAndFailures(t *testing.T) {
	ctx := context.Background()
	rec := &memRecorder{}
	ext := audithook.New(rec, audithook.WithDisabledActions(audithook.ActionAccountOpened))

	_ = ext.OnAccountOpened(ctx, &account.Account{ID: id.NewAccountID()})
	_ = ext.OnPricingRefreshed(ctx, 12, nil)
	_ = ext.OnPricingRefreshed(ctx, 0, errors.New("source down"))
	_ = ext.OnWebhookRejected(ctx, "stripe", "checkout.session.completed", "evt_1", tally.ErrMalformedEvent)

	got := rec.actions()
	if len(got) != 2 || got[0] != audithook.ActionPricingRefresh || got[1] != audithook.ActionWebhookRejected {
		t.Fatalf("actions = %v", got)
	}
	if rec.events[1].Reason != tally.ErrMalformedEvent.Error() {
		t.Errorf("reason = %q", rec.events[1].Reason)
	}

	only := &memRecorder{}
	ext = audithook.New(only, audithook.WithEnabledActions(audithook.ActionWebhookRejected))
	_ = ext.OnPricingRefreshed(ctx, 0, errors.New("source down"))
	if len(only.events) != 0 {
		t.Error("disabled action recorded")
	}

	failing := audithook.RecorderFunc(func(context.Context, *audithook.AuditEvent) error {
		return errors.New("backend down")
	})
	if err := audithook.New(failing).OnWebhookRejected(ctx, "stripe", "x", "evt_2", errors.New("bad")); err != nil {
		t.Errorf("recorder failures must not propagate, got %v", err)
	}
}

type fakeCollection struct {
	docs []any
	err  error
}

func (c *fakeCollection) InsertOne(_ context.Context, doc any, _ ...options.Lister[options.InsertOneOptions]) (*mongo.InsertOneResult, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.docs = append(c.docs, doc)
	return &mongo.InsertOneResult{}, nil
}

func TestMongoRecorder(t *testing.T) {
	col := &fakeCollection{}
	r := audithook.NewMongoRecorder(col)
	evt := &audithook.AuditEvent{Action: audithook.ActionUsageCharged}
	if err := r.Record(context.Background(), evt); err != nil {
		t.Fatal(err)
	}
	if len(col.docs) != 1 || col.docs[0] != evt {
		t.Errorf("docs = %v", col.docs)
	}

	col.err = errors.New("no primary")
	if err := r.Record(context.Background(), evt); err == nil {
		t.Error("expected insert error")
	}
}
