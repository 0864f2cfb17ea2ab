package extension

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally/account"
	"github.com/xraph/tally/store/memory"
)

func TestMergePrefersFileValues(t *testing.T) {
	file := Config{Currency: "usd", OrderingGrace: time.Minute}
	prog := Config{
		Currency:       "eur",
		BasePath:       "/billing",
		DisableRoutes:  true,
		WebhookSecret:  "whsec_prog",
		EventRetention: time.Hour,
	}

	got := merge(file, prog)
	assert.Equal(t, "usd", got.Currency)
	assert.Equal(t, "/billing", got.BasePath)
	assert.True(t, got.DisableRoutes)
	assert.Equal(t, "whsec_prog", got.WebhookSecret)
	assert.Equal(t, time.Hour, got.EventRetention)
	assert.Equal(t, time.Minute, got.OrderingGrace)
	assert.Equal(t, DefaultConfig().PricingRefresh, got.PricingRefresh)
	assert.Equal(t, DefaultConfig().WebhookTolerance, got.WebhookTolerance)
}

func TestBuildWithoutWebhookSecret(t *testing.T) {
	e := New(WithStore(memory.New()), WithBasePath("/billing"))
	require.NoError(t, e.Init())
	t.Cleanup(func() { _ = e.ledger.Stop() })

	assert.NotNil(t, e.Ledger())
	assert.Nil(t, e.Reconciler())
	assert.Equal(t, "eur", e.Ledger().Currency())

	require.NoError(t, e.ledger.Start(context.Background()))
	a, err := e.Ledger().OpenAccount(context.Background(), account.KindPersonal, "user_1")
	require.NoError(t, err)

	srv := httptest.NewServer(e.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/billing/v1/accounts/" + a.ID.String() + "/balance")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/billing/webhooks/stripe", "application/json", bytes.NewReader([]byte("{}")))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "webhook route needs a secret")
}

func TestBuildWithWebhookSecret(t *testing.T) {
	e := New(WithStore(memory.New()), WithWebhookSecret("whsec_test"), WithCurrency("USD"))
	require.NoError(t, e.Init())
	t.Cleanup(func() { _ = e.ledger.Stop() })

	assert.NotNil(t, e.Reconciler())
	assert.Equal(t, "usd", e.Ledger().Currency())

	srv := httptest.NewServer(e.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Post(srv.URL+"/tally/webhooks/stripe", "application/json", bytes.NewReader([]byte("{}")))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "unsigned delivery")
}

func TestBuildRejectsBadMarkup(t *testing.T) {
	e := New(WithStore(memory.New()), WithConfig(Config{DefaultMarkup: "lots"}))
	assert.Error(t, e.Init())

	e = New(WithStore(memory.New()), WithConfig(Config{DefaultMarkup: "-1"}))
	assert.Error(t, e.Init())
}

func TestDisableRoutes(t *testing.T) {
	e := New(WithStore(memory.New()), WithDisableRoutes())
	require.NoError(t, e.Init())
	t.Cleanup(func() { _ = e.ledger.Stop() })
	assert.Nil(t, e.Handler())
}
