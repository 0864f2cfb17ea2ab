package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally"
	"github.com/xraph/tally/account"
	"github.com/xraph/tally/api"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/pricing"
	"github.com/xraph/tally/store/memory"
)

func newServer(t *testing.T) (*tally.Ledger, *httptest.Server) {
	t.Helper()
	model := &pricing.Model{
		ModelID:               "gpt-4o",
		Provider:              "openai",
		Currency:              "eur",
		InputPricePerMillion:  decimal.RequireFromString("2.50"),
		OutputPricePerMillion: decimal.RequireFromString("10"),
		Markup:                decimal.NewFromInt(1),
	}
	l := tally.New(memory.New(), tally.WithPricing(pricing.NewResolver(nil, pricing.WithModels(model))))
	t.Cleanup(func() { _ = l.Stop() })

	mux := http.NewServeMux()
	api.NewHandler(l).RegisterRoutes(mux, "/tally/")
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return l, srv
}

func do(t *testing.T, method, url, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestAccountRoutes(t *testing.T) {
	l, srv := newServer(t)
	base := srv.URL + "/tally/v1"

	status, body := do(t, http.MethodPost, base+"/accounts", `{"kind":"personal","owner_id":"user_1"}`)
	require.Equal(t, http.StatusOK, status, body)
	acctID := body["id"].(string)

	parsed, err := id.ParseAccountID(acctID)
	require.NoError(t, err)
	_, err = l.Credit(context.Background(), parsed, tally.EUR(250), tally.CreditOpts{ExternalRef: "pi_1"})
	require.NoError(t, err)

	status, body = do(t, http.MethodGet, base+"/accounts/"+acctID+"/balance", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "€2.50", body["display"])

	status, body = do(t, http.MethodGet, base+"/accounts/"+acctID+"/transactions?limit=10", "")
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["transactions"], 1)

	status, _ = do(t, http.MethodGet, base+"/accounts/"+acctID+"/transactions?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = do(t, http.MethodGet, base+"/accounts/not-an-id/balance", "")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = do(t, http.MethodGet, base+"/accounts/"+id.NewAccountID().String()+"/balance", "")
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = do(t, http.MethodPost, base+"/accounts", `{"kind":"family","owner_id":"user_1"}`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestUsageRoute(t *testing.T) {
	l, srv := newServer(t)
	ctx := context.Background()
	a, err := l.OpenAccount(ctx, account.KindPersonal, "user_1")
	require.NoError(t, err)
	_, err = l.Credit(ctx, a.ID, tally.EUR(1), tally.CreditOpts{ExternalRef: "pi_1"})
	require.NoError(t, err)

	url := srv.URL + "/tally/v1/usage"
	usage := `{"account_id":"` + a.ID.String() + `","model_id":"gpt-4o","input_tokens":1200,"output_tokens":350,"usage_ref":"turn_1"}`

	status, body := do(t, http.MethodPost, url, usage)
	require.Equal(t, http.StatusOK, status, body)
	cost := body["cost"].(map[string]any)
	billed := cost["billed"].(map[string]any)
	assert.EqualValues(t, 650, billed["amount"])

	bal, err := l.Balance(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000-650), bal.Amount)

	status, body = do(t, http.MethodPost, url, usage)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["duplicate"])

	status, _ = do(t, http.MethodPost, url, `{"account_id":"`+a.ID.String()+`","model_id":"gpt-4o","input_tokens":1000000,"usage_ref":"turn_2"}`)
	assert.Equal(t, http.StatusPaymentRequired, status)

	status, _ = do(t, http.MethodPost, url, `{"account_id":"`+a.ID.String()+`","model_id":"unknown","input_tokens":1}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = do(t, http.MethodPost, url, `{"model_id":"gpt-4o"}`)
	assert.Equal(t, http.StatusBadRequest, status)
}
