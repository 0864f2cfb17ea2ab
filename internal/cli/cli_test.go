package cli

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func executeCLI(t *testing.T, dbPath string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--store", "bolt", "--bolt-path", dbPath, "--log-level", "error"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestAccountLifecycle(t *testing.T) {
	db := filepath.Join(t.TempDir(), "tally.db")

	out, err := executeCLI(t, db, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "migrated")

	out, err = executeCLI(t, db, "account", "open", "--owner", "user_1")
	require.NoError(t, err)
	fields := strings.Fields(out)
	require.NotEmpty(t, fields)
	accountID := fields[0]
	assert.True(t, strings.HasPrefix(accountID, "acct_"), accountID)
	assert.Contains(t, out, "personal")

	// Opening again returns the same account.
	again, err := executeCLI(t, db, "account", "open", "--owner", "user_1")
	require.NoError(t, err)
	assert.Equal(t, accountID, strings.Fields(again)[0])

	out, err = executeCLI(t, db, "adjust", accountID, "--amount=5", "--reason", "welcome credit")
	require.NoError(t, err)
	assert.Contains(t, out, "admin_credit")
	assert.Contains(t, out, "balance 5.00000")

	out, err = executeCLI(t, db, "adjust", accountID, "--amount=-1.25", "--reason", "refund correction", "--actor", "ops_1")
	require.NoError(t, err)
	assert.Contains(t, out, "admin_debit")
	assert.Contains(t, out, "balance 3.75000")

	out, err = executeCLI(t, db, "balance", accountID)
	require.NoError(t, err)
	assert.Contains(t, out, "balance 3.75000")

	out, err = executeCLI(t, db, "balance", "--owner", "user_1")
	require.NoError(t, err)
	assert.Contains(t, out, accountID)
	assert.Contains(t, out, "balance 3.75000")

	out, err = executeCLI(t, db, "verify", accountID)
	require.NoError(t, err)
	assert.Contains(t, out, "ok")
	assert.Contains(t, out, "balance 375000")
}

func TestCommandErrors(t *testing.T) {
	db := filepath.Join(t.TempDir(), "tally.db")

	tests := []struct {
		name string
		args []string
	}{
		{"balance needs an account", []string{"balance"}},
		{"balance of unknown owner", []string{"balance", "--owner", "nobody"}},
		{"malformed account id", []string{"verify", "not-an-id"}},
		{"adjust without reason", []string{"adjust", "acct_01h455vb4pex5vsknk084sn02q", "--amount=1"}},
		{"bad kind", []string{"account", "open", "--owner", "u", "--kind", "team"}},
		{"bad price", []string{"price", "set", "m", "--input", "abc", "--output", "1"}},
		{"negative price", []string{"price", "set", "m", "--input=-1", "--output", "1"}},
		{"quote unknown model", []string{"price", "quote", "missing", "--input", "10"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := executeCLI(t, db, tt.args...)
			assert.Error(t, err)
		})
	}
}

func TestPricing(t *testing.T) {
	db := filepath.Join(t.TempDir(), "tally.db")

	out, err := executeCLI(t, db, "price", "set", "gpt-4o", "--provider", "openai", "--input", "2.50", "--output", "10")
	require.NoError(t, err)
	assert.Contains(t, out, "gpt-4o")
	assert.Contains(t, out, "eur")

	_, err = executeCLI(t, db, "price", "set", "claude-haiku", "--provider", "anthropic", "--currency", "USD",
		"--input", "0.80", "--output", "4", "--markup", "1.5")
	require.NoError(t, err)

	out, err = executeCLI(t, db, "price", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "MODEL")
	assert.Contains(t, out, "gpt-4o")
	assert.Contains(t, out, "claude-haiku")
	assert.Contains(t, out, "usd")
	assert.Contains(t, out, "1.5")

	out, err = executeCLI(t, db, "price", "quote", "gpt-4o", "--input", "1200", "--output", "350")
	require.NoError(t, err)
	assert.Contains(t, out, "base 0.00650")
	assert.Contains(t, out, "billed 0.00650")

	// 1000 in * 0.80 + 1000 out * 4 = 0.0048 USD, times 1.5.
	out, err = executeCLI(t, db, "price", "quote", "claude-haiku", "--input", "1000", "--output", "1000")
	require.NoError(t, err)
	assert.Contains(t, out, "base 0.00480")
	assert.Contains(t, out, "billed 0.00720")
}

func TestPurge(t *testing.T) {
	db := filepath.Join(t.TempDir(), "tally.db")
	out, err := executeCLI(t, db, "purge")
	require.NoError(t, err)
	assert.Contains(t, out, "purged 0 events")
}

func TestUnknownStore(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--store", "cassandra", "migrate"})
	assert.Error(t, cmd.Execute())
}
