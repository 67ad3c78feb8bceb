package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmynk/ledgersync/internal/models"
)

// run executes one ledgerctl invocation and returns its stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func offlineDevice(t *testing.T) {
	t.Helper()
	t.Setenv("LEDGERSYNC_DEVICE_DB", filepath.Join(t.TempDir(), "device.db"))
	t.Setenv("LEDGERSYNC_PEER_ID", "laptop")
	t.Setenv("LEDGERSYNC_ACTOR_ID", "alice")
	t.Setenv("LEDGERSYNC_SECRET", "")
	t.Setenv("LOG_LEVEL", "error")
}

func TestRejectsUnknownFormat(t *testing.T) {
	offlineDevice(t)
	_, err := run(t, "status", "--format", "yaml")
	assert.ErrorContains(t, err, "invalid format")
}

func TestOfflineLedgerAcrossInvocations(t *testing.T) {
	offlineDevice(t)

	out, err := run(t, "group", "create", "trip")
	require.NoError(t, err)
	assert.Contains(t, out, "key v1")

	_, err = run(t, "member", "add", "trip", "alice", "Alice")
	require.NoError(t, err)
	_, err = run(t, "member", "add", "trip", "bob", "Bob")
	require.NoError(t, err)

	_, err = run(t, "member", "add", "trip", "bob", "Bobby")
	assert.ErrorContains(t, err, "member_exists")

	_, err = run(t, "entry", "add", "trip", "--description", "dinner", "--amount", "30", "--currency", "eur")
	require.NoError(t, err)

	out, err = run(t, "entry", "list", "trip", "--format", "json")
	require.NoError(t, err)
	var list []models.Entry
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "dinner", list[0].Expense.Description)
	assert.Equal(t, "EUR", list[0].Expense.Currency)
	assert.Len(t, list[0].Expense.Beneficiaries, 2)

	out, err = run(t, "entry", "list", "trip", "--splits")
	require.NoError(t, err)
	assert.Contains(t, out, "15.00")

	out, err = run(t, "status", "--format", "json")
	require.NoError(t, err)
	var st statusOutput
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.False(t, st.Online)
	assert.Equal(t, 3, st.QueueLength)
}

func TestJoinNeedsRelay(t *testing.T) {
	offlineDevice(t)
	_, err := run(t, "group", "join", "trip", "AAAA")
	assert.Error(t, err)
}
