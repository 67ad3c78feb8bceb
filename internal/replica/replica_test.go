package replica

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmynk/ledgersync/internal/members"
	"github.com/mmynk/ledgersync/internal/models"
	"github.com/mmynk/ledgersync/internal/relay"
	"github.com/mmynk/ledgersync/internal/storage/sqlite"
	"github.com/mmynk/ledgersync/pkg/sentinel"
)

const groupID = "trip"

func openStore(t *testing.T, path string) *sqlite.SQLiteStore {
	t.Helper()
	store, err := sqlite.New(path)
	require.NoError(t, err)
	return store
}

// start runs a replica until the test ends.
func start(t *testing.T, store *sqlite.SQLiteStore, transport relay.Transport, cfg Config) *Replica {
	t.Helper()
	if cfg.HealthInterval == 0 {
		cfg.HealthInterval = -1
	}
	r, err := New(store, transport, cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return r
}

func newReplica(t *testing.T, transport relay.Transport, cfg Config) *Replica {
	t.Helper()
	store := openStore(t, filepath.Join(t.TempDir(), cfg.PeerID+".db"))
	t.Cleanup(func() { store.Close() })
	return start(t, store, transport, cfg)
}

func expense(description string, amount int64) *models.Entry {
	return &models.Entry{
		Type: models.EntryTypeExpense,
		Expense: &models.ExpensePayload{
			Description: description,
			Amount:      decimal.NewFromInt(amount),
			Currency:    "EUR",
			Date:        time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC),
			Payers:      []models.Payer{{MemberID: "alice", Amount: decimal.NewFromInt(amount)}},
			Beneficiaries: []models.Beneficiary{
				{MemberID: "alice", SplitType: models.SplitTypeShares, Shares: 1},
				{MemberID: "bob", SplitType: models.SplitTypeShares, Shares: 1},
			},
		},
	}
}

// shareKey hands b every key version a holds for the group.
func shareKey(t *testing.T, a, b *Replica) {
	t.Helper()
	ctx := context.Background()
	_, latest, err := a.Keys().Current(ctx, groupID)
	require.NoError(t, err)
	for v := 1; v <= latest; v++ {
		key, err := a.Keys().Key(ctx, groupID, v)
		require.NoError(t, err)
		require.NoError(t, b.Keys().Add(ctx, groupID, v, key))
	}
}

func descriptions(t *testing.T, r *Replica) []string {
	t.Helper()
	list, err := r.ActiveEntries(context.Background(), groupID)
	require.NoError(t, err)
	out := make([]string, 0, len(list))
	for _, e := range list {
		out = append(out, e.Expense.Description)
	}
	return out
}

func TestNewRequiresIdentity(t *testing.T) {
	_, err := New(nil, relay.NewHub(nil), Config{PeerID: "p"})
	assert.Error(t, err)
}

func TestUnopenedGroup(t *testing.T) {
	r := newReplica(t, relay.NewHub(nil), Config{PeerID: "pa", ActorID: "alice"})
	_, err := r.Document("nope")
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
	assert.ErrorIs(t, r.CreateEntry(context.Background(), "nope", expense("x", 1)), sentinel.ErrNotFound)
}

func TestReplicasConverge(t *testing.T) {
	ctx := context.Background()
	hub := relay.NewHub(nil)
	a := newReplica(t, hub, Config{PeerID: "pa", ActorID: "alice"})
	b := newReplica(t, hub, Config{PeerID: "pb", ActorID: "bob"})

	_, err := a.Create(ctx, groupID)
	require.NoError(t, err)
	_, verr, err := a.AddMember(ctx, groupID, "alice", "Alice", false)
	require.NoError(t, err)
	require.Nil(t, verr)
	_, verr, err = a.AddMember(ctx, groupID, "bob", "Bob", false)
	require.NoError(t, err)
	require.Nil(t, verr)
	require.NoError(t, a.CreateEntry(ctx, groupID, expense("dinner", 60)))

	shareKey(t, a, b)
	g, err := b.Join(ctx, groupID)
	require.NoError(t, err)
	assert.Equal(t, []string{"dinner"}, descriptions(t, b))
	assert.Len(t, g.Members.GetActiveMembers(), 2)

	require.NoError(t, b.CreateEntry(ctx, groupID, expense("taxi", 20)))
	assert.Eventually(t, func() bool {
		return len(descriptions(t, a)) == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.SetSettlementPreference(ctx, groupID, "bob", []string{"alice"}))
	assert.Eventually(t, func() bool {
		pref, err := g.Preferences.Get("bob")
		return err == nil && pref != nil && len(pref.PreferredRecipients) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMemberValidationDoesNotCommit(t *testing.T) {
	ctx := context.Background()
	hub := relay.NewHub(nil)
	a := newReplica(t, hub, Config{PeerID: "pa", ActorID: "alice"})
	_, err := a.Create(ctx, groupID)
	require.NoError(t, err)

	_, verr, err := a.RetireMember(ctx, groupID, "ghost")
	require.NoError(t, err)
	require.NotNil(t, verr)
	assert.Equal(t, members.CodeMemberNotFound, verr.Code)

	records, err := hub.FetchAll(ctx, groupID)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestOfflineWritesReachPeersOnReconnect(t *testing.T) {
	ctx := context.Background()
	hub := relay.NewHub(nil)
	a := newReplica(t, hub, Config{PeerID: "pa", ActorID: "alice"})
	b := newReplica(t, hub, Config{PeerID: "pb", ActorID: "bob", StartOffline: true})

	_, err := a.Create(ctx, groupID)
	require.NoError(t, err)
	shareKey(t, a, b)

	_, err = b.Open(ctx, groupID)
	require.NoError(t, err)
	require.NoError(t, b.CreateEntry(ctx, groupID, expense("groceries", 35)))

	n, err := b.Sync().QueueLength(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, descriptions(t, a))

	require.NoError(t, b.Sync().SetOnline(ctx, true))
	n, err = b.Sync().QueueLength(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	assert.Eventually(t, func() bool {
		d := descriptions(t, a)
		return len(d) == 1 && d[0] == "groceries"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestKeyRotation(t *testing.T) {
	ctx := context.Background()
	r := newReplica(t, relay.NewHub(nil), Config{PeerID: "pa", ActorID: "alice"})
	_, err := r.Create(ctx, groupID)
	require.NoError(t, err)

	e := expense("hotel", 300)
	require.NoError(t, r.CreateEntry(ctx, groupID, e))
	assert.Equal(t, 1, e.KeyVersion)

	version, err := r.RotateKey(ctx, groupID)
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	deletedID, err := r.DeleteEntry(ctx, groupID, e.ID, "duplicate")
	require.NoError(t, err)

	history, err := r.EntryHistory(ctx, groupID, deletedID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 2, history[0].KeyVersion)
	assert.Equal(t, models.EntryStatusDeleted, history[0].Status)
	assert.Equal(t, "duplicate", history[0].DeletedReason)
	assert.Equal(t, 1, history[1].KeyVersion)
	assert.Equal(t, "hotel", history[1].Expense.Description)

	assert.Empty(t, descriptions(t, r))
}

func TestReopenFromLocalStorage(t *testing.T) {
	ctx := context.Background()
	hub := relay.NewHub(nil)
	path := filepath.Join(t.TempDir(), "pa.db")
	store := openStore(t, path)

	r := start(t, store, hub, Config{PeerID: "pa", ActorID: "alice", ConsolidationThreshold: 2})
	_, err := r.Create(ctx, groupID)
	require.NoError(t, err)
	for _, d := range []string{"a", "b", "c"} {
		require.NoError(t, r.CreateEntry(ctx, groupID, expense(d, 1)))
	}
	require.NoError(t, r.Close(ctx))
	require.NoError(t, store.Close())

	store = openStore(t, path)
	t.Cleanup(func() { store.Close() })
	again := start(t, store, hub, Config{PeerID: "pa", ActorID: "alice"})
	_, err = again.Open(ctx, groupID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, descriptions(t, again))
}
