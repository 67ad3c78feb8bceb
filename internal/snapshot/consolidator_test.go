package snapshot

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmynk/ledgersync/internal/document"
	"github.com/mmynk/ledgersync/internal/storage"
	"github.com/mmynk/ledgersync/internal/storage/sqlite"
)

const groupID = "g1"

func newStore(t *testing.T) *sqlite.SQLiteStore {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "local.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func write(t *testing.T, doc *document.Document, key string) {
	t.Helper()
	require.NoError(t, doc.Transact(func(tx *document.Txn) error {
		return tx.Set(document.Entries, key, []byte("v-"+key))
	}))
}

func TestSaveIncrementalSkipsEmptyDiff(t *testing.T) {
	store := newStore(t)
	c := New(store)
	ctx := context.Background()
	doc := document.New("p1")

	diff, err := c.SaveIncremental(ctx, groupID, doc)
	require.NoError(t, err)
	assert.Nil(t, diff)

	write(t, doc, "a")
	diff, err = c.SaveIncremental(ctx, groupID, doc)
	require.NoError(t, err)
	assert.NotEmpty(t, diff)

	diff, err = c.SaveIncremental(ctx, groupID, doc)
	require.NoError(t, err)
	assert.Nil(t, diff)

	n, err := store.CountIncrementals(ctx, groupID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSaveIncrementalDiffAppliesElsewhere(t *testing.T) {
	c := New(newStore(t))
	ctx := context.Background()
	doc := document.New("p1")

	write(t, doc, "a")
	_, err := c.SaveIncremental(ctx, groupID, doc)
	require.NoError(t, err)

	write(t, doc, "b")
	diff, err := c.SaveIncremental(ctx, groupID, doc)
	require.NoError(t, err)

	other := document.New("p2")
	applied, err := other.Import(diff)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.True(t, other.MustMap(document.Entries).Has("b"))
	assert.False(t, other.MustMap(document.Entries).Has("a"))
}

func TestConsolidatesAtThreshold(t *testing.T) {
	store := newStore(t)
	c := New(store, WithThreshold(3))
	ctx := context.Background()
	doc := document.New("p1")

	for i := 0; i < 2; i++ {
		write(t, doc, fmt.Sprintf("k%d", i))
		_, err := c.SaveIncremental(ctx, groupID, doc)
		require.NoError(t, err)
	}
	n, err := store.CountIncrementals(ctx, groupID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	write(t, doc, "k2")
	_, err = c.SaveIncremental(ctx, groupID, doc)
	require.NoError(t, err)

	n, err = store.CountIncrementals(ctx, groupID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	snap, err := store.GetSnapshot(ctx, groupID)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, doc.Version().String(), snap.VersionTag)
}

func TestLoadReplaysAndConsolidates(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	doc := document.New("p1")
	c := New(store)
	write(t, doc, "a")
	require.NoError(t, c.Consolidate(ctx, groupID, doc))
	write(t, doc, "b")
	_, err := c.SaveIncremental(ctx, groupID, doc)
	require.NoError(t, err)
	write(t, doc, "c")
	_, err = c.SaveIncremental(ctx, groupID, doc)
	require.NoError(t, err)

	reloaded := document.New("p1")
	c2 := New(store)
	require.NoError(t, c2.Load(ctx, groupID, reloaded))

	assert.Equal(t, []string{"a", "b", "c"}, reloaded.MustMap(document.Entries).Keys())
	assert.True(t, doc.Version().Equal(reloaded.Version()))

	n, err := store.CountIncrementals(ctx, groupID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// nothing new since the load
	diff, err := c2.SaveIncremental(ctx, groupID, reloaded)
	require.NoError(t, err)
	assert.Nil(t, diff)
}

func TestLoadEmptyGroup(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	doc := document.New("p1")

	require.NoError(t, New(store).Load(ctx, groupID, doc))
	assert.Equal(t, 0, doc.OpCount())

	snap, err := store.GetSnapshot(ctx, groupID)
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestSaveImportedKeepsLocalWritesPending(t *testing.T) {
	store := newStore(t)
	c := New(store)
	ctx := context.Background()

	local := document.New("p1")
	remote := document.New("p2")

	write(t, remote, "r1")
	update := remote.ExportSnapshot()

	// a local write lands before the remote update is persisted
	write(t, local, "l1")
	_, err := local.Import(update)
	require.NoError(t, err)
	require.NoError(t, c.SaveImported(ctx, groupID, local, update))

	diff, err := c.SaveIncremental(ctx, groupID, local)
	require.NoError(t, err)
	require.NotEmpty(t, diff)

	fresh := document.New("p3")
	_, err = fresh.Import(diff)
	require.NoError(t, err)
	assert.Equal(t, []string{"l1"}, fresh.MustMap(document.Entries).Keys())

	n, err := store.CountIncrementals(ctx, groupID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

// slowReplaceStore runs onReplace before each snapshot replacement.
type slowReplaceStore struct {
	storage.SnapshotStore
	onReplace func()
}

func (s *slowReplaceStore) ReplaceSnapshot(ctx context.Context, snap *storage.Snapshot) error {
	if s.onReplace != nil {
		s.onReplace()
	}
	return s.SnapshotStore.ReplaceSnapshot(ctx, snap)
}

func TestConsolidateKeepsDiffSavedDuringIt(t *testing.T) {
	base := newStore(t)
	store := &slowReplaceStore{SnapshotStore: base}
	c := New(store)
	ctx := context.Background()
	doc := document.New("p1")

	write(t, doc, "a")
	_, err := c.SaveIncremental(ctx, groupID, doc)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var once sync.Once
	store.onReplace = func() {
		once.Do(func() {
			// a local write is saved after the snapshot was exported
			wg.Add(1)
			go func() {
				defer wg.Done()
				write(t, doc, "b")
				_, err := c.SaveIncremental(ctx, groupID, doc)
				assert.NoError(t, err)
			}()
			time.Sleep(50 * time.Millisecond)
		})
	}
	require.NoError(t, c.Consolidate(ctx, groupID, doc))
	wg.Wait()

	reloaded := document.New("p1")
	require.NoError(t, New(base).Load(ctx, groupID, reloaded))
	assert.Equal(t, []string{"a", "b"}, reloaded.MustMap(document.Entries).Keys())
}
