package members

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmynk/ledgersync/internal/cryptobox"
	"github.com/mmynk/ledgersync/internal/document"
	"github.com/mmynk/ledgersync/internal/models"
)

// staticKeys serves group key versions from a map.
type staticKeys map[int]cryptobox.Key

func (s staticKeys) Key(_ context.Context, _ string, version int) (cryptobox.Key, error) {
	k, ok := s[version]
	if !ok {
		return cryptobox.Key{}, fmt.Errorf("no key version %d", version)
	}
	return k, nil
}

func newKey(t *testing.T) cryptobox.Key {
	t.Helper()
	k, err := cryptobox.GenerateKey()
	require.NoError(t, err)
	return k
}

// newLog returns a log whose clock advances one second per event.
func newLog(t *testing.T, peer string, opts ...Option) *Log {
	t.Helper()
	l := NewLog(document.New(peer), nil, opts...)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	l.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return l
}

func mustCreate(t *testing.T, l *Log, id, name string) {
	t.Helper()
	ev, verr, err := l.Create(context.Background(), id, name, false, "", "actor")
	require.NoError(t, err)
	require.Nil(t, verr)
	require.NotNil(t, ev)
}

func TestComputeStateFoldsEvents(t *testing.T) {
	key := newKey(t)
	l := newLog(t, "p1", WithKeys("g1", staticKeys{1: key}))
	ctx := context.Background()

	assert.Nil(t, l.ComputeState("m1"))

	mustCreate(t, l, "m1", "Alice")
	ev, verr, err := l.Rename(ctx, "m1", "Alicia", "actor")
	require.NoError(t, err)
	require.Nil(t, verr)
	assert.Equal(t, "Alice", ev.PreviousName)

	_, verr, err = l.UpdateMetadata(ctx, "m1", &models.MemberMetadata{Email: "a@example.com"}, key, 1, "actor")
	require.NoError(t, err)
	require.Nil(t, verr)

	s := l.ComputeState("m1")
	require.NotNil(t, s)
	assert.Equal(t, "Alicia", s.Name)
	assert.Equal(t, "actor", s.CreatedBy)
	assert.False(t, s.IsRetired)
	require.NotNil(t, s.Metadata)
	assert.Equal(t, "a@example.com", s.Metadata.Email)
	assert.Len(t, l.EventsFor("m1"), 3)
}

func TestRetireTwiceIsValidationFailure(t *testing.T) {
	l := newLog(t, "p1")
	ctx := context.Background()
	mustCreate(t, l, "m1", "Alice")

	ev, verr, err := l.Retire(ctx, "m1", "actor")
	require.NoError(t, err)
	require.Nil(t, verr)
	require.NotNil(t, ev)

	ev, verr, err = l.Retire(ctx, "m1", "actor")
	require.NoError(t, err)
	assert.Nil(t, ev)
	require.NotNil(t, verr)
	assert.Equal(t, CodeAlreadyRetired, verr.Code)

	retired := 0
	for _, e := range l.EventsFor("m1") {
		if e.Type == models.MemberRetired {
			retired++
		}
	}
	assert.Equal(t, 1, retired)
}

func TestGuardedOperations(t *testing.T) {
	l := newLog(t, "p1")
	ctx := context.Background()
	mustCreate(t, l, "m1", "Alice")
	mustCreate(t, l, "m2", "Bob")

	t.Run("create existing", func(t *testing.T) {
		_, verr, err := l.Create(ctx, "m1", "Again", false, "", "actor")
		require.NoError(t, err)
		require.NotNil(t, verr)
		assert.Equal(t, CodeMemberExists, verr.Code)
	})

	t.Run("rename unknown", func(t *testing.T) {
		_, verr, err := l.Rename(ctx, "nobody", "X", "actor")
		require.NoError(t, err)
		require.NotNil(t, verr)
		assert.Equal(t, CodeMemberNotFound, verr.Code)
	})

	t.Run("rename to same name", func(t *testing.T) {
		_, verr, err := l.Rename(ctx, "m1", "Alice", "actor")
		require.NoError(t, err)
		require.NotNil(t, verr)
		assert.Equal(t, CodeSameName, verr.Code)
	})

	t.Run("unretire active", func(t *testing.T) {
		_, verr, err := l.Unretire(ctx, "m2", "actor")
		require.NoError(t, err)
		require.NotNil(t, verr)
		assert.Equal(t, CodeNotRetired, verr.Code)
	})

	t.Run("replace with self", func(t *testing.T) {
		_, verr, err := l.Replace(ctx, "m1", "m1", "actor")
		require.NoError(t, err)
		require.NotNil(t, verr)
		assert.Equal(t, CodeSelfReplace, verr.Code)
	})

	t.Run("replace with unknown", func(t *testing.T) {
		_, verr, err := l.Replace(ctx, "m1", "ghost", "actor")
		require.NoError(t, err)
		require.NotNil(t, verr)
		assert.Equal(t, CodeTargetNotFound, verr.Code)
	})

	t.Run("replace closing a cycle", func(t *testing.T) {
		_, verr, err := l.Replace(ctx, "m1", "m2", "actor")
		require.NoError(t, err)
		require.Nil(t, verr)

		_, verr, err = l.Replace(ctx, "m2", "m1", "actor")
		require.NoError(t, err)
		require.NotNil(t, verr)
		assert.Equal(t, CodeReplaceCycle, verr.Code)
	})

	t.Run("retire then unretire", func(t *testing.T) {
		_, verr, err := l.Retire(ctx, "m2", "actor")
		require.NoError(t, err)
		require.Nil(t, verr)
		_, verr, err = l.Unretire(ctx, "m2", "actor")
		require.NoError(t, err)
		require.Nil(t, verr)
		assert.False(t, l.ComputeState("m2").IsRetired)
	})
}

func TestResolveCanonicalID(t *testing.T) {
	l := newLog(t, "p1")
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		mustCreate(t, l, id, id)
	}

	_, verr, err := l.Replace(ctx, "a", "b", "actor")
	require.NoError(t, err)
	require.Nil(t, verr)
	_, verr, err = l.Replace(ctx, "b", "c", "actor")
	require.NoError(t, err)
	require.Nil(t, verr)

	assert.Equal(t, "c", l.ResolveCanonicalID("a"))
	assert.Equal(t, "c", l.ResolveCanonicalID("b"))
	assert.Equal(t, "c", l.ResolveCanonicalID("c"))
	assert.Equal(t, "unknown", l.ResolveCanonicalID("unknown"))
	assert.Equal(t, []string{"c"}, l.GetAllCanonicalIDs())
	assert.Equal(t, map[string]string{"a": "c", "b": "c"}, l.CanonicalIDMap())
}

func TestResolveCanonicalIDTerminatesOnCycle(t *testing.T) {
	// two devices each replace one member with the other concurrently
	a := newLog(t, "p1")
	b := newLog(t, "p2")
	ctx := context.Background()
	mustCreate(t, a, "x", "X")
	mustCreate(t, a, "y", "Y")
	_, err := b.doc.Import(a.doc.ExportSnapshot())
	require.NoError(t, err)

	_, verr, err := a.Replace(ctx, "x", "y", "actor")
	require.NoError(t, err)
	require.Nil(t, verr)
	_, verr, err = b.Replace(ctx, "y", "x", "actor")
	require.NoError(t, err)
	require.Nil(t, verr)

	_, err = a.doc.Import(b.doc.ExportSnapshot())
	require.NoError(t, err)

	assert.Equal(t, "x", a.ResolveCanonicalID("x"))
	assert.Equal(t, "y", a.ResolveCanonicalID("y"))
}

func TestLegacyAliasFallback(t *testing.T) {
	l := newLog(t, "p1")
	legacy, err := json.Marshal(legacyMember{ID: "old", Name: "Old"})
	require.NoError(t, err)
	alias, err := json.Marshal("new")
	require.NoError(t, err)

	require.NoError(t, l.doc.Transact(func(tx *document.Txn) error {
		if err := tx.Set(document.Members, "old", legacy); err != nil {
			return err
		}
		return tx.Set(document.MemberAliases, "old", alias)
	}))
	mustCreate(t, l, "new", "New")

	assert.Equal(t, "new", l.ResolveCanonicalID("old"))
	assert.True(t, l.IsMemberKnown("old"))
	assert.True(t, l.IsMemberKnown("new"))
	assert.False(t, l.IsMemberKnown("other"))

	s := l.ComputeState("old")
	require.NotNil(t, s)
	assert.Equal(t, "Old", s.Name)
}

func TestCacheSeesRemoteEvents(t *testing.T) {
	a := newLog(t, "p1")
	b := newLog(t, "p2")
	mustCreate(t, a, "m1", "Alice")

	assert.Nil(t, b.ComputeState("m1"))
	_, err := b.doc.Import(a.doc.ExportSnapshot())
	require.NoError(t, err)

	s := b.ComputeState("m1")
	require.NotNil(t, s)
	assert.Equal(t, "Alice", s.Name)
}

func TestGetActiveMembers(t *testing.T) {
	l := newLog(t, "p1")
	ctx := context.Background()
	mustCreate(t, l, "m1", "Carol")
	mustCreate(t, l, "m2", "Alice")
	mustCreate(t, l, "m3", "Bob")

	_, verr, err := l.Retire(ctx, "m3", "actor")
	require.NoError(t, err)
	require.Nil(t, verr)

	active := l.GetActiveMembers()
	require.Len(t, active, 2)
	assert.Equal(t, "Alice", active[0].Name)
	assert.Equal(t, "Carol", active[1].Name)
	assert.Len(t, l.ComputeAllStates(), 3)
}

func TestMetadataIsSealedInDocument(t *testing.T) {
	ctx := context.Background()
	key := newKey(t)
	l := newLog(t, "p1", WithKeys("g1", staticKeys{1: key}))
	mustCreate(t, l, "m1", "Alice")

	meta := &models.MemberMetadata{
		Email:   "alice@example.com",
		Payment: map[string]string{"iban": "DE89370400440532013000"},
	}
	ev, verr, err := l.UpdateMetadata(ctx, "m1", meta, key, 1, "actor")
	require.NoError(t, err)
	require.Nil(t, verr)
	assert.Equal(t, 1, ev.KeyVersion)

	snap := l.doc.ExportSnapshot()
	assert.False(t, bytes.Contains(snap, []byte("DE89370400440532013000")))
	assert.False(t, bytes.Contains(snap, []byte("alice@example.com")))

	s := l.ComputeState("m1")
	require.NotNil(t, s.Metadata)
	assert.Equal(t, "DE89370400440532013000", s.Metadata.Payment["iban"])

	t.Run("device without the key sees none", func(t *testing.T) {
		other := newLog(t, "p2", WithKeys("g1", staticKeys{1: newKey(t)}))
		_, err := other.doc.Import(snap)
		require.NoError(t, err)
		s := other.ComputeState("m1")
		require.NotNil(t, s)
		assert.Equal(t, "Alice", s.Name)
		assert.Nil(t, s.Metadata)
	})

	t.Run("unsealed metadata is refused", func(t *testing.T) {
		err := l.AddEvent(ctx, &models.MemberEvent{
			MemberID: "m1",
			Type:     models.MemberMetadataUpdated,
			Metadata: meta,
		})
		assert.Error(t, err)
	})

	t.Run("zero key is refused", func(t *testing.T) {
		_, _, err := l.UpdateMetadata(ctx, "m1", meta, cryptobox.Key{}, 1, "actor")
		assert.Error(t, err)
	})
}

func TestCacheSeesLegacyOverwrite(t *testing.T) {
	l := newLog(t, "p1")
	set := func(name string) {
		data, err := json.Marshal(legacyMember{ID: "old", Name: name})
		require.NoError(t, err)
		require.NoError(t, l.doc.Transact(func(tx *document.Txn) error {
			return tx.Set(document.Members, "old", data)
		}))
	}

	set("Before")
	assert.Equal(t, "Before", l.ComputeState("old").Name)

	set("After")
	assert.Equal(t, "After", l.ComputeState("old").Name)
}
