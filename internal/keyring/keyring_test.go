package keyring

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmynk/ledgersync/internal/cryptobox"
	"github.com/mmynk/ledgersync/internal/storage/sqlite"
)

func newKeyring(t *testing.T) (*Keyring, *sqlite.SQLiteStore) {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "keys.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store, nil), store
}

func TestEnsureCreatesFirstVersion(t *testing.T) {
	kr, _ := newKeyring(t)
	ctx := context.Background()

	_, _, err := kr.Current(ctx, "g1")
	assert.ErrorIs(t, err, ErrNoKey)
	assert.True(t, IsMissing(err))

	key, version, err := kr.Ensure(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, 1, version)

	again, version, err := kr.Ensure(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, 1, version)
	assert.True(t, key.Equal(again))
}

func TestRotateKeepsOldVersions(t *testing.T) {
	kr, _ := newKeyring(t)
	ctx := context.Background()

	v1, _, err := kr.Ensure(ctx, "g1")
	require.NoError(t, err)

	v2, version, err := kr.Rotate(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, 2, version)
	assert.False(t, v1.Equal(v2))

	old, err := kr.Key(ctx, "g1", 1)
	require.NoError(t, err)
	assert.True(t, old.Equal(v1))

	cur, version, err := kr.Current(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, 2, version)
	assert.True(t, cur.Equal(v2))
}

func TestKeyIsCached(t *testing.T) {
	kr, store := newKeyring(t)
	ctx := context.Background()

	key, err := cryptobox.GenerateKey()
	require.NoError(t, err)
	require.NoError(t, kr.Add(ctx, "g1", 3, key))

	// overwrite the persisted material; the cached key still wins
	other, _ := cryptobox.GenerateKey()
	require.NoError(t, store.PutGroupKey(ctx, "g1", 3, cryptobox.ExportKey(other)))

	got, err := kr.Key(ctx, "g1", 3)
	require.NoError(t, err)
	assert.True(t, got.Equal(key))

	kr.ClearCache()
	got, err = kr.Key(ctx, "g1", 3)
	require.NoError(t, err)
	assert.True(t, got.Equal(other))
}

func TestMissingVersion(t *testing.T) {
	kr, _ := newKeyring(t)
	_, err := kr.Key(context.Background(), "g1", 7)
	assert.True(t, IsMissing(err))
}
