// Package keyring tracks the symmetric key versions of each group and keeps
// a process-local cache of imported keys keyed by (groupID, version).
//
// Retired versions are kept so that entries sealed under them stay
// readable. Rotating a group's key clears the cache in the same call.
package keyring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mmynk/ledgersync/internal/cryptobox"
	"github.com/mmynk/ledgersync/internal/storage"
	"github.com/mmynk/ledgersync/pkg/sentinel"
)

// ErrNoKey is returned when a group has no key version at all.
var ErrNoKey = errors.New("group has no key")

type cacheKey struct {
	groupID string
	version int
}

// Keyring resolves group keys by version.
type Keyring struct {
	store  storage.KeyStore
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[cacheKey]cryptobox.Key
}

// New creates a keyring over a persistent key store.
func New(store storage.KeyStore, logger *slog.Logger) *Keyring {
	if logger == nil {
		logger = slog.Default()
	}
	return &Keyring{
		store:  store,
		logger: logger,
		cache:  make(map[cacheKey]cryptobox.Key),
	}
}

// Key returns the key for a group key version, importing and caching it on
// first use.
func (k *Keyring) Key(ctx context.Context, groupID string, version int) (cryptobox.Key, error) {
	ck := cacheKey{groupID: groupID, version: version}

	k.mu.RLock()
	key, ok := k.cache[ck]
	k.mu.RUnlock()
	if ok {
		return key, nil
	}

	raw, err := k.store.GetGroupKey(ctx, groupID, version)
	if err != nil {
		return cryptobox.Key{}, err
	}
	key, err = cryptobox.ImportKey(raw)
	if err != nil {
		return cryptobox.Key{}, fmt.Errorf("failed to import key %s v%d: %w", groupID, version, err)
	}

	k.mu.Lock()
	k.cache[ck] = key
	k.mu.Unlock()
	return key, nil
}

// Current returns the newest key of a group and its version.
func (k *Keyring) Current(ctx context.Context, groupID string) (cryptobox.Key, int, error) {
	version, err := k.store.LatestKeyVersion(ctx, groupID)
	if err != nil {
		return cryptobox.Key{}, 0, err
	}
	if version == 0 {
		return cryptobox.Key{}, 0, fmt.Errorf("%s: %w", groupID, ErrNoKey)
	}
	key, err := k.Key(ctx, groupID, version)
	if err != nil {
		return cryptobox.Key{}, 0, err
	}
	return key, version, nil
}

// Add stores a key received out of band (for example when joining a group).
func (k *Keyring) Add(ctx context.Context, groupID string, version int, key cryptobox.Key) error {
	if version <= 0 {
		return fmt.Errorf("invalid key version %d", version)
	}
	if err := k.store.PutGroupKey(ctx, groupID, version, cryptobox.ExportKey(key)); err != nil {
		return err
	}

	k.mu.Lock()
	k.cache[cacheKey{groupID: groupID, version: version}] = key
	k.mu.Unlock()
	return nil
}

// Ensure returns the current key of a group, generating version 1 if the
// group has none yet.
func (k *Keyring) Ensure(ctx context.Context, groupID string) (cryptobox.Key, int, error) {
	key, version, err := k.Current(ctx, groupID)
	if err == nil {
		return key, version, nil
	}
	if !errors.Is(err, ErrNoKey) {
		return cryptobox.Key{}, 0, err
	}

	key, err = cryptobox.GenerateKey()
	if err != nil {
		return cryptobox.Key{}, 0, err
	}
	if err := k.Add(ctx, groupID, 1, key); err != nil {
		return cryptobox.Key{}, 0, err
	}
	k.logger.Info("Group key created", "group_id", groupID, "key_version", 1)
	return key, 1, nil
}

// Rotate generates a new key version for a group. Older versions stay in
// the store. The cache is cleared so no stale "current" key survives.
func (k *Keyring) Rotate(ctx context.Context, groupID string) (cryptobox.Key, int, error) {
	latest, err := k.store.LatestKeyVersion(ctx, groupID)
	if err != nil {
		return cryptobox.Key{}, 0, err
	}

	key, err := cryptobox.GenerateKey()
	if err != nil {
		return cryptobox.Key{}, 0, err
	}
	next := latest + 1
	if err := k.store.PutGroupKey(ctx, groupID, next, cryptobox.ExportKey(key)); err != nil {
		return cryptobox.Key{}, 0, err
	}

	k.ClearCache()
	k.logger.Info("Group key rotated", "group_id", groupID, "key_version", next)
	return key, next, nil
}

// ClearCache drops every cached key. Call it after logout.
func (k *Keyring) ClearCache() {
	k.mu.Lock()
	k.cache = make(map[cacheKey]cryptobox.Key)
	k.mu.Unlock()
}

// IsMissing reports whether err means the requested key version is not held.
func IsMissing(err error) bool {
	return errors.Is(err, sentinel.ErrNotFound) || errors.Is(err, ErrNoKey)
}
