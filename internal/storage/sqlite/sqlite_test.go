package sqlite

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/mmynk/ledgersync/internal/models"
	"github.com/mmynk/ledgersync/internal/storage"
	"github.com/mmynk/ledgersync/pkg/sentinel"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	// Create temp directory for test database
	tempDir, err := os.MkdirTemp("", "ledgersync-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	store, err := New(filepath.Join(tempDir, "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSnapshots(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	t.Run("GetSnapshot returns nil for unknown group", func(t *testing.T) {
		snap, err := store.GetSnapshot(ctx, "nope")
		if err != nil {
			t.Fatalf("GetSnapshot failed: %v", err)
		}
		if snap != nil {
			t.Errorf("Expected nil snapshot, got %+v", snap)
		}
	})

	t.Run("incrementals keep insertion order", func(t *testing.T) {
		for _, d := range []string{"one", "two", "three"} {
			if err := store.AppendIncremental(ctx, "g1", []byte(d)); err != nil {
				t.Fatalf("AppendIncremental failed: %v", err)
			}
		}
		// another group's chain is independent
		if err := store.AppendIncremental(ctx, "g2", []byte("other")); err != nil {
			t.Fatalf("AppendIncremental failed: %v", err)
		}

		updates, err := store.ListIncrementals(ctx, "g1")
		if err != nil {
			t.Fatalf("ListIncrementals failed: %v", err)
		}
		if len(updates) != 3 {
			t.Fatalf("Expected 3 updates, got %d", len(updates))
		}
		for i, want := range []string{"one", "two", "three"} {
			if string(updates[i].Data) != want {
				t.Errorf("update %d = %q, want %q", i, updates[i].Data, want)
			}
		}

		n, err := store.CountIncrementals(ctx, "g1")
		if err != nil {
			t.Fatalf("CountIncrementals failed: %v", err)
		}
		if n != 3 {
			t.Errorf("Expected count 3, got %d", n)
		}
	})

	t.Run("ReplaceSnapshot drops the chain", func(t *testing.T) {
		err := store.ReplaceSnapshot(ctx, &storage.Snapshot{
			GroupID:    "g1",
			Data:       []byte("full"),
			VersionTag: "peer-a:3",
		})
		if err != nil {
			t.Fatalf("ReplaceSnapshot failed: %v", err)
		}

		snap, err := store.GetSnapshot(ctx, "g1")
		if err != nil {
			t.Fatalf("GetSnapshot failed: %v", err)
		}
		if !bytes.Equal(snap.Data, []byte("full")) || snap.VersionTag != "peer-a:3" {
			t.Errorf("Unexpected snapshot: %+v", snap)
		}

		n, _ := store.CountIncrementals(ctx, "g1")
		if n != 0 {
			t.Errorf("Expected empty chain after replace, got %d", n)
		}
		n, _ = store.CountIncrementals(ctx, "g2")
		if n != 1 {
			t.Errorf("Other group's chain should survive, got %d", n)
		}
	})
}

func TestOfflineQueue(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := &models.OfflineOperation{GroupID: "g1", Timestamp: 10, ActorID: "a", UpdateData: "AQ=="}
	second := &models.OfflineOperation{GroupID: "g2", Timestamp: 20, ActorID: "a", UpdateData: "Ag=="}
	for _, op := range []*models.OfflineOperation{first, second} {
		if err := store.Enqueue(ctx, op); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		if op.Seq == 0 {
			t.Error("Expected Seq to be assigned")
		}
	}

	ops, err := store.ListQueued(ctx)
	if err != nil {
		t.Fatalf("ListQueued failed: %v", err)
	}
	if len(ops) != 2 || ops[0].GroupID != "g1" || ops[1].GroupID != "g2" {
		t.Fatalf("Unexpected queue contents: %+v", ops)
	}

	if err := store.RemoveQueued(ctx, first.Seq); err != nil {
		t.Fatalf("RemoveQueued failed: %v", err)
	}
	n, err := store.QueueLength(ctx)
	if err != nil {
		t.Fatalf("QueueLength failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 queued op, got %d", n)
	}
}

func TestCursors(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ts, err := store.GetCursor(ctx, "g1")
	if err != nil {
		t.Fatalf("GetCursor failed: %v", err)
	}
	if ts != 0 {
		t.Errorf("Expected zero cursor, got %d", ts)
	}

	store.SetCursor(ctx, "g1", 100)
	store.SetCursor(ctx, "g1", 50) // never moves backwards

	ts, _ = store.GetCursor(ctx, "g1")
	if ts != 100 {
		t.Errorf("Expected cursor 100, got %d", ts)
	}
}

func TestGroupKeys(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetGroupKey(ctx, "g1", 1)
	if !errors.Is(err, sentinel.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	store.PutGroupKey(ctx, "g1", 1, []byte("k1"))
	store.PutGroupKey(ctx, "g1", 2, []byte("k2"))

	key, err := store.GetGroupKey(ctx, "g1", 1)
	if err != nil {
		t.Fatalf("GetGroupKey failed: %v", err)
	}
	if string(key) != "k1" {
		t.Errorf("Expected k1, got %q", key)
	}

	latest, _ := store.LatestKeyVersion(ctx, "g1")
	if latest != 2 {
		t.Errorf("Expected latest version 2, got %d", latest)
	}
}

func TestUpdateRecords(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	t.Run("timestamps stay strictly increasing", func(t *testing.T) {
		a := &models.UpdateRecord{GroupID: "g1", Timestamp: 1000, ActorID: "a", UpdateData: "AQ=="}
		b := &models.UpdateRecord{GroupID: "g1", Timestamp: 1000, ActorID: "b", UpdateData: "Ag=="}
		c := &models.UpdateRecord{GroupID: "g1", Timestamp: 900, ActorID: "c", UpdateData: "Aw=="}
		for _, rec := range []*models.UpdateRecord{a, b, c} {
			if err := store.AppendRecord(ctx, rec); err != nil {
				t.Fatalf("AppendRecord failed: %v", err)
			}
			if rec.ID == "" {
				t.Error("Expected record ID to be generated")
			}
		}

		if !(a.Timestamp < b.Timestamp && b.Timestamp < c.Timestamp) {
			t.Errorf("Timestamps not increasing: %d %d %d", a.Timestamp, b.Timestamp, c.Timestamp)
		}
	})

	t.Run("ListRecordsSince is exclusive and limited", func(t *testing.T) {
		all, err := store.ListRecordsSince(ctx, "g1", 0, 100)
		if err != nil {
			t.Fatalf("ListRecordsSince failed: %v", err)
		}
		if len(all) != 3 {
			t.Fatalf("Expected 3 records, got %d", len(all))
		}

		after, _ := store.ListRecordsSince(ctx, "g1", all[0].Timestamp, 100)
		if len(after) != 2 || after[0].ID != all[1].ID {
			t.Errorf("Unexpected records after first: %+v", after)
		}

		limited, _ := store.ListRecordsSince(ctx, "g1", 0, 1)
		if len(limited) != 1 {
			t.Errorf("Expected 1 record with limit, got %d", len(limited))
		}

		none, _ := store.ListRecordsSince(ctx, "other", 0, 100)
		if len(none) != 0 {
			t.Errorf("Expected no records for other group, got %d", len(none))
		}
	})
}

func TestActors(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetActorSecretHash(ctx, "a1")
	if !errors.Is(err, sentinel.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}

	if err := store.CreateActor(ctx, "a1", "hash"); err != nil {
		t.Fatalf("CreateActor failed: %v", err)
	}
	hash, err := store.GetActorSecretHash(ctx, "a1")
	if err != nil {
		t.Fatalf("GetActorSecretHash failed: %v", err)
	}
	if hash != "hash" {
		t.Errorf("Expected hash %q, got %q", "hash", hash)
	}

	if err := store.CreateActor(ctx, "a1", "other"); err == nil {
		t.Error("Expected duplicate actor insert to fail")
	}
}
