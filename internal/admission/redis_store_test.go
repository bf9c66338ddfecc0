package admission

import (
	"context"
	"testing"

	"github.com/Naveenravi07/Avara/internal/models"
	"github.com/Naveenravi07/Avara/internal/testsupport/redisstub"
)

func newStubStore(t *testing.T) Store {
	t.Helper()
	stub, err := redisstub.Start(redisstub.Options{})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() { _ = stub.Close() })

	store, err := NewRedisStore(RedisStoreConfig{Addr: stub.Addr()})
	if err != nil {
		t.Fatalf("new redis store: %v", err)
	}
	return store
}

func TestRedisStoreRoundTrip(t *testing.T) {
	store := newStubStore(t)
	ctx := context.Background()

	entry := models.WaitingEntry{
		RoomID:      "room-1",
		UserID:      "u1",
		Status:      models.WaitingStatusWaiting,
		DisplayName: "Alice",
		AvatarRef:   "avatar-1",
	}
	if err := store.Put(ctx, entry); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, ok, err := store.Get(ctx, "room-1", "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatal("expected entry")
	}
	if got != entry {
		t.Fatalf("expected %+v, got %+v", entry, got)
	}

	if _, ok, err := store.Get(ctx, "room-1", "ghost"); err != nil || ok {
		t.Fatalf("missing entry: ok=%v err=%v", ok, err)
	}
}

func TestRedisStoreSetStatus(t *testing.T) {
	store := newStubStore(t)
	ctx := context.Background()

	if err := store.SetStatus(ctx, "room-1", "ghost", models.WaitingStatusAdmitted); err != ErrEntryNotFound {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}

	entry := models.WaitingEntry{RoomID: "room-1", UserID: "u1", Status: models.WaitingStatusWaiting, DisplayName: "Alice"}
	if err := store.Put(ctx, entry); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.SetStatus(ctx, "room-1", "u1", models.WaitingStatusAdmitted); err != nil {
		t.Fatalf("set status: %v", err)
	}
	got, _, err := store.Get(ctx, "room-1", "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.WaitingStatusAdmitted {
		t.Fatalf("expected admitted, got %q", got.Status)
	}
	if got.DisplayName != "Alice" {
		t.Fatalf("status flip must preserve the rest of the entry, got %+v", got)
	}
}

func TestRedisStoreDeleteIfWaiting(t *testing.T) {
	store := newStubStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, models.WaitingEntry{RoomID: "room-1", UserID: "waiting", Status: models.WaitingStatusWaiting}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Put(ctx, models.WaitingEntry{RoomID: "room-1", UserID: "admitted", Status: models.WaitingStatusAdmitted}); err != nil {
		t.Fatalf("put: %v", err)
	}

	deleted, err := store.DeleteIfWaiting(ctx, "room-1", "waiting")
	if err != nil || !deleted {
		t.Fatalf("expected waiting entry deleted, deleted=%v err=%v", deleted, err)
	}
	deleted, err = store.DeleteIfWaiting(ctx, "room-1", "admitted")
	if err != nil || deleted {
		t.Fatalf("admitted entry must survive, deleted=%v err=%v", deleted, err)
	}
	deleted, err = store.DeleteIfWaiting(ctx, "room-1", "ghost")
	if err != nil || deleted {
		t.Fatalf("missing entry reports no delete, deleted=%v err=%v", deleted, err)
	}
}

func TestRedisStoreList(t *testing.T) {
	store := newStubStore(t)
	ctx := context.Background()

	for _, userID := range []string{"u1", "u2", "u3"} {
		entry := models.WaitingEntry{RoomID: "room-1", UserID: userID, Status: models.WaitingStatusWaiting, DisplayName: "User " + userID}
		if err := store.Put(ctx, entry); err != nil {
			t.Fatalf("put %s: %v", userID, err)
		}
	}
	entries, err := store.List(ctx, "room-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	seen := make(map[string]bool)
	for _, entry := range entries {
		seen[entry.UserID] = true
		if entry.RoomID != "room-1" {
			t.Fatalf("entry should carry room id, got %+v", entry)
		}
	}
	if !seen["u1"] || !seen["u2"] || !seen["u3"] {
		t.Fatalf("missing users in list: %v", seen)
	}

	empty, err := store.List(ctx, "other-room")
	if err != nil {
		t.Fatalf("list empty room: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected no entries, got %d", len(empty))
	}
}
