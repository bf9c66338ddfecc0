package admission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Naveenravi07/Avara/internal/bus"
	"github.com/Naveenravi07/Avara/internal/models"
)

type stubNotifier struct {
	approved chan struct{}
	rejected chan struct{}
}

func newStubNotifier() *stubNotifier {
	return &stubNotifier{
		approved: make(chan struct{}, 1),
		rejected: make(chan struct{}, 1),
	}
}

func (n *stubNotifier) AdmissionApproved() {
	select {
	case n.approved <- struct{}{}:
	default:
	}
}

func (n *stubNotifier) AdmissionRejected() {
	select {
	case n.rejected <- struct{}{}:
	default:
	}
}

// waitSignal polls for the notification, re-issuing the decision between
// attempts since the dispatch loop subscribes asynchronously.
func waitSignal(t *testing.T, ch <-chan struct{}, what string, redo func()) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		select {
		case <-ch:
			return
		case <-time.After(100 * time.Millisecond):
			if time.Now().After(deadline) {
				t.Fatalf("timed out waiting for %s", what)
			}
			redo()
		}
	}
}

func newTestCoordinator(t *testing.T) (*Coordinator, context.CancelFunc) {
	t.Helper()
	coordinator := NewCoordinator(NewMemoryStore(), bus.NewMemoryBus(0), nil)
	ctx, cancel := context.WithCancel(context.Background())
	go coordinator.Run(ctx)
	t.Cleanup(cancel)
	return coordinator, cancel
}

func TestRequestToWaitListsEntry(t *testing.T) {
	coordinator, _ := newTestCoordinator(t)
	ctx := context.Background()

	if err := coordinator.RequestToWait(ctx, "room-1", "u1", "Alice", "avatar-1"); err != nil {
		t.Fatalf("request to wait: %v", err)
	}
	entries, err := coordinator.ListWaiting(ctx, "room-1")
	if err != nil {
		t.Fatalf("list waiting: %v", err)
	}
	entry, ok := entries["u1"]
	if !ok {
		t.Fatal("expected entry for u1")
	}
	if entry.Status != models.WaitingStatusWaiting {
		t.Fatalf("expected waiting status, got %q", entry.Status)
	}
	if entry.DisplayName != "Alice" || entry.AvatarRef != "avatar-1" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}

func TestAdmitNotifiesLocalChannel(t *testing.T) {
	coordinator, _ := newTestCoordinator(t)
	ctx := context.Background()

	notifier := newStubNotifier()
	coordinator.Attach("room-1", "u1", notifier)
	if err := coordinator.RequestToWait(ctx, "room-1", "u1", "Alice", ""); err != nil {
		t.Fatalf("request to wait: %v", err)
	}
	if err := coordinator.Admit(ctx, "room-1", "u1"); err != nil {
		t.Fatalf("admit: %v", err)
	}
	waitSignal(t, notifier.approved, "approval", func() {
		if err := coordinator.Admit(ctx, "room-1", "u1"); err != nil {
			t.Fatalf("admit retry: %v", err)
		}
	})

	entry, ok, err := coordinator.Entry(ctx, "room-1", "u1")
	if err != nil || !ok {
		t.Fatalf("entry after admit: ok=%v err=%v", ok, err)
	}
	if entry.Status != models.WaitingStatusAdmitted {
		t.Fatalf("expected admitted status, got %q", entry.Status)
	}
}

func TestRejectDeletesEntryAndNotifies(t *testing.T) {
	coordinator, _ := newTestCoordinator(t)
	ctx := context.Background()

	notifier := newStubNotifier()
	coordinator.Attach("room-1", "u1", notifier)
	if err := coordinator.RequestToWait(ctx, "room-1", "u1", "Alice", ""); err != nil {
		t.Fatalf("request to wait: %v", err)
	}
	if err := coordinator.Reject(ctx, "room-1", "u1"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	waitSignal(t, notifier.rejected, "rejection", func() {
		if err := coordinator.RequestToWait(ctx, "room-1", "u1", "Alice", ""); err != nil {
			t.Fatalf("request to wait retry: %v", err)
		}
		if err := coordinator.Reject(ctx, "room-1", "u1"); err != nil {
			t.Fatalf("reject retry: %v", err)
		}
	})

	if _, ok, _ := coordinator.Entry(ctx, "room-1", "u1"); ok {
		t.Fatal("rejected entry should be deleted")
	}
}

func TestRejectUnknownEntry(t *testing.T) {
	coordinator, _ := newTestCoordinator(t)
	err := coordinator.Reject(context.Background(), "room-1", "ghost")
	if !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}
}

func TestCancelWaitRemovesOnlyWaitingEntries(t *testing.T) {
	coordinator, _ := newTestCoordinator(t)
	ctx := context.Background()

	if err := coordinator.RequestToWait(ctx, "room-1", "waiting-user", "W", ""); err != nil {
		t.Fatalf("request to wait: %v", err)
	}
	if err := coordinator.RequestToWait(ctx, "room-1", "admitted-user", "A", ""); err != nil {
		t.Fatalf("request to wait: %v", err)
	}
	if err := coordinator.Admit(ctx, "room-1", "admitted-user"); err != nil {
		t.Fatalf("admit: %v", err)
	}

	if err := coordinator.CancelWait(ctx, "room-1", "waiting-user"); err != nil {
		t.Fatalf("cancel wait: %v", err)
	}
	if _, ok, _ := coordinator.Entry(ctx, "room-1", "waiting-user"); ok {
		t.Fatal("waiting entry should be deleted on disconnect")
	}

	// An admitted entry survives the disconnect so the user can rejoin
	// without a second approval.
	if err := coordinator.CancelWait(ctx, "room-1", "admitted-user"); err != nil {
		t.Fatalf("cancel wait: %v", err)
	}
	entry, ok, _ := coordinator.Entry(ctx, "room-1", "admitted-user")
	if !ok {
		t.Fatal("admitted entry should survive disconnect")
	}
	if entry.Status != models.WaitingStatusAdmitted {
		t.Fatalf("expected admitted status, got %q", entry.Status)
	}
}

func TestDecisionWithoutLocalChannelIsDropped(t *testing.T) {
	coordinator, _ := newTestCoordinator(t)
	ctx := context.Background()

	if err := coordinator.RequestToWait(ctx, "room-1", "u1", "Alice", ""); err != nil {
		t.Fatalf("request to wait: %v", err)
	}
	// No channel attached; the decision must still land in the store.
	if err := coordinator.Admit(ctx, "room-1", "u1"); err != nil {
		t.Fatalf("admit: %v", err)
	}
	entry, ok, err := coordinator.Entry(ctx, "room-1", "u1")
	if err != nil || !ok {
		t.Fatalf("entry: ok=%v err=%v", ok, err)
	}
	if entry.Status != models.WaitingStatusAdmitted {
		t.Fatalf("expected admitted status, got %q", entry.Status)
	}
}
