package admission

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Naveenravi07/Avara/internal/bus"
	"github.com/Naveenravi07/Avara/internal/models"
)

// Notifier is a locally-held signaling channel for one waiting client. The
// gateway registers one per (room, user) pair; decisions arriving on the bus
// are pushed through it.
type Notifier interface {
	AdmissionApproved()
	AdmissionRejected()
}

type channelKey struct {
	roomID string
	userID string
}

// Coordinator owns the waiting-list state machine. The store is the only
// state shared across processes; the local channel table exists so the
// process holding a waiting client's connection can push the decision.
// Decisions for clients held elsewhere (or already disconnected) are silently
// dropped — delivery is at-most-once by design.
type Coordinator struct {
	store  Store
	events bus.Bus
	logger *slog.Logger

	mu       sync.Mutex
	channels map[channelKey]Notifier
}

// NewCoordinator wires the store and bus together.
func NewCoordinator(store Store, events bus.Bus, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:    store,
		events:   events,
		logger:   logger,
		channels: make(map[channelKey]Notifier),
	}
}

// Attach registers the signaling channel for a waiting client.
func (c *Coordinator) Attach(roomID, userID string, notifier Notifier) {
	c.mu.Lock()
	c.channels[channelKey{roomID: roomID, userID: userID}] = notifier
	c.mu.Unlock()
}

// Detach removes the channel registration without touching the store.
func (c *Coordinator) Detach(roomID, userID string) {
	c.mu.Lock()
	delete(c.channels, channelKey{roomID: roomID, userID: userID})
	c.mu.Unlock()
}

// RequestToWait writes the waiting entry and announces it to the room
// owner's connection via the bus. The store write is the only failure mode.
func (c *Coordinator) RequestToWait(ctx context.Context, roomID, userID, displayName, avatarRef string) error {
	entry := models.WaitingEntry{
		RoomID:      roomID,
		UserID:      userID,
		Status:      models.WaitingStatusWaiting,
		DisplayName: displayName,
		AvatarRef:   avatarRef,
	}
	if err := c.store.Put(ctx, entry); err != nil {
		return fmt.Errorf("persist waiting entry: %w", err)
	}
	c.publish(ctx, bus.Event{
		Type:        bus.EventUserWaiting,
		RoomID:      roomID,
		UserID:      userID,
		DisplayName: displayName,
		AvatarRef:   avatarRef,
	})
	return nil
}

// CancelWait handles a disconnect while waiting: the channel registration is
// dropped and the entry is deleted only if it is still waiting. An admitted
// entry survives so the user can rejoin without a second approval.
func (c *Coordinator) CancelWait(ctx context.Context, roomID, userID string) error {
	c.Detach(roomID, userID)
	deleted, err := c.store.DeleteIfWaiting(ctx, roomID, userID)
	if err != nil {
		return fmt.Errorf("delete waiting entry: %w", err)
	}
	if deleted {
		c.logger.Info("waiting entry removed on disconnect", "room", roomID, "user", userID)
	}
	return nil
}

// ListWaiting returns the room's entries keyed by user id for the approving
// client's UI.
func (c *Coordinator) ListWaiting(ctx context.Context, roomID string) (map[string]models.WaitingEntry, error) {
	entries, err := c.store.List(ctx, roomID)
	if err != nil {
		return nil, err
	}
	byUser := make(map[string]models.WaitingEntry, len(entries))
	for _, entry := range entries {
		byUser[entry.UserID] = entry
	}
	return byUser, nil
}

// Entry fetches one waiting entry.
func (c *Coordinator) Entry(ctx context.Context, roomID, userID string) (models.WaitingEntry, bool, error) {
	return c.store.Get(ctx, roomID, userID)
}

// Admit flips the entry to admitted, then publishes the decision. The bus
// event is only sent after the store write completes; listeners must be
// idempotent to duplicates.
func (c *Coordinator) Admit(ctx context.Context, roomID, userID string) error {
	if err := c.store.SetStatus(ctx, roomID, userID, models.WaitingStatusAdmitted); err != nil {
		return err
	}
	c.publish(ctx, bus.Event{Type: bus.EventAdmitted, RoomID: roomID, UserID: userID})
	return nil
}

// Reject deletes the entry, then publishes the decision.
func (c *Coordinator) Reject(ctx context.Context, roomID, userID string) error {
	if _, ok, err := c.store.Get(ctx, roomID, userID); err != nil {
		return err
	} else if !ok {
		return ErrEntryNotFound
	}
	if err := c.store.Delete(ctx, roomID, userID); err != nil {
		return err
	}
	c.publish(ctx, bus.Event{Type: bus.EventRejected, RoomID: roomID, UserID: userID})
	return nil
}

func (c *Coordinator) publish(ctx context.Context, event bus.Event) {
	if c.events == nil {
		return
	}
	if err := c.events.Publish(ctx, event); err != nil {
		c.logger.Warn("admission event publish failed",
			"type", event.Type, "room", event.RoomID, "user", event.UserID, "error", err)
	}
}

// Run subscribes to the bus and forwards decisions to locally-held channels
// until the context is cancelled. Events for (room, user) pairs without a
// local channel are dropped.
func (c *Coordinator) Run(ctx context.Context) {
	if c.events == nil {
		return
	}
	sub := c.events.Subscribe()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			c.dispatch(event)
		}
	}
}

func (c *Coordinator) dispatch(event bus.Event) {
	if event.Type != bus.EventAdmitted && event.Type != bus.EventRejected {
		return
	}
	c.mu.Lock()
	notifier, ok := c.channels[channelKey{roomID: event.RoomID, userID: event.UserID}]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("no local channel for admission decision",
			"type", event.Type, "room", event.RoomID, "user", event.UserID)
		return
	}
	switch event.Type {
	case bus.EventAdmitted:
		notifier.AdmissionApproved()
	case bus.EventRejected:
		notifier.AdmissionRejected()
	}
}
