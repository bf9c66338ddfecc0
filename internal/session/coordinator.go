package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/Naveenravi07/Avara/internal/media"
)

// Coordinator owns all room state for this process and brokers every media
// engine call. Cross-room operations run fully in parallel; mutations within
// one room are serialized by the room mutex.
type Coordinator struct {
	engine media.Engine
	logger *slog.Logger

	mu    sync.RWMutex
	rooms map[string]*room

	// routerInit collapses concurrent first-capability requests so a room
	// only ever creates one routing context.
	routerInit singleflight.Group
}

// NewCoordinator initialises a coordinator on top of the given engine.
func NewCoordinator(engine media.Engine, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		engine: engine,
		logger: logger,
		rooms:  make(map[string]*room),
	}
}

func (c *Coordinator) room(roomID string) (*room, error) {
	c.mu.RLock()
	rm, ok := c.rooms[roomID]
	c.mu.RUnlock()
	if !ok {
		return nil, ErrRoomNotFound
	}
	return rm, nil
}

// EnsureRoom creates room state for roomID. Explicit creation is guarded:
// calling it twice for the same room fails with ErrRoomExists.
func (c *Coordinator) EnsureRoom(roomID string) error {
	if roomID == "" {
		return fmt.Errorf("session: room id is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[roomID]; ok {
		return ErrRoomExists
	}
	c.rooms[roomID] = newRoom(roomID)
	return nil
}

// HasRoom reports whether the coordinator tracks the room.
func (c *Coordinator) HasRoom(roomID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.rooms[roomID]
	return ok
}

// JoinRoom registers the user as a participant. Rejoining resets the tracked
// collections; any engine resources left over from the previous join are
// closed first so they do not leak.
func (c *Coordinator) JoinRoom(ctx context.Context, roomID, userID, displayName, avatarRef string) error {
	rm, err := c.room(roomID)
	if err != nil {
		return err
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if previous, ok := rm.participants[userID]; ok {
		c.releaseParticipantLocked(rm, previous)
	}
	rm.participants[userID] = &participant{
		userID:      userID,
		displayName: displayName,
		avatarRef:   avatarRef,
	}
	return nil
}

// RoutingCapabilities lazily creates the room's routing context and returns
// its capability descriptor. Safe to call concurrently; exactly one routing
// context is ever created per room.
func (c *Coordinator) RoutingCapabilities(ctx context.Context, roomID string) (media.Capabilities, error) {
	rm, err := c.room(roomID)
	if err != nil {
		return media.Capabilities{}, err
	}
	rm.mu.Lock()
	router := rm.router
	rm.mu.Unlock()
	if router != nil {
		return router.Capabilities(), nil
	}

	value, err, _ := c.routerInit.Do(roomID, func() (interface{}, error) {
		rm.mu.Lock()
		if rm.router != nil {
			existing := rm.router
			rm.mu.Unlock()
			return existing, nil
		}
		rm.mu.Unlock()

		created, err := c.engine.CreateRouter(ctx)
		if err != nil {
			return nil, fmt.Errorf("create routing context: %w", err)
		}
		rm.mu.Lock()
		rm.router = created
		rm.mu.Unlock()
		return created, nil
	})
	if err != nil {
		return media.Capabilities{}, err
	}
	return value.(media.Router).Capabilities(), nil
}

// CreateTransport asks the engine for a new transport and records it under
// the room and the owning participant.
func (c *Coordinator) CreateTransport(ctx context.Context, roomID, userID string, isReceiver bool) (media.TransportInfo, error) {
	rm, err := c.room(roomID)
	if err != nil {
		return media.TransportInfo{}, err
	}
	rm.mu.Lock()
	router := rm.router
	p, ok := rm.participants[userID]
	rm.mu.Unlock()
	if !ok {
		return media.TransportInfo{}, ErrParticipantNotFound
	}
	if router == nil {
		return media.TransportInfo{}, fmt.Errorf("session: room %s has no routing context", roomID)
	}

	info, err := router.CreateTransport(ctx)
	if err != nil {
		return media.TransportInfo{}, fmt.Errorf("engine create transport: %w", err)
	}

	rm.mu.Lock()
	rm.transports[info.ID] = transportRecord{userID: userID, receiver: isReceiver}
	p.transportIDs = append(p.transportIDs, info.ID)
	rm.mu.Unlock()
	return info, nil
}

// ConnectTransport completes the handshake for a previously created
// transport. The claimed role must match the stored one; a second successful
// connect is rejected at the engine level and surfaced unchanged.
func (c *Coordinator) ConnectTransport(ctx context.Context, roomID, transportID string, isReceiver bool, params media.ConnectParameters) error {
	rm, err := c.room(roomID)
	if err != nil {
		return err
	}
	rm.mu.Lock()
	record, ok := rm.transports[transportID]
	router := rm.router
	rm.mu.Unlock()
	if !ok {
		return ErrTransportNotFound
	}
	if record.receiver != isReceiver {
		return ErrRoleMismatch
	}
	if err := router.ConnectTransport(ctx, transportID, params); err != nil {
		return fmt.Errorf("engine connect transport: %w", err)
	}
	return nil
}

// Produce creates a producer on the given transport and registers it. The
// returned descriptor is what callers broadcast as the newProducer event.
func (c *Coordinator) Produce(ctx context.Context, roomID, userID, transportID string, req media.ProduceRequest) (ProducerDescriptor, error) {
	rm, err := c.room(roomID)
	if err != nil {
		return ProducerDescriptor{}, err
	}
	rm.mu.Lock()
	_, transportOK := rm.transports[transportID]
	p, participantOK := rm.participants[userID]
	router := rm.router
	rm.mu.Unlock()
	if !transportOK {
		return ProducerDescriptor{}, ErrTransportNotFound
	}
	if !participantOK {
		return ProducerDescriptor{}, ErrParticipantNotFound
	}

	producerID, err := router.Produce(ctx, transportID, req)
	if err != nil {
		return ProducerDescriptor{}, fmt.Errorf("engine produce: %w", err)
	}

	rm.mu.Lock()
	rm.producers[producerID] = producerRecord{userID: userID, transportID: transportID, kind: req.Kind}
	p.producerIDs = append(p.producerIDs, producerID)
	rm.mu.Unlock()

	c.logger.Info("producer created",
		"room", roomID, "user", userID, "producer", producerID, "kind", req.Kind)
	return ProducerDescriptor{ID: producerID, UserID: userID, Kind: req.Kind}, nil
}

// receiveTransportLocked finds the participant's receive transport id.
func (rm *room) receiveTransportLocked(p *participant) (string, bool) {
	for _, id := range p.transportIDs {
		if record, ok := rm.transports[id]; ok && record.receiver {
			return id, true
		}
	}
	return "", false
}

// ConsumeAll creates a paused consumer on the caller's receive transport for
// every compatible producer owned by other participants. Per-producer
// failures are logged and skipped; a partial result is always preferable to
// an aborted fan-out.
func (c *Coordinator) ConsumeAll(ctx context.Context, roomID, userID string, caps media.Capabilities) ([]ConsumerDescriptor, error) {
	rm, err := c.room(roomID)
	if err != nil {
		return nil, err
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()

	watcher, ok := rm.participants[userID]
	if !ok {
		return nil, ErrParticipantNotFound
	}
	receiveID, ok := rm.receiveTransportLocked(watcher)
	if !ok {
		return nil, ErrNoReceiveTransport
	}
	router := rm.router
	if router == nil {
		return nil, fmt.Errorf("session: room %s has no routing context", roomID)
	}

	var descriptors []ConsumerDescriptor
	for _, owner := range rm.participants {
		if owner.userID == userID {
			continue
		}
		for _, producerID := range owner.producerIDs {
			if !router.CanConsume(producerID, caps) {
				c.logger.Debug("skipping incompatible producer",
					"room", roomID, "producer", producerID, "user", userID)
				continue
			}
			info, err := router.Consume(ctx, receiveID, producerID, caps)
			if err != nil {
				c.logger.Warn("consumer creation failed",
					"room", roomID, "producer", producerID, "user", userID, "error", err)
				continue
			}
			rm.consumers[info.ID] = consumerRecord{
				userID:      userID,
				transportID: receiveID,
				producerID:  producerID,
			}
			watcher.consumerIDs = append(watcher.consumerIDs, info.ID)
			descriptors = append(descriptors, ConsumerDescriptor{ConsumerInfo: info, OwnerID: owner.userID})
		}
	}
	return descriptors, nil
}

// ConsumeOne creates a paused consumer for exactly one known producer. Used
// for incremental fan-out after a newProducer broadcast.
func (c *Coordinator) ConsumeOne(ctx context.Context, roomID, userID, producerID string, caps media.Capabilities) (ConsumerDescriptor, error) {
	rm, err := c.room(roomID)
	if err != nil {
		return ConsumerDescriptor{}, err
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()

	watcher, ok := rm.participants[userID]
	if !ok {
		return ConsumerDescriptor{}, ErrParticipantNotFound
	}
	record, ok := rm.producers[producerID]
	if !ok {
		return ConsumerDescriptor{}, ErrProducerNotFound
	}
	receiveID, ok := rm.receiveTransportLocked(watcher)
	if !ok {
		return ConsumerDescriptor{}, ErrNoReceiveTransport
	}
	router := rm.router
	if router == nil {
		return ConsumerDescriptor{}, fmt.Errorf("session: room %s has no routing context", roomID)
	}

	info, err := router.Consume(ctx, receiveID, producerID, caps)
	if err != nil {
		return ConsumerDescriptor{}, fmt.Errorf("engine consume: %w", err)
	}
	rm.consumers[info.ID] = consumerRecord{userID: userID, transportID: receiveID, producerID: producerID}
	watcher.consumerIDs = append(watcher.consumerIDs, info.ID)
	return ConsumerDescriptor{ConsumerInfo: info, OwnerID: record.userID}, nil
}

// ResumeConsumer starts media flow on a paused consumer. Resuming twice is
// safe; idempotency is delegated to the engine.
func (c *Coordinator) ResumeConsumer(ctx context.Context, roomID, consumerID string) error {
	rm, err := c.room(roomID)
	if err != nil {
		return err
	}
	rm.mu.Lock()
	_, ok := rm.consumers[consumerID]
	router := rm.router
	rm.mu.Unlock()
	if !ok {
		return ErrConsumerNotFound
	}
	if err := router.ResumeConsumer(ctx, consumerID); err != nil {
		return fmt.Errorf("engine resume consumer: %w", err)
	}
	return nil
}

// CloseProducer closes the producer at the engine, removes it from the room
// and participant bookkeeping, and returns the descriptor callers broadcast
// as the producerClosed event.
func (c *Coordinator) CloseProducer(ctx context.Context, roomID, userID, producerID string) (ProducerDescriptor, error) {
	rm, err := c.room(roomID)
	if err != nil {
		return ProducerDescriptor{}, err
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()

	record, ok := rm.producers[producerID]
	if !ok {
		return ProducerDescriptor{}, ErrProducerNotFound
	}
	if rm.router != nil {
		if err := rm.router.CloseProducer(producerID); err != nil {
			c.logger.Warn("engine close producer failed",
				"room", roomID, "producer", producerID, "error", err)
		}
	}
	delete(rm.producers, producerID)
	if p, ok := rm.participants[record.userID]; ok {
		p.producerIDs = removeID(p.producerIDs, producerID)
	}
	return ProducerDescriptor{ID: producerID, UserID: record.userID, Kind: record.kind}, nil
}

// LeaveRoom cascades deletion of the participant's consumers, producers, and
// transports, releasing each at the engine, then removes the participant.
func (c *Coordinator) LeaveRoom(ctx context.Context, roomID, userID string) error {
	rm, err := c.room(roomID)
	if err != nil {
		return err
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	p, ok := rm.participants[userID]
	if !ok {
		return ErrParticipantNotFound
	}
	c.releaseParticipantLocked(rm, p)
	delete(rm.participants, userID)
	return nil
}

// releaseParticipantLocked walks the participant's id lists (never reverse
// pointers) and removes every owned record, closing engine resources as it
// goes. Consumers first, then producers, then transports.
func (c *Coordinator) releaseParticipantLocked(rm *room, p *participant) {
	for _, consumerID := range p.consumerIDs {
		if rm.router != nil {
			if err := rm.router.CloseConsumer(consumerID); err != nil {
				c.logger.Warn("engine close consumer failed",
					"room", rm.id, "consumer", consumerID, "error", err)
			}
		}
		delete(rm.consumers, consumerID)
	}
	for _, producerID := range p.producerIDs {
		if rm.router != nil {
			if err := rm.router.CloseProducer(producerID); err != nil {
				c.logger.Warn("engine close producer failed",
					"room", rm.id, "producer", producerID, "error", err)
			}
		}
		delete(rm.producers, producerID)
	}
	for _, transportID := range p.transportIDs {
		if rm.router != nil {
			if err := rm.router.CloseTransport(transportID); err != nil {
				c.logger.Warn("engine close transport failed",
					"room", rm.id, "transport", transportID, "error", err)
			}
		}
		delete(rm.transports, transportID)
	}
	p.consumerIDs = nil
	p.producerIDs = nil
	p.transportIDs = nil
}

// Participants returns the read-only participant list for the room.
func (c *Coordinator) Participants(roomID string) ([]ParticipantInfo, error) {
	rm, err := c.room(roomID)
	if err != nil {
		return nil, err
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	infos := make([]ParticipantInfo, 0, len(rm.participants))
	for _, p := range rm.participants {
		infos = append(infos, ParticipantInfo{ID: p.userID, Name: p.displayName, AvatarRef: p.avatarRef})
	}
	return infos, nil
}

// Participant returns the read-only view of one participant.
func (c *Coordinator) Participant(roomID, userID string) (ParticipantInfo, error) {
	rm, err := c.room(roomID)
	if err != nil {
		return ParticipantInfo{}, err
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	p, ok := rm.participants[userID]
	if !ok {
		return ParticipantInfo{}, ErrParticipantNotFound
	}
	return ParticipantInfo{ID: p.userID, Name: p.displayName, AvatarRef: p.avatarRef}, nil
}

// Snapshot reports the current size of each room table.
func (c *Coordinator) Snapshot(roomID string) (RoomSnapshot, error) {
	rm, err := c.room(roomID)
	if err != nil {
		return RoomSnapshot{}, err
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return RoomSnapshot{
		Participants: len(rm.participants),
		Transports:   len(rm.transports),
		Producers:    len(rm.producers),
		Consumers:    len(rm.consumers),
	}, nil
}

// OwnedBy reports whether any transport, producer, or consumer in the room
// still belongs to the user. Used by tests to assert cascade cleanup.
func (c *Coordinator) OwnedBy(roomID, userID string) (bool, error) {
	rm, err := c.room(roomID)
	if err != nil {
		return false, err
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	for _, record := range rm.transports {
		if record.userID == userID {
			return true, nil
		}
	}
	for _, record := range rm.producers {
		if record.userID == userID {
			return true, nil
		}
	}
	for _, record := range rm.consumers {
		if record.userID == userID {
			return true, nil
		}
	}
	return false, nil
}
