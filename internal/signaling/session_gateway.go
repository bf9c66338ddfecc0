package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Naveenravi07/Avara/internal/bus"
	"github.com/Naveenravi07/Avara/internal/meet"
	"github.com/Naveenravi07/Avara/internal/models"
	"github.com/Naveenravi07/Avara/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin enforcement happens upstream; the signaling surface is
	// cookie-authenticated before the upgrade.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// SessionGatewayConfig configures a SessionGateway.
type SessionGatewayConfig struct {
	Coordinator *session.Coordinator
	Meetings    meet.Repository
	Events      bus.Bus
	Logger      *slog.Logger
}

// SessionGateway manages the session signaling channels: one WebSocket per
// participant, request/response multiplexing, and room-scoped event pushes.
// It also listens on the admission bus so the room owner's connection hears
// about users entering the waiting room.
type SessionGateway struct {
	coordinator *session.Coordinator
	meetings    meet.Repository
	events      bus.Bus
	logger      *slog.Logger

	mu     sync.RWMutex
	rooms  map[string]map[*sessionClient]struct{}
	owners map[string]*sessionClient
}

// NewSessionGateway initialises a gateway using the provided configuration.
func NewSessionGateway(cfg SessionGatewayConfig) *SessionGateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionGateway{
		coordinator: cfg.Coordinator,
		meetings:    cfg.Meetings,
		events:      cfg.Events,
		logger:      logger,
		rooms:       make(map[string]map[*sessionClient]struct{}),
		owners:      make(map[string]*sessionClient),
	}
}

// HandleConnection upgrades the HTTP request to a signaling channel for the
// authenticated user.
func (g *SessionGateway) HandleConnection(w http.ResponseWriter, r *http.Request, user models.User) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("session channel upgrade failed", "error", err)
		return
	}
	client := &sessionClient{
		gateway: g,
		conn:    conn,
		user:    user,
		send:    make(chan []byte, sendBuffer),
	}
	go client.writeLoop()
	go client.readLoop(r.Context())
}

// Run forwards user-waiting announcements from the admission bus to the room
// owner's connection until the context is cancelled. Rooms whose owner holds
// no connection here drop the announcement.
func (g *SessionGateway) Run(ctx context.Context) {
	if g.events == nil {
		return
	}
	sub := g.events.Subscribe()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			if event.Type != bus.EventUserWaiting {
				continue
			}
			g.notifyOwner(event)
		}
	}
}

func (g *SessionGateway) notifyOwner(event bus.Event) {
	g.mu.RLock()
	owner := g.owners[event.RoomID]
	g.mu.RUnlock()
	if owner == nil {
		g.logger.Debug("no owner connection for waiting announcement",
			"room", event.RoomID, "user", event.UserID)
		return
	}
	owner.pushEvent(evtUserWaiting, map[string]string{
		"userId":    event.UserID,
		"name":      event.DisplayName,
		"avatarRef": event.AvatarRef,
	})
}

// broadcast pushes an event to every channel in the room except the sender.
func (g *SessionGateway) broadcast(roomID string, from *sessionClient, event string, data interface{}) {
	payload, err := json.Marshal(EventMessage{Type: frameEvent, Event: event, Data: data})
	if err != nil {
		g.logger.Error("marshal event failed", "event", event, "error", err)
		return
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	for client := range g.rooms[roomID] {
		if client == from {
			continue
		}
		client.enqueue(payload)
	}
}

func (g *SessionGateway) register(roomID string, client *sessionClient, owner bool) {
	g.mu.Lock()
	if g.rooms[roomID] == nil {
		g.rooms[roomID] = make(map[*sessionClient]struct{})
	}
	g.rooms[roomID][client] = struct{}{}
	if owner {
		g.owners[roomID] = client
	}
	g.mu.Unlock()
}

func (g *SessionGateway) unregister(roomID string, client *sessionClient) {
	g.mu.Lock()
	if clients := g.rooms[roomID]; clients != nil {
		delete(clients, client)
		if len(clients) == 0 {
			delete(g.rooms, roomID)
		}
	}
	if g.owners[roomID] == client {
		delete(g.owners, roomID)
	}
	g.mu.Unlock()
}

type sessionClient struct {
	gateway *SessionGateway
	conn    *websocket.Conn
	user    models.User
	send    chan []byte

	roomID string
	joined bool
	closed sync.Once
}

func (c *sessionClient) readLoop(ctx context.Context) {
	defer c.close()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			c.respondError(Request{}, errors.New("invalid payload"))
			continue
		}
		if !c.handle(ctx, req) {
			return
		}
	}
}

// handle processes one request and reports whether the channel should stay
// open. Only an initialize failure terminates the channel.
func (c *sessionClient) handle(ctx context.Context, req Request) bool {
	if req.Type == reqInitialize {
		if err := c.handleInitialize(ctx, req); err != nil {
			c.pushEvent(evtError, map[string]string{"message": err.Error()})
			return false
		}
		return true
	}
	if !c.joined {
		c.respondError(req, errors.New("initialize first"))
		return true
	}
	switch req.Type {
	case reqGetCapabilities:
		c.handleGetCapabilities(ctx, req)
	case reqCreateTransport:
		c.handleCreateTransport(ctx, req)
	case reqConnectTransport:
		c.handleConnectTransport(ctx, req)
	case reqProduce:
		c.handleProduce(ctx, req)
	case reqConsumeAll:
		c.handleConsumeAll(ctx, req)
	case reqConsumeOne:
		c.handleConsumeOne(ctx, req)
	case reqResumeConsumer:
		c.handleResumeConsumer(ctx, req)
	case reqCloseProducer:
		c.handleCloseProducer(ctx, req)
	case reqListParticipants:
		c.handleListParticipants(req)
	default:
		c.respondError(req, errors.New("unknown request type"))
	}
	return true
}

func (c *sessionClient) handleInitialize(ctx context.Context, req Request) error {
	var payload initializePayload
	if err := json.Unmarshal(req.Data, &payload); err != nil {
		return errors.New("invalid initialize payload")
	}
	if payload.RoomID == "" {
		return errors.New("room id is required")
	}
	if payload.UserID != "" && payload.UserID != c.user.ID {
		return errors.New("user mismatch")
	}
	meeting, ok, err := c.gateway.meetings.Get(ctx, payload.RoomID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("meeting not found")
	}

	if err := c.gateway.coordinator.EnsureRoom(meeting.ID); err != nil && !errors.Is(err, session.ErrRoomExists) {
		return err
	}
	if err := c.gateway.coordinator.JoinRoom(ctx, meeting.ID, c.user.ID, c.user.DisplayName, c.user.AvatarURL); err != nil {
		return err
	}

	c.roomID = meeting.ID
	c.joined = true
	c.gateway.register(meeting.ID, c, meeting.CreatorID == c.user.ID)
	c.gateway.broadcast(meeting.ID, c, evtParticipantJoined, session.ParticipantInfo{
		ID:        c.user.ID,
		Name:      c.user.DisplayName,
		AvatarRef: c.user.AvatarURL,
	})
	c.respond(req, true)
	return nil
}

func (c *sessionClient) handleGetCapabilities(ctx context.Context, req Request) {
	caps, err := c.gateway.coordinator.RoutingCapabilities(ctx, c.roomID)
	if err != nil {
		c.respondError(req, err)
		return
	}
	c.respond(req, caps)
}

func (c *sessionClient) handleCreateTransport(ctx context.Context, req Request) {
	var payload createTransportPayload
	if err := json.Unmarshal(req.Data, &payload); err != nil {
		c.respondError(req, errors.New("invalid createTransport payload"))
		return
	}
	info, err := c.gateway.coordinator.CreateTransport(ctx, c.roomID, c.user.ID, payload.IsReceiver)
	if err != nil {
		c.respondError(req, err)
		return
	}
	c.respond(req, info)
}

func (c *sessionClient) handleConnectTransport(ctx context.Context, req Request) {
	var payload connectTransportPayload
	if err := json.Unmarshal(req.Data, &payload); err != nil || payload.TransportID == "" {
		c.respondError(req, errors.New("invalid connectTransport payload"))
		return
	}
	err := c.gateway.coordinator.ConnectTransport(ctx, c.roomID, payload.TransportID, payload.IsReceiver, payload.DTLS)
	if err != nil {
		c.respondError(req, err)
		return
	}
	c.respond(req, true)
}

func (c *sessionClient) handleProduce(ctx context.Context, req Request) {
	var payload producePayload
	if err := json.Unmarshal(req.Data, &payload); err != nil || payload.TransportID == "" {
		c.respondError(req, errors.New("invalid produce payload"))
		return
	}
	produceReq := payload.CodecParams
	if payload.Kind != "" {
		produceReq.Kind = payload.Kind
	}
	if !produceReq.Kind.Valid() {
		c.respondError(req, errors.New("invalid media kind"))
		return
	}
	descriptor, err := c.gateway.coordinator.Produce(ctx, c.roomID, c.user.ID, payload.TransportID, produceReq)
	if err != nil {
		c.respondError(req, err)
		return
	}
	// The broadcast is the protocol's only push notification for new
	// media; existing members follow up with consumeOne.
	c.gateway.broadcast(c.roomID, c, evtNewProducer, descriptor)
	c.respond(req, map[string]interface{}{"id": descriptor.ID, "kind": descriptor.Kind})
}

func (c *sessionClient) handleConsumeAll(ctx context.Context, req Request) {
	var payload consumeAllPayload
	if err := json.Unmarshal(req.Data, &payload); err != nil {
		c.respondError(req, errors.New("invalid consumeAll payload"))
		return
	}
	descriptors, err := c.gateway.coordinator.ConsumeAll(ctx, c.roomID, c.user.ID, payload.Capabilities)
	if err != nil {
		c.respondError(req, err)
		return
	}
	if descriptors == nil {
		descriptors = []session.ConsumerDescriptor{}
	}
	c.respond(req, descriptors)
}

func (c *sessionClient) handleConsumeOne(ctx context.Context, req Request) {
	var payload consumeOnePayload
	if err := json.Unmarshal(req.Data, &payload); err != nil || payload.ProducerID == "" {
		c.respondError(req, errors.New("invalid consumeOne payload"))
		return
	}
	descriptor, err := c.gateway.coordinator.ConsumeOne(ctx, c.roomID, c.user.ID, payload.ProducerID, payload.Capabilities)
	if err != nil {
		c.respondError(req, err)
		return
	}
	c.respond(req, descriptor)
}

func (c *sessionClient) handleResumeConsumer(ctx context.Context, req Request) {
	var payload resumeConsumerPayload
	if err := json.Unmarshal(req.Data, &payload); err != nil || payload.ConsumerID == "" {
		c.respondError(req, errors.New("invalid resumeConsumer payload"))
		return
	}
	if err := c.gateway.coordinator.ResumeConsumer(ctx, c.roomID, payload.ConsumerID); err != nil {
		c.respondError(req, err)
		return
	}
	c.respond(req, true)
}

func (c *sessionClient) handleCloseProducer(ctx context.Context, req Request) {
	var payload closeProducerPayload
	if err := json.Unmarshal(req.Data, &payload); err != nil || payload.ProducerID == "" {
		c.respondError(req, errors.New("invalid closeProducer payload"))
		return
	}
	descriptor, err := c.gateway.coordinator.CloseProducer(ctx, c.roomID, c.user.ID, payload.ProducerID)
	if err != nil {
		c.respondError(req, err)
		return
	}
	c.gateway.broadcast(c.roomID, c, evtProducerClosed, descriptor)
	c.respond(req, descriptor)
}

func (c *sessionClient) handleListParticipants(req Request) {
	participants, err := c.gateway.coordinator.Participants(c.roomID)
	if err != nil {
		c.respondError(req, err)
		return
	}
	c.respond(req, participants)
}

func (c *sessionClient) respond(req Request, data interface{}) {
	payload, err := json.Marshal(Response{Type: frameResponse, ID: req.ID, OK: true, Data: data})
	if err != nil {
		c.gateway.logger.Error("marshal response failed", "type", req.Type, "error", err)
		return
	}
	c.enqueue(payload)
}

func (c *sessionClient) respondError(req Request, err error) {
	payload, marshalErr := json.Marshal(Response{Type: frameResponse, ID: req.ID, OK: false, Error: err.Error()})
	if marshalErr != nil {
		return
	}
	c.enqueue(payload)
}

func (c *sessionClient) pushEvent(event string, data interface{}) {
	payload, err := json.Marshal(EventMessage{Type: frameEvent, Event: event, Data: data})
	if err != nil {
		return
	}
	c.enqueue(payload)
}

// enqueue hands a frame to the write loop, dropping it when the client is
// too slow to drain its buffer.
func (c *sessionClient) enqueue(payload []byte) {
	select {
	case c.send <- payload:
	default:
	}
}

func (c *sessionClient) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *sessionClient) close() {
	c.closed.Do(func() {
		if c.joined {
			c.gateway.unregister(c.roomID, c)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.gateway.coordinator.LeaveRoom(ctx, c.roomID, c.user.ID); err != nil &&
				!errors.Is(err, session.ErrParticipantNotFound) {
				c.gateway.logger.Warn("leave room failed",
					"room", c.roomID, "user", c.user.ID, "error", err)
			}
			c.gateway.broadcast(c.roomID, c, evtParticipantLeft, map[string]string{
				"userId": c.user.ID,
				"name":   c.user.DisplayName,
			})
		}
		close(c.send)
		_ = c.conn.Close()
	})
}
