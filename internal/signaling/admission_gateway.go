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

	"github.com/Naveenravi07/Avara/internal/admission"
	"github.com/Naveenravi07/Avara/internal/meet"
	"github.com/Naveenravi07/Avara/internal/models"
)

// AdmissionGatewayConfig configures an AdmissionGateway.
type AdmissionGatewayConfig struct {
	Admission *admission.Coordinator
	Meetings  meet.Repository
	Logger    *slog.Logger
}

// AdmissionGateway serves the waiting-room channel. A client connects with a
// room id, asks to wait, and then holds the connection open until the room
// owner decides. The decision arrives as a pushed event; the channel carries
// nothing else.
type AdmissionGateway struct {
	admission *admission.Coordinator
	meetings  meet.Repository
	logger    *slog.Logger
}

// NewAdmissionGateway initialises a gateway using the provided configuration.
func NewAdmissionGateway(cfg AdmissionGatewayConfig) *AdmissionGateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &AdmissionGateway{
		admission: cfg.Admission,
		meetings:  cfg.Meetings,
		logger:    logger,
	}
}

// HandleConnection upgrades the request to a waiting-room channel. The room
// id travels in the query string; a missing or unknown room produces an error
// event followed by a close.
func (g *AdmissionGateway) HandleConnection(w http.ResponseWriter, r *http.Request, user models.User) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("admission channel upgrade failed", "error", err)
		return
	}
	client := &admissionClient{
		gateway: g,
		conn:    conn,
		user:    user,
		send:    make(chan []byte, sendBuffer),
	}
	go client.writeLoop()

	roomID := r.URL.Query().Get("roomId")
	if roomID == "" {
		client.pushEvent(evtError, map[string]string{"message": "room id is required"})
		client.close()
		return
	}
	if _, ok, err := g.meetings.Get(r.Context(), roomID); err != nil || !ok {
		if err != nil {
			g.logger.Warn("meeting lookup failed", "room", roomID, "error", err)
		}
		client.pushEvent(evtError, map[string]string{"message": "meeting not found"})
		client.close()
		return
	}
	client.roomID = roomID
	go client.readLoop(r.Context())
}

type admissionClient struct {
	gateway *AdmissionGateway
	conn    *websocket.Conn
	user    models.User
	send    chan []byte

	roomID  string
	waiting bool
	closed  sync.Once
}

// AdmissionApproved implements admission.Notifier.
func (c *admissionClient) AdmissionApproved() {
	c.pushEvent(evtAdmissionApproval, "Ok")
}

// AdmissionRejected implements admission.Notifier.
func (c *admissionClient) AdmissionRejected() {
	c.pushEvent(evtAdmissionRejected, "Ok")
}

func (c *admissionClient) readLoop(ctx context.Context) {
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
		c.handle(ctx, req)
	}
}

func (c *admissionClient) handle(ctx context.Context, req Request) {
	switch req.Type {
	case reqInitialize:
		// The room is already validated from the query string; the
		// request exists so clients can reuse the session handshake.
		c.respond(req, true)
	case reqRequestToWait:
		c.handleRequestToWait(ctx, req)
	default:
		c.respondError(req, errors.New("unknown request type"))
	}
}

func (c *admissionClient) handleRequestToWait(ctx context.Context, req Request) {
	c.gateway.admission.Attach(c.roomID, c.user.ID, c)
	err := c.gateway.admission.RequestToWait(ctx, c.roomID, c.user.ID, c.user.DisplayName, c.user.AvatarURL)
	if err != nil {
		c.gateway.admission.Detach(c.roomID, c.user.ID)
		c.respondError(req, err)
		return
	}
	c.waiting = true
	c.respond(req, true)
}

func (c *admissionClient) respond(req Request, data interface{}) {
	payload, err := json.Marshal(Response{Type: frameResponse, ID: req.ID, OK: true, Data: data})
	if err != nil {
		return
	}
	c.enqueue(payload)
}

func (c *admissionClient) respondError(req Request, err error) {
	payload, marshalErr := json.Marshal(Response{Type: frameResponse, ID: req.ID, OK: false, Error: err.Error()})
	if marshalErr != nil {
		return
	}
	c.enqueue(payload)
}

func (c *admissionClient) pushEvent(event string, data interface{}) {
	payload, err := json.Marshal(EventMessage{Type: frameEvent, Event: event, Data: data})
	if err != nil {
		return
	}
	c.enqueue(payload)
}

func (c *admissionClient) enqueue(payload []byte) {
	select {
	case c.send <- payload:
	default:
	}
}

func (c *admissionClient) writeLoop() {
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

func (c *admissionClient) close() {
	c.closed.Do(func() {
		if c.waiting {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.gateway.admission.CancelWait(ctx, c.roomID, c.user.ID); err != nil {
				c.gateway.logger.Warn("cancel wait failed",
					"room", c.roomID, "user", c.user.ID, "error", err)
			}
		} else if c.roomID != "" {
			c.gateway.admission.Detach(c.roomID, c.user.ID)
		}
		close(c.send)
		_ = c.conn.Close()
	})
}
