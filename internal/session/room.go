// Package session implements the session coordinator: it turns signaling
// requests into media-engine calls while keeping per-room bookkeeping
// consistent. Room state is process-local; deployments with several session
// coordinator replicas must route all signaling for a room to one replica.
package session

import (
	"errors"
	"sync"

	"github.com/Naveenravi07/Avara/internal/media"
)

var (
	ErrRoomNotFound        = errors.New("session: room not found")
	ErrRoomExists          = errors.New("session: room already exists")
	ErrParticipantNotFound = errors.New("session: participant not found")
	ErrTransportNotFound   = errors.New("session: transport not found")
	ErrProducerNotFound    = errors.New("session: producer not found")
	ErrConsumerNotFound    = errors.New("session: consumer not found")
	// ErrRoleMismatch is returned when a connect call claims a different
	// send/receive role than the transport was created with. This is an
	// anti-confusion check, not a security boundary.
	ErrRoleMismatch = errors.New("session: transport role mismatch")
	// ErrNoReceiveTransport is returned when a participant tries to consume
	// before creating a receive transport.
	ErrNoReceiveTransport = errors.New("session: participant has no receive transport")
)

// participant tracks a joined user and id-list back-references into the
// room's maps. The lists are lookups only; the room maps own the records.
type participant struct {
	userID      string
	displayName string
	avatarRef   string

	transportIDs []string
	producerIDs  []string
	consumerIDs  []string
}

type transportRecord struct {
	userID   string
	receiver bool
}

type producerRecord struct {
	userID      string
	transportID string
	kind        media.Kind
}

type consumerRecord struct {
	userID      string
	transportID string
	producerID  string
}

// room is an arena of id-keyed tables. Mutations go through the room mutex;
// cascade deletes walk the owning participant's id lists.
type room struct {
	id string

	mu           sync.Mutex
	router       media.Router
	participants map[string]*participant
	transports   map[string]transportRecord
	producers    map[string]producerRecord
	consumers    map[string]consumerRecord
}

func newRoom(id string) *room {
	return &room{
		id:           id,
		participants: make(map[string]*participant),
		transports:   make(map[string]transportRecord),
		producers:    make(map[string]producerRecord),
		consumers:    make(map[string]consumerRecord),
	}
}

func removeID(ids []string, id string) []string {
	for i, candidate := range ids {
		if candidate == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// ParticipantInfo is the read-only view returned to clients.
type ParticipantInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarRef string `json:"avatarRef,omitempty"`
}

// ProducerDescriptor identifies a published track and its owner. It is the
// payload of the newProducer and producerClosed events.
type ProducerDescriptor struct {
	ID     string     `json:"id"`
	UserID string     `json:"userId"`
	Kind   media.Kind `json:"kind"`
}

// ConsumerDescriptor describes a consumer created for a subscriber, including
// which participant owns the watched producer.
type ConsumerDescriptor struct {
	media.ConsumerInfo
	OwnerID string `json:"userId"`
}

// RoomSnapshot reports the size of each room table, used by tests and the
// health surface.
type RoomSnapshot struct {
	Participants int `json:"participants"`
	Transports   int `json:"transports"`
	Producers    int `json:"producers"`
	Consumers    int `json:"consumers"`
}
