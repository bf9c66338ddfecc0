// Package signaling exposes the two WebSocket surfaces of the backend: the
// session channel driving the session coordinator and the admission channel
// driving the waiting room. Each channel multiplexes request/response pairs
// and server-pushed events over one persistent connection; requests are
// answered in arrival order.
package signaling

import (
	"encoding/json"

	"github.com/Naveenravi07/Avara/internal/media"
)

// Request is the tagged envelope every inbound frame must parse into.
// Payloads are validated per operation before reaching a coordinator.
type Request struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Response answers one request, correlated by id.
type Response struct {
	Type  string      `json:"type"`
	ID    string      `json:"id,omitempty"`
	OK    bool        `json:"ok"`
	Error string      `json:"error,omitempty"`
	Data  interface{} `json:"data,omitempty"`
}

// EventMessage is a server-pushed frame.
type EventMessage struct {
	Type  string      `json:"type"`
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

const (
	frameResponse = "response"
	frameEvent    = "event"
)

// Session channel request types.
const (
	reqInitialize       = "initialize"
	reqGetCapabilities  = "getCapabilities"
	reqCreateTransport  = "createTransport"
	reqConnectTransport = "connectTransport"
	reqProduce          = "produce"
	reqConsumeAll       = "consumeAll"
	reqConsumeOne       = "consumeOne"
	reqResumeConsumer   = "resumeConsumer"
	reqCloseProducer    = "closeProducer"
	reqListParticipants = "listParticipants"
	reqRequestToWait    = "requestToWait"
)

// Pushed event names.
const (
	evtNewProducer       = "newProducer"
	evtProducerClosed    = "producerClosed"
	evtParticipantJoined = "participantJoined"
	evtParticipantLeft   = "participantLeft"
	evtUserWaiting       = "userWaiting"
	evtAdmissionApproval = "admission-approval"
	evtAdmissionRejected = "admission-rejected"
	evtError             = "error"
)

type initializePayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

type createTransportPayload struct {
	IsReceiver bool `json:"isReceiver"`
}

type connectTransportPayload struct {
	TransportID string                  `json:"transportId"`
	IsReceiver  bool                    `json:"isReceiver"`
	DTLS        media.ConnectParameters `json:"dtlsParams"`
}

type producePayload struct {
	TransportID string               `json:"transportId"`
	Kind        media.Kind           `json:"kind"`
	CodecParams media.ProduceRequest `json:"codecParams"`
}

type consumeAllPayload struct {
	Capabilities media.Capabilities `json:"capabilities"`
}

type consumeOnePayload struct {
	ProducerID   string             `json:"producerId"`
	Capabilities media.Capabilities `json:"capabilities"`
}

type resumeConsumerPayload struct {
	ConsumerID string `json:"consumerId"`
}

type closeProducerPayload struct {
	ProducerID string `json:"producerId"`
}
