// Package media defines the contract between the session coordinator and the
// media-switching engine, plus the two engine implementations shipped with the
// server. The coordinator only orchestrates the engine; codec negotiation and
// packet forwarding stay behind the Router interface.
package media

import (
	"context"
	"errors"
	"strings"

	"github.com/pion/webrtc/v4"
)

// Kind identifies the media type carried by a producer or consumer.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Valid reports whether the kind is one of the supported media types.
func (k Kind) Valid() bool {
	return k == KindAudio || k == KindVideo
}

var (
	// ErrTransportNotFound indicates the engine has no transport with the
	// given id.
	ErrTransportNotFound = errors.New("media: transport not found")
	// ErrProducerNotFound indicates the engine has no producer with the
	// given id.
	ErrProducerNotFound = errors.New("media: producer not found")
	// ErrConsumerNotFound indicates the engine has no consumer with the
	// given id.
	ErrConsumerNotFound = errors.New("media: consumer not found")
	// ErrAlreadyConnected is returned when a transport receives a second
	// connect call.
	ErrAlreadyConnected = errors.New("media: transport already connected")
	// ErrIncompatible is returned when receiver capabilities cannot consume
	// a producer's codec.
	ErrIncompatible = errors.New("media: incompatible capabilities")
)

// Capabilities describes the codec set a router can switch, or the codec set
// a receiver is able to decode.
type Capabilities struct {
	Codecs []webrtc.RTPCodecParameters `json:"codecs"`
}

// Supports reports whether any codec in the capability set matches the given
// codec by mime type and clock rate.
func (c Capabilities) Supports(codec webrtc.RTPCodecCapability) bool {
	for _, candidate := range c.Codecs {
		if strings.EqualFold(candidate.MimeType, codec.MimeType) && candidate.ClockRate == codec.ClockRate {
			return true
		}
	}
	return false
}

// TransportInfo carries the negotiation material a client needs to connect a
// freshly created transport. Values are returned verbatim from the engine.
type TransportInfo struct {
	ID             string                `json:"id"`
	ICEParameters  webrtc.ICEParameters  `json:"iceParameters"`
	ICECandidates  []webrtc.ICECandidate `json:"iceCandidates"`
	DTLSParameters webrtc.DTLSParameters `json:"dtlsParameters"`
}

// ConnectParameters is the client's half of the transport handshake. ICE
// parameters are optional; engines running ICE-lite learn the peer from
// connectivity checks and ignore them.
type ConnectParameters struct {
	DTLS webrtc.DTLSParameters `json:"dtlsParameters"`
	ICE  *webrtc.ICEParameters `json:"iceParameters,omitempty"`
}

// ProduceRequest describes a track a participant wants to publish.
type ProduceRequest struct {
	Kind   Kind                        `json:"kind"`
	Codecs []webrtc.RTPCodecParameters `json:"codecs"`
	SSRC   uint32                      `json:"ssrc"`
}

// ConsumerInfo describes a consumer created for a subscriber. Consumers start
// paused; the subscriber resumes them once its transport is ready.
type ConsumerInfo struct {
	ID         string                      `json:"id"`
	ProducerID string                      `json:"producerId"`
	Kind       Kind                        `json:"kind"`
	Codecs     []webrtc.RTPCodecParameters `json:"codecs"`
}

// Engine owns the media worker and creates one Router per room.
type Engine interface {
	CreateRouter(ctx context.Context) (Router, error)
	Close() error
}

// Router is the per-room switching context. All ids it hands out are opaque
// to callers; the session coordinator keys its bookkeeping on them.
type Router interface {
	// Capabilities returns the codec set the router switches.
	Capabilities() Capabilities
	// CreateTransport allocates a new transport and returns its
	// negotiation material.
	CreateTransport(ctx context.Context) (TransportInfo, error)
	// ConnectTransport completes the handshake for a transport. A second
	// connect on the same transport fails with ErrAlreadyConnected.
	ConnectTransport(ctx context.Context, transportID string, params ConnectParameters) error
	// CloseTransport releases the transport and everything running on it.
	CloseTransport(transportID string) error
	// Produce starts switching an inbound track and returns the producer id.
	Produce(ctx context.Context, transportID string, req ProduceRequest) (string, error)
	// CloseProducer stops switching the track.
	CloseProducer(producerID string) error
	// CanConsume reports whether the receiver capability set can decode the
	// producer's codec.
	CanConsume(producerID string, caps Capabilities) bool
	// Consume attaches a paused consumer for producerID onto the given
	// receive transport.
	Consume(ctx context.Context, transportID, producerID string, caps Capabilities) (ConsumerInfo, error)
	// ResumeConsumer starts media flow on a previously created consumer.
	// Resuming an already-resumed consumer is a no-op.
	ResumeConsumer(ctx context.Context, consumerID string) error
	// CloseConsumer detaches the consumer.
	CloseConsumer(consumerID string) error
	// Close releases every resource owned by the router.
	Close() error
}
