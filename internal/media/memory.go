package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// NewMemoryEngine initialises an engine that tracks state without opening any
// network resources. It backs tests and single-machine deployments where real
// media switching is handled elsewhere.
func NewMemoryEngine() Engine {
	return &memoryEngine{}
}

type memoryEngine struct {
	mu     sync.Mutex
	closed bool
}

func (e *memoryEngine) CreateRouter(ctx context.Context) (Router, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, fmt.Errorf("media: engine closed")
	}
	return &memoryRouter{
		transports: make(map[string]*memoryTransport),
		producers:  make(map[string]*memoryProducer),
		consumers:  make(map[string]*memoryConsumer),
	}, nil
}

func (e *memoryEngine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

type memoryTransport struct {
	id        string
	connected bool
}

type memoryProducer struct {
	id          string
	transportID string
	kind        Kind
	codec       webrtc.RTPCodecParameters
	closed      bool
}

type memoryConsumer struct {
	id         string
	producerID string
	resumed    bool
}

type memoryRouter struct {
	mu         sync.Mutex
	transports map[string]*memoryTransport
	producers  map[string]*memoryProducer
	consumers  map[string]*memoryConsumer
}

func (r *memoryRouter) Capabilities() Capabilities {
	return Capabilities{Codecs: routerCodecs()}
}

func (r *memoryRouter) CreateTransport(ctx context.Context) (TransportInfo, error) {
	transport := &memoryTransport{id: uuid.NewString()}
	r.mu.Lock()
	r.transports[transport.id] = transport
	r.mu.Unlock()
	return TransportInfo{
		ID: transport.id,
		ICEParameters: webrtc.ICEParameters{
			UsernameFragment: uuid.NewString()[:8],
			Password:         uuid.NewString(),
		},
	}, nil
}

func (r *memoryRouter) ConnectTransport(ctx context.Context, transportID string, params ConnectParameters) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	transport, ok := r.transports[transportID]
	if !ok {
		return ErrTransportNotFound
	}
	if transport.connected {
		return ErrAlreadyConnected
	}
	transport.connected = true
	return nil
}

func (r *memoryRouter) CloseTransport(transportID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.transports[transportID]; !ok {
		return ErrTransportNotFound
	}
	delete(r.transports, transportID)
	return nil
}

func (r *memoryRouter) Produce(ctx context.Context, transportID string, req ProduceRequest) (string, error) {
	if !req.Kind.Valid() {
		return "", fmt.Errorf("media: unknown kind %q", req.Kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.transports[transportID]; !ok {
		return "", ErrTransportNotFound
	}
	codec, err := r.pickCodec(req)
	if err != nil {
		return "", err
	}
	producer := &memoryProducer{
		id:          uuid.NewString(),
		transportID: transportID,
		kind:        req.Kind,
		codec:       codec,
	}
	r.producers[producer.id] = producer
	return producer.id, nil
}

func (r *memoryRouter) pickCodec(req ProduceRequest) (webrtc.RTPCodecParameters, error) {
	caps := r.Capabilities()
	for _, offered := range req.Codecs {
		if caps.Supports(offered.RTPCodecCapability) {
			return offered, nil
		}
	}
	if len(req.Codecs) == 0 {
		for _, codec := range caps.Codecs {
			if kindOf(codec) == req.Kind {
				return codec, nil
			}
		}
	}
	return webrtc.RTPCodecParameters{}, ErrIncompatible
}

func (r *memoryRouter) CloseProducer(producerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.producers[producerID]; !ok {
		return ErrProducerNotFound
	}
	delete(r.producers, producerID)
	return nil
}

func (r *memoryRouter) CanConsume(producerID string, caps Capabilities) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	producer, ok := r.producers[producerID]
	if !ok {
		return false
	}
	return caps.Supports(producer.codec.RTPCodecCapability)
}

func (r *memoryRouter) Consume(ctx context.Context, transportID, producerID string, caps Capabilities) (ConsumerInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.transports[transportID]; !ok {
		return ConsumerInfo{}, ErrTransportNotFound
	}
	producer, ok := r.producers[producerID]
	if !ok {
		return ConsumerInfo{}, ErrProducerNotFound
	}
	if !caps.Supports(producer.codec.RTPCodecCapability) {
		return ConsumerInfo{}, ErrIncompatible
	}
	consumer := &memoryConsumer{id: uuid.NewString(), producerID: producerID}
	r.consumers[consumer.id] = consumer
	return ConsumerInfo{
		ID:         consumer.id,
		ProducerID: producerID,
		Kind:       producer.kind,
		Codecs:     []webrtc.RTPCodecParameters{producer.codec},
	}, nil
}

func (r *memoryRouter) ResumeConsumer(ctx context.Context, consumerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	consumer, ok := r.consumers[consumerID]
	if !ok {
		return ErrConsumerNotFound
	}
	consumer.resumed = true
	return nil
}

func (r *memoryRouter) CloseConsumer(consumerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.consumers[consumerID]; !ok {
		return ErrConsumerNotFound
	}
	delete(r.consumers, consumerID)
	return nil
}

func (r *memoryRouter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports = make(map[string]*memoryTransport)
	r.producers = make(map[string]*memoryProducer)
	r.consumers = make(map[string]*memoryConsumer)
	return nil
}
