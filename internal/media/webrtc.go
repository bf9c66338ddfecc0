package media

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// WebRTCConfig tunes the pion-backed engine.
type WebRTCConfig struct {
	// PortMin/PortMax bound the ephemeral UDP range used for ICE.
	PortMin uint16
	PortMax uint16
	// GatherTimeout bounds how long CreateTransport waits for candidate
	// gathering to finish.
	GatherTimeout time.Duration
	Logger        *slog.Logger
}

// NewWebRTCEngine builds an engine on top of pion's ORTC API. The engine runs
// ICE-lite: clients initiate connectivity checks against the candidates
// returned from CreateTransport.
func NewWebRTCEngine(cfg WebRTCConfig) (Engine, error) {
	settings := webrtc.SettingEngine{}
	settings.SetLite(true)
	if cfg.PortMin > 0 || cfg.PortMax > 0 {
		if err := settings.SetEphemeralUDPPortRange(cfg.PortMin, cfg.PortMax); err != nil {
			return nil, fmt.Errorf("set udp port range: %w", err)
		}
	}

	mediaEngine := &webrtc.MediaEngine{}
	for _, codec := range routerCodecs() {
		kind := webrtc.RTPCodecTypeAudio
		if codec.RTPCodecCapability.MimeType == webrtc.MimeTypeVP8 {
			kind = webrtc.RTPCodecTypeVideo
		}
		if err := mediaEngine.RegisterCodec(codec, kind); err != nil {
			return nil, fmt.Errorf("register codec %s: %w", codec.RTPCodecCapability.MimeType, err)
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.GatherTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &webrtcEngine{
		api:           webrtc.NewAPI(webrtc.WithSettingEngine(settings), webrtc.WithMediaEngine(mediaEngine)),
		gatherTimeout: timeout,
		logger:        logger,
	}, nil
}

// routerCodecs is the fixed codec set every router switches: one audio codec
// and one video codec with a starting-bitrate hint.
func routerCodecs() []webrtc.RTPCodecParameters {
	return []webrtc.RTPCodecParameters{
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:    webrtc.MimeTypeOpus,
				ClockRate:   48000,
				Channels:    2,
				SDPFmtpLine: "minptime=10;useinbandfec=1",
			},
			PayloadType: 111,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:    webrtc.MimeTypeVP8,
				ClockRate:   90000,
				SDPFmtpLine: "x-google-start-bitrate=1000",
			},
			PayloadType: 96,
		},
	}
}

type webrtcEngine struct {
	api           *webrtc.API
	gatherTimeout time.Duration
	logger        *slog.Logger

	mu      sync.Mutex
	routers []*webrtcRouter
	closed  bool
}

func (e *webrtcEngine) CreateRouter(ctx context.Context) (Router, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, fmt.Errorf("media: engine closed")
	}
	router := &webrtcRouter{
		engine:     e,
		transports: make(map[string]*webrtcTransport),
		producers:  make(map[string]*webrtcProducer),
		consumers:  make(map[string]*webrtcConsumer),
	}
	e.routers = append(e.routers, router)
	return router, nil
}

func (e *webrtcEngine) Close() error {
	e.mu.Lock()
	routers := e.routers
	e.routers = nil
	e.closed = true
	e.mu.Unlock()
	for _, router := range routers {
		_ = router.Close()
	}
	return nil
}

type webrtcTransport struct {
	id        string
	gatherer  *webrtc.ICEGatherer
	ice       *webrtc.ICETransport
	dtls      *webrtc.DTLSTransport
	connected bool
}

type webrtcProducer struct {
	id          string
	transportID string
	kind        Kind
	codec       webrtc.RTPCodecParameters
	receiver    *webrtc.RTPReceiver
	local       *webrtc.TrackLocalStaticRTP
	stop        chan struct{}
	stopOnce    sync.Once
}

type webrtcConsumer struct {
	id          string
	producerID  string
	transportID string
	kind        Kind
	sender      *webrtc.RTPSender
	resumed     bool
}

type webrtcRouter struct {
	engine *webrtcEngine

	mu         sync.Mutex
	transports map[string]*webrtcTransport
	producers  map[string]*webrtcProducer
	consumers  map[string]*webrtcConsumer
	closed     bool
}

func (r *webrtcRouter) Capabilities() Capabilities {
	return Capabilities{Codecs: routerCodecs()}
}

func (r *webrtcRouter) CreateTransport(ctx context.Context) (TransportInfo, error) {
	gatherer, err := r.engine.api.NewICEGatherer(webrtc.ICEGatherOptions{})
	if err != nil {
		return TransportInfo{}, fmt.Errorf("new ice gatherer: %w", err)
	}
	ice := r.engine.api.NewICETransport(gatherer)
	dtls, err := r.engine.api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return TransportInfo{}, fmt.Errorf("new dtls transport: %w", err)
	}

	done := make(chan struct{})
	gatherer.OnLocalCandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			close(done)
		}
	})
	if err := gatherer.Gather(); err != nil {
		_ = gatherer.Close()
		return TransportInfo{}, fmt.Errorf("gather candidates: %w", err)
	}
	select {
	case <-done:
	case <-time.After(r.engine.gatherTimeout):
		_ = gatherer.Close()
		return TransportInfo{}, fmt.Errorf("gather candidates: timed out")
	case <-ctx.Done():
		_ = gatherer.Close()
		return TransportInfo{}, ctx.Err()
	}

	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		_ = gatherer.Close()
		return TransportInfo{}, fmt.Errorf("local ice parameters: %w", err)
	}
	candidates, err := gatherer.GetLocalCandidates()
	if err != nil {
		_ = gatherer.Close()
		return TransportInfo{}, fmt.Errorf("local ice candidates: %w", err)
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		_ = gatherer.Close()
		return TransportInfo{}, fmt.Errorf("local dtls parameters: %w", err)
	}

	transport := &webrtcTransport{
		id:       uuid.NewString(),
		gatherer: gatherer,
		ice:      ice,
		dtls:     dtls,
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = gatherer.Close()
		return TransportInfo{}, fmt.Errorf("media: router closed")
	}
	r.transports[transport.id] = transport
	r.mu.Unlock()

	return TransportInfo{
		ID:             transport.id,
		ICEParameters:  iceParams,
		ICECandidates:  candidates,
		DTLSParameters: dtlsParams,
	}, nil
}

func (r *webrtcRouter) ConnectTransport(ctx context.Context, transportID string, params ConnectParameters) error {
	r.mu.Lock()
	transport, ok := r.transports[transportID]
	if ok && transport.connected {
		r.mu.Unlock()
		return ErrAlreadyConnected
	}
	if ok {
		transport.connected = true
	}
	r.mu.Unlock()
	if !ok {
		return ErrTransportNotFound
	}

	role := webrtc.ICERoleControlled
	remoteICE := webrtc.ICEParameters{}
	if params.ICE != nil {
		remoteICE = *params.ICE
	}
	if err := transport.ice.Start(transport.gatherer, remoteICE, &role); err != nil {
		return fmt.Errorf("start ice: %w", err)
	}
	if err := transport.dtls.Start(params.DTLS); err != nil {
		return fmt.Errorf("start dtls: %w", err)
	}
	return nil
}

func (r *webrtcRouter) CloseTransport(transportID string) error {
	r.mu.Lock()
	transport, ok := r.transports[transportID]
	delete(r.transports, transportID)
	r.mu.Unlock()
	if !ok {
		return ErrTransportNotFound
	}
	r.stopTransport(transport)
	return nil
}

func (r *webrtcRouter) stopTransport(transport *webrtcTransport) {
	_ = transport.dtls.Stop()
	_ = transport.ice.Stop()
	_ = transport.gatherer.Close()
}

func (r *webrtcRouter) Produce(ctx context.Context, transportID string, req ProduceRequest) (string, error) {
	if !req.Kind.Valid() {
		return "", fmt.Errorf("media: unknown kind %q", req.Kind)
	}
	r.mu.Lock()
	transport, ok := r.transports[transportID]
	r.mu.Unlock()
	if !ok {
		return "", ErrTransportNotFound
	}

	codec, err := r.matchCodec(req)
	if err != nil {
		return "", err
	}

	codecType := webrtc.RTPCodecTypeAudio
	if req.Kind == KindVideo {
		codecType = webrtc.RTPCodecTypeVideo
	}
	receiver, err := r.engine.api.NewRTPReceiver(codecType, transport.dtls)
	if err != nil {
		return "", fmt.Errorf("new rtp receiver: %w", err)
	}
	if err := receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{
			{RTPCodingParameters: webrtc.RTPCodingParameters{SSRC: webrtc.SSRC(req.SSRC)}},
		},
	}); err != nil {
		return "", fmt.Errorf("receive: %w", err)
	}

	producerID := uuid.NewString()
	local, err := webrtc.NewTrackLocalStaticRTP(codec.RTPCodecCapability, producerID, "avara")
	if err != nil {
		_ = receiver.Stop()
		return "", fmt.Errorf("new local track: %w", err)
	}

	producer := &webrtcProducer{
		id:          producerID,
		transportID: transportID,
		kind:        req.Kind,
		codec:       codec,
		receiver:    receiver,
		local:       local,
		stop:        make(chan struct{}),
	}

	r.mu.Lock()
	r.producers[producerID] = producer
	r.mu.Unlock()

	go r.forward(producer)
	return producerID, nil
}

// matchCodec resolves the producer's codec against the router's fixed set.
func (r *webrtcRouter) matchCodec(req ProduceRequest) (webrtc.RTPCodecParameters, error) {
	routerCaps := r.Capabilities()
	for _, offered := range req.Codecs {
		if routerCaps.Supports(offered.RTPCodecCapability) {
			return offered, nil
		}
	}
	// Fall back to the router's default codec for the kind when the client
	// sent no explicit codec list.
	if len(req.Codecs) == 0 {
		for _, codec := range routerCaps.Codecs {
			if kindOf(codec) == req.Kind {
				return codec, nil
			}
		}
	}
	return webrtc.RTPCodecParameters{}, ErrIncompatible
}

func kindOf(codec webrtc.RTPCodecParameters) Kind {
	if codec.RTPCodecCapability.ClockRate == 90000 {
		return KindVideo
	}
	return KindAudio
}

// forward copies RTP from the producer's remote track onto the shared local
// track every consumer sender is attached to.
func (r *webrtcRouter) forward(producer *webrtcProducer) {
	track := producer.receiver.Track()
	if track == nil {
		return
	}
	buf := make([]byte, 1500)
	for {
		select {
		case <-producer.stop:
			return
		default:
		}
		n, _, err := track.Read(buf)
		if err != nil {
			return
		}
		if _, err := producer.local.Write(buf[:n]); err != nil {
			return
		}
	}
}

func (r *webrtcRouter) CloseProducer(producerID string) error {
	r.mu.Lock()
	producer, ok := r.producers[producerID]
	delete(r.producers, producerID)
	r.mu.Unlock()
	if !ok {
		return ErrProducerNotFound
	}
	producer.stopOnce.Do(func() { close(producer.stop) })
	_ = producer.receiver.Stop()
	return nil
}

func (r *webrtcRouter) CanConsume(producerID string, caps Capabilities) bool {
	r.mu.Lock()
	producer, ok := r.producers[producerID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return caps.Supports(producer.codec.RTPCodecCapability)
}

func (r *webrtcRouter) Consume(ctx context.Context, transportID, producerID string, caps Capabilities) (ConsumerInfo, error) {
	r.mu.Lock()
	transport, transportOK := r.transports[transportID]
	producer, producerOK := r.producers[producerID]
	r.mu.Unlock()
	if !transportOK {
		return ConsumerInfo{}, ErrTransportNotFound
	}
	if !producerOK {
		return ConsumerInfo{}, ErrProducerNotFound
	}
	if !caps.Supports(producer.codec.RTPCodecCapability) {
		return ConsumerInfo{}, ErrIncompatible
	}

	sender, err := r.engine.api.NewRTPSender(producer.local, transport.dtls)
	if err != nil {
		return ConsumerInfo{}, fmt.Errorf("new rtp sender: %w", err)
	}

	consumer := &webrtcConsumer{
		id:          uuid.NewString(),
		producerID:  producerID,
		transportID: transportID,
		kind:        producer.kind,
		sender:      sender,
	}

	r.mu.Lock()
	r.consumers[consumer.id] = consumer
	r.mu.Unlock()

	return ConsumerInfo{
		ID:         consumer.id,
		ProducerID: producerID,
		Kind:       producer.kind,
		Codecs:     []webrtc.RTPCodecParameters{producer.codec},
	}, nil
}

func (r *webrtcRouter) ResumeConsumer(ctx context.Context, consumerID string) error {
	r.mu.Lock()
	consumer, ok := r.consumers[consumerID]
	if ok && consumer.resumed {
		r.mu.Unlock()
		return nil
	}
	if ok {
		consumer.resumed = true
	}
	r.mu.Unlock()
	if !ok {
		return ErrConsumerNotFound
	}
	if err := consumer.sender.Send(consumer.sender.GetParameters()); err != nil {
		return fmt.Errorf("start sender: %w", err)
	}
	return nil
}

func (r *webrtcRouter) CloseConsumer(consumerID string) error {
	r.mu.Lock()
	consumer, ok := r.consumers[consumerID]
	delete(r.consumers, consumerID)
	r.mu.Unlock()
	if !ok {
		return ErrConsumerNotFound
	}
	_ = consumer.sender.Stop()
	return nil
}

func (r *webrtcRouter) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	consumers := r.consumers
	producers := r.producers
	transports := r.transports
	r.consumers = make(map[string]*webrtcConsumer)
	r.producers = make(map[string]*webrtcProducer)
	r.transports = make(map[string]*webrtcTransport)
	r.mu.Unlock()

	for _, consumer := range consumers {
		_ = consumer.sender.Stop()
	}
	for _, producer := range producers {
		producer.stopOnce.Do(func() { close(producer.stop) })
		_ = producer.receiver.Stop()
	}
	for _, transport := range transports {
		r.stopTransport(transport)
	}
	return nil
}
