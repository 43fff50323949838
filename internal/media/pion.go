package media

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// EngineConfig mirrors the webRtcTransport listen configuration.
type EngineConfig struct {
	ListenIP    string
	AnnouncedIP string
	MinPort     uint16
	MaxPort     uint16
}

// PionEngine implements Engine on pion's ORTC API: one ICE/DTLS stack per
// transport, an RTPReceiver per producer and an RTPSender per consumer.
type PionEngine struct {
	api *webrtc.API

	mu      sync.Mutex
	onFatal func(error)
}

func NewPionEngine(cfg EngineConfig) (*PionEngine, error) {
	se := webrtc.SettingEngine{}
	if cfg.MinPort != 0 || cfg.MaxPort != 0 {
		if err := se.SetEphemeralUDPPortRange(cfg.MinPort, cfg.MaxPort); err != nil {
			return nil, fmt.Errorf("set rtc port range: %w", err)
		}
	}
	announced := cfg.AnnouncedIP
	if announced == "" {
		announced = cfg.ListenIP
	}
	if announced != "" {
		se.SetNAT1To1IPs([]string{announced}, webrtc.ICECandidateTypeHost)
	}

	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	api := webrtc.NewAPI(webrtc.WithSettingEngine(se), webrtc.WithMediaEngine(me))
	log.Info().Str("module", "media").Msg("pion engine ready")
	return &PionEngine{api: api}, nil
}

func (e *PionEngine) OnFatal(fn func(error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onFatal = fn
}

func (e *PionEngine) fatal(err error) {
	e.mu.Lock()
	fn := e.onFatal
	e.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (e *PionEngine) Close() error { return nil }

func (e *PionEngine) CreateRouter(_ context.Context, codecs []webrtc.RTPCodecCapability) (Router, error) {
	return &pionRouter{
		engine:    e,
		codecs:    codecs,
		producers: make(map[string]*pionProducer),
	}, nil
}

type pionRouter struct {
	engine *PionEngine
	codecs []webrtc.RTPCodecCapability

	mu        sync.RWMutex
	producers map[string]*pionProducer
}

func (r *pionRouter) Capabilities() Capabilities {
	return Capabilities{Codecs: r.codecs}
}

func (r *pionRouter) CanConsume(producerID string, caps Capabilities) bool {
	r.mu.RLock()
	prod, ok := r.producers[producerID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	_, err := matchCodec(prod.codecs, caps)
	return err == nil
}

func (r *pionRouter) CreateTransport(ctx context.Context) (Transport, error) {
	api := r.engine.api

	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{})
	if err != nil {
		return nil, fmt.Errorf("new ice gatherer: %w", err)
	}
	ice := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(ice, nil)
	if err != nil {
		return nil, fmt.Errorf("new dtls transport: %w", err)
	}

	t := &pionTransport{
		id:       uuid.NewString(),
		router:   r,
		gatherer: gatherer,
		ice:      ice,
		dtls:     dtls,
	}
	dtls.OnStateChange(func(s webrtc.DTLSTransportState) {
		if s == webrtc.DTLSTransportStateClosed {
			t.fireClosed()
		}
	})

	gatherDone := make(chan struct{})
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			close(gatherDone)
		}
	})
	if err := gatherer.Gather(); err != nil {
		return nil, fmt.Errorf("gather: %w", err)
	}
	select {
	case <-gatherDone:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	candidates, err := gatherer.GetLocalCandidates()
	if err != nil {
		return nil, fmt.Errorf("local candidates: %w", err)
	}
	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		return nil, fmt.Errorf("local ice parameters: %w", err)
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		return nil, fmt.Errorf("local dtls parameters: %w", err)
	}
	t.params = TransportParams{
		ID:             t.id,
		ICEParameters:  iceParams,
		ICECandidates:  candidates,
		DTLSParameters: dtlsParams,
	}
	return t, nil
}

func (r *pionRouter) addProducer(p *pionProducer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.producers[p.id] = p
}

func (r *pionRouter) producer(id string) (*pionProducer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.producers[id]
	return p, ok
}

func (r *pionRouter) removeProducer(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.producers, id)
}

type pionTransport struct {
	id       string
	router   *pionRouter
	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
	params   TransportParams

	mu        sync.Mutex
	connected bool
	onClosed  func()
}

func (t *pionTransport) ID() string              { return t.id }
func (t *pionTransport) Params() TransportParams { return t.params }

func (t *pionTransport) OnDTLSClosed(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClosed = fn
}

func (t *pionTransport) fireClosed() {
	t.mu.Lock()
	fn := t.onClosed
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (t *pionTransport) Connect(params ConnectParams) error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return ErrAlreadyConnected
	}
	t.connected = true
	t.mu.Unlock()

	role := webrtc.ICERoleControlled
	if err := t.ice.Start(t.gatherer, params.ICEParameters, &role); err != nil {
		return fmt.Errorf("start ice: %w", err)
	}
	if err := t.dtls.Start(params.DTLSParameters); err != nil {
		return fmt.Errorf("start dtls: %w", err)
	}
	return nil
}

func (t *pionTransport) Produce(kind Kind, rtp RTPParameters) (Producer, error) {
	if len(rtp.Encodings) == 0 {
		return nil, fmt.Errorf("produce %s: missing encodings", kind)
	}
	receiver, err := t.router.engine.api.NewRTPReceiver(codecTypeOf(kind), t.dtls)
	if err != nil {
		return nil, fmt.Errorf("new rtp receiver: %w", err)
	}
	recvParams := webrtc.RTPReceiveParameters{}
	for _, enc := range rtp.Encodings {
		recvParams.Encodings = append(recvParams.Encodings,
			webrtc.RTPDecodingParameters{RTPCodingParameters: enc})
	}
	if err := receiver.Receive(recvParams); err != nil {
		return nil, fmt.Errorf("receive: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &pionProducer{
		id:       uuid.NewString(),
		kind:     kind,
		codecs:   rtp.Codecs,
		receiver: receiver,
		router:   t.router,
	}
	p.relay = newRelay(receiver.Track(), cancel)
	t.router.addProducer(p)
	go p.relay.loop(ctx, p.id)
	return p, nil
}

func (t *pionTransport) Consume(producerID string, caps Capabilities, paused bool) (Consumer, error) {
	prod, ok := t.router.producer(producerID)
	if !ok {
		return nil, ErrUnknownProducer
	}
	codec, err := matchCodec(prod.codecs, caps)
	if err != nil {
		return nil, err
	}

	track, err := webrtc.NewTrackLocalStaticRTP(codec.RTPCodecCapability, string(prod.kind), "huddle")
	if err != nil {
		return nil, fmt.Errorf("new local track: %w", err)
	}
	sender, err := t.router.engine.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("new rtp sender: %w", err)
	}

	sendParams := sender.GetParameters()
	rtp := RTPParameters{Codecs: sendParams.Codecs}
	for _, enc := range sendParams.Encodings {
		rtp.Encodings = append(rtp.Encodings, enc.RTPCodingParameters)
	}

	c := &pionConsumer{
		id:         uuid.NewString(),
		kind:       prod.kind,
		producerID: producerID,
		sender:     sender,
		out:        newOutTrack(track, paused),
		relay:      prod.relay,
		rtp:        rtp,
	}
	prod.relay.addOut(c.id, c.out)
	return c, nil
}

func (t *pionTransport) Close() error {
	if err := t.dtls.Stop(); err != nil {
		return fmt.Errorf("stop dtls: %w", err)
	}
	return t.ice.Stop()
}

type pionProducer struct {
	id       string
	kind     Kind
	codecs   []webrtc.RTPCodecParameters
	receiver *webrtc.RTPReceiver
	relay    *relay
	router   *pionRouter
}

func (p *pionProducer) ID() string { return p.id }
func (p *pionProducer) Kind() Kind { return p.kind }

func (p *pionProducer) Close() error {
	p.relay.stop()
	p.router.removeProducer(p.id)
	return p.receiver.Stop()
}

type pionConsumer struct {
	id         string
	kind       Kind
	producerID string
	sender     *webrtc.RTPSender
	out        *outTrack
	relay      *relay
	rtp        RTPParameters

	mu      sync.Mutex
	started bool
}

func (c *pionConsumer) ID() string                   { return c.id }
func (c *pionConsumer) Kind() Kind                   { return c.kind }
func (c *pionConsumer) ProducerID() string           { return c.producerID }
func (c *pionConsumer) RTPParameters() RTPParameters { return c.rtp }

func (c *pionConsumer) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		if err := c.sender.Send(c.sender.GetParameters()); err != nil {
			return fmt.Errorf("start sender: %w", err)
		}
		c.started = true
	}
	c.out.markLive()
	return nil
}

func (c *pionConsumer) Close() error {
	c.out.markClosed()
	c.relay.removeOut(c.id)
	return c.sender.Stop()
}

func codecTypeOf(kind Kind) webrtc.RTPCodecType {
	if kind == KindAudio {
		return webrtc.RTPCodecTypeAudio
	}
	return webrtc.RTPCodecTypeVideo
}

func matchCodec(offered []webrtc.RTPCodecParameters, caps Capabilities) (webrtc.RTPCodecParameters, error) {
	for _, pc := range offered {
		for _, cc := range caps.Codecs {
			if strings.EqualFold(pc.MimeType, cc.MimeType) {
				return pc, nil
			}
		}
	}
	return webrtc.RTPCodecParameters{}, ErrIncompatibleCodecs
}
