// Package media wraps the SFU engine behind opaque handle-returning
// interfaces. The signaling core only manages the bookkeeping around routers,
// transports, producers and consumers; the engine owns the media path.
package media

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

var (
	ErrAlreadyConnected   = errors.New("transport already connected")
	ErrUnknownProducer    = errors.New("unknown producer")
	ErrIncompatibleCodecs = errors.New("incompatible codecs")
)

// Kind is a media stream kind.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Capabilities is the negotiable codec set of a router or a consuming peer.
type Capabilities struct {
	Codecs []webrtc.RTPCodecCapability `json:"codecs"`
}

// TransportParams is what a client needs to complete ICE/DTLS negotiation.
type TransportParams struct {
	ID             string                 `json:"id"`
	ICEParameters  webrtc.ICEParameters   `json:"iceParameters"`
	ICECandidates  []webrtc.ICECandidate  `json:"iceCandidates"`
	DTLSParameters webrtc.DTLSParameters  `json:"dtlsParameters"`
}

// ConnectParams is the remote half of the handshake. The remote ICE
// parameters travel alongside DTLS because pion has no ICE-lite server mode.
type ConnectParams struct {
	ICEParameters  webrtc.ICEParameters  `json:"iceParameters"`
	DTLSParameters webrtc.DTLSParameters `json:"dtlsParameters"`
}

// RTPParameters describe one negotiated stream.
type RTPParameters struct {
	MID       string                        `json:"mid,omitempty"`
	Codecs    []webrtc.RTPCodecParameters   `json:"codecs"`
	Encodings []webrtc.RTPCodingParameters  `json:"encodings"`
}

// ConsumerParams is the acknowledgement payload of a successful consume.
type ConsumerParams struct {
	ID            string        `json:"id"`
	ProducerID    string        `json:"producerId"`
	Kind          Kind          `json:"kind"`
	RTPParameters RTPParameters `json:"rtpParameters"`
}

// Engine creates routers. OnFatal installs the handler for unrecoverable
// engine failure; policy on that path is fail-fast process termination.
type Engine interface {
	CreateRouter(ctx context.Context, codecs []webrtc.RTPCodecCapability) (Router, error)
	OnFatal(func(error))
	Close() error
}

// Router is a room-scoped media-routing handle shared by all peers of that
// room; it matches producer and consumer capabilities.
type Router interface {
	Capabilities() Capabilities
	CreateTransport(ctx context.Context) (Transport, error)
	CanConsume(producerID string, caps Capabilities) bool
}

// Transport is one negotiated ICE/DTLS endpoint.
type Transport interface {
	ID() string
	Params() TransportParams
	// Connect completes the handshake. Returns ErrAlreadyConnected on repeat.
	Connect(params ConnectParams) error
	Produce(kind Kind, rtp RTPParameters) (Producer, error)
	Consume(producerID string, caps Capabilities, paused bool) (Consumer, error)
	// OnDTLSClosed fires once when the security handshake reaches its
	// terminal closed state. Invoked from the engine's goroutine.
	OnDTLSClosed(func())
	Close() error
}

// Producer is a single inbound media stream published by a peer.
type Producer interface {
	ID() string
	Kind() Kind
	Close() error
}

// Consumer is a single outbound forwarding of one Producer's stream to one
// peer. Created paused; no media flows until Resume.
type Consumer interface {
	ID() string
	Kind() Kind
	ProducerID() string
	RTPParameters() RTPParameters
	Resume() error
	Close() error
}

// DefaultCodecs is the negotiable codec set given to new routers.
func DefaultCodecs() []webrtc.RTPCodecCapability {
	return []webrtc.RTPCodecCapability{
		{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
	}
}
