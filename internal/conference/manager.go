// Package conference is the SFU signaling core: per-room media routers,
// per-connection peer records and the transport/producer/consumer resource
// graph. It mediates the join → transport → produce → notify → consume
// negotiation between peers of a room; the media engine owns the media path.
package conference

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/huddlehq/huddle/internal/domain"
	"github.com/huddlehq/huddle/internal/hub"
	"github.com/huddlehq/huddle/internal/media"
	"github.com/huddlehq/huddle/internal/store"
)

var (
	// ErrNotJoined is returned when an operation arrives before joinRoom.
	ErrNotJoined = errors.New("not joined to a conference room")
	// ErrCannotConsume is returned when the router cannot bridge the remote
	// producer's format into the caller's declared capabilities.
	ErrCannotConsume = errors.New("cannot consume producer")
)

// ConnID identifies one signaling connection. Conference state is keyed by
// connection, not by user: two tabs of the same user are distinct peers.
type ConnID string

type Role string

const (
	RoleProduce Role = "produce"
	RoleConsume Role = "consume"
)

// TransportInfo is the createTransport acknowledgement. Reused is signaled
// distinctly so the client can skip re-negotiating ICE/DTLS.
type TransportInfo struct {
	Reused bool                  `json:"reused"`
	Params media.TransportParams `json:"params"`
}

type newProducerEvent struct {
	Type       string     `json:"type"`
	ProducerID string     `json:"producerId"`
	Kind       media.Kind `json:"kind"`
}

type producerClosedEvent struct {
	Type             string `json:"type"`
	RemoteProducerID string `json:"remoteProducerId"`
}

// confRoom pairs the shared router with the current peer set. Never deleted,
// even when the peer list empties: a rejoining client finds the router and
// its capabilities preserved.
type confRoom struct {
	router  media.Router
	peerIDs map[ConnID]struct{}
}

type peer struct {
	connID ConnID
	userID domain.UserID
	roomID domain.RoomID
	conn   hub.SignalConnection
}

type transportRec struct {
	id        string
	connID    ConnID
	roomID    domain.RoomID
	role      Role
	handle    media.Transport
	consumers int
}

type producerRec struct {
	id          string
	connID      ConnID
	roomID      domain.RoomID
	kind        media.Kind
	transportID string
	handle      media.Producer
}

type consumerRec struct {
	id          string
	connID      ConnID
	producerID  string
	transportID string
	handle      media.Consumer
	paused      bool
}

// Manager owns every conference pool. One mutex serializes the multi-step
// scan-then-modify sequences; engine and store calls are made outside the
// lock since they can stall. Close cascades run synchronously so the order
// between "resource closed" and "dependent cleanup" is deterministic.
type Manager struct {
	engine media.Engine
	rooms  store.RoomStore
	codecs []webrtc.RTPCodecCapability

	mu         sync.Mutex
	confRooms  map[domain.RoomID]*confRoom
	peers      map[ConnID]*peer
	transports map[string]*transportRec
	producers  map[string]*producerRec
	consumers  map[string]*consumerRec
}

func NewManager(engine media.Engine, rooms store.RoomStore, codecs []webrtc.RTPCodecCapability) *Manager {
	return &Manager{
		engine:     engine,
		rooms:      rooms,
		codecs:     codecs,
		confRooms:  make(map[domain.RoomID]*confRoom),
		peers:      make(map[ConnID]*peer),
		transports: make(map[string]*transportRec),
		producers:  make(map[string]*producerRec),
		consumers:  make(map[string]*consumerRec),
	}
}

// JoinRoom authorizes via the room store, lazily creates the room's shared
// router on first join, records the peer and returns the router's negotiable
// capabilities. A connection already joined elsewhere is cleaned up first.
func (m *Manager) JoinRoom(ctx context.Context, connID ConnID, userID domain.UserID, roomID domain.RoomID, conn hub.SignalConnection) (media.Capabilities, error) {
	room, err := m.rooms.GetRoom(ctx, userID, roomID)
	if err != nil {
		return media.Capabilities{}, fmt.Errorf("authorize join: %w", err)
	}

	m.mu.Lock()
	if _, ok := m.peers[connID]; ok {
		m.mu.Unlock()
		m.Leave(connID)
		m.mu.Lock()
	}
	cr, ok := m.confRooms[room.ID]
	m.mu.Unlock()

	if !ok {
		router, err := m.engine.CreateRouter(ctx, m.codecs)
		if err != nil {
			return media.Capabilities{}, fmt.Errorf("create router: %w", err)
		}
		m.mu.Lock()
		// Another join may have won the race; keep the first router.
		if existing, ok := m.confRooms[room.ID]; ok {
			cr = existing
		} else {
			cr = &confRoom{router: router, peerIDs: make(map[ConnID]struct{})}
			m.confRooms[room.ID] = cr
			log.Info().Str("module", "conference").Str("room", string(room.ID)).Msg("conference room created")
		}
		m.mu.Unlock()
	}

	m.mu.Lock()
	m.peers[connID] = &peer{connID: connID, userID: userID, roomID: room.ID, conn: conn}
	cr.peerIDs[connID] = struct{}{}
	m.mu.Unlock()

	log.Info().Str("module", "conference").Str("conn", string(connID)).Str("room", string(room.ID)).Msg("peer joined")
	return cr.router.Capabilities(), nil
}

// CreateTransport allocates a transport from the room's router. A consume
// transport of this connection with fewer than two active consumers is
// reused instead; produce transports are always newly allocated.
func (m *Manager) CreateTransport(ctx context.Context, connID ConnID, role Role) (*TransportInfo, error) {
	m.mu.Lock()
	p, ok := m.peers[connID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotJoined
	}
	if role == RoleConsume {
		for _, rec := range m.transports {
			if rec.connID == connID && rec.roomID == p.roomID && rec.role == RoleConsume && rec.consumers < 2 {
				m.mu.Unlock()
				return &TransportInfo{Reused: true, Params: media.TransportParams{ID: rec.id}}, nil
			}
		}
	}
	router := m.confRooms[p.roomID].router
	roomID := p.roomID
	m.mu.Unlock()

	t, err := router.CreateTransport(ctx)
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}
	rec := &transportRec{id: t.ID(), connID: connID, roomID: roomID, role: role, handle: t}
	// Self-close when the security handshake reaches its terminal state.
	t.OnDTLSClosed(func() { m.transportClosed(rec.id) })

	m.mu.Lock()
	if _, ok := m.peers[connID]; !ok {
		m.mu.Unlock()
		t.Close()
		return nil, ErrNotJoined
	}
	m.transports[rec.id] = rec
	m.mu.Unlock()

	return &TransportInfo{Params: t.Params()}, nil
}

// ConnectTransport completes the handshake on the caller's produce transport.
func (m *Manager) ConnectTransport(connID ConnID, params media.ConnectParams) error {
	m.mu.Lock()
	if _, ok := m.peers[connID]; !ok {
		m.mu.Unlock()
		return ErrNotJoined
	}
	var handle media.Transport
	for _, rec := range m.transports {
		if rec.connID == connID && rec.role == RoleProduce {
			handle = rec.handle
			break
		}
	}
	m.mu.Unlock()
	if handle == nil {
		return fmt.Errorf("produce transport: %w", domain.ErrNotFound)
	}
	return handle.Connect(params)
}

// ConnectRecvTransport completes the handshake on the named consume
// transport. A repeated handshake on an already-connected transport is
// tolerated, not an error.
func (m *Manager) ConnectRecvTransport(connID ConnID, transportID string, params media.ConnectParams) error {
	m.mu.Lock()
	if _, ok := m.peers[connID]; !ok {
		m.mu.Unlock()
		return ErrNotJoined
	}
	rec, ok := m.transports[transportID]
	if !ok || rec.role != RoleConsume || rec.consumers >= 2 {
		m.mu.Unlock()
		return fmt.Errorf("consume transport %s: %w", transportID, domain.ErrNotFound)
	}
	handle := rec.handle
	m.mu.Unlock()

	if err := handle.Connect(params); err != nil {
		if errors.Is(err, media.ErrAlreadyConnected) {
			log.Debug().Str("module", "conference").Str("transport", transportID).Msg("already connected")
			return nil
		}
		return err
	}
	return nil
}

// Produce creates a Producer on the caller's produce transport. Other peers
// are not informed implicitly; that is NotifyNewProducer's job.
func (m *Manager) Produce(connID ConnID, kind media.Kind, rtp media.RTPParameters) (string, error) {
	m.mu.Lock()
	p, ok := m.peers[connID]
	if !ok {
		m.mu.Unlock()
		return "", ErrNotJoined
	}
	var tr *transportRec
	for _, rec := range m.transports {
		if rec.connID == connID && rec.roomID == p.roomID && rec.role == RoleProduce {
			tr = rec
			break
		}
	}
	m.mu.Unlock()
	if tr == nil {
		return "", fmt.Errorf("produce transport: %w", domain.ErrNotFound)
	}

	prod, err := tr.handle.Produce(kind, rtp)
	if err != nil {
		return "", fmt.Errorf("produce: %w", err)
	}

	m.mu.Lock()
	m.producers[prod.ID()] = &producerRec{
		id:          prod.ID(),
		connID:      connID,
		roomID:      tr.roomID,
		kind:        kind,
		transportID: tr.id,
		handle:      prod,
	}
	m.mu.Unlock()

	log.Info().Str("module", "conference").Str("conn", string(connID)).
		Str("producer", prod.ID()).Str("kind", string(kind)).Msg("producer created")
	return prod.ID(), nil
}

// NotifyNewProducer informs the other peers of the room that publish the
// same media kind about the new producer. Suppressed entirely while the room
// has at most one peer.
func (m *Manager) NotifyNewProducer(connID ConnID, producerID string, kind media.Kind) error {
	m.mu.Lock()
	p, ok := m.peers[connID]
	if !ok {
		m.mu.Unlock()
		return ErrNotJoined
	}
	cr := m.confRooms[p.roomID]
	if cr == nil || len(cr.peerIDs) <= 1 {
		m.mu.Unlock()
		return nil
	}
	targets := make(map[ConnID]hub.SignalConnection)
	for _, rec := range m.producers {
		if rec.roomID == p.roomID && rec.connID != connID && rec.kind == kind {
			if other, ok := m.peers[rec.connID]; ok {
				targets[rec.connID] = other.conn
			}
		}
	}
	m.mu.Unlock()

	ev := newProducerEvent{Type: "new-producer", ProducerID: producerID, Kind: kind}
	for _, conn := range targets {
		hub.Push(conn, ev)
	}
	return nil
}

// ListProducers returns every producer id of the caller's room excluding the
// caller's own, for a newly joined peer to discover existing streams.
func (m *Manager) ListProducers(connID ConnID) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[connID]
	if !ok {
		return nil, ErrNotJoined
	}
	out := []string{}
	for _, rec := range m.producers {
		if rec.roomID == p.roomID && rec.connID != connID {
			out = append(out, rec.id)
		}
	}
	return out, nil
}

func (m *Manager) PeersExist(connID ConnID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[connID]
	if !ok {
		return false, ErrNotJoined
	}
	cr := m.confRooms[p.roomID]
	return cr != nil && len(cr.peerIDs) > 1, nil
}

// Consume bridges a remote producer onto the named consume transport. The
// consumer is created paused and must be resumed explicitly before media
// flows.
func (m *Manager) Consume(connID ConnID, remoteProducerID string, caps media.Capabilities, transportID string) (media.ConsumerParams, error) {
	m.mu.Lock()
	p, ok := m.peers[connID]
	if !ok {
		m.mu.Unlock()
		return media.ConsumerParams{}, ErrNotJoined
	}
	router := m.confRooms[p.roomID].router
	rec, ok := m.transports[transportID]
	if !ok || rec.role != RoleConsume {
		m.mu.Unlock()
		return media.ConsumerParams{}, fmt.Errorf("consume transport %s: %w", transportID, domain.ErrNotFound)
	}
	handle := rec.handle
	m.mu.Unlock()

	if !router.CanConsume(remoteProducerID, caps) {
		return media.ConsumerParams{}, ErrCannotConsume
	}
	cons, err := handle.Consume(remoteProducerID, caps, true)
	if err != nil {
		return media.ConsumerParams{}, fmt.Errorf("%w: %v", ErrCannotConsume, err)
	}

	m.mu.Lock()
	m.consumers[cons.ID()] = &consumerRec{
		id:          cons.ID(),
		connID:      connID,
		producerID:  remoteProducerID,
		transportID: transportID,
		handle:      cons,
		paused:      true,
	}
	if tr, ok := m.transports[transportID]; ok {
		tr.consumers++
	}
	m.mu.Unlock()

	return media.ConsumerParams{
		ID:            cons.ID(),
		ProducerID:    remoteProducerID,
		Kind:          cons.Kind(),
		RTPParameters: cons.RTPParameters(),
	}, nil
}

// ResumeConsumer flips a consumer from paused to active.
func (m *Manager) ResumeConsumer(connID ConnID, consumerID string) error {
	m.mu.Lock()
	rec, ok := m.consumers[consumerID]
	if !ok || rec.connID != connID {
		m.mu.Unlock()
		return fmt.Errorf("consumer %s: %w", consumerID, domain.ErrNotFound)
	}
	rec.paused = false
	handle := rec.handle
	m.mu.Unlock()
	return handle.Resume()
}

// Leave closes and removes every resource owned by the connection and drops
// the peer from its room. Idempotent: leaving with no prior join is a no-op.
// The conference room record itself is kept even when its peer list empties.
func (m *Manager) Leave(connID ConnID) {
	m.mu.Lock()
	p, ok := m.peers[connID]
	if !ok {
		m.mu.Unlock()
		return
	}

	var actions []func()
	// Producers first so dependent consumers are notified and closed before
	// their producer goes away.
	for _, rec := range m.producers {
		if rec.connID == connID {
			m.closeProducerLocked(rec, &actions)
		}
	}
	for _, rec := range m.consumers {
		if rec.connID == connID {
			m.dropConsumerLocked(rec, nil, &actions)
		}
	}
	for _, rec := range m.transports {
		if rec.connID == connID {
			m.dropTransportLocked(rec, true, &actions)
		}
	}
	delete(m.peers, connID)
	if cr, ok := m.confRooms[p.roomID]; ok {
		delete(cr.peerIDs, connID)
	}
	m.mu.Unlock()

	for _, fn := range actions {
		fn()
	}
	log.Info().Str("module", "conference").Str("conn", string(connID)).Str("room", string(p.roomID)).Msg("peer left")
}

// transportClosed handles the engine's DTLS-closed signal: the transport
// self-closes and is removed from the registry, cascading to its resources.
func (m *Manager) transportClosed(transportID string) {
	m.mu.Lock()
	rec, ok := m.transports[transportID]
	if !ok {
		m.mu.Unlock()
		return
	}
	var actions []func()
	for _, prod := range m.producers {
		if prod.transportID == transportID {
			m.closeProducerLocked(prod, &actions)
		}
	}
	m.dropTransportLocked(rec, true, &actions)
	m.mu.Unlock()

	for _, fn := range actions {
		fn()
	}
	log.Info().Str("module", "conference").Str("transport", transportID).Msg("transport self-closed")
}

// closeProducerLocked removes the producer and cascades: every dependent
// consumer's owner is notified with producer-closed, the consumer closed and
// dropped first, then the producer itself is closed.
func (m *Manager) closeProducerLocked(rec *producerRec, actions *[]func()) {
	for _, c := range m.consumers {
		if c.producerID == rec.id {
			var conn hub.SignalConnection
			if owner, ok := m.peers[c.connID]; ok {
				conn = owner.conn
			}
			m.dropConsumerLocked(c, conn, actions)
		}
	}
	delete(m.producers, rec.id)
	handle := rec.handle
	*actions = append(*actions, func() { handle.Close() })
}

func (m *Manager) dropConsumerLocked(rec *consumerRec, notifyConn hub.SignalConnection, actions *[]func()) {
	if _, ok := m.consumers[rec.id]; !ok {
		return
	}
	delete(m.consumers, rec.id)
	if tr, ok := m.transports[rec.transportID]; ok && tr.consumers > 0 {
		tr.consumers--
	}
	handle := rec.handle
	producerID := rec.producerID
	*actions = append(*actions, func() {
		if notifyConn != nil {
			hub.Push(notifyConn, producerClosedEvent{Type: "producer-closed", RemoteProducerID: producerID})
		}
		handle.Close()
	})
}

func (m *Manager) dropTransportLocked(rec *transportRec, closeHandle bool, actions *[]func()) {
	if _, ok := m.transports[rec.id]; !ok {
		return
	}
	// Consumers still attached to this transport are dropped silently; the
	// producer-closed notification path does not apply here.
	for _, c := range m.consumers {
		if c.transportID == rec.id {
			m.dropConsumerLocked(c, nil, actions)
		}
	}
	delete(m.transports, rec.id)
	if closeHandle {
		handle := rec.handle
		*actions = append(*actions, func() { handle.Close() })
	}
}
