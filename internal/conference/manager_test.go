package conference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/huddlehq/huddle/internal/domain"
	"github.com/huddlehq/huddle/internal/hub"
	"github.com/huddlehq/huddle/internal/media"
	"github.com/huddlehq/huddle/internal/store"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []hub.Frame
}

func (c *fakeConn) TrySend(f hub.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close() {}

func (c *fakeConn) typed(t string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, f := range c.frames {
		var env struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(f, &env) == nil && env.Type == t {
			n++
		}
	}
	return n
}

type fakeEngine struct {
	mu      sync.Mutex
	routers int
}

func (e *fakeEngine) CreateRouter(_ context.Context, codecs []webrtc.RTPCodecCapability) (media.Router, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.routers++
	return &fakeRouter{
		codecs:    codecs,
		producers: make(map[string]media.Kind),
	}, nil
}

func (e *fakeEngine) OnFatal(func(error)) {}
func (e *fakeEngine) Close() error        { return nil }

func (e *fakeEngine) routerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.routers
}

type fakeRouter struct {
	codecs []webrtc.RTPCodecCapability

	mu        sync.Mutex
	seq       int
	producers map[string]media.Kind
}

func (r *fakeRouter) Capabilities() media.Capabilities {
	return media.Capabilities{Codecs: r.codecs}
}

func (r *fakeRouter) CreateTransport(context.Context) (media.Transport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	return &fakeTransport{id: fmt.Sprintf("transport-%d", r.seq), router: r}, nil
}

func (r *fakeRouter) CanConsume(producerID string, _ media.Capabilities) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.producers[producerID]
	return ok
}

type fakeTransport struct {
	id     string
	router *fakeRouter

	mu        sync.Mutex
	connected bool
	closed    bool
	onClosed  func()
}

func (t *fakeTransport) ID() string { return t.id }

func (t *fakeTransport) Params() media.TransportParams {
	return media.TransportParams{ID: t.id}
}

func (t *fakeTransport) Connect(media.ConnectParams) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected {
		return media.ErrAlreadyConnected
	}
	t.connected = true
	return nil
}

func (t *fakeTransport) Produce(kind media.Kind, _ media.RTPParameters) (media.Producer, error) {
	t.router.mu.Lock()
	defer t.router.mu.Unlock()
	t.router.seq++
	id := fmt.Sprintf("producer-%d", t.router.seq)
	t.router.producers[id] = kind
	return &fakeProducer{id: id, kind: kind, router: t.router}, nil
}

func (t *fakeTransport) Consume(producerID string, _ media.Capabilities, paused bool) (media.Consumer, error) {
	t.router.mu.Lock()
	defer t.router.mu.Unlock()
	kind, ok := t.router.producers[producerID]
	if !ok {
		return nil, media.ErrUnknownProducer
	}
	t.router.seq++
	return &fakeConsumer{
		id:         fmt.Sprintf("consumer-%d", t.router.seq),
		kind:       kind,
		producerID: producerID,
		paused:     paused,
	}, nil
}

func (t *fakeTransport) OnDTLSClosed(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClosed = fn
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

type fakeProducer struct {
	id     string
	kind   media.Kind
	router *fakeRouter

	mu     sync.Mutex
	closed bool
}

func (p *fakeProducer) ID() string       { return p.id }
func (p *fakeProducer) Kind() media.Kind { return p.kind }

func (p *fakeProducer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.router.mu.Lock()
	delete(p.router.producers, p.id)
	p.router.mu.Unlock()
	return nil
}

type fakeConsumer struct {
	id         string
	kind       media.Kind
	producerID string

	mu     sync.Mutex
	paused bool
	closed bool
}

func (c *fakeConsumer) ID() string                         { return c.id }
func (c *fakeConsumer) Kind() media.Kind                   { return c.kind }
func (c *fakeConsumer) ProducerID() string                 { return c.producerID }
func (c *fakeConsumer) RTPParameters() media.RTPParameters { return media.RTPParameters{} }

func (c *fakeConsumer) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
	return nil
}

func (c *fakeConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConsumer) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func setupConference(t *testing.T) (*Manager, *fakeEngine, *store.Store, context.Context) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	engine := &fakeEngine{}
	return NewManager(engine, st, media.DefaultCodecs()), engine, st, context.Background()
}

func mustUser(t *testing.T, st *store.Store, name string) *domain.User {
	t.Helper()
	u, err := st.CreateUser(context.Background(), name, "")
	if err != nil {
		t.Fatalf("create user %s: %v", name, err)
	}
	return u
}

func TestOperationsBeforeJoin(t *testing.T) {
	m, _, _, ctx := setupConference(t)

	if _, err := m.CreateTransport(ctx, "c1", RoleProduce); !errors.Is(err, ErrNotJoined) {
		t.Errorf("createTransport: expected ErrNotJoined, got %v", err)
	}
	if _, err := m.Consume("c1", "producer-1", media.Capabilities{}, "transport-1"); !errors.Is(err, ErrNotJoined) {
		t.Errorf("consume: expected ErrNotJoined, got %v", err)
	}
	if _, err := m.Produce("c1", media.KindAudio, media.RTPParameters{}); !errors.Is(err, ErrNotJoined) {
		t.Errorf("produce: expected ErrNotJoined, got %v", err)
	}
	// Leave with no prior join is a no-op, not an error.
	m.Leave("c1")
}

func TestJoinRoomAuthorization(t *testing.T) {
	m, _, st, ctx := setupConference(t)
	alice := mustUser(t, st, "alice")
	bob := mustUser(t, st, "bob")
	mallory := mustUser(t, st, "mallory")
	room, _ := st.FindOrCreateDirect(ctx, alice.ID, bob.ID)

	if _, err := m.JoinRoom(ctx, "c1", mallory.ID, room.ID, &fakeConn{}); !errors.Is(err, domain.ErrNotMember) {
		t.Errorf("expected ErrNotMember, got %v", err)
	}
	caps, err := m.JoinRoom(ctx, "c2", alice.ID, room.ID, &fakeConn{})
	if err != nil {
		t.Fatalf("member join: %v", err)
	}
	if len(caps.Codecs) == 0 {
		t.Error("join must return the router capabilities")
	}
}

func TestRouterSharedPerRoom(t *testing.T) {
	m, engine, st, ctx := setupConference(t)
	alice := mustUser(t, st, "alice")
	bob := mustUser(t, st, "bob")
	room, _ := st.FindOrCreateDirect(ctx, alice.ID, bob.ID)

	if _, err := m.JoinRoom(ctx, "c1", alice.ID, room.ID, &fakeConn{}); err != nil {
		t.Fatalf("c1 join: %v", err)
	}
	if _, err := m.JoinRoom(ctx, "c2", bob.ID, room.ID, &fakeConn{}); err != nil {
		t.Fatalf("c2 join: %v", err)
	}
	if engine.routerCount() != 1 {
		t.Errorf("expected one shared router, got %d", engine.routerCount())
	}
}

func TestConsumeTransportReuse(t *testing.T) {
	m, _, st, ctx := setupConference(t)
	alice := mustUser(t, st, "alice")
	bob := mustUser(t, st, "bob")
	room, _ := st.FindOrCreateDirect(ctx, alice.ID, bob.ID)

	if _, err := m.JoinRoom(ctx, "c1", alice.ID, room.ID, &fakeConn{}); err != nil {
		t.Fatalf("c1 join: %v", err)
	}
	if _, err := m.JoinRoom(ctx, "c2", bob.ID, room.ID, &fakeConn{}); err != nil {
		t.Fatalf("c2 join: %v", err)
	}

	// c1 publishes two streams for c2 to consume.
	if _, err := m.CreateTransport(ctx, "c1", RoleProduce); err != nil {
		t.Fatalf("produce transport: %v", err)
	}
	audioID, err := m.Produce("c1", media.KindAudio, media.RTPParameters{})
	if err != nil {
		t.Fatalf("produce audio: %v", err)
	}
	videoID, err := m.Produce("c1", media.KindVideo, media.RTPParameters{})
	if err != nil {
		t.Fatalf("produce video: %v", err)
	}

	first, err := m.CreateTransport(ctx, "c2", RoleConsume)
	if err != nil {
		t.Fatalf("first consume transport: %v", err)
	}
	if first.Reused {
		t.Error("first consume transport must be newly allocated")
	}

	// Zero consumers: reused.
	again, err := m.CreateTransport(ctx, "c2", RoleConsume)
	if err != nil {
		t.Fatalf("second createTransport: %v", err)
	}
	if !again.Reused || again.Params.ID != first.Params.ID {
		t.Errorf("expected reuse of %s, got %+v", first.Params.ID, again)
	}

	if _, err := m.Consume("c2", audioID, media.Capabilities{}, first.Params.ID); err != nil {
		t.Fatalf("consume audio: %v", err)
	}
	// One consumer: still reused.
	again, err = m.CreateTransport(ctx, "c2", RoleConsume)
	if err != nil {
		t.Fatalf("third createTransport: %v", err)
	}
	if !again.Reused {
		t.Error("transport with one consumer must be reused")
	}

	if _, err := m.Consume("c2", videoID, media.Capabilities{}, first.Params.ID); err != nil {
		t.Fatalf("consume video: %v", err)
	}
	// Two consumers: a fresh transport is allocated.
	fresh, err := m.CreateTransport(ctx, "c2", RoleConsume)
	if err != nil {
		t.Fatalf("fourth createTransport: %v", err)
	}
	if fresh.Reused || fresh.Params.ID == first.Params.ID {
		t.Errorf("expected fresh transport once full, got %+v", fresh)
	}
}

func TestNotifySuppressedWithSinglePeer(t *testing.T) {
	m, _, st, ctx := setupConference(t)
	alice := mustUser(t, st, "alice")
	bob := mustUser(t, st, "bob")
	room, _ := st.FindOrCreateDirect(ctx, alice.ID, bob.ID)

	conn := &fakeConn{}
	if _, err := m.JoinRoom(ctx, "c1", alice.ID, room.ID, conn); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := m.CreateTransport(ctx, "c1", RoleProduce); err != nil {
		t.Fatalf("transport: %v", err)
	}
	id, err := m.Produce("c1", media.KindAudio, media.RTPParameters{})
	if err != nil {
		t.Fatalf("produce: %v", err)
	}
	if err := m.NotifyNewProducer("c1", id, media.KindAudio); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got := conn.typed("new-producer"); got != 0 {
		t.Errorf("notify must be suppressed with one peer, got %d events", got)
	}
}

func TestNotifyTargetsSameKindProducers(t *testing.T) {
	m, _, st, ctx := setupConference(t)
	alice := mustUser(t, st, "alice")
	bob := mustUser(t, st, "bob")
	carol := mustUser(t, st, "carol")
	room, err := st.CreateRoom(ctx, domain.RoomGroup, []domain.UserID{alice.ID, bob.ID, carol.ID})
	if err != nil {
		t.Fatalf("create group room: %v", err)
	}

	bobConn := &fakeConn{}
	carolConn := &fakeConn{}
	if _, err := m.JoinRoom(ctx, "c1", alice.ID, room.ID, &fakeConn{}); err != nil {
		t.Fatalf("c1 join: %v", err)
	}
	if _, err := m.JoinRoom(ctx, "c2", bob.ID, room.ID, bobConn); err != nil {
		t.Fatalf("c2 join: %v", err)
	}
	if _, err := m.JoinRoom(ctx, "c3", carol.ID, room.ID, carolConn); err != nil {
		t.Fatalf("c3 join: %v", err)
	}

	for conn, kind := range map[ConnID]media.Kind{"c2": media.KindAudio, "c3": media.KindVideo} {
		if _, err := m.CreateTransport(ctx, conn, RoleProduce); err != nil {
			t.Fatalf("%s transport: %v", conn, err)
		}
		if _, err := m.Produce(conn, kind, media.RTPParameters{}); err != nil {
			t.Fatalf("%s produce: %v", conn, err)
		}
	}

	if _, err := m.CreateTransport(ctx, "c1", RoleProduce); err != nil {
		t.Fatalf("c1 transport: %v", err)
	}
	id, err := m.Produce("c1", media.KindAudio, media.RTPParameters{})
	if err != nil {
		t.Fatalf("c1 produce: %v", err)
	}
	if err := m.NotifyNewProducer("c1", id, media.KindAudio); err != nil {
		t.Fatalf("notify: %v", err)
	}

	if got := bobConn.typed("new-producer"); got != 1 {
		t.Errorf("audio publisher must be notified once, got %d", got)
	}
	if got := carolConn.typed("new-producer"); got != 0 {
		t.Errorf("video-only publisher must not be notified, got %d", got)
	}
}

func TestFullConferenceScenario(t *testing.T) {
	m, engine, st, ctx := setupConference(t)
	alice := mustUser(t, st, "alice")
	bob := mustUser(t, st, "bob")
	room, _ := st.FindOrCreateDirect(ctx, alice.ID, bob.ID)

	c1Conn := &fakeConn{}
	c2Conn := &fakeConn{}
	if _, err := m.JoinRoom(ctx, "c1", alice.ID, room.ID, c1Conn); err != nil {
		t.Fatalf("c1 join: %v", err)
	}
	if _, err := m.JoinRoom(ctx, "c2", bob.ID, room.ID, c2Conn); err != nil {
		t.Fatalf("c2 join: %v", err)
	}

	// c1 publishes video.
	if _, err := m.CreateTransport(ctx, "c1", RoleProduce); err != nil {
		t.Fatalf("c1 transport: %v", err)
	}
	if err := m.ConnectTransport("c1", media.ConnectParams{}); err != nil {
		t.Fatalf("c1 connect: %v", err)
	}
	videoID, err := m.Produce("c1", media.KindVideo, media.RTPParameters{})
	if err != nil {
		t.Fatalf("c1 produce: %v", err)
	}
	if err := m.NotifyNewProducer("c1", videoID, media.KindVideo); err != nil {
		t.Fatalf("notify: %v", err)
	}
	// c2 has no producer yet, discovery goes through getProducers instead.
	ids, err := m.ListProducers("c2")
	if err != nil {
		t.Fatalf("list producers: %v", err)
	}
	if len(ids) != 1 || ids[0] != videoID {
		t.Errorf("expected [%s], got %v", videoID, ids)
	}

	// c2 consumes it.
	ct, err := m.CreateTransport(ctx, "c2", RoleConsume)
	if err != nil {
		t.Fatalf("c2 transport: %v", err)
	}
	if err := m.ConnectRecvTransport("c2", ct.Params.ID, media.ConnectParams{}); err != nil {
		t.Fatalf("c2 recv connect: %v", err)
	}
	// Repeated handshake is tolerated.
	if err := m.ConnectRecvTransport("c2", ct.Params.ID, media.ConnectParams{}); err != nil {
		t.Fatalf("repeated recv connect must be tolerated: %v", err)
	}
	params, err := m.Consume("c2", videoID, media.Capabilities{}, ct.Params.ID)
	if err != nil {
		t.Fatalf("c2 consume: %v", err)
	}
	if params.Kind != media.KindVideo || params.ProducerID != videoID {
		t.Errorf("bad consumer params: %+v", params)
	}
	if err := m.ResumeConsumer("c2", params.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}

	cons := m.consumers[params.ID].handle.(*fakeConsumer)

	// c1 leaves: c2's dependent consumer is closed and c2 is told why.
	m.Leave("c1")
	if got := c2Conn.typed("producer-closed"); got != 1 {
		t.Errorf("expected exactly one producer-closed at c2, got %d", got)
	}
	if !cons.isClosed() {
		t.Error("dependent consumer must be closed when the producer goes away")
	}
	if _, ok := m.consumers[params.ID]; ok {
		t.Error("dependent consumer must be removed from the registry")
	}

	// The room survives with c2 still in it, on the same router.
	cr, ok := m.confRooms[room.ID]
	if !ok {
		t.Fatal("conference room must outlive a member leaving")
	}
	if _, ok := cr.peerIDs["c2"]; !ok || len(cr.peerIDs) != 1 {
		t.Errorf("expected peer list [c2], got %v", cr.peerIDs)
	}
	if engine.routerCount() != 1 {
		t.Errorf("router must be preserved, got %d routers", engine.routerCount())
	}

	exists, err := m.PeersExist("c2")
	if err != nil {
		t.Fatalf("peersExist: %v", err)
	}
	if exists {
		t.Error("c2 is alone now, peersExist must be false")
	}

	// Leave is idempotent.
	m.Leave("c1")
}

func TestConsumeUnknownProducer(t *testing.T) {
	m, _, st, ctx := setupConference(t)
	alice := mustUser(t, st, "alice")
	bob := mustUser(t, st, "bob")
	room, _ := st.FindOrCreateDirect(ctx, alice.ID, bob.ID)

	if _, err := m.JoinRoom(ctx, "c1", alice.ID, room.ID, &fakeConn{}); err != nil {
		t.Fatalf("join: %v", err)
	}
	ct, err := m.CreateTransport(ctx, "c1", RoleConsume)
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	if _, err := m.Consume("c1", "no-such-producer", media.Capabilities{}, ct.Params.ID); !errors.Is(err, ErrCannotConsume) {
		t.Errorf("expected ErrCannotConsume, got %v", err)
	}
}
