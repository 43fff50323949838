// Package signal is the websocket signaling adapter: it upgrades the HTTP
// connection, runs the read/write pumps and dispatches the protocol events to
// the hub and the conference manager.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/huddlehq/huddle/internal/conference"
	"github.com/huddlehq/huddle/internal/domain"
	"github.com/huddlehq/huddle/internal/hub"
	"github.com/huddlehq/huddle/internal/store"
)

var ErrBackpressure = errors.New("backpressure")

// Controller wires one websocket endpoint to the realtime core.
type Controller struct {
	Presence   *hub.Presence
	Fanout     *hub.Fanout
	Friends    *hub.FriendRouter
	Registry   *hub.Registry
	Conference *conference.Manager
	Rooms      store.RoomStore
	Limiter    *MessageRateLimiter

	ReadLimit  int64
	PingPeriod time.Duration
}

type wsConn struct {
	conn *websocket.Conn
	send chan hub.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) TrySend(f hub.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and runs the connection preamble: register
// the user, join the known room groups and announce online. The room set goes
// to the client as the first frame.
func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	uid := domain.UserID(c.GetString("uid"))
	if uid == "" {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	log.Info().Str("module", "signal").Str("user", string(uid)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade")
		return
	}
	if ctl.ReadLimit > 0 {
		ws.SetReadLimit(ctl.ReadLimit)
	}

	conn := &wsConn{
		conn: ws,
		send: make(chan hub.Frame, 32),
	}
	connID := conference.ConnID(uuid.NewString())

	entries, err := ctl.Presence.Connect(ctx, uid, conn)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("user", string(uid)).Msg("connect preamble")
		conn.Close()
		return
	}
	hub.Push(conn, struct {
		Type  string          `json:"type"`
		Rooms []hub.RoomEntry `json:"rooms"`
	}{"room-list", entries})

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go func() {
		ctl.readPump(ctx, uid, connID, conn)
		cancel()
		ctl.disconnect(uid, connID, conn)
	}()
}

// disconnect runs the teardown shared by close, read error and server
// shutdown: conference resources first, then the offline announcement.
func (ctl *Controller) disconnect(uid domain.UserID, connID conference.ConnID, conn *wsConn) {
	ctl.Conference.Leave(connID)
	ctl.Presence.BroadcastStatus(uid, domain.StatusOffline)
	conn.Close()
	log.Info().Str("module", "signal").Str("user", string(uid)).Msg("disconnected")
}
