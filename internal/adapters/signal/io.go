package signal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/huddlehq/huddle/internal/conference"
	"github.com/huddlehq/huddle/internal/domain"
	"github.com/huddlehq/huddle/internal/hub"
)

func (ctl *Controller) writePump(ctx context.Context, c *wsConn) {
	period := ctl.PingPeriod
	if period <= 0 {
		period = 54 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			return
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump ping error")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Warn().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, uid domain.UserID, connID conference.ConnID, c *wsConn) {
	defer log.Info().Str("module", "signal").Str("user", string(uid)).Msg("readPump closing")

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Error().Err(err).Str("module", "signal").Str("user", string(uid)).Msg("readPump read error")
				return
			}
			ctl.dispatch(ctx, uid, connID, c, data)
		}
	}
}

// envelope is the common part of every inbound frame. Seq is the client's
// correlation id, echoed verbatim in the acknowledgement.
type envelope struct {
	Type string `json:"type"`
	Seq  int64  `json:"seq"`
}

func (ctl *Controller) dispatch(ctx context.Context, uid domain.UserID, connID conference.ConnID, c *wsConn, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		return
	}

	switch env.Type {
	case "message":
		ctl.handleMessage(ctx, uid, c, env.Seq, data)
	case "edit-message":
		ctl.handleEditMessage(ctx, uid, c, env.Seq, data)
	case "delete-message":
		ctl.handleDeleteMessage(ctx, uid, c, env.Seq, data)
	case "get-room":
		ctl.handleGetRoom(ctx, uid, c, env.Seq, data)
	case "new-friend-request":
		ctl.handleNewFriendRequest(ctx, uid, c, env.Seq, data)
	case "update-friend-request":
		ctl.handleUpdateFriendRequest(ctx, uid, c, env.Seq, data)
	case "idle":
		ctl.handleIdle(uid, data)
	case "call-user":
		ctl.handleCallUser(ctx, uid, c, env.Seq, data)
	case "video-toggle":
		ctl.handleVideoToggle(ctx, uid, data)
	case "joinRoom":
		ctl.handleJoinRoom(ctx, uid, connID, c, env.Seq, data)
	case "createWebRtcTransport":
		ctl.handleCreateTransport(ctx, connID, c, env.Seq, data)
	case "transport-connect":
		ctl.handleTransportConnect(connID, c, env.Seq, data)
	case "transport-recv-connect":
		ctl.handleRecvTransportConnect(connID, c, env.Seq, data)
	case "transport-produce":
		ctl.handleProduce(connID, c, env.Seq, data)
	case "inform-consumers":
		ctl.handleInformConsumers(connID, c, env.Seq, data)
	case "getProducers":
		ctl.handleGetProducers(connID, c, env.Seq)
	case "peersExist":
		ctl.handlePeersExist(connID, c, env.Seq)
	case "consume":
		ctl.handleConsume(connID, c, env.Seq, data)
	case "consumer-resume":
		ctl.handleConsumerResume(connID, c, env.Seq, data)
	case "leaveRoom":
		ctl.handleLeaveRoom(connID, c, env.Seq)
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
	}
}

type ackFrame struct {
	Type string `json:"type"`
	Seq  int64  `json:"seq"`
	Data any    `json:"data,omitempty"`
}

type errFrame struct {
	Type  string `json:"type"`
	Seq   int64  `json:"seq"`
	Error string `json:"error"`
}

func (ctl *Controller) ack(c *wsConn, seq int64, v any) {
	hub.Push(c, ackFrame{Type: "ack", Seq: seq, Data: v})
}

// fail maps the core's sentinel errors to stable protocol codes. Anything
// unmapped is an internal failure: logged, surfaced without detail.
func (ctl *Controller) fail(c *wsConn, seq int64, err error) {
	code := "internal"
	switch {
	case errors.Is(err, domain.ErrNotMember):
		code = "not_member"
	case errors.Is(err, domain.ErrNotFound):
		code = "not_found"
	case errors.Is(err, domain.ErrSelfRequest):
		code = "self_request"
	case errors.Is(err, domain.ErrAlreadyExists):
		code = "already_exists"
	case errors.Is(err, domain.ErrUnknownResponse):
		code = "bad_response"
	case errors.Is(err, conference.ErrNotJoined):
		code = "not_joined"
	case errors.Is(err, conference.ErrCannotConsume):
		code = "cannot_consume"
	case errors.Is(err, errRateLimited):
		code = "rate_limited"
	default:
		log.Error().Err(err).Str("module", "signal").Msg("request failed")
	}
	hub.Push(c, errFrame{Type: "error", Seq: seq, Error: code})
}

func (ctl *Controller) badPayload(c *wsConn, seq int64, err error) {
	log.Error().Err(err).Str("module", "signal").Msg("bad payload")
	hub.Push(c, errFrame{Type: "error", Seq: seq, Error: "bad_payload"})
}
