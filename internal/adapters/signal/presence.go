package signal

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/huddlehq/huddle/internal/domain"
	"github.com/huddlehq/huddle/internal/hub"
)

// handleIdle re-announces the user's status to their rooms. Only the
// idle/online flip is client-driven; online/offline come from the connection
// lifecycle itself.
func (ctl *Controller) handleIdle(uid domain.UserID, data []byte) {
	var p struct {
		Status domain.Status `json:"status"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad idle payload")
		return
	}
	if p.Status != domain.StatusIdle && p.Status != domain.StatusOnline {
		log.Warn().Str("module", "signal").Str("status", string(p.Status)).Msg("idle: status ignored")
		return
	}
	ctl.Presence.BroadcastStatus(uid, p.Status)
}

type incomingCallEvent struct {
	Type   string        `json:"type"`
	RoomID domain.RoomID `json:"rid"`
	From   domain.UserID `json:"from"`
	Video  bool          `json:"video"`
}

// handleCallUser rings a room member. The callee gets the event only if
// connected; the ack tells the caller whether it was delivered.
func (ctl *Controller) handleCallUser(ctx context.Context, uid domain.UserID, c *wsConn, seq int64, data []byte) {
	var p struct {
		RoomID domain.RoomID `json:"rid"`
		Target domain.UserID `json:"target"`
		Video  bool          `json:"video"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.badPayload(c, seq, err)
		return
	}
	room, err := ctl.Rooms.GetRoom(ctx, uid, p.RoomID)
	if err != nil {
		ctl.fail(c, seq, err)
		return
	}
	if !room.HasMember(p.Target) {
		ctl.fail(c, seq, domain.ErrNotMember)
		return
	}

	delivered := false
	if conn, ok := ctl.Registry.Lookup(p.Target); ok {
		hub.Push(conn, incomingCallEvent{Type: "incoming-call", RoomID: room.ID, From: uid, Video: p.Video})
		delivered = true
	}
	ctl.ack(c, seq, struct {
		Delivered bool `json:"delivered"`
	}{delivered})
}

type videoToggleEvent struct {
	Type    string        `json:"type"`
	RoomID  domain.RoomID `json:"rid"`
	UserID  domain.UserID `json:"userId"`
	Enabled bool          `json:"enabled"`
}

// handleVideoToggle tells the other members of a room that the user switched
// their camera on or off. Fire-and-forget, no ack.
func (ctl *Controller) handleVideoToggle(ctx context.Context, uid domain.UserID, data []byte) {
	var p struct {
		RoomID  domain.RoomID `json:"rid"`
		Enabled bool          `json:"enabled"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad video-toggle payload")
		return
	}
	room, err := ctl.Rooms.GetRoom(ctx, uid, p.RoomID)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("room", string(p.RoomID)).Msg("video-toggle rejected")
		return
	}
	ev := videoToggleEvent{Type: "video-toggle", RoomID: room.ID, UserID: uid, Enabled: p.Enabled}
	for _, m := range room.Members {
		if m == uid {
			continue
		}
		if conn, ok := ctl.Registry.Lookup(m); ok {
			hub.Push(conn, ev)
		}
	}
}
