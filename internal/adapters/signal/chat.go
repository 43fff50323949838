package signal

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"

	"github.com/huddlehq/huddle/internal/domain"
	"github.com/huddlehq/huddle/internal/hub"
)

// contentBytes undoes the transit encoding: binary content travels base64,
// text travels as-is.
func contentBytes(content string, ct domain.ContentType) ([]byte, error) {
	if ct == domain.ContentBinary {
		return base64.StdEncoding.DecodeString(content)
	}
	return []byte(content), nil
}

func (ctl *Controller) handleMessage(ctx context.Context, uid domain.UserID, c *wsConn, seq int64, data []byte) {
	var p struct {
		RoomID       domain.RoomID      `json:"rid"`
		TargetUserID domain.UserID      `json:"target"`
		Content      string             `json:"content"`
		ContentType  domain.ContentType `json:"contentType"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.badPayload(c, seq, err)
		return
	}
	if !ctl.Limiter.Allow(uid) {
		ctl.fail(c, seq, errRateLimited)
		return
	}
	raw, err := contentBytes(p.Content, p.ContentType)
	if err != nil {
		ctl.badPayload(c, seq, err)
		return
	}

	view, err := ctl.Fanout.Send(ctx, uid, hub.Draft{
		RoomID:       p.RoomID,
		TargetUserID: p.TargetUserID,
		Content:      raw,
		ContentType:  p.ContentType,
	})
	if err != nil {
		ctl.fail(c, seq, err)
		return
	}
	ctl.ack(c, seq, view)
}

func (ctl *Controller) handleEditMessage(ctx context.Context, uid domain.UserID, c *wsConn, seq int64, data []byte) {
	var p struct {
		ID      domain.MessageID `json:"id"`
		RoomID  domain.RoomID    `json:"rid"`
		Content string           `json:"content"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.badPayload(c, seq, err)
		return
	}
	view, err := ctl.Fanout.Edit(ctx, uid, p.RoomID, p.ID, []byte(p.Content))
	if err != nil {
		ctl.fail(c, seq, err)
		return
	}
	ctl.ack(c, seq, view)
}

func (ctl *Controller) handleDeleteMessage(ctx context.Context, uid domain.UserID, c *wsConn, seq int64, data []byte) {
	var p struct {
		ID     domain.MessageID `json:"id"`
		RoomID domain.RoomID    `json:"rid"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.badPayload(c, seq, err)
		return
	}
	id, err := ctl.Fanout.Delete(ctx, uid, p.RoomID, p.ID)
	if err != nil {
		ctl.fail(c, seq, err)
		return
	}
	ctl.ack(c, seq, struct {
		ID domain.MessageID `json:"id"`
	}{id})
}

// handleGetRoom acknowledges with the room, or with null when the caller is
// not a member or the room does not exist.
func (ctl *Controller) handleGetRoom(ctx context.Context, uid domain.UserID, c *wsConn, seq int64, data []byte) {
	var p struct {
		RoomID domain.RoomID `json:"rid"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.badPayload(c, seq, err)
		return
	}
	room, err := ctl.Rooms.GetRoom(ctx, uid, p.RoomID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrNotMember) {
			ctl.ack(c, seq, nil)
			return
		}
		ctl.fail(c, seq, err)
		return
	}
	ctl.ack(c, seq, room)
}
