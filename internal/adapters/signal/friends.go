package signal

import (
	"context"
	"encoding/json"

	"github.com/huddlehq/huddle/internal/domain"
)

func (ctl *Controller) handleNewFriendRequest(ctx context.Context, uid domain.UserID, c *wsConn, seq int64, data []byte) {
	var p struct {
		Username string `json:"username"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.badPayload(c, seq, err)
		return
	}
	view, err := ctl.Friends.SendRequest(ctx, uid, p.Username)
	if err != nil {
		ctl.fail(c, seq, err)
		return
	}
	ctl.ack(c, seq, view)
}

func (ctl *Controller) handleUpdateFriendRequest(ctx context.Context, uid domain.UserID, c *wsConn, seq int64, data []byte) {
	var p struct {
		ID       domain.RequestID      `json:"id"`
		Response domain.FriendResponse `json:"response"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.badPayload(c, seq, err)
		return
	}
	view, err := ctl.Friends.Respond(ctx, p.ID, uid, p.Response)
	if err != nil {
		ctl.fail(c, seq, err)
		return
	}
	ctl.ack(c, seq, view)
}
