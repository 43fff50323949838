package hub

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/huddlehq/huddle/internal/domain"
	"github.com/huddlehq/huddle/internal/store"
)

// FriendView is the canonical per-participant shape of a request: the request
// fields plus the counterpart as `user` and which side the viewer is on.
// Live status is merged at response time, never persisted. A decline produces
// the transient {id, status: "deleted"} form with no user attached.
type FriendView struct {
	ID       domain.RequestID `json:"id"`
	Status   string           `json:"status"`
	User     *UserStatusView  `json:"user,omitempty"`
	IsSender bool             `json:"isSender"`
}

const statusDeleted = "deleted"

type friendEvent struct {
	Type    string     `json:"type"`
	Request FriendView `json:"request"`
}

// FriendRouter persists friend-request lifecycle transitions and pushes the
// two participant-specific views to whichever participants are connected.
type FriendRouter struct {
	reg     *Registry
	users   store.UserDirectory
	friends store.FriendStore
}

func NewFriendRouter(reg *Registry, users store.UserDirectory, friends store.FriendStore) *FriendRouter {
	return &FriendRouter{reg: reg, users: users, friends: friends}
}

func (r *FriendRouter) statusView(ctx context.Context, id domain.UserID) *UserStatusView {
	view := &UserStatusView{ID: id, Status: r.reg.StatusOf(id)}
	if u, err := r.users.FindByID(ctx, id); err == nil {
		view.Username = u.Username
		view.Avatar = u.Avatar
	}
	return view
}

func (r *FriendRouter) viewFor(ctx context.Context, req *domain.FriendRequest, viewer domain.UserID) FriendView {
	return FriendView{
		ID:       req.ID,
		Status:   string(req.Status),
		User:     r.statusView(ctx, req.Counterpart(viewer)),
		IsSender: req.SenderID == viewer,
	}
}

// SendRequest resolves the target by username, persists a PENDING request and
// pushes the target-oriented view if the target is connected. The dedup check
// is symmetric: a request in either direction blocks a new one.
func (r *FriendRouter) SendRequest(ctx context.Context, requesterID domain.UserID, targetUsername string) (FriendView, error) {
	target, err := r.users.FindByUsername(ctx, targetUsername)
	if err != nil {
		return FriendView{}, fmt.Errorf("no such username: %w", err)
	}
	if target.ID == requesterID {
		return FriendView{}, domain.ErrSelfRequest
	}
	if _, err := r.friends.Between(ctx, requesterID, target.ID); err == nil {
		return FriendView{}, domain.ErrAlreadyExists
	} else if !errors.Is(err, domain.ErrNotFound) {
		return FriendView{}, fmt.Errorf("dedup check: %w", err)
	}

	req, err := r.friends.Create(ctx, requesterID, target.ID)
	if err != nil {
		return FriendView{}, fmt.Errorf("create request: %w", err)
	}
	log.Info().Str("module", "hub.friends").Str("id", string(req.ID)).
		Str("sender", string(requesterID)).Str("receiver", string(target.ID)).Msg("friend request created")

	if conn, ok := r.reg.Lookup(target.ID); ok {
		Push(conn, friendEvent{Type: "friend-request-received", Request: r.viewFor(ctx, req, target.ID)})
	}
	return r.viewFor(ctx, req, requesterID), nil
}

// Respond applies the responder's answer. decline deletes the row and
// synthesizes a transient view so the other side can still be notified;
// accept and restore both land on ACCEPTED; block lands on BLOCKED. The
// counterpart's view is pushed only if they are connected.
func (r *FriendRouter) Respond(ctx context.Context, id domain.RequestID, responderID domain.UserID, response domain.FriendResponse) (FriendView, error) {
	req, err := r.friends.Get(ctx, id)
	if err != nil {
		return FriendView{}, fmt.Errorf("lookup request: %w", err)
	}
	other := req.Counterpart(responderID)

	switch response {
	case domain.RespondDecline:
		if _, err := r.friends.DeleteRequest(ctx, id); err != nil {
			return FriendView{}, fmt.Errorf("decline request: %w", err)
		}
		gone := FriendView{ID: id, Status: statusDeleted}
		r.notify(other, gone)
		return gone, nil

	case domain.RespondBlock:
		req, err = r.friends.UpdateStatus(ctx, id, domain.FriendBlocked)
	case domain.RespondAccept, domain.RespondRestore:
		req, err = r.friends.UpdateStatus(ctx, id, domain.FriendAccepted)
	default:
		return FriendView{}, domain.ErrUnknownResponse
	}
	if err != nil {
		return FriendView{}, fmt.Errorf("update request: %w", err)
	}

	r.notify(other, r.viewFor(ctx, req, other))
	return r.viewFor(ctx, req, responderID), nil
}

// ViewsFor lists the user's requests in their per-participant shape, for the
// initial data fetch.
func (r *FriendRouter) ViewsFor(ctx context.Context, userID domain.UserID) ([]FriendView, error) {
	reqs, err := r.friends.FetchFor(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("fetch requests: %w", err)
	}
	out := make([]FriendView, 0, len(reqs))
	for _, req := range reqs {
		out = append(out, r.viewFor(ctx, req, userID))
	}
	return out, nil
}

func (r *FriendRouter) notify(userID domain.UserID, view FriendView) {
	if conn, ok := r.reg.Lookup(userID); ok {
		Push(conn, friendEvent{Type: "friend-request-updated", Request: view})
	}
}
