package hub

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/huddlehq/huddle/internal/domain"
	"github.com/huddlehq/huddle/internal/store"
)

// UserStatusView is a user as seen by someone else: profile fields plus the
// live status merged in from the registry at read time, never persisted.
type UserStatusView struct {
	ID       domain.UserID `json:"id"`
	Username string        `json:"username"`
	Avatar   string        `json:"avatar,omitempty"`
	Status   domain.Status `json:"status"`
}

// RoomEntry is one room of a user's room set, with counterpart presence.
type RoomEntry struct {
	RoomID  domain.RoomID    `json:"rid"`
	Kind    domain.RoomKind  `json:"kind"`
	Members []UserStatusView `json:"members"`
}

type statusEvent struct {
	Type   string        `json:"type"`
	UserID domain.UserID `json:"userId"`
	Status domain.Status `json:"status"`
}

// Presence computes a user's room set and announces status transitions to the
// rooms that user belongs to.
type Presence struct {
	reg   *Registry
	rooms store.RoomStore
	users store.UserDirectory
}

func NewPresence(reg *Registry, rooms store.RoomStore, users store.UserDirectory) *Presence {
	return &Presence{reg: reg, rooms: rooms, users: users}
}

func (p *Presence) userView(ctx context.Context, id domain.UserID) UserStatusView {
	view := UserStatusView{ID: id, Status: p.reg.StatusOf(id)}
	if u, err := p.users.FindByID(ctx, id); err == nil {
		view.Username = u.Username
		view.Avatar = u.Avatar
	}
	return view
}

// RoomsFor returns the user's rooms with the other members' live status
// merged in; members without a registry entry read as offline.
func (p *Presence) RoomsFor(ctx context.Context, userID domain.UserID) ([]RoomEntry, error) {
	rooms, err := p.rooms.FetchRooms(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("fetch rooms: %w", err)
	}
	out := make([]RoomEntry, 0, len(rooms))
	for _, room := range rooms {
		entry := RoomEntry{RoomID: room.ID, Kind: room.Kind}
		for _, m := range room.Members {
			if m == userID {
				continue
			}
			entry.Members = append(entry.Members, p.userView(ctx, m))
		}
		out = append(out, entry)
	}
	return out, nil
}

// Connect runs the connection-open preamble: register the handle, join every
// known room's broadcast group and announce "online". Returns the room set so
// the adapter can hand it to the client.
func (p *Presence) Connect(ctx context.Context, userID domain.UserID, handle SignalConnection) ([]RoomEntry, error) {
	p.reg.Register(userID, handle)
	entries, err := p.RoomsFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		p.reg.JoinGroup(e.RoomID, userID)
	}
	p.BroadcastStatus(userID, domain.StatusOnline)
	return entries, nil
}

// BroadcastStatus announces the user's new status to every joined room group.
// Best-effort: offline members simply miss the event.
func (p *Presence) BroadcastStatus(userID domain.UserID, status domain.Status) {
	p.reg.SetStatus(userID, status)
	ev := statusEvent{Type: "user-connected", UserID: userID, Status: status}
	seen := map[domain.UserID]struct{}{userID: {}}
	for _, rid := range p.reg.GroupsOf(userID) {
		for _, member := range p.reg.GroupMembers(rid) {
			if _, dup := seen[member]; dup {
				continue
			}
			seen[member] = struct{}{}
			if conn, ok := p.reg.Lookup(member); ok {
				Push(conn, ev)
			}
		}
	}
	log.Debug().Str("module", "hub.presence").Str("user", string(userID)).Str("status", string(status)).Msg("status broadcast")
}
