package hub

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/huddlehq/huddle/internal/domain"
)

// Connection is the live entry for a user. One entry per user: a new
// connection from the same user overwrites the prior handle, so earlier tabs
// stop being addressable for push delivery (documented limitation).
type Connection struct {
	UserID domain.UserID
	Handle SignalConnection
	Status domain.Status
}

// Registry is the single source of truth for "is user X reachable now".
// Entries are never removed; going offline is a status change, not a delete.
// It also owns the per-room broadcast groups, the fanout targets for presence
// and chat events.
type Registry struct {
	mu     sync.RWMutex
	conns  map[domain.UserID]*Connection
	groups map[domain.RoomID]map[domain.UserID]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[domain.UserID]*Connection),
		groups: make(map[domain.RoomID]map[domain.UserID]struct{}),
	}
}

// Register upserts the connection and marks the user online. Last connection
// wins.
func (r *Registry) Register(userID domain.UserID, handle SignalConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[userID] = &Connection{UserID: userID, Handle: handle, Status: domain.StatusOnline}
	log.Info().Str("module", "hub.registry").Str("user", string(userID)).Msg("connection registered")
}

// Lookup returns the user's live handle, or false when the user is offline.
func (r *Registry) Lookup(userID domain.UserID) (SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[userID]
	if !ok || c.Status == domain.StatusOffline {
		return nil, false
	}
	return c.Handle, true
}

func (r *Registry) StatusOf(userID domain.UserID) domain.Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.conns[userID]; ok {
		return c.Status
	}
	return domain.StatusOffline
}

func (r *Registry) SetStatus(userID domain.UserID, status domain.Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[userID]
	if !ok {
		return false
	}
	c.Status = status
	log.Info().Str("module", "hub.registry").Str("user", string(userID)).Str("status", string(status)).Msg("status changed")
	return true
}

// JoinGroup subscribes the user to a room's broadcast group. Performed once
// per room per connection lifetime; joining twice is harmless.
func (r *Registry) JoinGroup(roomID domain.RoomID, userID domain.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[roomID]
	if !ok {
		g = make(map[domain.UserID]struct{})
		r.groups[roomID] = g
	}
	g[userID] = struct{}{}
}

func (r *Registry) InGroup(roomID domain.RoomID, userID domain.UserID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.groups[roomID][userID]
	return ok
}

func (r *Registry) GroupMembers(roomID domain.RoomID) []domain.UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.UserID, 0, len(r.groups[roomID]))
	for uid := range r.groups[roomID] {
		out = append(out, uid)
	}
	return out
}

// GroupsOf returns every room group the user has joined.
func (r *Registry) GroupsOf(userID domain.UserID) []domain.RoomID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.RoomID
	for rid, g := range r.groups {
		if _, ok := g[userID]; ok {
			out = append(out, rid)
		}
	}
	return out
}
