// Package store holds the persistence contracts consumed by the realtime core
// and a sqlite-backed implementation of them. The core treats every call as a
// suspension point and never retries on its own.
package store

import (
	"context"

	"github.com/huddlehq/huddle/internal/domain"
)

type UserDirectory interface {
	FindByUsername(ctx context.Context, username string) (*domain.User, error)
	FindByID(ctx context.Context, id domain.UserID) (*domain.User, error)
}

// RoomStore owns room records. GetRoom doubles as the membership gate: it
// fails closed when the caller is not a member of the room.
type RoomStore interface {
	GetRoom(ctx context.Context, userID domain.UserID, roomID domain.RoomID) (*domain.Room, error)
	// FindOrCreateDirect materializes the direct room for an unordered user
	// pair. Idempotent; never creates a second room for the same pair.
	FindOrCreateDirect(ctx context.Context, a, b domain.UserID) (*domain.Room, error)
	CreateRoom(ctx context.Context, kind domain.RoomKind, members []domain.UserID) (*domain.Room, error)
	FetchRooms(ctx context.Context, userID domain.UserID) ([]*domain.Room, error)
}

type MessageStore interface {
	Add(ctx context.Context, roomID domain.RoomID, senderID domain.UserID, content []byte, contentType domain.ContentType) (*domain.Message, error)
	Edit(ctx context.Context, id domain.MessageID, newContent []byte) (*domain.Message, error)
	Delete(ctx context.Context, id domain.MessageID) (*domain.Message, error)
	Fetch(ctx context.Context, roomID domain.RoomID) ([]*domain.Message, error)
}

type FriendStore interface {
	Create(ctx context.Context, sender, receiver domain.UserID) (*domain.FriendRequest, error)
	Get(ctx context.Context, id domain.RequestID) (*domain.FriendRequest, error)
	// Between looks the pair up in either direction.
	Between(ctx context.Context, a, b domain.UserID) (*domain.FriendRequest, error)
	UpdateStatus(ctx context.Context, id domain.RequestID, status domain.FriendStatus) (*domain.FriendRequest, error)
	DeleteRequest(ctx context.Context, id domain.RequestID) (*domain.FriendRequest, error)
	FetchFor(ctx context.Context, userID domain.UserID) ([]*domain.FriendRequest, error)
}
