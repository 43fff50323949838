package hub

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/huddlehq/huddle/internal/domain"
	"github.com/huddlehq/huddle/internal/store"
)

// Draft is an inbound chat message. Either RoomID addresses an existing room
// or TargetUserID asks for an on-demand direct room with that user.
type Draft struct {
	RoomID       domain.RoomID      `json:"rid,omitempty"`
	TargetUserID domain.UserID      `json:"target,omitempty"`
	Content      []byte             `json:"content"`
	ContentType  domain.ContentType `json:"content_type"`
}

// MessageView is the transit form of a message. Binary content is transcoded
// to base64 here and only here; the stored copy keeps raw bytes.
type MessageView struct {
	ID          domain.MessageID   `json:"id"`
	RoomID      domain.RoomID      `json:"rid"`
	SenderID    domain.UserID      `json:"sender"`
	Content     string             `json:"content"`
	ContentType domain.ContentType `json:"content_type"`
	Edited      bool               `json:"edited"`
	CreatedAt   time.Time          `json:"created_at"`
	EditedAt    time.Time          `json:"edited_at,omitempty"`
}

// ViewOf builds the transit copy of a persisted message.
func ViewOf(m *domain.Message) MessageView {
	v := MessageView{
		ID:          m.ID,
		RoomID:      m.RoomID,
		SenderID:    m.SenderID,
		ContentType: m.ContentType,
		Edited:      m.Edited,
		CreatedAt:   m.CreatedAt,
		EditedAt:    m.EditedAt,
	}
	if m.ContentType == domain.ContentBinary {
		v.Content = base64.StdEncoding.EncodeToString(m.Content)
	} else {
		v.Content = string(m.Content)
	}
	return v
}

type messageEvent struct {
	Type    string      `json:"type"`
	Message MessageView `json:"message"`
}

type deletedEvent struct {
	Type   string           `json:"type"`
	ID     domain.MessageID `json:"id"`
	RoomID domain.RoomID    `json:"rid"`
}

// Fanout persists chat messages and delivers them to the right live
// connections, materializing direct rooms on first contact.
type Fanout struct {
	reg      *Registry
	rooms    store.RoomStore
	messages store.MessageStore
}

func NewFanout(reg *Registry, rooms store.RoomStore, messages store.MessageStore) *Fanout {
	return &Fanout{reg: reg, rooms: rooms, messages: messages}
}

// Send persists the draft (sender is set server-side, never trusted from the
// payload) and broadcasts it to the other room members. For a freshly
// materialized direct room the recipient is not yet in the broadcast group,
// so delivery falls back to direct registry lookup; that path covers both
// cases here since room membership is authoritative.
func (f *Fanout) Send(ctx context.Context, senderID domain.UserID, d Draft) (MessageView, error) {
	var room *domain.Room
	var err error
	if d.TargetUserID != "" {
		room, err = f.rooms.FindOrCreateDirect(ctx, senderID, d.TargetUserID)
	} else {
		room, err = f.rooms.GetRoom(ctx, senderID, d.RoomID)
	}
	if err != nil {
		return MessageView{}, fmt.Errorf("resolve room: %w", err)
	}

	if d.ContentType == "" {
		d.ContentType = domain.ContentText
	}
	msg, err := f.messages.Add(ctx, room.ID, senderID, d.Content, d.ContentType)
	if err != nil {
		return MessageView{}, fmt.Errorf("persist message: %w", err)
	}

	if !f.reg.InGroup(room.ID, senderID) {
		f.reg.JoinGroup(room.ID, senderID)
	}

	view := ViewOf(msg)
	f.broadcast(room, senderID, messageEvent{Type: "message", Message: view})
	return view, nil
}

// Edit mutates a message after the membership gate. Authorization failure is
// surfaced to the caller only, never broadcast.
func (f *Fanout) Edit(ctx context.Context, editorID domain.UserID, roomID domain.RoomID, id domain.MessageID, newContent []byte) (MessageView, error) {
	room, err := f.rooms.GetRoom(ctx, editorID, roomID)
	if err != nil {
		return MessageView{}, fmt.Errorf("authorize edit: %w", err)
	}
	msg, err := f.messages.Edit(ctx, id, newContent)
	if err != nil {
		return MessageView{}, fmt.Errorf("edit message: %w", err)
	}
	view := ViewOf(msg)
	f.broadcast(room, editorID, messageEvent{Type: "edited-message", Message: view})
	return view, nil
}

func (f *Fanout) Delete(ctx context.Context, editorID domain.UserID, roomID domain.RoomID, id domain.MessageID) (domain.MessageID, error) {
	room, err := f.rooms.GetRoom(ctx, editorID, roomID)
	if err != nil {
		return "", fmt.Errorf("authorize delete: %w", err)
	}
	msg, err := f.messages.Delete(ctx, id)
	if err != nil {
		return "", fmt.Errorf("delete message: %w", err)
	}
	f.broadcast(room, editorID, deletedEvent{Type: "deleted-message", ID: msg.ID, RoomID: room.ID})
	return msg.ID, nil
}

func (f *Fanout) broadcast(room *domain.Room, actor domain.UserID, ev any) {
	sent := 0
	for _, m := range room.Members {
		if m == actor {
			continue
		}
		if conn, ok := f.reg.Lookup(m); ok {
			Push(conn, ev)
			sent++
		}
	}
	log.Debug().Str("module", "hub.fanout").Str("room", string(room.ID)).Int("sent_to", sent).Msg("broadcast")
}
