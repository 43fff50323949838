package store

import (
	"context"
	"errors"
	"testing"

	"github.com/huddlehq/huddle/internal/domain"
)

func setupStore(t *testing.T) (*Store, context.Context) {
	t.Helper()
	st, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st, context.Background()
}

func mustUser(t *testing.T, st *Store, name string) *domain.User {
	t.Helper()
	u, err := st.CreateUser(context.Background(), name, "")
	if err != nil {
		t.Fatalf("create user %s: %v", name, err)
	}
	return u
}

func TestFindByUsername(t *testing.T) {
	st, ctx := setupStore(t)
	alice := mustUser(t, st, "alice")

	got, err := st.FindByUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("find alice: %v", err)
	}
	if got.ID != alice.ID {
		t.Errorf("expected id %s, got %s", alice.ID, got.ID)
	}

	if _, err := st.FindByUsername(ctx, "nobody"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDirectRoomIdempotent(t *testing.T) {
	st, ctx := setupStore(t)
	alice := mustUser(t, st, "alice")
	bob := mustUser(t, st, "bob")

	r1, err := st.FindOrCreateDirect(ctx, alice.ID, bob.ID)
	if err != nil {
		t.Fatalf("first find-or-create: %v", err)
	}
	// Reversed pair must land on the same room.
	r2, err := st.FindOrCreateDirect(ctx, bob.ID, alice.ID)
	if err != nil {
		t.Fatalf("second find-or-create: %v", err)
	}
	if r1.ID != r2.ID {
		t.Errorf("expected one room for the pair, got %s and %s", r1.ID, r2.ID)
	}

	rooms, err := st.FetchRooms(ctx, alice.ID)
	if err != nil {
		t.Fatalf("fetch rooms: %v", err)
	}
	if len(rooms) != 1 {
		t.Errorf("expected 1 room, got %d", len(rooms))
	}
}

func TestGetRoomMembershipGate(t *testing.T) {
	st, ctx := setupStore(t)
	alice := mustUser(t, st, "alice")
	bob := mustUser(t, st, "bob")
	mallory := mustUser(t, st, "mallory")

	room, err := st.FindOrCreateDirect(ctx, alice.ID, bob.ID)
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	if _, err := st.GetRoom(ctx, alice.ID, room.ID); err != nil {
		t.Errorf("member should pass the gate: %v", err)
	}
	if _, err := st.GetRoom(ctx, mallory.ID, room.ID); !errors.Is(err, domain.ErrNotMember) {
		t.Errorf("expected ErrNotMember, got %v", err)
	}
	if _, err := st.GetRoom(ctx, alice.ID, "no-such-room"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMessageLifecycle(t *testing.T) {
	st, ctx := setupStore(t)
	alice := mustUser(t, st, "alice")
	bob := mustUser(t, st, "bob")
	room, _ := st.FindOrCreateDirect(ctx, alice.ID, bob.ID)

	msg, err := st.Add(ctx, room.ID, alice.ID, []byte("hi"), domain.ContentText)
	if err != nil {
		t.Fatalf("add message: %v", err)
	}
	if msg.Edited {
		t.Error("new message should not be marked edited")
	}

	edited, err := st.Edit(ctx, msg.ID, []byte("hi, bob"))
	if err != nil {
		t.Fatalf("edit message: %v", err)
	}
	if !edited.Edited || string(edited.Content) != "hi, bob" {
		t.Errorf("edit not applied: %+v", edited)
	}

	msgs, err := st.Fetch(ctx, room.ID)
	if err != nil {
		t.Fatalf("fetch messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}

	if _, err := st.Delete(ctx, msg.ID); err != nil {
		t.Fatalf("delete message: %v", err)
	}
	if _, err := st.Edit(ctx, msg.ID, []byte("x")); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestBinaryContentStoredRaw(t *testing.T) {
	st, ctx := setupStore(t)
	alice := mustUser(t, st, "alice")
	bob := mustUser(t, st, "bob")
	room, _ := st.FindOrCreateDirect(ctx, alice.ID, bob.ID)

	raw := []byte{0x00, 0xff, 0x10, 0x80}
	msg, err := st.Add(ctx, room.ID, alice.ID, raw, domain.ContentBinary)
	if err != nil {
		t.Fatalf("add binary message: %v", err)
	}
	msgs, _ := st.Fetch(ctx, room.ID)
	if len(msgs) != 1 || string(msgs[0].Content) != string(raw) {
		t.Errorf("binary content mangled at rest: %v", msgs[0].Content)
	}
	if msg.ContentType != domain.ContentBinary {
		t.Errorf("content type lost: %s", msg.ContentType)
	}
}

func TestFriendRequestBetween(t *testing.T) {
	st, ctx := setupStore(t)
	alice := mustUser(t, st, "alice")
	bob := mustUser(t, st, "bob")

	req, err := st.Create(ctx, alice.ID, bob.ID)
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	if req.Status != domain.FriendPending {
		t.Errorf("expected PENDING, got %s", req.Status)
	}

	// Lookup in either direction finds the row.
	if _, err := st.Between(ctx, bob.ID, alice.ID); err != nil {
		t.Errorf("reverse lookup failed: %v", err)
	}

	upd, err := st.UpdateStatus(ctx, req.ID, domain.FriendAccepted)
	if err != nil {
		t.Fatalf("update status: %v", err)
	}
	if upd.Status != domain.FriendAccepted {
		t.Errorf("expected ACCEPTED, got %s", upd.Status)
	}

	if _, err := st.DeleteRequest(ctx, req.ID); err != nil {
		t.Fatalf("delete request: %v", err)
	}
	if _, err := st.Get(ctx, req.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}
