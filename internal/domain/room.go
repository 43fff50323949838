package domain

type RoomID string

// RoomKind distinguishes two-party direct rooms from group rooms.
type RoomKind string

const (
	RoomDirect RoomKind = "direct"
	RoomGroup  RoomKind = "group"
)

// Room membership is immutable once created; direct rooms are keyed by the
// unordered member pair.
type Room struct {
	ID      RoomID   `json:"id"`
	Kind    RoomKind `json:"kind"`
	Members []UserID `json:"members"`
}

// Counterpart returns the other member of a direct room.
func (r *Room) Counterpart(self UserID) (UserID, bool) {
	if r.Kind != RoomDirect {
		return "", false
	}
	for _, m := range r.Members {
		if m != self {
			return m, true
		}
	}
	return "", false
}

func (r *Room) HasMember(id UserID) bool {
	for _, m := range r.Members {
		if m == id {
			return true
		}
	}
	return false
}
