package domain

type RequestID string

type FriendStatus string

const (
	FriendPending  FriendStatus = "PENDING"
	FriendAccepted FriendStatus = "ACCEPTED"
	FriendBlocked  FriendStatus = "BLOCKED"
)

// FriendResponse is a participant's answer to a pending or settled request.
// decline deletes the row; accept and restore both land on ACCEPTED; no
// response ever leads back to PENDING.
type FriendResponse string

const (
	RespondAccept  FriendResponse = "accept"
	RespondDecline FriendResponse = "decline"
	RespondBlock   FriendResponse = "block"
	RespondRestore FriendResponse = "restore"
)

type FriendRequest struct {
	ID         RequestID    `json:"id"`
	SenderID   UserID       `json:"sender"`
	ReceiverID UserID       `json:"receiver"`
	Status     FriendStatus `json:"status"`
}

// Counterpart returns the participant that is not self.
func (fr *FriendRequest) Counterpart(self UserID) UserID {
	if fr.SenderID == self {
		return fr.ReceiverID
	}
	return fr.SenderID
}
