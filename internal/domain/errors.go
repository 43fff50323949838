package domain

import "errors"

// Shared error taxonomy. Validation and not-found errors are surfaced only to
// the acting caller via its acknowledgement, never broadcast.
var (
	ErrNotFound        = errors.New("not found")
	ErrNotMember       = errors.New("not a room member")
	ErrSelfRequest     = errors.New("cannot send a friend request to yourself")
	ErrAlreadyExists   = errors.New("friend request already exists")
	ErrUnknownResponse = errors.New("unknown friend request response")
)
