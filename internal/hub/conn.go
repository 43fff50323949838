// Package hub is the realtime core shared by every connection: the connection
// registry, presence broadcasting, message fanout and friend request routing.
package hub

import (
	"encoding/json"

	"github.com/rs/zerolog/log"
)

// Frame is a raw payload pushed to a client.
type Frame []byte

// SignalConnection abstracts a system messaging transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// Push marshals v and hands it to the connection. Delivery is best-effort:
// a full or closed connection drops the event, it is never queued or retried.
func Push(conn SignalConnection, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "hub").Msg("push marshal")
		return
	}
	if err := conn.TrySend(b); err != nil {
		log.Debug().Err(err).Str("module", "hub").Msg("push dropped")
	}
}
