package media

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type outState int32

const (
	outLive outState = iota
	outPaused
	outClosed
)

// outTrack is a single outgoing forwarding of the producer's stream to one
// consumer. State flips are lock-free so the forward loop never blocks on a
// signaling call.
type outTrack struct {
	track *webrtc.TrackLocalStaticRTP
	state atomic.Int32
}

func newOutTrack(track *webrtc.TrackLocalStaticRTP, paused bool) *outTrack {
	ot := &outTrack{track: track}
	if paused {
		ot.state.Store(int32(outPaused))
	}
	return ot
}

func (ot *outTrack) getState() outState  { return outState(ot.state.Load()) }
func (ot *outTrack) markLive()           { ot.state.Store(int32(outLive)) }
func (ot *outTrack) markPaused()         { ot.state.Store(int32(outPaused)) }
func (ot *outTrack) markClosed()         { ot.state.Store(int32(outClosed)) }

// relay reads RTP from a producer's remote track and forwards it to every
// consumer's local track.
type relay struct {
	src *webrtc.TrackRemote

	mu   sync.RWMutex
	outs map[string]*outTrack

	cancel context.CancelFunc
}

func newRelay(src *webrtc.TrackRemote, cancel context.CancelFunc) *relay {
	return &relay{
		src:    src,
		outs:   make(map[string]*outTrack),
		cancel: cancel,
	}
}

func (r *relay) loop(ctx context.Context, producerID string) {
	logger := log.With().Str("module", "media.relay").Str("producer", producerID).Logger()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("relay ctx done, closing out tracks")
			r.closeAll()
			return
		default:
		}
		pkt, _, err := r.src.ReadRTP()
		if err != nil {
			logger.Error().Err(err).Msg("relay read RTP error, stopping")
			r.closeAll()
			return
		}
		r.forward(pkt, &logger)
	}
}

func (r *relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	snapshot := make(map[string]*outTrack, len(r.outs))
	r.mu.RLock()
	maps.Copy(snapshot, r.outs)
	r.mu.RUnlock()

	dirty := make([]string, 0, len(snapshot))
	for id, ot := range snapshot {
		switch ot.getState() {
		case outClosed:
			dirty = append(dirty, id)
		case outPaused:
		case outLive:
			if err := ot.track.WriteRTP(pkt); err != nil {
				logger.Error().Err(err).Str("consumer", id).Msg("relay write RTP error, dropping out track")
				ot.markClosed()
				dirty = append(dirty, id)
			}
		}
	}

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		r.mu.Lock()
		for _, id := range dirty {
			delete(r.outs, id)
		}
		r.mu.Unlock()
	}
}

func (r *relay) addOut(id string, ot *outTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outs[id] = ot
}

func (r *relay) removeOut(id string) {
	r.mu.RLock()
	ot, ok := r.outs[id]
	r.mu.RUnlock()
	if ok {
		ot.markClosed()
	}
}

func (r *relay) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ot := range r.outs {
		ot.markClosed()
	}
}

func (r *relay) stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.closeAll()
}
