package room

import (
	"context"
	"time"

	"github.com/vreid/relayduel/internal/pkg/protocol"
)

// startKeepaliveLocked starts the background ticker. While waiting the host
// re-announces the room so joiners can tell it is alive. Once matched both
// sides emit heartbeats and watch the opponent's.
func (r *RoomService) startKeepaliveLocked() {
	if r.keepaliveStop != nil || r.closed {
		return
	}

	ctx, cancel := context.WithCancel(r.ctx)
	r.keepaliveStop = cancel

	r.wg.Add(1)

	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.config.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.tick(ctx)
			}
		}
	}()
}

func (r *RoomService) stopKeepaliveLocked() {
	if r.keepaliveStop == nil {
		return
	}

	r.keepaliveStop()
	r.keepaliveStop = nil
}

func (r *RoomService) tick(ctx context.Context) {
	r.mu.Lock()
	if ctx.Err() != nil {
		r.mu.Unlock()

		return
	}

	state := r.state
	var content protocol.Content

	switch {
	case state.Status == StatusWaiting:
		content = protocol.RoomEventContent{
			Game:   state.Game,
			Status: string(StatusWaiting),
			Seed:   state.Seed,
			Round:  state.Round,
			Host:   state.Player.PublicKey,
		}
	case state.Status.live() && state.Opponent != nil:
		silent := time.Since(state.Opponent.LastSeen)
		if silent > r.config.HeartbeatTimeout {
			fx := r.opponentGoneLocked(lostTimeout)
			r.dispatch.push(fx...)
			r.mu.Unlock()

			return
		}

		r.heartbeatSeq++
		content = protocol.HeartbeatEventContent{
			Status: string(state.Status),
			Seq:    r.heartbeatSeq,
		}
	default:
		r.mu.Unlock()

		return
	}
	r.mu.Unlock()

	_, err := r.publish(ctx, state.Tag, content)
	if err != nil && ctx.Err() == nil {
		r.logger.Warn().Err(err).Int("kind", content.Kind()).Msg("keepalive publish failed")
	}

	if state.Status != StatusWaiting {
		return
	}

	// a join may have landed while the announcement was in flight, in which
	// case the stale waiting announcement replaced the acknowledgement
	r.mu.Lock()
	if r.state.Tag == state.Tag && r.state.Status != StatusWaiting && r.state.Opponent != nil {
		r.acknowledgeLocked()
	}
	r.mu.Unlock()
}

// acknowledgeLocked re-announces the room as matched so the challenger and
// any late joiner see who the host accepted.
func (r *RoomService) acknowledgeLocked() {
	if r.closed {
		return
	}

	tag := r.state.Tag
	content := protocol.RoomEventContent{
		Game:     r.state.Game,
		Status:   string(StatusMatched),
		Seed:     r.state.Seed,
		Round:    r.state.Round,
		Host:     r.state.Player.PublicKey,
		Opponent: r.state.Opponent.PublicKey,
	}

	r.wg.Add(1)

	go func() {
		defer r.wg.Done()

		_, err := r.publish(r.ctx, tag, content)
		if err != nil && r.ctx.Err() == nil {
			r.logger.Warn().Err(err).Msg("failed to acknowledge challenger")

			r.dispatch.push(func() {
				r.errorListeners.Emit(err)
			})
		}
	}()
}
