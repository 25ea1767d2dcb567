package room

import (
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/vreid/relayduel/internal/pkg/protocol"
)

const (
	lostTimeout  = "timeout"
	lostLeft     = "left"
	lostRoomFull = "room-full"
)

// HandleEvent applies one inbound relay event. It is the subscription
// callback and may also be fed directly.
func (r *RoomService) HandleEvent(ev *nostr.Event) {
	r.mu.Lock()
	fx := r.receiveLocked(ev)
	r.dispatch.push(fx...)
	r.mu.Unlock()
}

//nolint:cyclop
func (r *RoomService) receiveLocked(ev *nostr.Event) []func() {
	if r.closed || ev == nil {
		return nil
	}

	tag := protocol.RoomTagOf(ev)

	if r.pendingTag != "" {
		if tag == r.pendingTag && len(r.pendingEvents) < earlyBufferSize {
			r.pendingEvents = append(r.pendingEvents, ev)
		}

		return nil
	}

	if tag == "" || tag != r.state.Tag || r.seen.Contains(ev.ID) {
		return nil
	}

	if ev.PubKey == r.state.Player.PublicKey {
		r.seen.Add(ev.ID, struct{}{})

		return nil
	}

	content, err := protocol.Decode(ev)
	if err != nil {
		r.seen.Add(ev.ID, struct{}{})
		r.logger.Warn().Err(err).Str("event", ev.ID).Int("kind", ev.Kind).Msg("dropping malformed event")

		return nil
	}

	opponent := r.state.Opponent
	if opponent == nil {
		join, ok := content.(protocol.JoinEventContent)
		if ok && r.state.Status == StatusWaiting {
			r.seen.Add(ev.ID, struct{}{})

			return r.applyJoinLocked(ev, join)
		}

		if r.state.Status == StatusWaiting {
			r.bufferEarlyLocked(ev)
		}

		return nil
	}

	if ev.PubKey != opponent.PublicKey {
		if _, ok := content.(protocol.JoinEventContent); ok {
			r.logger.Info().Str("player", ev.PubKey).Msg("ignoring join to a full room")
		}

		return nil
	}

	r.seen.Add(ev.ID, struct{}{})
	opponent.LastSeen = time.Now()

	switch c := content.(type) {
	case protocol.RoomEventContent:
		return r.applyAnnouncementLocked(c)
	case protocol.StateEventContent:
		return r.applyStateLocked(c)
	case protocol.HeartbeatEventContent:
		return r.applyHeartbeatLocked(ev, c)
	case protocol.GameOverEventContent:
		return r.endRoundLocked(r.state.Tag, GameResult{
			Winner: c.Winner,
			Reason: c.Reason,
			Result: c.Result,
		})
	case protocol.RematchEventContent:
		return r.applyRematchLocked(ev, c)
	case protocol.BattleEventContent:
		return r.applyBattleLocked(ev, c)
	}

	return nil
}

func (r *RoomService) bufferEarlyLocked(ev *nostr.Event) {
	if len(r.earlyEvents) >= earlyBufferSize {
		r.earlyEvents = r.earlyEvents[1:]
	}

	r.earlyEvents = append(r.earlyEvents, ev)
}

func (r *RoomService) applyJoinLocked(ev *nostr.Event, join protocol.JoinEventContent) []func() {
	if join.Player != ev.PubKey {
		r.logger.Warn().Str("event", ev.ID).Msg("dropping join signed by another key")

		return nil
	}

	r.state.Opponent = &OpponentState{
		PublicKey: ev.PubKey,
		LastSeen:  time.Now(),
		LastSeq:   map[int]uint64{},
	}

	fx := r.transitionLocked(StatusMatched)
	fx = append(fx, r.opponentChangedLocked()...)

	r.logger.Info().Str("opponent", ev.PubKey).Msg("challenger joined")

	r.acknowledgeLocked()

	early := r.earlyEvents
	r.earlyEvents = nil

	for _, buffered := range early {
		if buffered.PubKey == ev.PubKey {
			fx = append(fx, r.receiveLocked(buffered)...)
		}
	}

	return fx
}

// applyAnnouncementLocked follows the host's announcements after joining.
func (r *RoomService) applyAnnouncementLocked(c protocol.RoomEventContent) []func() {
	switch {
	case c.Status == string(StatusAbandoned):
		return r.opponentGoneLocked(lostLeft)
	case c.Opponent != "" && c.Opponent != r.state.Player.PublicKey:
		r.logger.Warn().Str("opponent", c.Opponent).Msg("host matched with another player")

		fx := r.opponentGoneLocked(lostRoomFull)
		err := ErrRoomFull

		return append(fx, func() {
			r.errorListeners.Emit(err)
		})
	}

	return nil
}

// applyStateLocked keeps only the highest sequence number seen from the
// opponent. Lower or equal numbers are stale and dropped.
func (r *RoomService) applyStateLocked(c protocol.StateEventContent) []func() {
	opponent := r.state.Opponent

	if c.Seq <= opponent.LastSeq[protocol.KindState] {
		r.logger.Debug().Uint64("seq", c.Seq).Msg("dropping stale state")

		return nil
	}

	if !r.state.Status.live() {
		return nil
	}

	opponent.LastSeq[protocol.KindState] = c.Seq
	r.state.GameState = append([]byte(nil), c.State...)

	if r.state.Status == StatusMatched {
		return r.transitionLocked(StatusPlaying)
	}

	return []func(){r.stateChangedLocked()}
}

func (r *RoomService) applyHeartbeatLocked(ev *nostr.Event, c protocol.HeartbeatEventContent) []func() {
	opponent := r.state.Opponent

	if opponent.lastHeartbeat != nil &&
		!heartbeatAfter(ev, c.Seq, opponent.lastHeartbeat, opponent.LastSeq[protocol.KindHeartbeat]) {
		return nil
	}

	opponent.lastHeartbeat = ev
	opponent.LastSeq[protocol.KindHeartbeat] = c.Seq

	if c.Status == string(StatusAbandoned) {
		return r.opponentGoneLocked(lostLeft)
	}

	return r.opponentChangedLocked()
}

// heartbeatAfter orders heartbeats by timestamp, then by sender sequence
// since timestamps only have second resolution, then by id.
func heartbeatAfter(a *nostr.Event, aSeq uint64, b *nostr.Event, bSeq uint64) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt > b.CreatedAt
	}

	if aSeq != bSeq {
		return aSeq > bSeq
	}

	return a.ID > b.ID
}

func (r *RoomService) applyBattleLocked(ev *nostr.Event, c protocol.BattleEventContent) []func() {
	if !r.state.Status.live() {
		return nil
	}

	action := BattleAction{
		From:    ev.PubKey,
		Action:  c.Action,
		Payload: append([]byte(nil), c.Payload...),
		At:      ev.CreatedAt,
	}

	return []func(){func() {
		r.battleListeners.Emit(action)
	}}
}

// opponentGoneLocked handles an opponent that left or went silent. A live
// room is abandoned, a pending rematch is declined on their behalf.
func (r *RoomService) opponentGoneLocked(reason string) []func() {
	opponent := r.state.Opponent

	switch {
	case r.state.Status == StatusRematchPending:
		return r.closeRematchLocked(protocol.RematchDecline, opponent.PublicKey)
	case !r.state.Status.live():
		return nil
	}

	fx := r.transitionLocked(StatusAbandoned)

	r.stopKeepaliveLocked()
	r.stopRematchTimerLocked()

	lost := OpponentLost{
		PublicKey: opponent.PublicKey,
		LastSeen:  opponent.LastSeen,
		Reason:    reason,
	}

	r.logger.Warn().Str("opponent", lost.PublicKey).Str("reason", reason).Msg("opponent lost")

	return append(fx, func() {
		r.lostListeners.Emit(lost)
	})
}

func (r *RoomService) endRoundLocked(tag string, result GameResult) []func() {
	if r.state.Tag != tag || !r.state.Status.live() {
		return nil
	}

	fx := r.transitionLocked(StatusEnded)

	r.stopKeepaliveLocked()

	players := []string{r.state.Player.PublicKey}
	if r.state.Opponent != nil {
		players = append(players, r.state.Opponent.PublicKey)
	}

	outcome := Outcome{
		Tag:     r.state.Tag,
		Round:   r.state.Round,
		Players: players,
		Winner:  result.Winner,
		Reason:  result.Reason,
		Result:  append([]byte(nil), result.Result...),
	}

	if r.outcomes != nil {
		select {
		case r.outcomes <- outcome:
		default:
			r.logger.Warn().Str("tag", outcome.Tag).Int("round", outcome.Round).Msg("outcome sink full")
		}
	}

	r.logger.Info().Str("winner", outcome.Winner).Int("round", outcome.Round).Msg("round over")

	return append(fx, func() {
		r.gameOverListeners.Emit(outcome)
	})
}
