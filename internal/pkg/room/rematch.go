package room

import (
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/vreid/relayduel/internal/pkg/protocol"
)

func (r *RoomService) ownProposalLocked(tag string, ev *nostr.Event, nonce string, round int) []func() {
	if r.state.Tag != tag {
		return nil
	}

	switch r.state.Status {
	case StatusEnded:
	case StatusRematchPending:
		// both sides proposed at once
		if r.state.Rematch != nil && r.state.Rematch.Incoming {
			return r.crossedLocked(ev, nonce)
		}

		return nil
	default:
		return nil
	}

	self := r.state.Player.PublicKey

	r.state.Rematch = &RematchState{
		ProposalID: ev.ID,
		Proposer:   self,
		Round:      round,
		nonce:      nonce,
		proposal:   ev,
	}

	fx := r.transitionLocked(StatusRematchPending)
	fx = append(fx, r.rematchUpdate(protocol.RematchPropose, self, round))

	r.startRematchTimerLocked(ev.ID)

	if reply, ok := r.rematchReplies[ev.ID]; ok {
		fx = append(fx, r.applyReplyLocked(reply)...)
	}

	return fx
}

func (r *RoomService) applyRematchLocked(ev *nostr.Event, c protocol.RematchEventContent) []func() {
	if c.Type == protocol.RematchPropose {
		return r.incomingProposalLocked(ev, c)
	}

	current := r.state.Rematch
	if r.state.Status == StatusRematchPending && current != nil && !current.Incoming && current.ProposalID == c.Proposal {
		return r.applyReplyLocked(ev)
	}

	// An answer can overtake our own bookkeeping of the proposal. Keep the
	// latest one per proposal until it is needed.
	if r.state.Status == StatusEnded && c.Proposal != "" {
		previous, ok := r.rematchReplies[c.Proposal]
		if ok && protocol.Less(ev, previous) {
			return nil
		}

		if !ok && len(r.rematchReplies) >= earlyBufferSize {
			return nil
		}

		r.rematchReplies[c.Proposal] = ev
	}

	return nil
}

func (r *RoomService) incomingProposalLocked(ev *nostr.Event, c protocol.RematchEventContent) []func() {
	switch r.state.Status {
	case StatusEnded:
	case StatusRematchPending:
		if r.state.Rematch != nil && !r.state.Rematch.Incoming {
			return r.crossedLocked(ev, c.Nonce)
		}

		return nil
	default:
		return nil
	}

	if c.Round <= r.state.Round {
		r.logger.Debug().Int("round", c.Round).Msg("dropping rematch for a past round")

		return nil
	}

	r.state.Rematch = &RematchState{
		ProposalID: ev.ID,
		Proposer:   ev.PubKey,
		Round:      c.Round,
		Incoming:   true,
		nonce:      c.Nonce,
		proposal:   ev,
	}

	fx := r.transitionLocked(StatusRematchPending)
	fx = append(fx, r.rematchUpdate(protocol.RematchPropose, ev.PubKey, c.Round))

	r.startRematchTimerLocked(ev.ID)

	return fx
}

// crossedLocked resolves two proposals that passed each other on the wire.
// Each side counts as accepting the other, and the earlier proposal supplies
// the first nonce so both clients derive the same seed.
func (r *RoomService) crossedLocked(other *nostr.Event, otherNonce string) []func() {
	pending := r.state.Rematch

	first, second := pending.nonce, otherNonce
	if protocol.Less(other, pending.proposal) {
		first, second = otherNonce, pending.nonce
	}

	r.logger.Info().Msg("rematch proposals crossed")

	return r.startRematchLocked(
		deriveSeed(r.state.Seed, first, second),
		pending.Round,
		protocol.RematchAccept,
		r.state.Opponent.PublicKey,
	)
}

// applyReplyLocked answers our own outstanding proposal.
func (r *RoomService) applyReplyLocked(ev *nostr.Event) []func() {
	delete(r.rematchReplies, r.state.Rematch.ProposalID)

	content, err := protocol.Decode(ev)
	if err != nil {
		return nil
	}

	reply, ok := content.(protocol.RematchEventContent)
	if !ok {
		return nil
	}

	switch reply.Type {
	case protocol.RematchAccept:
		pending := r.state.Rematch

		return r.startRematchLocked(
			deriveSeed(r.state.Seed, pending.nonce, reply.Nonce),
			pending.Round,
			protocol.RematchAccept,
			ev.PubKey,
		)
	case protocol.RematchDecline:
		return r.closeRematchLocked(protocol.RematchDecline, ev.PubKey)
	case protocol.RematchPropose:
	}

	return nil
}

// startRematchLocked begins the next round with a fresh seed.
func (r *RoomService) startRematchLocked(seed string, round int, kind protocol.RematchType, from string) []func() {
	r.stopRematchTimerLocked()

	r.state.Seed = seed
	r.state.Round = round
	r.state.Rematch = nil
	r.state.GameState = nil
	r.rematchReplies = map[string]*nostr.Event{}

	if r.state.Opponent != nil {
		r.state.Opponent.LastSeen = time.Now()
		r.state.Opponent.lastHeartbeat = nil
	}

	fx := r.transitionLocked(StatusPlaying)
	fx = append(fx, r.rematchUpdate(kind, from, round))

	r.startKeepaliveLocked()

	r.logger.Info().Int("round", round).Msg("rematch started")

	return fx
}

// closeRematchLocked drops the pending proposal and returns to ended.
func (r *RoomService) closeRematchLocked(kind protocol.RematchType, from string) []func() {
	r.stopRematchTimerLocked()

	round := r.state.Round + 1
	if r.state.Rematch != nil {
		round = r.state.Rematch.Round
	}

	r.state.Rematch = nil

	fx := r.transitionLocked(StatusEnded)

	return append(fx, r.rematchUpdate(kind, from, round))
}

func (r *RoomService) rematchUpdate(kind protocol.RematchType, from string, round int) func() {
	update := RematchUpdate{Type: kind, From: from, Round: round}

	return func() {
		r.rematchListeners.Emit(update)
	}
}

func (r *RoomService) startRematchTimerLocked(proposalID string) {
	r.stopRematchTimerLocked()

	r.rematchTimer = time.AfterFunc(r.config.RematchTimeout, func() {
		r.mu.Lock()

		var fx []func()

		current := r.state.Rematch
		if !r.closed && r.state.Status == StatusRematchPending && current != nil && current.ProposalID == proposalID {
			r.logger.Info().Str("proposal", proposalID).Msg("rematch timed out")

			r.rematchTimer = nil
			fx = r.closeRematchLocked(RematchTimedOut, "")
		}
		r.dispatch.push(fx...)
		r.mu.Unlock()
	})
}

func (r *RoomService) stopRematchTimerLocked() {
	if r.rematchTimer == nil {
		return
	}

	r.rematchTimer.Stop()
	r.rematchTimer = nil
}
