package room

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"
	"github.com/samber/do/v2"
	"github.com/vreid/relayduel/internal/pkg/listeners"
	"github.com/vreid/relayduel/internal/pkg/persistence"
	"github.com/vreid/relayduel/internal/pkg/protocol"
	"github.com/vreid/relayduel/internal/pkg/transport"
)

// RoomService drives one battle room over the relay network.
//
// Every mutation of the room state, whether triggered by a caller, an
// inbound event or a timer, goes through mu. Listener callbacks are queued
// while mu is held and delivered afterwards, one at a time, by the
// dispatcher.
//
//nolint:revive
type RoomService struct {
	config    Config
	logger    zerolog.Logger
	transport Transport
	bridge    *persistence.Bridge
	outcomes  chan<- Outcome

	// opMu serializes caller-driven lifecycle operations.
	opMu sync.Mutex

	mu    sync.Mutex
	state RoomState
	seen  *lru.Cache[string, struct{}]

	sub            listeners.Token
	pendingTag     string
	pendingEvents  []*nostr.Event
	earlyEvents    []*nostr.Event
	keepaliveStop  context.CancelFunc
	rematchTimer   *time.Timer
	rematchReplies map[string]*nostr.Event
	heartbeatSeq   uint64

	ctx    context.Context //nolint:containedctx
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool

	dispatch *dispatcher

	stateListeners    *listeners.Registry[RoomState]
	opponentListeners *listeners.Registry[*OpponentState]
	gameOverListeners *listeners.Registry[Outcome]
	errorListeners    *listeners.Registry[error]
	lostListeners     *listeners.Registry[OpponentLost]
	rematchListeners  *listeners.Registry[RematchUpdate]
	battleListeners   *listeners.Registry[BattleAction]
}

type Option func(*RoomService)

// WithOutcomeSink forwards every finished round, e.g. to the scorer.
func WithOutcomeSink(sink chan<- Outcome) Option {
	return func(r *RoomService) {
		r.outcomes = sink
	}
}

func New(
	config Config,
	tr Transport,
	bridge *persistence.Bridge,
	logger zerolog.Logger,
	opts ...Option,
) *RoomService {
	config = config.WithDefaults()

	seen, err := lru.New[string, struct{}](config.DedupSize)
	if err != nil {
		// only reachable with a non-positive size, which WithDefaults rules out
		panic(err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	r := &RoomService{
		config:    config,
		logger:    logger.With().Str("component", "room").Logger(),
		transport: tr,
		bridge:    bridge,

		state: RoomState{
			Status: StatusIdle,
			Game:   config.Game,
		},
		seen:           seen,
		rematchReplies: map[string]*nostr.Event{},

		ctx:    ctx,
		cancel: cancel,

		dispatch: newDispatcher(),

		stateListeners:    listeners.NewRegistry[RoomState](),
		opponentListeners: listeners.NewRegistry[*OpponentState](),
		gameOverListeners: listeners.NewRegistry[Outcome](),
		errorListeners:    listeners.NewRegistry[error](),
		lostListeners:     listeners.NewRegistry[OpponentLost](),
		rematchListeners:  listeners.NewRegistry[RematchUpdate](),
		battleListeners:   listeners.NewRegistry[BattleAction](),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

func NewRoomService(i do.Injector) (*RoomService, error) {
	config := do.MustInvoke[Config](i)
	tr := do.MustInvoke[*transport.Service](i)
	bridge := do.MustInvoke[*persistence.Bridge](i)
	logger := do.MustInvoke[zerolog.Logger](i)
	outcomeSink := do.MustInvokeNamed[chan<- Outcome](i, "outcome-sink")

	return New(config, tr, bridge, logger, WithOutcomeSink(outcomeSink)), nil
}

func (r *RoomService) OnState(fn func(RoomState)) listeners.Token {
	return r.stateListeners.Add(fn)
}

func (r *RoomService) OnOpponent(fn func(*OpponentState)) listeners.Token {
	return r.opponentListeners.Add(fn)
}

func (r *RoomService) OnGameOver(fn func(Outcome)) listeners.Token {
	return r.gameOverListeners.Add(fn)
}

func (r *RoomService) OnError(fn func(error)) listeners.Token {
	return r.errorListeners.Add(fn)
}

func (r *RoomService) OnOpponentLost(fn func(OpponentLost)) listeners.Token {
	return r.lostListeners.Add(fn)
}

func (r *RoomService) OnRematch(fn func(RematchUpdate)) listeners.Token {
	return r.rematchListeners.Add(fn)
}

func (r *RoomService) OnBattle(fn func(BattleAction)) listeners.Token {
	return r.battleListeners.Add(fn)
}

// State returns a copy of the current room state.
func (r *RoomService) State() RoomState {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.state.clone()
}

func (r *RoomService) fail(err error) error {
	r.dispatch.push(func() {
		r.errorListeners.Emit(err)
	})

	return err
}

func (r *RoomService) connect(ctx context.Context) (string, error) {
	err := r.transport.Connect(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to connect: %w", err)
	}

	return r.transport.PublicKey(), nil
}

func (r *RoomService) publish(ctx context.Context, tag string, content protocol.Content) (nostr.Event, error) {
	template, err := protocol.Template(tag, content)
	if err != nil {
		return nostr.Event{}, err
	}

	//nolint:wrapcheck
	return r.transport.Publish(ctx, template)
}

// Create opens a new room as host and waits for a challenger.
func (r *RoomService) Create(ctx context.Context) (string, error) {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	self, err := r.connect(ctx)
	if err != nil {
		return "", r.fail(err)
	}

	r.mu.Lock()
	if r.state.Status != StatusIdle {
		status := r.state.Status
		r.mu.Unlock()

		return "", r.fail(fmt.Errorf("%w: create from %s", ErrInvalidTransition, status))
	}

	tag := protocol.NewRoomTag()
	seed, err := newSeed()
	if err != nil {
		r.mu.Unlock()

		return "", r.fail(err)
	}

	r.beginPendingLocked(tag)
	r.mu.Unlock()

	_, err = r.publish(ctx, tag, protocol.RoomEventContent{
		Game:   r.config.Game,
		Status: string(StatusWaiting),
		Seed:   seed,
		Round:  1,
		Host:   self,
	})
	if err != nil {
		r.abortPending(tag)

		return "", r.fail(fmt.Errorf("failed to announce room: %w", err))
	}

	r.mu.Lock()
	var fx []func()

	r.state.Tag = tag
	r.state.Seed = seed
	r.state.Round = 1
	r.state.Creator = self
	r.state.Player = PlayerInfo{PublicKey: self, Role: RoleHost}
	r.state.Opponent = nil
	r.state.GameState = nil
	fx = append(fx, r.transitionLocked(StatusWaiting)...)

	r.startKeepaliveLocked()
	fx = append(fx, r.finishPendingLocked()...)
	r.dispatch.push(fx...)
	r.mu.Unlock()

	r.logger.Info().Str("tag", tag).Msg("room created")

	return tag, nil
}

// Join enters an existing room as challenger. The host must have announced
// the room recently and still be waiting.
//
//nolint:funlen
func (r *RoomService) Join(ctx context.Context, tag string) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	self, err := r.connect(ctx)
	if err != nil {
		return r.fail(err)
	}

	r.mu.Lock()
	if r.state.Status != StatusIdle {
		status := r.state.Status
		r.mu.Unlock()

		return r.fail(fmt.Errorf("%w: join from %s", ErrInvalidTransition, status))
	}

	r.beginPendingLocked(tag)
	r.mu.Unlock()

	announcement, err := r.findHost(ctx, tag, self)
	if err != nil {
		r.abortPending(tag)

		return r.fail(err)
	}

	_, err = r.publish(ctx, tag, protocol.JoinEventContent{Player: self})
	if err != nil {
		r.abortPending(tag)

		return r.fail(fmt.Errorf("failed to send join: %w", err))
	}

	r.mu.Lock()
	var fx []func()

	r.state.Tag = tag
	r.state.Game = announcement.Game
	r.state.Seed = announcement.Seed
	r.state.Round = max(announcement.Round, 1)
	r.state.Creator = announcement.Host
	r.state.Player = PlayerInfo{PublicKey: self, Role: RoleChallenger}
	r.state.Opponent = &OpponentState{
		PublicKey: announcement.Host,
		LastSeen:  time.Now(),
		LastSeq:   map[int]uint64{},
	}
	r.state.GameState = nil

	fx = append(fx, r.transitionLocked(StatusMatched)...)
	fx = append(fx, r.opponentChangedLocked()...)

	r.startKeepaliveLocked()
	fx = append(fx, r.finishPendingLocked()...)
	r.dispatch.push(fx...)
	r.mu.Unlock()

	r.logger.Info().Str("tag", tag).Str("host", announcement.Host).Msg("joined room")

	return nil
}

func (r *RoomService) findHost(ctx context.Context, tag, self string) (protocol.RoomEventContent, error) {
	events, err := r.transport.Fetch(ctx, protocol.RoomFilter(tag, protocol.KindRoom), r.config.FetchTimeout)
	if err != nil {
		return protocol.RoomEventContent{}, fmt.Errorf("failed to look up room %s: %w", tag, err)
	}

	var (
		latest  *nostr.Event
		content protocol.RoomEventContent
	)

	for idx := range events {
		ev := &events[idx]

		decoded, err := protocol.Decode(ev)
		if err != nil {
			r.logger.Debug().Err(err).Str("event", ev.ID).Msg("skipping malformed announcement")

			continue
		}

		announcement, ok := decoded.(protocol.RoomEventContent)
		if !ok || announcement.Host != ev.PubKey {
			continue
		}

		if latest == nil || protocol.Less(latest, ev) {
			latest = ev
			content = announcement
		}
	}

	if latest == nil {
		return content, fmt.Errorf("%w: %s", ErrRoomNotFound, tag)
	}

	if latest.PubKey == self {
		return content, fmt.Errorf("%w: %s is our own room", ErrRoomNotFound, tag)
	}

	if content.Opponent != "" && content.Opponent != self {
		return content, fmt.Errorf("%w: %s", ErrRoomFull, tag)
	}

	if content.Status != string(StatusWaiting) {
		return content, fmt.Errorf("%w: %s is %s", ErrRoomNotFound, tag, content.Status)
	}

	age := time.Since(latest.CreatedAt.Time())
	if age > r.config.HeartbeatTimeout+time.Second {
		return content, fmt.Errorf("%w: %s host silent for %s", ErrRoomNotFound, tag, age.Round(time.Second))
	}

	return content, nil
}

// Start moves a matched room into play by publishing the current game state.
func (r *RoomService) Start(ctx context.Context) error {
	r.mu.Lock()
	status := r.state.Status
	current := r.state.GameState
	r.mu.Unlock()

	if status != StatusMatched {
		return r.fail(fmt.Errorf("%w: start from %s", ErrInvalidTransition, status))
	}

	if current == nil {
		current = json.RawMessage("null")
	}

	return r.UpdateState(ctx, current)
}

// UpdateState publishes a new game state under the next local sequence
// number. The number is consumed even if publishing fails, so it is never
// reused.
func (r *RoomService) UpdateState(ctx context.Context, payload json.RawMessage) error {
	r.mu.Lock()
	if !r.state.Status.live() {
		status := r.state.Status
		r.mu.Unlock()

		return r.fail(fmt.Errorf("%w: state update while %s", ErrInvalidTransition, status))
	}

	r.state.LocalSeq++
	seq := r.state.LocalSeq
	tag := r.state.Tag
	r.mu.Unlock()

	_, err := r.publish(ctx, tag, protocol.StateEventContent{Seq: seq, State: payload})
	if err != nil {
		return r.fail(fmt.Errorf("failed to publish state %d: %w", seq, err))
	}

	r.mu.Lock()
	var fx []func()

	if r.state.Tag == tag && r.state.Status.live() {
		r.state.GameState = append(json.RawMessage(nil), payload...)

		if r.state.Status == StatusMatched {
			fx = append(fx, r.transitionLocked(StatusPlaying)...)
		} else {
			r.saveLocked()
			fx = append(fx, r.stateChangedLocked())
		}
	}
	r.dispatch.push(fx...)
	r.mu.Unlock()

	return nil
}

// SendAction publishes an embedding-defined action to the opponent.
func (r *RoomService) SendAction(ctx context.Context, action string, payload json.RawMessage) error {
	r.mu.Lock()
	status := r.state.Status
	tag := r.state.Tag
	r.mu.Unlock()

	if !status.live() {
		return r.fail(fmt.Errorf("%w: action while %s", ErrInvalidTransition, status))
	}

	_, err := r.publish(ctx, tag, protocol.BattleEventContent{Action: action, Payload: payload})
	if err != nil {
		return r.fail(fmt.Errorf("failed to publish action %s: %w", action, err))
	}

	return nil
}

// GameOver ends the current round with result.
func (r *RoomService) GameOver(ctx context.Context, result GameResult) error {
	r.mu.Lock()
	status := r.state.Status
	tag := r.state.Tag
	r.mu.Unlock()

	if !status.live() {
		return r.fail(fmt.Errorf("%w: game over while %s", ErrInvalidTransition, status))
	}

	ev, err := r.publish(ctx, tag, protocol.GameOverEventContent{
		Winner: result.Winner,
		Reason: result.Reason,
		Result: result.Result,
	})
	if err != nil {
		return r.fail(fmt.Errorf("failed to publish game over: %w", err))
	}

	r.mu.Lock()
	r.seen.Add(ev.ID, struct{}{})
	fx := r.endRoundLocked(tag, result)
	r.dispatch.push(fx...)
	r.mu.Unlock()

	return nil
}

// ProposeRematch asks the opponent for another round. Answering an incoming
// proposal this way counts as accepting it.
func (r *RoomService) ProposeRematch(ctx context.Context) error {
	r.mu.Lock()
	status := r.state.Status
	incoming := r.state.Rematch != nil && r.state.Rematch.Incoming
	tag := r.state.Tag
	round := r.state.Round + 1
	r.mu.Unlock()

	if status == StatusRematchPending && incoming {
		return r.AcceptRematch(ctx)
	}

	if status != StatusEnded {
		return r.fail(fmt.Errorf("%w: rematch from %s", ErrInvalidTransition, status))
	}

	nonce, err := newNonce()
	if err != nil {
		return r.fail(err)
	}

	ev, err := r.publish(ctx, tag, protocol.RematchEventContent{
		Type:  protocol.RematchPropose,
		Round: round,
		Nonce: nonce,
	})
	if err != nil {
		return r.fail(fmt.Errorf("failed to propose rematch: %w", err))
	}

	r.mu.Lock()
	r.seen.Add(ev.ID, struct{}{})
	fx := r.ownProposalLocked(tag, &ev, nonce, round)
	r.dispatch.push(fx...)
	r.mu.Unlock()

	return nil
}

func (r *RoomService) AcceptRematch(ctx context.Context) error {
	return r.answerRematch(ctx, protocol.RematchAccept)
}

func (r *RoomService) DeclineRematch(ctx context.Context) error {
	return r.answerRematch(ctx, protocol.RematchDecline)
}

func (r *RoomService) answerRematch(ctx context.Context, answer protocol.RematchType) error {
	r.mu.Lock()
	pending := r.state.Rematch
	status := r.state.Status
	tag := r.state.Tag

	if status != StatusRematchPending || pending == nil || !pending.Incoming {
		r.mu.Unlock()

		return r.fail(fmt.Errorf("%w: %s while %s", ErrNoRematch, answer, status))
	}

	proposal := *pending
	r.mu.Unlock()

	nonce, err := newNonce()
	if err != nil {
		return r.fail(err)
	}

	ev, err := r.publish(ctx, tag, protocol.RematchEventContent{
		Type:     answer,
		Round:    proposal.Round,
		Nonce:    nonce,
		Proposal: proposal.ProposalID,
	})
	if err != nil {
		return r.fail(fmt.Errorf("failed to %s rematch: %w", answer, err))
	}

	r.mu.Lock()
	var fx []func()

	r.seen.Add(ev.ID, struct{}{})

	current := r.state.Rematch
	if r.state.Status == StatusRematchPending && current != nil && current.ProposalID == proposal.ProposalID {
		if answer == protocol.RematchAccept {
			fx = r.startRematchLocked(
				deriveSeed(r.state.Seed, proposal.nonce, nonce),
				proposal.Round,
				protocol.RematchAccept,
				r.state.Player.PublicKey,
			)
		} else {
			fx = r.closeRematchLocked(answer, r.state.Player.PublicKey)
		}
	}
	r.dispatch.push(fx...)
	r.mu.Unlock()

	return nil
}

// Leave abandons a live room and releases its subscription and timers.
// The opponent is told on a best-effort basis.
func (r *RoomService) Leave(ctx context.Context) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	status := r.state.Status
	tag := r.state.Tag
	r.mu.Unlock()

	if status == StatusIdle {
		return nil
	}

	if status == StatusWaiting || status == StatusRematchPending || status.live() {
		_, err := r.publish(ctx, tag, protocol.HeartbeatEventContent{Status: string(StatusAbandoned)})
		if err != nil {
			r.logger.Warn().Err(err).Msg("failed to tell opponent we left")
		}
	}

	r.mu.Lock()
	var fx []func()

	switch r.state.Status {
	case StatusWaiting, StatusMatched, StatusPlaying:
		fx = r.transitionLocked(StatusAbandoned)
	case StatusRematchPending:
		fx = r.transitionLocked(StatusEnded)
	}

	r.teardownLocked()
	r.dispatch.push(fx...)
	r.mu.Unlock()

	return nil
}

// Resume re-enters the room recorded by the persistence bridge.
func (r *RoomService) Resume(ctx context.Context) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	data, ok := r.bridge.Load()
	if !ok || data.Status == string(StatusAbandoned) || data.Status == string(StatusIdle) {
		return r.fail(fmt.Errorf("%w: nothing to resume", ErrRoomNotFound))
	}

	status := Status(data.Status)
	if data.Tag == "" || !status.known() || !Role(data.Role).known() || (status.live() && data.Opponent == "") {
		r.logger.Warn().Str("status", data.Status).Str("role", data.Role).Msg("stored room is corrupt")

		return r.fail(fmt.Errorf("%w: stored room is corrupt", ErrRoomNotFound))
	}

	self, err := r.connect(ctx)
	if err != nil {
		return r.fail(err)
	}

	r.mu.Lock()
	if r.state.Status != StatusIdle {
		current := r.state.Status
		r.mu.Unlock()

		return r.fail(fmt.Errorf("%w: resume from %s", ErrInvalidTransition, current))
	}

	if status == StatusRematchPending {
		status = StatusEnded
	}

	r.state.Tag = data.Tag
	r.state.Seed = data.Seed
	r.state.Round = data.Round
	r.state.Game = data.Game
	r.state.LocalSeq = data.LocalSeq
	r.state.Player = PlayerInfo{PublicKey: self, Role: Role(data.Role)}
	r.state.Status = status

	if data.Role == string(RoleHost) {
		r.state.Creator = self
	} else {
		r.state.Creator = data.Opponent
	}

	if data.Opponent != "" {
		r.state.Opponent = &OpponentState{
			PublicKey: data.Opponent,
			LastSeen:  time.Now(),
			LastSeq:   map[int]uint64{},
		}
	}

	r.sub = r.transport.Subscribe([]nostr.Filter{protocol.RoomFilter(data.Tag)}, r.HandleEvent)

	if status == StatusWaiting || status.live() {
		r.startKeepaliveLocked()
	}

	fx := []func(){r.stateChangedLocked()}
	r.dispatch.push(fx...)
	r.mu.Unlock()

	r.logger.Info().Str("tag", data.Tag).Str("status", data.Status).Msg("room resumed")

	return nil
}

// Reset returns a finished room to idle so the service can create or join
// another one. A live room has to be left first.
func (r *RoomService) Reset(_ context.Context) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	status := r.state.Status
	if status == StatusIdle {
		return nil
	}

	if !canTransition(status, StatusIdle) {
		return r.fail(fmt.Errorf("%w: reset from %s", ErrInvalidTransition, status))
	}

	r.teardownLocked()

	r.state = RoomState{Status: status, Game: r.config.Game}
	r.rematchReplies = map[string]*nostr.Event{}
	r.heartbeatSeq = 0
	r.seen.Purge()

	r.dispatch.push(r.transitionLocked(StatusIdle)...)

	return nil
}

// Close releases every resource held by the room without notifying the
// opponent. The room cannot be used afterwards. Close waits for queued
// callbacks, so it must not be called from a listener.
func (r *RoomService) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()

		return
	}

	r.closed = true
	r.teardownLocked()
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
	r.dispatch.stop()
}

func (r *RoomService) teardownLocked() {
	if r.sub != nil {
		r.sub.Cancel()
		r.sub = nil
	}

	r.stopKeepaliveLocked()
	r.stopRematchTimerLocked()

	r.pendingTag = ""
	r.pendingEvents = nil
	r.earlyEvents = nil
}

func (r *RoomService) beginPendingLocked(tag string) {
	r.pendingTag = tag
	r.pendingEvents = nil
	r.sub = r.transport.Subscribe([]nostr.Filter{protocol.RoomFilter(tag)}, r.HandleEvent)
}

func (r *RoomService) abortPending(tag string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pendingTag != tag {
		return
	}

	if r.sub != nil {
		r.sub.Cancel()
		r.sub = nil
	}

	r.pendingTag = ""
	r.pendingEvents = nil
}

// finishPendingLocked replays events that arrived while the room was being
// set up.
func (r *RoomService) finishPendingLocked() []func() {
	buffered := r.pendingEvents
	r.pendingTag = ""
	r.pendingEvents = nil

	var fx []func()
	for _, ev := range buffered {
		fx = append(fx, r.receiveLocked(ev)...)
	}

	return fx
}

func (r *RoomService) transitionLocked(to Status) []func() {
	from := r.state.Status
	if !canTransition(from, to) {
		r.logger.Warn().Str("from", string(from)).Str("to", string(to)).Msg("refusing transition")

		return nil
	}

	r.state.Status = to
	r.saveLocked()

	r.logger.Debug().Str("from", string(from)).Str("to", string(to)).Msg("room transition")

	return []func(){r.stateChangedLocked()}
}

func (r *RoomService) stateChangedLocked() func() {
	snapshot := r.state.clone()

	return func() {
		r.stateListeners.Emit(snapshot)
	}
}

func (r *RoomService) opponentChangedLocked() []func() {
	opponent := r.state.Opponent.clone()

	return []func(){func() {
		r.opponentListeners.Emit(opponent)
	}}
}

func (r *RoomService) saveLocked() {
	if r.bridge == nil {
		return
	}

	data := persistence.StoredRoomData{
		Tag:       r.state.Tag,
		Seed:      r.state.Seed,
		Status:    string(r.state.Status),
		Role:      string(r.state.Player.Role),
		Round:     r.state.Round,
		Game:      r.state.Game,
		LocalSeq:  r.state.LocalSeq,
		UpdatedAt: time.Now().Unix(),
	}

	if r.state.Opponent != nil {
		data.Opponent = r.state.Opponent.PublicKey
	}

	r.bridge.Save(data)
}

func newSeed() (string, error) {
	buf := make([]byte, 32) //nolint:mnd

	_, err := rand.Read(buf)
	if err != nil {
		return "", fmt.Errorf("failed to generate seed: %w", err)
	}

	return hex.EncodeToString(buf), nil
}

func newNonce() (string, error) {
	buf := make([]byte, 16) //nolint:mnd

	_, err := rand.Read(buf)
	if err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	return hex.EncodeToString(buf), nil
}

// deriveSeed mixes both players' nonces into the next round's seed so that
// neither side picks it alone.
func deriveSeed(previous, proposalNonce, answerNonce string) string {
	sum := sha256.Sum256([]byte(previous + ":" + proposalNonce + ":" + answerNonce))

	return hex.EncodeToString(sum[:])
}
