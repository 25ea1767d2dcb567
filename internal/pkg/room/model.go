package room

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/vreid/relayduel/internal/pkg/listeners"
	"github.com/vreid/relayduel/internal/pkg/protocol"
)

const (
	DefaultGame              = "relayduel"
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultHeartbeatTimeout  = 20 * time.Second
	DefaultFetchTimeout      = 5 * time.Second
	DefaultRematchTimeout    = 60 * time.Second
	DefaultDedupSize         = 4096

	earlyBufferSize = 64
)

var (
	ErrRoomNotFound      = errors.New("room not found")
	ErrRoomFull          = errors.New("room already matched with another player")
	ErrInvalidTransition = errors.New("invalid room transition")
	ErrNoRematch         = errors.New("no rematch proposal to answer")
)

type Status string

const (
	StatusIdle           Status = "idle"
	StatusWaiting        Status = "waiting"
	StatusMatched        Status = "matched"
	StatusPlaying        Status = "playing"
	StatusEnded          Status = "ended"
	StatusRematchPending Status = "rematch-pending"
	StatusAbandoned      Status = "abandoned"
)

// transitions is the room lifecycle graph. Besides the rematch cycle, the
// only way back is a reset of a finished room to idle.
var transitions = map[Status][]Status{
	StatusIdle:           {StatusWaiting, StatusMatched},
	StatusWaiting:        {StatusMatched, StatusAbandoned},
	StatusMatched:        {StatusPlaying, StatusEnded, StatusAbandoned},
	StatusPlaying:        {StatusEnded, StatusAbandoned},
	StatusEnded:          {StatusRematchPending, StatusIdle},
	StatusRematchPending: {StatusPlaying, StatusEnded},
	StatusAbandoned:      {StatusIdle},
}

func canTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}

	return false
}

func (s Status) live() bool {
	return s == StatusMatched || s == StatusPlaying
}

func (s Status) known() bool {
	_, ok := transitions[s]

	return ok
}

type Role string

const (
	RoleHost       Role = "host"
	RoleChallenger Role = "challenger"
)

func (r Role) known() bool {
	return r == RoleHost || r == RoleChallenger
}

type Config struct {
	Game              string
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	FetchTimeout      time.Duration
	RematchTimeout    time.Duration
	DedupSize         int
}

func (c Config) WithDefaults() Config {
	if c.Game == "" {
		c.Game = DefaultGame
	}

	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}

	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}

	if c.HeartbeatTimeout < c.HeartbeatInterval {
		c.HeartbeatTimeout = 4 * c.HeartbeatInterval
	}

	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}

	if c.RematchTimeout <= 0 {
		c.RematchTimeout = DefaultRematchTimeout
	}

	if c.DedupSize <= 0 {
		c.DedupSize = DefaultDedupSize
	}

	return c
}

// Transport is the network surface the room needs.
type Transport interface {
	Connect(ctx context.Context) error
	PublicKey() string
	Publish(ctx context.Context, template nostr.Event) (nostr.Event, error)
	Subscribe(filters []nostr.Filter, onEvent func(ev *nostr.Event)) listeners.Token
	Fetch(ctx context.Context, filter nostr.Filter, timeout time.Duration) ([]nostr.Event, error)
}

type PlayerInfo struct {
	PublicKey string `json:"pubkey"`
	Role      Role   `json:"role"`
}

type OpponentState struct {
	PublicKey string    `json:"pubkey"`
	LastSeen  time.Time `json:"last_seen"`

	// LastSeq is the highest applied sequence number per content kind.
	LastSeq map[int]uint64 `json:"last_seq"`

	lastHeartbeat *nostr.Event
}

func (o *OpponentState) clone() *OpponentState {
	if o == nil {
		return nil
	}

	c := *o
	c.LastSeq = make(map[int]uint64, len(o.LastSeq))

	for k, v := range o.LastSeq {
		c.LastSeq[k] = v
	}

	c.lastHeartbeat = nil

	return &c
}

type RematchState struct {
	ProposalID string `json:"proposal_id"`
	Proposer   string `json:"proposer"`
	Round      int    `json:"round"`
	Incoming   bool   `json:"incoming"`
	nonce      string
	proposal   *nostr.Event
}

// RoomState is this client's view of the room.
type RoomState struct {
	Tag       string          `json:"tag"`
	Game      string          `json:"game"`
	Seed      string          `json:"seed"`
	Round     int             `json:"round"`
	Status    Status          `json:"status"`
	Creator   string          `json:"creator"`
	Player    PlayerInfo      `json:"player"`
	Opponent  *OpponentState  `json:"opponent"`
	GameState json.RawMessage `json:"game_state,omitempty"`
	LocalSeq  uint64          `json:"local_seq"`
	Rematch   *RematchState   `json:"rematch,omitempty"`
}

func (s RoomState) clone() RoomState {
	c := s
	c.Opponent = s.Opponent.clone()

	if s.GameState != nil {
		c.GameState = append(json.RawMessage(nil), s.GameState...)
	}

	if s.Rematch != nil {
		rematch := *s.Rematch
		c.Rematch = &rematch
	}

	return c
}

type GameResult struct {
	Winner string          `json:"winner,omitempty"`
	Reason string          `json:"reason,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Outcome is emitted once per finished round.
type Outcome struct {
	Tag     string          `json:"tag"`
	Round   int             `json:"round"`
	Players []string        `json:"players"`
	Winner  string          `json:"winner,omitempty"`
	Reason  string          `json:"reason,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

type OpponentLost struct {
	PublicKey string    `json:"pubkey"`
	LastSeen  time.Time `json:"last_seen"`
	Reason    string    `json:"reason"`
}

type RematchUpdate struct {
	Type  protocol.RematchType `json:"type"`
	From  string               `json:"from"`
	Round int                  `json:"round"`
}

// RematchTimedOut marks a negotiation that expired without an answer.
const RematchTimedOut protocol.RematchType = "timeout"

type BattleAction struct {
	From    string          `json:"from"`
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
	At      nostr.Timestamp `json:"at"`
}
