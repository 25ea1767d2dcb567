package protocol

import "encoding/json"

const (
	// KindRoom is addressable so relays keep the latest announcement for
	// joiners to fetch.
	KindRoom = 30078

	KindJoin      = 25001
	KindState     = 25002
	KindGameOver  = 25003
	KindRematch   = 25004
	KindHeartbeat = 25005
	KindBattle    = 25006

	EphemeralMin = 20000
	EphemeralMax = 29999

	RoomTagName   = "t"
	AddressTagKey = "d"
	RoomTagPrefix = "relayduel-"
)

type RematchType string

const (
	RematchPropose RematchType = "propose"
	RematchAccept  RematchType = "accept"
	RematchDecline RematchType = "decline"
)

// Content is implemented by every payload variant carried in an event.
type Content interface {
	Kind() int
}

type RoomEventContent struct {
	Game     string `json:"game"`
	Status   string `json:"status"`
	Seed     string `json:"seed"`
	Round    int    `json:"round"`
	Host     string `json:"host"`
	Opponent string `json:"opponent,omitempty"`
}

type JoinEventContent struct {
	Player string `json:"player"`
}

type StateEventContent struct {
	Seq   uint64          `json:"seq"`
	State json.RawMessage `json:"state,omitempty"`
}

type GameOverEventContent struct {
	Winner string          `json:"winner,omitempty"`
	Reason string          `json:"reason,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

type RematchEventContent struct {
	Type     RematchType `json:"type"`
	Round    int         `json:"round"`
	Nonce    string      `json:"nonce"`
	Proposal string      `json:"proposal,omitempty"`
}

type HeartbeatEventContent struct {
	Status string `json:"status"`
	Seq    uint64 `json:"seq"`
}

type BattleEventContent struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (RoomEventContent) Kind() int      { return KindRoom }
func (JoinEventContent) Kind() int      { return KindJoin }
func (StateEventContent) Kind() int     { return KindState }
func (GameOverEventContent) Kind() int  { return KindGameOver }
func (RematchEventContent) Kind() int   { return KindRematch }
func (HeartbeatEventContent) Kind() int { return KindHeartbeat }
func (BattleEventContent) Kind() int    { return KindBattle }

// ContentKinds lists every kind a room subscription listens for.
var ContentKinds = []int{
	KindRoom,
	KindJoin,
	KindState,
	KindGameOver,
	KindRematch,
	KindHeartbeat,
	KindBattle,
}
