package persistence

import (
	"encoding/json"

	"github.com/rs/zerolog"
	"github.com/samber/do/v2"
	"github.com/vreid/relayduel/internal/pkg/storage"
)

const StorageKey = "room"

// StoredRoomData is what a client needs to resume a room after a restart.
type StoredRoomData struct {
	Tag       string `json:"tag"`
	Seed      string `json:"seed"`
	Status    string `json:"status"`
	Role      string `json:"role"`
	Round     int    `json:"round"`
	Game      string `json:"game,omitempty"`
	Opponent  string `json:"opponent,omitempty"`
	LocalSeq  uint64 `json:"local_seq"`
	UpdatedAt int64  `json:"updated_at"`
}

// Bridge never fails: corrupt data reads as absent and write errors are
// logged and dropped.
type Bridge struct {
	store  storage.Storage
	logger zerolog.Logger
}

func New(store storage.Storage, logger zerolog.Logger) *Bridge {
	return &Bridge{
		store:  store,
		logger: logger.With().Str("component", "persistence").Logger(),
	}
}

func NewPersistenceBridge(i do.Injector) (*Bridge, error) {
	store := do.MustInvoke[storage.Storage](i)
	logger := do.MustInvoke[zerolog.Logger](i)

	return New(store, logger), nil
}

func (b *Bridge) Load() (StoredRoomData, bool) {
	if b.store == nil {
		return StoredRoomData{}, false
	}

	raw, found, err := b.store.GetItem(StorageKey)
	if err != nil {
		b.logger.Warn().Err(err).Msg("failed to read stored room")

		return StoredRoomData{}, false
	}

	if !found {
		return StoredRoomData{}, false
	}

	var data StoredRoomData

	err = json.Unmarshal([]byte(raw), &data)
	if err != nil || data.Tag == "" {
		b.logger.Warn().Err(err).Msg("ignoring corrupt stored room")

		return StoredRoomData{}, false
	}

	return data, true
}

func (b *Bridge) Save(data StoredRoomData) {
	if b.store == nil {
		return
	}

	raw, err := json.Marshal(data)
	if err != nil {
		b.logger.Warn().Err(err).Msg("failed to marshal room")

		return
	}

	err = b.store.SetItem(StorageKey, string(raw))
	if err != nil {
		b.logger.Warn().Err(err).Msg("failed to persist room")
	}
}
