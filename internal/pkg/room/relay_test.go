package room_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vreid/relayduel/internal/pkg/devrelay"
	"github.com/vreid/relayduel/internal/pkg/persistence"
	"github.com/vreid/relayduel/internal/pkg/room"
	"github.com/vreid/relayduel/internal/pkg/storage"
	"github.com/vreid/relayduel/internal/pkg/transport"
)

func relayURL(t *testing.T) string {
	t.Helper()

	e := echo.New()
	devrelay.New(zerolog.Nop()).Register(e)

	server := httptest.NewServer(e)
	t.Cleanup(server.Close)

	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func relayRoom(t *testing.T, url string) (*room.RoomService, *transport.Service) {
	t.Helper()

	store := storage.NewMemoryStorage()

	//nolint:exhaustruct
	tr := transport.New(transport.Config{
		Relays: []string{url},
		Retry:  transport.RetryPolicy{MaxAttempts: 2, InitialDelay: 10 * time.Millisecond},
	}, store, zerolog.Nop())
	t.Cleanup(tr.Disconnect)

	config := fastConfig()
	config.FetchTimeout = time.Second

	r := room.New(config, tr, persistence.New(store, zerolog.Nop()), zerolog.Nop())
	t.Cleanup(r.Close)

	return r, tr
}

func TestMatchOverRelay(t *testing.T) {
	t.Parallel()

	url := relayURL(t)
	host, hostTransport := relayRoom(t, url)
	challenger, challengerTransport := relayRoom(t, url)

	ctx := context.Background()

	tag, err := host.Create(ctx)
	require.NoError(t, err)

	require.NoError(t, challenger.Join(ctx, tag))

	joined := challenger.State()
	assert.Equal(t, room.StatusMatched, joined.Status)
	assert.Equal(t, hostTransport.PublicKey(), joined.Opponent.PublicKey)
	assert.Equal(t, host.State().Seed, joined.Seed)

	require.Eventually(t, func() bool {
		state := host.State()

		return state.Status == room.StatusMatched &&
			state.Opponent != nil &&
			state.Opponent.PublicKey == challengerTransport.PublicKey()
	}, waitFor, tick)

	require.NoError(t, host.UpdateState(ctx, json.RawMessage(`{"board":[1,2,3]}`)))

	require.Eventually(t, func() bool {
		state := challenger.State()

		return state.Status == room.StatusPlaying && string(state.GameState) == `{"board":[1,2,3]}`
	}, waitFor, tick)

	assert.Equal(t, room.StatusPlaying, host.State().Status)
}

func TestJoinUnknownRoomOverRelay(t *testing.T) {
	t.Parallel()

	url := relayURL(t)
	challenger, _ := relayRoom(t, url)

	err := challenger.Join(context.Background(), "relayduel-nobody")
	require.ErrorIs(t, err, room.ErrRoomNotFound)
	assert.Equal(t, room.StatusIdle, challenger.State().Status)
}

func TestRematchOverRelay(t *testing.T) {
	t.Parallel()

	url := relayURL(t)
	host, _ := relayRoom(t, url)
	challenger, _ := relayRoom(t, url)

	ctx := context.Background()

	tag, err := host.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, challenger.Join(ctx, tag))

	require.Eventually(t, func() bool { return host.State().Status == room.StatusMatched }, waitFor, tick)

	first := host.State().Seed

	require.NoError(t, host.GameOver(ctx, room.GameResult{Winner: host.State().Player.PublicKey}))
	require.Eventually(t, func() bool { return challenger.State().Status == room.StatusEnded }, waitFor, tick)

	require.NoError(t, host.ProposeRematch(ctx))
	require.Eventually(t, func() bool { return challenger.State().Status == room.StatusRematchPending }, waitFor, tick)

	require.NoError(t, challenger.AcceptRematch(ctx))

	require.Eventually(t, func() bool {
		return host.State().Status == room.StatusPlaying && challenger.State().Status == room.StatusPlaying
	}, waitFor, tick)

	assert.Equal(t, host.State().Seed, challenger.State().Seed)
	assert.NotEqual(t, first, host.State().Seed)
	assert.Equal(t, 2, host.State().Round)
	assert.Equal(t, 2, challenger.State().Round)
}
