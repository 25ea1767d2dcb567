package room_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/vreid/relayduel/internal/pkg/identity"
	"github.com/vreid/relayduel/internal/pkg/listeners"
	"github.com/vreid/relayduel/internal/pkg/persistence"
	"github.com/vreid/relayduel/internal/pkg/protocol"
	"github.com/vreid/relayduel/internal/pkg/room"
	"github.com/vreid/relayduel/internal/pkg/storage"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeTransport struct {
	id *identity.Identity

	mu         sync.Mutex
	published  []nostr.Event
	publishErr error
	fetched    []nostr.Event
	fetchErr   error
	subscribed int
	cancelled  int
}

func newFakeTransport(t *testing.T) *fakeTransport {
	t.Helper()

	id, err := identity.Generate()
	require.NoError(t, err)

	return &fakeTransport{id: id}
}

func (f *fakeTransport) Connect(context.Context) error {
	return nil
}

func (f *fakeTransport) PublicKey() string {
	return f.id.PublicKey()
}

func (f *fakeTransport) Publish(_ context.Context, template nostr.Event) (nostr.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.publishErr != nil {
		return nostr.Event{}, f.publishErr
	}

	template.CreatedAt = nostr.Now()

	err := f.id.Sign(&template)
	if err != nil {
		return nostr.Event{}, err
	}

	f.published = append(f.published, template)

	return template, nil
}

func (f *fakeTransport) Subscribe([]nostr.Filter, func(ev *nostr.Event)) listeners.Token {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.subscribed++

	return listeners.Once(func() {
		f.mu.Lock()
		defer f.mu.Unlock()

		f.cancelled++
	})
}

func (f *fakeTransport) Fetch(context.Context, nostr.Filter, time.Duration) ([]nostr.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.fetched, f.fetchErr
}

func (f *fakeTransport) setPublishErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.publishErr = err
}

func (f *fakeTransport) ofKind(kind int) []nostr.Event {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []nostr.Event

	for _, ev := range f.published {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}

	return out
}

func (f *fakeTransport) lastOfKind(t *testing.T, kind int) nostr.Event {
	t.Helper()

	events := f.ofKind(kind)
	require.NotEmpty(t, events)

	return events[len(events)-1]
}

// player is a remote participant whose events are fed to the room directly.
type player struct {
	id *identity.Identity
}

func newPlayer(t *testing.T) player {
	t.Helper()

	id, err := identity.Generate()
	require.NoError(t, err)

	return player{id: id}
}

func (p player) pubkey() string {
	return p.id.PublicKey()
}

func (p player) event(t *testing.T, tag string, content protocol.Content, at nostr.Timestamp) *nostr.Event {
	t.Helper()

	ev, err := protocol.Template(tag, content)
	require.NoError(t, err)

	ev.CreatedAt = at
	require.NoError(t, p.id.Sign(&ev))

	return &ev
}

func (p player) raw(t *testing.T, tag string, kind int, content string) *nostr.Event {
	t.Helper()

	//nolint:exhaustruct
	ev := nostr.Event{
		Kind:      kind,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{{protocol.RoomTagName, tag}},
		Content:   content,
	}
	require.NoError(t, p.id.Sign(&ev))

	return &ev
}

func fastConfig() room.Config {
	//nolint:exhaustruct
	return room.Config{
		HeartbeatInterval: time.Hour,
		HeartbeatTimeout:  2 * time.Hour,
		RematchTimeout:    time.Hour,
	}
}

func newRoom(t *testing.T, config room.Config, opts ...room.Option) (*room.RoomService, *fakeTransport) {
	t.Helper()

	tr := newFakeTransport(t)
	bridge := persistence.New(storage.NewMemoryStorage(), zerolog.Nop())

	r := room.New(config, tr, bridge, zerolog.Nop(), opts...)
	t.Cleanup(r.Close)

	return r, tr
}

// hostMatched returns a host room that has already accepted opponent.
func hostMatched(
	t *testing.T,
	config room.Config,
	opponent player,
	opts ...room.Option,
) (*room.RoomService, *fakeTransport, string) {
	t.Helper()

	r, tr := newRoom(t, config, opts...)

	tag, err := r.Create(context.Background())
	require.NoError(t, err)

	r.HandleEvent(opponent.event(t, tag, protocol.JoinEventContent{Player: opponent.pubkey()}, nostr.Now()))
	require.Equal(t, room.StatusMatched, r.State().Status)

	return r, tr, tag
}

func decodeRematch(t *testing.T, ev nostr.Event) protocol.RematchEventContent {
	t.Helper()

	var content protocol.RematchEventContent
	require.NoError(t, json.Unmarshal([]byte(ev.Content), &content))

	return content
}
