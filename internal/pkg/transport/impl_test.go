package transport_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vreid/relayduel/internal/pkg/identity"
	"github.com/vreid/relayduel/internal/pkg/listeners"
	"github.com/vreid/relayduel/internal/pkg/protocol"
	"github.com/vreid/relayduel/internal/pkg/storage"
	"github.com/vreid/relayduel/internal/pkg/transport"
)

func connectedService(
	t *testing.T,
	network *fakeNetwork,
	retry transport.RetryPolicy,
	opts ...transport.Option,
) *transport.Service {
	t.Helper()

	opts = append(opts, transport.WithDialer(network.dialer()))

	//nolint:exhaustruct
	s := transport.New(transport.Config{
		Relays: network.urls(),
		Retry:  retry,
	}, storage.NewMemoryStorage(), zerolog.Nop(), opts...)

	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(s.Disconnect)

	return s
}

func signedEvent(t *testing.T, id *identity.Identity, kind int, content string) nostr.Event {
	t.Helper()

	//nolint:exhaustruct
	ev := nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      kind,
		Tags:      nostr.Tags{{protocol.RoomTagName, "relayduel-test"}},
		Content:   content,
	}

	require.NoError(t, id.Sign(&ev))

	return ev
}

func heartbeatTemplate() nostr.Event {
	//nolint:exhaustruct
	return nostr.Event{
		Kind:    protocol.KindHeartbeat,
		Tags:    nostr.Tags{{protocol.RoomTagName, "relayduel-test"}},
		Content: `{"status":"playing","seq":1}`,
	}
}

func TestPublishBeforeConnect(t *testing.T) {
	t.Parallel()

	//nolint:exhaustruct
	s := transport.New(transport.Config{}, storage.NewMemoryStorage(), zerolog.Nop())

	_, err := s.Publish(context.Background(), heartbeatTemplate())
	require.ErrorIs(t, err, transport.ErrNotConnected)
}

func TestPublishOneOfThreeAccepts(t *testing.T) {
	t.Parallel()

	network := newFakeNetwork(
		newFakeRelay("ws://a", errRejected),
		newFakeRelay("ws://b", nil),
		newFakeRelay("ws://c", errRejected),
	)

	var retries atomic.Int32

	timer := newInstantTimer()
	s := connectedService(t, network, transport.RetryPolicy{MaxAttempts: 3},
		transport.WithTimer(timer),
		transport.WithRetryNotify(func(int, time.Duration, error) { retries.Add(1) }),
	)

	ev, err := s.Publish(context.Background(), heartbeatTemplate())
	require.NoError(t, err)

	assert.Equal(t, s.PublicKey(), ev.PubKey)
	assert.NotZero(t, ev.CreatedAt)
	require.NoError(t, identity.Verify(&ev))

	assert.Equal(t, int32(0), retries.Load())
	assert.Empty(t, timer.recorded())
	assert.Equal(t, 1, network.relays["ws://b"].publishCount())
}

func TestPublishRetriesAfterInitialDelay(t *testing.T) {
	t.Parallel()

	network := newFakeNetwork(
		newFakeRelay("ws://a", errRejected),
		newFakeRelay("ws://b", errRejected, nil),
		newFakeRelay("ws://c", errRejected),
	)

	retry := transport.RetryPolicy{
		MaxAttempts:  4,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     2 * time.Second,
	}

	timer := newInstantTimer()
	s := connectedService(t, network, retry, transport.WithTimer(timer))

	_, err := s.Publish(context.Background(), heartbeatTemplate())
	require.NoError(t, err)

	assert.Equal(t, []time.Duration{250 * time.Millisecond}, timer.recorded())
	assert.Equal(t, 2, network.relays["ws://b"].publishCount())

	b := network.relays["ws://b"]
	b.mu.Lock()
	defer b.mu.Unlock()
	require.Len(t, b.published, 2)
	assert.Equal(t, b.published[0].ID, b.published[1].ID)
}

func TestPublishWaitsRealDelay(t *testing.T) {
	t.Parallel()

	network := newFakeNetwork(newFakeRelay("ws://a", errRejected, nil))

	s := connectedService(t, network, transport.RetryPolicy{
		MaxAttempts:  2,
		InitialDelay: 80 * time.Millisecond,
	})

	start := time.Now()
	_, err := s.Publish(context.Background(), heartbeatTemplate())
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestPublishExhaustsBudget(t *testing.T) {
	t.Parallel()

	network := newFakeNetwork(
		newFakeRelay("ws://a", errRejected),
		newFakeRelay("ws://b", errRejected),
	)

	retry := transport.RetryPolicy{
		MaxAttempts:  4,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     300 * time.Millisecond,
	}

	timer := newInstantTimer()
	s := connectedService(t, network, retry, transport.WithTimer(timer))

	_, err := s.Publish(context.Background(), heartbeatTemplate())
	require.ErrorIs(t, err, transport.ErrPublishFailed)
	require.ErrorIs(t, err, errRejected)

	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		300 * time.Millisecond,
	}, timer.recorded())
	assert.Equal(t, 4, network.relays["ws://a"].publishCount())
}

func TestConnectIdempotentAndTolerant(t *testing.T) {
	t.Parallel()

	network := newFakeNetwork(newFakeRelay("ws://a"))
	store := storage.NewMemoryStorage()

	//nolint:exhaustruct
	s := transport.New(transport.Config{
		Relays: []string{"ws://a", "ws://down"},
	}, store, zerolog.Nop(), transport.WithDialer(network.dialer()))

	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, 2, network.dials)
	assert.True(t, s.Connected())

	_, found, _ := store.GetItem(identity.StorageKey)
	assert.True(t, found)

	pubkey := s.PublicKey()

	s.Disconnect()
	s.Disconnect()
	assert.False(t, s.Connected())
	assert.True(t, network.relays["ws://a"].closed)

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, pubkey, s.PublicKey())
	s.Disconnect()
}

func TestConnectAllRelaysDown(t *testing.T) {
	t.Parallel()

	network := newFakeNetwork()

	//nolint:exhaustruct
	s := transport.New(transport.Config{
		Relays: []string{"ws://down"},
	}, storage.NewMemoryStorage(), zerolog.Nop(), transport.WithDialer(network.dialer()))

	err := s.Connect(context.Background())
	require.ErrorIs(t, err, transport.ErrNoRelayResponse)
	assert.False(t, s.Connected())
}

func TestSubscribeGuards(t *testing.T) {
	t.Parallel()

	//nolint:exhaustruct
	unconnected := transport.New(transport.Config{}, storage.NewMemoryStorage(), zerolog.Nop())
	token := unconnected.Subscribe([]nostr.Filter{{}}, func(*nostr.Event) {})
	assert.Equal(t, listeners.Noop, token)
	assert.NotPanics(t, token.Cancel)

	network := newFakeNetwork(newFakeRelay("ws://a"))
	s := connectedService(t, network, transport.RetryPolicy{})

	token = s.Subscribe(nil, func(*nostr.Event) {})
	assert.Equal(t, listeners.Noop, token)
	assert.Equal(t, 0, network.relays["ws://a"].openSubs())
}

func TestSubscribeDeliversVerifiedEvents(t *testing.T) {
	t.Parallel()

	relay := newFakeRelay("ws://a")
	network := newFakeNetwork(relay)
	s := connectedService(t, network, transport.RetryPolicy{})

	author, err := identity.Generate()
	require.NoError(t, err)

	var got []string

	token := s.Subscribe([]nostr.Filter{protocol.RoomFilter("relayduel-test")}, func(ev *nostr.Event) {
		got = append(got, ev.ID)
	})

	good := signedEvent(t, author, protocol.KindHeartbeat, `{"seq":1}`)
	forged := signedEvent(t, author, protocol.KindHeartbeat, `{"seq":2}`)
	forged.Content = `{"seq":3}`

	relay.emit(good)
	relay.emit(forged)

	assert.Equal(t, []string{good.ID}, got)

	token.Cancel()
	token.Cancel()
	assert.Equal(t, 0, relay.openSubs())
	assert.Len(t, relay.unsubs, 1)

	s.Disconnect()
	assert.NotPanics(t, token.Cancel)
}

func TestDisconnectTearsDownSubscriptions(t *testing.T) {
	t.Parallel()

	relay := newFakeRelay("ws://a")
	s := connectedService(t, newFakeNetwork(relay), transport.RetryPolicy{})

	s.Subscribe([]nostr.Filter{{}}, func(*nostr.Event) {})
	s.Subscribe([]nostr.Filter{{}}, func(*nostr.Event) {})
	assert.Equal(t, 2, relay.openSubs())

	s.Disconnect()
	assert.Equal(t, 0, relay.openSubs())
}

func TestFetchEmptyOnEOSE(t *testing.T) {
	t.Parallel()

	eose := func(_ *fakeRelay, _ string, h transport.SubscriptionHandler) {
		h.OnEOSE()
	}

	a := newFakeRelay("ws://a")
	a.onSubscribe = eose
	b := newFakeRelay("ws://b")
	b.onSubscribe = eose

	s := connectedService(t, newFakeNetwork(a, b), transport.RetryPolicy{})

	events, err := s.Fetch(context.Background(), protocol.RoomFilter("relayduel-test"), time.Second)
	require.NoError(t, err)
	assert.NotNil(t, events)
	assert.Empty(t, events)
	assert.Equal(t, 0, a.openSubs())
}

func TestFetchAccumulatesSorted(t *testing.T) {
	t.Parallel()

	author, err := identity.Generate()
	require.NoError(t, err)

	older := signedEvent(t, author, protocol.KindState, `{"seq":1}`)
	older.CreatedAt -= 10
	require.NoError(t, author.Sign(&older))

	newer := signedEvent(t, author, protocol.KindState, `{"seq":2}`)

	a := newFakeRelay("ws://a")
	a.onSubscribe = func(_ *fakeRelay, _ string, h transport.SubscriptionHandler) {
		h.OnEvent(&newer)
		h.OnEvent(&older)
		h.OnEvent(&newer)
		h.OnEOSE()
		h.OnEOSE()
	}

	s := connectedService(t, newFakeNetwork(a), transport.RetryPolicy{})

	events, err := s.Fetch(context.Background(), protocol.RoomFilter("relayduel-test"), time.Second)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, older.ID, events[0].ID)
	assert.Equal(t, newer.ID, events[1].ID)
}

func TestFetchCompletionSentinels(t *testing.T) {
	t.Parallel()

	for _, reason := range []string{
		"EOSE",
		"finished: end of stored events",
		"query complete",
		"finished",
	} {
		a := newFakeRelay("ws://a")
		a.onSubscribe = func(_ *fakeRelay, _ string, h transport.SubscriptionHandler) {
			h.OnClosed(reason)
		}

		s := connectedService(t, newFakeNetwork(a), transport.RetryPolicy{})

		events, err := s.Fetch(context.Background(), nostr.Filter{}, time.Second)
		require.NoError(t, err, reason)
		assert.Empty(t, events)
	}
}

func TestFetchErrorReasonsAreNotCompletion(t *testing.T) {
	t.Parallel()

	for _, reason := range []string{
		"error: incomplete filter, abandoned",
		"restricted: undone",
		"error: eose not supported",
		"blocked: query complete",
		"unfinished business",
	} {
		a := newFakeRelay("ws://a")
		a.onSubscribe = func(_ *fakeRelay, _ string, h transport.SubscriptionHandler) {
			h.OnClosed(reason)
		}

		s := connectedService(t, newFakeNetwork(a), transport.RetryPolicy{})

		events, err := s.Fetch(context.Background(), nostr.Filter{}, time.Second)
		require.ErrorIs(t, err, transport.ErrNoRelayResponse, reason)
		assert.Empty(t, events)
	}
}

func TestFetchAllClosedWithoutCompletion(t *testing.T) {
	t.Parallel()

	closing := func(_ *fakeRelay, _ string, h transport.SubscriptionHandler) {
		h.OnClosed("error: blocked")
	}

	a := newFakeRelay("ws://a")
	a.onSubscribe = closing
	b := newFakeRelay("ws://b")
	b.onSubscribe = closing

	s := connectedService(t, newFakeNetwork(a, b), transport.RetryPolicy{})

	start := time.Now()
	_, err := s.Fetch(context.Background(), nostr.Filter{}, 5*time.Second)
	require.ErrorIs(t, err, transport.ErrNoRelayResponse)
	assert.Less(t, time.Since(start), time.Second)
}

func TestFetchTimeout(t *testing.T) {
	t.Parallel()

	a := newFakeRelay("ws://a")
	b := newFakeRelay("ws://b")

	s := connectedService(t, newFakeNetwork(a, b), transport.RetryPolicy{})

	timeout := 150 * time.Millisecond

	start := time.Now()
	events, err := s.Fetch(context.Background(), nostr.Filter{}, timeout)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, transport.ErrNoRelayResponse)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, events)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+250*time.Millisecond)
	assert.Equal(t, 0, a.openSubs())
}

func TestFetchLateResponseIgnored(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	finished := make(chan struct{})

	a := newFakeRelay("ws://a")
	a.onSubscribe = func(_ *fakeRelay, _ string, h transport.SubscriptionHandler) {
		h.OnEOSE()
	}

	b := newFakeRelay("ws://b")
	b.onSubscribe = func(_ *fakeRelay, _ string, h transport.SubscriptionHandler) {
		<-release
		h.OnEOSE()
		h.OnClosed("error: gone")
		close(finished)
	}

	s := connectedService(t, newFakeNetwork(a, b), transport.RetryPolicy{})

	events, err := s.Fetch(context.Background(), nostr.Filter{}, time.Second)
	require.NoError(t, err)
	assert.Empty(t, events)

	close(release)

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("late relay never answered")
	}
}

func TestFetchNotConnected(t *testing.T) {
	t.Parallel()

	//nolint:exhaustruct
	s := transport.New(transport.Config{}, storage.NewMemoryStorage(), zerolog.Nop())

	_, err := s.Fetch(context.Background(), nostr.Filter{}, time.Second)
	require.ErrorIs(t, err, transport.ErrNotConnected)
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	//nolint:exhaustruct
	c := transport.Config{}.WithDefaults()

	assert.Equal(t, []string{transport.DefaultRelay}, c.Relays)
	assert.Equal(t, transport.DefaultMaxAttempts, c.Retry.MaxAttempts)
	assert.Equal(t, transport.DefaultInitialDelay, c.Retry.InitialDelay)
	assert.Equal(t, transport.DefaultMaxDelay, c.Retry.MaxDelay)
	assert.Equal(t, transport.DefaultFetchTimeout, c.FetchTimeout)
}
