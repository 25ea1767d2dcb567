package transport_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/vreid/relayduel/internal/pkg/transport"
)

var errRejected = errors.New("blocked: rate limited")

// fakeRelay is a scripted relay. publishPlan holds the result of each
// successive Publish call; the last entry repeats.
type fakeRelay struct {
	url string

	mu          sync.Mutex
	publishPlan []error
	published   []nostr.Event
	subs        map[string]transport.SubscriptionHandler
	unsubs      []string
	closed      bool

	onSubscribe func(r *fakeRelay, subID string, handler transport.SubscriptionHandler)
}

func newFakeRelay(url string, plan ...error) *fakeRelay {
	return &fakeRelay{
		url:         url,
		publishPlan: plan,
		subs:        map[string]transport.SubscriptionHandler{},
	}
}

func (r *fakeRelay) URL() string {
	return r.url
}

func (r *fakeRelay) Publish(_ context.Context, ev nostr.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return transport.ErrRelayClosed
	}

	idx := len(r.published)
	r.published = append(r.published, ev)

	if len(r.publishPlan) == 0 {
		return nil
	}

	if idx >= len(r.publishPlan) {
		idx = len(r.publishPlan) - 1
	}

	return r.publishPlan[idx]
}

func (r *fakeRelay) Subscribe(subID string, _ nostr.Filter, handler transport.SubscriptionHandler) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()

		return transport.ErrRelayClosed
	}

	r.subs[subID] = handler
	hook := r.onSubscribe
	r.mu.Unlock()

	if hook != nil {
		go hook(r, subID, handler)
	}

	return nil
}

func (r *fakeRelay) Unsubscribe(subID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.subs, subID)
	r.unsubs = append(r.unsubs, subID)
}

func (r *fakeRelay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true

	return nil
}

func (r *fakeRelay) publishCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.published)
}

func (r *fakeRelay) openSubs() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.subs)
}

// emit delivers ev to every open subscription.
func (r *fakeRelay) emit(ev nostr.Event) {
	r.mu.Lock()
	handlers := make([]transport.SubscriptionHandler, 0, len(r.subs))
	for _, h := range r.subs {
		handlers = append(handlers, h)
	}
	r.mu.Unlock()

	for _, h := range handlers {
		if h.OnEvent != nil {
			copied := ev
			h.OnEvent(&copied)
		}
	}
}

type fakeNetwork struct {
	mu     sync.Mutex
	relays map[string]*fakeRelay
	dials  int
}

func newFakeNetwork(relays ...*fakeRelay) *fakeNetwork {
	n := &fakeNetwork{relays: map[string]*fakeRelay{}}
	for _, r := range relays {
		n.relays[r.url] = r
	}

	return n
}

func (n *fakeNetwork) urls() []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]string, 0, len(n.relays))
	for url := range n.relays {
		out = append(out, url)
	}

	return out
}

func (n *fakeNetwork) dialer() transport.Dialer {
	return transport.DialerFunc(func(_ context.Context, url string) (transport.Relay, error) {
		n.mu.Lock()
		defer n.mu.Unlock()

		n.dials++

		r, ok := n.relays[url]
		if !ok {
			return nil, errors.New("connection refused")
		}

		return r, nil
	})
}

// instantTimer fires immediately and records every requested delay.
type instantTimer struct {
	mu     sync.Mutex
	delays []time.Duration
	c      chan time.Time
}

func newInstantTimer() *instantTimer {
	return &instantTimer{c: make(chan time.Time, 1)}
}

func (t *instantTimer) Start(d time.Duration) {
	t.mu.Lock()
	t.delays = append(t.delays, d)
	t.mu.Unlock()

	t.c <- time.Now()
}

func (t *instantTimer) Stop() {}

func (t *instantTimer) C() <-chan time.Time {
	return t.c
}

func (t *instantTimer) recorded() []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]time.Duration(nil), t.delays...)
}
