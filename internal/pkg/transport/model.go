package transport

import (
	"context"
	"errors"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

const (
	DefaultRelay          = "ws://127.0.0.1:7447"
	DefaultMaxAttempts    = 3
	DefaultInitialDelay   = 500 * time.Millisecond
	DefaultMaxDelay       = 5 * time.Second
	DefaultPublishTimeout = 5 * time.Second
	DefaultFetchTimeout   = 5 * time.Second
)

var (
	ErrNotConnected    = errors.New("not connected")
	ErrPublishFailed   = errors.New("publish failed")
	ErrNoRelayResponse = errors.New("no relay response")
	ErrRelayClosed     = errors.New("relay connection closed")
	ErrRejected        = errors.New("event rejected by relay")
)

// completionReasons are the words relays use when they close a subscription
// because stored events are exhausted. They only count as whole words.
var completionReasons = []string{
	"eose",
	"end of stored events",
	"finished",
	"complete",
}

// failurePrefixes are the NIP-01 machine-readable prefixes of a CLOSED
// reason that mark an error, whatever the rest of the message says.
var failurePrefixes = []string{
	"auth-required",
	"blocked",
	"duplicate",
	"error",
	"invalid",
	"pow",
	"rate-limited",
	"restricted",
}

type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

type Config struct {
	Relays         []string
	Retry          RetryPolicy
	PublishTimeout time.Duration
	FetchTimeout   time.Duration

	// ProxyURL is passed through to the websocket dialer untouched.
	ProxyURL string
}

func (c Config) WithDefaults() Config {
	if len(c.Relays) == 0 {
		c.Relays = []string{DefaultRelay}
	}

	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = DefaultMaxAttempts
	}

	if c.Retry.InitialDelay <= 0 {
		c.Retry.InitialDelay = DefaultInitialDelay
	}

	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = DefaultMaxDelay
	}

	if c.Retry.MaxDelay < c.Retry.InitialDelay {
		c.Retry.MaxDelay = c.Retry.InitialDelay
	}

	if c.PublishTimeout <= 0 {
		c.PublishTimeout = DefaultPublishTimeout
	}

	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}

	return c
}

// SubscriptionHandler receives the traffic of one subscription on one relay.
// Nil callbacks are skipped.
type SubscriptionHandler struct {
	OnEvent  func(ev *nostr.Event)
	OnEOSE   func()
	OnClosed func(reason string)
}

// Relay is a single relay connection.
type Relay interface {
	URL() string
	Publish(ctx context.Context, ev nostr.Event) error
	Subscribe(subID string, filter nostr.Filter, handler SubscriptionHandler) error
	Unsubscribe(subID string)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Relay, error)
}

type DialerFunc func(ctx context.Context, url string) (Relay, error)

func (f DialerFunc) Dial(ctx context.Context, url string) (Relay, error) {
	return f(ctx, url)
}
