package transport

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"
	"github.com/samber/do/v2"
	"github.com/vreid/relayduel/internal/pkg/identity"
	"github.com/vreid/relayduel/internal/pkg/listeners"
	"github.com/vreid/relayduel/internal/pkg/protocol"
	"github.com/vreid/relayduel/internal/pkg/storage"
	"golang.org/x/sync/errgroup"
)

// Service owns the signing key, the relay connections and every live
// subscription opened through it.
type Service struct {
	config Config
	logger zerolog.Logger
	store  storage.Storage
	dialer Dialer

	// timer replaces the backoff wait; nil uses a real timer.
	timer  backoff.Timer
	notify func(attempt int, delay time.Duration, err error)

	connectMu sync.Mutex

	mu        sync.RWMutex
	identity  *identity.Identity
	relays    []Relay
	connected bool
	subs      map[string]listeners.Token
}

type Option func(*Service)

func WithDialer(dialer Dialer) Option {
	return func(s *Service) {
		s.dialer = dialer
	}
}

func WithTimer(timer backoff.Timer) Option {
	return func(s *Service) {
		s.timer = timer
	}
}

// WithRetryNotify observes every scheduled publish retry.
func WithRetryNotify(fn func(attempt int, delay time.Duration, err error)) Option {
	return func(s *Service) {
		s.notify = fn
	}
}

func New(config Config, store storage.Storage, logger zerolog.Logger, opts ...Option) *Service {
	config = config.WithDefaults()
	logger = logger.With().Str("component", "transport").Logger()

	s := &Service{
		config: config,
		logger: logger,
		store:  store,
		dialer: WebsocketDialer{ProxyURL: config.ProxyURL, Logger: logger},
		subs:   map[string]listeners.Token{},
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func NewTransportService(i do.Injector) (*Service, error) {
	config := do.MustInvoke[Config](i)
	store := do.MustInvoke[storage.Storage](i)
	logger := do.MustInvoke[zerolog.Logger](i)

	return New(config, store, logger), nil
}

func (s *Service) Config() Config {
	return s.config
}

// Connect loads or creates the identity and dials every configured relay.
// Calling it again while connected does nothing.
func (s *Service) Connect(ctx context.Context) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	if s.Connected() {
		return nil
	}

	s.mu.RLock()
	id := s.identity
	s.mu.RUnlock()

	if id == nil {
		loaded, source, err := identity.Load(s.store, s.logger)
		if err != nil {
			return fmt.Errorf("failed to load identity: %w", err)
		}

		s.logger.Info().Str("pubkey", loaded.PublicKey()).Str("source", string(source)).Msg("identity ready")

		id = loaded
	}

	relays := make([]Relay, len(s.config.Relays))

	g, gctx := errgroup.WithContext(ctx)
	for idx, relayURL := range s.config.Relays {
		g.Go(func() error {
			relay, err := s.dialer.Dial(gctx, relayURL)
			if err != nil {
				s.logger.Warn().Err(err).Str("relay", relayURL).Msg("relay unreachable")

				return nil
			}

			relays[idx] = relay

			return nil
		})
	}

	_ = g.Wait()

	open := make([]Relay, 0, len(relays))
	for _, relay := range relays {
		if relay != nil {
			open = append(open, relay)
		}
	}

	if len(open) == 0 {
		return fmt.Errorf("%w: none of %d relays reachable", ErrNoRelayResponse, len(relays))
	}

	s.mu.Lock()
	s.identity = id
	s.relays = open
	s.connected = true
	s.mu.Unlock()

	s.logger.Info().Int("relays", len(open)).Msg("connected")

	return nil
}

// Disconnect tears down every subscription and relay socket.
func (s *Service) Disconnect() {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()

		return
	}

	relays := s.relays
	subs := s.subs

	s.relays = nil
	s.subs = map[string]listeners.Token{}
	s.connected = false
	s.mu.Unlock()

	for _, token := range subs {
		token.Cancel()
	}

	var g errgroup.Group
	for _, relay := range relays {
		g.Go(func() error {
			err := relay.Close()
			if err != nil {
				s.logger.Debug().Err(err).Str("relay", relay.URL()).Msg("failed to close relay")
			}

			return nil
		})
	}

	_ = g.Wait()

	s.logger.Info().Msg("disconnected")
}

func (s *Service) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.connected
}

// PublicKey is empty until the first Connect.
func (s *Service) PublicKey() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.identity == nil {
		return ""
	}

	return s.identity.PublicKey()
}

func (s *Service) snapshot() ([]Relay, *identity.Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]Relay(nil), s.relays...), s.identity, s.connected
}

// Publish signs and timestamps template and resolves once any relay accepts
// it. A round in which every relay fails is retried with exponential backoff.
func (s *Service) Publish(ctx context.Context, template nostr.Event) (nostr.Event, error) {
	relays, id, connected := s.snapshot()
	if !connected {
		return nostr.Event{}, ErrNotConnected
	}

	ev := template
	ev.CreatedAt = nostr.Now()

	if ev.Tags == nil {
		ev.Tags = nostr.Tags{}
	}

	err := id.Sign(&ev)
	if err != nil {
		return nostr.Event{}, err
	}

	//nolint:exhaustruct
	policy := &backoff.ExponentialBackOff{
		InitialInterval:     s.config.Retry.InitialDelay,
		RandomizationFactor: 0,
		Multiplier:          2, //nolint:mnd
		MaxInterval:         s.config.Retry.MaxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}

	//nolint:gosec // MaxAttempts is positive after WithDefaults
	retries := uint64(s.config.Retry.MaxAttempts - 1)

	attempt := 0
	operation := func() error {
		attempt++

		return s.publishOnce(ctx, relays, ev)
	}

	notify := func(err error, delay time.Duration) {
		s.logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Str("event", ev.ID).Msg("publish attempt failed")

		if s.notify != nil {
			s.notify(attempt, delay, err)
		}
	}

	err = backoff.RetryNotifyWithTimer(
		operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, retries), ctx),
		notify,
		s.timer,
	)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("%w after %d attempts: %w", ErrPublishFailed, attempt, err)
	}

	return ev, nil
}

func (s *Service) publishOnce(ctx context.Context, relays []Relay, ev nostr.Event) error {
	if len(relays) == 0 {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.PublishTimeout)
	defer cancel()

	results := make(chan error, len(relays))

	for _, relay := range relays {
		go func() {
			err := relay.Publish(ctx, ev)
			if err != nil {
				err = fmt.Errorf("%s: %w", relay.URL(), err)
			}

			results <- err
		}()
	}

	errs := make([]error, 0, len(relays))

	for range relays {
		err := <-results
		if err == nil {
			return nil
		}

		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Subscribe opens a live subscription on the first filter. Events with a bad
// id or signature are dropped. The returned token may be cancelled any number
// of times, including after Disconnect.
func (s *Service) Subscribe(filters []nostr.Filter, onEvent func(ev *nostr.Event)) listeners.Token {
	relays, _, connected := s.snapshot()
	if !connected {
		s.logger.Warn().Msg("subscribe called while not connected")

		return listeners.Noop
	}

	if len(filters) == 0 {
		s.logger.Warn().Msg("subscribe called without filters")

		return listeners.Noop
	}

	subID := uuid.NewString()
	logger := s.logger.With().Str("sub", subID).Logger()

	var deliver sync.Mutex

	handler := SubscriptionHandler{
		OnEvent: func(ev *nostr.Event) {
			err := identity.Verify(ev)
			if err != nil {
				logger.Debug().Err(err).Str("event", ev.ID).Msg("dropping unverifiable event")

				return
			}

			deliver.Lock()
			defer deliver.Unlock()

			onEvent(ev)
		},
		OnClosed: func(reason string) {
			logger.Debug().Str("reason", reason).Msg("relay closed subscription")
		},
	}

	active := make([]Relay, 0, len(relays))

	for _, relay := range relays {
		err := relay.Subscribe(subID, filters[0], handler)
		if err != nil {
			logger.Warn().Err(err).Str("relay", relay.URL()).Msg("failed to subscribe")

			continue
		}

		active = append(active, relay)
	}

	token := listeners.Once(func() {
		for _, relay := range active {
			relay.Unsubscribe(subID)
		}

		s.mu.Lock()
		delete(s.subs, subID)
		s.mu.Unlock()
	})

	s.mu.Lock()
	s.subs[subID] = token
	s.mu.Unlock()

	return token
}

// Fetch runs a one-shot query. It resolves exactly once: with the events
// gathered so far when any relay reports the end of stored events, or with
// ErrNoRelayResponse on timeout or when every relay closed without doing so.
//
//nolint:funlen
func (s *Service) Fetch(ctx context.Context, filter nostr.Filter, timeout time.Duration) ([]nostr.Event, error) {
	relays, _, connected := s.snapshot()
	if !connected {
		return nil, ErrNotConnected
	}

	if timeout <= 0 {
		timeout = s.config.FetchTimeout
	}

	subID := uuid.NewString()

	var (
		mu      sync.Mutex
		events  = map[string]nostr.Event{}
		closed  int
		once    sync.Once
		outcome error
		done    = make(chan struct{})
	)

	resolve := func(err error) {
		once.Do(func() {
			outcome = err
			close(done)
		})
	}

	relayGone := func() {
		mu.Lock()
		closed++
		all := closed >= len(relays)
		mu.Unlock()

		if all {
			resolve(fmt.Errorf("%w: all %d relays closed without completing", ErrNoRelayResponse, len(relays)))
		}
	}

	handler := SubscriptionHandler{
		OnEvent: func(ev *nostr.Event) {
			if identity.Verify(ev) != nil {
				return
			}

			mu.Lock()
			events[ev.ID] = *ev
			mu.Unlock()
		},
		OnEOSE: func() {
			resolve(nil)
		},
		OnClosed: func(reason string) {
			if isCompletion(reason) {
				resolve(nil)

				return
			}

			relayGone()
		},
	}

	active := make([]Relay, 0, len(relays))

	for _, relay := range relays {
		err := relay.Subscribe(subID, filter, handler)
		if err != nil {
			s.logger.Debug().Err(err).Str("relay", relay.URL()).Msg("fetch subscribe failed")
			relayGone()

			continue
		}

		active = append(active, relay)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		resolve(fmt.Errorf("%w: no completion within %s: %w", ErrNoRelayResponse, timeout, context.DeadlineExceeded))
	case <-ctx.Done():
		resolve(fmt.Errorf("%w: %w", ErrNoRelayResponse, ctx.Err()))
	}

	for _, relay := range active {
		relay.Unsubscribe(subID)
	}

	if outcome != nil {
		return nil, outcome
	}

	mu.Lock()
	result := make([]nostr.Event, 0, len(events))
	for _, ev := range events {
		result = append(result, ev)
	}
	mu.Unlock()

	sort.Slice(result, func(i, j int) bool {
		return protocol.Less(&result[i], &result[j])
	})

	return result, nil
}

func isCompletion(reason string) bool {
	reason = strings.ToLower(reason)

	prefix, _, found := strings.Cut(reason, ":")
	if found && slices.Contains(failurePrefixes, strings.TrimSpace(prefix)) {
		return false
	}

	words := strings.FieldsFunc(reason, func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	padded := " " + strings.Join(words, " ") + " "

	for _, sentinel := range completionReasons {
		if strings.Contains(padded, " "+sentinel+" ") {
			return true
		}
	}

	return false
}
