package devrelay

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"
	"github.com/samber/do/v2"
	"github.com/vreid/relayduel/internal/pkg/common"
	"github.com/vreid/relayduel/internal/pkg/identity"
	"github.com/vreid/relayduel/internal/pkg/protocol"
)

const (
	addressableMin = 30000
	addressableMax = 39999
)

// RelayService is a small in-memory relay speaking NIP-01 over websockets.
// Ephemeral kinds are fanned out to live subscribers and never stored.
type RelayService struct {
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	// Reject, when set, may refuse an event with a reason.
	Reject func(ev *nostr.Event) string

	mu      sync.RWMutex
	events  []nostr.Event
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string][]nostr.Filter
}

func New(logger zerolog.Logger) *RelayService {
	return &RelayService{
		logger: logger.With().Str("component", "devrelay").Logger(),
		//nolint:exhaustruct
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: map[*client]struct{}{},
	}
}

func NewDevRelayService(i do.Injector) (*RelayService, error) {
	logger := do.MustInvoke[zerolog.Logger](i)
	echoService := do.MustInvoke[*common.EchoService](i)

	result := New(logger)

	echoService.Register(result.Register)

	return result, nil
}

func (s *RelayService) Register(e *echo.Echo) {
	e.GET("/", s.Handle)
}

func (s *RelayService) Handle(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("upgrade failed")

		return nil
	}

	cl := &client{
		conn: conn,
		subs: map[string][]nostr.Filter{},
	}

	s.mu.Lock()
	s.clients[cl] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, cl)
		s.mu.Unlock()

		_ = conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return nil
		}

		s.dispatch(cl, message)
	}
}

// Stored returns how many events the relay currently keeps.
func (s *RelayService) Stored() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.events)
}

func (s *RelayService) dispatch(cl *client, message []byte) {
	switch env := nostr.ParseMessage(message).(type) {
	case *nostr.EventEnvelope:
		s.handleEvent(cl, env.Event)
	case *nostr.ReqEnvelope:
		s.handleReq(cl, env.SubscriptionID, env.Filters)
	case *nostr.CloseEnvelope:
		cl.mu.Lock()
		delete(cl.subs, string(*env))
		cl.mu.Unlock()
	default:
		cl.send(s.logger, "NOTICE", "unsupported message")
	}
}

func (s *RelayService) handleEvent(cl *client, ev nostr.Event) {
	err := identity.Verify(&ev)
	if err != nil {
		cl.send(s.logger, "OK", ev.ID, false, "invalid: "+err.Error())

		return
	}

	if s.Reject != nil {
		if reason := s.Reject(&ev); reason != "" {
			cl.send(s.logger, "OK", ev.ID, false, reason)

			return
		}
	}

	if !protocol.IsEphemeral(ev.Kind) {
		s.store(ev)
	}

	cl.send(s.logger, "OK", ev.ID, true, "")

	s.broadcast(ev)
}

func (s *RelayService) store(ev nostr.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for idx, existing := range s.events {
		if existing.ID == ev.ID {
			return
		}

		if ev.Kind >= addressableMin && ev.Kind <= addressableMax &&
			existing.Kind == ev.Kind &&
			existing.PubKey == ev.PubKey &&
			dTag(&existing) == dTag(&ev) {
			if existing.CreatedAt <= ev.CreatedAt {
				s.events[idx] = ev
			}

			return
		}
	}

	s.events = append(s.events, ev)
}

func dTag(ev *nostr.Event) string {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == "d" {
			return tag[1]
		}
	}

	return ""
}

func (s *RelayService) handleReq(cl *client, subID string, filters []nostr.Filter) {
	cl.mu.Lock()
	cl.subs[subID] = filters
	cl.mu.Unlock()

	s.mu.RLock()
	matched := make([]nostr.Event, 0)
	for _, ev := range s.events {
		if matchesAny(filters, &ev) {
			matched = append(matched, ev)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return protocol.Less(&matched[i], &matched[j])
	})

	limit := 0
	for _, f := range filters {
		if f.Limit > limit {
			limit = f.Limit
		}
	}

	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}

	for _, ev := range matched {
		cl.send(s.logger, "EVENT", subID, ev)
	}

	cl.send(s.logger, "EOSE", subID)
}

func (s *RelayService) broadcast(ev nostr.Event) {
	s.mu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for cl := range s.clients {
		clients = append(clients, cl)
	}
	s.mu.RUnlock()

	for _, cl := range clients {
		cl.mu.Lock()
		targets := make([]string, 0)
		for subID, filters := range cl.subs {
			if matchesAny(filters, &ev) {
				targets = append(targets, subID)
			}
		}
		cl.mu.Unlock()

		for _, subID := range targets {
			cl.send(s.logger, "EVENT", subID, ev)
		}
	}
}

func matchesAny(filters []nostr.Filter, ev *nostr.Event) bool {
	for _, f := range filters {
		if f.Matches(ev) {
			return true
		}
	}

	return false
}

func (c *client) send(logger zerolog.Logger, frame ...any) {
	raw, err := json.Marshal(frame)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to marshal frame")

		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	err = c.conn.WriteMessage(websocket.TextMessage, raw)
	if err != nil {
		logger.Debug().Err(err).Msg("failed to write frame")
	}
}
