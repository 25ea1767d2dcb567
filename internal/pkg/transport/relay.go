package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"
)

const handshakeTimeout = 10 * time.Second

type okResult struct {
	ok     bool
	reason string
}

// WebsocketDialer opens NIP-01 relay connections.
type WebsocketDialer struct {
	ProxyURL string
	Logger   zerolog.Logger
}

func (d WebsocketDialer) Dial(ctx context.Context, relayURL string) (Relay, error) {
	//nolint:exhaustruct
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}

	if d.ProxyURL != "" {
		proxy, err := url.Parse(d.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse proxy url: %w", err)
		}

		dialer.Proxy = http.ProxyURL(proxy)
	}

	conn, resp, err := dialer.DialContext(ctx, relayURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", relayURL, err)
	}

	r := &wsRelay{
		url:     relayURL,
		conn:    conn,
		logger:  d.Logger.With().Str("relay", relayURL).Logger(),
		subs:    map[string]SubscriptionHandler{},
		pending: map[string][]chan okResult{},
		done:    make(chan struct{}),
	}

	go r.readLoop()

	return r, nil
}

type wsRelay struct {
	url    string
	conn   *websocket.Conn
	logger zerolog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	subs    map[string]SubscriptionHandler
	pending map[string][]chan okResult
	closed  bool
	done    chan struct{}
}

func (r *wsRelay) URL() string {
	return r.url
}

func (r *wsRelay) write(frame ...any) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	err = r.conn.WriteMessage(websocket.TextMessage, raw)
	if err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}

	return nil
}

func (r *wsRelay) Publish(ctx context.Context, ev nostr.Event) error {
	waiter := make(chan okResult, 1)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()

		return ErrRelayClosed
	}

	r.pending[ev.ID] = append(r.pending[ev.ID], waiter)
	r.mu.Unlock()

	defer r.dropWaiter(ev.ID, waiter)

	err := r.write("EVENT", ev)
	if err != nil {
		return err
	}

	select {
	case res := <-waiter:
		if !res.ok {
			return fmt.Errorf("%w: %s", ErrRejected, res.reason)
		}

		return nil
	case <-r.done:
		return ErrRelayClosed
	case <-ctx.Done():
		return fmt.Errorf("failed to await ok from %s: %w", r.url, ctx.Err())
	}
}

func (r *wsRelay) dropWaiter(id string, waiter chan okResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	waiters := r.pending[id]
	for i, w := range waiters {
		if w == waiter {
			waiters = append(waiters[:i], waiters[i+1:]...)

			break
		}
	}

	if len(waiters) == 0 {
		delete(r.pending, id)
	} else {
		r.pending[id] = waiters
	}
}

func (r *wsRelay) Subscribe(subID string, filter nostr.Filter, handler SubscriptionHandler) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()

		return ErrRelayClosed
	}

	r.subs[subID] = handler
	r.mu.Unlock()

	err := r.write("REQ", subID, filter)
	if err != nil {
		r.mu.Lock()
		delete(r.subs, subID)
		r.mu.Unlock()

		return err
	}

	return nil
}

func (r *wsRelay) Unsubscribe(subID string) {
	r.mu.Lock()
	_, ok := r.subs[subID]
	delete(r.subs, subID)
	closed := r.closed
	r.mu.Unlock()

	if !ok || closed {
		return
	}

	err := r.write("CLOSE", subID)
	if err != nil {
		r.logger.Debug().Err(err).Str("sub", subID).Msg("failed to send close")
	}
}

func (r *wsRelay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()

		return nil
	}
	r.mu.Unlock()

	r.writeMu.Lock()
	_ = r.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	r.writeMu.Unlock()

	err := r.conn.Close()
	r.shutdown("connection closed")

	if err != nil {
		return fmt.Errorf("failed to close %s: %w", r.url, err)
	}

	return nil
}

// shutdown marks the relay closed and tells every open subscription.
func (r *wsRelay) shutdown(reason string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()

		return
	}

	r.closed = true
	close(r.done)

	subs := r.subs
	r.subs = map[string]SubscriptionHandler{}
	r.mu.Unlock()

	for _, handler := range subs {
		if handler.OnClosed != nil {
			handler.OnClosed(reason)
		}
	}
}

func (r *wsRelay) handler(subID string) (SubscriptionHandler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	handler, ok := r.subs[subID]

	return handler, ok
}

//nolint:cyclop
func (r *wsRelay) readLoop() {
	for {
		_, message, err := r.conn.ReadMessage()
		if err != nil {
			r.logger.Debug().Err(err).Msg("relay read loop stopped")
			r.shutdown("connection closed")

			return
		}

		envelope := nostr.ParseMessage(message)
		if envelope == nil {
			r.logger.Debug().Str("frame", string(message)).Msg("dropping unparseable frame")

			continue
		}

		switch env := envelope.(type) {
		case *nostr.EventEnvelope:
			if env.SubscriptionID == nil {
				continue
			}

			handler, ok := r.handler(*env.SubscriptionID)
			if ok && handler.OnEvent != nil {
				ev := env.Event
				handler.OnEvent(&ev)
			}
		case *nostr.EOSEEnvelope:
			handler, ok := r.handler(string(*env))
			if ok && handler.OnEOSE != nil {
				handler.OnEOSE()
			}
		case *nostr.ClosedEnvelope:
			handler, ok := r.handler(env.SubscriptionID)

			r.mu.Lock()
			delete(r.subs, env.SubscriptionID)
			r.mu.Unlock()

			if ok && handler.OnClosed != nil {
				handler.OnClosed(env.Reason)
			}
		case *nostr.OKEnvelope:
			r.mu.Lock()
			waiters := append([]chan okResult(nil), r.pending[env.EventID]...)
			r.mu.Unlock()

			for _, waiter := range waiters {
				select {
				case waiter <- okResult{ok: env.OK, reason: env.Reason}:
				default:
				}
			}
		case *nostr.NoticeEnvelope:
			r.logger.Info().Str("notice", string(*env)).Msg("relay notice")
		default:
			r.logger.Debug().Str("label", envelope.Label()).Msg("ignoring relay frame")
		}
	}
}
