package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/labstack/gommon/log"
	"nhooyr.io/websocket"

	"uk.co.dudmesh.waggle/internal/model"
	"uk.co.dudmesh.waggle/pkg/event"
)

type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// SendOutcome classifies the result of Send so callers handle each path
// explicitly instead of inferring it from the error value.
type SendOutcome int

const (
	SendDelivered SendOutcome = iota
	SendFailedRetryable
	SendFailedTerminal
)

type Handler func(env *event.Envelope)

type StatusListener func(status Status)

type Config struct {
	URL                  string
	HeartbeatInterval    time.Duration
	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int
	DedupeRetention      time.Duration
}

type credentials struct {
	userID model.UserID
	token  string
}

type socket interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

type dialFunc func(ctx context.Context, rawURL string) (socket, error)

type wsSocket struct {
	conn *websocket.Conn
}

func (s *wsSocket) Read(ctx context.Context) ([]byte, error) {
	_, data, err := s.conn.Read(ctx)
	return data, err
}

func (s *wsSocket) Write(ctx context.Context, data []byte) error {
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *wsSocket) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

func dialWebsocket(ctx context.Context, rawURL string) (socket, error) {
	conn, _, err := websocket.Dial(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return &wsSocket{conn}, nil
}

// Transport owns exactly one live connection to the chat server. It has no
// knowledge of message semantics; it authenticates, heals the connection,
// filters duplicate events and dispatches the rest to subscribers in
// delivery order.
type Transport struct {
	config Config
	logger *log.Logger
	dial   dialFunc

	mu               sync.Mutex
	sock             socket
	done             chan struct{}
	status           Status
	creds            *credentials
	manualDisconnect bool
	attempts         int
	reconnecting     bool
	seen             *dedupe

	subscriberMu    sync.RWMutex
	handlers        map[event.Type][]Handler
	statusListeners []StatusListener
}

func New(config Config) *Transport {
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 30 * time.Second
	}
	if config.ReconnectBaseDelay <= 0 {
		config.ReconnectBaseDelay = time.Second
	}
	if config.MaxReconnectAttempts <= 0 {
		config.MaxReconnectAttempts = 5
	}
	if config.DedupeRetention <= 0 {
		config.DedupeRetention = time.Hour
	}

	return &Transport{
		config:   config,
		logger:   log.New("transport"),
		dial:     dialWebsocket,
		seen:     newDedupe(config.DedupeRetention),
		handlers: map[event.Type][]Handler{},
	}
}

func (t *Transport) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Connect opens the authenticated channel. Calling it while already
// connected is a no-op; otherwise any prior connection is torn down first
// and the credentials are kept for later reconnection.
func (t *Transport) Connect(ctx context.Context, userID model.UserID, authToken string) error {
	t.mu.Lock()
	if t.status == StatusConnected {
		t.mu.Unlock()
		return nil
	}
	t.teardownLocked()
	t.creds = &credentials{userID: userID, token: authToken}
	t.manualDisconnect = false
	t.attempts = 0
	t.mu.Unlock()

	t.setStatus(StatusConnecting)
	if err := t.open(ctx); err != nil {
		t.setStatus(StatusDisconnected)
		return err
	}
	return nil
}

// Disconnect tears the channel down and suppresses any automatic
// reconnection until the next explicit Connect.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	t.manualDisconnect = true
	t.creds = nil
	t.attempts = 0
	t.teardownLocked()
	t.mu.Unlock()

	t.setStatus(StatusDisconnected)
}

// Reconnect re-opens the channel with the stored credentials, waiting
// baseDelay x attemptNumber before each try and giving up after the
// attempt cap. A manual disconnect short-circuits it at any point.
func (t *Transport) Reconnect(ctx context.Context) error {
	t.mu.Lock()
	if t.manualDisconnect {
		t.mu.Unlock()
		return model.ErrorManuallyDisconnected
	}
	if t.creds == nil {
		t.mu.Unlock()
		return model.ErrorMissingCredentials
	}
	if t.status == StatusConnected {
		t.mu.Unlock()
		return nil
	}
	if t.reconnecting {
		t.mu.Unlock()
		return model.ErrorReconnectInProgress
	}
	t.reconnecting = true
	t.teardownLocked()
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.reconnecting = false
		t.mu.Unlock()
	}()

	t.setStatus(StatusReconnecting)

	for {
		t.mu.Lock()
		if t.manualDisconnect {
			t.mu.Unlock()
			return model.ErrorManuallyDisconnected
		}
		t.attempts++
		attempt := t.attempts
		t.mu.Unlock()

		if attempt > t.config.MaxReconnectAttempts {
			t.setStatus(StatusDisconnected)
			return model.ErrorReconnectFailed
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * t.config.ReconnectBaseDelay):
		}

		if err := t.open(ctx); err != nil {
			t.logger.Warnf("reconnect attempt %d: %v", attempt, err)
			continue
		}
		return nil
	}
}

// Send emits an event if connected. While disconnected it transparently
// reconnects and retries the write once; the returned outcome tells the
// caller whether the event was delivered, dropped until a future retry, or
// dropped for good.
func (t *Transport) Send(ctx context.Context, typ event.Type, payload interface{}) (SendOutcome, error) {
	env, err := event.New(typ, payload)
	if err != nil {
		return SendFailedTerminal, err
	}
	data, err := env.Encode()
	if err != nil {
		return SendFailedTerminal, err
	}

	t.mu.Lock()
	sock := t.sock
	connected := t.status == StatusConnected
	manual := t.manualDisconnect
	hasCreds := t.creds != nil
	t.mu.Unlock()

	if connected && sock != nil {
		err := sock.Write(ctx, data)
		if err == nil {
			return SendDelivered, nil
		}
		t.logger.Warnf("socket write: %v", err)

		// a failed write means the socket is dead; drop it now so the
		// reconnect below cannot short-circuit on a connected status and
		// hand back the same socket
		t.mu.Lock()
		owned := t.sock == sock
		if owned {
			t.teardownLocked()
		}
		t.mu.Unlock()
		if owned {
			t.setStatus(StatusReconnecting)
		}
	}

	if manual {
		return SendFailedTerminal, model.ErrorManuallyDisconnected
	}
	if !hasCreds {
		return SendFailedTerminal, model.ErrorMissingCredentials
	}

	if err := t.Reconnect(ctx); err != nil {
		if errors.Is(err, model.ErrorReconnectInProgress) {
			return SendFailedRetryable, err
		}
		return SendFailedTerminal, fmt.Errorf("reconnecting before send: %w", err)
	}

	t.mu.Lock()
	sock = t.sock
	t.mu.Unlock()
	if sock == nil {
		return SendFailedRetryable, model.ErrorNotConnected
	}
	if err := sock.Write(ctx, data); err != nil {
		return SendFailedRetryable, fmt.Errorf("sending after reconnect: %w", err)
	}
	return SendDelivered, nil
}

// Subscribe appends a handler for the given event type. Handlers run in
// registration order on the delivery goroutine, one event at a time.
func (t *Transport) Subscribe(typ event.Type, h Handler) {
	t.subscriberMu.Lock()
	defer t.subscriberMu.Unlock()
	t.handlers[typ] = append(t.handlers[typ], h)
}

// Unsubscribe removes every handler registered for the given event type.
func (t *Transport) Unsubscribe(typ event.Type) {
	t.subscriberMu.Lock()
	defer t.subscriberMu.Unlock()
	delete(t.handlers, typ)
}

// OnStatusChange registers a listener invoked synchronously on every
// status transition. A panicking listener does not prevent the others from
// running.
func (t *Transport) OnStatusChange(l StatusListener) {
	t.subscriberMu.Lock()
	defer t.subscriberMu.Unlock()
	t.statusListeners = append(t.statusListeners, l)
}

// PruneSeenEvents drops idempotency keys older than the retention window.
// Pruning is caller-scheduled; the transport never runs it on its own.
func (t *Transport) PruneSeenEvents() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seen.prune(time.Now())
}

func (t *Transport) open(ctx context.Context) error {
	t.mu.Lock()
	creds := t.creds
	t.mu.Unlock()
	if creds == nil {
		return model.ErrorMissingCredentials
	}

	sock, err := t.dial(ctx, t.socketURL(creds))
	if err != nil {
		return fmt.Errorf("dialling %s: %w", t.config.URL, err)
	}

	t.mu.Lock()
	if t.manualDisconnect {
		t.mu.Unlock()
		sock.Close()
		return model.ErrorManuallyDisconnected
	}
	t.teardownLocked()
	done := make(chan struct{})
	t.sock = sock
	t.done = done
	t.attempts = 0
	t.mu.Unlock()

	t.setStatus(StatusConnected)

	go t.readLoop(sock, done)
	go t.heartbeat(sock, done)

	return nil
}

func (t *Transport) socketURL(creds *credentials) string {
	return fmt.Sprintf("%s?userId=%s&token=%s",
		t.config.URL,
		url.QueryEscape(string(creds.userID)),
		url.QueryEscape(creds.token))
}

// teardownLocked closes the current socket and stops its read and
// heartbeat loops. Callers must hold t.mu.
func (t *Transport) teardownLocked() {
	if t.done != nil {
		close(t.done)
		t.done = nil
	}
	if t.sock != nil {
		t.sock.Close()
		t.sock = nil
	}
}

func (t *Transport) readLoop(sock socket, done chan struct{}) {
	for {
		data, err := sock.Read(context.Background())
		if err != nil {
			select {
			case <-done:
				// deliberate teardown
				return
			default:
			}

			t.mu.Lock()
			stale := t.sock != sock
			manual := t.manualDisconnect
			if !stale && !manual {
				t.teardownLocked()
			}
			t.mu.Unlock()
			if stale || manual {
				return
			}

			t.setStatus(StatusReconnecting)
			t.logger.Warnf("socket read: %v", err)
			go func() {
				if err := t.Reconnect(context.Background()); err != nil {
					t.logger.Errorf("reconnect: %v", err)
				}
			}()
			return
		}

		env, err := event.Decode(data)
		if err != nil {
			t.logger.Warnf("dropping malformed event: %v", err)
			continue
		}
		t.dispatch(env)
	}
}

func (t *Transport) dispatch(env *event.Envelope) {
	if key := env.IdempotencyKey(); key != "" {
		t.mu.Lock()
		dup := t.seen.isDuplicate(key, time.Now())
		t.mu.Unlock()
		if dup {
			t.logger.Debugf("dropping duplicate %s (key %s)", env.Type, key)
			return
		}
	}

	t.deliver(env)

	if env.Type == event.TypeForceDisconnect {
		// server-initiated teardown, no reconnection follows
		t.Disconnect()
	}
}

func (t *Transport) deliver(env *event.Envelope) {
	t.subscriberMu.RLock()
	handlers := append([]Handler(nil), t.handlers[env.Type]...)
	t.subscriberMu.RUnlock()

	for _, h := range handlers {
		h(env)
	}
}

func (t *Transport) heartbeat(sock socket, done chan struct{}) {
	env, _ := event.New(event.TypePing, nil)
	data, _ := env.Encode()

	ticker := time.NewTicker(t.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := sock.Write(context.Background(), data); err != nil {
				t.logger.Warnf("heartbeat: %v", err)
			}
		}
	}
}

func (t *Transport) setStatus(next Status) {
	t.mu.Lock()
	if t.status == next {
		t.mu.Unlock()
		return
	}
	t.status = next
	t.mu.Unlock()

	t.subscriberMu.RLock()
	listeners := append([]StatusListener(nil), t.statusListeners...)
	t.subscriberMu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.logger.Errorf("status listener: %v", r)
				}
			}()
			l(next)
		}()
	}
}
