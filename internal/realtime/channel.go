package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/whiskerlink/whisker-bridge/internal/model"
)

// ChannelState tracks the per-subscription connection state machine.
type ChannelState string

const (
	StateDisconnected ChannelState = "disconnected"
	StateConnecting   ChannelState = "connecting"
	StateConnected    ChannelState = "connected"
	StateClosed       ChannelState = "closed"
)

const (
	defaultLivenessWindow = 5 * time.Minute
	defaultBaseBackoff    = time.Second
	defaultMaxBackoff     = 5 * time.Minute
	defaultMaxAttempts    = 30
	writeTimeout          = 10 * time.Second
)

// TokenSource supplies bearer tokens; satisfied by session.Manager.
type TokenSource interface {
	EnsureValid(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context) (string, error)
}

// Sink receives parsed push updates; satisfied by state.Store.
type Sink interface {
	DescriptorsByFamily(family model.DeviceFamily) []model.Descriptor
	Merge(serial string, attrs map[string]any, source model.UpdateSource, stamp int64) *model.ChangeEvent
}

// Config describes one persistent subscription channel.
type Config struct {
	URL    string
	Family model.DeviceFamily
	// LivenessWindow bounds how long the channel may stay silent (no data,
	// no keep-alive) before it is declared dead and reconnected.
	LivenessWindow time.Duration
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	// MaxAttempts caps consecutive failed connects before the manager gives
	// up with KindConnectFailed. Zero selects the default.
	MaxAttempts int
}

func (c Config) withDefaults() Config {
	if c.LivenessWindow <= 0 {
		c.LivenessWindow = defaultLivenessWindow
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = defaultBaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	return c
}

// Manager owns one persistent push subscription for a device family. It
// dials, authenticates, subscribes every known device of the family and
// forwards parsed updates into the sink. On any disconnect it backs off with
// jitter and reconnects; the loop stops on Close or an exhausted budget.
type Manager struct {
	cfg    Config
	tokens TokenSource
	sink   Sink
	dialer *websocket.Dialer
	logger *slog.Logger

	mu      sync.Mutex
	state   ChannelState
	lastErr error
	reached bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewManager(cfg Config, tokens TokenSource, sink Sink, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:    cfg.withDefaults(),
		tokens: tokens,
		sink:   sink,
		dialer: websocket.DefaultDialer,
		logger: logger.With("component", "realtime", "family", string(cfg.Family)),
		state:  StateDisconnected,
		done:   make(chan struct{}),
	}
}

// WithDialer overrides the websocket dialer, mainly for tests.
func (m *Manager) WithDialer(dialer *websocket.Dialer) *Manager {
	if dialer != nil {
		m.dialer = dialer
	}
	return m
}

// State returns the current connection state.
func (m *Manager) State() ChannelState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns the most recent session error: the reason the last session
// ended, or the terminal error once the loop gave up.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Start launches the reconnect loop. It runs independently of poll and
// command call sites and never blocks them.
func (m *Manager) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()
	go m.run(runCtx)
}

// Close stops reconnect activity and releases the transport. It waits for
// the loop to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		<-m.done
	}
	m.setState(StateClosed)
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	backoff := m.cfg.BaseBackoff
	attempts := 0
	for {
		if ctx.Err() != nil {
			return
		}
		m.setState(StateConnecting)
		err := m.runSession(ctx)
		if err == nil || ctx.Err() != nil {
			m.setState(StateDisconnected)
			return
		}

		var chanErr *ChannelError
		if !errors.As(err, &chanErr) {
			chanErr = &ChannelError{Kind: KindDisconnected, Err: err}
		}
		m.logger.Warn("channel session ended", "kind", string(chanErr.Kind), "err", chanErr.Err)
		m.recordErr(chanErr)
		m.setState(StateDisconnected)

		if isAuthFailure(err) {
			if _, refreshErr := m.tokens.ForceRefresh(ctx); refreshErr != nil {
				m.logger.Warn("re-authentication failed", "err", refreshErr)
			}
		}

		// A session that reached the subscribed state resets the budget.
		if m.sessionReached() {
			backoff = m.cfg.BaseBackoff
			attempts = 0
		}
		attempts++
		if attempts >= m.cfg.MaxAttempts {
			m.fail(&ChannelError{Kind: KindConnectFailed, Err: fmt.Errorf("gave up after %d attempts: %w", attempts, chanErr.Err)})
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(jitter(backoff)):
		}
		if backoff < m.cfg.MaxBackoff {
			backoff *= 2
			if backoff > m.cfg.MaxBackoff {
				backoff = m.cfg.MaxBackoff
			}
		}
	}
}

// runSession performs one connect-subscribe-read cycle. A nil return means
// the context was canceled; every other outcome is an error.
func (m *Manager) runSession(ctx context.Context) error {
	token, err := m.tokens.EnsureValid(ctx)
	if err != nil {
		return &ChannelError{Kind: KindDisconnected, Err: err}
	}

	wsURL, err := toWebsocketURL(m.cfg.URL)
	if err != nil {
		return &ChannelError{Kind: KindDisconnected, Err: err}
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set("Sec-WebSocket-Protocol", "graphql-ws")

	conn, resp, err := m.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return &ChannelError{Kind: KindDisconnected, Err: errAuthRejected}
		}
		return &ChannelError{Kind: KindDisconnected, Err: err}
	}
	defer conn.Close()

	if err := m.handshake(conn); err != nil {
		return err
	}
	if err := m.subscribeAll(conn); err != nil {
		return err
	}
	m.markSessionReached()
	m.setState(StateConnected)
	m.logger.Info("channel connected", "devices", len(m.sink.DescriptorsByFamily(m.cfg.Family)))

	sessionCtx, endSession := context.WithCancel(ctx)
	defer endSession()
	go func() {
		<-sessionCtx.Done()
		if ctx.Err() != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		}
		_ = conn.Close()
	}()

	return m.readLoop(ctx, conn)
}

func (m *Manager) handshake(conn *websocket.Conn) error {
	if err := writeJSON(conn, envelope{Type: "connection_init", Payload: json.RawMessage(`{}`)}); err != nil {
		return &ChannelError{Kind: KindDisconnected, Err: err}
	}
	_ = conn.SetReadDeadline(time.Now().Add(writeTimeout))
	var ack envelope
	if err := conn.ReadJSON(&ack); err != nil {
		return &ChannelError{Kind: KindDisconnected, Err: fmt.Errorf("awaiting connection_ack: %w", err)}
	}
	if ack.Type == "connection_error" {
		return &ChannelError{Kind: KindDisconnected, Err: errAuthRejected}
	}
	if ack.Type != "connection_ack" {
		return &ChannelError{Kind: KindDisconnected, Err: fmt.Errorf("unexpected handshake message %q", ack.Type)}
	}
	return nil
}

func (m *Manager) subscribeAll(conn *websocket.Conn) error {
	for _, d := range m.sink.DescriptorsByFamily(m.cfg.Family) {
		start := startPayload{
			Query:     deviceSubscriptionQuery,
			Variables: map[string]any{"serial": d.Serial},
		}
		raw, err := json.Marshal(start)
		if err != nil {
			return &ChannelError{Kind: KindDisconnected, Err: err}
		}
		msg := envelope{Type: "start", ID: uuid.NewString(), Payload: raw}
		if err := writeJSON(conn, msg); err != nil {
			return &ChannelError{Kind: KindDisconnected, Err: err}
		}
	}
	return nil
}

func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		if err := conn.SetReadDeadline(time.Now().Add(m.cfg.LivenessWindow)); err != nil {
			return &ChannelError{Kind: KindDisconnected, Err: err}
		}
		var msg envelope
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() || errors.Is(err, os.ErrDeadlineExceeded) {
				return &ChannelError{Kind: KindLivenessTimeout, Err: err}
			}
			return &ChannelError{Kind: KindDisconnected, Err: err}
		}

		switch msg.Type {
		case "ka", "start_ack", "complete":
			// Keep-alives and acks only refresh the liveness deadline.
		case "data":
			update, err := parseDataMessage(msg.Payload)
			if err != nil {
				m.logger.Warn("unparseable push message", "err", err)
				continue
			}
			m.sink.Merge(update.serial, update.attrs, model.SourcePush, update.stamp)
		case "error":
			m.logger.Warn("subscription error message", "payload", string(msg.Payload))
		default:
			m.logger.Debug("ignoring message", "type", msg.Type)
		}
	}
}

func (m *Manager) setState(s ChannelState) {
	m.mu.Lock()
	if m.state != StateClosed {
		m.state = s
	}
	m.mu.Unlock()
}

func (m *Manager) recordErr(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

func (m *Manager) fail(err error) {
	m.recordErr(err)
	m.logger.Error("channel gave up", "err", err)
}

// sessionReached / markSessionReached track whether the most recent session
// got as far as a successful subscribe, which resets the reconnect budget.
func (m *Manager) sessionReached() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	reached := m.reached
	m.reached = false
	return reached
}

func (m *Manager) markSessionReached() {
	m.mu.Lock()
	m.reached = true
	m.mu.Unlock()
}

var errAuthRejected = errors.New("authorization rejected by realtime endpoint")

func isAuthFailure(err error) bool {
	return errors.Is(err, errAuthRejected)
}

func jitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(time.Second)))
}

func toWebsocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String(), nil
}

func writeJSON(conn *websocket.Conn, v any) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(v)
}
