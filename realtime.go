package omegachat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime channel. Zero values take defaults.
type RealtimeConfig struct {
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	HandshakeTimeout     time.Duration
	HTTPClient           *http.Client
}

// DefaultRealtimeConfig reconnects automatically.
func DefaultRealtimeConfig() *RealtimeConfig {
	return &RealtimeConfig{AutoReconnect: true}
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 10 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// RawEventHandler receives the undecoded payload of one event type.
type RawEventHandler func(eventType string, payload json.RawMessage)

// Handlers run on the read goroutine, one at a time, in arrival order.
// They must not block.
type eventDispatcher struct {
	mu             sync.RWMutex
	raw            map[string][]RawEventHandler
	onEvent        []func(Event)
	onConnected    []func()
	onReconnected  []func()
	onDisconnected []func(int, string)
	onReconnecting []func(int, time.Duration)
	onUnauthorized []func()
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{raw: make(map[string][]RawEventHandler)}
}

func (d *eventDispatcher) dispatch(env *RealtimeEnvelope, ev Event) {
	d.mu.RLock()
	raw := append([]RawEventHandler(nil), d.raw[env.Type]...)
	typed := append(([]func(Event))(nil), d.onEvent...)
	d.mu.RUnlock()

	if ev != nil {
		for _, h := range typed {
			h(ev)
		}
	}
	for _, h := range raw {
		h(env.Type, env.Payload)
	}
}

func (d *eventDispatcher) emit(list func() []func()) {
	d.mu.RLock()
	handlers := append([]func(){}, list()...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h()
	}
}

func (d *eventDispatcher) emitConnected() {
	d.emit(func() []func() { return d.onConnected })
}

func (d *eventDispatcher) emitReconnected() {
	d.emit(func() []func() { return d.onReconnected })
}

func (d *eventDispatcher) emitUnauthorized() {
	d.emit(func() []func() { return d.onUnauthorized })
}

func (d *eventDispatcher) emitDisconnected(code int, reason string) {
	d.mu.RLock()
	handlers := append([]func(int, string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(code, reason)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(attempt, delay)
	}
}

// ============================================================================
// Backoff
// ============================================================================

// stableAfter is how long a connection must survive before the next drop
// counts as a fresh failure sequence.
const stableAfter = time.Minute

// backoff hands out reconnect delays: base * 2^n plus up to half a base of
// jitter, capped at max. limit < 0 means unlimited attempts.
type backoff struct {
	base, max time.Duration
	limit     int
	tries     int
	upSince   time.Time
}

func newBackoff(cfg *RealtimeConfig) *backoff {
	return &backoff{base: cfg.ReconnectBaseDelay, max: cfg.ReconnectMaxDelay, limit: cfg.MaxReconnectAttempts}
}

// next returns the attempt number and its delay, or ok=false once the
// attempt limit is spent.
func (b *backoff) next() (attempt int, delay time.Duration, ok bool) {
	if !b.upSince.IsZero() && time.Since(b.upSince) >= stableAfter {
		b.tries = 0
	}
	b.upSince = time.Time{}
	if b.limit >= 0 && b.tries >= b.limit {
		return b.tries, 0, false
	}
	delay = b.max
	if b.tries < 30 {
		if d := b.base << b.tries; d > 0 && d < b.max {
			delay = d
		}
	}
	delay += time.Duration(rand.Int63n(int64(b.base)/2 + 1))
	if delay > b.max {
		delay = b.max
	}
	b.tries++
	return b.tries, delay, true
}

func (b *backoff) connected() { b.upSince = time.Now() }

func (b *backoff) reset() {
	b.tries = 0
	b.upSince = time.Time{}
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient is the WebSocket event channel. It authenticates with the
// session's token, decodes events, and reconnects with backoff after
// transient drops. A rejected token ends the channel without retry.
type RealtimeClient struct {
	baseURL    string
	session    *Session
	config     *RealtimeConfig
	logger     *slog.Logger
	dispatcher *eventDispatcher

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	life             context.Context
	stop             context.CancelFunc
	cancelConn       context.CancelFunc
	retry            *backoff

	pendingMu    sync.Mutex
	pingCounter  int
	pendingPings map[string]chan struct{}
}

// NewRealtime creates a realtime channel that shares the client's session.
// Call Connect to open it. A nil config means DefaultRealtimeConfig.
func (c *Client) NewRealtime(config *RealtimeConfig) *RealtimeClient {
	if config == nil {
		config = DefaultRealtimeConfig()
	}
	cfg := *config
	cfg.defaults()
	return &RealtimeClient{
		baseURL:      c.baseURL,
		session:      c.session,
		config:       &cfg,
		logger:       c.logger,
		dispatcher:   newEventDispatcher(),
		state:        StateDisconnected,
		retry:        newBackoff(&cfg),
		pendingPings: make(map[string]chan struct{}),
	}
}

// WSURL returns the WebSocket URL for token.
func (rt *RealtimeClient) WSURL(token string) string {
	base := strings.Replace(rt.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	if token != "" {
		return base + "/ws?token=" + token
	}
	return base + "/ws"
}

// OnEvent registers a handler for every decoded event.
func (rt *RealtimeClient) OnEvent(h func(Event)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onEvent = append(rt.dispatcher.onEvent, h)
	rt.dispatcher.mu.Unlock()
}

// On registers a handler for the raw payload of eventType.
func (rt *RealtimeClient) On(eventType string, h RawEventHandler) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.raw[eventType] = append(rt.dispatcher.raw[eventType], h)
	rt.dispatcher.mu.Unlock()
}

// OnConnected fires after every successful handshake.
func (rt *RealtimeClient) OnConnected(h func()) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onConnected = append(rt.dispatcher.onConnected, h)
	rt.dispatcher.mu.Unlock()
}

// OnReconnected fires when the channel comes back after a transient drop,
// before any event of the new connection is delivered.
func (rt *RealtimeClient) OnReconnected(h func()) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onReconnected = append(rt.dispatcher.onReconnected, h)
	rt.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (rt *RealtimeClient) OnDisconnected(h func(code int, reason string)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onDisconnected = append(rt.dispatcher.onDisconnected, h)
	rt.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (rt *RealtimeClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onReconnecting = append(rt.dispatcher.onReconnecting, h)
	rt.dispatcher.mu.Unlock()
}

// OnUnauthorized fires when the server rejects the token. The session has
// been cleared by then.
func (rt *RealtimeClient) OnUnauthorized(h func()) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onUnauthorized = append(rt.dispatcher.onUnauthorized, h)
	rt.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (rt *RealtimeClient) State() RealtimeState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

// Connect opens the channel. ctx bounds the dial and handshake only; the
// connection lives until Disconnect or a rejected token.
func (rt *RealtimeClient) Connect(ctx context.Context) error {
	rt.mu.Lock()
	if rt.state != StateDisconnected {
		rt.mu.Unlock()
		return nil
	}
	rt.state = StateConnecting
	rt.intentionalClose = false
	rt.life, rt.stop = context.WithCancel(context.WithoutCancel(ctx))
	life := rt.life
	rt.retry.reset()
	rt.mu.Unlock()

	err := rt.open(ctx, life, false)
	if err != nil && !errors.Is(err, ErrUnauthorized) {
		rt.mu.Lock()
		rt.state = StateDisconnected
		if rt.stop != nil {
			rt.stop()
			rt.stop = nil
		}
		rt.mu.Unlock()
	}
	return err
}

func (rt *RealtimeClient) open(ctx, life context.Context, reconnect bool) error {
	conn, err := rt.dial(ctx)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			rt.rejected(err)
		}
		return err
	}

	rt.mu.Lock()
	if rt.intentionalClose {
		rt.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return fmt.Errorf("realtime: %w", context.Canceled)
	}
	connCtx, cancel := context.WithCancel(life)
	rt.conn = conn
	rt.cancelConn = cancel
	rt.state = StateConnected
	rt.retry.connected()
	rt.mu.Unlock()

	rt.logger.Info("realtime connected", "reconnect", reconnect)
	rt.dispatcher.emitConnected()
	if reconnect {
		rt.dispatcher.emitReconnected()
	}

	go rt.readLoop(connCtx, conn)
	go rt.heartbeatLoop(connCtx, conn)
	return nil
}

// dial performs the upgrade and waits for the authenticated frame, both
// within HandshakeTimeout.
func (rt *RealtimeClient) dial(ctx context.Context) (*websocket.Conn, error) {
	token, ok := rt.session.Credential()
	if !ok {
		return nil, fmt.Errorf("realtime: no credential: %w", ErrUnauthorized)
	}

	hctx, cancel := context.WithTimeout(ctx, rt.config.HandshakeTimeout)
	defer cancel()
	conn, resp, err := websocket.Dial(hctx, rt.WSURL(token), &websocket.DialOptions{HTTPClient: rt.config.HTTPClient})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("realtime upgrade: %w", &APIError{Status: resp.StatusCode, Code: "UNAUTHORIZED", Message: "token rejected"})
		}
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		return nil, networkError("realtime dial", err)
	}
	conn.SetReadLimit(1 << 20)

	_, data, err := conn.Read(hctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, networkError("realtime handshake", err)
	}

	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		conn.Close(websocket.StatusProtocolError, "bad frame")
		return nil, fmt.Errorf("realtime handshake: %w", err)
	}
	switch env.Type {
	case "authenticated":
		return conn, nil
	case "error":
		apiErr := &APIError{}
		_ = json.Unmarshal(env.Payload, apiErr)
		conn.Close(websocket.StatusPolicyViolation, apiErr.Code)
		return nil, fmt.Errorf("realtime handshake: %w", apiErr)
	default:
		conn.Close(websocket.StatusProtocolError, "unexpected frame")
		return nil, fmt.Errorf("realtime handshake: expected 'authenticated', got '%s'", env.Type)
	}
}

// rejected ends the channel for good after the server refused the token.
func (rt *RealtimeClient) rejected(cause error) {
	rt.mu.Lock()
	rt.intentionalClose = true
	rt.state = StateDisconnected
	conn := rt.conn
	rt.conn = nil
	if rt.cancelConn != nil {
		rt.cancelConn()
	}
	if rt.stop != nil {
		rt.stop()
	}
	rt.mu.Unlock()

	rt.clearPendingPings()
	if conn != nil {
		conn.Close(websocket.StatusPolicyViolation, "unauthorized")
	}
	rt.logger.Warn("realtime token rejected", "err", cause)
	if err := rt.session.Clear(context.Background()); err != nil {
		rt.logger.Error("session clear failed", "err", err)
	}
	rt.dispatcher.emitUnauthorized()
}

// Disconnect closes the channel and stops reconnecting.
func (rt *RealtimeClient) Disconnect() error {
	rt.mu.Lock()
	rt.intentionalClose = true
	if rt.cancelConn != nil {
		rt.cancelConn()
		rt.cancelConn = nil
	}
	if rt.stop != nil {
		rt.stop()
		rt.stop = nil
	}
	conn := rt.conn
	rt.conn = nil
	was := rt.state
	rt.state = StateDisconnected
	rt.mu.Unlock()

	rt.clearPendingPings()

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if was != StateDisconnected {
		rt.dispatcher.emitDisconnected(int(websocket.StatusNormalClosure), "client disconnect")
	}
	return err
}

// StartTyping tells the server the caller is composing a message to userID.
func (rt *RealtimeClient) StartTyping(ctx context.Context, userID string) error {
	return rt.Send(ctx, &RealtimeCommand{Type: "typing.start", Payload: map[string]string{"to": userID}})
}

// StopTyping retracts StartTyping.
func (rt *RealtimeClient) StopTyping(ctx context.Context, userID string) error {
	return rt.Send(ctx, &RealtimeCommand{Type: "typing.stop", Payload: map[string]string{"to": userID}})
}

// Send writes a raw command frame.
func (rt *RealtimeClient) Send(ctx context.Context, cmd *RealtimeCommand) error {
	rt.mu.Lock()
	conn := rt.conn
	rt.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("realtime: not connected: %w", ErrNetwork)
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return networkError("realtime write", err)
	}
	return nil
}

// Ping sends a ping and waits for the matching pong. It returns the round
// trip time.
func (rt *RealtimeClient) Ping(ctx context.Context) (time.Duration, error) {
	rt.pendingMu.Lock()
	rt.pingCounter++
	requestID := "ping-" + strconv.Itoa(rt.pingCounter)
	ch := make(chan struct{}, 1)
	rt.pendingPings[requestID] = ch
	rt.pendingMu.Unlock()

	forget := func() {
		rt.pendingMu.Lock()
		delete(rt.pendingPings, requestID)
		rt.pendingMu.Unlock()
	}

	start := time.Now()
	if err := rt.Send(ctx, &RealtimeCommand{Type: "ping", RequestID: requestID}); err != nil {
		forget()
		return 0, err
	}

	select {
	case _, ok := <-ch:
		if !ok {
			return 0, fmt.Errorf("realtime: connection closed: %w", ErrNetwork)
		}
		return time.Since(start), nil
	case <-time.After(rt.config.HeartbeatTimeout):
		forget()
		return 0, fmt.Errorf("realtime: ping timeout: %w", ErrNetwork)
	case <-ctx.Done():
		forget()
		return 0, ctx.Err()
	}
}

func (rt *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rt.dropped(conn, err)
			return
		}

		var env RealtimeEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			rt.logger.Warn("realtime: bad frame", "err", err)
			continue
		}

		switch env.Type {
		case "pong":
			rt.resolvePing(&env)
			continue
		case "error":
			apiErr := &APIError{}
			_ = json.Unmarshal(env.Payload, apiErr)
			if errors.Is(apiErr, ErrUnauthorized) {
				rt.rejected(apiErr)
				return
			}
			rt.logger.Warn("realtime: server error", "code", apiErr.Code, "message", apiErr.Message)
			continue
		}

		ev, err := decodeEvent(&env)
		if err != nil {
			rt.logger.Warn("realtime: dropping event", "type", env.Type, "err", err)
			continue
		}
		rt.dispatcher.dispatch(&env, ev)
	}
}

func (rt *RealtimeClient) resolvePing(env *RealtimeEnvelope) {
	id := env.RequestID
	if id == "" {
		var p pongPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			id = p.RequestID
		}
	}
	rt.pendingMu.Lock()
	ch, ok := rt.pendingPings[id]
	if ok {
		delete(rt.pendingPings, id)
	}
	rt.pendingMu.Unlock()
	if ok {
		ch <- struct{}{}
	}
}

// dropped handles an unexpected end of conn and starts reconnecting.
func (rt *RealtimeClient) dropped(conn *websocket.Conn, cause error) {
	rt.mu.Lock()
	if rt.conn != conn || rt.intentionalClose {
		rt.mu.Unlock()
		return
	}
	rt.conn = nil
	if rt.cancelConn != nil {
		rt.cancelConn()
		rt.cancelConn = nil
	}
	rt.state = StateDisconnected
	if rt.config.AutoReconnect {
		rt.state = StateReconnecting
	}
	life := rt.life
	rt.mu.Unlock()

	rt.clearPendingPings()
	code := int(websocket.CloseStatus(cause))
	rt.logger.Warn("realtime connection lost", "code", code, "err", cause)
	rt.dispatcher.emitDisconnected(code, cause.Error())

	if rt.config.AutoReconnect {
		rt.reconnectLoop(life)
	}
}

func (rt *RealtimeClient) reconnectLoop(life context.Context) {
	for {
		rt.mu.Lock()
		attempt, delay, ok := rt.retry.next()
		if rt.intentionalClose || !ok {
			rt.state = StateDisconnected
			rt.mu.Unlock()
			if !ok {
				rt.logger.Warn("realtime giving up", "attempts", attempt)
			}
			return
		}
		rt.state = StateReconnecting
		rt.mu.Unlock()

		rt.dispatcher.emitReconnecting(attempt, delay)

		select {
		case <-time.After(delay):
		case <-life.Done():
			rt.setState(StateDisconnected)
			return
		}

		err := rt.open(life, life, true)
		if err == nil || errors.Is(err, ErrUnauthorized) {
			return
		}
		rt.logger.Debug("realtime reconnect failed", "attempt", attempt, "err", err)
	}
}

func (rt *RealtimeClient) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(rt.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := rt.Ping(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (rt *RealtimeClient) setState(s RealtimeState) {
	rt.mu.Lock()
	rt.state = s
	rt.mu.Unlock()
}

func (rt *RealtimeClient) clearPendingPings() {
	rt.pendingMu.Lock()
	for k, ch := range rt.pendingPings {
		close(ch)
		delete(rt.pendingPings, k)
	}
	rt.pendingMu.Unlock()
}
