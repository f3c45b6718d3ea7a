package convsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

// RealtimeEnvelope is the wire format for all server events.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server command.
type RealtimeCommand struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

// Server event types.
const (
	EventAuthenticated     = "authenticated"
	EventQuerySnapshot     = "query.snapshot"
	EventDocSnapshot       = "doc.snapshot"
	EventSubscriptionError = "subscription.error"
	EventPong              = "pong"
)

// Client command types.
const (
	CommandSubscribe   = "subscribe"
	CommandUnsubscribe = "unsubscribe"
	CommandPing        = "ping"
)

// Subscription kinds.
const (
	SubscribeMessages     = "messages"
	SubscribeConversation = "conversation"
)

// AuthenticatedPayload is sent once the connection is authenticated.
type AuthenticatedPayload struct {
	UserID string `json:"userId"`
}

// SubscribePayload asks the server to stream a query or a document.
type SubscribePayload struct {
	SubscriptionID string `json:"subscriptionId"`
	Kind           string `json:"kind"`
	ConversationID string `json:"conversationId"`
	Limit          int    `json:"limit,omitempty"`
}

// QuerySnapshotPayload carries the full result of a messages subscription,
// ascending by createdAt.
type QuerySnapshotPayload struct {
	SubscriptionID string    `json:"subscriptionId"`
	Messages       []Message `json:"messages"`
}

// DocSnapshotPayload carries a conversation document.
type DocSnapshotPayload struct {
	SubscriptionID string         `json:"subscriptionId"`
	ConversationID string         `json:"conversationId"`
	Doc            map[string]any `json:"doc"`
}

// SubscriptionErrorPayload ends a subscription.
type SubscriptionErrorPayload struct {
	SubscriptionID string    `json:"subscriptionId"`
	Code           ErrorCode `json:"code"`
	Message        string    `json:"message"`
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime channel.
type RealtimeConfig struct {
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	ReadLimit            int64
	HTTPClient           *http.Client
}

// DefaultRealtimeConfig reconnects automatically.
var DefaultRealtimeConfig = RealtimeConfig{AutoReconnect: true}

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
	if c.ReadLimit == 0 {
		c.ReadLimit = 4 << 20
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
// Reconnector
// ============================================================================

type reconnector struct {
	mu          sync.Mutex
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	r.connectedAt = time.Now()
	r.mu.Unlock()
}

// nextDelay is exponential backoff with jitter. A connection that stayed up
// for a minute resets the attempt counter.
func (r *reconnector) nextDelay() (int, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return r.attempt, delay
}

// ============================================================================
// RealtimeClient
// ============================================================================

type realtimeSub struct {
	payload        SubscribePayload
	onMessages     func([]Message)
	onConversation func(Conversation)
	onErr          func(error)
}

// RealtimeClient is the WebSocket channel that streams query and document
// snapshots. Subscriptions survive reconnects: every live subscription is
// sent again once a new connection is authenticated. Events are dispatched in
// arrival order on the read goroutine.
type RealtimeClient struct {
	baseURL string
	token   string
	config  RealtimeConfig
	log     *zap.Logger
	recon   *reconnector

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	cancelFn         context.CancelFunc
	subs             map[string]*realtimeSub
	onState          []func(RealtimeState)

	nextSub     atomic.Uint64
	pingCounter atomic.Uint64
	pendingMu   sync.Mutex
	pending     map[string]chan PongPayload
}

// NewRealtimeClient creates a disconnected client. It connects on the first
// subscription or an explicit Connect.
func NewRealtimeClient(baseURL, token string, config RealtimeConfig, log *zap.Logger) *RealtimeClient {
	config.defaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &RealtimeClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		config:  config,
		log:     log,
		recon:   newReconnector(&config),
		state:   StateDisconnected,
		subs:    make(map[string]*realtimeSub),
		pending: make(map[string]chan PongPayload),
	}
}

// OnStateChange registers a connection state observer.
func (ws *RealtimeClient) OnStateChange(fn func(RealtimeState)) {
	ws.mu.Lock()
	ws.onState = append(ws.onState, fn)
	ws.mu.Unlock()
}

// State returns the current connection state.
func (ws *RealtimeClient) State() RealtimeState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

func (ws *RealtimeClient) setState(s RealtimeState) {
	ws.mu.Lock()
	changed := ws.state != s
	ws.state = s
	fns := ws.stateListeners()
	ws.mu.Unlock()
	if changed {
		notifyState(fns, s)
	}
}

// stateListeners copies the listeners; ws.mu must be held.
func (ws *RealtimeClient) stateListeners() []func(RealtimeState) {
	return append([]func(RealtimeState){}, ws.onState...)
}

func notifyState(fns []func(RealtimeState), s RealtimeState) {
	for _, fn := range fns {
		fn(s)
	}
}

func (ws *RealtimeClient) url() string {
	u := strings.Replace(ws.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/v1/realtime?token=" + url.QueryEscape(ws.token)
}

// Connect dials, waits for the authenticated event and re-sends every live
// subscription. ctx bounds the handshake only.
func (ws *RealtimeClient) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.intentionalClose = false
	ws.state = StateConnecting
	fns := ws.stateListeners()
	ws.mu.Unlock()
	notifyState(fns, StateConnecting)

	conn, _, err := websocket.Dial(ctx, ws.url(), &websocket.DialOptions{HTTPClient: ws.config.HTTPClient})
	if err != nil {
		ws.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(ws.config.ReadLimit)

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(StateDisconnected)
		return fmt.Errorf("read auth message: %w", err)
	}
	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != EventAuthenticated {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(StateDisconnected)
		return fmt.Errorf("expected '%s', got '%s'", EventAuthenticated, env.Type)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	ws.mu.Lock()
	ws.conn = conn
	ws.cancelFn = cancel
	subs := make([]SubscribePayload, 0, len(ws.subs))
	for _, s := range ws.subs {
		subs = append(subs, s.payload)
	}
	// Subscriptions registered from here on send their own command.
	ws.state = StateConnected
	fns = ws.stateListeners()
	ws.mu.Unlock()
	ws.recon.markConnected()
	notifyState(fns, StateConnected)

	for _, p := range subs {
		if err := ws.send(ctx, &RealtimeCommand{Type: CommandSubscribe, Payload: p}); err != nil {
			ws.log.Warn("resubscribe_failed", zap.String("subscription", p.SubscriptionID), zap.Error(err))
		}
	}

	go ws.readLoop(connCtx, conn)
	go ws.heartbeatLoop(connCtx, conn)
	return nil
}

// Disconnect closes the connection. Subscriptions stay registered and are
// sent again on the next Connect.
func (ws *RealtimeClient) Disconnect() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.mu.Unlock()
	ws.setState(StateDisconnected)
	ws.clearPending()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Close disconnects and drops every subscription.
func (ws *RealtimeClient) Close() error {
	ws.mu.Lock()
	ws.subs = make(map[string]*realtimeSub)
	ws.mu.Unlock()
	return ws.Disconnect()
}

// SubscriptionCount returns the number of registered subscriptions.
func (ws *RealtimeClient) SubscriptionCount() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return len(ws.subs)
}

func (ws *RealtimeClient) subscribe(ctx context.Context, p SubscribePayload, sub *realtimeSub) (Unsubscribe, error) {
	p.SubscriptionID = fmt.Sprintf("sub-%d", ws.nextSub.Add(1))
	sub.payload = p

	ws.mu.Lock()
	ws.subs[p.SubscriptionID] = sub
	connected := ws.state == StateConnected
	ws.mu.Unlock()

	var err error
	if connected {
		err = ws.send(ctx, &RealtimeCommand{Type: CommandSubscribe, Payload: p})
	} else {
		err = ws.Connect(ctx)
	}
	if err != nil {
		ws.mu.Lock()
		delete(ws.subs, p.SubscriptionID)
		ws.mu.Unlock()
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() { ws.unsubscribe(p.SubscriptionID) })
	}, nil
}

func (ws *RealtimeClient) unsubscribe(id string) {
	ws.mu.Lock()
	_, ok := ws.subs[id]
	delete(ws.subs, id)
	connected := ws.state == StateConnected
	ws.mu.Unlock()
	if !ok || !connected {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ws.send(ctx, &RealtimeCommand{
		Type:    CommandUnsubscribe,
		Payload: map[string]string{"subscriptionId": id},
	}); err != nil {
		ws.log.Debug("unsubscribe_failed", zap.String("subscription", id), zap.Error(err))
	}
}

// SubscribeMessages streams the newest limit messages of a conversation.
func (ws *RealtimeClient) SubscribeMessages(ctx context.Context, conversationID string, limit int, fn func([]Message), onErr func(error)) (Unsubscribe, error) {
	return ws.subscribe(ctx, SubscribePayload{
		Kind:           SubscribeMessages,
		ConversationID: conversationID,
		Limit:          limit,
	}, &realtimeSub{onMessages: fn, onErr: onErr})
}

// SubscribeConversation streams a conversation document.
func (ws *RealtimeClient) SubscribeConversation(ctx context.Context, conversationID string, fn func(Conversation), onErr func(error)) (Unsubscribe, error) {
	return ws.subscribe(ctx, SubscribePayload{
		Kind:           SubscribeConversation,
		ConversationID: conversationID,
	}, &realtimeSub{onConversation: fn, onErr: onErr})
}

func (ws *RealtimeClient) send(ctx context.Context, cmd *RealtimeCommand) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for the pong.
func (ws *RealtimeClient) Ping(ctx context.Context) (*PongPayload, error) {
	requestID := fmt.Sprintf("ping-%d", ws.pingCounter.Add(1))

	ch := make(chan PongPayload, 1)
	ws.pendingMu.Lock()
	ws.pending[requestID] = ch
	ws.pendingMu.Unlock()
	forget := func() {
		ws.pendingMu.Lock()
		delete(ws.pending, requestID)
		ws.pendingMu.Unlock()
	}

	err := ws.send(ctx, &RealtimeCommand{
		Type:      CommandPing,
		Payload:   map[string]string{"requestId": requestID},
		RequestID: requestID,
	})
	if err != nil {
		forget()
		return nil, err
	}

	select {
	case pong, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("connection closed")
		}
		return &pong, nil
	case <-time.After(10 * time.Second):
		forget()
		return nil, fmt.Errorf("ping timeout")
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

func (ws *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.intentionalClose
			if ws.conn == conn {
				ws.conn = nil
			}
			if ws.cancelFn != nil {
				ws.cancelFn()
				ws.cancelFn = nil
			}
			ws.mu.Unlock()
			if intentional {
				return
			}
			ws.setState(StateDisconnected)
			ws.clearPending()
			ws.log.Warn("realtime_disconnected", zap.Error(err))

			if ws.config.AutoReconnect {
				ws.reconnectLoop()
			}
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		ws.dispatch(env)
	}
}

func (ws *RealtimeClient) dispatch(env RealtimeEnvelope) {
	switch env.Type {
	case EventQuerySnapshot:
		var p QuerySnapshotPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		if s := ws.lookup(p.SubscriptionID); s != nil && s.onMessages != nil {
			s.onMessages(p.Messages)
		}
	case EventDocSnapshot:
		var p DocSnapshotPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		if s := ws.lookup(p.SubscriptionID); s != nil && s.onConversation != nil {
			s.onConversation(ConversationFromDoc(p.ConversationID, p.Doc))
		}
	case EventSubscriptionError:
		var p SubscriptionErrorPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		ws.mu.Lock()
		s := ws.subs[p.SubscriptionID]
		delete(ws.subs, p.SubscriptionID)
		ws.mu.Unlock()
		if s != nil && s.onErr != nil {
			s.onErr(subscriptionError(p))
		}
	case EventPong:
		var p PongPayload
		if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
			ws.pendingMu.Lock()
			ch, ok := ws.pending[p.RequestID]
			delete(ws.pending, p.RequestID)
			ws.pendingMu.Unlock()
			if ok {
				ch <- p
			}
		}
	}
}

func subscriptionError(p SubscriptionErrorPayload) error {
	switch p.Code {
	case CodePermissionDenied:
		return ErrPermissionDenied
	case CodeNotFound:
		return ErrNotFound
	}
	return newError(p.Code, p.Message, nil)
}

func (ws *RealtimeClient) lookup(id string) *realtimeSub {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.subs[id]
}

func (ws *RealtimeClient) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := ws.Ping(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				// Heartbeat failed; closing makes the read loop reconnect.
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (ws *RealtimeClient) reconnectLoop() {
	for ws.recon.shouldReconnect() {
		attempt, delay := ws.recon.nextDelay()
		ws.setState(StateReconnecting)
		ws.log.Info("realtime_reconnecting", zap.Int("attempt", attempt), zap.Duration("delay", delay))
		time.Sleep(delay)

		ws.mu.Lock()
		stop := ws.intentionalClose
		ws.mu.Unlock()
		if stop {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := ws.Connect(ctx)
		cancel()
		if err == nil {
			return
		}
		ws.log.Warn("realtime_reconnect_failed", zap.Int("attempt", attempt), zap.Error(err))
	}
	ws.setState(StateDisconnected)
	ws.failAll(fmt.Errorf("realtime channel lost: %w", ErrClosed))
}

// failAll ends every subscription after reconnecting gave up.
func (ws *RealtimeClient) failAll(err error) {
	ws.mu.Lock()
	subs := ws.subs
	ws.subs = make(map[string]*realtimeSub)
	ws.mu.Unlock()
	for _, s := range subs {
		if s.onErr != nil {
			s.onErr(err)
		}
	}
}

func (ws *RealtimeClient) clearPending() {
	ws.pendingMu.Lock()
	for k, ch := range ws.pending {
		close(ch)
		delete(ws.pending, k)
	}
	ws.pendingMu.Unlock()
}
