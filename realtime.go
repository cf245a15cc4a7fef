package nexus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

// Envelope is the wire format for all channel frames, both directions.
type Envelope struct {
	Type        string          `json:"type"`
	Topic       string          `json:"topic,omitempty"`
	Destination string          `json:"destination,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

const (
	frameConnect     = "connect"
	frameConnected   = "connected"
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	frameSend        = "send"
	frameMessage     = "message"
	framePing        = "ping"
	framePong        = "pong"
	frameError       = "error"
)

// connectPayload is sent as the first client frame after the transport opens.
// The heartbeat field announces the interval the client will ping at and
// expects to be pinged at, in milliseconds.
type connectPayload struct {
	Token     string `json:"token,omitempty"`
	Heartbeat int64  `json:"heartbeat"`
}

// ============================================================================
// Channel kinds
// ============================================================================

// ChannelKind selects one of the platform's logical realtime channels.
type ChannelKind string

const (
	// ChannelChat carries support chat events and device alert notifications.
	ChannelChat ChannelKind = "chat"
	// ChannelMonitoring carries realtime consumption readings.
	ChannelMonitoring ChannelKind = "monitoring"
)

func (k ChannelKind) endpointPath() string {
	if k == ChannelMonitoring {
		return "/monitoring/ws/consumption"
	}
	return "/ws/chat"
}

// tokenInQuery reports whether the token is additionally passed as a query
// parameter. The monitoring gateway accepts either form; the chat gateway
// reads the header only.
func (k ChannelKind) tokenInQuery() bool {
	return k == ChannelMonitoring
}

// ============================================================================
// Configuration
// ============================================================================

// ChannelState represents the connection state.
type ChannelState string

const (
	StateDisconnected ChannelState = "disconnected"
	StateConnecting   ChannelState = "connecting"
	StateConnected    ChannelState = "connected"
)

// ChannelConfig configures a Channel. The zero value yields the platform
// defaults.
type ChannelConfig struct {
	// ReconnectDelay is the fixed pause between automatic reconnect attempts.
	ReconnectDelay time.Duration
	// HeartbeatInterval is the ping cadence in both directions.
	HeartbeatInterval time.Duration
	// HandshakeTimeout bounds one dial-plus-handshake attempt.
	HandshakeTimeout time.Duration
	Logger           *logrus.Logger
	HTTPClient       *http.Client
}

func (c *ChannelConfig) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 4 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// ============================================================================
// Subscription handle
// ============================================================================

// Handler receives the raw payload of every event pushed on a topic.
type Handler func(topic string, payload json.RawMessage)

// Subscription is the capability handle returned by Subscribe. Release
// removes the topic from the registry; it is safe to call more than once.
type Subscription struct {
	once    sync.Once
	release func()
}

// Release removes the subscription. Idempotent.
func (s *Subscription) Release() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.release != nil {
			s.release()
		}
	})
}

func noopSubscription() *Subscription { return &Subscription{} }

// ============================================================================
// Channel
// ============================================================================

// connectAttempt lets concurrent Connect callers wait on one in-flight
// handshake instead of spawning a second one.
type connectAttempt struct {
	done chan struct{}
	err  error
}

// Channel owns one physical realtime connection plus the topic subscription
// registry that survives it. Registered topics are replayed on every
// transition into the connected state.
type Channel struct {
	kind    ChannelKind
	baseURL string
	tokens  TokenStore
	config  ChannelConfig
	log     *logrus.Entry

	mu               sync.Mutex
	state            ChannelState
	conn             *websocket.Conn
	connCtx          context.Context
	cancelFn         context.CancelFunc
	attempt          *connectAttempt
	intentionalClose bool
	subs             map[string]Handler
}

// RealtimeClient creates realtime channels bound to the parent client's base
// URL and token store. Each call to Channel returns a fresh instance; the
// caller owns it and passes it to whatever needs that logical channel.
type RealtimeClient struct{ client *Client }

// Channel creates a channel of the given kind. config may be nil.
func (r *RealtimeClient) Channel(kind ChannelKind, config *ChannelConfig) *Channel {
	var cfg ChannelConfig
	if config != nil {
		cfg = *config
	}
	if cfg.Logger == nil {
		cfg.Logger = r.client.log
	}
	cfg.defaults()
	return &Channel{
		kind:    kind,
		baseURL: r.client.baseURL,
		tokens:  r.client.tokens,
		config:  cfg,
		log:     cfg.Logger.WithField("channel", string(kind)),
		state:   StateDisconnected,
		subs:    make(map[string]Handler),
	}
}

// URL returns the websocket endpoint for this channel, with the token query
// parameter appended where the channel kind calls for it.
func (ch *Channel) URL(token string) string {
	base := strings.Replace(ch.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	u := base + ch.kind.endpointPath()
	if token != "" && ch.kind.tokenInQuery() {
		u += "?token=" + token
	}
	return u
}

// State returns the current connection state.
func (ch *Channel) State() ChannelState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// IsConnected reports whether the channel is currently connected.
func (ch *Channel) IsConnected() bool {
	return ch.State() == StateConnected
}

// Connect establishes the connection. Idempotent: returns nil immediately
// when connected, and when an attempt is already underway it waits for that
// attempt's outcome instead of starting a second handshake.
func (ch *Channel) Connect(ctx context.Context) error {
	ch.mu.Lock()
	switch ch.state {
	case StateConnected:
		ch.mu.Unlock()
		return nil
	case StateConnecting:
		att := ch.attempt
		ch.mu.Unlock()
		select {
		case <-att.done:
			return att.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	att := &connectAttempt{done: make(chan struct{})}
	ch.state = StateConnecting
	ch.attempt = att
	ch.intentionalClose = false
	ch.mu.Unlock()

	att.err = ch.dial(ctx)
	close(att.done)
	return att.err
}

// dial performs one transport open plus handshake. On success it installs
// the connection, starts the read and heartbeat loops, and replays every
// registered subscription.
func (ch *Channel) dial(ctx context.Context) error {
	token := ""
	if ch.tokens != nil {
		token = ch.tokens.Token()
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, ch.config.HandshakeTimeout)
	defer cancelDial()

	opts := &websocket.DialOptions{HTTPClient: ch.config.HTTPClient}
	if token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + token}}
	}

	conn, _, err := websocket.Dial(dialCtx, ch.URL(token), opts)
	if err != nil {
		ch.markDisconnected()
		return fmt.Errorf("channel dial: %w", err)
	}

	hello := connectPayload{Token: token, Heartbeat: ch.config.HeartbeatInterval.Milliseconds()}
	if err := writeEnvelope(dialCtx, conn, &Envelope{Type: frameConnect, Payload: mustMarshal(hello)}); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		ch.markDisconnected()
		return fmt.Errorf("channel handshake: %w", err)
	}

	_, data, err := conn.Read(dialCtx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		ch.markDisconnected()
		return fmt.Errorf("channel handshake: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != frameConnected {
		conn.Close(websocket.StatusNormalClosure, "")
		ch.markDisconnected()
		if err != nil {
			return fmt.Errorf("channel handshake: %w", err)
		}
		return fmt.Errorf("channel handshake: expected %q frame, got %q", frameConnected, env.Type)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	ch.mu.Lock()
	if ch.intentionalClose {
		// Disconnect won the race against the handshake; a late success
		// must not resurrect the channel.
		ch.state = StateDisconnected
		ch.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("channel closed during handshake")
	}
	ch.conn = conn
	ch.connCtx = connCtx
	ch.cancelFn = cancel
	ch.state = StateConnected
	topics := make([]string, 0, len(ch.subs))
	for topic := range ch.subs {
		topics = append(topics, topic)
	}
	ch.mu.Unlock()

	ch.log.WithField("state", StateConnected).Debug("channel connected")

	ch.replay(connCtx, conn, topics)

	go ch.readLoop(connCtx, conn)
	go ch.heartbeatLoop(connCtx, conn)
	return nil
}

// replay re-activates every registered topic on a fresh connection. Wire
// subscriptions are idempotent per connection, so repeating this after each
// reconnect never stacks server-side subscriptions.
func (ch *Channel) replay(ctx context.Context, conn *websocket.Conn, topics []string) {
	for _, topic := range topics {
		if err := writeEnvelope(ctx, conn, &Envelope{Type: frameSubscribe, Topic: topic}); err != nil {
			ch.log.WithField("topic", topic).WithError(err).Warn("subscription replay failed")
			return
		}
	}
}

// Disconnect tears the connection down and stops automatic reconnects.
// Registered subscriptions are kept; a later Connect replays them. Safe to
// call when already disconnected.
func (ch *Channel) Disconnect() {
	ch.mu.Lock()
	ch.intentionalClose = true
	conn := ch.conn
	cancel := ch.cancelFn
	ch.conn = nil
	ch.cancelFn = nil
	ch.state = StateDisconnected
	ch.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
}

func (ch *Channel) markDisconnected() {
	ch.mu.Lock()
	ch.state = StateDisconnected
	ch.conn = nil
	ch.mu.Unlock()
}

// ============================================================================
// Read and heartbeat loops
// ============================================================================

func (ch *Channel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ch.mu.Lock()
			intentional := ch.intentionalClose
			current := ch.conn == conn
			var cancel context.CancelFunc
			if current {
				// A stale loop waking late must not touch the cancel
				// handle of a fresher connection.
				ch.state = StateDisconnected
				ch.conn = nil
				cancel = ch.cancelFn
				ch.cancelFn = nil
			}
			ch.mu.Unlock()

			if intentional || !current {
				return
			}
			if cancel != nil {
				cancel()
			}
			ch.log.WithError(err).Warn("channel connection lost, retrying")
			go ch.reconnectLoop()
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			// Malformed frames are dropped; they must never take down the
			// connection or other subscriptions.
			ch.log.WithError(err).Warn("dropping malformed frame")
			continue
		}

		switch env.Type {
		case framePing:
			if err := writeEnvelope(ctx, conn, &Envelope{Type: framePong}); err != nil {
				ch.log.WithError(err).Debug("pong write failed")
			}
		case framePong:
			// Server acknowledged our heartbeat.
		case frameMessage:
			ch.dispatch(env.Topic, env.Payload)
		case frameError:
			ch.log.WithField("payload", string(env.Payload)).Warn("server error frame")
		default:
			ch.log.WithField("type", env.Type).Debug("ignoring unknown frame")
		}
	}
}

func (ch *Channel) dispatch(topic string, payload json.RawMessage) {
	ch.mu.Lock()
	handler := ch.subs[topic]
	ch.mu.Unlock()
	if handler == nil {
		ch.log.WithField("topic", topic).Debug("no subscriber for topic")
		return
	}
	handler(topic, payload)
}

func (ch *Channel) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(ch.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writeEnvelope(ctx, conn, &Envelope{Type: framePing}); err != nil {
				// The read loop notices the broken transport and reconnects.
				conn.Close(websocket.StatusGoingAway, "heartbeat failed")
				return
			}
		}
	}
}

// reconnectLoop retries at the fixed delay until connected or explicitly
// disconnected. Failures are logged, never surfaced: the contract after a
// transport drop is "eventually connected or still trying".
func (ch *Channel) reconnectLoop() {
	for {
		time.Sleep(ch.config.ReconnectDelay)

		ch.mu.Lock()
		if ch.intentionalClose || ch.state != StateDisconnected {
			ch.mu.Unlock()
			return
		}
		att := &connectAttempt{done: make(chan struct{})}
		ch.state = StateConnecting
		ch.attempt = att
		ch.mu.Unlock()

		att.err = ch.dial(context.Background())
		close(att.done)
		if att.err == nil {
			return
		}
		ch.log.WithError(att.err).Warn("reconnect attempt failed")
	}
}

// ============================================================================
// Subscription registry
// ============================================================================

// Subscribe registers a handler for a topic. The registry, not the wire, is
// the source of truth: a subscription made while disconnected is held and
// activated on the next connected transition, and Connect is fired when no
// attempt is underway. Subscribing a topic twice replaces the handler.
func (ch *Channel) Subscribe(topic string, handler Handler) *Subscription {
	if topic == "" || handler == nil {
		ch.log.Warn("subscribe called without topic or handler, ignoring")
		return noopSubscription()
	}

	ch.mu.Lock()
	_, replacing := ch.subs[topic]
	ch.subs[topic] = handler
	state := ch.state
	conn := ch.conn
	connCtx := ch.connCtx
	ch.mu.Unlock()

	switch state {
	case StateConnected:
		if !replacing {
			if err := writeEnvelope(connCtx, conn, &Envelope{Type: frameSubscribe, Topic: topic}); err != nil {
				ch.log.WithField("topic", topic).WithError(err).Warn("subscribe frame failed, will replay on reconnect")
			}
		}
	case StateDisconnected:
		go func() {
			if err := ch.Connect(context.Background()); err != nil {
				ch.log.WithError(err).Warn("deferred connect failed")
			}
		}()
	}

	return &Subscription{release: func() { ch.unsubscribe(topic) }}
}

func (ch *Channel) unsubscribe(topic string) {
	ch.mu.Lock()
	_, ok := ch.subs[topic]
	delete(ch.subs, topic)
	conn := ch.conn
	connCtx := ch.connCtx
	connected := ch.state == StateConnected
	ch.mu.Unlock()

	if ok && connected {
		// Best effort; removal from the registry already guarantees the
		// topic is not replayed.
		if err := writeEnvelope(connCtx, conn, &Envelope{Type: frameUnsubscribe, Topic: topic}); err != nil {
			ch.log.WithField("topic", topic).WithError(err).Debug("unsubscribe frame failed")
		}
	}
}

// SubscribeUserChat subscribes to a user's support chat. An empty user id is
// a caller error and yields a released no-op handle.
func (ch *Channel) SubscribeUserChat(userID string, fn func(ChatEvent)) *Subscription {
	if userID == "" {
		ch.log.Warn("no user identity for chat subscription")
		return noopSubscription()
	}
	return ch.Subscribe(TopicChat(userID), decodeHandler(ch.log, fn))
}

// SubscribeAdminChat subscribes to the administrative broadcast.
func (ch *Channel) SubscribeAdminChat(fn func(ChatEvent)) *Subscription {
	return ch.Subscribe(TopicChatAdmin(), decodeHandler(ch.log, fn))
}

// SubscribeDevice subscribes to a device's realtime consumption readings.
func (ch *Channel) SubscribeDevice(deviceID string, fn func(ConsumptionReading)) *Subscription {
	if deviceID == "" {
		ch.log.Warn("no device identity for consumption subscription")
		return noopSubscription()
	}
	return ch.Subscribe(TopicConsumption(deviceID), decodeHandler(ch.log, fn))
}

// SubscribeDeviceAlerts subscribes to a device's overconsumption alerts.
func (ch *Channel) SubscribeDeviceAlerts(deviceID string, fn func(OverconsumptionAlert)) *Subscription {
	if deviceID == "" {
		ch.log.Warn("no device identity for alert subscription")
		return noopSubscription()
	}
	return ch.Subscribe(TopicDeviceAlerts(deviceID), decodeHandler(ch.log, fn))
}

// decodeHandler adapts a typed callback to the raw Handler, dropping
// payloads that fail to parse.
func decodeHandler[T any](log *logrus.Entry, fn func(T)) Handler {
	return func(topic string, payload json.RawMessage) {
		var v T
		if err := json.Unmarshal(payload, &v); err != nil {
			log.WithField("topic", topic).WithError(err).Warn("dropping unparseable payload")
			return
		}
		fn(v)
	}
}

// ============================================================================
// Publisher
// ============================================================================

// Publish serializes payload and sends it to a destination. When the channel
// is not connected the call is dropped: there is no outbox, and delivery
// assurance comes from the conversation's fallback path instead.
func (ch *Channel) Publish(destination string, payload interface{}) {
	ch.mu.Lock()
	conn := ch.conn
	connCtx := ch.connCtx
	connected := ch.state == StateConnected
	ch.mu.Unlock()

	if !connected {
		ch.log.WithField("destination", destination).Warn("publish while disconnected, dropping")
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		ch.log.WithField("destination", destination).WithError(err).Warn("publish payload marshal failed, dropping")
		return
	}
	env := &Envelope{Type: frameSend, Destination: destination, Payload: body}
	if err := writeEnvelope(connCtx, conn, env); err != nil {
		ch.log.WithField("destination", destination).WithError(err).Warn("publish write failed, dropping")
	}
}

// SendMessage publishes a user chat message to the send destination.
func (ch *Channel) SendMessage(userID, message string) {
	ch.Publish(DestinationSendMessage, SendCommand{UserID: userID, Message: message, Role: RoleUser})
}

// SendAdminMessage publishes an operator reply on a ticket.
func (ch *Channel) SendAdminMessage(ticketID, message string) {
	ch.Publish(DestinationSendMessage, SendCommand{TicketID: ticketID, Message: message, Role: RoleAdmin})
}

// ============================================================================
// Helpers
// ============================================================================

func writeEnvelope(ctx context.Context, conn *websocket.Conn, env *Envelope) error {
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func mustMarshal(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}
