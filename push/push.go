/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package push is the websocket client for a chat room's push channel.
// It keeps one connection per room alive with ping/pong, reconnects with
// exponential backoff after abnormal closures, and dispatches typed
// envelopes to registered handlers in arrival order.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tejzpr/roomcall-go-sdk/chatsdk"
	"github.com/tejzpr/roomcall-go-sdk/metrics"
)

// Envelope types sent by the backend.
const (
	TypeCallNotification = "call_notification"
	TypeCallStatusUpdate = "call_status_update"
	TypeWebRTCSignal     = "webrtc_signal"
	TypeTest             = "test"
	TypeTestResponse     = "test_response"
)

// ErrAlreadyConnecting is returned by Connect while another attempt is running.
var ErrAlreadyConnecting = errors.New("connection attempt already in progress")

// ErrNotConnected is returned by Send when no connection is open.
var ErrNotConnected = errors.New("push channel is not connected")

// Config holds the configuration for the push channel client
type Config struct {
	PingInterval     time.Duration // Interval between ping frames
	PongTimeout      time.Duration // Timeout for receiving a pong response
	HandshakeTimeout time.Duration // Websocket handshake timeout
	BackoffTimeReset time.Duration // Initial time before the first retry
	BackoffTimeMax   time.Duration // Maximum time between connection attempts
	MaxRetries       int           // Number of retries before degrading

	// Username is sent in the diagnostic test message after each open.
	Username string

	Logger  *zerolog.Logger
	Metrics *metrics.Metrics
}

// DefaultConfig returns the default configuration for the push channel client
func DefaultConfig() *Config {
	return &Config{
		PingInterval:     30 * time.Second,
		PongTimeout:      10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		BackoffTimeReset: 1 * time.Second,
		BackoffTimeMax:   30 * time.Second,
		MaxRetries:       5,
	}
}

// TransportError reports that the push channel could not be established.
// Callers fall back to polling; it is not fatal to a call.
type TransportError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("push channel %s unavailable after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err is a TransportError.
func IsTransport(err error) bool {
	var e *TransportError
	return errors.As(err, &e)
}

// Envelope is one frame received from the push channel. Only the fields
// relevant to its Type are populated.
type Envelope struct {
	Type       string          `json:"type"`
	CallID     chatsdk.ID      `json:"call_id,omitempty"`
	CallData   json.RawMessage `json:"call_data,omitempty"`
	StatusData json.RawMessage `json:"status_data,omitempty"`
	Signals    json.RawMessage `json:"signals,omitempty"`
	Message    string          `json:"message,omitempty"`

	Raw []byte `json:"-"`
}

// Handler handles one envelope. Handlers run on the read goroutine, so a
// slow handler delays the frames behind it.
type Handler func(env *Envelope)

// Dialer abstracts websocket.Dialer for tests.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Client is the push channel client for one chat room
type Client struct {
	url    string
	header http.Header
	config *Config
	dialer Dialer
	logger zerolog.Logger

	mu           sync.Mutex
	writeMu      sync.Mutex
	conn         *websocket.Conn
	connected    bool
	connecting   bool
	degraded     bool
	closed       bool
	handlers     map[string][]Handler
	onDegraded   []func(error)
	onReconnect  []func()
	closeCh      chan struct{}
	retryCount   int
	lastPongUnix int64
}

// New creates a push client for the websocket URL. header carries the
// session cookie for the handshake.
func New(wsURL string, header http.Header, config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = *config.Logger
	}

	return &Client{
		url:    wsURL,
		header: header,
		config: config,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.HandshakeTimeout,
		},
		logger:   logger.With().Str("module", "push").Str("url", wsURL).Logger(),
		handlers: make(map[string][]Handler),
		closeCh:  make(chan struct{}),
	}
}

// NewForRoom creates a push client for a room using the core client's base
// URL and session headers.
func NewForRoom(core *chatsdk.Client, roomID chatsdk.ID, config *Config) *Client {
	return New(core.WebSocketURL(roomID), core.Header(), config)
}

// SetDialer replaces the websocket dialer.
func (c *Client) SetDialer(d Dialer) {
	c.mu.Lock()
	c.dialer = d
	c.mu.Unlock()
}

// On registers a handler for an envelope type. "*" receives every envelope.
func (c *Client) On(envType string, handler Handler) {
	if handler == nil {
		return
	}
	c.mu.Lock()
	c.handlers[envType] = append(c.handlers[envType], handler)
	c.mu.Unlock()
}

// OnDegraded registers a callback invoked once when reconnection is exhausted.
func (c *Client) OnDegraded(fn func(error)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.onDegraded = append(c.onDegraded, fn)
	c.mu.Unlock()
}

// OnReconnect registers a callback invoked after a successful reconnect.
func (c *Client) OnReconnect(fn func()) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.onReconnect = append(c.onReconnect, fn)
	c.mu.Unlock()
}

// IsConnected returns whether the push channel is open
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// IsDegraded reports whether reconnection was exhausted.
func (c *Client) IsDegraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

// LastPong returns when the last pong was received, or the zero time.
func (c *Client) LastPong() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastPongUnix == 0 {
		return time.Time{}
	}
	return time.UnixMilli(c.lastPongUnix)
}

// Connect opens the push channel, retrying with exponential backoff. It is
// safe to call repeatedly: an open channel returns nil.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	if c.connecting {
		c.mu.Unlock()
		return ErrAlreadyConnecting
	}
	if c.closed {
		c.closed = false
		c.closeCh = make(chan struct{})
	}
	c.connecting = true
	c.degraded = false
	closeCh := c.closeCh
	c.mu.Unlock()

	err := c.connectWithBackoff(ctx, closeCh)
	if err != nil {
		c.mu.Lock()
		c.degraded = true
		c.mu.Unlock()
	}
	return err
}

// connectWithBackoff attempts to connect with exponential backoff
func (c *Client) connectWithBackoff(ctx context.Context, closeCh chan struct{}) error {
	c.retryCount = 0
	backoff := c.config.BackoffTimeReset

	var err error
	for {
		err = c.attemptConnection(ctx, closeCh)
		if err == nil {
			return nil
		}

		c.retryCount++
		if c.retryCount > c.config.MaxRetries {
			break
		}

		c.logger.Warn().Err(err).Int("attempt", c.retryCount).Dur("backoff", backoff).Msg("push connect failed")

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
			backoff *= 2
			if backoff > c.config.BackoffTimeMax {
				backoff = c.config.BackoffTimeMax
			}
		case <-ctx.Done():
			timer.Stop()
			c.setConnecting(false)
			return &TransportError{URL: c.url, Attempts: c.retryCount, Err: ctx.Err()}
		case <-closeCh:
			timer.Stop()
			c.setConnecting(false)
			return &TransportError{URL: c.url, Attempts: c.retryCount, Err: errors.New("closed by client")}
		}
	}

	c.setConnecting(false)
	return &TransportError{URL: c.url, Attempts: c.retryCount, Err: err}
}

func (c *Client) setConnecting(v bool) {
	c.mu.Lock()
	c.connecting = v
	c.mu.Unlock()
}

// attemptConnection makes a single connection attempt
func (c *Client) attemptConnection(ctx context.Context, closeCh chan struct{}) error {
	c.mu.Lock()
	dialer := c.dialer
	c.mu.Unlock()

	conn, _, err := dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		return fmt.Errorf("failed to connect to websocket: %w", err)
	}

	conn.SetPongHandler(c.handlePong)

	c.mu.Lock()
	if c.closed {
		c.connecting = false
		c.mu.Unlock()
		conn.Close()
		return errors.New("closed by client")
	}
	c.conn = conn
	c.connected = true
	c.connecting = false
	c.mu.Unlock()

	c.logger.Info().Msg("push channel connected")

	done := make(chan struct{})
	go c.listen(conn, closeCh, done)
	go c.startPingPong(conn, closeCh, done)

	// diagnostic frame; the backend answers with test_response
	if err := c.Send(map[string]interface{}{
		"type":      TypeTest,
		"message":   "connection test",
		"username":  c.config.Username,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		c.logger.Debug().Err(err).Msg("diagnostic message not sent")
	}

	return nil
}

// Send writes v as one JSON text frame.
func (c *Client) Send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal push message: %w", err)
	}

	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()
	if conn == nil || !connected {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Close closes the channel with a normal closure and stops reconnecting.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.closeCh)
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		return conn.Close()
	}
	return nil
}

// listen reads frames until the connection fails
func (c *Client) listen(conn *websocket.Conn, closeCh chan struct{}, done chan struct{}) {
	defer close(done)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			c.handleConnectionError(conn, closeCh, err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.logger.Debug().Err(err).Msg("ignoring malformed frame")
			continue
		}
		env.Raw = message
		c.dispatch(&env)
	}
}

// dispatch runs the handlers registered for the envelope type, then the
// wildcard handlers. Frames without a type (plain chat messages) only reach
// wildcard handlers.
func (c *Client) dispatch(env *Envelope) {
	c.mu.Lock()
	handlers := append([]Handler(nil), c.handlers[env.Type]...)
	handlers = append(handlers, c.handlers["*"]...)
	c.mu.Unlock()

	for _, h := range handlers {
		c.safeCall(h, env)
	}
}

func (c *Client) safeCall(h Handler, env *Envelope) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Str("type", env.Type).Msg("push handler panicked")
		}
	}()
	h(env)
}

// handleConnectionError decides whether a read failure warrants a reconnect
func (c *Client) handleConnectionError(conn *websocket.Conn, closeCh chan struct{}, err error) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.connected = false
	}
	closed := c.closed
	c.mu.Unlock()
	conn.Close()

	if closed {
		return
	}
	select {
	case <-closeCh:
		return
	default:
	}

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Info().Err(err).Msg("push channel closed normally")
		return
	}

	c.logger.Warn().Err(err).Msg("push channel lost, reconnecting")
	go c.reconnect(closeCh)
}

// reconnect re-establishes the connection; exhaustion degrades the client
func (c *Client) reconnect(closeCh chan struct{}) {
	c.mu.Lock()
	if c.connected || c.connecting || c.closed {
		c.mu.Unlock()
		return
	}
	c.connecting = true
	c.mu.Unlock()

	c.config.Metrics.PushReconnected()

	err := c.connectWithBackoff(context.Background(), closeCh)

	c.mu.Lock()
	if err == nil {
		callbacks := append([]func(){}, c.onReconnect...)
		c.mu.Unlock()
		for _, fn := range callbacks {
			fn()
		}
		return
	}
	if c.closed || c.degraded {
		c.mu.Unlock()
		return
	}
	c.degraded = true
	callbacks := append([]func(error){}, c.onDegraded...)
	c.mu.Unlock()

	c.logger.Error().Err(err).Msg("push channel degraded")
	for _, fn := range callbacks {
		fn(err)
	}
}

// startPingPong keeps the connection alive
func (c *Client) startPingPong(conn *websocket.Conn, closeCh chan struct{}, done chan struct{}) {
	if c.config.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.ping(conn); err != nil {
				c.logger.Debug().Err(err).Msg("ping failed")
				conn.Close()
				return
			}
		case <-closeCh:
			return
		case <-done:
			return
		}
	}
}

// ping sends a ping frame and arms the pong deadline
func (c *Client) ping(conn *websocket.Conn) error {
	if c.config.PongTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(c.config.PongTimeout)); err != nil {
			return err
		}
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteControl(websocket.PingMessage,
		[]byte(fmt.Sprintf("%d", time.Now().UnixMilli())),
		time.Now().Add(c.config.HandshakeTimeout+time.Second))
}

// handlePong clears the read deadline set by ping
func (c *Client) handlePong(string) error {
	c.mu.Lock()
	conn := c.conn
	c.lastPongUnix = time.Now().UnixMilli()
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.SetReadDeadline(time.Time{})
}
