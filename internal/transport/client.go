// Package transport owns the household relay connection: a WebSocket for realtime traffic and an
// HTTP endpoint for retried pushes.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	gorilla "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/nestlog/internal/protocol"
	"github.com/MarcoPoloResearchLab/nestlog/internal/timer"
)

const (
	DefaultMaxAttempts    = 3
	DefaultRetryDelay     = time.Second
	DefaultReconnectDelay = 3 * time.Second
	DefaultDialTimeout    = 10 * time.Second
	DefaultWriteTimeout   = 5 * time.Second

	syncPath           = "/sync"
	queryHousehold     = "household"
	queryDevice        = "device"
	querySince         = "since"
	contentTypeJSON    = "application/json"
	headerContentType  = "Content-Type"
	closeMessageReason = "client disconnect"
)

var (
	errMissingHousehold = errors.New("household id is required")
	errMissingWSURL     = errors.New("websocket base url is required")
	errMissingHTTPURL   = errors.New("http base url is required")
	noOpLogger          = zap.NewNop()
)

// WebSocketDialer opens relay sockets. *websocket.Dialer satisfies it.
type WebSocketDialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*gorilla.Conn, *http.Response, error)
}

// HTTPDoer executes push requests. *http.Client satisfies it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config wires a Client. Zero durations and counts fall back to the package defaults.
type Config struct {
	HTTPBaseURL    string
	WSBaseURL      string
	DeviceID       string
	MaxAttempts    int
	RetryDelay     time.Duration
	ReconnectDelay time.Duration
	DialTimeout    time.Duration
	WriteTimeout   time.Duration
	HTTPClient     HTTPDoer
	Dialer         WebSocketDialer
	Scheduler      timer.Scheduler
	// Online reports whether the device believes it has a network path. Nil means always online.
	Online func() bool
	// Cursor returns the last relay seq applied, read on every dial. Nil replays the whole log.
	Cursor func() int64
	Logger *zap.Logger
}

// Client maintains at most one relay socket and performs HTTP pushes.
type Client struct {
	httpBaseURL    string
	wsBaseURL      string
	deviceID       string
	maxAttempts    int
	retryDelay     time.Duration
	reconnectDelay time.Duration
	dialTimeout    time.Duration
	writeTimeout   time.Duration
	httpClient     HTTPDoer
	dialer         WebSocketDialer
	scheduler      timer.Scheduler
	online         func() bool
	cursor         func() int64
	logger         *zap.Logger

	mu          sync.Mutex
	state       State
	householdID string
	conn        *gorilla.Conn
	generation  uint64
	reconnect   timer.Timer
	onMessage   func(protocol.Envelope)
	onState     func(State)

	// writeLock serialises socket writes; gorilla allows one concurrent writer.
	writeLock sync.Mutex
}

// NewClient validates the configuration and returns a disconnected Client.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		return nil, errMissingWSURL
	}
	if _, err := url.Parse(cfg.WSBaseURL); err != nil {
		return nil, fmt.Errorf("parse websocket base url: %w", err)
	}
	if strings.TrimSpace(cfg.HTTPBaseURL) == "" {
		return nil, errMissingHTTPURL
	}
	if _, err := url.Parse(cfg.HTTPBaseURL); err != nil {
		return nil, fmt.Errorf("parse http base url: %w", err)
	}

	client := &Client{
		httpBaseURL:    strings.TrimRight(cfg.HTTPBaseURL, "/"),
		wsBaseURL:      cfg.WSBaseURL,
		deviceID:       cfg.DeviceID,
		maxAttempts:    cfg.MaxAttempts,
		retryDelay:     cfg.RetryDelay,
		reconnectDelay: cfg.ReconnectDelay,
		dialTimeout:    cfg.DialTimeout,
		writeTimeout:   cfg.WriteTimeout,
		httpClient:     cfg.HTTPClient,
		dialer:         cfg.Dialer,
		scheduler:      timer.OrReal(cfg.Scheduler),
		online:         cfg.Online,
		cursor:         cfg.Cursor,
		logger:         cfg.Logger,
		state:          StateDisconnected,
	}
	if client.maxAttempts <= 0 {
		client.maxAttempts = DefaultMaxAttempts
	}
	if client.retryDelay <= 0 {
		client.retryDelay = DefaultRetryDelay
	}
	if client.reconnectDelay <= 0 {
		client.reconnectDelay = DefaultReconnectDelay
	}
	if client.dialTimeout <= 0 {
		client.dialTimeout = DefaultDialTimeout
	}
	if client.writeTimeout <= 0 {
		client.writeTimeout = DefaultWriteTimeout
	}
	if client.httpClient == nil {
		client.httpClient = &http.Client{Timeout: client.dialTimeout}
	}
	if client.dialer == nil {
		client.dialer = &gorilla.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: client.dialTimeout,
		}
	}
	if client.online == nil {
		client.online = func() bool { return true }
	}
	if client.cursor == nil {
		client.cursor = func() int64 { return 0 }
	}
	if client.logger == nil {
		client.logger = noOpLogger
	}
	return client, nil
}

// OnMessage registers the inbound envelope callback. It runs on the socket reader goroutine.
func (c *Client) OnMessage(handler func(protocol.Envelope)) {
	c.mu.Lock()
	c.onMessage = handler
	c.mu.Unlock()
}

// OnStateChange registers a callback invoked after every state transition.
func (c *Client) OnStateChange(handler func(State)) {
	c.mu.Lock()
	c.onState = handler
	c.mu.Unlock()
}

// State returns the current socket state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// HouseholdID returns the household the client is connected or connecting to.
func (c *Client) HouseholdID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.householdID
}

// Connect opens a socket for the household. It is a no-op while already connecting or connected to
// the same household; a different household replaces the current socket.
func (c *Client) Connect(householdID string) error {
	householdID = strings.TrimSpace(householdID)
	if householdID == "" {
		return errMissingHousehold
	}

	c.mu.Lock()
	if c.state != StateDisconnected && c.householdID == householdID {
		c.mu.Unlock()
		return nil
	}
	stale := c.detachLocked()
	generation, err := c.beginConnectLocked(householdID)
	c.mu.Unlock()
	if stale != nil {
		c.closeConn(stale)
	}
	if err != nil {
		return err
	}

	c.notifyState(StateConnecting)
	go c.dial(generation, householdID)
	return nil
}

// Disconnect closes the socket, cancels any reconnect timer, and forgets the household. It is idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	previous := c.state
	conn := c.detachLocked()
	c.householdID = ""
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		c.closeConn(conn)
	}
	if previous != StateDisconnected {
		c.logger.Info("relay socket disconnected", zap.String("device_id", c.deviceID))
		c.notifyState(StateDisconnected)
	}
}

// Close is an alias for Disconnect.
func (c *Client) Close() {
	c.Disconnect()
}

// Send writes the envelope to the open socket without waiting for any acknowledgment.
func (c *Client) Send(envelope protocol.Envelope) bool {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return false
	}

	frame, err := envelope.Encode()
	if err != nil {
		c.logger.Warn("envelope encode failed", zap.String("kind", envelope.Kind.String()), zap.Error(err))
		return false
	}

	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		c.logger.Warn("socket write deadline failed", zap.Error(err))
		return false
	}
	if err := conn.WriteMessage(gorilla.TextMessage, frame); err != nil {
		c.logger.Warn("socket send failed",
			zap.String("kind", envelope.Kind.String()),
			zap.String("household_id", envelope.HouseholdID),
			zap.Error(err))
		return false
	}
	return true
}

// Push posts the envelope to the relay, retrying with linearly increasing delays. It reports false once
// every attempt failed or ctx was cancelled; it never returns an error.
func (c *Client) Push(ctx context.Context, envelope protocol.Envelope) bool {
	frame, err := envelope.Encode()
	if err != nil {
		c.logger.Warn("envelope encode failed", zap.String("kind", envelope.Kind.String()), zap.Error(err))
		return false
	}

	retryer := NewLinearRetryer(c.retryDelay, c.maxAttempts)
	for attempt := 0; ; attempt++ {
		lastErr := c.postOnce(ctx, frame)
		if lastErr == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		delay, retry := retryer.NextDelay(attempt, lastErr)
		if !retry {
			c.logger.Warn("push attempts exhausted",
				zap.String("kind", envelope.Kind.String()),
				zap.String("household_id", envelope.HouseholdID),
				zap.Int("attempt", attempt+1),
				zap.Error(lastErr))
			return false
		}
		c.logger.Debug("push attempt failed",
			zap.String("kind", envelope.Kind.String()),
			zap.Int("attempt", attempt+1),
			zap.Duration("retry_in", delay),
			zap.Error(lastErr))
		if !c.scheduler.Sleep(ctx.Done(), delay) {
			return false
		}
	}
}

func (c *Client) postOnce(ctx context.Context, frame []byte) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.httpBaseURL+syncPath, bytes.NewReader(frame))
	if err != nil {
		return err
	}
	request.Header.Set(headerContentType, contentTypeJSON)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	_, _ = io.Copy(io.Discard, response.Body)

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("relay responded %d", response.StatusCode)
	}
	return nil
}

func (c *Client) dial(generation uint64, householdID string) {
	target, err := c.socketURL(householdID)
	if err != nil {
		c.failDial(generation, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.dialTimeout)
	defer cancel()
	conn, response, err := c.dialer.DialContext(ctx, target, nil)
	if response != nil && response.Body != nil {
		_ = response.Body.Close()
	}
	if err != nil {
		c.failDial(generation, err)
		return
	}

	c.mu.Lock()
	if generation != c.generation {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	if err := c.transitionLocked(StateConnected); err != nil {
		c.mu.Unlock()
		_ = conn.Close()
		c.logger.Error("socket state transition rejected", zap.Error(err))
		return
	}
	c.conn = conn
	c.mu.Unlock()

	c.logger.Info("relay socket connected",
		zap.String("household_id", householdID),
		zap.String("device_id", c.deviceID))
	c.notifyState(StateConnected)
	go c.readLoop(generation, conn)
}

func (c *Client) failDial(generation uint64, err error) {
	c.mu.Lock()
	if generation != c.generation {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	c.scheduleReconnectLocked()
	c.mu.Unlock()

	c.logger.Warn("relay socket dial failed", zap.String("device_id", c.deviceID), zap.Error(err))
	c.notifyState(StateDisconnected)
}

func (c *Client) readLoop(generation uint64, conn *gorilla.Conn) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			c.handleDrop(generation, conn, err)
			return
		}
		envelope, err := protocol.Decode(frame)
		if err != nil {
			c.logger.Warn("malformed inbound message dropped", zap.Int("bytes", len(frame)), zap.Error(err))
			continue
		}
		c.mu.Lock()
		handler := c.onMessage
		c.mu.Unlock()
		if handler != nil {
			handler(envelope)
		}
	}
}

func (c *Client) handleDrop(generation uint64, conn *gorilla.Conn, cause error) {
	c.mu.Lock()
	if generation != c.generation {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = StateDisconnected
	c.scheduleReconnectLocked()
	c.mu.Unlock()

	_ = conn.Close()
	c.logger.Warn("relay socket closed", zap.String("device_id", c.deviceID), zap.Error(cause))
	c.notifyState(StateDisconnected)
}

// scheduleReconnectLocked arms the single reconnect timer when a household is set and the device is online.
func (c *Client) scheduleReconnectLocked() {
	if c.reconnect != nil || c.householdID == "" || !c.online() {
		return
	}
	generation := c.generation
	c.reconnect = c.scheduler.AfterFunc(c.reconnectDelay, func() {
		c.fireReconnect(generation)
	})
}

func (c *Client) fireReconnect(generation uint64) {
	c.mu.Lock()
	if generation != c.generation || c.reconnect == nil {
		c.mu.Unlock()
		return
	}
	c.reconnect = nil
	householdID := c.householdID
	if c.state != StateDisconnected || householdID == "" || !c.online() {
		c.mu.Unlock()
		return
	}
	next, err := c.beginConnectLocked(householdID)
	c.mu.Unlock()
	if err != nil {
		c.logger.Error("reconnect rejected", zap.Error(err))
		return
	}

	c.logger.Info("relay socket reconnecting", zap.String("household_id", householdID))
	c.notifyState(StateConnecting)
	go c.dial(next, householdID)
}

func (c *Client) beginConnectLocked(householdID string) (uint64, error) {
	if err := c.transitionLocked(StateConnecting); err != nil {
		return 0, err
	}
	c.generation++
	c.householdID = householdID
	return c.generation, nil
}

// detachLocked invalidates in-flight dials and reader loops, cancels the reconnect timer, and hands
// back the open socket for closing outside the lock.
func (c *Client) detachLocked() *gorilla.Conn {
	c.generation++
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	conn := c.conn
	c.conn = nil
	return conn
}

func (c *Client) transitionLocked(next State) error {
	if err := c.state.validateTransitionTo(next); err != nil {
		return err
	}
	c.state = next
	return nil
}

func (c *Client) closeConn(conn *gorilla.Conn) {
	deadline := time.Now().Add(c.writeTimeout)
	message := gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, closeMessageReason)
	if err := conn.WriteControl(gorilla.CloseMessage, message, deadline); err != nil {
		c.logger.Debug("socket close message failed", zap.Error(err))
	}
	_ = conn.Close()
}

func (c *Client) notifyState(state State) {
	c.mu.Lock()
	handler := c.onState
	c.mu.Unlock()
	if handler != nil {
		handler(state)
	}
}

func (c *Client) socketURL(householdID string) (string, error) {
	parsed, err := url.Parse(c.wsBaseURL)
	if err != nil {
		return "", err
	}
	query := parsed.Query()
	query.Set(queryHousehold, householdID)
	if c.deviceID != "" {
		query.Set(queryDevice, c.deviceID)
	}
	if since := c.cursor(); since > 0 {
		query.Set(querySince, strconv.FormatInt(since, 10))
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
