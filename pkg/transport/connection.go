// Package transport carries URL breakpoint hits to the inspector backend
// and backend breakpoint commands back to the agent over a WebSocket.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aivorynet/inspector-go/pkg/capture"
)

// Message types exchanged with the backend.
const (
	TypeRegister      = "register"
	TypeRegistered    = "registered"
	TypeHeartbeat     = "heartbeat"
	TypeError         = "error"
	TypeBreakpointHit = "breakpoint_hit"
	TypeURLBreakpoint = "url_breakpoint"
)

const (
	queueSize         = 100
	maxRedials        = 10
	baseRedialDelay   = time.Second
	maxRedialDelay    = time.Minute
	heartbeatInterval = 30 * time.Second
)

// CommandHandler receives url_breakpoint commands from the backend.
type CommandHandler func(command string, payload json.RawMessage)

type linkState int

const (
	stateDown linkState = iota
	stateDialed
	stateRegistered
)

// Connection keeps a session with the backend open, redialing with
// exponential backoff when it drops. Outbound messages are only queued
// once the backend has acknowledged the register message.
type Connection struct {
	url          string
	apiKey       string
	registration map[string]interface{}
	logger       *zap.Logger

	mu        sync.RWMutex
	conn      *websocket.Conn
	state     linkState
	onCommand CommandHandler

	writeMu sync.Mutex

	redials   int
	rejected  atomic.Bool
	heartbeat time.Duration

	messageQueue chan []byte
	done         chan struct{}
	closeOnce    sync.Once
}

// Message is the envelope of every outbound message.
type Message struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp int64       `json:"timestamp"`
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewConnection creates a connection to url. registration is merged into
// the register message sent after every dial.
func NewConnection(url, apiKey string, registration map[string]interface{}, logger *zap.Logger) *Connection {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connection{
		url:          url,
		apiKey:       apiKey,
		registration: registration,
		logger:       logger.Named("transport"),
		heartbeat:    heartbeatInterval,
		messageQueue: make(chan []byte, queueSize),
		done:         make(chan struct{}),
	}
}

// OnCommand sets the handler for backend breakpoint commands.
func (c *Connection) OnCommand(handler CommandHandler) {
	c.mu.Lock()
	c.onCommand = handler
	c.mu.Unlock()
}

// Connect keeps a session open until ctx is cancelled, Disconnect is
// called, the backend rejects the API key or the redial budget is spent.
func (c *Connection) Connect(ctx context.Context) {
	for !c.stopped(ctx) {
		if err := c.dial(ctx); err != nil {
			c.logger.Debug("dial failed", zap.String("url", c.url), zap.Error(err))

			delay, ok := c.nextRedial()
			if !ok {
				c.logger.Warn("giving up on backend", zap.String("url", c.url), zap.Int("attempts", c.redials))
				return
			}
			c.logger.Debug("redialing", zap.Duration("delay", delay), zap.Int("attempt", c.redials))

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return
			case <-c.done:
				timer.Stop()
				return
			}
			continue
		}

		c.redials = 0
		c.serve(ctx)
	}
}

// Disconnect closes the session and stops Connect. Safe to call more than once.
func (c *Connection) Disconnect() {
	c.closeOnce.Do(func() { close(c.done) })
	c.drop()
}

// SendBreakpointHit queues a breakpoint hit for the backend.
func (c *Connection) SendBreakpointHit(hit *capture.RequestCapture) {
	c.send(TypeBreakpointHit, hit)
}

// IsConnected reports whether the backend has acknowledged registration.
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == stateRegistered
}

func (c *Connection) stopped(ctx context.Context) bool {
	if c.rejected.Load() {
		return true
	}
	select {
	case <-ctx.Done():
		return true
	case <-c.done:
		return true
	default:
		return false
	}
}

// nextRedial doubles the delay from baseRedialDelay up to maxRedialDelay.
func (c *Connection) nextRedial() (time.Duration, bool) {
	if c.rejected.Load() || c.redials >= maxRedials {
		return 0, false
	}
	c.redials++
	delay := baseRedialDelay << (c.redials - 1)
	if delay > maxRedialDelay {
		delay = maxRedialDelay
	}
	return delay, true
}

func (c *Connection) dial(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.apiKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.state = stateDialed
	c.mu.Unlock()
	c.logger.Debug("websocket connected", zap.String("url", c.url))

	data, err := encode(TypeRegister, c.registerPayload())
	if err != nil {
		c.drop()
		return fmt.Errorf("encoding register message: %w", err)
	}
	if err := c.write(conn, data); err != nil {
		c.drop()
		return fmt.Errorf("sending register message: %w", err)
	}
	return nil
}

func (c *Connection) registerPayload() map[string]interface{} {
	payload := make(map[string]interface{}, len(c.registration)+1)
	for k, v := range c.registration {
		payload[k] = v
	}
	payload["api_key"] = c.apiKey
	return payload
}

// drop closes the current session, if any.
func (c *Connection) drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.state = stateDown
}

func (c *Connection) setState(state linkState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

// serve pumps one session until it drops.
func (c *Connection) serve(ctx context.Context) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return
	}

	stop := make(chan struct{})
	defer close(stop)
	inbound := make(chan []byte)
	go c.read(conn, inbound, stop)

	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.drop()
			return
		case <-c.done:
			return
		case data, ok := <-inbound:
			if !ok {
				c.drop()
				return
			}
			c.dispatch(data)
		case <-ticker.C:
			c.send(TypeHeartbeat, map[string]interface{}{
				"timestamp": time.Now().UnixMilli(),
			})
		case data := <-c.messageQueue:
			if c.IsConnected() {
				if err := c.write(conn, data); err != nil {
					c.logger.Debug("write failed", zap.Error(err))
				}
			}
		}
	}
}

func (c *Connection) read(conn *websocket.Conn, inbound chan<- []byte, stop <-chan struct{}) {
	defer close(inbound)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.logger.Debug("read failed", zap.Error(err))
			}
			return
		}
		select {
		case inbound <- data:
		case <-stop:
			return
		}
	}
}

func (c *Connection) dispatch(data []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Debug("discarding malformed message", zap.Error(err))
		return
	}

	switch msg.Type {
	case TypeRegistered:
		c.setState(stateRegistered)
		c.logger.Info("agent registered", zap.String("url", c.url))
	case TypeError:
		c.backendError(msg.Payload)
	case TypeURLBreakpoint:
		c.command(msg.Payload)
	default:
		c.logger.Debug("unhandled message type", zap.String("type", msg.Type))
	}
}

func (c *Connection) command(payload json.RawMessage) {
	var cmd struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(payload, &cmd); err != nil || cmd.Command == "" {
		c.logger.Warn("malformed url_breakpoint message", zap.ByteString("payload", payload), zap.Error(err))
		return
	}

	c.mu.RLock()
	handler := c.onCommand
	c.mu.RUnlock()
	if handler == nil {
		c.logger.Debug("no command handler", zap.String("command", cmd.Command))
		return
	}
	handler(cmd.Command, payload)
}

// backendError logs an error message. A rejected API key ends the session
// for good.
func (c *Connection) backendError(payload json.RawMessage) {
	var e struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &e); err != nil {
		c.logger.Debug("malformed error message", zap.Error(err))
		return
	}
	c.logger.Warn("backend error", zap.String("code", e.Code), zap.String("message", e.Message))

	switch e.Code {
	case "auth_error", "invalid_api_key":
		c.logger.Error("backend rejected the api key, not reconnecting")
		c.rejected.Store(true)
		c.drop()
	}
}

// send queues a message for the session loop. Nothing is queued before
// registration; a full queue loses its oldest message.
func (c *Connection) send(msgType string, payload interface{}) {
	if !c.IsConnected() {
		return
	}
	data, err := encode(msgType, payload)
	if err != nil {
		c.logger.Debug("encoding message", zap.String("type", msgType), zap.Error(err))
		return
	}

	select {
	case c.messageQueue <- data:
		return
	default:
	}
	select {
	case <-c.messageQueue:
	default:
	}
	select {
	case c.messageQueue <- data:
	default:
		c.logger.Debug("queue full, message dropped", zap.String("type", msgType))
	}
}

func (c *Connection) write(conn *websocket.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func encode(msgType string, payload interface{}) ([]byte, error) {
	return json.Marshal(Message{
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	})
}
