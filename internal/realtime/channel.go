// Package realtime maintains the push connection to the chat server.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/status"
	"go.uber.org/zap"
)

// EventReconnectFailed is published when the retry budget is exhausted.
const EventReconnectFailed = "realtime.reconnect_failed"

// Config configures a Channel.
type Config struct {
	URL                  string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	DialTimeout          time.Duration
	HTTPClient           *http.Client
}

func (c *Config) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 15 * time.Second
	}
}

// WebSocketURL derives the ws(s) endpoint from an http(s) server URL.
func WebSocketURL(serverURL, path string) string {
	u := strings.TrimRight(serverURL, "/")
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/" + strings.TrimLeft(path, "/")
}

// Credential gates connection attempts.
type Credential interface {
	Token() string
	Valid() bool
}

// Handler receives typed events.
type Handler func(Event)

// MessageSink persists an incoming message before any handler observes it.
type MessageSink func(ctx context.Context, evt NewMessage) error

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
}

func (r *reconnector) shouldReconnect() bool {
	return r.attempt < r.maxAttempts
}

func (r *reconnector) nextDelay() time.Duration {
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
}

// Channel is a reconnecting WebSocket connection with room membership and
// typed fan-out. Events are dispatched from a single read loop, in the order
// the server sent them.
type Channel struct {
	cfg     Config
	creds   Credential
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	gen              int
	dialing          bool
	reconnecting     bool
	intentionalClose bool
	life             context.Context
	stop             context.CancelFunc
	connCancel       context.CancelFunc
	rooms            map[string]struct{}
	recon            *reconnector
	sink             MessageSink
	wg               sync.WaitGroup
}

// NewChannel creates a disconnected channel.
func NewChannel(cfg Config, creds Credential, m *status.Machine, b *bus.Bus, logger *zap.Logger) *Channel {
	cfg.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		cfg:     cfg,
		creds:   creds,
		machine: m,
		bus:     b,
		logger:  logger.Named("realtime"),
		rooms:   make(map[string]struct{}),
		recon: &reconnector{
			baseDelay:   cfg.ReconnectBaseDelay,
			maxDelay:    cfg.ReconnectMaxDelay,
			maxAttempts: cfg.MaxReconnectAttempts,
		},
	}
}

// SetMessageSink installs the function that caches NEW_MESSAGE payloads.
func (c *Channel) SetMessageSink(s MessageSink) {
	c.mu.Lock()
	c.sink = s
	c.mu.Unlock()
}

// State returns the current connection state.
func (c *Channel) State() status.State {
	return c.machine.Current()
}

// Connect opens the connection. Without a valid credential it does nothing
// and returns nil. A failed attempt is retried in the background when
// auto-reconnect is enabled.
func (c *Channel) Connect(ctx context.Context) error {
	if c.creds == nil || !c.creds.Valid() {
		c.logger.Debug("no valid credential, skipping connect")
		return nil
	}

	c.mu.Lock()
	if c.conn != nil || c.dialing || c.reconnecting {
		c.mu.Unlock()
		return nil
	}
	c.intentionalClose = false
	if c.life == nil {
		c.life, c.stop = context.WithCancel(context.Background())
	}
	life := c.life
	c.recon.reset()
	c.mu.Unlock()

	if err := c.open(ctx, life); err != nil {
		c.logger.Warn("connect failed", zap.Error(err))
		if c.cfg.AutoReconnect {
			c.scheduleReconnect(life)
		}
		return err
	}
	return nil
}

// open dials once and, on success, starts the read and heartbeat loops.
func (c *Channel) open(ctx context.Context, life context.Context) error {
	c.mu.Lock()
	if c.conn != nil || c.dialing {
		c.mu.Unlock()
		return nil
	}
	c.dialing = true
	c.mu.Unlock()

	_ = c.machine.Transition(status.Connecting)

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	stopAbort := context.AfterFunc(life, cancel)
	header := http.Header{}
	if token := c.creds.Token(); token != "" {
		header.Set("Cookie", "token="+token)
	}
	conn, _, err := websocket.Dial(dialCtx, c.cfg.URL, &websocket.DialOptions{
		HTTPHeader: header,
		HTTPClient: c.cfg.HTTPClient,
	})
	stopAbort()
	cancel()

	c.mu.Lock()
	c.dialing = false
	if err != nil {
		c.mu.Unlock()
		_ = c.machine.Transition(status.Disconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}
	if c.intentionalClose {
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
		c.machine.Reset()
		return nil
	}
	c.conn = conn
	c.gen++
	gen := c.gen
	connCtx, connCancel := context.WithCancel(life)
	c.connCancel = connCancel
	c.reconnecting = false
	c.recon.reset()
	rooms := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		rooms = append(rooms, id)
	}
	c.mu.Unlock()

	_ = c.machine.Transition(status.Connected)
	c.logger.Info("connected", zap.String("url", c.cfg.URL), zap.Int("rooms", len(rooms)))

	for _, id := range rooms {
		c.write(connCtx, conn, EventJoinChat, roomPayload{ChatID: id})
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.readLoop(connCtx, conn, gen)
	}()
	if c.cfg.HeartbeatInterval > 0 {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.heartbeatLoop(connCtx, conn)
		}()
	}
	return nil
}

// Disconnect closes the connection and stops reconnecting until the next Connect.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.intentionalClose = true
	conn := c.conn
	c.conn = nil
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	if c.stop != nil {
		c.stop()
		c.stop = nil
		c.life = nil
	}
	c.rooms = make(map[string]struct{})
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if c.machine.Reset() {
		c.logger.Info("disconnected")
	}
}

// Wait blocks until background loops started by this channel have exited.
func (c *Channel) Wait() {
	c.wg.Wait()
}

type roomPayload struct {
	ChatID string `json:"chatId"`
}

// JoinChat subscribes to a chat's room. Joined rooms are re-joined after a reconnect.
func (c *Channel) JoinChat(ctx context.Context, chatID string) {
	c.mu.Lock()
	c.rooms[chatID] = struct{}{}
	c.mu.Unlock()
	c.Send(ctx, EventJoinChat, roomPayload{ChatID: chatID})
}

// LeaveChat unsubscribes from a chat's room.
func (c *Channel) LeaveChat(ctx context.Context, chatID string) {
	c.mu.Lock()
	delete(c.rooms, chatID)
	c.mu.Unlock()
	c.Send(ctx, EventLeaveChat, roomPayload{ChatID: chatID})
}

// StartTyping tells members of chatID that the user is typing.
func (c *Channel) StartTyping(ctx context.Context, chatID string) {
	c.Send(ctx, EventStartTyping, roomPayload{ChatID: chatID})
}

// StopTyping tells members of chatID that the user stopped typing.
func (c *Channel) StopTyping(ctx context.Context, chatID string) {
	c.Send(ctx, EventStopTyping, roomPayload{ChatID: chatID})
}

// Send writes an event frame. When not connected it logs a warning and does nothing.
func (c *Channel) Send(ctx context.Context, name EventName, payload any) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		c.logger.Warn("send while disconnected", zap.String("event", string(name)))
		return
	}
	c.write(ctx, conn, name, payload)
}

func (c *Channel) write(ctx context.Context, conn *websocket.Conn, name EventName, payload any) {
	frame := struct {
		Event EventName `json:"event"`
		Data  any       `json:"data,omitempty"`
	}{name, payload}
	if err := wsjson.Write(ctx, conn, frame); err != nil {
		c.logger.Warn("send failed", zap.String("event", string(name)), zap.Error(err))
	}
}

// On registers h for events named name and returns a function that removes it.
func (c *Channel) On(name EventName, h Handler) func() {
	return c.bus.On(BusKind(name), func(e bus.Event) {
		if evt, ok := e.Payload.(Event); ok {
			h(evt)
		}
	})
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn, gen int) {
	for {
		var env envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			c.handleDrop(gen, err)
			return
		}
		evt, err := Decode(env.Event, env.Data)
		if err != nil {
			c.logger.Warn("dropping event", zap.String("event", string(env.Event)), zap.Error(err))
			continue
		}
		c.dispatch(ctx, evt)
	}
}

// dispatch caches NEW_MESSAGE payloads through the sink, then fans out.
func (c *Channel) dispatch(ctx context.Context, evt Event) {
	if nm, ok := evt.(NewMessage); ok {
		c.mu.Lock()
		sink := c.sink
		c.mu.Unlock()
		if sink != nil {
			if err := sink(ctx, nm); err != nil {
				c.logger.Error("failed to cache incoming message",
					zap.String("chat_id", nm.ChatID),
					zap.String("msg_id", nm.Message.ID),
					zap.Error(err))
			}
		}
	}
	c.bus.Publish(bus.NewEvent(BusKind(evt.Name()), evt))
}

func (c *Channel) handleDrop(gen int, err error) {
	c.mu.Lock()
	if c.intentionalClose || gen != c.gen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	life := c.life
	c.mu.Unlock()

	_ = c.machine.Transition(status.Disconnected)
	c.logger.Warn("connection lost", zap.Error(err))
	if c.cfg.AutoReconnect {
		c.scheduleReconnect(life)
	}
}

func (c *Channel) scheduleReconnect(life context.Context) {
	c.mu.Lock()
	if c.reconnecting || life == nil || c.intentionalClose {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.reconnectLoop(life)
	}()
}

func (c *Channel) reconnectLoop(life context.Context) {
	done := func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}
	for {
		c.mu.Lock()
		if !c.recon.shouldReconnect() {
			attempts := c.recon.attempt
			c.reconnecting = false
			c.mu.Unlock()
			c.logger.Error("giving up reconnecting", zap.Int("attempts", attempts))
			c.bus.Publish(bus.NewEvent(EventReconnectFailed, attempts))
			return
		}
		delay := c.recon.nextDelay()
		attempt := c.recon.attempt
		c.mu.Unlock()

		c.logger.Info("reconnecting", zap.Int("attempt", attempt), zap.Duration("delay", delay))
		timer := time.NewTimer(delay)
		select {
		case <-life.Done():
			timer.Stop()
			done()
			return
		case <-timer.C:
		}

		if !c.creds.Valid() {
			c.logger.Info("credential gone, stop reconnecting")
			done()
			return
		}
		err := c.open(life, life)
		if err == nil {
			c.mu.Lock()
			connected := c.conn != nil
			c.mu.Unlock()
			if connected || errors.Is(life.Err(), context.Canceled) {
				done()
				return
			}
			continue
		}
		c.logger.Warn("reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
	}
}

func (c *Channel) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Warn("heartbeat failed", zap.Error(err))
				_ = conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}
