package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/studysync/go/internal/events"
	"github.com/mcdev12/studysync/go/internal/metrics"
)

const transportWebSocket = "websocket"

var (
	ErrNotConnected     = errors.New("push channel not connected")
	ErrAlreadyConnected = errors.New("push channel already connected")
)

// Config holds configuration for the websocket push channel
type Config struct {
	URL               string
	Header            http.Header
	WriteTimeout      time.Duration
	PongTimeout       time.Duration
	PingInterval      time.Duration
	MaxMessageSize    int64
	SendBufferSize    int
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	HandshakeTimeout  time.Duration
}

// DefaultConfig returns default websocket configuration
func DefaultConfig() Config {
	return Config{
		URL:               "ws://localhost:5000/ws",
		WriteTimeout:      10 * time.Second,
		PongTimeout:       60 * time.Second,
		PingInterval:      30 * time.Second,
		MaxMessageSize:    64 * 1024,
		SendBufferSize:    256,
		ReconnectAttempts: 5,
		ReconnectDelay:    time.Second,
		HandshakeTimeout:  10 * time.Second,
	}
}

// Conn is an explicitly owned websocket connection to the realtime server.
// It authenticates on every (re)connect and raises events.ConnectedPayload locally. When
// reconnect attempts run out it raises events.ConnectionLostPayload and may be connected
// again. Disconnect closes its subscribers for good.
type Conn struct {
	cfg      Config
	dialer   *websocket.Dialer
	clock    clockwork.Clock
	metrics  metrics.Collector
	dispatch *Dispatcher

	mu        sync.Mutex
	userID    string
	ws        *websocket.Conn
	send      chan []byte
	cancel    context.CancelFunc
	done      chan struct{}
	connected bool
}

// NewConn creates a disconnected channel.
func NewConn(cfg Config, clock clockwork.Clock, m metrics.Collector) *Conn {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if m == nil {
		m = metrics.NoOp{}
	}
	return &Conn{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		clock:    clock,
		metrics:  m,
		dispatch: NewDispatcher(transportWebSocket),
	}
}

// Subscribe implements Channel.
func (c *Conn) Subscribe(buffer int) (<-chan events.Event, func()) {
	return c.dispatch.Subscribe(buffer)
}

// Connected reports whether a live socket is attached.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect dials the server as userID and keeps the connection alive until Disconnect
// or ctx is cancelled. The first dial is synchronous.
func (c *Conn) Connect(ctx context.Context, userID string) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.mu.Unlock()

	ws, err := c.dial(ctx, userID)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	c.mu.Lock()
	c.userID = userID
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	go c.supervise(runCtx, ws, done)

	log.Info().
		Str("url", c.cfg.URL).
		Str("user_id", userID).
		Msg("push channel connected")
	return nil
}

// Disconnect closes the socket, stops reconnecting and detaches all subscribers.
func (c *Conn) Disconnect() error {
	c.mu.Lock()
	cancel, done, ws := c.cancel, c.done, c.ws
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		c.dispatch.Close()
		return nil
	}
	if ws != nil {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.cfg.WriteTimeout))
	}
	cancel()
	<-done

	c.dispatch.Close()
	log.Info().Msg("push channel disconnected")
	return nil
}

// Emit sends an event to the server. It fails fast while disconnected.
func (c *Conn) Emit(ctx context.Context, name events.Name, data any) error {
	frame, err := events.Encode(name, data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	send := c.send
	c.mu.Unlock()

	if send == nil {
		c.metrics.RecordEmit(string(name), false)
		return fmt.Errorf("emit %s: %w", name, ErrNotConnected)
	}

	select {
	case send <- frame:
		c.metrics.RecordEmit(string(name), true)
		return nil
	case <-ctx.Done():
		c.metrics.RecordEmit(string(name), false)
		return ctx.Err()
	}
}

func (c *Conn) dial(ctx context.Context, userID string) (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse push channel url: %w", err)
	}
	q := u.Query()
	q.Set("user_id", userID)
	u.RawQuery = q.Encode()

	ws, resp, err := c.dialer.DialContext(ctx, u.String(), c.cfg.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial push channel: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial push channel: %w", err)
	}
	return ws, nil
}

// supervise runs sessions back to back, reconnecting with a bounded number of attempts.
func (c *Conn) supervise(ctx context.Context, ws *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	reconnect := false
	for {
		c.runSession(ctx, ws, reconnect)
		if ctx.Err() != nil {
			return
		}

		log.Warn().Msg("push channel lost, reconnecting")
		ws = c.redial(ctx)
		if ws == nil {
			if ctx.Err() == nil {
				log.Error().
					Int("attempts", c.cfg.ReconnectAttempts).
					Msg("push channel reconnect attempts exhausted")
				c.release(done)
			}
			return
		}
		reconnect = true
		c.metrics.RecordReconnect(transportWebSocket)
	}
}

// release detaches the given supervisor so Connect can be called again, then tells
// subscribers the channel is gone.
func (c *Conn) release(done chan<- struct{}) {
	c.mu.Lock()
	if c.done != done {
		// Disconnect got there first
		c.mu.Unlock()
		return
	}
	cancel := c.cancel
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	cancel()
	c.dispatch.Publish(events.ConnectionLostPayload{Attempts: c.cfg.ReconnectAttempts})
}

func (c *Conn) redial(ctx context.Context) *websocket.Conn {
	c.mu.Lock()
	userID := c.userID
	c.mu.Unlock()

	for attempt := 1; attempt <= c.cfg.ReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil
		case <-c.clock.After(c.cfg.ReconnectDelay):
		}

		ws, err := c.dial(ctx, userID)
		if err == nil {
			return ws
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("push channel reconnect failed")
	}
	return nil
}

func (c *Conn) runSession(ctx context.Context, ws *websocket.Conn, reconnect bool) {
	sessionDone := make(chan struct{})
	send := make(chan []byte, c.cfg.SendBufferSize)

	c.mu.Lock()
	c.ws = ws
	c.send = send
	c.connected = true
	userID := c.userID
	c.mu.Unlock()

	go c.writePump(ws, send, sessionDone)
	go func() {
		select {
		case <-ctx.Done():
			ws.Close()
		case <-sessionDone:
		}
	}()

	if err := c.Emit(ctx, events.Authenticate, userID); err != nil {
		log.Error().Err(err).Msg("failed to queue authenticate frame")
	}
	c.dispatch.Publish(events.ConnectedPayload{Reconnect: reconnect})

	c.readPump(ws)

	close(sessionDone)
	c.mu.Lock()
	c.ws = nil
	c.send = nil
	c.connected = false
	c.mu.Unlock()
	ws.Close()
}

// readPump handles reading frames from the websocket connection
func (c *Conn) readPump(ws *websocket.Conn) {
	ws.SetReadLimit(c.cfg.MaxMessageSize)
	ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		return nil
	})

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Error().Err(err).Msg("unexpected websocket close error")
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))

		ev, err := events.Decode(frame)
		if err != nil {
			reason := "malformed"
			if errors.Is(err, events.ErrUnknownEvent) {
				reason = "unknown_event"
				log.Debug().Err(err).Msg("ignoring unknown push event")
			} else {
				log.Warn().Err(err).Bytes("frame", frame).Msg("dropping malformed push frame")
			}
			c.metrics.RecordDroppedFrame(transportWebSocket, reason)
			continue
		}
		c.dispatch.Publish(ev)
	}
}

// writePump handles sending frames and keepalive pings to the websocket connection
func (c *Conn) writePump(ws *websocket.Conn, send <-chan []byte, done <-chan struct{}) {
	ticker := c.clock.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case frame := <-send:
			ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Error().Err(err).Msg("failed to write frame to websocket")
				ws.Close()
				return
			}
		case <-ticker.Chan():
			ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().Err(err).Msg("failed to send ping")
				ws.Close()
				return
			}
		}
	}
}
