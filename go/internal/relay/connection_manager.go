package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/studysync/go/internal/presence"
)

// MessageType is the type of a message pushed to relay clients
type MessageType string

const (
	MessagePresenceSnapshot MessageType = "presenceSnapshot"
	MessagePresenceChanged  MessageType = "presenceChanged"
	MessageSessionTick      MessageType = "sessionTick"
)

// Message is the envelope pushed to relay clients
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	GroupID   string      `json:"group_id"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data"`
}

// SessionTick is the payload of a sessionTick message.
type SessionTick struct {
	ElapsedSeconds int64 `json:"elapsed_seconds"`
}

// ClientCommand is a message sent by a relay client.
type ClientCommand struct {
	Type   string `json:"type"` // "activity", "visibility" or "refresh"
	Hidden bool   `json:"hidden,omitempty"`
}

// CommandHandler receives commands from relay clients.
type CommandHandler func(groupID string, cmd ClientCommand)

// ConnectionManager manages WebSocket connections of local UI clients, pooled by group
type ConnectionManager struct {
	groupConnections map[string]map[*Connection]bool
	mu               sync.RWMutex

	upgrader    websocket.Upgrader
	config      ConnectionConfig
	broadcastCh chan presence.Change
	tickCh      chan int64
	onCommand   CommandHandler
}

// Connection represents a WebSocket connection to a client
type Connection struct {
	ID      string
	GroupID string
	Conn    *websocket.Conn
	Send    chan []byte
	Manager *ConnectionManager

	ConnectedAt time.Time
}

// ConnectionConfig holds configuration for WebSocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBufferSize  int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns default WebSocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBufferSize:  256,
		CheckOrigin: func(r *http.Request) bool {
			// the relay listens for the local UI only
			return true
		},
	}
}

// NewConnectionManager creates a new WebSocket connection manager
func NewConnectionManager(config ConnectionConfig, onCommand CommandHandler) *ConnectionManager {
	return &ConnectionManager{
		groupConnections: make(map[string]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan presence.Change, 1000),
		tickCh:      make(chan int64, 1),
		onCommand:   onCommand,
	}
}

// Start processes broadcasts until ctx is cancelled, then closes every connection.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("relay connection manager started")

	for {
		select {
		case <-ctx.Done():
			cm.closeAll()
			log.Info().Msg("relay connection manager shutting down")
			return
		case change := <-cm.broadcastCh:
			cm.handleBroadcast(change)
		case elapsed := <-cm.tickCh:
			cm.handleSessionTick(elapsed)
		}
	}
}

// UpgradeConnection upgrades an HTTP connection to WebSocket and queues the group snapshot
// as the first message. The snapshot is taken and the connection registered while
// broadcasts are held off, so a change racing the upgrade is delivered after the snapshot
// rather than lost.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, groupID string, snapshot func() []presence.View) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		GroupID:     groupID,
		Conn:        conn,
		Send:        make(chan []byte, cm.config.SendBufferSize),
		Manager:     cm,
		ConnectedAt: time.Now(),
	}

	// Broadcasts wait on cm.mu, so nothing is queued ahead of the snapshot.
	cm.mu.Lock()
	first, err := encodeMessage(MessagePresenceSnapshot, groupID, snapshot())
	if err != nil {
		cm.mu.Unlock()
		conn.Close()
		return err
	}
	connection.Send <- first
	cm.registerConnectionLocked(connection)
	cm.mu.Unlock()

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("group_id", groupID).
		Msg("relay client connected")
	return nil
}

func (cm *ConnectionManager) registerConnectionLocked(conn *Connection) {
	if cm.groupConnections[conn.GroupID] == nil {
		cm.groupConnections[conn.GroupID] = make(map[*Connection]bool)
	}
	cm.groupConnections[conn.GroupID][conn] = true
}

func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	connections, exists := cm.groupConnections[conn.GroupID]
	if !exists {
		return
	}
	if _, exists := connections[conn]; !exists {
		return
	}
	delete(connections, conn)
	close(conn.Send)
	if len(connections) == 0 {
		delete(cm.groupConnections, conn.GroupID)
	}

	log.Info().
		Str("connection_id", conn.ID).
		Str("group_id", conn.GroupID).
		Msg("relay client disconnected")
}

// Broadcast queues a table change for the group's clients. It never blocks, so it can be
// registered as a presence.ChangeFunc.
func (cm *ConnectionManager) Broadcast(change presence.Change) {
	select {
	case cm.broadcastCh <- change:
	default:
		log.Warn().Str("group_id", change.GroupID).Msg("broadcast channel full, dropping change")
	}
}

// BroadcastSessionTick queues the running session's elapsed time for every client. Only the
// latest tick is kept, so it can be used as a sessionclock.TickFunc.
func (cm *ConnectionManager) BroadcastSessionTick(elapsedSeconds int64) {
	for {
		select {
		case cm.tickCh <- elapsedSeconds:
			return
		default:
		}
		select {
		case <-cm.tickCh:
		default:
		}
	}
}

func (cm *ConnectionManager) handleSessionTick(elapsedSeconds int64) {
	data, err := encodeMessage(MessageSessionTick, "", SessionTick{ElapsedSeconds: elapsedSeconds})
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal session tick")
		return
	}

	cm.mu.RLock()
	defer cm.mu.RUnlock()
	for _, connections := range cm.groupConnections {
		for conn := range connections {
			select {
			case conn.Send <- data:
			default:
				// ticks are superseded every second; slow clients just miss one
			}
		}
	}
}

func (cm *ConnectionManager) handleBroadcast(change presence.Change) {
	data, err := encodeMessage(MessagePresenceChanged, change.GroupID, change)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal change for broadcast")
		return
	}

	var slow []*Connection
	cm.mu.RLock()
	for conn := range cm.groupConnections[change.GroupID] {
		select {
		case conn.Send <- data:
		default:
			slow = append(slow, conn)
		}
	}
	cm.mu.RUnlock()

	for _, conn := range slow {
		log.Warn().
			Str("connection_id", conn.ID).
			Msg("connection send buffer full, closing connection")
		cm.unregisterConnection(conn)
		conn.Conn.Close()
	}
}

func (cm *ConnectionManager) closeAll() {
	cm.mu.RLock()
	var all []*Connection
	for _, connections := range cm.groupConnections {
		for conn := range connections {
			all = append(all, conn)
		}
	}
	cm.mu.RUnlock()

	for _, conn := range all {
		cm.unregisterConnection(conn)
	}
}

// Stats returns the number of connected clients per group.
func (cm *ConnectionManager) Stats() map[string]int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	counts := make(map[string]int, len(cm.groupConnections))
	for groupID, connections := range cm.groupConnections {
		counts[groupID] = len(connections)
	}
	return counts
}

func encodeMessage(t MessageType, groupID string, data any) ([]byte, error) {
	msg := Message{
		ID:        uuid.NewString(),
		Type:      t,
		GroupID:   groupID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s message: %w", t, err)
	}
	return b, nil
}

// writePump handles sending messages to the WebSocket connection
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregisterConnection(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump handles reading client commands from the WebSocket connection
func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("unexpected WebSocket close error")
			}
			return
		}
		c.handleClientMessage(message)
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}

func (c *Connection) handleClientMessage(message []byte) {
	var cmd ClientCommand
	if err := json.Unmarshal(message, &cmd); err != nil || cmd.Type == "" {
		log.Debug().Str("connection_id", c.ID).Msg("ignoring unparseable client message")
		return
	}
	if c.Manager.onCommand != nil {
		c.Manager.onCommand(c.GroupID, cmd)
	}
}
