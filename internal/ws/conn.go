package ws

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/christopherjohns/consultsync/internal/session"
)

const (
	// sendBufferSize is the number of frames that can be queued per connection.
	sendBufferSize = 64

	// writeTimeout is the max time to wait for a single write to complete.
	writeTimeout = 5 * time.Second

	// idleCheckInterval is how often the idle reaper runs.
	idleCheckInterval = 30 * time.Second
)

var (
	ErrConnClosed     = errors.New("ws: connection closed")
	ErrSendBufferFull = errors.New("ws: send buffer full")
	errServerAtLimit  = errors.New("ws: server at capacity")
	errServerShutdown = errors.New("ws: server shutting down")
)

// Mode is the wire protocol spoken on a connection.
type Mode string

const (
	// ModeTopic connections exchange command frames and receive events
	// through their subscriptions.
	ModeTopic Mode = "topic"

	// ModeBridge connections exchange raw event JSON.
	ModeBridge Mode = "bridge"
)

// Conn is one accepted WebSocket. It is a session.Handle for bridge
// delivery and a pubsub.Subscriber for topic delivery.
type Conn struct {
	id     string
	mode   Mode
	ws     *websocket.Conn
	remote string
	send   chan []byte
	ctx    context.Context
	cm     *ConnManager

	mu            sync.Mutex
	sessionID     string
	participantID string
	role          session.Role
}

func newConn(ws *websocket.Conn, mode Mode, remote string) *Conn {
	return &Conn{
		id:     uuid.NewString(),
		mode:   mode,
		ws:     ws,
		remote: remote,
		send:   make(chan []byte, sendBufferSize),
	}
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// Send queues a frame for the write pump. It never blocks.
func (c *Conn) Send(data []byte) error {
	if c.cm == nil || c.ctx == nil {
		return ErrConnClosed
	}
	return c.cm.Send(c, data)
}

// SubscriberID implements pubsub.Subscriber.
func (c *Conn) SubscriberID() string { return c.id }

// Deliver implements pubsub.Subscriber by wrapping data in a MESSAGE frame.
// Private reply topics are presented under ReplyDestination.
func (c *Conn) Deliver(topic string, data []byte) error {
	if strings.HasPrefix(topic, "/user/") {
		topic = ReplyDestination
	}
	frame, err := messageFrame(topic, data)
	if err != nil {
		return err
	}
	return c.Send(frame)
}

func (c *Conn) bind(sessionID, participantID string, role session.Role) (prevParticipant string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prevParticipant = c.participantID
	c.sessionID = sessionID
	c.participantID = participantID
	c.role = role
	return prevParticipant
}

func (c *Conn) identity() (sessionID, participantID string, role session.Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID, c.participantID, c.role
}

// replyHandle delivers to a topic connection's private reply queue.
type replyHandle struct{ c *Conn }

func (h replyHandle) Send(data []byte) error {
	return h.c.Deliver(ReplyDestination, data)
}

// connEntry holds per-connection metadata alongside the cancel function.
type connEntry struct {
	cancel      context.CancelFunc
	connectedAt time.Time
	lastActive  time.Time
}

// ConnStats holds point-in-time connection statistics.
type ConnStats struct {
	Active          int   `json:"active"`
	MaxConns        int   `json:"maxConns"`
	Rejected        int64 `json:"rejected"`
	DroppedMessages int64 `json:"droppedMessages"`
	IdleReaped      int64 `json:"idleReaped"`
}

// ConnManager tracks all active WebSocket connections and provides
// lifecycle management: per-connection buffered write pumps, connection
// limits, idle detection and graceful shutdown.
type ConnManager struct {
	mu       sync.Mutex
	conns    map[*Conn]*connEntry
	closed   bool
	maxConns int
	idleTTL  time.Duration
	stopIdle context.CancelFunc

	rejected        atomic.Int64
	droppedMessages atomic.Int64
	idleReaped      atomic.Int64
}

// ConnManagerOption configures a ConnManager.
type ConnManagerOption func(*ConnManager)

// WithMaxConns sets the maximum number of concurrent connections.
// A value of 0 means unlimited.
func WithMaxConns(n int) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.maxConns = n
	}
}

// WithIdleTimeout sets how long a connection can be idle before it is
// closed. A value of 0 disables idle reaping.
func WithIdleTimeout(d time.Duration) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.idleTTL = d
	}
}

// NewConnManager creates a connection manager.
func NewConnManager(opts ...ConnManagerOption) *ConnManager {
	cm := &ConnManager{
		conns: make(map[*Conn]*connEntry),
	}
	for _, opt := range opts {
		opt(cm)
	}
	if cm.idleTTL > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		cm.stopIdle = cancel
		go cm.idleReapLoop(ctx)
	}
	return cm
}

// Add registers c and starts its write pump. The returned context is
// cancelled when c is removed or the manager shuts down. An error means the
// connection was refused and has been closed.
func (cm *ConnManager) Add(c *Conn) (context.Context, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		c.ws.Close(websocket.StatusGoingAway, "server shutting down")
		return nil, errServerShutdown
	}
	if cm.maxConns > 0 && len(cm.conns) >= cm.maxConns {
		cm.rejected.Add(1)
		c.ws.Close(websocket.StatusTryAgainLater, "server at capacity")
		return nil, errServerAtLimit
	}

	now := time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	c.ctx = ctx
	c.cm = cm
	cm.conns[c] = &connEntry{
		cancel:      cancel,
		connectedAt: now,
		lastActive:  now,
	}

	go cm.writePump(ctx, c)
	return ctx, nil
}

// Remove stops c's write pump.
func (cm *ConnManager) Remove(c *Conn) {
	cm.mu.Lock()
	entry, ok := cm.conns[c]
	if ok {
		delete(cm.conns, c)
	}
	cm.mu.Unlock()

	if ok {
		entry.cancel()
	}
}

// Send queues data for c. A full buffer drops the frame.
func (cm *ConnManager) Send(c *Conn, data []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		cm.droppedMessages.Add(1)
		slog.Warn("ws: send buffer full, dropping frame", "conn_id", c.id)
		return ErrSendBufferFull
	}
}

// TouchActivity updates the last-active timestamp for c.
func (cm *ConnManager) TouchActivity(c *Conn) {
	cm.mu.Lock()
	if entry, ok := cm.conns[c]; ok {
		entry.lastActive = time.Now()
	}
	cm.mu.Unlock()
}

// Count returns the number of active connections.
func (cm *ConnManager) Count() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.conns)
}

// Stats returns point-in-time connection statistics.
func (cm *ConnManager) Stats() ConnStats {
	cm.mu.Lock()
	active := len(cm.conns)
	maxConns := cm.maxConns
	cm.mu.Unlock()
	return ConnStats{
		Active:          active,
		MaxConns:        maxConns,
		Rejected:        cm.rejected.Load(),
		DroppedMessages: cm.droppedMessages.Load(),
		IdleReaped:      cm.idleReaped.Load(),
	}
}

// ConnInfo holds metadata about a single connection.
type ConnInfo struct {
	ID            string        `json:"id"`
	Mode          Mode          `json:"mode"`
	Remote        string        `json:"remote"`
	SessionID     string        `json:"sessionId,omitempty"`
	ParticipantID string        `json:"participantId,omitempty"`
	Role          session.Role  `json:"role,omitempty"`
	ConnectedAt   time.Time     `json:"connectedAt"`
	LastActive    time.Time     `json:"lastActive"`
	Idle          time.Duration `json:"idle"`
}

// Conns returns metadata for all active connections.
func (cm *ConnManager) Conns() []ConnInfo {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	now := time.Now()
	result := make([]ConnInfo, 0, len(cm.conns))
	for c, entry := range cm.conns {
		sid, pid, role := c.identity()
		result = append(result, ConnInfo{
			ID:            c.id,
			Mode:          c.mode,
			Remote:        c.remote,
			SessionID:     sid,
			ParticipantID: pid,
			Role:          role,
			ConnectedAt:   entry.connectedAt,
			LastActive:    entry.lastActive,
			Idle:          now.Sub(entry.lastActive),
		})
	}
	return result
}

// Shutdown closes every connection with StatusGoingAway and refuses new
// ones.
func (cm *ConnManager) Shutdown() {
	cm.mu.Lock()
	cm.closed = true
	conns := cm.conns
	cm.conns = make(map[*Conn]*connEntry)
	cm.mu.Unlock()

	if cm.stopIdle != nil {
		cm.stopIdle()
	}

	for c, entry := range conns {
		entry.cancel()
		c.ws.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

func (cm *ConnManager) idleReapLoop(ctx context.Context) {
	ticker := time.NewTicker(idleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cm.reapIdle()
		}
	}
}

// reapIdle closes connections that have been idle longer than idleTTL.
func (cm *ConnManager) reapIdle() {
	cm.mu.Lock()
	now := time.Now()
	stale := make(map[*Conn]*connEntry)
	for c, entry := range cm.conns {
		if now.Sub(entry.lastActive) > cm.idleTTL {
			stale[c] = entry
			delete(cm.conns, c)
		}
	}
	cm.mu.Unlock()

	for c, entry := range stale {
		entry.cancel()
		c.ws.Close(websocket.StatusPolicyViolation, "idle timeout")
		cm.idleReaped.Add(1)
		slog.Info("ws: reaped idle connection", "conn_id", c.id)
	}
}

// writePump drains c's send channel in order until ctx is cancelled.
func (cm *ConnManager) writePump(ctx context.Context, c *Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.ws.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				slog.Debug("ws: write failed", "conn_id", c.id, "error", err)
				return
			}
		}
	}
}
