package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"github.com/christopherjohns/consultsync/internal/event"
	"github.com/christopherjohns/consultsync/internal/pubsub"
	"github.com/christopherjohns/consultsync/internal/ratelimit"
	"github.com/christopherjohns/consultsync/internal/router"
	"github.com/christopherjohns/consultsync/internal/session"
)

// maxFrameSize bounds a single inbound message.
const maxFrameSize = 64 << 10

// Handler accepts WebSocket connections on both transports and feeds their
// frames to the router.
type Handler struct {
	router   *router.Router
	bus      *pubsub.Bus
	conns    *ConnManager
	upgrades *ratelimit.Limiter
	frames   *ratelimit.Limiter
	origins  []string
	clientIP func(*http.Request) string
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithUpgradeLimit bounds upgrades per client IP.
func WithUpgradeLimit(l *ratelimit.Limiter) HandlerOption {
	return func(h *Handler) { h.upgrades = l }
}

// WithFrameLimit bounds inbound frames per connection.
func WithFrameLimit(l *ratelimit.Limiter) HandlerOption {
	return func(h *Handler) { h.frames = l }
}

// WithTrustedProxy keys the upgrade limit on the X-Real-IP set by a reverse
// proxy instead of the peer address.
func WithTrustedProxy(trusted bool) HandlerOption {
	return func(h *Handler) {
		if trusted {
			h.clientIP = ratelimit.ProxiedClientIP
		}
	}
}

// WithOriginPatterns restricts cross-origin upgrades. With none set every
// origin is accepted.
func WithOriginPatterns(patterns ...string) HandlerOption {
	return func(h *Handler) { h.origins = patterns }
}

// NewHandler creates a Handler.
func NewHandler(r *router.Router, bus *pubsub.Bus, conns *ConnManager, opts ...HandlerOption) *Handler {
	h := &Handler{router: r, bus: bus, conns: conns, clientIP: ratelimit.ClientIP}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ConnMgr returns the connection manager.
func (h *Handler) ConnMgr() *ConnManager { return h.conns }

func (h *Handler) accept(w http.ResponseWriter, r *http.Request, mode Mode) (*Conn, context.Context, bool) {
	ip := h.clientIP(r)
	if !h.upgrades.Allow(ip) {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return nil, nil, false
	}

	opts := &websocket.AcceptOptions{OriginPatterns: h.origins}
	if len(h.origins) == 0 {
		opts.InsecureSkipVerify = true
	}
	wsConn, err := websocket.Accept(w, r, opts)
	if err != nil {
		slog.Warn("ws: accept failed", "remote", ip, "error", err)
		return nil, nil, false
	}
	wsConn.SetReadLimit(maxFrameSize)

	c := newConn(wsConn, mode, ip)
	connCtx, err := h.conns.Add(c)
	if err != nil {
		slog.Warn("ws: connection refused", "remote", ip, "error", err)
		return nil, nil, false
	}
	slog.Info("ws: connected", "conn_id", c.id, "mode", mode, "remote", ip)
	return c, connCtx, true
}

// release undoes everything a connection registered.
func (h *Handler) release(c *Conn) {
	h.bus.UnsubscribeAll(c.id)
	h.conns.Remove(c)
	h.frames.Forget(c.id)

	sid, pid, role := c.identity()
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	h.router.Disconnect(ctx, sid, pid, c.id, role)
	c.ws.Close(websocket.StatusNormalClosure, "")
	slog.Info("ws: disconnected", "conn_id", c.id, "session_id", sid, "participant_id", pid)
}

// origin describes c to the router. Bind records the joined identity and,
// for topic connections, subscribes the private reply queue.
func (h *Handler) origin(c *Conn) router.Origin {
	_, pid, role := c.identity()
	o := router.Origin{
		ConnID:        c.id,
		ParticipantID: pid,
		Role:          role,
		Bind: func(sessionID, participantID string, role session.Role) {
			prev := c.bind(sessionID, participantID, role)
			if c.mode != ModeTopic {
				return
			}
			if prev != "" && prev != participantID {
				h.bus.Unsubscribe(pubsub.ReplyTopic(prev), c.id)
			}
			h.bus.Subscribe(pubsub.ReplyTopic(participantID), c)
		},
	}
	if c.mode == ModeBridge {
		o.Transport = session.TransportBridge
		o.Handle = c
		o.Reply = c
	} else {
		o.Transport = session.TransportTopic
		o.Reply = replyHandle{c}
	}
	return o
}

// readLoop reads frames until the peer goes away or connCtx is cancelled.
// handle returns false to end the connection.
func (h *Handler) readLoop(ctx, connCtx context.Context, c *Conn, handle func(data []byte) bool) {
	for {
		select {
		case <-connCtx.Done():
			return
		default:
		}

		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}
		h.conns.TouchActivity(c)

		if !h.frames.Allow(c.id) {
			slog.Warn("ws: frame rate exceeded", "conn_id", c.id)
			if c.mode == ModeTopic {
				c.Send(errorFrame("rate limit exceeded"))
			}
			continue
		}
		if !handle(data) {
			return
		}
	}
}

// ServeTopic runs the topic transport: clients subscribe to destinations
// and send events as SEND frames addressed to /app/<event>.
func (h *Handler) ServeTopic(w http.ResponseWriter, r *http.Request) {
	c, connCtx, ok := h.accept(w, r, ModeTopic)
	if !ok {
		return
	}
	defer h.release(c)

	c.Send(connectedFrame(c.id))

	ctx := r.Context()
	h.readLoop(ctx, connCtx, c, func(data []byte) bool {
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.Send(errorFrame("invalid frame"))
			return true
		}
		switch strings.ToUpper(f.Command) {
		case CommandSubscribe:
			if !subscribable(f.Destination) {
				c.Send(errorFrame("cannot subscribe to " + f.Destination))
				return true
			}
			if f.Destination == ReplyDestination {
				if _, pid, _ := c.identity(); pid != "" {
					h.bus.Subscribe(pubsub.ReplyTopic(pid), c)
				}
				return true
			}
			h.bus.Subscribe(f.Destination, c)
		case CommandUnsubscribe:
			h.bus.Unsubscribe(f.Destination, c.id)
		case CommandSend:
			h.send(ctx, c, f)
		case CommandDisconnect:
			return false
		default:
			c.Send(errorFrame("unknown command " + f.Command))
		}
		return true
	})
}

// send routes the body of a SEND frame. The destination names the event
// kind, so a "type" inside the body is the inner message type.
func (h *Handler) send(ctx context.Context, c *Conn, f Frame) {
	if !strings.HasPrefix(f.Destination, "/app/") {
		c.Send(errorFrame("SEND destination must start with /app/"))
		return
	}
	raw := map[string]any{}
	if len(f.Body) > 0 {
		dec := json.NewDecoder(bytes.NewReader(f.Body))
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil || raw == nil {
			c.Send(errorFrame("SEND body must be a JSON object"))
			return
		}
	}
	if _, ok := raw["event"]; !ok {
		raw["destination"] = f.Destination
	}
	h.router.HandleRaw(ctx, h.origin(c), raw)
}

// ServeBridge runs the raw JSON transport. Query parameters sessionId,
// userType and userId join the session immediately.
func (h *Handler) ServeBridge(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	c, connCtx, ok := h.accept(w, r, ModeBridge)
	if !ok {
		return
	}
	defer h.release(c)

	ctx := r.Context()
	sessionID := q.Get("sessionId")
	h.sendEstablished(c, sessionID)

	if sessionID != "" {
		h.router.HandleRaw(ctx, h.origin(c), map[string]any{
			"type":      string(event.TypeJoinSession),
			"sessionId": sessionID,
			"userType":  q.Get("userType"),
			"userId":    q.Get("userId"),
		})
	}

	h.readLoop(ctx, connCtx, c, func(data []byte) bool {
		h.router.HandleMessage(ctx, h.origin(c), data)
		return true
	})
}

func (h *Handler) sendEstablished(c *Conn, sessionID string) {
	env := event.Envelope{
		Type:      event.TypeConnectionEstablished,
		Data:      map[string]any{"connectionId": c.id},
		Timestamp: time.Now(),
		SessionID: sessionID,
	}
	data, err := json.Marshal(env)
	if err != nil {
		slog.Error("ws: encode connection-established", "error", err)
		return
	}
	c.Send(data)
}
