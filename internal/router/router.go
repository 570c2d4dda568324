// Package router dispatches canonical events to their handlers: pass-through
// broadcasts, enrollment mutations, directed relays and calls into external
// collaborators.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/christopherjohns/consultsync/internal/broadcast"
	"github.com/christopherjohns/consultsync/internal/enrollment"
	"github.com/christopherjohns/consultsync/internal/event"
	"github.com/christopherjohns/consultsync/internal/recommend"
	"github.com/christopherjohns/consultsync/internal/session"
)

const (
	defaultMaxConcurrent = 16
	defaultCallTimeout   = 30 * time.Second
)

// ErrNotConfigured is wrapped when a handler needs a collaborator that was
// not supplied.
var ErrNotConfigured = errors.New("collaborator not configured")

// ProductCatalog resolves products and their enrollment forms.
type ProductCatalog interface {
	Product(ctx context.Context, productID string) (enrollment.Product, error)
	Forms(ctx context.Context, productID, productType string) ([]enrollment.FormDescriptor, error)
}

// RecommendationPipeline produces product recommendations for a customer.
type RecommendationPipeline interface {
	Recommend(ctx context.Context, req recommend.Request) (recommend.Result, error)
}

// CustomerDirectory looks up display names for customers.
type CustomerDirectory interface {
	CustomerName(ctx context.Context, customerID string) (string, error)
}

// Sender delivers envelopes. *broadcast.Broadcaster implements it.
type Sender interface {
	Send(ctx context.Context, t broadcast.Target, env event.Envelope) (broadcast.Result, error)
}

// Origin describes the connection an event arrived on.
type Origin struct {
	ConnID    string
	Transport session.Transport

	// ParticipantID and Role are the identity bound by an earlier join, if
	// any. They fill the event's origin when it names none.
	ParticipantID string
	Role          session.Role

	// Handle is registered with the participant on join. Topic connections
	// leave it nil.
	Handle session.Handle

	// Reply reaches the sender even before it has joined a session.
	Reply session.Handle

	// Bind is called after an accepted join so the connection can remember
	// who it is.
	Bind func(sessionID, participantID string, role session.Role)
}

// Stats holds cumulative router counters.
type Stats struct {
	Routed             int64 `json:"routed"`
	ValidationErrors   int64 `json:"validationErrors"`
	ResolutionFailures int64 `json:"resolutionFailures"`
	DownstreamFailures int64 `json:"downstreamFailures"`
	Panics             int64 `json:"panics"`
}

// Router routes events for every session. It is safe for concurrent use;
// events from one connection are expected to be routed sequentially.
// Enrollment events of one session are applied in arrival order even when a
// catalog lookup runs in the background.
type Router struct {
	reg       *session.Registry
	out       Sender
	catalog   ProductCatalog
	pipeline  RecommendationPipeline
	customers CustomerDirectory

	sem         *semaphore.Weighted
	lanes       lanes
	callTimeout time.Duration
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc

	routed     atomic.Int64
	validation atomic.Int64
	resolution atomic.Int64
	downstream atomic.Int64
	panics     atomic.Int64
}

// Option configures a Router.
type Option func(*Router)

func WithCatalog(c ProductCatalog) Option {
	return func(r *Router) { r.catalog = c }
}

func WithPipeline(p RecommendationPipeline) Option {
	return func(r *Router) { r.pipeline = p }
}

func WithCustomers(d CustomerDirectory) Option {
	return func(r *Router) { r.customers = d }
}

// WithMaxConcurrent bounds the number of external calls in flight.
func WithMaxConcurrent(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithCallTimeout bounds each external call.
func WithCallTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.callTimeout = d
		}
	}
}

// New creates a Router.
func New(reg *session.Registry, out Sender, opts ...Option) *Router {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		reg:         reg,
		out:         out,
		sem:         semaphore.NewWeighted(defaultMaxConcurrent),
		callTimeout: defaultCallTimeout,
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Wait blocks until all background work has finished.
func (r *Router) Wait() {
	r.wg.Wait()
}

// Close cancels background work and waits for it to drain.
func (r *Router) Close() {
	r.cancel()
	r.wg.Wait()
}

// Stats returns cumulative counters.
func (r *Router) Stats() Stats {
	return Stats{
		Routed:             r.routed.Load(),
		ValidationErrors:   r.validation.Load(),
		ResolutionFailures: r.resolution.Load(),
		DownstreamFailures: r.downstream.Load(),
		Panics:             r.panics.Load(),
	}
}

// HandleMessage decodes a raw frame and routes it.
func (r *Router) HandleMessage(ctx context.Context, o Origin, data []byte) error {
	ev, err := event.Decode(data)
	if err != nil {
		return r.rejected(err)
	}
	return r.Route(ctx, o, ev)
}

// HandleRaw normalizes a decoded body and routes it.
func (r *Router) HandleRaw(ctx context.Context, o Origin, raw map[string]any) error {
	ev, err := event.Normalize(raw)
	if err != nil {
		return r.rejected(err)
	}
	return r.Route(ctx, o, ev)
}

func (r *Router) rejected(err error) error {
	r.validation.Add(1)
	slog.Warn("router: event dropped", "error", err)
	return err
}

// Route dispatches one canonical event. A returned error has already been
// logged and counted; nothing is broadcast for it.
func (r *Router) Route(ctx context.Context, o Origin, ev event.Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.panics.Add(1)
			slog.Error("router: handler panic", "type", ev.Type, "session_id", ev.SessionID, "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler %s panicked: %v", ev.Type, p)
		}
	}()

	r.routed.Add(1)
	if ev.OriginID == "" {
		ev.OriginID = o.ParticipantID
		ev.OriginRole = string(o.Role)
	}
	if ev.OriginID != "" {
		r.reg.Touch(ev.SessionID, ev.OriginID)
	}

	err = r.dispatch(ctx, o, ev)
	if err != nil {
		r.record(ev.Type, ev.SessionID, err)
	}
	return err
}

func (r *Router) record(kind event.Type, sessionID string, err error) {
	switch event.KindOf(err) {
	case event.KindValidation:
		r.validation.Add(1)
	case event.KindResolution:
		r.resolution.Add(1)
	}
	slog.Warn("router: event not handled", "type", kind, "session_id", sessionID, "error", err)
}

func (r *Router) dispatch(ctx context.Context, o Origin, ev event.Event) error {
	switch p := ev.Payload.(type) {
	case event.JoinPayload:
		return r.join(ctx, o, ev, p)
	case event.EnrollmentPayload:
		start := func(ctx context.Context) error {
			r.startEnrollment(ctx, o, ev, p)
			return nil
		}
		if r.catalog == nil {
			return r.inOrder(ctx, ev.SessionID, ev.Type, start)
		}
		return r.later(ev.SessionID, ev.Type, start)
	case event.NavigationPayload:
		return r.navigate(ctx, ev, p)
	case event.RecommendationPayload:
		r.spawn(ev.Type, func(ctx context.Context) { r.recommend(ctx, ev, p) })
		return nil
	case event.ProductPayload:
		return r.productDetail(ctx, ev, p)
	}

	switch ev.Type {
	case event.TypeEnrollmentComplete:
		return r.inOrder(ctx, ev.SessionID, ev.Type, func(ctx context.Context) error {
			_, err := r.completeEnrollment(ctx, ev.SessionID)
			return err
		})
	case event.TypeEnrollmentState:
		return r.inOrder(ctx, ev.SessionID, ev.Type, func(ctx context.Context) error {
			return r.enrollmentState(ctx, o, ev)
		})
	}
	return r.passThrough(ctx, ev)
}

// spawn runs fn off the caller's goroutine, bounded by the semaphore. A
// panic in fn is recovered and counted.
func (r *Router) spawn(kind event.Type, fn func(ctx context.Context)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.sem.Acquire(r.ctx, 1); err != nil {
			return
		}
		defer r.sem.Release(1)
		defer func() {
			if p := recover(); p != nil {
				r.panics.Add(1)
				slog.Error("router: async handler panic", "type", kind, "panic", p, "stack", string(debug.Stack()))
			}
		}()

		ctx, cancel := context.WithTimeout(r.ctx, r.callTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// send delivers env and logs an encoding failure.
func (r *Router) send(ctx context.Context, t broadcast.Target, env event.Envelope) {
	if _, err := r.out.Send(ctx, t, env); err != nil {
		slog.Error("router: send failed", "type", env.Type, "session_id", t.SessionID, "error", err)
	}
}

func (r *Router) broadcast(ctx context.Context, sessionID string, env event.Envelope) {
	r.send(ctx, broadcast.ToSession(sessionID), env)
}

// join attaches the sender to the session. Rejections are answered to the
// sender only.
func (r *Router) join(ctx context.Context, o Origin, ev event.Event, p event.JoinPayload) error {
	pid := p.UserID
	if pid == "" {
		pid = o.ConnID
	}
	role := session.ParseRole(p.UserType)
	res := r.reg.Join(ev.SessionID, session.Participant{
		ID:        pid,
		Role:      role,
		Transport: o.Transport,
		ConnID:    o.ConnID,
		Handle:    o.Handle,
	})

	data := map[string]any{
		"userType":  p.UserType,
		"userId":    pid,
		"role":      role,
		"success":   res.Accepted,
		"sessionId": ev.SessionID,
	}
	env := event.NewEnvelope(event.TypeSessionJoined, data)
	env.Extra = map[string]any{"userType": p.UserType, "userId": pid, "success": res.Accepted}

	if !res.Accepted {
		data["reason"] = res.Reason
		slog.Info("router: join rejected", "session_id", ev.SessionID, "participant_id", pid, "reason", res.Reason)
		r.send(ctx, broadcast.ToReply(ev.SessionID, pid, o.Reply), env)
		return nil
	}

	if o.Bind != nil {
		o.Bind(ev.SessionID, pid, role)
	}
	data["rejoined"] = res.Rejoined
	env.Action = "participant-joined"
	slog.Info("router: participant joined", "session_id", ev.SessionID, "participant_id", pid, "role", role, "rejoined", res.Rejoined)
	if res.MovedFrom != "" {
		r.announceLeft(ctx, res.MovedFrom, pid, role)
	}
	r.broadcast(ctx, ev.SessionID, env)
	return nil
}

// Disconnect detaches a participant whose connection closed and tells the
// rest of the session. A stale connection is ignored.
func (r *Router) Disconnect(ctx context.Context, sessionID, participantID, connID string, role session.Role) {
	if sessionID == "" || participantID == "" {
		return
	}
	if !r.reg.Detach(sessionID, participantID, connID) {
		return
	}
	r.announceLeft(ctx, sessionID, participantID, role)
}

func (r *Router) announceLeft(ctx context.Context, sessionID, participantID string, role session.Role) {
	slog.Info("router: participant left", "session_id", sessionID, "participant_id", participantID)
	r.broadcast(ctx, sessionID, event.NewEnvelope(event.TypeParticipantLeft, map[string]any{
		"participantId": participantID,
		"role":          role,
		"sessionId":     sessionID,
	}))
}
