package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/christopherjohns/consultsync/internal/enrollment"
)

var (
	// ErrSessionNotFound is returned for operations on an unknown session
	// that do not create one.
	ErrSessionNotFound = errors.New("session: not found")

	// ErrNoEnrollment is returned when navigating a session that has not
	// started an enrollment.
	ErrNoEnrollment = errors.New("session: no enrollment in progress")
)

const defaultIdleTTL = 30 * time.Minute

// JoinResult reports the outcome of Join. A rejected join must not be
// announced to the session.
type JoinResult struct {
	Accepted    bool
	Rejoined    bool
	Reason      string
	Participant Participant

	// MovedFrom is the session the participant was removed from, if the
	// join moved it.
	MovedFrom string
}

// Snapshot is a point-in-time copy of a session.
type Snapshot struct {
	ID           string            `json:"id"`
	Participants []Participant     `json:"participants"`
	Enrollment   *enrollment.State `json:"enrollment,omitempty"`
	Sequence     uint64            `json:"sequence"`
	CreatedAt    time.Time         `json:"createdAt"`
	IdleSince    time.Time         `json:"idleSince,omitzero"`
}

// entry is one session's mutable state. Its mutex serializes every
// operation on that session.
type entry struct {
	mu           sync.Mutex
	dead         bool
	id           string
	participants map[string]Participant
	enrollment   *enrollment.State
	sequence     uint64
	createdAt    time.Time
	idleSince    time.Time
}

// Registry maps session keys to their participants and enrollment state.
// The registry mutex only guards the key map; each session has its own lock
// so sessions never contend with each other.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*entry
	members  map[string]string // participant id → session id

	idleTTL              time.Duration
	allowMultipleTablets bool
	now                  func() time.Time
	stopReaper           context.CancelFunc
}

// Option configures a Registry.
type Option func(*Registry)

// WithIdleTTL sets how long a session without participants is kept before
// it is evicted. A value of 0 disables eviction.
func WithIdleTTL(d time.Duration) Option {
	return func(r *Registry) {
		r.idleTTL = d
	}
}

// WithMultipleTablets allows more than one customer tablet per session.
func WithMultipleTablets(allow bool) Option {
	return func(r *Registry) {
		r.allowMultipleTablets = allow
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry creates a Registry and starts its idle reaper.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*entry),
		members:  make(map[string]string),
		idleTTL:  defaultIdleTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.idleTTL > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		r.stopReaper = cancel
		go r.reapLoop(ctx)
	}
	return r
}

// Close stops the idle reaper.
func (r *Registry) Close() {
	if r.stopReaper != nil {
		r.stopReaper()
	}
}

// lookup returns the live entry for id, creating it when create is set.
func (r *Registry) lookup(id string, create bool) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok && create {
		now := r.now()
		e = &entry{
			id:           id,
			participants: make(map[string]Participant),
			createdAt:    now,
			idleSince:    now,
		}
		r.sessions[id] = e
	}
	return e
}

// with runs fn holding the session lock. An entry evicted between lookup
// and lock is retried so fn never sees a dead entry.
func (r *Registry) with(id string, create bool, fn func(e *entry)) bool {
	for {
		e := r.lookup(id, create)
		if e == nil {
			return false
		}
		e.mu.Lock()
		if e.dead {
			e.mu.Unlock()
			continue
		}
		fn(e)
		e.mu.Unlock()
		return true
	}
}

// Join attaches p to the session, creating the session on first use.
// Joining again with the same participant id replaces the previous handle.
// A participant moving from another session is removed from it.
func (r *Registry) Join(sessionID string, p Participant) JoinResult {
	var res JoinResult
	r.with(sessionID, true, func(e *entry) {
		now := r.now()
		prev, rejoin := e.participants[p.ID]
		if p.Role == RoleCustomerTablet && !r.allowMultipleTablets {
			for id, other := range e.participants {
				if id != p.ID && other.Role == RoleCustomerTablet {
					res = JoinResult{Reason: "session already has a customer tablet", Participant: p}
					return
				}
			}
		}
		if rejoin {
			p.JoinedAt = prev.JoinedAt
		} else {
			p.JoinedAt = now
		}
		p.LastSeenAt = now
		e.participants[p.ID] = p
		e.idleSince = time.Time{}
		res = JoinResult{Accepted: true, Rejoined: rejoin, Participant: p}
	})
	if !res.Accepted {
		return res
	}

	r.mu.Lock()
	prevSession := r.members[p.ID]
	r.members[p.ID] = sessionID
	r.mu.Unlock()

	if prevSession != "" && prevSession != sessionID && r.remove(prevSession, p.ID, "") {
		res.MovedFrom = prevSession
		slog.Info("session: participant moved", "participant_id", p.ID, "from", prevSession, "to", sessionID)
	}
	return res
}

// Leave removes a participant. Removing the last one marks the session idle;
// the session itself is kept until the reaper evicts it.
func (r *Registry) Leave(sessionID, participantID string) bool {
	removed := r.remove(sessionID, participantID, "")
	if removed {
		r.forget(sessionID, participantID)
	}
	return removed
}

// Detach removes a participant only if it is still bound to connID. A stale
// connection closing after its participant rejoined elsewhere is a no-op.
func (r *Registry) Detach(sessionID, participantID, connID string) bool {
	removed := r.remove(sessionID, participantID, connID)
	if removed {
		r.forget(sessionID, participantID)
	}
	return removed
}

func (r *Registry) remove(sessionID, participantID, connID string) bool {
	var removed bool
	r.with(sessionID, false, func(e *entry) {
		p, ok := e.participants[participantID]
		if !ok || (connID != "" && p.ConnID != connID) {
			return
		}
		delete(e.participants, participantID)
		if len(e.participants) == 0 {
			e.idleSince = r.now()
		}
		removed = true
	})
	return removed
}

func (r *Registry) forget(sessionID, participantID string) {
	r.mu.Lock()
	if r.members[participantID] == sessionID {
		delete(r.members, participantID)
	}
	r.mu.Unlock()
}

// Touch records activity for a participant.
func (r *Registry) Touch(sessionID, participantID string) {
	r.with(sessionID, false, func(e *entry) {
		if p, ok := e.participants[participantID]; ok {
			p.LastSeenAt = r.now()
			e.participants[participantID] = p
		}
	})
}

// Participants returns a consistent copy of the session's participants,
// ordered by join time.
func (r *Registry) Participants(sessionID string) []Participant {
	var out []Participant
	r.with(sessionID, false, func(e *entry) {
		out = e.participantList()
	})
	return out
}

func (e *entry) participantList() []Participant {
	out := make([]Participant, 0, len(e.participants))
	for _, p := range e.participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// StartEnrollment creates or replaces the session's enrollment. Empty forms
// fall back to the default set.
func (r *Registry) StartEnrollment(sessionID string, p enrollment.Product, forms []enrollment.FormDescriptor) (enrollment.State, error) {
	var (
		st  enrollment.State
		err error
	)
	r.with(sessionID, true, func(e *entry) {
		st, err = enrollment.Start(p, forms, r.now())
		if err != nil {
			return
		}
		e.enrollment = &st
	})
	return st, err
}

// AdvanceForm moves the enrollment cursor. Boundaries clamp and return the
// unchanged state.
func (r *Registry) AdvanceForm(sessionID string, d enrollment.Direction) (enrollment.State, error) {
	return r.updateEnrollment(sessionID, func(s enrollment.State) enrollment.State {
		return s.Navigate(d)
	})
}

// CompleteEnrollment marks the enrollment as submitted.
func (r *Registry) CompleteEnrollment(sessionID string) (enrollment.State, error) {
	return r.updateEnrollment(sessionID, func(s enrollment.State) enrollment.State {
		return s.Complete(r.now())
	})
}

func (r *Registry) updateEnrollment(sessionID string, fn func(enrollment.State) enrollment.State) (enrollment.State, error) {
	var (
		st    enrollment.State
		found bool
	)
	ok := r.with(sessionID, false, func(e *entry) {
		if e.enrollment == nil {
			return
		}
		next := fn(*e.enrollment)
		e.enrollment = &next
		st, found = next, true
	})
	if !ok || !found {
		return enrollment.State{}, ErrNoEnrollment
	}
	return st, nil
}

// Enrollment returns the current enrollment state, if any.
func (r *Registry) Enrollment(sessionID string) (enrollment.State, bool) {
	var (
		st    enrollment.State
		found bool
	)
	r.with(sessionID, false, func(e *entry) {
		if e.enrollment != nil {
			st, found = *e.enrollment, true
		}
	})
	return st, found
}

// NextSequence returns the next outbound sequence number for the session,
// or 0 if the session does not exist.
func (r *Registry) NextSequence(sessionID string) uint64 {
	var seq uint64
	r.with(sessionID, false, func(e *entry) {
		e.sequence++
		seq = e.sequence
	})
	return seq
}

// Snapshot returns a copy of one session.
func (r *Registry) Snapshot(sessionID string) (Snapshot, bool) {
	var (
		s  Snapshot
		ok bool
	)
	r.with(sessionID, false, func(e *entry) {
		s, ok = e.snapshot(), true
	})
	return s, ok
}

func (e *entry) snapshot() Snapshot {
	s := Snapshot{
		ID:           e.id,
		Participants: e.participantList(),
		Sequence:     e.sequence,
		CreatedAt:    e.createdAt,
		IdleSince:    e.idleSince,
	}
	if e.enrollment != nil {
		st := *e.enrollment
		s.Enrollment = &st
	}
	return s
}

// List returns snapshots of every session ordered by id.
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.dead {
			out = append(out, e.snapshot())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of sessions, idle ones included.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// reapLoop periodically evicts idle sessions.
func (r *Registry) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(r.idleTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reap()
		}
	}
}

// reap evicts sessions that have had no participants for longer than the
// idle TTL. Lock order is registry then session.
func (r *Registry) reap() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	evicted := 0
	for id, e := range r.sessions {
		e.mu.Lock()
		if len(e.participants) == 0 && !e.idleSince.IsZero() && now.Sub(e.idleSince) > r.idleTTL {
			e.dead = true
			delete(r.sessions, id)
			evicted++
		}
		e.mu.Unlock()
	}
	if evicted > 0 {
		slog.Debug("session: evicted idle sessions", "count", evicted)
	}
	return evicted
}
