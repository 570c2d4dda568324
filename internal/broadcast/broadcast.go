// Package broadcast delivers envelopes to the participants of a session
// across both transports: topic subscribers on the pub/sub bus and bridge
// participants holding a direct handle.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/christopherjohns/consultsync/internal/event"
	"github.com/christopherjohns/consultsync/internal/pubsub"
	"github.com/christopherjohns/consultsync/internal/session"
)

// Scope selects which participants of a session a send reaches.
type Scope int

const (
	// ScopeSession reaches every participant.
	ScopeSession Scope = iota
	// ScopeEmployee reaches teller PCs only.
	ScopeEmployee
	// ScopeTablet reaches customer tablets only.
	ScopeTablet
	// ScopeReply reaches one participant.
	ScopeReply
)

func (s Scope) String() string {
	switch s {
	case ScopeSession:
		return "session"
	case ScopeEmployee:
		return "employee"
	case ScopeTablet:
		return "tablet"
	case ScopeReply:
		return "reply"
	}
	return "unknown"
}

// Target addresses a send.
type Target struct {
	SessionID string
	Scope     Scope

	// ExcludeID is a participant that must not receive the send.
	ExcludeID string

	// ParticipantID and Handle address ScopeReply. A non-nil Handle is used
	// as is; otherwise the participant is looked up in the session.
	ParticipantID string
	Handle        session.Handle
}

// ToSession addresses every participant of a session.
func ToSession(sessionID string) Target {
	return Target{SessionID: sessionID, Scope: ScopeSession}
}

// ToEmployee addresses the teller side, excluding the sender.
func ToEmployee(sessionID, excludeID string) Target {
	return Target{SessionID: sessionID, Scope: ScopeEmployee, ExcludeID: excludeID}
}

// ToTablet addresses the customer tablet, excluding the sender.
func ToTablet(sessionID, excludeID string) Target {
	return Target{SessionID: sessionID, Scope: ScopeTablet, ExcludeID: excludeID}
}

// ToReply addresses a single participant. h may be nil.
func ToReply(sessionID, participantID string, h session.Handle) Target {
	return Target{SessionID: sessionID, Scope: ScopeReply, ParticipantID: participantID, Handle: h}
}

// Publisher is the topic side of delivery.
type Publisher interface {
	Publish(ctx context.Context, topic string, data []byte, exclude ...string) int
}

// Directory is the registry view the broadcaster needs.
type Directory interface {
	Participants(sessionID string) []session.Participant
	NextSequence(sessionID string) uint64
}

// Result counts the deliveries of one send.
type Result struct {
	Topic  int
	Bridge int
	Failed int
}

// Stats holds cumulative counters.
type Stats struct {
	Sends      int64 `json:"sends"`
	Deliveries int64 `json:"deliveries"`
	Failures   int64 `json:"failures"`
}

// Broadcaster encodes an envelope once and hands the same bytes to both
// transports.
type Broadcaster struct {
	bus Publisher
	dir Directory

	sends      atomic.Int64
	deliveries atomic.Int64
	failures   atomic.Int64
}

// New creates a Broadcaster.
func New(bus Publisher, dir Directory) *Broadcaster {
	return &Broadcaster{bus: bus, dir: dir}
}

// Broadcast sends env to every participant of a session.
func (b *Broadcaster) Broadcast(ctx context.Context, sessionID string, env event.Envelope) (Result, error) {
	return b.Send(ctx, ToSession(sessionID), env)
}

// Send stamps env with the session sequence, encodes it and delivers it to
// the participants in t. Failures to reach a participant are logged and
// counted; only an encoding failure is returned.
func (b *Broadcaster) Send(ctx context.Context, t Target, env event.Envelope) (Result, error) {
	if env.SessionID == "" {
		env.SessionID = t.SessionID
	}
	if t.SessionID != "" {
		env.Sequence = b.dir.NextSequence(t.SessionID)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return Result{}, fmt.Errorf("encode %s envelope: %w", env.Type, err)
	}
	b.sends.Add(1)

	var res Result
	if t.Scope == ScopeReply && t.Handle != nil {
		b.deliver(&res, t.ParticipantID, t.Handle, data)
		b.record(res)
		return res, nil
	}

	var participants []session.Participant
	if t.SessionID != "" {
		participants = b.dir.Participants(t.SessionID)
	}

	var exclude []string
	for _, p := range participants {
		if p.ID == t.ExcludeID && p.Transport == session.TransportTopic && p.ConnID != "" {
			exclude = append(exclude, p.ConnID)
		}
	}
	if topic := topicFor(t); topic != "" {
		res.Topic = b.bus.Publish(ctx, topic, data, exclude...)
	}

	for _, p := range participants {
		if p.Handle == nil || p.ID == t.ExcludeID || !inScope(t, p) {
			continue
		}
		b.deliver(&res, p.ID, p.Handle, data)
	}
	b.record(res)
	return res, nil
}

func (b *Broadcaster) deliver(res *Result, participantID string, h session.Handle, data []byte) {
	if err := h.Send(data); err != nil {
		res.Failed++
		terr := &event.TransportError{Transport: string(session.TransportBridge), ParticipantID: participantID, Err: err}
		slog.Warn("broadcast: delivery failed", "participant_id", participantID, "error", terr)
		return
	}
	res.Bridge++
}

func (b *Broadcaster) record(res Result) {
	b.deliveries.Add(int64(res.Topic + res.Bridge))
	b.failures.Add(int64(res.Failed))
}

// Stats returns cumulative counters.
func (b *Broadcaster) Stats() Stats {
	return Stats{
		Sends:      b.sends.Load(),
		Deliveries: b.deliveries.Load(),
		Failures:   b.failures.Load(),
	}
}

func topicFor(t Target) string {
	switch t.Scope {
	case ScopeSession:
		return pubsub.SessionTopic(t.SessionID)
	case ScopeEmployee:
		return pubsub.EmployeeTopic(t.SessionID)
	case ScopeTablet:
		return pubsub.TabletTopic(t.SessionID)
	case ScopeReply:
		if t.ParticipantID != "" {
			return pubsub.ReplyTopic(t.ParticipantID)
		}
	}
	return ""
}

func inScope(t Target, p session.Participant) bool {
	switch t.Scope {
	case ScopeSession:
		return true
	case ScopeEmployee:
		return p.Role == session.RoleTellerPC
	case ScopeTablet:
		return p.Role == session.RoleCustomerTablet
	case ScopeReply:
		return p.ID == t.ParticipantID
	}
	return false
}
