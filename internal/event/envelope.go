package event

import (
	"encoding/json"
	"time"
)

// Envelope is the JSON structure delivered to participants.
type Envelope struct {
	Type        Type
	Data        any
	Timestamp   time.Time
	SessionID   string
	Sequence    uint64
	Action      string
	MessageType string
	Source      string

	// Extra holds legacy top-level keys some clients still read. Keys that
	// collide with the fields above are ignored.
	Extra map[string]any
}

// NewEnvelope returns an envelope stamped with the current time.
func NewEnvelope(t Type, data any) Envelope {
	return Envelope{Type: t, Data: data, Timestamp: time.Now()}
}

var reservedKeys = map[string]struct{}{
	"type": {}, "data": {}, "timestamp": {}, "sessionId": {},
	"sequence": {}, "action": {}, "messageType": {}, "source": {},
}

// MarshalJSON writes the envelope as a flat object. Timestamps are Unix
// milliseconds.
func (e Envelope) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, 4+len(e.Extra))
	for k, v := range e.Extra {
		if _, ok := reservedKeys[k]; ok {
			continue
		}
		m[k] = v
	}
	m["type"] = e.Type
	m["data"] = e.Data
	m["timestamp"] = e.Timestamp.UnixMilli()
	if e.SessionID != "" {
		m["sessionId"] = e.SessionID
	}
	if e.Sequence != 0 {
		m["sequence"] = e.Sequence
	}
	if e.Action != "" {
		m["action"] = e.Action
	}
	if e.MessageType != "" {
		m["messageType"] = e.MessageType
	}
	if e.Source != "" {
		m["source"] = e.Source
	}
	return json.Marshal(m)
}
