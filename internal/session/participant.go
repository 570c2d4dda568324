package session

import (
	"strings"
	"time"
)

// Role is the kind of device attached to a session.
type Role string

const (
	RoleTellerPC       Role = "teller-pc"
	RoleCustomerTablet Role = "customer-tablet"
	RoleObserver       Role = "observer"
)

// ParseRole maps client user types onto a Role. Unknown values become
// observers.
func ParseRole(s string) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "teller-pc", "teller", "employee", "pc", "employee-pc":
		return RoleTellerPC
	case "customer-tablet", "tablet", "customer":
		return RoleCustomerTablet
	}
	return RoleObserver
}

// Transport names the delivery mechanism a participant is reachable on.
type Transport string

const (
	// TransportTopic participants receive events through their topic
	// subscriptions and have no Handle.
	TransportTopic Transport = "topic"

	// TransportBridge participants receive raw envelopes through Handle.
	TransportBridge Transport = "bridge"
)

// Handle delivers an encoded frame to one participant. Implementations must
// not block and must preserve submission order.
type Handle interface {
	Send(data []byte) error
}

// Participant is one device attached to a session.
type Participant struct {
	ID         string    `json:"id"`
	Role       Role      `json:"role"`
	Transport  Transport `json:"transport"`
	ConnID     string    `json:"connId,omitempty"`
	Handle     Handle    `json:"-"`
	JoinedAt   time.Time `json:"joinedAt"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}
