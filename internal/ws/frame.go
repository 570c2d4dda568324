package ws

import (
	"encoding/json"
	"strings"
)

// Client commands on the topic transport.
const (
	CommandSubscribe   = "SUBSCRIBE"
	CommandUnsubscribe = "UNSUBSCRIBE"
	CommandSend        = "SEND"
	CommandDisconnect  = "DISCONNECT"
)

// Server commands on the topic transport.
const (
	CommandConnected = "CONNECTED"
	CommandMessage   = "MESSAGE"
	CommandError     = "ERROR"
)

// ReplyDestination is the private queue a topic client subscribes to for
// answers addressed to it alone.
const ReplyDestination = "/user/queue/reply"

// Frame is one message on the topic transport. Body carries an event
// envelope verbatim.
type Frame struct {
	Command     string          `json:"command"`
	Destination string          `json:"destination,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
	Message     string          `json:"message,omitempty"`
}

func messageFrame(destination string, body []byte) ([]byte, error) {
	return json.Marshal(Frame{Command: CommandMessage, Destination: destination, Body: body})
}

func errorFrame(msg string) []byte {
	data, _ := json.Marshal(Frame{Command: CommandError, Message: msg})
	return data
}

func connectedFrame(connID string) []byte {
	body, _ := json.Marshal(map[string]string{"connectionId": connID})
	data, _ := json.Marshal(Frame{Command: CommandConnected, Body: body})
	return data
}

// subscribable reports whether a client may subscribe to destination.
// Private reply topics of other participants are not.
func subscribable(destination string) bool {
	if destination == ReplyDestination {
		return true
	}
	return strings.HasPrefix(destination, "/topic/") && len(destination) > len("/topic/")
}
