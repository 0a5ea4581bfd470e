package stream

import "encoding/json"

// EventType tags the event union dispatched to listeners.
type EventType int

const (
	EventConnected EventType = iota
	EventDisconnected
	EventError
	EventMessage
	EventReconnectFailed
)

func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventError:
		return "error"
	case EventMessage:
		return "message"
	case EventReconnectFailed:
		return "reconnect_failed"
	}
	return "unknown"
}

// InboundMessage is a parsed upstream frame.
type InboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
	ID   string          `json:"id,omitempty"`
}

// Event is the tagged union delivered to listeners. Message is set for
// EventMessage, Err for EventError, CloseCode for EventDisconnected.
type Event struct {
	Type      EventType
	ConnID    string
	Message   *InboundMessage
	Err       error
	CloseCode int
}

// Listener receives dispatched events. Listeners run on the connection's
// read goroutine and must not block.
type Listener func(Event)
