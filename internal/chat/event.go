package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// EventType is the "type" discriminator carried by every frame.
type EventType string

// Frame types understood by the relay.
const (
	TypeSystem  EventType = "system"
	TypeJoin    EventType = "join"
	TypeLeave   EventType = "leave"
	TypeMessage EventType = "message"
)

// WelcomeText is unicast to every connection right after it is registered.
const WelcomeText = "Connected to chat server"

var emptyTimestamp = json.RawMessage(`""`)

// Event is one outbound frame. Which fields are encoded depends on Type.
type Event struct {
	Type      EventType
	Username  string
	Users     []string
	Text      string
	Timestamp json.RawMessage
}

// JoinEvent announces username together with every currently bound name.
func JoinEvent(username string, users []string) Event {
	return Event{Type: TypeJoin, Username: username, Users: users}
}

// LeaveEvent announces that username left; users holds the remaining names.
func LeaveEvent(username string, users []string) Event {
	return Event{Type: TypeLeave, Username: username, Users: users}
}

// MessageEvent carries chat text. An empty timestamp encodes as "".
func MessageEvent(username, text string, timestamp json.RawMessage) Event {
	return Event{Type: TypeMessage, Username: username, Text: text, Timestamp: timestamp}
}

// SystemEvent is a server notice sent to a single connection.
func SystemEvent(text string) Event {
	return Event{Type: TypeSystem, Text: text}
}

type presenceFrame struct {
	Type     EventType `json:"type"`
	Username string    `json:"username"`
	Users    []string  `json:"users"`
}

type messageFrame struct {
	Type      EventType       `json:"type"`
	Username  string          `json:"username"`
	Message   string          `json:"message"`
	Timestamp json.RawMessage `json:"timestamp"`
}

type systemFrame struct {
	Type    EventType `json:"type"`
	Message string    `json:"message"`
}

// MarshalJSON encodes the wire shape for the event's type.
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case TypeJoin, TypeLeave:
		users := e.Users
		if users == nil {
			users = []string{}
		}
		return json.Marshal(presenceFrame{Type: e.Type, Username: e.Username, Users: users})
	case TypeMessage:
		ts := e.Timestamp
		if len(bytes.TrimSpace(ts)) == 0 {
			ts = emptyTimestamp
		}
		return json.Marshal(messageFrame{Type: e.Type, Username: e.Username, Message: e.Text, Timestamp: ts})
	case TypeSystem:
		return json.Marshal(systemFrame{Type: e.Type, Message: e.Text})
	default:
		return nil, fmt.Errorf("chat: cannot encode event type %q", e.Type)
	}
}

// Frame is a decoded inbound client frame. Username and Message are nil when
// the field is absent, null, or not a string.
type Frame struct {
	Type      string
	Username  *string
	Message   *string
	Timestamp json.RawMessage
}

// DecodeFrame parses a client frame. Only frames that are not a JSON object
// fail; field level problems are left to the handler for the frame's type.
func DecodeFrame(data []byte) (Frame, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if fields == nil {
		return Frame{}, fmt.Errorf("%w: not a JSON object", ErrMalformedFrame)
	}

	var f Frame
	if t := stringField(fields, "type"); t != nil {
		f.Type = *t
	}
	f.Username = stringField(fields, "username")
	f.Message = stringField(fields, "message")
	f.Timestamp = fields["timestamp"]
	return f, nil
}

func stringField(fields map[string]json.RawMessage, key string) *string {
	raw, ok := fields[key]
	if !ok {
		return nil
	}
	var s *string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	return s
}
