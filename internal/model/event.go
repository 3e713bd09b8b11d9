// Package model holds the data shared by hubs, stores and transports.
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// EventKind labels a record pushed to clients.
type EventKind string

const (
	KindHistory      EventKind = "history"
	KindMessage      EventKind = "message"
	KindNotification EventKind = "notification"
)

// AnonymousUsername is attached to sessions that join without a username.
const AnonymousUsername = "Anonymous"

// Event is an immutable timestamped application message.
//
// Socket-originated events carry ID, Username and Text. Submitted events
// carry the caller's JSON body in Data.
type Event struct {
	ID        string          `json:"id,omitempty"`
	Username  string          `json:"username,omitempty"`
	Text      string          `json:"text,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Payload returns the wire form of e. A submitted JSON object gets the
// timestamp merged into its own fields; any other event is sent as is.
func (e Event) Payload() (json.RawMessage, error) {
	body := bytes.TrimSpace(e.Data)
	if len(body) == 0 || body[0] != '{' {
		return json.Marshal(e)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage, 1)
	}
	ts, err := json.Marshal(e.Timestamp)
	if err != nil {
		return nil, err
	}
	fields["timestamp"] = ts
	return json.Marshal(fields)
}

// Identity is the metadata attached to a session at connection time.
type Identity struct {
	Username string `json:"username"`
}

// NewIdentity returns an identity for username, falling back to the anonymous placeholder.
func NewIdentity(username string) Identity {
	if username == "" {
		username = AnonymousUsername
	}
	return Identity{Username: username}
}

// Envelope is the server to client frame on bidirectional sockets.
type Envelope struct {
	Action EventKind       `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// Notice is the payload of join and leave notifications.
type Notice struct {
	Text string `json:"text"`
}

// JoinedNotice builds the notification broadcast when id joins.
func JoinedNotice(id Identity) Notice {
	return Notice{Text: fmt.Sprintf("%s joined the chat", id.Username)}
}

// LeftNotice builds the notification broadcast when id leaves.
func LeftNotice(id Identity) Notice {
	return Notice{Text: fmt.Sprintf("%s left", id.Username)}
}

// EncodeHistory serializes a history log into the blob kept in the store.
func EncodeHistory(events []Event) ([]byte, error) {
	if events == nil {
		events = []Event{}
	}
	return json.Marshal(events)
}

// DecodeHistory parses a stored history blob.
func DecodeHistory(blob []byte) ([]Event, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	var events []Event
	if err := json.Unmarshal(blob, &events); err != nil {
		return nil, fmt.Errorf("%w: history blob: %v", ErrMalformedPayload, err)
	}
	return events, nil
}
