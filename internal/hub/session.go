package hub

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/session-hub/backend/internal/model"
)

// Sink is the outbound half of a client connection. Push must not block:
// a sink that cannot accept a record returns an error and gets pruned.
// Close must be idempotent.
type Sink interface {
	Push(kind model.EventKind, data json.RawMessage) error
	Close()
}

// Session is one live client within a hub.
type Session struct {
	id       string
	sink     Sink
	identity model.Identity
}

// NewSession binds sink to an immutable identity.
func NewSession(sink Sink, identity model.Identity) *Session {
	return &Session{
		id:       uuid.NewString(),
		sink:     sink,
		identity: identity,
	}
}

// ID returns the session's generated id.
func (s *Session) ID() string {
	return s.id
}

// Identity returns the metadata attached when the session was created.
func (s *Session) Identity() model.Identity {
	return s.identity
}

// push delivers one record, converting a panicking sink into a send error so
// one misbehaving client cannot take down the broadcast loop.
func (s *Session) push(kind model.EventKind, data json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: sink panic: %v", model.ErrSendFailed, r)
		}
	}()

	if err := s.sink.Push(kind, data); err != nil {
		return fmt.Errorf("%w: %v", model.ErrSendFailed, err)
	}
	return nil
}

func (s *Session) close() {
	defer func() { _ = recover() }()
	s.sink.Close()
}
