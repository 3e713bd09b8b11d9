package sse

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/session-hub/backend/internal/hub"
	"github.com/session-hub/backend/internal/model"
)

var (
	errStreamClosed = errors.New("stream closed")
	errStreamFull   = errors.New("stream buffer full")
)

var keepAliveRecord = []byte(": keep-alive\n\n")

const defaultBuffer = 256

// Stream is the hub sink of one event-stream response. Records queue in a
// bounded buffer drained by the response writer.
type Stream struct {
	mu      sync.Mutex
	closed  bool
	records chan []byte
}

// NewStream creates a Stream buffering up to size records.
func NewStream(size int) *Stream {
	if size <= 0 {
		size = defaultBuffer
	}
	return &Stream{records: make(chan []byte, size)}
}

// Push queues one record. It fails instead of blocking when the client is
// not keeping up.
func (s *Stream) Push(kind model.EventKind, data json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errStreamClosed
	}
	select {
	case s.records <- Encode(kind, data):
		return nil
	default:
		return errStreamFull
	}
}

// Close ends the stream once queued records have been written.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.records)
}

// Records returns the queue drained by the response writer.
func (s *Stream) Records() <-chan []byte {
	return s.records
}

// Subscription is a stream joined to a hub.
type Subscription struct {
	hub       *hub.Hub
	session   *hub.Session
	stream    *Stream
	keepAlive time.Duration
}

// Options tunes subscriptions.
type Options struct {
	Buffer    int
	KeepAlive time.Duration
}

// Open joins a new stream to the hub m resolves for name. History replay is
// queued on the stream before Open returns, so the queue holds a full
// history on top of opts.Buffer live records.
func Open(ctx context.Context, m *hub.Manager, name string, identity model.Identity, opts Options) (*Subscription, error) {
	size := opts.Buffer
	if size <= 0 {
		size = defaultBuffer
	}
	stream := NewStream(size + m.HistoryCap())
	session := hub.NewSession(stream, identity)

	var joined *hub.Hub
	err := m.Do(name, func(h *hub.Hub) error {
		joined = h
		return h.Join(ctx, session)
	})
	if err != nil {
		return nil, err
	}

	return &Subscription{hub: joined, session: session, stream: stream, keepAlive: opts.KeepAlive}, nil
}

// Pump writes queued records to the client until it disconnects or the hub
// drops the session, then reports the session closed.
func (s *Subscription) Pump(c *gin.Context) {
	defer s.hub.OnSessionClosed(s.session)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	var tick <-chan time.Time
	if s.keepAlive > 0 {
		ticker := time.NewTicker(s.keepAlive)
		defer ticker.Stop()
		tick = ticker.C
	}

	done := c.Request.Context().Done()
	records := s.stream.Records()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-done:
			return false
		case rec, ok := <-records:
			if !ok {
				return false
			}
			_, err := w.Write(rec)
			return err == nil
		case <-tick:
			_, err := w.Write(keepAliveRecord)
			return err == nil
		}
	})
}
