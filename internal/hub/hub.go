// Package hub implements the session hub: a single coordinator per name that
// owns a set of live client sessions and a bounded history log, replays that
// log to newly joined sessions and fans every accepted event out to all of
// them.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/session-hub/backend/internal/buffer"
	"github.com/session-hub/backend/internal/model"
	"github.com/session-hub/backend/internal/store"
)

// HistoryKey is the store key the history log is persisted under.
const HistoryKey = "history"

// ReplayMode selects how history is replayed to a joining session.
type ReplayMode int

const (
	// ReplayBatch sends the whole log as one history record.
	ReplayBatch ReplayMode = iota
	// ReplayEach sends one message record per logged event.
	ReplayEach
)

// Options configures one hub variant.
type Options struct {
	// HistoryCap bounds the history log. Zero disables history and persistence.
	HistoryCap int
	// AwaitLoad makes every operation wait until history has been loaded.
	AwaitLoad bool
	// Announce broadcasts joined/left notifications.
	Announce bool
	Replay   ReplayMode
	// Hibernate keeps sinks open when the hub is put to sleep, so their
	// connections can be adopted by the next instance.
	Hibernate bool

	LoadTimeout    time.Duration
	PersistTimeout time.Duration
}

// Hub coordinates one logical channel.
//
// A single mutex per instance serializes Join, Submit, OnSessionEvent,
// OnSessionClosed and Broadcast. It is held across fan-out, so sinks must
// not block.
type Hub struct {
	name   string
	opts   Options
	st     store.Store
	writer *store.Writer
	log    *slog.Logger
	now    func() time.Time

	mu            sync.Mutex
	sessions      map[*Session]struct{}
	history       *buffer.Ring[model.Event]
	lastTimestamp int64
	lastActive    time.Time
	closed        bool

	startOnce sync.Once
	ready     chan struct{}
	// predecessor is closed once the previous instance under this name
	// has written its last blob.
	predecessor <-chan struct{}
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// New creates a hub named name persisting into st. Call Start before use.
func New(name string, st store.Store, opts Options, log *slog.Logger) *Hub {
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = 5 * time.Second
	}
	h := &Hub{
		name:     name,
		opts:     opts,
		st:       st,
		log:      log.With("hub", name),
		now:      time.Now,
		sessions: make(map[*Session]struct{}),
		ready:    make(chan struct{}),
	}
	h.lastActive = h.now()
	if opts.HistoryCap > 0 {
		h.history = buffer.NewRing[model.Event](opts.HistoryCap)
		h.writer = store.NewWriter(st, HistoryKey, h.ready, opts.PersistTimeout, h.log)
	}
	return h
}

// Name returns the name the hub was resolved by.
func (h *Hub) Name() string {
	return h.name
}

// Start loads the persisted history in the background. Without AwaitLoad,
// requests served before the load completes see an empty history.
func (h *Hub) Start() {
	h.startOnce.Do(func() {
		if h.history == nil {
			close(h.ready)
			return
		}
		go h.load()
	})
}

// Ready is closed once the initial history load has finished.
func (h *Hub) Ready() <-chan struct{} {
	return h.ready
}

func (h *Hub) load() {
	defer close(h.ready)

	if h.predecessor != nil {
		<-h.predecessor
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.opts.LoadTimeout)
	defer cancel()

	blob, err := h.st.Get(ctx, HistoryKey)
	if errors.Is(err, model.ErrNotFound) {
		return
	}
	if err != nil {
		h.log.Error("Failed to load history", "err", fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err))
		return
	}

	stored, err := model.DecodeHistory(blob)
	if err != nil {
		h.log.Error("Discarding unreadable history", "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// Anything accepted while the load was in flight is newer than the store.
	accepted := h.history.Snapshot()
	h.history.Reset(append(stored, accepted...))
	for _, e := range stored {
		if e.Timestamp > h.lastTimestamp {
			h.lastTimestamp = e.Timestamp
		}
	}
	if len(accepted) > 0 {
		// The writer is still gated; replace its stale snapshot.
		h.persistLocked()
	}
	h.log.Debug("History loaded", "events", h.history.Len())
}

func (h *Hub) waitReady(ctx context.Context) error {
	if !h.opts.AwaitLoad {
		return nil
	}
	select {
	case <-h.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Join registers s, replays the current history to it alone and then
// announces it to the other sessions.
func (h *Hub) Join(ctx context.Context, s *Session) error {
	if err := h.waitReady(ctx); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return model.ErrHubClosed
	}

	h.sessions[s] = struct{}{}
	h.lastActive = h.now()

	if err := h.replayLocked(s); err != nil {
		delete(h.sessions, s)
		s.close()
		return err
	}

	h.log.Debug("Session joined", "session", s.ID(), "username", s.Identity().Username, "sessions", len(h.sessions))

	if h.opts.Announce {
		h.broadcastLocked(model.KindNotification, model.JoinedNotice(s.Identity()), s)
	}
	return nil
}

// Adopt re-admits a session whose connection outlived a previous instance
// of this hub. No history is replayed and nothing is announced.
func (h *Hub) Adopt(s *Session) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return model.ErrHubClosed
	}
	h.sessions[s] = struct{}{}
	h.lastActive = h.now()
	return nil
}

func (h *Hub) replayLocked(s *Session) error {
	if h.history == nil {
		return nil
	}

	events := h.history.Snapshot()
	switch h.opts.Replay {
	case ReplayEach:
		for _, e := range events {
			data, err := e.Payload()
			if err != nil {
				return err
			}
			if err := s.push(model.KindMessage, data); err != nil {
				return err
			}
		}
		return nil
	default:
		if events == nil {
			events = []model.Event{}
		}
		data, err := json.Marshal(events)
		if err != nil {
			return err
		}
		return s.push(model.KindHistory, data)
	}
}

// Submit accepts a one-shot payload that is not tied to a live session. It
// returns as soon as the event is logged and fanned out; persistence runs in
// the background.
func (h *Hub) Submit(ctx context.Context, payload json.RawMessage) (model.Event, error) {
	if len(payload) == 0 || !json.Valid(payload) {
		return model.Event{}, model.ErrMalformedPayload
	}
	if err := h.waitReady(ctx); err != nil {
		return model.Event{}, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return model.Event{}, model.ErrHubClosed
	}

	e := model.Event{
		Data:      append(json.RawMessage(nil), payload...),
		Timestamp: h.stampLocked(),
	}
	out, err := e.Payload()
	if err != nil {
		return model.Event{}, err
	}
	h.appendLocked(e)
	h.broadcastLocked(model.KindMessage, out, nil)
	return e, nil
}

// OnSessionEvent handles an inbound frame from a live session. The event is
// echoed to the sender as well.
func (h *Hub) OnSessionEvent(ctx context.Context, s *Session, text []byte) (model.Event, error) {
	if len(text) == 0 || !utf8.Valid(text) {
		return model.Event{}, model.ErrMalformedPayload
	}
	if err := h.waitReady(ctx); err != nil {
		return model.Event{}, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return model.Event{}, model.ErrHubClosed
	}

	e := model.Event{
		ID:        uuid.NewString(),
		Username:  s.Identity().Username,
		Text:      string(text),
		Timestamp: h.stampLocked(),
	}
	out, err := e.Payload()
	if err != nil {
		return model.Event{}, err
	}
	h.appendLocked(e)
	h.broadcastLocked(model.KindMessage, out, nil)
	return e, nil
}

// OnSessionClosed removes s and tells the remaining sessions it left.
// Calling it for a session that is no longer a member is a no-op.
func (h *Hub) OnSessionClosed(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.sessions[s]; !ok {
		return
	}
	delete(h.sessions, s)
	h.lastActive = h.now()
	s.close()

	h.log.Debug("Session closed", "session", s.ID(), "sessions", len(h.sessions))

	if h.opts.Announce && !h.closed {
		h.broadcastLocked(model.KindNotification, model.LeftNotice(s.Identity()), nil)
	}
}

// Broadcast pushes data to every live session.
func (h *Hub) Broadcast(kind model.EventKind, data any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcastLocked(kind, data, nil)
}

// broadcastLocked iterates a point-in-time copy of the membership. Sessions
// whose sink fails are removed from the live set and closed; in announcing
// hubs each of them then produces a left notification.
func (h *Hub) broadcastLocked(kind model.EventKind, v any, exclude *Session) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Error("Failed to marshal broadcast", "kind", kind, "err", err)
		return
	}

	var pruned []*Session
	for _, s := range lo.Keys(h.sessions) {
		if s == exclude {
			continue
		}
		if _, live := h.sessions[s]; !live {
			continue
		}
		if err := s.push(kind, data); err != nil {
			h.log.Warn("Pruning session", "session", s.ID(), "err", err)
			delete(h.sessions, s)
			s.close()
			pruned = append(pruned, s)
		}
	}

	if !h.opts.Announce {
		return
	}
	for _, s := range pruned {
		h.broadcastLocked(model.KindNotification, model.LeftNotice(s.Identity()), nil)
	}
}

func (h *Hub) stampLocked() int64 {
	ts := h.now().UnixMilli()
	if ts < h.lastTimestamp {
		ts = h.lastTimestamp
	}
	h.lastTimestamp = ts
	h.lastActive = h.now()
	return ts
}

func (h *Hub) appendLocked(e model.Event) {
	if h.history == nil {
		return
	}
	h.history.Push(e)
	h.persistLocked()
}

func (h *Hub) persistLocked() {
	blob, err := model.EncodeHistory(h.history.Snapshot())
	if err != nil {
		h.log.Error("Failed to encode history", "err", err)
		return
	}
	h.writer.Save(blob)
}

// History returns a copy of the current history log.
func (h *Hub) History() []model.Event {
	if h.history == nil {
		return nil
	}
	return h.history.Snapshot()
}

// Has reports whether s is currently a member.
func (h *Hub) Has(s *Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.sessions[s]
	return ok
}

// SessionCount returns the number of live sessions.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Sleep drops every session and flushes pending persistence. Sinks are
// closed unless the hub hibernates. The hub rejects further operations.
func (h *Hub) Sleep(ctx context.Context) error {
	h.mu.Lock()
	h.closeLocked()
	h.mu.Unlock()
	return h.flush(ctx)
}

// closeIfIdle marks the hub closed when it has had no sessions for at least
// idle. It reports whether it did; the caller must then flush.
func (h *Hub) closeIfIdle(idle time.Duration) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed || len(h.sessions) > 0 || h.now().Sub(h.lastActive) < idle {
		return false
	}
	h.closeLocked()
	return true
}

func (h *Hub) closeLocked() {
	if h.closed {
		return
	}
	h.closed = true
	if !h.opts.Hibernate {
		for s := range h.sessions {
			s.close()
		}
	}
	h.sessions = make(map[*Session]struct{})
}

// drained is closed once the hub's writer has stopped. Hubs without
// history are always drained.
func (h *Hub) drained() <-chan struct{} {
	if h.writer == nil {
		return closedChan
	}
	return h.writer.Done()
}

func (h *Hub) flush(ctx context.Context) error {
	if h.writer == nil {
		return nil
	}
	return h.writer.Close(ctx)
}
