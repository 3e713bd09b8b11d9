package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/session-hub/backend/internal/logger"
	"github.com/session-hub/backend/internal/mocks"
	"github.com/session-hub/backend/internal/model"
	"github.com/session-hub/backend/internal/store"
)

type record struct {
	kind model.EventKind
	data json.RawMessage
}

// recordSink captures everything pushed to it.
type recordSink struct {
	mu      sync.Mutex
	records []record
	fail    bool
	closed  int
}

func (s *recordSink) Push(kind model.EventKind, data json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink down")
	}
	s.records = append(s.records, record{kind: kind, data: append(json.RawMessage(nil), data...)})
	return nil
}

func (s *recordSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
}

func (s *recordSink) setFail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = true
}

func (s *recordSink) snapshot() []record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]record(nil), s.records...)
}

func (s *recordSink) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *recordSink) kinds() []model.EventKind {
	var out []model.EventKind
	for _, r := range s.snapshot() {
		out = append(out, r.kind)
	}
	return out
}

// notices returns the text of every notification received.
func (s *recordSink) notices(t *testing.T) []string {
	t.Helper()
	var out []string
	for _, r := range s.snapshot() {
		if r.kind != model.KindNotification {
			continue
		}
		var n model.Notice
		require.NoError(t, json.Unmarshal(r.data, &n))
		out = append(out, n.Text)
	}
	return out
}

// messages returns every message event received.
func (s *recordSink) messages(t *testing.T) []model.Event {
	t.Helper()
	var out []model.Event
	for _, r := range s.snapshot() {
		if r.kind != model.KindMessage {
			continue
		}
		var e model.Event
		require.NoError(t, json.Unmarshal(r.data, &e))
		out = append(out, e)
	}
	return out
}

func decodeBatch(t *testing.T, r record) []model.Event {
	t.Helper()
	require.Equal(t, model.KindHistory, r.kind)
	var events []model.Event
	require.NoError(t, json.Unmarshal(r.data, &events))
	return events
}

func texts(events []model.Event) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Text)
	}
	return out
}

var (
	roomOptions  = Options{HistoryCap: 50, AwaitLoad: true, Announce: true, Replay: ReplayBatch, Hibernate: true}
	chatOptions  = Options{HistoryCap: 50, Replay: ReplayEach}
	loginOptions = Options{}
)

func newTestHub(t *testing.T, st store.Store, opts Options) *Hub {
	t.Helper()
	h := New("test", st, opts, logger.Discard())
	h.Start()
	select {
	case <-h.Ready():
	case <-time.After(time.Second):
		t.Fatal("history load did not finish")
	}
	t.Cleanup(func() { _ = h.Sleep(context.Background()) })
	return h
}

func join(t *testing.T, h *Hub, username string) (*Session, *recordSink) {
	t.Helper()
	sink := &recordSink{}
	s := NewSession(sink, model.NewIdentity(username))
	require.NoError(t, h.Join(context.Background(), s))
	return s, sink
}

func TestHub_HistoryCapKeepsNewest(t *testing.T) {
	req := require.New(t)
	h := newTestHub(t, store.NewMemory(), Options{HistoryCap: 2, Replay: ReplayBatch})
	alice, _ := join(t, h, "alice")

	for _, text := range []string{"a", "b", "c"} {
		_, err := h.OnSessionEvent(context.Background(), alice, []byte(text))
		req.NoError(err)
	}

	req.Equal([]string{"b", "c"}, texts(h.History()))

	_, late := join(t, h, "bob")
	recs := late.snapshot()
	req.Len(recs, 1)
	req.Equal([]string{"b", "c"}, texts(decodeBatch(t, recs[0])))
}

func TestHub_JoinReplaysThenStreamsLive(t *testing.T) {
	req := require.New(t)
	h := newTestHub(t, store.NewMemory(), Options{HistoryCap: 50, Replay: ReplayBatch})

	alice, aliceSink := join(t, h, "alice")
	_, err := h.OnSessionEvent(context.Background(), alice, []byte("x"))
	req.NoError(err)

	_, bobSink := join(t, h, "bob")
	_, err = h.OnSessionEvent(context.Background(), alice, []byte("y"))
	req.NoError(err)

	// Each event reaches bob exactly once: x via replay, y live.
	bobRecs := bobSink.snapshot()
	req.Equal([]model.EventKind{model.KindHistory, model.KindMessage}, bobSink.kinds())
	req.Equal([]string{"x"}, texts(decodeBatch(t, bobRecs[0])))
	req.Equal([]string{"y"}, texts(bobSink.messages(t)))

	// The sender is echoed its own messages.
	req.Empty(decodeBatch(t, aliceSink.snapshot()[0]))
	req.Equal([]string{"x", "y"}, texts(aliceSink.messages(t)))
}

func TestHub_MessageCarriesSenderIdentity(t *testing.T) {
	req := require.New(t)
	h := newTestHub(t, store.NewMemory(), roomOptions)

	anon, _ := join(t, h, "")
	e, err := h.OnSessionEvent(context.Background(), anon, []byte("hi"))
	req.NoError(err)

	req.Equal(model.AnonymousUsername, e.Username)
	req.Equal("hi", e.Text)
	req.NotEmpty(e.ID)
	req.NotZero(e.Timestamp)
}

func TestHub_AnnouncesJoinToOthersOnly(t *testing.T) {
	req := require.New(t)
	h := newTestHub(t, store.NewMemory(), roomOptions)

	_, aliceSink := join(t, h, "alice")
	_, anonSink := join(t, h, "")

	req.Equal([]string{"Anonymous joined the chat"}, aliceSink.notices(t))
	req.Empty(anonSink.notices(t))
	req.Equal([]model.EventKind{model.KindHistory}, anonSink.kinds())
}

func TestHub_ChatVariantDoesNotAnnounce(t *testing.T) {
	req := require.New(t)
	h := newTestHub(t, store.NewMemory(), chatOptions)

	alice, aliceSink := join(t, h, "alice")
	join(t, h, "bob")
	h.OnSessionClosed(alice)

	req.Empty(aliceSink.notices(t))
}

func TestHub_PrunesFailingSink(t *testing.T) {
	req := require.New(t)
	h := newTestHub(t, store.NewMemory(), roomOptions)

	_, aSink := join(t, h, "a")
	broken, brokenSink := join(t, h, "broken")
	_, cSink := join(t, h, "c")
	brokenSink.setFail()

	h.Broadcast(model.KindMessage, model.Event{Text: "ping", Timestamp: 1})

	req.False(h.Has(broken))
	req.Equal(2, h.SessionCount())
	req.Equal(1, brokenSink.closeCount())
	req.Equal([]string{"ping"}, texts(aSink.messages(t)))
	req.Equal([]string{"ping"}, texts(cSink.messages(t)))
	req.Contains(aSink.notices(t), "broken left")
	req.Contains(cSink.notices(t), "broken left")

	// The transport noticing the dead connection later changes nothing.
	h.OnSessionClosed(broken)
	req.Equal(1, brokenSink.closeCount())
	req.Equal(1, lo.Count(aSink.notices(t), "broken left"))
}

func TestHub_PanickingSinkIsPruned(t *testing.T) {
	req := require.New(t)
	h := newTestHub(t, store.NewMemory(), roomOptions)

	_, okSink := join(t, h, "ok")
	bad := NewSession(panicSink{}, model.NewIdentity("bad"))
	err := h.Join(context.Background(), bad)
	req.ErrorIs(err, model.ErrSendFailed)
	req.False(h.Has(bad))
	req.Empty(okSink.notices(t))

	_, err = h.Submit(context.Background(), json.RawMessage(`{"n":1}`))
	req.NoError(err)
	req.Len(okSink.messages(t), 1)
}

type panicSink struct{}

func (panicSink) Push(model.EventKind, json.RawMessage) error { panic("boom") }
func (panicSink) Close()                                      {}

func TestHub_OnSessionClosedIsIdempotent(t *testing.T) {
	req := require.New(t)
	h := newTestHub(t, store.NewMemory(), roomOptions)

	_, watcherSink := join(t, h, "watcher")
	leaver, leaverSink := join(t, h, "leaver")

	h.OnSessionClosed(leaver)
	h.OnSessionClosed(leaver)

	req.Equal(1, h.SessionCount())
	req.Equal(1, leaverSink.closeCount())
	req.Equal([]string{"leaver joined the chat", "leaver left"}, watcherSink.notices(t))
}

func TestHub_SubmitRejectsMalformedPayload(t *testing.T) {
	req := require.New(t)
	h := newTestHub(t, store.NewMemory(), chatOptions)
	_, sink := join(t, h, "")

	for _, payload := range []string{"", "{", "not json"} {
		_, err := h.Submit(context.Background(), json.RawMessage(payload))
		req.ErrorIs(err, model.ErrMalformedPayload, "payload %q", payload)
	}

	req.Empty(h.History())
	req.Empty(sink.snapshot())
}

func TestHub_OnSessionEventRejectsMalformedFrame(t *testing.T) {
	req := require.New(t)
	h := newTestHub(t, store.NewMemory(), roomOptions)
	s, _ := join(t, h, "alice")

	_, err := h.OnSessionEvent(context.Background(), s, nil)
	req.ErrorIs(err, model.ErrMalformedPayload)
	_, err = h.OnSessionEvent(context.Background(), s, []byte{0xff, 0xfe})
	req.ErrorIs(err, model.ErrMalformedPayload)
	req.Empty(h.History())
}

func TestHub_ReplayEachSendsOneMessagePerEvent(t *testing.T) {
	req := require.New(t)
	h := newTestHub(t, store.NewMemory(), chatOptions)

	for _, body := range []string{`{"text":"one"}`, `{"text":"two"}`} {
		_, err := h.Submit(context.Background(), json.RawMessage(body))
		req.NoError(err)
	}

	_, sink := join(t, h, "")
	msgs := sink.messages(t)
	req.Len(msgs, 2)
	req.Equal([]string{"one", "two"}, texts(msgs))
	req.Empty(msgs[0].Data)
	req.Positive(msgs[0].Timestamp)
	req.Equal([]model.EventKind{model.KindMessage, model.KindMessage}, sink.kinds())
}

func TestHub_SubmitMergesTimestampIntoObjectBodies(t *testing.T) {
	req := require.New(t)
	h := newTestHub(t, store.NewMemory(), chatOptions)
	h.now = func() time.Time { return time.UnixMilli(42) }
	_, sink := join(t, h, "")

	_, err := h.Submit(context.Background(), json.RawMessage(`{"text":"hi","room":"a"}`))
	req.NoError(err)
	_, err = h.Submit(context.Background(), json.RawMessage(`[1,2]`))
	req.NoError(err)

	recs := sink.snapshot()
	req.Len(recs, 2)
	req.JSONEq(`{"text":"hi","room":"a","timestamp":42}`, string(recs[0].data))
	req.JSONEq(`{"data":[1,2],"timestamp":42}`, string(recs[1].data))

	// The log keeps the body apart from its timestamp.
	history := h.History()
	req.JSONEq(`{"text":"hi","room":"a"}`, string(history[0].Data))
}

func TestHub_ReplayBatchSendsEmptyHistory(t *testing.T) {
	req := require.New(t)
	h := newTestHub(t, store.NewMemory(), roomOptions)

	_, sink := join(t, h, "alice")
	recs := sink.snapshot()
	req.Len(recs, 1)
	req.Equal(model.KindHistory, recs[0].kind)
	req.JSONEq(`[]`, string(recs[0].data))
}

func TestHub_LoginVariantKeepsNothing(t *testing.T) {
	req := require.New(t)
	st := store.NewMemory()
	h := newTestHub(t, st, loginOptions)

	_, early := join(t, h, "")
	req.Empty(early.snapshot())

	_, err := h.Submit(context.Background(), json.RawMessage(`{"status":"ok"}`))
	req.NoError(err)
	req.Len(early.messages(t), 1)

	_, late := join(t, h, "")
	req.Empty(late.snapshot())
	req.Nil(h.History())

	req.NoError(h.Sleep(context.Background()))
	_, err = st.Get(context.Background(), HistoryKey)
	req.ErrorIs(err, model.ErrNotFound)
}

func TestHub_TimestampsNeverDecrease(t *testing.T) {
	req := require.New(t)
	h := newTestHub(t, store.NewMemory(), chatOptions)

	base := time.UnixMilli(10_000)
	now := base
	h.now = func() time.Time { return now }

	var stamps []int64
	for _, at := range []time.Time{base, base.Add(-time.Second), base.Add(time.Second)} {
		now = at
		e, err := h.Submit(context.Background(), json.RawMessage(`1`))
		req.NoError(err)
		stamps = append(stamps, e.Timestamp)
	}
	req.Equal([]int64{10_000, 10_000, 11_000}, stamps)
}

func TestHub_PersistsHistory(t *testing.T) {
	req := require.New(t)
	st := store.NewMemory()
	h := newTestHub(t, st, chatOptions)

	_, err := h.Submit(context.Background(), json.RawMessage(`{"text":"kept"}`))
	req.NoError(err)
	req.NoError(h.Sleep(context.Background()))

	blob, err := st.Get(context.Background(), HistoryKey)
	req.NoError(err)
	events, err := model.DecodeHistory(blob)
	req.NoError(err)
	req.Len(events, 1)
	req.JSONEq(`{"text":"kept"}`, string(events[0].Data))
}

func TestHub_ColdStartReplaysStoredHistory(t *testing.T) {
	req := require.New(t)
	st := store.NewMemory()
	blob, err := model.EncodeHistory([]model.Event{
		{ID: "1", Username: "u", Text: "X", Timestamp: 1},
		{ID: "2", Username: "u", Text: "Y", Timestamp: 2},
	})
	req.NoError(err)
	req.NoError(st.Put(context.Background(), HistoryKey, blob))

	h := newTestHub(t, st, roomOptions)
	_, sink := join(t, h, "alice")

	req.Equal([]string{"X", "Y"}, texts(decodeBatch(t, sink.snapshot()[0])))

	// New events are stamped after the stored ones.
	s, _ := join(t, h, "bob")
	e, err := h.OnSessionEvent(context.Background(), s, []byte("Z"))
	req.NoError(err)
	req.GreaterOrEqual(e.Timestamp, int64(2))
}

func TestHub_UnreadableStoredHistoryStartsEmpty(t *testing.T) {
	req := require.New(t)
	st := store.NewMemory()
	req.NoError(st.Put(context.Background(), HistoryKey, []byte("{garbage")))

	h := newTestHub(t, st, roomOptions)
	_, sink := join(t, h, "alice")
	req.Empty(decodeBatch(t, sink.snapshot()[0]))
}

func TestHub_JoinWaitsForLoadBarrier(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	st := mocks.NewMockStore(ctrl)

	release := make(chan struct{})
	stored, err := model.EncodeHistory([]model.Event{{Text: "X", Timestamp: 1}})
	req.NoError(err)
	st.EXPECT().Get(gomock.Any(), HistoryKey).DoAndReturn(func(ctx context.Context, key string) ([]byte, error) {
		<-release
		return stored, nil
	})

	h := New("test", st, roomOptions, logger.Discard())
	h.Start()

	sink := &recordSink{}
	joined := make(chan error, 1)
	go func() {
		joined <- h.Join(context.Background(), NewSession(sink, model.NewIdentity("alice")))
	}()

	select {
	case <-joined:
		t.Fatal("join returned before history loaded")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-joined:
		req.NoError(err)
	case <-time.After(time.Second):
		t.Fatal("join did not complete after load")
	}

	req.Equal([]string{"X"}, texts(decodeBatch(t, sink.snapshot()[0])))
	req.NoError(h.Sleep(context.Background()))
}

func TestHub_JoinBarrierHonoursContext(t *testing.T) {
	ctrl := gomock.NewController(t)
	st := mocks.NewMockStore(ctrl)

	release := make(chan struct{})
	st.EXPECT().Get(gomock.Any(), HistoryKey).DoAndReturn(func(ctx context.Context, key string) ([]byte, error) {
		<-release
		return nil, model.ErrNotFound
	})

	h := New("test", st, roomOptions, logger.Discard())
	h.Start()
	defer func() {
		close(release)
		_ = h.Sleep(context.Background())
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := h.Join(ctx, NewSession(&recordSink{}, model.NewIdentity("alice")))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHub_LateLoadMergesInFrontOfNewEvents(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	st := mocks.NewMockStore(ctrl)

	release := make(chan struct{})
	stored, err := model.EncodeHistory([]model.Event{{Text: "X", Timestamp: 1}, {Text: "Y", Timestamp: 2}})
	req.NoError(err)
	st.EXPECT().Get(gomock.Any(), HistoryKey).DoAndReturn(func(ctx context.Context, key string) ([]byte, error) {
		<-release
		return stored, nil
	})

	var persisted []byte
	st.EXPECT().Put(gomock.Any(), HistoryKey, gomock.Any()).DoAndReturn(func(ctx context.Context, key string, blob []byte) error {
		persisted = blob
		return nil
	}).MinTimes(1)

	h := New("test", st, chatOptions, logger.Discard())
	h.Start()

	// No barrier: the submission lands before the stored history.
	_, err = h.Submit(context.Background(), json.RawMessage(`{"text":"Z"}`))
	req.NoError(err)

	close(release)
	<-h.Ready()
	req.Len(h.History(), 3)
	req.Equal([]string{"X", "Y", ""}, texts(h.History()))

	req.NoError(h.Sleep(context.Background()))
	events, err := model.DecodeHistory(persisted)
	req.NoError(err)
	req.Len(events, 3)
	req.Equal("X", events[0].Text)
}

func TestHub_StoreFailureDoesNotFailSubmit(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	st := mocks.NewMockStore(ctrl)

	st.EXPECT().Get(gomock.Any(), HistoryKey).Return(nil, model.ErrNotFound)
	st.EXPECT().Put(gomock.Any(), HistoryKey, gomock.Any()).Return(errors.New("disk full")).MinTimes(1)

	h := newTestHub(t, st, chatOptions)
	_, sink := join(t, h, "")

	_, err := h.Submit(context.Background(), json.RawMessage(`{"text":"still delivered"}`))
	req.NoError(err)
	req.Len(sink.messages(t), 1)
	req.Len(h.History(), 1)

	req.NoError(h.Sleep(context.Background()))
}

func TestHub_SleepRejectsFurtherOperations(t *testing.T) {
	req := require.New(t)
	h := newTestHub(t, store.NewMemory(), chatOptions)
	s, sink := join(t, h, "")

	req.NoError(h.Sleep(context.Background()))
	req.Equal(1, sink.closeCount())
	req.Zero(h.SessionCount())

	req.ErrorIs(h.Join(context.Background(), NewSession(&recordSink{}, model.Identity{})), model.ErrHubClosed)
	_, err := h.Submit(context.Background(), json.RawMessage(`1`))
	req.ErrorIs(err, model.ErrHubClosed)
	_, err = h.OnSessionEvent(context.Background(), s, []byte("x"))
	req.ErrorIs(err, model.ErrHubClosed)
	req.ErrorIs(h.Adopt(s), model.ErrHubClosed)
}

func TestHub_HibernatingSleepKeepsSinksOpen(t *testing.T) {
	req := require.New(t)
	h := newTestHub(t, store.NewMemory(), roomOptions)
	_, sink := join(t, h, "alice")

	req.NoError(h.Sleep(context.Background()))
	req.Zero(sink.closeCount())
	req.Zero(h.SessionCount())
}

func TestHub_AdoptSkipsReplayAndNotice(t *testing.T) {
	req := require.New(t)
	h := newTestHub(t, store.NewMemory(), roomOptions)
	_, watcher := join(t, h, "watcher")

	sink := &recordSink{}
	adopted := NewSession(sink, model.NewIdentity("returning"))
	req.NoError(h.Adopt(adopted))

	req.True(h.Has(adopted))
	req.Empty(sink.snapshot())
	req.Empty(watcher.notices(t))

	_, err := h.OnSessionEvent(context.Background(), adopted, []byte("back"))
	req.NoError(err)
	req.Equal([]string{"back"}, texts(sink.messages(t)))
}
