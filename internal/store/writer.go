package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/session-hub/backend/internal/model"
)

// Writer persists blobs under a single key in the background.
//
// Save never blocks: it replaces any blob still waiting to be written, so a
// slow store only ever sees the latest snapshot. Failures are logged and the
// next Save retries with fresh data.
//
// Nothing is written until gate is closed, so a hub cannot overwrite stored
// history it has not read yet.
type Writer struct {
	st      Store
	key     string
	timeout time.Duration
	log     *slog.Logger
	gate    <-chan struct{}

	mu      sync.Mutex
	pending []byte
	dirty   bool
	closed  bool

	wake chan struct{}
	done chan struct{}
}

// NewWriter starts a background writer for key. A nil gate is open.
func NewWriter(st Store, key string, gate <-chan struct{}, timeout time.Duration, log *slog.Logger) *Writer {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	w := &Writer{
		st:      st,
		key:     key,
		timeout: timeout,
		log:     log,
		gate:    gate,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

// Save schedules blob to be written. It returns immediately.
func (w *Writer) Save(blob []byte) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		w.log.Warn("Dropping history write after close", "key", w.key)
		return
	}
	w.pending = blob
	w.dirty = true
	select {
	case w.wake <- struct{}{}:
	default:
	}
	w.mu.Unlock()
}

// Close writes any pending blob and stops the writer. It waits at most
// until ctx is done.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.wake)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the writer has stopped and its last blob is written.
func (w *Writer) Done() <-chan struct{} {
	return w.done
}

func (w *Writer) run() {
	defer close(w.done)
	if w.gate != nil {
		<-w.gate
	}
	for range w.wake {
		w.flush()
	}
	// Channel closed: drain whatever Save left behind.
	w.flush()
}

func (w *Writer) flush() {
	w.mu.Lock()
	if !w.dirty {
		w.mu.Unlock()
		return
	}
	blob := w.pending
	w.pending = nil
	w.dirty = false
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	if err := w.st.Put(ctx, w.key, blob); err != nil {
		err = fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
		w.log.Error("Failed to persist history", "key", w.key, "err", err)
	}
}
