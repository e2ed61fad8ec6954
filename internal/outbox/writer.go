package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/inbox/internal/bus"
	"github.com/matheus3301/inbox/internal/metrics"
	"github.com/matheus3301/inbox/internal/store"
)

const persistTimeout = 10 * time.Second

// ErrPersistenceFailed matches every *PersistenceError.
var ErrPersistenceFailed = errors.New("persistence failed")

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("outbox closed")

// ErrUnknownWrite is returned by Retry for ids with no failed write.
var ErrUnknownWrite = errors.New("no such failed write")

// PersistenceError reports a write whose durable update failed. The optimistic
// state it backs is left in place.
type PersistenceError struct {
	Write Write
	Err   error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s (%s): %v", e.Write.Mutation.Op, e.Write.ID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistenceFailed }

// Persister is the durable store's thread write contract.
type Persister interface {
	SetPinned(ctx context.Context, guid string, pinned bool) error
	SetMuted(ctx context.Context, guid string, muted bool) error
	SetArchived(ctx context.Context, guid string, archived bool) error
	SetSnoozed(ctx context.Context, guid string, until int64) error
	MarkRead(ctx context.Context, guid string) error
	MarkUnread(ctx context.Context, guid string) error
	DeleteThread(ctx context.Context, guid string) error
	ReorderPins(ctx context.Context, guids []string) error
}

// Log records writes so they survive a restart.
type Log interface {
	QueuePendingWrite(ctx context.Context, w *store.PendingWrite) error
	MarkPendingWriteSending(ctx context.Context, id string) error
	MarkPendingWriteDone(ctx context.Context, id string) error
	MarkPendingWriteFailed(ctx context.Context, id, errMsg string) error
	RequeuePendingWrite(ctx context.Context, id string) error
	PendingWrites(ctx context.Context, status string) ([]store.PendingWrite, error)
}

// Backend is what the writer needs from the durable store.
type Backend interface {
	Persister
	Log
}

// Writer persists optimistic mutations in submission order on one worker.
// Writes run on their own context so they complete even after the session
// that submitted them is gone.
type Writer struct {
	backend Backend
	bus     *bus.Bus
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu      sync.Mutex
	queue   []Write
	failed  map[string]Write
	closed  bool
	notify  chan struct{}
	closing chan struct{}
	done    chan struct{}
	started bool
}

// NewWriter creates a writer over backend.
func NewWriter(backend Backend, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *Writer {
	return &Writer{
		backend: backend,
		bus:     b,
		metrics: m,
		logger:  logger,
		failed:  make(map[string]Write),
		notify:  make(chan struct{}, 1),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the worker.
func (w *Writer) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true
	go w.run()
}

// Recover re-enqueues writes a previous run left queued or in flight, and
// loads failed ones so they can be retried.
func (w *Writer) Recover(ctx context.Context) (int, error) {
	var recovered []Write
	for _, status := range []string{"sending", "queued"} {
		entries, err := w.backend.PendingWrites(ctx, status)
		if err != nil {
			return 0, fmt.Errorf("read pending writes: %w", err)
		}
		for _, e := range entries {
			wr, err := decode(e)
			if err != nil {
				w.logger.Warn("dropping undecodable pending write", zap.String("id", e.ID), zap.Error(err))
				continue
			}
			recovered = append(recovered, wr)
		}
	}
	failed, err := w.backend.PendingWrites(ctx, "failed")
	if err != nil {
		return 0, fmt.Errorf("read failed writes: %w", err)
	}

	w.mu.Lock()
	for _, e := range failed {
		if wr, err := decode(e); err == nil {
			w.failed[wr.ID] = wr
		}
	}
	w.queue = append(recovered, w.queue...)
	w.mu.Unlock()
	w.wake()

	if len(recovered) > 0 {
		w.logger.Info("recovered pending writes", zap.Int("count", len(recovered)))
	}
	return len(recovered), nil
}

// Submit enqueues wr without blocking on I/O.
func (w *Writer) Submit(wr Write) error {
	if err := wr.Mutation.Validate(); err != nil {
		return err
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	w.queue = append(w.queue, wr)
	w.mu.Unlock()
	w.wake()
	return nil
}

// Retry re-enqueues a failed write.
func (w *Writer) Retry(ctx context.Context, id string) (Write, error) {
	w.mu.Lock()
	wr, ok := w.failed[id]
	if !ok {
		w.mu.Unlock()
		return Write{}, fmt.Errorf("%w: %q", ErrUnknownWrite, id)
	}
	if w.closed {
		w.mu.Unlock()
		return Write{}, ErrClosed
	}
	delete(w.failed, id)
	w.mu.Unlock()

	if err := w.backend.RequeuePendingWrite(ctx, id); err != nil {
		w.mu.Lock()
		w.failed[id] = wr
		w.mu.Unlock()
		return Write{}, fmt.Errorf("requeue write: %w", err)
	}
	wr.Error = ""
	w.mu.Lock()
	w.queue = append(w.queue, wr)
	w.mu.Unlock()
	w.wake()
	return wr, nil
}

// Failed lists writes waiting for a retry.
func (w *Writer) Failed() []Write {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Write, 0, len(w.failed))
	for _, wr := range w.failed {
		out = append(out, wr)
	}
	return out
}

// Close stops accepting writes and waits for the queue to drain or ctx to end.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	started := w.started
	w.mu.Unlock()
	close(w.closing)

	if !started {
		return nil
	}
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain outbox: %w", ctx.Err())
	}
}

func (w *Writer) wake() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *Writer) run() {
	defer close(w.done)
	for {
		wr, ok := w.next()
		if !ok {
			return
		}
		w.process(wr)
	}
}

func (w *Writer) next() (Write, bool) {
	for {
		w.mu.Lock()
		if len(w.queue) > 0 {
			wr := w.queue[0]
			w.queue = w.queue[1:]
			w.mu.Unlock()
			return wr, true
		}
		closed := w.closed
		w.mu.Unlock()
		if closed {
			return Write{}, false
		}
		select {
		case <-w.notify:
		case <-w.closing:
		}
	}
}

func (w *Writer) process(wr Write) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if !wr.logged {
		payload, err := json.Marshal(wr)
		if err == nil {
			err = w.backend.QueuePendingWrite(ctx, &store.PendingWrite{
				ID:         wr.ID,
				ThreadGUID: wr.Mutation.ThreadID,
				Op:         string(wr.Mutation.Op),
				Payload:    string(payload),
			})
		}
		if err != nil {
			w.fail(ctx, wr, fmt.Errorf("log write: %w", err), false)
			return
		}
		wr.logged = true
	}
	if err := w.backend.MarkPendingWriteSending(ctx, wr.ID); err != nil {
		w.logger.Warn("failed to mark write sending", zap.String("id", wr.ID), zap.Error(err))
	}
	wr.Attempts++

	if err := Persist(ctx, w.backend, wr); err != nil {
		w.fail(ctx, wr, err, true)
		return
	}
	if err := w.backend.MarkPendingWriteDone(ctx, wr.ID); err != nil {
		w.logger.Warn("failed to mark write done", zap.String("id", wr.ID), zap.Error(err))
	}

	w.logger.Debug("write persisted", zap.String("id", wr.ID), zap.String("op", string(wr.Mutation.Op)))
	w.bus.Publish(bus.Event{
		Kind:      "mutation.persisted",
		Timestamp: time.Now(),
		Payload:   wr,
	})
}

func (w *Writer) fail(ctx context.Context, wr Write, err error, logged bool) {
	wr.Error = err.Error()
	if logged {
		if merr := w.backend.MarkPendingWriteFailed(ctx, wr.ID, wr.Error); merr != nil {
			w.logger.Warn("failed to mark write failed", zap.String("id", wr.ID), zap.Error(merr))
		}
	}
	w.mu.Lock()
	w.failed[wr.ID] = wr
	w.mu.Unlock()

	w.metrics.PersistFailed(string(wr.Mutation.Op))
	w.logger.Warn("write failed", zap.String("id", wr.ID), zap.String("op", string(wr.Mutation.Op)), zap.Error(err))
	w.bus.Publish(bus.Event{
		Kind:      "mutation.persist_failed",
		Timestamp: time.Now(),
		Payload:   &PersistenceError{Write: wr, Err: err},
	})
}

// Persist applies wr to every target thread.
func Persist(ctx context.Context, p Persister, wr Write) error {
	m := wr.Mutation
	if m.Op == OpReorderPins {
		return p.ReorderPins(ctx, wr.Targets)
	}
	for _, id := range wr.Targets {
		var err error
		switch m.Op {
		case OpPin:
			err = p.SetPinned(ctx, id, m.Value)
		case OpMute:
			err = p.SetMuted(ctx, id, m.Value)
		case OpArchive:
			err = p.SetArchived(ctx, id, m.Value)
		case OpDelete:
			err = p.DeleteThread(ctx, id)
		case OpSnooze:
			err = p.SetSnoozed(ctx, id, m.Until)
		case OpMarkRead:
			err = p.MarkRead(ctx, id)
		case OpMarkUnread:
			err = p.MarkUnread(ctx, id)
		default:
			err = fmt.Errorf("unknown op %q", m.Op)
		}
		if err != nil {
			return fmt.Errorf("%s %s: %w", m.Op, id, err)
		}
	}
	return nil
}

func decode(e store.PendingWrite) (Write, error) {
	var wr Write
	if err := json.Unmarshal([]byte(e.Payload), &wr); err != nil {
		return Write{}, err
	}
	wr.ID = e.ID
	wr.Attempts = e.Attempts
	wr.Error = e.ErrorMessage
	wr.logged = true
	return wr, nil
}
