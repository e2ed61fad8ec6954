// Package reconcile serializes transport events and optimistic mutations onto
// one queue per conversation-list session and turns them into view patches
// or debounced window reconciles.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/inbox/internal/bus"
	"github.com/matheus3301/inbox/internal/conversation"
	"github.com/matheus3301/inbox/internal/metrics"
	"github.com/matheus3301/inbox/internal/outbox"
	"github.com/matheus3301/inbox/internal/status"
	"github.com/matheus3301/inbox/internal/view"
)

const (
	DefaultDebounce  = 250 * time.Millisecond
	DefaultTypingTTL = 8 * time.Second
)

// ErrStopped is returned by Apply when the session is not running.
var ErrStopped = errors.New("reconciler stopped")

// Submitter accepts writes for asynchronous persistence.
type Submitter interface {
	Submit(w outbox.Write) error
	Retry(ctx context.Context, id string) (outbox.Write, error)
}

// ErrorSignal is published on "view.error" when a background reconcile fails.
type ErrorSignal struct {
	Op    string `json:"op"`
	Error string `json:"error"`
}

// Options tunes the reconciler's timers.
type Options struct {
	Debounce  time.Duration
	TypingTTL time.Duration
}

type task interface{ isTask() }

type eventTask struct{ event Event }

type mutationTask struct {
	mutation outbox.Mutation
	reply    chan mutationResult
}

type retryTask struct {
	ctx   context.Context
	id    string
	reply chan mutationResult
}

type mutationResult struct {
	write outbox.Write
	err   error
}

type reconcileDue struct{}

type reconcileDone struct {
	applied bool
	err     error
}

type typingExpired struct {
	threadID string
	token    uint64
}

type writeSettled struct{ write outbox.Write }

type writeFailed struct{ write outbox.Write }

func (eventTask) isTask()     {}
func (*mutationTask) isTask() {}
func (reconcileDue) isTask()  {}
func (reconcileDone) isTask() {}
func (typingExpired) isTask() {}
func (writeSettled) isTask()  {}
func (writeFailed) isTask()   {}
func (*retryTask) isTask()    {}

type typingTimer struct {
	timer *time.Timer
	token uint64
}

// Reconciler is the single writer in front of a view.Store.
type Reconciler struct {
	view      *view.Store
	writer    Submitter
	bus       *bus.Bus
	metrics   *metrics.Metrics
	logger    *zap.Logger
	debounce  time.Duration
	typingTTL time.Duration

	mu      sync.Mutex
	queue   []task
	notify  chan struct{}
	session context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	running bool

	// Owned by the run loop.
	timer       *time.Timer
	reconciling bool
	dirty       bool
	typing      map[string]typingTimer
	token       uint64
}

// New creates a reconciler over v that hands writes to w.
func New(v *view.Store, w Submitter, b *bus.Bus, m *metrics.Metrics, opts Options, logger *zap.Logger) *Reconciler {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.TypingTTL <= 0 {
		opts.TypingTTL = DefaultTypingTTL
	}
	return &Reconciler{
		view:      v,
		writer:    w,
		bus:       b,
		metrics:   m,
		logger:    logger,
		debounce:  opts.Debounce,
		typingTTL: opts.TypingTTL,
		notify:    make(chan struct{}, 1),
		typing:    make(map[string]typingTimer),
	}
}

// Start opens the session scope and begins consuming transport events.
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.session, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	r.queue = nil
	r.running = true
	session, done := r.session, r.done
	r.mu.Unlock()

	events, unsubEvents := r.bus.SubscribeLossless("transport.")
	writes, unsubWrites := r.bus.SubscribeLossless("mutation.")
	go r.pump(events)
	go r.pump(writes)
	go r.run(session, done, func() {
		unsubEvents()
		unsubWrites()
	})
}

// Stop tears down the session: pending reconciles, timers and loads started
// through LoadInitial or LoadMore are cancelled. Writes already handed to the
// outbox are not affected.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	cancel()
	<-done
}

// Apply patches the view for m, then submits the durable write. The patch is
// visible to readers before Apply returns; persistence completes later and
// reports on the bus.
func (r *Reconciler) Apply(ctx context.Context, m outbox.Mutation) (outbox.Write, error) {
	if err := m.Validate(); err != nil {
		return outbox.Write{}, err
	}
	t := &mutationTask{mutation: m, reply: make(chan mutationResult, 1)}
	done, ok := r.push(t)
	if !ok {
		return outbox.Write{}, ErrStopped
	}
	select {
	case res := <-t.reply:
		return res.write, res.err
	case <-ctx.Done():
		return outbox.Write{}, ctx.Err()
	case <-done:
		return outbox.Write{}, ErrStopped
	}
}

// Retry re-queues a failed write and shows its patch again until the write
// settles.
func (r *Reconciler) Retry(ctx context.Context, id string) (outbox.Write, error) {
	t := &retryTask{ctx: ctx, id: id, reply: make(chan mutationResult, 1)}
	done, ok := r.push(t)
	if !ok {
		return outbox.Write{}, ErrStopped
	}
	select {
	case res := <-t.reply:
		return res.write, res.err
	case <-ctx.Done():
		return outbox.Write{}, ctx.Err()
	case <-done:
		return outbox.Write{}, ErrStopped
	}
}

// Publish feeds a transport event straight into the queue, bypassing the bus.
func (r *Reconciler) Publish(e Event) bool {
	_, ok := r.push(eventTask{event: e})
	return ok
}

// LoadInitial runs a full load bound to the session scope.
func (r *Reconciler) LoadInitial(ctx context.Context) error {
	ctx, cancel := r.scope(ctx)
	defer cancel()
	return r.view.LoadInitial(ctx)
}

// LoadMore pages in more records bound to the session scope.
func (r *Reconciler) LoadMore(ctx context.Context) (bool, error) {
	ctx, cancel := r.scope(ctx)
	defer cancel()
	return r.view.LoadMore(ctx)
}

// RequestReconcile schedules a debounced window reconcile.
func (r *Reconciler) RequestReconcile() bool {
	_, ok := r.push(reconcileDue{})
	return ok
}

func (r *Reconciler) scope(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	session := r.session
	r.mu.Unlock()
	if session == nil {
		return ctx, cancel
	}
	if session.Err() != nil {
		cancel()
		return ctx, cancel
	}
	stop := context.AfterFunc(session, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (r *Reconciler) push(t task) (<-chan struct{}, bool) {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil, false
	}
	r.queue = append(r.queue, t)
	done := r.done
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return done, true
}

func (r *Reconciler) pump(ch <-chan bus.Event) {
	for evt := range ch {
		switch p := evt.Payload.(type) {
		case Event:
			r.push(eventTask{event: p})
		case outbox.Write:
			r.push(writeSettled{write: p})
		case *outbox.PersistenceError:
			r.push(writeFailed{write: p.Write})
		default:
			r.logger.Warn("ignoring bus event with unexpected payload", zap.String("kind", evt.Kind), zap.String("payload", fmt.Sprintf("%T", p)))
		}
	}
}

func (r *Reconciler) next(ctx context.Context) (task, bool) {
	for {
		r.mu.Lock()
		if len(r.queue) > 0 {
			t := r.queue[0]
			r.queue = r.queue[1:]
			r.mu.Unlock()
			return t, true
		}
		r.mu.Unlock()
		select {
		case <-r.notify:
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (r *Reconciler) run(ctx context.Context, done chan struct{}, unsubscribe func()) {
	defer close(done)
	defer unsubscribe()
	for {
		t, ok := r.next(ctx)
		if !ok {
			r.teardown()
			return
		}
		r.handle(ctx, t)
	}
}

func (r *Reconciler) teardown() {
	r.mu.Lock()
	r.running = false
	r.queue = nil
	r.mu.Unlock()

	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	for id, tt := range r.typing {
		tt.timer.Stop()
		delete(r.typing, id)
	}
	r.reconciling = false
	r.dirty = false
}

func (r *Reconciler) handle(ctx context.Context, t task) {
	switch t := t.(type) {
	case eventTask:
		r.handleEvent(t.event)
	case *mutationTask:
		wr, err := r.handleMutation(t.mutation)
		t.reply <- mutationResult{write: wr, err: err}
	case reconcileDue:
		r.timer = nil
		r.startReconcile(ctx)
	case reconcileDone:
		r.finishReconcile(ctx, t)
	case typingExpired:
		if tt, ok := r.typing[t.threadID]; ok && tt.token == t.token {
			delete(r.typing, t.threadID)
			r.patchTyping(t.threadID, false)
		}
	case writeSettled:
		r.view.Settle(t.write.ID)
		m := t.write.Mutation
		if m.Op == outbox.OpPin || m.Op == outbox.OpReorderPins || (m.Op == outbox.OpArchive && !m.Value) {
			r.schedule()
		}
	case writeFailed:
		// The patch stays on screen; the next reconcile shows the durable row.
		r.view.Settle(t.write.ID)
	case *retryTask:
		wr, err := r.retry(t.ctx, t.id)
		t.reply <- mutationResult{write: wr, err: err}
	}
}

func (r *Reconciler) handleEvent(e Event) {
	r.metrics.TransportEvent(e.eventKind())
	switch e := e.(type) {
	case NewMessage:
		r.clearTyping(e.ThreadID)
		r.schedule()
	case MessageUpdated:
		r.schedule()
	case ChatRead:
		_, err := r.view.PatchRecord(e.ThreadID, func(rec *conversation.Record) bool {
			rec.UnreadCount = 0
			return true
		})
		if err != nil && !errors.Is(err, view.ErrNotFound) {
			r.logger.Warn("chat read patch failed", zap.String("thread", e.ThreadID), zap.Error(err))
		}
	case TypingChanged:
		if e.Typing {
			r.armTyping(e.ThreadID)
		} else {
			r.clearTyping(e.ThreadID)
		}
		r.patchTyping(e.ThreadID, e.Typing)
	}
}

func (r *Reconciler) armTyping(threadID string) {
	if tt, ok := r.typing[threadID]; ok {
		tt.timer.Stop()
	}
	r.token++
	token := r.token
	r.typing[threadID] = typingTimer{
		token: token,
		timer: time.AfterFunc(r.typingTTL, func() {
			r.push(typingExpired{threadID: threadID, token: token})
		}),
	}
}

func (r *Reconciler) clearTyping(threadID string) {
	tt, ok := r.typing[threadID]
	if !ok {
		return
	}
	tt.timer.Stop()
	delete(r.typing, threadID)
	r.patchTyping(threadID, false)
}

func (r *Reconciler) patchTyping(threadID string, typing bool) {
	_, err := r.view.PatchRecord(threadID, func(rec *conversation.Record) bool {
		id := threadID
		if !rec.Holds(id) {
			id = rec.PrimaryID
		}
		rec.SetTyping(id, typing)
		return true
	})
	if err != nil && !errors.Is(err, view.ErrNotFound) {
		r.logger.Warn("typing patch failed", zap.String("thread", threadID), zap.Error(err))
	}
}

// schedule arms the debounce timer. Bursts inside one window collapse into a
// single reconcile.
func (r *Reconciler) schedule() {
	if r.reconciling {
		r.dirty = true
		return
	}
	if r.timer != nil {
		return
	}
	r.timer = time.AfterFunc(r.debounce, func() { r.push(reconcileDue{}) })
}

func (r *Reconciler) startReconcile(ctx context.Context) {
	if r.reconciling {
		r.dirty = true
		return
	}
	r.reconciling = true
	go func() {
		applied, err := r.view.ReconcileLoadedWindow(ctx)
		r.push(reconcileDone{applied: applied, err: err})
	}()
}

func (r *Reconciler) finishReconcile(ctx context.Context, res reconcileDone) {
	r.reconciling = false
	switch {
	case res.err != nil:
		if ctx.Err() != nil {
			return
		}
		r.bus.Publish(bus.Event{
			Kind:      "view.error",
			Timestamp: time.Now(),
			Payload:   ErrorSignal{Op: "reconcile", Error: res.err.Error()},
		})
	case !res.applied && r.view.State() != status.Empty:
		// Skipped behind a load, or superseded by one: try again once it settles.
		r.logger.Debug("reconcile deferred")
		r.dirty = true
	}
	if r.dirty {
		r.dirty = false
		r.schedule()
	}
}

func (r *Reconciler) handleMutation(m outbox.Mutation) (outbox.Write, error) {
	if m.Op == outbox.OpReorderPins {
		return r.reorderPins(m)
	}

	rec, found := r.view.Get(m.ThreadID)
	targets := []string{m.ThreadID}
	if found {
		targets = slices.Clone(rec.MergedIDs)
	}
	wr := outbox.NewWrite(m, targets)

	if found {
		if err := r.overlay(wr); err != nil {
			return outbox.Write{}, err
		}
	}
	if err := r.writer.Submit(wr); err != nil {
		r.view.Settle(wr.ID)
		return outbox.Write{}, fmt.Errorf("submit %s: %w", m.Op, err)
	}
	if found && m.Op == outbox.OpPin {
		r.view.ScrollTo(rec.PrimaryID)
	}
	return wr, nil
}

func (r *Reconciler) reorderPins(m outbox.Mutation) (outbox.Write, error) {
	var targets []string
	for _, id := range m.Order {
		if rec, ok := r.view.Get(id); ok {
			targets = append(targets, rec.MergedIDs...)
		} else {
			targets = append(targets, id)
		}
	}
	wr := outbox.NewWrite(m, targets)
	if err := r.overlay(wr); err != nil {
		return outbox.Write{}, err
	}
	if err := r.writer.Submit(wr); err != nil {
		r.view.Settle(wr.ID)
		return outbox.Write{}, fmt.Errorf("submit %s: %w", m.Op, err)
	}
	r.view.ScrollTo(m.Order[0])
	return wr, nil
}

func (r *Reconciler) retry(ctx context.Context, id string) (outbox.Write, error) {
	wr, err := r.writer.Retry(ctx, id)
	if err != nil {
		return outbox.Write{}, err
	}
	if err := r.overlay(wr); err != nil {
		r.logger.Warn("retry patch failed", zap.String("id", wr.ID), zap.Error(err))
	}
	return wr, nil
}

// overlay registers wr's patch as pending on every loaded record it touches.
func (r *Reconciler) overlay(wr outbox.Write) error {
	m := wr.Mutation
	if m.Op != outbox.OpReorderPins {
		_, err := r.view.PatchPending(wr.ID, m.ThreadID, patchFor(m))
		if err != nil && !errors.Is(err, view.ErrNotFound) {
			return err
		}
		return nil
	}
	for i, id := range m.Order {
		rank := i
		_, err := r.view.PatchPending(wr.ID, id, func(rec *conversation.Record) bool {
			rec.IsPinned = true
			rec.PinRank = &rank
			return true
		})
		if err != nil && !errors.Is(err, view.ErrNotFound) {
			return err
		}
	}
	return nil
}

// patchFor maps a mutation to its set-style record transform.
func patchFor(m outbox.Mutation) view.Patch {
	return func(rec *conversation.Record) bool {
		switch m.Op {
		case outbox.OpPin:
			if !m.Value {
				rec.PinRank = nil
			} else if !rec.IsPinned {
				rec.PinRank = nil
			}
			rec.IsPinned = m.Value
		case outbox.OpMute:
			rec.IsMuted = m.Value
		case outbox.OpArchive:
			return !m.Value
		case outbox.OpDelete:
			return false
		case outbox.OpSnooze:
			rec.IsSnoozedUntil = m.Until
		case outbox.OpMarkRead:
			rec.UnreadCount = 0
		case outbox.OpMarkUnread:
			rec.UnreadCount = max(rec.UnreadCount, 1)
		}
		return true
	}
}
