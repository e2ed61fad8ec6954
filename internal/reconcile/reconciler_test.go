package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/matheus3301/inbox/internal/bus"
	"github.com/matheus3301/inbox/internal/identity"
	"github.com/matheus3301/inbox/internal/outbox"
	"github.com/matheus3301/inbox/internal/projector"
	"github.com/matheus3301/inbox/internal/store"
	"github.com/matheus3301/inbox/internal/view"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seed(t *testing.T, db *store.DB, guid string, kind store.Kind, ts int64, unread int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, db.UpsertThread(ctx, &store.Thread{GUID: guid, Kind: kind, LastMessageAt: ts, UnreadCount: unread}))
	_, err := db.UpsertMessage(ctx, &store.Message{GUID: guid + "-m", ThreadGUID: guid, Body: "hey", CreatedAt: ts, ReadAt: ts})
	require.NoError(t, err)
}

// countingDB counts list queries and can fail pin writes.
type countingDB struct {
	*store.DB
	lists      atomic.Int32
	failingPin atomic.Bool
}

func (c *countingDB) ListThreadsPage(ctx context.Context, kind store.Kind, limit, offset int) ([]store.Thread, error) {
	c.lists.Add(1)
	return c.DB.ListThreadsPage(ctx, kind, limit, offset)
}

func (c *countingDB) SetPinned(ctx context.Context, guid string, pinned bool) error {
	if c.failingPin.Load() {
		return errors.New("database is locked")
	}
	return c.DB.SetPinned(ctx, guid, pinned)
}

type harness struct {
	db     *countingDB
	bus    *bus.Bus
	view   *view.Store
	writer *outbox.Writer
	rec    *Reconciler
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	db := &countingDB{DB: testDB(t)}
	b := bus.New()
	logger := zap.NewNop()

	v := view.New(db, projector.New(identity.Normalizer{CountryCode: "1"}, nil), view.Options{PageSize: 10, Bus: b}, logger)
	w := outbox.NewWriter(db, b, nil, logger)
	w.Start()
	r := New(v, w, b, nil, opts, logger)
	r.Start(context.Background())
	t.Cleanup(func() {
		r.Stop()
		_ = w.Close(context.Background())
	})
	return &harness{db: db, bus: b, view: v, writer: w, rec: r}
}

func (h *harness) unread(id string) func() bool {
	return func() bool {
		rec, ok := h.view.Get(id)
		return ok && rec.UnreadCount == 0
	}
}

func TestChatReadMatchesNormalizedThreadID(t *testing.T) {
	h := newHarness(t, Options{})
	seed(t, h.db.DB, "sms;-;+15551234567", store.KindSMS, 100, 0)
	require.NoError(t, h.db.MarkUnread(context.Background(), "sms;-;+15551234567"))
	require.NoError(t, h.rec.LoadInitial(context.Background()))

	rec, ok := h.view.Get("sms;-;+15551234567")
	require.True(t, ok)
	require.Equal(t, 1, rec.UnreadCount)

	e := ChatRead{ThreadID: "iMessage;-;+1-555-123-4567"}
	h.bus.Publish(bus.Event{Kind: BusKind(e), Timestamp: time.Now(), Payload: e})

	assert.Eventually(t, h.unread("sms;-;+15551234567"), 2*time.Second, 10*time.Millisecond)
}

func (h *harness) pinned(id string) bool {
	rec, ok := h.view.Get(id)
	return ok && rec.IsPinned
}

// failPin applies a pin while pin writes fail and waits for the failure.
func failPin(t *testing.T, h *harness, id string) outbox.Write {
	t.Helper()
	h.db.failingPin.Store(true)
	failed, unsub := h.bus.Subscribe("mutation.persist_failed", 10)
	defer unsub()

	wr, err := h.rec.Apply(context.Background(), outbox.Mutation{Op: outbox.OpPin, ThreadID: id, Value: true})
	require.NoError(t, err)
	assert.Equal(t, []string{id}, wr.Targets)

	// Visible before persistence completes.
	snap := h.view.Snapshot()
	assert.Equal(t, id, snap.Records[0].PrimaryID)
	assert.True(t, snap.Records[0].IsPinned)

	select {
	case evt := <-failed:
		perr, ok := evt.Payload.(*outbox.PersistenceError)
		require.True(t, ok)
		assert.Equal(t, wr.ID, perr.Write.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no persist failure signalled")
	}
	return wr
}

func TestPersistFailureKeepsPatchUntilReconcile(t *testing.T) {
	h := newHarness(t, Options{})
	seed(t, h.db.DB, "sms;-;+15550000001", store.KindSMS, 200, 0)
	seed(t, h.db.DB, "sms;-;+15550000002", store.KindSMS, 100, 0)
	require.NoError(t, h.rec.LoadInitial(context.Background()))

	failPin(t, h, "sms;-;+15550000002")
	assert.True(t, h.pinned("sms;-;+15550000002"), "no rollback on failure")
	assert.Len(t, h.writer.Failed(), 1)

	// Once the failure is handled the durable, unpinned row comes back.
	assert.Eventually(t, func() bool {
		if _, err := h.view.ReconcileLoadedWindow(context.Background()); err != nil {
			return false
		}
		return !h.pinned("sms;-;+15550000002")
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, "sms;-;+15550000001", h.view.Snapshot().Records[0].PrimaryID)
}

func TestRetryShowsPatchAgain(t *testing.T) {
	h := newHarness(t, Options{Debounce: 20 * time.Millisecond})
	seed(t, h.db.DB, "sms;-;+15550000001", store.KindSMS, 200, 0)
	seed(t, h.db.DB, "sms;-;+15550000002", store.KindSMS, 100, 0)
	require.NoError(t, h.rec.LoadInitial(context.Background()))

	wr := failPin(t, h, "sms;-;+15550000002")
	assert.Eventually(t, func() bool {
		_, err := h.view.ReconcileLoadedWindow(context.Background())
		return err == nil && !h.pinned("sms;-;+15550000002")
	}, 2*time.Second, 20*time.Millisecond)

	h.db.failingPin.Store(false)
	retried, err := h.rec.Retry(context.Background(), wr.ID)
	require.NoError(t, err)
	assert.Equal(t, wr.ID, retried.ID)
	assert.True(t, h.pinned("sms;-;+15550000002"))

	assert.Eventually(t, func() bool {
		th, err := h.db.GetThread(context.Background(), "sms;-;+15550000002")
		return err == nil && th.IsPinned
	}, 2*time.Second, 20*time.Millisecond)
	assert.Empty(t, h.writer.Failed())

	_, err = h.rec.Retry(context.Background(), "missing")
	assert.ErrorIs(t, err, outbox.ErrUnknownWrite)
}

func TestEventBurstCoalescesIntoOneReconcile(t *testing.T) {
	h := newHarness(t, Options{Debounce: 80 * time.Millisecond})
	seed(t, h.db.DB, "sms;-;+15550000001", store.KindSMS, 100, 0)
	require.NoError(t, h.rec.LoadInitial(context.Background()))
	h.db.lists.Store(0)

	seed(t, h.db.DB, "sms;-;+15550000009", store.KindSMS, 300, 0)
	for range 10 {
		e := NewMessage{ThreadID: "sms;-;+15550000009"}
		h.bus.Publish(bus.Event{Kind: BusKind(e), Timestamp: time.Now(), Payload: e})
	}

	assert.Eventually(t, func() bool {
		_, ok := h.view.Get("sms;-;+15550000009")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(len(store.Kinds)), h.db.lists.Load(), "one reconcile lists each kind once")
	assert.Equal(t, "sms;-;+15550000009", h.view.Snapshot().Records[0].PrimaryID)
}

func TestTypingExpires(t *testing.T) {
	h := newHarness(t, Options{TypingTTL: 50 * time.Millisecond})
	seed(t, h.db.DB, "15550000001@s.whatsapp.net", store.KindPush, 100, 0)
	require.NoError(t, h.rec.LoadInitial(context.Background()))

	require.True(t, h.rec.Publish(TypingChanged{ThreadID: "15550000001@s.whatsapp.net", Typing: true}))
	typing := func() bool {
		rec, _ := h.view.Get("15550000001@s.whatsapp.net")
		return rec.IsTyping()
	}
	assert.Eventually(t, typing, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return !typing() }, time.Second, 5*time.Millisecond)
}

func TestMutationOnMergedRecordWritesEveryThread(t *testing.T) {
	h := newHarness(t, Options{})
	seed(t, h.db.DB, "15551234567@s.whatsapp.net", store.KindPush, 200, 0)
	seed(t, h.db.DB, "sms;-;+15551234567", store.KindSMS, 100, 0)
	require.NoError(t, h.rec.LoadInitial(context.Background()))
	require.Len(t, h.view.Snapshot().Records, 1)

	persisted, unsub := h.bus.Subscribe("mutation.persisted", 10)
	defer unsub()

	wr, err := h.rec.Apply(context.Background(), outbox.Mutation{Op: outbox.OpMute, ThreadID: "sms;-;+15551234567", Value: true})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"15551234567@s.whatsapp.net", "sms;-;+15551234567"}, wr.Targets)

	rec, _ := h.view.Get("15551234567@s.whatsapp.net")
	assert.True(t, rec.IsMuted)

	select {
	case <-persisted:
	case <-time.After(2 * time.Second):
		t.Fatal("write not persisted")
	}
	for _, id := range wr.Targets {
		th, err := h.db.GetThread(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, th.IsMuted, id)
	}
}

func TestArchiveRemovesRecord(t *testing.T) {
	h := newHarness(t, Options{})
	seed(t, h.db.DB, "sms;-;+15550000001", store.KindSMS, 100, 0)
	seed(t, h.db.DB, "sms;-;+15550000002", store.KindSMS, 200, 0)
	require.NoError(t, h.rec.LoadInitial(context.Background()))

	_, err := h.rec.Apply(context.Background(), outbox.Mutation{Op: outbox.OpArchive, ThreadID: "sms;-;+15550000001", Value: true})
	require.NoError(t, err)

	_, ok := h.view.Get("sms;-;+15550000001")
	assert.False(t, ok)
	assert.Len(t, h.view.Snapshot().Records, 1)
}

func TestApplyAfterStop(t *testing.T) {
	h := newHarness(t, Options{})
	h.rec.Stop()

	_, err := h.rec.Apply(context.Background(), outbox.Mutation{Op: outbox.OpMarkRead, ThreadID: "x"})
	assert.ErrorIs(t, err, ErrStopped)
	assert.False(t, h.rec.Publish(NewMessage{ThreadID: "x"}))
}

func TestLoadCancelledByStop(t *testing.T) {
	h := newHarness(t, Options{})
	h.rec.Stop()

	err := h.rec.LoadInitial(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
}
