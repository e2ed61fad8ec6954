package smsscan

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/inbox/internal/bus"
	"github.com/matheus3301/inbox/internal/store"
	ingest "github.com/matheus3301/inbox/internal/sync"

	_ "github.com/mattn/go-sqlite3"
)

const legacySchema = `
CREATE TABLE threads (_id INTEGER PRIMARY KEY, recipient_ids TEXT);
CREATE TABLE canonical_addresses (_id INTEGER PRIMARY KEY, address TEXT);
CREATE TABLE sms (_id INTEGER PRIMARY KEY, thread_id INTEGER, address TEXT, date INTEGER, read INTEGER, type INTEGER, body TEXT);
CREATE TABLE pdu (_id INTEGER PRIMARY KEY, thread_id INTEGER, date INTEGER, msg_box INTEGER, read INTEGER);
CREATE TABLE part (_id INTEGER PRIMARY KEY, mid INTEGER, ct TEXT, text TEXT);
CREATE TABLE addr (_id INTEGER PRIMARY KEY, msg_id INTEGER, address TEXT, type INTEGER);
`

func legacyDB(t *testing.T) (string, *sql.DB) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mmssms.db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	exec(t, db, legacySchema)
	exec(t, db, `
		INSERT INTO canonical_addresses VALUES (1, '+15551234567'), (2, '+15559876543');
		INSERT INTO threads VALUES (10, '1'), (11, '1 2');`)
	return path, db
}

func exec(t *testing.T, db *sql.DB, q string, args ...any) {
	t.Helper()
	if _, err := db.Exec(q, args...); err != nil {
		t.Fatal(err)
	}
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "inbox.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type recordingSink struct {
	batches [][]*store.Inbound
	err     error
}

func (r *recordingSink) IngestBatch(_ context.Context, batch []*store.Inbound) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	r.batches = append(r.batches, batch)
	return len(batch), nil
}

func TestScanMapsRows(t *testing.T) {
	path, legacy := legacyDB(t)
	exec(t, legacy, `
		INSERT INTO sms VALUES
			(1, 10, '+15551234567', 1000, 1, 1, 'hello'),
			(2, 10, '+15551234567', 2000, 0, 2, 'hi back'),
			(3, 10, '+15551234567', 3000, 0, 5, 'failed');
		INSERT INTO pdu VALUES (7, 11, 4, 1, 0);
		INSERT INTO part VALUES (1, 7, 'application/smil', '<smil/>'), (2, 7, 'image/png', NULL), (3, 7, 'text/plain', 'look');
		INSERT INTO addr VALUES (1, 7, '+15559876543', 137), (2, 7, '+15551234567', 151);`)

	sink := &recordingSink{}
	s := New(path, sink, testDB(t), nil, zap.NewNop())

	res, err := s.Scan(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.SMS != 3 || res.MMS != 1 {
		t.Fatalf("result = %+v, want 3 sms 1 mms", res)
	}
	if len(sink.batches) != 2 {
		t.Fatalf("batches = %d, want 2", len(sink.batches))
	}

	sms := sink.batches[0]
	if got := sms[0].Thread.GUID; got != "sms;-;+15551234567" {
		t.Errorf("direct guid = %q", got)
	}
	if sms[0].Thread.Kind != store.KindSMS {
		t.Errorf("kind = %q", sms[0].Thread.Kind)
	}
	if m := sms[0].Message; m.FromMe || m.ReadAt != 1000 || m.SenderAddress != "+15551234567" {
		t.Errorf("incoming = %+v", m)
	}
	if m := sms[1].Message; !m.FromMe || !m.IsSent {
		t.Errorf("sent = %+v", m)
	}
	if m := sms[2].Message; !m.FromMe || m.ErrorCode == 0 {
		t.Errorf("failed = %+v", m)
	}

	mms := sink.batches[1][0]
	if mms.Thread.GUID != "sms;+;11" || !mms.Thread.IsGroup {
		t.Errorf("group thread = %+v", mms.Thread)
	}
	if len(mms.Participants) != 2 {
		t.Errorf("participants = %d, want 2", len(mms.Participants))
	}
	m := mms.Message
	if m.Body != "look" || m.AttachmentMIME != "image/png" || m.SenderAddress != "+15559876543" {
		t.Errorf("mms = %+v", m)
	}
	if m.CreatedAt != 4000 {
		t.Errorf("mms created = %d, want seconds scaled to ms", m.CreatedAt)
	}
}

func TestScanAdvancesCheckpoints(t *testing.T) {
	path, legacy := legacyDB(t)
	exec(t, legacy, `INSERT INTO sms VALUES (1, 10, '+15551234567', 1000, 0, 1, 'one')`)

	sink := &recordingSink{}
	db := testDB(t)
	s := New(path, sink, db, nil, zap.NewNop())
	ctx := context.Background()

	if _, err := s.Scan(ctx); err != nil {
		t.Fatal(err)
	}
	res, err := s.Scan(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.SMS != 0 {
		t.Errorf("rescan sms = %d, want 0", res.SMS)
	}

	exec(t, legacy, `INSERT INTO sms VALUES (2, 10, '+15551234567', 2000, 0, 1, 'two')`)
	res, err = s.Scan(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.SMS != 1 {
		t.Errorf("incremental sms = %d, want 1", res.SMS)
	}
	if last, _ := db.IntCheckpoint(ctx, checkpointSMS); last != 2 {
		t.Errorf("checkpoint = %d, want 2", last)
	}
}

func TestScanKeepsCheckpointOnSinkFailure(t *testing.T) {
	path, legacy := legacyDB(t)
	exec(t, legacy, `INSERT INTO sms VALUES (1, 10, '+15551234567', 1000, 0, 1, 'one')`)

	db := testDB(t)
	sink := &recordingSink{err: errors.New("disk full")}
	s := New(path, sink, db, nil, zap.NewNop())
	ctx := context.Background()

	if _, err := s.Scan(ctx); err == nil {
		t.Fatal("expected sink error")
	}
	if last, _ := db.IntCheckpoint(ctx, checkpointSMS); last != 0 {
		t.Errorf("checkpoint = %d, want 0", last)
	}

	sink.err = nil
	res, err := s.Scan(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.SMS != 1 {
		t.Errorf("retry sms = %d, want 1", res.SMS)
	}
}

func TestScanIntoEngine(t *testing.T) {
	path, legacy := legacyDB(t)
	exec(t, legacy, `
		INSERT INTO sms VALUES
			(1, 10, '+15551234567', 1000, 0, 1, 'unread one'),
			(2, 10, '+15551234567', 2000, 1, 1, 'read two'),
			(3, 10, '+15551234567', 2500, 0, 3, 'half typed');`)

	db := testDB(t)
	b := bus.New()
	done, unsub := b.Subscribe("sms.", 4)
	defer unsub()

	s := New(path, ingest.NewEngine(db, b, nil, nil), db, b, zap.NewNop())
	res, err := s.Scan(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.New != 2 {
		t.Errorf("new = %d, want 2", res.New)
	}

	th, err := db.GetThread(context.Background(), "sms;-;+15551234567")
	if err != nil || th == nil {
		t.Fatalf("thread = %v, %v", th, err)
	}
	if th.UnreadCount != 1 {
		t.Errorf("unread = %d, want 1", th.UnreadCount)
	}
	if th.DraftText != "half typed" {
		t.Errorf("draft = %q", th.DraftText)
	}

	select {
	case evt := <-done:
		if evt.Kind != "sms.scan_complete" {
			t.Errorf("event = %q", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("no scan_complete event")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	path, legacy := legacyDB(t)
	exec(t, legacy, `INSERT INTO sms VALUES (1, 10, '+15551234567', 1000, 0, 1, 'one')`)

	sink := &recordingSink{}
	s := New(path, sink, testDB(t), nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx, WatchOptions{Watch: true, Debounce: 10 * time.Millisecond}) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run() = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}
