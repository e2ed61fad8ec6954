package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedThread(t *testing.T, db *DB, guid string, kind Kind, lastAt int64) {
	t.Helper()
	ctx := context.Background()
	if err := db.UpsertThread(ctx, &Thread{GUID: guid, Kind: kind}); err != nil {
		t.Fatal(err)
	}
	if lastAt > 0 {
		if _, err := db.UpsertMessage(ctx, &Message{GUID: guid + "-m", ThreadGUID: guid, Body: "hi", CreatedAt: lastAt}); err != nil {
			t.Fatal(err)
		}
	}
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 || result.From != 2 {
		t.Errorf("result = %+v, want from 2 to 2 (init + pending_writes)", result)
	}
}

func TestMigrateFreshDatabase(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "fresh.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if !result.Changed || result.From != 0 || result.Version != 2 {
		t.Errorf("result = %+v, want 0 -> 2 with changes", result)
	}
}

func TestMigrateRefusesDirtySchema(t *testing.T) {
	db := testDB(t)
	if _, err := db.Exec(`UPDATE schema_migrations SET dirty = 1`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); !errors.Is(err, ErrDirtySchema) {
		t.Errorf("Migrate() error = %v, want ErrDirtySchema", err)
	}
}

func TestListThreadsPageOrderingAndVisibility(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	seedThread(t, db, "sms;-;a", KindSMS, 100)
	seedThread(t, db, "sms;-;b", KindSMS, 300)
	seedThread(t, db, "sms;-;c", KindSMS, 200)
	seedThread(t, db, "sms;-;archived", KindSMS, 400)
	seedThread(t, db, "push-1", KindPush, 500)

	if err := db.SetPinned(ctx, "sms;-;a", true); err != nil {
		t.Fatal(err)
	}
	if err := db.SetArchived(ctx, "sms;-;archived", true); err != nil {
		t.Fatal(err)
	}

	threads, err := db.ListThreadsPage(ctx, KindSMS, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, th := range threads {
		got = append(got, th.GUID)
	}
	want := []string{"sms;-;a", "sms;-;b", "sms;-;c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	if threads[0].PinIndex == nil || *threads[0].PinIndex != 0 {
		t.Errorf("pin index = %v, want 0", threads[0].PinIndex)
	}

	page, err := db.ListThreadsPage(ctx, KindSMS, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 || page[0].GUID != "sms;-;c" {
		t.Errorf("offset page = %+v, want [sms;-;c]", page)
	}

	count, err := db.CountThreads(ctx, KindSMS)
	if err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
}

func TestUpsertMessageUnreadAndLatest(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedThread(t, db, "t1", KindPush, 0)

	for _, m := range []Message{
		{GUID: "m1", ThreadGUID: "t1", Body: "one", CreatedAt: 100},
		{GUID: "m2", ThreadGUID: "t1", Body: "two", CreatedAt: 200},
		{GUID: "m1", ThreadGUID: "t1", Body: "one edited", CreatedAt: 100},
	} {
		if _, err := db.UpsertMessage(ctx, &m); err != nil {
			t.Fatal(err)
		}
	}

	th, err := db.GetThread(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if th.UnreadCount != 2 {
		t.Errorf("unread = %d, want 2 (duplicate upsert must not count)", th.UnreadCount)
	}
	if th.LastMessageGUID != "m2" || th.LastMessageAt != 200 {
		t.Errorf("last message = %q@%d, want m2@200", th.LastMessageGUID, th.LastMessageAt)
	}

	latest, err := db.LatestMessage(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if latest == nil || latest.GUID != "m2" {
		t.Fatalf("latest = %+v, want m2", latest)
	}

	if _, err := db.UpsertMessage(ctx, &Message{GUID: "m3", ThreadGUID: "t1", FromMe: true, CreatedAt: 300}); err != nil {
		t.Fatal(err)
	}
	th, _ = db.GetThread(ctx, "t1")
	if th.UnreadCount != 0 {
		t.Errorf("unread after outgoing = %d, want 0", th.UnreadCount)
	}

	n, err := db.UpdateReceipts(ctx, []string{"m3"}, 310, 320)
	if err != nil || n != 1 {
		t.Fatalf("UpdateReceipts = %d, %v", n, err)
	}
	latest, _ = db.LatestMessage(ctx, "t1")
	if latest.ReadAt != 320 || latest.DeliveredAt != 310 {
		t.Errorf("receipts = %d/%d, want 310/320", latest.DeliveredAt, latest.ReadAt)
	}
}

func TestParticipantsForThreads(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedThread(t, db, "t1", KindSMS, 0)
	seedThread(t, db, "t2", KindSMS, 0)

	if err := db.UpsertParticipants(ctx, []Participant{
		{ThreadGUID: "t1", Address: "+1555", ContactName: "Alice"},
		{ThreadGUID: "t2", Address: "+1666", InferredName: "Bob"},
	}); err != nil {
		t.Fatal(err)
	}
	// Empty names never clobber known ones.
	if err := db.UpsertParticipants(ctx, []Participant{{ThreadGUID: "t1", Address: "+1555"}}); err != nil {
		t.Fatal(err)
	}

	ps, err := db.ParticipantsForThreads(ctx, []string{"t1", "t2"})
	if err != nil {
		t.Fatal(err)
	}
	if len(ps) != 2 {
		t.Fatalf("got %d participants, want 2", len(ps))
	}
	if ps[0].ContactName != "Alice" {
		t.Errorf("contact name = %q, want Alice", ps[0].ContactName)
	}
	if !ps[1].HasInferredName() {
		t.Error("Bob should carry an inferred name")
	}

	th, _ := db.GetThread(ctx, "t1")
	if len(th.Addresses) != 1 || th.Addresses[0] != "+1555" {
		t.Errorf("addresses = %v, want [+1555]", th.Addresses)
	}
}

func TestThreadWrites(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedThread(t, db, "t1", KindSMS, 100)
	seedThread(t, db, "t2", KindSMS, 200)

	if err := db.ReorderPins(ctx, []string{"t2", "t1"}); err != nil {
		t.Fatal(err)
	}
	t1, _ := db.GetThread(ctx, "t1")
	t2, _ := db.GetThread(ctx, "t2")
	if *t2.PinIndex != 0 || *t1.PinIndex != 1 {
		t.Errorf("pin order = t2:%d t1:%d, want 0/1", *t2.PinIndex, *t1.PinIndex)
	}

	if err := db.SetMuted(ctx, "t1", true); err != nil {
		t.Fatal(err)
	}
	if err := db.SetSnoozed(ctx, "t1", 999); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkUnread(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	t1, _ = db.GetThread(ctx, "t1")
	if !t1.IsMuted || t1.SnoozedUntil != 999 {
		t.Errorf("muted/snoozed = %v/%d", t1.IsMuted, t1.SnoozedUntil)
	}
	if err := db.MarkRead(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	t1, _ = db.GetThread(ctx, "t1")
	if t1.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0", t1.UnreadCount)
	}

	if err := db.DeleteThread(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if th, _ := db.GetThread(ctx, "t1"); th != nil {
		t.Error("thread still present after delete")
	}
	if err := db.SetPinned(ctx, "missing", true); !errors.Is(err, ErrThreadNotFound) {
		t.Errorf("SetPinned(missing) error = %v, want ErrThreadNotFound", err)
	}
}

func TestPendingWriteLog(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.QueuePendingWrite(ctx, &PendingWrite{ID: "w1", ThreadGUID: "t1", Op: "pin", Payload: `{"pinned":true}`}); err != nil {
		t.Fatal(err)
	}
	queued, err := db.PendingWrites(ctx, "queued")
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 1 || queued[0].Op != "pin" {
		t.Fatalf("queued = %+v", queued)
	}

	if err := db.MarkPendingWriteSending(ctx, "w1"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkPendingWriteFailed(ctx, "w1", "disk full"); err != nil {
		t.Fatal(err)
	}
	failed, _ := db.PendingWrites(ctx, "failed")
	if len(failed) != 1 || failed[0].ErrorMessage != "disk full" || failed[0].Attempts != 1 {
		t.Fatalf("failed = %+v", failed)
	}

	if err := db.RequeuePendingWrite(ctx, "w1"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkPendingWriteDone(ctx, "w1"); err != nil {
		t.Fatal(err)
	}
	done, _ := db.PendingWrites(ctx, "done")
	if len(done) != 1 {
		t.Errorf("done = %d, want 1", len(done))
	}
}

func TestCheckpointsAndLinkPreviews(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	n, err := db.IntCheckpoint(ctx, "sms.last_id")
	if err != nil || n != 0 {
		t.Fatalf("missing checkpoint = %d, %v", n, err)
	}
	if err := db.SetCheckpoint(ctx, "sms.last_id", "42"); err != nil {
		t.Fatal(err)
	}
	n, _ = db.IntCheckpoint(ctx, "sms.last_id")
	if n != 42 {
		t.Errorf("checkpoint = %d, want 42", n)
	}

	if err := db.UpsertLinkPreview(ctx, "https://go.dev", "The Go Programming Language"); err != nil {
		t.Fatal(err)
	}
	title, ok, err := db.LinkPreviewTitle(ctx, "https://go.dev")
	if err != nil || !ok || title != "The Go Programming Language" {
		t.Errorf("title = %q, %v, %v", title, ok, err)
	}
}
