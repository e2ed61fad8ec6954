// Package smsscan imports the legacy SMS/MMS transport from an Android-style
// mmssms.db owned by another process. The file is opened read-only; rows
// above per-table checkpoints are handed to the ingest sink in batches.
package smsscan

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/inbox/internal/bus"
	"github.com/matheus3301/inbox/internal/store"
)

const (
	// BatchSize bounds the rows read per table per pass.
	BatchSize = 500

	checkpointSMS = "sms.last_sms_id"
	checkpointMMS = "sms.last_mms_id"
)

// Android message box values shared by sms.type and pdu.msg_box.
const (
	boxInbox  = 1
	boxSent   = 2
	boxDraft  = 3
	boxOutbox = 4
	boxFailed = 5
	boxQueued = 6
)

// addr.type for the sender of an MMS.
const addrFrom = 137

// Sink stores a batch and returns how many messages were new.
type Sink interface {
	IngestBatch(ctx context.Context, batch []*store.Inbound) (int, error)
}

// Checkpoints persists scan positions.
type Checkpoints interface {
	IntCheckpoint(ctx context.Context, key string) (int64, error)
	SetCheckpoint(ctx context.Context, key, value string) error
}

// Result summarizes one scan.
type Result struct {
	SMS int `json:"sms"`
	MMS int `json:"mms"`
	New int `json:"new"`
}

// Scanner reads new rows from the legacy database.
type Scanner struct {
	path        string
	sink        Sink
	checkpoints Checkpoints
	bus         *bus.Bus
	logger      *zap.Logger
}

// New creates a scanner for the database at path.
func New(path string, sink Sink, cp Checkpoints, b *bus.Bus, logger *zap.Logger) *Scanner {
	return &Scanner{
		path:        path,
		sink:        sink,
		checkpoints: cp,
		bus:         b,
		logger:      logger,
	}
}

type threadInfo struct {
	guid       string
	isGroup    bool
	recipients []string
}

// Scan imports everything above the checkpoints. Checkpoints advance only
// after the sink committed a batch.
func (s *Scanner) Scan(ctx context.Context) (Result, error) {
	var res Result
	src, err := store.OpenReadOnly(s.path)
	if err != nil {
		return res, err
	}
	defer func() { _ = src.Close() }()

	threads, err := loadThreads(ctx, src)
	if err != nil {
		return res, fmt.Errorf("load threads: %w", err)
	}

	for {
		n, fresh, err := s.scanSMS(ctx, src, threads)
		res.SMS += n
		res.New += fresh
		if err != nil {
			return res, fmt.Errorf("scan sms: %w", err)
		}
		if n < BatchSize {
			break
		}
	}
	for {
		n, fresh, err := s.scanMMS(ctx, src, threads)
		res.MMS += n
		res.New += fresh
		if err != nil {
			return res, fmt.Errorf("scan mms: %w", err)
		}
		if n < BatchSize {
			break
		}
	}

	if res.SMS+res.MMS > 0 {
		s.logger.Info("legacy messages imported", zap.Int("sms", res.SMS), zap.Int("mms", res.MMS), zap.Int("new", res.New))
		if s.bus != nil {
			s.bus.Publish(bus.Event{Kind: "sms.scan_complete", Timestamp: time.Now(), Payload: res})
		}
	}
	return res, nil
}

// loadThreads resolves each thread's recipient list through canonical_addresses.
func loadThreads(ctx context.Context, src *sql.DB) (map[int64]threadInfo, error) {
	addrs := make(map[string]string)
	rows, err := src.QueryContext(ctx, `SELECT _id, address FROM canonical_addresses`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var id int64
		var addr sql.NullString
		if err := rows.Scan(&id, &addr); err != nil {
			_ = rows.Close()
			return nil, err
		}
		addrs[strconv.FormatInt(id, 10)] = addr.String
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	threads := make(map[int64]threadInfo)
	rows, err = src.QueryContext(ctx, `SELECT _id, COALESCE(recipient_ids, '') FROM threads`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var id int64
		var ids string
		if err := rows.Scan(&id, &ids); err != nil {
			return nil, err
		}
		var recipients []string
		for _, rid := range strings.Fields(ids) {
			if a := addrs[rid]; a != "" {
				recipients = append(recipients, a)
			}
		}
		threads[id] = newThreadInfo(id, recipients)
	}
	return threads, rows.Err()
}

func newThreadInfo(id int64, recipients []string) threadInfo {
	if len(recipients) == 1 {
		return threadInfo{guid: "sms;-;" + recipients[0], recipients: recipients}
	}
	return threadInfo{guid: "sms;+;" + strconv.FormatInt(id, 10), isGroup: len(recipients) > 1, recipients: recipients}
}

// thread returns the thread a row belongs to, falling back to the row's own
// address for threads the threads table does not list.
func thread(threads map[int64]threadInfo, id int64, address string) threadInfo {
	if t, ok := threads[id]; ok {
		return t
	}
	if address != "" {
		return threadInfo{guid: "sms;-;" + address, recipients: []string{address}}
	}
	return newThreadInfo(id, nil)
}

func (t threadInfo) inbound() *store.Inbound {
	in := &store.Inbound{Thread: store.Thread{GUID: t.guid, Kind: store.KindSMS, IsGroup: t.isGroup}}
	for _, r := range t.recipients {
		in.Participants = append(in.Participants, store.Participant{Address: r})
	}
	return in
}

func (s *Scanner) scanSMS(ctx context.Context, src *sql.DB, threads map[int64]threadInfo) (int, int, error) {
	last, err := s.checkpoints.IntCheckpoint(ctx, checkpointSMS)
	if err != nil {
		return 0, 0, err
	}
	rows, err := src.QueryContext(ctx, `
		SELECT _id, thread_id, COALESCE(address, ''), COALESCE(body, ''), date, type, read
		FROM sms WHERE _id > ? ORDER BY _id LIMIT ?`, last, BatchSize)
	if err != nil {
		return 0, 0, err
	}
	defer func() { _ = rows.Close() }()

	var batch []*store.Inbound
	n := 0
	maxID := last
	for rows.Next() {
		var (
			id, threadID, date int64
			box, read          int
			address, body      string
		)
		if err := rows.Scan(&id, &threadID, &address, &body, &date, &box, &read); err != nil {
			return n, 0, err
		}
		n++
		maxID = id

		t := thread(threads, threadID, address)
		in := t.inbound()
		if box == boxDraft {
			in.Thread.DraftText = body
			batch = append(batch, in)
			continue
		}
		in.Message = message(fmt.Sprintf("sms-%d", id), address, body, date, box, read != 0)
		batch = append(batch, in)
	}
	if err := rows.Err(); err != nil {
		return n, 0, err
	}
	fresh, err := s.commit(ctx, batch, checkpointSMS, maxID, last)
	return n, fresh, err
}

func (s *Scanner) scanMMS(ctx context.Context, src *sql.DB, threads map[int64]threadInfo) (int, int, error) {
	last, err := s.checkpoints.IntCheckpoint(ctx, checkpointMMS)
	if err != nil {
		return 0, 0, err
	}
	rows, err := src.QueryContext(ctx, `
		SELECT p._id, p.thread_id, p.date, p.msg_box, p.read,
			COALESCE((SELECT group_concat(text, ' ') FROM part WHERE mid = p._id AND ct = 'text/plain'), ''),
			COALESCE((SELECT ct FROM part WHERE mid = p._id AND ct NOT IN ('text/plain', 'application/smil') ORDER BY _id LIMIT 1), ''),
			COALESCE((SELECT address FROM addr WHERE msg_id = p._id AND type = ? LIMIT 1), '')
		FROM pdu p WHERE p._id > ? ORDER BY p._id LIMIT ?`, addrFrom, last, BatchSize)
	if err != nil {
		return 0, 0, err
	}
	defer func() { _ = rows.Close() }()

	var batch []*store.Inbound
	n := 0
	maxID := last
	for rows.Next() {
		var (
			id, threadID, date int64
			box, read          int
			body, mime, sender string
		)
		if err := rows.Scan(&id, &threadID, &date, &box, &read, &body, &mime, &sender); err != nil {
			return n, 0, err
		}
		n++
		maxID = id

		t := thread(threads, threadID, "")
		in := t.inbound()
		// pdu dates are in seconds.
		in.Message = message(fmt.Sprintf("mms-%d", id), sender, body, date*1000, box, read != 0)
		in.Message.AttachmentMIME = mime
		batch = append(batch, in)
	}
	if err := rows.Err(); err != nil {
		return n, 0, err
	}
	fresh, err := s.commit(ctx, batch, checkpointMMS, maxID, last)
	return n, fresh, err
}

func message(guid, address, body string, date int64, box int, read bool) store.Message {
	m := store.Message{
		GUID:      guid,
		Body:      body,
		CreatedAt: date,
	}
	switch box {
	case boxSent:
		m.FromMe, m.IsSent = true, true
	case boxOutbox, boxQueued:
		m.FromMe = true
	case boxFailed:
		m.FromMe, m.ErrorCode = true, 1
	default:
		m.SenderAddress = address
		if read {
			m.ReadAt = date
		}
	}
	return m
}

func (s *Scanner) commit(ctx context.Context, batch []*store.Inbound, key string, maxID, last int64) (int, error) {
	if maxID == last {
		return 0, nil
	}
	fresh := 0
	if len(batch) > 0 {
		n, err := s.sink.IngestBatch(ctx, batch)
		if err != nil {
			return 0, err
		}
		fresh = n
	}
	if err := s.checkpoints.SetCheckpoint(ctx, key, strconv.FormatInt(maxID, 10)); err != nil {
		return fresh, errors.Join(errors.New("save checkpoint"), err)
	}
	return fresh, nil
}
