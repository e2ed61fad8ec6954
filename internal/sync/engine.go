package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/inbox/internal/bus"
	"github.com/matheus3301/inbox/internal/reconcile"
	"github.com/matheus3301/inbox/internal/store"
)

// Invalidator drops cached per-thread data after ingest touched it.
type Invalidator interface {
	Invalidate(threadGUIDs ...string)
}

// Engine handles idempotent ingestion of transport payloads into the store.
// It subscribes to "wa." and "sms." events on the bus and republishes what
// changed as "transport." events for the conversation list.
type Engine struct {
	db          *store.DB
	bus         *bus.Bus
	invalidator Invalidator
	logger      *zap.Logger
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewEngine creates a new sync engine. inv may be nil.
func NewEngine(db *store.DB, b *bus.Bus, inv Invalidator, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:          db,
		bus:         b,
		invalidator: inv,
		logger:      logger,
	}
}

// Start subscribes to inbound transport events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	wa, unsubWA := e.bus.SubscribeLossless("wa.")
	sms, unsubSMS := e.bus.SubscribeLossless("sms.")

	go func() {
		defer close(e.done)
		defer unsubWA()
		defer unsubSMS()
		for {
			select {
			case evt := <-wa:
				e.handleEvent(ctx, evt)
			case evt := <-sms:
				e.handleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine and waits for the event loop to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

func (e *Engine) handleEvent(ctx context.Context, evt bus.Event) {
	var err error
	switch p := evt.Payload.(type) {
	case *store.Inbound:
		_, err = e.IngestMessage(ctx, p)
	case []*store.Inbound:
		var n int
		n, err = e.IngestBatch(ctx, p)
		if err == nil {
			e.logger.Info("history batch ingested", zap.String("kind", evt.Kind), zap.Int("messages", len(p)), zap.Int("new", n))
		}
	case store.Receipt:
		err = e.ApplyReceipt(ctx, p)
	case store.ReadMark:
		err = e.ApplyReadMark(ctx, p)
	case store.Presence:
		e.publish(reconcile.TypingChanged{ThreadID: p.ThreadGUID, Typing: p.Typing})
	case []store.Participant:
		err = e.ApplyContacts(ctx, p)
	default:
		return
	}
	if err != nil {
		e.logger.Error("failed to ingest event", zap.String("kind", evt.Kind), zap.Error(err))
	}
}

// IngestMessage stores one message with its thread and participants
// (idempotent) and reports whether the message was new.
func (e *Engine) IngestMessage(ctx context.Context, in *store.Inbound) (bool, error) {
	inserted, err := e.ingest(ctx, in)
	if err != nil {
		return false, err
	}
	e.invalidate(in.Thread.GUID)
	if inserted {
		e.publish(reconcile.NewMessage{ThreadID: in.Thread.GUID})
	} else {
		e.publish(reconcile.MessageUpdated{ThreadID: in.Thread.GUID})
	}
	return inserted, nil
}

// IngestBatch stores a history batch and publishes one event per touched
// thread. It returns how many messages were new.
func (e *Engine) IngestBatch(ctx context.Context, batch []*store.Inbound) (int, error) {
	touched := make(map[string]bool)
	var order []string
	n := 0
	for _, in := range batch {
		inserted, err := e.ingest(ctx, in)
		if err != nil {
			return n, err
		}
		if inserted {
			n++
		}
		if _, ok := touched[in.Thread.GUID]; !ok {
			order = append(order, in.Thread.GUID)
		}
		touched[in.Thread.GUID] = touched[in.Thread.GUID] || inserted
	}

	e.invalidate(order...)
	for _, id := range order {
		if touched[id] {
			e.publish(reconcile.NewMessage{ThreadID: id})
		} else {
			e.publish(reconcile.MessageUpdated{ThreadID: id})
		}
	}
	return n, nil
}

func (e *Engine) ingest(ctx context.Context, in *store.Inbound) (bool, error) {
	th := in.Thread
	if th.GUID == "" {
		th.GUID = in.Message.ThreadGUID
	}
	if th.GUID == "" {
		return false, errors.New("inbound message without thread")
	}
	th.LastMessageAt = max(th.LastMessageAt, in.Message.CreatedAt)
	if err := e.db.UpsertThread(ctx, &th); err != nil {
		return false, fmt.Errorf("upsert thread: %w", err)
	}

	if len(in.Participants) > 0 {
		parts := make([]store.Participant, len(in.Participants))
		for i, p := range in.Participants {
			p.ThreadGUID = th.GUID
			parts[i] = p
		}
		if err := e.db.UpsertParticipants(ctx, parts); err != nil {
			return false, fmt.Errorf("upsert participants: %w", err)
		}
	}

	if in.Message.GUID == "" {
		return false, nil
	}
	msg := in.Message
	msg.ThreadGUID = th.GUID
	inserted, err := e.db.UpsertMessage(ctx, &msg)
	if err != nil {
		return false, fmt.Errorf("upsert message: %w", err)
	}
	return inserted, nil
}

// ApplyReceipt records delivery/read receipts for outgoing messages.
func (e *Engine) ApplyReceipt(ctx context.Context, r store.Receipt) error {
	n, err := e.db.UpdateReceipts(ctx, r.MessageGUIDs, r.DeliveredAt, r.ReadAt)
	if err != nil {
		return fmt.Errorf("update receipts: %w", err)
	}
	if n > 0 {
		e.publish(reconcile.MessageUpdated{ThreadID: r.ThreadGUID})
	}
	return nil
}

// ApplyReadMark clears a thread's unread count after it was read elsewhere.
func (e *Engine) ApplyReadMark(ctx context.Context, r store.ReadMark) error {
	if err := e.db.MarkRead(ctx, r.ThreadGUID); err != nil && !errors.Is(err, store.ErrThreadNotFound) {
		return fmt.Errorf("mark read: %w", err)
	}
	e.publish(reconcile.ChatRead{ThreadID: r.ThreadGUID})
	return nil
}

// ApplyContacts refreshes participant names for threads already stored.
func (e *Engine) ApplyContacts(ctx context.Context, contacts []store.Participant) error {
	var known []store.Participant
	var ids []string
	for _, c := range contacts {
		th, err := e.db.GetThread(ctx, c.ThreadGUID)
		if err != nil {
			return fmt.Errorf("get thread: %w", err)
		}
		if th == nil {
			continue
		}
		known = append(known, c)
		ids = append(ids, c.ThreadGUID)
	}
	if len(known) == 0 {
		return nil
	}
	if err := e.db.UpsertParticipants(ctx, known); err != nil {
		return fmt.Errorf("upsert contacts: %w", err)
	}
	e.invalidate(ids...)
	for _, id := range ids {
		e.publish(reconcile.MessageUpdated{ThreadID: id})
	}
	return nil
}

func (e *Engine) invalidate(ids ...string) {
	if e.invalidator != nil && len(ids) > 0 {
		e.invalidator.Invalidate(ids...)
	}
}

func (e *Engine) publish(ev reconcile.Event) {
	e.bus.Publish(bus.Event{
		Kind:      reconcile.BusKind(ev),
		Timestamp: time.Now(),
		Payload:   ev,
	})
}
