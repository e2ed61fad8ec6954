package wa

import (
	"context"
	"time"

	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"

	"github.com/matheus3301/inbox/internal/bus"
	"github.com/matheus3301/inbox/internal/status"
	"github.com/matheus3301/inbox/internal/store"
)

// EventHandler processes whatsmeow events, drives the connection state
// machine, and publishes ingest payloads on the bus under "wa." kinds. It
// does NOT call the sync engine directly; the engine subscribes to the bus.
type EventHandler struct {
	bus     *bus.Bus
	machine *status.Machine
	adapter *Adapter
	logger  *zap.Logger
}

// NewEventHandler creates a new event handler. adapter may be nil, in which
// case LID JIDs are not resolved to phone numbers.
func NewEventHandler(b *bus.Bus, machine *status.Machine, adapter *Adapter, logger *zap.Logger) *EventHandler {
	return &EventHandler{
		bus:     b,
		machine: machine,
		adapter: adapter,
		logger:  logger,
	}
}

// Handle is the main whatsmeow event handler function.
func (h *EventHandler) Handle(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		h.handleMessage(evt)
	case *events.Receipt:
		h.handleReceipt(evt)
	case *events.MarkChatAsRead:
		if evt.Action.GetRead() {
			h.publish("wa.chat_read", store.ReadMark{ThreadGUID: h.resolveJID(evt.JID.String())})
		}
	case *events.ChatPresence:
		h.publish("wa.presence", store.Presence{
			ThreadGUID: h.resolveJID(evt.Chat.String()),
			Typing:     evt.State == types.ChatPresenceComposing,
		})
	case *events.PushName:
		jid := h.resolveJID(evt.JID.String())
		h.publish("wa.contacts", []store.Participant{{ThreadGUID: jid, Address: jid, InferredName: evt.NewPushName}})
	case *events.Connected:
		h.logger.Info("push transport connected")
		current := h.machine.Current()
		if current == status.AuthRequired || current == status.Reconnecting {
			_ = h.machine.Transition(status.Connecting)
		}
		_ = h.machine.Transition(status.Syncing)
		h.bus.Publish(bus.Event{Kind: "sync.connected", Timestamp: time.Now()})
	case *events.Disconnected:
		h.logger.Warn("push transport disconnected")
		_ = h.machine.Transition(status.Reconnecting)
		h.bus.Publish(bus.Event{Kind: "sync.disconnected", Timestamp: time.Now()})
	case *events.HistorySync:
		h.handleHistorySync(evt)
	case *events.LoggedOut:
		h.logger.Warn("push transport logged out", zap.String("reason", evt.Reason.String()))
		_ = h.machine.Transition(status.AuthRequired)
		h.bus.Publish(bus.Event{Kind: "session.logged_out", Timestamp: time.Now(), Payload: evt.Reason.String()})
	}
}

func (h *EventHandler) publish(kind string, payload any) {
	h.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

// resolveJID strips the device suffix and maps LID JIDs to phone JIDs when
// the device store knows the mapping.
func (h *EventHandler) resolveJID(jid string) string {
	normalized := NormalizeJID(jid)
	if h.adapter == nil || normalized == "" {
		return normalized
	}
	parsed, err := types.ParseJID(normalized)
	if err != nil {
		return normalized
	}
	return h.adapter.ResolveLID(context.Background(), parsed).String()
}

func (h *EventHandler) handleMessage(evt *events.Message) {
	if h.machine.Current() == status.Syncing {
		_ = h.machine.Transition(status.Ready)
	}

	parsed := ParseLiveMessage(evt)
	parsed.ChatJID = h.resolveJID(parsed.ChatJID)
	parsed.SenderJID = h.resolveJID(parsed.SenderJID)
	h.publish("wa.message", parsed.ToInbound())
}

func (h *EventHandler) handleReceipt(evt *events.Receipt) {
	chat := h.resolveJID(evt.Chat.String())
	if evt.Type == types.ReceiptTypeReadSelf {
		h.publish("wa.chat_read", store.ReadMark{ThreadGUID: chat})
		return
	}

	r := store.Receipt{ThreadGUID: chat}
	switch evt.Type {
	case types.ReceiptTypeDelivered:
		r.DeliveredAt = evt.Timestamp.UnixMilli()
	case types.ReceiptTypeRead, types.ReceiptTypePlayed:
		r.ReadAt = evt.Timestamp.UnixMilli()
	default:
		return
	}
	for _, id := range evt.MessageIDs {
		r.MessageGUIDs = append(r.MessageGUIDs, MessageGUID(chat, id))
	}
	h.publish("wa.receipt", r)
}

func (h *EventHandler) handleHistorySync(evt *events.HistorySync) {
	data := evt.Data
	if data == nil {
		return
	}

	var batch []*store.Inbound
	var contacts []store.Participant
	for _, conv := range data.GetConversations() {
		chatJID := h.resolveJID(conv.GetID())
		group := isGroupJID(chatJID)
		thread := store.Thread{
			GUID:        chatJID,
			Kind:        store.KindPush,
			IsGroup:     group,
			UnreadCount: int(conv.GetUnreadCount()),
		}
		if group {
			thread.Name = conv.GetName()
		} else if name := conv.GetName(); name != "" {
			contacts = append(contacts, store.Participant{ThreadGUID: chatJID, Address: chatJID, ContactName: name})
		}

		for _, hm := range conv.GetMessages() {
			wmsg := hm.GetMessage()
			if wmsg == nil || wmsg.GetMessage() == nil {
				continue
			}
			info := wmsg.GetMessage()
			key := wmsg.GetKey()
			sender := key.GetParticipant()
			if sender == "" && !key.GetFromMe() {
				sender = chatJID
			}
			parsed := &ParsedMessage{
				ChatJID:        chatJID,
				MsgID:          key.GetID(),
				SenderJID:      h.resolveJID(sender),
				SenderName:     wmsg.GetPushName(),
				Body:           extractTextBody(info),
				AttachmentMIME: attachmentMIME(info),
				FromMe:         key.GetFromMe(),
				IsGroup:        group,
				Timestamp:      int64(wmsg.GetMessageTimestamp()) * 1000,
			}
			in := parsed.ToInbound()
			in.Thread.Name = thread.Name
			in.Thread.UnreadCount = thread.UnreadCount
			// History is already accounted for by the conversation's own count.
			in.Message.ReadAt = in.Message.CreatedAt
			batch = append(batch, in)
		}
	}

	if len(batch) > 0 {
		h.publish("wa.history_batch", batch)
	}
	if len(contacts) > 0 {
		h.publish("wa.contacts", contacts)
	}
}
