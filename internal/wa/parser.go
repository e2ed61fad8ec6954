package wa

import (
	"strings"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/matheus3301/inbox/internal/store"
)

// ParsedMessage is a normalized message ready for ingestion.
type ParsedMessage struct {
	ChatJID        string
	MsgID          string
	SenderJID      string
	SenderName     string
	Body           string
	AttachmentMIME string
	FromMe         bool
	IsGroup        bool
	Timestamp      int64
	// Update marks edits and reactions. MsgID then names the target message
	// and the parsed message carries no new content of its own.
	Update bool
}

// MessageGUID builds the store guid for a message. Message ids are only
// unique within a chat.
func MessageGUID(chatJID, msgID string) string {
	return chatJID + "/" + msgID
}

// ParseLiveMessage normalizes a live whatsmeow message event.
func ParseLiveMessage(evt *events.Message) *ParsedMessage {
	p := &ParsedMessage{
		ChatJID:    NormalizeJID(evt.Info.Chat.String()),
		MsgID:      evt.Info.ID,
		SenderJID:  NormalizeJID(evt.Info.Sender.String()),
		SenderName: evt.Info.PushName,
		FromMe:     evt.Info.IsFromMe,
		IsGroup:    evt.Info.IsGroup || evt.Info.Chat.Server == types.GroupServer,
		Timestamp:  evt.Info.Timestamp.UnixMilli(),
	}
	msg := evt.Message
	if pm := msg.GetProtocolMessage(); pm != nil && pm.GetType() == waE2E.ProtocolMessage_MESSAGE_EDIT {
		p.Update = true
		p.MsgID = pm.GetKey().GetID()
		p.Body = extractTextBody(pm.GetEditedMessage())
		return p
	}
	if r := msg.GetReactionMessage(); r != nil {
		p.Update = true
		p.MsgID = r.GetKey().GetID()
		return p
	}
	p.Body = extractTextBody(msg)
	p.AttachmentMIME = attachmentMIME(msg)
	return p
}

// ToInbound converts a ParsedMessage into an ingest payload.
func (p *ParsedMessage) ToInbound() *store.Inbound {
	in := &store.Inbound{
		Thread: store.Thread{
			GUID:    p.ChatJID,
			Kind:    store.KindPush,
			IsGroup: p.IsGroup,
		},
	}
	if !p.FromMe && p.SenderJID != "" {
		in.Participants = []store.Participant{{Address: p.SenderJID, InferredName: p.SenderName}}
	}
	if p.Update {
		if p.Body != "" {
			in.Message = store.Message{GUID: MessageGUID(p.ChatJID, p.MsgID), Body: p.Body}
		}
		return in
	}
	in.Thread.LastMessageAt = p.Timestamp
	in.Message = store.Message{
		GUID:           MessageGUID(p.ChatJID, p.MsgID),
		ThreadGUID:     p.ChatJID,
		SenderAddress:  p.SenderJID,
		Body:           p.Body,
		FromMe:         p.FromMe,
		IsSent:         p.FromMe,
		AttachmentMIME: p.AttachmentMIME,
		CreatedAt:      p.Timestamp,
	}
	return in
}

// NormalizeJID strips the device suffix from a JID string
// ("user:3@s.whatsapp.net" becomes "user@s.whatsapp.net").
func NormalizeJID(jid string) string {
	if jid == "" {
		return ""
	}
	parsed, err := types.ParseJID(jid)
	if err != nil {
		return jid
	}
	return parsed.ToNonAD().String()
}

func isGroupJID(jid string) bool {
	return strings.HasSuffix(jid, "@"+types.GroupServer)
}

func extractTextBody(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if c := msg.GetConversation(); c != "" {
		return c
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	if img := msg.GetImageMessage(); img != nil {
		return img.GetCaption()
	}
	if vid := msg.GetVideoMessage(); vid != nil {
		return vid.GetCaption()
	}
	return ""
}

// attachmentMIME maps media messages to the MIME types the projector
// classifies previews by.
func attachmentMIME(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	orDefault := func(mime, def string) string {
		if mime != "" {
			return mime
		}
		return def
	}
	switch {
	case msg.GetImageMessage() != nil:
		return orDefault(msg.GetImageMessage().GetMimetype(), "image/jpeg")
	case msg.GetStickerMessage() != nil:
		return orDefault(msg.GetStickerMessage().GetMimetype(), "image/webp")
	case msg.GetVideoMessage() != nil:
		return orDefault(msg.GetVideoMessage().GetMimetype(), "video/mp4")
	case msg.GetAudioMessage() != nil:
		return orDefault(msg.GetAudioMessage().GetMimetype(), "audio/ogg")
	case msg.GetDocumentMessage() != nil:
		return orDefault(msg.GetDocumentMessage().GetMimetype(), "application/octet-stream")
	case msg.GetContactMessage() != nil:
		return "text/vcard"
	case msg.GetLocationMessage() != nil, msg.GetLiveLocationMessage() != nil:
		return "location"
	default:
		return ""
	}
}
