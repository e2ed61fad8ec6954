// Package projector turns stored threads into render-ready conversation
// records. Projection is a pure function of its inputs.
package projector

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/matheus3301/inbox/internal/conversation"
	"github.com/matheus3301/inbox/internal/identity"
	"github.com/matheus3301/inbox/internal/store"
)

const (
	maxPreviewLen     = 100
	temporaryIDPrefix = "temp-"
	inferredPrefix    = "Maybe: "
	groupPlaceholder  = "Group Chat"
	unknownName       = "Unknown"
)

// nameSuffixes are transport tags some stores append to cached thread names.
var nameSuffixes = []string{" (sms)", " (mms)", " (imessage)", " (whatsapp)"}

var urlPattern = regexp.MustCompile(`(?i)\bhttps?://\S+|\bwww\.\S+\.\S+`)

// LinkPreviewer resolves a cached page title for a URL. Implementations must
// not block on the network.
type LinkPreviewer interface {
	PreviewTitle(url string) (string, bool)
}

// Input is everything known about one thread at projection time.
type Input struct {
	Thread       store.Thread
	Participants []store.Participant
	Latest       *store.Message
}

// Projector converts stored threads into draft records.
type Projector struct {
	Normalizer identity.Normalizer
	Previews   LinkPreviewer
}

// New creates a projector. previews may be nil.
func New(n identity.Normalizer, previews LinkPreviewer) *Projector {
	return &Projector{Normalizer: n, Previews: previews}
}

// IsTemporaryID reports whether id is a locally assigned id for a message
// its transport has not acknowledged yet.
func IsTemporaryID(id string) bool {
	return strings.HasPrefix(id, temporaryIDPrefix)
}

// Project builds the pre-merge record for one thread.
func (p *Projector) Project(in Input) conversation.Record {
	t := in.Thread
	parts := p.participants(in.Participants)

	r := conversation.Record{
		PrimaryID:      t.GUID,
		MergedIDs:      []string{t.GUID},
		Kinds:          []store.Kind{t.Kind},
		IsGroup:        t.IsGroup,
		Participants:   parts,
		UnreadCount:    max(t.UnreadCount, 0),
		IsPinned:       t.IsPinned,
		IsMuted:        t.IsMuted,
		IsSnoozedUntil: t.SnoozedUntil,
		DraftText:      t.DraftText,
		HasDraft:       strings.TrimSpace(t.DraftText) != "",
	}
	if t.IsPinned && t.PinIndex != nil {
		rank := *t.PinIndex
		r.PinRank = &rank
	}
	if !t.IsGroup {
		r.ContactKey = p.Normalizer.Normalize(p.directAddress(t, in.Participants))
		for _, sp := range in.Participants {
			if sp.AvatarRef != "" {
				r.AvatarRef = sp.AvatarRef
				break
			}
		}
	}

	r.DisplayName, r.HasContact, r.HasInferredName = p.displayName(t, in.Participants, parts, r.ContactKey)
	r.LastMessage = p.preview(t, in.Latest, in.Participants)
	r.LastMessageStatus = DeriveStatus(in.Latest)
	return r
}

func (p *Projector) participants(in []store.Participant) []conversation.Participant {
	out := make([]conversation.Participant, 0, len(in))
	for _, sp := range in {
		out = append(out, conversation.Participant{
			Address:         sp.Address,
			DisplayName:     p.participantName(sp),
			AvatarRef:       sp.AvatarRef,
			HasInferredName: sp.HasInferredName(),
		})
	}
	return out
}

func (p *Projector) participantName(sp store.Participant) string {
	switch {
	case sp.ContactName != "":
		return sp.ContactName
	case sp.InferredName != "":
		return sp.InferredName
	default:
		return p.formatAddress(sp.Address)
	}
}

func (p *Projector) directAddress(t store.Thread, parts []store.Participant) string {
	if len(parts) > 0 {
		return parts[0].Address
	}
	if len(t.Addresses) > 0 {
		return t.Addresses[0]
	}
	return identity.AddressFromThreadID(t.GUID)
}

// displayName applies, in order: device contact name, cached thread name,
// inferred name, formatted address, joined participant names, placeholder.
func (p *Projector) displayName(t store.Thread, raw []store.Participant, parts []conversation.Participant, key string) (name string, hasContact, inferred bool) {
	if !t.IsGroup {
		for _, sp := range raw {
			if sp.ContactName != "" {
				return sp.ContactName, true, false
			}
		}
	}
	if cached := stripNameSuffix(t.Name); cached != "" {
		return cached, false, false
	}
	if !t.IsGroup {
		for _, sp := range raw {
			if sp.HasInferredName() {
				return inferredPrefix + sp.InferredName, false, true
			}
		}
		if key != "" {
			return p.formatAddress(key), false, false
		}
		return unknownName, false, false
	}
	if len(parts) > 0 {
		return joinNames(parts), false, false
	}
	return groupPlaceholder, false, false
}

func stripNameSuffix(name string) string {
	name = strings.TrimSpace(name)
	for {
		lower := strings.ToLower(name)
		stripped := false
		for _, suffix := range nameSuffixes {
			if strings.HasSuffix(lower, suffix) {
				name = strings.TrimSpace(name[:len(name)-len(suffix)])
				stripped = true
				break
			}
		}
		if !stripped {
			return name
		}
	}
}

func joinNames(parts []conversation.Participant) string {
	names := make([]string, 0, 3)
	for i, pt := range parts {
		if i == 3 {
			break
		}
		names = append(names, pt.DisplayName)
	}
	joined := strings.Join(names, ", ")
	if extra := len(parts) - len(names); extra > 0 {
		joined = fmt.Sprintf("%s +%d", joined, extra)
	}
	return joined
}

// formatAddress renders a North American E.164 number as +1 (555) 123-4567;
// other addresses are shown normalized.
func (p *Projector) formatAddress(addr string) string {
	key := p.Normalizer.Normalize(addr)
	if len(key) == 12 && strings.HasPrefix(key, "+1") {
		d := key[2:]
		return fmt.Sprintf("+1 (%s) %s-%s", d[:3], d[3:6], d[6:])
	}
	if key == "" {
		return strings.TrimSpace(addr)
	}
	return key
}

func (p *Projector) preview(t store.Thread, m *store.Message, raw []store.Participant) conversation.Preview {
	if m == nil {
		return conversation.Preview{Type: conversation.TypeNone, Timestamp: t.LastMessageAt}
	}
	typ := Classify(m)
	pv := conversation.Preview{
		Text:      previewText(m, typ),
		Type:      typ,
		Timestamp: m.CreatedAt,
		FromMe:    m.FromMe,
	}
	if typ == conversation.TypeLink && p.Previews != nil {
		if url := urlPattern.FindString(m.Body); url != "" && strings.TrimSpace(m.Body) == url {
			if title, ok := p.Previews.PreviewTitle(url); ok && title != "" {
				pv.Text = truncate(title, maxPreviewLen)
			}
		}
	}
	switch {
	case m.FromMe:
		pv.Sender = "You"
	case t.IsGroup && m.SenderAddress != "":
		pv.Sender = p.senderName(m.SenderAddress, raw)
	}
	return pv
}

func (p *Projector) senderName(addr string, raw []store.Participant) string {
	key := p.Normalizer.Normalize(addr)
	for _, sp := range raw {
		if p.Normalizer.Normalize(sp.Address) == key {
			return p.participantName(sp)
		}
	}
	return p.formatAddress(addr)
}

// Classify inspects the attachment MIME class first, then looks for a URL in
// the body, then falls back to plain text.
func Classify(m *store.Message) conversation.MessageType {
	if m == nil {
		return conversation.TypeNone
	}
	if mime := strings.ToLower(strings.TrimSpace(m.AttachmentMIME)); mime != "" {
		switch {
		case strings.HasPrefix(mime, "image/"):
			return conversation.TypeImage
		case strings.HasPrefix(mime, "video/"):
			return conversation.TypeVideo
		case strings.HasPrefix(mime, "audio/"):
			return conversation.TypeAudio
		case mime == "text/vcard" || mime == "text/x-vcard":
			return conversation.TypeContact
		case strings.Contains(mime, "location"):
			return conversation.TypeLocation
		default:
			return conversation.TypeFile
		}
	}
	if urlPattern.MatchString(m.Body) {
		return conversation.TypeLink
	}
	if strings.TrimSpace(m.Body) != "" {
		return conversation.TypeText
	}
	return conversation.TypeNone
}

func previewText(m *store.Message, typ conversation.MessageType) string {
	if body := strings.TrimSpace(m.Body); body != "" {
		return truncate(body, maxPreviewLen)
	}
	switch typ {
	case conversation.TypeImage:
		return "Image"
	case conversation.TypeVideo:
		return "Video"
	case conversation.TypeAudio:
		return "Audio message"
	case conversation.TypeContact:
		return "Contact card"
	case conversation.TypeLocation:
		return "Location"
	case conversation.TypeFile:
		return "Attachment"
	}
	return ""
}

// DeriveStatus computes the delivery state of an outgoing message. Incoming
// and missing messages have no status.
func DeriveStatus(m *store.Message) conversation.MessageStatus {
	switch {
	case m == nil || !m.FromMe:
		return conversation.MessageNone
	case m.ErrorCode != 0:
		return conversation.MessageFailed
	case IsTemporaryID(m.GUID):
		return conversation.MessageSending
	case m.ReadAt > 0:
		return conversation.MessageRead
	case m.DeliveredAt > 0:
		return conversation.MessageDelivered
	case m.IsSent:
		return conversation.MessageSent
	default:
		return conversation.MessageNone
	}
}

func truncate(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxLen])
}
