package projector

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/matheus3301/inbox/internal/conversation"
	"github.com/matheus3301/inbox/internal/identity"
	"github.com/matheus3301/inbox/internal/store"
)

type staticPreviews map[string]string

func (s staticPreviews) PreviewTitle(url string) (string, bool) {
	title, ok := s[url]
	return title, ok
}

func newProjector() *Projector {
	return New(identity.Normalizer{CountryCode: "1"}, staticPreviews{"https://go.dev": "The Go Programming Language"})
}

func TestProjectDisplayNamePriority(t *testing.T) {
	p := newProjector()

	tests := []struct {
		name        string
		thread      store.Thread
		parts       []store.Participant
		want        string
		wantContact bool
		wantInfer   bool
	}{
		{
			name:        "device contact wins",
			thread:      store.Thread{GUID: "sms;-;+15551234567", Name: "Cached"},
			parts:       []store.Participant{{Address: "+15551234567", ContactName: "Alice", InferredName: "Al"}},
			want:        "Alice",
			wantContact: true,
		},
		{
			name:   "cached name with transport suffix",
			thread: store.Thread{GUID: "sms;-;+15551234567", Name: "Bob (SMS)"},
			parts:  []store.Participant{{Address: "+15551234567"}},
			want:   "Bob",
		},
		{
			name:      "inferred name",
			thread:    store.Thread{GUID: "sms;-;+15551234567"},
			parts:     []store.Participant{{Address: "+15551234567", InferredName: "Carol"}},
			want:      "Maybe: Carol",
			wantInfer: true,
		},
		{
			name:   "formatted address",
			thread: store.Thread{GUID: "sms;-;5551234567"},
			want:   "+1 (555) 123-4567",
		},
		{
			name:   "email address",
			thread: store.Thread{GUID: "push-1", Addresses: []string{"Dave@Example.com"}},
			want:   "dave@example.com",
		},
		{
			name:   "group joins names",
			thread: store.Thread{GUID: "g1", IsGroup: true},
			parts: []store.Participant{
				{Address: "+15550000001", ContactName: "Ann"},
				{Address: "+15550000002", ContactName: "Ben"},
				{Address: "+15550000003", InferredName: "Cat"},
				{Address: "+15550000004", ContactName: "Dan"},
				{Address: "+15550000005", ContactName: "Eve"},
			},
			want: "Ann, Ben, Cat +2",
		},
		{
			name:   "empty group",
			thread: store.Thread{GUID: "g2", IsGroup: true},
			want:   "Group Chat",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := p.Project(Input{Thread: tt.thread, Participants: tt.parts})
			assert.Equal(t, tt.want, r.DisplayName)
			assert.Equal(t, tt.wantContact, r.HasContact)
			assert.Equal(t, tt.wantInfer, r.HasInferredName)
		})
	}
}

func TestProjectContactKey(t *testing.T) {
	p := newProjector()

	sms := p.Project(Input{Thread: store.Thread{GUID: "sms;-;(555) 123-4567", Kind: store.KindSMS}})
	push := p.Project(Input{
		Thread:       store.Thread{GUID: "push-9", Kind: store.KindPush},
		Participants: []store.Participant{{Address: "15551234567@s.whatsapp.net"}},
	})
	group := p.Project(Input{Thread: store.Thread{GUID: "g", IsGroup: true}})

	assert.Equal(t, "+15551234567", sms.ContactKey)
	assert.Equal(t, sms.ContactKey, push.ContactKey)
	assert.Empty(t, group.ContactKey)
	assert.Equal(t, []string{"sms;-;(555) 123-4567"}, sms.MergedIDs)
	assert.Equal(t, []store.Kind{store.KindSMS}, sms.Kinds)
}

func TestProjectFlags(t *testing.T) {
	p := newProjector()
	idx := 2
	r := p.Project(Input{Thread: store.Thread{
		GUID:         "t",
		IsPinned:     true,
		PinIndex:     &idx,
		IsMuted:      true,
		UnreadCount:  3,
		SnoozedUntil: 42,
		DraftText:    "  half a thought",
	}})

	assert.True(t, r.IsPinned)
	if assert.NotNil(t, r.PinRank) {
		assert.Equal(t, 2, *r.PinRank)
	}
	idx = 7
	assert.Equal(t, 2, *r.PinRank, "record must not alias the thread's pin index")
	assert.True(t, r.IsMuted)
	assert.Equal(t, 3, r.UnreadCount)
	assert.Equal(t, int64(42), r.IsSnoozedUntil)
	assert.True(t, r.HasDraft)
}

func TestProjectPreview(t *testing.T) {
	p := newProjector()
	group := store.Thread{GUID: "g", IsGroup: true, LastMessageAt: 5}
	parts := []store.Participant{{Address: "+15550000001", ContactName: "Ann"}}

	t.Run("no message", func(t *testing.T) {
		r := p.Project(Input{Thread: group})
		assert.Equal(t, conversation.TypeNone, r.LastMessage.Type)
		assert.Equal(t, int64(5), r.LastMessage.Timestamp)
		assert.Equal(t, conversation.MessageNone, r.LastMessageStatus)
	})

	t.Run("group sender", func(t *testing.T) {
		r := p.Project(Input{Thread: group, Participants: parts, Latest: &store.Message{
			GUID: "m", SenderAddress: "5550000001", Body: "hello", CreatedAt: 10,
		}})
		assert.Equal(t, "Ann", r.LastMessage.Sender)
		assert.Equal(t, conversation.TypeText, r.LastMessage.Type)
		assert.Equal(t, int64(10), r.LastMessage.Timestamp)
	})

	t.Run("outgoing", func(t *testing.T) {
		r := p.Project(Input{Thread: group, Latest: &store.Message{GUID: "m", FromMe: true, IsSent: true, Body: "hi"}})
		assert.Equal(t, "You", r.LastMessage.Sender)
		assert.Equal(t, conversation.MessageSent, r.LastMessageStatus)
	})

	t.Run("link title", func(t *testing.T) {
		r := p.Project(Input{Thread: store.Thread{GUID: "d"}, Latest: &store.Message{GUID: "m", Body: "https://go.dev"}})
		assert.Equal(t, conversation.TypeLink, r.LastMessage.Type)
		assert.Equal(t, "The Go Programming Language", r.LastMessage.Text)
		assert.Empty(t, r.LastMessage.Sender)
	})

	t.Run("attachment placeholder", func(t *testing.T) {
		r := p.Project(Input{Thread: store.Thread{GUID: "d"}, Latest: &store.Message{GUID: "m", AttachmentMIME: "image/jpeg"}})
		assert.Equal(t, conversation.TypeImage, r.LastMessage.Type)
		assert.Equal(t, "Image", r.LastMessage.Text)
	})
}

func TestClassify(t *testing.T) {
	tests := []struct {
		msg  store.Message
		want conversation.MessageType
	}{
		{store.Message{AttachmentMIME: "video/mp4", Body: "https://x.y"}, conversation.TypeVideo},
		{store.Message{AttachmentMIME: "audio/ogg"}, conversation.TypeAudio},
		{store.Message{AttachmentMIME: "text/vcard"}, conversation.TypeContact},
		{store.Message{AttachmentMIME: "application/vnd.geo+location"}, conversation.TypeLocation},
		{store.Message{AttachmentMIME: "application/pdf"}, conversation.TypeFile},
		{store.Message{Body: "see www.example.com now"}, conversation.TypeLink},
		{store.Message{Body: "plain"}, conversation.TypeText},
		{store.Message{Body: "  "}, conversation.TypeNone},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(&tt.msg), "%+v", tt.msg)
	}
}

func TestDeriveStatus(t *testing.T) {
	tests := []struct {
		name string
		msg  *store.Message
		want conversation.MessageStatus
	}{
		{"nil", nil, conversation.MessageNone},
		{"incoming", &store.Message{GUID: "m", ReadAt: 5}, conversation.MessageNone},
		{"temporary", &store.Message{GUID: "temp-5d2c", FromMe: true}, conversation.MessageSending},
		{"failed", &store.Message{GUID: "temp-91af", FromMe: true, ErrorCode: 4}, conversation.MessageFailed},
		{"read", &store.Message{GUID: "m", FromMe: true, IsSent: true, DeliveredAt: 1, ReadAt: 2}, conversation.MessageRead},
		{"delivered", &store.Message{GUID: "m", FromMe: true, IsSent: true, DeliveredAt: 1}, conversation.MessageDelivered},
		{"sent", &store.Message{GUID: "m", FromMe: true, IsSent: true}, conversation.MessageSent},
		{"unknown", &store.Message{GUID: "m", FromMe: true}, conversation.MessageNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveStatus(tt.msg))
		})
	}
}

func TestTruncateIsRuneSafe(t *testing.T) {
	long := ""
	for range 120 {
		long += "é"
	}
	got := truncate(long, maxPreviewLen)
	assert.Equal(t, maxPreviewLen, len([]rune(got)))
}
