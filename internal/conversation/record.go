// Package conversation defines the unified conversation record shown in the
// list, and the total order the list is kept in.
package conversation

import (
	"slices"

	"github.com/matheus3301/inbox/internal/store"
)

// MessageStatus is the delivery state of an outgoing last message.
type MessageStatus string

const (
	MessageNone      MessageStatus = "none"
	MessageSending   MessageStatus = "sending"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
	MessageFailed    MessageStatus = "failed"
)

// MessageType tags the content of a preview.
type MessageType string

const (
	TypeNone     MessageType = "none"
	TypeText     MessageType = "text"
	TypeLink     MessageType = "link"
	TypeImage    MessageType = "image"
	TypeVideo    MessageType = "video"
	TypeAudio    MessageType = "audio"
	TypeContact  MessageType = "contact"
	TypeLocation MessageType = "location"
	TypeFile     MessageType = "file"
)

// Preview summarizes a conversation's last message.
type Preview struct {
	Text      string      `json:"text"`
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"`
	Sender    string      `json:"sender,omitempty"`
	FromMe    bool        `json:"from_me"`
}

// Participant is a render-ready participant.
type Participant struct {
	Address         string `json:"address"`
	DisplayName     string `json:"display_name"`
	AvatarRef       string `json:"avatar_ref,omitempty"`
	HasInferredName bool   `json:"has_inferred_name"`
}

// Record is one user-facing conversation folding one or more stored threads.
type Record struct {
	PrimaryID    string        `json:"primary_id"`
	MergedIDs    []string      `json:"merged_ids"`
	Kinds        []store.Kind  `json:"kinds"`
	ContactKey   string        `json:"contact_key,omitempty"`
	DisplayName  string        `json:"display_name"`
	AvatarRef    string        `json:"avatar_ref,omitempty"`
	IsGroup      bool          `json:"is_group"`
	Participants []Participant `json:"participants"`

	// HasContact is true when DisplayName came from a device contact.
	HasContact      bool `json:"has_contact"`
	HasInferredName bool `json:"has_inferred_name"`

	LastMessage       Preview       `json:"last_message"`
	LastMessageStatus MessageStatus `json:"last_message_status"`

	UnreadCount    int      `json:"unread_count"`
	IsPinned       bool     `json:"is_pinned"`
	PinRank        *int     `json:"pin_rank,omitempty"`
	IsMuted        bool     `json:"is_muted"`
	TypingIDs      []string `json:"typing_ids,omitempty"`
	IsSnoozedUntil int64    `json:"snoozed_until,omitempty"`

	HasDraft  bool   `json:"has_draft"`
	DraftText string `json:"draft_text,omitempty"`
}

// IsTyping reports whether any folded thread is typing.
func (r *Record) IsTyping() bool {
	return len(r.TypingIDs) > 0
}

// IsMerged reports whether the record folds more than one thread.
func (r *Record) IsMerged() bool {
	return len(r.MergedIDs) > 1
}

// Holds reports whether id is one of the record's threads.
func (r *Record) Holds(id string) bool {
	return slices.Contains(r.MergedIDs, id)
}

// SetTyping adds or removes id from the typing set.
func (r *Record) SetTyping(id string, typing bool) {
	i := slices.Index(r.TypingIDs, id)
	switch {
	case typing && i < 0:
		r.TypingIDs = append(r.TypingIDs, id)
	case !typing && i >= 0:
		r.TypingIDs = slices.Delete(r.TypingIDs, i, i+1)
	}
}

// Clone returns a deep copy safe to hand to readers.
func (r Record) Clone() Record {
	r.MergedIDs = slices.Clone(r.MergedIDs)
	r.Kinds = slices.Clone(r.Kinds)
	r.Participants = slices.Clone(r.Participants)
	r.TypingIDs = slices.Clone(r.TypingIDs)
	if r.PinRank != nil {
		rank := *r.PinRank
		r.PinRank = &rank
	}
	return r
}
