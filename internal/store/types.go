package store

// Kind identifies the transport a thread was stored by.
type Kind string

const (
	// KindPush is the real-time push messaging service.
	KindPush Kind = "push"
	// KindSMS is the locally scanned legacy SMS/MMS store.
	KindSMS Kind = "sms"
)

// Kinds lists every source kind in a stable order.
var Kinds = []Kind{KindPush, KindSMS}

// Thread is one conversation as stored by a single transport.
type Thread struct {
	GUID            string
	Kind            Kind
	Name            string
	IsGroup         bool
	Addresses       []string
	UnreadCount     int
	IsPinned        bool
	PinIndex        *int
	IsMuted         bool
	IsArchived      bool
	IsSpam          bool
	IsBlocked       bool
	SnoozedUntil    int64
	DraftText       string
	LastMessageGUID string
	LastMessageAt   int64
}

// Participant is one address in a thread with its resolved names.
type Participant struct {
	ThreadGUID   string
	Address      string
	ContactName  string // device contact name
	InferredName string // name guessed from message content or push profile
	AvatarRef    string
}

// HasInferredName reports whether the best name available is a guess.
func (p Participant) HasInferredName() bool {
	return p.ContactName == "" && p.InferredName != ""
}

// Message is one stored message.
type Message struct {
	GUID           string
	ThreadGUID     string
	SenderAddress  string
	Body           string
	FromMe         bool
	IsSent         bool
	ErrorCode      int
	AttachmentMIME string
	CreatedAt      int64
	DeliveredAt    int64
	ReadAt         int64
}

// PendingWrite is one entry of the optimistic mutation log.
type PendingWrite struct {
	ID           string
	ThreadGUID   string
	Op           string
	Payload      string
	Status       string // queued, sending, done, failed
	ErrorMessage string
	Attempts     int
	CreatedAt    int64
}
