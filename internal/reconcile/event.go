package reconcile

// Event is a real-time transport event. The set is closed: NewMessage,
// MessageUpdated, ChatRead and TypingChanged.
type Event interface {
	Thread() string
	eventKind() string
}

// NewMessage reports a message stored in a thread.
type NewMessage struct {
	ThreadID string `json:"thread_id"`
}

// MessageUpdated reports a status change, edit or reaction in a thread.
type MessageUpdated struct {
	ThreadID string `json:"thread_id"`
}

// ChatRead reports that a thread was read on another device.
type ChatRead struct {
	ThreadID string `json:"thread_id"`
}

// TypingChanged reports the remote party starting or stopping typing.
type TypingChanged struct {
	ThreadID string `json:"thread_id"`
	Typing   bool   `json:"typing"`
}

func (e NewMessage) Thread() string     { return e.ThreadID }
func (e MessageUpdated) Thread() string { return e.ThreadID }
func (e ChatRead) Thread() string       { return e.ThreadID }
func (e TypingChanged) Thread() string  { return e.ThreadID }

func (NewMessage) eventKind() string     { return "new_message" }
func (MessageUpdated) eventKind() string { return "message_updated" }
func (ChatRead) eventKind() string       { return "chat_read" }
func (TypingChanged) eventKind() string  { return "typing" }

// Bus kinds the ingest side publishes transport events under.
const (
	KindNewMessage     = "transport.new_message"
	KindMessageUpdated = "transport.message_updated"
	KindChatRead       = "transport.chat_read"
	KindTyping         = "transport.typing"
)

// BusKind returns the bus kind e is published under.
func BusKind(e Event) string {
	return "transport." + e.eventKind()
}
