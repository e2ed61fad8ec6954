package store

// Inbound payloads published by transports on the bus ("wa." and "sms."
// kinds) and ingested by the sync engine.

// Inbound is one transport message with the thread and participants it
// arrived in.
type Inbound struct {
	Thread       Thread
	Participants []Participant
	Message      Message
}

// Receipt reports delivery or read of outgoing messages.
type Receipt struct {
	ThreadGUID   string
	MessageGUIDs []string
	DeliveredAt  int64
	ReadAt       int64
}

// ReadMark reports a thread read on another device.
type ReadMark struct {
	ThreadGUID string
}

// Presence reports the remote party typing in a thread.
type Presence struct {
	ThreadGUID string
	Typing     bool
}
