package message

import "time"

// Status tracks where a message is in its local lifecycle.
type Status int

const (
	StatusSent Status = iota
	StatusPending
	StatusFailed
	StatusRecalled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusFailed:
		return "failed"
	case StatusRecalled:
		return "recalled"
	default:
		return "sent"
	}
}

// Message is one direct message exchanged between two users. ID is zero
// until the server has confirmed it; ClientRef identifies optimistic sends.
type Message struct {
	ID           int64
	ClientRef    string
	SenderID     int64
	SenderName   string
	SenderAvatar string
	ReceiverID   int64
	ReceiverName string
	Body         Body
	CreatedAt    time.Time
	Read         bool
	Status       Status
}

// Kind reports the body kind, defaulting to text for an empty body.
func (m Message) Kind() Kind {
	if m.Body == nil {
		return KindText
	}
	return m.Body.Kind()
}

// Involves reports whether the message belongs to the conversation with peer.
func (m Message) Involves(peer int64) bool {
	return peer != 0 && (m.SenderID == peer || m.ReceiverID == peer)
}

// Confirmed reports whether the server has assigned an identifier.
func (m Message) Confirmed() bool {
	return m.ID != 0
}

// Typing is pushed when the counterpart starts or stops composing.
type Typing struct {
	SenderID int64 `json:"senderId"`
	IsTyping bool  `json:"isTyping"`
}

// ReadReceipt is pushed when ReaderID has read messages we sent them.
type ReadReceipt struct {
	ReaderID int64 `json:"readerId"`
}

// Recall is pushed on the message queue when a sender recalls a message.
type Recall struct {
	MessageID  int64
	RecalledAt time.Time
}
