// Package model holds the chat data types shared across the daemon:
// conversations, messages, delivery statuses and the queued outbound
// message persisted by the offline outbox.
package model

// MessageStatus is the delivery status of a message. It only moves
// forward along sending -> sent -> delivered -> read; any status may
// move to failed.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

var statusRank = map[MessageStatus]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// CanTransition reports whether a status change from from to to is
// allowed: forward along the delivery ladder, or into failed.
func CanTransition(from, to MessageStatus) bool {
	if to == StatusFailed {
		return true
	}
	fr, ok := statusRank[from]
	if !ok {
		// failed is terminal except for an explicit resend, which
		// creates a fresh message.
		return false
	}
	tr, ok := statusRank[to]
	if !ok {
		return false
	}
	return tr > fr
}

// Participant is a member of a conversation.
type Participant struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Role       string `json:"role,omitempty"`
	Online     bool   `json:"online,omitempty"`
	LastSeenMs int64  `json:"lastSeenMs,omitempty"`
}

// ReplyRef is a snapshot of the message being replied to.
type ReplyRef struct {
	MessageID  string `json:"messageId"`
	SenderName string `json:"senderName,omitempty"`
	Content    string `json:"content,omitempty"`
}

// Message is a single chat message. ClientID is generated locally when
// the message is composed and rides the full round trip; it is the
// dedup key used to drop the remote echo of a message that was also
// queued locally.
type Message struct {
	ID             string        `json:"id"`
	ClientID       string        `json:"clientId,omitempty"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	SenderName     string        `json:"senderName,omitempty"`
	SenderRole     string        `json:"senderRole,omitempty"`
	Content        string        `json:"content"`
	TimestampMs    int64         `json:"timestampMs"`
	Status         MessageStatus `json:"status"`
	ReadBy         []string      `json:"readBy,omitempty"`
	ReplyTo        *ReplyRef     `json:"replyTo,omitempty"`
}

// ReadByContains reports whether userID already appears in ReadBy.
func (m *Message) ReadByContains(userID string) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

// Conversation is a named collection of participants sharing a message
// thread. UnreadCount is never negative and is reset to zero when the
// conversation becomes active.
type Conversation struct {
	ID           string        `json:"id"`
	Title        string        `json:"title"`
	Participants []Participant `json:"participants,omitempty"`
	LastMessage  *Message      `json:"lastMessage,omitempty"`
	UnreadCount  int           `json:"unreadCount"`
	IsGroup      bool          `json:"isGroup"`
	ImageURL     string        `json:"imageUrl,omitempty"`
	CreatedAtMs  int64         `json:"createdAtMs,omitempty"`
	UpdatedAtMs  int64         `json:"updatedAtMs,omitempty"`
}

// QueuedMessage is an outbound message accepted while disconnected,
// persisted until the dispatch queue delivers it.
type QueuedMessage struct {
	ClientID       string `json:"clientId"`
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	ReplyToID      string `json:"replyToId,omitempty"`
	QueuedAtMs     int64  `json:"queuedAtMs"`
}
