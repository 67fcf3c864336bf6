// Package chatstate is the in-memory view of the chat: the
// conversation list, the per-conversation message threads, the active
// conversation and the unread counters. All mutations go through the
// store so invariants (monotonic statuses, non-negative unread counts,
// echo dedup) hold in one place.
package chatstate

import (
	"sync"

	"go.uber.org/zap"

	"github.com/kristikumria/komuniteti-chatd/internal/bus"
	"github.com/kristikumria/komuniteti-chatd/internal/model"
)

// Store holds the chat state. Reads return copies.
type Store struct {
	mu          sync.Mutex
	convs       []model.Conversation
	messages    map[string][]model.Message
	activeID    string
	unreadTotal int
	loading     bool
	lastError   string

	bus    *bus.Bus
	logger *zap.Logger
}

// New creates an empty store.
func New(b *bus.Bus, logger *zap.Logger) *Store {
	return &Store{
		messages: make(map[string][]model.Message),
		bus:      b,
		logger:   logger,
	}
}

// SetConversations replaces the conversation list and recomputes the
// total unread count.
func (s *Store) SetConversations(convs []model.Conversation) {
	s.mu.Lock()
	s.convs = make([]model.Conversation, len(convs))
	copy(s.convs, convs)
	total := 0
	for i := range s.convs {
		if s.convs[i].UnreadCount < 0 {
			s.convs[i].UnreadCount = 0
		}
		total += s.convs[i].UnreadCount
	}
	s.unreadTotal = total
	s.loading = false
	s.lastError = ""
	s.mu.Unlock()

	s.bus.Publish(bus.Event{Kind: "chat.conversations", Payload: len(convs)})
}

// Conversations returns a copy of the conversation list.
func (s *Store) Conversations() []model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Conversation, len(s.convs))
	copy(out, s.convs)
	return out
}

// Conversation returns the conversation with the given id.
func (s *Store) Conversation(id string) (model.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.convs {
		if s.convs[i].ID == id {
			return s.convs[i], true
		}
	}
	return model.Conversation{}, false
}

// SetActive marks a conversation as the one on screen. Its unread
// count drops to zero and the total shrinks by the same amount.
// An empty id means no conversation is active.
func (s *Store) SetActive(id string) {
	s.mu.Lock()
	s.activeID = id
	if id != "" {
		for i := range s.convs {
			if s.convs[i].ID == id {
				s.unreadTotal -= s.convs[i].UnreadCount
				if s.unreadTotal < 0 {
					s.unreadTotal = 0
				}
				s.convs[i].UnreadCount = 0
				break
			}
		}
	}
	s.mu.Unlock()

	s.bus.Publish(bus.Event{Kind: "chat.active_changed", Payload: id})
}

// ActiveID returns the id of the active conversation, or empty.
func (s *Store) ActiveID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

// SetMessages replaces the thread of a conversation.
func (s *Store) SetMessages(convID string, msgs []model.Message) {
	s.mu.Lock()
	thread := make([]model.Message, len(msgs))
	copy(thread, msgs)
	s.messages[convID] = thread
	s.loading = false
	s.mu.Unlock()

	s.bus.Publish(bus.Event{Kind: "chat.messages", Payload: convID})
}

// Messages returns a copy of a conversation's thread in order.
func (s *Store) Messages(convID string) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	thread := s.messages[convID]
	out := make([]model.Message, len(thread))
	copy(out, thread)
	return out
}

// AppendSent records an optimistic outbound message: it lands at the
// end of its thread and its conversation moves to the front of the
// list with the message as preview.
func (s *Store) AppendSent(msg model.Message) {
	s.mu.Lock()
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], msg)
	s.touchConversationLocked(msg.ConversationID, msg, false)
	s.mu.Unlock()

	s.bus.Publish(bus.Event{Kind: "chat.message_added", Payload: msg})
}

// ApplyIncoming folds a message pushed by the server into the state.
// The remote echo of a message this client sent (matched by ClientID,
// then by ID) merges into the existing entry instead of duplicating
// it. A genuinely new message appends to its thread; when its
// conversation is not active, the unread counters grow by one.
func (s *Store) ApplyIncoming(msg model.Message) {
	s.mu.Lock()
	thread := s.messages[msg.ConversationID]
	for i := range thread {
		if sameMessage(&thread[i], &msg) {
			merged := s.mergeLocked(&thread[i], msg)
			s.mu.Unlock()
			if merged {
				s.bus.Publish(bus.Event{Kind: "chat.message_updated", Payload: msg})
			}
			return
		}
	}

	s.messages[msg.ConversationID] = append(thread, msg)
	unread := msg.ConversationID != s.activeID
	s.touchConversationLocked(msg.ConversationID, msg, unread)
	s.mu.Unlock()

	s.bus.Publish(bus.Event{Kind: "chat.message_added", Payload: msg})
}

// sameMessage matches a stored message against an incoming one.
func sameMessage(have *model.Message, in *model.Message) bool {
	if in.ClientID != "" && have.ClientID == in.ClientID {
		return true
	}
	return in.ID != "" && have.ID == in.ID
}

// mergeLocked updates a stored message from its remote echo: the
// server id replaces the placeholder and the status advances if the
// echo is further along. Reports whether anything changed.
func (s *Store) mergeLocked(have *model.Message, in model.Message) bool {
	changed := false
	if in.ID != "" && have.ID != in.ID {
		have.ID = in.ID
		changed = true
	}
	if in.Status != "" && model.CanTransition(have.Status, in.Status) {
		have.Status = in.Status
		changed = true
	}
	if in.TimestampMs != 0 && have.TimestampMs != in.TimestampMs {
		have.TimestampMs = in.TimestampMs
		changed = true
	}
	if changed {
		s.patchLastMessageLocked(have.ConversationID, *have)
	}
	return changed
}

// UpdateStatus advances the status of a message, matched by server id
// or client id. Regressions are ignored: a late delivered after read
// does not move the status back.
func (s *Store) UpdateStatus(messageID string, status model.MessageStatus) bool {
	s.mu.Lock()
	for convID, thread := range s.messages {
		for i := range thread {
			if thread[i].ID != messageID && thread[i].ClientID != messageID {
				continue
			}
			if !model.CanTransition(thread[i].Status, status) {
				s.mu.Unlock()
				return false
			}
			thread[i].Status = status
			msg := thread[i]
			s.patchLastMessageLocked(convID, msg)
			s.mu.Unlock()
			s.bus.Publish(bus.Event{Kind: "chat.status_changed", Payload: msg})
			return true
		}
	}
	s.mu.Unlock()
	return false
}

// MarkRead records that readerID has read a conversation: the reader
// joins each message's ReadBy set and messages sent by others advance
// to read. The reader's own messages advance only when someone else
// reads them.
func (s *Store) MarkRead(convID, readerID string) {
	s.mu.Lock()
	thread := s.messages[convID]
	changed := 0
	for i := range thread {
		m := &thread[i]
		if !m.ReadByContains(readerID) {
			m.ReadBy = append(m.ReadBy, readerID)
		}
		if m.SenderID != readerID && model.CanTransition(m.Status, model.StatusRead) {
			m.Status = model.StatusRead
			changed++
		}
	}
	s.mu.Unlock()

	if changed > 0 {
		s.bus.Publish(bus.Event{Kind: "chat.read", Payload: convID})
	}
}

// Delete removes a message from its thread. When it was the
// conversation preview, the preview falls back to the newest remaining
// message by timestamp.
func (s *Store) Delete(convID, messageID string) bool {
	s.mu.Lock()
	thread := s.messages[convID]
	idx := -1
	for i := range thread {
		if thread[i].ID == messageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	s.messages[convID] = append(thread[:idx], thread[idx+1:]...)

	for i := range s.convs {
		if s.convs[i].ID != convID {
			continue
		}
		if s.convs[i].LastMessage != nil && s.convs[i].LastMessage.ID == messageID {
			s.convs[i].LastMessage = newestLocked(s.messages[convID])
		}
		break
	}
	s.mu.Unlock()

	s.bus.Publish(bus.Event{Kind: "chat.message_deleted", Payload: messageID})
	return true
}

// UnreadTotal returns the unread count summed over all conversations.
func (s *Store) UnreadTotal() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unreadTotal
}

// SetLoading flips the loading flag.
func (s *Store) SetLoading(v bool) {
	s.mu.Lock()
	s.loading = v
	s.mu.Unlock()
}

// Loading reports whether a fetch is in flight.
func (s *Store) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// SetError records a fetch or send failure as a plain string.
func (s *Store) SetError(msg string) {
	s.mu.Lock()
	s.lastError = msg
	s.loading = false
	s.mu.Unlock()
	if msg != "" {
		s.bus.Publish(bus.Event{Kind: "chat.error", Payload: msg})
	}
}

// LastError returns the most recent error, empty when none.
func (s *Store) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// Reset drops everything, as on logout.
func (s *Store) Reset() {
	s.mu.Lock()
	s.convs = nil
	s.messages = make(map[string][]model.Message)
	s.activeID = ""
	s.unreadTotal = 0
	s.loading = false
	s.lastError = ""
	s.mu.Unlock()

	s.bus.Publish(bus.Event{Kind: "chat.reset"})
}

// touchConversationLocked sets the preview message, optionally bumps
// the unread counters, and moves the conversation to the front of the
// list. An unknown conversation id gets a placeholder entry so a
// message can never be dropped on the floor.
func (s *Store) touchConversationLocked(convID string, msg model.Message, unread bool) {
	idx := -1
	for i := range s.convs {
		if s.convs[i].ID == convID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.convs = append([]model.Conversation{{ID: convID}}, s.convs...)
		idx = 0
	} else if idx > 0 {
		conv := s.convs[idx]
		s.convs = append(s.convs[:idx], s.convs[idx+1:]...)
		s.convs = append([]model.Conversation{conv}, s.convs...)
		idx = 0
	}

	m := msg
	s.convs[idx].LastMessage = &m
	if msg.TimestampMs > s.convs[idx].UpdatedAtMs {
		s.convs[idx].UpdatedAtMs = msg.TimestampMs
	}
	if unread {
		s.convs[idx].UnreadCount++
		s.unreadTotal++
	}
}

func (s *Store) patchLastMessageLocked(convID string, msg model.Message) {
	for i := range s.convs {
		if s.convs[i].ID != convID {
			continue
		}
		lm := s.convs[i].LastMessage
		if lm != nil && (lm.ID == msg.ID || (msg.ClientID != "" && lm.ClientID == msg.ClientID)) {
			m := msg
			s.convs[i].LastMessage = &m
		}
		return
	}
}

func newestLocked(thread []model.Message) *model.Message {
	var newest *model.Message
	for i := range thread {
		if newest == nil || thread[i].TimestampMs > newest.TimestampMs {
			newest = &thread[i]
		}
	}
	if newest == nil {
		return nil
	}
	m := *newest
	return &m
}
