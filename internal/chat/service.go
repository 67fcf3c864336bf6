// Package chat orchestrates the moving parts: it folds socket pushes
// into the state store, routes outbound messages through the outbox,
// and fetches history over REST.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kristikumria/komuniteti-chatd/internal/bus"
	"github.com/kristikumria/komuniteti-chatd/internal/chatstate"
	"github.com/kristikumria/komuniteti-chatd/internal/model"
	"github.com/kristikumria/komuniteti-chatd/internal/outbox"
	"github.com/kristikumria/komuniteti-chatd/internal/socket"
	"github.com/kristikumria/komuniteti-chatd/internal/transport"
)

// Identity is who this daemon chats as.
type Identity struct {
	UserID      string
	DisplayName string
	Role        string
}

// Realtime is the slice of the socket manager the service uses.
type Realtime interface {
	On(event string, h socket.Handler) func()
	Emit(ctx context.Context, event string, payload any) error
	Connected() bool
}

// Service wires pushes, state and the outbox together.
type Service struct {
	self   Identity
	convs  ConversationLister
	msgs   MessageReader
	state  *chatstate.Store
	queue  *outbox.Queue
	rt     Realtime
	bus    *bus.Bus
	logger *zap.Logger

	unsubs []func()
	stopCh chan struct{}
}

// ConversationLister is the repository slice the service reads
// conversations from.
type ConversationLister interface {
	List(ctx context.Context) ([]model.Conversation, error)
}

// MessageReader is the repository slice for message history.
type MessageReader interface {
	List(ctx context.Context, conversationID string, limit int) ([]model.Message, error)
	Delete(ctx context.Context, messageID string) error
}

const defaultHistoryLimit = 100

// New creates the service. Call Start to attach the socket handlers.
func New(self Identity, convs ConversationLister, msgs MessageReader, state *chatstate.Store, queue *outbox.Queue, rt Realtime, b *bus.Bus, logger *zap.Logger) *Service {
	return &Service{
		self:   self,
		convs:  convs,
		msgs:   msgs,
		state:  state,
		queue:  queue,
		rt:     rt,
		bus:    b,
		logger: logger,
	}
}

// Start registers the socket handlers and begins draining the outbox
// whenever the connection comes back.
func (s *Service) Start(ctx context.Context) {
	s.unsubs = append(s.unsubs,
		s.rt.On(transport.EventNewMessage, s.onNewMessage),
		s.rt.On(transport.EventMessageStatus, s.onMessageStatus),
		s.rt.On(transport.EventMessageRead, s.onMessageRead),
		s.rt.On(transport.EventTyping, s.onTyping),
	)

	events, cancel := s.bus.Subscribe("conn.", 16)
	s.unsubs = append(s.unsubs, cancel)
	s.stopCh = make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Kind == "conn.connected" {
					go s.queue.Process(ctx)
				}
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop detaches all handlers.
func (s *Service) Stop() {
	if s.stopCh != nil {
		close(s.stopCh)
		s.stopCh = nil
	}
	for _, u := range s.unsubs {
		u()
	}
	s.unsubs = nil
}

// FetchConversations loads the conversation list into the state store.
func (s *Service) FetchConversations(ctx context.Context) error {
	s.state.SetLoading(true)
	convs, err := s.convs.List(ctx)
	if err != nil {
		s.state.SetError(err.Error())
		return err
	}
	s.state.SetConversations(convs)
	return nil
}

// FetchMessages loads a conversation's history into the state store.
func (s *Service) FetchMessages(ctx context.Context, conversationID string) error {
	s.state.SetLoading(true)
	msgs, err := s.msgs.List(ctx, conversationID, defaultHistoryLimit)
	if err != nil {
		s.state.SetError(err.Error())
		return err
	}
	s.state.SetMessages(conversationID, msgs)
	return nil
}

// SendMessage composes a message and hands it to the outbox. The
// message appears in the state immediately with status sending; it
// advances to sent on direct delivery, stays sending while queued, and
// drops to failed when delivery errors out.
func (s *Service) SendMessage(ctx context.Context, conversationID, content, replyToID string) (model.Message, error) {
	msg := model.Message{
		ClientID:       uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       s.self.UserID,
		SenderName:     s.self.DisplayName,
		SenderRole:     s.self.Role,
		Content:        content,
		TimestampMs:    time.Now().UnixMilli(),
		Status:         model.StatusSending,
	}
	if replyToID != "" {
		msg.ReplyTo = s.replySnapshot(conversationID, replyToID)
	}

	s.state.AppendSent(msg)

	queued, err := s.queue.Send(ctx, model.QueuedMessage{
		ClientID:       msg.ClientID,
		ConversationID: conversationID,
		Content:        content,
		ReplyToID:      replyToID,
	})
	if err != nil {
		s.state.UpdateStatus(msg.ClientID, model.StatusFailed)
		return msg, err
	}
	if !queued {
		s.state.UpdateStatus(msg.ClientID, model.StatusSent)
		msg.Status = model.StatusSent
	}
	return msg, nil
}

// OpenConversation makes a conversation active, fetches its history
// and marks it read.
func (s *Service) OpenConversation(ctx context.Context, conversationID string) error {
	s.state.SetActive(conversationID)
	if err := s.FetchMessages(ctx, conversationID); err != nil {
		return err
	}
	s.MarkConversationRead(ctx, conversationID)
	return nil
}

// CloseConversation clears the active conversation.
func (s *Service) CloseConversation() {
	s.state.SetActive("")
}

// MarkConversationRead records the read locally and tells the server,
// best effort: a disconnected socket does not undo the local read.
func (s *Service) MarkConversationRead(ctx context.Context, conversationID string) {
	s.state.MarkRead(conversationID, s.self.UserID)
	err := s.rt.Emit(ctx, transport.EventMessageRead, map[string]string{
		"conversationId": conversationID,
		"userId":         s.self.UserID,
	})
	if err != nil && !errors.Is(err, socket.ErrNotConnected) {
		s.logger.Warn("announce read failed", zap.Error(err))
	}
}

// SendTyping announces a typing indicator. Purely ephemeral: failures
// are dropped, nothing is queued.
func (s *Service) SendTyping(ctx context.Context, conversationID string, typing bool) {
	if !s.rt.Connected() {
		return
	}
	_ = s.rt.Emit(ctx, transport.EventTyping, map[string]any{
		"conversationId": conversationID,
		"userId":         s.self.UserID,
		"isTyping":       typing,
	})
}

// DeleteMessage removes a message on the server and from local state.
func (s *Service) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	if err := s.msgs.Delete(ctx, messageID); err != nil {
		s.state.SetError(err.Error())
		return err
	}
	s.state.Delete(conversationID, messageID)
	return nil
}

// Reset drops all chat state and the pending outbox, as on logout.
func (s *Service) Reset(ctx context.Context) error {
	s.state.Reset()
	return s.queue.Clear(ctx)
}

func (s *Service) onNewMessage(payload json.RawMessage) {
	var msg model.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		s.logger.Warn("bad new_message payload", zap.Error(err))
		return
	}
	if msg.Status == "" {
		msg.Status = model.StatusDelivered
	}
	s.state.ApplyIncoming(msg)
}

func (s *Service) onMessageStatus(payload json.RawMessage) {
	var p struct {
		MessageID string              `json:"messageId"`
		ClientID  string              `json:"clientId"`
		Status    model.MessageStatus `json:"status"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		s.logger.Warn("bad message_status payload", zap.Error(err))
		return
	}
	id := p.MessageID
	if id == "" {
		id = p.ClientID
	}
	s.state.UpdateStatus(id, p.Status)
}

func (s *Service) onMessageRead(payload json.RawMessage) {
	var p struct {
		ConversationID string `json:"conversationId"`
		UserID         string `json:"userId"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		s.logger.Warn("bad message_read payload", zap.Error(err))
		return
	}
	s.state.MarkRead(p.ConversationID, p.UserID)
}

func (s *Service) onTyping(payload json.RawMessage) {
	var p struct {
		ConversationID string `json:"conversationId"`
		UserID         string `json:"userId"`
		IsTyping       bool   `json:"isTyping"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	// Typing is never stored, only forwarded to watchers.
	s.bus.Publish(bus.Event{Kind: "chat.typing", Payload: p})
}

func (s *Service) replySnapshot(conversationID, messageID string) *model.ReplyRef {
	for _, m := range s.state.Messages(conversationID) {
		if m.ID == messageID || m.ClientID == messageID {
			return &model.ReplyRef{
				MessageID:  messageID,
				SenderName: m.SenderName,
				Content:    m.Content,
			}
		}
	}
	return &model.ReplyRef{MessageID: messageID}
}
