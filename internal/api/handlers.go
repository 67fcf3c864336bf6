package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kristikumria/komuniteti-chatd/internal/kv"
	"github.com/kristikumria/komuniteti-chatd/internal/model"
)

// StatusResponse is the daemon snapshot returned by GET /v1/status.
type StatusResponse struct {
	Session            string          `json:"session"`
	Phase              string          `json:"phase"`
	Connected          bool            `json:"connected"`
	InternetReachable  bool            `json:"internetReachable"`
	ActiveConversation string          `json:"activeConversation,omitempty"`
	UnreadTotal        int             `json:"unreadTotal"`
	PendingOutbox      int             `json:"pendingOutbox"`
	LastError          string          `json:"lastError,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	flags := s.tracker.Flags()
	writeJSON(w, http.StatusOK, StatusResponse{
		Session:            s.session,
		Phase:              string(s.tracker.Phase()),
		Connected:          flags.IsConnected,
		InternetReachable:  flags.IsInternetReachable,
		ActiveConversation: s.state.ActiveID(),
		UnreadTotal:        s.state.UnreadTotal(),
		PendingOutbox:      s.queue.Len(),
		LastError:          s.state.LastError(),
	})
}

type loginRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}
	if err := s.kvs.SetItem(r.Context(), kv.KeyAuthToken, req.Token); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	ok := s.conn.Connect(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"connected": ok,
		"phase":     string(s.tracker.Phase()),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.conn.Disconnect()
	if err := s.svc.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.kvs.RemoveItem(r.Context(), kv.KeyAuthToken); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	ok := s.conn.Connect(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"connected": ok,
		"phase":     string(s.tracker.Phase()),
	})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.conn.Disconnect()
	writeJSON(w, http.StatusOK, map[string]any{"phase": string(s.tracker.Phase())})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("refresh") == "1" {
		if err := s.svc.FetchConversations(r.Context()); err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
	}
	convs := s.state.Conversations()
	if convs == nil {
		convs = []model.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

func (s *Server) handleOpenConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.svc.OpenConversation(r.Context(), id); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"active": id})
}

func (s *Server) handleCloseConversation(w http.ResponseWriter, r *http.Request) {
	s.svc.CloseConversation()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	s.svc.MarkConversationRead(r.Context(), chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

type typingRequest struct {
	IsTyping bool `json:"isTyping"`
}

func (s *Server) handleTyping(w http.ResponseWriter, r *http.Request) {
	var req typingRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.svc.SendTyping(r.Context(), chi.URLParam(r, "id"), req.IsTyping)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if r.URL.Query().Get("refresh") == "1" {
		if err := s.svc.FetchMessages(r.Context(), id); err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
	}
	msgs := s.state.Messages(id)
	if msgs == nil {
		msgs = []model.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

type sendRequest struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	ReplyTo        string `json:"replyTo,omitempty"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ConversationID == "" || req.Content == "" {
		writeError(w, http.StatusBadRequest, "conversationId and content are required")
		return
	}

	msg, err := s.svc.SendMessage(r.Context(), req.ConversationID, req.Content, req.ReplyTo)
	if err != nil {
		// The message is in the state with status failed; report both.
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"message": msg,
			"error":   err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusAccepted, msg)
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	convID := r.URL.Query().Get("conversationId")
	if convID == "" {
		writeError(w, http.StatusBadRequest, "conversationId query parameter is required")
		return
	}
	if err := s.svc.DeleteMessage(r.Context(), convID, chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOutbox(w http.ResponseWriter, r *http.Request) {
	pending := s.queue.Pending()
	if pending == nil {
		pending = []model.QueuedMessage{}
	}
	writeJSON(w, http.StatusOK, pending)
}
