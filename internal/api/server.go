// Package api is the daemon's control plane: a JSON HTTP API served
// over the session's unix socket. The CLI is its only client.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kristikumria/komuniteti-chatd/internal/bus"
	"github.com/kristikumria/komuniteti-chatd/internal/chat"
	"github.com/kristikumria/komuniteti-chatd/internal/chatstate"
	"github.com/kristikumria/komuniteti-chatd/internal/connstate"
	"github.com/kristikumria/komuniteti-chatd/internal/kv"
	"github.com/kristikumria/komuniteti-chatd/internal/outbox"
)

// Connection is the slice of the socket manager the API drives.
type Connection interface {
	Connect(ctx context.Context) bool
	Disconnect()
	Connected() bool
}

// Server serves the control API on a unix domain socket.
type Server struct {
	session string
	svc     *chat.Service
	state   *chatstate.Store
	queue   *outbox.Queue
	conn    Connection
	tracker *connstate.Tracker
	kvs     kv.Store
	bus     *bus.Bus
	logger  *zap.Logger

	httpSrv *http.Server
}

// NewServer wires the handlers. Call Serve to start listening.
func NewServer(session string, svc *chat.Service, state *chatstate.Store, queue *outbox.Queue, conn Connection, tracker *connstate.Tracker, kvs kv.Store, b *bus.Bus, logger *zap.Logger) *Server {
	return &Server{
		session: session,
		svc:     svc,
		state:   state,
		queue:   queue,
		conn:    conn,
		tracker: tracker,
		kvs:     kvs,
		bus:     b,
		logger:  logger,
	}
}

// Router builds the chi router. Exposed for handler tests.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(s.requestLogger)
	r.Use(s.recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/login", s.handleLogin)
		r.Post("/logout", s.handleLogout)
		r.Post("/connect", s.handleConnect)
		r.Post("/disconnect", s.handleDisconnect)
		r.Post("/reset", s.handleReset)

		r.Get("/conversations", s.handleListConversations)
		r.Put("/conversations/{id}/active", s.handleOpenConversation)
		r.Delete("/conversations/active", s.handleCloseConversation)
		r.Post("/conversations/{id}/read", s.handleMarkRead)
		r.Post("/conversations/{id}/typing", s.handleTyping)
		r.Get("/conversations/{id}/messages", s.handleListMessages)

		r.Post("/messages", s.handleSendMessage)
		r.Delete("/messages/{id}", s.handleDeleteMessage)

		r.Get("/outbox", s.handleOutbox)
		r.Get("/events", s.handleEvents)
	})
	return r
}

// Serve listens on the unix socket until the context is canceled. A
// stale socket file from a crashed daemon is removed first; the flock
// guarantees no live daemon owns it.
func (s *Server) Serve(ctx context.Context, socketPath string) error {
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return err
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = ln.Close()
		return err
	}

	s.httpSrv = &http.Server{Handler: s.Router()}
	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSrv.Serve(ln) }()
	s.logger.Info("control api listening", zap.String("socket", socketPath))

	select {
	case <-ctx.Done():
		return s.Shutdown()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown stops the listener, waiting briefly for in-flight requests.
func (s *Server) Shutdown() error {
	if s.httpSrv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}
