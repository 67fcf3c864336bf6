package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/kristikumria/komuniteti-chatd/internal/transport"
)

// testServer accepts one websocket connection, sends the authenticated
// frame, acks every command, and pushes the given events.
func testServer(t *testing.T, push []transport.Envelope, gotToken *string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gotToken != nil {
			*gotToken = r.URL.Query().Get("token")
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		if err := wsjson.Write(ctx, c, transport.Envelope{Type: "authenticated"}); err != nil {
			return
		}
		for _, env := range push {
			if err := wsjson.Write(ctx, c, env); err != nil {
				return
			}
		}
		for {
			var env transport.Envelope
			if err := wsjson.Read(ctx, c, &env); err != nil {
				return
			}
			if err := wsjson.Write(ctx, c, transport.Envelope{Type: "ack", ID: env.ID}); err != nil {
				return
			}
		}
	}))
}

func TestSocketURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://chat.example.com", "wss://chat.example.com/ws?token=tok"},
		{"http://127.0.0.1:8080", "ws://127.0.0.1:8080/ws?token=tok"},
		{"http://127.0.0.1:8080/ws", "ws://127.0.0.1:8080/ws?token=tok"},
	}
	for _, tt := range tests {
		got, err := socketURL(tt.in, "tok")
		if err != nil {
			t.Errorf("socketURL(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("socketURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	if _, err := socketURL("ftp://nope", "tok"); err == nil {
		t.Error("socketURL should reject unsupported schemes")
	}
}

func TestDialSendsToken(t *testing.T) {
	var token string
	srv := testServer(t, nil, &token)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := New().Dial(ctx, srv.URL, "tok-abc")
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer func() { _ = conn.Close() }()

	if token != "tok-abc" {
		t.Errorf("server saw token %q, want tok-abc", token)
	}
}

func TestEmitWaitsForAck(t *testing.T) {
	srv := testServer(t, nil, nil)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := New().Dial(ctx, srv.URL, "tok")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()

	if err := conn.Emit(ctx, transport.EventNewMessage, map[string]string{"content": "hello"}); err != nil {
		t.Errorf("Emit() error = %v", err)
	}
}

func TestReceiveDeliversPushedEvents(t *testing.T) {
	srv := testServer(t, []transport.Envelope{
		{Type: transport.EventNewMessage, Payload: []byte(`{"content":"hi"}`)},
	}, nil)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := New().Dial(ctx, srv.URL, "tok")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()

	env, err := conn.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if env.Type != transport.EventNewMessage {
		t.Errorf("env.Type = %q, want new_message", env.Type)
	}
	if !strings.Contains(string(env.Payload), "hi") {
		t.Errorf("payload = %s, want content hi", env.Payload)
	}
}

func TestDialRejectsMissingAuthFrame(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		// Wrong first frame.
		_ = wsjson.Write(r.Context(), c, transport.Envelope{Type: "error"})
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := New().Dial(ctx, srv.URL, "tok"); err == nil {
		t.Error("Dial() should fail when the first frame is not authenticated")
	}
}

func TestReceiveAfterCloseReturnsError(t *testing.T) {
	srv := testServer(t, nil, nil)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := New().Dial(ctx, srv.URL, "tok")
	if err != nil {
		t.Fatal(err)
	}
	_ = conn.Close()

	if _, err := conn.Receive(ctx); err == nil {
		t.Error("Receive() after Close should return an error")
	}
}
