package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ashureev/infergate/internal/engine"
	"github.com/ashureev/infergate/internal/ratelimit"
	"github.com/ashureev/infergate/internal/turnlog"
	"github.com/ashureev/infergate/internal/wire"
	"github.com/coder/websocket"
)

func TestAuthenticateAcceptsHeaderKey(t *testing.T) {
	t.Parallel()

	srv := &Server{cfg: Config{APIKey: "secret"}}
	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("X-API-Key", "secret")
	if !srv.authenticate(r) {
		t.Fatal("expected header key to authenticate")
	}
}

func TestAuthenticateAcceptsQueryKey(t *testing.T) {
	t.Parallel()

	srv := &Server{cfg: Config{APIKey: "secret"}}
	r := httptest.NewRequest("GET", "/ws?api_key=secret", nil)
	if !srv.authenticate(r) {
		t.Fatal("expected query key to authenticate")
	}
}

func TestAuthenticateRejectsWrongKey(t *testing.T) {
	t.Parallel()

	srv := &Server{cfg: Config{APIKey: "secret"}}
	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("X-API-Key", "wrong")
	if srv.authenticate(r) {
		t.Fatal("expected wrong key to be rejected")
	}
}

func TestAuthenticateRejectsMissingKey(t *testing.T) {
	t.Parallel()

	srv := &Server{cfg: Config{APIKey: "secret"}}
	r := httptest.NewRequest("GET", "/ws", nil)
	if srv.authenticate(r) {
		t.Fatal("expected missing key to be rejected")
	}
}

func TestCheckOriginAllowsDevMode(t *testing.T) {
	t.Parallel()

	srv := &Server{cfg: Config{IsDev: true, AllowedOrigin: "https://allowed.example"}}
	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Origin", "https://evil.example")
	if !srv.checkOrigin(r) {
		t.Fatal("expected dev mode to allow any origin")
	}
}

func TestCheckOriginRejectsMismatch(t *testing.T) {
	t.Parallel()

	srv := &Server{cfg: Config{AllowedOrigin: "https://allowed.example"}}
	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Origin", "https://evil.example")
	if srv.checkOrigin(r) {
		t.Fatal("expected mismatched origin to be rejected")
	}
}

func TestComposePromptOrdersHistoryThenUtterance(t *testing.T) {
	t.Parallel()

	got := composePrompt("be nice", []wire.HistoryTurn{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	}, "how are you")

	want := "be nice\nuser: hi\nassistant: hello\nuser: how are you"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func newTestServer(t *testing.T, chat engine.ChatEngine, classifier engine.ToolClassifier) *httptest.Server {
	t.Helper()
	cfg := Config{
		IsDev:             true,
		MessageRateLimit:  1000,
		MessageRateWindow: time.Minute,
		CancelRateLimit:   1000,
		CancelRateWindow:  time.Minute,
		TurnTimeout:       5 * time.Second,
	}
	srv := NewServer(cfg, ratelimit.NewAdmission(10), chat, classifier, nil, turnlog.NoopLogger{})
	return httptest.NewServer(srv)
}

func dialTestServer(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+url[len("http"):]+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

// TestHandleStartRefusesWhenEngineNotReady exercises spec.md's admission-time
// readiness gate: a `start` must be rejected with engine_not_ready, and the
// session left open, whenever either collaborator reports itself not ready.
func TestHandleStartRefusesWhenEngineNotReady(t *testing.T) {
	t.Parallel()

	chat := engine.NewStubChatEngine()
	chat.SetReady(false)
	classifier := engine.NewStubToolClassifier()

	ts := newTestServer(t, chat, classifier)
	defer ts.Close()

	conn := dialTestServer(t, ts.URL)
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	startFrame, _ := json.Marshal(map[string]any{
		"type":           "start",
		"session_id":     "s1",
		"gender":         "female",
		"personality":    "friendly",
		"chat_prompt":    "be nice",
		"user_utterance": "hello",
	})
	if err := conn.Write(ctx, websocket.MessageText, startFrame); err != nil {
		t.Fatalf("write start: %v", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	var got struct {
		Type string `json:"type"`
		Code string `json:"code"`
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if got.Type != wire.TypeError || got.Code != wire.ErrEngineNotReady {
		t.Fatalf("expected engine_not_ready error, got %+v", got)
	}

	// The session must still be open and responsive (not closed by the
	// refusal), so a ping still gets a pong.
	pingFrame, _ := json.Marshal(map[string]any{"type": "ping"})
	if err := conn.Write(ctx, websocket.MessageText, pingFrame); err != nil {
		t.Fatalf("write ping after refusal: %v", err)
	}
	_, data, err = conn.Read(ctx)
	if err != nil {
		t.Fatalf("read pong: %v", err)
	}
	var pong struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &pong); err != nil {
		t.Fatalf("unmarshal pong: %v", err)
	}
	if pong.Type != wire.TypePong {
		t.Fatalf("expected session to remain open after refusal, got %+v", pong)
	}
}
