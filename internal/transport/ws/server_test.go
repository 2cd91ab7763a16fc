package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"catchdex.io/internal/protocol"
)

func newTestServer(t *testing.T, h Handler, opts Options) (*Server, string) {
	t.Helper()
	v, err := protocol.NewValidator()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	srv := NewServer(h, v, opts)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return srv, "ws" + strings.TrimPrefix(hs.URL, "http")
}

func dial(t *testing.T, url string, hello map[string]any) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	hello["type"] = protocol.TypeHello
	hello["protocol_version"] = protocol.Version
	if err := conn.WriteJSON(hello); err != nil {
		t.Fatalf("hello: %v", err)
	}
	return conn
}

func readMsg(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if err := conn.ReadJSON(v); err != nil {
		t.Fatalf("read: %v", err)
	}
}

func echo(ctx context.Context, in protocol.Interaction) protocol.ResultMsg {
	res := protocol.NewResult(in.ID)
	res.Data = map[string]string{"participant": in.Participant, "role": in.Role, "kind": in.Kind}
	return res
}

func interaction(id, kind string) map[string]any {
	return map[string]any{
		"type":             protocol.TypeInteraction,
		"protocol_version": protocol.Version,
		"id":               id,
		"kind":             kind,
	}
}

func TestHelloWelcomeAndResult(t *testing.T) {
	_, url := newTestServer(t, HandlerFunc(echo), Options{})
	conn := dial(t, url, map[string]any{"participant": "alice", "channels": []string{"general", "general"}})

	var w protocol.WelcomeMsg
	readMsg(t, conn, &w)
	if w.Type != protocol.TypeWelcome || w.Participant != "alice" || w.Role != protocol.RoleParticipant {
		t.Fatalf("welcome = %+v", w)
	}
	if len(w.Channels) != 1 || w.SessionID == "" {
		t.Fatalf("welcome = %+v", w)
	}

	// The participant claimed in the frame is ignored for the session's.
	msg := interaction("i-1", protocol.KindBalance)
	msg["participant"] = "mallory"
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	var res struct {
		protocol.ResultMsg
		Data map[string]string `json:"data"`
	}
	readMsg(t, conn, &res)
	if !res.OK || res.ReplyTo != "i-1" || res.Data["participant"] != "alice" || res.Data["role"] != protocol.RoleParticipant {
		t.Fatalf("result = %+v", res)
	}
}

func TestInvalidInteractionIsRejected(t *testing.T) {
	_, url := newTestServer(t, HandlerFunc(echo), Options{})
	conn := dial(t, url, map[string]any{"participant": "alice"})
	var w protocol.WelcomeMsg
	readMsg(t, conn, &w)

	if err := conn.WriteJSON(interaction("i-2", protocol.KindClaim)); err != nil {
		t.Fatalf("write: %v", err)
	}
	var res protocol.ResultMsg
	readMsg(t, conn, &res)
	if res.OK || res.Code != protocol.ErrProtoBadRequest || res.ReplyTo != "i-2" {
		t.Fatalf("result = %+v", res)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"HELLO"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	readMsg(t, conn, &res)
	if res.OK || res.Code != protocol.ErrProtoBadRequest {
		t.Fatalf("result = %+v", res)
	}
}

func TestDeliverReachesChannelAndRecipients(t *testing.T) {
	srv, url := newTestServer(t, HandlerFunc(echo), Options{})
	alice := dial(t, url, map[string]any{"participant": "alice", "channels": []string{"general"}})
	bob := dial(t, url, map[string]any{"participant": "bob", "channels": []string{"other"}})
	var w protocol.WelcomeMsg
	readMsg(t, alice, &w)
	readMsg(t, bob, &w)

	p := protocol.NewPrompt("spawn:1", protocol.PromptSpawn)
	p.Channel = "general"
	p.Text = "A wild item appeared!"
	if err := srv.Deliver(context.Background(), p); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	var got protocol.Prompt
	readMsg(t, alice, &got)
	if got.PromptID != "spawn:1" || got.Text != p.Text {
		t.Fatalf("prompt = %+v", got)
	}

	dm := protocol.NewPrompt("trade:1", protocol.PromptTrade)
	dm.Recipients = []string{"bob"}
	if err := srv.Deliver(context.Background(), dm); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	readMsg(t, bob, &got)
	if got.PromptID != "trade:1" {
		t.Fatalf("prompt = %+v", got)
	}

	if err := srv.Deliver(context.Background(), protocol.NewPrompt("x", protocol.PromptPack)); err == nil {
		t.Fatalf("prompt without audience accepted")
	}
	if got := srv.Connected(); len(got) != 2 || got[0] != "alice" {
		t.Fatalf("connected = %v", got)
	}
}

func TestResolverRoleNeedsToken(t *testing.T) {
	_, url := newTestServer(t, HandlerFunc(echo), Options{ResolverToken: "s3cret"})

	denied := dial(t, url, map[string]any{"participant": "eve", "role": protocol.RoleResolver})
	_ = denied.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := denied.ReadMessage(); !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy close, got %v", err)
	}

	ok := dial(t, url, map[string]any{"participant": "judge", "role": protocol.RoleResolver, "auth": map[string]string{"token": "s3cret"}})
	var w protocol.WelcomeMsg
	readMsg(t, ok, &w)
	if w.Role != protocol.RoleResolver {
		t.Fatalf("role = %q", w.Role)
	}
}

func TestBusyBeyondInFlightLimit(t *testing.T) {
	release := make(chan struct{})
	h := HandlerFunc(func(ctx context.Context, in protocol.Interaction) protocol.ResultMsg {
		if in.ID == "slow" {
			<-release
		}
		return protocol.NewResult(in.ID)
	})
	_, url := newTestServer(t, h, Options{MaxInFlight: 1})
	conn := dial(t, url, map[string]any{"participant": "alice"})
	var w protocol.WelcomeMsg
	readMsg(t, conn, &w)

	for _, id := range []string{"slow", "fast"} {
		if err := conn.WriteJSON(interaction(id, protocol.KindBalance)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	var res protocol.ResultMsg
	readMsg(t, conn, &res)
	if res.ReplyTo != "fast" || res.Code != protocol.ErrBusy || !res.Retryable {
		t.Fatalf("result = %+v", res)
	}
	close(release)
	readMsg(t, conn, &res)
	if res.ReplyTo != "slow" || !res.OK {
		t.Fatalf("result = %+v", res)
	}
}

func TestResultCarriesReceiveTime(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	seen := make(chan time.Time, 1)
	h := HandlerFunc(func(ctx context.Context, in protocol.Interaction) protocol.ResultMsg {
		seen <- in.At
		return protocol.NewResult(in.ID)
	})
	_, url := newTestServer(t, h, Options{Now: func() time.Time { return at.Add(time.Hour) }})
	conn := dial(t, url, map[string]any{"participant": "alice"})
	var w protocol.WelcomeMsg
	readMsg(t, conn, &w)

	msg := interaction("i-3", protocol.KindBalance)
	msg["at"] = at.Format(time.RFC3339)
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	var res protocol.ResultMsg
	readMsg(t, conn, &res)
	if got := <-seen; !got.Equal(at.Add(time.Hour)) {
		t.Fatalf("handler saw at=%s", got)
	}
}
