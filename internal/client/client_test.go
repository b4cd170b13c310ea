package client

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/studentcorner/corner-chat/internal/chat"
)

func TestNewRequiresBaseURL(t *testing.T) {
	if _, err := New(Config{Identity: chat.Participant{Username: "alice"}}); err == nil {
		t.Fatal("expected error for missing base URL")
	}
}

func TestNewStartsDisconnected(t *testing.T) {
	c, err := New(Config{
		BaseURL:  "http://localhost:8080",
		Identity: chat.Participant{Username: "alice"},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if c.State() != StateDisconnected {
		t.Fatalf("expected %s, got %s", StateDisconnected, c.State())
	}

	// No channel, no sends: the engine refuses rather than queueing.
	if err := c.SendMessage("hello"); err == nil {
		t.Error("expected send to fail while disconnected")
	}
	if err := c.SendTyping(); err == nil {
		t.Error("expected typing to fail while disconnected")
	}
}

func TestStateString(t *testing.T) {
	states := map[State]string{
		StateDisconnected: "disconnected",
		StateConnecting:   "connecting",
		StateOpen:         "open",
	}
	for state, want := range states {
		if state.String() != want {
			t.Errorf("expected %q, got %q", want, state.String())
		}
	}
}

func TestErrorFrameSurfacedToHook(t *testing.T) {
	c, err := New(Config{
		BaseURL:  "http://localhost:8080",
		Identity: chat.Participant{Username: "alice"},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	var gotCode, gotMessage string
	c.OnError = func(code, message string) {
		gotCode, gotMessage = code, message
	}
	changed := false
	c.OnChange = func() { changed = true }

	c.applyFrame([]byte(`{"type":"error","code":"rate_limited","message":"too many messages, slow down"}`))

	if gotCode != "rate_limited" {
		t.Errorf("expected code 'rate_limited', got %q", gotCode)
	}
	if gotMessage != "too many messages, slow down" {
		t.Errorf("unexpected message %q", gotMessage)
	}

	// An error frame is a notification, never a view change.
	if changed {
		t.Error("error frame triggered OnChange")
	}
	if c.view.Len() != 0 {
		t.Errorf("error frame changed the view: %d messages", c.view.Len())
	}
}

func TestErrorFrameWithoutHookIsSafe(t *testing.T) {
	c, err := New(Config{
		BaseURL:  "http://localhost:8080",
		Identity: chat.Participant{Username: "alice"},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	// Must not panic with OnError unset.
	c.applyFrame([]byte(`{"type":"error","code":"invalid_message","message":"message content is empty"}`))
}

// channelServer is a minimal live-channel endpoint: empty bootstrap
// history plus a real WebSocket upgrade whose server side the test holds.
type channelServer struct {
	srv   *httptest.Server
	conns chan net.Conn
}

func newChannelServer(t *testing.T) *channelServer {
	t.Helper()
	cs := &channelServer{conns: make(chan net.Conn, 8)}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /chat/messages", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("[]"))
	})
	mux.HandleFunc("/ws/chat", func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		cs.conns <- conn
	})

	cs.srv = httptest.NewServer(mux)
	t.Cleanup(cs.srv.Close)
	return cs
}

func (cs *channelServer) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case conn := <-cs.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no websocket connection arrived")
		return nil
	}
}

func waitState(t *testing.T, c *Client, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state never reached %s (currently %s)", want, c.State())
}

func TestReconnectAfterReadFailure(t *testing.T) {
	cs := newChannelServer(t)

	eng, err := New(Config{
		BaseURL:  cs.srv.URL,
		Identity: chat.Participant{Username: "alice"},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	// Several connect / server-side-kill cycles. Every cycle must leave the
	// engine fully torn down so the next Open starts clean.
	for cycle := 0; cycle < 3; cycle++ {
		if err := eng.Open(context.Background()); err != nil {
			t.Fatalf("cycle %d: open: %v", cycle, err)
		}
		if eng.State() != StateOpen {
			t.Fatalf("cycle %d: expected open, got %s", cycle, eng.State())
		}
		serverConn := cs.accept(t)

		// The session is live: a created frame lands in the view.
		frame := fmt.Sprintf(
			`{"type":"created","message":{"timestamp":%d,"author":{"username":"bob"},"content":"hi"}}`,
			cycle+1)
		if err := wsutil.WriteServerMessage(serverConn, ws.OpText, []byte(frame)); err != nil {
			t.Fatalf("cycle %d: write frame: %v", cycle, err)
		}
		deadline := time.Now().Add(2 * time.Second)
		for len(eng.Messages()) == 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		if len(eng.Messages()) != 1 {
			t.Fatalf("cycle %d: created frame not applied", cycle)
		}

		// Kill the transport from the server side.
		serverConn.Close()
		waitState(t, eng, StateDisconnected)

		// The dead session left nothing behind: the next Open installs a
		// fresh loop channel instead of orphaning the old one.
		eng.mu.Lock()
		conn, done := eng.conn, eng.done
		eng.mu.Unlock()
		if conn != nil || done != nil {
			t.Fatalf("cycle %d: session not torn down after read failure", cycle)
		}
	}

	if err := eng.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
