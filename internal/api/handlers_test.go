package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/studentcorner/corner-chat/internal/chat"
)

// fixture publishes a few messages and returns the handler plus the
// frames fanned out by mutations.
type fixture struct {
	channel *chat.Channel
	handler *Handler
	frames  [][]byte
	stored  []chat.Message
}

func newFixture(t *testing.T, n int) *fixture {
	t.Helper()
	f := &fixture{channel: chat.NewChannel(nil)}
	t.Cleanup(f.channel.Close)

	f.handler = New(f.channel, func(frame []byte) {
		f.frames = append(f.frames, frame)
	})

	for i := 0; i < n; i++ {
		msg, err := f.channel.Publish(context.Background(),
			chat.Participant{Username: "alice"}, fmt.Sprintf("message %d", i))
		if err != nil {
			t.Fatalf("seed publish: %v", err)
		}
		f.stored = append(f.stored, msg)
	}
	return f
}

func (f *fixture) do(t *testing.T, method, target string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestListMessagesOrdered(t *testing.T) {
	f := newFixture(t, 3)

	rec := f.do(t, http.MethodGet, "/chat/messages", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var msgs []chat.Message
	if err := json.Unmarshal(rec.Body.Bytes(), &msgs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i-1].Timestamp >= msgs[i].Timestamp {
			t.Fatalf("history out of order at index %d", i)
		}
	}
}

func TestEditMessage(t *testing.T) {
	f := newFixture(t, 1)
	ts := f.stored[0].Timestamp

	rec := f.do(t, http.MethodPut, fmt.Sprintf("/chat/messages/%d", ts),
		`{"username":"alice","new_content":"corrected"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}

	var msg chat.Message
	if err := json.Unmarshal(rec.Body.Bytes(), &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Content != "corrected" || !msg.Edited {
		t.Errorf("unexpected response message: %+v", msg)
	}

	// Exactly one edited frame went out, after the log applied the change.
	if len(f.frames) != 1 {
		t.Fatalf("expected 1 fanned-out frame, got %d", len(f.frames))
	}
	var frame struct {
		Type      string `json:"type"`
		Timestamp int64  `json:"timestamp"`
		Content   string `json:"content"`
	}
	if err := json.Unmarshal(f.frames[0], &frame); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if frame.Type != "edited" || frame.Timestamp != ts || frame.Content != "corrected" {
		t.Errorf("unexpected frame: %s", f.frames[0])
	}
}

func TestEditStatusMapping(t *testing.T) {
	f := newFixture(t, 1)
	ts := f.stored[0].Timestamp

	tests := []struct {
		name   string
		target string
		body   string
		want   int
	}{
		{"wrong author", fmt.Sprintf("/chat/messages/%d", ts), `{"username":"bob","new_content":"x"}`, http.StatusForbidden},
		{"unknown timestamp", "/chat/messages/999999", `{"username":"alice","new_content":"x"}`, http.StatusNotFound},
		{"empty content", fmt.Sprintf("/chat/messages/%d", ts), `{"username":"alice","new_content":""}`, http.StatusBadRequest},
		{"missing username", fmt.Sprintf("/chat/messages/%d", ts), `{"new_content":"x"}`, http.StatusBadRequest},
		{"malformed body", fmt.Sprintf("/chat/messages/%d", ts), `{nope`, http.StatusBadRequest},
		{"bad timestamp", "/chat/messages/abc", `{"username":"alice","new_content":"x"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPut, tt.target, tt.body)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body)
			}
		})
	}

	// None of the failures broadcast anything.
	if len(f.frames) != 0 {
		t.Fatalf("failed mutations fanned out %d frames", len(f.frames))
	}

	// The forbidden response must not leak the real author.
	rec := f.do(t, http.MethodPut, fmt.Sprintf("/chat/messages/%d", ts),
		`{"username":"bob","new_content":"x"}`)
	if strings.Contains(rec.Body.String(), "alice") {
		t.Error("forbidden response leaks the message author")
	}
}

func TestDeleteMessage(t *testing.T) {
	f := newFixture(t, 2)
	ts := f.stored[0].Timestamp

	rec := f.do(t, http.MethodDelete, fmt.Sprintf("/chat/messages/%d?username=alice", ts), "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body)
	}

	if len(f.channel.Snapshot()) != 1 {
		t.Fatal("message not removed from log")
	}
	if len(f.frames) != 1 {
		t.Fatalf("expected 1 fanned-out frame, got %d", len(f.frames))
	}
	var frame struct {
		Type      string `json:"type"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := json.Unmarshal(f.frames[0], &frame); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if frame.Type != "deleted" || frame.Timestamp != ts {
		t.Errorf("unexpected frame: %s", f.frames[0])
	}

	// A second delete of the same timestamp is a 404, not a silent success.
	rec = f.do(t, http.MethodDelete, fmt.Sprintf("/chat/messages/%d?username=alice", ts), "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on double delete, got %d", rec.Code)
	}
}

func TestDeleteStatusMapping(t *testing.T) {
	f := newFixture(t, 1)
	ts := f.stored[0].Timestamp

	tests := []struct {
		name   string
		target string
		want   int
	}{
		{"wrong author", fmt.Sprintf("/chat/messages/%d?username=bob", ts), http.StatusForbidden},
		{"unknown timestamp", "/chat/messages/999999?username=alice", http.StatusNotFound},
		{"missing username", fmt.Sprintf("/chat/messages/%d", ts), http.StatusBadRequest},
		{"bad timestamp", "/chat/messages/abc?username=alice", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodDelete, tt.target, "")
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body)
			}
		})
	}

	if len(f.frames) != 0 {
		t.Fatalf("failed mutations fanned out %d frames", len(f.frames))
	}
	if len(f.channel.Snapshot()) != 1 {
		t.Fatal("a failed delete removed the message")
	}
}

func TestListTyping(t *testing.T) {
	f := newFixture(t, 0)
	f.channel.MarkTyping("bob")

	rec := f.do(t, http.MethodGet, "/chat/typing", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Typing []string `json:"typing"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Typing) != 1 || resp.Typing[0] != "bob" {
		t.Errorf("expected [bob], got %v", resp.Typing)
	}
}
