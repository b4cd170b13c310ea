package ws

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/studentcorner/corner-chat/internal/chat"
)

func TestActivityTimestamp(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	conn := newConnection("s1", chat.Participant{Username: "alice"}, server, 1, 8)

	created := conn.LastActive()
	if created.IsZero() {
		t.Fatal("new connection has no activity timestamp")
	}

	time.Sleep(time.Millisecond)
	conn.Touch()
	if !conn.LastActive().After(created) {
		t.Fatal("touch did not advance the activity timestamp")
	}
}

func TestActivityTimestampConcurrent(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	conn := newConnection("s1", chat.Participant{Username: "alice"}, server, 1, 8)

	// Read workers touch while the heartbeat reads; both sides must be
	// race-free.
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				conn.Touch()
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				_ = time.Since(conn.LastActive())
			}
		}()
	}
	wg.Wait()

	if time.Since(conn.LastActive()) > time.Minute {
		t.Fatal("activity timestamp corrupted")
	}
}
