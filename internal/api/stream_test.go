package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func within(t *testing.T, d time.Duration, what string, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("%s did not finish within %s", what, d)
	}
}

func TestBroadcastDoesNotHoldLockDuringWrites(t *testing.T) {
	n := NewNotifier()
	slow := &wsClient{}
	n.clients[slow] = struct{}{}
	slow.mu.Lock()

	broadcasted := make(chan struct{})
	go func() {
		n.Broadcast(Event{Type: EventProgress, JobID: "job_1"})
		close(broadcasted)
	}()

	within(t, 2*time.Second, "waiting for the job event", func() {
		for n.LastStatus() == nil {
			time.Sleep(5 * time.Millisecond)
		}
	})
	within(t, time.Second, "counting clients during a blocked write", func() {
		if got := n.Clients(); got != 1 {
			t.Errorf("expected 1 client, got %d", got)
		}
	})

	slow.mu.Unlock()
	within(t, 2*time.Second, "broadcast", func() { <-broadcasted })
	if last := n.LastStatus(); last == nil || last.JobID != "job_1" {
		t.Fatalf("unexpected last status %+v", last)
	}
}

func TestBroadcastDropsFailedClients(t *testing.T) {
	n := NewNotifier()
	upgrader := websocket.Upgrader{}
	registered := make(chan *wsClient, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		registered <- n.Register(conn)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	client := <-registered

	n.Broadcast(Event{Type: EventStatus, ClaimID: "clm_1", Status: "approved"})
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if got.Type != EventStatus || got.ClaimID != "clm_1" || got.Status != "approved" {
		t.Fatalf("unexpected event %+v", got)
	}
	if n.LastStatus() != nil {
		t.Fatalf("status events without a job should not be replayed")
	}

	_ = client.conn.Close()
	n.Broadcast(Event{Type: EventStatus, ClaimID: "clm_1", Status: "closed"})
	if n.Clients() != 0 {
		t.Fatalf("expected failed client to be dropped, %d remain", n.Clients())
	}
}
