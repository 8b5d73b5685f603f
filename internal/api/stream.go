package api

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event types broadcast on /api/events.
const (
	EventStarted   = "started"
	EventVerdict   = "verdict"
	EventProgress  = "progress"
	EventCompleted = "completed"
	EventCancelled = "cancelled"
	EventError     = "error"
	EventStatus    = "status"
)

// Event describes websocket payloads emitted for verdicts, lifecycle changes
// and re-adjudication jobs.
type Event struct {
	Type          string    `json:"type"`
	JobID         string    `json:"job_id,omitempty"`
	PolicyID      string    `json:"policy_id,omitempty"`
	ClaimID       string    `json:"claim_id,omitempty"`
	Status        string    `json:"status,omitempty"`
	OverallStatus string    `json:"overall_status,omitempty"`
	FraudScore    *float64  `json:"fraud_score,omitempty"`
	Total         int64     `json:"total,omitempty"`
	Processed     int       `json:"processed,omitempty"`
	Failed        int       `json:"failed,omitempty"`
	Message       string    `json:"message,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// wsClient wraps a websocket connection with write locking.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Notifier keeps track of websocket clients and broadcasts events. The last
// job event is replayed to clients that connect mid-run.
type Notifier struct {
	mu         sync.Mutex
	clients    map[*wsClient]struct{}
	lastStatus *Event
}

// NewNotifier constructs a notifier instance.
func NewNotifier() *Notifier {
	return &Notifier{clients: make(map[*wsClient]struct{})}
}

// Register attaches a websocket connection and returns a client handle.
func (n *Notifier) Register(conn *websocket.Conn) *wsClient {
	client := &wsClient{conn: conn}
	n.mu.Lock()
	n.clients[client] = struct{}{}
	status := n.lastStatus
	n.mu.Unlock()

	if status != nil {
		_ = client.writeJSON(*status)
	}
	return client
}

// Unregister removes the websocket client and closes the socket.
func (n *Notifier) Unregister(client *wsClient) {
	if client == nil {
		return
	}
	n.mu.Lock()
	delete(n.clients, client)
	n.mu.Unlock()
	_ = client.conn.Close()
}

// Broadcast sends the event to all registered clients, dropping any that
// fail. Writes happen outside the notifier lock so one slow client does not
// hold up registration or other broadcasters.
func (n *Notifier) Broadcast(event Event) {
	event.Timestamp = time.Now().UTC()

	n.mu.Lock()
	if event.JobID != "" {
		snapshot := event
		n.lastStatus = &snapshot
	}
	clients := make([]*wsClient, 0, len(n.clients))
	for client := range n.clients {
		clients = append(clients, client)
	}
	n.mu.Unlock()

	var failed []*wsClient
	for _, client := range clients {
		if err := client.writeJSON(event); err != nil {
			failed = append(failed, client)
		}
	}
	if len(failed) == 0 {
		return
	}
	n.mu.Lock()
	for _, client := range failed {
		delete(n.clients, client)
	}
	n.mu.Unlock()
	for _, client := range failed {
		_ = client.conn.Close()
	}
}

// Clients returns the number of connected clients.
func (n *Notifier) Clients() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.clients)
}

// LastStatus returns a copy of the most recent job event.
func (n *Notifier) LastStatus() *Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.lastStatus == nil {
		return nil
	}
	last := *n.lastStatus
	return &last
}

func (c *wsClient) writeJSON(payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(payload)
}
