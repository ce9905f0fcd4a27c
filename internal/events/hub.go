// Package events fans pipeline progress out to observers (the progress UI
// and the status API) without coupling them to the scheduler.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the pipeline.
const (
	TypeRunStarted   = "run.started"
	TypeNodeStatus   = "node.status"
	TypeRunFinished  = "run.finished"
	TypeNodeAttached = "node.attached"
)

type Event struct {
	ID   int64     `json:"id"`
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data []byte    `json:"data"` // JSON payload
}

// NodeStatus is the payload of TypeNodeStatus.
type NodeStatus struct {
	RunID  string `json:"run_id"`
	NodeID string `json:"node_id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// RunInfo is the payload of TypeRunStarted and TypeRunFinished.
type RunInfo struct {
	RunID  string   `json:"run_id"`
	Title  string   `json:"title"`
	Nodes  []string `json:"nodes,omitempty"`
	Status string   `json:"status,omitempty"`
}

// Attachment is the payload of TypeNodeAttached.
type Attachment struct {
	RunID    string `json:"run_id"`
	NodeID   string `json:"node_id"`
	From     string `json:"from"`
	Datatype string `json:"datatype"`
}

// Hub is an in-memory pub/sub with a small ring buffer for late clients.
type Hub struct {
	nextID atomic.Int64

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]chan Event
	nextSubID int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 256
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]chan Event),
	}
}

// Publish records an event and offers it to every subscriber. A nil hub
// drops the event.
func (h *Hub) Publish(eventType string, data any) {
	if h == nil {
		return
	}
	id := h.nextID.Add(1)

	payload := []byte("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	ev := Event{
		ID:   id,
		Type: eventType,
		At:   time.Now().UTC(),
		Data: payload,
	}

	h.mu.Lock()
	h.pushLocked(ev)
	for _, ch := range h.subs {
		// Don't let slow clients block the scheduler.
		select {
		case ch <- ev:
		default:
		}
	}
	h.mu.Unlock()
}

func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 128)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
		h.mu.Unlock()
	}

	return ch, cancel
}

// SnapshotSince returns buffered events with ID > lastID, oldest-first.
// If lastID is 0, the full ring buffer snapshot is returned.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if lastID == 0 || ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

// LatestNodeStatus folds the buffered node.status events into the last
// known status per node.
func (h *Hub) LatestNodeStatus() map[string]NodeStatus {
	out := make(map[string]NodeStatus)
	for _, ev := range h.SnapshotSince(0) {
		if ev.Type != TypeNodeStatus {
			continue
		}
		var ns NodeStatus
		if err := json.Unmarshal(ev.Data, &ns); err != nil {
			continue
		}
		out[ns.NodeID] = ns
	}
	return out
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if capacity == 0 {
		return
	}

	if h.size < capacity {
		idx := (h.start + h.size) % capacity
		h.ring[idx] = ev
		h.size++
		return
	}

	// Overwrite oldest.
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}
