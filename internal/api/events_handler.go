package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/procchain/internal/events"
)

// streamKeepAlive is how often an idle /events stream gets a comment line.
const streamKeepAlive = 15 * time.Second

// streamFilter selects the pipeline events one /events client receives.
type streamFilter struct {
	since  int64  // replay only events after this id
	node   string // node id; run lifecycle events always pass
	prefix string // event type prefix such as "node."
}

func parseStreamFilter(r *http.Request) (streamFilter, error) {
	q := r.URL.Query()
	f := streamFilter{node: q.Get("node"), prefix: q.Get("type")}

	since := r.Header.Get("Last-Event-ID")
	if v := q.Get("since"); v != "" {
		since = v
	}
	if since != "" {
		n, err := strconv.ParseInt(since, 10, 64)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid event id %q", since)
		}
		f.since = n
	}
	return f, nil
}

func (f streamFilter) match(ev events.Event) bool {
	if f.prefix != "" && !strings.HasPrefix(ev.Type, f.prefix) {
		return false
	}
	if f.node == "" || !strings.HasPrefix(ev.Type, "node.") {
		return true
	}
	var payload struct {
		NodeID string `json:"node_id"`
	}
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		return false
	}
	return payload.NodeID == f.node
}

// eventStream writes filtered hub events to one client, each at most once.
type eventStream struct {
	w       io.Writer
	flusher http.Flusher
	filter  streamFilter
	last    int64
}

// send reports whether ev finished the run.
func (st *eventStream) send(ev events.Event) (bool, error) {
	if ev.ID <= st.last {
		return false, nil
	}
	st.last = ev.ID
	if st.filter.match(ev) {
		if _, err := fmt.Fprintf(st.w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, ev.Data); err != nil {
			return false, err
		}
		st.flusher.Flush()
	}
	return ev.Type == events.TypeRunFinished, nil
}

// handleEvents handles GET /events, a server-sent event stream of pipeline
// progress. Buffered events after Last-Event-ID (or ?since=) are replayed
// first. ?node= and ?type= narrow the stream. It closes after run.finished.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := parseStreamFilter(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "event streaming unsupported by this connection")
		return
	}

	// Subscribed before the replay so nothing published in between is
	// missed; send drops the overlap by id.
	ch, cancel := s.hub.Subscribe()
	defer cancel()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	st := &eventStream{w: w, flusher: flusher, filter: filter, last: filter.since}
	for _, ev := range s.hub.SnapshotSince(filter.since) {
		if done, err := st.send(ev); done || err != nil {
			return
		}
	}

	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if done, err := st.send(ev); done || err != nil {
				return
			}
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
