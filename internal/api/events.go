package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/soochol/ghachieve/internal/achieve"
	"github.com/soochol/ghachieve/internal/services"
)

// streamRunEvents replays and follows a run's progress as server-sent
// events. The event id is the buffer sequence, so a reconnect carrying
// Last-Event-ID picks up after the last frame it saw. Closing the stream
// never stops the run.
// GET /api/runs/{kind}/events?run_id=
func (s *Server) streamRunEvents(w http.ResponseWriter, r *http.Request) {
	kind, err := parseKind(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.runManager == nil {
		http.Error(w, "run streaming not available", http.StatusServiceUnavailable)
		return
	}
	runID, ok := s.resolveRunID(r, kind)
	if !ok {
		writeError(w, achieve.NewError(achieve.ErrNotFound, "stream", "no tracked run for "+string(kind)))
		return
	}
	seq := resumeSeq(r)
	events, wake, done, found := s.runManager.Subscribe(runID, seq)
	if !found {
		writeError(w, achieve.NewError(achieve.ErrNotFound, "stream", "run "+runID+" not found"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")

	for {
		for _, ev := range events {
			writeFrame(w, ev)
			seq = ev.Seq + 1
		}
		flusher.Flush()
		if done {
			return
		}
		select {
		case <-r.Context().Done():
			return
		case <-wake:
		}
		if events, wake, done, found = s.runManager.Subscribe(runID, seq); !found {
			return
		}
	}
}

// resolveRunID prefers the run_id query parameter over the latest run of kind.
func (s *Server) resolveRunID(r *http.Request, kind achieve.Kind) (string, bool) {
	if id := r.URL.Query().Get("run_id"); id != "" {
		return id, true
	}
	latest, ok := s.runManager.LatestRun(kind)
	return latest.ID, ok
}

func resumeSeq(r *http.Request) int {
	last, err := strconv.Atoi(r.Header.Get("Last-Event-ID"))
	if err != nil || last < 0 {
		return 0
	}
	return last + 1
}

// writeFrame emits ev as one SSE frame. Done frames carry the execute result.
func writeFrame(w io.Writer, ev services.EventRecord) {
	var payload any = ev.Progress
	if ev.Type == services.EventDone {
		payload = ev.Result
	}
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte("null")
	}
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data)
}
