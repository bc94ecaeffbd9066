package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/r3labs/sse/v2"

	"github.com/rendis/flowplane/internal/streaming"
	"github.com/rendis/flowplane/pkg/schema"
)

// drainGrace leaves the connection open briefly after the final event so
// the subscriber can flush it before the stream is removed. Most clients
// disconnect on their own once they see a terminal event.
func drainGrace(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
	}
}

func isTerminalEvent(t string) bool {
	switch t {
	case schema.EventRunSucceeded, schema.EventRunFailed, schema.EventRunCancelled:
		return true
	}
	return false
}

// handleRunEvents streams a run's event log over SSE: first a replay of
// the persisted events past the client's Last-Event-ID, then live events
// from the hub. The stream ends when the run reaches a terminal event.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]
	ctx := r.Context()

	if _, err := s.deps.Store.GetRun(ctx, runID); err != nil {
		writeFlowError(w, err)
		return
	}

	var sinceSeq int64
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		sinceSeq, _ = strconv.ParseInt(v, 10, 64)
	} else if v := r.URL.Query().Get("since_seq"); v != "" {
		sinceSeq, _ = strconv.ParseInt(v, 10, 64)
	}

	// Subscribe before replaying so nothing published between the two
	// phases is lost. Duplicates are trimmed by sequence number below.
	live, unsubscribe, err := s.deps.Hub.Subscribe(ctx, streaming.EventFilter{RunID: runID})
	if err != nil {
		writeFlowError(w, err)
		return
	}
	defer unsubscribe()

	streamID := runID + "-" + uuid.NewString()
	s.events.CreateStream(streamID)
	defer s.events.RemoveStream(streamID)
	attached := s.awaitAttach(streamID)
	defer s.forgetAttach(streamID)

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Closing the stream unblocks ServeHTTP so finished runs do not
		// hold the connection open waiting for events that never come.
		defer s.events.RemoveStream(streamID)

		// Hold the replay until the subscriber is connected, otherwise a
		// terminal replay could tear the stream down before ServeHTTP
		// registers the client.
		select {
		case <-attached:
		case <-ctx.Done():
			return
		}

		lastSeq, terminal := s.replayEvents(r, streamID, runID, sinceSeq)
		if terminal {
			drainGrace(ctx)
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-live:
				if !ok {
					return
				}
				if ev.Seq <= lastSeq {
					continue
				}
				lastSeq = ev.Seq
				s.publishEvent(streamID, ev)
				if isTerminalEvent(ev.Type) {
					drainGrace(ctx)
					return
				}
			}
		}
	}()

	q := r.URL.Query()
	q.Set("stream", streamID)
	r.URL.RawQuery = q.Encode()
	s.events.ServeHTTP(w, r)
	<-done
}

// replayEvents publishes the persisted event log and returns the highest
// sequence number sent, so the live phase can skip duplicates, plus
// whether the log already ends in a terminal event.
func (s *Server) replayEvents(r *http.Request, streamID, runID string, sinceSeq int64) (int64, bool) {
	events, err := s.deps.Store.ListRunEvents(r.Context(), runID, sinceSeq, 0)
	if err != nil {
		s.deps.Logger.Warn("event replay failed", "run_id", runID, "error", err)
		return sinceSeq, false
	}
	lastSeq, terminal := sinceSeq, false
	for _, ev := range events {
		if ev.Seq > lastSeq {
			lastSeq = ev.Seq
		}
		terminal = isTerminalEvent(ev.Type)
		s.publishEvent(streamID, *ev)
	}
	return lastSeq, terminal
}

func (s *Server) publishEvent(streamID string, ev schema.RunEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	s.events.Publish(streamID, &sse.Event{
		ID:    []byte(strconv.FormatInt(ev.Seq, 10)),
		Event: []byte(ev.Type),
		Data:  data,
	})
}
