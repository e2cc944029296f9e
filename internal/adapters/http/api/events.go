package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/okian/ritual/internal/domain/types"
	"github.com/okian/ritual/pkg/logger"
)

// handleEvents handles GET /v1/cycles/{id}/events as a Server-Sent Events
// stream. Every change is sent as a "cycle" event carrying the cycle id
// and version; clients re-read the cycle on receipt. The current version
// is sent first so a client never misses a change made before it connected.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	id := r.PathValue("id")

	sub, err := s.deps.Subscribe(ctx, sess, id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	defer sub.Unsubscribe()

	c, err := s.deps.GetCycle(ctx, sess, id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	rc := http.NewResponseController(w)
	// The stream outlives the server's write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	send := func(ev types.ChangeEvent) bool {
		if err := writeEvent(w, ev); err != nil {
			return false
		}
		return rc.Flush() == nil
	}
	if !send(types.ChangeEvent{CycleID: c.ID, Version: c.Version}) {
		return
	}

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case change, open := <-sub.Events():
			if !open {
				return
			}
			if !send(types.ChangeEvent{CycleID: change.CycleID, Version: change.Version}) {
				s.log.Debug(ctx, "event stream closed", logger.String("cycle_id", id))
				return
			}
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": heartbeat\n\n"); err != nil {
				return
			}
			if rc.Flush() != nil {
				return
			}
		}
	}
}

func writeEvent(w io.Writer, ev types.ChangeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: cycle\ndata: %s\n\n", ev.Version, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}
