package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/basket/clawtask/internal/bus"
	"github.com/basket/clawtask/internal/persistence"
)

// handleTaskStream implements GET /api/tasks/{id}/events: a Server-Sent
// Events stream of the task's lifecycle events. The stream ends after the
// task's task.completed event, or immediately with a snapshot when the task
// is already terminal.
func (s *Server) handleTaskStream(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "streaming not available: event bus not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Subscribe before reading the row so a completion in between is seen.
	sub := s.cfg.Bus.Subscribe("task.")
	defer s.cfg.Bus.Unsubscribe(sub)

	task, err := s.cfg.Store.GetTask(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if task.Status.Terminal() {
		_ = writeSSE(w, "task.snapshot", map[string]any{
			"task_id": task.ID,
			"status":  task.Status,
			"result":  task.Result,
			"error":   task.Error,
		})
		flusher.Flush()
		return
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("sse: client disconnected", "task_id", taskID)
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if bus.TaskIDOf(ev.Payload) != taskID {
				continue
			}
			if err := writeSSE(w, ev.Topic, ev.Payload); err != nil {
				s.logger.Debug("sse: write failed (client disconnected?)", "task_id", taskID, "error", err)
				return
			}
			flusher.Flush()
			if ev.Topic == bus.TopicTaskCompleted {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
