package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"cometsearch/task"
)

const keepAliveInterval = 15 * time.Second

// messagePayload maps a hub message to its SSE JSON body.
func messagePayload(m task.Message) any {
	switch {
	case m.Event != nil:
		return *m.Event
	case m.Err != nil:
		return gin.H{"error": m.Err.Message, "kind": m.Err.Kind}
	case m.End:
		return gin.H{"end_of_stream": true, "status": m.Status}
	}
	return gin.H{"status": m.Status, "progress": m.Progress}
}

func writeSSE(w io.Writer, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", b)
	return err
}

// handleStreamTask replays a task's output and follows it live as SSE.
func (h *Handler) handleStreamTask(c *gin.Context) {
	id := c.Param("taskId")
	msgs, err := h.taskManager.Subscribe(c.Request.Context(), id)
	if err != nil {
		kindNotFound(c)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case m, ok := <-msgs:
			if !ok {
				return false
			}
			if err := writeSSE(w, messagePayload(m)); err != nil {
				h.logger.Warn("failed to write stream event", "task_id", id, "error", err)
				return false
			}
			return !m.End
		case <-keepAlive.C:
			_, err := io.WriteString(w, ": keep-alive\n\n")
			return err == nil
		}
	})
}
