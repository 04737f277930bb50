package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/mem"

	"cometsearch/task"
)

const requestIDHeader = "X-Request-ID"

// RequestID tags every request with an id, reusing the caller's when given.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// RequestLogger writes one structured line per request.
func RequestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", c.GetString("request_id"))
	}
}

// freeMemoryFunc reports the host's available memory in bytes.
type freeMemoryFunc func() (uint64, error)

func hostFreeMemory() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.Available, nil
}

// ResourceGuard refuses new work when available memory drops below
// minFree bytes. The task store lives in memory, so this is its back-pressure.
// A zero minFree disables the check.
func ResourceGuard(minFree int64, free freeMemoryFunc, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if minFree <= 0 {
			c.Next()
			return
		}
		avail, err := free()
		if err != nil {
			logger.Warn("could not get memory usage", "error", err)
			c.Next()
			return
		}
		if avail < uint64(minFree) {
			abortWithError(c, http.StatusServiceUnavailable, "ResourceExhausted",
				fmt.Sprintf("not enough free memory to accept new tasks. Available: %d, Required: %d", avail, minFree))
			return
		}
		c.Next()
	}
}

func abortWithError(c *gin.Context, status int, kind, message string) {
	body := gin.H{"error": message}
	if kind != "" {
		body["kind"] = kind
	}
	c.AbortWithStatusJSON(status, body)
}

func kindNotFound(c *gin.Context) {
	abortWithError(c, http.StatusNotFound, task.KindNotFound, "Task not found")
}
