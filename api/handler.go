package api

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"cometsearch/config"
	"cometsearch/provider"
	"cometsearch/task"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
	summaryLength    = 500
)

type Handler struct {
	taskManager *task.Manager
	models      ModelLister
	cfg         *config.Config
	logger      *slog.Logger
	freeMemory  freeMemoryFunc
}

func NewHandler(tm *task.Manager, models ModelLister, cfg *config.Config, logger *slog.Logger) *Handler {
	return &Handler{
		taskManager: tm,
		models:      models,
		cfg:         cfg,
		logger:      logger.With("component", "api"),
		freeMemory:  hostFreeMemory,
	}
}

type SubmitRequest struct {
	Query            string `json:"query" binding:"required_without=UploadedFileData,max=200000"`
	Model            string `json:"model" binding:"required"`
	WebSearchEnabled bool   `json:"web_search_enabled"`
	UploadedFileData string `json:"uploaded_file_data"`
	FileType         string `json:"file_type" binding:"required_with=UploadedFileData"`
}

// bindingMessage turns validator errors into a readable sentence.
func bindingMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Sprintf("invalid request body: %v", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required", "required_without":
			if fe.Field() == "Query" {
				msgs = append(msgs, "No query provided")
			} else {
				msgs = append(msgs, strings.ToLower(fe.Field())+" is required")
			}
		case "required_with":
			msgs = append(msgs, "file_type is required when uploaded_file_data is set")
		case "max":
			msgs = append(msgs, strings.ToLower(fe.Field())+" is too long")
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s validation", strings.ToLower(fe.Field()), fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}

// decodeUpload accepts raw base64 or a data URL.
func (h *Handler) decodeUpload(data, fileType string) (*task.Upload, error) {
	if data == "" {
		return nil, nil
	}
	if rest, ok := strings.CutPrefix(data, "data:"); ok {
		meta, payload, found := strings.Cut(rest, ",")
		if !found || !strings.HasSuffix(meta, ";base64") {
			return nil, errors.New("uploaded_file_data must be base64 encoded")
		}
		data = payload
	}
	if h.cfg.MaxUploadSize > 0 && int64(base64.StdEncoding.DecodedLen(len(data))) > h.cfg.MaxUploadSize+2 {
		return nil, fmt.Errorf("uploaded file exceeds limit of %d bytes", h.cfg.MaxUploadSize)
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("uploaded_file_data is not valid base64: %v", err)
	}
	if h.cfg.MaxUploadSize > 0 && int64(len(raw)) > h.cfg.MaxUploadSize {
		return nil, fmt.Errorf("uploaded file exceeds limit of %d bytes", h.cfg.MaxUploadSize)
	}
	mime := strings.ToLower(strings.TrimSpace(fileType))
	if !provider.SupportedUpload(mime) {
		return nil, fmt.Errorf("unsupported file_type %q", fileType)
	}
	return &task.Upload{Data: raw, MIMEType: mime}, nil
}

// handleCreateTask registers a background task and returns immediately.
func (h *Handler) handleCreateTask(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, task.KindValidationError, bindingMessage(err))
		return
	}

	upload, err := h.decodeUpload(req.UploadedFileData, req.FileType)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, task.KindValidationError, err.Error())
		return
	}

	rec, err := h.taskManager.Submit(req.Model, req.Query, task.Options{
		WebSearch: req.WebSearchEnabled,
		Upload:    upload,
	})
	switch {
	case err == nil:
	case errors.Is(err, task.ErrValidation):
		abortWithError(c, http.StatusBadRequest, task.KindValidationError, err.Error())
		return
	case errors.Is(err, provider.ErrInvalidModel):
		abortWithError(c, http.StatusBadRequest, task.KindInvalidModel, err.Error())
		return
	case errors.Is(err, provider.ErrProviderNotConfigured):
		abortWithError(c, http.StatusInternalServerError, task.KindProviderError, err.Error())
		return
	default:
		h.logger.Error("failed to create task", "error", err)
		abortWithError(c, http.StatusInternalServerError, "", "Failed to create task")
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":            rec.ID,
		"status":        rec.Status,
		"created_at":    rec.CreatedAt,
		"model":         rec.Model,
		"query_preview": task.Preview(rec.Query, 100),
	})
}

func optionalTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// taskView is the polling representation of a record. The chunk log and
// result summary are only included once the task completed or failed.
func taskView(r task.Record) gin.H {
	view := gin.H{
		"id":                 r.ID,
		"model":              r.Model,
		"query":              r.Query,
		"status":             r.Status,
		"progress":           r.Progress,
		"created_at":         r.CreatedAt,
		"started_at":         optionalTime(r.StartedAt),
		"completed_at":       optionalTime(r.CompletedAt),
		"chunks_count":       len(r.Chunks),
		"web_search_enabled": r.Options.WebSearch,
		"duration":           nil,
	}
	if d := r.Duration(); d > 0 {
		view["duration"] = d.Seconds()
	}
	if r.Error != nil {
		view["error"] = r.Error
	}
	if r.Status == task.StatusCompleted || r.Status == task.StatusFailed {
		view["chunks"] = r.Chunks
		view["result"] = resultSummary(r)
	}
	return view
}

func resultSummary(r task.Record) gin.H {
	content := r.Text()
	result := gin.H{
		"content":      content,
		"summary":      task.Preview(content, summaryLength),
		"chunks_count": len(r.Chunks),
	}
	for _, ev := range r.Chunks {
		if ev.Kind == task.EventImage {
			result["image_base64"] = ev.ImageBase64
		}
	}
	return result
}

// handleGetTask returns a snapshot of one task.
func (h *Handler) handleGetTask(c *gin.Context) {
	rec, err := h.taskManager.Get(c.Param("taskId"))
	if err != nil {
		kindNotFound(c)
		return
	}
	c.JSON(http.StatusOK, taskView(rec))
}

// handleListTasks lists the newest tasks, optionally filtered by status.
func (h *Handler) handleListTasks(c *gin.Context) {
	status := task.Status(c.Query("status"))
	if status != "" && !status.Valid() {
		abortWithError(c, http.StatusBadRequest, task.KindValidationError, fmt.Sprintf("unknown status %q", status))
		return
	}

	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			abortWithError(c, http.StatusBadRequest, task.KindValidationError, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}

	summaries, total := h.taskManager.List(status, limit)
	c.JSON(http.StatusOK, gin.H{"tasks": summaries, "total": total})
}

// handleCancelTask requests cancellation of a queued or running task.
func (h *Handler) handleCancelTask(c *gin.Context) {
	id := c.Param("taskId")
	err := h.taskManager.Cancel(id)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{
			"id":      id,
			"status":  task.StatusCancelRequested,
			"message": "Task cancellation requested",
		})
	case errors.Is(err, task.ErrNotFound):
		kindNotFound(c)
	case errors.Is(err, task.ErrAlreadyTerminal):
		msg := "Task already finished"
		if rec, gerr := h.taskManager.Get(id); gerr == nil {
			msg = fmt.Sprintf("Task already %s", rec.Status)
		}
		abortWithError(c, http.StatusConflict, task.KindAlreadyTerminal, msg)
	default:
		h.logger.Error("failed to cancel task", "task_id", id, "error", err)
		abortWithError(c, http.StatusInternalServerError, "", err.Error())
	}
}

func (h *Handler) handleListModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"models": h.models.Models()})
}

func (h *Handler) handleHealth(c *gin.Context) {
	body := gin.H{
		"status": "ok",
		"tasks":  h.taskManager.Stats(),
		"queued": h.taskManager.Queued(),
	}
	if avail, err := h.freeMemory(); err == nil {
		body["memory_available"] = avail
	}
	c.JSON(http.StatusOK, body)
}
