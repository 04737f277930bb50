package api

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"cometsearch/config"
	"cometsearch/provider"
	"cometsearch/task"
)

// ModelLister exposes the model allow-list.
type ModelLister interface {
	Models() []provider.ModelInfo
}

func SetupRouter(tm *task.Manager, models ModelLister, cfg *config.Config, logger *slog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestID(), RequestLogger(logger.With("component", "http")))
	h := NewHandler(tm, models, cfg, logger)

	r.GET("/health", h.handleHealth)
	r.GET("/models", h.handleListModels)

	r.POST("/search/background",
		ResourceGuard(cfg.ThrottleFreeMem, h.freeMemory, logger),
		h.handleCreateTask)

	tasks := r.Group("/tasks")
	{
		tasks.GET("", h.handleListTasks)
		tasks.GET("/:taskId", h.handleGetTask)
		tasks.GET("/:taskId/stream", h.handleStreamTask)
		tasks.DELETE("/:taskId", h.handleCancelTask)
	}
	return r
}
