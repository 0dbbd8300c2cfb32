package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"docdb-transfer/internal/config"
	"docdb-transfer/internal/model"
	"docdb-transfer/internal/service"
	"docdb-transfer/internal/task"
)

const defaultErrorLimit = 100

// TaskService is what the handlers need from the copy service.
type TaskService interface {
	CreateCopyTask(ctx context.Context, req service.CreateCopyRequest) (*model.TaskRecord, error)
	ListTasks(ctx context.Context) ([]model.TaskRecord, error)
	GetTask(ctx context.Context, id string) (*model.TaskRecord, error)
	StopTask(ctx context.Context, id string) (*model.TaskRecord, error)
	DeleteTask(ctx context.Context, id string) error
	TaskErrors(ctx context.Context, id string, limit int64) ([]model.TaskError, error)
	Connections() []config.Connection
}

// NamespaceBrowser lists databases and collections of a connection.
type NamespaceBrowser interface {
	ListNamespaces(ctx context.Context, connectionID, database string) ([]string, error)
}

type Handler struct {
	tasks   TaskService
	browser NamespaceBrowser
	log     logrus.FieldLogger
}

func NewHandler(tasks TaskService, browser NamespaceBrowser, log logrus.FieldLogger) *Handler {
	return &Handler{tasks: tasks, browser: browser, log: log}
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrConflict),
		errors.Is(err, service.ErrNotRunning),
		errors.Is(err, task.ErrActive):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	code := statusOf(err)
	if code == http.StatusInternalServerError {
		h.log.Errorf("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

// ListConnections returns the configured connections; URIs and keys are
// never serialized.
func (h *Handler) ListConnections(c *gin.Context) {
	conns := h.tasks.Connections()
	if conns == nil {
		conns = []config.Connection{}
	}
	c.JSON(http.StatusOK, conns)
}

func (h *Handler) ListNamespaces(c *gin.Context) {
	names, err := h.browser.ListNamespaces(c.Request.Context(), c.Param("id"), c.Query("database"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	c.JSON(http.StatusOK, names)
}

func (h *Handler) CreateTask(c *gin.Context) {
	var req service.CreateCopyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON: " + err.Error()})
		return
	}
	rec, err := h.tasks.CreateCopyTask(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (h *Handler) ListTasks(c *gin.Context) {
	recs, err := h.tasks.ListTasks(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, recs)
}

func (h *Handler) GetTask(c *gin.Context) {
	rec, err := h.tasks.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// StopTask blocks until the task acknowledged the stop.
func (h *Handler) StopTask(c *gin.Context) {
	rec, err := h.tasks.StopTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) DeleteTask(c *gin.Context) {
	if err := h.tasks.DeleteTask(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetTaskErrors returns the recorded document errors, oldest first.
// ?limit=n with n > 0, default 100.
func (h *Handler) GetTaskErrors(c *gin.Context) {
	limit := int64(defaultErrorLimit)
	if s := c.Query("limit"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	errs, err := h.tasks.TaskErrors(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, errs)
}
