package webhook

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"smebot-go/internal/batch"
	"smebot-go/internal/breaker"
	"smebot-go/internal/conversation"
	"smebot-go/internal/queue"
	"smebot-go/internal/ratelimit"
)

// TaskReader is the read side of the task queue.
type TaskReader interface {
	TaskStatus(id string) (queue.Task, bool)
	UserTasks(userID string) []queue.Task
	Stats() queue.Stats
}

// StatsResponse is the body of GET /admin/stats.
type StatsResponse struct {
	Queue        queue.Stats        `json:"queue"`
	Batch        batch.Stats        `json:"batch"`
	RateLimit    ratelimit.Stats    `json:"rate_limit"`
	Circuit      breaker.Snapshot   `json:"circuit"`
	Conversation conversation.Stats `json:"conversation"`
	GeneratedAt  time.Time          `json:"generated_at"`
}

// Admin serves read-only operational endpoints.
type Admin struct {
	tasks   TaskReader
	webhook *Handler
	limiter *ratelimit.Limiter
	breaker *breaker.CircuitBreaker
	store   conversation.Store
}

// NewAdmin creates the admin endpoints.
func NewAdmin(tasks TaskReader, h *Handler) *Admin {
	return &Admin{
		tasks:   tasks,
		webhook: h,
		limiter: h.limiter,
		breaker: h.breaker,
		store:   h.store,
	}
}

func (a *Admin) stats(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	resp := StatsResponse{
		Queue:       a.tasks.Stats(),
		Batch:       a.webhook.BatchStats(),
		RateLimit:   a.limiter.Stats(),
		Circuit:     a.breaker.Snapshot(),
		GeneratedAt: time.Now().UTC(),
	}
	conv, err := a.store.Stats(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	resp.Conversation = conv
	c.JSON(http.StatusOK, resp)
}

func (a *Admin) task(c *gin.Context) {
	task, ok := a.tasks.TaskStatus(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, task)
}

func (a *Admin) userTasks(c *gin.Context) {
	tasks := a.tasks.UserTasks(c.Param("id"))
	if tasks == nil {
		tasks = []queue.Task{}
	}
	c.JSON(http.StatusOK, gin.H{"user_id": c.Param("id"), "tasks": tasks})
}
