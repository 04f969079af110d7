package webhook

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig configures the public router.
type RouterConfig struct {
	AdminUser     string
	AdminPassword string
}

// NewRouter wires the webhook, health and admin routes. Admin routes are
// only mounted when both admin credentials are set, and always sit behind
// basic auth.
func NewRouter(h *Handler, admin *Admin, cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), RequestID(), accessLog(h.logger))

	router.POST("/webhook", h.Handle)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "circuit": h.breaker.State().String()})
	})

	if cfg.AdminUser == "" || cfg.AdminPassword == "" {
		h.logger.Warn("admin credentials not set, admin API disabled")
		return router
	}
	group := router.Group("/admin", gin.BasicAuth(gin.Accounts{cfg.AdminUser: cfg.AdminPassword}))
	group.GET("/stats", admin.stats)
	group.GET("/tasks/:id", admin.task)
	group.GET("/users/:id/tasks", admin.userTasks)

	return router
}

func accessLog(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"request_id", c.GetString(requestIDKey))
	}
}

// StartServer serves handler on port in the background. Listen errors are
// sent to errChan.
func StartServer(name string, port int, handler http.Handler, logger *slog.Logger, errChan chan<- error) *http.Server {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server starting", "server", name, "port", port)
		err := server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "server", name, "err", err)
			errChan <- fmt.Errorf("%s server: %w", name, err)
		}
	}()

	return server
}

// StartMetricsServer serves /metrics on port.
func StartMetricsServer(port int, logger *slog.Logger, errChan chan<- error) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return StartServer("metrics", port, mux, logger, errChan)
}
