package http

import (
	"net/http"
	"time"

	"voicemesh/internal/infrastructure/monitoring"

	"github.com/gin-gonic/gin"
)

type HealthHandler struct {
	checker   *monitoring.HealthChecker
	startedAt time.Time
}

func NewHealthHandler(checker *monitoring.HealthChecker) *HealthHandler {
	return &HealthHandler{checker: checker, startedAt: time.Now()}
}

func (h *HealthHandler) SetupRoutes(router gin.IRouter) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
}

// Health reports liveness with the last known dependency status.
func (h *HealthHandler) Health(c *gin.Context) {
	status := h.checker.Last(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"status": status.Status,
		"checks": status.Checks,
		"uptime": time.Since(h.startedAt).Round(time.Second).String(),
	})
}

// Ready runs every check and answers 503 when a critical one fails.
func (h *HealthHandler) Ready(c *gin.Context) {
	status := h.checker.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status == monitoring.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
