package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// LivenessResponse is the /health/live payload.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse is the /health/ready payload.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// liveness reports that the process is running. No dependency checks.
func (s *Server) liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// readiness reports whether the service can do useful work. The store and
// registry are in-process and always ready once constructed; the chat
// provider check only verifies configuration, since the upstream is not
// probed on every scrape.
func (s *Server) readiness(c *gin.Context) {
	checks := make(map[string]string)
	allHealthy := true

	if s.store != nil {
		checks["store"] = "healthy"
	} else {
		checks["store"] = "unhealthy"
		allHealthy = false
	}

	if s.provider != nil {
		checks["chat_provider"] = "healthy"
	} else {
		checks["chat_provider"] = "unconfigured"
		allHealthy = false
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
