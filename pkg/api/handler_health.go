package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/voiceops/callgate/pkg/database"
)

// Health handles GET /health, probing Postgres and the capacity store.
func (s *Server) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy := true

	var dbHealth *database.HealthStatus
	if s.db != nil {
		var err error
		dbHealth, err = database.Health(ctx, s.db.DB.DB)
		if err != nil {
			healthy = false
		}
	}

	storeStatus := "healthy"
	if err := s.slots.Ping(ctx); err != nil {
		storeStatus = "unhealthy"
		healthy = false
	}

	status := http.StatusOK
	overall := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "unhealthy"
	}

	c.JSON(status, gin.H{
		"status":         overall,
		"database":       dbHealth,
		"capacity_store": storeStatus,
	})
}
