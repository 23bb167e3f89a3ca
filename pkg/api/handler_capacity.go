package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// CapacityStatus handles GET /v1/capacity. Advisory snapshot; never a gate.
func (s *Server) CapacityStatus(c *gin.Context) {
	snap, err := s.slots.GlobalStatus(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// CapacityReset handles POST /v1/capacity/reset. Operator escape hatch:
// zeroes every counter and drops the active-calls map.
func (s *Server) CapacityReset(c *gin.Context) {
	if err := s.slots.ForceReset(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	slog.Warn("Capacity store force-reset via admin endpoint")
	c.JSON(http.StatusOK, gin.H{"success": true})
}
