package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/voiceops/callgate/pkg/admission"
	"github.com/voiceops/callgate/pkg/metrics"
	"github.com/voiceops/callgate/pkg/models"
)

// AcquireSlotRequest is the internal admission request body.
type AcquireSlotRequest struct {
	TenantID  int64          `json:"tenant_id" binding:"required"`
	CallID    string         `json:"call_id"`
	Direction string         `json:"direction"`
	Metadata  models.JSONMap `json:"metadata"`
}

// ReleaseSlotRequest frees a held slot. Reason defaults to completed;
// provider_429 marks a slot given back because the upstream provider
// rate-limited the outbound initiation.
type ReleaseSlotRequest struct {
	TenantID int64  `json:"tenant_id" binding:"required"`
	CallID   string `json:"call_id" binding:"required"`
	Reason   string `json:"reason"`
}

// AcquireSlot handles POST /v1/admission/acquire.
func (s *Server) AcquireSlot(c *gin.Context) {
	var req AcquireSlotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	direction := models.DirectionOutbound
	if req.Direction == string(models.DirectionInbound) {
		direction = models.DirectionInbound
	}

	result, err := s.admitter.Acquire(c.Request.Context(), admission.AcquireRequest{
		TenantID:  req.TenantID,
		CallID:    req.CallID,
		Direction: direction,
		Metadata:  req.Metadata,
	})
	if err != nil {
		s.admissionError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ReleaseSlot handles POST /v1/admission/release.
func (s *Server) ReleaseSlot(c *gin.Context) {
	var req ReleaseSlotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	reason := req.Reason
	if reason == "" {
		reason = models.EndReasonCompleted
	}
	if reason == models.EndReasonProvider429 {
		metrics.Provider429Total.Inc()
	}

	s.admitter.Release(c.Request.Context(), req.TenantID, req.CallID, reason)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// admissionError maps a structured admission refusal onto HTTP. Capacity
// refusals are 429 with a retry hint, subscription problems are 403, and
// anything unstructured is a 500.
func (s *Server) admissionError(c *gin.Context, err error) {
	admErr := admission.AsError(err)
	if admErr == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	body := gin.H{
		"error":   admErr.Code,
		"message": admErr.Message,
	}
	if admErr.IsCapacity() {
		body["current"] = admErr.Current
		body["limit"] = admErr.Limit
		body["retry_after_ms"] = admErr.RetryAfterMS()
		c.Header("Retry-After", strconv.FormatInt((admErr.RetryAfterMS()+999)/1000, 10))
		c.JSON(http.StatusTooManyRequests, body)
		return
	}

	switch admErr.Code {
	case admission.CodeSubscriptionNotFound:
		c.JSON(http.StatusNotFound, body)
	case admission.CodeSubscriptionInactive:
		c.JSON(http.StatusForbidden, body)
	case admission.CodeGlobalSlotFailed:
		c.JSON(http.StatusServiceUnavailable, body)
	default:
		c.JSON(http.StatusForbidden, body)
	}
}
