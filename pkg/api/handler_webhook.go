package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/voiceops/callgate/pkg/webhook"
)

// CallStarted handles POST /webhooks/call-started.
func (s *Server) CallStarted(c *gin.Context) {
	var evt webhook.CallStartedEvent
	if err := c.ShouldBindJSON(&evt); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	out, err := s.processor.HandleCallStarted(c.Request.Context(), &evt)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	switch {
	case out.Admitted:
		c.JSON(http.StatusOK, gin.H{
			"success":     true,
			"activeCalls": out.Result.GlobalActive,
			"limit":       out.Result.TenantLimit,
		})
	case out.Duplicate, out.Ignored:
		c.JSON(http.StatusOK, gin.H{"success": true})
	case out.Capacity != nil:
		c.Header("Retry-After", strconv.FormatInt((out.Capacity.RetryAfterMS()+999)/1000, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":          "CAPACITY_EXCEEDED",
			"currentActive":  out.Capacity.Current,
			"limit":          out.Capacity.Limit,
			"retry_after_ms": out.Capacity.RetryAfterMS(),
		})
	default:
		c.JSON(http.StatusForbidden, gin.H{
			"error":  out.RejectCode,
			"action": "reject_call",
		})
	}
}

// CallEnded handles POST /webhooks/call-ended.
func (s *Server) CallEnded(c *gin.Context) {
	s.handleEnd(c, s.processor.HandleCallEnded)
}

// PostCall handles POST /webhooks/post-call, the delayed form of call-ended.
func (s *Server) PostCall(c *gin.Context) {
	s.handleEnd(c, s.processor.HandlePostCallTranscription)
}

func (s *Server) handleEnd(c *gin.Context, handle func(ctx context.Context, evt *webhook.CallEndedEvent) (*webhook.EndOutcome, error)) {
	var evt webhook.CallEndedEvent
	if err := c.ShouldBindJSON(&evt); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	out, err := handle(c.Request.Context(), &evt)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := gin.H{"success": true}
	if out.Usage != nil {
		resp["usage"] = out.Usage
	}
	c.JSON(http.StatusOK, resp)
}
