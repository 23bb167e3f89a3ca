// Package api exposes callgate's HTTP surface: provider webhooks, the
// internal admission API, capacity views, and health/metrics endpoints.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voiceops/callgate/pkg/admission"
	"github.com/voiceops/callgate/pkg/capacity"
	"github.com/voiceops/callgate/pkg/database"
	"github.com/voiceops/callgate/pkg/webhook"
)

// Processor is the webhook lifecycle surface the server dispatches to.
type Processor interface {
	HandleCallStarted(ctx context.Context, evt *webhook.CallStartedEvent) (*webhook.StartOutcome, error)
	HandleCallEnded(ctx context.Context, evt *webhook.CallEndedEvent) (*webhook.EndOutcome, error)
	HandlePostCallTranscription(ctx context.Context, evt *webhook.CallEndedEvent) (*webhook.EndOutcome, error)
}

// Admitter is the internal admission surface.
type Admitter interface {
	Acquire(ctx context.Context, req admission.AcquireRequest) (*admission.AcquireResult, error)
	Release(ctx context.Context, tenantID int64, callID, reason string)
}

// CapacityView reads and administers the global capacity store.
type CapacityView interface {
	GlobalStatus(ctx context.Context) (capacity.Snapshot, error)
	ForceReset(ctx context.Context) error
	Ping(ctx context.Context) error
}

// Server is the HTTP server.
type Server struct {
	processor Processor
	admitter  Admitter
	slots     CapacityView
	db        *database.Client
	verifier  *webhook.Verifier

	engine *gin.Engine
	http   *http.Server
}

// NewServer wires the HTTP server and its routes.
func NewServer(
	processor Processor,
	admitter Admitter,
	slots CapacityView,
	db *database.Client,
	verifier *webhook.Verifier,
	production bool,
) *Server {
	if production {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		processor: processor,
		admitter:  admitter,
		slots:     slots,
		db:        db,
		verifier:  verifier,
		engine:    gin.New(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.Use(gin.Recovery(), requestLogger())

	s.engine.GET("/health", s.Health)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	hooks := s.engine.Group("/webhooks", verifySignature(s.verifier))
	hooks.POST("/call-started", s.CallStarted)
	hooks.POST("/call-ended", s.CallEnded)
	hooks.POST("/post-call", s.PostCall)

	v1 := s.engine.Group("/v1")
	v1.POST("/admission/acquire", s.AcquireSlot)
	v1.POST("/admission/release", s.ReleaseSlot)
	v1.GET("/capacity", s.CapacityStatus)
	v1.POST("/capacity/reset", s.CapacityReset)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start begins serving on the given port. Blocks until the listener fails
// or Shutdown is called.
func (s *Server) Start(port string) error {
	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%s", port),
		Handler:      s.engine,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
