// Package server exposes the HTTP API: triggering runs, inspecting run
// progress, managing the symbol registry, and the health report.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tidemark/tidemark/health"
	"github.com/tidemark/tidemark/logger"
	"github.com/tidemark/tidemark/market"
	"github.com/tidemark/tidemark/progress"
	"github.com/tidemark/tidemark/scheduler"
)

// Server is the Tidemark HTTP API server
type Server struct {
	scheduler *scheduler.Scheduler
	store     *progress.Store
	registry  *market.Registry
	reporter  *health.Reporter

	httpServer *http.Server
	log        *zap.SugaredLogger
}

// New assembles the API server on the given port
func New(port int, sched *scheduler.Scheduler, store *progress.Store, registry *market.Registry, reporter *health.Reporter) *Server {
	s := &Server{
		scheduler: sched,
		store:     store,
		registry:  registry,
		reporter:  reporter,
		log:       logger.Logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/runs/trigger", s.handleTriggerRun)
	mux.HandleFunc("/api/runs", s.handleListRuns)
	mux.HandleFunc("/api/runs/", s.handleGetRun)
	mux.HandleFunc("/api/symbols", s.handleSymbols)
	mux.HandleFunc("/api/symbols/", s.handleSymbol)
	mux.HandleFunc("/api/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler returns the routing handler, for tests
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.log.Infow("API server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
