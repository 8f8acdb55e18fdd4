// Package server exposes the job service over HTTP and a WebSocket
// event feed.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/calyptra/flowjobs/config"
	"github.com/calyptra/flowjobs/errors"
	"github.com/calyptra/flowjobs/jobs"
	"github.com/calyptra/flowjobs/jobs/scheduler"
)

// Server serves the job API and broadcasts job updates to WebSocket clients
type Server struct {
	svc      *jobs.Service
	registry *scheduler.TaskRegistry
	cfg      config.ServerConfig
	logger   *zap.SugaredLogger

	httpServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// NewServer creates a server wired to a job service. API-created jobs
// resolve their work through the task registry.
func NewServer(cfg config.ServerConfig, svc *jobs.Service, registry *scheduler.TaskRegistry, log *zap.SugaredLogger) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		svc:      svc,
		registry: registry,
		cfg:      cfg,
		logger:   log,
		ctx:      ctx,
		cancel:   cancel,
		clients:  make(map[*client]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/jobs", s.handleJobs)
	mux.HandleFunc("/api/jobs/", s.handleJob)
	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/ws/jobs", s.handleJobEvents)
	mux.HandleFunc("/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Terminal job transitions feed the WebSocket broadcast
	svc.OnJobUpdate(s.broadcastJobUpdate)

	return s
}

// Start serves HTTP until Shutdown or a listener error
func (s *Server) Start() error {
	s.logger.Infow("HTTP server listening", "addr", s.httpServer.Addr)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "http server failed")
	}
	return nil
}

// Shutdown stops accepting connections, closes WebSocket clients, and
// drains in-flight requests within the given context
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()

	s.mu.Lock()
	for c := range s.clients {
		c.close()
	}
	s.clients = make(map[*client]struct{})
	s.mu.Unlock()

	err := s.httpServer.Shutdown(ctx)
	s.wg.Wait()

	s.logger.Infow("HTTP server stopped")
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleTasks lists registered task names
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": s.registry.Names(),
	})
}
