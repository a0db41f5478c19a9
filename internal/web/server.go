// Package web serves a read-only JSON view of the supervisor: registered
// projects, their decision history, lifecycle events, spend, and a live
// stream of each project's session state.
package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/lucasnoah/steward/internal/cost"
	"github.com/lucasnoah/steward/internal/db"
	"github.com/lucasnoah/steward/internal/logging"
	"github.com/lucasnoah/steward/internal/registry"
	"github.com/lucasnoah/steward/internal/snapshot"
)

// CostSource reports running spend totals.
type CostSource interface {
	Summary() cost.Summary
}

// SessionSource captures the current state of a session by handle.
type SessionSource interface {
	CaptureSnapshot(ctx context.Context, handle string) (snapshot.Snapshot, error)
}

// Options configures a Server. Only Store is required.
type Options struct {
	Store    *registry.Store
	DB       *db.DB
	Cost     CostSource
	Sessions SessionSource
	Logger   *logging.Logger

	// StallThreshold classifies streamed snapshots.
	StallThreshold time.Duration
	// StreamInterval is how often the session stream re-captures.
	StreamInterval time.Duration
}

// Server is the status HTTP server.
type Server struct {
	store    *registry.Store
	db       *db.DB
	cost     CostSource
	sessions SessionSource
	logger   *logging.Logger

	classifier snapshot.Classifier
	interval   time.Duration
}

// NewServer builds a Server from opts.
func NewServer(opts Options) *Server {
	interval := opts.StreamInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Server{
		store:      opts.Store,
		db:         opts.DB,
		cost:       opts.Cost,
		sessions:   opts.Sessions,
		logger:     logging.OrNop(opts.Logger),
		classifier: snapshot.NewClassifier(opts.StallThreshold),
		interval:   interval,
	}
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/api/projects", s.handleProjects)
	mux.HandleFunc("/api/projects/", s.routeProject)
	mux.HandleFunc("/api/cost", s.handleCost)
	mux.HandleFunc("/api/report", s.handleReport)
	return otelhttp.NewHandler(mux, "steward.web")
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("status server listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// routeProject dispatches /api/projects/{name}[/decisions|/events|/stream].
func (s *Server) routeProject(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/projects/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	if err := registry.ValidateName(parts[0]); err != nil {
		http.Error(w, "invalid project name", http.StatusBadRequest)
		return
	}
	switch {
	case len(parts) == 1:
		s.handleProject(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "decisions":
		s.handleDecisions(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "events":
		s.handleEvents(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "stream":
		s.handleSessionStream(w, r, parts[0])
	default:
		http.NotFound(w, r)
	}
}
