// Package server exposes the agent over HTTP: the attribution report
// recorder used by the attribution test suite and a small REST surface for
// URL breakpoints. Every request is checked against the URL breakpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/aivorynet/inspector-go/pkg/breakpoint"
)

// Config holds HTTP server configuration.
type Config struct {
	ListenAddr  string
	ReportPath  string
	LockTimeout time.Duration
}

// Server serves the report recorder and the breakpoint API.
type Server struct {
	cfg         Config
	breakpoints *breakpoint.Manager
	logger      *zap.Logger
	httpServer  *http.Server
}

// New creates a server. manager may be nil, in which case requests are not
// checked against breakpoints and the breakpoint API is not mounted.
func New(cfg Config, manager *breakpoint.Manager, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:         cfg,
		breakpoints: manager,
		logger:      logger.Named("server"),
	}
	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler wrapped in the breakpoint check.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/conversionReport", s.handleConversionReport)
	mux.HandleFunc("GET /conversionReport/latest", s.handleGetReport)
	mux.HandleFunc("DELETE /conversionReport/latest", s.handleClearReport)

	if s.breakpoints != nil {
		mux.HandleFunc("GET /breakpoints", s.handleListBreakpoints)
		mux.HandleFunc("POST /breakpoints", s.handleAddBreakpoint)
		mux.HandleFunc("PATCH /breakpoints", s.handleUpdateBreakpoint)
		mux.HandleFunc("DELETE /breakpoints", s.handleRemoveBreakpoint)
		mux.HandleFunc("POST /breakpoints/select", s.handleSelectBreakpoint)
		mux.HandleFunc("GET /breakpoints/selected", s.handleSelectedBreakpoint)
	}

	return s.checkBreakpoints(mux)
}

// checkBreakpoints reports requests that hit a URL breakpoint. The request
// always proceeds.
func (s *Server) checkBreakpoints(next http.Handler) http.Handler {
	if s.breakpoints == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hit := s.breakpoints.Hit(r); hit != nil {
			s.logger.Info("url breakpoint hit",
				zap.String("key", hit.BreakpointKey),
				zap.String("method", hit.Method),
				zap.String("url", hit.URL))
		}
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe serves on the configured address. Blocks until shut down.
func (s *Server) ListenAndServe() error {
	lis, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(lis)
}

// Serve serves on lis. Blocks until shut down.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("listening", zap.String("addr", lis.Addr().String()), zap.String("report_path", s.cfg.ReportPath))
	if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
