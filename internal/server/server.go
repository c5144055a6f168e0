// Package server implements the Execution API (spec §4.5) and Streaming
// Layer (spec §4.6): an HTTP surface over a table of Engine sessions,
// generalizing the reference server's Config/New/ListenAndServe/Shutdown
// shape from pipeline runs to Engine command execution.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/statabridge/server/internal/config"
	"github.com/statabridge/server/internal/engineproc"
	"github.com/statabridge/server/internal/execresult"
	"github.com/statabridge/server/internal/graphidx"
	"github.com/statabridge/server/internal/logging"
	"github.com/statabridge/server/internal/mcpadapter"
	"github.com/statabridge/server/internal/session"
	"github.com/statabridge/server/internal/viewcache"
)

// Server is the HTTP server exposing the Execution API and Streaming
// Layer over a session.Manager.
type Server struct {
	cfg      config.Config
	sessions *session.Manager
	graphs   *graphidx.Registry
	views    *viewcache.Cache
	finalize *execresult.Finalizer
	mcp      *mcpadapter.Adapter

	baseCtx context.Context
	cancel  context.CancelFunc
	httpSrv *http.Server
	logger  *logging.Logger
}

// New builds a Server bound to cfg. It spawns the configured sessions (a
// single implicit session unless cfg.MultiSession) and wires the
// Execution API routes.
func New(cfg config.Config, logger *logging.Logger) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:     cfg,
		graphs:  graphidx.NewRegistry(),
		views:   viewcache.New(5 * time.Second),
		baseCtx: ctx,
		cancel:  cancel,
		logger:  logger,
	}

	sessions, err := session.New(session.Config{
		Factory:      s.spawnWorker,
		MaxSessions:  cfg.MaxSessions,
		MultiSession: cfg.MultiSession,
		IdleTimeout:  time.Duration(cfg.SessionTimeout) * time.Second,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	s.sessions = sessions
	s.finalize = execresult.New(cfg, s.graphs, s.views, s.sessionRoot())

	mcpAdapter, err := mcpadapter.New(mcpadapter.Deps{
		Sessions: s.sessions,
		Graphs:   s.graphs,
		Views:    s.views,
		Finalize: s.finalize,
	}, logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build mcp adapter: %w", err)
	}
	s.mcp = mcpAdapter

	mux := http.NewServeMux()
	s.routes(mux)

	s.httpSrv = &http.Server{
		Handler:     csrfProtect(mux),
		ReadTimeout: 30 * time.Second,
		// Streaming responses outlive any fixed write deadline.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	return s, nil
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /run_selection", s.handleRunSelection)
	mux.HandleFunc("GET /run_selection/stream", s.handleRunSelectionStream)
	mux.HandleFunc("GET /run_file", s.handleRunFile)
	mux.HandleFunc("GET /run_file/stream", s.handleRunFileStream)
	mux.HandleFunc("POST /stop_execution", s.handleStopExecution)
	mux.HandleFunc("GET /execution_status", s.handleExecutionStatus)
	mux.HandleFunc("POST /sessions/restart", s.handleSessionsRestart)
	mux.HandleFunc("POST /sessions/{id}/restart", s.handleSessionRestart)
	mux.HandleFunc("POST /sessions", s.handleSessionsCreate)
	mux.HandleFunc("GET /sessions", s.handleSessionsList)
	mux.HandleFunc("GET /sessions/{id}", s.handleSessionGet)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleSessionDestroy)
	mux.HandleFunc("GET /view_data", s.handleViewData)
	mux.HandleFunc("GET /graphs/{name}", s.handleGraphFile)
	mux.HandleFunc("GET /graphs", s.handleGraphsList)

	mux.HandleFunc("POST /v1/tools", s.mcp.ServeInvoke)
	mux.Handle("/mcp", s.mcp.SSEHandler())
	mux.Handle("/mcp-streamable", s.mcp.StreamableHandler())
}

// spawnWorker builds a Worker rooted under the configured workspace, one
// subdirectory per session.
func (s *Server) spawnWorker(sessionID string) (*engineproc.Worker, error) {
	return engineproc.New(engineproc.Config{
		StataPath:       s.cfg.StataPath,
		Edition:         s.cfg.StataEdition,
		SessionDir:      filepath.Join(s.sessionRoot(), sessionID),
		Logger:          s.logger,
		LogFileLocation: s.cfg.LogFileLocation,
		CustomLogDir:    s.cfg.CustomLogDir,
		WorkspaceRoot:   s.cfg.WorkspaceRoot,
	})
}

func (s *Server) sessionRoot() string {
	root := s.cfg.WorkspaceRoot
	if root == "" {
		root = "."
	}
	return filepath.Join(root, "sessions")
}

// ListenAndServe starts the server and blocks until shutdown, mirroring
// the reference's signal-driven graceful-shutdown convention.
func (s *Server) ListenAndServe(addr string) error {
	ctx, stopNotify := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stopNotify()
		s.logger.Infof("received shutdown signal")
		s.Shutdown()
	}()

	s.logger.Infof("listening on %s", addr)
	s.httpSrv.Addr = addr
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// csrfProtect rejects cross-origin mutating requests. Browsers set the
// Origin header automatically on cross-origin requests, so checking it
// blocks CSRF while leaving same-origin and header-less CLI callers
// untouched.
func csrfProtect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodDelete {
			origin := r.Header.Get("Origin")
			if origin != "" {
				u, err := url.Parse(origin)
				if err != nil {
					http.Error(w, `{"code":"bad_request","message":"invalid Origin header"}`, http.StatusForbidden)
					return
				}
				host := u.Hostname()
				if host != "localhost" && host != "127.0.0.1" && host != "::1" {
					http.Error(w, `{"code":"bad_request","message":"cross-origin request blocked"}`, http.StatusForbidden)
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Shutdown tears down every live session and drains HTTP connections.
func (s *Server) Shutdown() {
	_ = s.sessions.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)

	s.cancel()
}
