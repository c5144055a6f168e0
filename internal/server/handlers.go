package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"time"

	"github.com/statabridge/server/internal/apierr"
	"github.com/statabridge/server/internal/engineproc"
	"github.com/statabridge/server/internal/exectypes"
	"github.com/statabridge/server/internal/outputfilter"
	"github.com/statabridge/server/internal/viewcache"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		OK:          true,
		Edition:     s.cfg.StataEdition,
		SessionsMax: s.cfg.MaxSessions,
	}
	if sess, err := s.sessions.Get(""); err == nil {
		h := sess.Worker.Health()
		resp.EngineAvailable = h.EngineAvailable
		resp.Version = h.Version
	}
	resp.SessionsLive = len(s.sessions.List())
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRunSelection(w http.ResponseWriter, r *http.Request) {
	var req runSelectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErr(w, apierr.New(apierr.BadRequest, "invalid request body: %v", err))
		return
	}
	if req.Code == "" {
		writeAPIErr(w, apierr.New(apierr.BadRequest, "code is required"))
		return
	}

	resolved, err := s.resolvedSessionID(req.SessionID)
	if err != nil {
		writeAPIErr(w, apierr.Wrap(err))
		return
	}

	// Run against a detached context: a client disconnect must not break
	// and kill the worker out from under a run that is otherwise healthy
	// (spec §5 — "client aborts the HTTP request (stream stops, run
	// continues)"). req.Timeout and /stop_execution are the only
	// sanctioned ways to cut a run short.
	res, err := s.sessions.Dispatch(context.Background(), req.SessionID, exectypes.Request{
		Kind:       exectypes.RequestRunSelection,
		Code:       outputfilter.JoinContinuations(req.Code),
		WorkingDir: req.WorkingDir,
		Timeout:    timeoutFromSecs(req.TimeoutSecs),
		SkipFilter: req.SkipFilter,
	})
	if err != nil && res.Status == "" {
		writeAPIErr(w, apierr.Wrap(err))
		return
	}

	writeJSON(w, http.StatusOK, s.finalizeResult(resolved, res, req.SkipFilter))
}

func (s *Server) handleRunSelectionStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	code := q.Get("code")
	if code == "" {
		writeAPIErr(w, apierr.New(apierr.BadRequest, "code is required"))
		return
	}
	req := exectypes.Request{
		Kind:       exectypes.RequestRunSelection,
		Code:       outputfilter.JoinContinuations(code),
		WorkingDir: q.Get("working_dir"),
		Timeout:    timeoutFromSecs(parseFloat(q.Get("timeout"))),
		SkipFilter: q.Get("skip_filter") == "true",
	}
	s.streamRun(w, r, q.Get("session_id"), req, req.SkipFilter)
}

func (s *Server) handleRunFile(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	path := q.Get("file_path")
	if path == "" {
		writeAPIErr(w, apierr.New(apierr.BadRequest, "file_path is required"))
		return
	}
	sessionID := q.Get("session_id")

	resolved, err := s.resolvedSessionID(sessionID)
	if err != nil {
		writeAPIErr(w, apierr.Wrap(err))
		return
	}

	// Detached context, same reasoning as handleRunSelection above.
	res, err := s.sessions.Dispatch(context.Background(), sessionID, exectypes.Request{
		Kind:       exectypes.RequestRunFile,
		Path:       path,
		WorkingDir: q.Get("working_dir"),
		Timeout:    timeoutFromSecs(parseFloat(q.Get("timeout"))),
	})
	if err != nil && res.Status == "" {
		writeAPIErr(w, apierr.Wrap(err))
		return
	}
	writeJSON(w, http.StatusOK, s.finalizeResult(resolved, res, false))
}

func (s *Server) handleRunFileStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	path := q.Get("file_path")
	if path == "" {
		writeAPIErr(w, apierr.New(apierr.BadRequest, "file_path is required"))
		return
	}
	req := exectypes.Request{
		Kind:       exectypes.RequestRunFile,
		Path:       path,
		WorkingDir: q.Get("working_dir"),
		Timeout:    timeoutFromSecs(parseFloat(q.Get("timeout"))),
	}
	s.streamRun(w, r, q.Get("session_id"), req, false)
}

// streamRun opens the SSE response, starts the run asynchronously on the
// worker, and tails the session log until the run completes or the
// client disconnects (spec §4.6).
func (s *Server) streamRun(w http.ResponseWriter, r *http.Request, sessionID string, req exectypes.Request, skipFilter bool) {
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		writeAPIErr(w, apierr.Wrap(err))
		return
	}
	resolvedID := sess.ID

	b := NewBroadcaster()
	tailCtx, stopTail := context.WithCancel(r.Context())

	go tailLog(tailCtx, sess.Worker.LogPath(), b)

	go func() {
		defer b.Close()
		defer stopTail()
		// Run against a detached context: a client disconnect stops the
		// tail, not the worker's execution (spec §4.6 step 5).
		res, runErr := s.sessions.Dispatch(context.Background(), resolvedID, req)
		// Give the tailer one more poll to pick up the final log lines
		// before the done frame short-circuits a slow client's read.
		time.Sleep(tailPollInterval)

		resp := s.finalizeResult(resolvedID, res, skipFilter)
		if runErr != nil && res.Status == "" {
			apiErr := apierr.Wrap(runErr)
			b.Send(exectypes.StreamFrame{Kind: exectypes.FrameError, Text: apiErr.Message})
			return
		}
		encoded, _ := json.Marshal(resp)
		b.Send(exectypes.StreamFrame{Kind: exectypes.FrameDone, Text: string(encoded)})
	}()

	WriteSSE(w, r, b)
}

// handleStopExecution never returns "stopped": the original implementation
// it is ported from also only ever returns "stop_requested" or
// "not_running" from its equivalent endpoint, since a break signal is
// asynchronous and the handler has no way to confirm the run actually
// stopped before replying.
func (s *Server) handleStopExecution(w http.ResponseWriter, r *http.Request) {
	var req stopExecutionRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	sess, err := s.sessions.Get(req.SessionID)
	if err != nil {
		writeAPIErr(w, apierr.Wrap(err))
		return
	}
	if sess.Worker.State() != exectypes.StateBusy {
		writeJSON(w, http.StatusOK, stopExecutionResponse{Result: "no_execution"})
		return
	}
	if sess.Worker.Break() {
		writeJSON(w, http.StatusOK, stopExecutionResponse{Result: "stop_requested"})
		return
	}
	writeJSON(w, http.StatusOK, stopExecutionResponse{Result: "no_execution"})
}

func (s *Server) handleExecutionStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	status, err := s.sessions.Status(sessionID)
	if err != nil {
		writeAPIErr(w, apierr.Wrap(err))
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleSessionsRestart implements POST /sessions/restart, the
// single-session-shaped route spec.md §4.5 names.
func (s *Server) handleSessionsRestart(w http.ResponseWriter, r *http.Request) {
	var req stopExecutionRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	s.restartSession(w, req.SessionID)
}

// handleSessionRestart implements POST /sessions/{id}/restart, the
// per-session restart multi-session mode needs alongside the singular
// route above.
func (s *Server) handleSessionRestart(w http.ResponseWriter, r *http.Request) {
	s.restartSession(w, r.PathValue("id"))
}

func (s *Server) restartSession(w http.ResponseWriter, sessionID string) {
	resolved, err := s.resolvedSessionID(sessionID)
	if err != nil {
		writeAPIErr(w, apierr.Wrap(err))
		return
	}
	if err := s.sessions.Restart(sessionID); err != nil {
		writeAPIErr(w, apierr.Wrap(err))
		return
	}
	s.graphs.Forget(resolved)
	s.views.InvalidateAll()
	writeJSON(w, http.StatusOK, map[string]string{"status": "restarted"})
}

func (s *Server) handleSessionsCreate(w http.ResponseWriter, r *http.Request) {
	id, err := s.sessions.Create()
	if err != nil {
		writeAPIErr(w, apierr.Wrap(err))
		return
	}
	writeJSON(w, http.StatusOK, sessionCreateResponse{ID: id})
}

func (s *Server) handleSessionsList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, sessionsListResponse{Sessions: s.sessions.List()})
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.sessions.Get(id)
	if err != nil {
		writeAPIErr(w, apierr.Wrap(err))
		return
	}
	writeJSON(w, http.StatusOK, s.sessions.Summarize(sess))
}

func (s *Server) handleSessionDestroy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	resolved, resolveErr := s.resolvedSessionID(id)
	if err := s.sessions.Destroy(id); err != nil {
		writeAPIErr(w, apierr.Wrap(err))
		return
	}
	if resolveErr == nil {
		s.graphs.Forget(resolved)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "destroyed"})
}

func (s *Server) handleViewData(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID := q.Get("session_id")
	ifCondition := q.Get("if_condition")
	maxRows, _ := strconv.Atoi(q.Get("max_rows"))

	resolved, err := s.resolvedSessionID(sessionID)
	if err != nil {
		writeAPIErr(w, apierr.Wrap(err))
		return
	}
	cacheKey := viewcache.Key(resolved, ifCondition, maxRows)
	if cached, ok := s.views.Get(cacheKey); ok {
		writeJSON(w, http.StatusOK, viewDataResponse(cached))
		return
	}

	// Detached context, same reasoning as handleRunSelection above.
	res, err := s.sessions.Dispatch(context.Background(), sessionID, exectypes.Request{
		Kind:        exectypes.RequestViewData,
		IfCondition: ifCondition,
		MaxRows:     maxRows,
	})
	if err != nil {
		writeAPIErr(w, apierr.Wrap(err))
		return
	}

	view, decodeErr := engineproc.DecodeDatasetView(res.Output)
	if decodeErr != nil {
		writeAPIErr(w, apierr.New(apierr.EngineError, "decode dataset snapshot: %v", decodeErr))
		return
	}
	_ = s.views.Put(cacheKey, view)
	writeJSON(w, http.StatusOK, viewDataResponse(view))
}

func (s *Server) handleGraphFile(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	decodedName, err := url.QueryUnescape(name)
	if err != nil {
		decodedName = name
	}
	sessionID := r.URL.Query().Get("session_id")
	resolved, err := s.resolvedSessionID(sessionID)
	if err != nil {
		writeAPIErr(w, apierr.Wrap(err))
		return
	}

	ref, ok := s.graphs.Lookup(resolved, decodedName)
	if !ok {
		writeAPIErr(w, apierr.New(apierr.BadRequest, "unknown graph: %s", decodedName))
		return
	}
	http.ServeFile(w, r, filepath.FromSlash(ref.AbsolutePath))
}

func (s *Server) handleGraphsList(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	resolved, err := s.resolvedSessionID(sessionID)
	if err != nil {
		writeAPIErr(w, apierr.Wrap(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"graphs": s.graphs.List(resolved)})
}

// finalizeResult applies the output filter and token cap, replaces the
// session's graph registry, and invalidates the view cache — the
// bookkeeping every endpoint that runs code shares.
func (s *Server) finalizeResult(sessionID string, res exectypes.Result, skipFilter bool) resultResponse {
	return s.finalize.Finalize(sessionID, res, skipFilter)
}

// resolvedSessionID maps a caller-supplied (possibly empty) session_id to
// the id session.Manager actually uses, so callers updating the graph
// registry or view cache key on the same identity the manager tracks
// internally, including under single-session compatibility mode.
func (s *Server) resolvedSessionID(requested string) (string, error) {
	sess, err := s.sessions.Get(requested)
	if err != nil {
		return "", err
	}
	return sess.ID, nil
}

func timeoutFromSecs(secs float64) time.Duration {
	if secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIErr(w http.ResponseWriter, err *apierr.Error) {
	writeJSON(w, err.Status(), err.Envelope())
}

