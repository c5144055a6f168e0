package server

import (
	"github.com/statabridge/server/internal/config"
	"github.com/statabridge/server/internal/execresult"
	"github.com/statabridge/server/internal/session"
)

// runSelectionRequest is the POST /run_selection body.
type runSelectionRequest struct {
	SessionID   string  `json:"session_id,omitempty"`
	Code        string  `json:"code"`
	WorkingDir  string  `json:"working_dir,omitempty"`
	TimeoutSecs float64 `json:"timeout,omitempty"`
	SkipFilter  bool    `json:"skip_filter,omitempty"`
}

// resultResponse is the JSON body returned for a completed run, carrying
// the filtered/capped output rather than the worker's raw transcript.
type resultResponse = execresult.DTO

// stopExecutionRequest is the POST /stop_execution body.
type stopExecutionRequest struct {
	SessionID string `json:"session_id,omitempty"`
}

// stopExecutionResponse reports the outcome of a stop request. Of the
// three outcomes spec §4.5 enumerates, handleStopExecution only returns
// stop_requested and no_execution.
type stopExecutionResponse struct {
	Result string `json:"result"` // stop_requested | no_execution
}

// sessionCreateResponse is the POST /sessions body.
type sessionCreateResponse struct {
	ID string `json:"id"`
}

// sessionDetailResponse is the GET /sessions/{id} body.
type sessionDetailResponse = session.Summary

// sessionsListResponse is the GET /sessions body.
type sessionsListResponse struct {
	Sessions []session.Summary `json:"sessions"`
}

// healthResponse is the GET /health body. Edition/SessionsLive/SessionsMax
// report the worker pool occupancy the Session Manager already tracks.
type healthResponse struct {
	OK              bool                `json:"ok"`
	EngineAvailable bool                `json:"engine_available"`
	Version         string              `json:"version,omitempty"`
	Edition         config.StataEdition `json:"edition,omitempty"`
	SessionsLive    int                 `json:"sessions_live"`
	SessionsMax     int                 `json:"sessions_max"`
}

// viewDataResponse is the GET /view_data body.
type viewDataResponse struct {
	Columns       []string `json:"columns"`
	Rows          [][]any  `json:"rows"`
	DisplayedRows int      `json:"displayed_rows"`
	TotalRows     int      `json:"total_rows"`
	MaxRows       int      `json:"max_rows"`
}
