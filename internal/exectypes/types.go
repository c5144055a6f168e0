// Package exectypes defines the data model shared by the worker, session
// manager, output filter, graph indexer, and HTTP/MCP surfaces: the
// Request/Result tagged unions and supporting value types from spec §3.
package exectypes

import "time"

// SessionState is one node of the state machine in spec §4.1.
type SessionState string

const (
	StateInitializing SessionState = "initializing"
	StateReady        SessionState = "ready"
	StateBusy         SessionState = "busy"
	StateTerminating  SessionState = "terminating"
	StateDead         SessionState = "dead"
)

// RequestKind tags the Request union (spec §3).
type RequestKind string

const (
	RequestRunSelection RequestKind = "run_selection"
	RequestRunFile      RequestKind = "run_file"
	RequestBreak        RequestKind = "break"
	RequestRestart      RequestKind = "restart"
	RequestViewData     RequestKind = "view_data"
	RequestIntrospect   RequestKind = "introspect"
)

// Request is the tagged union of operations a Worker accepts.
type Request struct {
	Kind RequestKind

	// RunSelection / RunFile
	Code       string        // RunSelection only
	Path       string        // RunFile only
	WorkingDir string
	Timeout    time.Duration
	SkipFilter bool // RunSelection only

	// ViewData
	IfCondition string
	MaxRows     int
}

// ResultStatus is the outcome of a submitted Request.
type ResultStatus string

const (
	StatusSuccess   ResultStatus = "success"
	StatusError     ResultStatus = "error"
	StatusCancelled ResultStatus = "cancelled"
	StatusTimeout   ResultStatus = "timeout"
)

// GraphRef names one exported image artifact (spec §3).
type GraphRef struct {
	Name         string    `json:"name"`
	AbsolutePath string    `json:"absolute_path"`
	CreatedAt    time.Time `json:"created_at"`
	Sequence     int       `json:"sequence"`
}

// Result is the outcome of a Request (spec §3).
type Result struct {
	Status          ResultStatus `json:"status"`
	Output          string       `json:"output"`
	LogPath         string       `json:"log_path"`
	Graphs          []GraphRef   `json:"graphs,omitempty"`
	TruncatedToFile string       `json:"truncated_to_file,omitempty"`
}

// StreamFrameKind tags Stream frame union (spec §3).
type StreamFrameKind string

const (
	FrameStatus StreamFrameKind = "status"
	FrameStdout StreamFrameKind = "stdout"
	FrameError  StreamFrameKind = "error"
	FrameDone   StreamFrameKind = "done"
)

// StreamFrame is emitted by the streaming layer and mapped to SSE data lines.
type StreamFrame struct {
	Kind StreamFrameKind `json:"kind"`
	Text string          `json:"text,omitempty"`
}

// HealthInfo is returned by Worker.Health.
type HealthInfo struct {
	EngineAvailable bool   `json:"engine_available"`
	Version         string `json:"version,omitempty"`
	Edition         string `json:"edition,omitempty"`
}

// DatasetView is the response body for GET /view_data (spec §4.5).
type DatasetView struct {
	Columns       []string `json:"columns"`
	Rows          [][]any  `json:"rows"`
	DisplayedRows int      `json:"displayed_rows"`
	TotalRows     int      `json:"total_rows"`
	MaxRows       int      `json:"max_rows"`
}
