package mcpadapter

import (
	"context"
	"fmt"
	"time"

	"github.com/statabridge/server/internal/engineproc"
	"github.com/statabridge/server/internal/execresult"
	"github.com/statabridge/server/internal/exectypes"
	"github.com/statabridge/server/internal/graphidx"
	"github.com/statabridge/server/internal/outputfilter"
	"github.com/statabridge/server/internal/session"
	"github.com/statabridge/server/internal/viewcache"
)

// Deps are the components a tool handler dispatches against, identical to
// what the Execution API's HTTP handlers hold.
type Deps struct {
	Sessions *session.Manager
	Graphs   *graphidx.Registry
	Views    *viewcache.Cache
	Finalize *execresult.Finalizer
}

func (d Deps) resolvedSessionID(requested string) (string, error) {
	sess, err := d.Sessions.Get(requested)
	if err != nil {
		return "", err
	}
	return sess.ID, nil
}

func argString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func argBool(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}

func argNumber(args map[string]any, key string) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

// runSelectionSchema, runFileSchema, etc. are the JSON Schemas advertised
// to MCP clients and enforced by the registry before dispatch.
var (
	runSelectionSchema = map[string]any{
		"type": "object",
		"properties": map[string]any{
			"session_id":  map[string]any{"type": "string"},
			"code":        map[string]any{"type": "string"},
			"working_dir": map[string]any{"type": "string"},
			"timeout":     map[string]any{"type": "number"},
			"skip_filter": map[string]any{"type": "boolean"},
		},
		"required": []any{"code"},
	}
	runFileSchema = map[string]any{
		"type": "object",
		"properties": map[string]any{
			"session_id":  map[string]any{"type": "string"},
			"file_path":   map[string]any{"type": "string"},
			"working_dir": map[string]any{"type": "string"},
			"timeout":     map[string]any{"type": "number"},
		},
		"required": []any{"file_path"},
	}
	viewDataSchema = map[string]any{
		"type": "object",
		"properties": map[string]any{
			"session_id":   map[string]any{"type": "string"},
			"if_condition": map[string]any{"type": "string"},
			"max_rows":     map[string]any{"type": "integer", "minimum": 1},
		},
	}
	sessionsEmptySchema = map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}
	sessionsSessionIDSchema = map[string]any{
		"type": "object",
		"properties": map[string]any{
			"session_id": map[string]any{"type": "string"},
		},
	}
)

// buildRegistry registers the stata_* tool surface (spec §4.7: a subset
// of the Execution API; streaming variants are HTTP-only).
func buildRegistry(d Deps) (*registry, error) {
	r := newRegistry()

	defs := []toolDef{
		{
			name:        "stata_run_selection",
			description: "Run a block of Stata code in a session and return its filtered output.",
			parameters:  runSelectionSchema,
			exec: func(ctx context.Context, args map[string]any) (any, error) {
				return runSelection(ctx, d, args)
			},
		},
		{
			name:        "stata_run_file",
			description: "Run a .do file in a session and return its filtered output.",
			parameters:  runFileSchema,
			exec: func(ctx context.Context, args map[string]any) (any, error) {
				return runFile(ctx, d, args)
			},
		},
		{
			name:        "stata_view_data",
			description: "Return a tabular snapshot of the session's in-memory dataset.",
			parameters:  viewDataSchema,
			exec: func(ctx context.Context, args map[string]any) (any, error) {
				return viewData(ctx, d, args)
			},
		},
		{
			name:        "stata_sessions_list",
			description: "List every live session and its state.",
			parameters:  sessionsEmptySchema,
			exec: func(ctx context.Context, args map[string]any) (any, error) {
				return d.Sessions.List(), nil
			},
		},
		{
			name:        "stata_sessions_create",
			description: "Create a new session and return its id.",
			parameters:  sessionsEmptySchema,
			exec: func(ctx context.Context, args map[string]any) (any, error) {
				id, err := d.Sessions.Create()
				if err != nil {
					return nil, err
				}
				return map[string]string{"id": id}, nil
			},
		},
		{
			name:        "stata_sessions_destroy",
			description: "Destroy a session and its worker.",
			parameters:  sessionsSessionIDSchema,
			exec: func(ctx context.Context, args map[string]any) (any, error) {
				id := argString(args, "session_id")
				resolved, resolveErr := d.resolvedSessionID(id)
				if err := d.Sessions.Destroy(id); err != nil {
					return nil, err
				}
				if resolveErr == nil {
					d.Graphs.Forget(resolved)
				}
				return map[string]string{"status": "destroyed"}, nil
			},
		},
		{
			name:        "stata_sessions_restart",
			description: "Restart a session's worker, clearing its transcript and graphs.",
			parameters:  sessionsSessionIDSchema,
			exec: func(ctx context.Context, args map[string]any) (any, error) {
				id := argString(args, "session_id")
				resolved, err := d.resolvedSessionID(id)
				if err != nil {
					return nil, err
				}
				if err := d.Sessions.Restart(id); err != nil {
					return nil, err
				}
				d.Graphs.Forget(resolved)
				d.Views.InvalidateAll()
				return map[string]string{"status": "restarted"}, nil
			},
		},
	}

	for _, def := range defs {
		if err := r.register(def); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func runSelection(ctx context.Context, d Deps, args map[string]any) (any, error) {
	code := argString(args, "code")
	sessionID := argString(args, "session_id")

	resolved, err := d.resolvedSessionID(sessionID)
	if err != nil {
		return nil, err
	}

	// Detached context: a dropped MCP transport must not break and kill
	// the worker out from under an otherwise healthy run (spec §5). The
	// request's own Timeout and the HTTP /stop_execution endpoint are the
	// sanctioned ways to cut a run short; no MCP tool stops a run.
	res, err := d.Sessions.Dispatch(context.Background(), sessionID, exectypes.Request{
		Kind:       exectypes.RequestRunSelection,
		Code:       outputfilter.JoinContinuations(code),
		WorkingDir: argString(args, "working_dir"),
		Timeout:    secondsToDuration(argNumber(args, "timeout")),
		SkipFilter: argBool(args, "skip_filter"),
	})
	if err != nil && res.Status == "" {
		return nil, err
	}
	return d.Finalize.Finalize(resolved, res, argBool(args, "skip_filter")), nil
}

func runFile(ctx context.Context, d Deps, args map[string]any) (any, error) {
	path := argString(args, "file_path")
	sessionID := argString(args, "session_id")

	resolved, err := d.resolvedSessionID(sessionID)
	if err != nil {
		return nil, err
	}

	// Detached context, same reasoning as runSelection above.
	res, err := d.Sessions.Dispatch(context.Background(), sessionID, exectypes.Request{
		Kind:       exectypes.RequestRunFile,
		Path:       path,
		WorkingDir: argString(args, "working_dir"),
		Timeout:    secondsToDuration(argNumber(args, "timeout")),
	})
	if err != nil && res.Status == "" {
		return nil, err
	}
	return d.Finalize.Finalize(resolved, res, false), nil
}

func viewData(ctx context.Context, d Deps, args map[string]any) (any, error) {
	sessionID := argString(args, "session_id")
	ifCondition := argString(args, "if_condition")
	maxRows := int(argNumber(args, "max_rows"))

	resolved, err := d.resolvedSessionID(sessionID)
	if err != nil {
		return nil, err
	}

	cacheKey := viewcache.Key(resolved, ifCondition, maxRows)
	if cached, ok := d.Views.Get(cacheKey); ok {
		return cached, nil
	}

	// Detached context, same reasoning as runSelection above.
	res, err := d.Sessions.Dispatch(context.Background(), sessionID, exectypes.Request{
		Kind:        exectypes.RequestViewData,
		IfCondition: ifCondition,
		MaxRows:     maxRows,
	})
	if err != nil {
		return nil, err
	}

	view, err := engineproc.DecodeDatasetView(res.Output)
	if err != nil {
		return nil, fmt.Errorf("decode dataset snapshot: %w", err)
	}
	_ = d.Views.Put(cacheKey, view)
	return view, nil
}

func secondsToDuration(secs float64) time.Duration {
	if secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}
