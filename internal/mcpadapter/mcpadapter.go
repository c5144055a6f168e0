package mcpadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/statabridge/server/internal/apierr"
	"github.com/statabridge/server/internal/logging"
)

const progressInterval = 5 * time.Second

// tailLineCount bounds how much recent log text rides along with each
// progress tick (spec §4.7: "the last few log lines").
const tailLineCount = 5

// Adapter wires the stata_* tool table into an MCP server and exposes it
// over both transports spec §4.7 names, plus the unified /v1/tools REST
// endpoint. Every transport ultimately calls registry.invoke, so a tool
// behaves identically whether it was reached over MCP or plain JSON.
type Adapter struct {
	deps   Deps
	reg    *registry
	logger *logging.Logger
	mcp    *mcp.Server
}

// toolHandler is the signature mcp.AddTool expects; the adapter uses a
// schemaless map[string]any input on every tool since argument shape is
// already enforced by the registry's santhosh-tekuri/jsonschema schema,
// the same one /v1/tools validates against.
type toolHandler = func(context.Context, *mcp.CallToolRequest, map[string]any) (*mcp.CallToolResult, any, error)

// New builds an Adapter: registers every stata_* tool against deps for
// the shared registry (used by /v1/tools), then advertises the same
// tools to an mcp.Server for the two MCP transports.
func New(deps Deps, logger *logging.Logger) (*Adapter, error) {
	reg, err := buildRegistry(deps)
	if err != nil {
		return nil, err
	}

	a := &Adapter{deps: deps, reg: reg, logger: logger}
	a.mcp = mcp.NewServer(&mcp.Implementation{Name: "statabridge", Version: "1.0.0"}, nil)

	// run_file is the one long-running call; it alone gets progress
	// notifications (spec §4.7).
	for _, name := range reg.names() {
		t, _ := reg.get(name)
		mcp.AddTool(a.mcp, &mcp.Tool{Name: t.name, Description: t.description}, a.handle(t.name, t.name == "stata_run_file"))
	}

	return a, nil
}

// handle returns the mcp.AddTool handler for a tool already present in
// the registry, optionally wrapped with a progress ticker.
func (a *Adapter) handle(name string, emitProgress bool) toolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest, input map[string]any) (*mcp.CallToolResult, any, error) {
		var stop chan struct{}
		if emitProgress && req.Session != nil {
			stop = a.startProgressTicker(ctx, req, input)
			defer close(stop)
		}

		out, err := a.reg.invoke(ctx, name, input)
		if err != nil {
			return errResult(err), nil, nil
		}

		b, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return errResult(err), nil, nil
		}
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(b)}}}, nil, nil
	}
}

func errResult(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
		IsError: true,
	}
}

// startProgressTicker notifies the calling session every progressInterval
// while a long run_file call is in flight: a progress notification
// summarizing elapsed time, plus a separate log message notification
// carrying the run's most recent output lines, so the client's transport
// does not time out waiting for a result and can show the user what the
// run is doing in the meantime (spec §4.7).
func (a *Adapter) startProgressTicker(ctx context.Context, req *mcp.CallToolRequest, input map[string]any) chan struct{} {
	stop := make(chan struct{})
	started := time.Now()
	sessionID := argString(input, "session_id")
	go func() {
		ticker := time.NewTicker(progressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				elapsed := time.Since(started).Round(time.Second)
				token := req.Params.GetProgressToken()
				if err := req.Session.NotifyProgress(ctx, &mcp.ProgressNotificationParams{
					ProgressToken: token,
					Message:       fmt.Sprintf("running for %s", elapsed),
				}); err != nil && a.logger != nil {
					a.logger.Debugf("progress notify failed: %v", err)
				}

				recent := a.recentLogLines(sessionID, tailLineCount)
				data := fmt.Sprintf("running for %s", elapsed)
				if len(recent) > 0 {
					data = fmt.Sprintf("%s\n%s", data, strings.Join(recent, "\n"))
				}
				if err := req.Session.Log(ctx, &mcp.LoggingMessageParams{
					Logger: "statabridge",
					Level:  "info",
					Data:   data,
				}); err != nil && a.logger != nil {
					a.logger.Debugf("log notify failed: %v", err)
				}
			}
		}
	}()
	return stop
}

// recentLogLines returns the run's most recent log lines for a progress
// tick, or nil if sessionID does not resolve to a live session.
func (a *Adapter) recentLogLines(sessionID string, n int) []string {
	sess, err := a.deps.Sessions.Get(sessionID)
	if err != nil {
		return nil
	}
	return tailLastLines(sess.Worker.LogPath(), n)
}

// SSEHandler returns the legacy SSE transport mount (spec §4.7: /mcp).
func (a *Adapter) SSEHandler() http.Handler {
	return mcp.NewSSEHandler(func(*http.Request) *mcp.Server { return a.mcp }, nil)
}

// StreamableHandler returns the Streamable HTTP JSON-RPC 2.0 transport
// mount (spec §4.7: /mcp-streamable).
func (a *Adapter) StreamableHandler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return a.mcp }, nil)
}

type invokeRequest struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
}

// ServeInvoke implements POST /v1/tools: unified MCP-tool invocation over
// plain JSON, for callers that do not speak either MCP transport.
func (a *Adapter) ServeInvoke(w http.ResponseWriter, r *http.Request) {
	var req invokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeToolErr(w, apierr.New(apierr.BadRequest, "invalid request body: %v", err))
		return
	}
	if req.Tool == "" {
		writeToolErr(w, apierr.New(apierr.BadRequest, "tool is required"))
		return
	}

	out, err := a.reg.invoke(r.Context(), req.Tool, req.Arguments)
	if err != nil {
		writeToolErr(w, apierr.New(apierr.BadRequest, "%v", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{"result": out})
}

func writeToolErr(w http.ResponseWriter, err *apierr.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Status())
	_ = json.NewEncoder(w).Encode(err.Envelope())
}
