// Package execresult turns a raw exectypes.Result into the response every
// Execution API surface returns after a run: output filtering, the token
// cap's spill-to-disk, graph registry bookkeeping, and view-cache
// invalidation. Both the HTTP handlers and the MCP tool adapter share one
// Finalizer so a run dispatched through either surface leaves the session's
// graphs and cached dataset view in the same state.
package execresult

import (
	"path/filepath"

	"github.com/statabridge/server/internal/config"
	"github.com/statabridge/server/internal/exectypes"
	"github.com/statabridge/server/internal/graphidx"
	"github.com/statabridge/server/internal/outputfilter"
	"github.com/statabridge/server/internal/viewcache"
)

// DTO is the JSON-facing shape of a finalized Result.
type DTO struct {
	Status          exectypes.ResultStatus `json:"status"`
	Output          string                 `json:"output"`
	LogPath         string                 `json:"log_path"`
	Graphs          []exectypes.GraphRef   `json:"graphs,omitempty"`
	TruncatedToFile string                 `json:"truncated_to_file,omitempty"`
}

// Finalizer applies the post-run pipeline shared by every surface that
// dispatches a run against a session.Manager.
type Finalizer struct {
	cfg         config.Config
	graphs      *graphidx.Registry
	views       *viewcache.Cache
	sessionRoot string
}

// New builds a Finalizer. sessionRoot is the directory under which each
// session keeps its own subdirectory, used to place token-cap spill files
// next to the session that produced them.
func New(cfg config.Config, graphs *graphidx.Registry, views *viewcache.Cache, sessionRoot string) *Finalizer {
	return &Finalizer{cfg: cfg, graphs: graphs, views: views, sessionRoot: sessionRoot}
}

// Finalize applies the output filter (unless skipFilter), the configured
// token cap, replaces sessionID's graph registry entries, and invalidates
// the view cache on a successful run.
func (f *Finalizer) Finalize(sessionID string, res exectypes.Result, skipFilter bool) DTO {
	if !skipFilter {
		res.Output = outputfilter.Apply(res.Output, f.cfg.ResultDisplayMode == config.DisplayFull)
	}

	spillDir := filepath.Join(f.sessionRoot, sessionID)
	capped, spillPath, err := outputfilter.ApplyTokenCap(res.Output, f.cfg.MaxOutputTokens, spillDir)
	if err == nil {
		res.Output = capped
		if spillPath != "" {
			res.TruncatedToFile = spillPath
		}
	}

	f.graphs.Replace(sessionID, res.Status, res.Graphs)
	if res.Status == exectypes.StatusSuccess {
		f.views.InvalidateAll()
	}

	return DTO{
		Status:          res.Status,
		Output:          res.Output,
		LogPath:         res.LogPath,
		Graphs:          res.Graphs,
		TruncatedToFile: res.TruncatedToFile,
	}
}
