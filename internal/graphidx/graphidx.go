// Package graphidx maintains the per-session graph registry of spec §4.4:
// it parses the "GRAPHS DETECTED" block a Worker writes into its run log
// and replaces the session's registry with the set produced by the most
// recent successful run, grounded on the reference registry's
// register/get/list shape (internal/server/registry.go in the teacher).
package graphidx

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/statabridge/server/internal/exectypes"
)

// detectedHeader marks the start of the block a Worker appends to its run
// log after exporting graphs, one "name\tabsolute_path" pair per line.
const detectedHeader = "GRAPHS DETECTED:"

// ParseDetected extracts GraphRefs from a run log fragment containing a
// GRAPHS DETECTED block. Sequence numbers are assigned in file order,
// starting at 1. Lines outside the block are ignored, so it is safe to
// pass either the full log or just the tail written by the most recent
// command.
func ParseDetected(logText string) []exectypes.GraphRef {
	lines := strings.Split(logText, "\n")
	start := -1
	for i, l := range lines {
		if strings.TrimSpace(l) == detectedHeader {
			start = i + 1
			break
		}
	}
	if start < 0 {
		return nil
	}

	var refs []exectypes.GraphRef
	seq := 1
	for _, l := range lines[start:] {
		l = strings.TrimRight(l, "\r")
		if strings.TrimSpace(l) == "" {
			break
		}
		parts := strings.SplitN(l, "\t", 2)
		if len(parts) != 2 {
			continue
		}
		refs = append(refs, exectypes.GraphRef{
			Name:         strings.TrimSpace(parts[0]),
			AbsolutePath: toForwardSlashes(strings.TrimSpace(parts[1])),
			CreatedAt:    timeNow(),
			Sequence:     seq,
		})
		seq++
	}
	return refs
}

// FormatDetectedBlock is the inverse of ParseDetected: it renders the
// GRAPHS DETECTED block a Worker appends to the run log after exporting
// the graphs produced by one command.
func FormatDetectedBlock(names []string, pathFor func(name string) string) string {
	if len(names) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(detectedHeader)
	b.WriteByte('\n')
	for _, name := range names {
		fmt.Fprintf(&b, "%s\t%s\n", name, toForwardSlashes(pathFor(name)))
	}
	return b.String()
}

func toForwardSlashes(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}

// timeNow is overridden in tests to make CreatedAt deterministic.
var timeNow = func() time.Time { return time.Now() }

// Registry holds one session's current graph set, replaced wholesale on
// each run (spec §4.4: "single-shot semantics").
type Registry struct {
	mu        sync.RWMutex
	bySession map[string][]exectypes.GraphRef
}

// NewRegistry constructs an empty graph registry.
func NewRegistry() *Registry {
	return &Registry{bySession: make(map[string][]exectypes.GraphRef)}
}

// Replace sets sessionID's graph set from a run's Result. Per invariant
// (iv), a non-success status leaves the existing registry untouched: no
// GraphRef from a failed run is ever added.
func (r *Registry) Replace(sessionID string, status exectypes.ResultStatus, refs []exectypes.GraphRef) {
	if status != exectypes.StatusSuccess {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bySession[sessionID] = refs
}

// List returns sessionID's current graph set.
func (r *Registry) List(sessionID string) []exectypes.GraphRef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]exectypes.GraphRef, len(r.bySession[sessionID]))
	copy(out, r.bySession[sessionID])
	return out
}

// Lookup resolves a single graph by name within sessionID's current set.
func (r *Registry) Lookup(sessionID, name string) (exectypes.GraphRef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, g := range r.bySession[sessionID] {
		if g.Name == name {
			return g, true
		}
	}
	return exectypes.GraphRef{}, false
}

// Forget removes sessionID's entry entirely, called on session destroy.
func (r *Registry) Forget(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bySession, sessionID)
}

// NameForSequence renders a sequence-numbered graph base name, e.g.
// "graph3" for sequence 3. The worker does not call it: graph names come
// from the Engine's "graph dir" listing.
func NameForSequence(seq int) string {
	return "graph" + strconv.Itoa(seq)
}
