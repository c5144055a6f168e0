package engineproc

import (
	"strings"

	"github.com/statabridge/server/internal/outputfilter"
)

// parseGraphNames extracts bare graph names from the raw transcript of a
// "graph dir" command, reusing the compact-mode echo stripper so the
// worker does not carry a second copy of the prompt-detection regex.
func parseGraphNames(raw string) []string {
	compact := outputfilter.Compact(raw)
	var names []string
	for _, line := range strings.Split(compact, "\n") {
		name := strings.TrimSpace(line)
		if name == "" {
			continue
		}
		names = append(names, name)
	}
	return names
}

// diffNewGraphs returns the names present in after but not in before, in
// after's original order.
func diffNewGraphs(before, after []string) []string {
	seen := make(map[string]bool, len(before))
	for _, n := range before {
		seen[n] = true
	}
	var added []string
	for _, n := range after {
		if !seen[n] {
			added = append(added, n)
		}
	}
	return added
}
