// Package outputfilter turns a raw Engine transcript into the text
// returned to a caller, generalizing the reference tool registry's
// result-truncation pass (head/tail spill with a [WARNING: ...] marker)
// into the two display modes of spec §4.3: compact and full.
package outputfilter

import (
	"fmt"
	"regexp"
	"strings"
)

// promptLine matches an echoed input line: a bare "." primary prompt or a
// numbered continuation/loop-iteration prompt ("2.", " 12."), optionally
// followed by the echoed command text. Leading whitespace accounts for
// nested nested-loop indentation.
var promptLine = regexp.MustCompile(`^\s*(?:\d+\.|\.)\s*(.*)$`)

// blockStart matches commands that open a block whose body (echoes and
// output alike) is itself definitional, not executed: program/language
// blocks compiled inline.
var blockStart = regexp.MustCompile(`(?i)^(capture\s+)?(program\s+(define|drop)\b|mata\s*:?\s*$|python\s*:?\s*$|java\s*:?\s*$)`)

var blockEnd = regexp.MustCompile(`(?i)^end\s*$`)

// cosmeticNote matches the terse bookkeeping lines the Engine prints after
// data-modifying commands, of no value once the command's own output is
// already shown.
var cosmeticNote = regexp.MustCompile(`(?i)^\(\s*\d+\s+(real changes? made|missing values? generated|observations? deleted|observations? changed)\s*\)$`)

// continuationSuffix matches a trailing explicit line-continuation token.
var continuationSuffix = regexp.MustCompile(`\s*///.*$`)

// JoinContinuations folds lines ending in the explicit continuation token
// "///" into the following line, the way the Engine itself parses a
// multi-line statement before execution. Applied to submitted code, not to
// captured output.
func JoinContinuations(code string) string {
	lines := splitLines(code)
	var out []string
	var pending strings.Builder
	havePending := false
	for _, line := range lines {
		if continuationSuffix.MatchString(line) {
			trimmed := continuationSuffix.ReplaceAllString(line, "")
			if havePending {
				pending.WriteByte(' ')
				trimmed = strings.TrimLeft(trimmed, " \t")
			}
			pending.WriteString(strings.TrimRight(trimmed, " \t"))
			havePending = true
			continue
		}
		if havePending {
			pending.WriteByte(' ')
			pending.WriteString(strings.TrimSpace(line))
			out = append(out, pending.String())
			pending.Reset()
			havePending = false
			continue
		}
		out = append(out, line)
	}
	if havePending {
		out = append(out, strings.TrimRight(pending.String(), " "))
	}
	return strings.Join(out, "\n")
}

// Full returns raw transcript text unchanged, per spec §4.3 ("full: passes
// output through with minimal processing").
func Full(raw string) string {
	return raw
}

// Compact strips command echoes, loop-body echoes, program/inline-block
// definitions, and cosmetic change-count notes from a raw transcript,
// normalizing line endings to "\n" in the process. It is idempotent:
// Compact(Compact(x)) == Compact(x), since the patterns it removes do not
// reappear in already-compacted text.
func Compact(raw string) string {
	lines := splitLines(raw)
	out := make([]string, 0, len(lines))

	blockDepth := 0
	for _, line := range lines {
		m := promptLine.FindStringSubmatch(line)
		if m == nil {
			// Not an echo: either produced output or a bare result line.
			if blockDepth > 0 {
				continue // inside a program/inline-block body: definitional, not output
			}
			if cosmeticNote.MatchString(strings.TrimSpace(line)) {
				continue
			}
			out = append(out, line)
			continue
		}

		// Echoed input line (command echo, loop-header echo, or orphaned
		// numbered line with no command text at all).
		cmd := strings.TrimSpace(m[1])
		switch {
		case blockDepth > 0 && blockEnd.MatchString(cmd):
			blockDepth--
		case blockDepth > 0:
			// still inside the block definition
		case blockStart.MatchString(cmd):
			blockDepth++
		}
		// Echo lines themselves are never emitted in compact mode,
		// whether or not they open/close a block.
	}

	return strings.Join(out, "\n")
}

// Apply runs the display mode named by full over raw transcript text.
func Apply(raw string, full bool) string {
	if full {
		return Full(raw)
	}
	return Compact(raw)
}

func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.Split(s, "\n")
}

// SpillMarker formats the truncation notice spliced into output that has
// been capped and spilled to disk, mirroring the reference truncation
// warning format.
func SpillMarker(path string, totalTokensApprox int) string {
	return fmt.Sprintf("\n[WARNING: output exceeded the token cap and was truncated; full output written to %s (~%d tokens)]\n", path, totalTokensApprox)
}
