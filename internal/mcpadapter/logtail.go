package mcpadapter

import (
	"bufio"
	"os"
	"strings"
)

// tailLastLines returns at most n trailing non-empty lines from path,
// using the same read-to-end line scan internal/server/tail.go runs on
// each poll, collapsed to a single snapshot rather than a live poll
// loop: MCP progress ticks want a cheap summary of recent output, not a
// persistent tailer per call.
func tailLastLines(path string, n int) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			continue
		}
		lines = append(lines, line)
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	return lines
}
