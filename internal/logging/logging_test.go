package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/statabridge/server/internal/config"
)

func TestLevelGating(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "[test] ", config.LogWarn)

	l.Debugf("should not appear")
	l.Infof("should not appear either")
	l.Warnf("warning %d", 1)
	l.Errorf("error %d", 2)

	out := buf.String()
	if strings.Contains(out, "should not appear") {
		t.Fatalf("debug/info lines leaked through WARN gate: %s", out)
	}
	if !strings.Contains(out, "warning 1") || !strings.Contains(out, "error 2") {
		t.Fatalf("expected warn and error lines present: %s", out)
	}
}

func TestDebugLevelShowsEverything(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "", config.LogDebug)
	l.Debugf("hello")
	if !strings.Contains(buf.String(), "hello") {
		t.Fatal("expected debug line at DEBUG level")
	}
}
