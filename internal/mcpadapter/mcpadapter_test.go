package mcpadapter

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/statabridge/server/internal/config"
	"github.com/statabridge/server/internal/engineproc"
	"github.com/statabridge/server/internal/execresult"
	"github.com/statabridge/server/internal/graphidx"
	"github.com/statabridge/server/internal/logging"
	"github.com/statabridge/server/internal/session"
	"github.com/statabridge/server/internal/viewcache"
)

func echoStubEngine(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-engine")
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexec cat\n"), 0o755); err != nil {
		t.Fatalf("write stub engine: %v", err)
	}
	return path
}

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	root := t.TempDir()
	binary := echoStubEngine(t)
	logger := logging.New(io.Discard, "[test] ", config.LogError)

	factory := func(id string) (*engineproc.Worker, error) {
		return engineproc.New(engineproc.Config{
			StataPath:  binary,
			Edition:    config.EditionMP,
			SessionDir: filepath.Join(root, "sessions", id),
			Logger:     logger,
		})
	}

	sessions, err := session.New(session.Config{
		Factory:      factory,
		MaxSessions:  4,
		MultiSession: false,
	})
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	t.Cleanup(func() { _ = sessions.Close() })

	graphs := graphidx.NewRegistry()
	views := viewcache.New(0)
	finalize := execresult.New(config.Default(), graphs, views, filepath.Join(root, "sessions"))

	a, err := New(Deps{Sessions: sessions, Graphs: graphs, Views: views, Finalize: finalize}, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestRegistryInvokeRunSelection(t *testing.T) {
	a := newTestAdapter(t)

	out, err := a.reg.invoke(context.Background(), "stata_run_selection", map[string]any{
		"code": "display 1 + 1",
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	dto, ok := out.(execresult.DTO)
	if !ok {
		t.Fatalf("expected execresult.DTO, got %T", out)
	}
	if dto.Status != "success" {
		t.Fatalf("expected success, got %s", dto.Status)
	}
}

func TestRegistryInvokeMissingRequiredArg(t *testing.T) {
	a := newTestAdapter(t)

	_, err := a.reg.invoke(context.Background(), "stata_run_selection", map[string]any{})
	if err == nil {
		t.Fatal("expected a schema validation error for missing code")
	}
}

func TestRegistryInvokeUnknownTool(t *testing.T) {
	a := newTestAdapter(t)

	_, err := a.reg.invoke(context.Background(), "stata_does_not_exist", map[string]any{})
	if err == nil {
		t.Fatal("expected an error for an unknown tool")
	}
}

func TestServeInvokeRunSelection(t *testing.T) {
	a := newTestAdapter(t)

	body := `{"tool":"stata_run_selection","arguments":{"code":"display 2"}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/tools", strings.NewReader(body))
	rec := httptest.NewRecorder()

	a.ServeInvoke(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var out map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := out["result"]; !ok {
		t.Fatalf("expected a result field, got %v", out)
	}
}

func TestServeInvokeRejectsMissingTool(t *testing.T) {
	a := newTestAdapter(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/tools", strings.NewReader(`{"arguments":{}}`))
	rec := httptest.NewRecorder()

	a.ServeInvoke(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestServeInvokeSessionsList(t *testing.T) {
	a := newTestAdapter(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/tools", strings.NewReader(`{"tool":"stata_sessions_list","arguments":{}}`))
	rec := httptest.NewRecorder()
	a.ServeInvoke(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestTailLastLinesReturnsTrailingNonEmptyLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.log")
	content := "line1\n\nline2\nline3\nline4\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	got := tailLastLines(path, 2)
	want := []string{"line3", "line4"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestTailLastLinesMissingFile(t *testing.T) {
	if got := tailLastLines(filepath.Join(t.TempDir(), "missing.log"), 5); got != nil {
		t.Fatalf("expected nil for a missing file, got %v", got)
	}
}
