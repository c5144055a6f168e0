package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/statabridge/server/internal/config"
	"github.com/statabridge/server/internal/logging"
)

// echoStubEngine writes an executable shell script that echoes every
// stdin line back to stdout, the same trick internal/engineproc and
// internal/session use to exercise the sentinel-based completion
// protocol without a licensed interpreter.
func echoStubEngine(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-engine")
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexec cat\n"), 0o755); err != nil {
		t.Fatalf("write stub engine: %v", err)
	}
	return path
}

// csvStubEngine additionally fakes "export delimited" by writing a small
// fixed CSV to the path it names, standing in for the Engine's dataset
// export for /view_data tests.
func csvStubEngine(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-engine-csv")
	script := `#!/bin/sh
while IFS= read -r line; do
  echo "$line"
  case "$line" in
    *"export delimited"*)
      out=$(echo "$line" | sed -n 's/.*export delimited "\([^"]*\)".*/\1/p')
      printf 'var1,var2\n1,2\n3,4\n' > "$out"
      ;;
  esac
done
`
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write csv stub engine: %v", err)
	}
	return path
}

// slowLineStubEngine echoes each stdin line back with a delay before the
// next read, standing in for a multi-statement run whose output arrives
// gradually rather than all at once.
func slowLineStubEngine(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-engine-slow")
	script := "#!/bin/sh\nwhile IFS= read -r line; do\n  echo \"$line\"\n  sleep 0.2\ndone\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write slow stub engine: %v", err)
	}
	return path
}

func hangingStubEngine(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-engine-hang")
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexec sleep 3600\n"), 0o755); err != nil {
		t.Fatalf("write hanging stub engine: %v", err)
	}
	return path
}

func newTestServer(t *testing.T, binary string, multiSession bool) *httptest.Server {
	t.Helper()
	cfg := config.Default()
	cfg.StataPath = binary
	cfg.WorkspaceRoot = t.TempDir()
	cfg.MultiSession = multiSession
	cfg.MaxSessions = 4
	cfg.SessionTimeout = 3600

	logger := logging.New(io.Discard, "[test] ", config.LogError)
	srv, err := New(cfg, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	ts := httptest.NewServer(srv.httpSrv.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func TestHandleRunSelectionSuccess(t *testing.T) {
	ts := newTestServer(t, echoStubEngine(t), false)

	body := bytes.NewBufferString(`{"code":"display 1 + 1","timeout":5}`)
	resp, err := http.Post(ts.URL+"/run_selection", "application/json", body)
	if err != nil {
		t.Fatalf("POST /run_selection: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var result resultResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if result.Status != "success" {
		t.Fatalf("expected success, got %s", result.Status)
	}
	if !strings.Contains(result.Output, "display 1 + 1") {
		t.Fatalf("expected echoed command in output, got %q", result.Output)
	}
}

func TestHandleRunSelectionRejectsEmptyCode(t *testing.T) {
	ts := newTestServer(t, echoStubEngine(t), false)

	resp, err := http.Post(ts.URL+"/run_selection", "application/json", bytes.NewBufferString(`{"code":""}`))
	if err != nil {
		t.Fatalf("POST /run_selection: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestHandleSessionsCRUD(t *testing.T) {
	ts := newTestServer(t, echoStubEngine(t), true)

	create := func() string {
		resp, err := http.Post(ts.URL+"/sessions", "application/json", nil)
		if err != nil {
			t.Fatalf("POST /sessions: %v", err)
		}
		defer resp.Body.Close()
		var created sessionCreateResponse
		if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return created.ID
	}

	idA := create()
	idB := create()

	resp, err := http.Get(ts.URL + "/sessions")
	if err != nil {
		t.Fatalf("GET /sessions: %v", err)
	}
	var list sessionsListResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if len(list.Sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(list.Sessions))
	}

	resp, err = http.Get(ts.URL + "/sessions/" + idA)
	if err != nil {
		t.Fatalf("GET /sessions/{id}: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/sessions/"+idA, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE /sessions/{id}: %v", err)
	}
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/sessions/" + idA)
	if err != nil {
		t.Fatalf("GET /sessions/{id} after delete: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for destroyed session, got %d", resp.StatusCode)
	}

	_ = idB
}

func TestHandleStopExecutionNoExecution(t *testing.T) {
	ts := newTestServer(t, echoStubEngine(t), false)

	resp, err := http.Post(ts.URL+"/stop_execution", "application/json", bytes.NewBufferString(`{}`))
	if err != nil {
		t.Fatalf("POST /stop_execution: %v", err)
	}
	defer resp.Body.Close()
	var out stopExecutionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Result != "no_execution" {
		t.Fatalf("expected no_execution, got %s", out.Result)
	}
}

func TestHandleStopExecutionRequestsBreakWhileBusy(t *testing.T) {
	ts := newTestServer(t, hangingStubEngine(t), false)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = http.Post(ts.URL+"/run_selection", "application/json", bytes.NewBufferString(`{"code":"display 1","timeout":5}`))
	}()

	// Give the dispatch a moment to transition the worker to busy.
	time.Sleep(100 * time.Millisecond)

	resp, err := http.Post(ts.URL+"/stop_execution", "application/json", bytes.NewBufferString(`{}`))
	if err != nil {
		t.Fatalf("POST /stop_execution: %v", err)
	}
	var out stopExecutionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if out.Result != "stop_requested" {
		t.Fatalf("expected stop_requested, got %s", out.Result)
	}

	<-done
}

func TestHandleViewData(t *testing.T) {
	ts := newTestServer(t, csvStubEngine(t), false)

	resp, err := http.Get(ts.URL + "/view_data?max_rows=10")
	if err != nil {
		t.Fatalf("GET /view_data: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var view viewDataResponse
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(view.Columns) != 2 || view.Columns[0] != "var1" {
		t.Fatalf("unexpected columns: %v", view.Columns)
	}
	if view.DisplayedRows != 2 || view.TotalRows != 2 {
		t.Fatalf("unexpected row counts: displayed=%d total=%d", view.DisplayedRows, view.TotalRows)
	}
}

func TestHandleGraphsListEmptyForFreshSession(t *testing.T) {
	ts := newTestServer(t, echoStubEngine(t), false)

	resp, err := http.Get(ts.URL + "/graphs")
	if err != nil {
		t.Fatalf("GET /graphs: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	graphs, _ := out["graphs"].([]any)
	if len(graphs) != 0 {
		t.Fatalf("expected no graphs for a fresh session, got %v", graphs)
	}
}

func TestHandleGraphFileUnknownName(t *testing.T) {
	ts := newTestServer(t, echoStubEngine(t), false)

	resp, err := http.Get(ts.URL + "/graphs/does-not-exist")
	if err != nil {
		t.Fatalf("GET /graphs/{name}: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown graph, got %d", resp.StatusCode)
	}
}

func TestHandleHealth(t *testing.T) {
	ts := newTestServer(t, echoStubEngine(t), false)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	var h healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !h.OK || !h.EngineAvailable {
		t.Fatalf("expected ok and engine_available, got %+v", h)
	}
	if h.Edition == "" {
		t.Fatal("expected a non-empty edition")
	}
	if h.SessionsLive != 1 || h.SessionsMax != 4 {
		t.Fatalf("expected sessions_live=1 sessions_max=4, got live=%d max=%d", h.SessionsLive, h.SessionsMax)
	}
}

func TestHandleSessionGetReportsIdleEvictAt(t *testing.T) {
	ts := newTestServer(t, echoStubEngine(t), true)

	resp, err := http.Post(ts.URL+"/sessions", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /sessions: %v", err)
	}
	var created sessionCreateResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/sessions/" + created.ID)
	if err != nil {
		t.Fatalf("GET /sessions/{id}: %v", err)
	}
	defer resp.Body.Close()
	var detail sessionDetailResponse
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if detail.IdleEvictAt.Before(detail.LastUsedAt) {
		t.Fatalf("expected idle_evict_at after last_used_at, got %+v", detail)
	}
}

func TestHandleSessionRestartPerSession(t *testing.T) {
	ts := newTestServer(t, echoStubEngine(t), true)

	resp, err := http.Post(ts.URL+"/sessions", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /sessions: %v", err)
	}
	var created sessionCreateResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()

	resp, err = http.Post(ts.URL+"/sessions/"+created.ID+"/restart", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /sessions/{id}/restart: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestHandleV1ToolsRunSelection(t *testing.T) {
	ts := newTestServer(t, echoStubEngine(t), false)

	body := bytes.NewBufferString(`{"tool":"stata_run_selection","arguments":{"code":"display 3"}}`)
	resp, err := http.Post(ts.URL+"/v1/tools", "application/json", body)
	if err != nil {
		t.Fatalf("POST /v1/tools: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := out["result"]; !ok {
		t.Fatalf("expected a result field, got %v", out)
	}
}

func TestHandleRunSelectionStream(t *testing.T) {
	ts := newTestServer(t, echoStubEngine(t), false)

	resp, err := http.Get(ts.URL + "/run_selection/stream?code=display+1&timeout=5")
	if err != nil {
		t.Fatalf("GET /run_selection/stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected text/event-stream, got %q", ct)
	}

	sc := bufio.NewScanner(resp.Body)
	deadline := time.Now().Add(5 * time.Second)
	sawDone := false
	for sc.Scan() && time.Now().Before(deadline) {
		line := sc.Text()
		if strings.HasPrefix(line, "event: done") {
			sawDone = true
			break
		}
	}
	if !sawDone {
		t.Fatal("expected a done frame before the stream closed")
	}
}

// TestHandleRunSelectionStreamDeliversLinesProgressively guards against
// output being buffered until the run finishes and delivered in one
// burst: against a stub engine that echoes each line back with a delay,
// an early stdout frame must arrive well before the done frame, not
// alongside it.
func TestHandleRunSelectionStreamDeliversLinesProgressively(t *testing.T) {
	ts := newTestServer(t, slowLineStubEngine(t), false)

	start := time.Now()
	code := url.QueryEscape("display 1\ndisplay 2\ndisplay 3")
	resp, err := http.Get(ts.URL + "/run_selection/stream?code=" + code + "&timeout=10")
	if err != nil {
		t.Fatalf("GET /run_selection/stream: %v", err)
	}
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	deadline := time.Now().Add(10 * time.Second)
	var firstStdoutAt, doneAt time.Duration
	for sc.Scan() && time.Now().Before(deadline) {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: stdout") && firstStdoutAt == 0:
			firstStdoutAt = time.Since(start)
		case strings.HasPrefix(line, "event: done"):
			doneAt = time.Since(start)
		}
		if doneAt != 0 {
			break
		}
	}
	if firstStdoutAt == 0 {
		t.Fatal("expected at least one stdout frame before the run completed")
	}
	if doneAt == 0 {
		t.Fatal("expected a done frame before the stream closed")
	}
	if doneAt-firstStdoutAt < 150*time.Millisecond {
		t.Fatalf("expected the first stdout frame well before done (progressive delivery), got first=%s done=%s", firstStdoutAt, doneAt)
	}
}
