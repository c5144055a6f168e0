package engineproc

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/statabridge/server/internal/apierr"
	"github.com/statabridge/server/internal/exectypes"
	"github.com/statabridge/server/internal/graphidx"
)

// engineErrorPattern matches the Engine's return-code error marker
// ("r(198);") that appears in a command's own output when it fails,
// distinct from a worker-level transport failure.
var engineErrorPattern = regexp.MustCompile(`(?m)^r\(\d+\);\s*$`)

// execute is the single entry point the worker's run loop calls for every
// dequeued request. Break and Restart never reach here: they bypass the
// queue through their own direct methods so they stay responsive while a
// run is in flight.
func (w *Worker) execute(req exectypes.Request) (exectypes.Result, error) {
	switch req.Kind {
	case exectypes.RequestRunSelection:
		return w.runCommandBlock(req.Code, req.WorkingDir)
	case exectypes.RequestRunFile:
		return w.runFile(req.Path, req.WorkingDir)
	case exectypes.RequestViewData:
		return w.viewData(req.IfCondition, req.MaxRows)
	case exectypes.RequestIntrospect:
		return w.introspect()
	default:
		return exectypes.Result{}, apierr.New(apierr.BadRequest, "request kind %s cannot be queued", req.Kind)
	}
}

// runCommandBlock drives one user command through the subprocess: it
// writes the log's boundary markers, captures the transcript up to a
// unique sentinel line, and diffs the graph directory before/after to
// attach GraphRefs (spec §4.1.4).
func (w *Worker) runCommandBlock(code, workingDir string) (exectypes.Result, error) {
	w.mu.Lock()
	proc := w.proc
	w.mu.Unlock()
	if proc == nil {
		return exectypes.Result{}, apierr.New(apierr.WorkerDead, "worker has no live engine process")
	}

	logFile, err := os.OpenFile(w.logPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return exectypes.Result{}, fmt.Errorf("open run log: %w", err)
	}
	defer logFile.Close()

	fmt.Fprintf(logFile, "*** Execution started: %s\n", time.Now().Format(time.RFC3339))

	if workingDir != "" {
		if _, err := w.runRaw(proc, fmt.Sprintf(`cd "%s"`, strings.TrimRight(workingDir, "/\\")), nil); err != nil {
			return exectypes.Result{}, err
		}
	}

	before, err := w.runRaw(proc, "graph dir", nil)
	if err != nil {
		return exectypes.Result{}, err
	}
	baseline := parseGraphNames(before)

	w.breakRequested.Store(false)
	output, err := w.runRaw(proc, code, func(line string) {
		logFile.WriteString(line)
		logFile.WriteString("\n")
	})
	if err != nil {
		fmt.Fprintf(logFile, "*** Execution ended: %s (error)\n", time.Now().Format(time.RFC3339))
		return exectypes.Result{Status: exectypes.StatusError, Output: output, LogPath: w.logPath()}, nil
	}
	if w.breakRequested.Load() {
		fmt.Fprintf(logFile, "*** Execution ended: %s (cancelled)\n", time.Now().Format(time.RFC3339))
		return exectypes.Result{Status: exectypes.StatusCancelled, Output: output, LogPath: w.logPath()}, nil
	}
	if engineErrorPattern.MatchString(output) {
		fmt.Fprintf(logFile, "*** Execution ended: %s (error)\n", time.Now().Format(time.RFC3339))
		return exectypes.Result{Status: exectypes.StatusError, Output: output, LogPath: w.logPath()}, nil
	}

	after, err := w.runRaw(proc, "graph dir", nil)
	if err != nil {
		return exectypes.Result{}, err
	}
	added := diffNewGraphs(baseline, parseGraphNames(after))

	var refs []exectypes.GraphRef
	if len(added) > 0 {
		refs = w.exportGraphs(proc, added)
		block := graphidx.FormatDetectedBlock(added, func(name string) string {
			return filepath.Join(w.graphsDir(), name+".png")
		})
		logFile.WriteString(block)
	}

	fmt.Fprintf(logFile, "*** Execution ended: %s\n", time.Now().Format(time.RFC3339))

	return exectypes.Result{
		Status:  exectypes.StatusSuccess,
		Output:  output,
		LogPath: w.logPath(),
		Graphs:  refs,
	}, nil
}

// exportGraphs issues one "graph export" command per newly detected name
// and assigns each a GraphRef with the worker's next sequence number.
func (w *Worker) exportGraphs(proc *process, names []string) []exectypes.GraphRef {
	for _, name := range names {
		path := filepath.Join(w.graphsDir(), name+".png")
		cmd := fmt.Sprintf(`graph export "%s", name(%s) replace`, filepath.ToSlash(path), name)
		_, _ = w.runRaw(proc, cmd, nil) // best-effort: a failed export still leaves the run successful
	}
	return w.graphRefsFrom(names)
}

// runFile loads a do-file's contents and runs them as one command block,
// the way the HTTP surface distinguishes /run_selection from /run_file
// (spec §4.5) without the worker itself needing two execution paths.
func (w *Worker) runFile(path, workingDir string) (exectypes.Result, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return exectypes.Result{}, apierr.New(apierr.BadRequest, "read do-file: %v", err)
	}
	res, err := w.runCommandBlock(string(b), workingDir)
	if err != nil {
		return res, err
	}
	if logPath := resolveRunFileLogPath(w.cfg, path); logPath != "" {
		if writeErr := os.WriteFile(logPath, []byte(res.Output), 0o644); writeErr == nil {
			res.LogPath = logPath
		}
	}
	return res, nil
}

// viewData snapshots the in-memory dataset by exporting it to a scratch
// CSV and parsing it back with encoding/csv, rather than hand-parsing the
// Engine's tabular "list" output.
func (w *Worker) viewData(ifCondition string, maxRows int) (exectypes.Result, error) {
	w.mu.Lock()
	proc := w.proc
	w.mu.Unlock()
	if proc == nil {
		return exectypes.Result{}, apierr.New(apierr.WorkerDead, "worker has no live engine process")
	}

	scratch := filepath.Join(w.cfg.SessionDir, "view_"+newSentinel()+".csv")
	defer os.Remove(scratch)

	cmd := fmt.Sprintf(`export delimited "%s"`, filepath.ToSlash(scratch))
	if ifCondition != "" {
		cmd += fmt.Sprintf(" if %s", ifCondition)
	}
	cmd += ", replace"

	if _, err := w.runRaw(proc, cmd, nil); err != nil {
		return exectypes.Result{}, err
	}

	view, err := readDatasetCSV(scratch, maxRows)
	if err != nil {
		return exectypes.Result{}, apierr.New(apierr.EngineError, "parse dataset snapshot: %v", err)
	}

	encoded, err := json.Marshal(view)
	if err != nil {
		return exectypes.Result{}, fmt.Errorf("encode dataset view: %w", err)
	}
	return exectypes.Result{Status: exectypes.StatusSuccess, Output: string(encoded)}, nil
}

// DecodeDatasetView unmarshals the JSON payload a ViewData Result carries
// in its Output field. Exported so the HTTP handler does not need to know
// the worker's internal transport encoding.
func DecodeDatasetView(output string) (exectypes.DatasetView, error) {
	var v exectypes.DatasetView
	if err := json.Unmarshal([]byte(output), &v); err != nil {
		return exectypes.DatasetView{}, err
	}
	return v, nil
}

func readDatasetCSV(path string, maxRows int) (exectypes.DatasetView, error) {
	f, err := os.Open(path)
	if err != nil {
		return exectypes.DatasetView{}, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return exectypes.DatasetView{Columns: []string{}, Rows: [][]any{}}, nil
	}

	var rows [][]any
	total := 0
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return exectypes.DatasetView{}, err
		}
		total++
		if maxRows <= 0 || len(rows) < maxRows {
			row := make([]any, len(record))
			for i, v := range record {
				row[i] = v
			}
			rows = append(rows, row)
		}
	}

	return exectypes.DatasetView{
		Columns:       header,
		Rows:          rows,
		DisplayedRows: len(rows),
		TotalRows:     total,
		MaxRows:       maxRows,
	}, nil
}

// introspect reports the worker's Health (engine liveness and configured
// edition) as JSON. No version banner is read from the Engine, so the
// version field is always empty.
func (w *Worker) introspect() (exectypes.Result, error) {
	info := w.Health()
	encoded, err := json.Marshal(info)
	if err != nil {
		return exectypes.Result{}, err
	}
	return exectypes.Result{Status: exectypes.StatusSuccess, Output: string(encoded)}, nil
}

// runRaw writes code to the subprocess's stdin followed by a sentinel
// display statement, then reads lines back until the sentinel appears,
// returning everything in between. It is the low-level primitive every
// higher-level operation (user commands, graph-dir probes, graph
// exports) is built on. When onLine is non-nil, it is called with each
// line as it arrives, before the sentinel check — letting the caller
// surface output live (spec §4.6's "push new lines as the run
// progresses") instead of only after the whole command has finished.
func (w *Worker) runRaw(proc *process, code string, onLine func(string)) (string, error) {
	sentinel := newSentinel()

	if _, err := fmt.Fprintln(proc.stdin, code); err != nil {
		return "", apierr.New(apierr.WorkerDead, "write to engine stdin: %v", err)
	}
	if _, err := fmt.Fprintf(proc.stdin, "display \"%s\"\n", sentinel); err != nil {
		return "", apierr.New(apierr.WorkerDead, "write sentinel to engine stdin: %v", err)
	}

	var b strings.Builder
	for line := range proc.lines {
		if strings.Contains(line, sentinel) {
			return b.String(), nil
		}
		if onLine != nil {
			onLine(line)
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String(), apierr.New(apierr.WorkerDead, "engine process ended unexpectedly")
}
