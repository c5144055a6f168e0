// Package engineproc drives one Engine subprocess per session (spec §4.1):
// a single-consumer request queue feeding a dedicated execution goroutine,
// generalizing the reference WebInterviewer's blocking-ask-with-timeout
// channel protocol (internal/server/interviewer.go in the teacher) into a
// submit/break/health/restart worker contract.
package engineproc

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/oklog/ulid/v2"

	"github.com/statabridge/server/internal/apierr"
	"github.com/statabridge/server/internal/config"
	"github.com/statabridge/server/internal/exectypes"
	"github.com/statabridge/server/internal/logging"
	"github.com/statabridge/server/internal/procutil"
)

// Config configures one Worker. SessionDir is the worker's private
// directory holding its run log and graphs subdirectory.
type Config struct {
	StataPath    string
	Edition      config.StataEdition
	SessionDir   string
	Logger       *logging.Logger
	StartupProbe time.Duration // defaulted by setDefaults; New does not wait on it
	BreakGrace   time.Duration // grace period between break() and thread interrupt
	KillGrace    time.Duration // grace period between interrupt and process kill

	// LogFileLocation, CustomLogDir and WorkspaceRoot mirror the
	// server-wide --log-file-location flag (spec §6). They only affect
	// run_file executions, the only request kind with an on-disk source
	// path to resolve a log destination against; the rolling SessionDir
	// log used for SSE tailing is unaffected.
	LogFileLocation config.LogFileLocation
	CustomLogDir    string
	WorkspaceRoot   string
}

func (c *Config) setDefaults() {
	if c.StartupProbe <= 0 {
		c.StartupProbe = 5 * time.Second
	}
	if c.BreakGrace <= 0 {
		c.BreakGrace = 2 * time.Second
	}
	if c.KillGrace <= 0 {
		c.KillGrace = 3 * time.Second
	}
}

// Worker hosts a single Engine subprocess, accessed through a serialized
// request queue (spec §4.1 state machine: initializing → ready ↔ busy →
// terminating → dead).
type Worker struct {
	cfg Config

	mu    sync.Mutex // guards state and proc
	state exectypes.SessionState
	proc  *process

	reqCh chan workItem

	breakRequested atomic.Bool
	seq            atomic.Int64 // graph sequence counter, monotonic for the worker's lifetime

	wg        sync.WaitGroup
	closed    chan struct{}
	closeOnce sync.Once
}

type workItem struct {
	req    exectypes.Request
	respCh chan workResult
}

type workResult struct {
	result exectypes.Result
	err    error
}

// process wraps the live subprocess handle and its line-reader plumbing.
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	lines  chan string
	stderr chan string
}

// New spawns the subprocess and starts the worker's execution goroutine.
// The Worker moves from StateInitializing to StateReady as soon as the
// subprocess has started; New does not wait for a startup banner.
func New(cfg Config) (*Worker, error) {
	cfg.setDefaults()
	if err := os.MkdirAll(filepath.Join(cfg.SessionDir, "graphs"), 0o755); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}

	w := &Worker{
		cfg:    cfg,
		state:  exectypes.StateInitializing,
		reqCh:  make(chan workItem),
		closed: make(chan struct{}),
	}

	if err := w.spawn(); err != nil {
		return nil, err
	}
	w.setState(exectypes.StateReady)

	w.wg.Add(1)
	go w.loop()
	return w, nil
}

func (w *Worker) logPath() string {
	return filepath.Join(w.cfg.SessionDir, "session.log")
}

// LogPath returns the worker's per-session log file path, used by the
// streaming layer to tail output live.
func (w *Worker) LogPath() string {
	return w.logPath()
}

func (w *Worker) graphsDir() string {
	return filepath.Join(w.cfg.SessionDir, "graphs")
}

// spawn starts the subprocess and its stdout/stderr line readers. It does
// not hold mu; callers must serialize access.
func (w *Worker) spawn() error {
	binary := w.cfg.StataPath
	if binary == "" {
		binary = "stata-" + string(w.cfg.Edition)
	}
	cmd := exec.Command(binary, "-q", "-b")
	cmd.Dir = w.cfg.SessionDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return apierr.New(apierr.EngineUnavailable, "create stdin pipe: %v", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return apierr.New(apierr.EngineUnavailable, "create stdout pipe: %v", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return apierr.New(apierr.EngineUnavailable, "create stderr pipe: %v", err)
	}

	if err := cmd.Start(); err != nil {
		return apierr.New(apierr.EngineUnavailable, "start engine process: %v", err)
	}

	proc := &process{
		cmd:    cmd,
		stdin:  stdin,
		lines:  make(chan string, 256),
		stderr: make(chan string, 64),
	}
	go pump(stdout, proc.lines)
	go pump(stderr, proc.stderr)

	w.proc = proc
	return nil
}

func pump(r io.Reader, out chan<- string) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		out <- sc.Text()
	}
	close(out)
}

func (w *Worker) setState(s exectypes.SessionState) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// State returns the worker's current lifecycle state.
func (w *Worker) State() exectypes.SessionState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// loop is the worker's dedicated execution goroutine: the single consumer
// of reqCh, guaranteeing serialized access to the Engine.
func (w *Worker) loop() {
	defer w.wg.Done()
	for item := range w.reqCh {
		res, err := w.execute(item.req)
		item.respCh <- workResult{result: res, err: err}
	}
}

// Submit enqueues req and blocks for a Result, subject to req.Timeout.
// Timeout enforcement escalates per spec §4.5: break, then a grace period
// standing in for the thread interrupt, then process kill (see escalate).
// A cancelled ctx escalates the same way.
func (w *Worker) Submit(ctx context.Context, req exectypes.Request) (exectypes.Result, error) {
	w.mu.Lock()
	if w.state != exectypes.StateReady {
		state := w.state
		w.mu.Unlock()
		return exectypes.Result{}, apierr.New(apierr.SessionBusy, "worker is not ready (state=%s)", state)
	}
	w.state = exectypes.StateBusy
	w.mu.Unlock()

	respCh := make(chan workResult, 1)
	select {
	case w.reqCh <- workItem{req: req, respCh: respCh}:
	case <-w.closed:
		w.setState(exectypes.StateDead)
		return exectypes.Result{}, apierr.New(apierr.WorkerDead, "worker is shutting down")
	}

	timeout := req.Timeout
	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case r := <-respCh:
		w.restoreReady()
		return r.result, r.err
	case <-timeoutCh:
		return w.escalate(respCh, exectypes.StatusTimeout, apierr.New(apierr.Timeout, "execution exceeded its timeout and the worker was terminated"))
	case <-ctx.Done():
		// A disconnected client or expired request context abandons the
		// caller's wait, but the Engine process is still mid-command; it
		// must be broken and, if unresponsive, killed the same way a
		// timeout would be, or the worker is wedged at busy forever.
		return w.escalate(respCh, exectypes.StatusCancelled, ctx.Err())
	}
}

// restoreReady transitions Busy back to Ready on Result delivery,
// leaving Dead untouched if the worker was killed out from under the
// request (spec §4.1 state machine).
func (w *Worker) restoreReady() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == exectypes.StateBusy {
		w.state = exectypes.StateReady
	}
}

// escalate implements the three-stage enforcement of spec §4.5: break,
// then a grace period, then kill. It is shared by timeout expiry and
// caller context cancellation (a disconnect or expired request deadline)
// since both abandon an in-flight request the same way and must leave
// the worker at ready or dead, never stuck at busy (invariant P1).
func (w *Worker) escalate(respCh chan workResult, onEscalated exectypes.ResultStatus, escalatedErr error) (exectypes.Result, error) {
	w.Break()

	// settle handles a result that arrives after the break. A WorkerDead
	// error means the break took the Engine process down with it, so the
	// worker is marked dead and the caller gets the escalation status.
	settle := func(r workResult) (exectypes.Result, error) {
		if ae, ok := r.err.(*apierr.Error); ok && ae.Kind == apierr.WorkerDead {
			w.killAndMarkDead()
			return exectypes.Result{Status: onEscalated}, escalatedErr
		}
		w.restoreReady()
		return r.result, r.err
	}

	grace := time.NewTimer(w.cfg.BreakGrace)
	defer grace.Stop()
	select {
	case r := <-respCh:
		return settle(r)
	case <-grace.C:
	}

	// Thread interrupt has no separate handle in a subprocess model; the
	// kill grace period stands in for it before the process itself is
	// terminated and the session is marked dead.
	kill := time.NewTimer(w.cfg.KillGrace)
	defer kill.Stop()
	select {
	case r := <-respCh:
		return settle(r)
	case <-kill.C:
	}

	w.killAndMarkDead()
	return exectypes.Result{Status: onEscalated}, escalatedErr
}

func (w *Worker) killAndMarkDead() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.proc != nil && w.proc.cmd.Process != nil {
		_ = w.proc.cmd.Process.Kill()
	}
	w.state = exectypes.StateDead
}

// Break signals the active run to stop at its next checkpoint. It is
// non-blocking and safe to call whether or not a run is in progress.
func (w *Worker) Break() bool {
	w.breakRequested.Store(true)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.proc == nil || w.proc.cmd.Process == nil {
		return false
	}
	_ = w.proc.cmd.Process.Signal(breakSignal)
	return true
}

// Health reports subprocess liveness without going through the request
// queue, so it stays responsive while a run is in progress.
func (w *Worker) Health() exectypes.HealthInfo {
	w.mu.Lock()
	proc := w.proc
	w.mu.Unlock()
	if proc == nil || proc.cmd.Process == nil {
		return exectypes.HealthInfo{EngineAvailable: false}
	}
	alive := procutil.PIDAlive(proc.cmd.Process.Pid)
	return exectypes.HealthInfo{
		EngineAvailable: alive,
		Edition:         string(w.cfg.Edition),
	}
}

// Restart tears down the subprocess and re-initializes it in place,
// wiping all session state: the run log is truncated and the graph
// sequence counter resets.
func (w *Worker) Restart() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.state = exectypes.StateTerminating
	if w.proc != nil {
		terminate(w.proc.cmd, w.cfg.KillGrace)
	}
	if err := truncateFile(w.logPath()); err != nil {
		w.state = exectypes.StateDead
		return err
	}
	w.seq.Store(0)

	if err := w.spawn(); err != nil {
		w.state = exectypes.StateDead
		return err
	}
	w.state = exectypes.StateReady
	return nil
}

// Close tears the worker down for good: session destroy (spec §4.2). Safe
// to call more than once.
func (w *Worker) Close() error {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.state = exectypes.StateTerminating
		proc := w.proc
		w.mu.Unlock()

		close(w.closed)
		close(w.reqCh)
		w.wg.Wait()

		if proc != nil {
			terminate(proc.cmd, w.cfg.KillGrace)
		}
		w.cleanupScratchFiles()
		w.setState(exectypes.StateDead)
	})
	return nil
}

// cleanupScratchFiles removes any view_*.csv dataset-export scratch files
// left under SessionDir. viewData normally removes its own scratch file
// when it returns; this catches the ones a killed Engine process left
// behind mid-export. The rolling log and graphs/ directory are untouched
// (spec §6: only those persist across a session).
func (w *Worker) cleanupScratchFiles() {
	matches, err := doublestar.FilepathGlob(filepath.Join(filepath.ToSlash(w.cfg.SessionDir), "view_*.csv"))
	if err != nil {
		return
	}
	for _, m := range matches {
		_ = os.Remove(m)
	}
}

// nextGraphSequence allocates the next sequence number for a graph
// exported in this worker's lifetime.
func (w *Worker) nextGraphSequence() int {
	return int(w.seq.Add(1))
}

// newSentinel returns a short unique token used to mark the end of a
// command's output in the transcript, grounded on the session-ID
// generator (internal/agent/session.go in the teacher) rather than on a
// counter, so concurrent runs never collide.
func newSentinel() string {
	return "STATABRIDGE-" + ulid.Make().String()
}

// graphRefsFrom converts newly detected graph names into GraphRefs with
// sequence numbers drawn from the worker's monotonic counter.
func (w *Worker) graphRefsFrom(names []string) []exectypes.GraphRef {
	refs := make([]exectypes.GraphRef, 0, len(names))
	now := time.Now()
	for _, name := range names {
		refs = append(refs, exectypes.GraphRef{
			Name:         name,
			AbsolutePath: filepath.ToSlash(filepath.Join(w.graphsDir(), name+".png")),
			CreatedAt:    now,
			Sequence:     w.nextGraphSequence(),
		})
	}
	return refs
}
