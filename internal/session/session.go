// Package session implements the Session Manager (spec §4.2): allocation
// up to max_sessions, session_id resolution, idle-timeout eviction, and a
// single-session compatibility mode — generalizing the reference
// PipelineRegistry's lock-and-clone table (internal/server/registry.go in
// the teacher) from pipeline runs to Engine worker sessions.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/statabridge/server/internal/apierr"
	"github.com/statabridge/server/internal/engineproc"
	"github.com/statabridge/server/internal/exectypes"
)

// Session is one live Engine worker plus its session-level bookkeeping.
type Session struct {
	ID        string
	Worker    *engineproc.Worker
	CreatedAt time.Time

	mu          sync.Mutex
	lastUsedAt  time.Time
	runStarted  time.Time
}

// LastUsedAt returns the timestamp last advanced by a dispatch acceptance.
func (s *Session) LastUsedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsedAt
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastUsedAt = time.Now()
	s.mu.Unlock()
}

func (s *Session) markRunStarted() {
	s.mu.Lock()
	s.runStarted = time.Now()
	s.mu.Unlock()
}

func (s *Session) markRunEnded() {
	s.mu.Lock()
	s.runStarted = time.Time{}
	s.mu.Unlock()
}

// ExecutionStatus reports the resolved session's current run, used by
// GET /execution_status (spec §4.5).
type ExecutionStatus struct {
	State     exectypes.SessionState `json:"state"`
	SessionID string                 `json:"session_id"`
	ElapsedMs int64                  `json:"elapsed_ms"`
}

// Status summarizes the session's current execution for GET
// /execution_status: elapsed_ms is 0 when no run is in flight.
func (s *Session) Status() ExecutionStatus {
	s.mu.Lock()
	started := s.runStarted
	s.mu.Unlock()

	var elapsed int64
	if !started.IsZero() {
		elapsed = time.Since(started).Milliseconds()
	}
	return ExecutionStatus{State: s.Worker.State(), SessionID: s.ID, ElapsedMs: elapsed}
}

// Summary is the JSON-facing view of a Session for GET /sessions.
// IdleEvictAt is the zero time when the manager has no idle timeout
// configured; otherwise it is last_used_at + session_timeout, the point
// at which evictIdle becomes eligible to destroy this session (spec.md
// §3 invariant (v), surfaced so callers can anticipate eviction).
type Summary struct {
	ID          string                 `json:"id"`
	State       exectypes.SessionState `json:"state"`
	CreatedAt   time.Time              `json:"created_at"`
	LastUsedAt  time.Time              `json:"last_used_at"`
	IdleEvictAt time.Time              `json:"idle_evict_at"`
}

// WorkerFactory spawns a new Worker for a freshly created session. Mockable
// in tests so the manager does not need a real Engine subprocess.
type WorkerFactory func(sessionID string) (*engineproc.Worker, error)

// Manager implements create/get/list/destroy/dispatch over a table of
// live Sessions (spec §4.2).
type Manager struct {
	mu      sync.RWMutex
	byID    map[string]*Session
	factory WorkerFactory

	maxSessions  int
	multiSession bool
	idleTimeout  time.Duration

	singletonID string

	sweepDone chan struct{}
}

// Config configures a Manager.
type Config struct {
	Factory      WorkerFactory
	MaxSessions  int
	MultiSession bool
	IdleTimeout  time.Duration
	SweepEvery   time.Duration
}

// New constructs a Manager. When cfg.MultiSession is false, a single
// implicit session is created immediately and every operation that
// accepts a session_id ignores it in favor of that singleton (spec §4.2).
func New(cfg Config) (*Manager, error) {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 1
	}
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = 30 * time.Second
	}
	m := &Manager{
		byID:         make(map[string]*Session),
		factory:      cfg.Factory,
		maxSessions:  cfg.MaxSessions,
		multiSession: cfg.MultiSession,
		idleTimeout:  cfg.IdleTimeout,
		sweepDone:    make(chan struct{}),
	}

	if !cfg.MultiSession {
		id, err := m.Create()
		if err != nil {
			return nil, err
		}
		m.singletonID = id
	}

	go m.sweepLoop(cfg.SweepEvery)
	return m, nil
}

// resolve maps a caller-supplied session_id to the session_id actually
// used, applying the single-session compatibility override.
func (m *Manager) resolve(id string) string {
	if !m.multiSession {
		return m.singletonID
	}
	return id
}

// Create allocates a new session and spawns its worker. Fails with a
// Capacity error when the live-session count already equals the
// configured maximum.
func (m *Manager) Create() (string, error) {
	m.mu.Lock()
	if len(m.byID) >= m.maxSessions {
		m.mu.Unlock()
		return "", apierr.New(apierr.Capacity, "session capacity reached (max_sessions=%d)", m.maxSessions)
	}
	m.mu.Unlock()

	id := ulid.Make().String()
	worker, err := m.factory(id)
	if err != nil {
		return "", apierr.New(apierr.EngineUnavailable, "spawn worker for session %s: %v", id, err)
	}

	now := time.Now()
	sess := &Session{ID: id, Worker: worker, CreatedAt: now, lastUsedAt: now}

	m.mu.Lock()
	if len(m.byID) >= m.maxSessions {
		m.mu.Unlock()
		_ = worker.Close()
		return "", apierr.New(apierr.Capacity, "session capacity reached (max_sessions=%d)", m.maxSessions)
	}
	m.byID[id] = sess
	m.mu.Unlock()

	return id, nil
}

// Get resolves a session_id to its live Session.
func (m *Manager) Get(id string) (*Session, error) {
	id = m.resolve(id)
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.byID[id]
	if !ok {
		return nil, apierr.New(apierr.SessionNotFound, "unknown session: %s", id)
	}
	return sess, nil
}

// List returns a snapshot of every live session's summary.
func (m *Manager) List() []Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Summary, 0, len(m.byID))
	for _, sess := range m.byID {
		out = append(out, m.Summarize(sess))
	}
	return out
}

// Summarize builds sess's JSON-facing Summary, used by both List and GET
// /sessions/{id} so the two endpoints compute idle_evict_at identically.
func (m *Manager) Summarize(sess *Session) Summary {
	s := Summary{
		ID:         sess.ID,
		State:      sess.Worker.State(),
		CreatedAt:  sess.CreatedAt,
		LastUsedAt: sess.LastUsedAt(),
	}
	if m.idleTimeout > 0 {
		s.IdleEvictAt = s.LastUsedAt.Add(m.idleTimeout)
	}
	return s
}

// Destroy tears a session's worker down and removes it from the table.
// Idempotent: destroying an unknown session_id is not an error.
func (m *Manager) Destroy(id string) error {
	id = m.resolve(id)
	m.mu.Lock()
	sess, ok := m.byID[id]
	if ok {
		delete(m.byID, id)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return sess.Worker.Close()
}

// Dispatch resolves id, forwards req to the session's worker, and
// advances last_used_at at the point of acceptance — not completion, per
// spec §3 invariant (ii).
func (m *Manager) Dispatch(ctx context.Context, id string, req exectypes.Request) (exectypes.Result, error) {
	sess, err := m.Get(id)
	if err != nil {
		return exectypes.Result{}, err
	}
	sess.touch()
	sess.markRunStarted()
	defer sess.markRunEnded()
	return sess.Worker.Submit(ctx, req)
}

// Status returns the resolved session's current execution status.
func (m *Manager) Status(id string) (ExecutionStatus, error) {
	sess, err := m.Get(id)
	if err != nil {
		return ExecutionStatus{}, err
	}
	return sess.Status(), nil
}

// Restart restarts the resolved session's worker in place.
func (m *Manager) Restart(id string) error {
	sess, err := m.Get(id)
	if err != nil {
		return err
	}
	return sess.Worker.Restart()
}

// Break signals a cooperative break on the resolved session's worker.
func (m *Manager) Break(id string) (bool, error) {
	sess, err := m.Get(id)
	if err != nil {
		return false, err
	}
	return sess.Worker.Break(), nil
}

// sweepLoop destroys idle ready sessions on a fixed interval. Busy
// sessions are never evicted, and eviction is monotonic: a session that
// is destroyed here cannot execute further requests (spec §3 invariant
// (v)).
func (m *Manager) sweepLoop(every time.Duration) {
	if m.idleTimeout <= 0 {
		<-m.sweepDone
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.evictIdle()
		case <-m.sweepDone:
			return
		}
	}
}

func (m *Manager) evictIdle() {
	cutoff := time.Now().Add(-m.idleTimeout)

	m.mu.RLock()
	var stale []string
	for id, sess := range m.byID {
		if sess.Worker.State() != exectypes.StateReady {
			continue
		}
		if sess.LastUsedAt().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range stale {
		_ = m.Destroy(id)
	}
}

// Close stops the idle-eviction sweeper and tears down every live
// session, called on server shutdown.
func (m *Manager) Close() error {
	close(m.sweepDone)

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.byID))
	for _, sess := range m.byID {
		sessions = append(sessions, sess)
	}
	m.byID = make(map[string]*Session)
	m.mu.Unlock()

	var firstErr error
	for _, sess := range sessions {
		if err := sess.Worker.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close session %s: %w", sess.ID, err)
		}
	}
	return firstErr
}
