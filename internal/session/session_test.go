package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/statabridge/server/internal/config"
	"github.com/statabridge/server/internal/engineproc"
	"github.com/statabridge/server/internal/exectypes"
)

func stubEngine(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-engine")
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexec cat\n"), 0o755); err != nil {
		t.Fatalf("write stub engine: %v", err)
	}
	return path
}

func testFactory(t *testing.T) WorkerFactory {
	bin := stubEngine(t)
	root := t.TempDir()
	return func(sessionID string) (*engineproc.Worker, error) {
		return engineproc.New(engineproc.Config{
			StataPath:  bin,
			Edition:    config.EditionMP,
			SessionDir: filepath.Join(root, sessionID),
			BreakGrace: 100 * time.Millisecond,
			KillGrace:  100 * time.Millisecond,
		})
	}
}

func TestCreateGetDestroy(t *testing.T) {
	m, err := New(Config{Factory: testFactory(t), MaxSessions: 4, MultiSession: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	id, err := m.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	sess, err := m.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sess.ID != id {
		t.Fatalf("expected session id %s, got %s", id, sess.ID)
	}

	if err := m.Destroy(id); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, err := m.Get(id); err == nil {
		t.Fatal("expected error getting destroyed session")
	}
	// Idempotent.
	if err := m.Destroy(id); err != nil {
		t.Fatalf("expected idempotent destroy, got %v", err)
	}
}

func TestCreateRejectsOverCapacity(t *testing.T) {
	m, err := New(Config{Factory: testFactory(t), MaxSessions: 1, MultiSession: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	if _, err := m.Create(); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.Create(); err == nil {
		t.Fatal("expected capacity error on second create")
	}
}

func TestSingleSessionModeIgnoresSessionID(t *testing.T) {
	m, err := New(Config{Factory: testFactory(t), MaxSessions: 4, MultiSession: false})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	sess, err := m.Get("anything-the-client-sent")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sess.ID == "" {
		t.Fatal("expected the singleton session")
	}
}

func TestDispatchAdvancesLastUsedAtOnAcceptance(t *testing.T) {
	m, err := New(Config{Factory: testFactory(t), MaxSessions: 4, MultiSession: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	id, err := m.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	sess, _ := m.Get(id)
	before := sess.LastUsedAt()
	time.Sleep(5 * time.Millisecond)

	_, err = m.Dispatch(context.Background(), id, exectypes.Request{
		Kind:    exectypes.RequestRunSelection,
		Code:    "display 1",
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !sess.LastUsedAt().After(before) {
		t.Fatal("expected last_used_at to advance on dispatch")
	}
}

func TestEvictIdleDestroysIdleReadySession(t *testing.T) {
	m, err := New(Config{Factory: testFactory(t), MaxSessions: 4, MultiSession: true, IdleTimeout: time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	id, err := m.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	m.evictIdle()

	if _, err := m.Get(id); err == nil {
		t.Fatal("expected idle session to be evicted")
	}
}
