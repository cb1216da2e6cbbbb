package ownership

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/trackdesk-io/trackdesk/internal/state"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	s, err := state.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s)
}

func TestOwns_DefaultsToFalse(t *testing.T) {
	m := newTestManager(t)

	owns, err := m.Owns("PROJ-1")
	if err != nil {
		t.Fatalf("owns: %v", err)
	}
	if owns {
		t.Error("expected entity without ownership record to not be owned")
	}
}

func TestSetOwner(t *testing.T) {
	m := newTestManager(t)

	if err := m.SetOwner("PROJ-1", OwnerBridge); err != nil {
		t.Fatalf("set owner: %v", err)
	}
	owns, _ := m.Owns("PROJ-1")
	if !owns {
		t.Error("expected bridge to own entity")
	}

	if err := m.SetOwner("PROJ-1", OwnerExternal); err != nil {
		t.Fatalf("set owner: %v", err)
	}
	owns, _ = m.Owns("PROJ-1")
	if owns {
		t.Error("expected external owner to revoke bridge ownership")
	}
}

func TestAcquireLease_Exclusive(t *testing.T) {
	m := newTestManager(t)

	ok, err := m.AcquireLease("PROJ-1", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !ok {
		t.Fatal("expected first acquisition to succeed")
	}

	ok, _ = m.AcquireLease("PROJ-1", time.Minute)
	if ok {
		t.Error("expected second acquisition to fail")
	}

	// A different entity is unaffected.
	ok, _ = m.AcquireLease("PROJ-2", time.Minute)
	if !ok {
		t.Error("expected lease on a different entity to succeed")
	}
}

func TestReleaseLease(t *testing.T) {
	m := newTestManager(t)

	m.AcquireLease("PROJ-1", time.Minute)
	if err := m.ReleaseLease("PROJ-1"); err != nil {
		t.Fatalf("release: %v", err)
	}

	ok, _ := m.AcquireLease("PROJ-1", time.Minute)
	if !ok {
		t.Error("expected released lease to be reacquirable")
	}
}

func TestExecutedOnce(t *testing.T) {
	m := newTestManager(t)

	done, err := m.HasExecuted("PROJ-1", "update_ticket:solve")
	if err != nil {
		t.Fatalf("has executed: %v", err)
	}
	if done {
		t.Error("expected action to not be executed yet")
	}

	if err := m.MarkExecuted("PROJ-1", "update_ticket:solve"); err != nil {
		t.Fatalf("mark executed: %v", err)
	}

	done, _ = m.HasExecuted("PROJ-1", "update_ticket:solve")
	if !done {
		t.Error("expected action to be recorded as executed")
	}

	// Marking again is a no-op, not an error.
	if err := m.MarkExecuted("PROJ-1", "update_ticket:solve"); err != nil {
		t.Errorf("expected repeated mark to succeed, got %v", err)
	}

	// Same action on another entity is independent.
	done, _ = m.HasExecuted("PROJ-2", "update_ticket:solve")
	if done {
		t.Error("expected executed records to be per entity")
	}
}
