package state

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSetAndGet(t *testing.T) {
	s := newTestStore(t)

	if err := s.Set("owner:PROJ-1", "bridge"); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, err := s.Get("owner:PROJ-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "bridge" {
		t.Errorf("expected 'bridge', got %q", got)
	}
}

func TestSet_Overwrites(t *testing.T) {
	s := newTestStore(t)

	s.Set("owner:PROJ-1", "bridge")
	s.Set("owner:PROJ-1", "external")

	got, _ := s.Get("owner:PROJ-1")
	if got != "external" {
		t.Errorf("expected 'external', got %q", got)
	}
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSetIfAbsent(t *testing.T) {
	s := newTestStore(t)

	ok, err := s.SetIfAbsent("lease:PROJ-1", "worker-a", time.Minute)
	if err != nil {
		t.Fatalf("set if absent: %v", err)
	}
	if !ok {
		t.Fatal("expected first acquisition to succeed")
	}

	ok, err = s.SetIfAbsent("lease:PROJ-1", "worker-b", time.Minute)
	if err != nil {
		t.Fatalf("set if absent: %v", err)
	}
	if ok {
		t.Error("expected second acquisition to fail while lease is live")
	}

	got, _ := s.Get("lease:PROJ-1")
	if got != "worker-a" {
		t.Errorf("expected holder 'worker-a', got %q", got)
	}
}

func TestSetIfAbsent_ReclaimsExpired(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.SetIfAbsent("lease:PROJ-2", "worker-a", time.Millisecond); err != nil {
		t.Fatalf("set if absent: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	ok, err := s.SetIfAbsent("lease:PROJ-2", "worker-b", time.Minute)
	if err != nil {
		t.Fatalf("set if absent: %v", err)
	}
	if !ok {
		t.Error("expected expired lease to be reclaimable")
	}
}

func TestSetIfAbsent_NoTTLNeverExpires(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.SetIfAbsent("executed:PROJ-1:act", "2026-01-01", 0); err != nil {
		t.Fatalf("set if absent: %v", err)
	}

	ok, err := s.SetIfAbsent("executed:PROJ-1:act", "2026-01-02", 0)
	if err != nil {
		t.Fatalf("set if absent: %v", err)
	}
	if ok {
		t.Error("expected record without ttl to be permanent")
	}

	got, _ := s.Get("executed:PROJ-1:act")
	if got != "2026-01-01" {
		t.Errorf("expected original value to survive, got %q", got)
	}
}

func TestCompareAndSwap(t *testing.T) {
	s := newTestStore(t)

	s.Set("escalation_cursor:ops", "1")

	ok, err := s.CompareAndSwap("escalation_cursor:ops", "1", "2")
	if err != nil {
		t.Fatalf("compare and swap: %v", err)
	}
	if !ok {
		t.Fatal("expected swap with matching value to succeed")
	}

	// The stale writer lost the race and must not overwrite.
	ok, err = s.CompareAndSwap("escalation_cursor:ops", "1", "2")
	if err != nil {
		t.Fatalf("compare and swap: %v", err)
	}
	if ok {
		t.Error("expected swap with stale value to fail")
	}

	got, _ := s.Get("escalation_cursor:ops")
	if got != "2" {
		t.Errorf("expected cursor at '2', got %q", got)
	}
}

func TestCompareAndSwap_MissingKey(t *testing.T) {
	s := newTestStore(t)

	ok, err := s.CompareAndSwap("never-set", "0", "1")
	if err != nil {
		t.Fatalf("compare and swap: %v", err)
	}
	if ok {
		t.Error("expected swap on a missing key to fail")
	}
}

func TestGet_ExpiredEntryIsGone(t *testing.T) {
	s := newTestStore(t)

	s.SetIfAbsent("lease:PROJ-3", "worker-a", time.Millisecond)
	time.Sleep(10 * time.Millisecond)

	_, err := s.Get("lease:PROJ-3")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected expired entry to read as not found, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)

	s.Set("ticket:PROJ-1", "42")
	if err := s.Delete("ticket:PROJ-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	_, err := s.Get("ticket:PROJ-1")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestDelete_MissingKeyIsNoop(t *testing.T) {
	s := newTestStore(t)

	if err := s.Delete("never-set"); err != nil {
		t.Errorf("expected delete of missing key to succeed, got %v", err)
	}
}
