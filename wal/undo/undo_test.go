package undo

import (
	"errors"
	"path/filepath"
	"testing"

	"diskwal/codec"
	"diskwal/store/memstore"
	"diskwal/walconfig"
)

func openEngine(t *testing.T, path string, st *memstore.Store[uint64, string]) *Engine[uint64, string] {
	t.Helper()
	cfg := walconfig.Default()
	e, err := Open[uint64, string](path, cfg, st, codec.WriteUint64, codec.ReadUint64, codec.WriteString, codec.ReadString)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

// TestBasicCommit reproduces the "undo basic commit" scenario: start,
// write the same key twice, commit, and check the first tid and the
// store's final value.
func TestBasicCommit(t *testing.T) {
	st := memstore.New[uint64, string]()
	path := filepath.Join(t.TempDir(), "log.wal")
	e := openEngine(t, path, st)

	tid, err := e.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if tid != 1 {
		t.Fatalf("Start() = %d, want 1", tid)
	}
	if err := e.Write(tid, 20, "Hello"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := e.Write(tid, 20, "World"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := e.Commit(tid); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	v, ok := st.Get(20)
	if !ok || v != "World" {
		t.Fatalf("Get(20) = %q, %v, want %q, true", v, ok, "World")
	}
}

// TestRecoveryAcrossCrashedCommit reproduces the undo recovery scenario:
// a clean transaction followed by one whose store.Flush is injected to
// fail during commit. Reopening must roll the second transaction back.
func TestRecoveryAcrossCrashedCommit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.wal")
	st := memstore.New[uint64, string]()
	e := openEngine(t, path, st)

	tid1, _ := e.Start()
	if err := e.Write(tid1, 20, "Hello"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := e.Write(tid1, 20, "World"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := e.Commit(tid1); err != nil {
		t.Fatalf("Commit tid1: %v", err)
	}

	tid2, _ := e.Start()
	if err := e.Write(tid2, 20, "World2"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := e.Write(tid2, 30, "Hello"); err != nil {
		t.Fatalf("Write: %v", err)
	}

	wantErr := errors.New("disk full")
	st.FlushErr = func() error { return wantErr }
	if err := e.Commit(tid2); err == nil {
		t.Fatalf("Commit tid2: err = nil, want flush failure")
	}
	e.Close()

	st.FlushErr = nil
	e2 := openEngine(t, path, st)

	// T2's undo record for key 20 is Change{2,20,"World"}: "World" was the
	// value already durable from T1's commit before T2 touched the key, so
	// rolling T2 back restores exactly that.
	v20, ok := st.Get(20)
	if !ok || v20 != "World" {
		t.Fatalf("Get(20) after recovery = %q, %v, want %q, true", v20, ok, "World")
	}
	if _, ok := st.Get(30); ok {
		t.Fatalf("Get(30) after recovery: ok = true, want false")
	}
	if e2.LastTid() != 2 {
		t.Fatalf("LastTid() = %d, want 2", e2.LastTid())
	}
}

// TestCleanShutdownSkipsRecovery reproduces a graceful Close followed by a
// reopen: the marker is clean, so Open must skip the backward pass
// entirely and still resume tid numbering from the right place.
func TestCleanShutdownSkipsRecovery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.wal")
	st := memstore.New[uint64, string]()
	e := openEngine(t, path, st)

	if e.CleanShutdown() {
		t.Fatalf("CleanShutdown() on a fresh log = true, want false")
	}

	tid, _ := e.Start()
	if err := e.Write(tid, 20, "Hello"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := e.Commit(tid); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	e2 := openEngine(t, path, st)
	if !e2.CleanShutdown() {
		t.Fatalf("CleanShutdown() after a graceful Close = false, want true")
	}
	if e2.LastTid() != 1 {
		t.Fatalf("LastTid() after clean reopen = %d, want 1", e2.LastTid())
	}

	tid2, err := e2.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if tid2 != 2 {
		t.Fatalf("Start() after clean reopen = %d, want 2", tid2)
	}
}

func TestWriteNoopForInactiveTid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.wal")
	st := memstore.New[uint64, string]()
	e := openEngine(t, path, st)

	if err := e.Write(999, 1, "x"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, ok := st.Get(1); ok {
		t.Fatalf("Get(1): ok = true, want false (write for inactive tid should be a no-op)")
	}
}

// TestCheckpointWithMatchedEnd reproduces the S5 scenario's shape for the
// undo engine: a checkpoint's Begin set drains as its transactions
// commit, staging a matching End.
func TestCheckpointWithMatchedEnd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.wal")
	st := memstore.New[uint64, string]()
	e := openEngine(t, path, st)

	t1, _ := e.Start()
	t2, _ := e.Start()
	if err := e.Commit(t1); err != nil {
		t.Fatalf("Commit t1: %v", err)
	}
	t3, _ := e.Start()
	t4, _ := e.Start()

	if err := e.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if !e.checkpointing {
		t.Fatalf("checkpointing = false after Checkpoint()")
	}
	if len(e.checkpointTids) != 3 {
		t.Fatalf("len(checkpointTids) = %d, want 3 (t2, t3, t4)", len(e.checkpointTids))
	}

	if err := e.Commit(t3); err != nil {
		t.Fatalf("Commit t3: %v", err)
	}
	if err := e.Commit(t4); err != nil {
		t.Fatalf("Commit t4: %v", err)
	}
	if !e.checkpointing {
		t.Fatalf("checkpointing = false before last commit drains the set")
	}
	if err := e.Commit(t2); err != nil {
		t.Fatalf("Commit t2: %v", err)
	}
	if e.checkpointing {
		t.Fatalf("checkpointing = true, want false after the checkpoint set drained")
	}
}
