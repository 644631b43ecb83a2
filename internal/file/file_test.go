package file

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestPreallocateReservesFullSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "big.bin.tmp")
	const size = 3*preallocBlock + 17
	if err := Preallocate(context.Background(), path, size); err != nil {
		t.Fatalf("preallocate: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() != size {
		t.Fatalf("expected size %d, got %d", size, info.Size())
	}
}

func TestPreallocateHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	path := filepath.Join(t.TempDir(), "x.tmp")
	if err := Preallocate(ctx, path, 10*preallocBlock); err == nil {
		t.Fatalf("expected cancellation error")
	}
}

func TestOpenForWriteDoesNotCreate(t *testing.T) {
	if _, err := OpenForWrite(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestRemoveIfExistsToleratesMissing(t *testing.T) {
	if err := RemoveIfExists(filepath.Join(t.TempDir(), "gone")); err != nil {
		t.Fatalf("expected nil for missing file, got %v", err)
	}
}

func TestPromoteReplacesExistingFinal(t *testing.T) {
	dir := t.TempDir()
	tmp := filepath.Join(dir, "a.txt.tmp")
	final := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(tmp, []byte("new"), 0o600); err != nil {
		t.Fatalf("write tmp: %v", err)
	}
	if err := os.WriteFile(final, []byte("old-content"), 0o600); err != nil {
		t.Fatalf("write final: %v", err)
	}
	if err := Promote(tmp, final); err != nil {
		t.Fatalf("promote: %v", err)
	}
	got, err := os.ReadFile(final)
	if err != nil || string(got) != "new" {
		t.Fatalf("expected promoted content, got %q err=%v", got, err)
	}
	if Exists(tmp) {
		t.Fatalf("temp file should be gone")
	}
}

func TestRemoveWithSuffix(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.bin.tmp", "b.tmp", "keep.bin", "tmp"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	n, err := RemoveWithSuffix(dir, ".tmp")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 removed, got %d", n)
	}
	if !Exists(filepath.Join(dir, "keep.bin")) || !Exists(filepath.Join(dir, "tmp")) {
		t.Fatalf("unrelated files removed")
	}
}

func TestWriteJSONAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "downloads.json")
	if err := WriteJSONAtomic(path, map[string]int{"a": 1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := WriteJSONAtomic(path, map[string]int{"a": 2}); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if want := "{\n  \"a\": 2\n}\n"; string(b) != want {
		t.Fatalf("unexpected content %q", b)
	}
}

func TestLocksSerializeSamePath(t *testing.T) {
	locks := NewLocks()
	unlock := locks.Lock("/x")

	acquired := make(chan struct{})
	go func() {
		release := locks.Lock("/x")
		close(acquired)
		release()
	}()

	// a different path is not blocked by /x
	otherDone := make(chan struct{})
	go func() {
		release := locks.Lock("/y")
		release()
		close(otherDone)
	}()
	select {
	case <-otherDone:
	case <-time.After(time.Second):
		t.Fatalf("lock on unrelated path blocked")
	}

	select {
	case <-acquired:
		t.Fatalf("second lock on same path acquired while held")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatalf("second lock never acquired")
	}
}

func TestLocksReleaseEntries(t *testing.T) {
	locks := NewLocks()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			locks.Lock("/same")()
		}()
	}
	wg.Wait()
	if n := locks.Held("/same"); n != 0 {
		t.Fatalf("expected no holders, got %d", n)
	}
}
