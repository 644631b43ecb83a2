package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"sget/internal/client"
	"sget/internal/task"
)

func sampleSnapshots() []task.Snapshot {
	added := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return []task.Snapshot{
		{
			ID: "one", URL: "http://example.org/a.iso", FileName: "a.iso", Folder: "/d",
			TempPath: "/d/a.iso.tmp", FinalPath: "/d/a.iso", FileSize: 300_000, DownloadedSize: 120_000,
			SupportsRange: true, Probed: true, TempFileCreated: true, Status: task.StatusPaused,
			AddedAt: added, ElapsedActive: 3 * time.Second,
			Credentials: &client.Credentials{Username: "u", Password: "p"},
		},
		{
			ID: "two", URL: "http://example.org/b.bin", FileName: "b.bin", Folder: "/d",
			Status: task.StatusCompleted, CompletedAt: added.Add(time.Minute), AddedAt: added,
		},
	}
}

func checkRoundTrip(t *testing.T, s task.Store) {
	t.Helper()
	ctx := context.Background()

	got, err := s.LoadAll(ctx)
	if err != nil {
		t.Fatalf("load from empty store: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected nothing, got %d", len(got))
	}

	want := sampleSnapshots()
	if err := s.SaveAll(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err = s.LoadAll(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("loaded %d tasks, want %d", len(got), len(want))
	}
	first := got[0]
	if first.ID != "one" || first.DownloadedSize != 120_000 || !first.SupportsRange || first.Status != task.StatusPaused {
		t.Fatalf("unexpected first task: %+v", first)
	}
	if first.Credentials == nil || first.Credentials.Password != "p" {
		t.Fatalf("credentials not kept: %+v", first.Credentials)
	}
	if !got[1].CompletedAt.Equal(want[1].CompletedAt) {
		t.Fatalf("completion time %v, want %v", got[1].CompletedAt, want[1].CompletedAt)
	}

	if err := s.SaveAll(ctx, nil); err != nil {
		t.Fatalf("save empty: %v", err)
	}
	if got, _ := s.LoadAll(ctx); len(got) != 0 {
		t.Fatalf("expected empty registry after saving none, got %d", len(got))
	}
}

func TestFileStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	s := NewFileStore(dir)
	checkRoundTrip(t, s)
	if _, err := os.Stat(s.Path()); err != nil {
		t.Fatalf("registry file missing: %v", err)
	}
}

func TestFileStoreRejectsCorruptDocument(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(dir)
	if err := os.WriteFile(s.Path(), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LoadAll(context.Background()); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestFileStoreRejectsNewerVersion(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(dir)
	if err := os.WriteFile(s.Path(), []byte(`{"version":99,"downloads":[]}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LoadAll(context.Background()); err == nil {
		t.Fatalf("expected version error")
	}
}

func TestBlobStoreMem(t *testing.T) {
	ctx := context.Background()
	s, err := OpenBlobStore(ctx, "mem://", "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	checkRoundTrip(t, s)
}

func TestBlobStoreFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := OpenBlobStore(ctx, "file://"+filepath.ToSlash(dir), "state.json")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	checkRoundTrip(t, s)
	if _, err := os.Stat(filepath.Join(dir, "state.json")); err != nil {
		t.Fatalf("object not written to bucket dir: %v", err)
	}
}
