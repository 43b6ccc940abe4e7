package backup

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/GoYakushev/notlike/internal/config"
	"github.com/GoYakushev/notlike/internal/storage"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(testWriter{t}, nil))
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func newTestManager(t *testing.T, keep int, up Uploader) (*Manager, string) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "data.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	dir := filepath.Join(t.TempDir(), "backups")
	m := New(store, config.BackupConfig{Dir: dir, Keep: keep}, up, testLogger(t))
	return m, dir
}

func TestSnapshotProducesOpenableDatabase(t *testing.T) {
	t.Parallel()

	m, dir := newTestManager(t, 4, nil)
	path, err := m.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if filepath.Dir(path) != dir || !strings.HasPrefix(filepath.Base(path), snapshotPrefix) {
		t.Fatalf("unexpected snapshot path %s", path)
	}

	// The snapshot is a complete database: it opens and carries the schema.
	snap, err := storage.Open(path)
	if err != nil {
		t.Fatalf("open snapshot: %v", err)
	}
	defer snap.Close()
	if _, err := snap.CountUsers(context.Background()); err != nil {
		t.Fatalf("query snapshot: %v", err)
	}
}

func TestPruneKeepsNewestSnapshots(t *testing.T) {
	t.Parallel()

	m, dir := newTestManager(t, 2, nil)
	var paths []string
	for i := 0; i < 4; i++ {
		p, err := m.Snapshot(context.Background())
		if err != nil {
			t.Fatalf("Snapshot #%d: %v", i, err)
		}
		paths = append(paths, p)
	}

	left, err := filepath.Glob(filepath.Join(dir, snapshotPrefix+"*.db"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(left) != 2 {
		t.Fatalf("%d snapshots kept, want 2: %v", len(left), left)
	}
	// The survivors are the two newest.
	want := map[string]bool{paths[2]: true, paths[3]: true}
	for _, p := range left {
		if !want[p] {
			t.Fatalf("unexpected survivor %s (made %v)", p, paths)
		}
	}
}

type uploadRecorder struct{ paths []string }

func (u *uploadRecorder) Upload(_ context.Context, path string) error {
	u.paths = append(u.paths, path)
	return nil
}

func TestSnapshotInvokesUploader(t *testing.T) {
	t.Parallel()

	up := &uploadRecorder{}
	m, _ := newTestManager(t, 4, up)
	path, err := m.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(up.paths) != 1 || up.paths[0] != path {
		t.Fatalf("uploads = %v, want [%s]", up.paths, path)
	}
}
