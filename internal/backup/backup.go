// Package backup takes periodic snapshots of the sqlite database and
// prunes old ones. Snapshots are produced with VACUUM INTO against a
// temp file and renamed into place, so a crash mid-backup never leaves a
// half-written snapshot under the final name.
package backup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/GoYakushev/notlike/internal/config"
	"github.com/GoYakushev/notlike/internal/storage"
)

const snapshotPrefix = "notlike-"

// Uploader ships a finished snapshot off-site. Optional; a failed upload
// is logged and the local snapshot kept.
type Uploader interface {
	Upload(ctx context.Context, path string) error
}

// Manager owns the snapshot directory.
type Manager struct {
	store    *storage.Store
	dir      string
	keep     int
	uploader Uploader // may be nil
	logger   *slog.Logger
}

func New(store *storage.Store, cfg config.BackupConfig, uploader Uploader, logger *slog.Logger) *Manager {
	return &Manager{
		store:    store,
		dir:      cfg.Dir,
		keep:     cfg.Keep,
		uploader: uploader,
		logger:   logger.With("component", "backup"),
	}
}

// Snapshot writes one consistent copy of the database and returns its
// path. Old snapshots beyond the keep limit are pruned afterwards.
func (m *Manager) Snapshot(ctx context.Context) (string, error) {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}

	now := time.Now().UTC()
	tmp := filepath.Join(m.dir, fmt.Sprintf(".snapshot-%d.tmp", now.UnixNano()))
	final := filepath.Join(m.dir,
		fmt.Sprintf("%s%s.db", snapshotPrefix, now.Format("20060102T150405.000000000")))

	// VACUUM INTO takes a filename literal; single quotes in the path are
	// escaped SQL-style.
	quoted := strings.ReplaceAll(tmp, "'", "''")
	if _, err := m.store.DB().ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", quoted)); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("vacuum into snapshot: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("publish snapshot: %w", err)
	}
	m.logger.Info("snapshot written", "path", final)

	if err := m.prune(); err != nil {
		m.logger.Warn("snapshot prune failed", "error", err)
	}
	if m.uploader != nil {
		if err := m.uploader.Upload(ctx, final); err != nil {
			m.logger.Warn("snapshot upload failed", "path", final, "error", err)
		}
	}
	return final, nil
}

// prune keeps the newest `keep` snapshots. Timestamped names sort
// chronologically, so lexical order is age order.
func (m *Manager) prune() error {
	matches, err := filepath.Glob(filepath.Join(m.dir, snapshotPrefix+"*.db"))
	if err != nil {
		return err
	}
	if len(matches) <= m.keep {
		return nil
	}
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	for _, path := range matches[m.keep:] {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("remove old snapshot %s: %w", path, err)
		}
		m.logger.Debug("old snapshot removed", "path", path)
	}
	return nil
}

// Job adapts Snapshot to the scheduler's signature.
func (m *Manager) Job() func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := m.Snapshot(ctx)
		return err
	}
}
