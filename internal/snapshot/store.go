// Package snapshot persists the browser session's cookies and client-side
// storage so a restarted service can resume where it left off.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	storeDirMode = 0o700
	snapshotMode = 0o600
	tempPattern  = ".session-*.tmp"
)

// ErrNotFound is returned by Load when there is nothing usable to restore.
// It covers both a missing file and one that fails to parse.
var ErrNotFound = errors.New("session snapshot not found")

// Cookie mirrors the cookie shape used by the browser engine's storage state.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite,omitempty"`
}

// NameValue is a single localStorage item.
type NameValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// OriginStorage holds the localStorage items of one origin.
type OriginStorage struct {
	Origin       string      `json:"origin"`
	LocalStorage []NameValue `json:"localStorage"`
}

// Snapshot is the persisted subset of a session's authentication state.
type Snapshot struct {
	Cookies []Cookie        `json:"cookies"`
	Storage []OriginStorage `json:"storage"`
	SavedAt time.Time       `json:"savedAt,omitempty"`
}

// Empty reports whether the snapshot carries nothing worth restoring.
func (s *Snapshot) Empty() bool {
	return s == nil || (len(s.Cookies) == 0 && len(s.Storage) == 0)
}

// Store reads and writes a single snapshot file.
type Store struct {
	path   string
	logger *zap.Logger
	mu     sync.Mutex
}

// NewStore creates a store backed by the file at path. The parent directory
// is created on first save.
func NewStore(path string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		path:   filepath.Clean(path),
		logger: logger.Named("snapshot"),
	}
}

// Path returns the snapshot file location.
func (s *Store) Path() string {
	return s.path
}

// Save replaces the snapshot file atomically: the new content is fully
// written and synced to a temp file in the same directory before it is
// renamed over the old one.
func (s *Store) Save(ctx context.Context, snap *Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if snap == nil {
		return errors.New("nil snapshot")
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, storeDirMode); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Chmod(tmpPath, snapshotMode); err != nil {
		return fmt.Errorf("chmod temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("replace session snapshot: %w", err)
	}
	committed = true

	s.logger.Debug("session snapshot saved",
		zap.String("path", s.path),
		zap.Int("cookies", len(snap.Cookies)),
		zap.Int("origins", len(snap.Storage)))
	return nil
}

// Load reads the snapshot. A missing or malformed file yields ErrNotFound;
// a malformed file is logged and left on disk for inspection.
func (s *Store) Load(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read session snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		s.logger.Warn("ignoring malformed session snapshot",
			zap.String("path", s.path),
			zap.Error(err))
		return nil, ErrNotFound
	}
	return &snap, nil
}

// Clear removes the snapshot file. It reports whether a file existed;
// removing a missing snapshot is not an error.
func (s *Store) Clear(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path)
	switch {
	case err == nil:
		s.logger.Info("session snapshot cleared", zap.String("path", s.path))
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("delete session snapshot: %w", err)
	}
}
