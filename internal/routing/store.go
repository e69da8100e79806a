package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces bursts of file events from editors and deploy tools.
const reloadDebounce = 250 * time.Millisecond

// Store holds the current routing table. Events take one snapshot at their
// start; reloads swap the pointer and never mutate a published table.
type Store struct {
	current atomic.Pointer[Table]
	path    string
	mu      sync.Mutex
}

// NewStore creates a store serving a fixed table.
func NewStore(t *Table) *Store {
	s := &Store{}
	if t == nil {
		t = NewTable(nil)
	}
	s.current.Store(t)
	return s
}

// OpenStore loads the table at path and remembers the path for reloads.
func OpenStore(path string) (*Store, error) {
	t, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	s := NewStore(t)
	s.path = path
	return s, nil
}

// Table returns the current table snapshot.
func (s *Store) Table() *Table {
	return s.current.Load()
}

// Replace publishes a new table.
func (s *Store) Replace(t *Table) {
	if t == nil {
		return
	}
	s.current.Store(t)
}

// Reload re-reads the backing file. On failure the previous table stays active.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("routing store has no backing file")
	}
	t, err := LoadFile(s.path)
	if err != nil {
		return err
	}
	s.current.Store(t)
	slog.Info("routing table reloaded", "path", s.path, "routes", t.Len(), "fallback", t.Fallback() != nil)
	return nil
}

// Watch reloads the table whenever its file changes. It blocks until ctx is
// cancelled. The parent directory is watched so atomic renames are seen.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		return errors.New("routing store has no backing file")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create routes watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	base := filepath.Base(s.path)
	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(reloadDebounce, func() {
				if err := s.Reload(); err != nil {
					slog.Warn("routing table reload failed, keeping previous table", "path", s.path, "error", err)
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("routes watcher error", "error", err)
		}
	}
}
