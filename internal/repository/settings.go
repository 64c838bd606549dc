package repository

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"caebridge/internal/logging"
	"caebridge/internal/persist"
)

// Settings is the mutable repository configuration persisted alongside the
// data. Changing the root becomes effective for subsequent writes.
type Settings struct {
	RepositoryRootDir string `json:"repository_root_dir"`
}

// GetSettings returns the current settings.
func (s *Store) GetSettings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Settings{RepositoryRootDir: s.root}
}

// PutSettings re-points the repository root and reloads state from the new
// location. The settings file is written at the new root so a restart finds
// the same place.
func (s *Store) PutSettings(settings Settings) error {
	if settings.RepositoryRootDir == "" {
		return fmt.Errorf("repository_root_dir required")
	}
	abs, err := filepath.Abs(settings.RepositoryRootDir)
	if err != nil {
		return fmt.Errorf("resolve root: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if abs == s.root {
		return nil
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return fmt.Errorf("create new root: %w", err)
	}
	old := s.root
	s.root = abs
	if err := s.reloadLocked(); err != nil {
		s.root = old
		_ = s.reloadLocked()
		return fmt.Errorf("reload from new root: %w", err)
	}
	if err := persist.SaveJSON(filepath.Join(abs, "settings.json"), Settings{RepositoryRootDir: abs}); err != nil {
		return err
	}
	logging.Get(logging.CategoryRepository).Infow("repository root changed",
		"old", old, "new", abs)
	return nil
}

// WatchSettings reloads the store when settings.json changes on disk
// (an operator editing it out-of-band). Returns a stop function.
func (s *Store) WatchSettings() (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	dir := s.Root()
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	done := make(chan struct{})
	go func() {
		log := logging.Get(logging.CategoryRepository)
		for {
			select {
			case <-done:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != "settings.json" ||
					!ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				var settings Settings
				if err := persist.LoadJSON(ev.Name, &settings); err != nil {
					log.Warnw("settings.json changed but unreadable", "error", err)
					continue
				}
				if settings.RepositoryRootDir == "" {
					continue
				}
				if err := s.PutSettings(settings); err != nil {
					log.Warnw("settings reload failed", "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warnw("settings watcher error", "error", err)
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
