package repository

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/modelmux/modelmux/internal/domain"
)

// FileProviderSource serves providers from a YAML file, for single-node and
// development deployments that do not run Postgres. The file is re-read on
// write events; a reload that fails to parse keeps the previous provider set.
type FileProviderSource struct {
	path    string
	watcher *fsnotify.Watcher

	mu        sync.RWMutex
	providers []*domain.Provider
	byID      map[string]*domain.Provider
}

type providerFile struct {
	Providers []*domain.Provider `yaml:"providers"`
}

func NewFileProviderSource(path string) (*FileProviderSource, error) {
	if path == "" {
		return nil, fmt.Errorf("provider file path cannot be empty")
	}

	s := &FileProviderSource{path: path}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileProviderSource) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read provider file %s: %w", s.path, err)
	}

	var f providerFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse provider file %s: %w", s.path, err)
	}

	byID := make(map[string]*domain.Provider, len(f.Providers))
	for _, p := range f.Providers {
		if p.ID == "" {
			return fmt.Errorf("provider file %s: provider without id", s.path)
		}
		if !p.ProviderType.Valid() {
			return fmt.Errorf("provider file %s: provider %s has unknown type %q", s.path, p.ID, p.ProviderType)
		}
		if _, dup := byID[p.ID]; dup {
			return fmt.Errorf("provider file %s: duplicate provider id %s", s.path, p.ID)
		}
		byID[p.ID] = p
	}

	s.mu.Lock()
	s.providers = f.Providers
	s.byID = byID
	s.mu.Unlock()

	return nil
}

func (s *FileProviderSource) List(ctx context.Context) ([]*domain.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.providers, nil
}

func (s *FileProviderSource) GetByID(ctx context.Context, id string) (*domain.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.byID[id]
	if !ok {
		return nil, domain.ErrProviderNotFound
	}
	return p, nil
}

// Watch reloads the file on write events until the context is cancelled.
func (s *FileProviderSource) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	if err := watcher.Add(s.path); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.watcher = watcher
	s.mu.Unlock()

	slog.Info("watching provider file for changes", "path", s.path)

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}

				if err := s.load(); err != nil {
					slog.Error("provider file reload failed, keeping previous set",
						"path", s.path,
						"error", err,
					)
					continue
				}

				s.mu.RLock()
				count := len(s.providers)
				s.mu.RUnlock()
				slog.Info("provider file reloaded", "path", s.path, "providers", count)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("provider file watch error", "error", err)
			}
		}
	}()

	return nil
}

func (s *FileProviderSource) Close() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
