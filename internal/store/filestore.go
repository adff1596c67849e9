// File: internal/store/filestore.go
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/uipilot/api/schemas"
)

// idPattern constrains IDs used as file names. Synthesis always produces
// UUIDs, but loads accept anything matching this.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// FileStore persists each script as one JSON document under a directory.
// The default repository when no database DSN is configured.
type FileStore struct {
	dir string
	log *zap.Logger
	mu  sync.Mutex
}

var _ schemas.Repository = (*FileStore)(nil)

// NewFileStore creates the directory if needed.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create script directory %s: %w", dir, err)
	}
	return &FileStore{dir: dir, log: logger.Named("filestore")}, nil
}

func (s *FileStore) path(id string) (string, error) {
	if !idPattern.MatchString(id) {
		return "", fmt.Errorf("invalid script id %q", id)
	}
	return filepath.Join(s.dir, id+".json"), nil
}

// Save writes the script atomically via a temp file rename.
func (s *FileStore) Save(_ context.Context, script *schemas.Script) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.path(script.ID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(script, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal script %s: %w", script.ID, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write script %s: %w", script.ID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to finalize script %s: %w", script.ID, err)
	}
	return nil
}

// Load reads one script by ID.
func (s *FileStore) Load(_ context.Context, id string) (*schemas.Script, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: script %s", schemas.ErrCodeScriptNotFound, id)
		}
		return nil, fmt.Errorf("failed to read script %s: %w", id, err)
	}
	var script schemas.Script
	if err := json.Unmarshal(data, &script); err != nil {
		return nil, fmt.Errorf("failed to parse script %s: %w", id, err)
	}
	return &script, nil
}

// List reads every script in the directory, most recently updated first.
func (s *FileStore) List(_ context.Context) ([]*schemas.Script, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read script directory: %w", err)
	}

	var scripts []*schemas.Script
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			s.log.Warn("Skipping unreadable script file", zap.String("file", entry.Name()), zap.Error(err))
			continue
		}
		var script schemas.Script
		if err := json.Unmarshal(data, &script); err != nil {
			s.log.Warn("Skipping malformed script file", zap.String("file", entry.Name()), zap.Error(err))
			continue
		}
		scripts = append(scripts, &script)
	}

	sort.Slice(scripts, func(i, j int) bool {
		return scripts[i].UpdatedAt.After(scripts[j].UpdatedAt)
	})
	return scripts, nil
}

// Delete removes one script by ID.
func (s *FileStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: script %s", schemas.ErrCodeScriptNotFound, id)
		}
		return fmt.Errorf("failed to delete script %s: %w", id, err)
	}
	return nil
}
