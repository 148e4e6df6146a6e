package jsonfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"dvbsboard/adapters/memory"
	"dvbsboard/core"
)

// Store persists every collection to a single JSON file.
// Suitable for demos and small deployments. Reads, writes and listeners are
// served by the embedded memory store; the file is rewritten after each change.
type Store struct {
	*memory.Store
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	lastErr error
}

func New(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{Store: memory.New(), path: path, logger: logger.With("path", path)}
	if err := s.load(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	s.Store.OnChange(s.persistLocked)
	return s, nil
}

func (s *Store) load() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var raw map[string]map[string]core.Document
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("decode %s: %w", s.path, err)
	}
	s.Store.Load(raw)
	return nil
}

// persistLocked runs inside the memory store's lock.
func (s *Store) persistLocked() {
	err := s.write(s.Store.DumpLocked())
	if err != nil {
		s.logger.Error("persist failed", "error", err)
	}
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

func (s *Store) write(data map[string]map[string]core.Document) error {
	tmp := s.path + ".tmp"
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *Store) takeErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.lastErr
	s.lastErr = nil
	return err
}

// UpdateField applies the write in memory and reports persistence failures.
func (s *Store) UpdateField(ctx context.Context, ref core.DocRef, field string, value any) error {
	if err := s.Store.UpdateField(ctx, ref, field, value); err != nil {
		return err
	}
	if err := s.takeErr(); err != nil {
		return fmt.Errorf("persist %s: %w", ref, err)
	}
	return nil
}

func (s *Store) Set(ctx context.Context, ref core.DocRef, doc core.Document) error {
	if err := s.Store.Set(ctx, ref, doc); err != nil {
		return err
	}
	if err := s.takeErr(); err != nil {
		return fmt.Errorf("persist %s: %w", ref, err)
	}
	return nil
}
