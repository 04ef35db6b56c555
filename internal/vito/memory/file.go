package memory

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

	"github.com/bdobrica/vito/internal/vito/store"
)

// FileStore keeps all facts in one JSON object ({"<user>": "<fact>"}), the
// same layout as the legacy memory.json. The object is cached in memory and
// every mutation rewrites the file atomically: temp file in the same
// directory, fsync, rename.
type FileStore struct {
	path   string
	logger *slog.Logger

	mu    sync.Mutex
	facts map[string]string
}

// NewFileStore loads path (a missing file is an empty store).
func NewFileStore(path string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	facts, err := readFacts(path)
	if err != nil {
		return nil, err
	}
	logger.Info("memory file: loaded", "path", path, "users", len(facts))
	return &FileStore{path: path, logger: logger, facts: facts}, nil
}

func readFacts(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, store.Unavailable("memory file: read", err)
	}

	facts := map[string]string{}
	if len(data) == 0 {
		return facts, nil
	}
	if err := json.Unmarshal(data, &facts); err != nil {
		return nil, store.Unavailable("memory file: decode "+path, err)
	}
	return facts, nil
}

// Remember overwrites the user's fact and persists the whole object.
func (f *FileStore) Remember(ctx context.Context, userID, fact string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	next := f.cloneLocked()
	next[userID] = normalize(fact)
	if err := f.writeLocked(next); err != nil {
		return store.Unavailable("memory file: remember", err)
	}
	f.facts = next
	return nil
}

// Recall returns the cached fact.
func (f *FileStore) Recall(ctx context.Context, userID string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	fact, ok := f.facts[userID]
	if !ok || fact == "" {
		return "", false, nil
	}
	return fact, true, nil
}

// Forget removes the user's fact. The file is only rewritten if it changes.
func (f *FileStore) Forget(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.facts[userID]; !ok {
		return nil
	}
	next := f.cloneLocked()
	delete(next, userID)
	if err := f.writeLocked(next); err != nil {
		return store.Unavailable("memory file: forget", err)
	}
	f.facts = next
	return nil
}

// Close is a no-op; every mutation is already on disk.
func (f *FileStore) Close() error { return nil }

func (f *FileStore) cloneLocked() map[string]string {
	out := make(map[string]string, len(f.facts)+1)
	for k, v := range f.facts {
		out[k] = v
	}
	return out
}

// writeLocked replaces the file so readers see either the old or the new
// object.
func (f *FileStore) writeLocked(facts map[string]string) error {
	data, err := json.MarshalIndent(facts, "", "  ")
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".memory-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		cleanup()
		return fmt.Errorf("rename temp file: %w", err)
	}

	f.logger.Debug("memory file: saved", "path", f.path, "users", len(facts))
	return nil
}
