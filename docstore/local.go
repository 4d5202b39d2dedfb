package docstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// NewLocalStore creates a store keeping documents under dir, for local development and tests.
func NewLocalStore(dir string, logger *slog.Logger) (*BlobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create local storage directory: %w", err)
	}
	return newBlobStore(&localBackend{root: dir, logger: logger}, logger), nil
}

type localBackend struct {
	root   string
	logger *slog.Logger
}

func (l *localBackend) path(key string) string {
	return filepath.Join(l.root, filepath.FromSlash(key))
}

func (l *localBackend) read(_ context.Context, key string) ([]byte, int64, error) {
	data, err := os.ReadFile(l.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, condNone, ErrNotFound
		}
		return nil, condNone, fmt.Errorf("read from local storage: %w", err)
	}
	return data, condNone, nil
}

func (l *localBackend) write(_ context.Context, key string, data []byte, cond int64) error {
	p := l.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create collection directory: %w", err)
	}

	if cond == condAbsent {
		f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err != nil {
			if errors.Is(err, os.ErrExist) {
				return errConflict
			}
			return fmt.Errorf("create in local storage: %w", err)
		}
		if _, err := f.Write(data); err != nil {
			_ = f.Close()
			return fmt.Errorf("write to local storage: %w", err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("close local file: %w", err)
		}
		return nil
	}

	// Rename keeps readers from observing partial documents.
	tmp, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write to local storage: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

func (l *localBackend) remove(_ context.Context, key string) error {
	if err := os.Remove(l.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete from local storage: %w", err)
	}
	return nil
}

func (l *localBackend) list(_ context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(l.path(prefix))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read local storage directory: %w", err)
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		keys = append(keys, prefix+e.Name())
	}
	return keys, nil
}
