package store

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// CacheFileName is the persistent cache file written under the cache directory.
const CacheFileName = "appconfiguration.json"

// CachePath returns the persistent cache file path for dir, or "" when dir is empty.
func CachePath(dir string) string {
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, CacheFileName)
}

// FileStore reads and writes configuration documents.
// It is safe for concurrent use; writes go through a temp file and rename.
type FileStore struct {
	fs     afero.Fs
	logger *zap.Logger
}

// NewFileStore creates a store backed by fs. A nil fs uses the OS filesystem.
func NewFileStore(fs afero.Fs, logger *zap.Logger) *FileStore {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{fs: fs, logger: logger}
}

// Fs exposes the underlying filesystem.
func (s *FileStore) Fs() afero.Fs { return s.fs }

// ReadDocument returns the file content, or nil when the file is missing or
// unreadable.
func (s *FileStore) ReadDocument(path string) []byte {
	if path == "" {
		return nil
	}
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("read document failed", zap.String("path", path), zap.Error(err))
		}
		return nil
	}
	return data
}

// WriteDocument replaces the file at path with data, creating parent directories.
func (s *FileStore) WriteDocument(path string, data []byte) error {
	if path == "" {
		return errors.New("write document: empty path")
	}
	if err := s.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := s.fs.Rename(tmp, path); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

// IsEmptyDocument reports whether data holds no document at all: nothing,
// whitespace, null or an empty JSON object.
func IsEmptyDocument(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return true
	}
	if trimmed[0] != '{' || trimmed[len(trimmed)-1] != '}' {
		return false
	}
	return len(bytes.TrimSpace(trimmed[1:len(trimmed)-1])) == 0
}
