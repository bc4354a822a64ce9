package dataset

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/trendkeeper/trendkeeper/internal/storage"
)

// FileStore persists the dataset as a single JSON document with atomic
// replace semantics. An optional blob provider mirrors each snapshot.
type FileStore struct {
	path   string
	mirror storage.Provider
	logger *zap.Logger
}

// NewFileStore creates a file-backed store at path. The mirror may be nil.
func NewFileStore(path string, mirror storage.Provider, logger *zap.Logger) (*FileStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("dataset path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create dataset directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{path: path, mirror: mirror, logger: logger}, nil
}

// Load reads the durable document. An absent or corrupt file yields an
// empty dataset rather than an error; the refresh loop repopulates it.
func (s *FileStore) Load(ctx context.Context) (*Dataset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Info("dataset file absent, starting fresh", zap.String("path", s.path))
			return New(), nil
		}
		s.logger.Warn("dataset file unreadable, starting fresh",
			zap.String("path", s.path), zap.Error(err))
		return New(), nil
	}
	var ds Dataset
	if err := json.Unmarshal(raw, &ds); err != nil {
		s.logger.Warn("dataset file corrupt, starting fresh",
			zap.String("path", s.path), zap.Error(err))
		return New(), nil
	}
	if ds.Regions == nil {
		ds.Regions = make(map[string]map[string]Reading)
	}
	return &ds, nil
}

// Save serializes the dataset and replaces the target file atomically.
func (s *FileStore) Save(ctx context.Context, ds *Dataset) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(ds, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal dataset: %w", err)
	}
	if err := s.replace(raw); err != nil {
		return err
	}
	s.uploadMirror(ctx, raw)
	return nil
}

// replace writes the document next to the target and renames it into place,
// so a crash mid-write leaves the previous file intact.
func (s *FileStore) replace(raw []byte) error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func(step string, cause error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("%s: %w", step, cause)
	}
	if _, err := tmp.Write(raw); err != nil {
		return cleanup("write temp file", err)
	}
	if err := tmp.Sync(); err != nil {
		return cleanup("sync temp file", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace dataset file: %w", err)
	}
	return nil
}

func (s *FileStore) uploadMirror(ctx context.Context, raw []byte) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.Save(ctx, filepath.Base(s.path), raw); err != nil {
		s.logger.Warn("dataset mirror upload failed", zap.Error(err))
	}
}
