package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// LocalStore stores artifacts on the local filesystem under a base directory.
type LocalStore struct {
	baseDir string
}

func NewLocalStore(baseDir string) (*LocalStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage dir: %w", err)
	}
	return &LocalStore{baseDir: baseDir}, nil
}

func (s *LocalStore) path(jobID, name string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(ObjectKey(jobID, name)))
}

func (s *LocalStore) Put(_ context.Context, jobID, name string, data []byte, _ string) error {
	p := s.path(jobID, name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("creating artifact dir: %w", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", p, err)
	}
	return os.Rename(tmp, p)
}

func (s *LocalStore) Get(_ context.Context, jobID, name string) ([]byte, error) {
	data, err := os.ReadFile(s.path(jobID, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

func (s *LocalStore) DeleteJob(_ context.Context, jobID string) error {
	return os.RemoveAll(filepath.Join(s.baseDir, "jobs", jobID))
}

var _ ArtifactStore = (*LocalStore)(nil)
