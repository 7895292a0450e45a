// Package storage keeps per-job artifacts (result documents and raw
// embeddings) under jobs/<job id>/.
package storage

import (
	"context"
	"errors"
	"path"
)

var ErrNotFound = errors.New("artifact not found")

// ArtifactStore is the artifact persistence interface.
type ArtifactStore interface {
	Put(ctx context.Context, jobID, name string, data []byte, contentType string) error
	Get(ctx context.Context, jobID, name string) ([]byte, error)
	// DeleteJob removes every artifact of the job. Deleting a job with no
	// artifacts is not an error.
	DeleteJob(ctx context.Context, jobID string) error
}

// ObjectKey is the storage key of an artifact.
func ObjectKey(jobID, name string) string {
	return path.Join("jobs", jobID, name)
}

func jobPrefix(jobID string) string {
	return path.Join("jobs", jobID) + "/"
}
