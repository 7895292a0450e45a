// Package vectorstore persists embedding vectors keyed by collection and
// point id. Each point records the job that wrote it so a job's vectors
// can be removed together.
package vectorstore

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("vector point not found")

// Point is a stored vector with its payload.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// Store is the vector persistence interface.
type Store interface {
	// Upsert writes or replaces a point. payload must carry "job_id".
	Upsert(ctx context.Context, collection, pointID string, vector []float32, payload map[string]any) error
	Get(ctx context.Context, collection, pointID string) (*Point, error)
	// DeleteByJob removes every point in collection still owned by jobID.
	DeleteByJob(ctx context.Context, collection, jobID string) error
}

func jobIDOf(payload map[string]any) string {
	if s, ok := payload["job_id"].(string); ok {
		return s
	}
	return ""
}
