package models

import "context"

// EmbeddingDimension is the length of every vector produced by the
// inference providers.
const EmbeddingDimension = 512

// InferenceProvider runs the models behind every task type. Callers always
// depend on this interface, never on a concrete provider.
type InferenceProvider interface {
	// EmbedImage returns a whole-image embedding.
	EmbedImage(ctx context.Context, image []byte) ([]float32, error)
	// DetectFaces locates faces and their landmarks.
	DetectFaces(ctx context.Context, image []byte) ([]FaceDetection, error)
	// EmbedFaces detects faces and returns one embedding per face.
	EmbedFaces(ctx context.Context, image []byte) ([]FaceEmbedding, error)
	// Name returns the provider identifier (e.g. "stub", "remote").
	Name() string
}

// FaceEmbedding is a detected face together with its embedding vector.
type FaceEmbedding struct {
	FaceDetection
	Embedding []float32 `json:"embedding"`
}
