package mock

import (
	"context"

	"github.com/kiranshivaraju/inferq/internal/inference"
	"github.com/kiranshivaraju/inferq/internal/inference/stub"
	"github.com/kiranshivaraju/inferq/pkg/models"
)

// MockProvider satisfies models.InferenceProvider for testing. Unset funcs
// fall back to the deterministic stub.
type MockProvider struct {
	EmbedImageFunc  func(ctx context.Context, image []byte) ([]float32, error)
	DetectFacesFunc func(ctx context.Context, image []byte) ([]models.FaceDetection, error)
	EmbedFacesFunc  func(ctx context.Context, image []byte) ([]models.FaceEmbedding, error)

	fallback stub.Provider
}

func (m *MockProvider) Name() string { return "mock" }

func (m *MockProvider) EmbedImage(ctx context.Context, image []byte) ([]float32, error) {
	if m.EmbedImageFunc != nil {
		return m.EmbedImageFunc(ctx, image)
	}
	return m.fallback.EmbedImage(ctx, image)
}

func (m *MockProvider) DetectFaces(ctx context.Context, image []byte) ([]models.FaceDetection, error) {
	if m.DetectFacesFunc != nil {
		return m.DetectFacesFunc(ctx, image)
	}
	return m.fallback.DetectFaces(ctx, image)
}

func (m *MockProvider) EmbedFaces(ctx context.Context, image []byte) ([]models.FaceEmbedding, error) {
	if m.EmbedFacesFunc != nil {
		return m.EmbedFacesFunc(ctx, image)
	}
	return m.fallback.EmbedFaces(ctx, image)
}

// NewFailingProvider returns a MockProvider whose every call returns err.
func NewFailingProvider(err error) *MockProvider {
	return &MockProvider{
		EmbedImageFunc:  func(context.Context, []byte) ([]float32, error) { return nil, err },
		DetectFacesFunc: func(context.Context, []byte) ([]models.FaceDetection, error) { return nil, err },
		EmbedFacesFunc:  func(context.Context, []byte) ([]models.FaceEmbedding, error) { return nil, err },
	}
}

// NewPanickingProvider returns a MockProvider whose every call panics.
func NewPanickingProvider(msg string) *MockProvider {
	return &MockProvider{
		EmbedImageFunc:  func(context.Context, []byte) ([]float32, error) { panic(msg) },
		DetectFacesFunc: func(context.Context, []byte) ([]models.FaceDetection, error) { panic(msg) },
		EmbedFacesFunc:  func(context.Context, []byte) ([]models.FaceEmbedding, error) { panic(msg) },
	}
}

// NewTimeoutProvider returns a MockProvider that blocks until ctx is done.
func NewTimeoutProvider() *MockProvider {
	return &MockProvider{
		EmbedImageFunc: func(ctx context.Context, _ []byte) ([]float32, error) {
			<-ctx.Done()
			return nil, inference.ErrInferenceTimeout
		},
		DetectFacesFunc: func(ctx context.Context, _ []byte) ([]models.FaceDetection, error) {
			<-ctx.Done()
			return nil, inference.ErrInferenceTimeout
		},
		EmbedFacesFunc: func(ctx context.Context, _ []byte) ([]models.FaceEmbedding, error) {
			<-ctx.Done()
			return nil, inference.ErrInferenceTimeout
		},
	}
}

// Compile-time check that MockProvider implements InferenceProvider.
var _ models.InferenceProvider = (*MockProvider)(nil)
