// Package remote calls an HTTP model server for inference.
//
// The server accepts raw image bytes and answers with JSON:
//
//	POST /v1/embed/image  -> {"embedding": [...]}
//	POST /v1/detect/faces -> {"faces": [FaceDetection...]}
//	POST /v1/embed/faces  -> {"faces": [FaceDetection + "embedding"...]}
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/kiranshivaraju/inferq/pkg/models"
)

var (
	ErrUnavailable     = errors.New("model server unavailable")
	ErrInvalidResponse = errors.New("model server returned invalid response")
)

// Provider implements models.InferenceProvider against a model server.
type Provider struct {
	baseURL string
	client  *http.Client
}

func NewProvider(baseURL string, timeout time.Duration) *Provider {
	return &Provider{baseURL: baseURL, client: &http.Client{Timeout: timeout}}
}

func (p *Provider) Name() string { return "remote" }

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

type facesResponse struct {
	Faces []models.FaceEmbedding `json:"faces"`
}

func (p *Provider) EmbedImage(ctx context.Context, img []byte) ([]float32, error) {
	var resp embedResponse
	if err := p.post(ctx, "/v1/embed/image", img, &resp); err != nil {
		return nil, err
	}
	if len(resp.Embedding) != models.EmbeddingDimension {
		return nil, fmt.Errorf("%w: embedding has %d dimensions", ErrInvalidResponse, len(resp.Embedding))
	}
	return resp.Embedding, nil
}

func (p *Provider) DetectFaces(ctx context.Context, img []byte) ([]models.FaceDetection, error) {
	var resp facesResponse
	if err := p.post(ctx, "/v1/detect/faces", img, &resp); err != nil {
		return nil, err
	}
	out := make([]models.FaceDetection, len(resp.Faces))
	for i, f := range resp.Faces {
		out[i] = f.FaceDetection
	}
	return out, nil
}

func (p *Provider) EmbedFaces(ctx context.Context, img []byte) ([]models.FaceEmbedding, error) {
	var resp facesResponse
	if err := p.post(ctx, "/v1/embed/faces", img, &resp); err != nil {
		return nil, err
	}
	for _, f := range resp.Faces {
		if len(f.Embedding) != models.EmbeddingDimension {
			return nil, fmt.Errorf("%w: face %d embedding has %d dimensions", ErrInvalidResponse, f.FaceIndex, len(f.Embedding))
		}
	}
	return resp.Faces, nil
}

func (p *Provider) post(ctx context.Context, path string, img []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(img))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return nil
}

var _ models.InferenceProvider = (*Provider)(nil)
