// Package stub is a deterministic InferenceProvider. Outputs depend only on
// the image bytes, so repeated runs over the same media agree.
package stub

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/fnv"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"math/rand/v2"

	"github.com/kiranshivaraju/inferq/pkg/models"
)

const (
	defaultWidth  = 640
	defaultHeight = 480
)

// Provider implements models.InferenceProvider without running any model.
type Provider struct {
	// MaxFaces bounds the number of faces reported per image. Zero means 3.
	MaxFaces int
}

func NewProvider() *Provider {
	return &Provider{MaxFaces: 3}
}

func (p *Provider) Name() string { return "stub" }

func (p *Provider) EmbedImage(ctx context.Context, img []byte) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return unitVector(rng(img, 0)), nil
}

func (p *Provider) DetectFaces(ctx context.Context, img []byte) ([]models.FaceDetection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w, h := dimensions(img)
	r := rng(img, 1)

	maxFaces := p.MaxFaces
	if maxFaces <= 0 {
		maxFaces = 3
	}
	n := 1 + r.IntN(maxFaces)

	faces := make([]models.FaceDetection, 0, n)
	for i := range n {
		fw := w * (0.1 + 0.2*r.Float64())
		fh := h * (0.1 + 0.2*r.Float64())
		x := math.Min(w*0.5*r.Float64(), w-fw)
		y := math.Min(h*0.5*r.Float64(), h-fh)

		faces = append(faces, models.FaceDetection{
			FaceIndex:  i,
			BBox:       models.BoundingBox{X: round(x, 2), Y: round(y, 2), Width: round(fw, 2), Height: round(fh, 2)},
			Confidence: round(0.9+0.09*r.Float64(), 4),
			Landmarks: models.Landmarks{
				LeftEye:    point(x+fw*0.3, y+fh*0.3),
				RightEye:   point(x+fw*0.7, y+fh*0.3),
				Nose:       point(x+fw*0.5, y+fh*0.5),
				LeftMouth:  point(x+fw*0.35, y+fh*0.75),
				RightMouth: point(x+fw*0.65, y+fh*0.75),
			},
		})
	}
	return faces, nil
}

func (p *Provider) EmbedFaces(ctx context.Context, img []byte) ([]models.FaceEmbedding, error) {
	faces, err := p.DetectFaces(ctx, img)
	if err != nil {
		return nil, err
	}
	out := make([]models.FaceEmbedding, len(faces))
	for i, f := range faces {
		out[i] = models.FaceEmbedding{
			FaceDetection: f,
			Embedding:     unitVector(rng(img, uint64(2+i))),
		}
	}
	return out, nil
}

// rng seeds a generator from the image bytes and a stream number.
func rng(img []byte, stream uint64) *rand.Rand {
	h := fnv.New64a()
	_, _ = h.Write(img)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], stream)
	_, _ = h.Write(buf[:])
	return rand.New(rand.NewPCG(h.Sum64(), stream))
}

func unitVector(r *rand.Rand) []float32 {
	v := make([]float32, models.EmbeddingDimension)
	var norm float64
	for i := range v {
		x := r.NormFloat64()
		v[i] = float32(x)
		norm += x * x
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return v
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v
}

// dimensions returns the decoded image size, or a default for bytes that
// are not a recognised image.
func dimensions(img []byte) (float64, float64) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(img))
	if err != nil || cfg.Width == 0 || cfg.Height == 0 {
		return defaultWidth, defaultHeight
	}
	return float64(cfg.Width), float64(cfg.Height)
}

func point(x, y float64) models.Point {
	return models.Point{round(x, 2), round(y, 2)}
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

var _ models.InferenceProvider = (*Provider)(nil)
