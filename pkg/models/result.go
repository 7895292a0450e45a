package models

import (
	"encoding/json"
	"fmt"
)

// BoundingBox locates a face in pixel coordinates.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Point is an (x, y) pixel coordinate.
type Point [2]float64

// Landmarks are the five facial keypoints produced by the detector.
type Landmarks struct {
	LeftEye    Point `json:"left_eye"`
	RightEye   Point `json:"right_eye"`
	Nose       Point `json:"nose"`
	LeftMouth  Point `json:"left_mouth"`
	RightMouth Point `json:"right_mouth"`
}

// FaceDetection is a single detected face.
type FaceDetection struct {
	FaceIndex  int         `json:"face_index"`
	BBox       BoundingBox `json:"bbox"`
	Confidence float64     `json:"confidence"`
	Landmarks  Landmarks   `json:"landmarks"`
}

// StoredFace is a face whose embedding was written to the vector store.
type StoredFace struct {
	FaceIndex          int         `json:"face_index"`
	BBox               BoundingBox `json:"bbox"`
	Confidence         float64     `json:"confidence"`
	EmbeddingDimension int         `json:"embedding_dimension"`
	PointID            string      `json:"point_id"`
}

type ImageEmbeddingResult struct {
	EmbeddingDimension int    `json:"embedding_dimension"`
	StoredInVectorDB   bool   `json:"stored_in_vector_db"`
	Collection         string `json:"collection"`
	PointID            string `json:"point_id"`
}

type FaceDetectionResult struct {
	Faces     []FaceDetection `json:"faces"`
	FaceCount int             `json:"face_count"`
}

type FaceEmbeddingResult struct {
	Faces            []StoredFace `json:"faces"`
	FaceCount        int          `json:"face_count"`
	StoredInVectorDB bool         `json:"stored_in_vector_db"`
	Collection       string       `json:"collection,omitempty"`
}

// Result is the outcome of a completed job, keyed by task type.
// Exactly one variant is set and it matches Type.
type Result struct {
	Type           TaskType
	ImageEmbedding *ImageEmbeddingResult
	FaceDetection  *FaceDetectionResult
	FaceEmbedding  *FaceEmbeddingResult
}

func NewImageEmbeddingResult(r ImageEmbeddingResult) *Result {
	return &Result{Type: TaskImageEmbedding, ImageEmbedding: &r}
}

func NewFaceDetectionResult(r FaceDetectionResult) *Result {
	return &Result{Type: TaskFaceDetection, FaceDetection: &r}
}

func NewFaceEmbeddingResult(r FaceEmbeddingResult) *Result {
	return &Result{Type: TaskFaceEmbedding, FaceEmbedding: &r}
}

func (r *Result) variant() (any, error) {
	switch r.Type {
	case TaskImageEmbedding:
		if r.ImageEmbedding != nil {
			return r.ImageEmbedding, nil
		}
	case TaskFaceDetection:
		if r.FaceDetection != nil {
			return r.FaceDetection, nil
		}
	case TaskFaceEmbedding:
		if r.FaceEmbedding != nil {
			return r.FaceEmbedding, nil
		}
	default:
		return nil, fmt.Errorf("unknown result type %q", r.Type)
	}
	return nil, fmt.Errorf("result of type %q has no payload", r.Type)
}

// MarshalJSON encodes the active variant as a flat object.
func (r Result) MarshalJSON() ([]byte, error) {
	v, err := r.variant()
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// DecodeResult parses a stored result payload for the given task type.
func DecodeResult(t TaskType, data []byte) (*Result, error) {
	r := &Result{Type: t}
	var target any
	switch t {
	case TaskImageEmbedding:
		r.ImageEmbedding = &ImageEmbeddingResult{}
		target = r.ImageEmbedding
	case TaskFaceDetection:
		r.FaceDetection = &FaceDetectionResult{}
		target = r.FaceDetection
	case TaskFaceEmbedding:
		r.FaceEmbedding = &FaceEmbeddingResult{}
		target = r.FaceEmbedding
	default:
		return nil, fmt.Errorf("unknown result type %q", t)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", t, err)
	}
	return r, nil
}
