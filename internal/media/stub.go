package media

import (
	"context"
	"crypto/sha256"
	"sync"
)

// Stub serves a deterministic pseudo-image for every ref and records posted
// results. It is used in dev mode and tests.
type Stub struct {
	// FetchFunc and PostFunc override the default behaviour when set.
	FetchFunc func(ctx context.Context, ref string) (*Image, error)
	PostFunc  func(ctx context.Context, ref string, payload any) error

	mu     sync.Mutex
	posted map[string][]any
}

func NewStub() *Stub {
	return &Stub{posted: map[string][]any{}}
}

func (s *Stub) Fetch(ctx context.Context, ref string) (*Image, error) {
	if s.FetchFunc != nil {
		return s.FetchFunc(ctx, ref)
	}
	sum := sha256.Sum256([]byte(ref))
	return &Image{Ref: ref, ContentType: "application/octet-stream", Data: sum[:]}, nil
}

func (s *Stub) PostResults(ctx context.Context, ref string, payload any) error {
	if s.PostFunc != nil {
		if err := s.PostFunc(ctx, ref, payload); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.posted == nil {
		s.posted = map[string][]any{}
	}
	s.posted[ref] = append(s.posted[ref], payload)
	return nil
}

// Posted returns every payload accepted for ref.
func (s *Stub) Posted(ref string) []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]any(nil), s.posted[ref]...)
}

var _ Client = (*Stub)(nil)
