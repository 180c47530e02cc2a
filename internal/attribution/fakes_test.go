package attribution

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// #region fake-params
type fakeParams map[string]float64

func (f fakeParams) Sample(key string) float64 { return f[key] }

// #endregion fake-params

// #region fake-embedder
// bagEmbedder embeds text as counts over a fixed vocabulary.
type bagEmbedder struct {
	mu    sync.Mutex
	calls map[string]int
	fail  bool
}

var vocab = []string{"postgres", "pool", "retry", "backoff", "tabs", "indent", "cache", "redis"}

func (b *bagEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.calls == nil {
		b.calls = make(map[string]int)
	}
	b.calls[text]++
	if b.fail {
		return nil, errors.New("embedder down")
	}
	lower := strings.ToLower(text)
	vec := make([]float32, len(vocab))
	for i, w := range vocab {
		vec[i] = float32(strings.Count(lower, w))
	}
	return vec, nil
}

func (b *bagEmbedder) count(text string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[text]
}

// #endregion fake-embedder

// #region mem-store
type memStore struct {
	mu           sync.Mutex
	learnings    map[string]Learning
	embeddings   map[string][]float32
	exposures    map[string]map[string]Exposure
	attributions map[string]map[string]Attribution
	values       map[string]LearningValue
}

func newMemStore(ls ...Learning) *memStore {
	s := &memStore{
		learnings:    make(map[string]Learning),
		embeddings:   make(map[string][]float32),
		exposures:    make(map[string]map[string]Exposure),
		attributions: make(map[string]map[string]Attribution),
		values:       make(map[string]LearningValue),
	}
	for _, l := range ls {
		s.learnings[l.ID] = l
	}
	return s
}

func (s *memStore) CachedEmbedding(_ context.Context, id, hash string) ([]float32, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.embeddings[id+"/"+hash]
	return v, ok, nil
}

func (s *memStore) PutEmbedding(_ context.Context, id, hash string, vec []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.embeddings[id+"/"+hash] = vec
	return nil
}

func (s *memStore) Learnings(_ context.Context, ids []string) ([]Learning, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Learning
	for _, id := range ids {
		if l, ok := s.learnings[id]; ok {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *memStore) RecordExposure(_ context.Context, x Exposure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exposures[x.LearningID] == nil {
		s.exposures[x.LearningID] = make(map[string]Exposure)
	}
	s.exposures[x.LearningID][x.SessionID] = x
	return nil
}

func (s *memStore) Exposures(_ context.Context, id string) ([]Exposure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Exposure
	for _, x := range s.exposures[id] {
		out = append(out, x)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

func (s *memStore) SaveAttribution(_ context.Context, a Attribution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attributions[a.LearningID] == nil {
		s.attributions[a.LearningID] = make(map[string]Attribution)
	}
	s.attributions[a.LearningID][a.SessionID] = a
	return nil
}

func (s *memStore) Attributions(_ context.Context, id string) ([]Attribution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Attribution
	for _, a := range s.attributions[id] {
		out = append(out, a)
	}
	return out, nil
}

func (s *memStore) SaveValue(_ context.Context, v LearningValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[v.LearningID] = v
	return nil
}

func (s *memStore) Value(_ context.Context, id string) (LearningValue, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[id]
	return v, ok, nil
}

// #endregion mem-store
