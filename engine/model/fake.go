package model

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"sync"
)

// FakeEmbedder is a deterministic in-process embedder for tests and offline
// runs. Unknown texts hash to a stable unit vector; Fix pins exact vectors
// for texts a test wants to control.
type FakeEmbedder struct {
	dimension int
	mu        sync.Mutex
	fixed     map[string][]float32
	calls     int
}

// NewFakeEmbedder builds a fake producing vectors of the given dimension.
func NewFakeEmbedder(dimension int) *FakeEmbedder {
	return &FakeEmbedder{dimension: dimension, fixed: make(map[string][]float32)}
}

// Fix pins the vector returned for text.
func (f *FakeEmbedder) Fix(text string, vector []float32) {
	f.mu.Lock()
	f.fixed[text] = cloneVector(vector)
	f.mu.Unlock()
}

// Calls reports how many embed requests reached the fake, cache misses only
// when wrapped by an Embedder.
func (f *FakeEmbedder) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *FakeEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	f.calls++
	fixed, ok := f.fixed[text]
	f.mu.Unlock()
	if ok {
		return cloneVector(fixed), nil
	}
	return hashVector(text, f.dimension), nil
}

func (f *FakeEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vector, err := f.EmbedQuery(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vector
	}
	return out, nil
}

func hashVector(text string, dimension int) []float32 {
	sum := sha256.Sum256([]byte(text))
	out := make([]float32, dimension)
	var norm float64
	for i := 0; i < dimension; i++ {
		chunk := sum[(i*4)%len(sum) : (i*4)%len(sum)+4]
		v := float64(binary.BigEndian.Uint32(chunk)%2000)/1000.0 - 1.0
		// Perturb per index so long vectors do not repeat the digest cycle.
		v += float64(i%7) * 0.01
		out[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		out[0] = 1
		return out
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / norm)
	}
	return out
}

// ScriptedChat is a ChatModel returning queued or defaulted responses.
type ScriptedChat struct {
	mu        sync.Mutex
	responses []string
	// Respond, when set, computes the response from the prompts.
	Respond func(system, prompt string) (string, error)
	Err     error
	history []string
}

// NewScriptedChat queues responses returned in order; after the queue drains
// the last response repeats.
func NewScriptedChat(responses ...string) *ScriptedChat {
	return &ScriptedChat{responses: responses}
}

func (s *ScriptedChat) Complete(_ context.Context, system, prompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, prompt)
	if s.Err != nil {
		return "", s.Err
	}
	if s.Respond != nil {
		return s.Respond(system, prompt)
	}
	if len(s.responses) == 0 {
		return "", nil
	}
	response := s.responses[0]
	if len(s.responses) > 1 {
		s.responses = s.responses[1:]
	}
	return response, nil
}

// Prompts returns every user prompt seen so far.
func (s *ScriptedChat) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.history...)
}
