package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// ErrUnavailable is returned by Embed when the provider failed its one-time
// initialization. Callers treat it as a degraded-capability signal, not a
// request failure: retrieval and history persistence are simply skipped.
var ErrUnavailable = errors.New("embedding provider unavailable")

// Engine abstracts the local embedding backend.
type Engine interface {
	Embed(ctx context.Context, model string, text string) ([]float32, error)
	IsRunning(ctx context.Context) bool
	HasModel(ctx context.Context, name string) bool
}

// Provider wraps an embedding Engine behind a lazily-initialized handle.
// Initialization is attempted exactly once per process; if it fails, the
// provider stays unavailable for the rest of the process lifetime and no
// per-request retries happen. Safe for concurrent use.
type Provider struct {
	engine Engine
	model  string

	initOnce  sync.Once
	available bool
}

// NewProvider creates a Provider using the given engine and embed model name.
// No network calls happen until Available or Embed is first invoked.
func NewProvider(engine Engine, model string) *Provider {
	return &Provider{engine: engine, model: model}
}

func (p *Provider) init(ctx context.Context) {
	p.initOnce.Do(func() {
		if !p.engine.IsRunning(ctx) {
			slog.Warn("embedding engine unreachable; retrieval and history persistence disabled for this process")
			return
		}
		if !p.engine.HasModel(ctx, p.model) {
			slog.Warn("embed model not available; retrieval and history persistence disabled for this process", "model", p.model)
			return
		}
		p.available = true
		slog.Info("embedding provider initialized", "model", p.model)
	})
}

// Available reports whether the provider can produce embeddings, triggering
// the one-time initialization on first call.
func (p *Provider) Available(ctx context.Context) bool {
	p.init(ctx)
	return p.available
}

// Embed returns a unit-length embedding vector for the given text.
// Normalizing here makes cosine similarity downstream equivalent to a dot
// product over stored vectors.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	if !p.Available(ctx) {
		return nil, ErrUnavailable
	}

	vec, err := p.engine.Embed(ctx, p.model, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	if err := normalize(vec); err != nil {
		return nil, err
	}
	return vec, nil
}

// normalize scales v to unit L2 length in place.
func normalize(v []float32) error {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	n := math.Sqrt(sum)
	if n == 0 {
		return errors.New("embedding has zero norm")
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / n)
	}
	return nil
}
