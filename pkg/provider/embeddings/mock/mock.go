// Package mock provides a test double for the embeddings.Provider interface.
//
// Set Vector and Dims to script responses; Texts records everything that was
// submitted for embedding.
package mock

import (
	"context"
	"sync"

	"github.com/echobridge/echobridge/pkg/provider/embeddings"
)

// Provider is a mock implementation of embeddings.Provider.
type Provider struct {
	mu sync.Mutex

	// Vector is returned for every embedded text. When nil, a zero vector of
	// length Dims is returned instead.
	Vector []float32

	// Err, if non-nil, is returned from Embed and EmbedBatch.
	Err error

	// Dims is returned by Dimensions and sizes the default zero vector.
	Dims int

	// Model is returned by ModelID.
	Model string

	// Texts records every string submitted through Embed or EmbedBatch, in
	// order.
	Texts []string
}

var _ embeddings.Provider = (*Provider)(nil)

// Embed records the text and returns the scripted vector.
func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Texts = append(p.Texts, text)
	if p.Err != nil {
		return nil, p.Err
	}
	return p.vector(), nil
}

// EmbedBatch records the texts and returns one scripted vector per input.
func (p *Provider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Texts = append(p.Texts, texts...)
	if p.Err != nil {
		return nil, p.Err
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = p.vector()
	}
	return out, nil
}

func (p *Provider) Dimensions() int { return p.Dims }

func (p *Provider) ModelID() string { return p.Model }

// vector returns Vector or a fresh zero vector of length Dims. Caller holds
// p.mu.
func (p *Provider) vector() []float32 {
	if p.Vector != nil {
		return p.Vector
	}
	return make([]float32, p.Dims)
}
