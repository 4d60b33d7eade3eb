// Package mock provides a test double for the llm package interfaces.
//
// Script a streamed response by setting Chunks; the stream emits them in
// order and closes. CompletionRequests records every request for
// inspection.
package mock

import (
	"context"
	"sync"

	"github.com/echobridge/echobridge/pkg/provider/llm"
)

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// Chunks is the scripted stream emitted by StreamCompletion.
	Chunks []llm.Chunk

	// ChunkScript, if non-nil, overrides Chunks per call: call n gets
	// ChunkScript[n], falling back to Chunks when exhausted.
	ChunkScript [][]llm.Chunk

	// StreamErr, if non-nil, is returned as the error from StreamCompletion.
	StreamErr error

	// Response is returned by Complete.
	Response *llm.CompletionResponse

	// CompleteErr, if non-nil, is returned as the error from Complete.
	CompleteErr error

	// CompletionRequests records every request passed to either method.
	CompletionRequests []llm.CompletionRequest

	streamCalls int
}

// StreamCompletion records the call and streams the scripted chunks.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.CompletionRequests = append(p.CompletionRequests, req)
	if p.StreamErr != nil {
		p.mu.Unlock()
		return nil, p.StreamErr
	}
	chunks := p.Chunks
	if n := p.streamCalls; n < len(p.ChunkScript) {
		chunks = p.ChunkScript[n]
	}
	p.streamCalls++
	p.mu.Unlock()

	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Complete records the call and returns Response, CompleteErr.
func (p *Provider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompletionRequests = append(p.CompletionRequests, req)
	if p.CompleteErr != nil {
		return nil, p.CompleteErr
	}
	if p.Response != nil {
		return p.Response, nil
	}
	return &llm.CompletionResponse{}, nil
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
