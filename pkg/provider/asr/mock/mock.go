// Package mock provides a test double for the asr package interfaces.
package mock

import (
	"context"
	"sync"

	"github.com/echobridge/echobridge/pkg/provider/asr"
)

// Provider is a mock implementation of asr.Provider.
type Provider struct {
	mu sync.Mutex

	// Results are returned by successive Transcribe calls. When exhausted,
	// Result is returned.
	Results []asr.Result

	// Result is the fallback once Results runs out.
	Result asr.Result

	// TranscribeErr, if non-nil, is returned by every Transcribe call.
	TranscribeErr error

	// TranscribeCalls records a copy of every PCM buffer passed in.
	TranscribeCalls [][]byte
}

// Transcribe records the call and returns the next scripted result.
func (p *Provider) Transcribe(_ context.Context, pcm []byte) (asr.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	p.TranscribeCalls = append(p.TranscribeCalls, cp)
	if p.TranscribeErr != nil {
		return asr.Result{}, p.TranscribeErr
	}
	if n := len(p.TranscribeCalls) - 1; n < len(p.Results) {
		return p.Results[n], nil
	}
	return p.Result, nil
}

// Ensure Provider implements asr.Provider at compile time.
var _ asr.Provider = (*Provider)(nil)
