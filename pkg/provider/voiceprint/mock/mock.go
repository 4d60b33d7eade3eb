// Package mock provides a test double for the voiceprint package interfaces.
package mock

import (
	"context"
	"sync"

	"github.com/echobridge/echobridge/pkg/provider/voiceprint"
	"github.com/echobridge/echobridge/pkg/types"
)

// Identifier is a mock implementation of voiceprint.Identifier.
type Identifier struct {
	mu sync.Mutex

	// Match is returned by every Identify call.
	Match types.SpeakerMatch

	// IdentifyErr, if non-nil, is returned by every Identify call.
	IdentifyErr error

	// IdentifyDelay, when set, makes Identify block until the context is
	// done, for exercising timeout paths.
	IdentifyDelay bool

	// IdentifyCallCount is the number of times Identify was called.
	IdentifyCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Identify records the call and returns Match, IdentifyErr.
func (i *Identifier) Identify(ctx context.Context, _ []byte) (types.SpeakerMatch, error) {
	i.mu.Lock()
	i.IdentifyCallCount++
	delay := i.IdentifyDelay
	i.mu.Unlock()
	if delay {
		<-ctx.Done()
		return types.SpeakerMatch{}, ctx.Err()
	}
	if i.IdentifyErr != nil {
		return types.SpeakerMatch{}, i.IdentifyErr
	}
	return i.Match, nil
}

// Close records the call.
func (i *Identifier) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.CloseCallCount++
	return nil
}

// Ensure Identifier implements voiceprint.Identifier at compile time.
var _ voiceprint.Identifier = (*Identifier)(nil)
