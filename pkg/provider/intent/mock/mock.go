// Package mock provides a test double for the intent package interfaces.
package mock

import (
	"context"
	"sync"

	"github.com/echobridge/echobridge/pkg/provider/intent"
)

// Recognizer is a mock implementation of intent.Recognizer.
type Recognizer struct {
	mu sync.Mutex

	// Result is returned by every Recognize call.
	Result intent.Result

	// RecognizeErr, if non-nil, is returned by every Recognize call.
	RecognizeErr error

	// RecognizeCalls records the text of every Recognize call.
	RecognizeCalls []string
}

// Recognize records the call and returns Result, RecognizeErr.
func (r *Recognizer) Recognize(_ context.Context, text string) (intent.Result, error) {
	r.mu.Lock()
	r.RecognizeCalls = append(r.RecognizeCalls, text)
	r.mu.Unlock()
	if r.RecognizeErr != nil {
		return intent.Result{}, r.RecognizeErr
	}
	return r.Result, nil
}

// Ensure Recognizer implements intent.Recognizer at compile time.
var _ intent.Recognizer = (*Recognizer)(nil)
