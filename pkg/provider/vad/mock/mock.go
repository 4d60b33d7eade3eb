// Package mock provides test doubles for the vad package interfaces.
//
// Use Engine to verify that sessions are created with the expected Config.
// Use Session to script probability sequences and inspect the chunks that
// were submitted for scoring.
package mock

import (
	"context"
	"sync"

	"github.com/echobridge/echobridge/pkg/provider/vad"
)

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Session is returned by NewSession. If nil, NewSession returns a new
	// default Session.
	Session vad.Session

	// NewSessionErr, if non-nil, is returned as the error from NewSession.
	NewSessionErr error

	// NewSessionCalls records the Config of every NewSession call in order.
	NewSessionCalls []vad.Config
}

// NewSession records the call and returns Session, NewSessionErr.
func (e *Engine) NewSession(cfg vad.Config) (vad.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = append(e.NewSessionCalls, cfg)
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{}, nil
}

// Ensure Engine implements vad.Engine at compile time.
var _ vad.Engine = (*Engine)(nil)

// Session is a mock implementation of vad.Session.
type Session struct {
	mu sync.Mutex

	// Probabilities are returned by successive Score calls. When exhausted,
	// Score returns Probability.
	Probabilities []float64

	// Probability is the fallback result once Probabilities runs out.
	Probability float64

	// ScoreErr, if non-nil, is returned by every Score call.
	ScoreErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// ScoreCalls records a copy of every chunk passed to Score.
	ScoreCalls [][]byte

	// ResetCallCount is the number of times Reset was called.
	ResetCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Score records the call and returns the next scripted probability.
func (s *Session) Score(_ context.Context, chunk []byte) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.ScoreCalls = append(s.ScoreCalls, cp)
	if s.ScoreErr != nil {
		return 0, s.ScoreErr
	}
	if n := len(s.ScoreCalls) - 1; n < len(s.Probabilities) {
		return s.Probabilities[n], nil
	}
	return s.Probability, nil
}

// Reset records the call by incrementing ResetCallCount.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResetCallCount++
}

// Close records the call and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// Ensure Session implements vad.Session at compile time.
var _ vad.Session = (*Session)(nil)
