// Package mock provides a test double for the memory package interfaces.
package mock

import (
	"context"
	"sync"

	"github.com/echobridge/echobridge/pkg/memory"
	"github.com/echobridge/echobridge/pkg/types"
)

// Exchange records one AddExchange call.
type Exchange struct {
	UserText      string
	AssistantText string
	SpeakerID     string
}

// Store is a mock implementation of memory.Store.
type Store struct {
	mu sync.Mutex

	// DigestText is returned by every Digest call.
	DigestText string

	// DigestErr, if non-nil, is returned by every Digest call.
	DigestErr error

	// AddErr, if non-nil, is returned by every AddExchange call.
	AddErr error

	// SummarizeErr, if non-nil, is returned by every Summarize call.
	SummarizeErr error

	// Speaker is returned by LastSeenSpeaker.
	Speaker string

	// Exchanges records every AddExchange call.
	Exchanges []Exchange

	// DigestCalls records the query of every Digest call.
	DigestCalls []string

	// SummarizeCalls records the history of every Summarize call.
	SummarizeCalls [][]types.Message

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// AddExchange records the call and returns AddErr.
func (s *Store) AddExchange(_ context.Context, userText, assistantText, speakerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Exchanges = append(s.Exchanges, Exchange{UserText: userText, AssistantText: assistantText, SpeakerID: speakerID})
	return s.AddErr
}

// Digest records the call and returns DigestText, DigestErr.
func (s *Store) Digest(_ context.Context, query string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DigestCalls = append(s.DigestCalls, query)
	if s.DigestErr != nil {
		return "", s.DigestErr
	}
	return s.DigestText, nil
}

// Summarize records the call and returns SummarizeErr.
func (s *Store) Summarize(_ context.Context, history []types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SummarizeCalls = append(s.SummarizeCalls, history)
	return s.SummarizeErr
}

// LastSeenSpeaker returns Speaker.
func (s *Store) LastSeenSpeaker(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Speaker, nil
}

// Close records the call.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return nil
}

// Ensure Store implements memory.Store at compile time.
var _ memory.Store = (*Store)(nil)
