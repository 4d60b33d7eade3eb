// Package local provides an in-process implementation of [memory.Store].
//
// Memories live in a slice guarded by a mutex; Digest ranks them by token
// overlap with the query, falling back to recency. It exists for
// deployments without Postgres and as a degraded-mode fallback, so it
// deliberately avoids the embeddings provider.
package local

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/echobridge/echobridge/pkg/memory"
	"github.com/echobridge/echobridge/pkg/provider/llm"
	"github.com/echobridge/echobridge/pkg/types"
)

const (
	defaultDigestTopK = 5
	defaultMaxRecords = 100
)

// Store implements [memory.Store] in process memory.
type Store struct {
	deviceID string
	model    llm.Provider
	topK     int
	max      int

	mu      sync.Mutex
	records []memory.Record
}

// Option is a functional option for Store.
type Option func(*Store)

// WithDigestTopK sets how many memories a Digest call retrieves. Default: 5.
func WithDigestTopK(k int) Option {
	return func(s *Store) { s.topK = k }
}

// WithMaxRecords caps stored memories; the oldest are evicted first.
// Default: 100.
func WithMaxRecords(n int) Option {
	return func(s *Store) { s.max = n }
}

// New returns an empty in-process store for one device. The LLM provider
// performs the end-of-session summarization.
func New(deviceID string, model llm.Provider, opts ...Option) *Store {
	s := &Store{
		deviceID: deviceID,
		model:    model,
		topK:     defaultDigestTopK,
		max:      defaultMaxRecords,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// AddExchange implements [memory.Store].
func (s *Store) AddExchange(_ context.Context, userText, assistantText, speakerID string) error {
	content := strings.TrimSpace("User: " + userText + "\nAssistant: " + assistantText)
	s.append(content, speakerID)
	return nil
}

// Digest implements [memory.Store]. Relevance is the fraction of query
// tokens present in the record; ties break toward newer records.
func (s *Store) Digest(_ context.Context, query string) (string, error) {
	queryTokens := tokens(query)
	if len(queryTokens) == 0 {
		return "", nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	type scored struct {
		rec   memory.Record
		score float64
	}
	ranked := make([]scored, 0, len(s.records))
	for _, rec := range s.records {
		if score := overlap(queryTokens, tokens(rec.Content)); score > 0 {
			ranked = append(ranked, scored{rec: rec, score: score})
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].rec.CreatedAt.After(ranked[j].rec.CreatedAt)
	})
	if len(ranked) > s.topK {
		ranked = ranked[:s.topK]
	}

	var b strings.Builder
	for _, r := range ranked {
		b.WriteString("[" + r.rec.CreatedAt.Format("2006-01-02") + "] " + r.rec.Content + "\n")
	}
	return strings.TrimSpace(b.String()), nil
}

// Summarize implements [memory.Store].
func (s *Store) Summarize(ctx context.Context, history []types.Message) error {
	note, err := memory.SummarizeHistory(ctx, s.model, history)
	if err != nil {
		return err
	}
	if note == "" {
		return nil
	}
	s.append(note, "")
	return nil
}

// LastSeenSpeaker implements [memory.Store].
func (s *Store) LastSeenSpeaker(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].SpeakerID != "" {
			return s.records[i].SpeakerID, nil
		}
	}
	return "", nil
}

// Close implements [memory.Store].
func (s *Store) Close() error { return nil }

func (s *Store) append(content, speakerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, memory.Record{
		ID:        memory.NewID(),
		DeviceID:  s.deviceID,
		SpeakerID: speakerID,
		Content:   content,
		CreatedAt: time.Now(),
	})
	if len(s.records) > s.max {
		s.records = s.records[len(s.records)-s.max:]
	}
}

// tokens lowercases and splits on spaces and CJK rune boundaries so Chinese
// text still produces useful overlap scores.
func tokens(s string) map[string]struct{} {
	out := map[string]struct{}{}
	var word []rune
	flush := func() {
		if len(word) > 0 {
			out[strings.ToLower(string(word))] = struct{}{}
			word = word[:0]
		}
	}
	for _, r := range s {
		switch {
		case r >= 0x4E00 && r <= 0x9FFF:
			flush()
			out[string(r)] = struct{}{}
		case r == ' ' || r == '\n' || r == '\t' || strings.ContainsRune("，。？！；：.,?!;:", r):
			flush()
		default:
			word = append(word, r)
		}
	}
	flush()
	return out
}

func overlap(query, doc map[string]struct{}) float64 {
	if len(query) == 0 {
		return 0
	}
	hits := 0
	for t := range query {
		if _, ok := doc[t]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}

var _ memory.Store = (*Store)(nil)
