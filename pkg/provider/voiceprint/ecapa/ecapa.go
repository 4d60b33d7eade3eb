// Package ecapa implements voiceprint.Identifier against a remote speaker
// embedding service (an ECAPA-TDNN model behind a small HTTP API). The
// service maps an utterance to a fixed-length vector; enrollment and cosine
// matching happen client-side so the service stays stateless.
package ecapa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/echobridge/echobridge/pkg/provider/voiceprint"
	"github.com/echobridge/echobridge/pkg/types"
)

// embedder maps PCM to a speaker embedding vector. Split out so tests can
// exercise matching without a live service.
type embedder interface {
	embed(ctx context.Context, pcm []byte) ([]float32, error)
}

// Identifier matches utterances against enrolled speaker prints.
type Identifier struct {
	embedder  embedder
	store     *Store
	threshold float64
	logger    *slog.Logger

	mu       sync.Mutex
	prints   map[string][]float32
	enrolled int
	current  string
	since    time.Time
}

// Option is a functional option for Identifier.
type Option func(*Identifier)

// WithThreshold sets the cosine similarity cutoff for a positive match.
// Defaults to 0.85.
func WithThreshold(t float64) Option {
	return func(i *Identifier) { i.threshold = t }
}

// WithLogger sets the identifier logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(i *Identifier) { i.logger = l }
}

// New creates an Identifier against the embedding service at serviceURL,
// loading previously enrolled prints from storeDir.
func New(serviceURL, storeDir string, opts ...Option) (*Identifier, error) {
	store, err := OpenStore(storeDir)
	if err != nil {
		return nil, fmt.Errorf("ecapa: open store: %w", err)
	}
	prints, err := store.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("ecapa: load prints: %w", err)
	}

	i := &Identifier{
		embedder:  &httpEmbedder{url: serviceURL, client: &http.Client{Timeout: 5 * time.Second}},
		store:     store,
		threshold: 0.85,
		logger:    slog.Default(),
		prints:    prints,
		enrolled:  len(prints),
	}
	for _, o := range opts {
		o(i)
	}
	return i, nil
}

// Identify implements voiceprint.Identifier. An utterance below the match
// threshold enrolls a new speaker so repeat visitors are recognized later.
func (i *Identifier) Identify(ctx context.Context, pcm []byte) (types.SpeakerMatch, error) {
	vec, err := i.embedder.embed(ctx, pcm)
	if err != nil {
		return types.SpeakerMatch{}, fmt.Errorf("ecapa: embed utterance: %w", err)
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	bestName, bestScore := "", 0.0
	for name, print := range i.prints {
		if s := cosine(vec, print); s > bestScore {
			bestName, bestScore = name, s
		}
	}

	if bestScore < i.threshold {
		bestName = fmt.Sprintf("speaker_%d", i.enrolled)
		i.enrolled++
		i.prints[bestName] = vec
		if err := i.store.Save(bestName, vec); err != nil {
			i.logger.Warn("failed to persist new voiceprint", "speaker", bestName, "error", err)
		}
		i.logger.Info("enrolled new speaker", "speaker", bestName, "best_score", bestScore)
		bestScore = 1.0
	}

	i.trackTime(bestName)
	return types.SpeakerMatch{Name: bestName, Score: bestScore}, nil
}

// trackTime accumulates speaking time per speaker. Caller holds the lock.
func (i *Identifier) trackTime(name string) {
	now := time.Now()
	if i.current != "" && i.current != name {
		i.store.AddSpeakingTime(i.current, now.Sub(i.since))
	}
	if i.current != name {
		i.current = name
		i.since = now
	}
}

// Close implements voiceprint.Identifier.
func (i *Identifier) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.current != "" {
		i.store.AddSpeakingTime(i.current, time.Since(i.since))
		i.current = ""
	}
	return i.store.Flush()
}

// cosine returns the cosine similarity of two vectors, 0 when either has no
// magnitude or lengths differ.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for k := range a {
		dot += float64(a[k]) * float64(b[k])
		na += float64(a[k]) * float64(a[k])
		nb += float64(b[k]) * float64(b[k])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// httpEmbedder posts PCM to the embedding service.
type httpEmbedder struct {
	url    string
	client *http.Client
}

type embedRequest struct {
	Audio      string `json:"audio"`
	SampleRate int    `json:"sample_rate"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
	Error     string    `json:"error,omitempty"`
}

func (e *httpEmbedder) embed(ctx context.Context, pcm []byte) ([]float32, error) {
	body, err := json.Marshal(embedRequest{
		Audio:      base64.StdEncoding.EncodeToString(pcm),
		SampleRate: 16000,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("service error: %s", out.Error)
	}
	return out.Embedding, nil
}

// Compile-time assertion that Identifier satisfies voiceprint.Identifier.
var _ voiceprint.Identifier = (*Identifier)(nil)
