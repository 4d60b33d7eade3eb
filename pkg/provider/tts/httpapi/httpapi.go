// Package httpapi implements tts.Synthesizer against a simple one-shot HTTP
// synthesis endpoint: POST a JSON body, receive MP3 bytes back. Useful for
// self-hosted synthesis servers that do not speak the streaming protocol.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/echobridge/echobridge/pkg/audio"
	"github.com/echobridge/echobridge/pkg/provider/tts"
	"github.com/echobridge/echobridge/pkg/types"
)

// Synthesizer posts one request per segment.
type Synthesizer struct {
	url     string
	apiKey  string
	speaker string
	client  *http.Client
	enc     *audio.Encoder
}

// Option is a functional option for Synthesizer.
type Option func(*Synthesizer)

// WithAPIKey sets a bearer token sent on every request.
func WithAPIKey(key string) Option {
	return func(s *Synthesizer) { s.apiKey = key }
}

// WithSpeaker sets the default speaker used when the voice profile carries
// no speaker id.
func WithSpeaker(speaker string) Option {
	return func(s *Synthesizer) { s.speaker = speaker }
}

// WithTimeout bounds one synthesis request. Defaults to 15 s.
func WithTimeout(d time.Duration) Option {
	return func(s *Synthesizer) { s.client.Timeout = d }
}

// New creates a Synthesizer for the endpoint at url.
func New(url string, opts ...Option) (*Synthesizer, error) {
	enc, err := audio.NewEncoder()
	if err != nil {
		return nil, err
	}
	s := &Synthesizer{
		url:    url,
		client: &http.Client{Timeout: 15 * time.Second},
		enc:    enc,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

type synthesisRequest struct {
	Text       string `json:"text"`
	Speaker    string `json:"speaker,omitempty"`
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`
}

// Synthesize implements tts.Synthesizer.
func (s *Synthesizer) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (tts.Clip, error) {
	if text == "" {
		return tts.Clip{}, nil
	}
	speaker := voice.ID
	if speaker == "" {
		speaker = s.speaker
	}

	body, err := json.Marshal(synthesisRequest{
		Text:       text,
		Speaker:    speaker,
		Format:     "mp3",
		SampleRate: 24000,
	})
	if err != nil {
		return tts.Clip{}, fmt.Errorf("httpapi: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return tts.Clip{}, fmt.Errorf("httpapi: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return tts.Clip{}, fmt.Errorf("httpapi: synthesis request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return tts.Clip{}, fmt.Errorf("httpapi: synthesis request: status %d", resp.StatusCode)
	}

	mp3Data, err := io.ReadAll(resp.Body)
	if err != nil {
		return tts.Clip{}, fmt.Errorf("httpapi: read audio: %w", err)
	}

	pcm, err := audio.DecodeMP3(mp3Data)
	if err != nil {
		return tts.Clip{}, err
	}
	frames, err := s.enc.EncodeFrames(pcm)
	if err != nil {
		return tts.Clip{}, err
	}
	return tts.Clip{Frames: frames}, nil
}

// Close implements tts.Synthesizer.
func (s *Synthesizer) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// Compile-time assertion that Synthesizer satisfies tts.Synthesizer.
var _ tts.Synthesizer = (*Synthesizer)(nil)
