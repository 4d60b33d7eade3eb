// Package silero implements vad.Engine against a remote Silero scoring
// service. The service keeps per-session model state; the client sends raw
// PCM chunks and receives a speech probability back.
package silero

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/echobridge/echobridge/pkg/provider/vad"
)

// Engine creates remote scoring sessions.
type Engine struct {
	baseURL string
	client  *http.Client
}

// New creates an Engine for the scoring service at baseURL and verifies the
// service is reachable.
func New(baseURL string) (*Engine, error) {
	e := &Engine{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
	if err := e.healthCheck(); err != nil {
		return nil, fmt.Errorf("silero: health check: %w", err)
	}
	return e, nil
}

func (e *Engine) healthCheck() error {
	resp, err := e.client.Get(e.baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// NewSession implements vad.Engine. Each session gets a random id so the
// service keeps separate model state per connection.
func (e *Engine) NewSession(cfg vad.Config) (vad.Session, error) {
	idBytes := make([]byte, 16)
	if _, err := rand.Read(idBytes); err != nil {
		return nil, fmt.Errorf("silero: session id: %w", err)
	}
	return &session{
		engine:    e,
		sessionID: hex.EncodeToString(idBytes),
		cfg:       cfg,
	}, nil
}

var _ vad.Engine = (*Engine)(nil)

type session struct {
	engine    *Engine
	sessionID string
	cfg       vad.Config
}

type scoreRequest struct {
	SessionID  string  `json:"session_id"`
	Audio      string  `json:"audio"`
	SampleRate int     `json:"sample_rate"`
	Threshold  float64 `json:"threshold"`
}

type scoreResponse struct {
	SpeechProb float64 `json:"speech_prob"`
	Error      string  `json:"error,omitempty"`
}

// Score submits one PCM chunk for scoring.
func (s *session) Score(ctx context.Context, chunk []byte) (float64, error) {
	body, err := json.Marshal(scoreRequest{
		SessionID:  s.sessionID,
		Audio:      base64.StdEncoding.EncodeToString(chunk),
		SampleRate: s.cfg.SampleRate,
		Threshold:  s.cfg.Threshold,
	})
	if err != nil {
		return 0, fmt.Errorf("silero: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.engine.baseURL+"/score", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("silero: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.engine.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("silero: score request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("silero: score request: status %d", resp.StatusCode)
	}

	var out scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("silero: decode response: %w", err)
	}
	if out.Error != "" {
		return 0, fmt.Errorf("silero: service error: %s", out.Error)
	}
	return out.SpeechProb, nil
}

// Reset drops the remote session state. Errors are ignored; the service
// also expires idle sessions on its own.
func (s *session) Reset() {
	req, err := http.NewRequest(http.MethodDelete, s.engine.baseURL+"/session/"+s.sessionID, nil)
	if err != nil {
		return
	}
	if resp, err := s.engine.client.Do(req); err == nil {
		resp.Body.Close()
	}
}

func (s *session) Close() error {
	s.Reset()
	return nil
}

var _ vad.Session = (*session)(nil)
