// Package funasr implements asr.Provider against a FunASR-style websocket
// recognition server in offline (whole utterance) mode.
package funasr

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/echobridge/echobridge/pkg/provider/asr"
)

// Provider dials the recognition server once per utterance. The server
// protocol is one JSON start frame, binary PCM chunks, a JSON end frame,
// then a JSON result.
type Provider struct {
	url       string
	chunkSize int
	timeout   time.Duration
}

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithChunkSize sets the PCM bytes sent per binary frame. Defaults to 9600
// (300 ms at 16 kHz).
func WithChunkSize(n int) Option {
	return func(p *Provider) { p.chunkSize = n }
}

// WithTimeout bounds a whole Transcribe round trip. Defaults to 10 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.timeout = d }
}

// New creates a Provider for the server at url (ws:// or wss://).
func New(url string, opts ...Option) *Provider {
	p := &Provider{
		url:       url,
		chunkSize: 9600,
		timeout:   10 * time.Second,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

type startFrame struct {
	Mode       string `json:"mode"`
	WavName    string `json:"wav_name"`
	WavFormat  string `json:"wav_format"`
	IsSpeaking bool   `json:"is_speaking"`
	SampleRate int    `json:"audio_fs"`
	ITN        bool   `json:"itn"`
}

type endFrame struct {
	IsSpeaking bool `json:"is_speaking"`
}

type resultFrame struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

// Transcribe implements asr.Provider.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte) (asr.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	start := time.Now()

	conn, _, err := websocket.Dial(ctx, p.url, nil)
	if err != nil {
		return asr.Result{}, fmt.Errorf("funasr: dial %s: %w", p.url, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	if err := wsjson.Write(ctx, conn, startFrame{
		Mode:       "offline",
		WavName:    "utterance",
		WavFormat:  "pcm",
		IsSpeaking: true,
		SampleRate: 16000,
		ITN:        true,
	}); err != nil {
		return asr.Result{}, fmt.Errorf("funasr: send start frame: %w", err)
	}

	for off := 0; off < len(pcm); off += p.chunkSize {
		end := min(off+p.chunkSize, len(pcm))
		if err := conn.Write(ctx, websocket.MessageBinary, pcm[off:end]); err != nil {
			return asr.Result{}, fmt.Errorf("funasr: send audio: %w", err)
		}
	}

	if err := wsjson.Write(ctx, conn, endFrame{IsSpeaking: false}); err != nil {
		return asr.Result{}, fmt.Errorf("funasr: send end frame: %w", err)
	}

	// Offline mode answers with a single final result, but some server
	// builds emit intermediate frames first.
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return asr.Result{}, fmt.Errorf("funasr: read result: %w", err)
		}
		var res resultFrame
		if err := json.Unmarshal(data, &res); err != nil {
			return asr.Result{}, fmt.Errorf("funasr: decode result: %w", err)
		}
		if !res.IsFinal {
			continue
		}
		return asr.Result{
			Text: strings.TrimSpace(res.Text),
			Took: time.Since(start),
		}, nil
	}
}

// Compile-time assertion that Provider satisfies asr.Provider.
var _ asr.Provider = (*Provider)(nil)
