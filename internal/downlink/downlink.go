// Package downlink implements the JSON control messages and binary audio
// frames sent to a connected device.
//
// All writes for one connection go through a single Messenger so text and
// audio frames never interleave mid-write. Message shapes follow the device
// protocol: a hello after auth, stt for recognized text, llm for the emotion
// tag, tts state brackets around synthesized audio, and iot for device
// commands.
package downlink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/coder/websocket"
)

// TTS bracket states.
const (
	StateStart         = "start"
	StateSentenceStart = "sentence_start"
	StateSentenceEnd   = "sentence_end"
	StateStop          = "stop"
)

// AudioParams is the downlink audio format advertised in the hello message.
type AudioParams struct {
	Format        string `json:"format"`
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
	FrameDuration int    `json:"frame_duration"`
}

// DefaultAudioParams matches the fixed downlink format: 60 ms opus frames at
// 16 kHz mono.
func DefaultAudioParams() AudioParams {
	return AudioParams{Format: "opus", SampleRate: 16000, Channels: 1, FrameDuration: 60}
}

type helloMessage struct {
	Type        string      `json:"type"`
	Transport   string      `json:"transport"`
	SessionID   string      `json:"session_id"`
	AudioParams AudioParams `json:"audio_params"`
}

type sttMessage struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	SessionID string `json:"session_id"`
}

type llmMessage struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	Emotion   string `json:"emotion"`
	SessionID string `json:"session_id"`
}

type ttsMessage struct {
	Type      string `json:"type"`
	State     string `json:"state"`
	Text      string `json:"text,omitempty"`
	SessionID string `json:"session_id"`
}

type iotMessage struct {
	Type      string         `json:"type"`
	Command   string         `json:"command"`
	Params    map[string]any `json:"params,omitempty"`
	SessionID string         `json:"session_id"`
}

// Transport is the subset of *websocket.Conn the Messenger writes through.
type Transport interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
}

// Messenger serializes all downlink writes for one connection.
type Messenger struct {
	mu        sync.Mutex
	conn      Transport
	sessionID string
}

// NewMessenger wraps conn for the given dialogue session.
func NewMessenger(conn Transport, sessionID string) *Messenger {
	return &Messenger{conn: conn, sessionID: sessionID}
}

// SessionID returns the dialogue session id carried in every message.
func (m *Messenger) SessionID() string { return m.sessionID }

// Hello sends the post-auth hello message with the audio parameters.
func (m *Messenger) Hello(ctx context.Context, params AudioParams) error {
	return m.sendJSON(ctx, helloMessage{
		Type:        "hello",
		Transport:   "websocket",
		SessionID:   m.sessionID,
		AudioParams: params,
	})
}

// STT sends the recognized user text.
func (m *Messenger) STT(ctx context.Context, text string) error {
	return m.sendJSON(ctx, sttMessage{Type: "stt", Text: text, SessionID: m.sessionID})
}

// Emotion sends the llm sentiment tag shown while the reply is generated.
func (m *Messenger) Emotion(ctx context.Context, emoji, emotion string) error {
	return m.sendJSON(ctx, llmMessage{Type: "llm", Text: emoji, Emotion: emotion, SessionID: m.sessionID})
}

// TTSState sends one synthesis bracket message. text is included only for
// sentence_start and sentence_end.
func (m *Messenger) TTSState(ctx context.Context, state, text string) error {
	return m.sendJSON(ctx, ttsMessage{Type: "tts", State: state, Text: text, SessionID: m.sessionID})
}

// IoT sends a device command such as a volume change.
func (m *Messenger) IoT(ctx context.Context, command string, params map[string]any) error {
	return m.sendJSON(ctx, iotMessage{Type: "iot", Command: command, Params: params, SessionID: m.sessionID})
}

// Audio sends one opus frame.
func (m *Messenger) Audio(ctx context.Context, frame []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
		return fmt.Errorf("downlink: write audio frame: %w", err)
	}
	return nil
}

func (m *Messenger) sendJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("downlink: marshal message: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("downlink: write message: %w", err)
	}
	return nil
}
