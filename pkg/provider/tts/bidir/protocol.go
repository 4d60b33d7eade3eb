// Package bidir implements tts.Synthesizer over a bidirectional streaming
// synthesis service speaking the binary event protocol.
//
// Every frame starts with a 4-byte header of packed nibbles, followed by a
// big-endian int32 event code, optional length-prefixed session id, and a
// length-prefixed payload. The framing must stay bit-exact with the service;
// protocol.go is the single place that encodes or decodes it.
package bidir

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Header nibble values.
const (
	protocolVersion = 0b0001
	headerSizeWords = 0b0001 // header length in 4-byte words

	serializationJSON = 0b0001
	compressionNone   = 0b0000
)

// Message types (high nibble of byte 1).
const (
	MsgFullClientRequest  = 0b0001
	MsgFullServerResponse = 0b1001
	MsgAudioOnlyResponse  = 0b1011
	MsgErrorInformation   = 0b1111
)

// Message flags (low nibble of byte 1).
const (
	FlagWithEvent = 0b100
)

// Event codes.
const (
	EventNone               = 0
	EventStartConnection    = 1
	EventFinishConnection   = 2
	EventConnectionStarted  = 50
	EventConnectionFailed   = 51
	EventConnectionFinished = 52
	EventStartSession       = 100
	EventFinishSession      = 102
	EventSessionStarted     = 150
	EventSessionFinished    = 152
	EventSessionFailed      = 153
	EventTaskRequest        = 200
	EventSentenceStart      = 350
	EventSentenceEnd        = 351
	EventTTSResponse        = 352
)

// Frame is one decoded protocol frame.
type Frame struct {
	// Type is one of the Msg* message types.
	Type byte

	// Flags is the low nibble of the type byte.
	Flags byte

	// Event is the event code; valid when Flags has FlagWithEvent set.
	Event int32

	// SessionID is present on session-scoped frames.
	SessionID string

	// ConnectionID is present on ConnectionStarted frames.
	ConnectionID string

	// Meta is the response metadata JSON on connection/session status frames.
	Meta string

	// Payload is the frame body: JSON for server responses, raw audio for
	// audio-only responses.
	Payload []byte

	// ErrorCode is set on error information frames.
	ErrorCode int32
}

// header builds the fixed 4-byte frame header.
func header(msgType byte) [4]byte {
	return [4]byte{
		protocolVersion<<4 | headerSizeWords,
		msgType<<4 | FlagWithEvent,
		serializationJSON<<4 | compressionNone,
		0,
	}
}

// appendInt32 appends v big-endian.
func appendInt32(b []byte, v int32) []byte {
	return binary.BigEndian.AppendUint32(b, uint32(v))
}

// appendPrefixed appends a big-endian length prefix followed by data.
func appendPrefixed(b, data []byte) []byte {
	b = appendInt32(b, int32(len(data)))
	return append(b, data...)
}

// MarshalClientFrame encodes a client request frame. sessionID is included
// only for session-scoped events (StartSession and above); payload is always
// length-prefixed, so a nil payload encodes as length zero.
func MarshalClientFrame(event int32, sessionID string, payload []byte) []byte {
	h := header(MsgFullClientRequest)
	out := append([]byte{}, h[:]...)
	out = appendInt32(out, event)
	if sessionScoped(event) {
		out = appendPrefixed(out, []byte(sessionID))
	}
	return appendPrefixed(out, payload)
}

// sessionScoped reports whether a client event carries a session id.
func sessionScoped(event int32) bool {
	switch event {
	case EventStartSession, EventFinishSession, EventTaskRequest:
		return true
	}
	return false
}

// requestPayload is the JSON body of client frames.
type requestPayload struct {
	User      struct {
		UID string `json:"uid"`
	} `json:"user"`
	Event     int32  `json:"event"`
	Namespace string `json:"namespace"`
	ReqParams struct {
		Text        string `json:"text"`
		Speaker     string `json:"speaker"`
		AudioParams struct {
			Format     string `json:"format"`
			SampleRate int    `json:"sample_rate"`
		} `json:"audio_params"`
	} `json:"req_params"`
}

// buildPayload renders the standard request JSON.
func buildPayload(uid string, event int32, text, speaker string) []byte {
	var p requestPayload
	p.User.UID = uid
	p.Event = event
	p.Namespace = "BidirectionalTTS"
	p.ReqParams.Text = text
	p.ReqParams.Speaker = speaker
	p.ReqParams.AudioParams.Format = "mp3"
	p.ReqParams.AudioParams.SampleRate = 24000
	out, _ := json.Marshal(p)
	return out
}

// UnmarshalServerFrame decodes a server frame.
func UnmarshalServerFrame(data []byte) (Frame, error) {
	if len(data) < 4 {
		return Frame{}, fmt.Errorf("bidir: frame too short: %d bytes", len(data))
	}
	f := Frame{
		Type:  data[1] >> 4,
		Flags: data[1] & 0x0f,
	}
	headerSize := int(data[0]&0x0f) * 4
	if len(data) < headerSize {
		return Frame{}, fmt.Errorf("bidir: header size %d exceeds frame", headerSize)
	}
	offset := headerSize

	switch f.Type {
	case MsgFullServerResponse, MsgAudioOnlyResponse:
		if f.Flags&FlagWithEvent == 0 {
			return f, nil
		}
		var err error
		if f.Event, offset, err = readInt32(data, offset); err != nil {
			return Frame{}, err
		}
		switch f.Event {
		case EventNone:
			return f, nil
		case EventConnectionStarted:
			f.ConnectionID, offset, err = readString(data, offset)
		case EventConnectionFailed:
			f.Meta, offset, err = readString(data, offset)
		case EventSessionStarted, EventSessionFailed, EventSessionFinished:
			if f.SessionID, offset, err = readString(data, offset); err != nil {
				return Frame{}, err
			}
			f.Meta, offset, err = readString(data, offset)
		default:
			if f.SessionID, offset, err = readString(data, offset); err != nil {
				return Frame{}, err
			}
			f.Payload, offset, err = readBytes(data, offset)
		}
		if err != nil {
			return Frame{}, err
		}

	case MsgErrorInformation:
		var err error
		if f.ErrorCode, offset, err = readInt32(data, offset); err != nil {
			return Frame{}, err
		}
		if f.Payload, offset, err = readBytes(data, offset); err != nil {
			return Frame{}, err
		}
	}
	return f, nil
}

func readInt32(data []byte, offset int) (int32, int, error) {
	if len(data) < offset+4 {
		return 0, 0, fmt.Errorf("bidir: truncated int32 at offset %d", offset)
	}
	return int32(binary.BigEndian.Uint32(data[offset:])), offset + 4, nil
}

func readBytes(data []byte, offset int) ([]byte, int, error) {
	n, offset, err := readInt32(data, offset)
	if err != nil {
		return nil, 0, err
	}
	if n < 0 || len(data) < offset+int(n) {
		return nil, 0, fmt.Errorf("bidir: truncated field of %d bytes at offset %d", n, offset)
	}
	return data[offset : offset+int(n)], offset + int(n), nil
}

func readString(data []byte, offset int) (string, int, error) {
	b, offset, err := readBytes(data, offset)
	return string(b), offset, err
}
