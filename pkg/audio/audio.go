// Package audio holds the codec and PCM conversion helpers shared by the
// voice gate, the synthesis pool, and the providers.
//
// The device link carries Opus at 16 kHz mono. Uplink packets are 20 ms,
// downlink frames are 60 ms. All PCM in this package is little-endian
// 16-bit mono unless a function says otherwise.
package audio

import (
	"fmt"

	"layeh.com/gopus"
)

const (
	// SampleRate is the device link sample rate in Hz.
	SampleRate = 16000

	// Channels is the device link channel count.
	Channels = 1

	// DownlinkFrameMs is the duration of one downlink opus frame.
	DownlinkFrameMs = 60

	// DownlinkFrameSamples is the sample count of one downlink frame (960).
	DownlinkFrameSamples = SampleRate * DownlinkFrameMs / 1000

	// maxDecodeSamples bounds a single uplink packet decode. Devices send
	// 20 ms packets but some firmware batches up to 60 ms.
	maxDecodeSamples = DownlinkFrameSamples
)

// Decoder decodes device opus packets to PCM. Each connection owns its own
// decoder so codec state survives across consecutive packets.
type Decoder struct {
	dec *gopus.Decoder
}

// NewDecoder creates a decoder for the device link format.
func NewDecoder() (*Decoder, error) {
	dec, err := gopus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &Decoder{dec: dec}, nil
}

// Decode decodes one opus packet into int16 PCM samples.
func (d *Decoder) Decode(packet []byte) ([]int16, error) {
	pcm, err := d.dec.Decode(packet, maxDecodeSamples, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return pcm, nil
}

// Encoder encodes PCM into downlink opus frames.
type Encoder struct {
	enc *gopus.Encoder
}

// NewEncoder creates an encoder for the device link format.
func NewEncoder() (*Encoder, error) {
	enc, err := gopus.NewEncoder(SampleRate, Channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus encoder: %w", err)
	}
	return &Encoder{enc: enc}, nil
}

// Encode encodes exactly one 60 ms frame of PCM bytes into an opus packet.
func (e *Encoder) Encode(pcmBytes []byte) ([]byte, error) {
	pcm := BytesToInt16s(pcmBytes)
	if len(pcm) != DownlinkFrameSamples {
		return nil, fmt.Errorf("audio: opus encode: got %d samples, want %d", len(pcm), DownlinkFrameSamples)
	}
	packet, err := e.enc.Encode(pcm, DownlinkFrameSamples, len(pcmBytes))
	if err != nil {
		return nil, fmt.Errorf("audio: opus encode: %w", err)
	}
	return packet, nil
}

// EncodeFrames splits PCM bytes into 60 ms frames and encodes each one.
// The tail is zero-padded to a full frame so no audio is dropped.
func (e *Encoder) EncodeFrames(pcmBytes []byte) ([][]byte, error) {
	frameBytes := DownlinkFrameSamples * 2
	var frames [][]byte
	for off := 0; off < len(pcmBytes); off += frameBytes {
		end := off + frameBytes
		chunk := pcmBytes[off:min(end, len(pcmBytes))]
		if len(chunk) < frameBytes {
			padded := make([]byte, frameBytes)
			copy(padded, chunk)
			chunk = padded
		}
		packet, err := e.Encode(chunk)
		if err != nil {
			return nil, err
		}
		frames = append(frames, packet)
	}
	return frames, nil
}

// Int16sToBytes converts int16 PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to int16 PCM samples.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
