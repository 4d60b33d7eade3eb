package audio

import (
	"bytes"
	"fmt"
	"io"

	mp3 "github.com/hajimehoshi/go-mp3"
)

// DecodeMP3 decodes an MP3 stream into 16 kHz mono 16-bit PCM, the device
// link format. The decoder always yields interleaved stereo, so the output
// is downmixed before resampling.
func DecodeMP3(data []byte) ([]byte, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("audio: mp3 decode: %w", err)
	}

	var pcm bytes.Buffer
	if _, err := io.Copy(&pcm, dec); err != nil {
		return nil, fmt.Errorf("audio: mp3 read: %w", err)
	}

	mono := StereoToMono(pcm.Bytes())
	return ResampleMono16(mono, dec.SampleRate(), SampleRate), nil
}
