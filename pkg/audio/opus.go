package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// Decoder wraps a gopus Opus decoder for a single capture stream. Each
// connected microphone gets its own decoder to maintain decoder state
// correctly across consecutive frames.
type Decoder struct {
	dec *gopus.Decoder
}

// NewDecoder creates an Opus decoder configured for browser capture audio
// (48 kHz stereo, 20 ms frames).
func NewDecoder() (*Decoder, error) {
	dec, err := gopus.NewDecoder(CaptureSampleRate, CaptureChannels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &Decoder{dec: dec}, nil
}

// Decode decodes an Opus packet into interleaved PCM int16 samples and returns
// the result as a byte slice (little-endian int16 pairs) at the capture format.
func (d *Decoder) Decode(opus []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(opus, captureFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return int16sToBytes(pcm), nil
}

// DecodeRecognize decodes an Opus packet and converts the result to the
// recognizer format (16 kHz mono).
func (d *Decoder) DecodeRecognize(opus []byte) ([]byte, error) {
	pcm, err := d.Decode(opus)
	if err != nil {
		return nil, err
	}
	return CaptureToRecognize(pcm), nil
}
