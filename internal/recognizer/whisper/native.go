// This file contains the native engine constructor backed by the whisper.cpp
// CGO bindings. The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH environment variables.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// NewNative creates an Engine that runs whisper.cpp inference in-process via
// the CGO bindings, eliminating HTTP overhead entirely. The model is loaded
// once at construction and released by Close. modelPath must be non-empty.
//
// Segmentation behaviour (silence detection, buffering, continuous and
// autoRestart semantics) is identical to the HTTP engine; only the inference
// call differs.
func NewNative(modelPath string, opts ...Option) (*Engine, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	e := &Engine{
		language:            defaultLanguage,
		sampleRate:          defaultSampleRate,
		channels:            defaultChannels,
		silenceThresholdMs:  defaultSilenceThresholdMs,
		maxBufferDurationMs: defaultMaxBufferDurationMs,

		audioCh:   make(chan []byte, 256),
		fragments: make(chan string, 64),
		ctrl:      make(chan ctrlMsg, 8),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	e.transcribe = func(_ context.Context, pcm []byte, language string) (string, error) {
		return inferNative(model, pcm, e.channels, language)
	}
	e.closeBackend = model.Close

	e.wg.Add(1)
	go e.loop()
	return e, nil
}

// inferNative converts the buffered PCM audio to float32 mono, runs
// whisper.cpp inference using a fresh context, and returns the concatenated
// segment text.
//
// Each whisper context is NOT thread-safe, but the model can be shared, so a
// new context is created per utterance.
func inferNative(model whisperlib.Model, pcm []byte, channels int, language string) (string, error) {
	samples := pcmToFloat32Mono(pcm, channels)

	wctx, err := model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}

	if err := wctx.SetLanguage(language); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", language, "err", err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}

	return strings.Join(parts, " "), nil
}

// pcmToFloat32Mono converts 16-bit signed little-endian PCM bytes to the
// float32 mono samples in [-1, 1] that whisper.cpp expects. Multi-channel
// input is downmixed by averaging interleaved samples.
func pcmToFloat32Mono(pcm []byte, channels int) []float32 {
	if channels <= 0 {
		channels = 1
	}
	n := len(pcm) / 2
	frames := n / channels
	out := make([]float32, frames)
	for f := 0; f < frames; f++ {
		var sum float32
		for c := 0; c < channels; c++ {
			i := (f*channels + c) * 2
			sample := int16(uint16(pcm[i]) | uint16(pcm[i+1])<<8)
			sum += float32(sample) / 32768.0
		}
		out[f] = sum / float32(channels)
	}
	return out
}
