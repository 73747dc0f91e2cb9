// Package whisper provides recognizer engines backed by whisper.cpp.
//
// The HTTP engine connects to a running whisper-server binary (REST API at
// POST /inference) and simulates live recognition by buffering incoming PCM
// audio, applying an energy-based silence detector to segment utterances,
// and submitting each completed utterance as a batch inference request. Each
// transcribed utterance is emitted as one transcript fragment.
//
// Because whisper.cpp is a batch engine there are no low-latency partials;
// the inactivity debounce downstream of the fragment channel is what turns
// per-utterance fragments into a single submitted query.
//
// Usage:
//
//	eng, err := whisper.New("http://localhost:8080",
//	    whisper.WithLanguage("en"),
//	    whisper.WithSilenceThresholdMs(500),
//	)
//	eng.Start(true, true)
//	eng.SendAudio(pcmChunk)
//	fragment := <-eng.Fragments()
//	eng.Abort()
package whisper

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"voxquery/internal/recognizer"
)

const (
	// bitsPerSample is fixed at 16 for the 16-bit signed little-endian PCM
	// audio that whisper.cpp expects.
	bitsPerSample = 16

	// defaultRMSThreshold is the root-mean-square energy level (in 16-bit PCM
	// units) below which audio is considered silent. The maximum possible
	// value for 16-bit audio is 32 767; 300 corresponds to near-silence.
	defaultRMSThreshold = 300.0

	defaultLanguage            = "en"
	defaultSampleRate          = 16000
	defaultChannels            = 1
	defaultSilenceThresholdMs  = 500
	defaultMaxBufferDurationMs = 10_000

	inferTimeout = 30 * time.Second
)

// Compile-time assertion that Engine implements recognizer.Engine.
var _ recognizer.Engine = (*Engine)(nil)

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "base.en", "small"). When empty the server uses whichever model it
// was started with — this is the default.
func WithModel(model string) Option {
	return func(e *Engine) { e.model = model }
}

// WithLanguage sets the initial BCP-47 language code (e.g., "en", "de").
// Defaults to "en". May be changed later via SetLanguage.
func WithLanguage(lang string) Option {
	return func(e *Engine) { e.language = lang }
}

// WithSampleRate sets the audio sample rate in Hz. This must match the actual
// sample rate of PCM data delivered via SendAudio and is used to calculate
// buffer durations and silence windows. Defaults to 16000.
func WithSampleRate(rate int) Option {
	return func(e *Engine) {
		if rate > 0 {
			e.sampleRate = rate
		}
	}
}

// WithChannels sets the channel count of incoming PCM. Defaults to 1 (mono).
func WithChannels(ch int) Option {
	return func(e *Engine) {
		if ch > 0 {
			e.channels = ch
		}
	}
}

// WithSilenceThresholdMs sets the consecutive-silence duration (in
// milliseconds) that triggers a flush of the accumulated speech buffer to
// whisper.cpp. Shorter values produce more responsive fragments at the cost
// of potentially splitting utterances. Defaults to 500 ms.
func WithSilenceThresholdMs(ms int) Option {
	return func(e *Engine) {
		if ms > 0 {
			e.silenceThresholdMs = ms
		}
	}
}

// WithMaxBufferDurationMs sets the maximum duration of audio (in
// milliseconds) that may accumulate before a flush is forced regardless of
// silence. This prevents unbounded memory growth during continuous speech.
// Defaults to 10 000 ms (10 s).
func WithMaxBufferDurationMs(ms int) Option {
	return func(e *Engine) {
		if ms > 0 {
			e.maxBufferDurationMs = ms
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client. Primarily used in tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(e *Engine) {
		if hc != nil {
			e.httpClient = hc
		}
	}
}

// ctrlKind discriminates control messages consumed by the engine loop.
type ctrlKind int

const (
	ctrlStart ctrlKind = iota
	ctrlAbort
	ctrlSetLanguage
)

type ctrlMsg struct {
	kind        ctrlKind
	continuous  bool
	autoRestart bool
	language    string
}

// Engine implements recognizer.Engine backed by a whisper.cpp HTTP server.
//
// All mutable recognition state (audio buffer, silence accumulation, session
// mode) is confined to a single loop goroutine started in New; the public
// methods communicate with it through channels, so the Engine is safe for
// concurrent use.
type Engine struct {
	serverURL           string
	model               string
	language            string
	sampleRate          int
	channels            int
	silenceThresholdMs  int
	maxBufferDurationMs int
	httpClient          *http.Client

	audioCh   chan []byte
	fragments chan string
	ctrl      chan ctrlMsg

	// transcribe runs batch inference over a completed utterance. Set to the
	// HTTP /inference call by New and to native CGO inference by NewNative.
	transcribe func(ctx context.Context, pcm []byte, language string) (string, error)

	// closeBackend releases backend resources (the native model). May be nil.
	closeBackend func() error

	listening atomic.Bool

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// New creates an Engine that connects to the whisper.cpp HTTP server at
// serverURL (e.g., "http://localhost:8080"). serverURL must be non-empty.
// The engine is idle until Start is called.
func New(serverURL string, opts ...Option) (*Engine, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	e := &Engine{
		serverURL:           strings.TrimRight(serverURL, "/"),
		language:            defaultLanguage,
		sampleRate:          defaultSampleRate,
		channels:            defaultChannels,
		silenceThresholdMs:  defaultSilenceThresholdMs,
		maxBufferDurationMs: defaultMaxBufferDurationMs,
		httpClient:          &http.Client{Timeout: inferTimeout},

		audioCh:   make(chan []byte, 256),
		fragments: make(chan string, 64),
		ctrl:      make(chan ctrlMsg, 8),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	e.transcribe = e.inferHTTP

	e.wg.Add(1)
	go e.loop()
	return e, nil
}

// SetLanguage updates the language code sent with inference requests.
// Takes effect on the next flush.
func (e *Engine) SetLanguage(lang string) error {
	return e.send(ctrlMsg{kind: ctrlSetLanguage, language: lang})
}

// Start begins listening. Calling Start while already listening is a no-op;
// the continuous/autoRestart flags of the original Start remain in force.
func (e *Engine) Start(continuous, autoRestart bool) error {
	return e.send(ctrlMsg{kind: ctrlStart, continuous: continuous, autoRestart: autoRestart})
}

// Abort stops listening and discards any buffered, untranscribed audio.
func (e *Engine) Abort() error {
	return e.send(ctrlMsg{kind: ctrlAbort})
}

// Listening reports whether the engine is currently listening.
func (e *Engine) Listening() bool {
	return e.listening.Load()
}

// SendAudio queues a chunk of raw 16-bit little-endian signed PCM audio for
// silence analysis and buffering. Audio delivered while the engine is not
// listening is discarded by the loop. Calling SendAudio after Close returns
// an error.
func (e *Engine) SendAudio(chunk []byte) error {
	select {
	case <-e.done:
		return errors.New("whisper: engine is closed")
	default:
	}
	select {
	case e.audioCh <- chunk:
		return nil
	case <-e.done:
		return errors.New("whisper: engine is closed")
	}
}

// Fragments returns the channel on which transcribed utterances are
// published. The channel is closed by Close.
func (e *Engine) Fragments() <-chan string { return e.fragments }

// Close shuts the engine down, releases backend resources, and closes the
// Fragments channel. Safe to call multiple times; subsequent calls return nil.
func (e *Engine) Close() error {
	var err error
	e.once.Do(func() {
		close(e.done)
		e.wg.Wait()
		if e.closeBackend != nil {
			err = e.closeBackend()
		}
	})
	return err
}

// send queues a control message for the loop.
func (e *Engine) send(msg ctrlMsg) error {
	select {
	case <-e.done:
		return errors.New("whisper: engine is closed")
	case e.ctrl <- msg:
		return nil
	}
}

// loop is the single goroutine responsible for session mode, silence
// detection, audio buffering, and inference dispatch. Confining all mutable
// state here avoids the need for additional synchronisation.
func (e *Engine) loop() {
	defer e.wg.Done()
	defer close(e.fragments)

	var (
		continuous  bool
		autoRestart bool
		language    = e.language

		buffer    []byte // accumulated PCM for the current utterance
		hadSpeech bool   // true once any high-energy chunk has been buffered
		silenceMs int    // consecutive silence accumulated after speech (ms)
	)

	// bytesPerMs: PCM bytes corresponding to 1 ms of audio.
	bytesPerMs := e.sampleRate * e.channels * (bitsPerSample / 8) / 1000
	if bytesPerMs <= 0 {
		bytesPerMs = 32 // safe fallback (16 kHz, mono, 16-bit → 32 B/ms)
	}
	maxBufferBytes := e.maxBufferDurationMs * bytesPerMs

	reset := func() {
		buffer = nil
		hadSpeech = false
		silenceMs = 0
	}

	stopListening := func() {
		e.listening.Store(false)
		reset()
	}

	// doFlush transcribes the current buffer and emits the result as a
	// fragment. It resets the buffer state regardless of outcome and applies
	// the non-continuous and autoRestart session semantics.
	doFlush := func() {
		if len(buffer) == 0 || !hadSpeech {
			reset()
			return
		}

		pcm := buffer
		reset()

		ctx, cancel := context.WithTimeout(context.Background(), inferTimeout)
		text, err := e.transcribe(ctx, pcm, language)
		cancel()
		if err != nil {
			slog.Warn("whisper: inference failed", "err", err)
			if !autoRestart {
				stopListening()
			}
			return
		}
		if strings.TrimSpace(text) == "" {
			return
		}

		select {
		case e.fragments <- text:
		default:
			// Consumer is not draining; dropping a fragment beats
			// deadlocking the audio path during shutdown.
		}

		if !continuous {
			stopListening()
		}
	}

	for {
		select {
		case <-e.done:
			if e.listening.Load() {
				doFlush()
			}
			e.listening.Store(false)
			return

		case msg := <-e.ctrl:
			switch msg.kind {
			case ctrlStart:
				if !e.listening.Load() {
					continuous = msg.continuous
					autoRestart = msg.autoRestart
					reset()
					e.listening.Store(true)
				}
			case ctrlAbort:
				stopListening()
			case ctrlSetLanguage:
				if msg.language != "" {
					language = msg.language
				}
			}

		case chunk := <-e.audioCh:
			if !e.listening.Load() {
				continue
			}

			rms := computeRMS(chunk)
			chunkMs := chunkDurationMs(chunk, e.sampleRate, e.channels)

			if rms < defaultRMSThreshold {
				// Silent chunk: only relevant once speech has started.
				if hadSpeech {
					silenceMs += chunkMs
					buffer = append(buffer, chunk...)
					if silenceMs >= e.silenceThresholdMs {
						doFlush()
					}
				}
				// Leading silence before any speech is discarded.
			} else {
				hadSpeech = true
				silenceMs = 0
				buffer = append(buffer, chunk...)
				// Force flush if the buffer has grown past the size limit.
				if maxBufferBytes > 0 && len(buffer) >= maxBufferBytes {
					doFlush()
				}
			}
		}
	}
}

// inferHTTP encodes pcm as a WAV file and POSTs it to the whisper.cpp
// /inference endpoint as multipart/form-data. It returns the transcribed text.
func (e *Engine) inferHTTP(ctx context.Context, pcm []byte, language string) (string, error) {
	wav := encodeWAV(pcm, e.sampleRate, e.channels)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return "", fmt.Errorf("whisper: write wav data: %w", err)
	}

	if language != "" {
		if err := mw.WriteField("language", language); err != nil {
			return "", fmt.Errorf("whisper: write language field: %w", err)
		}
	}
	if e.model != "" {
		if err := mw.WriteField("model", e.model); err != nil {
			return "", fmt.Errorf("whisper: write model field: %w", err)
		}
	}

	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.serverURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("whisper: read response body: %w", err)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	return result.Text, nil
}

// ---- helpers ----------------------------------------------------------------

// encodeWAV wraps raw 16-bit signed little-endian PCM data in a standard
// RIFF/WAV container suitable for direct inclusion in a multipart upload.
func encodeWAV(pcm []byte, sampleRate, channels int) []byte {
	bps := bitsPerSample
	byteRate := sampleRate * channels * bps / 8
	blockAlign := channels * bps / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize)) // file size − 8
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)                 // sub-chunk size (PCM)
	binary.LittleEndian.PutUint16(buf[20:22], 1)                  // audio format: PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))   // num channels
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate)) // sample rate
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))   // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign)) // block align
	binary.LittleEndian.PutUint16(buf[34:36], uint16(bps))        // bits per sample

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}

// computeRMS returns the root-mean-square energy of a 16-bit signed
// little-endian PCM buffer. Returns 0 for buffers shorter than one sample.
func computeRMS(pcm []byte) float64 {
	n := len(pcm) / 2 // number of 16-bit samples
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		v := float64(sample)
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// chunkDurationMs returns the duration of a PCM audio chunk in milliseconds,
// based on the sample rate and channel count. Returns 0 for invalid inputs.
func chunkDurationMs(chunk []byte, sampleRate, channels int) int {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	bytesPerSec := sampleRate * channels * (bitsPerSample / 8)
	return len(chunk) * 1000 / bytesPerSec
}
