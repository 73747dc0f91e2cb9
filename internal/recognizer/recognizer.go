// Package recognizer defines the speech-recognition engine capability surface
// consumed by the query controller.
//
// The engine is a collaborator, not something the controller owns: the
// controller never maintains independent listening state, it only queries
// [Engine.Listening] and reflects the answer into the UI indicator. Live
// transcript fragments are delivered on a single event channel rather than
// through callbacks, so the consuming run loop stays the sole reader.
//
// Implementations are provided by subpackages: whisper (HTTP whisper.cpp
// server and native CGO bindings) and mock (test double).
package recognizer

// Engine is the capability surface of a speech-recognition backend.
//
// Implementations must be safe for concurrent use. Start and Abort may be
// called repeatedly over an engine's lifetime; only Close is terminal.
type Engine interface {
	// SetLanguage sets the BCP-47 language code used for recognition
	// (e.g., "en", "de"). It may be called before or between listening
	// sessions; implementations that cannot change language mid-session
	// apply it on the next Start.
	SetLanguage(lang string) error

	// Start begins listening. When continuous is true the engine keeps
	// emitting fragments until Abort is called; otherwise it stops itself
	// after the first emitted fragment. When autoRestart is true the engine
	// recovers from transient backend failures by resuming recognition
	// instead of going idle.
	//
	// Calling Start while already listening is a no-op.
	Start(continuous, autoRestart bool) error

	// Abort stops listening and discards any buffered, not-yet-transcribed
	// audio. The engine remains usable; Start may be called again.
	// Calling Abort while idle is a no-op.
	Abort() error

	// Listening reports whether the engine is currently listening. This is
	// the single source of truth for the UI indicator.
	Listening() bool

	// SendAudio delivers a chunk of raw 16-bit little-endian PCM audio.
	// Audio received while the engine is not listening is discarded.
	SendAudio(chunk []byte) error

	// Fragments returns the channel on which the engine publishes live
	// transcript fragments, one string per recognized utterance. The channel
	// is closed by Close.
	Fragments() <-chan string

	// Close releases all engine resources and closes the Fragments channel.
	// It is safe to call multiple times; subsequent calls return nil.
	Close() error
}
