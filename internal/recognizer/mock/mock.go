// Package mock provides a test double for the recognizer.Engine interface.
//
// Use Emit to feed controlled transcript fragments and the recorded call
// slices to assert how the controller drives the engine:
//
//	eng := mock.New()
//	eng.SetListening(true)
//	eng.Emit("turn on the lights")
//	if eng.AbortCalls() != 1 { ... }
package mock

import (
	"sync"

	"voxquery/internal/recognizer"
)

// Ensure Engine implements recognizer.Engine at compile time.
var _ recognizer.Engine = (*Engine)(nil)

// StartCall records a single invocation of Engine.Start.
type StartCall struct {
	Continuous  bool
	AutoRestart bool
}

// Engine is a mock implementation of recognizer.Engine.
type Engine struct {
	mu        sync.Mutex
	listening bool
	language  string
	closed    bool

	startCalls []StartCall
	abortCalls int
	audio      [][]byte

	// StartErr, if non-nil, is returned from Start.
	StartErr error

	// AbortErr, if non-nil, is returned from Abort.
	AbortErr error

	fragments chan string
}

// New creates a mock engine with a buffered fragment channel.
func New() *Engine {
	return &Engine{fragments: make(chan string, 16)}
}

// SetLanguage records the language.
func (e *Engine) SetLanguage(lang string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.language = lang
	return nil
}

// Language returns the last language set via SetLanguage.
func (e *Engine) Language() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.language
}

// Start records the call and flips the listening state unless StartErr is set.
func (e *Engine) Start(continuous, autoRestart bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.startCalls = append(e.startCalls, StartCall{Continuous: continuous, AutoRestart: autoRestart})
	if e.StartErr != nil {
		return e.StartErr
	}
	e.listening = true
	return nil
}

// Abort records the call and flips the listening state unless AbortErr is set.
func (e *Engine) Abort() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.abortCalls++
	if e.AbortErr != nil {
		return e.AbortErr
	}
	e.listening = false
	return nil
}

// Listening reports the current mock listening state.
func (e *Engine) Listening() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.listening
}

// SetListening overrides the listening state directly, bypassing Start/Abort.
func (e *Engine) SetListening(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listening = v
}

// SendAudio records a copy of the chunk.
func (e *Engine) SendAudio(chunk []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := make([]byte, len(chunk))
	copy(c, chunk)
	e.audio = append(e.audio, c)
	return nil
}

// Fragments returns the fragment channel. Feed it with Emit.
func (e *Engine) Fragments() <-chan string { return e.fragments }

// Emit publishes a transcript fragment to the Fragments channel.
func (e *Engine) Emit(text string) {
	e.fragments <- text
}

// Close closes the fragment channel. Safe to call multiple times.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.fragments)
	}
	return nil
}

// StartCalls returns a copy of all recorded Start invocations.
func (e *Engine) StartCalls() []StartCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]StartCall, len(e.startCalls))
	copy(out, e.startCalls)
	return out
}

// AbortCalls returns the number of recorded Abort invocations.
func (e *Engine) AbortCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.abortCalls
}

// AudioChunks returns copies of all chunks delivered via SendAudio.
func (e *Engine) AudioChunks() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([][]byte, len(e.audio))
	copy(out, e.audio)
	return out
}
