package server

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"voxquery/internal/controller"
	"voxquery/internal/observe"
	"voxquery/internal/recognizer"
	"voxquery/internal/transcript"
)

// sessionOutBuffer is the per-session outbound message queue capacity. A
// browser that stops reading loses messages rather than stalling the
// controller run loop.
const sessionOutBuffer = 64

// EngineFactory creates a speech-recognition engine for a new session. Each
// session owns its engine so decoder and buffer state never crosses sessions.
// A nil factory produces text-only sessions.
type EngineFactory func() (recognizer.Engine, error)

// SessionConfig holds the dependencies shared by all sessions.
type SessionConfig struct {
	// Backend resolves submitted queries.
	Backend controller.QueryClient

	// NewEngine creates the per-session recognition engine. Optional.
	NewEngine EngineFactory

	// Debounce is the voice inactivity window. Zero keeps the controller
	// default.
	Debounce time.Duration

	// Metrics records session and submission metrics. Optional.
	Metrics *observe.Metrics
}

// Session is one connected UI: its own transcript, controller, and
// recognition engine. It implements [controller.Notifier] to reflect field
// and indicator changes back over the wire.
type Session struct {
	id        string
	startedAt time.Time

	transcript *transcript.Log
	ctrl       *controller.Controller
	engine     recognizer.Engine

	out  chan outboundMessage
	done chan struct{}

	unsubscribe func()
	pumpWg      sync.WaitGroup
	closeOnce   sync.Once

	mu    sync.Mutex
	field string
}

// ID returns the session's unique identifier. The audio socket uses it to
// bind a microphone stream to this session.
func (s *Session) ID() string { return s.id }

// Out returns the outbound message queue consumed by the session socket's
// writer.
func (s *Session) Out() <-chan outboundMessage { return s.out }

// Input delivers a manual edit of the session's text field.
func (s *Session) Input(text string) { s.ctrl.Input(text) }

// Send submits the current field immediately.
func (s *Session) Send() { s.ctrl.Send() }

// Toggle flips the listening state.
func (s *Session) Toggle() { s.ctrl.Toggle() }

// SendAudio forwards recognizer-format PCM to the session's engine. Audio
// sent to a text-only session is discarded.
func (s *Session) SendAudio(chunk []byte) error {
	if s.engine == nil {
		return nil
	}
	return s.engine.SendAudio(chunk)
}

// snapshot builds the initial state message sent when the session socket
// connects.
func (s *Session) snapshot() outboundMessage {
	entries := s.transcript.Entries()
	payload := make([]entryPayload, len(entries))
	for i, e := range entries {
		payload[i] = toEntryPayload(e)
	}
	listening := s.engine != nil && s.engine.Listening()
	s.mu.Lock()
	field := s.field
	s.mu.Unlock()
	return outboundMessage{
		Type:      msgSnapshot,
		SessionID: s.id,
		Entries:   payload,
		Text:      field,
		Listening: &listening,
	}
}

// ListeningChanged implements [controller.Notifier].
func (s *Session) ListeningChanged(listening bool) {
	s.push(outboundMessage{Type: msgListening, Listening: &listening})
}

// FieldChanged implements [controller.Notifier].
func (s *Session) FieldChanged(text string) {
	s.mu.Lock()
	s.field = text
	s.mu.Unlock()
	s.push(outboundMessage{Type: msgField, Text: text})
}

// push enqueues an outbound message without ever blocking the caller. The
// controller run loop and the transcript pump both deliver through here.
func (s *Session) push(msg outboundMessage) {
	select {
	case <-s.done:
	case s.out <- msg:
	default:
		slog.Warn("session: outbound queue full, dropping message",
			"session_id", s.id, "type", msg.Type)
	}
}

// pump forwards transcript mutations onto the outbound queue until the
// subscription is cancelled.
func (s *Session) pump(events <-chan transcript.Event) {
	defer s.pumpWg.Done()
	for ev := range events {
		switch ev.Kind {
		case transcript.EventAdded:
			p := toEntryPayload(ev.Entry)
			s.push(outboundMessage{Type: msgAdded, Entry: &p})
		case transcript.EventRemoved:
			s.push(outboundMessage{Type: msgRemoved, Seq: ev.Entry.Seq})
		}
	}
}

// close tears the session down: stops the controller, ends the transcript
// subscription, and releases the engine. Safe to call multiple times.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		if err := s.ctrl.Close(); err != nil {
			slog.Warn("session: controller close error", "session_id", s.id, "err", err)
		}
		s.unsubscribe()
		s.pumpWg.Wait()
		if s.engine != nil {
			if err := s.engine.Close(); err != nil {
				slog.Warn("session: engine close error", "session_id", s.id, "err", err)
			}
		}
		close(s.done)
	})
}

// SessionManager tracks active sessions by ID. All exported methods are safe
// for concurrent use.
type SessionManager struct {
	cfg SessionConfig

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewSessionManager creates a SessionManager with the given shared
// dependencies.
func NewSessionManager(cfg SessionConfig) *SessionManager {
	return &SessionManager{
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// Open creates and registers a new session with its own transcript,
// controller, and (when configured) recognition engine.
func (sm *SessionManager) Open() (*Session, error) {
	log := transcript.New()

	var engine recognizer.Engine
	if sm.cfg.NewEngine != nil {
		var err error
		engine, err = sm.cfg.NewEngine()
		if err != nil {
			return nil, fmt.Errorf("session: create engine: %w", err)
		}
	}

	s := &Session{
		id:         newSessionID(),
		startedAt:  time.Now().UTC(),
		transcript: log,
		engine:     engine,
		out:        make(chan outboundMessage, sessionOutBuffer),
		done:       make(chan struct{}),
	}

	events, unsubscribe := log.Subscribe(sessionOutBuffer)
	s.unsubscribe = unsubscribe
	s.pumpWg.Add(1)
	go s.pump(events)

	opts := []controller.Option{controller.WithNotifier(s)}
	if sm.cfg.Debounce > 0 {
		opts = append(opts, controller.WithDebounce(sm.cfg.Debounce))
	}
	if sm.cfg.Metrics != nil {
		opts = append(opts, controller.WithRecorder(sm.cfg.Metrics))
	}
	ctrl, err := controller.New(log, sm.cfg.Backend, engine, opts...)
	if err != nil {
		unsubscribe()
		s.pumpWg.Wait()
		if engine != nil {
			_ = engine.Close()
		}
		return nil, fmt.Errorf("session: create controller: %w", err)
	}
	s.ctrl = ctrl

	sm.mu.Lock()
	sm.sessions[s.id] = s
	count := len(sm.sessions)
	sm.mu.Unlock()

	slog.Info("session opened", "session_id", s.id, "active", count)
	return s, nil
}

// Get returns the session with the given ID, if registered.
func (sm *SessionManager) Get(id string) (*Session, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s, ok := sm.sessions[id]
	return s, ok
}

// Close removes the session from the registry and tears it down. Closing an
// unknown ID is a no-op.
func (sm *SessionManager) Close(id string) {
	sm.mu.Lock()
	s, ok := sm.sessions[id]
	delete(sm.sessions, id)
	count := len(sm.sessions)
	sm.mu.Unlock()
	if !ok {
		return
	}
	s.close()
	slog.Info("session closed",
		"session_id", id,
		"active", count,
		"duration", time.Since(s.startedAt).Round(time.Millisecond),
	)
}

// CloseAll tears down every registered session. Called on server shutdown.
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	sessions := sm.sessions
	sm.sessions = make(map[string]*Session)
	sm.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
}

// Count returns the number of active sessions.
func (sm *SessionManager) Count() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}

// newSessionID generates a unique session identifier: a UTC timestamp for
// operator readability plus random hex for uniqueness.
func newSessionID() string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("session-%s-%s",
		time.Now().UTC().Format("20060102T150405Z"),
		hex.EncodeToString(b[:]),
	)
}
