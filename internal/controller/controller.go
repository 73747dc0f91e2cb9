// Package controller implements the voice-or-text query session logic: it
// owns the shared text field, funnels speech fragments and user actions
// through a single run loop, debounces voice input with an inactivity timer,
// and resolves submissions into transcript entries.
//
// All mutable session state (field text, voice origin flag, debounce timer)
// is confined to the run-loop goroutine; the public methods only enqueue
// events, so a Controller is safe for concurrent use from transport handlers.
package controller

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"voxquery/internal/backend"
	"voxquery/internal/recognizer"
	"voxquery/internal/transcript"
)

const (
	// defaultDebounce is the inactivity window after the last speech fragment
	// before the field is submitted automatically.
	defaultDebounce = 3000 * time.Millisecond

	// msgEmptyQuery is shown when a send is requested with an empty field.
	msgEmptyQuery = "Error: Please enter a query before sending."

	// msgTransportError is shown when the backend could not be reached at all.
	msgTransportError = "Error: Could not process your request."
)

// QueryClient issues a query to the answer backend and returns the response
// text. *backend.Client is the production implementation.
type QueryClient interface {
	Query(ctx context.Context, query string) (string, error)
}

// Notifier receives UI-facing state changes: the listening indicator and the
// shared text field. Implementations must not block; they are called from the
// run loop. A nil Notifier is valid and discards all notifications.
type Notifier interface {
	ListeningChanged(listening bool)
	FieldChanged(text string)
}

// SubmissionRecorder counts completed submissions by outcome ("ok",
// "server_error", "transport_error", "empty"). A nil recorder is valid.
type SubmissionRecorder interface {
	Submission(ctx context.Context, outcome string)
}

// Option is a functional option for configuring a Controller.
type Option func(*Controller)

// WithDebounce overrides the voice inactivity window. Values <= 0 keep the
// default of 3000 ms.
func WithDebounce(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.debounce = d
		}
	}
}

// WithNotifier attaches a Notifier for indicator and field updates.
func WithNotifier(n Notifier) Option {
	return func(c *Controller) { c.notifier = n }
}

// WithRecorder attaches a SubmissionRecorder for outcome metrics.
func WithRecorder(r SubmissionRecorder) Option {
	return func(c *Controller) { c.recorder = r }
}

type eventKind int

const (
	evFragment eventKind = iota // speech fragment arrived
	evInput                     // user typed into the field
	evSend                      // explicit send (button / Enter)
	evToggle                    // listening toggle pressed
	evTimer                     // debounce timer expired
	evDone                      // a submission resolved
)

type event struct {
	kind  eventKind
	text  string
	ok    bool // evDone: submission succeeded
	voice bool // evDone: submission originated from voice input
}

// Controller drives one query session over a transcript log, a query client
// and a speech engine.
type Controller struct {
	log      *transcript.Log
	client   QueryClient
	engine   recognizer.Engine
	notifier Notifier
	recorder SubmissionRecorder
	debounce time.Duration

	events chan event

	done    chan struct{}
	once    sync.Once
	loopWg  sync.WaitGroup
	queryWg sync.WaitGroup
}

// New creates a Controller and starts its run loop. log and client must be
// non-nil; engine may be nil for text-only sessions (Toggle then reports an
// error entry instead of listening).
func New(log *transcript.Log, client QueryClient, engine recognizer.Engine, opts ...Option) (*Controller, error) {
	if log == nil {
		return nil, errors.New("controller: transcript log must not be nil")
	}
	if client == nil {
		return nil, errors.New("controller: query client must not be nil")
	}
	c := &Controller{
		log:      log,
		client:   client,
		engine:   engine,
		debounce: defaultDebounce,
		events:   make(chan event, 64),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.loopWg.Add(1)
	go c.run()
	if engine != nil {
		c.loopWg.Add(1)
		go c.pumpFragments()
	}
	return c, nil
}

// pumpFragments forwards transcribed fragments from the engine onto the
// event queue until the engine closes its channel or the controller stops.
func (c *Controller) pumpFragments() {
	defer c.loopWg.Done()
	for {
		select {
		case <-c.done:
			return
		case text, ok := <-c.engine.Fragments():
			if !ok {
				return
			}
			c.enqueue(event{kind: evFragment, text: text})
		}
	}
}

// Fragment delivers a transcribed speech fragment. The field is replaced with
// the fragment text and the inactivity timer is rescheduled.
func (c *Controller) Fragment(text string) { c.enqueue(event{kind: evFragment, text: text}) }

// Input delivers a manual edit of the field text. Typing reclaims the field
// from voice input and cancels any pending auto-submit.
func (c *Controller) Input(text string) { c.enqueue(event{kind: evInput, text: text}) }

// Send requests an immediate submission of the current field, bypassing the
// inactivity timer.
func (c *Controller) Send() { c.enqueue(event{kind: evSend}) }

// Toggle flips the listening state of the speech engine.
func (c *Controller) Toggle() { c.enqueue(event{kind: evToggle}) }

// Close stops the run loop and waits for in-flight submissions to resolve.
// Safe to call multiple times.
func (c *Controller) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.loopWg.Wait()
		c.queryWg.Wait()
	})
	return nil
}

func (c *Controller) enqueue(ev event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// run is the single goroutine that owns all session state. The debounce
// timer is created stopped and rearmed on every fragment; stopTimer drains
// the expiry channel so a stale tick can never fire after a reschedule.
func (c *Controller) run() {
	defer c.loopWg.Done()

	var (
		field      string
		fieldVoice bool // current field text originated from speech
	)

	timer := time.NewTimer(c.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	stopTimer := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}

	setField := func(text string, voice bool) {
		field = text
		fieldVoice = voice
		if c.notifier != nil {
			c.notifier.FieldChanged(text)
		}
	}

	submit := func() {
		query := strings.TrimSpace(field)
		if query == "" {
			c.log.Append(transcript.RoleError, msgEmptyQuery)
			c.record("empty")
			return
		}
		voice := fieldVoice
		c.log.Append(transcript.RoleQuery, query)
		pending := c.log.AppendPending("")
		setField("", false)

		c.queryWg.Add(1)
		go c.resolve(query, pending.Seq, voice)
	}

	handle := func(ev event) {
		switch ev.kind {
		case evFragment:
			setField(ev.text, true)
			stopTimer()
			timer.Reset(c.debounce)

		case evInput:
			setField(ev.text, false)
			stopTimer()

		case evSend:
			stopTimer()
			submit()

		case evTimer:
			if strings.TrimSpace(field) != "" {
				submit()
			}

		case evToggle:
			c.toggleListening()

		case evDone:
			if ev.ok && ev.voice {
				// One-shot voice query: a successful voice-originated
				// response ends the listening session.
				c.stopEngine()
			}
		}
	}

	for {
		select {
		case <-c.done:
			return
		case <-timer.C:
			handle(event{kind: evTimer})
		case ev := <-c.events:
			handle(ev)
		}
	}
}

// resolve performs the backend call for one submission and turns the outcome
// into transcript entries. Runs outside the run loop; the transcript log and
// the event queue serialize its effects.
func (c *Controller) resolve(query string, pendingSeq int64, voice bool) {
	defer c.queryWg.Done()

	response, err := c.client.Query(context.Background(), query)

	// The placeholder comes out on every exit path.
	c.log.Remove(pendingSeq)

	var se *backend.StatusError
	switch {
	case err == nil:
		c.log.Append(transcript.RoleResponse, response)
		c.record("ok")
		c.enqueue(event{kind: evDone, ok: true, voice: voice})

	case errors.As(err, &se):
		c.log.Append(transcript.RoleError, string(se.Body))
		c.record("server_error")
		c.enqueue(event{kind: evDone, voice: voice})

	default:
		slog.Warn("query transport failure", "err", err)
		c.log.Append(transcript.RoleError, msgTransportError)
		c.record("transport_error")
		c.enqueue(event{kind: evDone, voice: voice})
	}
}

// toggleListening starts or aborts the speech engine and pushes the new
// indicator state to the notifier.
func (c *Controller) toggleListening() {
	if c.engine == nil {
		c.log.Append(transcript.RoleError, "Error: Voice input is not available.")
		return
	}
	if c.engine.Listening() {
		c.stopEngine()
		return
	}
	if err := c.engine.Start(true, true); err != nil {
		slog.Warn("speech engine start failed", "err", err)
		c.log.Append(transcript.RoleError, "Error: Could not start voice input.")
		return
	}
	if c.notifier != nil {
		c.notifier.ListeningChanged(true)
	}
}

func (c *Controller) stopEngine() {
	if c.engine == nil {
		return
	}
	if err := c.engine.Abort(); err != nil {
		slog.Warn("speech engine abort failed", "err", err)
	}
	if c.notifier != nil {
		c.notifier.ListeningChanged(false)
	}
}

func (c *Controller) record(outcome string) {
	if c.recorder != nil {
		c.recorder.Submission(context.Background(), outcome)
	}
}
