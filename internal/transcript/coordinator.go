package transcript

import (
	"strings"
	"sync"
	"time"

	"github.com/antoniostano/livecall/internal/logging"
	"github.com/antoniostano/livecall/internal/observability"
	"github.com/antoniostano/livecall/internal/session"
	"github.com/antoniostano/livecall/internal/speech"
	"github.com/rs/zerolog"
)

const (
	DefaultUserDelay    = 1500 * time.Millisecond
	DefaultPersonaDelay = 800 * time.Millisecond
)

// Sink receives committed turns. It is called without the coordinator lock
// held.
type Sink func(turn session.Turn)

type Options struct {
	UserDelay    time.Duration
	PersonaDelay time.Duration
	Metrics      *observability.Metrics
	Logger       zerolog.Logger
}

type timer interface {
	Stop() bool
}

type buffer struct {
	sender session.Sender
	delay  time.Duration
	text   strings.Builder
	timer  timer
	// gen invalidates a timer that fired after its buffer was flushed or
	// reset.
	gen uint64
}

// Coordinator merges streaming transcription fragments into whole turns.
// User and persona speech are debounced independently.
type Coordinator struct {
	metrics *observability.Metrics
	log     zerolog.Logger
	after   func(d time.Duration, fn func()) timer

	mu      sync.Mutex
	sink    Sink
	user    buffer
	persona buffer
}

func New(opts Options) *Coordinator {
	if opts.UserDelay <= 0 {
		opts.UserDelay = DefaultUserDelay
	}
	if opts.PersonaDelay <= 0 {
		opts.PersonaDelay = DefaultPersonaDelay
	}
	return &Coordinator{
		metrics: opts.Metrics,
		log:     logging.Component(opts.Logger, "transcript"),
		after: func(d time.Duration, fn func()) timer {
			return time.AfterFunc(d, fn)
		},
		user:    buffer{sender: session.SenderUser, delay: opts.UserDelay},
		persona: buffer{sender: session.SenderPersona, delay: opts.PersonaDelay},
	}
}

// Arm sets where committed turns go for the current call.
func (c *Coordinator) Arm(sink Sink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = sink
}

func (c *Coordinator) OnUserTranscription(text string, final bool) {
	c.add(&c.user, text, final)
}

func (c *Coordinator) OnModelTranscription(text string, final bool) {
	c.add(&c.persona, text, final)
}

func (c *Coordinator) FlushUser()    { c.flush(&c.user) }
func (c *Coordinator) FlushPersona() { c.flush(&c.persona) }

// FlushAll commits the user buffer before the persona buffer.
func (c *Coordinator) FlushAll() {
	c.FlushUser()
	c.FlushPersona()
}

// ResetBuffers discards pending text, stops timers and disarms the sink.
func (c *Coordinator) ResetBuffers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked(&c.user)
	c.resetLocked(&c.persona)
	c.sink = nil
}

func (c *Coordinator) add(b *buffer, text string, final bool) {
	if text == "" && !final {
		return
	}
	c.mu.Lock()
	b.text.WriteString(text)
	if final {
		turn, sink, ok := c.takeLocked(b)
		c.mu.Unlock()
		c.emit(turn, sink, ok)
		return
	}
	c.stopLocked(b)
	gen := b.gen
	b.timer = c.after(b.delay, func() { c.expire(b, gen) })
	c.mu.Unlock()
}

func (c *Coordinator) expire(b *buffer, gen uint64) {
	c.mu.Lock()
	if gen != b.gen {
		c.mu.Unlock()
		return
	}
	turn, sink, ok := c.takeLocked(b)
	c.mu.Unlock()
	c.emit(turn, sink, ok)
}

func (c *Coordinator) flush(b *buffer) {
	c.mu.Lock()
	turn, sink, ok := c.takeLocked(b)
	c.mu.Unlock()
	c.emit(turn, sink, ok)
}

// takeLocked drains b into a turn. ok is false when there is nothing to
// commit.
func (c *Coordinator) takeLocked(b *buffer) (session.Turn, Sink, bool) {
	raw := b.text.String()
	c.resetLocked(b)
	text := speech.CollapseSpace(raw)
	if b.sender == session.SenderPersona {
		text = speech.Sanitize(text)
	}
	if text == "" {
		return session.Turn{}, nil, false
	}
	return session.Turn{Sender: b.sender, Text: text, Kind: session.TurnAudioTranscript}, c.sink, true
}

func (c *Coordinator) emit(turn session.Turn, sink Sink, ok bool) {
	if !ok {
		return
	}
	if sink == nil {
		c.log.Debug().Str("sender", string(turn.Sender)).Msg("drop transcript turn with no sink armed")
		return
	}
	c.metrics.TranscriptTurn(string(turn.Sender))
	sink(turn)
}

func (c *Coordinator) stopLocked(b *buffer) {
	b.gen++
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

func (c *Coordinator) resetLocked(b *buffer) {
	c.stopLocked(b)
	b.text.Reset()
}
