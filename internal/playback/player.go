package playback

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/antoniostano/livecall/internal/audio"
	"github.com/antoniostano/livecall/internal/logging"
	"github.com/antoniostano/livecall/internal/observability"
	"github.com/antoniostano/livecall/internal/reliability"
	"github.com/antoniostano/livecall/internal/session"
	"github.com/rs/zerolog"
)

// Output is an audio sink with its own clock. Schedule hands over a buffer
// that starts playing at the given device time; Flush drops every buffer that
// has not finished yet.
type Output interface {
	SampleRate() int
	Now() time.Duration
	Schedule(samples []float32, at time.Duration) error
	Flush()
	Close() error
}

// Device opens an Output.
type Device interface {
	OpenOutput(sampleRate int) (Output, error)
}

type stopper interface {
	Stop() bool
}

type afterFunc func(d time.Duration, fn func()) stopper

func realAfterFunc(d time.Duration, fn func()) stopper {
	return time.AfterFunc(d, fn)
}

const (
	DefaultOverlap   = 15 * time.Millisecond
	DefaultLookahead = 2
)

type Options struct {
	SampleRate int
	Overlap    time.Duration
	Lookahead  int
	// RecordPath, when set, receives a WAV of everything scheduled.
	RecordPath string
	Metrics    *observability.Metrics
	Logger     zerolog.Logger
}

// Player schedules persona audio back to back with a small overlap so that
// consecutive chunks play without audible gaps.
type Player struct {
	dev       Device
	rate      int
	overlap   time.Duration
	lookahead int
	record    string
	metrics   *observability.Metrics
	log       zerolog.Logger
	after     afterFunc

	mu       sync.Mutex
	out      Output
	mute     *session.MuteState
	queue    [][]float32
	inflight int
	timers   []stopper
	cursor   time.Duration
	gen      uint64
	recorder *audio.Recorder
}

func New(dev Device, opts Options) *Player {
	if opts.SampleRate <= 0 {
		opts.SampleRate = audio.DefaultPlaybackRate
	}
	if opts.Overlap < 0 {
		opts.Overlap = 0
	} else if opts.Overlap == 0 {
		opts.Overlap = DefaultOverlap
	}
	if opts.Lookahead <= 0 {
		opts.Lookahead = DefaultLookahead
	}
	return &Player{
		dev:       dev,
		rate:      opts.SampleRate,
		overlap:   opts.Overlap,
		lookahead: opts.Lookahead,
		record:    opts.RecordPath,
		metrics:   opts.Metrics,
		log:       logging.Component(opts.Logger, "playback"),
		after:     realAfterFunc,
	}
}

// Initialize opens the output device. Calling it again while the device is
// open is a no-op.
func (p *Player) Initialize(mute *session.MuteState) error {
	if mute == nil {
		return reliability.Device("playback.initialize", errors.New("mute state is required"))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.out != nil {
		return nil
	}
	out, err := p.dev.OpenOutput(p.rate)
	if err != nil {
		return reliability.Device("playback.initialize", fmt.Errorf("open speaker: %w", err))
	}
	if got := out.SampleRate(); got > 0 && got != p.rate {
		p.log.Warn().Int("device_rate", got).Int("rate", p.rate).Msg("speaker rate differs, resampling to device rate")
		p.rate = got
	}
	p.out = out
	p.mute = mute
	p.cursor = 0
	if p.record != "" {
		p.recorder = audio.NewRecorder(p.rate, 0)
	}
	return nil
}

// HandleAIAudioChunk decodes one inbound PCM16 chunk and queues it.
func (p *Player) HandleAIAudioChunk(pcm []byte, mimeType string) {
	p.mu.Lock()
	mute := p.mute
	ready := p.out != nil
	rate := p.rate
	p.mu.Unlock()
	if !ready {
		p.metrics.AudioDropped("playback_not_ready")
		return
	}
	if mute.SpeakerMuted() {
		p.metrics.AudioDropped("speaker_muted")
		return
	}

	samples, err := audio.PCM16ToFloat(pcm)
	if err != nil {
		p.log.Warn().Err(err).Int("bytes", len(pcm)).Msg("drop undecodable audio chunk")
		p.metrics.AudioDropped("playback_decode")
		return
	}
	if len(samples) == 0 {
		return
	}
	samples = audio.Resample(samples, audio.RateFromMIME(mimeType, audio.DefaultPlaybackRate), rate)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.out == nil {
		return
	}
	p.queue = append(p.queue, samples)
	p.pumpLocked()
}

// pumpLocked hands queued buffers to the device until the lookahead is full.
func (p *Player) pumpLocked() {
	for p.inflight < p.lookahead && len(p.queue) > 0 {
		buf := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.scheduleLocked(buf)
	}
	p.metrics.SetPlaybackQueueDepth(len(p.queue) + p.inflight)
}

func (p *Player) scheduleLocked(buf []float32) {
	now := p.out.Now()
	start := p.cursor
	if start < now {
		start = now
	}
	if err := p.out.Schedule(buf, start); err != nil {
		p.log.Warn().Err(err).Msg("schedule audio buffer")
		p.metrics.AudioDropped("playback_schedule")
		return
	}
	if p.recorder != nil {
		p.recorder.WriteFloat(buf)
	}
	dur := audio.Duration(len(buf), p.rate)
	next := start + dur - p.overlap
	if next < start {
		next = start
	}
	p.cursor = next
	p.inflight++

	gen := p.gen
	p.timers = append(p.timers, p.after(start+dur-now, func() { p.onEnded(gen) }))
}

func (p *Player) onEnded(gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.gen || p.out == nil {
		return
	}
	if len(p.timers) > 0 {
		p.timers = p.timers[1:]
	}
	if p.inflight > 0 {
		p.inflight--
	}
	p.pumpLocked()
}

// ClearQueue drops everything queued or scheduled and rewinds the cursor.
func (p *Player) ClearQueue() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clearLocked()
}

// StopCurrentSound silences the buffer that is playing right now. Playback
// state is the same as after ClearQueue.
func (p *Player) StopCurrentSound() {
	p.ClearQueue()
}

func (p *Player) clearLocked() {
	p.gen++
	for _, t := range p.timers {
		t.Stop()
	}
	p.timers = nil
	p.queue = nil
	p.inflight = 0
	p.cursor = 0
	if p.out != nil {
		p.out.Flush()
	}
	p.metrics.SetPlaybackQueueDepth(0)
}

// Pending reports buffers queued plus buffers handed to the device that have
// not finished.
func (p *Player) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue) + p.inflight
}

// Cleanup clears the queue, closes the device and writes the recording when
// one is configured. It is safe to call repeatedly.
func (p *Player) Cleanup() {
	p.mu.Lock()
	p.clearLocked()
	out := p.out
	rec := p.recorder
	p.out = nil
	p.recorder = nil
	p.mute = nil
	p.mu.Unlock()

	if out == nil {
		return
	}
	if err := out.Close(); err != nil {
		p.log.Warn().Err(err).Msg("close speaker")
	}
	if rec != nil && rec.Len() > 0 {
		if err := rec.Save(p.record); err != nil {
			p.log.Error().Err(err).Str("path", p.record).Msg("write playback recording")
		} else {
			p.log.Info().Str("path", p.record).Msg("playback recording saved")
		}
	}
}
