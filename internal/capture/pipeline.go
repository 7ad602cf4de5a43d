package capture

import (
	"errors"
	"fmt"
	"sync"

	"github.com/antoniostano/livecall/internal/audio"
	"github.com/antoniostano/livecall/internal/logging"
	"github.com/antoniostano/livecall/internal/observability"
	"github.com/antoniostano/livecall/internal/reliability"
	"github.com/antoniostano/livecall/internal/session"
	"github.com/rs/zerolog"
)

// Constraints is what the pipeline asks the microphone for. Devices may not
// honour every field; the opened stream reports its real sample rate.
type Constraints struct {
	SampleRate       int
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// Microphone opens input streams. onFrame runs on the device's real-time
// callback and must not block.
type Microphone interface {
	Open(c Constraints, onFrame func(samples []float32)) (InputStream, error)
}

type InputStream interface {
	SampleRate() int
	Start() error
	Stop() error
	Close() error
}

// AudioSender receives wire-ready PCM16LE frames.
type AudioSender interface {
	SendRealtimeAudio(pcm []byte)
}

type Options struct {
	TargetRate int
	QueueSize  int
	Metrics    *observability.Metrics
	Logger     zerolog.Logger
}

var ErrNotInitialized = errors.New("capture pipeline is not initialized")

// Pipeline turns microphone callbacks into outgoing audio frames. It owns the
// microphone handle between Initialize and StopCapture.
type Pipeline struct {
	mic     Microphone
	target  int
	qsize   int
	metrics *observability.Metrics
	log     zerolog.Logger

	mu       sync.Mutex
	stream   InputStream
	sender   AudioSender
	mute     *session.MuteState
	frames   chan []float32
	stop     chan struct{}
	wg       sync.WaitGroup
	running  bool
	inRate   int
	resample bool
}

func New(mic Microphone, opts Options) *Pipeline {
	if opts.TargetRate <= 0 {
		opts.TargetRate = audio.DefaultCaptureRate
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 32
	}
	return &Pipeline{
		mic:     mic,
		target:  opts.TargetRate,
		qsize:   opts.QueueSize,
		metrics: opts.Metrics,
		log:     logging.Component(opts.Logger, "capture"),
	}
}

// Initialize acquires the microphone. It is a no-op if the microphone is
// already held.
func (p *Pipeline) Initialize(sender AudioSender, mute *session.MuteState) error {
	if sender == nil || mute == nil {
		return reliability.Device("capture.initialize", errors.New("sender and mute state are required"))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream != nil {
		return nil
	}

	frames := make(chan []float32, p.qsize)
	stream, err := p.mic.Open(Constraints{
		SampleRate:       p.target,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}, func(samples []float32) { p.onFrame(frames, mute, samples) })
	if err != nil {
		return reliability.Device("capture.initialize", fmt.Errorf("open microphone: %w", err))
	}

	p.stream = stream
	p.sender = sender
	p.mute = mute
	p.frames = frames
	p.inRate = stream.SampleRate()
	p.resample = p.inRate > 0 && p.inRate != p.target
	if p.resample {
		p.log.Warn().Int("device_rate", p.inRate).Int("target_rate", p.target).Msg("microphone rate differs from target, resampling")
	}
	return nil
}

// StartCapture starts the device stream. onError, when set, also receives
// the failure and runs without the pipeline lock held.
func (p *Pipeline) StartCapture(onError func(error)) error {
	err := p.start()
	if err != nil && onError != nil {
		onError(err)
	}
	return err
}

func (p *Pipeline) start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream == nil {
		return reliability.State("capture.start", ErrNotInitialized)
	}
	if p.running {
		return nil
	}

	p.stop = make(chan struct{})
	p.wg.Add(1)
	go p.forward(p.frames, p.stop, p.sender, p.mute, p.inRate, p.resample)

	if err := p.stream.Start(); err != nil {
		close(p.stop)
		p.wg.Wait()
		p.stop = nil
		return reliability.Device("capture.start", fmt.Errorf("start microphone: %w", err))
	}
	p.running = true
	p.log.Info().Int("rate", p.inRate).Msg("capture started")
	return nil
}

// StopCapture stops the stream and releases the microphone. It tolerates a
// pipeline that was never initialized and may be called repeatedly.
func (p *Pipeline) StopCapture() {
	p.mu.Lock()
	stream := p.stream
	stop := p.stop
	running := p.running
	p.stream = nil
	p.stop = nil
	p.running = false
	p.sender = nil
	p.mu.Unlock()

	if stream != nil {
		if running {
			if err := stream.Stop(); err != nil {
				p.log.Warn().Err(err).Msg("stop microphone")
			}
		}
		if err := stream.Close(); err != nil {
			p.log.Warn().Err(err).Msg("close microphone")
		}
	}
	if stop != nil {
		close(stop)
		p.wg.Wait()
	}
	if stream != nil {
		p.log.Info().Msg("capture stopped")
	}
}

// onFrame runs on the real-time audio thread: a mute check, a copy and a
// non-blocking hand-off.
func (p *Pipeline) onFrame(frames chan<- []float32, mute *session.MuteState, samples []float32) {
	if mute.MicMuted() || len(samples) == 0 {
		return
	}
	buf := make([]float32, len(samples))
	copy(buf, samples)
	select {
	case frames <- buf:
	default:
		p.metrics.AudioDropped("capture_queue_full")
	}
}

func (p *Pipeline) forward(frames <-chan []float32, stop <-chan struct{}, sender AudioSender, mute *session.MuteState, inRate int, resample bool) {
	defer p.wg.Done()
	for {
		select {
		case <-stop:
			return
		case buf := <-frames:
			if mute.MicMuted() {
				continue
			}
			if resample {
				buf = audio.Resample(buf, inRate, p.target)
			}
			sender.SendRealtimeAudio(audio.FloatToPCM16(buf))
		}
	}
}
