package device

import (
	"sync"
	"time"

	"github.com/antoniostano/livecall/internal/capture"
	"github.com/antoniostano/livecall/internal/playback"
)

// NullMicrophone opens streams that never deliver audio. It backs headless
// hosts where typed text replaces speech.
type NullMicrophone struct{}

func (NullMicrophone) Open(c capture.Constraints, _ func([]float32)) (capture.InputStream, error) {
	return nullInput{rate: c.SampleRate}, nil
}

type nullInput struct{ rate int }

func (s nullInput) SampleRate() int { return s.rate }
func (nullInput) Start() error      { return nil }
func (nullInput) Stop() error       { return nil }
func (nullInput) Close() error      { return nil }

// NullSpeaker discards audio against a wall clock.
type NullSpeaker struct{}

func (NullSpeaker) OpenOutput(sampleRate int) (playback.Output, error) {
	return &nullOutput{rate: sampleRate, opened: time.Now()}, nil
}

type nullOutput struct {
	rate   int
	opened time.Time

	mu        sync.Mutex
	scheduled int
}

func (o *nullOutput) SampleRate() int    { return o.rate }
func (o *nullOutput) Now() time.Duration { return time.Since(o.opened) }
func (o *nullOutput) Flush()             {}
func (o *nullOutput) Close() error       { return nil }

func (o *nullOutput) Schedule(samples []float32, _ time.Duration) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.scheduled += len(samples)
	return nil
}
