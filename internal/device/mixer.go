package device

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var ErrOutputBusy = errors.New("output queue is full")

type segment struct {
	start   int64
	samples []float32
	gen     uint64
}

// mixer is a playback.Output driven by the device callback. Its clock is
// the number of frames the device has consumed. Buffers are summed where
// they overlap.
type mixer struct {
	rate     int
	segments chan segment
	clock    atomic.Int64
	flushGen atomic.Uint64
	closeFn  func() error
	once     sync.Once

	// Owned by the callback goroutine.
	pending []segment
	seenGen uint64
}

func newMixer(rate, queue int) *mixer {
	if queue <= 0 {
		queue = 16
	}
	return &mixer{rate: rate, segments: make(chan segment, queue)}
}

func (m *mixer) SampleRate() int { return m.rate }

func (m *mixer) Now() time.Duration {
	return time.Duration(m.clock.Load()) * time.Second / time.Duration(m.rate)
}

func (m *mixer) Schedule(samples []float32, at time.Duration) error {
	seg := segment{
		start:   int64(at * time.Duration(m.rate) / time.Second),
		samples: samples,
		gen:     m.flushGen.Load(),
	}
	select {
	case m.segments <- seg:
		return nil
	default:
		return ErrOutputBusy
	}
}

func (m *mixer) Flush() {
	m.flushGen.Add(1)
}

func (m *mixer) Close() error {
	var err error
	m.once.Do(func() {
		if m.closeFn != nil {
			err = m.closeFn()
		}
	})
	return err
}

// process fills one device buffer. It never blocks.
func (m *mixer) process(out []float32) {
	m.drain(m.flushGen.Load())
	m.mix(out)
}

// drain moves queued segments into pending. A segment tagged with a newer
// flush generation resets pending and is kept. Only segments older than the
// current generation drop.
func (m *mixer) drain(gen uint64) {
	m.adopt(gen)
	for {
		select {
		case seg := <-m.segments:
			m.adopt(seg.gen)
			if seg.gen == m.seenGen {
				m.pending = append(m.pending, seg)
			}
		default:
			return
		}
	}
}

func (m *mixer) adopt(gen uint64) {
	if gen > m.seenGen {
		m.pending = m.pending[:0]
		m.seenGen = gen
	}
}

func (m *mixer) mix(out []float32) {
	clear(out)
	start := m.clock.Load()
	end := start + int64(len(out))
	kept := m.pending[:0]
	for _, seg := range m.pending {
		segEnd := seg.start + int64(len(seg.samples))
		if segEnd <= start {
			continue
		}
		from, to := max(seg.start, start), min(segEnd, end)
		for f := from; f < to; f++ {
			out[f-start] += seg.samples[f-seg.start]
		}
		if segEnd > end {
			kept = append(kept, seg)
		}
	}
	m.pending = kept

	for i, v := range out {
		if v > 1 {
			out[i] = 1
		} else if v < -1 {
			out[i] = -1
		}
	}
	m.clock.Add(int64(len(out)))
}
