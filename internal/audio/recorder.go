package audio

import (
	"errors"
	"sync"
)

// Recorder accumulates PCM16LE audio for a debug WAV dump.
type Recorder struct {
	mu         sync.Mutex
	sampleRate int
	maxBytes   int
	buf        []byte
	truncated  bool
}

// NewRecorder caps the recording at maxSeconds of audio; zero means ten
// minutes.
func NewRecorder(sampleRate int, maxSeconds int) *Recorder {
	if sampleRate <= 0 {
		sampleRate = DefaultPlaybackRate
	}
	if maxSeconds <= 0 {
		maxSeconds = 600
	}
	return &Recorder{sampleRate: sampleRate, maxBytes: sampleRate * BytesPerSample * maxSeconds}
}

func (r *Recorder) WriteFloat(samples []float32) {
	if r == nil {
		return
	}
	r.Write(FloatToPCM16(samples))
}

func (r *Recorder) Write(pcm []byte) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	room := r.maxBytes - len(r.buf)
	if room <= 0 {
		r.truncated = true
		return
	}
	if len(pcm) > room {
		pcm = pcm[:room]
		r.truncated = true
	}
	r.buf = append(r.buf, pcm...)
}

func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

// Save writes the recording to path and resets the buffer.
func (r *Recorder) Save(path string) error {
	if r == nil {
		return nil
	}
	if path == "" {
		return errors.New("recording path is empty")
	}
	r.mu.Lock()
	pcm := r.buf
	r.buf = nil
	r.truncated = false
	r.mu.Unlock()
	return WriteWAVPCM16LEFile(path, pcm, r.sampleRate)
}
