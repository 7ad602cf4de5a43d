package device

import (
	"errors"
	"fmt"

	"github.com/antoniostano/livecall/internal/capture"
	"github.com/antoniostano/livecall/internal/playback"
	"github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog"
)

// Init initializes PortAudio. The returned func terminates it and must be
// called once every stream is closed.
func Init() (func(), error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	return func() { _ = portaudio.Terminate() }, nil
}

// Info describes one audio device.
type Info struct {
	Name              string  `json:"name"`
	HostAPI           string  `json:"host_api"`
	MaxInputChannels  int     `json:"max_input_channels"`
	MaxOutputChannels int     `json:"max_output_channels"`
	DefaultSampleRate float64 `json:"default_sample_rate"`
	DefaultInput      bool    `json:"default_input"`
	DefaultOutput     bool    `json:"default_output"`
}

// List enumerates devices. PortAudio must be initialized.
func List() ([]Info, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list audio devices: %w", err)
	}
	defIn, _ := portaudio.DefaultInputDevice()
	defOut, _ := portaudio.DefaultOutputDevice()

	out := make([]Info, 0, len(devices))
	for _, d := range devices {
		info := Info{
			Name:              d.Name,
			MaxInputChannels:  d.MaxInputChannels,
			MaxOutputChannels: d.MaxOutputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
			DefaultInput:      defIn != nil && d == defIn,
			DefaultOutput:     defOut != nil && d == defOut,
		}
		if d.HostApi != nil {
			info.HostAPI = d.HostApi.Name
		}
		out = append(out, info)
	}
	return out, nil
}

// Microphone captures mono float32 audio from the default input device.
// PortAudio has no echo cancellation, noise suppression or gain control, so
// those constraints are ignored.
type Microphone struct {
	FramesPerBuffer int
	Logger          zerolog.Logger
}

func (m *Microphone) Open(c capture.Constraints, onFrame func([]float32)) (capture.InputStream, error) {
	frames := m.FramesPerBuffer
	if frames <= 0 {
		frames = c.SampleRate / 10
	}
	cb := func(in []float32) { onFrame(in) }

	stream, err := portaudio.OpenDefaultStream(1, 0, float64(c.SampleRate), frames, cb)
	if err != nil {
		def, derr := portaudio.DefaultInputDevice()
		if derr != nil {
			return nil, fmt.Errorf("open input stream: %w", errors.Join(err, derr))
		}
		m.Logger.Warn().Err(err).Int("rate", c.SampleRate).Float64("device_rate", def.DefaultSampleRate).Msg("requested rate unsupported, opening at device rate")
		rate := int(def.DefaultSampleRate)
		stream, err = portaudio.OpenDefaultStream(1, 0, def.DefaultSampleRate, rate/10, cb)
		if err != nil {
			return nil, fmt.Errorf("open input stream: %w", err)
		}
	}
	return &inputStream{stream: stream, rate: int(stream.Info().SampleRate)}, nil
}

type inputStream struct {
	stream *portaudio.Stream
	rate   int
}

func (s *inputStream) SampleRate() int { return s.rate }
func (s *inputStream) Start() error    { return s.stream.Start() }
func (s *inputStream) Stop() error     { return s.stream.Stop() }
func (s *inputStream) Close() error    { return s.stream.Close() }

// Speaker opens mixing output streams on the default output device.
type Speaker struct {
	FramesPerBuffer int
	// QueueSize bounds buffers scheduled but not yet picked up by the audio
	// callback.
	QueueSize int
}

func (s *Speaker) OpenOutput(sampleRate int) (playback.Output, error) {
	frames := s.FramesPerBuffer
	if frames <= 0 {
		frames = sampleRate / 50
	}
	out := newMixer(sampleRate, s.QueueSize)
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(sampleRate), frames, out.process)
	if err != nil {
		return nil, fmt.Errorf("open output stream: %w", err)
	}
	if got := int(stream.Info().SampleRate); got > 0 {
		out.rate = got
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("start output stream: %w", err)
	}
	out.closeFn = func() error {
		err := stream.Stop()
		return errors.Join(err, stream.Close())
	}
	return out, nil
}
