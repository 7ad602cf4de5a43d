package session

import "sync/atomic"

// MuteState is the shared mute cell read by capture and playback from their
// own goroutines and written by the engine.
type MuteState struct {
	mic     atomic.Bool
	speaker atomic.Bool
}

// MuteSnapshot is a point-in-time copy of MuteState.
type MuteSnapshot struct {
	MicMuted     bool `json:"mic_muted"`
	SpeakerMuted bool `json:"speaker_muted"`
}

func (m *MuteState) MicMuted() bool     { return m.mic.Load() }
func (m *MuteState) SpeakerMuted() bool { return m.speaker.Load() }

func (m *MuteState) SetMic(muted bool)     { m.mic.Store(muted) }
func (m *MuteState) SetSpeaker(muted bool) { m.speaker.Store(muted) }

// ToggleMic flips the mic flag and returns the new value.
func (m *MuteState) ToggleMic() bool {
	for {
		old := m.mic.Load()
		if m.mic.CompareAndSwap(old, !old) {
			return !old
		}
	}
}

// ToggleSpeaker flips the speaker flag and returns the new value.
func (m *MuteState) ToggleSpeaker() bool {
	for {
		old := m.speaker.Load()
		if m.speaker.CompareAndSwap(old, !old) {
			return !old
		}
	}
}

func (m *MuteState) Reset() {
	m.mic.Store(false)
	m.speaker.Store(false)
}

func (m *MuteState) Snapshot() MuteSnapshot {
	return MuteSnapshot{MicMuted: m.mic.Load(), SpeakerMuted: m.speaker.Load()}
}
