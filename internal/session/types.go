package session

import (
	"time"

	"github.com/google/uuid"
)

// Kind describes what the caller asked the call to be about.
type Kind string

const (
	KindCasual Kind = "casual"
	KindLesson Kind = "lesson"
)

// Valid reports whether k is a known session kind.
func (k Kind) Valid() bool {
	switch k {
	case KindCasual, KindLesson:
		return true
	default:
		return false
	}
}

type Sender string

const (
	SenderUser    Sender = "user"
	SenderPersona Sender = "persona"
	SenderSystem  Sender = "system"
)

type TurnKind string

const (
	TurnText            TurnKind = "text"
	TurnAudioTranscript TurnKind = "audio_transcript"
	TurnSystemEvent     TurnKind = "system_event"
)

// Turn is one committed utterance. Turns are immutable once appended.
type Turn struct {
	Sender    Sender    `json:"sender"`
	Text      string    `json:"text"`
	Kind      TurnKind  `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is one live call from start to teardown.
type Session struct {
	ID            string     `json:"session_id"`
	PersonaID     string     `json:"persona_id"`
	Kind          Kind       `json:"kind"`
	State         State      `json:"state"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	Interruptions int        `json:"interruptions"`
	Transcript    []Turn     `json:"transcript"`
	Recap         string     `json:"recap,omitempty"`
}

func New(personaID string, kind Kind, now time.Time) *Session {
	return &Session{
		ID:        uuid.NewString(),
		PersonaID: personaID,
		Kind:      kind,
		State:     StateIdle,
		StartedAt: now.UTC(),
	}
}

// Append adds t to the transcript. Turns are only accepted while the call is
// live or being torn down.
func (s *Session) Append(t Turn) bool {
	switch s.State {
	case StateActive, StateEnding, StateError:
	default:
		return false
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}
	s.Transcript = append(s.Transcript, t)
	return true
}

func (s *Session) Clone() Session {
	cp := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		cp.EndedAt = &t
	}
	cp.Transcript = append([]Turn(nil), s.Transcript...)
	return cp
}
