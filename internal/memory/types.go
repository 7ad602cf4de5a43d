package memory

import (
	"context"
	"errors"
	"time"
)

// SessionRecord is a finalised call.
type SessionRecord struct {
	ID            string    `json:"id"`
	PersonaID     string    `json:"persona_id"`
	Kind          string    `json:"kind"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at"`
	Interruptions int       `json:"interruptions"`
	Recap         string    `json:"recap,omitempty"`
}

// TurnRecord stores a single committed turn of a call.
type TurnRecord struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	PersonaID   string    `json:"persona_id"`
	Sender      string    `json:"sender"`
	Kind        string    `json:"kind"`
	Content     string    `json:"content"`
	PIIRedacted bool      `json:"pii_redacted"`
	Seq         int       `json:"seq"`
	CreatedAt   time.Time `json:"created_at"`
}

var ErrSessionNotFound = errors.New("session not found")

// Store persists call history per persona.
type Store interface {
	// SaveSession writes a session and its turns in order. Turns are
	// numbered by their position when Seq is zero.
	SaveSession(ctx context.Context, session SessionRecord, turns []TurnRecord) error
	SaveRecap(ctx context.Context, sessionID, recap string) error
	// RecentTurns returns up to limit turns with a persona, oldest first.
	RecentTurns(ctx context.Context, personaID string, limit int) ([]TurnRecord, error)
	// RecentSessions returns up to limit sessions with a persona, newest first.
	RecentSessions(ctx context.Context, personaID string, limit int) ([]SessionRecord, error)
	Close() error
}

func prepareTurns(session SessionRecord, turns []TurnRecord, now time.Time) []TurnRecord {
	out := make([]TurnRecord, len(turns))
	for i, t := range turns {
		if t.ID == "" {
			t.ID = newID()
		}
		t.SessionID = session.ID
		t.PersonaID = session.PersonaID
		if t.Seq == 0 {
			t.Seq = i + 1
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		out[i] = t
	}
	return out
}
