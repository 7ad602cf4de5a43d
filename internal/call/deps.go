package call

import (
	"context"

	"github.com/antoniostano/livecall/internal/capture"
	"github.com/antoniostano/livecall/internal/live"
	"github.com/antoniostano/livecall/internal/memory"
	"github.com/antoniostano/livecall/internal/persona"
	"github.com/antoniostano/livecall/internal/protocol"
	"github.com/antoniostano/livecall/internal/session"
	"github.com/antoniostano/livecall/internal/transcript"
)

// LiveClient is the streaming connection to the model. *live.Client
// implements it.
type LiveClient interface {
	Connect(ctx context.Context, setup protocol.SetupConfig, cb live.Callbacks) error
	SendClientText(text string) error
	SendStreamEnd() error
	SendRealtimeAudio(pcm []byte)
	CloseConnection(reason string)
}

type Capture interface {
	Initialize(sender capture.AudioSender, mute *session.MuteState) error
	StartCapture(onError func(error)) error
	StopCapture()
}

type Playback interface {
	Initialize(mute *session.MuteState) error
	HandleAIAudioChunk(pcm []byte, mimeType string)
	ClearQueue()
	StopCurrentSound()
	Cleanup()
}

type Transcripts interface {
	Arm(sink transcript.Sink)
	OnUserTranscription(text string, final bool)
	OnModelTranscription(text string, final bool)
	FlushPersona()
	FlushAll()
	ResetBuffers()
}

type PromptBuilder interface {
	SystemInstruction(ctx context.Context, p persona.Persona, recent []memory.TurnRecord) (string, error)
}

// History is the subset of memory.Store the engine writes to.
type History interface {
	SaveSession(ctx context.Context, session memory.SessionRecord, turns []memory.TurnRecord) error
	SaveRecap(ctx context.Context, sessionID, recap string) error
	RecentTurns(ctx context.Context, personaID string, limit int) ([]memory.TurnRecord, error)
}

// RecapRequest carries a finished session and the turns as persisted, with
// user turns already redacted.
type RecapRequest struct {
	Session session.Session
	Turns   []memory.TurnRecord
}

type Recapper interface {
	Recap(ctx context.Context, req RecapRequest) (string, error)
}

// Notifier observes the call for a UI. Implementations must not call back
// into the Engine synchronously.
type Notifier interface {
	ShowCalling(p persona.Persona)
	DismissCalling()
	Status(state session.State, text string)
	MuteChanged(m session.MuteSnapshot)
	TurnCommitted(turn session.Turn)
}

type NopNotifier struct{}

func (NopNotifier) ShowCalling(persona.Persona)      {}
func (NopNotifier) DismissCalling()                  {}
func (NopNotifier) Status(session.State, string)     {}
func (NopNotifier) MuteChanged(session.MuteSnapshot) {}
func (NopNotifier) TurnCommitted(session.Turn)       {}
