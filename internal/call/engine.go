package call

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/antoniostano/livecall/internal/live"
	"github.com/antoniostano/livecall/internal/logging"
	"github.com/antoniostano/livecall/internal/memory"
	"github.com/antoniostano/livecall/internal/observability"
	"github.com/antoniostano/livecall/internal/persona"
	"github.com/antoniostano/livecall/internal/policy"
	"github.com/antoniostano/livecall/internal/protocol"
	"github.com/antoniostano/livecall/internal/reliability"
	"github.com/antoniostano/livecall/internal/session"
	"github.com/antoniostano/livecall/internal/speech"
	"github.com/antoniostano/livecall/internal/transcript"
	"github.com/rs/zerolog"
)

const (
	DefaultRingDelay       = 2 * time.Second
	defaultHistoryLimit    = 12
	defaultFinalizeTimeout = 20 * time.Second
)

var (
	ErrCallInProgress = errors.New("a call is already in progress")
	ErrNotActive      = errors.New("no active call")
	ErrCallEnded      = errors.New("call ended before it connected")
	ErrEmptyText      = errors.New("text is empty")
)

type Deps struct {
	Client      LiveClient
	Capture     Capture
	Playback    Playback
	Transcripts Transcripts
	Prompts     PromptBuilder
	History     History

	Recapper Recapper
	Notifier Notifier
	Metrics  *observability.Metrics
	Logger   zerolog.Logger
}

type Options struct {
	Model               string
	ActivityHandling    string
	InputTranscription  bool
	OutputTranscription bool
	// RingDelay is the pause before dialing. Zero dials immediately.
	RingDelay       time.Duration
	HistoryLimit    int
	FinalizeTimeout time.Duration

	Rand func(n int) int
	Now  func() time.Time
}

// Engine runs one live call at a time: it owns the session, drives the
// lifecycle and tears every collaborator down when the call ends.
type Engine struct {
	client      LiveClient
	capture     Capture
	playback    Playback
	transcripts Transcripts
	prompts     PromptBuilder
	history     History
	recapper    Recapper
	notifier    Notifier
	metrics     *observability.Metrics
	log         zerolog.Logger
	opts        Options

	mute session.MuteState

	mu         sync.Mutex
	state      session.State
	current    *session.Session
	last       *session.Session
	persona    persona.Persona
	ending     bool
	ringCancel context.CancelFunc
	openedAt   time.Time
	heardAudio bool
}

func New(deps Deps, opts Options) (*Engine, error) {
	var missing []string
	if deps.Client == nil {
		missing = append(missing, "live client")
	}
	if deps.Capture == nil {
		missing = append(missing, "capture")
	}
	if deps.Playback == nil {
		missing = append(missing, "playback")
	}
	if deps.Transcripts == nil {
		missing = append(missing, "transcripts")
	}
	if deps.Prompts == nil {
		missing = append(missing, "prompt builder")
	}
	if deps.History == nil {
		missing = append(missing, "history")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("call engine: missing %s", strings.Join(missing, ", "))
	}
	if deps.Notifier == nil {
		deps.Notifier = NopNotifier{}
	}
	if opts.RingDelay < 0 {
		opts.RingDelay = 0
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = defaultHistoryLimit
	}
	if opts.FinalizeTimeout <= 0 {
		opts.FinalizeTimeout = defaultFinalizeTimeout
	}
	if strings.TrimSpace(opts.ActivityHandling) == "" {
		opts.ActivityHandling = protocol.ActivityInterrupts
	}
	if opts.Rand == nil {
		opts.Rand = rand.IntN
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		client:      deps.Client,
		capture:     deps.Capture,
		playback:    deps.Playback,
		transcripts: deps.Transcripts,
		prompts:     deps.Prompts,
		history:     deps.History,
		recapper:    deps.Recapper,
		notifier:    deps.Notifier,
		metrics:     deps.Metrics,
		log:         logging.Component(deps.Logger, "call"),
		opts:        opts,
		state:       session.StateIdle,
	}, nil
}

// StartLiveCall sets up devices, builds the prompt, rings and dials. A nil
// return means the connection attempt was initiated; the call becomes
// active when the server confirms setup.
func (e *Engine) StartLiveCall(ctx context.Context, p persona.Persona, kind session.Kind) error {
	e.mu.Lock()
	if e.current != nil || (e.state != session.StateIdle && e.state != session.StateEnded) {
		state := e.state
		e.mu.Unlock()
		return reliability.State("call.start", fmt.Errorf("%w (state %s)", ErrCallInProgress, state))
	}
	s := session.New(p.ID, kind, e.opts.Now())
	// Every session runs its own lifecycle from initializing.
	s.State = session.StateInitializing
	e.state = session.StateInitializing
	e.current = s
	e.persona = p
	e.ending = false
	e.heardAudio = false
	ringCtx, cancel := context.WithCancel(ctx)
	e.ringCancel = cancel
	e.mu.Unlock()

	sid := s.ID
	log := e.log.With().Str("session_id", sid).Str("persona", p.ID).Logger()
	e.metrics.CallEvent("start")
	e.mute.Reset()
	e.notifier.ShowCalling(p)
	e.notifier.Status(session.StateInitializing, "Calling "+p.Name+"…")

	if err := p.Validate(); err != nil {
		return e.abort(sid, reliability.Setup("call.start", err))
	}
	if !kind.Valid() {
		return e.abort(sid, reliability.Setup("call.start", fmt.Errorf("unknown session kind %q", kind)))
	}

	e.transcripts.ResetBuffers()
	e.transcripts.Arm(e.commitSink(sid))
	if err := e.capture.Initialize(e.client, &e.mute); err != nil {
		return e.abort(sid, err)
	}
	if err := e.playback.Initialize(&e.mute); err != nil {
		return e.abort(sid, err)
	}

	if !e.advance(sid, session.StateConnecting) {
		return e.superseded(sid)
	}
	e.notifier.Status(session.StateConnecting, "Connecting…")

	recent, err := e.history.RecentTurns(ctx, p.ID, e.opts.HistoryLimit)
	if err != nil {
		log.Warn().Err(err).Msg("load recent history, continuing without it")
		recent = nil
	}
	instruction, err := e.prompts.SystemInstruction(ctx, p, recent)
	if err != nil {
		return e.abort(sid, reliability.Setup("call.prompt", err))
	}
	setup := protocol.SetupConfig{
		Model:               e.opts.Model,
		SystemInstruction:   instruction,
		Voice:               p.Voice,
		Language:            p.Language,
		ResponseModalities:  []string{protocol.ModalityAudio},
		ActivityHandling:    e.opts.ActivityHandling,
		InputTranscription:  e.opts.InputTranscription,
		OutputTranscription: e.opts.OutputTranscription,
	}

	if !e.advance(sid, session.StateRinging) {
		return e.superseded(sid)
	}
	e.notifier.Status(session.StateRinging, "Ringing…")
	if err := e.ring(ringCtx); err != nil {
		if ctx.Err() != nil {
			return e.abort(sid, reliability.State("call.ring", ctx.Err()))
		}
		return e.superseded(sid)
	}

	if !e.isLive(sid) {
		return e.superseded(sid)
	}
	if err := e.client.Connect(ctx, setup, e.callbacks(sid)); err != nil {
		return e.abort(sid, err)
	}
	if !e.isLive(sid) {
		e.client.CloseConnection("call ended")
		return e.superseded(sid)
	}
	log.Info().Str("model", setup.Model).Msg("live connection initiated")
	return nil
}

func (e *Engine) ring(ctx context.Context) error {
	if e.opts.RingDelay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(e.opts.RingDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// abort fails a call that is still being set up.
func (e *Engine) abort(sid string, err error) error {
	if !e.isLive(sid) {
		return e.superseded(sid)
	}
	e.handleConnectionError(sid, err)
	return err
}

// superseded reports a start that lost to a concurrent EndLiveCall. The
// teardown may have run before this start opened a device, so devices are
// released again unless a newer call already owns them.
func (e *Engine) superseded(sid string) error {
	e.mu.Lock()
	owned := e.current == nil || e.current.ID == sid
	e.mu.Unlock()
	if owned {
		e.releaseDevices()
	}
	return reliability.State("call.start", ErrCallEnded)
}

func (e *Engine) releaseDevices() {
	e.capture.StopCapture()
	e.playback.Cleanup()
}

func (e *Engine) callbacks(sid string) live.Callbacks {
	return live.Callbacks{
		OnOpen: func() { e.handleOpen(sid) },
		OnAIText: func(text string) {
			e.log.Debug().Str("session_id", sid).Int("chars", len(text)).Msg("model text part")
		},
		OnAIAudioChunk: func(pcm []byte, mimeType string) {
			if e.noteAudio(sid) {
				e.playback.HandleAIAudioChunk(pcm, mimeType)
			}
		},
		OnUserTranscription: func(text string, final bool) {
			if e.isLive(sid) {
				e.transcripts.OnUserTranscription(text, final)
			}
		},
		OnModelTranscription: func(text string, final bool) {
			if e.isLive(sid) {
				e.transcripts.OnModelTranscription(text, final)
			}
		},
		OnAIInterrupted: func() { e.handleInterrupted(sid) },
		OnTurnComplete: func() {
			if e.isLive(sid) {
				e.transcripts.FlushPersona()
			}
		},
		OnGoAway: func(timeLeft string) {
			if e.isLive(sid) {
				e.log.Warn().Str("session_id", sid).Str("time_left", timeLeft).Msg("server will close the call soon")
				e.notifier.Status(session.StateActive, "The call will end soon.")
			}
		},
		OnError: func(err error) { e.handleConnectionError(sid, err) },
		OnClose: func(code int, reason string, clean bool) { e.handleClose(sid, code, reason, clean) },
	}
}

func (e *Engine) handleOpen(sid string) {
	e.mu.Lock()
	if !e.isLiveLocked(sid) || !e.transitionLocked(session.StateActive) {
		e.mu.Unlock()
		return
	}
	e.openedAt = e.opts.Now()
	name := e.persona.Name
	greeting := e.persona.Greeting
	turn, ok := e.appendLocked(session.Turn{
		Sender: session.SenderSystem,
		Text:   "Call connected with " + name,
		Kind:   session.TurnSystemEvent,
	})
	e.mu.Unlock()

	e.metrics.CallStarted()
	e.notifier.DismissCalling()
	e.notifier.Status(session.StateActive, "Connected")
	if ok {
		e.notifier.TurnCommitted(turn)
	}
	e.log.Info().Str("session_id", sid).Msg("call active")

	if err := e.capture.StartCapture(nil); err != nil {
		e.handleConnectionError(sid, err)
		return
	}
	if g := speech.Sanitize(greeting); g != "" {
		if err := e.client.SendClientText(g); err != nil {
			e.log.Warn().Err(err).Str("session_id", sid).Msg("send greeting")
		}
	}
}

// noteAudio reports whether a chunk belongs to the live call and records
// first-audio latency.
func (e *Engine) noteAudio(sid string) bool {
	e.mu.Lock()
	if !e.isLiveLocked(sid) {
		e.mu.Unlock()
		return false
	}
	first := !e.heardAudio && !e.openedAt.IsZero()
	e.heardAudio = true
	opened := e.openedAt
	e.mu.Unlock()
	if first {
		e.metrics.ObserveFirstAudioLatency(e.opts.Now().Sub(opened))
	}
	return true
}

// handleInterrupted drops queued persona audio on barge-in. The persona
// transcript buffer keeps what was already said.
func (e *Engine) handleInterrupted(sid string) {
	e.mu.Lock()
	if !e.isLiveLocked(sid) {
		e.mu.Unlock()
		return
	}
	e.current.Interruptions++
	e.mu.Unlock()

	e.playback.StopCurrentSound()
	e.playback.ClearQueue()
	e.metrics.CallEvent("interrupted")
}

func (e *Engine) handleClose(sid string, code int, reason string, clean bool) {
	e.mu.Lock()
	ours := e.isLiveLocked(sid)
	state := e.state
	e.mu.Unlock()
	if !ours {
		return
	}
	if clean && state == session.StateActive {
		e.log.Info().Str("session_id", sid).Str("reason", reason).Msg("server ended the call")
		if err := e.EndLiveCall(context.Background(), true); err != nil {
			e.log.Error().Err(err).Str("session_id", sid).Msg("end call after server close")
		}
		return
	}
	e.handleConnectionError(sid, reliability.Connection("call.close", fmt.Errorf("connection closed (%d): %s", code, reason)))
}

// handleConnectionError is the single failure path: ERROR, then teardown
// without a recap.
func (e *Engine) handleConnectionError(sid string, err error) {
	e.mu.Lock()
	if !e.isLiveLocked(sid) {
		e.mu.Unlock()
		return
	}
	e.transitionLocked(session.StateError)
	e.mu.Unlock()

	e.log.Error().Err(err).Str("session_id", sid).Str("kind", string(reliability.KindOf(err))).Msg("call failed")
	e.metrics.CallEvent("error")
	e.notifier.Status(session.StateError, reliability.Status(err))
	if endErr := e.EndLiveCall(context.Background(), false); endErr != nil {
		e.log.Error().Err(endErr).Str("session_id", sid).Msg("teardown after failure")
	}
}

// EndLiveCall tears the call down and persists it. It tolerates partial
// setup and returns nil when there is nothing to end.
func (e *Engine) EndLiveCall(ctx context.Context, generateRecap bool) error {
	e.mu.Lock()
	if e.current == nil || e.ending {
		e.mu.Unlock()
		return nil
	}
	e.ending = true
	s := e.current
	wasActive := e.state == session.StateActive
	e.transitionLocked(session.StateEnding)
	cancel := e.ringCancel
	e.ringCancel = nil
	e.mu.Unlock()

	log := e.log.With().Str("session_id", s.ID).Logger()
	if cancel != nil {
		cancel()
	}
	e.notifier.DismissCalling()
	e.notifier.Status(session.StateEnding, "Ending call…")

	e.client.CloseConnection("call ended")
	e.releaseDevices()
	e.transcripts.FlushAll()

	e.mu.Lock()
	now := e.opts.Now().UTC()
	s.EndedAt = &now
	snapshot := s.Clone()
	e.mu.Unlock()

	recap, err := e.finalize(ctx, snapshot, generateRecap)
	e.transcripts.ResetBuffers()

	e.mu.Lock()
	s.Recap = recap
	e.transitionLocked(session.StateEnded)
	final := s.Clone()
	e.last = &final
	e.current = nil
	e.ending = false
	e.mu.Unlock()

	if wasActive {
		e.metrics.CallEnded()
	}
	e.metrics.CallEvent("end")
	e.notifier.Status(session.StateEnded, "Call ended")
	log.Info().Int("turns", len(final.Transcript)).Int("interruptions", final.Interruptions).Msg("call ended")
	return err
}

// finalize persists the session, redacting user turns, and optionally
// stores a recap.
func (e *Engine) finalize(ctx context.Context, s session.Session, generateRecap bool) (string, error) {
	if len(s.Transcript) == 0 {
		return "", nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.FinalizeTimeout)
	defer cancel()

	turns := make([]memory.TurnRecord, 0, len(s.Transcript))
	for i, t := range s.Transcript {
		content, redacted := t.Text, false
		if t.Sender == session.SenderUser {
			content, redacted = policy.RedactPII(content)
		}
		turns = append(turns, memory.TurnRecord{
			Sender:      string(t.Sender),
			Kind:        string(t.Kind),
			Content:     content,
			PIIRedacted: redacted,
			Seq:         i + 1,
			CreatedAt:   t.Timestamp,
		})
	}
	rec := memory.SessionRecord{
		ID:            s.ID,
		PersonaID:     s.PersonaID,
		Kind:          string(s.Kind),
		StartedAt:     s.StartedAt,
		EndedAt:       *s.EndedAt,
		Interruptions: s.Interruptions,
	}
	if err := e.history.SaveSession(ctx, rec, turns); err != nil {
		return "", fmt.Errorf("finalize session %s: %w", s.ID, err)
	}

	if !generateRecap || e.recapper == nil {
		return "", nil
	}
	recap, err := e.recapper.Recap(ctx, RecapRequest{Session: s, Turns: turns})
	if err != nil {
		e.log.Warn().Err(err).Str("session_id", s.ID).Msg("generate recap")
		return "", nil
	}
	if recap == "" {
		return "", nil
	}
	if err := e.history.SaveRecap(ctx, s.ID, recap); err != nil {
		return recap, fmt.Errorf("save recap %s: %w", s.ID, err)
	}
	return recap, nil
}

// ToggleMicMute flips the microphone. Muting a live call tells the server
// the audio stream has ended.
func (e *Engine) ToggleMicMute() (bool, error) {
	muted := e.mute.ToggleMic()
	e.mu.Lock()
	active := e.state == session.StateActive && !e.ending
	e.mu.Unlock()

	var err error
	if muted && active {
		err = e.client.SendStreamEnd()
	}
	e.notifier.MuteChanged(e.mute.Snapshot())
	return muted, err
}

// ToggleSpeakerMute flips the speaker. Muting drops queued persona audio.
func (e *Engine) ToggleSpeakerMute() (bool, error) {
	muted := e.mute.ToggleSpeaker()
	if muted {
		e.playback.StopCurrentSound()
		e.playback.ClearQueue()
	}
	e.notifier.MuteChanged(e.mute.Snapshot())
	return muted, nil
}

// RequestActivity asks a tutor persona to start one of its activities.
// Companions and tutors without a matching activity do nothing.
func (e *Engine) RequestActivity() error {
	e.mu.Lock()
	if e.current == nil || e.ending || e.state != session.StateActive {
		e.mu.Unlock()
		return reliability.State("call.activity", ErrNotActive)
	}
	p := e.persona
	kind := e.current.Kind
	e.mu.Unlock()

	if p.Role != persona.RoleTutor {
		return nil
	}
	acts := p.ActivitiesFor(kind)
	if len(acts) == 0 {
		return nil
	}
	a := acts[e.opts.Rand(len(acts))]

	e.mu.Lock()
	turn, ok := e.appendLocked(session.Turn{
		Sender: session.SenderSystem,
		Text:   "Activity started: " + a.Title,
		Kind:   session.TurnSystemEvent,
	})
	e.mu.Unlock()
	if ok {
		e.notifier.TurnCommitted(turn)
	}
	e.metrics.CallEvent("activity")
	return e.client.SendClientText(a.Instruction)
}

// SendText sends typed user text into the live call.
func (e *Engine) SendText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return reliability.Setup("call.send_text", ErrEmptyText)
	}
	e.mu.Lock()
	if e.current == nil || e.ending || e.state != session.StateActive {
		e.mu.Unlock()
		return reliability.State("call.send_text", ErrNotActive)
	}
	turn, ok := e.appendLocked(session.Turn{Sender: session.SenderUser, Text: text, Kind: session.TurnText})
	e.mu.Unlock()
	if ok {
		e.metrics.TranscriptTurn(string(session.SenderUser))
		e.notifier.TurnCommitted(turn)
	}
	return e.client.SendClientText(text)
}

// Snapshot returns a copy of the current session, or of the last ended one.
func (e *Engine) Snapshot() (session.Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.current != nil:
		return e.current.Clone(), true
	case e.last != nil:
		return e.last.Clone(), true
	default:
		return session.Session{}, false
	}
}

func (e *Engine) State() session.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) Mute() session.MuteSnapshot {
	return e.mute.Snapshot()
}

func (e *Engine) commitSink(sid string) transcript.Sink {
	return func(turn session.Turn) {
		e.mu.Lock()
		if e.current == nil || e.current.ID != sid {
			e.mu.Unlock()
			e.log.Debug().Str("session_id", sid).Msg("drop turn for a finished call")
			return
		}
		stamped, ok := e.appendLocked(turn)
		e.mu.Unlock()
		if ok {
			e.notifier.TurnCommitted(stamped)
		}
	}
}

func (e *Engine) appendLocked(turn session.Turn) (session.Turn, bool) {
	if turn.Timestamp.IsZero() {
		turn.Timestamp = e.opts.Now().UTC()
	}
	if !e.current.Append(turn) {
		e.log.Warn().Str("state", string(e.state)).Str("sender", string(turn.Sender)).Msg("drop turn outside a live call")
		return session.Turn{}, false
	}
	return turn, true
}

// advance moves a call under setup forward. It fails when the call was
// ended meanwhile.
func (e *Engine) advance(sid string, to session.State) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isLiveLocked(sid) && e.transitionLocked(to)
}

func (e *Engine) isLive(sid string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isLiveLocked(sid)
}

func (e *Engine) isLiveLocked(sid string) bool {
	return e.current != nil && e.current.ID == sid && !e.ending
}

func (e *Engine) transitionLocked(to session.State) bool {
	from := e.state
	if !session.CanTransition(from, to) {
		e.log.Warn().Err(&session.TransitionError{From: from, To: to}).Msg("refused transition")
		return false
	}
	e.state = to
	if e.current != nil {
		e.current.State = to
	}
	return true
}
