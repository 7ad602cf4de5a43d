package app

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/antoniostano/livecall/internal/config"
	"github.com/antoniostano/livecall/internal/persona"
	"github.com/antoniostano/livecall/internal/session"
)

type countingNotifier struct {
	statuses []session.State
}

func (n *countingNotifier) ShowCalling(persona.Persona)      {}
func (n *countingNotifier) DismissCalling()                  {}
func (n *countingNotifier) MuteChanged(session.MuteSnapshot) {}
func (n *countingNotifier) TurnCommitted(session.Turn)       {}

func (n *countingNotifier) Status(state session.State, _ string) {
	n.statuses = append(n.statuses, state)
}

func TestBuildWithSilentDevices(t *testing.T) {
	cfg := config.Config{
		MetricsNamespace:          "app_build_test",
		LiveAPIKey:                "test-key",
		LiveModel:                 "models/test",
		AudioBackend:              config.AudioBackendNone,
		AudioCaptureSampleRate:    16000,
		AudioPlaybackSampleRate:   24000,
		CallHistoryLimit:          4,
		TranscriptUserDebounce:    1500 * time.Millisecond,
		TranscriptPersonaDebounce: 800 * time.Millisecond,
	}
	extra := &countingNotifier{}
	res, err := Build(context.Background(), cfg, Options{Notifier: extra, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer func() {
		if err := res.Cleanup(); err != nil {
			t.Fatalf("Cleanup() error = %v", err)
		}
	}()

	if res.Engine == nil || res.API == nil || res.Events == nil {
		t.Fatalf("Build() result missing components: %+v", res)
	}
	if res.Recap {
		t.Fatalf("recap enabled without RECAP_ENABLED")
	}
	if res.Personas != 3 {
		t.Fatalf("personas = %d, want the embedded catalog", res.Personas)
	}
	if res.Engine.State() != session.StateIdle {
		t.Fatalf("engine state = %s", res.Engine.State())
	}

	res.Events.Status(session.StateRinging, "x")
	fan := fanout{res.Events, extra}
	fan.Status(session.StateActive, "y")
	if len(extra.statuses) != 1 || extra.statuses[0] != session.StateActive {
		t.Fatalf("fanout statuses = %v", extra.statuses)
	}
}
