package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/antoniostano/livecall/internal/persona"
	"github.com/antoniostano/livecall/internal/reliability"
	"github.com/antoniostano/livecall/internal/session"
)

type scriptedEngine struct {
	mu       sync.Mutex
	calls    []string
	ends     []bool
	console  *consoleNotifier
	activity error
}

func (e *scriptedEngine) record(call string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, call)
}

func (e *scriptedEngine) EndLiveCall(_ context.Context, recap bool) error {
	e.mu.Lock()
	e.ends = append(e.ends, recap)
	e.mu.Unlock()
	e.console.Status(session.StateEnded, "Call ended")
	return nil
}

func (e *scriptedEngine) ToggleMicMute() (bool, error)     { e.record("mic"); return true, nil }
func (e *scriptedEngine) ToggleSpeakerMute() (bool, error) { e.record("speaker"); return true, nil }

func (e *scriptedEngine) RequestActivity() error {
	e.record("activity")
	return e.activity
}

func (e *scriptedEngine) SendText(text string) error {
	e.record("text:" + text)
	return nil
}

func TestRunConsoleDispatchesCommands(t *testing.T) {
	var out bytes.Buffer
	console := newConsoleNotifier(&out)
	eng := &scriptedEngine{
		console:  console,
		activity: reliability.State("call.activity", errors.New("no active call")),
	}
	in := strings.NewReader("m\ns\n\na\nciao a tutti\nq\nignored\n")

	done := make(chan struct{})
	go func() {
		runConsole(context.Background(), in, &out, eng, console, true)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("runConsole did not return after q")
	}

	want := []string{"mic", "speaker", "activity", "text:ciao a tutti"}
	if strings.Join(eng.calls, ",") != strings.Join(want, ",") {
		t.Fatalf("calls = %v, want %v", eng.calls, want)
	}
	if len(eng.ends) != 1 || !eng.ends[0] {
		t.Fatalf("ends = %v, want one hang-up with recap", eng.ends)
	}
	if !strings.Contains(out.String(), "Not available right now") {
		t.Fatalf("activity error not reported: %q", out.String())
	}
}

func TestRunConsoleReturnsWhenCallEnds(t *testing.T) {
	var out bytes.Buffer
	console := newConsoleNotifier(&out)
	eng := &scriptedEngine{console: console}

	done := make(chan struct{})
	go func() {
		// A reader that never yields keeps the scanner blocked.
		pr, _ := io.Pipe()
		runConsole(context.Background(), pr, &out, eng, console, false)
		close(done)
	}()
	console.Status(session.StateEnded, "Call ended")
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("runConsole did not return after the call ended")
	}
	if len(eng.ends) != 0 {
		t.Fatalf("hung up a call that had already ended")
	}
}

func TestConsoleNotifierFormatsTurns(t *testing.T) {
	var out bytes.Buffer
	c := newConsoleNotifier(&out)
	c.ShowCalling(persona.Persona{Name: "Giulia", Language: "it-IT"})
	c.TurnCommitted(session.Turn{Sender: session.SenderUser, Text: "Ciao"})
	c.TurnCommitted(session.Turn{Sender: session.SenderPersona, Text: "Ciao! Come stai?"})
	c.MuteChanged(session.MuteSnapshot{MicMuted: true})

	got := out.String()
	for _, want := range []string{"Calling Giulia", "You: Ciao\n", "Giulia: Ciao! Come stai?\n", "mic off, speaker on"} {
		if !strings.Contains(got, want) {
			t.Fatalf("output missing %q:\n%s", want, got)
		}
	}
}

func TestPrintPersonas(t *testing.T) {
	catalog, err := persona.Default()
	if err != nil {
		t.Fatalf("persona.Default() error = %v", err)
	}
	var out bytes.Buffer
	printPersonas(&out, catalog.List())
	if !strings.Contains(out.String(), "marco") || !strings.Contains(out.String(), "roleplay-cafe") {
		t.Fatalf("printPersonas output = %q", out.String())
	}
}
