package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/antoniostano/livecall/internal/device"
	"github.com/antoniostano/livecall/internal/persona"
	"github.com/antoniostano/livecall/internal/reliability"
	"github.com/antoniostano/livecall/internal/session"
)

// consoleNotifier prints call progress and the transcript to a terminal.
type consoleNotifier struct {
	mu      sync.Mutex
	out     io.Writer
	persona string
	ended   chan struct{}
	once    sync.Once
}

func newConsoleNotifier(out io.Writer) *consoleNotifier {
	return &consoleNotifier{out: out, persona: "Persona", ended: make(chan struct{})}
}

func (c *consoleNotifier) ShowCalling(p persona.Persona) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.persona = p.Name
	fmt.Fprintf(c.out, "📞 Calling %s (%s)\n", p.Name, p.Language)
}

func (c *consoleNotifier) DismissCalling() {}

func (c *consoleNotifier) Status(state session.State, text string) {
	c.mu.Lock()
	fmt.Fprintf(c.out, "[%s] %s\n", state, text)
	c.mu.Unlock()
	if state == session.StateEnded {
		c.once.Do(func() { close(c.ended) })
	}
}

func (c *consoleNotifier) MuteChanged(m session.MuteSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "mic %s, speaker %s\n", onOff(!m.MicMuted), onOff(!m.SpeakerMuted))
}

func (c *consoleNotifier) TurnCommitted(turn session.Turn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch turn.Sender {
	case session.SenderUser:
		fmt.Fprintf(c.out, "You: %s\n", turn.Text)
	case session.SenderPersona:
		fmt.Fprintf(c.out, "%s: %s\n", c.persona, turn.Text)
	default:
		fmt.Fprintf(c.out, "· %s\n", turn.Text)
	}
}

// Ended is closed once the call reaches the ended state.
func (c *consoleNotifier) Ended() <-chan struct{} { return c.ended }

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

type consoleEngine interface {
	EndLiveCall(ctx context.Context, generateRecap bool) error
	ToggleMicMute() (bool, error)
	ToggleSpeakerMute() (bool, error)
	RequestActivity() error
	SendText(text string) error
}

// runConsole feeds stdin commands to the engine until the call ends, the
// user hangs up or ctx is cancelled.
func runConsole(ctx context.Context, in io.Reader, out io.Writer, eng consoleEngine, console *consoleNotifier, recap bool) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-console.Ended():
				return
			}
		}
	}()

	hangUp := func() {
		if err := eng.EndLiveCall(context.Background(), recap); err != nil {
			fmt.Fprintln(out, reliability.Status(err))
		}
	}

	for {
		select {
		case <-ctx.Done():
			hangUp()
			return
		case <-console.Ended():
			return
		case line, ok := <-lines:
			if !ok {
				hangUp()
				return
			}
			if quit := handleLine(out, eng, line); quit {
				hangUp()
				return
			}
		}
	}
}

func handleLine(out io.Writer, eng consoleEngine, line string) (quit bool) {
	var err error
	switch cmd := strings.TrimSpace(line); strings.ToLower(cmd) {
	case "":
		return false
	case "q", "quit", "bye":
		return true
	case "m":
		_, err = eng.ToggleMicMute()
	case "s":
		_, err = eng.ToggleSpeakerMute()
	case "a":
		err = eng.RequestActivity()
	default:
		err = eng.SendText(cmd)
	}
	if err != nil {
		fmt.Fprintln(out, reliability.Status(err))
	}
	return false
}

func printPersonas(out io.Writer, list []persona.Persona) {
	for _, p := range list {
		fmt.Fprintf(out, "%-10s %-8s %-10s %-6s %s\n", p.ID, p.Name, p.Role, p.Language, p.Voice)
		for _, a := range p.Activities {
			fmt.Fprintf(out, "%12s- %s: %s\n", "", a.ID, a.Title)
		}
	}
}

func printDevices(out io.Writer, infos []device.Info) {
	for _, d := range infos {
		marks := ""
		if d.DefaultInput {
			marks += " [default input]"
		}
		if d.DefaultOutput {
			marks += " [default output]"
		}
		fmt.Fprintf(out, "%s (%s) in=%d out=%d rate=%.0f%s\n",
			d.Name, d.HostAPI, d.MaxInputChannels, d.MaxOutputChannels, d.DefaultSampleRate, marks)
	}
}
