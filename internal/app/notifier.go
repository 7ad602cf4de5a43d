package app

import (
	"github.com/antoniostano/livecall/internal/call"
	"github.com/antoniostano/livecall/internal/persona"
	"github.com/antoniostano/livecall/internal/session"
)

// fanout forwards every notification to each notifier in order.
type fanout []call.Notifier

func (f fanout) ShowCalling(p persona.Persona) {
	for _, n := range f {
		n.ShowCalling(p)
	}
}

func (f fanout) DismissCalling() {
	for _, n := range f {
		n.DismissCalling()
	}
}

func (f fanout) Status(state session.State, text string) {
	for _, n := range f {
		n.Status(state, text)
	}
}

func (f fanout) MuteChanged(m session.MuteSnapshot) {
	for _, n := range f {
		n.MuteChanged(m)
	}
}

func (f fanout) TurnCommitted(turn session.Turn) {
	for _, n := range f {
		n.TurnCommitted(turn)
	}
}
