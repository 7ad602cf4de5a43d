package httpapi

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/antoniostano/livecall/internal/logging"
	"github.com/antoniostano/livecall/internal/observability"
	"github.com/antoniostano/livecall/internal/persona"
	"github.com/antoniostano/livecall/internal/session"
)

type EventType string

const (
	EventHello   EventType = "hello"
	EventCalling EventType = "calling"
	EventDismiss EventType = "dismiss_calling"
	EventStatus  EventType = "status"
	EventMute    EventType = "mute"
	EventTurn    EventType = "turn"
)

const (
	subscriberBuffer  = 64
	eventWriteTimeout = 5 * time.Second
	eventPingInterval = 30 * time.Second
)

// Event is one UI notification pushed on /v1/call/events.
type Event struct {
	Type    EventType             `json:"type"`
	State   session.State         `json:"state,omitempty"`
	Text    string                `json:"text,omitempty"`
	Persona *persona.Persona      `json:"persona,omitempty"`
	Mute    *session.MuteSnapshot `json:"mute,omitempty"`
	Turn    *session.Turn         `json:"turn,omitempty"`
	At      time.Time             `json:"at"`
}

type subscriber struct {
	ch chan Event
}

// EventHub fans call notifications out to websocket subscribers. It
// implements call.Notifier. Slow subscribers lose events rather than block
// the engine.
type EventHub struct {
	metrics *observability.Metrics
	log     zerolog.Logger

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

func NewEventHub(metrics *observability.Metrics, logger zerolog.Logger) *EventHub {
	return &EventHub{
		metrics: metrics,
		log:     logging.Component(logger, "events"),
		subs:    make(map[*subscriber]struct{}),
	}
}

func (h *EventHub) ShowCalling(p persona.Persona) {
	h.broadcast(Event{Type: EventCalling, Persona: &p})
}

func (h *EventHub) DismissCalling() {
	h.broadcast(Event{Type: EventDismiss})
}

func (h *EventHub) Status(state session.State, text string) {
	h.broadcast(Event{Type: EventStatus, State: state, Text: text})
}

func (h *EventHub) MuteChanged(m session.MuteSnapshot) {
	h.broadcast(Event{Type: EventMute, Mute: &m})
}

func (h *EventHub) TurnCommitted(turn session.Turn) {
	h.broadcast(Event{Type: EventTurn, Turn: &turn})
}

// Subscribers reports how many event streams are attached.
func (h *EventHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *EventHub) broadcast(ev Event) {
	ev.At = time.Now().UTC()
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.ch <- ev:
		default:
			h.metrics.CallEvent("ui_event_dropped")
			h.log.Debug().Str("type", string(ev.Type)).Msg("subscriber queue full, dropping event")
		}
	}
}

func (h *EventHub) subscribe() *subscriber {
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *EventHub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
}

// Serve streams events to conn until the peer goes away or ctx ends. The
// first event is a hello carrying the current state and mute flags.
func (h *EventHub) Serve(ctx context.Context, conn *websocket.Conn, state session.State, mute session.MuteSnapshot) {
	defer conn.Close()
	sub := h.subscribe()
	defer h.unsubscribe(sub)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ping := time.NewTicker(eventPingInterval)
		defer ping.Stop()

		write := func(ev Event) bool {
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				cancel()
				return false
			}
			h.metrics.Frame("outbound", "ui_"+string(ev.Type))
			return true
		}
		if !write(Event{Type: EventHello, State: state, Mute: &mute, At: time.Now().UTC()}) {
			return
		}
		for {
			select {
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventWriteTimeout)); err != nil {
					cancel()
					return
				}
			case ev := <-sub.ch:
				if !write(ev) {
					return
				}
			}
		}
	}()

	// Inbound messages are ignored; reading only detects the peer closing.
	conn.SetReadLimit(4096)
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	<-writerDone
}
