package reliability

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Kind classifies failures surfaced by the call engine.
type Kind string

const (
	KindSetup      Kind = "setup"
	KindConnection Kind = "connection"
	KindProtocol   Kind = "protocol"
	KindDevice     Kind = "device"
	KindState      Kind = "state"
)

// Error tags an underlying error with its Kind and the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func Setup(op string, err error) error      { return &Error{Kind: KindSetup, Op: op, Err: err} }
func Connection(op string, err error) error { return &Error{Kind: KindConnection, Op: op, Err: err} }
func Protocol(op string, err error) error   { return &Error{Kind: KindProtocol, Op: op, Err: err} }
func Device(op string, err error) error     { return &Error{Kind: KindDevice, Op: op, Err: err} }
func State(op string, err error) error      { return &Error{Kind: KindState, Op: op, Err: err} }

// KindOf returns the Kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries kind k.
func IsKind(err error, k Kind) bool {
	return KindOf(err) == k
}

// Websocket close codes (RFC 6455 section 7.4.1 and the IANA registry).
const (
	NormalClosure   = 1000
	GoingAway       = 1001
	AbnormalClosure = 1006
	InternalError   = 1011
	ServiceRestart  = 1012
	TryAgainLater   = 1013
)

// IsCleanClose reports whether a close code means the peer hung up normally.
func IsCleanClose(code int) bool {
	return code == NormalClosure
}

const maxStatusRunes = 120

// Status renders err as a short single-line message fit for a status bar.
func Status(err error) string {
	if err == nil {
		return ""
	}
	var msg string
	switch KindOf(err) {
	case KindSetup:
		msg = "Call setup failed: "
	case KindConnection:
		msg = "Connection lost: "
	case KindProtocol:
		msg = "The voice service reported an error: "
	case KindDevice:
		msg = "Audio device problem: "
	case KindState:
		msg = "Not available right now: "
	default:
		msg = "Call failed: "
	}
	var e *Error
	detail := err.Error()
	if errors.As(err, &e) && e.Err != nil {
		detail = e.Err.Error()
	}
	msg += strings.Join(strings.Fields(detail), " ")
	return truncateRunes(msg, maxStatusRunes)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n-1]) + "…"
}
