package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType names wire frame variants in logs and metrics.
type MessageType string

const (
	TypeSetup                MessageType = "setup"
	TypeClientContent        MessageType = "client_content"
	TypeRealtimeAudio        MessageType = "realtime_audio"
	TypeStreamEnd            MessageType = "stream_end"
	TypeSetupComplete        MessageType = "setup_complete"
	TypeServerContent        MessageType = "server_content"
	TypeToolCall             MessageType = "tool_call"
	TypeToolCallCancellation MessageType = "tool_call_cancellation"
	TypeGoAway               MessageType = "go_away"
	TypeUsage                MessageType = "usage_metadata"
	TypeError                MessageType = "error"
)

const (
	DefaultInputMIME   = "audio/pcm;rate=16000"
	ModalityAudio      = "AUDIO"
	ActivityInterrupts = "START_OF_ACTIVITY_INTERRUPTS"
	RoleUser           = "user"
)

var ErrUnsupportedType = errors.New("unsupported message type")

// ServerMessage is one decoded incoming frame. The concrete type is one of
// SetupComplete, ServerContent, ToolCall, ToolCallCancellation, GoAway, Usage
// or ErrorMessage.
type ServerMessage interface {
	Type() MessageType
}

type SetupComplete struct{}

type Transcription struct {
	Text  string
	Final bool
}

type AudioPart struct {
	MIMEType string
	PCM      []byte
}

// ServerContent carries model output for the current turn. Parts keep their
// wire order so text and audio can be dispatched in arrival order.
type ServerContent struct {
	Parts              []ContentPart
	InputTranscript    *Transcription
	OutputTranscript   *Transcription
	Interrupted        bool
	TurnComplete       bool
	GenerationComplete bool
	// PartErrors holds the parts that could not be decoded. They are left
	// out of Parts and the rest of the frame is kept.
	PartErrors []error
}

// ContentPart is either text or audio; exactly one field is set.
type ContentPart struct {
	Text  string
	Audio *AudioPart
}

type ToolCall struct {
	Names []string
}

type ToolCallCancellation struct {
	IDs []string
}

type GoAway struct {
	TimeLeft string
}

type Usage struct{}

type ErrorMessage struct {
	Code    int
	Status  string
	Message string
}

func (SetupComplete) Type() MessageType        { return TypeSetupComplete }
func (ServerContent) Type() MessageType        { return TypeServerContent }
func (ToolCall) Type() MessageType             { return TypeToolCall }
func (ToolCallCancellation) Type() MessageType { return TypeToolCallCancellation }
func (GoAway) Type() MessageType               { return TypeGoAway }
func (Usage) Type() MessageType                { return TypeUsage }
func (ErrorMessage) Type() MessageType         { return TypeError }

type serverEnvelope struct {
	SetupComplete        *json.RawMessage   `json:"setupComplete"`
	ServerContent        *serverContentWire `json:"serverContent"`
	ToolCall             *toolCallWire      `json:"toolCall"`
	ToolCallCancellation *toolCancelWire    `json:"toolCallCancellation"`
	GoAway               *goAwayWire        `json:"goAway"`
	UsageMetadata        *json.RawMessage   `json:"usageMetadata"`
	Error                *errorWire         `json:"error"`
}

type serverContentWire struct {
	ModelTurn *struct {
		Parts []partWire `json:"parts"`
	} `json:"modelTurn"`
	InputTranscription  *transcriptionWire `json:"inputTranscription"`
	OutputTranscription *transcriptionWire `json:"outputTranscription"`
	Interrupted         bool               `json:"interrupted"`
	TurnComplete        bool               `json:"turnComplete"`
	GenerationComplete  bool               `json:"generationComplete"`
}

type partWire struct {
	Text       string `json:"text"`
	InlineData *struct {
		MIMEType string `json:"mimeType"`
		Data     string `json:"data"`
	} `json:"inlineData"`
}

type transcriptionWire struct {
	Text     string `json:"text"`
	IsFinal  bool   `json:"isFinal"`
	Finished bool   `json:"finished"`
}

type toolCallWire struct {
	FunctionCalls []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"functionCalls"`
}

type toolCancelWire struct {
	IDs []string `json:"ids"`
}

type goAwayWire struct {
	TimeLeft string `json:"timeLeft"`
}

type errorWire struct {
	Code    int    `json:"code"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// ParseServerMessage decodes one incoming frame into its typed variant.
// Frames with none of the known discriminant keys yield ErrUnsupportedType.
func ParseServerMessage(raw []byte) (ServerMessage, error) {
	var env serverEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch {
	case env.Error != nil:
		msg := strings.TrimSpace(env.Error.Message)
		if msg == "" {
			msg = "server error"
		}
		return ErrorMessage{Code: env.Error.Code, Status: env.Error.Status, Message: msg}, nil
	case env.SetupComplete != nil:
		return SetupComplete{}, nil
	case env.ServerContent != nil:
		return parseServerContent(env.ServerContent), nil
	case env.ToolCall != nil:
		names := make([]string, 0, len(env.ToolCall.FunctionCalls))
		for _, fc := range env.ToolCall.FunctionCalls {
			names = append(names, fc.Name)
		}
		return ToolCall{Names: names}, nil
	case env.ToolCallCancellation != nil:
		return ToolCallCancellation{IDs: env.ToolCallCancellation.IDs}, nil
	case env.GoAway != nil:
		return GoAway{TimeLeft: env.GoAway.TimeLeft}, nil
	case env.UsageMetadata != nil:
		return Usage{}, nil
	default:
		return nil, ErrUnsupportedType
	}
}

func parseServerContent(w *serverContentWire) ServerContent {
	out := ServerContent{
		Interrupted:        w.Interrupted,
		TurnComplete:       w.TurnComplete,
		GenerationComplete: w.GenerationComplete,
	}
	if w.ModelTurn != nil {
		for i, p := range w.ModelTurn.Parts {
			switch {
			case p.InlineData != nil:
				pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil {
					out.PartErrors = append(out.PartErrors, fmt.Errorf("invalid inlineData in part %d: %w", i, err))
					continue
				}
				out.Parts = append(out.Parts, ContentPart{Audio: &AudioPart{MIMEType: p.InlineData.MIMEType, PCM: pcm}})
			case p.Text != "":
				out.Parts = append(out.Parts, ContentPart{Text: p.Text})
			}
		}
	}
	if t := w.InputTranscription; t != nil {
		out.InputTranscript = &Transcription{Text: t.Text, Final: t.IsFinal || t.Finished}
	}
	if t := w.OutputTranscription; t != nil {
		out.OutputTranscript = &Transcription{Text: t.Text, Final: t.IsFinal || t.Finished}
	}
	return out
}
