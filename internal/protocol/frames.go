package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
)

// SetupConfig is everything the first frame of a connection declares.
type SetupConfig struct {
	Model               string
	SystemInstruction   string
	Voice               string
	Language            string
	ResponseModalities  []string
	ActivityHandling    string
	InputTranscription  bool
	OutputTranscription bool
}

// Validate rejects configs the server would refuse at setup.
func (c SetupConfig) Validate() error {
	if strings.TrimSpace(c.Model) == "" {
		return errors.New("model is required")
	}
	if strings.TrimSpace(c.SystemInstruction) == "" {
		return errors.New("system instruction is required")
	}
	return nil
}

type setupFrame struct {
	Setup setupBody `json:"setup"`
}

type setupBody struct {
	Model                    string               `json:"model"`
	GenerationConfig         generationConfig     `json:"generationConfig"`
	SystemInstruction        *content             `json:"systemInstruction,omitempty"`
	RealtimeInputConfig      *realtimeInputConfig `json:"realtimeInputConfig,omitempty"`
	InputAudioTranscription  *struct{}            `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}            `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig  *voiceConfig `json:"voiceConfig,omitempty"`
	LanguageCode string       `json:"languageCode,omitempty"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig struct {
		VoiceName string `json:"voiceName"`
	} `json:"prebuiltVoiceConfig"`
}

type realtimeInputConfig struct {
	ActivityHandling string `json:"activityHandling"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type clientContentFrame struct {
	ClientContent struct {
		Turns        []content `json:"turns"`
		TurnComplete bool      `json:"turnComplete"`
	} `json:"clientContent"`
}

type realtimeInputFrame struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	Audio          *blob `json:"audio,omitempty"`
	AudioStreamEnd bool  `json:"audioStreamEnd,omitempty"`
}

type blob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

// EncodeSetup renders the Setup frame.
func EncodeSetup(c SetupConfig) ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	modalities := c.ResponseModalities
	if len(modalities) == 0 {
		modalities = []string{ModalityAudio}
	}
	body := setupBody{
		Model:            c.Model,
		GenerationConfig: generationConfig{ResponseModalities: modalities},
		SystemInstruction: &content{
			Parts: []part{{Text: c.SystemInstruction}},
		},
	}
	if c.Voice != "" || c.Language != "" {
		sc := &speechConfig{LanguageCode: c.Language}
		if c.Voice != "" {
			sc.VoiceConfig = &voiceConfig{}
			sc.VoiceConfig.PrebuiltVoiceConfig.VoiceName = c.Voice
		}
		body.GenerationConfig.SpeechConfig = sc
	}
	if c.ActivityHandling != "" {
		body.RealtimeInputConfig = &realtimeInputConfig{ActivityHandling: c.ActivityHandling}
	}
	if c.InputTranscription {
		body.InputAudioTranscription = &struct{}{}
	}
	if c.OutputTranscription {
		body.OutputAudioTranscription = &struct{}{}
	}
	return json.Marshal(setupFrame{Setup: body})
}

// EncodeClientText renders a single completed user turn.
func EncodeClientText(text string) ([]byte, error) {
	var f clientContentFrame
	f.ClientContent.Turns = []content{{Role: RoleUser, Parts: []part{{Text: text}}}}
	f.ClientContent.TurnComplete = true
	return json.Marshal(f)
}

// EncodeRealtimeAudio wraps PCM16LE samples. An empty mimeType means 16 kHz.
func EncodeRealtimeAudio(pcm []byte, mimeType string) ([]byte, error) {
	if mimeType == "" {
		mimeType = DefaultInputMIME
	}
	return json.Marshal(realtimeInputFrame{RealtimeInput: realtimeInput{
		Audio: &blob{MIMEType: mimeType, Data: base64.StdEncoding.EncodeToString(pcm)},
	}})
}

// EncodeStreamEnd marks the end of the user's audio stream without closing
// the connection.
func EncodeStreamEnd() ([]byte, error) {
	return json.Marshal(realtimeInputFrame{RealtimeInput: realtimeInput{AudioStreamEnd: true}})
}
