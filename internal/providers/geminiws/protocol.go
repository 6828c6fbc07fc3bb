package geminiws

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"livevoice/internal/audio/pcm"
	"livevoice/internal/domain"
)

const defaultEndpoint = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

type setupMessage struct {
	Setup setup `json:"setup"`
}

type setup struct {
	Model                    string           `json:"model"`
	GenerationConfig         generationConfig `json:"generationConfig"`
	SystemInstruction        *content         `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}        `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}        `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoice `json:"prebuiltVoiceConfig"`
}

type prebuiltVoice struct {
	VoiceName string `json:"voiceName"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string `json:"text,omitempty"`
	InlineData *blob  `json:"inlineData,omitempty"`
}

type blob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	Audio *blob `json:"audio,omitempty"`
}

type serverMessage struct {
	SetupComplete *struct{}      `json:"setupComplete,omitempty"`
	ServerContent *serverContent `json:"serverContent,omitempty"`
	GoAway        *goAway        `json:"goAway,omitempty"`
}

type serverContent struct {
	ModelTurn           *content       `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type transcription struct {
	Text string `json:"text"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft"`
}

func buildSetup(settings domain.SessionSettings) setupMessage {
	model := strings.TrimSpace(settings.Model)
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}

	msg := setupMessage{Setup: setup{
		Model: model,
		GenerationConfig: generationConfig{
			ResponseModalities: []string{"AUDIO"},
		},
	}}
	if voice := strings.TrimSpace(settings.Voice); voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{PrebuiltVoiceConfig: prebuiltVoice{VoiceName: voice}},
		}
	}
	if prompt := strings.TrimSpace(settings.SystemPrompt); prompt != "" {
		msg.Setup.SystemInstruction = &content{Parts: []part{{Text: prompt}}}
	}
	if settings.Transcription {
		msg.Setup.InputAudioTranscription = &struct{}{}
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}
	return msg
}

func audioMessage(frame pcm.Frame) realtimeInputMessage {
	return realtimeInputMessage{RealtimeInput: realtimeInput{
		Audio: &blob{MIMEType: frame.MIMEType, Data: frame.Data},
	}}
}

// toServerEvent flattens one server message. ok is false when the message
// carries nothing the pipeline reacts to.
func toServerEvent(msg serverMessage) (domain.ServerEvent, bool) {
	sc := msg.ServerContent
	if sc == nil {
		return domain.ServerEvent{}, false
	}

	var event domain.ServerEvent
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil || !strings.HasPrefix(p.InlineData.MIMEType, "audio/") {
				continue
			}
			raw, err := pcm.Decode(p.InlineData.Data)
			if err != nil {
				event.Malformed = errors.Join(event.Malformed, err)
				continue
			}
			event.Audio = append(event.Audio, raw...)
		}
	}
	if sc.OutputTranscription != nil {
		event.OutputTranscript = sc.OutputTranscription.Text
	}
	if sc.InputTranscription != nil {
		event.InputTranscript = sc.InputTranscription.Text
	}
	event.TurnComplete = sc.TurnComplete
	event.Interrupted = sc.Interrupted

	empty := len(event.Audio) == 0 && event.Malformed == nil &&
		event.OutputTranscript == "" && event.InputTranscript == "" &&
		!event.TurnComplete && !event.Interrupted
	return event, !empty
}

func buildURL(endpoint, apiKey string) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	if strings.HasPrefix(endpoint, "https://") {
		endpoint = "wss://" + strings.TrimPrefix(endpoint, "https://")
	} else if strings.HasPrefix(endpoint, "http://") {
		endpoint = "ws://" + strings.TrimPrefix(endpoint, "http://")
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid Gemini Live endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("invalid Gemini Live endpoint scheme %q", u.Scheme)
	}
	query := u.Query()
	query.Set("key", apiKey)
	u.RawQuery = query.Encode()
	return u.String(), nil
}
