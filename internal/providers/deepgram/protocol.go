package deepgram

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"livevoice/internal/domain"
	"livevoice/internal/ports"
)

var (
	closeStreamMessage = []byte(`{"type":"CloseStream"}`)
	keepAliveMessage   = []byte(`{"type":"KeepAlive"}`)
)

// listenMessage covers the server messages of the live listen API. Results
// carry channel.alternatives; older deployments nest them under results.
type listenMessage struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	Description string `json:"description"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`

	Channel struct {
		Alternatives []alternative `json:"alternatives"`
	} `json:"channel"`

	Results struct {
		Channels []struct {
			Alternatives []alternative `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

type alternative struct {
	Transcript string `json:"transcript"`
}

func (m listenMessage) transcript() string {
	if len(m.Channel.Alternatives) > 0 {
		if text := strings.TrimSpace(m.Channel.Alternatives[0].Transcript); text != "" {
			return text
		}
	}
	if len(m.Results.Channels) > 0 && len(m.Results.Channels[0].Alternatives) > 0 {
		return strings.TrimSpace(m.Results.Channels[0].Alternatives[0].Transcript)
	}
	return ""
}

// decodeMessage turns one server payload into a transcript event. ok is false
// for messages that carry nothing for the listener. A server-side error is
// returned as err.
func decodeMessage(payload []byte) (event domain.TranscriptEvent, ok bool, err error) {
	var msg listenMessage
	if jsonErr := json.Unmarshal(payload, &msg); jsonErr != nil {
		return domain.TranscriptEvent{}, false, nil
	}

	switch strings.ToLower(msg.Type) {
	case "error":
		detail := firstNonEmpty(msg.Description, msg.Message, "deepgram returned an unknown error")
		return domain.TranscriptEvent{}, false, fmt.Errorf("deepgram: %s", detail)
	case "utteranceend":
		return domain.TranscriptEvent{Kind: domain.TranscriptKindFinal, IsSpeechFinal: true}, true, nil
	case "metadata", "speechstarted":
		return domain.TranscriptEvent{}, false, nil
	}

	text := msg.transcript()
	if text == "" {
		if msg.SpeechFinal {
			return domain.TranscriptEvent{Kind: domain.TranscriptKindFinal, IsSpeechFinal: true}, true, nil
		}
		return domain.TranscriptEvent{}, false, nil
	}
	event = domain.TranscriptEvent{Kind: domain.TranscriptKindPartial, Text: text, IsSpeechFinal: msg.SpeechFinal}
	if msg.IsFinal || msg.SpeechFinal {
		event.Kind = domain.TranscriptKindFinal
	}
	return event, true, nil
}

func buildListenURL(providerCfg Config, streamCfg ports.StreamingConfig) (string, error) {
	base := strings.TrimSpace(providerCfg.APIBaseURL)
	if base == "" {
		base = defaultBaseURL
	}
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}

	listenURL, err := url.Parse(strings.TrimRight(base, "/") + "/listen")
	if err != nil {
		return "", fmt.Errorf("invalid Deepgram API base URL: %w", err)
	}

	encoding := firstNonEmpty(streamCfg.Encoding, "linear16")
	rate := streamCfg.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	channels := streamCfg.Channels
	if channels <= 0 {
		channels = 1
	}

	query := listenURL.Query()
	query.Set("model", providerCfg.Model)
	query.Set("encoding", encoding)
	query.Set("sample_rate", strconv.Itoa(rate))
	query.Set("channels", strconv.Itoa(channels))
	query.Set("interim_results", strconv.FormatBool(streamCfg.InterimResults))
	query.Set("smart_format", strconv.FormatBool(providerCfg.SmartFormat))
	if language := firstNonEmpty(streamCfg.Language, providerCfg.Language); language != "" {
		query.Set("language", language)
	}
	if providerCfg.EndpointingMS > 0 {
		query.Set("endpointing", strconv.Itoa(providerCfg.EndpointingMS))
	}
	if streamCfg.InterimResults {
		// utterance_end_ms is only accepted with interim_results.
		query.Set("utterance_end_ms", "1000")
	}
	for _, phrase := range streamCfg.Phrases {
		if phrase = strings.TrimSpace(phrase); phrase != "" {
			query.Add("keywords", phrase)
		}
	}
	listenURL.RawQuery = query.Encode()
	return listenURL.String(), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
