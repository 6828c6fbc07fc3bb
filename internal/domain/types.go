package domain

// SessionStatus models the voice session lifecycle.
type SessionStatus string

const (
	StatusDisconnected SessionStatus = "DISCONNECTED"
	StatusConnecting   SessionStatus = "CONNECTING"
	StatusConnected    SessionStatus = "CONNECTED"
	StatusError        SessionStatus = "ERROR"
)

// StatusReason provides a structured reason for state transitions.
type StatusReason string

const (
	ReasonIdle             StatusReason = "idle"
	ReasonConnecting       StatusReason = "connecting"
	ReasonListening        StatusReason = "listening"
	ReasonRestarted        StatusReason = "restarted"
	ReasonStopped          StatusReason = "stopped"
	ReasonRemoteClosed     StatusReason = "remote_closed"
	ReasonModelInterrupted StatusReason = "model_interrupted"
	ReasonStartFailed      StatusReason = "start_failed"
	ReasonSessionFailed    StatusReason = "session_failed"
	ReasonWakeWord         StatusReason = "wake_word"
)

// Role identifies the speaker of a transcript entry.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// TranscriptEntry is the accumulated text of the current turn for one speaker.
type TranscriptEntry struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// ServerEvent is one inbound message from the remote session. The fields are
// independent and may co-occur.
type ServerEvent struct {
	// Audio is raw 16-bit little-endian PCM, already unwrapped from the
	// transport encoding.
	Audio []byte
	// Malformed is set when the transport could not unwrap an audio payload.
	// The chunk is dropped; the session continues.
	Malformed error

	OutputTranscript string
	InputTranscript  string
	TurnComplete     bool
	Interrupted      bool
}

// SessionSettings is the remote session configuration.
type SessionSettings struct {
	Model         string `json:"model"`
	Voice         string `json:"voice"`
	SystemPrompt  string `json:"-"`
	Transcription bool   `json:"transcription"`
}

// Snapshot summarizes the observable pipeline state.
type Snapshot struct {
	SessionID   string        `json:"sessionId,omitempty"`
	Status      SessionStatus `json:"status"`
	Listening   bool          `json:"isListening"`
	Speaking    bool          `json:"isSpeaking"`
	Transcript  string        `json:"transcript"`
	UserText    string        `json:"userTranscript,omitempty"`
	LastError   string        `json:"lastError,omitempty"`
	ErrorDetail string        `json:"errorDetail,omitempty"`
}

// Active reports whether a session is alive or being established.
func (s Snapshot) Active() bool {
	return s.Status == StatusConnecting || s.Status == StatusConnected
}

// TranscriptKind distinguishes interim from final recognition results.
type TranscriptKind string

const (
	TranscriptKindPartial TranscriptKind = "partial"
	TranscriptKindFinal   TranscriptKind = "final"
)

// TranscriptEvent is one result from a streaming speech recognizer.
type TranscriptEvent struct {
	Kind          TranscriptKind
	Text          string
	IsSpeechFinal bool
}
