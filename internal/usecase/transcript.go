package usecase

import (
	"strings"

	"livevoice/internal/domain"
)

// turnTranscript accumulates live transcription for the current turn. Server
// fragments carry their own spacing, so they are appended verbatim.
type turnTranscript struct {
	model strings.Builder
	user  strings.Builder
}

func (t *turnTranscript) Append(role domain.Role, fragment string) domain.TranscriptEntry {
	b := &t.model
	if role == domain.RoleUser {
		b = &t.user
	}
	b.WriteString(fragment)
	return domain.TranscriptEntry{Role: role, Text: b.String()}
}

func (t *turnTranscript) Text(role domain.Role) string {
	if role == domain.RoleUser {
		return t.user.String()
	}
	return t.model.String()
}

// Clear empties both buffers and reports whether anything was dropped.
func (t *turnTranscript) Clear() bool {
	had := t.model.Len() > 0 || t.user.Len() > 0
	t.model.Reset()
	t.user.Reset()
	return had
}
