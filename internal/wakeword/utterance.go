package wakeword

import (
	"strings"

	"livevoice/internal/domain"
)

// utterance accumulates recognizer output for one listening cycle. Finals
// are kept in order; the newest partial stands in for speech that has not
// been finalized yet.
type utterance struct {
	finals  []string
	pending string
}

func (u *utterance) Add(event domain.TranscriptEvent) {
	text := strings.TrimSpace(event.Text)
	if text == "" {
		return
	}
	if event.Kind == domain.TranscriptKindFinal {
		u.finals = append(u.finals, text)
		u.pending = ""
		return
	}
	u.pending = text
}

func (u *utterance) Text() string {
	joined := strings.Join(u.finals, " ")
	if u.pending == "" {
		return joined
	}
	if joined == "" {
		return u.pending
	}
	return joined + " " + u.pending
}

func (u *utterance) Reset() {
	u.finals = u.finals[:0]
	u.pending = ""
}
