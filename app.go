package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"livevoice/internal/config"
	"livevoice/internal/domain"
	"livevoice/internal/usecase"
)

// Controller is the part of the session controller the terminal drives.
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Toggle(ctx context.Context) error
	Status() domain.Snapshot
}

type styles struct {
	Title  lipgloss.Style
	Status lipgloss.Style
	User   lipgloss.Style
	Model  lipgloss.Style
	Error  lipgloss.Style
	Help   lipgloss.Style
}

func newStyles() styles {
	primary := lipgloss.Color("#00ff9f")
	dim := lipgloss.Color("#6e7681")
	return styles{
		Title:  lipgloss.NewStyle().Bold(true).Foreground(primary),
		Status: lipgloss.NewStyle().Foreground(primary),
		User:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#58a6ff")),
		Model:  lipgloss.NewStyle().Bold(true).Foreground(primary),
		Error:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#ff5f5f")),
		Help:   lipgloss.NewStyle().Foreground(dim),
	}
}

const helpText = "commands: start, stop, toggle (or empty line), status, quit"

// App is the terminal front end. It implements ports.EventSink.
type App struct {
	out    io.Writer
	styles styles

	controller Controller
	cfg        config.Config

	mu      sync.Mutex
	pending *domain.TranscriptEntry
}

func NewApp(out io.Writer) *App {
	return &App{out: out, styles: newStyles()}
}

func (a *App) attach(controller Controller, cfg config.Config) {
	a.controller = controller
	a.cfg = cfg
}

// Run reads commands from in until quit, end of input or ctx is done. Commands
// still in flight end when ctx is cancelled.
func (a *App) Run(ctx context.Context, in io.Reader) error {
	a.banner()

	lines := make(chan string)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			cmd := strings.ToLower(strings.TrimSpace(line))
			switch cmd {
			case "quit", "exit", "q":
				return nil
			case "status":
				a.printStatus()
			case "help", "?":
				a.println(a.styles.Help.Render(helpText))
			case "", "toggle", "start", "stop":
				// Start blocks until the session connects; keep reading so
				// stop still works meanwhile.
				go a.execute(ctx, cmd)
			default:
				a.println(a.styles.Help.Render(fmt.Sprintf("unknown command %q; %s", cmd, helpText)))
			}
		}
	}
}

func (a *App) execute(ctx context.Context, cmd string) {
	if a.controller == nil {
		a.println(a.styles.Error.Render("application is not initialized"))
		return
	}
	var err error
	switch cmd {
	case "start":
		err = a.controller.Start(ctx)
	case "stop":
		err = a.controller.Stop(ctx)
	default:
		err = a.controller.Toggle(ctx)
	}
	if err == nil || ctx.Err() != nil {
		return
	}
	// Pipeline failures already arrive through SessionError.
	if errors.Is(err, usecase.ErrSessionStopped) || domain.CodeOf(err) != "" {
		return
	}
	a.println(a.styles.Error.Render("✗ " + err.Error()))
}

func (a *App) banner() {
	a.println(a.styles.Title.Render("livevoice") + " " + a.styles.Help.Render(runtimeInfo(a.cfg)))
	if a.cfg.WakeWord.Enabled && len(a.cfg.WakeWord.Phrases) > 0 {
		a.println(a.styles.Help.Render(fmt.Sprintf("say %q to start talking", a.cfg.WakeWord.Phrases[0])))
	}
	a.println(a.styles.Help.Render(helpText))
}

func (a *App) printStatus() {
	if a.controller == nil {
		a.println(a.styles.Error.Render("application is not initialized"))
		return
	}
	snap := a.controller.Status()
	line := fmt.Sprintf("status=%s listening=%t speaking=%t", snap.Status, snap.Listening, snap.Speaking)
	if snap.SessionID != "" {
		line += " session=" + snap.SessionID
	}
	a.println(a.styles.Status.Render(line))
	if snap.LastError != "" {
		a.println(a.styles.Error.Render("last error: " + snap.LastError))
	}
}

// SessionStateChanged prints lifecycle transitions.
func (a *App) SessionStateChanged(status domain.SessionStatus, reason domain.StatusReason) {
	a.flushTranscript()
	line := string(status)
	if msg := sessionReasonMessage(reason); msg != "" {
		line += " · " + msg
	}
	a.println(a.styles.Status.Render("● " + line))
}

func (a *App) ListeningChanged(listening bool) {
	if listening {
		a.println(a.styles.Help.Render("listening"))
	}
}

func (a *App) SpeakingChanged(bool) {}

// TranscriptChanged holds the running entry and prints it once the other
// speaker takes over.
func (a *App) TranscriptChanged(entry domain.TranscriptEntry) {
	a.mu.Lock()
	var done *domain.TranscriptEntry
	if a.pending != nil && a.pending.Role != entry.Role {
		done = a.pending
	}
	a.pending = &entry
	a.mu.Unlock()

	if done != nil {
		a.printEntry(*done)
	}
}

// SessionError prints failures.
func (a *App) SessionError(code domain.ErrorCode, message string, detail string) {
	a.flushTranscript()
	line := "✗ " + errorMessage(code, message)
	if detail != "" && detail != message {
		line += ": " + detail
	}
	a.println(a.styles.Error.Render(line))
}

func (a *App) flushTranscript() {
	a.mu.Lock()
	pending := a.pending
	a.pending = nil
	a.mu.Unlock()
	if pending != nil {
		a.printEntry(*pending)
	}
}

func (a *App) printEntry(entry domain.TranscriptEntry) {
	text := strings.TrimSpace(entry.Text)
	if text == "" {
		return
	}
	if entry.Role == domain.RoleUser {
		a.println(a.styles.User.Render("you:") + " " + text)
		return
	}
	a.println(a.styles.Model.Render("guru:") + " " + text)
}

func (a *App) println(line string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fmt.Fprintln(a.out, line)
}

func runtimeInfo(cfg config.Config) string {
	parts := []string{
		"provider=" + cfg.Gemini.Provider,
		"model=" + cfg.Gemini.Model,
	}
	if cfg.Gemini.Voice != "" {
		parts = append(parts, "voice="+cfg.Gemini.Voice)
	}
	if cfg.WakeWord.Enabled {
		parts = append(parts, "wake="+cfg.WakeWord.Recognizer)
	}
	if cfg.HTTP.Enabled {
		parts = append(parts, "http="+cfg.HTTP.Address)
	}
	return strings.Join(parts, " ")
}

func sessionReasonMessage(reason domain.StatusReason) string {
	switch reason {
	case domain.ReasonIdle:
		return "Idle"
	case domain.ReasonConnecting:
		return "Connecting..."
	case domain.ReasonListening:
		return "Listening"
	case domain.ReasonRestarted:
		return "Restarted; previous session closed"
	case domain.ReasonStopped:
		return "Session stopped"
	case domain.ReasonRemoteClosed:
		return "Voice service ended the session"
	case domain.ReasonModelInterrupted:
		return "Interrupted"
	case domain.ReasonStartFailed:
		return "Could not start the session"
	case domain.ReasonSessionFailed:
		return "Session failed"
	case domain.ReasonWakeWord:
		return "Wake phrase heard. Connecting..."
	default:
		return ""
	}
}

func errorMessage(code domain.ErrorCode, message string) string {
	if message != "" {
		return message
	}
	return code.Message()
}
