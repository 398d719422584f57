package main

import (
	"context"
	"fmt"

	"github.com/wailsapp/wails/v2/pkg/runtime"

	"github.com/stouffer-labs/topside/internal/bootstrap"
	"github.com/stouffer-labs/topside/internal/config"
	"github.com/stouffer-labs/topside/internal/domain"
	"github.com/stouffer-labs/topside/internal/orchestrator"
	"github.com/stouffer-labs/topside/internal/provider"
)

const (
	eventState      = "topside:state"
	eventSession    = "topside:session"
	eventScreenshot = "topside:screenshot"
	eventTranscript = "topside:transcript"
	eventRound      = "topside:round"
	eventAssistant  = "topside:assistant"
	eventHighlight  = "topside:highlight"
	eventError      = "topside:error"
)

// App is the Wails application root. It adapts UI calls to orchestrator
// operations and orchestrator events to frontend event emissions.
type App struct {
	ctx context.Context

	services *bootstrap.Services
	orch     *orchestrator.Orchestrator
	cfg      config.Config
	bootErr  error
}

func NewApp() *App {
	return &App{}
}

func (a *App) startup(ctx context.Context) {
	a.ctx = ctx

	services, err := bootstrap.Build(bootstrap.Shell{
		Events:    a,
		Clipboard: &wailsClipboard{},
		Highlight: &eventHighlighter{app: a},
		Input:     &hotkeyState{app: a},
	})
	if err != nil {
		a.bootErr = err
		a.ErrorOccurred(domain.ErrorCodeStartup, err.Error(), nil)
		return
	}

	a.services = services
	a.orch = services.Orchestrator
	a.cfg = services.Config
	a.services.AI.Initialize(ctx)
	a.StateChanged(domain.SessionStateIdle)
}

func (a *App) shutdown(ctx context.Context) {
	if a.services != nil {
		a.services.Shutdown()
	}
}

// Trigger advances the session on a hotkey press: start recording,
// finalize a round, or start the next round depending on state.
func (a *App) Trigger() (domain.Status, error) {
	if err := a.requireReady(); err != nil {
		return domain.Status{}, err
	}
	a.orch.HandleTrigger()
	return a.orch.Status(), nil
}

// Cancel aborts the current session.
func (a *App) Cancel() error {
	if err := a.requireReady(); err != nil {
		return err
	}
	a.orch.HandleCancel()
	return nil
}

// ClickButton submits a follow-up button label as the next user input.
func (a *App) ClickButton(label string) error {
	if err := a.requireReady(); err != nil {
		return err
	}
	a.orch.HandleButton(label)
	return nil
}

// CloseSession dismisses the overlay and persists the conversation.
func (a *App) CloseSession() error {
	if err := a.requireReady(); err != nil {
		return err
	}
	a.orch.CloseSession()
	return nil
}

// GetStatus returns the current session status.
func (a *App) GetStatus() domain.Status {
	if a.orch == nil {
		if a.bootErr != nil {
			return domain.Status{State: domain.SessionStateIdle, Message: a.bootErr.Error()}
		}
		return domain.Status{State: domain.SessionStateIdle}
	}
	return a.orch.Status()
}

// RecentSessions returns the latest saved conversations.
func (a *App) RecentSessions(limit int) ([]domain.SessionRecord, error) {
	if err := a.requireReady(); err != nil {
		return nil, err
	}
	if a.services.History == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	return a.services.History.Recent(a.ctx, limit)
}

// Providers lists the registered AI backends for the settings UI.
func (a *App) Providers() []provider.Descriptor {
	if a.services == nil {
		return nil
	}
	return a.services.AI.Descriptors()
}

// SetAIProvider switches the active AI backend.
func (a *App) SetAIProvider(id string) error {
	if err := a.requireReady(); err != nil {
		return err
	}
	return a.services.AI.SetActive(id)
}

// GetRuntimeInfo returns non-sensitive config for the UI.
func (a *App) GetRuntimeInfo() map[string]string {
	if a.bootErr != nil {
		return map[string]string{"error": a.bootErr.Error()}
	}
	return map[string]string{
		"aiProvider":    a.cfg.AI.Provider,
		"aiModel":       a.cfg.AI.OpenAI.Model,
		"sttProvider":   a.cfg.Transcription.Provider,
		"sttModel":      a.cfg.Transcription.Deepgram.Model,
		"audioInput":    a.cfg.Audio.InputDevice,
		"audioFormat":   a.cfg.Audio.InputFormat,
		"historyPath":   a.cfg.History.Path,
		"recorder":      a.cfg.Audio.RecorderCommand,
	}
}

func (a *App) requireReady() error {
	if a.bootErr != nil {
		return a.bootErr
	}
	if a.orch == nil {
		return fmt.Errorf("application is not initialized")
	}
	return nil
}

func (a *App) emit(event string, payload any) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, event, payload)
}

// EventSink implementation.

func (a *App) SessionShown() {
	a.emit(eventSession, map[string]any{"visible": true})
}

func (a *App) SessionHidden() {
	a.emit(eventSession, map[string]any{"visible": false})
}

func (a *App) StateChanged(state domain.SessionState) {
	a.emit(eventState, map[string]string{"state": string(state)})
}

func (a *App) ScreenshotAvailable(shot *domain.Screenshot) {
	// raw bytes stay backend-side; the UI only needs to know context exists
	a.emit(eventScreenshot, map[string]string{"mediaType": shot.MediaType})
}

func (a *App) TranscriptUpdated(text string) {
	a.emit(eventTranscript, map[string]string{"text": text})
}

func (a *App) NewRoundStarted(round int) {
	a.emit(eventRound, map[string]any{"round": round})
}

func (a *App) FinalizingStarted() {
	a.emit(eventState, map[string]string{"state": "finalizing"})
}

func (a *App) Thinking() {
	a.emit(eventAssistant, map[string]any{"phase": "thinking"})
}

func (a *App) StreamingChunk(text string) {
	a.emit(eventAssistant, map[string]any{"phase": "streaming", "text": text})
}

func (a *App) RoundComplete(msg domain.Message) {
	a.emit(eventAssistant, map[string]any{"phase": "complete", "message": msg})
}

func (a *App) AutoCopied(text string) {
	a.emit(eventAssistant, map[string]any{"phase": "copied", "text": text})
}

func (a *App) Cancelled() {
	a.emit(eventSession, map[string]any{"cancelled": true})
}

func (a *App) ErrorOccurred(code domain.ErrorCode, detail string, buttons []string) {
	a.emit(eventError, map[string]any{
		"code":    string(code),
		"message": errorMessage(code, detail),
		"detail":  detail,
		"buttons": buttons,
	})
}

func errorMessage(code domain.ErrorCode, detail string) string {
	switch code {
	case domain.ErrorCodeStartup:
		return "Startup failed"
	case domain.ErrorCodeAudioStream:
		return "Audio streaming issue"
	case domain.ErrorCodeTranscription:
		return "Transcription error"
	case domain.ErrorCodeAssistant:
		return "Assistant request failed"
	case domain.ErrorCodeClipboard:
		return "Clipboard write failed"
	case domain.ErrorCodeHistory:
		return "History save failed"
	default:
		if detail == "" {
			return "Unknown error"
		}
		return detail
	}
}

type wailsClipboard struct{}

func (c *wailsClipboard) SetText(ctx context.Context, text string) error {
	return runtime.ClipboardSetText(ctx, text)
}

// eventHighlighter renders the capture highlight in the frontend; the
// backend only signals what to draw.
type eventHighlighter struct {
	app *App
}

func (h *eventHighlighter) Show(bounds *domain.Bounds) {
	h.app.emit(eventHighlight, map[string]any{"action": "show", "bounds": bounds})
}

func (h *eventHighlighter) Flash() {
	h.app.emit(eventHighlight, map[string]any{"action": "flash"})
}

func (h *eventHighlighter) Hide() {
	h.app.emit(eventHighlight, map[string]any{"action": "hide"})
}

// hotkeyState tells the frontend whether the escape shortcut should be
// armed.
type hotkeyState struct {
	app *App
}

func (s *hotkeyState) SetSessionActive(active bool) {
	s.app.emit(eventSession, map[string]any{"hotkeysArmed": active})
}
