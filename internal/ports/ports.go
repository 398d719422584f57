package ports

import (
	"context"
	"io"

	"github.com/stouffer-labs/topside/internal/domain"
)

// AudioConfig describes how the microphone should be captured.
type AudioConfig struct {
	SampleRate  int
	Channels    int
	InputFormat string
	InputDevice string
}

// AudioSession is a live microphone capture session.
type AudioSession interface {
	io.ReadCloser
	Stop() error
}

// AudioCapture creates microphone capture sessions.
type AudioCapture interface {
	Start(ctx context.Context, cfg AudioConfig) (AudioSession, error)
}

// CaptureMode selects what the capture service grabs.
type CaptureMode string

const (
	CaptureModeWindow CaptureMode = "window"
	CaptureModeScreen CaptureMode = "screen"
)

// CaptureService takes a screenshot of the active window or the full
// screen. It never returns an error; nil means capture was not possible
// (permission denied, no matching source) and the session proceeds
// without visual context.
type CaptureService interface {
	Capture(ctx context.Context, win *domain.WindowInfo, mode CaptureMode) *domain.Screenshot
}

// WindowService reports the currently focused window. Best-effort and
// platform-dependent; nil when detection fails.
type WindowService interface {
	ActiveWindow(ctx context.Context) *domain.WindowInfo
}

// Highlighter drives the capture-area highlight affordance. All calls
// are fire-and-forget; the flash animation duration is awaited by the
// caller as a fixed delay, not by Flash itself.
type Highlighter interface {
	Show(bounds *domain.Bounds)
	Flash()
	Hide()
}

// HistoryStore persists finished sessions. Save is a one-way handoff;
// the orchestrator does not depend on it succeeding.
type HistoryStore interface {
	Save(ctx context.Context, record domain.SessionRecord) error
	Recent(ctx context.Context, limit int) ([]domain.SessionRecord, error)
}

// InputListener is the hotkey/escape source. The orchestrator tells it
// whether a session is active so it can arm the cancel shortcut.
type InputListener interface {
	SetSessionActive(active bool)
}

// Clipboard writes text into the system clipboard.
type Clipboard interface {
	SetText(ctx context.Context, text string) error
}

// SecretStore resolves credentials for providers. Reload re-reads the
// backing storage so expired credentials can be refreshed without an
// app restart.
type SecretStore interface {
	Get(name string) string
	Reload() error
}

// InferenceEngine is the on-device model runtime, a capability-providing
// black box. Generate invokes the loaded vision-language model with the
// cumulative generated text delivered via onToken. Transcribe runs one
// speech-to-text pass over 16-bit PCM mono audio, optionally primed with
// a decoding hint.
type InferenceEngine interface {
	Generate(ctx context.Context, prompt string, imageBase64 string, systemPrompt string, onToken func(cumulative string)) (string, error)
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, hint string) (string, error)
}

// EventSink emits backend state and session events to the UI.
type EventSink interface {
	SessionShown()
	SessionHidden()
	StateChanged(state domain.SessionState)
	ScreenshotAvailable(shot *domain.Screenshot)
	TranscriptUpdated(text string)
	NewRoundStarted(round int)
	FinalizingStarted()
	Thinking()
	StreamingChunk(text string)
	RoundComplete(msg domain.Message)
	AutoCopied(text string)
	Cancelled()
	ErrorOccurred(code domain.ErrorCode, detail string, buttons []string)
}
