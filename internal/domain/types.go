package domain

import "time"

// SessionState models the voice-session lifecycle.
type SessionState string

const (
	SessionStateIdle       SessionState = "idle"
	SessionStateRecording  SessionState = "recording"
	SessionStateConversing SessionState = "conversing"
	// SessionStateCancelled is transient; the orchestrator resets it to
	// idle after a short grace delay.
	SessionStateCancelled SessionState = "cancelled"
)

// ErrorCode identifies non-fatal and fatal backend errors surfaced to the UI.
type ErrorCode string

const (
	ErrorCodeStartup       ErrorCode = "startup"
	ErrorCodeAudioStream   ErrorCode = "audio_stream"
	ErrorCodeTranscription ErrorCode = "transcription"
	ErrorCodeAssistant     ErrorCode = "assistant"
	ErrorCodeClipboard     ErrorCode = "clipboard"
	ErrorCodeHistory       ErrorCode = "history"
)

// TranscriptKind identifies whether a stream event is partial or final text.
type TranscriptKind string

const (
	TranscriptKindPartial TranscriptKind = "partial"
	TranscriptKindFinal   TranscriptKind = "final"
)

// TranscriptEvent represents incremental transcription output from a provider.
type TranscriptEvent struct {
	Kind TranscriptKind `json:"kind"`
	Text string         `json:"text"`
}

// Segment is one finalized chunk of speech-to-text output. Segment ids
// are monotonically increasing within a round.
type Segment struct {
	ID   int       `json:"id"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn in the AI conversation. Buttons carries short
// follow-up-action labels extracted from assistant output.
type Message struct {
	Role    Role     `json:"role"`
	Content string   `json:"content"`
	Buttons []string `json:"buttons,omitempty"`
	IsError bool     `json:"isError,omitempty"`
}

// Usage accumulates token counters for a session. Counters only ever
// increase within a session.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// Add merges another usage sample into the running total.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Bounds describes a window or screen rectangle in screen coordinates.
type Bounds struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// WindowInfo describes the active window at session start.
type WindowInfo struct {
	Title  string  `json:"title"`
	Owner  string  `json:"owner"`
	Bounds *Bounds `json:"bounds,omitempty"`
}

// Screenshot is the captured visual context, taken once per session.
type Screenshot struct {
	Data      []byte `json:"-"`
	MediaType string `json:"mediaType"`
}

// SessionRecord is the immutable form of a finished session handed off
// to history storage.
type SessionRecord struct {
	ID        string      `json:"id"`
	StartedAt time.Time   `json:"startedAt"`
	Messages  []Message   `json:"messages"`
	Window    *WindowInfo `json:"window,omitempty"`
	MediaType string      `json:"mediaType,omitempty"`
	Usage     Usage       `json:"usage"`
}

// Status summarizes the current runtime status for the UI.
type Status struct {
	State   SessionState `json:"state"`
	Active  bool         `json:"active"`
	Round   int          `json:"round"`
	Message string       `json:"message,omitempty"`
}
