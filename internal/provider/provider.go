package provider

import (
	"context"

	"github.com/stouffer-labs/topside/internal/domain"
)

// ConverseRequest wraps one multi-turn AI call. The first user turn may
// carry the session screenshot; Window gives the model textual context
// about where the user is working.
type ConverseRequest struct {
	Messages     []domain.Message
	Screenshot   *domain.Screenshot
	Window       *domain.WindowInfo
	SystemPrompt string
	Model        string
}

// ConverseResult is the complete response once generation ends.
type ConverseResult struct {
	Text  string
	Usage domain.Usage
}

// ChunkFunc receives the cumulative response text so far on every
// streamed chunk, never a delta, so callers can render the latest value
// directly.
type ChunkFunc func(cumulative string)

// AIProvider is one pluggable chat backend.
type AIProvider interface {
	// Initialize performs best-effort credential/connection warmup.
	// Failures are logged by the caller, not fatal; the real failure
	// surfaces on first use.
	Initialize(ctx context.Context) error

	Converse(ctx context.Context, req ConverseRequest, onChunk ChunkFunc) (ConverseResult, error)

	// InvalidateClient drops any cached connection or session so the
	// next call re-resolves credentials.
	InvalidateClient()

	// Close releases the provider; called when the active provider is
	// switched or at shutdown.
	Close() error
}

// StreamConfig describes provider-agnostic transcription settings.
type StreamConfig struct {
	SampleRate     int
	Channels       int
	Encoding       string
	InterimResults bool
}

// TranscriptionSession is an active speech-to-text stream.
//
// Shutdown is two-phase: Drain flushes any buffered audio, waits for
// in-flight recognition to finish, forces a last pass over whatever is
// still buffered, and closes Events; Close hard-stops without those
// guarantees. Events is closed exactly once in either case. After the
// channel closes, Err reports the first unrecoverable runtime failure,
// if any.
type TranscriptionSession interface {
	SendAudio(chunk []byte) error
	Events() <-chan domain.TranscriptEvent
	Drain(ctx context.Context) error
	Close() error
	Err() error
}

// TranscriptionProvider starts speech-to-text sessions.
type TranscriptionProvider interface {
	Start(ctx context.Context, cfg StreamConfig) (TranscriptionSession, error)

	// Close releases the provider on switch or shutdown.
	Close() error
}

// FieldKind tells the settings UI how to render a config field.
type FieldKind string

const (
	FieldKindText   FieldKind = "text"
	FieldKindSecret FieldKind = "secret"
	FieldKindSelect FieldKind = "select"
)

// ConfigField declares one settings-UI input for a provider.
type ConfigField struct {
	Name    string    `json:"name"`
	Label   string    `json:"label"`
	Kind    FieldKind `json:"kind"`
	Options []string  `json:"options,omitempty"`
}

// Descriptor is static metadata for a pluggable backend.
type Descriptor struct {
	ID           string        `json:"id"`
	Label        string        `json:"label"`
	Models       []string      `json:"models,omitempty"`
	DefaultModel string        `json:"defaultModel,omitempty"`
	FastModel    string        `json:"fastModel,omitempty"`
	Fields       []ConfigField `json:"fields,omitempty"`
}
