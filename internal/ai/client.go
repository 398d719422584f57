package ai

import (
	"context"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/pkoukk/tiktoken-go"

	"github.com/stouffer-labs/topside/internal/domain"
	"github.com/stouffer-labs/topside/internal/provider"
)

// SystemPrompt frames the overlay assistant and asks for the follow-up
// button tag the post-processor understands.
const SystemPrompt = "You are a desktop voice assistant. The user speaks a short request " +
	"about what is on their screen; a screenshot of the active window is attached to the " +
	"first message. Answer concisely. When a shell command solves the request, reply with " +
	"a single fenced code block and at most one short sentence around it. End your reply " +
	"with a tag of two or three follow-up suggestions, formatted exactly as: " +
	"[BUTTONS: \"First suggestion\", \"Second suggestion\"]"

// Client wraps the active AI provider with the session's conversation
// semantics: cumulative streaming, control-token scrubbing, and token
// usage accounting.
type Client struct {
	registry *provider.Registry[provider.AIProvider]
	log      *log.Logger

	encOnce sync.Once
	enc     *tiktoken.Tiktoken
}

func NewClient(registry *provider.Registry[provider.AIProvider], logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Default()
	}
	return &Client{registry: registry, log: logger}
}

// Initialize warms up the active provider. Failures are logged, never
// fatal; the real failure surfaces on first use.
func (c *Client) Initialize(ctx context.Context) {
	active, err := c.registry.Active()
	if err != nil {
		c.log.Warn("ai provider unavailable", "provider", c.registry.ActiveID(), "err", err)
		return
	}
	if err := active.Initialize(ctx); err != nil {
		c.log.Warn("ai provider warmup failed", "provider", c.registry.ActiveID(), "err", err)
	}
}

// Converse runs one round against the active provider. onChunk receives
// the cumulative, control-token-scrubbed text so far. The returned
// usage is backend-reported when available, estimated otherwise.
func (c *Client) Converse(ctx context.Context, req provider.ConverseRequest, onChunk provider.ChunkFunc) (provider.ConverseResult, error) {
	active, err := c.registry.Active()
	if err != nil {
		return provider.ConverseResult{}, err
	}

	if req.SystemPrompt == "" {
		req.SystemPrompt = SystemPrompt
	}

	wrapped := onChunk
	if onChunk != nil {
		wrapped = func(cumulative string) {
			onChunk(StripControlTokens(cumulative))
		}
	}

	result, err := active.Converse(ctx, req, wrapped)
	if err != nil {
		return provider.ConverseResult{}, err
	}

	result.Text = StripControlTokens(result.Text)
	if result.Usage == (domain.Usage{}) {
		result.Usage = c.estimateUsage(req.Messages, result.Text)
	}
	return result, nil
}

// Invalidate drops the active provider's cached connection so the next
// call re-resolves credentials.
func (c *Client) Invalidate() {
	active, err := c.registry.Active()
	if err != nil {
		return
	}
	active.InvalidateClient()
}

// ActiveID names the currently selected backend.
func (c *Client) ActiveID() string {
	return c.registry.ActiveID()
}

// SetActive switches the backend, tearing the previous one down.
func (c *Client) SetActive(id string) error {
	return c.registry.SetActive(id)
}

// Descriptors lists the registered backends for the settings UI.
func (c *Client) Descriptors() []provider.Descriptor {
	return c.registry.Descriptors()
}

// estimateUsage approximates token counts for backends that report
// none (local servers, on-device models).
func (c *Client) estimateUsage(messages []domain.Message, response string) domain.Usage {
	c.encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			c.log.Debug("token encoding unavailable", "err", err)
			return
		}
		c.enc = enc
	})
	if c.enc == nil {
		return domain.Usage{}
	}

	var prompt strings.Builder
	for _, msg := range messages {
		prompt.WriteString(msg.Content)
		prompt.WriteString("\n")
	}
	return domain.Usage{
		InputTokens:  len(c.enc.Encode(prompt.String(), nil, nil)),
		OutputTokens: len(c.enc.Encode(response, nil, nil)),
	}
}
