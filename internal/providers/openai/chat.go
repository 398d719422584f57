package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	gopenai "github.com/sashabaranov/go-openai"

	"github.com/stouffer-labs/topside/internal/domain"
	"github.com/stouffer-labs/topside/internal/ports"
	"github.com/stouffer-labs/topside/internal/provider"
)

// Config controls the OpenAI chat backend.
type Config struct {
	BaseURL   string
	Model     string
	FastModel string
	TimeoutMS int
}

// Descriptor is the static backend metadata used by the settings UI.
func Descriptor() provider.Descriptor {
	return provider.Descriptor{
		ID:           "openai",
		Label:        "OpenAI",
		Models:       []string{"gpt-4o", "gpt-4o-mini", "gpt-4.1"},
		DefaultModel: "gpt-4o",
		FastModel:    "gpt-4o-mini",
		Fields: []provider.ConfigField{
			{Name: "OPENAI_API_KEY", Label: "API key", Kind: provider.FieldKindSecret},
			{Name: "TOPSIDE_OPENAI_MODEL", Label: "Model", Kind: provider.FieldKindSelect, Options: []string{"gpt-4o", "gpt-4o-mini", "gpt-4.1"}},
		},
	}
}

// Provider implements provider.AIProvider over the go-openai SDK event
// stream.
type Provider struct {
	cfg     Config
	secrets ports.SecretStore

	mu     sync.Mutex
	client *gopenai.Client
}

func NewProvider(cfg Config, secrets ports.SecretStore) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o"
	}
	if cfg.TimeoutMS <= 0 {
		cfg.TimeoutMS = 15000
	}
	return &Provider{cfg: cfg, secrets: secrets}
}

// Initialize warms the client up; a missing key is reported but the
// caller treats it as non-fatal until first use.
func (p *Provider) Initialize(ctx context.Context) error {
	_, err := p.resolveClient()
	return err
}

// InvalidateClient drops the cached client so the next call re-resolves
// the API key from the secret store.
func (p *Provider) InvalidateClient() {
	p.mu.Lock()
	p.client = nil
	p.mu.Unlock()
}

func (p *Provider) Close() error {
	p.InvalidateClient()
	return nil
}

func (p *Provider) resolveClient() (*gopenai.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}

	key := ""
	if p.secrets != nil {
		key = strings.TrimSpace(p.secrets.Get("OPENAI_API_KEY"))
	}
	if key == "" {
		return nil, provider.Errorf(provider.KindAuthMissing, "OPENAI_API_KEY is not configured")
	}

	cfg := gopenai.DefaultConfig(key)
	cfg.BaseURL = strings.TrimRight(p.cfg.BaseURL, "/")
	cfg.HTTPClient = &http.Client{Timeout: time.Duration(p.cfg.TimeoutMS) * time.Millisecond}
	p.client = gopenai.NewClientWithConfig(cfg)
	return p.client, nil
}

func (p *Provider) Converse(ctx context.Context, req provider.ConverseRequest, onChunk provider.ChunkFunc) (provider.ConverseResult, error) {
	client, err := p.resolveClient()
	if err != nil {
		return provider.ConverseResult{}, err
	}

	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}

	chatReq := gopenai.ChatCompletionRequest{
		Model:         model,
		Messages:      buildMessages(req),
		Stream:        true,
		StreamOptions: &gopenai.StreamOptions{IncludeUsage: true},
	}

	stream, err := client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return provider.ConverseResult{}, p.wrap(err)
	}
	defer stream.Close()

	var (
		content strings.Builder
		usage   domain.Usage
	)
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return provider.ConverseResult{}, p.wrap(err)
		}

		if resp.Usage != nil {
			usage = domain.Usage{
				InputTokens:  resp.Usage.PromptTokens,
				OutputTokens: resp.Usage.CompletionTokens,
			}
		}
		for _, choice := range resp.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			content.WriteString(choice.Delta.Content)
			if onChunk != nil {
				onChunk(content.String())
			}
		}
	}

	return provider.ConverseResult{Text: content.String(), Usage: usage}, nil
}

// wrap maps SDK errors onto typed provider kinds.
func (p *Provider) wrap(err error) error {
	var apiErr *gopenai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return provider.NewError(provider.KindCredentialExpired, err)
		case http.StatusTooManyRequests:
			return provider.NewError(provider.KindRateLimited, err)
		}
		return provider.NewError(provider.ClassifyMessage(apiErr.Message), err)
	}
	return provider.NewError(provider.ClassifyMessage(err.Error()), err)
}

// buildMessages converts the session history into SDK messages, with
// the screenshot attached to the first user turn only.
func buildMessages(req provider.ConverseRequest) []gopenai.ChatCompletionMessage {
	out := make([]gopenai.ChatCompletionMessage, 0, len(req.Messages)+1)

	system := req.SystemPrompt
	if win := req.Window; win != nil {
		system = fmt.Sprintf("%s\n\nActive window: %s - %s", system, win.Owner, win.Title)
	}
	if strings.TrimSpace(system) != "" {
		out = append(out, gopenai.ChatCompletionMessage{
			Role:    gopenai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	imageAttached := false
	for _, msg := range req.Messages {
		role := gopenai.ChatMessageRoleUser
		if msg.Role == domain.RoleAssistant {
			role = gopenai.ChatMessageRoleAssistant
		}

		if role == gopenai.ChatMessageRoleUser && !imageAttached && req.Screenshot != nil && len(req.Screenshot.Data) > 0 {
			imageAttached = true
			out = append(out, gopenai.ChatCompletionMessage{
				Role: role,
				MultiContent: []gopenai.ChatMessagePart{
					{Type: gopenai.ChatMessagePartTypeText, Text: msg.Content},
					{
						Type: gopenai.ChatMessagePartTypeImageURL,
						ImageURL: &gopenai.ChatMessageImageURL{
							URL:    dataURL(req.Screenshot),
							Detail: gopenai.ImageURLDetailAuto,
						},
					},
				},
			})
			continue
		}

		out = append(out, gopenai.ChatCompletionMessage{Role: role, Content: msg.Content})
	}
	return out
}

func dataURL(shot *domain.Screenshot) string {
	mediaType := shot.MediaType
	if mediaType == "" {
		mediaType = "image/png"
	}
	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(shot.Data)
}
