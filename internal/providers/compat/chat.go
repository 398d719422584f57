package compat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/stouffer-labs/topside/internal/domain"
	"github.com/stouffer-labs/topside/internal/ports"
	"github.com/stouffer-labs/topside/internal/provider"
)

// Config controls a generic OpenAI-compatible chat endpoint (Ollama,
// LM Studio, llama.cpp server).
type Config struct {
	BaseURL   string
	Model     string
	TimeoutMS int
}

// Descriptor is the static backend metadata used by the settings UI.
func Descriptor() provider.Descriptor {
	return provider.Descriptor{
		ID:           "compat",
		Label:        "Local server",
		Models:       []string{"llama3.2-vision", "qwen2.5vl"},
		DefaultModel: "llama3.2-vision",
		Fields: []provider.ConfigField{
			{Name: "TOPSIDE_COMPAT_BASE", Label: "Base URL", Kind: provider.FieldKindText},
			{Name: "TOPSIDE_COMPAT_MODEL", Label: "Model", Kind: provider.FieldKindText},
			{Name: "TOPSIDE_COMPAT_API_KEY", Label: "API key (optional)", Kind: provider.FieldKindSecret},
		},
	}
}

// Provider implements provider.AIProvider with hand-rolled SSE parsing,
// for servers whose streams deviate from the official SDK's assumptions.
type Provider struct {
	cfg     Config
	secrets ports.SecretStore

	mu     sync.Mutex
	client *http.Client
}

func NewProvider(cfg Config, secrets ports.SecretStore) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434/v1"
	}
	if cfg.TimeoutMS <= 0 {
		cfg.TimeoutMS = 15000
	}
	return &Provider{cfg: cfg, secrets: secrets}
}

func (p *Provider) Initialize(ctx context.Context) error {
	// Nothing to warm up; local servers accept unauthenticated calls.
	return nil
}

func (p *Provider) InvalidateClient() {
	p.mu.Lock()
	p.client = nil
	p.mu.Unlock()
}

func (p *Provider) Close() error {
	p.InvalidateClient()
	return nil
}

func (p *Provider) httpClient() *http.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		// Connect and header timeouts only; the stream body is governed
		// by the session context.
		timeout := time.Duration(p.cfg.TimeoutMS) * time.Millisecond
		p.client = &http.Client{
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: timeout}).DialContext,
				ResponseHeaderTimeout: timeout,
			},
		}
	}
	return p.client
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage,omitempty"`
}

func (p *Provider) Converse(ctx context.Context, req provider.ConverseRequest, onChunk provider.ChunkFunc) (provider.ConverseResult, error) {
	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}

	body, err := json.Marshal(chatRequest{
		Model:    model,
		Messages: buildMessages(req),
		Stream:   true,
	})
	if err != nil {
		return provider.ConverseResult{}, fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(p.cfg.BaseURL, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return provider.ConverseResult{}, fmt.Errorf("create chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.secrets != nil {
		if key := strings.TrimSpace(p.secrets.Get("TOPSIDE_COMPAT_API_KEY")); key != "" {
			httpReq.Header.Set("Authorization", "Bearer "+key)
		}
	}

	resp, err := p.httpClient().Do(httpReq)
	if err != nil {
		return provider.ConverseResult{}, provider.Errorf(provider.KindNetwork, "send chat request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		message := fmt.Sprintf("chat request failed: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(data)))
		kind := provider.ClassifyMessage(message)
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			kind = provider.KindCredentialExpired
		}
		return provider.ConverseResult{}, provider.Errorf(kind, "%s", message)
	}

	return parseStream(resp.Body, onChunk)
}

// parseStream accumulates `data:` SSE lines, skipping unparsable
// payloads rather than failing the whole call.
func parseStream(body io.Reader, onChunk provider.ChunkFunc) (provider.ConverseResult, error) {
	scanner := bufio.NewScanner(body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 8*1024*1024)

	var (
		content strings.Builder
		usage   domain.Usage
	)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}

		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			content.WriteString(choice.Delta.Content)
			if onChunk != nil {
				onChunk(content.String())
			}
		}
		if chunk.Usage != nil {
			usage = domain.Usage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return provider.ConverseResult{}, provider.Errorf(provider.KindNetwork, "read stream response: %v", err)
	}

	return provider.ConverseResult{Text: content.String(), Usage: usage}, nil
}

func buildMessages(req provider.ConverseRequest) []chatMessage {
	out := make([]chatMessage, 0, len(req.Messages)+1)

	system := req.SystemPrompt
	if win := req.Window; win != nil {
		system = fmt.Sprintf("%s\n\nActive window: %s - %s", system, win.Owner, win.Title)
	}
	if strings.TrimSpace(system) != "" {
		out = append(out, chatMessage{Role: "system", Content: system})
	}

	imageAttached := false
	for _, msg := range req.Messages {
		role := "user"
		if msg.Role == domain.RoleAssistant {
			role = "assistant"
		}

		if role == "user" && !imageAttached && req.Screenshot != nil && len(req.Screenshot.Data) > 0 {
			imageAttached = true
			mediaType := req.Screenshot.MediaType
			if mediaType == "" {
				mediaType = "image/png"
			}
			out = append(out, chatMessage{
				Role: role,
				Content: []contentPart{
					{Type: "text", Text: msg.Content},
					{Type: "image_url", ImageURL: &imageURL{
						URL: "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(req.Screenshot.Data),
					}},
				},
			})
			continue
		}

		out = append(out, chatMessage{Role: role, Content: msg.Content})
	}
	return out
}
