package local

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/stouffer-labs/topside/internal/domain"
	"github.com/stouffer-labs/topside/internal/ports"
	"github.com/stouffer-labs/topside/internal/provider"
)

// AIProvider runs conversations on the native inference engine.
type AIProvider struct {
	engine  ports.InferenceEngine
	modelID string
}

// AIDescriptor is the static backend metadata.
func AIDescriptor() provider.Descriptor {
	return provider.Descriptor{
		ID:           "local",
		Label:        "On-device",
		Models:       []string{"mlx-community/Qwen2-VL-2B-Instruct-4bit"},
		DefaultModel: "mlx-community/Qwen2-VL-2B-Instruct-4bit",
		Fields: []provider.ConfigField{
			{Name: "TOPSIDE_LOCAL_MODEL", Label: "Model", Kind: provider.FieldKindText},
		},
	}
}

func NewAIProvider(engine ports.InferenceEngine, modelID string) *AIProvider {
	return &AIProvider{engine: engine, modelID: modelID}
}

// Initialize is a no-op; the engine loads its model lazily and reports
// failures on first generate.
func (p *AIProvider) Initialize(ctx context.Context) error { return nil }

func (p *AIProvider) InvalidateClient() {}

func (p *AIProvider) Close() error { return nil }

func (p *AIProvider) Converse(ctx context.Context, req provider.ConverseRequest, onChunk provider.ChunkFunc) (provider.ConverseResult, error) {
	if p.engine == nil {
		return provider.ConverseResult{}, provider.Errorf(provider.KindUnknown, "no inference engine available")
	}

	prompt := flattenHistory(req.Messages, req.Window)
	var image string
	if req.Screenshot != nil && len(req.Screenshot.Data) > 0 {
		image = base64.StdEncoding.EncodeToString(req.Screenshot.Data)
	}

	onToken := func(cumulative string) {
		if onChunk != nil {
			onChunk(cumulative)
		}
	}

	text, err := p.engine.Generate(ctx, prompt, image, req.SystemPrompt, onToken)
	if err != nil {
		return provider.ConverseResult{}, provider.NewError(provider.ClassifyMessage(err.Error()), err)
	}
	return provider.ConverseResult{Text: text}, nil
}

// flattenHistory renders the multi-turn conversation as a single prompt;
// the on-device model has no native chat template surface in the bridge.
func flattenHistory(messages []domain.Message, win *domain.WindowInfo) string {
	var b strings.Builder
	if win != nil {
		b.WriteString("Active window: ")
		b.WriteString(win.Owner)
		if win.Title != "" {
			b.WriteString(" - ")
			b.WriteString(win.Title)
		}
		b.WriteString("\n\n")
	}
	for _, msg := range messages {
		switch msg.Role {
		case domain.RoleUser:
			b.WriteString("User: ")
		case domain.RoleAssistant:
			b.WriteString("Assistant: ")
		}
		b.WriteString(msg.Content)
		b.WriteString("\n")
	}
	b.WriteString("Assistant:")
	return b.String()
}
