package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// ProviderConfig holds the credentials for one completion provider.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key,omitempty"`
	BaseURL string `yaml:"base_url,omitempty"`
	// CompatibleProvider names the provider for openai_compatible endpoints.
	CompatibleProvider string `yaml:"compatible_provider,omitempty"`
}

// GenkitCompleter sends completion requests through a genkit instance
// initialized with one provider plugin.
type GenkitCompleter struct {
	g        *genkit.Genkit
	provider string
}

// NewGenkitCompleter initializes genkit for the provider. It returns
// ErrCompletionUnsupported when no API key is configured or the provider is
// unknown.
func NewGenkitCompleter(ctx context.Context, provider string, cfg ProviderConfig) (*GenkitCompleter, error) {
	provider = normalizeProvider(provider)
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("%s: %w", provider, ErrCompletionUnsupported)
	}

	var plugin genkit.GenkitOption
	switch provider {
	case "anthropic":
		plugin = genkit.WithPlugins(&anthropic.Anthropic{
			APIKey:  apiKey,
			BaseURL: cfg.BaseURL,
		})
	case "openai":
		plugin = genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai",
			APIKey:   apiKey,
			BaseURL:  cfg.BaseURL,
		})
	case "openai_compatible":
		plugin = genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: cfg.CompatibleProvider,
			APIKey:   apiKey,
			BaseURL:  cfg.BaseURL,
		})
	case "openrouter":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = "https://openrouter.ai/api/v1"
		}
		plugin = genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openrouter",
			APIKey:   apiKey,
			BaseURL:  baseURL,
		})
	case "google":
		plugin = genkit.WithPlugins(&googlegenai.GoogleAI{APIKey: apiKey})
	default:
		return nil, fmt.Errorf("unknown provider %q: %w", provider, ErrCompletionUnsupported)
	}

	g := genkit.Init(ctx, plugin)
	slog.Info("genkit completer initialized", "provider", provider)
	return &GenkitCompleter{g: g, provider: provider}, nil
}

// Complete implements Completer.
func (c *GenkitCompleter) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	msgs := make([]*ai.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toGenkitMessage(m))
	}
	resp, err := genkit.Generate(ctx, c.g,
		ai.WithModelName(modelNameForProvider(c.provider, req.Model)),
		ai.WithMessages(msgs...),
	)
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("generate: %w", err)
	}
	return CompletionResponse{Content: resp.Text()}, nil
}

func toGenkitMessage(m ChatMessage) *ai.Message {
	switch strings.ToLower(m.Role) {
	case "system":
		return ai.NewSystemTextMessage(m.Content)
	case "assistant", "model":
		return ai.NewModelTextMessage(m.Content)
	default:
		return ai.NewUserTextMessage(m.Content)
	}
}

func normalizeProvider(provider string) string {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" || provider == "gemini" || provider == "googleai" {
		return "google"
	}
	return provider
}

func modelNameForProvider(provider, model string) string {
	model = strings.TrimSpace(model)
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible", "openrouter":
		// These endpoints take full model names like "anthropic/claude-sonnet-4-5".
		return model
	default:
		return "googleai/" + model
	}
}
