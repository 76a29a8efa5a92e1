package planner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"

	"github.com/atticlabs/go-loft/internal/config"
)

// hostedBackend calls the configured model provider through Genkit. The
// provider plugin is wired at startup; without an API key the backend stays
// constructed but permanently unready.
type hostedBackend struct {
	logger    *slog.Logger
	g         *genkit.Genkit
	provider  string
	modelName string
	keyed     bool
}

func newHostedBackend(ctx context.Context, logger *slog.Logger, cfg config.Config) *hostedBackend {
	provider := cfg.Planner.Provider
	apiKey := cfg.PlannerAPIKey(provider)
	model := strings.TrimSpace(cfg.Planner.Model)
	if model == "" {
		model = defaultModelForProvider(provider)
	}

	h := &hostedBackend{
		logger:    logger.With("component", "planner", "backend", BackendHosted),
		provider:  provider,
		modelName: modelNameForProvider(provider, model),
	}

	if apiKey == "" {
		h.g = genkit.Init(ctx)
		return h
	}

	switch provider {
	case "anthropic":
		h.g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
			APIKey:  apiKey,
			BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
		}))
	case "openai":
		h.g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai",
			APIKey:   apiKey,
			BaseURL:  os.Getenv("OPENAI_BASE_URL"),
		}))
	case "openai_compatible":
		h.g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: cfg.Planner.OpenAICompatibleProvider,
			APIKey:   apiKey,
			BaseURL:  cfg.Planner.OpenAICompatibleBaseURL,
		}))
	default: // google
		_ = os.Setenv("GEMINI_API_KEY", apiKey)
		h.g = genkit.Init(ctx,
			genkit.WithPlugins(&googlegenai.GoogleAI{}),
			genkit.WithDefaultModel(h.modelName),
		)
	}
	h.keyed = true
	h.logger.Info("hosted planner initialized", "provider", provider, "model", h.modelName)
	return h
}

func (h *hostedBackend) Name() string { return BackendHosted }

func (h *hostedBackend) Ready(ctx context.Context) error {
	if !h.keyed {
		return fmt.Errorf("no API key for provider %s; set %s and restart", h.provider, apiKeyEnvHint(h.provider))
	}
	return nil
}

func (h *hostedBackend) Generate(ctx context.Context, req Request) (string, error) {
	if err := h.Ready(ctx); err != nil {
		return "", err
	}

	// % escapes survive ai.WithSystem's internal formatting.
	system := strings.ReplaceAll(systemPrompt, "%", "%%")
	resp, err := genkit.Generate(ctx, h.g,
		ai.WithModelName(h.modelName),
		ai.WithSystem(system),
		ai.WithPrompt(BuildPrompt(req)),
	)
	if err != nil {
		return "", fmt.Errorf("generate with %s: %w", h.modelName, err)
	}
	return resp.Text(), nil
}

func defaultModelForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5"
	case "openai", "openai_compatible":
		return "gpt-4o"
	default:
		return "gemini-2.5-flash"
	}
}

func modelNameForProvider(provider, model string) string {
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible":
		return model
	default:
		return "googleai/" + model
	}
}

func apiKeyEnvHint(provider string) string {
	switch provider {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openai", "openai_compatible":
		return "OPENAI_API_KEY"
	default:
		return "GEMINI_API_KEY"
	}
}
