package app

import (
	"context"
	"log/slog"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/voxbridge/internal/config"
	"github.com/MrWong99/voxbridge/pkg/provider/ask"
	"github.com/MrWong99/voxbridge/pkg/provider/ask/anyllm"
	askgemini "github.com/MrWong99/voxbridge/pkg/provider/ask/gemini"
	askopenai "github.com/MrWong99/voxbridge/pkg/provider/ask/openai"
)

// anyLLMBackends are served through any-llm-go. gemini and openai have
// dedicated SDK-backed providers.
var anyLLMBackends = []string{"anthropic", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"}

// RegisterBuiltinProviders wires every built-in ask factory into reg.
func RegisterBuiltinProviders(reg *config.Registry) {
	reg.RegisterAsk("gemini", func(entry config.ProviderEntry) (ask.Provider, error) {
		var opts []askgemini.Option
		if entry.BaseURL != "" {
			opts = append(opts, askgemini.WithBaseURL(entry.BaseURL))
		}
		if budget, ok := entry.OptionInt("thinking_budget"); ok {
			opts = append(opts, askgemini.WithThinkingBudget(int32(budget)))
		}
		return askgemini.New(context.Background(), entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterAsk("openai", func(entry config.ProviderEntry) (ask.Provider, error) {
		var opts []askopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, askopenai.WithBaseURL(entry.BaseURL))
		}
		if org, ok := entry.OptionString("organization"); ok {
			opts = append(opts, askopenai.WithOrganization(org))
		}
		if n, ok := entry.OptionInt("max_retries"); ok {
			opts = append(opts, askopenai.WithMaxRetries(n))
		}
		return askopenai.New(entry.APIKey, entry.Model, opts...)
	})

	for _, backend := range anyLLMBackends {
		reg.RegisterAsk(backend, func(entry config.ProviderEntry) (ask.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(backend, entry.Model, opts...)
		})
	}

	slog.Debug("registered ask providers", "names", reg.AskNames())
}
