package fleetconfig

import (
	"strings"

	"github.com/httprunner/droidfleet/internal/config"
	"github.com/httprunner/droidfleet/pkg/llm"
	"github.com/pkg/errors"
)

const (
	openRouterBase         = "https://openrouter.ai/api/v1"
	defaultOpenRouterModel = "openai/gpt-4o"
	defaultPackyAPIModel   = "gpt-5.1"
)

// LLMFromEnv selects the model backend from LLM_PROVIDER and its variables.
func LLMFromEnv() (llm.Config, error) {
	provider := strings.ToLower(config.String("LLM_PROVIDER", llm.ProviderOpenRouter))
	switch provider {
	case llm.ProviderOpenRouter:
		key := config.String("OPENROUTER_API_KEY", "")
		if key == "" {
			return llm.Config{}, errors.New("OPENROUTER_API_KEY is not set")
		}
		return llm.Config{
			Provider: provider,
			APIBase:  openRouterBase,
			APIKey:   key,
			Model:    config.String("OPENROUTER_MODEL", defaultOpenRouterModel),
		}, nil
	case llm.ProviderPackyAPI:
		base := config.String("PACKYAPI_BASE_URL", "")
		if base == "" {
			return llm.Config{}, errors.New("PACKYAPI_BASE_URL is not set")
		}
		key := config.String("PACKYAPI_API_KEY", "")
		if key == "" {
			return llm.Config{}, errors.New("PACKYAPI_API_KEY is not set")
		}
		return llm.Config{
			Provider:            provider,
			APIBase:             base,
			APIKey:              key,
			Model:               config.String("PACKYAPI_MODEL", defaultPackyAPIModel),
			CompatibleTransport: true,
		}, nil
	default:
		return llm.Config{}, errors.Errorf("invalid LLM_PROVIDER %q (valid: openrouter, packyapi)", provider)
	}
}
