// internal/llmclient/factory.go
package llmclient

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/council-cli/api/schemas"
	"github.com/xkilldash9x/council-cli/internal/config"
)

// NewRoleClient builds one model client per configured model and wires them
// into a RoleRouter. The config must already have passed Validate.
func NewRoleClient(cfg config.LLMRouterConfig, logger *zap.Logger) (schemas.RoleClient, error) {
	clients := make(map[string]schemas.LLMClient, len(cfg.Models))
	for name, modelCfg := range cfg.Models {
		client, err := newModelClient(modelCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("building client for model %q: %w", name, err)
		}
		clients[name] = client
	}
	return NewRoleRouter(logger, cfg.DefaultModel, cfg.Roles, clients)
}

// newModelClient selects the transport implementation for one model entry.
func newModelClient(cfg config.LLMModelConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	switch cfg.Provider {
	case config.ProviderGemini:
		return NewGeminiClient(cfg, logger)
	case config.ProviderOpenAI, config.ProviderOllama:
		return NewOpenAIClient(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: '%s'. Supported: [%s %s %s]",
			cfg.Provider, config.ProviderGemini, config.ProviderOpenAI, config.ProviderOllama)
	}
}
