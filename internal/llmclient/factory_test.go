package llmclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/council-cli/internal/config"
)

// -- Test Cases: Factory Initialization (NewRoleClient) --

// Verifies that the factory builds one client per model and wires the router.
func TestNewRoleClient_Success(t *testing.T) {
	logger := setupTestLogger(t)

	proConfig := getValidLLMConfig()
	proConfig.Model = "gemini-2.5-pro"

	localConfig := getValidLLMConfig()
	localConfig.Provider = config.ProviderOllama
	localConfig.APIKey = ""
	localConfig.Model = "qwen2.5-coder"

	cfg := config.LLMRouterConfig{
		DefaultModel: "pro",
		Roles: map[string]string{
			"critic_b":    "local",
			"implementer": "pro",
		},
		Models: map[string]config.LLMModelConfig{
			"pro":   proConfig,
			"local": localConfig,
		},
	}

	client, err := NewRoleClient(cfg, logger)
	require.NoError(t, err, "NewRoleClient should succeed for a valid configuration")
	require.NotNil(t, client)

	// Type assertion to ensure the RoleRouter implementation was instantiated.
	router, ok := client.(*RoleRouter)
	require.True(t, ok, "The created client should be of type *RoleRouter")

	// Each provider got its transport implementation.
	assert.IsType(t, (*GeminiClient)(nil), router.clients["pro"])
	assert.IsType(t, (*OpenAIClient)(nil), router.clients["local"])
}

func TestNewRoleClient_BrokenModelFails(t *testing.T) {
	logger := setupTestLogger(t)

	keyless := getValidLLMConfig()
	keyless.APIKey = "" // Gemini without a key cannot be built.

	cfg := config.LLMRouterConfig{
		DefaultModel: "pro",
		Models: map[string]config.LLMModelConfig{
			"pro": keyless,
		},
	}

	client, err := NewRoleClient(cfg, logger)
	assert.Error(t, err)
	assert.Nil(t, client)
	assert.Contains(t, err.Error(), `building client for model "pro"`)
}

func TestNewRoleClient_UnknownProviderFails(t *testing.T) {
	logger := setupTestLogger(t)

	weird := getValidLLMConfig()
	weird.Provider = "anthropic-telegraph"

	cfg := config.LLMRouterConfig{
		DefaultModel: "weird",
		Models: map[string]config.LLMModelConfig{
			"weird": weird,
		},
	}

	client, err := NewRoleClient(cfg, logger)
	assert.Error(t, err)
	assert.Nil(t, client)
	assert.Contains(t, err.Error(), "unknown or unsupported LLM provider")
}
