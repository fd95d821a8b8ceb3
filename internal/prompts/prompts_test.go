package prompts

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/council-cli/internal/parsing"
)

func TestAllSeatsAssemble(t *testing.T) {
	constitution, err := Constitution(DefaultVersion)
	require.NoError(t, err)
	require.NotEmpty(t, constitution)

	for name, fn := range map[string]func(string) (string, error){
		"critic":      SystemPromptCritic,
		"chair":       SystemPromptChair,
		"implementer": SystemPromptImplementer,
	} {
		prompt, err := fn(DefaultVersion)
		require.NoError(t, err, name)
		assert.True(t, strings.HasPrefix(prompt, constitution), "%s must lead with the constitution", name)
	}
}

func TestImplementerEmbedsPatchFormat(t *testing.T) {
	prompt, err := SystemPromptImplementer(DefaultVersion)
	require.NoError(t, err)
	assert.NotContains(t, prompt, instructionsPlaceholder)
	assert.Contains(t, prompt, parsing.BeginPatchSentinel)
	assert.Contains(t, prompt, parsing.EndPatchSentinel)
}

func TestUnknownVersionFailsLoudly(t *testing.T) {
	_, err := SystemPromptChair("v99")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "v99")
}
