// Package prompts holds the council's versioned prompt assets. Assets are
// embedded at build time; asking for a version that is not shipped is an
// error, never a silent fallback.
package prompts

import (
	"embed"
	"fmt"
	"strings"

	"github.com/xkilldash9x/council-cli/internal/applypatch"
)

//go:embed assets
var assets embed.FS

const instructionsPlaceholder = "<APPLY_PATCH_TOOL_INSTRUCTIONS>"

// DefaultVersion is the prompt set used when configuration does not name
// one.
const DefaultVersion = "v2"

func load(version, name string) (string, error) {
	data, err := assets.ReadFile("assets/" + version + "/" + name + ".txt")
	if err != nil {
		return "", fmt.Errorf("prompt asset %s/%s not found: %w", version, name, err)
	}
	return string(data), nil
}

// Constitution returns the shared preamble for every council seat.
func Constitution(version string) (string, error) {
	return load(version, "constitution")
}

// SystemPromptCritic assembles the critic seat's system prompt.
func SystemPromptCritic(version string) (string, error) {
	return assemble(version, "critic")
}

// SystemPromptChair assembles the chair seat's system prompt.
func SystemPromptChair(version string) (string, error) {
	return assemble(version, "chair")
}

// SystemPromptImplementer assembles the implementer seat's system prompt,
// splicing the patch-format reference into its placeholder.
func SystemPromptImplementer(version string) (string, error) {
	text, err := assemble(version, "implementer")
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(text, instructionsPlaceholder, applypatch.ToolInstructions), nil
}

func assemble(version, seat string) (string, error) {
	constitution, err := Constitution(version)
	if err != nil {
		return "", err
	}
	body, err := load(version, seat)
	if err != nil {
		return "", err
	}
	return constitution + "\n\n" + body, nil
}
