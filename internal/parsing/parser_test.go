package parsing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/council-cli/api/schemas"
)

func TestExtractFindingsFromMessyInput(t *testing.T) {
	input := `
	Here is my critique:
	<finding severity="P0" file="db.go">
		SQL injection in query builder.
	</finding>
	Some filler text the model insisted on.
	<finding severity='P2'>
		Spelling mistake in a comment.
	</finding>
	`

	findings, warnings := ExtractFindings(input)
	require.Len(t, findings, 2)
	assert.Empty(t, warnings)

	assert.Equal(t, schemas.SeverityP0, findings[0].Severity)
	assert.Equal(t, "db.go", findings[0].File)
	assert.Contains(t, findings[0].Body, "SQL injection")

	assert.Equal(t, schemas.SeverityP2, findings[1].Severity)
	assert.Contains(t, findings[1].Body, "Spelling mistake")
}

func TestExtractFindingsSeverityCoercion(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		want     schemas.FindingSeverity
		coerced  bool
	}{
		{"p0", `<finding severity="P0">x</finding>`, schemas.SeverityP0, false},
		{"p1 lowercase", `<finding severity="p1">x</finding>`, schemas.SeverityP1, false},
		{"p2", `<finding severity="P2">x</finding>`, schemas.SeverityP2, false},
		{"p3 padded", `<finding severity=" P3 ">x</finding>`, schemas.SeverityP3, false},
		{"unknown word", `<finding severity="catastrophic">x</finding>`, schemas.SeverityP2, true},
		{"empty", `<finding>x</finding>`, schemas.SeverityP2, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			findings, warnings := ExtractFindings(tc.raw)
			require.Len(t, findings, 1)
			assert.Equal(t, tc.want, findings[0].Severity)
			if tc.coerced {
				require.Len(t, warnings, 1)
				assert.Contains(t, warnings[0], "coerced to P2")
			} else {
				assert.Empty(t, warnings)
			}
		})
	}
}

func TestExtractFindingsIgnoresDanglingOpenTag(t *testing.T) {
	input := `<finding severity="P1">complete</finding><finding severity="P0">never closed`
	findings, _ := ExtractFindings(input)
	require.Len(t, findings, 1)
	assert.Equal(t, schemas.SeverityP1, findings[0].Severity)
}

func TestExtractPatchPreservesCDATAWhitespace(t *testing.T) {
	payload := "\n  line1\n    line2\n"
	input := "<patch><![CDATA[" + payload + "]]></patch>"

	got, ok := ExtractPatch(input)
	require.True(t, ok)
	assert.Equal(t, payload, got, "interior whitespace must survive the CDATA unwrap")
}

func TestExtractPatchWithoutCDATA(t *testing.T) {
	input := "Sure, here you go:\n<patch>\n*** Begin Patch\n*** End Patch\n</patch>\nanything else?"
	got, ok := ExtractPatch(input)
	require.True(t, ok)
	assert.Contains(t, got, BeginPatchSentinel)
	assert.NotContains(t, got, "anything else")
}

func TestExtractPatchMissing(t *testing.T) {
	_, ok := ExtractPatch("no tags here at all")
	assert.False(t, ok)

	// An opening tag with no close is not a block.
	_, ok = ExtractPatch("<patch>never closed")
	assert.False(t, ok)
}

func TestExtractPlan(t *testing.T) {
	plan, ok := ExtractPlan("preamble\n<plan>\n1. Do this.\n2. Do that.\n</plan>\npostamble")
	require.True(t, ok)
	assert.Equal(t, "1. Do this.\n2. Do that.", plan)

	_, ok = ExtractPlan("no plan block")
	assert.False(t, ok)

	_, ok = ExtractPlan("<plan>   \n\t </plan>")
	assert.False(t, ok, "an empty plan block counts as missing")
}

func TestExtractError(t *testing.T) {
	msg, ok := ExtractError("<error> cannot comply: tests missing </error>")
	require.True(t, ok)
	assert.Equal(t, "cannot comply: tests missing", msg)
}

func TestParseAttrs(t *testing.T) {
	attrs := ParseAttrs(`<finding severity="P0" type='bug' note="has internal spaces" checked>`)
	assert.Equal(t, "P0", attrs["severity"])
	assert.Equal(t, "bug", attrs["type"])
	assert.Equal(t, "has internal spaces", attrs["note"])
	assert.Equal(t, "", attrs["checked"])
}

func TestParseAttrsQuotedRoundTrip(t *testing.T) {
	attrs := ParseAttrs(`<x k="a b">`)
	assert.Equal(t, map[string]string{"k": "a b"}, attrs)
}

func TestParseAttrsEdgeCases(t *testing.T) {
	t.Run("duplicate key keeps last", func(t *testing.T) {
		attrs := ParseAttrs(`<x k="first" k="second">`)
		assert.Equal(t, "second", attrs["k"])
	})

	t.Run("unquoted value", func(t *testing.T) {
		attrs := ParseAttrs(`<x k=bare>`)
		assert.Equal(t, "bare", attrs["k"])
	})

	t.Run("spaces around equals", func(t *testing.T) {
		attrs := ParseAttrs(`<x k = "v">`)
		assert.Equal(t, "v", attrs["k"])
	})

	t.Run("no attributes", func(t *testing.T) {
		assert.Empty(t, ParseAttrs(`<x>`))
	})

	t.Run("unterminated quote", func(t *testing.T) {
		attrs := ParseAttrs(`<x k="open ended`)
		assert.Equal(t, "open ended", attrs["k"])
	})
}

func TestLooksLikeApplyPatch(t *testing.T) {
	good := "*** Begin Patch\n*** Add File: foo.go\n+package foo\n*** End Patch"
	assert.True(t, LooksLikeApplyPatch(good))

	assert.False(t, LooksLikeApplyPatch("Here is the patch:\n*** Add File: foo.go"),
		"missing sentinels")
	assert.False(t, LooksLikeApplyPatch("*** End Patch\n*** Add File: x\n*** Begin Patch"),
		"sentinels out of order")
	assert.False(t, LooksLikeApplyPatch("*** Begin Patch\n*** End Patch"),
		"no operation headers")
	assert.False(t, LooksLikeApplyPatch("*** Begin Patch\n*** Add File: /etc/passwd\n*** End Patch"),
		"absolute target")
}
