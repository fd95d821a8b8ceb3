// Package parsing extracts structured sections from free-form model output.
//
// Council models are instructed to wrap their payloads in named tags
// (<plan>, <patch>, <finding severity="P1">...), but replies routinely carry
// preamble, postamble and malformed neighbors. The scanner here tolerates
// all of that: it finds the first well-delimited block for a tag and ignores
// everything around it. It is deliberately not an XML parser.
package parsing

import (
	"strconv"
	"strings"

	"github.com/xkilldash9x/council-cli/api/schemas"
)

const (
	cdataOpen  = "<![CDATA["
	cdataClose = "]]>"
)

// ExtractSection returns the body of the first <name ...>...</name> block in
// text. A CDATA wrapper around the whole body is stripped, but the interior
// is returned byte-for-byte; only the wrapper itself is trimmed away.
// The second return is false when no complete block exists.
func ExtractSection(text, name string) (string, bool) {
	body, ok := firstBlock(text, name)
	if !ok {
		return "", false
	}
	return unwrapCDATA(body), true
}

// ExtractPlan returns the trimmed body of the first <plan> block, or false
// when the block is absent or empty. Callers treat false as a parse error.
func ExtractPlan(text string) (string, bool) {
	body, ok := firstBlock(text, "plan")
	if !ok {
		return "", false
	}
	plan := strings.TrimSpace(unwrapCDATA(body))
	if plan == "" {
		return "", false
	}
	return plan, true
}

// ExtractPatch returns the first <patch> payload with any CDATA wrapper
// stripped and interior whitespace preserved. It performs no validation.
func ExtractPatch(text string) (string, bool) {
	return ExtractSection(text, "patch")
}

// ExtractError returns the trimmed body of a model's <error> refusal block.
func ExtractError(text string) (string, bool) {
	body, ok := firstBlock(text, "error")
	if !ok {
		return "", false
	}
	return strings.TrimSpace(body), true
}

// ExtractFindings collects every complete <finding ...>...</finding> element
// in text. The severity attribute is mapped onto the four tags; anything
// else is coerced to P2 and reported in the returned warnings.
func ExtractFindings(text string) ([]schemas.Finding, []string) {
	var (
		findings []schemas.Finding
		warnings []string
	)

	const (
		openPat  = "<finding"
		closePat = "</finding>"
	)

	cursor := 0
	for {
		openRel := strings.Index(text[cursor:], openPat)
		if openRel < 0 {
			break
		}
		openStart := cursor + openRel

		gtRel := strings.IndexByte(text[openStart:], '>')
		if gtRel < 0 {
			break
		}
		openTag := text[openStart : openStart+gtRel+1]
		attrs := ParseAttrs(openTag)

		bodyStart := openStart + gtRel + 1
		closeRel := strings.Index(text[bodyStart:], closePat)
		if closeRel < 0 {
			break
		}
		body := text[bodyStart : bodyStart+closeRel]

		severity, known := parseSeverity(attrs["severity"])
		if !known {
			warnings = append(warnings, "unknown finding severity "+strconv.Quote(attrs["severity"])+", coerced to P2")
		}

		findings = append(findings, schemas.Finding{
			Severity: severity,
			Title:    attrs["title"],
			File:     attrs["file"],
			Symbol:   attrs["symbol"],
			Body:     strings.TrimSpace(body),
			Attrs:    attrs,
		})
		cursor = bodyStart + closeRel + len(closePat)
	}
	return findings, warnings
}

func parseSeverity(raw string) (schemas.FindingSeverity, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "P0":
		return schemas.SeverityP0, true
	case "P1":
		return schemas.SeverityP1, true
	case "P2":
		return schemas.SeverityP2, true
	case "P3":
		return schemas.SeverityP3, true
	default:
		return schemas.SeverityP2, false
	}
}

// ParseAttrs scans the attributes of an opening tag. It is a small state
// machine rather than a whitespace split so quoted values keep their
// internal spaces. Valueless attributes map to the empty string; duplicate
// keys keep the last value.
func ParseAttrs(openTag string) map[string]string {
	attrs := make(map[string]string)
	i := 0
	n := len(openTag)

	// Skip the tag name.
	for i < n {
		c := openTag[i]
		i++
		if c == '>' {
			return attrs
		}
		if isSpace(c) {
			break
		}
	}

	for {
		for i < n && isSpace(openTag[i]) {
			i++
		}
		if i >= n || openTag[i] == '>' || openTag[i] == '/' {
			break
		}

		keyStart := i
		for i < n && openTag[i] != '=' && openTag[i] != '>' && !isSpace(openTag[i]) {
			i++
		}
		key := openTag[keyStart:i]
		if key == "" {
			break
		}

		// Skip whitespace, then consume '=' if present.
		foundEq := false
		for i < n {
			if openTag[i] == '=' {
				i++
				foundEq = true
				break
			}
			if isSpace(openTag[i]) {
				i++
				continue
			}
			break
		}
		if !foundEq {
			attrs[key] = ""
			continue
		}

		for i < n && isSpace(openTag[i]) {
			i++
		}

		var val string
		if i < n && (openTag[i] == '"' || openTag[i] == '\'') {
			quote := openTag[i]
			i++
			valStart := i
			for i < n && openTag[i] != quote {
				i++
			}
			val = openTag[valStart:i]
			if i < n {
				i++ // closing quote
			}
		} else {
			valStart := i
			for i < n && !isSpace(openTag[i]) && openTag[i] != '>' {
				i++
			}
			val = openTag[valStart:i]
		}
		attrs[key] = val
	}
	return attrs
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// firstBlock finds the body of the first <tag ...>...</tag> pair, ignoring
// any surrounding text. Returns false when either delimiter is missing.
func firstBlock(text, tag string) (string, bool) {
	openPat := "<" + tag
	closePat := "</" + tag + ">"

	openStart := strings.Index(text, openPat)
	if openStart < 0 {
		return "", false
	}
	gtRel := strings.IndexByte(text[openStart:], '>')
	if gtRel < 0 {
		return "", false
	}
	bodyStart := openStart + gtRel + 1

	closeRel := strings.Index(text[bodyStart:], closePat)
	if closeRel < 0 {
		return "", false
	}
	return text[bodyStart : bodyStart+closeRel], true
}

// unwrapCDATA strips a <![CDATA[ ... ]]> envelope when the trimmed body is
// exactly one such envelope. The interior is returned untouched; a body that
// is not CDATA-wrapped comes back unchanged.
func unwrapCDATA(s string) string {
	trimmed := strings.TrimSpace(s)
	if inner, ok := strings.CutPrefix(trimmed, cdataOpen); ok {
		if inner2, ok := strings.CutSuffix(inner, cdataClose); ok {
			return inner2
		}
	}
	return s
}
