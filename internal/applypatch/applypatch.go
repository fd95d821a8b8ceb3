// Package applypatch parses and applies the council's patch envelope format.
//
// A patch is a plain-text document between "*** Begin Patch" and
// "*** End Patch" sentinels containing Add/Update/Delete file sections.
// Update sections carry unified-diff-like hunks whose context lines are
// matched against the target file with progressively looser whitespace
// tolerance. Every entry point takes an explicit root directory; nothing in
// this package reads or mutates the process working directory.
package applypatch

import (
	"fmt"
	"strings"

	"github.com/xkilldash9x/council-cli/internal/parsing"
)

// Hunk is one contiguous change within an Update section. OldLines are
// matched against the file (context plus deletions); NewLines replace them
// (context plus additions).
type Hunk struct {
	// ChangeContext is the text after "@@ ", used to disambiguate which
	// occurrence of OldLines the hunk targets. Empty for bare "@@" markers.
	ChangeContext string
	OldLines      []string
	NewLines      []string
	// IsEndOfFile pins the hunk to the tail of the file.
	IsEndOfFile bool
}

// FileOp is one file-level operation in a parsed patch.
type FileOp struct {
	Kind parsing.PatchOpKind
	Path string
	// MovePath is the destination for updates that carry a "*** Move to:"
	// header. Empty otherwise.
	MovePath string
	// Content is the full new-file body for adds.
	Content string
	Hunks   []Hunk
}

// Patch is the parsed form of one envelope.
type Patch struct {
	Ops []FileOp
}

// ParseError reports where envelope parsing gave up.
type ParseError struct {
	Line    int
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("patch parse error at line %d: %s", e.Line, e.Message)
}

const endOfFileMarker = "*** End of File"

// Parse reads a full patch envelope into its file operations. The input must
// contain the begin and end sentinels; text outside them is rejected only
// when it appears between sections.
func Parse(text string) (*Patch, error) {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")

	i := 0
	for i < len(lines) && strings.TrimSpace(lines[i]) != parsing.BeginPatchSentinel {
		i++
	}
	if i == len(lines) {
		return nil, &ParseError{Line: 1, Message: "missing begin sentinel"}
	}
	i++

	var patch Patch
	for i < len(lines) {
		line := lines[i]
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == parsing.EndPatchSentinel:
			if len(patch.Ops) == 0 {
				return nil, &ParseError{Line: i + 1, Message: "patch contains no operations"}
			}
			return &patch, nil

		case strings.HasPrefix(line, "*** Add File: "):
			op := FileOp{Kind: parsing.OpAdd, Path: strings.TrimSpace(line[len("*** Add File: "):])}
			i++
			var body []string
			for i < len(lines) && strings.HasPrefix(lines[i], "+") {
				body = append(body, lines[i][1:])
				i++
			}
			op.Content = strings.Join(body, "\n")
			if len(body) > 0 {
				op.Content += "\n"
			}
			patch.Ops = append(patch.Ops, op)

		case strings.HasPrefix(line, "*** Delete File: "):
			patch.Ops = append(patch.Ops, FileOp{
				Kind: parsing.OpDelete,
				Path: strings.TrimSpace(line[len("*** Delete File: "):]),
			})
			i++

		case strings.HasPrefix(line, "*** Update File: "):
			op := FileOp{Kind: parsing.OpUpdate, Path: strings.TrimSpace(line[len("*** Update File: "):])}
			i++
			if i < len(lines) && strings.HasPrefix(lines[i], "*** Move to: ") {
				op.MovePath = strings.TrimSpace(lines[i][len("*** Move to: "):])
				i++
			}
			var err error
			op.Hunks, i, err = parseHunks(lines, i)
			if err != nil {
				return nil, err
			}
			if len(op.Hunks) == 0 {
				return nil, &ParseError{Line: i + 1, Message: fmt.Sprintf("update for %s has no hunks", op.Path)}
			}
			patch.Ops = append(patch.Ops, op)

		case trimmed == "":
			i++

		default:
			return nil, &ParseError{Line: i + 1, Message: fmt.Sprintf("unexpected line %q", line)}
		}
	}
	return nil, &ParseError{Line: len(lines), Message: "missing end sentinel"}
}

// parseHunks consumes hunk lines until the next section header or the end
// sentinel. It returns the hunks and the index of the first unconsumed line.
func parseHunks(lines []string, i int) ([]Hunk, int, error) {
	var hunks []Hunk
	cur := Hunk{}
	flush := func() {
		if len(cur.OldLines) > 0 || len(cur.NewLines) > 0 {
			hunks = append(hunks, cur)
		}
		cur = Hunk{}
	}

	for i < len(lines) {
		line := lines[i]
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "*** Update File: "),
			strings.HasPrefix(line, "*** Add File: "),
			strings.HasPrefix(line, "*** Delete File: "),
			trimmed == parsing.EndPatchSentinel:
			flush()
			return hunks, i, nil

		case trimmed == endOfFileMarker:
			cur.IsEndOfFile = true
			flush()
			i++

		case line == "@@" || strings.HasPrefix(line, "@@ "):
			flush()
			if strings.HasPrefix(line, "@@ ") {
				cur.ChangeContext = strings.TrimSpace(line[3:])
			}
			i++

		case strings.HasPrefix(line, "+"):
			cur.NewLines = append(cur.NewLines, line[1:])
			i++

		case strings.HasPrefix(line, "-"):
			cur.OldLines = append(cur.OldLines, line[1:])
			i++

		case strings.HasPrefix(line, " "):
			cur.OldLines = append(cur.OldLines, line[1:])
			cur.NewLines = append(cur.NewLines, line[1:])
			i++

		case trimmed == "":
			// Blank context lines routinely lose their leading space in
			// model output. Treat them as context.
			cur.OldLines = append(cur.OldLines, "")
			cur.NewLines = append(cur.NewLines, "")
			i++

		default:
			return nil, i, &ParseError{Line: i + 1, Message: fmt.Sprintf("malformed hunk line %q", line)}
		}
	}
	flush()
	return hunks, i, nil
}
