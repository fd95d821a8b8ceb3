package applypatch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xkilldash9x/council-cli/internal/parsing"
)

// Result summarizes what an apply (or dry-run) touched.
type Result struct {
	Added   []string
	Updated []string
	Deleted []string
	Moved   map[string]string
}

func newResult() *Result {
	return &Result{Moved: make(map[string]string)}
}

// Summary renders a one-line-per-file report in patch order.
func (r *Result) Summary() string {
	var b strings.Builder
	for _, p := range r.Added {
		fmt.Fprintf(&b, "A %s\n", p)
	}
	for _, p := range r.Updated {
		if dst, ok := r.Moved[p]; ok {
			fmt.Fprintf(&b, "M %s -> %s\n", p, dst)
		} else {
			fmt.Fprintf(&b, "M %s\n", p)
		}
	}
	for _, p := range r.Deleted {
		fmt.Fprintf(&b, "D %s\n", p)
	}
	return b.String()
}

// Check parses and dry-runs the patch against root without writing anything.
// It verifies that every add target is absent, every update and delete
// target exists, and every hunk finds its context in the current file
// contents. A nil error means ApplyInDir with the same inputs would succeed
// barring concurrent modification.
func Check(root, text string) (*Result, error) {
	patch, err := Parse(text)
	if err != nil {
		return nil, err
	}
	return run(root, patch, true)
}

// ApplyInDir applies the patch with root as the explicit base for every
// path. The caller is expected to have validated paths already; this
// function re-checks confinement anyway before touching the filesystem.
func ApplyInDir(root, text string) (*Result, error) {
	patch, err := Parse(text)
	if err != nil {
		return nil, err
	}
	if _, err := run(root, patch, true); err != nil {
		return nil, err
	}
	return run(root, patch, false)
}

func run(root string, patch *Patch, dryRun bool) (*Result, error) {
	res := newResult()
	for _, op := range patch.Ops {
		target, err := resolve(root, op.Path)
		if err != nil {
			return nil, err
		}

		switch op.Kind {
		case parsing.OpAdd:
			if _, statErr := os.Lstat(target); statErr == nil {
				return nil, fmt.Errorf("add %s: file already exists", op.Path)
			}
			if !dryRun {
				if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
					return nil, fmt.Errorf("add %s: %w", op.Path, err)
				}
				if err := os.WriteFile(target, []byte(op.Content), 0o644); err != nil {
					return nil, fmt.Errorf("add %s: %w", op.Path, err)
				}
			}
			res.Added = append(res.Added, op.Path)

		case parsing.OpDelete:
			if _, statErr := os.Lstat(target); statErr != nil {
				return nil, fmt.Errorf("delete %s: %w", op.Path, statErr)
			}
			if !dryRun {
				if err := os.Remove(target); err != nil {
					return nil, fmt.Errorf("delete %s: %w", op.Path, err)
				}
			}
			res.Deleted = append(res.Deleted, op.Path)

		case parsing.OpUpdate:
			raw, readErr := os.ReadFile(target)
			if readErr != nil {
				return nil, fmt.Errorf("update %s: %w", op.Path, readErr)
			}
			updated, applyErr := applyHunks(string(raw), op.Hunks)
			if applyErr != nil {
				return nil, fmt.Errorf("update %s: %w", op.Path, applyErr)
			}

			dest := target
			if op.MovePath != "" {
				dest, err = resolve(root, op.MovePath)
				if err != nil {
					return nil, err
				}
			}
			if !dryRun {
				if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
					return nil, fmt.Errorf("update %s: %w", op.Path, err)
				}
				if err := os.WriteFile(dest, []byte(updated), 0o644); err != nil {
					return nil, fmt.Errorf("update %s: %w", op.Path, err)
				}
				if dest != target {
					if err := os.Remove(target); err != nil {
						return nil, fmt.Errorf("move %s: %w", op.Path, err)
					}
				}
			}
			res.Updated = append(res.Updated, op.Path)
			if op.MovePath != "" {
				res.Moved[op.Path] = op.MovePath
			}

		default:
			return nil, fmt.Errorf("unsupported operation %q for %s", op.Kind, op.Path)
		}
	}
	return res, nil
}

// resolve joins path onto root and insists the result stays inside it.
func resolve(root, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty path in patch operation")
	}
	abs := filepath.Clean(filepath.Join(root, filepath.FromSlash(path)))
	cleanRoot := filepath.Clean(root)
	if abs != cleanRoot && !strings.HasPrefix(abs, cleanRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s escapes root", path)
	}
	return abs, nil
}

// applyHunks rewrites content by locating each hunk's old lines and
// substituting its new lines. Hunks apply in order; the search cursor never
// moves backwards, so hunks must be emitted top to bottom.
func applyHunks(content string, hunks []Hunk) (string, error) {
	trailingNewline := strings.HasSuffix(content, "\n")
	lines := strings.Split(content, "\n")
	if trailingNewline {
		lines = lines[:len(lines)-1]
	}

	cursor := 0
	for n, h := range hunks {
		start := cursor
		if h.ChangeContext != "" {
			ctxAt := seekLine(lines, cursor, h.ChangeContext)
			if ctxAt < 0 {
				return "", fmt.Errorf("hunk %d: context %q not found", n+1, h.ChangeContext)
			}
			start = ctxAt
		}

		var at int
		if h.IsEndOfFile {
			at = len(lines) - len(h.OldLines)
			if at < start || !matchesAt(lines, at, h.OldLines) {
				return "", fmt.Errorf("hunk %d: end-of-file lines do not match", n+1)
			}
		} else {
			at = seekSequence(lines, start, h.OldLines)
			if at < 0 {
				return "", fmt.Errorf("hunk %d: could not locate %d context line(s)", n+1, len(h.OldLines))
			}
		}

		replaced := make([]string, 0, len(lines)-len(h.OldLines)+len(h.NewLines))
		replaced = append(replaced, lines[:at]...)
		replaced = append(replaced, h.NewLines...)
		replaced = append(replaced, lines[at+len(h.OldLines):]...)
		lines = replaced
		cursor = at + len(h.NewLines)
	}

	out := strings.Join(lines, "\n")
	if trailingNewline || len(lines) > 0 {
		out += "\n"
	}
	return out, nil
}

// seekSequence finds needle in lines at or after from. It tries an exact
// match first, then retries ignoring trailing whitespace, then ignoring
// surrounding whitespace entirely. Model output mangles indentation often
// enough that the looser passes earn their keep.
func seekSequence(lines []string, from int, needle []string) int {
	if len(needle) == 0 {
		return from
	}
	type canon func(string) string
	for _, c := range []canon{
		func(s string) string { return s },
		func(s string) string { return strings.TrimRight(s, " \t") },
		strings.TrimSpace,
	} {
		for i := from; i+len(needle) <= len(lines); i++ {
			found := true
			for j, want := range needle {
				if c(lines[i+j]) != c(want) {
					found = false
					break
				}
			}
			if found {
				return i
			}
		}
	}
	return -1
}

func seekLine(lines []string, from int, want string) int {
	for i := from; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == strings.TrimSpace(want) {
			return i
		}
	}
	return -1
}

func matchesAt(lines []string, at int, needle []string) bool {
	if at < 0 || at+len(needle) > len(lines) {
		return false
	}
	for j, want := range needle {
		if strings.TrimRight(lines[at+j], " \t") != strings.TrimRight(want, " \t") {
			return false
		}
	}
	return true
}
