package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/council-cli/api/schemas"
	"github.com/xkilldash9x/council-cli/internal/observability"
)

// ContextLimits cap how much source the bundle may carry into prompts.
type ContextLimits struct {
	MaxFilesTotal   int
	MaxBytesPerFile int
	MaxTotalBytes   int
}

// DefaultContextLimits mirror the configuration defaults.
func DefaultContextLimits() ContextLimits {
	return ContextLimits{
		MaxFilesTotal:   40,
		MaxBytesPerFile: 80_000,
		MaxTotalBytes:   2 << 20,
	}
}

var (
	goImportRe     = regexp.MustCompile(`(?m)^\s*(?:import\s+)?(?:[\w.]+\s+)?"([^"]+)"`)
	rustUseRe      = regexp.MustCompile(`(?m)^\s*(?:pub\s+)?use\s+(?:crate|super|self)::([\w:]+)`)
	rustModRe      = regexp.MustCompile(`(?m)^\s*(?:pub\s+)?mod\s+(\w+)\s*;`)
	pythonImportRe = regexp.MustCompile(`(?m)^(?:from|import)\s+([\w.]+)`)
)

// ContextBuilder assembles the source context shown to the council. It reads
// only from its working root (an isolated worktree or snapshot), never the
// user's tree.
type ContextBuilder struct {
	root   string
	limits ContextLimits
	log    *zap.Logger

	totalBytes int
	fileCount  int
	seen       map[string]bool
}

func NewContextBuilder(root string, limits ContextLimits) *ContextBuilder {
	return &ContextBuilder{
		root:   root,
		limits: limits,
		log:    observability.GetLogger().Named("context"),
		seen:   make(map[string]bool),
	}
}

// Build produces the bundle for the given relative target paths. Language
// awareness picks related files from the target's imports; the generic
// fallback includes same-extension neighbors. Cap overruns truncate rather
// than fail.
func (b *ContextBuilder) Build(targets []string) (*schemas.ContextBundle, error) {
	bundle := &schemas.ContextBundle{ReverseDeps: make(map[string][]schemas.Snippet)}

	for _, rel := range targets {
		snap, err := b.snapshot(rel, "target")
		if err != nil {
			return nil, fmt.Errorf("target %s: %w", rel, err)
		}
		if snap == nil {
			continue
		}
		bundle.TargetFiles = append(bundle.TargetFiles, *snap)

		for _, related := range b.relatedFor(rel, snap.Content) {
			if rs := b.snapshotCapped(related, "imported by "+rel, bundle); rs != nil {
				bundle.RelatedFiles = append(bundle.RelatedFiles, *rs)
			}
		}
		for _, test := range b.testsFor(rel) {
			if ts := b.snapshotCapped(test, "test for "+rel, bundle); ts != nil {
				bundle.TestFiles = append(bundle.TestFiles, *ts)
			}
		}
	}

	b.findReverseDeps(targets, bundle)

	b.log.Info("context bundle assembled",
		zap.Int("targets", len(bundle.TargetFiles)),
		zap.Int("related", len(bundle.RelatedFiles)),
		zap.Int("tests", len(bundle.TestFiles)),
		zap.Int("bytes", bundle.TotalBytes()))
	return bundle, nil
}

// snapshot reads one file with the per-file cap applied. Targets are exempt
// from the file-count cap; they always ship.
func (b *ContextBuilder) snapshot(rel, reason string) (*schemas.FileSnapshot, error) {
	abs := filepath.Join(b.root, filepath.FromSlash(rel))
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	b.seen[rel] = true
	b.fileCount++

	content := string(data)
	truncated := false
	if len(content) > b.limits.MaxBytesPerFile {
		content = content[:b.limits.MaxBytesPerFile]
		truncated = true
	}
	b.totalBytes += len(content)
	return &schemas.FileSnapshot{Path: rel, Content: content, IsTruncated: truncated, Reason: reason}, nil
}

// snapshotCapped is snapshot for non-target files: unreadable files and cap
// overruns degrade to truncation records instead of errors.
func (b *ContextBuilder) snapshotCapped(rel, reason string, bundle *schemas.ContextBundle) *schemas.FileSnapshot {
	if b.seen[rel] {
		return nil
	}
	if b.fileCount >= b.limits.MaxFilesTotal || b.totalBytes >= b.limits.MaxTotalBytes {
		b.seen[rel] = true
		bundle.TruncationInfo.OmittedFiles = append(bundle.TruncationInfo.OmittedFiles, rel)
		bundle.TruncationInfo.Reason = "context caps reached"
		return nil
	}
	snap, err := b.snapshot(rel, reason)
	if err != nil {
		b.log.Debug("skipping unreadable related file", zap.String("path", rel), zap.Error(err))
		return nil
	}
	return snap
}

// relatedFor resolves the target's imports to repo-relative files. Go files
// pull in the rest of their package directory plus imported internal
// packages; Rust files follow use/mod declarations; Python follows import
// statements; anything else gets same-extension siblings.
func (b *ContextBuilder) relatedFor(rel, content string) []string {
	switch filepath.Ext(rel) {
	case ".go":
		return b.goRelated(rel, content)
	case ".rs":
		return b.rustRelated(rel, content)
	case ".py":
		return b.pythonRelated(content)
	default:
		return b.siblingRelated(rel)
	}
}

func (b *ContextBuilder) goRelated(rel, content string) []string {
	var out []string
	dir := filepath.Dir(rel)
	out = append(out, b.listDir(dir, ".go", rel, false)...)

	modulePrefix := b.goModulePath()
	if modulePrefix == "" {
		return out
	}
	for _, m := range goImportRe.FindAllStringSubmatch(content, -1) {
		imp := m[1]
		if !strings.HasPrefix(imp, modulePrefix+"/") {
			continue
		}
		pkgDir := strings.TrimPrefix(imp, modulePrefix+"/")
		out = append(out, b.listDir(pkgDir, ".go", rel, false)...)
	}
	return out
}

func (b *ContextBuilder) rustRelated(rel, content string) []string {
	var out []string
	dir := filepath.Dir(rel)
	names := make(map[string]bool)
	for _, m := range rustUseRe.FindAllStringSubmatch(content, -1) {
		names[strings.SplitN(m[1], "::", 2)[0]] = true
	}
	for _, m := range rustModRe.FindAllStringSubmatch(content, -1) {
		names[m[1]] = true
	}
	for name := range names {
		for _, candidate := range []string{
			path(dir, name+".rs"),
			path(dir, name, "mod.rs"),
		} {
			if b.exists(candidate) {
				out = append(out, candidate)
			}
		}
	}
	sort.Strings(out)
	return out
}

func (b *ContextBuilder) pythonRelated(content string) []string {
	var out []string
	for _, m := range pythonImportRe.FindAllStringSubmatch(content, -1) {
		parts := strings.Split(m[1], ".")
		base := filepath.Join(parts...)
		for _, candidate := range []string{
			filepath.ToSlash(base) + ".py",
			filepath.ToSlash(filepath.Join(base, "__init__.py")),
		} {
			if b.exists(candidate) {
				out = append(out, candidate)
			}
		}
	}
	return out
}

func (b *ContextBuilder) siblingRelated(rel string) []string {
	return b.listDir(filepath.Dir(rel), filepath.Ext(rel), rel, false)
}

// testsFor finds test files adjacent to the target by naming convention.
func (b *ContextBuilder) testsFor(rel string) []string {
	dir := filepath.Dir(rel)
	base := strings.TrimSuffix(filepath.Base(rel), filepath.Ext(rel))

	var out []string
	for _, candidate := range []string{
		path(dir, base+"_test.go"),
		path(dir, "test_"+base+".py"),
		path(dir, base+"_test.py"),
		path(dir, "tests", base+".rs"),
	} {
		if b.exists(candidate) {
			out = append(out, candidate)
		}
	}
	return out
}

// findReverseDeps scans source files for mentions of the target's base
// names and records up to three matching lines each.
func (b *ContextBuilder) findReverseDeps(targets []string, bundle *schemas.ContextBundle) {
	names := make(map[string]bool)
	for _, rel := range targets {
		stem := strings.TrimSuffix(filepath.Base(rel), filepath.Ext(rel))
		if stem != "" {
			names[stem] = true
		}
	}
	if len(names) == 0 {
		return
	}

	_ = filepath.WalkDir(b.root, func(abs string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if name := d.Name(); name == ".git" || strings.HasPrefix(name, ".") && abs != b.root {
				return filepath.SkipDir
			}
			return nil
		}
		switch filepath.Ext(abs) {
		case ".go", ".rs", ".py", ".ts", ".js":
		default:
			return nil
		}

		rel, relErr := filepath.Rel(b.root, abs)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if b.seen[rel] {
			return nil
		}

		data, readErr := os.ReadFile(abs)
		if readErr != nil {
			return nil
		}
		var snippets []schemas.Snippet
		for i, line := range strings.Split(string(data), "\n") {
			for name := range names {
				if strings.Contains(line, name) {
					snippets = append(snippets, schemas.Snippet{
						LineStart: i + 1,
						LineEnd:   i + 1,
						Content:   strings.TrimSpace(line),
					})
					break
				}
			}
			if len(snippets) >= 3 {
				break
			}
		}
		if len(snippets) > 0 {
			bundle.ReverseDeps[rel] = snippets
		}
		return nil
	})
}

// listDir returns slash-relative paths of files in dir with the given
// extension, excluding exclude and, unless includeTests, Go test files.
func (b *ContextBuilder) listDir(dir, ext, exclude string, includeTests bool) []string {
	entries, err := os.ReadDir(filepath.Join(b.root, filepath.FromSlash(dir)))
	if err != nil {
		return nil
	}
	var out []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ext {
			continue
		}
		if !includeTests && strings.HasSuffix(name, "_test.go") {
			continue
		}
		rel := path(dir, name)
		if rel == exclude {
			continue
		}
		out = append(out, rel)
	}
	sort.Strings(out)
	return out
}

// goModulePath reads the module line of the root go.mod, if any.
func (b *ContextBuilder) goModulePath() string {
	data, err := os.ReadFile(filepath.Join(b.root, "go.mod"))
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		if rest, ok := strings.CutPrefix(strings.TrimSpace(line), "module "); ok {
			return strings.TrimSpace(rest)
		}
	}
	return ""
}

func (b *ContextBuilder) exists(rel string) bool {
	info, err := os.Stat(filepath.Join(b.root, filepath.FromSlash(rel)))
	return err == nil && !info.IsDir()
}

// path joins slash-relative segments without touching the host separator.
func path(segments ...string) string {
	joined := filepath.ToSlash(filepath.Join(segments...))
	return strings.TrimPrefix(joined, "./")
}
