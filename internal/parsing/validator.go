package parsing

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Patch envelope sentinels and operation headers, shared with the applier.
const (
	BeginPatchSentinel = "*** Begin Patch"
	EndPatchSentinel   = "*** End Patch"

	headerAdd    = "*** Add File: "
	headerUpdate = "*** Update File: "
	headerDelete = "*** Delete File: "
	headerMove   = "*** Move to: "
)

// PatchOpKind names the operation a patch header requests.
type PatchOpKind string

const (
	OpAdd    PatchOpKind = "add"
	OpUpdate PatchOpKind = "update"
	OpDelete PatchOpKind = "delete"
	OpMove   PatchOpKind = "move"
)

// PatchOp is the parsed view of one patch header.
type PatchOp struct {
	Kind PatchOpKind
	Path string
}

// PathErrorKind classifies why a patch path was rejected.
type PathErrorKind string

const (
	PathEmpty     PathErrorKind = "empty"
	PathAbsolute  PathErrorKind = "absolute"
	PathDrive     PathErrorKind = "drive"
	PathTraversal PathErrorKind = "traversal"
	PathEscape    PathErrorKind = "escape"
)

// PathError reports the offending path and the rule it broke. It is the
// error type returned by ValidatePatchPaths.
type PathError struct {
	Path string
	Kind PathErrorKind
}

func (e *PathError) Error() string {
	switch e.Kind {
	case PathEmpty:
		return "empty file path in patch header"
	case PathAbsolute:
		return fmt.Sprintf("absolute path in patch: %s", e.Path)
	case PathDrive:
		return fmt.Sprintf("drive-prefixed path in patch: %s", e.Path)
	case PathTraversal:
		return fmt.Sprintf("path traversal ('..') in patch: %s", e.Path)
	case PathEscape:
		return fmt.Sprintf("path escapes repository root: %s", e.Path)
	default:
		return fmt.Sprintf("unsafe path in patch: %s", e.Path)
	}
}

// LooksLikeApplyPatch is a cheap sanity check: the begin and end sentinels
// must both be present in order, with at least one operation header between
// them and no obviously absolute target.
func LooksLikeApplyPatch(raw string) bool {
	t := strings.TrimSpace(raw)
	begin := strings.Index(t, BeginPatchSentinel)
	end := strings.Index(t, EndPatchSentinel)
	if begin < 0 || end < 0 || end < begin {
		return false
	}
	if !strings.Contains(t, headerAdd) &&
		!strings.Contains(t, headerUpdate) &&
		!strings.Contains(t, headerDelete) {
		return false
	}
	for _, h := range []string{headerAdd, headerUpdate, headerDelete} {
		if strings.Contains(t, h+"/") || strings.Contains(t, h+`\`) {
			return false
		}
	}
	return true
}

// ParsePatchOps line-scans the operation headers of a patch without
// validating them. Move headers follow the Update header they belong to.
func ParsePatchOps(raw string) []PatchOp {
	var ops []PatchOp
	for _, line := range strings.Split(raw, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, headerAdd):
			ops = append(ops, PatchOp{Kind: OpAdd, Path: strings.TrimSpace(trimmed[len(headerAdd):])})
		case strings.HasPrefix(trimmed, headerUpdate):
			ops = append(ops, PatchOp{Kind: OpUpdate, Path: strings.TrimSpace(trimmed[len(headerUpdate):])})
		case strings.HasPrefix(trimmed, headerDelete):
			ops = append(ops, PatchOp{Kind: OpDelete, Path: strings.TrimSpace(trimmed[len(headerDelete):])})
		case strings.HasPrefix(trimmed, headerMove):
			ops = append(ops, PatchOp{Kind: OpMove, Path: strings.TrimSpace(trimmed[len(headerMove):])})
		}
	}
	return ops
}

// ValidatePatchPaths line-scans every operation header in raw and rejects
// the patch if any path is absolute, drive-prefixed, contains a `..`
// segment, or canonicalizes outside repoRoot. Move destinations are held to
// the same rules. The scan never touches the filesystem.
func ValidatePatchPaths(raw, repoRoot string) error {
	for _, op := range ParsePatchOps(raw) {
		if err := validatePatchPath(op.Path, repoRoot); err != nil {
			return err
		}
	}
	return nil
}

func validatePatchPath(path, repoRoot string) error {
	if path == "" {
		return &PathError{Path: path, Kind: PathEmpty}
	}

	// Reject absolute forms on both separators regardless of host platform:
	// the patch may have been produced for any OS.
	if strings.HasPrefix(path, "/") || strings.HasPrefix(path, `\`) {
		return &PathError{Path: path, Kind: PathAbsolute}
	}
	if len(path) >= 2 && path[1] == ':' && isASCIIAlpha(path[0]) {
		return &PathError{Path: path, Kind: PathDrive}
	}
	if strings.HasPrefix(path, `\\`) {
		return &PathError{Path: path, Kind: PathDrive}
	}

	for _, segment := range strings.FieldsFunc(path, func(r rune) bool {
		return r == '/' || r == '\\'
	}) {
		if segment == ".." {
			return &PathError{Path: path, Kind: PathTraversal}
		}
	}

	// Belt and suspenders: the cleaned join must stay a descendant of the
	// repo root.
	joined := filepath.Clean(filepath.Join(repoRoot, filepath.FromSlash(path)))
	root := filepath.Clean(repoRoot)
	if joined != root && !strings.HasPrefix(joined, root+string(filepath.Separator)) {
		return &PathError{Path: path, Kind: PathEscape}
	}
	return nil
}

func isASCIIAlpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
