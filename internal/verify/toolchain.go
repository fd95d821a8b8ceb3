package verify

import (
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Command is one verification step in argv form. Display joins the argv for
// logs and events; the argv itself is never handed to a shell.
type Command struct {
	Argv []string
}

// Display renders the argv for human consumption.
func (c Command) Display() string {
	out := ""
	for i, a := range c.Argv {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}

// Toolchain is a detected project kind and its verification command list.
type Toolchain struct {
	Name     string
	Commands []Command
}

// detectionTTL bounds how long a cached detection stays valid. Working roots
// are short-lived job directories, so staleness is rare but cheap to guard.
const detectionTTL = 5 * time.Minute

type cachedDetection struct {
	toolchain Toolchain
	at        time.Time
}

// Detector maps working roots to toolchains, caching results per root.
type Detector struct {
	mu    sync.Mutex
	cache map[string]cachedDetection
	now   func() time.Time
}

func NewDetector() *Detector {
	return &Detector{
		cache: make(map[string]cachedDetection),
		now:   time.Now,
	}
}

// Detect inspects root for toolchain marker files and returns the ordered
// verification commands for it. target, when non-empty, is a relative path
// used to find the nearest enclosing manifest in multi-module repositories.
func (d *Detector) Detect(root, target string) Toolchain {
	d.mu.Lock()
	if hit, ok := d.cache[root]; ok && d.now().Sub(hit.at) < detectionTTL {
		d.mu.Unlock()
		return hit.toolchain
	}
	d.mu.Unlock()

	tc := detect(root, target)

	d.mu.Lock()
	d.cache[root] = cachedDetection{toolchain: tc, at: d.now()}
	d.mu.Unlock()
	return tc
}

func detect(root, target string) Toolchain {
	if manifest := nearestMarker(root, target, "go.mod"); manifest != "" {
		return Toolchain{
			Name: "go",
			Commands: []Command{
				{Argv: []string{"go", "build", "./..."}},
				{Argv: []string{"go", "vet", "./..."}},
				{Argv: []string{"go", "test", "./..."}},
			},
		}
	}

	if manifest := nearestMarker(root, target, "Cargo.toml"); manifest != "" {
		return Toolchain{
			Name: "rust",
			Commands: []Command{
				{Argv: []string{"cargo", "check", "--offline", "--manifest-path", manifest}},
				{Argv: []string{"cargo", "test", "--offline", "--manifest-path", manifest}},
			},
		}
	}

	return Toolchain{
		Name: "python",
		Commands: []Command{
			{Argv: []string{"ruff", "format", "."}},
			{Argv: []string{"ruff", "check", "."}},
			{Argv: []string{"pytest", "-q"}},
		},
	}
}

// nearestMarker walks from the target's directory up to root looking for a
// marker file, falling back to the root itself. Returns the absolute marker
// path, or empty when absent everywhere.
func nearestMarker(root, target, marker string) string {
	var dirs []string
	if target != "" {
		dir := filepath.Join(root, filepath.FromSlash(target))
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			dir = filepath.Dir(dir)
		}
		for inside(root, dir) {
			dirs = append(dirs, dir)
			if dir == root {
				break
			}
			dir = filepath.Dir(dir)
		}
	}
	if len(dirs) == 0 || dirs[len(dirs)-1] != root {
		dirs = append(dirs, root)
	}

	// Nearest first: the target's own directory wins over the root.
	for _, dir := range dirs {
		candidate := filepath.Join(dir, marker)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

func inside(root, dir string) bool {
	rel, err := filepath.Rel(root, dir)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !filepath.IsAbs(rel) && !hasDotDotPrefix(rel))
}

func hasDotDotPrefix(rel string) bool {
	return rel == ".." || len(rel) > 2 && rel[:3] == ".."+string(filepath.Separator)
}
