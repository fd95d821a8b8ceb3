package schemas

// -- Context Bundle Schemas --

// FileSnapshot is one file shown to the council models. Paths are always
// relative to the working root.
type FileSnapshot struct {
	Path        string `json:"path"`
	Content     string `json:"content"`
	IsTruncated bool   `json:"is_truncated"`
	Reason      string `json:"reason,omitempty"` // why the file was included
}

// Snippet is a short excerpt from a file that references the target, used
// for reverse-dependency context without shipping the whole file.
type Snippet struct {
	LineStart int    `json:"line_start"`
	LineEnd   int    `json:"line_end"`
	Content   string `json:"content"`
}

// TruncationInfo records everything the byte caps forced out of the bundle.
type TruncationInfo struct {
	OmittedFiles []string `json:"omitted_files,omitempty"`
	Reason       string   `json:"reason,omitempty"`
}

// ContextBundle is the full set of source context assembled for a job. It is
// persisted as context_bundle.json and embedded (path-scrubbed) into the
// council prompts.
type ContextBundle struct {
	TargetFiles    []FileSnapshot       `json:"target_files"`
	RelatedFiles   []FileSnapshot       `json:"related_files"`
	ReverseDeps    map[string][]Snippet `json:"reverse_deps,omitempty"`
	TestFiles      []FileSnapshot       `json:"test_files"`
	TruncationInfo TruncationInfo       `json:"truncation_info"`
}

// TotalBytes reports the byte weight of all file contents in the bundle.
func (b *ContextBundle) TotalBytes() int {
	total := 0
	for _, group := range [][]FileSnapshot{b.TargetFiles, b.RelatedFiles, b.TestFiles} {
		for _, f := range group {
			total += len(f.Content)
		}
	}
	return total
}
