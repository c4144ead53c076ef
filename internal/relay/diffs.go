package relay

import (
	"encoding/json"
	"strings"

	"github.com/agentcast/agentcast/internal/ws"
)

// ExtractTouchedFiles scans a transcript for file-mutating tool
// invocations and collects their normalized target paths.
func ExtractTouchedFiles(messages []Message) map[string]struct{} {
	touched := make(map[string]struct{})
	for _, m := range messages {
		for _, use := range toolUsesFromContent(m.Content) {
			if use.Kind != ToolFileMutation {
				continue
			}
			if p := mutationPath(use.Input); p != "" {
				touched[p] = struct{}{}
			}
		}
	}
	return touched
}

// toolUsesFromContent handles both stored content shapes: a bare content
// block array, or a message object wrapping one.
func toolUsesFromContent(content json.RawMessage) []ToolUse {
	var blocks []contentBlock
	if err := json.Unmarshal(content, &blocks); err == nil {
		var uses []ToolUse
		for _, b := range blocks {
			if b.Type != "tool_use" {
				continue
			}
			uses = append(uses, ToolUse{Kind: classifyTool(b.Name), ID: b.ID, Name: b.Name, Input: b.Input})
		}
		return uses
	}
	return parseToolUses(content)
}

// pathsMatch reports whether a diff filename and a touched path refer to
// the same file: equal after normalization, or one a path-segment suffix
// of the other (tool calls often carry absolute paths while diff headers
// are repo-relative).
func pathsMatch(a, b string) bool {
	if a == b {
		return true
	}
	return strings.HasSuffix(a, "/"+b) || strings.HasSuffix(b, "/"+a)
}

func isTouched(filename string, touched map[string]struct{}) bool {
	f := normalizePath(filename)
	if _, ok := touched[f]; ok {
		return true
	}
	for t := range touched {
		if pathsMatch(f, t) {
			return true
		}
	}
	return false
}

// countPatch derives additions/deletions from raw unified-diff content.
func countPatch(patch string) (additions, deletions int) {
	for _, line := range strings.Split(patch, "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
		case strings.HasPrefix(line, "+"):
			additions++
		case strings.HasPrefix(line, "-"):
			deletions++
		}
	}
	return additions, deletions
}

// MergeDiffs applies an upload to the stored diff set. Uploaded hunks
// replace their stored counterparts and are classified against the
// touched-file set. Stored hunks for touched files absent from the upload
// are preserved verbatim — a partial re-upload must not lose relevant
// context from earlier in the session. Stored hunks for files no longer
// touched are dropped so stale diffs don't accumulate.
func MergeDiffs(existing []DiffRow, upload []ws.DiffHunk, touched map[string]struct{}) []DiffRow {
	uploaded := make(map[string]struct{}, len(upload))
	out := make([]DiffRow, 0, len(upload)+len(existing))

	for _, h := range upload {
		f := normalizePath(h.Filename)
		uploaded[f] = struct{}{}
		adds, dels := countPatch(h.Patch)
		out = append(out, DiffRow{
			Filename:  f,
			Patch:     h.Patch,
			Additions: adds,
			Deletions: dels,
			Relevant:  isTouched(f, touched),
		})
	}

	for _, old := range existing {
		if _, replaced := uploaded[normalizePath(old.Filename)]; replaced {
			continue
		}
		if isTouched(old.Filename, touched) {
			out = append(out, old)
		}
	}
	return out
}

// UpdateSessionDiffs runs the relevance filter against the session's
// transcript and persists the merged diff set.
func (s *Store) UpdateSessionDiffs(sessionID string, upload []ws.DiffHunk) ([]DiffRow, error) {
	messages, err := s.ReadMessages(sessionID)
	if err != nil {
		return nil, err
	}
	existing, err := s.ReadDiffs(sessionID)
	if err != nil {
		return nil, err
	}
	merged := MergeDiffs(existing, upload, ExtractTouchedFiles(messages))
	if err := s.ReplaceDiffs(sessionID, merged); err != nil {
		return nil, err
	}
	return merged, nil
}
