package relay

import (
	"encoding/json"
	"strings"
)

// ToolKind is the closed set of tool-use shapes the relay recognizes.
// Everything else falls through to ToolGeneric and is stored untouched.
type ToolKind int

const (
	ToolGeneric ToolKind = iota
	ToolAskUserQuestion
	ToolFileMutation // write/edit/notebook-edit style tools
)

// ToolUse is one parsed tool-invocation content block.
type ToolUse struct {
	Kind  ToolKind
	ID    string
	Name  string
	Input json.RawMessage
}

// contentBlock mirrors the harness's content block wire shape.
type contentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// streamEvent is a parsed agent stream-json line. Only the fields the
// relay routes on; the raw event is what gets stored and fanned out.
type streamEvent struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Request   json.RawMessage `json:"request,omitempty"`
}

// controlRequestBody is the inner payload of a control_request event.
type controlRequestBody struct {
	ToolName string          `json:"tool_name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
}

// askUserQuestionInput is the input shape of the AskUserQuestion tool.
type askUserQuestionInput struct {
	Question  string `json:"question"`
	Questions []struct {
		Question string   `json:"question"`
		Options  []string `json:"options,omitempty"`
	} `json:"questions,omitempty"`
	Options []string `json:"options,omitempty"`
}

// fileMutationInput covers the target-path field across write/edit tools.
type fileMutationInput struct {
	FilePath     string `json:"file_path,omitempty"`
	NotebookPath string `json:"notebook_path,omitempty"`
	Path         string `json:"path,omitempty"`
}

func classifyTool(name string) ToolKind {
	switch name {
	case "AskUserQuestion":
		return ToolAskUserQuestion
	case "Write", "Edit", "MultiEdit", "NotebookEdit":
		return ToolFileMutation
	default:
		return ToolGeneric
	}
}

// parseToolUses extracts tool-use blocks from an assistant message payload.
func parseToolUses(message json.RawMessage) []ToolUse {
	var parsed struct {
		Content []contentBlock `json:"content"`
	}
	if err := json.Unmarshal(message, &parsed); err != nil {
		return nil
	}
	var uses []ToolUse
	for _, b := range parsed.Content {
		if b.Type != "tool_use" {
			continue
		}
		uses = append(uses, ToolUse{
			Kind:  classifyTool(b.Name),
			ID:    b.ID,
			Name:  b.Name,
			Input: b.Input,
		})
	}
	return uses
}

// questionFromInput pulls the prompt text and options out of an
// AskUserQuestion invocation. Both the flat and the grouped input shapes
// are seen in the wild.
func questionFromInput(input json.RawMessage) (question string, options []string) {
	var q askUserQuestionInput
	if err := json.Unmarshal(input, &q); err != nil {
		return "", nil
	}
	if q.Question != "" {
		return q.Question, q.Options
	}
	if len(q.Questions) > 0 {
		return q.Questions[0].Question, q.Questions[0].Options
	}
	return "", nil
}

// mutationPath returns the normalized target path of a file-mutating tool
// invocation, or "" when none is present.
func mutationPath(input json.RawMessage) string {
	var m fileMutationInput
	if err := json.Unmarshal(input, &m); err != nil {
		return ""
	}
	for _, p := range []string{m.FilePath, m.NotebookPath, m.Path} {
		if p != "" {
			return normalizePath(p)
		}
	}
	return ""
}

// normalizePath strips a leading "./" and collapses repeated separators
// so tool-call paths and diff headers compare stably.
func normalizePath(p string) string {
	p = strings.TrimPrefix(p, "./")
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	return p
}
