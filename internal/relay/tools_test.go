package relay

import (
	"encoding/json"
	"testing"
)

func TestClassifyTool(t *testing.T) {
	cases := map[string]ToolKind{
		"AskUserQuestion": ToolAskUserQuestion,
		"Write":           ToolFileMutation,
		"Edit":            ToolFileMutation,
		"MultiEdit":       ToolFileMutation,
		"NotebookEdit":    ToolFileMutation,
		"Bash":            ToolGeneric,
		"Read":            ToolGeneric,
		"":                ToolGeneric,
	}
	for name, want := range cases {
		if got := classifyTool(name); got != want {
			t.Errorf("classifyTool(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestQuestionFromInputShapes(t *testing.T) {
	q, opts := questionFromInput(json.RawMessage(
		`{"question":"Deploy now?","options":["yes","no"]}`))
	if q != "Deploy now?" || len(opts) != 2 {
		t.Errorf("flat shape: q=%q opts=%v", q, opts)
	}

	q, opts = questionFromInput(json.RawMessage(
		`{"questions":[{"question":"Which env?","options":["staging","prod"]}]}`))
	if q != "Which env?" || len(opts) != 2 || opts[1] != "prod" {
		t.Errorf("grouped shape: q=%q opts=%v", q, opts)
	}

	if q, _ := questionFromInput(json.RawMessage(`{}`)); q != "" {
		t.Errorf("empty input produced question %q", q)
	}
	if q, _ := questionFromInput(json.RawMessage(`not json`)); q != "" {
		t.Errorf("bad input produced question %q", q)
	}
}

func TestMutationPath(t *testing.T) {
	cases := []struct {
		input string
		want  string
	}{
		{`{"file_path":"src/a.go"}`, "src/a.go"},
		{`{"notebook_path":"nb.ipynb"}`, "nb.ipynb"},
		{`{"path":"./x//y.go"}`, "x/y.go"},
		{`{"command":"ls"}`, ""},
		{`broken`, ""},
	}
	for _, c := range cases {
		if got := mutationPath(json.RawMessage(c.input)); got != c.want {
			t.Errorf("mutationPath(%s) = %q, want %q", c.input, got, c.want)
		}
	}
}

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"./src/main.go": "src/main.go",
		"src//main.go":  "src/main.go",
		"a///b////c":    "a/b/c",
		"/abs/path.go":  "/abs/path.go",
		"plain.go":      "plain.go",
	}
	for in, want := range cases {
		if got := normalizePath(in); got != want {
			t.Errorf("normalizePath(%q) = %q, want %q", in, got, want)
		}
	}
}
