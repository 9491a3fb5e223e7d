package planner

import (
	"testing"

	"github.com/swarmguard/amsab/internal/model"
)

func TestSanitizeDAGReplacesFakeScraperURL(t *testing.T) {
	dag := &model.DAG{Nodes: []*model.Node{
		{ID: 1, Task: "find the recipe", Tool: model.ToolScraper, Args: map[string]any{"url": "https://example.com/placeholder"}},
	}}
	sanitizeDAG(dag)

	n := dag.NodeByID(1)
	if n.Tool != model.ToolWebSearch {
		t.Errorf("expected fake URL node rewritten to web_search, got %s", n.Tool)
	}
	if n.Args["query"] != "find the recipe" {
		t.Errorf("expected query seeded from task, got %#v", n.Args)
	}
}

func TestSanitizeDAGKeepsRealScraperURL(t *testing.T) {
	dag := &model.DAG{Nodes: []*model.Node{
		{ID: 1, Tool: model.ToolScraper, Args: map[string]any{"url": "https://news.ycombinator.com/item?id=1"}},
	}}
	sanitizeDAG(dag)
	if dag.NodeByID(1).Tool != model.ToolScraper {
		t.Errorf("expected real URL left alone")
	}
}

func TestSanitizeDAGFixesBadFilename(t *testing.T) {
	dag := &model.DAG{Nodes: []*model.Node{
		{ID: 1, Task: "Save Results Here", Tool: model.ToolFilesystemWrite, Args: map[string]any{"filename": "$node_1_output"}},
	}}
	sanitizeDAG(dag)
	fname := dag.NodeByID(1).Args["filename"].(string)
	if fname == "$node_1_output" {
		t.Errorf("expected bad filename replaced, got %q", fname)
	}
}

func TestFixPythonCodeHandlesDollarDollarSeparators(t *testing.T) {
	out := fixPythonCode(`data = $node_1_output$$ print(data)`, "process data", []int{1})
	if want := "data = $node_1_output\nprint(data)"; out != want {
		t.Errorf("expected %q, got %q", want, out)
	}
}

func TestFixPythonCodeEmptyFallsBackWithDeps(t *testing.T) {
	out := fixPythonCode("", "summarize", []int{1, 2})
	if !contains(out, "node_1_output") || !contains(out, "node_2_output") {
		t.Errorf("expected fallback to reference both deps, got %q", out)
	}
}

func TestFixPythonCodeRejectsNonPython(t *testing.T) {
	out := fixPythonCode("just do the thing in plain english", "do the thing", nil)
	if !contains(out, "not valid Python") {
		t.Errorf("expected non-python fallback comment, got %q", out)
	}
}

func TestFixPythonCodeAddsMissingPrint(t *testing.T) {
	out := fixPythonCode("x = 1 + 1", "compute", nil)
	if !contains(out, "print(") {
		t.Errorf("expected print() appended, got %q", out)
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
