package planner

import "testing"

func TestParseDAGValidPlan(t *testing.T) {
	raw := `{
		"goal": "find biryani recipe",
		"nodes": [
			{"id": 1, "task": "search", "tool": "web_search", "args": {"query": "biryani recipe"}, "dependencies": [], "risk_level": "low"},
			{"id": 2, "task": "extract", "tool": "interpret_code", "args": {"code": "print('x')"}, "dependencies": [1], "risk_level": "low"}
		],
		"expected_outcome": "a recipe"
	}`
	dag, err := parseDAG(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(dag.Nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(dag.Nodes))
	}
	if dag.Goal != "find biryani recipe" {
		t.Errorf("expected goal preserved, got %q", dag.Goal)
	}
}

func TestParseDAGRejectsMissingRequiredFields(t *testing.T) {
	raw := `{"nodes": [{"id": 1, "tool": "web_search"}]}`
	if _, err := parseDAG(raw); err == nil {
		t.Errorf("expected schema validation error for missing goal/task")
	}
}

func TestParseDAGRejectsMalformedJSON(t *testing.T) {
	if _, err := parseDAG("not json"); err == nil {
		t.Errorf("expected json parse error")
	}
}
