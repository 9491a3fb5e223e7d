package resolver

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/swarmguard/amsab/internal/model"
)

func TestResolveSubstitutesKnownReference(t *testing.T) {
	ctx := Context{"node_1_output": "hello world"}
	got := Resolve("summarize: $node_1_output", ctx)
	if got != "summarize: hello world" {
		t.Errorf("got %q", got)
	}
}

func TestResolveLeavesUnknownReferenceVerbatim(t *testing.T) {
	ctx := Context{}
	got := Resolve("use node_9_output here", ctx)
	if got != "use node_9_output here" {
		t.Errorf("expected unresolved token preserved, got %q", got)
	}
}

func TestResolveArgsInjectsDecodeHeaderForInterpretCode(t *testing.T) {
	ctx := Context{"node_1_output": `print("hi"); import os`}
	args := map[string]any{"code": "print($node_1_output)"}
	resolved := ResolveArgs(model.ToolInterpretCode, args, ctx)

	code, ok := resolved["code"].(string)
	if !ok {
		t.Fatalf("expected code string key, got %#v", resolved)
	}
	if _, ok := resolved["code_b64"]; ok {
		t.Errorf("code_b64 should no longer be emitted")
	}
	if !strings.Contains(code, "import base64 as _b64") {
		t.Errorf("expected decode header, got %q", code)
	}
	want := base64.StdEncoding.EncodeToString([]byte(ctx["node_1_output"]))
	if !strings.Contains(code, want) {
		t.Errorf("expected base64-encoded payload %q in code, got %q", want, code)
	}
	if !strings.Contains(code, "node_1_output = _b64.b64decode(") {
		t.Errorf("expected node_1_output variable definition, got %q", code)
	}
	if !strings.Contains(code, "print(node_1_output)") {
		t.Errorf("expected token rewritten to bare identifier, got %q", code)
	}
}

func TestResolveArgsInterpretCodeWithoutReferencesPassesThrough(t *testing.T) {
	args := map[string]any{"code": "print('hello')"}
	resolved := ResolveArgs(model.ToolInterpretCode, args, Context{})
	if resolved["code"] != "print('hello')" {
		t.Errorf("expected untouched code, got %#v", resolved["code"])
	}
}

func TestResolveArgsLiteralSubstitutionForOtherTools(t *testing.T) {
	ctx := Context{"node_1_output": "result-value"}
	args := map[string]any{"query": "node_1_output"}
	resolved := ResolveArgs(model.ToolWebSearch, args, ctx)

	if resolved["query"] != "result-value" {
		t.Errorf("expected literal substitution, got %#v", resolved["query"])
	}
}

func TestResolveArgsPassesThroughNonStringValues(t *testing.T) {
	args := map[string]any{"limit": 5}
	resolved := ResolveArgs(model.ToolScraper, args, Context{})
	if resolved["limit"] != 5 {
		t.Errorf("expected non-string value untouched, got %#v", resolved["limit"])
	}
}

func TestBuildContextIncludesFailedPlaceholder(t *testing.T) {
	ctx := BuildContext([]int{1, 2}, map[int]*model.Snapshot{1: {Output: "ok"}}, map[int]string{2: "boom"})
	if ctx["node_1_output"] != "ok" {
		t.Errorf("expected completed dep output, got %q", ctx["node_1_output"])
	}
	if ctx["node_2_output"] != "[FAILED] boom" {
		t.Errorf("expected failed placeholder, got %q", ctx["node_2_output"])
	}
}
