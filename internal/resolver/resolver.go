// Package resolver implements the Argument Resolver (C4): substituting
// "$node_<id>_output"-style references in a node's args with the resolved
// output of earlier nodes before the sandbox executor runs it. Grounded on
// AMSAB backend/core/executor.py's _resolve_references.
package resolver

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"

	"github.com/swarmguard/amsab/internal/model"
)

// refPattern matches a bare "node_<id>_output" token, with or without a
// leading "$" — the planner emits both forms in the wild.
var refPattern = regexp.MustCompile(`\$?node_(\d+)_output`)

// Context maps a context key (e.g. "node_1_output") to its resolved string
// value, sourced from completed/failed nodes' snapshots.
type Context map[string]string

// Resolve substitutes every reference token found in a string argument with
// its resolved value from ctx. A reference with no entry in ctx is left
// unresolved verbatim, matching the teacher's behavior of never raising on a
// dangling reference — a node with a genuinely missing dependency output
// simply sees the literal token in its argument.
func Resolve(value string, ctx Context) string {
	return refPattern.ReplaceAllStringFunc(value, func(token string) string {
		key := strings.TrimPrefix(token, "$")
		if resolved, ok := ctx[key]; ok {
			return resolved
		}
		return token
	})
}

// ResolveArgs resolves every string-valued argument for a node. For
// ToolInterpretCode's "code"/"script" argument, references are rewritten
// into a base64-decode header that defines a local node_<id>_output
// variable per reference, instead of splicing the raw output into the
// source text — the same script-injection defense AMSAB's executor applies
// before handing code to the sandbox's interpreter.
func ResolveArgs(tool model.Tool, args map[string]any, ctx Context) map[string]any {
	resolved := make(map[string]any, len(args))
	for k, v := range args {
		s, ok := v.(string)
		if !ok {
			resolved[k] = v
			continue
		}
		if tool == model.ToolInterpretCode && (k == "code" || k == "script") {
			resolved[k] = resolveInterpretCode(s, ctx)
			continue
		}
		resolved[k] = Resolve(s, ctx)
	}
	return resolved
}

// resolveInterpretCode rewrites every "node_<id>_output" reference (with or
// without a leading "$") in code into a bare node_<id>_output identifier,
// and prepends a header that defines each referenced identifier by
// base64-decoding the dependency's output — guaranteeing valid Python
// regardless of what bytes the upstream output contains. Grounded on
// executor.py's _resolve_references: "node outputs are injected as Python
// string variables at the top of the script ... so that raw substitution
// never produces invalid Python syntax."
func resolveInterpretCode(code string, ctx Context) string {
	matches := refPattern.FindAllStringSubmatch(code, -1)
	seen := make(map[string]bool, len(matches))
	var refs []string
	for _, m := range matches {
		if id := m[1]; !seen[id] {
			seen[id] = true
			refs = append(refs, id)
		}
	}
	rewritten := refPattern.ReplaceAllString(code, "node_${1}_output")
	if len(refs) == 0 {
		return rewritten
	}

	header := make([]string, 0, len(refs)+1)
	header = append(header, "import base64 as _b64")
	for _, id := range refs {
		output := ctx["node_"+id+"_output"]
		encoded := base64.StdEncoding.EncodeToString([]byte(output))
		header = append(header, fmt.Sprintf("node_%s_output = _b64.b64decode(%q).decode()", id, encoded))
	}
	return strings.Join(header, "\n") + "\n" + rewritten
}

// BuildContext collects the context keys visible to a node: one
// "node_<id>_output" entry per completed dependency (from its snapshot
// output), and a "[FAILED] <error>" placeholder for any failed dependency —
// so a downstream node that depends on a failed one still receives a
// coherent string instead of a dangling reference (spec §4.5's
// "[FAILED] ..." context injection on node failure).
func BuildContext(deps []int, snapshots map[int]*model.Snapshot, errors map[int]string) Context {
	ctx := make(Context, len(deps))
	for _, dep := range deps {
		key := fmt.Sprintf("node_%d_output", dep)
		if snap, ok := snapshots[dep]; ok {
			ctx[key] = snap.Output
			continue
		}
		if errText, ok := errors[dep]; ok {
			ctx[key] = "[FAILED] " + errText
		}
	}
	return ctx
}
