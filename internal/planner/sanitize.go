package planner

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/swarmguard/amsab/internal/model"
)

// sanitizeDAG fixes common small-model hallucinations in a freshly generated
// plan before it is ever executed. Grounded on architect.py's _sanitize_dag.
func sanitizeDAG(dag *model.DAG) {
	for _, n := range dag.Nodes {
		if n.Args == nil {
			n.Args = map[string]any{}
		}

		switch n.Tool {
		case model.ToolScraper:
			url, _ := n.Args["url"].(string)
			if url == "" || fakeURLPattern.MatchString(url) || !strings.HasPrefix(url, "http") {
				n.Tool = model.ToolWebSearch
				n.Args = map[string]any{"query": n.Task}
			}

		case model.ToolInterpretCode:
			code, _ := n.Args["code"].(string)
			n.Args["code"] = fixPythonCode(code, n.Task, n.Dependencies)

		case model.ToolFilesystemWrite:
			fname, _ := n.Args["filename"].(string)
			if fname == "" {
				fname, _ = n.Args["path"].(string)
			}
			if fname == "" || nodeRefPattern.MatchString(fname) {
				n.Args["filename"] = safeFilename(n.Task)
			}
		}
	}
}

var (
	nodeRefPattern    = regexp.MustCompile(`\$node_\d+_output`)
	unsafeFilenameSeq = regexp.MustCompile(`[^a-z0-9_]`)
	dollarDollar      = regexp.MustCompile(`\$\$\s*`)
	strayDollar       = regexp.MustCompile(`\$(node_\d+_output)?`)
	commaPrintJoin    = regexp.MustCompile(`\),\s*print\(`)
	codeFenceOpen     = regexp.MustCompile("(?m)^```(?:python)?\\s*\n?")
	codeFenceClose    = regexp.MustCompile("(?m)\n?```\\s*$")
)

func safeFilename(task string) string {
	name := unsafeFilenameSeq.ReplaceAllString(strings.ToLower(task), "_")
	if len(name) > 30 {
		name = name[:30]
	}
	return name + ".txt"
}

// fixPythonCode sanitizes architect-generated Python to remove common
// hallucination patterns, grounded on architect.py's _fix_python_code.
func fixPythonCode(code, task string, deps []int) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return fallbackCode(task, deps, "Auto-generated fallback for")
	}

	code = dollarDollar.ReplaceAllString(code, "\n")
	// Remove stray '$' not part of a $node_N_output reference.
	code = strayDollar.ReplaceAllStringFunc(code, func(m string) string {
		if nodeRefPattern.MatchString(m) {
			return m
		}
		return strings.TrimPrefix(m, "$")
	})
	code = dedent(code)
	code = commaPrintJoin.ReplaceAllString(code, ")\nprint(")
	code = codeFenceOpen.ReplaceAllString(code, "")
	code = codeFenceClose.ReplaceAllString(code, "")
	code = strings.TrimSpace(code)

	if !looksLikePython(code) {
		return fallbackNotPython(task, deps)
	}

	if !strings.Contains(code, "print(") && !strings.Contains(code, "OUTPUT") {
		if len(deps) > 0 {
			ref := "node_" + strconv.Itoa(deps[0]) + "_output"
			code += "\nprint(" + ref + "[:2000] if len(" + ref + ") > 0 else 'done')"
		} else {
			code += "\nprint(\"done\")"
		}
	}

	return code
}

func looksLikePython(code string) bool {
	for _, kw := range []string{"print(", "import ", "def ", " = ", "for ", "if ", "return ", "with ", "open("} {
		if strings.Contains(code, kw) {
			return true
		}
	}
	return false
}

func fallbackCode(task string, deps []int, label string) string {
	var b strings.Builder
	b.WriteString("# " + label + ": " + task + "\n")
	b.WriteString("print('Task: " + task + "')\n")
	for _, d := range deps {
		b.WriteString("print('Node " + strconv.Itoa(d) + " output:', node_" + strconv.Itoa(d) + "_output[:300])\n")
	}
	if len(deps) == 0 {
		b.WriteString("print(\"No input nodes\")\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func fallbackNotPython(task string, deps []int) string {
	var b strings.Builder
	b.WriteString("# Auto-generated: original code was not valid Python\n")
	b.WriteString("# Task: " + task + "\n")
	if len(deps) > 0 {
		b.WriteString("print(node_" + strconv.Itoa(deps[0]) + "_output[:2000])")
	} else {
		b.WriteString("print(\"Task: " + task + "\")")
	}
	return b.String()
}

// dedent strips the common leading whitespace shared by every non-blank
// line, mirroring Python's textwrap.dedent used by architect.py.
func dedent(code string) string {
	lines := strings.Split(code, "\n")
	minIndent := -1
	for _, l := range lines {
		trimmed := strings.TrimLeft(l, " \t")
		if trimmed == "" {
			continue
		}
		indent := len(l) - len(trimmed)
		if minIndent == -1 || indent < minIndent {
			minIndent = indent
		}
	}
	if minIndent <= 0 {
		return strings.TrimSpace(code)
	}
	for i, l := range lines {
		if len(l) >= minIndent {
			lines[i] = l[minIndent:]
		}
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
