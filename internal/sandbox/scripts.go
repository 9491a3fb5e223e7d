package sandbox

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/swarmguard/amsab/internal/model"
)

// toolBodies maps each built-in tool to the Python function body implementing it.
// Grounded on AMSAB backend/core/executor.py's _tool_implementations — tool
// names are renamed to match the registry in spec §6 (python_interpreter ->
// interpret_code, gmail_draft/mcp_generic dropped, filesystem_delete and
// shell_exec added, remote_tool delegates to the MCP gateway callback
// injected at script-build time rather than being implemented in-sandbox).
var toolBodies = map[model.Tool]string{
	model.ToolWebSearch: `def run(args):
    import urllib.request, urllib.parse, ssl, re
    query = urllib.parse.quote_plus(args.get("query", ""))
    url = f"https://lite.duckduckgo.com/lite/?q={query}"
    headers = {"User-Agent": "Mozilla/5.0 (compatible; amsab/1.0)", "Accept": "text/html"}
    req = urllib.request.Request(url, headers=headers)
    ctx = ssl.create_default_context()
    ctx.check_hostname = False
    ctx.verify_mode = ssl.CERT_NONE
    with urllib.request.urlopen(req, timeout=20, context=ctx) as r:
        html = r.read().decode(errors="replace")
    snippets = re.findall(r'class="result-snippet"[^>]*>(.*?)</td>', html, re.DOTALL)
    titles = re.findall(r'class="result-link"[^>]*>(.*?)</a>', html, re.DOTALL)
    links = re.findall(r'class="result-link"[^>]*href="([^"]+)"', html)
    if snippets:
        results = []
        for i, (t, s) in enumerate(zip(titles, snippets), 1):
            t_clean = re.sub(r"<[^>]+>", "", t).strip()
            s_clean = re.sub(r"<[^>]+>", "", s).strip()
            url_i = links[i - 1] if i - 1 < len(links) else ""
            results.append(f"{i}. {t_clean}\n   {s_clean}\n   {url_i}")
        return "\n\n".join(results[:10])
    text = re.sub(r"<[^>]+>", " ", html)
    return re.sub(r"\s+", " ", text).strip()[:4000]`,

	model.ToolScraper: `def run(args):
    import urllib.request, urllib.error, ssl, re
    url = args.get("url", "")
    if not url:
        return "Error: no url provided"
    headers = {"User-Agent": "Mozilla/5.0 (compatible; amsab/1.0)"}
    req = urllib.request.Request(url, headers=headers)
    ctx = ssl.create_default_context()
    ctx.check_hostname = False
    ctx.verify_mode = ssl.CERT_NONE
    try:
        with urllib.request.urlopen(req, timeout=20, context=ctx) as r:
            html = r.read().decode(errors="replace")
    except urllib.error.HTTPError as e:
        raise RuntimeError(f"HTTP {e.code} fetching {url}: {e.reason}")
    except urllib.error.URLError as e:
        raise RuntimeError(f"Cannot reach {url}: {e.reason}")
    html = re.sub(r"<(script|style)[^>]*>.*?</\1>", "", html, flags=re.DOTALL | re.IGNORECASE)
    text = re.sub(r"<[^>]+>", " ", html)
    return re.sub(r"\s+", " ", text).strip()[:6000]`,

	model.ToolFilesystemRead: `def run(args):
    import os
    path = args.get("path", "")
    if not path:
        return "Error: no path provided"
    if not os.path.exists(path):
        available = []
        for d in ["/output", "/workspace"]:
            if os.path.isdir(d):
                available += [f"{d}/{f}" for f in os.listdir(d)]
        hint = f"Available files: {available}" if available else "No files written yet."
        return f"File not found: {path}. {hint}"
    with open(path) as f:
        return f.read()`,

	model.ToolFilesystemWrite: `def run(args):
    path = args.get("filename", args.get("path", "output.txt"))
    content = args.get("content", "")
    with open(f"/output/{path}", "w") as f:
        f.write(str(content))
    return f"Written to {path}"`,

	model.ToolFilesystemDelete: `def run(args):
    import os
    path = args.get("filename", args.get("path", ""))
    if not path:
        return "Error: no path provided"
    target = f"/output/{path}"
    if not os.path.exists(target):
        return f"Nothing to delete at {path}"
    os.remove(target)
    return f"Deleted {path}"`,

	model.ToolInterpretCode: `def run(args):
    import io, contextlib
    code = args.get("code", args.get("script", "")).strip()
    input_data = args.get("input", "")
    if not code:
        return "Error: no code provided in args"
    buf = io.StringIO()
    local_vars = {"INPUT": input_data}
    try:
        compiled = compile(code, "<amsab>", "exec")
    except SyntaxError as e:
        lines = code.split("\n")
        bad = lines[e.lineno - 1].strip() if e.lineno and e.lineno <= len(lines) else "?"
        raise SyntaxError(f"line {e.lineno}: {e.msg} -- code: {bad!r}")
    with contextlib.redirect_stdout(buf):
        exec(compiled, local_vars)
    stdout = buf.getvalue().strip()
    output_var = local_vars.get("OUTPUT", "")
    result = stdout or (str(output_var) if output_var else "")
    return result if result else "(no output -- add print() calls to your code)"`,

	model.ToolShellExec: `def run(args):
    import subprocess
    command = args.get("command", args.get("cmd", ""))
    if not command:
        return "Error: no command provided"
    proc = subprocess.run(command, shell=True, capture_output=True, text=True, timeout=60, cwd="/output")
    if proc.returncode != 0:
        raise RuntimeError(f"exit {proc.returncode}: {proc.stderr.strip()}")
    return proc.stdout.strip()`,

	model.ToolRemote: `def run(args):
    # remote_tool calls are proxied through the MCP gateway from outside the
    # sandbox; the resolved result is injected below as REMOTE_RESULT.
    return REMOTE_RESULT`,
}

func unknownToolBody(tool model.Tool) string {
	return fmt.Sprintf(`def run(args):
    return "tool %q is not implemented in this worker image"`, string(tool))
}

// BuildScript renders the Python runner script for a node. Mirrors
// executor.py's _build_script line-by-line assembly (avoids textwrap.dedent
// to sidestep indentation mismatches when args_json/tool_body contain lines
// with different leading whitespace).
func BuildScript(tool model.Tool, args map[string]any, task, remoteResult string) (string, error) {
	argsJSON, err := json.MarshalIndent(args, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal args: %w", err)
	}

	body, ok := toolBodies[tool]
	if !ok {
		body = unknownToolBody(tool)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# amsab worker -- auto-generated runner\n")
	fmt.Fprintf(&b, "# Task: %s\n", task)
	fmt.Fprintf(&b, "# Tool: %s\n", tool)
	b.WriteString("import json, sys\n\n")
	fmt.Fprintf(&b, "ARGS = %s\n\n", argsJSON)
	if tool == model.ToolRemote {
		fmt.Fprintf(&b, "REMOTE_RESULT = %q\n\n", remoteResult)
	}
	b.WriteString(body)
	b.WriteString("\n\n")
	b.WriteString("if __name__ == \"__main__\":\n")
	b.WriteString("    try:\n")
	b.WriteString("        result = run(ARGS)\n")
	b.WriteString("        print(json.dumps({\"status\": \"ok\", \"output\": result}))\n")
	b.WriteString("    except Exception as exc:\n")
	b.WriteString("        print(json.dumps({\"status\": \"error\", \"error\": str(exc)}))\n")
	b.WriteString("        sys.exit(1)\n")
	return b.String(), nil
}
