package mcpgateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestListToolsReturnsCatalog(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tools/list" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"tools": []map[string]any{{"name": "search_drive", "description": "search google drive"}},
		})
	}))
	defer srv.Close()

	g := New()
	g.RegisterServer(Server{Name: "drive", BaseURL: srv.URL})

	tools, err := g.ListTools(context.Background(), "drive")
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "search_drive" {
		t.Errorf("unexpected tools: %#v", tools)
	}
}

func TestCallToolReturnsConcatenatedText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Params.Name != "search_drive" {
			t.Errorf("unexpected tool name %q", req.Params.Name)
		}
		_ = json.NewEncoder(w).Encode(rpcResponse{
			Result: rpcResult{Content: []rpcContent{
				{Type: "text", Text: "line one"},
				{Type: "text", Text: "line two"},
			}},
		})
	}))
	defer srv.Close()

	g := New()
	g.RegisterServer(Server{Name: "drive", BaseURL: srv.URL})

	out, err := g.CallTool(context.Background(), "search_drive", map[string]any{"server": "drive", "query": "q"})
	if err != nil {
		t.Fatalf("call tool: %v", err)
	}
	if out != "line one\nline two" {
		t.Errorf("unexpected output %q", out)
	}
}

func TestCallToolPropagatesRPCError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(rpcResponse{Error: &rpcError{Code: 1, Message: "boom"}})
	}))
	defer srv.Close()

	g := New()
	g.RegisterServer(Server{Name: "drive", BaseURL: srv.URL})

	if _, err := g.CallTool(context.Background(), "x", map[string]any{"server": "drive"}); err == nil {
		t.Errorf("expected error propagated from mcp response")
	}
}

func TestCallToolUnknownServer(t *testing.T) {
	g := New()
	if _, err := g.CallTool(context.Background(), "x", map[string]any{"server": "missing"}); err == nil {
		t.Errorf("expected error for unknown server")
	}
}

func TestCallToolDefaultsToSoleRegisteredServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(rpcResponse{Result: rpcResult{Content: []rpcContent{{Type: "text", Text: "ok"}}}})
	}))
	defer srv.Close()

	g := New()
	g.RegisterServer(Server{Name: "only", BaseURL: srv.URL})

	out, err := g.CallTool(context.Background(), "x", map[string]any{})
	if err != nil {
		t.Fatalf("call tool: %v", err)
	}
	if out != "ok" {
		t.Errorf("unexpected output %q", out)
	}
}
