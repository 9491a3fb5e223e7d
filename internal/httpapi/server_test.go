package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/swarmguard/amsab/internal/eventbus"
	"github.com/swarmguard/amsab/internal/model"
	"github.com/swarmguard/amsab/internal/rewind"
	"github.com/swarmguard/amsab/internal/sandbox"
	"github.com/swarmguard/amsab/internal/store"

	"github.com/swarmguard/amsab/internal/engine"
)

type noopSandbox struct{}

func (noopSandbox) RunNode(ctx context.Context, planID string, node *model.Node, args map[string]any, remoteResult string, logFn sandbox.LogFunc) (sandbox.Result, error) {
	return sandbox.Result{Output: "ok", ExitCode: 0}, nil
}
func (noopSandbox) KillPlanContainers(ctx context.Context, planID string) (int, error) { return 0, nil }

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	bus := eventbus.New()
	eng := engine.New(st, bus, noopSandbox{}, nil, nil, nil, nil)
	rw := rewind.New(st)
	return New(st, eng, rw, nil, nil), st
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestGetPlanNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/plans/missing", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestApprovePlanStartsExecution(t *testing.T) {
	s, st := newTestServer(t)
	dag := &model.DAG{Nodes: []*model.Node{{ID: 1, Tool: model.ToolWebSearch, Status: model.NodeStatusPending}}}
	if err := st.CreatePlan("p1", "goal", dag, ""); err != nil {
		t.Fatalf("create plan: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/plans/p1/approve", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != string(model.PlanStatusApproved) {
		t.Errorf("expected approved status in response, got %v", body["status"])
	}
}

func TestApprovePlanRejectsNonDraft(t *testing.T) {
	s, st := newTestServer(t)
	dag := &model.DAG{Nodes: []*model.Node{{ID: 1}}}
	st.CreatePlan("p1", "goal", dag, "")
	st.UpdatePlan("p1", model.PlanStatusCompleted, nil)

	req := httptest.NewRequest(http.MethodPost, "/plans/p1/approve", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestApproveNodeRoute(t *testing.T) {
	s, st := newTestServer(t)
	dag := &model.DAG{Nodes: []*model.Node{{ID: 1, Status: model.NodeStatusAwaitingApproval}}}
	st.CreatePlan("p1", "goal", dag, "")

	body, _ := json.Marshal(map[string]any{"approved": true})
	req := httptest.NewRequest(http.MethodPost, "/plans/p1/nodes/1/approve", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestMemoryRoutesReturn503WhenDisabled(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/memory/stats", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when memory vault unconfigured, got %d", w.Code)
	}
}
