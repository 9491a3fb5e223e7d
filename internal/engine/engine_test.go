package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/swarmguard/amsab/internal/eventbus"
	"github.com/swarmguard/amsab/internal/model"
	"github.com/swarmguard/amsab/internal/sandbox"
	"github.com/swarmguard/amsab/internal/store"
)

type fakeSandbox struct {
	mu       sync.Mutex
	attempts map[int]int
	fail     map[int]bool
}

func newFakeSandbox() *fakeSandbox {
	return &fakeSandbox{attempts: make(map[int]int), fail: make(map[int]bool)}
}

func (f *fakeSandbox) RunNode(ctx context.Context, planID string, node *model.Node, args map[string]any, remoteResult string, logFn sandbox.LogFunc) (sandbox.Result, error) {
	f.mu.Lock()
	f.attempts[node.ID]++
	shouldFail := f.fail[node.ID]
	f.mu.Unlock()

	if logFn != nil {
		logFn(fmt.Sprintf("running node %d", node.ID))
	}
	if shouldFail {
		return sandbox.Result{Output: "boom", ExitCode: 1}, nil
	}
	return sandbox.Result{Output: fmt.Sprintf("ok-%d", node.ID), ExitCode: 0}, nil
}

func (f *fakeSandbox) KillPlanContainers(ctx context.Context, planID string) (int, error) {
	return 0, nil
}

func newTestEngine(t *testing.T, sb SandboxRunner, planner Planner) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	bus := eventbus.New()
	return New(st, bus, sb, planner, nil, nil, nil), st
}

func TestExecutePlanCompletesLinearDAG(t *testing.T) {
	sb := newFakeSandbox()
	e, st := newTestEngine(t, sb, nil)

	dag := &model.DAG{Nodes: []*model.Node{
		{ID: 1, Tool: model.ToolWebSearch, Status: model.NodeStatusPending},
		{ID: 2, Tool: model.ToolWebSearch, Status: model.NodeStatusPending, Dependencies: []int{1}},
	}}
	if err := st.CreatePlan("p1", "goal", dag, ""); err != nil {
		t.Fatalf("create plan: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.ExecutePlan(ctx, "p1"); err != nil {
		t.Fatalf("execute plan: %v", err)
	}

	plan, err := st.GetPlan("p1")
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	if plan.Status != model.PlanStatusCompleted {
		t.Errorf("expected completed, got %s", plan.Status)
	}
	for _, n := range plan.DAG.Nodes {
		if n.Status != model.NodeStatusCompleted {
			t.Errorf("node %d: expected completed, got %s", n.ID, n.Status)
		}
	}
}

func TestExecutePlanFailsWhenNoNodeCompletes(t *testing.T) {
	sb := newFakeSandbox()
	sb.fail[1] = true
	e, st := newTestEngine(t, sb, nil)

	dag := &model.DAG{Nodes: []*model.Node{{ID: 1, Tool: model.ToolWebSearch, Status: model.NodeStatusPending}}}
	st.CreatePlan("p1", "goal", dag, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.ExecutePlan(ctx, "p1"); err != nil {
		t.Fatalf("execute plan: %v", err)
	}

	plan, _ := st.GetPlan("p1")
	if plan.Status != model.PlanStatusFailed {
		t.Errorf("expected failed, got %s", plan.Status)
	}
}

func TestExecutePlanRejectsDuplicateRun(t *testing.T) {
	sb := newFakeSandbox()
	e, st := newTestEngine(t, sb, nil)
	dag := &model.DAG{Nodes: []*model.Node{{ID: 1, Tool: model.ToolWebSearch, Status: model.NodeStatusPending}}}
	st.CreatePlan("p1", "goal", dag, "")

	e.mu.Lock()
	e.runningPlan["p1"] = true
	e.mu.Unlock()

	if err := e.ExecutePlan(context.Background(), "p1"); err != ErrAlreadyRunning {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestExecutePlanAwaitingApprovalResumesAfterApprove(t *testing.T) {
	sb := newFakeSandbox()
	e, st := newTestEngine(t, sb, nil)

	dag := &model.DAG{Nodes: []*model.Node{
		{ID: 1, Tool: model.ToolShellExec, Status: model.NodeStatusPending, RiskLevel: model.RiskHigh},
	}}
	st.CreatePlan("p1", "goal", dag, "")

	go func() {
		time.Sleep(50 * time.Millisecond)
		if err := e.ApproveNode("p1", 1, nil); err != nil {
			t.Errorf("approve node: %v", err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.ExecutePlan(ctx, "p1"); err != nil {
		t.Fatalf("execute plan: %v", err)
	}

	plan, _ := st.GetPlan("p1")
	if plan.Status != model.PlanStatusCompleted {
		t.Errorf("expected completed, got %s", plan.Status)
	}
}

func TestKillStopsExecution(t *testing.T) {
	sb := newFakeSandbox()
	e, st := newTestEngine(t, sb, nil)
	dag := &model.DAG{Nodes: []*model.Node{
		{ID: 1, Tool: model.ToolShellExec, Status: model.NodeStatusPending, RiskLevel: model.RiskHigh},
	}}
	st.CreatePlan("p1", "goal", dag, "")

	if err := e.Kill(context.Background(), "p1"); err != nil {
		t.Fatalf("kill: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.ExecutePlan(ctx, "p1"); err != nil {
		t.Fatalf("execute plan: %v", err)
	}

	plan, _ := st.GetPlan("p1")
	if plan.Status != model.PlanStatusFailed {
		t.Errorf("expected failed after kill, got %s", plan.Status)
	}
}

type fakePlanner struct {
	patch *model.Patch
}

func (f *fakePlanner) Patch(ctx context.Context, dag *model.DAG, failedNodeID int, reason string) (*model.Patch, error) {
	return f.patch, nil
}

func TestExecutePlanAppliesRetryPatchAfterFailure(t *testing.T) {
	sb := newFakeSandbox()
	sb.fail[1] = true
	planner := &fakePlanner{patch: &model.Patch{PatchNodes: []model.PatchNode{
		{NodeID: 1, Action: model.PatchActionRetry},
	}}}
	e, st := newTestEngine(t, sb, planner)

	dag := &model.DAG{Nodes: []*model.Node{{ID: 1, Tool: model.ToolWebSearch, Status: model.NodeStatusPending}}}
	st.CreatePlan("p1", "goal", dag, "")

	go func() {
		time.Sleep(100 * time.Millisecond)
		sb.mu.Lock()
		sb.fail[1] = false
		sb.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.ExecutePlan(ctx, "p1"); err != nil {
		t.Fatalf("execute plan: %v", err)
	}

	plan, _ := st.GetPlan("p1")
	if plan.Status != model.PlanStatusCompleted {
		t.Errorf("expected completed after retry, got %s", plan.Status)
	}
	sb.mu.Lock()
	attempts := sb.attempts[1]
	sb.mu.Unlock()
	if attempts < 2 {
		t.Errorf("expected at least 2 attempts (initial + retry), got %d", attempts)
	}
}
