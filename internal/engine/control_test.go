package engine

import (
	"testing"

	"github.com/swarmguard/amsab/internal/model"
)

func TestSkipNodeTransitionsToSkipped(t *testing.T) {
	sb := newFakeSandbox()
	e, st := newTestEngine(t, sb, nil)
	dag := &model.DAG{Nodes: []*model.Node{
		{ID: 1, Status: model.NodeStatusAwaitingApproval, RiskLevel: model.RiskHigh},
	}}
	st.CreatePlan("p1", "goal", dag, "")

	if err := e.SkipNode("p1", 1); err != nil {
		t.Fatalf("skip node: %v", err)
	}
	plan, _ := st.GetPlan("p1")
	if plan.DAG.NodeByID(1).Status != model.NodeStatusSkipped {
		t.Errorf("expected skipped, got %s", plan.DAG.NodeByID(1).Status)
	}
}

func TestApproveNodeRejectsWrongStatus(t *testing.T) {
	sb := newFakeSandbox()
	e, st := newTestEngine(t, sb, nil)
	dag := &model.DAG{Nodes: []*model.Node{{ID: 1, Status: model.NodeStatusPending}}}
	st.CreatePlan("p1", "goal", dag, "")

	if err := e.ApproveNode("p1", 1, nil); err == nil {
		t.Errorf("expected error approving a non-awaiting node")
	}
}

func TestApproveNodeAppliesEditedArgs(t *testing.T) {
	sb := newFakeSandbox()
	e, st := newTestEngine(t, sb, nil)
	dag := &model.DAG{Nodes: []*model.Node{
		{ID: 1, Status: model.NodeStatusAwaitingApproval, Args: map[string]any{"old": true}},
	}}
	st.CreatePlan("p1", "goal", dag, "")

	if err := e.ApproveNode("p1", 1, map[string]any{"new": true}); err != nil {
		t.Fatalf("approve node: %v", err)
	}
	plan, _ := st.GetPlan("p1")
	node := plan.DAG.NodeByID(1)
	if node.Status != model.NodeStatusApproved {
		t.Errorf("expected approved, got %s", node.Status)
	}
	if _, ok := node.Args["new"]; !ok {
		t.Errorf("expected edited args applied, got %#v", node.Args)
	}
}
