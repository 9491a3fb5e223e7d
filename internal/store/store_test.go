package store

import (
	"testing"

	"github.com/swarmguard/amsab/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetPlan(t *testing.T) {
	s := newTestStore(t)
	dag := &model.DAG{Goal: "test goal", Nodes: []*model.Node{{ID: 1, Status: model.NodeStatusPending}}}

	if err := s.CreatePlan("plan-1", "test goal", dag, ""); err != nil {
		t.Fatalf("create plan: %v", err)
	}

	plan, err := s.GetPlan("plan-1")
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	if plan.Status != model.PlanStatusDraft {
		t.Errorf("expected draft status, got %s", plan.Status)
	}
	if len(plan.DAG.Nodes) != 1 {
		t.Errorf("expected 1 node, got %d", len(plan.DAG.Nodes))
	}
}

func TestCreatePlanDuplicate(t *testing.T) {
	s := newTestStore(t)
	dag := &model.DAG{Goal: "g"}
	if err := s.CreatePlan("plan-1", "g", dag, ""); err != nil {
		t.Fatalf("create plan: %v", err)
	}
	if err := s.CreatePlan("plan-1", "g", dag, ""); err != ErrAlreadyExists {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestGetPlanMissing(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetPlan("nope"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdatePlanReplacesDAG(t *testing.T) {
	s := newTestStore(t)
	dag := &model.DAG{Goal: "g", Nodes: []*model.Node{{ID: 1, Status: model.NodeStatusPending}}}
	if err := s.CreatePlan("plan-1", "g", dag, ""); err != nil {
		t.Fatalf("create: %v", err)
	}

	dag.Nodes[0].Status = model.NodeStatusCompleted
	if err := s.UpdatePlan("plan-1", model.PlanStatusRunning, dag); err != nil {
		t.Fatalf("update: %v", err)
	}

	plan, err := s.GetPlan("plan-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if plan.Status != model.PlanStatusRunning {
		t.Errorf("expected running, got %s", plan.Status)
	}
	if plan.DAG.Nodes[0].Status != model.NodeStatusCompleted {
		t.Errorf("expected node completed, got %s", plan.DAG.Nodes[0].Status)
	}
}

func TestListPlansNewestFirst(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"a", "b", "c"} {
		if err := s.CreatePlan(id, "g", &model.DAG{}, ""); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	plans, err := s.ListPlans()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(plans) != 3 {
		t.Fatalf("expected 3 plans, got %d", len(plans))
	}
	for i := 1; i < len(plans); i++ {
		if plans[i].CreatedAt.After(plans[i-1].CreatedAt) {
			t.Errorf("plan %d created after plan %d; expected newest first", i, i-1)
		}
	}
}

func TestAppendAndGetLogsOrdered(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		if err := s.AppendLog("plan-1", nil, "info", "line"); err != nil {
			t.Fatalf("append log: %v", err)
		}
	}
	logs, err := s.GetLogs("plan-1", 3)
	if err != nil {
		t.Fatalf("get logs: %v", err)
	}
	if len(logs) != 3 {
		t.Fatalf("expected 3 logs (capped), got %d", len(logs))
	}
	for i := 1; i < len(logs); i++ {
		if logs[i].ID <= logs[i-1].ID {
			t.Errorf("logs not ordered: %d then %d", logs[i-1].ID, logs[i].ID)
		}
	}
}

func TestUpsertNodeFieldsAndSnapshot(t *testing.T) {
	s := newTestStore(t)
	snap := &model.Snapshot{Output: "result", ContextKeys: []string{"node_1_output"}}
	if err := s.UpsertNodeFields("plan-1", 1, model.NodeStatusCompleted, "result", "", snap, 42); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := s.GetSnapshot("plan-1", 1)
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	if got.Output != "result" {
		t.Errorf("expected result, got %s", got.Output)
	}
}

func TestGetSnapshotMissing(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetSnapshot("plan-1", 99); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
