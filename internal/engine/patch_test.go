package engine

import (
	"testing"

	"github.com/swarmguard/amsab/internal/model"
)

func TestApplyPatchRetryReopensNodeAndClearsDispatched(t *testing.T) {
	dag := &model.DAG{Nodes: []*model.Node{
		{ID: 1, Status: model.NodeStatusFailed, Args: map[string]any{"a": 1}},
	}}
	dispatched := map[int]bool{1: true}
	patch := &model.Patch{PatchNodes: []model.PatchNode{
		{NodeID: 1, Action: model.PatchActionRetry, NewArgs: map[string]any{"b": 2}},
	}}

	ApplyPatch(dag, patch, dispatched)

	node := dag.NodeByID(1)
	if node.Status != model.NodeStatusPending {
		t.Errorf("expected pending, got %s", node.Status)
	}
	if node.Args["a"] != 1 || node.Args["b"] != 2 {
		t.Errorf("expected merged args, got %#v", node.Args)
	}
	if dispatched[1] {
		t.Errorf("expected node removed from dispatched set")
	}
}

func TestApplyPatchBypassSkipsNode(t *testing.T) {
	dag := &model.DAG{Nodes: []*model.Node{{ID: 1, Status: model.NodeStatusFailed}}}
	patch := &model.Patch{PatchNodes: []model.PatchNode{
		{NodeID: 1, Action: model.PatchActionBypass, BypassReason: "not recoverable"},
	}}

	ApplyPatch(dag, patch, map[int]bool{})

	node := dag.NodeByID(1)
	if node.Status != model.NodeStatusSkipped {
		t.Errorf("expected skipped, got %s", node.Status)
	}
	if node.Error != "not recoverable" {
		t.Errorf("expected bypass reason recorded, got %q", node.Error)
	}
}

func TestApplyPatchReplaceOverwritesToolAndArgs(t *testing.T) {
	dag := &model.DAG{Nodes: []*model.Node{
		{ID: 1, Status: model.NodeStatusFailed, Tool: model.ToolShellExec, Args: map[string]any{"old": true}},
	}}
	patch := &model.Patch{PatchNodes: []model.PatchNode{
		{NodeID: 1, Action: model.PatchActionReplace, NewTool: model.ToolInterpretCode, NewArgs: map[string]any{"code": "print(1)"}},
	}}

	ApplyPatch(dag, patch, map[int]bool{1: true})

	node := dag.NodeByID(1)
	if node.Tool != model.ToolInterpretCode {
		t.Errorf("expected tool replaced, got %s", node.Tool)
	}
	if _, ok := node.Args["old"]; ok {
		t.Errorf("expected old args discarded, got %#v", node.Args)
	}
}

func TestApplyPatchAppendsNewNodesWithoutCycleCheck(t *testing.T) {
	dag := &model.DAG{Nodes: []*model.Node{{ID: 1, Status: model.NodeStatusFailed}}}
	patch := &model.Patch{NewNodes: []*model.Node{
		{ID: 2, Status: model.NodeStatusPending, Dependencies: []int{99}}, // dangling dep, never validated
	}}

	ApplyPatch(dag, patch, map[int]bool{})

	if len(dag.Nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(dag.Nodes))
	}
	if dag.NodeByID(2) == nil {
		t.Errorf("expected appended node present")
	}
}

func TestApplyPatchNilIsNoop(t *testing.T) {
	dag := &model.DAG{Nodes: []*model.Node{{ID: 1}}}
	ApplyPatch(dag, nil, map[int]bool{})
	if len(dag.Nodes) != 1 {
		t.Errorf("expected no change, got %d nodes", len(dag.Nodes))
	}
}
