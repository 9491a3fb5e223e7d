// Package rewind implements the Rewind/Branch Engine (C6): forking a plan
// at an earlier node, resetting its downstream transitive closure, and
// flagging idempotency hazards among the nodes being reopened. Grounded on
// AMSAB backend/core/orchestrator.py's rewind_node/_downstream.
package rewind

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/swarmguard/amsab/internal/model"
	"github.com/swarmguard/amsab/internal/store"
)

// Engine forks plans.
type Engine struct {
	store *store.Store
}

// New constructs a rewind Engine.
func New(st *store.Store) *Engine {
	return &Engine{store: st}
}

// Downstream computes the structural transitive closure of node ids that
// depend, directly or indirectly, on the given node — ignoring status
// entirely, per spec §4.6 step 1. Matches orchestrator.py's _downstream: a
// fixpoint scan of every node's Dependencies list against the growing
// affected set, not a single-pass BFS, so it is correct regardless of the
// order nodes appear in.
func Downstream(dag *model.DAG, nodeID int) map[int]bool {
	affected := map[int]bool{nodeID: true}
	for {
		grew := false
		for _, n := range dag.Nodes {
			if affected[n.ID] {
				continue
			}
			for _, dep := range n.Dependencies {
				if affected[dep] {
					affected[n.ID] = true
					grew = true
					break
				}
			}
		}
		if !grew {
			break
		}
	}
	return affected
}

// RewindNode forks planID at nodeID: every node in nodeID's downstream
// closure (including nodeID itself) is reset to pending in the branch,
// discarding its prior result/error. A completed node in that set whose
// tool is in model.SideEffectTools produces a warning string — rerunning it
// may repeat an action with real-world side effects (spec §4.6 step 2).
func (e *Engine) RewindNode(ctx context.Context, planID string, nodeID int, newArgs map[string]any, newTool model.Tool) (branchID string, warnings []string, err error) {
	source, err := e.store.GetPlan(planID)
	if err != nil {
		return "", nil, fmt.Errorf("load plan: %w", err)
	}
	if source.DAG.NodeByID(nodeID) == nil {
		return "", nil, fmt.Errorf("node %d not found in plan %s", nodeID, planID)
	}

	targets := Downstream(source.DAG, nodeID)

	for _, n := range source.DAG.Nodes {
		if !targets[n.ID] {
			continue
		}
		if n.Status == model.NodeStatusCompleted && model.SideEffectTools[n.Tool] {
			warnings = append(warnings, fmt.Sprintf(
				"node %d (%s) already completed using a side-effecting tool; rewinding may repeat it", n.ID, n.Tool))
		}
	}

	branch := source.DAG.Clone()
	for _, n := range branch.Nodes {
		if !targets[n.ID] {
			continue
		}
		n.Status = model.NodeStatusPending
		n.Result = ""
		n.Error = ""
		n.TokenUsage = 0
		if n.ID == nodeID {
			if newArgs != nil {
				n.Args = newArgs
			}
			if newTool != "" {
				n.Tool = newTool
			}
		}
	}

	branchID = uuid.NewString()
	if err := e.store.CreatePlan(branchID, source.Goal, branch, planID); err != nil {
		return "", nil, fmt.Errorf("create branch plan: %w", err)
	}

	return branchID, warnings, nil
}
