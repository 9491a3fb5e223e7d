package engine

import (
	"context"
	"fmt"

	"github.com/swarmguard/amsab/internal/model"
)

// Kill is the kill switch (spec §4.5 / glossary "Kill switch"): a one-shot,
// process-local flag plus a best-effort container sweep. It is not durable
// across restarts — a process restart re-opens the scheduler for the plan,
// exactly as spec §5's "Shared resources" note describes.
func (e *Engine) Kill(ctx context.Context, planID string) error {
	e.mu.Lock()
	e.killedPlan[planID] = true
	e.mu.Unlock()

	if e.sandbox != nil {
		if _, err := e.sandbox.KillPlanContainers(ctx, planID); err != nil {
			return fmt.Errorf("kill containers for plan %s: %w", planID, err)
		}
	}
	return nil
}

// ApproveNode moves a node out of awaiting_approval, optionally overwriting
// its args (an operator editing a proposed tool call before letting it run).
// The running ExecutePlan loop picks this up on its next approval poll.
func (e *Engine) ApproveNode(planID string, nodeID int, editedArgs map[string]any) error {
	plan, err := e.store.GetPlan(planID)
	if err != nil {
		return fmt.Errorf("load plan: %w", err)
	}
	node := plan.DAG.NodeByID(nodeID)
	if node == nil {
		return fmt.Errorf("node %d not found in plan %s", nodeID, planID)
	}
	if node.Status != model.NodeStatusAwaitingApproval {
		return fmt.Errorf("node %d is not awaiting approval (status=%s)", nodeID, node.Status)
	}
	if editedArgs != nil {
		node.Args = editedArgs
	}
	node.Status = model.NodeStatusApproved
	return e.store.UpdatePlan(planID, plan.Status, plan.DAG)
}

// SkipNode moves a node from awaiting_approval directly to the terminal
// skipped status, bypassing the tool call entirely.
func (e *Engine) SkipNode(planID string, nodeID int) error {
	plan, err := e.store.GetPlan(planID)
	if err != nil {
		return fmt.Errorf("load plan: %w", err)
	}
	node := plan.DAG.NodeByID(nodeID)
	if node == nil {
		return fmt.Errorf("node %d not found in plan %s", nodeID, planID)
	}
	if node.Status != model.NodeStatusAwaitingApproval {
		return fmt.Errorf("node %d is not awaiting approval (status=%s)", nodeID, node.Status)
	}
	node.Status = model.NodeStatusSkipped
	return e.store.UpdatePlan(planID, plan.Status, plan.DAG)
}
