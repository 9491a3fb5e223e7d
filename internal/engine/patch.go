package engine

import "github.com/swarmguard/amsab/internal/model"

// ApplyPatch mutates dag in place per the Planner Adapter's corrective
// actions (spec §4.5 "Patch application"): retry/replace reopen a node to
// pending (merging or overwriting its args/tool), bypass marks it skipped
// with a recorded reason, and any NewNodes are appended unconditionally.
//
// There is no acyclicity validation on appended nodes — an explicit open
// question in spec §9. This implementation's decision (recorded in
// DESIGN.md) is to preserve that behavior: the Planner Adapter is trusted to
// emit a well-formed patch, and a malformed one surfaces as a stuck node
// rather than a rejected patch.
//
// dispatched is the DAG Engine's cumulative set of already-dispatched node
// ids for this run (spec §4.5 step 4). A node reopened to pending by retry
// or replace is removed from it so the next ready-set computation picks it
// up again — the "appears at most once across all dispatches" invariant
// (spec §8) holds for any node that is never reopened by a patch.
func ApplyPatch(dag *model.DAG, patch *model.Patch, dispatched map[int]bool) {
	if patch == nil {
		return
	}
	for _, pn := range patch.PatchNodes {
		target := dag.NodeByID(pn.NodeID)
		if target == nil {
			continue
		}
		switch pn.Action {
		case model.PatchActionRetry:
			target.Status = model.NodeStatusPending
			target.Error = ""
			if pn.NewArgs != nil {
				target.Args = mergeArgs(target.Args, pn.NewArgs)
			}
			if pn.NewTool != "" {
				target.Tool = pn.NewTool
			}
			delete(dispatched, pn.NodeID)

		case model.PatchActionBypass:
			target.Status = model.NodeStatusSkipped
			target.Error = pn.BypassReason

		case model.PatchActionReplace:
			target.Status = model.NodeStatusPending
			target.Error = ""
			if pn.NewArgs != nil {
				target.Args = pn.NewArgs
			}
			if pn.NewTool != "" {
				target.Tool = pn.NewTool
			}
			delete(dispatched, pn.NodeID)
		}
	}
	dag.Nodes = append(dag.Nodes, patch.NewNodes...)
}

func mergeArgs(base, overlay map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}
