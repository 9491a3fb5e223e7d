// Package model defines the plan/DAG/node data model shared by every
// component: persistence, the DAG engine, the sandbox executor, the rewind
// engine, and the HTTP surface.
package model

import "time"

// Tool is one of the fixed, statically agreed-upon identifiers in the tool
// registry built into the sandbox executor (C3). Dynamic dispatch on Tool is
// a closed tagged variant: one case per built-in tool plus an unknown
// fallback, never an open string switch.
type Tool string

const (
	ToolWebSearch        Tool = "web_search"
	ToolScraper          Tool = "scraper"
	ToolFilesystemRead   Tool = "filesystem_read"
	ToolFilesystemWrite  Tool = "filesystem_write"
	ToolFilesystemDelete Tool = "filesystem_delete"
	ToolInterpretCode    Tool = "interpret_code"
	ToolShellExec        Tool = "shell_exec"
	ToolRemote           Tool = "remote_tool"
)

// KnownTools lists every built-in tool identifier the executor implements.
var KnownTools = []Tool{
	ToolWebSearch, ToolScraper, ToolFilesystemRead, ToolFilesystemWrite,
	ToolFilesystemDelete, ToolInterpretCode, ToolShellExec, ToolRemote,
}

// NetworkedTools is the closed whitelist of tools that get a bridged network
// instead of the default air-gapped "none" network mode.
var NetworkedTools = map[Tool]bool{
	ToolWebSearch: true,
	ToolScraper:   true,
	ToolRemote:    true,
}

// SideEffectTools perturb the outside world; rewinding a completed node using
// one of these produces an idempotency-hazard warning (spec §4.6).
var SideEffectTools = map[Tool]bool{
	ToolFilesystemWrite:  true,
	ToolFilesystemDelete: true,
	ToolShellExec:        true,
	ToolRemote:           true,
}

// RiskLevel gates whether a node must pass through a human approval gate
// before it is allowed to run.
type RiskLevel string

const (
	RiskLow  RiskLevel = "low"
	RiskHigh RiskLevel = "high"
)

// NodeStatus is the node-level state machine (spec §3):
//
//	pending --(low risk, deps resolved)--> running
//	pending --(high risk, deps resolved)--> awaiting_approval
//	awaiting_approval --approve--> approved --> running
//	awaiting_approval --skip--> skipped (terminal)
//	running --ok--> completed (terminal)
//	running --fail--> failed (terminal)
type NodeStatus string

const (
	NodeStatusPending           NodeStatus = "pending"
	NodeStatusAwaitingApproval  NodeStatus = "awaiting_approval"
	NodeStatusApproved          NodeStatus = "approved"
	NodeStatusRunning           NodeStatus = "running"
	NodeStatusCompleted         NodeStatus = "completed"
	NodeStatusFailed            NodeStatus = "failed"
	NodeStatusSkipped           NodeStatus = "skipped"
)

// Resolved reports whether a node's status counts as "resolved" for the
// purposes of a dependent node's readiness. Failed counts as resolved by
// design (spec §4.5 step 2, open question in spec §9): downstream nodes
// observe the failure as a "[FAILED] ..." input string instead of stalling
// the plan forever.
func (s NodeStatus) Resolved() bool {
	switch s {
	case NodeStatusCompleted, NodeStatusFailed, NodeStatusSkipped:
		return true
	default:
		return false
	}
}

// Terminal reports whether a node will never transition again within this
// plan (only a branch/rewind can reopen it).
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeStatusCompleted, NodeStatusFailed, NodeStatusSkipped:
		return true
	default:
		return false
	}
}

// PlanStatus is the plan-level state machine.
type PlanStatus string

const (
	PlanStatusDraft     PlanStatus = "draft"
	PlanStatusApproved  PlanStatus = "approved"
	PlanStatusRunning   PlanStatus = "running"
	PlanStatusPaused    PlanStatus = "paused"
	PlanStatusCompleted PlanStatus = "completed"
	PlanStatusFailed    PlanStatus = "failed"
)

// Node is one vertex of a plan's DAG.
type Node struct {
	ID           int            `json:"id"`
	Task         string         `json:"task"`
	Tool         Tool           `json:"tool"`
	Args         map[string]any `json:"args"`
	Dependencies []int          `json:"dependencies"`
	RiskLevel    RiskLevel      `json:"risk_level"`

	Status      NodeStatus `json:"status"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	TokenUsage  int        `json:"token_usage"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a copy of the node with its own Dependencies slice and Args
// map (used by the rewind engine, which must never let two plans alias the
// same node slice/map). Arg values are copied shallowly, and StartedAt and
// CompletedAt are cleared in the copy.
func (n *Node) Clone() *Node {
	cp := *n
	cp.Dependencies = append([]int(nil), n.Dependencies...)
	cp.Args = make(map[string]any, len(n.Args))
	for k, v := range n.Args {
		cp.Args[k] = v
	}
	cp.StartedAt = nil
	cp.CompletedAt = nil
	return &cp
}

// DAG is the directed acyclic graph owned by a plan.
type DAG struct {
	Goal            string  `json:"goal"`
	ExpectedOutcome string  `json:"expected_outcome"`
	Nodes           []*Node `json:"nodes"`
}

// NodeByID returns the node with the given id, or nil.
func (d *DAG) NodeByID(id int) *Node {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// MaxNodeID returns the highest node id in the DAG, or 0 if empty.
func (d *DAG) MaxNodeID() int {
	max := 0
	for _, n := range d.Nodes {
		if n.ID > max {
			max = n.ID
		}
	}
	return max
}

// ReadyNodes returns pending nodes whose every dependency is resolved
// (completed, failed, or skipped). This mirrors TaskGraph.ready_nodes in the
// original Python implementation and the universal invariant in spec §8
// that a ready node appears at most once across all dispatches of a run —
// enforced by the caller tracking already-dispatched ids, not by this method.
func (d *DAG) ReadyNodes() []*Node {
	byID := make(map[int]*Node, len(d.Nodes))
	for _, n := range d.Nodes {
		byID[n.ID] = n
	}
	var ready []*Node
	for _, n := range d.Nodes {
		if n.Status != NodeStatusPending {
			continue
		}
		allResolved := true
		for _, dep := range n.Dependencies {
			depNode, ok := byID[dep]
			if !ok || !depNode.Status.Resolved() {
				allResolved = false
				break
			}
		}
		if allResolved {
			ready = append(ready, n)
		}
	}
	return ready
}

// IsComplete reports whether every node in the DAG has reached a terminal
// status.
func (d *DAG) IsComplete() bool {
	for _, n := range d.Nodes {
		if !n.Status.Terminal() {
			return false
		}
	}
	return true
}

// IsFailed reports the plan-level verdict once IsComplete is true: failed
// unless at least one node completed (spec §4.5 "Completion").
func (d *DAG) IsFailed() bool {
	for _, n := range d.Nodes {
		if n.Status == NodeStatusCompleted {
			return false
		}
	}
	return true
}

// TotalTokens sums token usage across every node.
func (d *DAG) TotalTokens() int {
	total := 0
	for _, n := range d.Nodes {
		total += n.TokenUsage
	}
	return total
}

// Clone performs a deep copy of the DAG, used by the rewind engine (C6) so a
// branch never aliases the source plan's node slice or arg maps.
func (d *DAG) Clone() *DAG {
	cp := &DAG{Goal: d.Goal, ExpectedOutcome: d.ExpectedOutcome}
	cp.Nodes = make([]*Node, len(d.Nodes))
	for i, n := range d.Nodes {
		cp.Nodes[i] = n.Clone()
	}
	return cp
}

// Plan is the top-level, durable unit: a goal, its DAG, and lifecycle
// status. Plans are never deleted; branches accumulate via ParentID.
type Plan struct {
	PlanID    string     `json:"plan_id"`
	Goal      string     `json:"goal"`
	DAG       *DAG       `json:"dag"`
	Status    PlanStatus `json:"status"`
	ParentID  string     `json:"parent_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// LogEntry is one append-only log row.
type LogEntry struct {
	ID        int64     `json:"id"`
	PlanID    string    `json:"plan_id"`
	NodeID    *int      `json:"node_id,omitempty"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Snapshot is the {output, context_keys} blob stored at a node's completion
// and read back by the rewind engine / dependent nodes on resume.
type Snapshot struct {
	Output      string   `json:"output"`
	ContextKeys []string `json:"context_keys"`
}

// DecisionSummary is presented to a human at a HITL gate (spec §4.5, §GLOSSARY).
type DecisionSummary struct {
	Action string `json:"action"` // human description of tool + args
	Intent string `json:"intent"` // node task text
	Logic  string `json:"logic"`  // parent goal + dependency ids + resolved context keys
}

// PatchAction is one of the three mutations a planner patch may apply to an
// existing node.
type PatchAction string

const (
	PatchActionRetry   PatchAction = "retry"
	PatchActionBypass  PatchAction = "bypass"
	PatchActionReplace PatchAction = "replace"
)

// PatchNode is one per-node action inside a Patch.
type PatchNode struct {
	NodeID       int            `json:"node_id"`
	Action       PatchAction    `json:"action"`
	NewArgs      map[string]any `json:"new_args,omitempty"`
	NewTool      Tool           `json:"new_tool,omitempty"`
	BypassReason string         `json:"bypass_reason,omitempty"`
}

// Patch is produced by the Planner Adapter in response to a node failure
// (spec §4.5 "Patch application"). New nodes are appended without
// acyclicity validation — an explicit open question in spec §9; this
// implementation's decision is recorded in DESIGN.md.
type Patch struct {
	PatchNodes []PatchNode `json:"patch_nodes"`
	NewNodes   []*Node     `json:"new_nodes"`
}

// GoalRequest is the POST /goals request body.
type GoalRequest struct {
	Goal        string   `json:"goal"`
	Permissions []string `json:"permissions,omitempty"`
	AllowedTools []Tool  `json:"allowed_tools,omitempty"`
}
