// Package engine implements the DAG Engine (C5): the scheduling loop that
// advances a plan to completion. Grounded on AMSAB
// backend/core/orchestrator.py's Orchestrator.execute_plan/_run_node/
// _run_node_inner/_apply_patch, restructured around the teacher's
// dag_engine.go idioms (OTel-instrumented worker rounds behind a
// sync.WaitGroup barrier, status enums, metric histograms/counters).
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/amsab/internal/eventbus"
	"github.com/swarmguard/amsab/internal/model"
	"github.com/swarmguard/amsab/internal/resolver"
	"github.com/swarmguard/amsab/internal/sandbox"
	"github.com/swarmguard/amsab/internal/store"
)

// Planner produces a corrective Patch in response to a node failure. The
// concrete implementation (internal/planner) wraps an LLM client; Engine
// depends only on this narrow interface to avoid a cyclic import.
type Planner interface {
	Patch(ctx context.Context, dag *model.DAG, failedNodeID int, failureReason string) (*model.Patch, error)
}

// MemoryVault records per-node breadcrumbs. AddStep calls are fire-and-
// forget: a vault outage never fails a node (spec §5 "external memory
// writes are fire-and-forget"). Stats is read synchronously so the
// node_completed event can carry the vault's current short/long-term
// counts, matching orchestrator.py's memory_vault.stats() call.
type MemoryVault interface {
	AddStep(ctx context.Context, planID string, nodeID int, task, output string) error
	Stats(ctx context.Context) (shortTerm, longTerm int, err error)
}

// RemoteToolClient proxies remote_tool nodes through the MCP gateway.
type RemoteToolClient interface {
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
}

// SandboxRunner is the narrow slice of *sandbox.Executor the engine needs.
// Expressed as an interface so tests can drive the scheduling loop without
// a Docker daemon.
type SandboxRunner interface {
	RunNode(ctx context.Context, planID string, node *model.Node, args map[string]any, remoteResult string, logFn sandbox.LogFunc) (sandbox.Result, error)
	KillPlanContainers(ctx context.Context, planID string) (int, error)
}

const (
	pollInterval         = 1 * time.Second
	approvalPollInterval = 500 * time.Millisecond
	outputPreviewChars   = 200
	errorTruncateChars   = 500
)

// Engine runs one plan's DAG to completion per call to ExecutePlan.
type Engine struct {
	store   *store.Store
	bus     *eventbus.Bus
	sandbox SandboxRunner
	planner Planner
	memory  MemoryVault
	remote  RemoteToolClient

	mu          sync.Mutex
	runningPlan map[string]bool
	killedPlan  map[string]bool

	tracer        trace.Tracer
	roundDuration metric.Float64Histogram
	readySetSize  metric.Int64Histogram
	nodeDuration  metric.Float64Histogram
}

// Bus returns the engine's event bus, so the HTTP/WS layer can subscribe to
// a plan's live event stream without the engine needing to know about
// WebSockets.
func (e *Engine) Bus() *eventbus.Bus {
	return e.bus
}

// New constructs an Engine. memory/remote/planner may be nil — each
// degrades gracefully (memory writes are skipped, remote_tool nodes fail
// with a clear error, failures simply aren't patched).
func New(st *store.Store, bus *eventbus.Bus, sb SandboxRunner, planner Planner, memory MemoryVault, remote RemoteToolClient, meter metric.Meter) *Engine {
	e := &Engine{
		store:       st,
		bus:         bus,
		sandbox:     sb,
		planner:     planner,
		memory:      memory,
		remote:      remote,
		runningPlan: make(map[string]bool),
		killedPlan:  make(map[string]bool),
		tracer:      otel.Tracer("amsab-engine"),
	}
	if meter != nil {
		e.roundDuration, _ = meter.Float64Histogram("amsab_engine_round_duration_ms")
		e.readySetSize, _ = meter.Int64Histogram("amsab_engine_ready_set_size")
		e.nodeDuration, _ = meter.Float64Histogram("amsab_engine_node_duration_ms")
	}
	return e
}

// roundState is the mutable state shared by every node goroutine dispatched
// within one call to ExecutePlan: the DAG (nodes may be reopened or
// appended by a patch) and the accumulated node_<id>_output context map
// (spec §5: "private to a single driver task").
type roundState struct {
	mu      sync.Mutex
	dag     *model.DAG
	outputs resolver.Context
}

// ErrAlreadyRunning is returned when ExecutePlan is called for a plan whose
// driver loop is already active in this process.
var ErrAlreadyRunning = fmt.Errorf("plan already running")

// ExecutePlan drives a plan's DAG to completion: ready-set selection,
// concurrent dispatch, HITL wait, patch application, and completion
// detection, per spec §4.5. One in-process goroutine per plan id — a
// second concurrent call for the same plan is rejected.
func (e *Engine) ExecutePlan(ctx context.Context, planID string) error {
	e.mu.Lock()
	if e.runningPlan[planID] {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	e.runningPlan[planID] = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.runningPlan, planID)
		e.mu.Unlock()
	}()

	ctx, span := e.tracer.Start(ctx, "engine.execute_plan", trace.WithAttributes(attribute.String("plan_id", planID)))
	defer span.End()

	plan, err := e.store.GetPlan(planID)
	if err != nil {
		return fmt.Errorf("load plan: %w", err)
	}
	if err := e.store.UpdatePlan(planID, model.PlanStatusRunning, nil); err != nil {
		return fmt.Errorf("mark plan running: %w", err)
	}
	e.bus.Publish(planID, eventbus.KindPlanApproved, map[string]any{"plan_id": planID})

	rs := &roundState{dag: plan.DAG, outputs: make(resolver.Context)}
	dispatched := make(map[int]bool)

	for {
		if e.isKilled(planID) {
			e.store.UpdatePlan(planID, model.PlanStatusFailed, rs.dag)
			e.bus.Publish(planID, eventbus.KindPlanFailed, map[string]any{"reason": "killed"})
			return nil
		}

		roundStart := time.Now()
		rs.mu.Lock()
		ready := rs.dag.ReadyNodes()
		rs.mu.Unlock()

		var toDispatch []*model.Node
		for _, n := range ready {
			if !dispatched[n.ID] {
				toDispatch = append(toDispatch, n)
			}
		}
		if e.readySetSize != nil {
			e.readySetSize.Record(ctx, int64(len(toDispatch)), metric.WithAttributes(attribute.String("plan_id", planID)))
		}

		if len(toDispatch) == 0 {
			rs.mu.Lock()
			complete := rs.dag.IsComplete()
			failed := rs.dag.IsFailed()
			totalTokens := rs.dag.TotalTokens()
			rs.mu.Unlock()

			if complete {
				status := model.PlanStatusCompleted
				kind := eventbus.KindPlanCompleted
				if failed {
					status = model.PlanStatusFailed
					kind = eventbus.KindPlanFailed
				}
				rs.mu.Lock()
				dagSnapshot := rs.dag
				rs.mu.Unlock()
				e.store.UpdatePlan(planID, status, dagSnapshot)
				e.bus.Publish(planID, kind, map[string]any{"total_tokens": totalTokens})
				return nil
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pollInterval):
			}
			refreshed, err := e.store.GetPlan(planID)
			if err != nil {
				return fmt.Errorf("refresh plan: %w", err)
			}
			rs.mu.Lock()
			rs.dag = refreshed.DAG
			rs.mu.Unlock()
			continue
		}

		var wg sync.WaitGroup
		for _, n := range toDispatch {
			dispatched[n.ID] = true
			wg.Add(1)
			go func(node *model.Node) {
				defer wg.Done()
				e.runNode(ctx, planID, rs, node, dispatched)
			}(n)
		}
		wg.Wait()

		rs.mu.Lock()
		dagSnapshot := rs.dag
		rs.mu.Unlock()
		if err := e.store.UpdatePlan(planID, model.PlanStatusRunning, dagSnapshot); err != nil {
			slog.Error("persist dag after round", "plan_id", planID, "error", err)
		}
		if e.roundDuration != nil {
			e.roundDuration.Record(ctx, float64(time.Since(roundStart).Milliseconds()), metric.WithAttributes(attribute.String("plan_id", planID)))
		}
	}
}

// runNode executes a single node's full lifecycle: optional HITL gate,
// argument resolution, sandbox dispatch (or remote-tool call), and success/
// failure handling including patch application.
func (e *Engine) runNode(ctx context.Context, planID string, rs *roundState, node *model.Node, dispatched map[int]bool) {
	if node.RiskLevel == model.RiskHigh && node.Status == model.NodeStatusPending {
		if !e.awaitApproval(ctx, planID, rs, node) {
			return // killed, or skipped while awaiting approval
		}
	}

	rs.mu.Lock()
	node.Status = model.NodeStatusRunning
	started := time.Now().UTC()
	node.StartedAt = &started
	dagSnapshot := rs.dag
	rs.mu.Unlock()

	e.store.UpdatePlan(planID, model.PlanStatusRunning, dagSnapshot)
	e.bus.Publish(planID, eventbus.KindNodeStarted, map[string]any{"node_id": node.ID, "task": node.Task, "tool": string(node.Tool)})

	start := time.Now()
	defer func() {
		if e.nodeDuration != nil {
			e.nodeDuration.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("tool", string(node.Tool))))
		}
	}()

	logFn := func(line string) {
		e.store.AppendLog(planID, &node.ID, "info", line)
		e.bus.Publish(planID, eventbus.KindLogLine, map[string]any{"node_id": node.ID, "line": line})
	}

	rs.mu.Lock()
	ctxCopy := make(resolver.Context, len(rs.outputs))
	for k, v := range rs.outputs {
		ctxCopy[k] = v
	}
	rs.mu.Unlock()
	resolvedArgs := resolver.ResolveArgs(node.Tool, node.Args, ctxCopy)

	var remoteResult string
	if node.Tool == model.ToolRemote {
		if e.remote == nil {
			e.failNode(ctx, planID, rs, node, dispatched, "remote_tool gateway not configured")
			return
		}
		name, _ := resolvedArgs["name"].(string)
		out, err := e.remote.CallTool(ctx, name, resolvedArgs)
		if err != nil {
			e.failNode(ctx, planID, rs, node, dispatched, err.Error())
			return
		}
		remoteResult = out
	}

	result, err := e.sandbox.RunNode(ctx, planID, node, resolvedArgs, remoteResult, logFn)
	if err != nil {
		e.failNode(ctx, planID, rs, node, dispatched, err.Error())
		return
	}
	if !result.Success() {
		e.failNode(ctx, planID, rs, node, dispatched, result.Output)
		return
	}

	key := fmt.Sprintf("node_%d_output", node.ID)
	rs.mu.Lock()
	node.Status = model.NodeStatusCompleted
	node.Result = result.Output
	completed := time.Now().UTC()
	node.CompletedAt = &completed
	rs.outputs[key] = result.Output
	rs.mu.Unlock()

	snap := &model.Snapshot{Output: result.Output, ContextKeys: []string{key}}
	e.store.UpsertNodeFields(planID, node.ID, model.NodeStatusCompleted, result.Output, "", snap, node.TokenUsage)

	memStats := map[string]int{"short_term": 0, "long_term": 0}
	if e.memory != nil {
		go func() {
			memCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := e.memory.AddStep(memCtx, planID, node.ID, node.Task, result.Output); err != nil {
				slog.Debug("memory vault add_step failed", "plan_id", planID, "node_id", node.ID, "error", err)
			}
		}()

		statCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if shortTerm, longTerm, err := e.memory.Stats(statCtx); err == nil {
			memStats = map[string]int{"short_term": shortTerm, "long_term": longTerm}
		}
		cancel()
	}

	preview := result.Output
	if len(preview) > outputPreviewChars {
		preview = preview[:outputPreviewChars]
	}
	e.bus.Publish(planID, eventbus.KindNodeCompleted, map[string]any{
		"node_id": node.ID, "output_preview": preview, "memory_stats": memStats,
	})
}

// awaitApproval sets the node to awaiting_approval, broadcasts its Decision
// Summary, and polls the store every approvalPollInterval until an operator
// (or the Planner Adapter) moves it out of that state. Returns false if the
// node ends up skipped or the plan was killed while waiting.
func (e *Engine) awaitApproval(ctx context.Context, planID string, rs *roundState, node *model.Node) bool {
	rs.mu.Lock()
	node.Status = model.NodeStatusAwaitingApproval
	dagSnapshot := rs.dag
	rs.mu.Unlock()
	e.store.UpdatePlan(planID, model.PlanStatusRunning, dagSnapshot)

	goal := "unknown"
	if plan, err := e.store.GetPlan(planID); err == nil && plan != nil {
		goal = plan.Goal
	}
	rs.mu.Lock()
	var contextKeys []string
	for k := range rs.outputs {
		if strings.HasPrefix(k, "node_") {
			contextKeys = append(contextKeys, k)
		}
	}
	rs.mu.Unlock()
	sort.Strings(contextKeys)

	decision := model.DecisionSummary{
		Action: fmt.Sprintf("Execute '%s' with args: %v", node.Tool, node.Args),
		Intent: fmt.Sprintf("To fulfill sub-task: '%s'", node.Task),
		Logic: fmt.Sprintf("Part of plan goal: '%s'. Depends on nodes: %v. Resolved context keys: %v.",
			goal, node.Dependencies, contextKeys),
	}
	e.bus.Publish(planID, eventbus.KindNodeAwaitingApproval, map[string]any{
		"node_id": node.ID, "tool": string(node.Tool), "args": node.Args, "decision_summary": decision,
	})

	for {
		if e.isKilled(planID) {
			return false
		}
		refreshed, err := e.store.GetPlan(planID)
		if err != nil {
			slog.Error("poll awaiting approval", "plan_id", planID, "node_id", node.ID, "error", err)
			return false
		}
		rn := refreshed.DAG.NodeByID(node.ID)
		if rn == nil {
			return false
		}

		rs.mu.Lock()
		node.Status = rn.Status
		node.Args = rn.Args
		node.Tool = rn.Tool
		status := node.Status
		rs.mu.Unlock()

		if status == model.NodeStatusSkipped {
			return false
		}
		if status != model.NodeStatusAwaitingApproval {
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(approvalPollInterval):
		}
	}
}

// failNode records a node's failure, injects its "[FAILED] ..." placeholder
// into the shared output context, and — if a Planner is configured — asks
// for a corrective patch and applies it.
func (e *Engine) failNode(ctx context.Context, planID string, rs *roundState, node *model.Node, dispatched map[int]bool, reason string) {
	if len(reason) > errorTruncateChars {
		reason = reason[len(reason)-errorTruncateChars:]
	}

	key := fmt.Sprintf("node_%d_output", node.ID)
	rs.mu.Lock()
	node.Status = model.NodeStatusFailed
	node.Error = reason
	completed := time.Now().UTC()
	node.CompletedAt = &completed
	rs.outputs[key] = "[FAILED] " + reason
	dagSnapshot := rs.dag
	rs.mu.Unlock()

	e.store.UpsertNodeFields(planID, node.ID, model.NodeStatusFailed, "", reason, nil, node.TokenUsage)
	e.store.UpdatePlan(planID, model.PlanStatusRunning, dagSnapshot)
	e.bus.Publish(planID, eventbus.KindNodeFailed, map[string]any{"node_id": node.ID, "error": reason})

	if e.planner == nil {
		return
	}

	rs.mu.Lock()
	dagForPlanner := rs.dag.Clone()
	rs.mu.Unlock()

	patch, err := e.planner.Patch(ctx, dagForPlanner, node.ID, reason)
	if err != nil {
		slog.Warn("planner patch failed", "plan_id", planID, "node_id", node.ID, "error", err)
		return
	}

	rs.mu.Lock()
	ApplyPatch(rs.dag, patch, dispatched)
	rs.mu.Unlock()
}

func (e *Engine) isKilled(planID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.killedPlan[planID]
}
