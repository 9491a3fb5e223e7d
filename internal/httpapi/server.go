// Package httpapi implements the full HTTP + WebSocket surface: goal
// submission, plan lifecycle, HITL approval, rewind/branch, the kill switch,
// memory vault routes, and the live event stream. Grounded on AMSAB
// backend/api/routes/{goals.py,ws.py} for the route table and behavior, and
// on the teacher's main.go for net/http.ServeMux-based routing (Go 1.22's
// method+pattern matching covers spec §6's routes directly; the teacher
// itself never reaches for a router package).
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/swarmguard/amsab/internal/engine"
	"github.com/swarmguard/amsab/internal/memory"
	"github.com/swarmguard/amsab/internal/model"
	"github.com/swarmguard/amsab/internal/planner"
	"github.com/swarmguard/amsab/internal/rewind"
	"github.com/swarmguard/amsab/internal/store"
)

// Server wires the persistence store and every collaborator component into
// an http.Handler.
type Server struct {
	store   *store.Store
	engine  *engine.Engine
	rewind  *rewind.Engine
	planner *planner.Planner
	memory  *memory.Vault // nil disables memory routes, matching memory.py's _enabled() guard
	mux     *http.ServeMux
}

// New builds the HTTP surface. memory may be nil if no DSN was configured.
func New(st *store.Store, eng *engine.Engine, rw *rewind.Engine, pl *planner.Planner, mem *memory.Vault) *Server {
	s := &Server{store: st, engine: eng, rewind: rw, planner: pl, memory: mem}
	s.mux = http.NewServeMux()
	s.routes()
	return s
}

// ServeHTTP satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("POST /goals", s.handleSubmitGoal)
	s.mux.HandleFunc("GET /plans", s.handleListPlans)
	s.mux.HandleFunc("GET /plans/{plan_id}", s.handleGetPlan)
	s.mux.HandleFunc("POST /plans/{plan_id}/approve", s.handleApprovePlan)
	s.mux.HandleFunc("POST /plans/{plan_id}/kill", s.handleKillPlan)
	s.mux.HandleFunc("GET /plans/{plan_id}/logs", s.handleGetLogs)
	s.mux.HandleFunc("POST /plans/{plan_id}/nodes/{node_id}/approve", s.handleApproveNode)
	s.mux.HandleFunc("POST /plans/{plan_id}/nodes/{node_id}/rewind", s.handleRewindNode)

	s.mux.HandleFunc("GET /plans/{plan_id}/memory/session", s.handleGetSessionMemory)
	s.mux.HandleFunc("DELETE /plans/{plan_id}/memory/session", s.handleWipeSessionMemory)
	s.mux.HandleFunc("POST /memory/long-term", s.handleRemember)
	s.mux.HandleFunc("GET /memory/long-term", s.handleRecall)
	s.mux.HandleFunc("DELETE /memory/all", s.handleWipeAllMemory)
	s.mux.HandleFunc("GET /memory/stats", s.handleMemoryStats)

	s.mux.HandleFunc("GET /ws/plans/{plan_id}", s.handleWS)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func planResponse(p *model.Plan) map[string]any {
	return map[string]any{
		"plan_id":    p.PlanID,
		"goal":       p.Goal,
		"status":     p.Status,
		"dag":        p.DAG,
		"branch_of":  p.ParentID,
		"created_at": p.CreatedAt,
		"updated_at": p.UpdatedAt,
	}
}

func (s *Server) handleSubmitGoal(w http.ResponseWriter, r *http.Request) {
	var req model.GoalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	dag, err := s.planner.Plan(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	planID := newPlanID()
	if err := s.store.CreatePlan(planID, req.Goal, dag, ""); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	plan, err := s.store.GetPlan(planID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, planResponse(plan))
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.store.ListPlans()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]map[string]any, len(plans))
	for i, p := range plans {
		out[i] = planResponse(p)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	plan, ok := s.lookupPlan(w, r.PathValue("plan_id"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, planResponse(plan))
}

func (s *Server) handleApprovePlan(w http.ResponseWriter, r *http.Request) {
	planID := r.PathValue("plan_id")
	plan, ok := s.lookupPlan(w, planID)
	if !ok {
		return
	}
	if plan.Status != model.PlanStatusDraft {
		writeError(w, http.StatusBadRequest, "plan is already "+string(plan.Status))
		return
	}
	if err := s.store.UpdatePlan(planID, model.PlanStatusApproved, nil); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	go func() {
		if err := s.engine.ExecutePlan(backgroundContext(), planID); err != nil {
			slog.Error("plan execution failed", "plan_id", planID, "error", err)
		}
	}()

	plan, _ = s.store.GetPlan(planID)
	writeJSON(w, http.StatusOK, planResponse(plan))
}

func (s *Server) handleKillPlan(w http.ResponseWriter, r *http.Request) {
	planID := r.PathValue("plan_id")
	if err := s.engine.Kill(r.Context(), planID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "killed", "plan_id": planID})
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	planID := r.PathValue("plan_id")
	logs, err := s.store.GetLogs(planID, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) handleApproveNode(w http.ResponseWriter, r *http.Request) {
	planID := r.PathValue("plan_id")
	nodeID, err := strconv.Atoi(r.PathValue("node_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid node_id")
		return
	}

	var body struct {
		Approved   bool           `json:"approved"`
		EditedArgs map[string]any `json:"edited_args,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if body.Approved {
		err = s.engine.ApproveNode(planID, nodeID, body.EditedArgs)
	} else {
		err = s.engine.SkipNode(planID, nodeID)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	plan, ok := s.lookupPlan(w, planID)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, planResponse(plan))
}

func (s *Server) handleRewindNode(w http.ResponseWriter, r *http.Request) {
	planID := r.PathValue("plan_id")

	var body struct {
		NodeID  int            `json:"node_id"`
		NewArgs map[string]any `json:"new_args,omitempty"`
		NewTool model.Tool     `json:"new_tool,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	branchID, warnings, err := s.rewind.RewindNode(r.Context(), planID, body.NodeID, body.NewArgs, body.NewTool)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	go func() {
		if err := s.engine.ExecutePlan(backgroundContext(), branchID); err != nil {
			slog.Error("branch execution failed", "plan_id", branchID, "error", err)
		}
	}()

	plan, err := s.store.GetPlan(branchID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"plan":                planResponse(plan),
		"idempotency_warnings": warnings,
	})
}

func (s *Server) lookupPlan(w http.ResponseWriter, planID string) (*model.Plan, bool) {
	plan, err := s.store.GetPlan(planID)
	if err != nil {
		writeError(w, http.StatusNotFound, "plan not found")
		return nil, false
	}
	return plan, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
