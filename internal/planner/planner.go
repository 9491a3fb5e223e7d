// Package planner implements the Planner Adapter (C7): it turns a natural
// language goal into a task graph, and turns a failed node into a
// self-correction patch. Grounded on AMSAB backend/core/architect.py's
// Architect: the system prompt and the correction prompt. Both planning and
// patching call the one configured OpenAI model; there is no routing to a
// local model.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/amsab/internal/model"
	"github.com/swarmguard/amsab/internal/resilience"
)

const systemPrompt = `You are the AMSAB Architect. Your goal is to decompose a high-level user
objective into a structured, executable task graph. You do NOT execute tasks;
you design the blueprint.

Output Format: you must output STRICTLY valid JSON matching this schema:

{
  "goal": "string",
  "nodes": [
    {
      "id": integer,
      "task": "string",
      "tool": "tool_name",
      "args": {},
      "dependencies": [id_list],
      "risk_level": "low|high"
    }
  ],
  "expected_outcome": "string"
}

Tool usage rules:
- "web_search": {"query": "search string"}
- "interpret_code": {"code": "valid Python 3 script"}. Must call print() at least once. Reference prior node results via $node_<id>_output.
- "filesystem_write": {"filename": "name.txt", "content": "..."}. filename must be a plain string, never a $node reference.
- "filesystem_read": {"path": "/output/name.txt"}
- "filesystem_delete": {"path": "/output/name.txt"}
- "shell_exec": {"command": "..."}
- "scraper": {"url": "https://real.domain.com/real-path"}. Never invent a URL.
- "remote_tool": {"name": "registered_tool_name", ...args}. Only for a known remote tool.

Node IDs start at 1 and are sequential integers. Prefer simple 2-3 node plans.`

const correctionPromptTemplate = `Node ID %d failed with error: %q.
The current graph state is saved as a checkpoint.

Based on this failure, provide a patch to either:
- retry with different parameters, or
- bypass this node with a new sub-path, or
- replace the node's tool and args entirely.

Output STRICTLY valid JSON matching this schema:

{
  "patch_nodes": [
    {
      "node_id": integer,
      "action": "retry|bypass|replace",
      "new_args": {},
      "new_tool": "optional_tool_name",
      "bypass_reason": "optional string"
    }
  ],
  "new_nodes": []
}`

var fakeURLPattern = regexp.MustCompile(`(?i)exact[-_]?url|example\.com|placeholder|your[-_]?url|some[-_]?site|unknown|<url>|\{url\}|recipe[-_]?url|news[-_]?url|data[-_]?url|api[-_]?url|site[-_]?url`)

var planSchema = mustCompileSchema(`{
  "type": "object",
  "required": ["goal", "nodes"],
  "properties": {
    "goal": {"type": "string"},
    "expected_outcome": {"type": "string"},
    "nodes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "task", "tool"],
        "properties": {
          "id": {"type": "integer"},
          "task": {"type": "string"},
          "tool": {"type": "string"},
          "args": {"type": "object"},
          "dependencies": {"type": "array", "items": {"type": "integer"}},
          "risk_level": {"type": "string"}
        }
      }
    }
  }
}`)

func mustCompileSchema(raw string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	if err := c.AddResource("plan.json", doc); err != nil {
		panic(err)
	}
	sch, err := c.Compile("plan.json")
	if err != nil {
		panic(err)
	}
	return sch
}

// Config configures the Planner.
type Config struct {
	APIKey         string
	ArchitectModel string
	RetryAttempts  int
	RetryBaseDelay time.Duration
}

// Planner is the Planner Adapter: it satisfies internal/engine.Planner and
// also exposes Plan for the goal-intake HTTP route.
type Planner struct {
	client *openai.Client
	model  string
	cfg    Config

	breaker *resilience.CircuitBreaker
	tracer  trace.Tracer
	calls   metric.Int64Counter
	errors  metric.Int64Counter
}

// New constructs a Planner.
func New(cfg Config, meter metric.Meter) *Planner {
	if cfg.ArchitectModel == "" {
		cfg.ArchitectModel = openai.GPT4o
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 2
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 500 * time.Millisecond
	}
	if meter == nil {
		meter = otel.Meter("amsab")
	}
	calls, _ := meter.Int64Counter("amsab_planner_llm_calls_total")
	errs, _ := meter.Int64Counter("amsab_planner_llm_errors_total")
	return &Planner{
		client:  openai.NewClient(cfg.APIKey),
		model:   cfg.ArchitectModel,
		cfg:     cfg,
		breaker: resilience.NewCircuitBreakerAdaptive(30*time.Second, 6, 5, 0.5, 10*time.Second, 2),
		tracer:  otel.Tracer("amsab/planner"),
		calls:   calls,
		errors:  errs,
	}
}

// Plan converts a natural language goal into a DAG.
func (p *Planner) Plan(ctx context.Context, req model.GoalRequest) (*model.DAG, error) {
	ctx, span := p.tracer.Start(ctx, "planner.Plan")
	defer span.End()

	toolRegistry := "web_search, scraper, filesystem_read, filesystem_write, filesystem_delete, interpret_code, shell_exec, remote_tool"
	if len(req.AllowedTools) > 0 {
		names := make([]string, len(req.AllowedTools))
		for i, t := range req.AllowedTools {
			names[i] = string(t)
		}
		toolRegistry = strings.Join(names, ", ")
	}
	userContent := fmt.Sprintf("Goal: %s\n\nAvailable tools: [%s]\nPermissions: %s",
		req.Goal, toolRegistry, strings.Join(req.Permissions, ", "))

	raw, err := p.complete(ctx, userContent, 0.2)
	if err != nil {
		return nil, fmt.Errorf("architect plan: %w", err)
	}

	dag, err := parseDAG(raw)
	if err != nil {
		return nil, fmt.Errorf("parse architect output: %w", err)
	}
	sanitizeDAG(dag)
	return dag, nil
}

// Patch satisfies internal/engine.Planner: it asks the architect for a
// self-correction patch after a node failure, using the same configured
// OpenAI model as Plan.
func (p *Planner) Patch(ctx context.Context, dag *model.DAG, failedNodeID int, failureReason string) (*model.Patch, error) {
	ctx, span := p.tracer.Start(ctx, "planner.Patch")
	defer span.End()

	graphJSON, err := json.MarshalIndent(dag, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal graph context: %w", err)
	}
	prompt := fmt.Sprintf(correctionPromptTemplate, failedNodeID, failureReason)
	userContent := fmt.Sprintf("Current graph:\n%s\n\n%s", graphJSON, prompt)

	raw, err := p.complete(ctx, userContent, 0.1)
	if err != nil {
		return nil, fmt.Errorf("architect patch: %w", err)
	}

	var patch model.Patch
	if err := json.Unmarshal([]byte(raw), &patch); err != nil {
		return nil, fmt.Errorf("parse patch: %w", err)
	}
	return &patch, nil
}

// complete makes one chat completion call, guarded by a circuit breaker and
// wrapped in a retry with exponential backoff.
func (p *Planner) complete(ctx context.Context, userContent string, temperature float32) (string, error) {
	if !p.breaker.Allow() {
		return "", fmt.Errorf("architect circuit open: too many recent LLM failures")
	}

	raw, err := resilience.Retry(ctx, p.cfg.RetryAttempts, p.cfg.RetryBaseDelay, func() (string, error) {
		p.calls.Add(ctx, 1)
		resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model: p.model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
				{Role: openai.ChatMessageRoleUser, Content: userContent},
			},
			ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
			Temperature:    temperature,
		})
		if err != nil {
			p.errors.Add(ctx, 1)
			return "", err
		}
		if len(resp.Choices) == 0 {
			return "{}", nil
		}
		return resp.Choices[0].Message.Content, nil
	})

	p.breaker.RecordResult(err == nil)
	return raw, err
}

func parseDAG(raw string) (*model.DAG, error) {
	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, err
	}
	if err := planSchema.Validate(data); err != nil {
		return nil, fmt.Errorf("architect output failed schema validation: %w", err)
	}

	var dag model.DAG
	if err := json.Unmarshal([]byte(raw), &dag); err != nil {
		return nil, err
	}
	return &dag, nil
}
