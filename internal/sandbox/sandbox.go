// Package sandbox implements the Sandbox Executor (C3): one disposable
// Docker container per DAG node, resource-capped and network-isolated
// except for a closed whitelist of tools that need outbound access.
// Grounded on AMSAB backend/core/executor.py's SandboxExecutor, replacing
// the teacher's stub ScriptTaskExecutor ("TODO: Implement sandbox
// execution...") with a real github.com/docker/docker client.
package sandbox

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/amsab/internal/model"
	"github.com/swarmguard/amsab/internal/resilience"
)

const (
	containerMemoryBytes = 512 * 1024 * 1024 // 512 MiB
	containerNanoCPUs    = 1_000_000_000     // 1.0 CPU
	tmpfsSize            = "size=64m"
	namePrefix           = "amsab-"
)

// Result is what a node's sandbox run produced.
type Result struct {
	Output   string
	ExitCode int
}

// Success reports whether the container exited cleanly.
func (r Result) Success() bool { return r.ExitCode == 0 }

// LogFunc receives each streamed stdout/stderr line as it arrives, so the
// caller (the DAG Engine) can forward it to the Event Bus as a log_line
// event in real time rather than only after the container exits.
type LogFunc func(line string)

// Config controls image, workspace root, and per-node timeout.
type Config struct {
	Image          string
	WorkspaceDir   string
	TimeoutSeconds int
	RetryAttempts  int
}

// Executor runs DAG nodes inside transient Docker containers.
type Executor struct {
	cli    *client.Client
	cfg    Config
	tracer trace.Tracer

	killsTotal   metric.Int64Counter
	durationHist metric.Float64Histogram
}

// NewExecutor dials the local Docker daemon via the standard DOCKER_HOST/
// environment conventions (client.FromEnv) and negotiates its API version.
func NewExecutor(cfg Config, meter metric.Meter) (*Executor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connect docker daemon: %w", err)
	}
	if cfg.Image == "" {
		cfg.Image = "amsab-worker:latest"
	}
	if cfg.TimeoutSeconds == 0 {
		cfg.TimeoutSeconds = 120
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = 2
	}

	ex := &Executor{cli: cli, cfg: cfg, tracer: otel.Tracer("amsab-sandbox")}
	if meter != nil {
		ex.killsTotal, _ = meter.Int64Counter("amsab_sandbox_kills_total")
		ex.durationHist, _ = meter.Float64Histogram("amsab_sandbox_node_duration_ms")
	}
	return ex, nil
}

// containerName mirrors the teacher's amsab-<plan8>-node<id> convention so
// the kill switch can filter by name prefix alone.
func containerName(planID string, nodeID int) string {
	return fmt.Sprintf("%s%s-node%d", namePrefix, shortPlanID(planID), nodeID)
}

func shortPlanID(planID string) string {
	if len(planID) > 8 {
		return planID[:8]
	}
	return planID
}

// RunNode resolves the node's script, mounts a fresh task directory, and
// runs it in a disposable container. Output lines stream to logFn as they
// arrive; the final Result carries the joined output and exit code.
func (e *Executor) RunNode(ctx context.Context, planID string, node *model.Node, args map[string]any, remoteResult string, logFn LogFunc) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "sandbox.run_node", trace.WithAttributes(
		attribute.String("plan_id", planID),
		attribute.Int("node_id", node.ID),
		attribute.String("tool", string(node.Tool)),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		if e.durationHist != nil {
			e.durationHist.Record(ctx, float64(time.Since(start).Milliseconds()),
				metric.WithAttributes(attribute.String("tool", string(node.Tool))))
		}
	}()

	taskDir := filepath.Join(e.cfg.WorkspaceDir, planID, fmt.Sprintf("node_%d", node.ID))
	if err := os.MkdirAll(taskDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create task dir: %w", err)
	}

	script, err := BuildScript(node.Tool, args, node.Task, remoteResult)
	if err != nil {
		return Result{}, err
	}
	scriptPath := filepath.Join(taskDir, "runner.py")
	if err := os.WriteFile(scriptPath, []byte(script), 0o644); err != nil {
		return Result{}, fmt.Errorf("write runner script: %w", err)
	}

	timeout := time.Duration(e.cfg.TimeoutSeconds) * time.Second
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	name := containerName(planID, node.ID)
	id, err := resilience.Retry(runCtx, e.cfg.RetryAttempts, 200*time.Millisecond, func() (string, error) {
		return e.createContainer(runCtx, name, taskDir, node.Tool)
	})
	if err != nil {
		return Result{}, fmt.Errorf("create container: %w", err)
	}
	defer e.cli.ContainerRemove(context.Background(), id, container.RemoveOptions{Force: true})

	if err := e.cli.ContainerStart(runCtx, id, container.StartOptions{}); err != nil {
		return Result{}, fmt.Errorf("start container: %w", err)
	}

	lines, exitCode, err := e.streamAndWait(runCtx, id, logFn)
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			lines = append(lines, fmt.Sprintf("[amsab] timeout after %ds", e.cfg.TimeoutSeconds))
			_ = e.cli.ContainerKill(context.Background(), id, "KILL")
			return Result{Output: strings.Join(lines, "\n"), ExitCode: 124}, nil
		}
		return Result{}, err
	}

	return Result{Output: strings.Join(lines, "\n"), ExitCode: exitCode}, nil
}

func (e *Executor) createContainer(ctx context.Context, name, taskDir string, tool model.Tool) (string, error) {
	networkMode := container.NetworkMode("none")
	if model.NetworkedTools[tool] {
		networkMode = container.NetworkMode("bridge")
	}

	resp, err := e.cli.ContainerCreate(ctx,
		&container.Config{
			Image:      e.cfg.Image,
			Cmd:        []string{"python", "runner.py"},
			WorkingDir: "/workspace",
		},
		&container.HostConfig{
			NetworkMode:    networkMode,
			ReadonlyRootfs: true,
			Tmpfs:          map[string]string{"/tmp": tmpfsSize},
			Resources: container.Resources{
				Memory:   containerMemoryBytes,
				NanoCPUs: containerNanoCPUs,
			},
			Mounts: []mount.Mount{
				{Type: mount.TypeBind, Source: taskDir, Target: "/workspace", ReadOnly: true},
				{Type: mount.TypeBind, Source: taskDir, Target: "/output", ReadOnly: false},
			},
		},
		nil, nil, name,
	)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// streamAndWait demuxes the container's combined stdout/stderr stream line
// by line, invoking logFn per line, then waits for exit.
func (e *Executor) streamAndWait(ctx context.Context, id string, logFn LogFunc) ([]string, int, error) {
	waitCh, errCh := e.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)

	logs, err := e.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: true})
	if err != nil {
		return nil, 0, fmt.Errorf("attach logs: %w", err)
	}
	defer logs.Close()

	pr, pw := io.Pipe()
	go func() {
		_, copyErr := stdcopy.StdCopy(pw, pw, logs)
		pw.CloseWithError(copyErr)
	}()

	var lines []string
	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		lines = append(lines, line)
		if logFn != nil {
			logFn(line)
		}
	}

	select {
	case err := <-errCh:
		if err != nil {
			return lines, 0, fmt.Errorf("wait container: %w", err)
		}
	case res := <-waitCh:
		return lines, int(res.StatusCode), nil
	case <-ctx.Done():
		return lines, 0, ctx.Err()
	}
	return lines, 0, nil
}

// KillPlanContainers is the kill switch's container-level effect: every
// still-running container whose name carries this plan's prefix is killed.
// Best-effort — a daemon-level failure is returned to the caller, never
// escalated into the plan's own error state (the kill switch flag itself is
// what's authoritative).
func (e *Executor) KillPlanContainers(ctx context.Context, planID string) (int, error) {
	prefix := namePrefix + shortPlanID(planID)
	f := filters.NewArgs(filters.Arg("name", prefix))
	containers, err := e.cli.ContainerList(ctx, container.ListOptions{Filters: f})
	if err != nil {
		return 0, fmt.Errorf("list containers: %w", err)
	}
	killed := 0
	for _, c := range containers {
		if err := e.cli.ContainerKill(ctx, c.ID, "KILL"); err != nil {
			continue
		}
		killed++
	}
	if e.killsTotal != nil && killed > 0 {
		e.killsTotal.Add(ctx, int64(killed))
	}
	return killed, nil
}

// Close releases the Docker client's connection.
func (e *Executor) Close() error { return e.cli.Close() }
