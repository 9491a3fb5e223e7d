// Command amsab wires the Persistence Store, Event Bus, Sandbox Executor,
// Planner, Memory Vault, MCP Gateway, DAG Engine, Rewind Engine, Scheduler
// and HTTP/WS surface into a running service. Grounded on the teacher's
// services/orchestrator/main.go startup sequence — logging.Init,
// signal.NotifyContext, otelinit tracer/metrics, a manually built
// http.ServeMux, graceful shutdown — generalised from its single
// in-memory workflow store to this system's full component graph.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/swarmguard/amsab/internal/config"
	"github.com/swarmguard/amsab/internal/engine"
	"github.com/swarmguard/amsab/internal/eventbus"
	"github.com/swarmguard/amsab/internal/httpapi"
	"github.com/swarmguard/amsab/internal/logging"
	"github.com/swarmguard/amsab/internal/mcpgateway"
	"github.com/swarmguard/amsab/internal/memory"
	"github.com/swarmguard/amsab/internal/otelinit"
	"github.com/swarmguard/amsab/internal/planner"
	"github.com/swarmguard/amsab/internal/resilience"
	"github.com/swarmguard/amsab/internal/rewind"
	"github.com/swarmguard/amsab/internal/sandbox"
	"github.com/swarmguard/amsab/internal/scheduler"
	"github.com/swarmguard/amsab/internal/store"
)

func main() {
	const service = "amsab-orchestrator"
	logging.Init(service)
	cfg := config.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, promHandler, _ := otelinit.InitMetrics(ctx, service)
	meter := otel.GetMeterProvider().Meter(service)

	st, err := store.Open(cfg.DataDir, meter)
	if err != nil {
		slog.Error("open store", "error", err)
		return
	}
	defer st.Close()

	bus := eventbus.New()

	sb, err := sandbox.NewExecutor(sandbox.Config{
		Image:          cfg.DockerImage,
		WorkspaceDir:   cfg.DockerWorkspaceDir,
		TimeoutSeconds: cfg.DockerTimeoutSeconds,
		RetryAttempts:  2,
	}, meter)
	if err != nil {
		slog.Error("open sandbox executor", "error", err)
		return
	}

	pl := planner.New(planner.Config{
		APIKey:         cfg.OpenAIAPIKey,
		ArchitectModel: cfg.ArchitectModel,
		RetryAttempts:  cfg.PlannerRetries,
		RetryBaseDelay: 500 * time.Millisecond,
	}, meter)

	var mem *memory.Vault
	if cfg.MemoryDSN != "" {
		mem, err = memory.Open(cfg.MemoryDSN)
		if err != nil {
			slog.Error("open memory vault", "error", err)
			return
		}
		defer mem.Close()
	} else {
		slog.Info("memory vault disabled: AMSAB_MEMORY_DSN not set")
	}

	gw := mcpgateway.New()

	eng := engine.New(st, bus, sb, pl, memoryOrNil(mem), gw, meter)
	rw := rewind.New(st)

	sch := scheduler.New(st, pl, meter)
	if err := sch.RestoreSchedules(); err != nil {
		slog.Error("restore schedules", "error", err)
	}
	if cfg.SchedulerEnabled {
		sch.Start()
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			_ = sch.Stop(stopCtx)
		}()
	}

	// rate-limit goal submissions so a burst of POST /goals can't exhaust
	// the planner's OpenAI quota before the circuit breaker even engages.
	submitLimiter := resilience.NewHybridRateLimiter(5, 0.5, 10, 200*time.Millisecond)
	defer submitLimiter.Stop()

	api := httpapi.New(st, eng, rw, pl, mem)

	mux := http.NewServeMux()
	mux.Handle("/", httpapi.RateLimited(submitLimiter, api))
	if h, ok := promHandler.(http.Handler); ok {
		mux.Handle("/metrics", h)
	}

	addr := cfg.Host + ":" + strconv.Itoa(cfg.Port)
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		slog.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown initiated")
	ctxSd, c2 := context.WithTimeout(context.Background(), 10*time.Second)
	defer c2()
	_ = srv.Shutdown(ctxSd)
	otelinit.Flush(ctxSd, shutdownTrace)
	_ = shutdownMetrics(ctxSd)
	slog.Info("shutdown complete")
}

// memoryOrNil adapts a possibly-nil *memory.Vault to engine.MemoryVault: a
// nil *memory.Vault boxed into a non-nil interface would make every engine
// nil-check on the interface wrongly report "present", so it must be
// passed through as a true nil interface when the vault is unconfigured.
func memoryOrNil(v *memory.Vault) engine.MemoryVault {
	if v == nil {
		return nil
	}
	return v
}
