// Package memory implements the vector Memory Vault: a short-term,
// session-scoped breadcrumb trail keyed by plan id, and a long-term store of
// cross-session facts retrievable by semantic search. Grounded on AMSAB
// backend/core/memory.py's MemoryVault, with the Postgres/pgvector storage
// shape grounded on 88lin-divinesense's episodic_memory_embedding.go (cosine
// distance via the pgvector <=> operator).
package memory

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"github.com/pkg/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS amsab_short_term (
	id TEXT PRIMARY KEY,
	plan_id TEXT NOT NULL,
	node_id INT NOT NULL,
	tool TEXT NOT NULL,
	document TEXT NOT NULL,
	embedding vector(256),
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS amsab_short_term_plan_idx ON amsab_short_term (plan_id);

CREATE TABLE IF NOT EXISTS amsab_long_term (
	id TEXT PRIMARY KEY,
	key TEXT NOT NULL,
	category TEXT NOT NULL,
	document TEXT NOT NULL,
	embedding vector(256),
	created_at TIMESTAMPTZ NOT NULL
);
`

// Breadcrumb is one recorded node execution within a plan's session memory.
type Breadcrumb struct {
	NodeID    int       `json:"node_id"`
	Tool      string    `json:"tool"`
	Document  string    `json:"document"`
	CreatedAt time.Time `json:"created_at"`
}

// RecalledFact is one long-term memory hit returned by semantic search.
type RecalledFact struct {
	Key      string  `json:"key"`
	Category string  `json:"category"`
	Document string  `json:"document"`
	Distance float64 `json:"distance"`
}

// Vault is the Postgres/pgvector-backed memory store. It satisfies
// internal/engine.MemoryVault via AddStep.
type Vault struct {
	db *sql.DB
}

// Open connects to Postgres and ensures the vault's tables/index exist. The
// pgvector extension itself (CREATE EXTENSION vector) is expected to already
// be enabled on the target database by an operator migration.
func Open(dsn string) (*Vault, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres connection")
	}
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "ping postgres")
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, errors.Wrap(err, "ensure memory vault schema")
	}
	return &Vault{db: db}, nil
}

// Close releases the underlying connection pool.
func (v *Vault) Close() error {
	return v.db.Close()
}

// AddStep records a completed node execution as a short-term breadcrumb.
func (v *Vault) AddStep(ctx context.Context, planID string, nodeID int, task, output string) error {
	return v.AddStepWithTool(ctx, planID, nodeID, task, output, "")
}

// AddStepWithTool is AddStep plus the tool name, used by callers that have it
// on hand (the engine calls the narrower AddStep to satisfy its interface).
func (v *Vault) AddStepWithTool(ctx context.Context, planID string, nodeID int, task, output, tool string) error {
	doc := fmt.Sprintf("Task: %s\nTool: %s\nOutput: %s", task, tool, truncate(output, 500))
	docID := fmt.Sprintf("%s__node%d", planID, nodeID)

	_, err := v.db.ExecContext(ctx, `
		INSERT INTO amsab_short_term (id, plan_id, node_id, tool, document, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			document = EXCLUDED.document,
			embedding = EXCLUDED.embedding,
			created_at = EXCLUDED.created_at
	`, docID, planID, nodeID, tool, doc, pgvector.NewVector(embed(doc)), time.Now().UTC())
	if err != nil {
		return errors.Wrap(err, "upsert short-term breadcrumb")
	}
	return nil
}

// SessionBreadcrumbs returns a plan's breadcrumbs ordered by node id.
func (v *Vault) SessionBreadcrumbs(ctx context.Context, planID string) ([]Breadcrumb, error) {
	rows, err := v.db.QueryContext(ctx, `
		SELECT node_id, tool, document, created_at
		FROM amsab_short_term
		WHERE plan_id = $1
		ORDER BY node_id ASC
	`, planID)
	if err != nil {
		return nil, errors.Wrap(err, "query session breadcrumbs")
	}
	defer rows.Close()

	var out []Breadcrumb
	for rows.Next() {
		var b Breadcrumb
		if err := rows.Scan(&b.NodeID, &b.Tool, &b.Document, &b.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan breadcrumb")
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// WipeSession deletes every short-term breadcrumb for a plan and returns the
// count removed.
func (v *Vault) WipeSession(ctx context.Context, planID string) (int, error) {
	res, err := v.db.ExecContext(ctx, `DELETE FROM amsab_short_term WHERE plan_id = $1`, planID)
	if err != nil {
		return 0, errors.Wrap(err, "wipe session")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Remember upserts a long-term fact, keyed by an md5 hash of key so repeated
// calls with the same key overwrite rather than duplicate (mirrors
// memory.py's remember()).
func (v *Vault) Remember(ctx context.Context, key, value, category string) error {
	if category == "" {
		category = "general"
	}
	sum := md5.Sum([]byte(key))
	docID := hex.EncodeToString(sum[:])
	doc := key + ": " + value

	_, err := v.db.ExecContext(ctx, `
		INSERT INTO amsab_long_term (id, key, category, document, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			document = EXCLUDED.document,
			category = EXCLUDED.category,
			embedding = EXCLUDED.embedding,
			created_at = EXCLUDED.created_at
	`, docID, key, category, doc, pgvector.NewVector(embed(doc)), time.Now().UTC())
	if err != nil {
		return errors.Wrap(err, "upsert long-term fact")
	}
	return nil
}

// Recall performs cosine-distance nearest-neighbor search over long-term
// memory, grounded on divinesense's EpisodicVectorSearch (the <=> operator
// orders ascending by distance, i.e. most similar first).
func (v *Vault) Recall(ctx context.Context, query string, limit int) ([]RecalledFact, error) {
	if limit <= 0 {
		limit = 5
	}
	qvec := pgvector.NewVector(embed(query))

	rows, err := v.db.QueryContext(ctx, `
		SELECT key, category, document, embedding <=> $1 AS distance
		FROM amsab_long_term
		ORDER BY embedding <=> $1
		LIMIT $2
	`, qvec, limit)
	if err != nil {
		return nil, errors.Wrap(err, "recall query")
	}
	defer rows.Close()

	var out []RecalledFact
	for rows.Next() {
		var f RecalledFact
		if err := rows.Scan(&f.Key, &f.Category, &f.Document, &f.Distance); err != nil {
			return nil, errors.Wrap(err, "scan recalled fact")
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// WipeAll is the nuclear option: clears every short-term and long-term row.
func (v *Vault) WipeAll(ctx context.Context) error {
	if _, err := v.db.ExecContext(ctx, `TRUNCATE amsab_short_term, amsab_long_term`); err != nil {
		return errors.Wrap(err, "wipe all memory")
	}
	return nil
}

// Stats reports short/long-term row counts for the UI heatmap widget.
func (v *Vault) Stats(ctx context.Context) (shortTerm, longTerm int, err error) {
	if err = v.db.QueryRowContext(ctx, `SELECT count(*) FROM amsab_short_term`).Scan(&shortTerm); err != nil {
		return 0, 0, errors.Wrap(err, "count short-term")
	}
	if err = v.db.QueryRowContext(ctx, `SELECT count(*) FROM amsab_long_term`).Scan(&longTerm); err != nil {
		return 0, 0, errors.Wrap(err, "count long-term")
	}
	return shortTerm, longTerm, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
