// Package store implements the Persistence Store (C1): a transactional,
// key-addressed BoltDB-backed store for plans, nodes, and logs. BoltDB is
// kept from the teacher's persistence.go — pure Go, no C dependencies, and
// a single-file embedded store is the right shape for a per-host scheduler
// driver.
package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/amsab/internal/model"
)

var (
	bucketPlans     = []byte("plans")
	bucketNodes     = []byte("nodes")
	bucketLogs      = []byte("logs")
	bucketSnapshots = []byte("snapshots")
	bucketSeq       = []byte("sequences")
	bucketSchedules = []byte("schedules")
)

// ErrNotFound is returned by lookups that find nothing.
var ErrNotFound = fmt.Errorf("not found")

// ErrAlreadyExists is returned by CreatePlan when the id is taken.
var ErrAlreadyExists = fmt.Errorf("already exists")

// Store is the C1 Persistence Store. Writes are serialised per plan id via a
// per-plan mutex so concurrent dispatch within the DAG Engine never races on
// the same plan's row, while unrelated plans proceed independently.
type Store struct {
	db *bbolt.DB

	plansMu sync.Mutex
	locks   map[string]*sync.Mutex

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
}

// Open creates/opens the BoltDB file under dir/amsab.db and ensures buckets
// exist.
func Open(dir string, meter metric.Meter) (*Store, error) {
	opts := &bbolt.Options{
		Timeout:      1 * time.Second,
		NoSync:       false,
		FreelistType: bbolt.FreelistArrayType,
	}
	db, err := bbolt.Open(filepath.Join(dir, "amsab.db"), 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketPlans, bucketNodes, bucketLogs, bucketSnapshots, bucketSeq, bucketSchedules} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	var readLatency, writeLatency metric.Float64Histogram
	if meter != nil {
		readLatency, _ = meter.Float64Histogram("amsab_store_read_ms")
		writeLatency, _ = meter.Float64Histogram("amsab_store_write_ms")
	}

	return &Store{
		db:           db,
		locks:        make(map[string]*sync.Mutex),
		readLatency:  readLatency,
		writeLatency: writeLatency,
	}, nil
}

// Close closes the underlying database file.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) lockFor(planID string) *sync.Mutex {
	s.plansMu.Lock()
	defer s.plansMu.Unlock()
	l, ok := s.locks[planID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[planID] = l
	}
	return l
}

func (s *Store) recordWrite(op string, start time.Time) {
	if s.writeLatency == nil {
		return
	}
	s.writeLatency.Record(context.Background(), float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("op", op)))
}

// CreatePlan persists a new plan. Fails with ErrAlreadyExists if the id is
// taken.
func (s *Store) CreatePlan(planID, goal string, dag *model.DAG, parentID string) error {
	lock := s.lockFor(planID)
	lock.Lock()
	defer lock.Unlock()
	start := time.Now()

	now := time.Now().UTC()
	plan := &model.Plan{
		PlanID:    planID,
		Goal:      goal,
		DAG:       dag,
		Status:    model.PlanStatusDraft,
		ParentID:  parentID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPlans)
		if b.Get([]byte(planID)) != nil {
			return ErrAlreadyExists
		}
		data, err := json.Marshal(plan)
		if err != nil {
			return err
		}
		return b.Put([]byte(planID), data)
	})
	s.recordWrite("create_plan", start)
	return err
}

// GetPlan returns the plan or ErrNotFound.
func (s *Store) GetPlan(planID string) (*model.Plan, error) {
	start := time.Now()
	var plan model.Plan
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPlans)
		data := b.Get([]byte(planID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &plan)
	})
	if s.readLatency != nil {
		s.readLatency.Record(context.Background(), float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("op", "get_plan")))
	}
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return &plan, nil
}

// ListPlans returns every plan, newest first.
func (s *Store) ListPlans() ([]*model.Plan, error) {
	var plans []*model.Plan
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPlans)
		return b.ForEach(func(k, v []byte) error {
			var p model.Plan
			if err := json.Unmarshal(v, &p); err != nil {
				return nil // skip invalid entries, same tolerance as the teacher's warmCache
			}
			plans = append(plans, &p)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].CreatedAt.After(plans[j].CreatedAt) })
	return plans, nil
}

// UpdatePlan writes status and, if dag is non-nil, replaces the stored DAG.
// This is how the DAG Engine persists node-status mutations between
// scheduling rounds.
func (s *Store) UpdatePlan(planID string, status model.PlanStatus, dag *model.DAG) error {
	lock := s.lockFor(planID)
	lock.Lock()
	defer lock.Unlock()
	start := time.Now()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPlans)
		data := b.Get([]byte(planID))
		if data == nil {
			return ErrNotFound
		}
		var plan model.Plan
		if err := json.Unmarshal(data, &plan); err != nil {
			return err
		}
		plan.Status = status
		if dag != nil {
			plan.DAG = dag
		}
		plan.UpdatedAt = time.Now().UTC()
		newData, err := json.Marshal(&plan)
		if err != nil {
			return err
		}
		return b.Put([]byte(planID), newData)
	})
	s.recordWrite("update_plan", start)
	return err
}

func nodeKey(planID string, nodeID int) []byte {
	return []byte(fmt.Sprintf("%s:%d", planID, nodeID))
}

// UpsertNodeFields writes a node's row, replacing any existing row whole:
// every column is taken from the arguments and completed_at is set to now,
// so a partial update of some columns only is not supported. Since the
// node's authoritative state lives embedded in the plan's DAG JSON, this
// mirrors the mutation into a denormalised per-node row too, matching the
// spec's "nodes" relation (§4.1, §6 persisted state layout) for point
// lookups and row-level log joins without deserialising the whole DAG.
func (s *Store) UpsertNodeFields(planID string, nodeID int, status model.NodeStatus, result, errText string, snapshot *model.Snapshot, tokenUsage int) error {
	lock := s.lockFor(planID)
	lock.Lock()
	defer lock.Unlock()
	start := time.Now()

	row := struct {
		PlanID      string           `json:"plan_id"`
		NodeID      int              `json:"node_id"`
		Status      model.NodeStatus `json:"status"`
		Result      string           `json:"result,omitempty"`
		Error       string           `json:"error,omitempty"`
		Snapshot    *model.Snapshot  `json:"snapshot,omitempty"`
		TokenUsage  int              `json:"token_usage"`
		CompletedAt time.Time        `json:"completed_at"`
	}{
		PlanID: planID, NodeID: nodeID, Status: status, Result: result,
		Error: errText, Snapshot: snapshot, TokenUsage: tokenUsage,
		CompletedAt: time.Now().UTC(),
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		data, err := json.Marshal(&row)
		if err != nil {
			return err
		}
		if err := b.Put(nodeKey(planID, nodeID), data); err != nil {
			return err
		}
		if snapshot != nil {
			sb := tx.Bucket(bucketSnapshots)
			sdata, err := json.Marshal(snapshot)
			if err != nil {
				return err
			}
			if err := sb.Put(nodeKey(planID, nodeID), sdata); err != nil {
				return err
			}
		}
		return nil
	})
	s.recordWrite("upsert_node", start)
	return err
}

// GetSnapshot returns the latest stored snapshot for a node, or ErrNotFound.
func (s *Store) GetSnapshot(planID string, nodeID int) (*model.Snapshot, error) {
	var snap model.Snapshot
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		data := b.Get(nodeKey(planID, nodeID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &snap)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return &snap, nil
}

// AppendLog appends an append-only log row, auto-assigning a monotonic id
// from one store-wide sequence counter shared by all plans, so GetLogs can
// cursor-scan in order.
func (s *Store) AppendLog(planID string, nodeID *int, level, message string) error {
	start := time.Now()
	err := s.db.Update(func(tx *bbolt.Tx) error {
		seqBucket := tx.Bucket(bucketSeq)
		seq, _ := seqBucket.NextSequence()

		entry := model.LogEntry{
			ID:        int64(seq),
			PlanID:    planID,
			NodeID:    nodeID,
			Level:     level,
			Message:   message,
			CreatedAt: time.Now().UTC(),
		}
		data, err := json.Marshal(&entry)
		if err != nil {
			return err
		}
		b := tx.Bucket(bucketLogs)
		key := logKey(planID, seq)
		return b.Put(key, data)
	})
	s.recordWrite("append_log", start)
	return err
}

// logKey sorts lexicographically in id order within a plan by fixing the
// sequence number's width.
func logKey(planID string, seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return append([]byte(planID+":"), buf...)
}

// GetLogs returns up to limit log rows for a plan, oldest first.
func (s *Store) GetLogs(planID string, limit int) ([]model.LogEntry, error) {
	prefix := []byte(planID + ":")
	var entries []model.LogEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketLogs)
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var e model.LogEntry
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

func hasPrefix(data, prefix []byte) bool {
	if len(data) < len(prefix) {
		return false
	}
	for i := range prefix {
		if data[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Schedule is a persisted recurring-goal definition for the scheduler.
type Schedule struct {
	Name         string       `json:"name"`
	Goal         string       `json:"goal"`
	CronExpr     string       `json:"cron_expr"`
	Enabled      bool         `json:"enabled"`
	AllowedTools []model.Tool `json:"allowed_tools,omitempty"`
}

// PutSchedule upserts a schedule definition keyed by name.
func (s *Store) PutSchedule(sched Schedule) error {
	data, err := json.Marshal(sched)
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).Put([]byte(sched.Name), data)
	})
}

// DeleteSchedule removes a schedule by name.
func (s *Store) DeleteSchedule(name string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).Delete([]byte(name))
	})
}

// ListSchedules returns every persisted schedule.
func (s *Store) ListSchedules() ([]Schedule, error) {
	var out []Schedule
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).ForEach(func(k, v []byte) error {
			var sched Schedule
			if err := json.Unmarshal(v, &sched); err != nil {
				return nil
			}
			out = append(out, sched)
			return nil
		})
	})
	return out, err
}

// Stats mirrors the teacher's GetStats diagnostic endpoint, generalised to
// this store's buckets.
func (s *Store) Stats() map[string]any {
	stats := make(map[string]any)
	s.db.View(func(tx *bbolt.Tx) error {
		stats["db_size_bytes"] = tx.Size()
		for _, b := range [][]byte{bucketPlans, bucketNodes, bucketLogs, bucketSnapshots} {
			if bucket := tx.Bucket(b); bucket != nil {
				stats[string(b)+"_count"] = bucket.Stats().KeyN
			}
		}
		return nil
	})
	return stats
}
