package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/FlowForge/internal/domain"
	"github.com/Strob0t/FlowForge/internal/domain/workflow"
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// --- Workflow instances ---

func (s *Store) CreateInstance(ctx context.Context, in *workflow.Instance) error {
	if err := in.Validate(); err != nil {
		return err
	}
	if len(in.History) != 1 {
		return fmt.Errorf("new instance must carry exactly the submission entry: %w", domain.ErrValidation)
	}

	contextJSON, err := json.Marshal(in.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO workflow_instances (id, state, context, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		in.ID, in.State, contextJSON, in.Version, in.CreatedAt, in.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("instance %s exists: %w", in.ID, domain.ErrConflict)
		}
		return fmt.Errorf("insert instance %s: %w", in.ID, err)
	}

	e := in.History[0]
	_, err = tx.Exec(ctx,
		`INSERT INTO workflow_history (request_id, seq, state, event, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		in.ID, e.Seq, e.State, e.Event, nullIfEmptyBytes(e.Payload), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert submission entry for %s: %w", in.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create instance %s: %w", in.ID, err)
	}
	return nil
}

func (s *Store) GetInstance(ctx context.Context, id string) (*workflow.Instance, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, state, context, resume_state, context_snapshot, version, created_at, updated_at
		 FROM workflow_instances WHERE id = $1`, id)

	in, err := scanInstance(row)
	if err != nil {
		return nil, notFoundWrap(err, "get instance %s", id)
	}
	return in, nil
}

// ApplyTransition persists the new instance state and its history entry in
// one transaction. The version guard on the instance row serializes writers:
// a stale version updates zero rows and maps to domain.ErrConflict without
// touching the history.
func (s *Store) ApplyTransition(ctx context.Context, in *workflow.Instance, e *workflow.HistoryEntry) error {
	contextJSON, err := json.Marshal(in.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE workflow_instances
		 SET state = $2, context = $3, resume_state = $4, context_snapshot = $5,
		     version = version + 1, updated_at = $6
		 WHERE id = $1 AND version = $7`,
		in.ID, in.State, contextJSON, nullIfEmpty(string(in.ResumeState)),
		nullIfEmptyBytes(in.ContextSnapshot), in.UpdatedAt, in.Version)
	if err := conflictExpectOne(tag, err, "apply transition for %s", in.ID); err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO workflow_history (request_id, seq, state, event, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		in.ID, e.Seq, e.State, e.Event, nullIfEmptyBytes(e.Payload), e.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("history seq %d for %s exists: %w", e.Seq, in.ID, domain.ErrConflict)
		}
		return fmt.Errorf("insert history entry for %s: %w", in.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transition for %s: %w", in.ID, err)
	}
	in.Version++
	return nil
}

func (s *Store) ListActiveInstances(ctx context.Context) ([]workflow.Instance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, state, context, resume_state, context_snapshot, version, created_at, updated_at
		 FROM workflow_instances
		 WHERE state NOT IN ('completed', 'rejected', 'failed', 'cancelled')
		 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list active instances: %w", err)
	}
	defer rows.Close()

	var instances []workflow.Instance
	for rows.Next() {
		in, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, *in)
	}
	return instances, rows.Err()
}

func (s *Store) LoadHistory(ctx context.Context, requestID string) ([]workflow.HistoryEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, state, event, payload, created_at
		 FROM workflow_history WHERE request_id = $1 ORDER BY seq`, requestID)
	if err != nil {
		return nil, fmt.Errorf("load history for %s: %w", requestID, err)
	}
	defer rows.Close()

	var entries []workflow.HistoryEntry
	for rows.Next() {
		var e workflow.HistoryEntry
		if err := rows.Scan(&e.Seq, &e.State, &e.Event, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanInstance(row scannable) (*workflow.Instance, error) {
	var (
		in          workflow.Instance
		contextJSON []byte
		resumeState *string
	)
	err := row.Scan(&in.ID, &in.State, &contextJSON, &resumeState, &in.ContextSnapshot,
		&in.Version, &in.CreatedAt, &in.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(contextJSON, &in.Context); err != nil {
		return nil, fmt.Errorf("unmarshal context for %s: %w", in.ID, err)
	}
	if resumeState != nil {
		in.ResumeState = workflow.State(*resumeState)
	}
	return &in, nil
}
