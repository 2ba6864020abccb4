package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Strob0t/FlowForge/internal/domain/execution"
)

// --- Execution records ---

func (s *Store) AppendExecution(ctx context.Context, r *execution.Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO execution_records (id, request_id, agent_id, task, attempt, outcome, error, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.RequestID, r.AgentID, r.Task, r.Attempt, r.Outcome, r.Error, r.StartedAt)
	if err != nil {
		return fmt.Errorf("append execution for %s: %w", r.RequestID, err)
	}
	return nil
}

func (s *Store) FinishExecution(ctx context.Context, id string, outcome execution.Outcome, result json.RawMessage, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE execution_records
		 SET outcome = $2, result = $3, error = $4, finished_at = $5
		 WHERE id = $1 AND finished_at IS NULL`,
		id, outcome, nullIfEmptyBytes(result), errMsg, time.Now())
	return conflictExpectOne(tag, err, "finish execution %s", id)
}

func (s *Store) ListExecutions(ctx context.Context, requestID string) ([]execution.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, request_id, agent_id, task, attempt, outcome, result, error, started_at, finished_at
		 FROM execution_records WHERE request_id = $1 ORDER BY started_at`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list executions for %s: %w", requestID, err)
	}
	defer rows.Close()

	var records []execution.Record
	for rows.Next() {
		var r execution.Record
		if err := rows.Scan(&r.ID, &r.RequestID, &r.AgentID, &r.Task, &r.Attempt,
			&r.Outcome, &r.Result, &r.Error, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan execution record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *Store) CountAttempts(ctx context.Context, requestID, agentID, task string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM execution_records
		 WHERE request_id = $1 AND agent_id = $2 AND task = $3`,
		requestID, agentID, task).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count attempts for %s/%s: %w", requestID, agentID, err)
	}
	return count, nil
}
