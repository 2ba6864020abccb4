package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/Strob0t/FlowForge/internal/domain/escalation"
)

// --- Escalation records ---

func (s *Store) CreateEscalation(ctx context.Context, r *escalation.Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO escalation_records (id, request_id, cause, severity, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		r.ID, r.RequestID, r.Cause, r.Severity, r.Detail, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("create escalation for %s: %w", r.RequestID, err)
	}
	return nil
}

func (s *Store) GetEscalation(ctx context.Context, id string) (*escalation.Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, request_id, cause, severity, detail, action, created_at, resolved_at
		 FROM escalation_records WHERE id = $1`, id)

	var r escalation.Record
	err := row.Scan(&r.ID, &r.RequestID, &r.Cause, &r.Severity, &r.Detail,
		&r.Action, &r.CreatedAt, &r.ResolvedAt)
	if err != nil {
		return nil, notFoundWrap(err, "get escalation %s", id)
	}
	return &r, nil
}

func (s *Store) ResolveEscalation(ctx context.Context, id string, action escalation.Action, resolvedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE escalation_records SET action = $2, resolved_at = $3
		 WHERE id = $1 AND resolved_at IS NULL`,
		id, action, resolvedAt)
	return conflictExpectOne(tag, err, "resolve escalation %s", id)
}

func (s *Store) ListEscalations(ctx context.Context, requestID string) ([]escalation.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, request_id, cause, severity, detail, action, created_at, resolved_at
		 FROM escalation_records WHERE request_id = $1 ORDER BY created_at`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list escalations for %s: %w", requestID, err)
	}
	defer rows.Close()

	var records []escalation.Record
	for rows.Next() {
		var r escalation.Record
		if err := rows.Scan(&r.ID, &r.RequestID, &r.Cause, &r.Severity, &r.Detail,
			&r.Action, &r.CreatedAt, &r.ResolvedAt); err != nil {
			return nil, fmt.Errorf("scan escalation record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
