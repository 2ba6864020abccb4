package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Strob0t/FlowForge/internal/domain"
	"github.com/Strob0t/FlowForge/internal/domain/approval"
)

// --- Approval records ---

func (s *Store) CreateApproval(ctx context.Context, r *approval.Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO approval_records (id, request_id, kind, payload, status, submitted_at, deadline)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.RequestID, r.Kind, nullIfEmptyBytes(r.Payload), r.Status, r.SubmittedAt, r.Deadline)
	if err != nil {
		// The partial unique index allows at most one pending record per
		// (request, kind).
		if isUniqueViolation(err) {
			return fmt.Errorf("pending %s approval exists for %s: %w", r.Kind, r.RequestID, domain.ErrConflict)
		}
		return fmt.Errorf("create approval for %s: %w", r.RequestID, err)
	}
	return nil
}

func (s *Store) GetApproval(ctx context.Context, id string) (*approval.Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, request_id, kind, payload, status, submitted_at, deadline, reviewer, notes, delta, resolved_at
		 FROM approval_records WHERE id = $1`, id)

	r, err := scanApproval(row)
	if err != nil {
		return nil, notFoundWrap(err, "get approval %s", id)
	}
	return r, nil
}

func (s *Store) GetPendingApproval(ctx context.Context, requestID string, kind approval.Kind) (*approval.Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, request_id, kind, payload, status, submitted_at, deadline, reviewer, notes, delta, resolved_at
		 FROM approval_records WHERE request_id = $1 AND kind = $2 AND status = 'pending'`,
		requestID, kind)

	r, err := scanApproval(row)
	if err != nil {
		return nil, notFoundWrap(err, "pending %s approval for %s", kind, requestID)
	}
	return r, nil
}

func (s *Store) ResolveApproval(ctx context.Context, id string, status approval.Status, reviewer, notes string, delta json.RawMessage, resolvedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE approval_records
		 SET status = $2, reviewer = $3, notes = $4, delta = $5, resolved_at = $6
		 WHERE id = $1 AND status = 'pending'`,
		id, status, reviewer, notes, nullIfEmptyBytes(delta), resolvedAt)
	return conflictExpectOne(tag, err, "resolve approval %s", id)
}

func (s *Store) ListApprovals(ctx context.Context, requestID string) ([]approval.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, request_id, kind, payload, status, submitted_at, deadline, reviewer, notes, delta, resolved_at
		 FROM approval_records WHERE request_id = $1 ORDER BY submitted_at`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list approvals for %s: %w", requestID, err)
	}
	defer rows.Close()
	return collectApprovals(rows)
}

func (s *Store) ListExpiredApprovals(ctx context.Context, now time.Time) ([]approval.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, request_id, kind, payload, status, submitted_at, deadline, reviewer, notes, delta, resolved_at
		 FROM approval_records WHERE status = 'pending' AND deadline <= $1 ORDER BY deadline`, now)
	if err != nil {
		return nil, fmt.Errorf("list expired approvals: %w", err)
	}
	defer rows.Close()
	return collectApprovals(rows)
}

func scanApproval(row scannable) (*approval.Record, error) {
	var r approval.Record
	err := row.Scan(&r.ID, &r.RequestID, &r.Kind, &r.Payload, &r.Status,
		&r.SubmittedAt, &r.Deadline, &r.Reviewer, &r.Notes, &r.Delta, &r.ResolvedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

type approvalRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func collectApprovals(rows approvalRows) ([]approval.Record, error) {
	var records []approval.Record
	for rows.Next() {
		r, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval record: %w", err)
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}
