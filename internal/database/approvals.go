package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jordanhubbard/lomu/pkg/models"
)

// SaveApproval inserts or updates an approval request.
func (d *Database) SaveApproval(ctx context.Context, req *models.ApprovalRequest) error {
	resources, err := json.Marshal(req.AffectedResources)
	if err != nil {
		return fmt.Errorf("failed to marshal resources: %w", err)
	}

	var resolvedAt interface{}
	if req.ResolvedAt != nil {
		resolvedAt = req.ResolvedAt.UTC()
	}

	_, err = d.db.ExecContext(ctx, d.q(`
		INSERT INTO approval_requests (id, user_id, operation, resources_json, status, reason, created_at, deadline, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			reason = excluded.reason,
			resolved_at = excluded.resolved_at
	`), req.ID, req.UserID, req.Operation, string(resources), string(req.Status), req.Reason,
		req.CreatedAt.UTC(), req.Deadline.UTC(), resolvedAt)
	if err != nil {
		return fmt.Errorf("failed to save approval: %w", err)
	}
	return nil
}

// GetApproval returns nil without error for unknown ids.
func (d *Database) GetApproval(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	row := d.db.QueryRowContext(ctx, d.q(`
		SELECT id, user_id, operation, resources_json, status, reason, created_at, deadline, resolved_at
		FROM approval_requests WHERE id = ?
	`), id)
	req, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get approval: %w", err)
	}
	return req, nil
}

// ListApprovals returns a user's approvals, newest first.
func (d *Database) ListApprovals(ctx context.Context, userID string, limit int) ([]*models.ApprovalRequest, error) {
	query := `
		SELECT id, user_id, operation, resources_json, status, reason, created_at, deadline, resolved_at
		FROM approval_requests WHERE user_id = ? ORDER BY created_at DESC`
	args := []interface{}{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := d.db.QueryContext(ctx, d.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list approvals: %w", err)
	}
	defer rows.Close()

	var out []*models.ApprovalRequest
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanApproval(s rowScanner) (*models.ApprovalRequest, error) {
	var req models.ApprovalRequest
	var resources, reason sql.NullString
	var status string
	var resolvedAt sql.NullTime
	if err := s.Scan(&req.ID, &req.UserID, &req.Operation, &resources, &status, &reason,
		&req.CreatedAt, &req.Deadline, &resolvedAt); err != nil {
		return nil, err
	}
	req.Status = models.ApprovalStatus(status)
	req.Reason = reason.String
	if resources.Valid && resources.String != "" {
		if err := json.Unmarshal([]byte(resources.String), &req.AffectedResources); err != nil {
			return nil, fmt.Errorf("failed to unmarshal resources: %w", err)
		}
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		req.ResolvedAt = &t
	}
	return &req, nil
}
