package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jordanhubbard/lomu/internal/credits"
	"github.com/jordanhubbard/lomu/pkg/models"
)

// Reserve implements credits.Store with one guarded UPDATE plus the
// reservation row, committed together.
func (d *Database) Reserve(ctx context.Context, res *models.Reservation) (bool, int64, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	result, err := tx.ExecContext(ctx, d.q(`
		UPDATE wallets
		SET available_credits = available_credits - ?,
		    reserved_credits = reserved_credits + ?,
		    updated_at = ?
		WHERE user_id = ? AND available_credits >= ?
	`), res.Credits, res.Credits, now, res.UserID, res.Credits)
	if err != nil {
		return false, 0, fmt.Errorf("failed to update wallet: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, 0, fmt.Errorf("failed to check wallet update: %w", err)
	}
	if rows == 0 {
		var available int64
		err := tx.QueryRowContext(ctx, d.q(`SELECT available_credits FROM wallets WHERE user_id = ?`), res.UserID).Scan(&available)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return false, 0, fmt.Errorf("failed to read wallet: %w", err)
		}
		return false, available, nil
	}

	_, err = tx.ExecContext(ctx, d.q(`
		INSERT INTO credit_reservations (id, user_id, run_id, credits, used, status, created_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
	`), res.ID, res.UserID, res.RunID, res.Credits, string(res.Status), res.CreatedAt)
	if err != nil {
		return false, 0, fmt.Errorf("failed to record reservation: %w", err)
	}

	var available int64
	if err := tx.QueryRowContext(ctx, d.q(`SELECT available_credits FROM wallets WHERE user_id = ?`), res.UserID).Scan(&available); err != nil {
		return false, 0, fmt.Errorf("failed to read wallet: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, 0, fmt.Errorf("failed to commit reservation: %w", err)
	}
	return true, available, nil
}

// Reconcile implements credits.Store. Every statement shares one transaction.
func (d *Database) Reconcile(ctx context.Context, userID, runID string, reserved, used int64, entry *models.LedgerEntry) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	result, err := tx.ExecContext(ctx, d.q(`
		UPDATE wallets
		SET reserved_credits = reserved_credits - ?,
		    available_credits = available_credits + ?,
		    updated_at = ?
		WHERE user_id = ? AND reserved_credits >= ?
	`), reserved, reserved-used, now, userID, reserved)
	if err != nil {
		return fmt.Errorf("failed to release reservation: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check wallet update: %w", err)
	}
	if rows == 0 {
		return credits.ErrReservationMismatch
	}

	if err := d.insertEntry(ctx, tx, entry); err != nil {
		return err
	}

	result, err = tx.ExecContext(ctx, d.q(`
		UPDATE credit_reservations SET status = ?, used = ?, settled_at = ?
		WHERE user_id = ? AND run_id = ? AND status = ? AND credits = ?
	`), string(models.ReservationSettled), used, now, userID, runID, string(models.ReservationHeld), reserved)
	if err != nil {
		return fmt.Errorf("failed to settle reservation: %w", err)
	}
	rows, err = result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check reservation update: %w", err)
	}
	// Exactly one hold per run; anything else would release another
	// run's credits.
	if rows != 1 {
		return credits.ErrReservationMismatch
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reconciliation: %w", err)
	}
	return nil
}

// AddCredits implements credits.Store.
func (d *Database) AddCredits(ctx context.Context, entry *models.LedgerEntry) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, d.q(`
		INSERT INTO wallets (user_id, available_credits, reserved_credits, last_top_up_at, created_at, updated_at)
		VALUES (?, ?, 0, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			available_credits = wallets.available_credits + excluded.available_credits,
			last_top_up_at = excluded.last_top_up_at,
			updated_at = excluded.updated_at
	`), entry.UserID, entry.DeltaCredits, now, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert wallet: %w", err)
	}

	if err := d.insertEntry(ctx, tx, entry); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit top-up: %w", err)
	}
	return nil
}

func (d *Database) insertEntry(ctx context.Context, tx *sql.Tx, entry *models.LedgerEntry) error {
	var metadataJSON *string
	if len(entry.Metadata) > 0 {
		data, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal ledger metadata: %w", err)
		}
		s := string(data)
		metadataJSON = &s
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	err := tx.QueryRowContext(ctx, d.q(`
		INSERT INTO ledger_entries (user_id, delta_credits, usd_amount, source, reference_id, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`), entry.UserID, entry.DeltaCredits, entry.USDAmount, string(entry.Source), entry.ReferenceID, metadataJSON, entry.CreatedAt).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

// GetWallet implements credits.Store.
func (d *Database) GetWallet(ctx context.Context, userID string) (*models.Wallet, error) {
	var w models.Wallet
	var lastTopUp sql.NullTime
	err := d.db.QueryRowContext(ctx, d.q(`
		SELECT user_id, available_credits, reserved_credits, last_top_up_at, created_at, updated_at
		FROM wallets WHERE user_id = ?
	`), userID).Scan(&w.UserID, &w.AvailableCredits, &w.ReservedCredits, &lastTopUp, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	if lastTopUp.Valid {
		w.LastTopUpAt = &lastTopUp.Time
	}
	return &w, nil
}

// ListEntries implements credits.Store, newest first.
func (d *Database) ListEntries(ctx context.Context, userID string, limit int) ([]models.LedgerEntry, error) {
	query := `
		SELECT id, user_id, delta_credits, usd_amount, source, reference_id, metadata_json, created_at
		FROM ledger_entries WHERE user_id = ? ORDER BY id DESC`
	args := []interface{}{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := d.db.QueryContext(ctx, d.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		var usd sql.NullFloat64
		var source string
		var reference, metadataJSON sql.NullString
		if err := rows.Scan(&e.ID, &e.UserID, &e.DeltaCredits, &usd, &source, &reference, &metadataJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.Source = models.LedgerSource(source)
		e.ReferenceID = reference.String
		if usd.Valid {
			v := usd.Float64
			e.USDAmount = &v
		}
		if metadataJSON.Valid && metadataJSON.String != "" {
			if err := json.Unmarshal([]byte(metadataJSON.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal ledger metadata: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ListHeldReservations implements credits.Store.
func (d *Database) ListHeldReservations(ctx context.Context, olderThan time.Time) ([]models.Reservation, error) {
	rows, err := d.db.QueryContext(ctx, d.q(`
		SELECT id, user_id, run_id, credits, used, status, created_at
		FROM credit_reservations
		WHERE status = ? AND created_at < ?
		ORDER BY created_at
	`), string(models.ReservationHeld), olderThan.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list reservations: %w", err)
	}
	defer rows.Close()

	var out []models.Reservation
	for rows.Next() {
		var r models.Reservation
		var status string
		if err := rows.Scan(&r.ID, &r.UserID, &r.RunID, &r.Credits, &r.Used, &status, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan reservation: %w", err)
		}
		r.Status = models.ReservationStatus(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

var _ credits.Store = (*Database)(nil)
