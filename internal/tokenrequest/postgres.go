package tokenrequest

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository stores token requests in PostgreSQL. State transitions
// are compare-and-swap updates guarded on status = 'pending'.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a repository backed by PostgreSQL.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const requestColumns = `id, account_id, requested_by, amount, reason, status,
        reviewed_by, reviewed_at, admin_comments, created_at, expires_at`

func scanRequest(row pgx.Row) (Request, error) {
	var req Request
	var reviewedBy, comments *string
	var reviewedAt *time.Time
	err := row.Scan(&req.ID, &req.AccountID, &req.RequestedBy, &req.Amount, &req.Reason,
		&req.Status, &reviewedBy, &reviewedAt, &comments, &req.CreatedAt, &req.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, err
	}
	if reviewedBy != nil {
		req.ReviewedBy = *reviewedBy
	}
	if comments != nil {
		req.AdminComments = *comments
	}
	req.ReviewedAt = reviewedAt
	return req, nil
}

// Create inserts a pending request.
func (r *PostgresRepository) Create(ctx context.Context, req Request) error {
	_, err := r.db.Exec(ctx, `INSERT INTO token_requests (id, account_id, requested_by, amount, reason,
        status, created_at, expires_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		req.ID, req.AccountID, req.RequestedBy, req.Amount, req.Reason, req.Status,
		req.CreatedAt, req.ExpiresAt)
	return err
}

// Get fetches a request by id.
func (r *PostgresRepository) Get(ctx context.Context, id string) (Request, error) {
	row := r.db.QueryRow(ctx, `SELECT `+requestColumns+` FROM token_requests WHERE id = $1`, id)
	return scanRequest(row)
}

// Transition moves a pending request to toStatus. Returns ErrAlreadyReviewed
// when the row has already left pending.
func (r *PostgresRepository) Transition(ctx context.Context, id, toStatus, reviewer, comments string, reviewedAt time.Time) (Request, error) {
	var reviewedAtArg *time.Time
	if toStatus != StatusExpired {
		reviewedAtArg = &reviewedAt
	}
	row := r.db.QueryRow(ctx, `UPDATE token_requests
        SET status = $1, reviewed_by = NULLIF($2, ''), reviewed_at = $3, admin_comments = NULLIF($4, '')
        WHERE id = $5 AND status = $6
        RETURNING `+requestColumns, toStatus, reviewer, reviewedAtArg, comments, id, StatusPending)

	req, err := scanRequest(row)
	if errors.Is(err, ErrNotFound) {
		// Distinguish missing row from CAS failure.
		if _, getErr := r.Get(ctx, id); getErr != nil {
			return Request{}, getErr
		}
		return Request{}, ErrAlreadyReviewed
	}
	return req, err
}

// RevertToPending aborts a claimed transition after a rejected payout.
func (r *PostgresRepository) RevertToPending(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx, `UPDATE token_requests
        SET status = $1, reviewed_by = NULL, reviewed_at = NULL, admin_comments = NULL
        WHERE id = $2`, StatusPending, id)
	return err
}

// PendingPastExpiry lists pending requests whose expiry has passed.
func (r *PostgresRepository) PendingPastExpiry(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT id FROM token_requests
        WHERE status = $1 AND expires_at < $2`, StatusPending, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AutoApprovedTotalSince sums auto-approved amounts for the velocity cap.
func (r *PostgresRepository) AutoApprovedTotalSince(ctx context.Context, accountID string, since time.Time) (int64, error) {
	var total int64
	err := r.db.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM token_requests
        WHERE account_id = $1 AND status = $2 AND reviewed_by = $3 AND reviewed_at > $4`,
		accountID, StatusApproved, AutoReviewer, since).Scan(&total)
	return total, err
}

// ListByAccount returns recent requests, newest first.
func (r *PostgresRepository) ListByAccount(ctx context.Context, accountID string, limit int) ([]Request, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `SELECT `+requestColumns+` FROM token_requests
        WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}
