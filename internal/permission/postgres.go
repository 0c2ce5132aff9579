package permission

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository stores permission rows in PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a repository backed by PostgreSQL.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Get fetches the permission row for (account, user).
func (r *PostgresRepository) Get(ctx context.Context, accountID, userID string) (Permission, error) {
	row := r.db.QueryRow(ctx, `SELECT account_id, user_id, role, spending_limit, can_spend, updated_at
        FROM member_permissions WHERE account_id = $1 AND user_id = $2`, accountID, userID)
	var p Permission
	if err := row.Scan(&p.AccountID, &p.UserID, &p.Role, &p.SpendingLimit, &p.CanSpend, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Permission{}, ErrNoPermission
		}
		return Permission{}, err
	}
	return p, nil
}

// Put upserts a permission row. Last writer wins; the audit log carries the
// edit history.
func (r *PostgresRepository) Put(ctx context.Context, p Permission) error {
	_, err := r.db.Exec(ctx, `INSERT INTO member_permissions (account_id, user_id, role, spending_limit, can_spend, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (account_id, user_id) DO UPDATE
        SET role = EXCLUDED.role, spending_limit = EXCLUDED.spending_limit,
            can_spend = EXCLUDED.can_spend, updated_at = EXCLUDED.updated_at`,
		p.AccountID, p.UserID, p.Role, p.SpendingLimit, p.CanSpend, p.UpdatedAt)
	return err
}

// List returns all permission rows on the account.
func (r *PostgresRepository) List(ctx context.Context, accountID string) ([]Permission, error) {
	rows, err := r.db.Query(ctx, `SELECT account_id, user_id, role, spending_limit, can_spend, updated_at
        FROM member_permissions WHERE account_id = $1`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.AccountID, &p.UserID, &p.Role, &p.SpendingLimit, &p.CanSpend, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
