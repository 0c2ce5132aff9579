package audit

import (
	"context"
	"errors"
	"hash/fnv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository stores audit chains in PostgreSQL. A per-scope advisory
// transaction lock serializes appends so Seq and PrevHash never fork.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a repository backed by PostgreSQL.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func scopeLockKey(scopeID string) int64 {
	h := fnv.New64a()
	h.Write([]byte("audit:" + scopeID))
	return int64(h.Sum64())
}

// Append persists the next chain link under the scope's advisory lock.
func (r *PostgresRepository) Append(ctx context.Context, scopeID string, build func(seq int64, prevHash string) (Entry, error)) (Entry, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Entry{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, scopeLockKey(scopeID)); err != nil {
		return Entry{}, err
	}

	var seq int64
	prev := genesisHash
	err = tx.QueryRow(ctx, `SELECT seq, this_hash FROM audit_entries
        WHERE scope_id = $1 ORDER BY seq DESC LIMIT 1`, scopeID).Scan(&seq, &prev)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, err
	}

	entry, err := build(seq+1, prev)
	if err != nil {
		return Entry{}, err
	}

	_, err = tx.Exec(ctx, `INSERT INTO audit_entries (id, scope_id, seq, action, performed_by, payload,
        prev_hash, this_hash, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.ID, entry.ScopeID, entry.Seq, entry.Action, entry.Actor, entry.Payload,
		entry.PrevHash, entry.Hash, entry.CreatedAt)
	if err != nil {
		return Entry{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// Entries returns the chain in append order.
func (r *PostgresRepository) Entries(ctx context.Context, scopeID string) ([]Entry, error) {
	rows, err := r.db.Query(ctx, `SELECT id, scope_id, seq, action, performed_by, payload,
        prev_hash, this_hash, created_at FROM audit_entries
        WHERE scope_id = $1 ORDER BY seq ASC`, scopeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.ScopeID, &e.Seq, &e.Action, &e.Actor, &e.Payload,
			&e.PrevHash, &e.Hash, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
