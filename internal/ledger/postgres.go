package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists accounts and transactions in PostgreSQL. Per-account
// serialization comes from SELECT ... FOR UPDATE on the account row; the
// transaction row and the balance update commit together or not at all.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore constructs a Postgres-backed ledger store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

const accountColumns = `id, family_id, username, name, balance, is_frozen,
        freeze_reason, frozen_by, frozen_at, is_suspended, created_at`

func scanAccount(row pgx.Row) (Account, error) {
	var a Account
	var frozenAt *time.Time
	err := row.Scan(&a.ID, &a.FamilyID, &a.Username, &a.Name, &a.Balance,
		&a.Frozen, &a.FreezeReason, &a.FrozenBy, &frozenAt, &a.Suspended, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, err
	}
	a.FrozenAt = frozenAt
	return a, nil
}

// CreateAccount inserts a zero-balance account for the family.
func (s *PostgresStore) CreateAccount(ctx context.Context, familyID, username, name string) (Account, error) {
	id := uuid.New()
	now := time.Now().UTC()
	_, err := s.db.Exec(ctx, `INSERT INTO accounts (id, family_id, username, name, balance, is_frozen,
        freeze_reason, frozen_by, is_suspended, created_at)
        VALUES ($1, $2, $3, $4, 0, false, '', '', false, $5)`, id, familyID, username, name, now)
	if err != nil {
		return Account{}, err
	}
	return Account{ID: id.String(), FamilyID: familyID, Username: username, Name: name, CreatedAt: now}, nil
}

// Account fetches the current account row.
func (s *PostgresStore) Account(ctx context.Context, accountID string) (Account, error) {
	row := s.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, accountID)
	return scanAccount(row)
}

func lockAccount(ctx context.Context, tx pgx.Tx, accountID string) (Account, error) {
	row := tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, accountID)
	return scanAccount(row)
}

func applyInTx(ctx context.Context, tx pgx.Tx, acc Account, delta int64, meta TxMeta) (Transaction, error) {
	if acc.Suspended {
		return Transaction{}, ErrAccountSuspended
	}
	if delta < 0 && acc.Frozen {
		return Transaction{}, ErrAccountFrozen
	}
	newBalance := acc.Balance + delta
	if newBalance < 0 {
		return Transaction{}, ErrInsufficientFunds
	}

	if _, err := tx.Exec(ctx, `UPDATE accounts SET balance = $1 WHERE id = $2`, newBalance, acc.ID); err != nil {
		return Transaction{}, err
	}

	record := Transaction{
		ID:           uuid.NewString(),
		AccountID:    acc.ID,
		Type:         meta.Type,
		Amount:       delta,
		FromUser:     meta.FromUser,
		ToUser:       meta.ToUser,
		Status:       TxStatusSucceeded,
		BalanceAfter: newBalance,
		Reference:    meta.Reference,
		CreatedAt:    time.Now().UTC(),
	}
	_, err := tx.Exec(ctx, `INSERT INTO transactions (id, account_id, type, amount, from_user, to_user,
        status, balance_after, reference, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		record.ID, record.AccountID, record.Type, record.Amount, record.FromUser, record.ToUser,
		record.Status, record.BalanceAfter, record.Reference, record.CreatedAt)
	if err != nil {
		return Transaction{}, err
	}
	return record, nil
}

// Apply posts a single balance mutation with its transaction row.
func (s *PostgresStore) Apply(ctx context.Context, accountID string, delta int64, meta TxMeta) (Transaction, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Transaction{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	acc, err := lockAccount(ctx, tx, accountID)
	if err != nil {
		return Transaction{}, err
	}

	record, err := applyInTx(ctx, tx, acc, delta, meta)
	if err != nil {
		return Transaction{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, err
	}
	return record, nil
}

// TransferPair debits the source and credits the destination inside one
// database transaction. Rows lock in id order so crossing transfers cannot
// deadlock.
func (s *PostgresStore) TransferPair(ctx context.Context, fromAccountID, toAccountID string, amount int64, meta TxMeta) (Transaction, Transaction, error) {
	if amount <= 0 {
		return Transaction{}, Transaction{}, ErrInsufficientFunds
	}
	if fromAccountID == toAccountID {
		return Transaction{}, Transaction{}, ErrSameAccount
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Transaction{}, Transaction{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	firstID, secondID := fromAccountID, toAccountID
	if firstID > secondID {
		firstID, secondID = secondID, firstID
	}
	first, err := lockAccount(ctx, tx, firstID)
	if err != nil {
		return Transaction{}, Transaction{}, err
	}
	second, err := lockAccount(ctx, tx, secondID)
	if err != nil {
		return Transaction{}, Transaction{}, err
	}

	from, to := first, second
	if from.ID != fromAccountID {
		from, to = second, first
	}

	debitMeta := meta
	debitMeta.Type = TxTypeTransfer
	debit, err := applyInTx(ctx, tx, from, -amount, debitMeta)
	if err != nil {
		return Transaction{}, Transaction{}, err
	}

	creditMeta := meta
	creditMeta.Type = TxTypeTransfer
	credit, err := applyInTx(ctx, tx, to, amount, creditMeta)
	if err != nil {
		return Transaction{}, Transaction{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, Transaction{}, err
	}
	return debit, credit, nil
}

// SetFrozen updates the freeze state under the account row lock.
func (s *PostgresStore) SetFrozen(ctx context.Context, accountID string, frozen bool, reason, actor string) (Account, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Account{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	acc, err := lockAccount(ctx, tx, accountID)
	if err != nil {
		return Account{}, err
	}

	acc.Frozen = frozen
	if frozen {
		now := time.Now().UTC()
		acc.FreezeReason = reason
		acc.FrozenBy = actor
		acc.FrozenAt = &now
	} else {
		acc.FreezeReason = ""
		acc.FrozenBy = ""
		acc.FrozenAt = nil
	}

	_, err = tx.Exec(ctx, `UPDATE accounts SET is_frozen = $1, freeze_reason = $2, frozen_by = $3, frozen_at = $4
        WHERE id = $5`, acc.Frozen, acc.FreezeReason, acc.FrozenBy, acc.FrozenAt, accountID)
	if err != nil {
		return Account{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Account{}, err
	}
	return acc, nil
}

// Transactions lists recent transactions, newest first.
func (s *PostgresStore) Transactions(ctx context.Context, accountID string, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `SELECT id, account_id, type, amount, from_user, to_user, status,
        balance_after, reference, created_at FROM transactions
        WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Type, &t.Amount, &t.FromUser, &t.ToUser,
			&t.Status, &t.BalanceAfter, &t.Reference, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Reconcile recomputes the balance from the transaction history inside the
// account lock. A mismatch suspends further writes; it is never corrected
// silently.
func (s *PostgresStore) Reconcile(ctx context.Context, accountID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	acc, err := lockAccount(ctx, tx, accountID)
	if err != nil {
		return false, err
	}

	var sum int64
	err = tx.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM transactions
        WHERE account_id = $1 AND status = $2`, accountID, TxStatusSucceeded).Scan(&sum)
	if err != nil {
		return false, err
	}

	if sum != acc.Balance {
		if _, err := tx.Exec(ctx, `UPDATE accounts SET is_suspended = true WHERE id = $1`, accountID); err != nil {
			return false, err
		}
		if err := tx.Commit(ctx); err != nil {
			return false, err
		}
		return false, fmt.Errorf("account %s: stored %d, derived %d: %w", accountID, acc.Balance, sum, ErrLedgerDivergence)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}
