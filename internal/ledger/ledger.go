package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInsufficientFunds occurs when a debit would take the account balance
	// below zero.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrAccountFrozen occurs when a debit is attempted against a frozen
	// account. Credits are still accepted while frozen.
	ErrAccountFrozen = errors.New("account frozen")

	// ErrAccountNotFound indicates the referenced account does not exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrSameAccount rejects transfers where source and destination match.
	ErrSameAccount = errors.New("transfer source and destination are the same account")

	// ErrAccountSuspended indicates writes are blocked because reconciliation
	// detected a divergence that has not been manually cleared.
	ErrAccountSuspended = errors.New("account suspended pending divergence review")

	// ErrLedgerDivergence indicates the stored balance does not match the sum
	// of succeeded transactions. Never healed automatically.
	ErrLedgerDivergence = errors.New("ledger divergence detected")
)

// Transaction types recorded against an account.
const (
	TxTypeTransfer       = "transfer"
	TxTypeTopup          = "topup"
	TxTypeApprovalPayout = "approval_payout"
)

// Transaction statuses. Failed attempts are rejected before any row is
// written, so persisted rows are always succeeded; the constant pair exists
// for the export contract.
const (
	TxStatusSucceeded = "succeeded"
	TxStatusFailed    = "failed"
)

// Account is the shared balance entity owned by a family. Balance is held in
// the smallest currency unit and mutated only through Store transactions.
type Account struct {
	ID           string
	FamilyID     string
	Username     string
	Name         string
	Balance      int64
	Frozen       bool
	FreezeReason string
	FrozenBy     string
	FrozenAt     *time.Time
	Suspended    bool
	CreatedAt    time.Time
}

// Transaction is an immutable ledger record. BalanceAfter snapshots the
// account balance at commit time so the history is independently re-derivable.
type Transaction struct {
	ID           string
	AccountID    string
	Type         string
	Amount       int64
	FromUser     string
	ToUser       string
	Status       string
	BalanceAfter int64
	Reference    string
	CreatedAt    time.Time
}

// TxMeta carries the descriptive fields for a posting.
type TxMeta struct {
	Type      string
	FromUser  string
	ToUser    string
	Reference string
}

// Store defines the contract implemented by ledger backends (e.g. Postgres).
// Apply calls against the same account serialize; different accounts proceed
// independently.
type Store interface {
	CreateAccount(ctx context.Context, familyID, username, name string) (Account, error)
	Account(ctx context.Context, accountID string) (Account, error)

	// Apply atomically mutates the balance by delta and appends the matching
	// Transaction, or does neither. Debits fail with ErrAccountFrozen on a
	// frozen account and ErrInsufficientFunds when the balance would go
	// negative.
	Apply(ctx context.Context, accountID string, delta int64, meta TxMeta) (Transaction, error)

	// TransferPair debits the source and credits the destination as one
	// atomic unit: no observer sees one leg without the other.
	TransferPair(ctx context.Context, fromAccountID, toAccountID string, amount int64, meta TxMeta) (Transaction, Transaction, error)

	// SetFrozen flips the freeze state. Idempotent with respect to the target
	// state.
	SetFrozen(ctx context.Context, accountID string, frozen bool, reason, actor string) (Account, error)

	// Transactions returns the most recent transactions, newest first.
	Transactions(ctx context.Context, accountID string, limit int) ([]Transaction, error)

	// Reconcile folds all succeeded transactions and compares against the
	// stored balance. On mismatch the account is suspended for writes and
	// (false, ErrLedgerDivergence) is returned.
	Reconcile(ctx context.Context, accountID string) (bool, error)
}
