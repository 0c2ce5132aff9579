package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryAccount struct {
	mu      sync.Mutex
	account Account
	history []Transaction
}

type inMemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*memoryAccount
}

// NewInMemory creates a concurrency-safe in-memory ledger store. Each account
// carries its own mutex so postings on different accounts never block each
// other.
func NewInMemory() Store {
	return &inMemoryStore{accounts: make(map[string]*memoryAccount)}
}

func (s *inMemoryStore) CreateAccount(_ context.Context, familyID, username, name string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc := Account{
		ID:        uuid.NewString(),
		FamilyID:  familyID,
		Username:  username,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	s.accounts[acc.ID] = &memoryAccount{account: acc}
	return acc, nil
}

func (s *inMemoryStore) lookup(accountID string) (*memoryAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return entry, nil
}

func (s *inMemoryStore) Account(_ context.Context, accountID string) (Account, error) {
	entry, err := s.lookup(accountID)
	if err != nil {
		return Account{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.account, nil
}

func (s *inMemoryStore) Apply(_ context.Context, accountID string, delta int64, meta TxMeta) (Transaction, error) {
	entry, err := s.lookup(accountID)
	if err != nil {
		return Transaction{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return applyLocked(entry, delta, meta)
}

// applyLocked mutates the balance and appends the transaction. Caller holds
// the account mutex.
func applyLocked(entry *memoryAccount, delta int64, meta TxMeta) (Transaction, error) {
	if entry.account.Suspended {
		return Transaction{}, ErrAccountSuspended
	}
	if delta < 0 && entry.account.Frozen {
		return Transaction{}, ErrAccountFrozen
	}
	if entry.account.Balance+delta < 0 {
		return Transaction{}, ErrInsufficientFunds
	}

	entry.account.Balance += delta
	tx := Transaction{
		ID:           uuid.NewString(),
		AccountID:    entry.account.ID,
		Type:         meta.Type,
		Amount:       delta,
		FromUser:     meta.FromUser,
		ToUser:       meta.ToUser,
		Status:       TxStatusSucceeded,
		BalanceAfter: entry.account.Balance,
		Reference:    meta.Reference,
		CreatedAt:    time.Now().UTC(),
	}
	entry.history = append(entry.history, tx)
	return tx, nil
}

func (s *inMemoryStore) TransferPair(_ context.Context, fromAccountID, toAccountID string, amount int64, meta TxMeta) (Transaction, Transaction, error) {
	if amount <= 0 {
		return Transaction{}, Transaction{}, ErrInsufficientFunds
	}
	if fromAccountID == toAccountID {
		return Transaction{}, Transaction{}, ErrSameAccount
	}

	from, err := s.lookup(fromAccountID)
	if err != nil {
		return Transaction{}, Transaction{}, err
	}
	to, err := s.lookup(toAccountID)
	if err != nil {
		return Transaction{}, Transaction{}, err
	}

	// Lock in account-id order to avoid deadlock between crossing transfers.
	first, second := from, to
	if fromAccountID > toAccountID {
		first, second = to, from
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	debitMeta := meta
	debitMeta.Type = TxTypeTransfer
	debit, err := applyLocked(from, -amount, debitMeta)
	if err != nil {
		return Transaction{}, Transaction{}, err
	}

	creditMeta := meta
	creditMeta.Type = TxTypeTransfer
	credit, err := applyLocked(to, amount, creditMeta)
	if err != nil {
		// Roll the debit back so neither leg is visible.
		from.account.Balance += amount
		from.history = from.history[:len(from.history)-1]
		return Transaction{}, Transaction{}, err
	}

	return debit, credit, nil
}

func (s *inMemoryStore) SetFrozen(_ context.Context, accountID string, frozen bool, reason, actor string) (Account, error) {
	entry, err := s.lookup(accountID)
	if err != nil {
		return Account{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	entry.account.Frozen = frozen
	if frozen {
		now := time.Now().UTC()
		entry.account.FreezeReason = reason
		entry.account.FrozenBy = actor
		entry.account.FrozenAt = &now
	} else {
		entry.account.FreezeReason = ""
		entry.account.FrozenBy = ""
		entry.account.FrozenAt = nil
	}
	return entry.account, nil
}

func (s *inMemoryStore) Transactions(_ context.Context, accountID string, limit int) ([]Transaction, error) {
	entry, err := s.lookup(accountID)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	n := len(entry.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Transaction, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, entry.history[i])
	}
	return out, nil
}

func (s *inMemoryStore) Reconcile(_ context.Context, accountID string) (bool, error) {
	entry, err := s.lookup(accountID)
	if err != nil {
		return false, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	var sum int64
	for _, tx := range entry.history {
		if tx.Status == TxStatusSucceeded {
			sum += tx.Amount
		}
	}
	if sum != entry.account.Balance {
		entry.account.Suspended = true
		return false, ErrLedgerDivergence
	}
	return true, nil
}
