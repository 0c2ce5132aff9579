package ledger

// SeedBalance is a test helper that force-sets a balance on the in-memory
// store without writing a transaction, for exercising divergence paths.
func SeedBalance(s Store, accountID string, amount int64) {
	if mem, ok := s.(*inMemoryStore); ok {
		if entry, err := mem.lookup(accountID); err == nil {
			entry.mu.Lock()
			defer entry.mu.Unlock()
			entry.account.Balance = amount
		}
	}
}
