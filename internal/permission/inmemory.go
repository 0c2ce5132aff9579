package permission

import (
	"context"
	"sync"
)

type memoryRepository struct {
	mu      sync.RWMutex
	storage map[string]Permission
}

// NewMemoryRepository constructs an in-memory repository for tests.
func NewMemoryRepository() Repository {
	return &memoryRepository{storage: make(map[string]Permission)}
}

func permKey(accountID, userID string) string {
	return accountID + "/" + userID
}

func (r *memoryRepository) Get(_ context.Context, accountID, userID string) (Permission, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.storage[permKey(accountID, userID)]
	if !ok {
		return Permission{}, ErrNoPermission
	}
	return p, nil
}

func (r *memoryRepository) Put(_ context.Context, p Permission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.storage[permKey(p.AccountID, p.UserID)] = p
	return nil
}

func (r *memoryRepository) List(_ context.Context, accountID string) ([]Permission, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Permission
	for _, p := range r.storage {
		if p.AccountID == accountID {
			out = append(out, p)
		}
	}
	return out, nil
}
