package audit

import (
	"context"
	"sync"
)

type memoryRepository struct {
	mu     sync.Mutex
	chains map[string][]Entry
}

// NewMemoryRepository constructs an in-memory audit repository for tests.
func NewMemoryRepository() Repository {
	return &memoryRepository{chains: make(map[string][]Entry)}
}

func (r *memoryRepository) Append(_ context.Context, scopeID string, build func(seq int64, prevHash string) (Entry, error)) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	chain := r.chains[scopeID]
	prev := genesisHash
	if len(chain) > 0 {
		prev = chain[len(chain)-1].Hash
	}

	entry, err := build(int64(len(chain))+1, prev)
	if err != nil {
		return Entry{}, err
	}
	r.chains[scopeID] = append(chain, entry)
	return entry, nil
}

func (r *memoryRepository) Entries(_ context.Context, scopeID string) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	chain := r.chains[scopeID]
	out := make([]Entry, len(chain))
	copy(out, chain)
	return out, nil
}

// Tamper overwrites the payload of one stored entry. Test helper for
// exercising integrity verification.
func Tamper(repo Repository, scopeID string, index int, payload []byte) bool {
	mem, ok := repo.(*memoryRepository)
	if !ok {
		return false
	}
	mem.mu.Lock()
	defer mem.mu.Unlock()
	chain := mem.chains[scopeID]
	if index < 0 || index >= len(chain) {
		return false
	}
	chain[index].Payload = payload
	return true
}
