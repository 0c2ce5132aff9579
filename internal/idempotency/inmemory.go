package idempotency

import (
	"context"
	"sync"
)

type memoryIndex struct {
	mu      sync.Mutex
	records map[string]Result
}

// NewMemoryIndex constructs an in-memory index for tests.
func NewMemoryIndex() Index {
	return &memoryIndex{records: make(map[string]Result)}
}

func (i *memoryIndex) Begin(_ context.Context, scope Scope, fingerprint string) (*Result, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	stored, exists := i.records[scope.cacheKey()]
	if !exists {
		i.records[scope.cacheKey()] = Result{Fingerprint: fingerprint, Status: statusInProgress}
		return nil, nil
	}
	if stored.Fingerprint != fingerprint {
		return nil, ErrKeyConflict
	}
	if stored.Status == statusInProgress {
		return nil, ErrInProgress
	}
	out := stored
	return &out, nil
}

func (i *memoryIndex) Complete(_ context.Context, scope Scope, result Result) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.records[scope.cacheKey()] = result
	return nil
}

func (i *memoryIndex) Abandon(_ context.Context, scope Scope) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.records, scope.cacheKey())
	return nil
}
