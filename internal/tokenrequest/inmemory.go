package tokenrequest

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryRepository struct {
	mu      sync.Mutex
	storage map[string]Request
}

// NewMemoryRepository constructs an in-memory repository for tests.
func NewMemoryRepository() Repository {
	return &memoryRepository{storage: make(map[string]Request)}
}

func (r *memoryRepository) Create(_ context.Context, req Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.storage[req.ID] = req
	return nil
}

func (r *memoryRepository) Get(_ context.Context, id string) (Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.storage[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	return req, nil
}

func (r *memoryRepository) Transition(_ context.Context, id, toStatus, reviewer, comments string, reviewedAt time.Time) (Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.storage[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	if req.Status != StatusPending {
		return Request{}, ErrAlreadyReviewed
	}

	req.Status = toStatus
	req.ReviewedBy = reviewer
	req.AdminComments = comments
	if toStatus != StatusExpired {
		req.ReviewedAt = &reviewedAt
	}
	r.storage[id] = req
	return req, nil
}

func (r *memoryRepository) RevertToPending(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.storage[id]
	if !ok {
		return ErrNotFound
	}
	req.Status = StatusPending
	req.ReviewedBy = ""
	req.AdminComments = ""
	req.ReviewedAt = nil
	r.storage[id] = req
	return nil
}

func (r *memoryRepository) PendingPastExpiry(_ context.Context, now time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []string
	for id, req := range r.storage {
		if req.Status == StatusPending && now.After(req.ExpiresAt) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (r *memoryRepository) AutoApprovedTotalSince(_ context.Context, accountID string, since time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var total int64
	for _, req := range r.storage {
		if req.AccountID == accountID && req.Status == StatusApproved &&
			req.ReviewedBy == AutoReviewer && req.ReviewedAt != nil && req.ReviewedAt.After(since) {
			total += req.Amount
		}
	}
	return total, nil
}

func (r *memoryRepository) ListByAccount(_ context.Context, accountID string, limit int) ([]Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Request
	for _, req := range r.storage {
		if req.AccountID == accountID {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
