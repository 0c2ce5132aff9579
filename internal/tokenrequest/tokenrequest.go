package tokenrequest

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates the request id is unknown.
	ErrNotFound = errors.New("token request not found")

	// ErrAlreadyReviewed indicates the request left the pending state and
	// cannot transition again.
	ErrAlreadyReviewed = errors.New("token request already reviewed")

	// ErrRequestExpired indicates the request passed its expiry before review.
	ErrRequestExpired = errors.New("token request expired")

	// ErrCeilingExceeded indicates the amount is above the configured request
	// ceiling.
	ErrCeilingExceeded = errors.New("amount exceeds request ceiling")

	// ErrInvalidAmount rejects non-positive request amounts.
	ErrInvalidAmount = errors.New("amount must be positive")
)

// Request statuses. Approved, denied and expired are terminal.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusDenied   = "denied"
	StatusExpired  = "expired"
)

// Review decisions.
const (
	DecisionApprove = "approve"
	DecisionDeny    = "deny"
)

// AutoReviewer is recorded as the reviewer for policy-approved requests.
const AutoReviewer = "auto"

// Request is a member's ask for spending tokens from the family account.
type Request struct {
	ID            string
	AccountID     string
	RequestedBy   string
	Amount        int64
	Reason        string
	Status        string
	ReviewedBy    string
	ReviewedAt    *time.Time
	AdminComments string
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// Repository persists requests. Transition applies a compare-and-swap from
// StatusPending; a row not in pending yields ErrAlreadyReviewed, which is
// what makes Review and ExpireDue safe to run concurrently.
type Repository interface {
	Create(ctx context.Context, req Request) error
	Get(ctx context.Context, id string) (Request, error)
	Transition(ctx context.Context, id, toStatus, reviewer, comments string, reviewedAt time.Time) (Request, error)
	// RevertToPending aborts a claimed transition after a rejected payout.
	RevertToPending(ctx context.Context, id string) error
	PendingPastExpiry(ctx context.Context, now time.Time) ([]string, error)
	AutoApprovedTotalSince(ctx context.Context, accountID string, since time.Time) (int64, error)
	ListByAccount(ctx context.Context, accountID string, limit int) ([]Request, error)
}

// Policy configures request creation and auto-approval.
type Policy struct {
	// RequestTTL bounds how long a request stays reviewable.
	RequestTTL time.Duration
	// RequestCeiling is the maximum amount a single request may ask for.
	RequestCeiling int64
	// AutoApproveThreshold is the amount at or under which trusted requesters
	// are approved without review. Zero disables auto-approval.
	AutoApproveThreshold int64
	// TrustedRequesters are user ids eligible for auto-approval.
	TrustedRequesters map[string]bool
	// DailyAutoApproveCap bounds the total auto-approved amount per account
	// per rolling 24h. Zero means no cap.
	DailyAutoApproveCap int64
}

func (p Policy) autoApproves(ctx context.Context, repo Repository, accountID, requester string, amount int64) bool {
	if p.AutoApproveThreshold <= 0 || amount > p.AutoApproveThreshold {
		return false
	}
	if !p.TrustedRequesters[requester] {
		return false
	}
	if p.DailyAutoApproveCap > 0 {
		total, err := repo.AutoApprovedTotalSince(ctx, accountID, time.Now().Add(-24*time.Hour))
		if err != nil || total+amount > p.DailyAutoApproveCap {
			return false
		}
	}
	return true
}
