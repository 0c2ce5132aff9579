package permission

import (
	"context"
	"errors"
	"time"

	"github.com/famwallet/famwallet/internal/audit"
)

var (
	// ErrNoPermission indicates the user has no permission row on the account.
	ErrNoPermission = errors.New("no permission on account")

	// ErrCannotSpend indicates the member's can-spend flag is off.
	ErrCannotSpend = errors.New("member may not spend")

	// ErrLimitExceeded indicates the amount exceeds the member's spending limit.
	ErrLimitExceeded = errors.New("spending limit exceeded")

	// ErrAdminRequired indicates the acting user is not an account admin.
	ErrAdminRequired = errors.New("admin role required")
)

// Roles a member may hold on an account.
const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// SpendingUnlimited is the sentinel limit meaning no cap. Only meaningful on
// non-admin rows; admins are implicitly unlimited.
const SpendingUnlimited int64 = -1

// Permission is the spending rule for one member of one account.
type Permission struct {
	AccountID     string
	UserID        string
	Role          string
	SpendingLimit int64
	CanSpend      bool
	UpdatedAt     time.Time
}

// Repository persists permission rows. Rows are low-contention; last writer
// wins, with the audit log carrying the edit history.
type Repository interface {
	Get(ctx context.Context, accountID, userID string) (Permission, error)
	Put(ctx context.Context, p Permission) error
	List(ctx context.Context, accountID string) ([]Permission, error)
}

// Registry answers spend-authorization questions and applies admin-gated
// permission edits. Every successful edit lands in the audit log.
type Registry struct {
	repo  Repository
	audit *audit.Log
}

// NewRegistry builds a permission registry.
func NewRegistry(repo Repository, auditLog *audit.Log) *Registry {
	return &Registry{repo: repo, audit: auditLog}
}

// CheckSpend reports whether the user may spend amount from the account right
// now. It never consults the balance; funds checks belong to the ledger.
func (r *Registry) CheckSpend(ctx context.Context, accountID, userID string, amount int64) error {
	p, err := r.repo.Get(ctx, accountID, userID)
	if err != nil {
		return err
	}
	if p.Role == RoleAdmin {
		return nil
	}
	if !p.CanSpend {
		return ErrCannotSpend
	}
	if p.SpendingLimit != SpendingUnlimited && amount > p.SpendingLimit {
		return ErrLimitExceeded
	}
	return nil
}

// IsAdmin reports whether the user holds the admin role on the account.
func (r *Registry) IsAdmin(ctx context.Context, accountID, userID string) (bool, error) {
	p, err := r.repo.Get(ctx, accountID, userID)
	if err != nil {
		if errors.Is(err, ErrNoPermission) {
			return false, nil
		}
		return false, err
	}
	return p.Role == RoleAdmin, nil
}

func (r *Registry) requireAdmin(ctx context.Context, accountID, actorID string) error {
	ok, err := r.IsAdmin(ctx, accountID, actorID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAdminRequired
	}
	return nil
}

// Grant creates the permission row for a member first given wallet access.
// Only admins may grant.
func (r *Registry) Grant(ctx context.Context, accountID, userID, role string, limit int64, canSpend bool, actorID string) (Permission, error) {
	if err := r.requireAdmin(ctx, accountID, actorID); err != nil {
		return Permission{}, err
	}

	p := Permission{
		AccountID:     accountID,
		UserID:        userID,
		Role:          role,
		SpendingLimit: limit,
		CanSpend:      canSpend,
		UpdatedAt:     time.Now().UTC(),
	}
	if err := r.repo.Put(ctx, p); err != nil {
		return Permission{}, err
	}

	_, err := r.audit.Append(ctx, accountID, "permission.granted", actorID, map[string]any{
		"user_id":        userID,
		"role":           role,
		"spending_limit": limit,
		"can_spend":      canSpend,
	})
	return p, err
}

// Bootstrap installs the initial admin row at family-creation time without an
// acting admin.
func (r *Registry) Bootstrap(ctx context.Context, accountID, adminUserID string) (Permission, error) {
	p := Permission{
		AccountID:     accountID,
		UserID:        adminUserID,
		Role:          RoleAdmin,
		SpendingLimit: SpendingUnlimited,
		CanSpend:      true,
		UpdatedAt:     time.Now().UTC(),
	}
	if err := r.repo.Put(ctx, p); err != nil {
		return Permission{}, err
	}
	_, err := r.audit.Append(ctx, accountID, "permission.granted", adminUserID, map[string]any{
		"user_id": adminUserID,
		"role":    RoleAdmin,
	})
	return p, err
}

// Update edits an existing member's spending rules. Admin-gated; every
// successful edit is audit-logged with the before and after values.
func (r *Registry) Update(ctx context.Context, accountID, targetUserID string, newLimit int64, newCanSpend bool, actorID string) (Permission, error) {
	if err := r.requireAdmin(ctx, accountID, actorID); err != nil {
		return Permission{}, err
	}

	current, err := r.repo.Get(ctx, accountID, targetUserID)
	if err != nil {
		return Permission{}, err
	}

	updated := current
	updated.SpendingLimit = newLimit
	updated.CanSpend = newCanSpend
	updated.UpdatedAt = time.Now().UTC()
	if err := r.repo.Put(ctx, updated); err != nil {
		return Permission{}, err
	}

	_, err = r.audit.Append(ctx, accountID, "permission.updated", actorID, map[string]any{
		"user_id":            targetUserID,
		"old_spending_limit": current.SpendingLimit,
		"new_spending_limit": newLimit,
		"old_can_spend":      current.CanSpend,
		"new_can_spend":      newCanSpend,
	})
	return updated, err
}

// List returns all permission rows on the account.
func (r *Registry) List(ctx context.Context, accountID string) ([]Permission, error) {
	return r.repo.List(ctx, accountID)
}
