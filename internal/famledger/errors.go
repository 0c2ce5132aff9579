package famledger

import (
	"errors"

	"github.com/famwallet/famwallet/internal/idempotency"
	"github.com/famwallet/famwallet/internal/ledger"
	"github.com/famwallet/famwallet/internal/permission"
	"github.com/famwallet/famwallet/internal/tokenrequest"
)

// ErrQuorumNotMet indicates an emergency unfreeze without enough distinct
// admin approvals. Retryable once more approvals are collected.
var ErrQuorumNotMet = errors.New("emergency unfreeze quorum not met")

// Error kinds are the stable, caller-facing taxonomy. Failed idempotent
// attempts store the kind so a retry replays the original failure, and the
// HTTP adapter translates kinds to statuses.
const (
	KindInsufficientFunds      = "insufficient_funds"
	KindAccountFrozen          = "account_frozen"
	KindAccountNotFound        = "account_not_found"
	KindAccountSuspended       = "account_suspended"
	KindSameAccount            = "same_account"
	KindLedgerDivergence       = "ledger_divergence"
	KindNoPermission           = "no_permission"
	KindCannotSpend            = "cannot_spend"
	KindLimitExceeded          = "limit_exceeded"
	KindAdminRequired          = "admin_required"
	KindAlreadyReviewed        = "already_reviewed"
	KindRequestExpired         = "request_expired"
	KindRequestNotFound        = "request_not_found"
	KindCeilingExceeded        = "ceiling_exceeded"
	KindInvalidAmount          = "invalid_amount"
	KindQuorumNotMet           = "quorum_not_met"
	KindIdempotencyKeyConflict = "idempotency_key_conflict"
)

var kindsBySentinel = []struct {
	err  error
	kind string
}{
	{ledger.ErrInsufficientFunds, KindInsufficientFunds},
	{ledger.ErrAccountFrozen, KindAccountFrozen},
	{ledger.ErrAccountNotFound, KindAccountNotFound},
	{ledger.ErrAccountSuspended, KindAccountSuspended},
	{ledger.ErrSameAccount, KindSameAccount},
	{ledger.ErrLedgerDivergence, KindLedgerDivergence},
	{permission.ErrNoPermission, KindNoPermission},
	{permission.ErrCannotSpend, KindCannotSpend},
	{permission.ErrLimitExceeded, KindLimitExceeded},
	{permission.ErrAdminRequired, KindAdminRequired},
	{tokenrequest.ErrAlreadyReviewed, KindAlreadyReviewed},
	{tokenrequest.ErrRequestExpired, KindRequestExpired},
	{tokenrequest.ErrNotFound, KindRequestNotFound},
	{tokenrequest.ErrCeilingExceeded, KindCeilingExceeded},
	{tokenrequest.ErrInvalidAmount, KindInvalidAmount},
	{ErrQuorumNotMet, KindQuorumNotMet},
	{idempotency.ErrKeyConflict, KindIdempotencyKeyConflict},
}

// Kind maps a business-rule failure to its taxonomy kind. The empty string
// means the error is infrastructural, not a business outcome, and must not
// be stored for idempotent replay.
func Kind(err error) string {
	for _, m := range kindsBySentinel {
		if errors.Is(err, m.err) {
			return m.kind
		}
	}
	return ""
}

// FromKind resurrects the sentinel for a stored failure kind.
func FromKind(kind string) error {
	for _, m := range kindsBySentinel {
		if m.kind == kind {
			return m.err
		}
	}
	return errors.New(kind)
}
