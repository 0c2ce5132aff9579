package famledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/famwallet/famwallet/internal/audit"
	"github.com/famwallet/famwallet/internal/idempotency"
	"github.com/famwallet/famwallet/internal/ledger"
	"github.com/famwallet/famwallet/internal/metrics"
	"github.com/famwallet/famwallet/internal/notification"
	"github.com/famwallet/famwallet/internal/permission"
	"github.com/famwallet/famwallet/internal/tokenrequest"
)

// Service is the public face of the family ledger: it composes the ledger
// store, permission registry, idempotency index, audit log and token request
// workflow, and enforces every business invariant before touching the ledger.
type Service struct {
	store    ledger.Store
	perms    *permission.Registry
	idem     idempotency.Index
	audit    *audit.Log
	requests *tokenrequest.Workflow
	notifier notification.Notifier
	logger   *slog.Logger

	unfreezeQuorum int
}

// NewService wires the orchestrator.
func NewService(store ledger.Store, perms *permission.Registry, idem idempotency.Index, auditLog *audit.Log, requests *tokenrequest.Workflow, notifier notification.Notifier, unfreezeQuorum int, logger *slog.Logger) *Service {
	if unfreezeQuorum < 1 {
		unfreezeQuorum = 1
	}
	return &Service{
		store:          store,
		perms:          perms,
		idem:           idem,
		audit:          auditLog,
		requests:       requests,
		notifier:       notifier,
		logger:         logger,
		unfreezeQuorum: unfreezeQuorum,
	}
}

// runIdempotent wraps a mutating operation in the begin/complete protocol.
// out receives either the fresh result or the replayed one; stored business
// failures are resurfaced as their original sentinel. Infrastructure errors
// release the reservation so the client may retry safely: nothing has been
// applied when exec fails that way, because exec itself only returns
// non-business errors from its pre-mutation phase.
func (s *Service) runIdempotent(ctx context.Context, accountID, operation, key string, payload any, out any, exec func(context.Context) (any, error)) error {
	if key == "" {
		// Caller opted out of retry protection; run once.
		result, err := exec(ctx)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("encode %s result: %w", operation, err)
		}
		return json.Unmarshal(raw, out)
	}

	scope := idempotency.Scope{AccountID: accountID, Operation: operation, Key: key}
	fingerprint := idempotency.Fingerprint(payload)

	replay, err := s.idem.Begin(ctx, scope, fingerprint)
	if err != nil {
		return err
	}
	if replay != nil {
		if replay.Status == idempotency.StatusFailed {
			return FromKind(replay.ErrorKind)
		}
		return json.Unmarshal(replay.Payload, out)
	}

	result, execErr := exec(ctx)
	if execErr != nil {
		if kind := Kind(execErr); kind != "" {
			completeErr := s.idem.Complete(ctx, scope, idempotency.Result{
				Fingerprint: fingerprint,
				Status:      idempotency.StatusFailed,
				ErrorKind:   kind,
			})
			if completeErr != nil {
				s.logger.Error("record failed outcome", slog.String("operation", operation), slog.Any("error", completeErr))
			}
			return execErr
		}
		if abandonErr := s.idem.Abandon(ctx, scope); abandonErr != nil {
			s.logger.Error("abandon idempotency reservation", slog.String("operation", operation), slog.Any("error", abandonErr))
		}
		return execErr
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode %s result: %w", operation, err)
	}
	err = s.idem.Complete(ctx, scope, idempotency.Result{
		Fingerprint: fingerprint,
		Status:      idempotency.StatusSucceeded,
		Payload:     raw,
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (s *Service) observe(operation string, start time.Time) {
	metrics.OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// CreateAccount provisions the family's shared account and installs its
// first admin. Called once per family at family-creation time.
func (s *Service) CreateAccount(ctx context.Context, familyID, username, name, adminUserID string) (ledger.Account, error) {
	acc, err := s.store.CreateAccount(ctx, familyID, username, name)
	if err != nil {
		return ledger.Account{}, err
	}
	if _, err := s.perms.Bootstrap(ctx, acc.ID, adminUserID); err != nil {
		return ledger.Account{}, err
	}
	return acc, nil
}

// GetAccount returns the current account state.
func (s *Service) GetAccount(ctx context.Context, accountID string) (ledger.Account, error) {
	return s.store.Account(ctx, accountID)
}

// Transactions lists recent transactions for compliance export and display.
func (s *Service) Transactions(ctx context.Context, accountID string, limit int) ([]ledger.Transaction, error) {
	return s.store.Transactions(ctx, accountID, limit)
}

// TransferInput names a wallet-to-wallet movement.
type TransferInput struct {
	FromAccountID  string `json:"from_account_id"`
	ToAccountID    string `json:"to_account_id"`
	FromUser       string `json:"from_user"`
	ToUser         string `json:"to_user"`
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"-"`
}

// TransferResult reports both legs of a completed transfer.
type TransferResult struct {
	Debit  ledger.Transaction `json:"debit"`
	Credit ledger.Transaction `json:"credit"`
}

// Transfer debits the source account and credits the destination as one
// atomic unit, after the spending permission check. Both the permission and
// funds checks must pass independently.
func (s *Service) Transfer(ctx context.Context, in TransferInput) (TransferResult, error) {
	defer s.observe("transfer", time.Now())

	var out TransferResult
	err := s.runIdempotent(ctx, in.FromAccountID, "transfer", in.IdempotencyKey, in, &out, func(ctx context.Context) (any, error) {
		if err := s.perms.CheckSpend(ctx, in.FromAccountID, in.FromUser, in.Amount); err != nil {
			return nil, err
		}

		debit, credit, err := s.store.TransferPair(ctx, in.FromAccountID, in.ToAccountID, in.Amount, ledger.TxMeta{
			FromUser:  in.FromUser,
			ToUser:    in.ToUser,
			Reference: in.IdempotencyKey,
		})
		if err != nil {
			metrics.TransactionsTotal.WithLabelValues(ledger.TxTypeTransfer, "rejected").Inc()
			return nil, err
		}
		metrics.TransactionsTotal.WithLabelValues(ledger.TxTypeTransfer, "succeeded").Inc()

		_ = s.notifier.Publish(ctx, notification.NewEvent(notification.KindTransactionCreated, in.FromAccountID, debit))
		_ = s.notifier.Publish(ctx, notification.NewEvent(notification.KindTransactionCreated, in.ToAccountID, credit))
		return TransferResult{Debit: debit, Credit: credit}, nil
	})
	return out, err
}

// TopupInput names a deposit into an account.
type TopupInput struct {
	AccountID      string `json:"account_id"`
	Amount         int64  `json:"amount"`
	Source         string `json:"source"`
	IdempotencyKey string `json:"-"`
}

// Topup credits the account. Deposits need no permission row and are allowed
// even while the account is frozen.
func (s *Service) Topup(ctx context.Context, in TopupInput) (ledger.Transaction, error) {
	defer s.observe("topup", time.Now())

	var out ledger.Transaction
	err := s.runIdempotent(ctx, in.AccountID, "topup", in.IdempotencyKey, in, &out, func(ctx context.Context) (any, error) {
		if in.Amount <= 0 {
			return nil, tokenrequest.ErrInvalidAmount
		}
		tx, err := s.store.Apply(ctx, in.AccountID, in.Amount, ledger.TxMeta{
			Type:      ledger.TxTypeTopup,
			FromUser:  in.Source,
			Reference: in.IdempotencyKey,
		})
		if err != nil {
			metrics.TransactionsTotal.WithLabelValues(ledger.TxTypeTopup, "rejected").Inc()
			return nil, err
		}
		metrics.TransactionsTotal.WithLabelValues(ledger.TxTypeTopup, "succeeded").Inc()

		_ = s.notifier.Publish(ctx, notification.NewEvent(notification.KindTransactionCreated, in.AccountID, tx))
		return tx, nil
	})
	return out, err
}

func (s *Service) setFrozen(ctx context.Context, accountID, actor, reason string, frozen bool) (ledger.Account, error) {
	isAdmin, err := s.perms.IsAdmin(ctx, accountID, actor)
	if err != nil {
		return ledger.Account{}, err
	}
	if !isAdmin {
		return ledger.Account{}, permission.ErrAdminRequired
	}

	acc, err := s.store.SetFrozen(ctx, accountID, frozen, reason, actor)
	if err != nil {
		return ledger.Account{}, err
	}

	action := "account.unfrozen"
	kind := notification.KindAccountUnfrozen
	if frozen {
		action = "account.frozen"
		kind = notification.KindAccountFrozen
	}
	_, err = s.audit.Append(ctx, accountID, action, actor, map[string]any{"reason": reason})
	if err != nil {
		return ledger.Account{}, err
	}
	_ = s.notifier.Publish(ctx, notification.NewEvent(kind, accountID, acc))
	return acc, nil
}

// Freeze blocks outgoing debits on the account. Admin only.
func (s *Service) Freeze(ctx context.Context, accountID, actor, reason string) (ledger.Account, error) {
	return s.setFrozen(ctx, accountID, actor, reason, true)
}

// Unfreeze lifts a freeze. Admin only.
func (s *Service) Unfreeze(ctx context.Context, accountID, actor string) (ledger.Account, error) {
	return s.setFrozen(ctx, accountID, actor, "", false)
}

// EmergencyUnfreeze lifts a freeze given a quorum of distinct admin
// approvals collected out-of-band. Below quorum nothing changes.
func (s *Service) EmergencyUnfreeze(ctx context.Context, accountID string, approvals []string) (ledger.Account, error) {
	distinct := make(map[string]bool)
	for _, userID := range approvals {
		isAdmin, err := s.perms.IsAdmin(ctx, accountID, userID)
		if err != nil {
			return ledger.Account{}, err
		}
		if isAdmin {
			distinct[userID] = true
		}
	}
	if len(distinct) < s.unfreezeQuorum {
		return ledger.Account{}, fmt.Errorf("%d of %d approvals: %w", len(distinct), s.unfreezeQuorum, ErrQuorumNotMet)
	}

	acc, err := s.store.SetFrozen(ctx, accountID, false, "", "emergency")
	if err != nil {
		return ledger.Account{}, err
	}

	approvers := make([]string, 0, len(distinct))
	for userID := range distinct {
		approvers = append(approvers, userID)
	}
	_, err = s.audit.Append(ctx, accountID, "account.emergency_unfrozen", "emergency", map[string]any{
		"approvals": approvers,
	})
	if err != nil {
		return ledger.Account{}, err
	}
	_ = s.notifier.Publish(ctx, notification.NewEvent(notification.KindAccountUnfrozen, accountID, acc))
	return acc, nil
}

// GrantPermission creates a member's permission row. Admin only.
func (s *Service) GrantPermission(ctx context.Context, accountID, userID, role string, limit int64, canSpend bool, actor string) (permission.Permission, error) {
	p, err := s.perms.Grant(ctx, accountID, userID, role, limit, canSpend, actor)
	if err != nil {
		return permission.Permission{}, err
	}
	_ = s.notifier.Publish(ctx, notification.NewEvent(notification.KindPermissionUpdated, accountID, p))
	return p, nil
}

// UpdatePermission edits a member's spending rules. Admin only.
func (s *Service) UpdatePermission(ctx context.Context, accountID, targetUserID string, newLimit int64, newCanSpend bool, actor string) (permission.Permission, error) {
	p, err := s.perms.Update(ctx, accountID, targetUserID, newLimit, newCanSpend, actor)
	if err != nil {
		return permission.Permission{}, err
	}
	_ = s.notifier.Publish(ctx, notification.NewEvent(notification.KindPermissionUpdated, accountID, p))
	return p, nil
}

// Permissions lists the account's permission rows.
func (s *Service) Permissions(ctx context.Context, accountID string) ([]permission.Permission, error) {
	return s.perms.List(ctx, accountID)
}

// RequestInput names a token request creation.
type RequestInput struct {
	AccountID      string `json:"account_id"`
	Requester      string `json:"requester"`
	Amount         int64  `json:"amount"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"-"`
}

// CreateTokenRequest registers a member's spending request, auto-approving
// when policy allows.
func (s *Service) CreateTokenRequest(ctx context.Context, in RequestInput) (tokenrequest.Request, error) {
	defer s.observe("request_create", time.Now())

	var out tokenrequest.Request
	err := s.runIdempotent(ctx, in.AccountID, "request_create", in.IdempotencyKey, in, &out, func(ctx context.Context) (any, error) {
		req, err := s.requests.Create(ctx, in.AccountID, in.Requester, in.Amount, in.Reason)
		if err != nil {
			return nil, err
		}
		metrics.TokenRequestsTotal.WithLabelValues(req.Status).Inc()
		return req, nil
	})
	return out, err
}

// ReviewInput names an admin decision on a pending request.
type ReviewInput struct {
	RequestID      string `json:"request_id"`
	Reviewer       string `json:"reviewer"`
	Decision       string `json:"decision"`
	Comments       string `json:"comments"`
	IdempotencyKey string `json:"-"`
}

// ReviewTokenRequest applies an admin decision.
func (s *Service) ReviewTokenRequest(ctx context.Context, in ReviewInput) (tokenrequest.Request, error) {
	defer s.observe("request_review", time.Now())

	req, err := s.requests.Get(ctx, in.RequestID)
	if err != nil {
		return tokenrequest.Request{}, err
	}

	var out tokenrequest.Request
	err = s.runIdempotent(ctx, req.AccountID, "request_review", in.IdempotencyKey, in, &out, func(ctx context.Context) (any, error) {
		reviewed, err := s.requests.Review(ctx, in.RequestID, in.Reviewer, in.Decision, in.Comments)
		if err != nil {
			return nil, err
		}
		metrics.TokenRequestsTotal.WithLabelValues(reviewed.Status).Inc()
		return reviewed, nil
	})
	return out, err
}

// GetTokenRequest fetches a request by id.
func (s *Service) GetTokenRequest(ctx context.Context, requestID string) (tokenrequest.Request, error) {
	return s.requests.Get(ctx, requestID)
}

// TokenRequests lists recent requests on the account.
func (s *Service) TokenRequests(ctx context.Context, accountID string, limit int) ([]tokenrequest.Request, error) {
	return s.requests.ListByAccount(ctx, accountID, limit)
}

// AuditEntries returns the account's audit chain for compliance export.
func (s *Service) AuditEntries(ctx context.Context, accountID string) ([]audit.Entry, error) {
	return s.audit.Entries(ctx, accountID)
}

// VerifyAuditIntegrity recomputes the account's audit chain.
func (s *Service) VerifyAuditIntegrity(ctx context.Context, accountID string) (int, error) {
	return s.audit.VerifyIntegrity(ctx, accountID)
}

// Reconcile checks the account's ledger self-consistency. A divergence is
// fatal: the account is suspended for writes, the mismatch is alerted, and
// it is never silently corrected.
func (s *Service) Reconcile(ctx context.Context, accountID string) (bool, error) {
	ok, err := s.store.Reconcile(ctx, accountID)
	if err != nil && !errors.Is(err, ledger.ErrLedgerDivergence) {
		return false, err
	}
	if !ok {
		metrics.LedgerDivergenceTotal.Inc()
		s.logger.Error("ledger divergence",
			slog.String("account_id", accountID), slog.Any("error", err))
		_ = s.notifier.Publish(ctx, notification.NewEvent(notification.KindLedgerDivergence, accountID, map[string]any{
			"account_id": accountID,
		}))
		return false, err
	}
	return true, nil
}
