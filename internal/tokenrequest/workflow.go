package tokenrequest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/famwallet/famwallet/internal/audit"
	"github.com/famwallet/famwallet/internal/ledger"
	"github.com/famwallet/famwallet/internal/notification"
	"github.com/famwallet/famwallet/internal/permission"
)

// Workflow orchestrates the request -> (auto-approve | pending) ->
// approve/deny -> payout pipeline.
type Workflow struct {
	repo     Repository
	store    ledger.Store
	perms    *permission.Registry
	audit    *audit.Log
	notifier notification.Notifier
	policy   Policy
	logger   *slog.Logger
}

// NewWorkflow builds the token request workflow.
func NewWorkflow(repo Repository, store ledger.Store, perms *permission.Registry, auditLog *audit.Log, notifier notification.Notifier, policy Policy, logger *slog.Logger) *Workflow {
	return &Workflow{repo: repo, store: store, perms: perms, audit: auditLog, notifier: notifier, policy: policy, logger: logger}
}

// Get fetches a request by id.
func (w *Workflow) Get(ctx context.Context, id string) (Request, error) {
	return w.repo.Get(ctx, id)
}

// ListByAccount returns recent requests for the account, newest first.
func (w *Workflow) ListByAccount(ctx context.Context, accountID string, limit int) ([]Request, error) {
	return w.repo.ListByAccount(ctx, accountID, limit)
}

// Create registers a spending request. The row is always created, even when
// the auto-approval policy matches, so the audit trail shows every ask; the
// auto-approved request transitions synchronously and pays out before Create
// returns. A ledger failure during auto-payout leaves the request pending
// for manual review rather than failing the creation.
func (w *Workflow) Create(ctx context.Context, accountID, requester string, amount int64, reason string) (Request, error) {
	if amount <= 0 {
		return Request{}, ErrInvalidAmount
	}
	if w.policy.RequestCeiling > 0 && amount > w.policy.RequestCeiling {
		return Request{}, ErrCeilingExceeded
	}
	if _, err := w.store.Account(ctx, accountID); err != nil {
		return Request{}, err
	}

	now := time.Now().UTC()
	req := Request{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		RequestedBy: requester,
		Amount:      amount,
		Reason:      reason,
		Status:      StatusPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(w.policy.RequestTTL),
	}
	if err := w.repo.Create(ctx, req); err != nil {
		return Request{}, err
	}

	_, err := w.audit.Append(ctx, accountID, "request.created", requester, map[string]any{
		"request_id": req.ID,
		"amount":     amount,
		"reason":     reason,
	})
	if err != nil {
		return Request{}, err
	}

	if w.policy.autoApproves(ctx, w.repo, accountID, requester, amount) {
		approved, err := w.approve(ctx, req, AutoReviewer, "auto-approved by policy")
		if err == nil {
			return approved, nil
		}
		w.logger.Warn("auto-approval payout failed, request left pending",
			slog.String("request_id", req.ID), slog.Any("error", err))
	}

	_ = w.notifier.Publish(ctx, notification.NewEvent(notification.KindRequestCreated, accountID, req))
	return req, nil
}

// Review applies an admin decision to a pending request. Approving debits the
// account referencing the request id; a ledger rejection (insufficient funds,
// frozen) aborts the transition so the request stays pending and can be
// retried once the condition clears.
func (w *Workflow) Review(ctx context.Context, requestID, reviewer, decision, comments string) (Request, error) {
	req, err := w.repo.Get(ctx, requestID)
	if err != nil {
		return Request{}, err
	}
	if req.Status != StatusPending {
		return Request{}, ErrAlreadyReviewed
	}
	if time.Now().After(req.ExpiresAt) {
		// Sweep may not have run yet; transition now and report expiry.
		if _, err := w.repo.Transition(ctx, req.ID, StatusExpired, "", "", time.Now().UTC()); err != nil {
			return Request{}, err
		}
		return Request{}, ErrRequestExpired
	}

	isAdmin, err := w.perms.IsAdmin(ctx, req.AccountID, reviewer)
	if err != nil {
		return Request{}, err
	}
	if !isAdmin {
		return Request{}, permission.ErrAdminRequired
	}

	switch decision {
	case DecisionApprove:
		return w.approve(ctx, req, reviewer, comments)
	case DecisionDeny:
		return w.deny(ctx, req, reviewer, comments)
	default:
		return Request{}, fmt.Errorf("unknown decision %q", decision)
	}
}

func (w *Workflow) approve(ctx context.Context, req Request, reviewer, comments string) (Request, error) {
	// Claim the pending row first so racing reviewers cannot both pay out;
	// the CAS loser gets ErrAlreadyReviewed before touching the ledger.
	updated, err := w.repo.Transition(ctx, req.ID, StatusApproved, reviewer, comments, time.Now().UTC())
	if err != nil {
		return Request{}, err
	}

	tx, err := w.store.Apply(ctx, req.AccountID, -req.Amount, ledger.TxMeta{
		Type:      ledger.TxTypeApprovalPayout,
		FromUser:  req.RequestedBy,
		ToUser:    req.RequestedBy,
		Reference: req.ID,
	})
	if err != nil {
		// Rejected payout aborts the transition: the request returns to
		// pending and can be retried once funds or freeze state allow.
		if revertErr := w.repo.RevertToPending(ctx, req.ID); revertErr != nil {
			w.logger.Error("revert after failed payout",
				slog.String("request_id", req.ID), slog.Any("error", revertErr))
		}
		return Request{}, err
	}

	_, err = w.audit.Append(ctx, req.AccountID, "request.approved", reviewer, map[string]any{
		"request_id":     req.ID,
		"amount":         req.Amount,
		"transaction_id": tx.ID,
		"comments":       comments,
	})
	if err != nil {
		return Request{}, err
	}

	_ = w.notifier.Publish(ctx, notification.NewEvent(notification.KindTransactionCreated, req.AccountID, tx))
	_ = w.notifier.Publish(ctx, notification.NewEvent(notification.KindRequestReviewed, req.AccountID, updated))
	return updated, nil
}

func (w *Workflow) deny(ctx context.Context, req Request, reviewer, comments string) (Request, error) {
	updated, err := w.repo.Transition(ctx, req.ID, StatusDenied, reviewer, comments, time.Now().UTC())
	if err != nil {
		return Request{}, err
	}

	_, err = w.audit.Append(ctx, req.AccountID, "request.denied", reviewer, map[string]any{
		"request_id": req.ID,
		"amount":     req.Amount,
		"comments":   comments,
	})
	if err != nil {
		return Request{}, err
	}

	_ = w.notifier.Publish(ctx, notification.NewEvent(notification.KindRequestReviewed, req.AccountID, updated))
	return updated, nil
}

// ExpireDue transitions all pending requests past their expiry. Idempotent
// and safe to run from several workers: the pending->expired CAS means a row
// already moved by a racing worker is simply skipped.
func (w *Workflow) ExpireDue(ctx context.Context) (int, error) {
	ids, err := w.repo.PendingPastExpiry(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, id := range ids {
		if _, err := w.repo.Transition(ctx, id, StatusExpired, "", "", time.Now().UTC()); err != nil {
			if errors.Is(err, ErrAlreadyReviewed) {
				continue
			}
			return expired, err
		}
		expired++
	}
	return expired, nil
}
