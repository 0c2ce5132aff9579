package famledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/famwallet/famwallet/internal/audit"
	"github.com/famwallet/famwallet/internal/idempotency"
	"github.com/famwallet/famwallet/internal/ledger"
	"github.com/famwallet/famwallet/internal/logging"
	"github.com/famwallet/famwallet/internal/notification"
	"github.com/famwallet/famwallet/internal/permission"
	"github.com/famwallet/famwallet/internal/tokenrequest"
)

type fixture struct {
	svc     *Service
	store   ledger.Store
	account ledger.Account
	member  ledger.Account
	events  *capturingNotifier
}

type capturingNotifier struct {
	events []notification.Event
}

func (n *capturingNotifier) Publish(_ context.Context, event notification.Event) error {
	n.events = append(n.events, event)
	return nil
}

func (n *capturingNotifier) kinds() []string {
	out := make([]string, len(n.events))
	for i, e := range n.events {
		out[i] = e.Kind
	}
	return out
}

func newServiceFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := logging.Discard()

	store := ledger.NewInMemory()
	auditLog := audit.NewLog(audit.NewMemoryRepository())
	perms := permission.NewRegistry(permission.NewMemoryRepository(), auditLog)
	events := &capturingNotifier{}
	workflow := tokenrequest.NewWorkflow(tokenrequest.NewMemoryRepository(), store, perms, auditLog, events,
		tokenrequest.Policy{RequestTTL: 7 * 24 * time.Hour, RequestCeiling: 10_000}, logger)

	svc := NewService(store, perms, idempotency.NewMemoryIndex(), auditLog, workflow, events, 2, logger)

	acc, err := svc.CreateAccount(ctx, "fam-42", "family_42", "The 42s", "admin-1")
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	member, err := store.CreateAccount(ctx, "fam-42", "member_wallet", "")
	if err != nil {
		t.Fatalf("create member account: %v", err)
	}

	return &fixture{svc: svc, store: store, account: acc, member: member, events: events}
}

func (f *fixture) grantMember(t *testing.T, userID string, limit int64, canSpend bool) {
	t.Helper()
	if _, err := f.svc.GrantPermission(context.Background(), f.account.ID, userID, permission.RoleMember, limit, canSpend, "admin-1"); err != nil {
		t.Fatalf("grant member: %v", err)
	}
}

func (f *fixture) transfer(user string, amount int64, key string) (TransferResult, error) {
	return f.svc.Transfer(context.Background(), TransferInput{
		FromAccountID:  f.account.ID,
		ToAccountID:    f.member.ID,
		FromUser:       user,
		ToUser:         user,
		Amount:         amount,
		IdempotencyKey: key,
	})
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	acc, err := f.svc.GetAccount(context.Background(), f.account.ID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	return acc.Balance
}

// Mirrors the canonical family_42 walkthrough: topup, limit rejection,
// member spend, freeze, blocked debit, unfreeze, spend again.
func TestEndToEndScenario(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.grantMember(t, "member-M", 100, true)

	if _, err := f.svc.Topup(ctx, TopupInput{AccountID: f.account.ID, Amount: 1000, Source: "bank", IdempotencyKey: "top-1"}); err != nil {
		t.Fatalf("topup: %v", err)
	}
	if got := f.balance(t); got != 1000 {
		t.Fatalf("after topup: balance %d", got)
	}
	txs, _ := f.svc.Transactions(ctx, f.account.ID, 0)
	if len(txs) != 1 {
		t.Fatalf("expected one transaction, got %d", len(txs))
	}

	if _, err := f.transfer("member-M", 150, "t-1"); !errors.Is(err, permission.ErrLimitExceeded) {
		t.Fatalf("expected limit exceeded, got %v", err)
	}
	if got := f.balance(t); got != 1000 {
		t.Fatalf("balance changed on rejected transfer: %d", got)
	}

	res, err := f.transfer("member-M", 80, "t-2")
	if err != nil {
		t.Fatalf("transfer 80: %v", err)
	}
	if res.Debit.Amount != -80 || res.Debit.BalanceAfter != 920 {
		t.Fatalf("unexpected debit leg: %+v", res.Debit)
	}
	if got := f.balance(t); got != 920 {
		t.Fatalf("after transfer: balance %d", got)
	}

	frozen, err := f.svc.Freeze(ctx, f.account.ID, "admin-1", "audit")
	if err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if !frozen.Frozen || frozen.FreezeReason != "audit" {
		t.Fatalf("unexpected freeze state: %+v", frozen)
	}

	if _, err := f.transfer("member-M", 10, "t-3"); !errors.Is(err, ledger.ErrAccountFrozen) {
		t.Fatalf("expected frozen error, got %v", err)
	}
	if got := f.balance(t); got != 920 {
		t.Fatalf("balance changed while frozen: %d", got)
	}

	if _, err := f.svc.Unfreeze(ctx, f.account.ID, "admin-1"); err != nil {
		t.Fatalf("unfreeze: %v", err)
	}
	if _, err := f.transfer("member-M", 10, "t-4"); err != nil {
		t.Fatalf("transfer after unfreeze: %v", err)
	}
	if got := f.balance(t); got != 910 {
		t.Fatalf("final balance %d, want 910", got)
	}
}

func TestTransferIdempotentReplay(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.grantMember(t, "member-M", permission.SpendingUnlimited, true)

	if _, err := f.svc.Topup(ctx, TopupInput{AccountID: f.account.ID, Amount: 1000, IdempotencyKey: "top-1"}); err != nil {
		t.Fatalf("topup: %v", err)
	}

	first, err := f.transfer("member-M", 100, "replay-key")
	if err != nil {
		t.Fatalf("first transfer: %v", err)
	}
	second, err := f.transfer("member-M", 100, "replay-key")
	if err != nil {
		t.Fatalf("replayed transfer: %v", err)
	}

	if first.Debit.ID != second.Debit.ID {
		t.Fatalf("replay produced a different transaction: %s vs %s", first.Debit.ID, second.Debit.ID)
	}
	if got := f.balance(t); got != 900 {
		t.Fatalf("balance debited twice: %d", got)
	}

	// Same key, different arguments is a caller error.
	if _, err := f.transfer("member-M", 200, "replay-key"); !errors.Is(err, idempotency.ErrKeyConflict) {
		t.Fatalf("expected key conflict, got %v", err)
	}
}

func TestFailedTransferReplaysOriginalFailure(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.grantMember(t, "member-M", permission.SpendingUnlimited, true)

	if _, err := f.svc.Topup(ctx, TopupInput{AccountID: f.account.ID, Amount: 50, IdempotencyKey: "top-1"}); err != nil {
		t.Fatalf("topup: %v", err)
	}

	if _, err := f.transfer("member-M", 100, "fail-key"); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}

	// Replay surfaces the stored failure even after the account gains funds.
	if _, err := f.svc.Topup(ctx, TopupInput{AccountID: f.account.ID, Amount: 1000, IdempotencyKey: "top-2"}); err != nil {
		t.Fatalf("second topup: %v", err)
	}
	if _, err := f.transfer("member-M", 100, "fail-key"); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected replayed failure, got %v", err)
	}
	if got := f.balance(t); got != 1050 {
		t.Fatalf("replayed failure mutated balance: %d", got)
	}
}

func TestTopupAllowedWhileFrozen(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Freeze(ctx, f.account.ID, "admin-1", "hold"); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	tx, err := f.svc.Topup(ctx, TopupInput{AccountID: f.account.ID, Amount: 500, IdempotencyKey: "top-1"})
	if err != nil {
		t.Fatalf("topup while frozen: %v", err)
	}
	if tx.BalanceAfter != 500 {
		t.Fatalf("expected balance 500, got %d", tx.BalanceAfter)
	}
}

func TestFreezeRequiresAdmin(t *testing.T) {
	f := newServiceFixture(t)
	f.grantMember(t, "member-M", 100, true)

	if _, err := f.svc.Freeze(context.Background(), f.account.ID, "member-M", "nope"); !errors.Is(err, permission.ErrAdminRequired) {
		t.Fatalf("expected admin-required, got %v", err)
	}
}

func TestEmergencyUnfreezeQuorum(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	if _, err := f.svc.GrantPermission(ctx, f.account.ID, "admin-2", permission.RoleAdmin, permission.SpendingUnlimited, true, "admin-1"); err != nil {
		t.Fatalf("grant second admin: %v", err)
	}
	f.grantMember(t, "member-M", 100, true)

	if _, err := f.svc.Freeze(ctx, f.account.ID, "admin-1", "incident"); err != nil {
		t.Fatalf("freeze: %v", err)
	}

	// One admin, and a member approval that does not count.
	if _, err := f.svc.EmergencyUnfreeze(ctx, f.account.ID, []string{"admin-1", "member-M"}); !errors.Is(err, ErrQuorumNotMet) {
		t.Fatalf("expected quorum not met, got %v", err)
	}
	// Duplicate approvals do not count twice.
	if _, err := f.svc.EmergencyUnfreeze(ctx, f.account.ID, []string{"admin-1", "admin-1"}); !errors.Is(err, ErrQuorumNotMet) {
		t.Fatalf("expected quorum not met for duplicates, got %v", err)
	}

	acc, err := f.svc.EmergencyUnfreeze(ctx, f.account.ID, []string{"admin-1", "admin-2"})
	if err != nil {
		t.Fatalf("emergency unfreeze: %v", err)
	}
	if acc.Frozen {
		t.Fatal("account still frozen after quorum met")
	}
}

func TestEventsEmitted(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.grantMember(t, "member-M", 100, true)

	if _, err := f.svc.Topup(ctx, TopupInput{AccountID: f.account.ID, Amount: 1000, IdempotencyKey: "top-1"}); err != nil {
		t.Fatalf("topup: %v", err)
	}
	if _, err := f.svc.Freeze(ctx, f.account.ID, "admin-1", "audit"); err != nil {
		t.Fatalf("freeze: %v", err)
	}

	var sawTx, sawFrozen, sawPerm bool
	for _, kind := range f.events.kinds() {
		switch kind {
		case notification.KindTransactionCreated:
			sawTx = true
		case notification.KindAccountFrozen:
			sawFrozen = true
		case notification.KindPermissionUpdated:
			sawPerm = true
		}
	}
	if !sawTx || !sawFrozen || !sawPerm {
		t.Fatalf("missing events, got %v", f.events.kinds())
	}

	for _, e := range f.events.events {
		if e.ID == "" {
			t.Fatalf("event without id: %+v", e)
		}
	}
}

func TestReconcileAlertsOnDivergence(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Topup(ctx, TopupInput{AccountID: f.account.ID, Amount: 1000, IdempotencyKey: "top-1"}); err != nil {
		t.Fatalf("topup: %v", err)
	}

	ok, err := f.svc.Reconcile(ctx, f.account.ID)
	if err != nil || !ok {
		t.Fatalf("expected clean reconcile, got ok=%v err=%v", ok, err)
	}

	ledger.SeedBalance(f.store, f.account.ID, 1)
	ok, err = f.svc.Reconcile(ctx, f.account.ID)
	if ok || !errors.Is(err, ledger.ErrLedgerDivergence) {
		t.Fatalf("expected divergence, got ok=%v err=%v", ok, err)
	}

	var alerted bool
	for _, kind := range f.events.kinds() {
		if kind == notification.KindLedgerDivergence {
			alerted = true
		}
	}
	if !alerted {
		t.Fatal("no divergence alert emitted")
	}

	// Writes stay suspended.
	if _, err := f.svc.Topup(ctx, TopupInput{AccountID: f.account.ID, Amount: 10, IdempotencyKey: "top-2"}); !errors.Is(err, ledger.ErrAccountSuspended) {
		t.Fatalf("expected suspended error, got %v", err)
	}
}

func TestAuditTrailCoversAdminActions(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.grantMember(t, "member-M", 100, true)

	if _, err := f.svc.UpdatePermission(ctx, f.account.ID, "member-M", 250, true, "admin-1"); err != nil {
		t.Fatalf("update permission: %v", err)
	}
	if _, err := f.svc.Freeze(ctx, f.account.ID, "admin-1", "audit"); err != nil {
		t.Fatalf("freeze: %v", err)
	}

	idx, err := f.svc.VerifyAuditIntegrity(ctx, f.account.ID)
	if err != nil || idx != -1 {
		t.Fatalf("audit chain not clean: idx=%d err=%v", idx, err)
	}

	entries, err := f.svc.AuditEntries(ctx, f.account.ID)
	if err != nil {
		t.Fatalf("audit entries: %v", err)
	}
	actions := make(map[string]bool)
	for _, e := range entries {
		actions[e.Action] = true
	}
	for _, want := range []string{"permission.granted", "permission.updated", "account.frozen"} {
		if !actions[want] {
			t.Fatalf("missing audit action %s in %v", want, actions)
		}
	}
}
