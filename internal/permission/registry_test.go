package permission

import (
	"context"
	"errors"
	"testing"

	"github.com/famwallet/famwallet/internal/audit"
)

func newTestRegistry(t *testing.T) (*Registry, *audit.Log) {
	t.Helper()
	log := audit.NewLog(audit.NewMemoryRepository())
	return NewRegistry(NewMemoryRepository(), log), log
}

func seedAdmin(t *testing.T, r *Registry, accountID, userID string) {
	t.Helper()
	if _, err := r.Bootstrap(context.Background(), accountID, userID); err != nil {
		t.Fatalf("bootstrap admin: %v", err)
	}
}

func TestCheckSpendAdminBypassesLimits(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	seedAdmin(t, r, "acct-1", "mom")

	if err := r.CheckSpend(ctx, "acct-1", "mom", 1_000_000); err != nil {
		t.Fatalf("admin spend should always pass, got %v", err)
	}
}

func TestCheckSpendMemberLimit(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	seedAdmin(t, r, "acct-1", "mom")

	if _, err := r.Grant(ctx, "acct-1", "kid", RoleMember, 100, true, "mom"); err != nil {
		t.Fatalf("grant: %v", err)
	}

	if err := r.CheckSpend(ctx, "acct-1", "kid", 100); err != nil {
		t.Fatalf("spend at limit should pass, got %v", err)
	}
	if err := r.CheckSpend(ctx, "acct-1", "kid", 101); !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("expected ErrLimitExceeded, got %v", err)
	}
}

func TestCheckSpendCannotSpendFlag(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	seedAdmin(t, r, "acct-1", "mom")

	if _, err := r.Grant(ctx, "acct-1", "kid", RoleMember, 100, false, "mom"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := r.CheckSpend(ctx, "acct-1", "kid", 1); !errors.Is(err, ErrCannotSpend) {
		t.Fatalf("expected ErrCannotSpend, got %v", err)
	}
}

func TestCheckSpendUnlimitedMember(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	seedAdmin(t, r, "acct-1", "mom")

	if _, err := r.Grant(ctx, "acct-1", "teen", RoleMember, SpendingUnlimited, true, "mom"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := r.CheckSpend(ctx, "acct-1", "teen", 999_999); err != nil {
		t.Fatalf("unlimited member should pass, got %v", err)
	}
}

func TestCheckSpendUnknownUser(t *testing.T) {
	r, _ := newTestRegistry(t)

	err := r.CheckSpend(context.Background(), "acct-1", "stranger", 1)
	if !errors.Is(err, ErrNoPermission) {
		t.Fatalf("expected ErrNoPermission, got %v", err)
	}
}

func TestGrantRequiresAdmin(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	seedAdmin(t, r, "acct-1", "mom")
	if _, err := r.Grant(ctx, "acct-1", "kid", RoleMember, 100, true, "mom"); err != nil {
		t.Fatalf("grant: %v", err)
	}

	if _, err := r.Grant(ctx, "acct-1", "friend", RoleMember, 50, true, "kid"); !errors.Is(err, ErrAdminRequired) {
		t.Fatalf("member grant should fail with ErrAdminRequired, got %v", err)
	}
	if _, err := r.Grant(ctx, "acct-1", "friend", RoleMember, 50, true, "stranger"); !errors.Is(err, ErrAdminRequired) {
		t.Fatalf("stranger grant should fail with ErrAdminRequired, got %v", err)
	}
}

func TestUpdateRequiresAdminAndTakesEffect(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	seedAdmin(t, r, "acct-1", "mom")
	if _, err := r.Grant(ctx, "acct-1", "kid", RoleMember, 100, true, "mom"); err != nil {
		t.Fatalf("grant: %v", err)
	}

	if _, err := r.Update(ctx, "acct-1", "kid", 200, true, "kid"); !errors.Is(err, ErrAdminRequired) {
		t.Fatalf("self-update should fail with ErrAdminRequired, got %v", err)
	}

	updated, err := r.Update(ctx, "acct-1", "kid", 200, true, "mom")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.SpendingLimit != 200 {
		t.Fatalf("limit = %d, want 200", updated.SpendingLimit)
	}
	if err := r.CheckSpend(ctx, "acct-1", "kid", 150); err != nil {
		t.Fatalf("spend under new limit should pass, got %v", err)
	}
}

func TestUpdateUnknownTarget(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	seedAdmin(t, r, "acct-1", "mom")

	if _, err := r.Update(ctx, "acct-1", "ghost", 10, true, "mom"); !errors.Is(err, ErrNoPermission) {
		t.Fatalf("expected ErrNoPermission, got %v", err)
	}
}

func TestEditsAreAudited(t *testing.T) {
	r, log := newTestRegistry(t)
	ctx := context.Background()
	seedAdmin(t, r, "acct-1", "mom")

	if _, err := r.Grant(ctx, "acct-1", "kid", RoleMember, 100, true, "mom"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if _, err := r.Update(ctx, "acct-1", "kid", 50, false, "mom"); err != nil {
		t.Fatalf("update: %v", err)
	}

	entries, err := log.Entries(ctx, "acct-1")
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	var actions []string
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	want := []string{"permission.granted", "permission.granted", "permission.updated"}
	if len(actions) != len(want) {
		t.Fatalf("audit actions = %v, want %v", actions, want)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Fatalf("audit actions = %v, want %v", actions, want)
		}
	}
	if entries[2].Actor != "mom" {
		t.Fatalf("update actor = %q, want mom", entries[2].Actor)
	}
}

func TestIsAdmin(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	seedAdmin(t, r, "acct-1", "mom")
	if _, err := r.Grant(ctx, "acct-1", "kid", RoleMember, 100, true, "mom"); err != nil {
		t.Fatalf("grant: %v", err)
	}

	cases := []struct {
		user string
		want bool
	}{
		{"mom", true},
		{"kid", false},
		{"stranger", false},
	}
	for _, tc := range cases {
		got, err := r.IsAdmin(ctx, "acct-1", tc.user)
		if err != nil {
			t.Fatalf("IsAdmin(%s): %v", tc.user, err)
		}
		if got != tc.want {
			t.Fatalf("IsAdmin(%s) = %v, want %v", tc.user, got, tc.want)
		}
	}
}
