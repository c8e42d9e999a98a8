//go:build integration

package reputation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bidlane/bidlane/internal/testutil"
)

func setupPostgres(t *testing.T) (*PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	return NewPostgresStore(db), cleanup
}

func TestPostgres_ProfileNotFound(t *testing.T) {
	store, cleanup := setupPostgres(t)
	defer cleanup()

	if _, err := store.GetProfile(context.Background(), "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgres_SaveProfileUpsert(t *testing.T) {
	store, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	p := &Profile{UserID: "buyer1", Score: 55, UpdatedAt: time.Now().UTC()}
	if err := store.SaveProfile(ctx, p); err != nil {
		t.Fatalf("SaveProfile failed: %v", err)
	}

	p.Score = 70
	if err := store.SaveProfile(ctx, p); err != nil {
		t.Fatalf("SaveProfile upsert failed: %v", err)
	}

	got, err := store.GetProfile(ctx, "buyer1")
	if err != nil {
		t.Fatalf("GetProfile failed: %v", err)
	}
	if got.Score != 70 {
		t.Errorf("score = %d, want 70", got.Score)
	}
	if got.Tier != TierTrusted {
		t.Errorf("tier = %s, want %s", got.Tier, TierTrusted)
	}
	if len(got.Badges) != 0 {
		t.Errorf("badges = %v, want empty", got.Badges)
	}
}

func TestPostgres_GrantBadgeIdempotent(t *testing.T) {
	store, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	p := &Profile{UserID: "seller1", Score: 50, UpdatedAt: time.Now().UTC()}
	if err := store.SaveProfile(ctx, p); err != nil {
		t.Fatalf("SaveProfile failed: %v", err)
	}

	granted, err := store.GrantBadge(ctx, "seller1", "smooth_settlement")
	if err != nil {
		t.Fatalf("GrantBadge failed: %v", err)
	}
	if !granted {
		t.Error("first grant should report newly granted")
	}

	granted, err = store.GrantBadge(ctx, "seller1", "smooth_settlement")
	if err != nil {
		t.Fatalf("GrantBadge failed: %v", err)
	}
	if granted {
		t.Error("second grant should be a no-op")
	}

	got, err := store.GetProfile(ctx, "seller1")
	if err != nil {
		t.Fatalf("GetProfile failed: %v", err)
	}
	if len(got.Badges) != 1 || got.Badges[0] != "smooth_settlement" {
		t.Errorf("badges = %v", got.Badges)
	}

	keys, err := store.ListBadges(ctx, "seller1")
	if err != nil {
		t.Fatalf("ListBadges failed: %v", err)
	}
	if len(keys) != 1 {
		t.Errorf("ListBadges = %v", keys)
	}
}
