package store

import (
	"context"
	"testing"
	"time"

	"github.com/dukerupert/tapledger/internal/database"
	"github.com/dukerupert/tapledger/internal/model"
)

func setupPushTestDB(t *testing.T) *PushStore {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPushStore(db)
}

func TestPushSubscribe(t *testing.T) {
	ps := setupPushTestDB(t)
	ctx := context.Background()

	sub, err := ps.Subscribe(ctx, "https://push.example.com/sub1", "p256dh_key1", "auth_key1", "Supervisor Phone")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if sub.ID == 0 {
		t.Error("expected non-zero ID")
	}
	if sub.DeviceName != "Supervisor Phone" {
		t.Errorf("device_name = %q, want %q", sub.DeviceName, "Supervisor Phone")
	}

	// Same endpoint refreshes keys instead of duplicating.
	again, err := ps.Subscribe(ctx, "https://push.example.com/sub1", "p256dh_key2", "auth_key2", "Supervisor Phone")
	if err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	if again.ID != sub.ID {
		t.Errorf("id = %d, want %d", again.ID, sub.ID)
	}
	if again.P256dhKey != "p256dh_key2" || again.AuthKey != "auth_key2" {
		t.Errorf("keys = %q %q, want refreshed", again.P256dhKey, again.AuthKey)
	}

	subs, err := ps.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(subs) != 1 {
		t.Errorf("len = %d, want 1", len(subs))
	}
}

func TestPushDelete(t *testing.T) {
	ps := setupPushTestDB(t)
	ctx := context.Background()

	a, _ := ps.Subscribe(ctx, "https://push.example.com/a", "k", "a", "")
	ps.Subscribe(ctx, "https://push.example.com/b", "k", "a", "")

	found, err := ps.Delete(ctx, a.ID)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !found {
		t.Error("expected subscription to exist")
	}
	if found, _ := ps.Delete(ctx, a.ID); found {
		t.Error("second delete should report not found")
	}

	if err := ps.DeleteByEndpoint(ctx, "https://push.example.com/b"); err != nil {
		t.Fatalf("delete by endpoint: %v", err)
	}
	subs, _ := ps.List(ctx)
	if len(subs) != 0 {
		t.Errorf("len = %d, want 0", len(subs))
	}
}

func TestPushClaimSent(t *testing.T) {
	ps := setupPushTestDB(t)
	ctx := context.Background()

	first, err := ps.ClaimSent(ctx, model.NotifTypePendingCheckout, "2025-10-23")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !first {
		t.Error("first claim should succeed")
	}
	if again, _ := ps.ClaimSent(ctx, model.NotifTypePendingCheckout, "2025-10-23"); again {
		t.Error("second claim for the same reference should fail")
	}
	if other, _ := ps.ClaimSent(ctx, model.NotifTypePendingCheckout, "2025-10-24"); !other {
		t.Error("claim for a different reference should succeed")
	}

	if err := ps.CleanupSent(ctx, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if again, _ := ps.ClaimSent(ctx, model.NotifTypePendingCheckout, "2025-10-23"); !again {
		t.Error("claim after cleanup should succeed")
	}
}
