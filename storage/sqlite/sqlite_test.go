package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/relaymind/connect/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testIntegration(userID, provider string) *storage.Integration {
	expires := time.Now().Add(time.Hour)
	return &storage.Integration{
		UserID:        userID,
		Provider:      provider,
		Scopes:        []string{"calendar.read", "mail.read"},
		AccessSecret:  "sealed-access",
		RefreshSecret: "sealed-refresh",
		ExpiresAt:     &expires,
	}
}

func TestStore_UpsertAndGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec, err := s.UpsertActive(ctx, testIntegration("user-1", "google"))
	if err != nil {
		t.Fatalf("UpsertActive() error = %v", err)
	}
	if rec.ID == "" || rec.Version != 1 || rec.Status != storage.StatusActive {
		t.Errorf("unexpected record: %+v", rec)
	}

	got, err := s.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.AccessSecret != "sealed-access" {
		t.Errorf("AccessSecret = %q", got.AccessSecret)
	}
	if len(got.Scopes) != 2 {
		t.Errorf("Scopes = %v", got.Scopes)
	}
	if got.ExpiresAt == nil {
		t.Error("ExpiresAt lost in round trip")
	}

	// Overwrite in place on re-consent.
	in := testIntegration("user-1", "google")
	in.AccessSecret = "sealed-v2"
	rec2, err := s.UpsertActive(ctx, in)
	if err != nil {
		t.Fatalf("second UpsertActive() error = %v", err)
	}
	if rec2.ID != rec.ID || rec2.Version != 2 {
		t.Errorf("overwrite: ID=%q Version=%d, want same ID version 2", rec2.ID, rec2.Version)
	}

	if _, err := s.Get(ctx, "missing"); err != storage.ErrIntegrationNotFound {
		t.Errorf("Get(missing) error = %v, want ErrIntegrationNotFound", err)
	}
}

func TestStore_CompareAndUpdate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	rec, _ := s.UpsertActive(ctx, testIntegration("user-1", "google"))

	updated, err := s.CompareAndUpdate(ctx, rec.ID, rec.Version, func(i *storage.Integration) {
		i.AccessSecret = "sealed-refreshed"
		i.LastSyncAt = time.Now()
	})
	if err != nil {
		t.Fatalf("CompareAndUpdate() error = %v", err)
	}
	if updated.Version != rec.Version+1 {
		t.Errorf("Version = %d, want %d", updated.Version, rec.Version+1)
	}

	if _, err := s.CompareAndUpdate(ctx, rec.ID, rec.Version, func(i *storage.Integration) {}); err != storage.ErrVersionConflict {
		t.Errorf("stale update error = %v, want ErrVersionConflict", err)
	}

	got, _ := s.Get(ctx, rec.ID)
	if got.AccessSecret != "sealed-refreshed" {
		t.Errorf("AccessSecret = %q", got.AccessSecret)
	}
}

func TestStore_ListExpiring(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	soon := testIntegration("user-1", "google")
	soonAt := time.Now().Add(time.Minute)
	soon.ExpiresAt = &soonAt
	stored, _ := s.UpsertActive(ctx, soon)

	nonExpiring := testIntegration("user-2", "notion")
	nonExpiring.ExpiresAt = nil
	s.UpsertActive(ctx, nonExpiring)

	out, err := s.ListExpiring(ctx, time.Now().Add(5*time.Minute))
	if err != nil {
		t.Fatalf("ListExpiring() error = %v", err)
	}
	if len(out) != 1 || out[0].ID != stored.ID {
		t.Errorf("ListExpiring() = %d rows, want the soon-expiring one", len(out))
	}
}

func TestStore_MarkRevokedAndPurge(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	rec, _ := s.UpsertActive(ctx, testIntegration("user-1", "google"))

	if err := s.MarkRevoked(ctx, rec.ID, "user requested"); err != nil {
		t.Fatalf("MarkRevoked() error = %v", err)
	}
	got, _ := s.Get(ctx, rec.ID)
	if got.Status != storage.StatusRevoked || got.AccessSecret != "" || got.RefreshSecret != "" {
		t.Errorf("revoked record = %+v, want zeroed secrets", got)
	}
	if got.ExpiresAt != nil {
		t.Error("revoked record should not keep an expiry")
	}

	if err := s.MarkRevoked(ctx, rec.ID, "again"); err != nil {
		t.Fatalf("second MarkRevoked() error = %v", err)
	}

	removed, err := s.PurgeRevoked(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("PurgeRevoked() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := s.Get(ctx, rec.ID); err != storage.ErrIntegrationNotFound {
		t.Error("purged row should be gone")
	}
}
