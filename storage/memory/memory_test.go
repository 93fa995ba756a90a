package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/relaymind/connect/storage"
)

func testIntegration(userID, provider string) *storage.Integration {
	expires := time.Now().Add(time.Hour)
	return &storage.Integration{
		UserID:        userID,
		Provider:      provider,
		Scopes:        []string{"calendar.read"},
		AccessSecret:  "sealed-access",
		RefreshSecret: "sealed-refresh",
		ExpiresAt:     &expires,
	}
}

func TestStore_UpsertActive(t *testing.T) {
	ctx := context.Background()
	s := New()

	first, err := s.UpsertActive(ctx, testIntegration("user-1", "google"))
	if err != nil {
		t.Fatalf("UpsertActive() error = %v", err)
	}
	if first.ID == "" {
		t.Error("expected generated ID")
	}
	if first.Status != storage.StatusActive {
		t.Errorf("Status = %q, want active", first.Status)
	}
	if first.Version != 1 {
		t.Errorf("Version = %d, want 1", first.Version)
	}

	// Re-consent for the same pair overwrites in place.
	in := testIntegration("user-1", "google")
	in.AccessSecret = "sealed-access-2"
	second, err := s.UpsertActive(ctx, in)
	if err != nil {
		t.Fatalf("UpsertActive() error = %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("ID changed on upsert: %q != %q", second.ID, first.ID)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Error("CreatedAt must be retained on overwrite")
	}
	if second.Version != 2 {
		t.Errorf("Version = %d, want 2", second.Version)
	}
	if second.AccessSecret != "sealed-access-2" {
		t.Errorf("AccessSecret = %q", second.AccessSecret)
	}

	// A different provider for the same user gets its own row.
	third, err := s.UpsertActive(ctx, testIntegration("user-1", "zoom"))
	if err != nil {
		t.Fatalf("UpsertActive() error = %v", err)
	}
	if third.ID == first.ID {
		t.Error("different provider must not share a row")
	}

	list, err := s.ListForUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListForUser() error = %v", err)
	}
	if len(list) != 2 {
		t.Errorf("ListForUser() returned %d rows, want 2", len(list))
	}
}

func TestStore_Get_NotFound(t *testing.T) {
	s := New()
	if _, err := s.Get(context.Background(), "nope"); err != storage.ErrIntegrationNotFound {
		t.Errorf("error = %v, want ErrIntegrationNotFound", err)
	}
}

func TestStore_ListExpiring(t *testing.T) {
	ctx := context.Background()
	s := New()

	soon := testIntegration("user-1", "google")
	soonAt := time.Now().Add(2 * time.Minute)
	soon.ExpiresAt = &soonAt
	stored, _ := s.UpsertActive(ctx, soon)

	later := testIntegration("user-2", "google")
	laterAt := time.Now().Add(2 * time.Hour)
	later.ExpiresAt = &laterAt
	s.UpsertActive(ctx, later)

	nonExpiring := testIntegration("user-3", "notion")
	nonExpiring.ExpiresAt = nil
	nonExpiring.RefreshSecret = ""
	s.UpsertActive(ctx, nonExpiring)

	out, err := s.ListExpiring(ctx, time.Now().Add(5*time.Minute))
	if err != nil {
		t.Fatalf("ListExpiring() error = %v", err)
	}
	if len(out) != 1 || out[0].ID != stored.ID {
		t.Errorf("ListExpiring() = %d rows, want only the soon-expiring one", len(out))
	}
}

func TestStore_CompareAndUpdate(t *testing.T) {
	ctx := context.Background()
	s := New()
	rec, _ := s.UpsertActive(ctx, testIntegration("user-1", "google"))

	updated, err := s.CompareAndUpdate(ctx, rec.ID, rec.Version, func(i *storage.Integration) {
		i.AccessSecret = "sealed-new"
	})
	if err != nil {
		t.Fatalf("CompareAndUpdate() error = %v", err)
	}
	if updated.AccessSecret != "sealed-new" {
		t.Errorf("AccessSecret = %q", updated.AccessSecret)
	}
	if updated.Version != rec.Version+1 {
		t.Errorf("Version = %d, want %d", updated.Version, rec.Version+1)
	}

	// Stale version loses.
	_, err = s.CompareAndUpdate(ctx, rec.ID, rec.Version, func(i *storage.Integration) {
		i.AccessSecret = "sealed-stale"
	})
	if err != storage.ErrVersionConflict {
		t.Errorf("error = %v, want ErrVersionConflict", err)
	}

	got, _ := s.Get(ctx, rec.ID)
	if got.AccessSecret != "sealed-new" {
		t.Error("stale write must not be applied")
	}
}

func TestStore_MarkRevoked(t *testing.T) {
	ctx := context.Background()
	s := New()
	rec, _ := s.UpsertActive(ctx, testIntegration("user-1", "google"))

	if err := s.MarkRevoked(ctx, rec.ID, "user requested"); err != nil {
		t.Fatalf("MarkRevoked() error = %v", err)
	}

	got, _ := s.Get(ctx, rec.ID)
	if got.Status != storage.StatusRevoked {
		t.Errorf("Status = %q, want revoked", got.Status)
	}
	if got.AccessSecret != "" || got.RefreshSecret != "" {
		t.Error("secret blobs must be zeroed on revocation")
	}
	if got.RevokedReason != "user requested" {
		t.Errorf("RevokedReason = %q", got.RevokedReason)
	}

	// Second revoke is a no-op, not an error.
	if err := s.MarkRevoked(ctx, rec.ID, "again"); err != nil {
		t.Fatalf("second MarkRevoked() error = %v", err)
	}
	got, _ = s.Get(ctx, rec.ID)
	if got.RevokedReason != "user requested" {
		t.Error("repeated revoke must not change the recorded reason")
	}
}

func TestStore_PurgeRevoked(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	clock := now
	s := New(withClock(func() time.Time { return clock }))

	rec, _ := s.UpsertActive(ctx, testIntegration("user-1", "google"))
	s.MarkRevoked(ctx, rec.ID, "cleanup test")

	keep, _ := s.UpsertActive(ctx, testIntegration("user-2", "google"))

	clock = now.Add(48 * time.Hour)
	removed, err := s.PurgeRevoked(ctx, now.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeRevoked() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := s.Get(ctx, rec.ID); err != storage.ErrIntegrationNotFound {
		t.Error("revoked row should be gone")
	}
	if _, err := s.Get(ctx, keep.ID); err != nil {
		t.Error("active row must survive the purge")
	}
}

func TestStore_ConsumeAttempt_SingleUse(t *testing.T) {
	ctx := context.Background()
	s := New()

	attempt := &storage.Attempt{
		State:     "state-token",
		UserID:    "user-1",
		Provider:  "google",
		Scopes:    []string{"calendar.read"},
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(10 * time.Minute),
	}
	if err := s.SaveAttempt(ctx, attempt); err != nil {
		t.Fatalf("SaveAttempt() error = %v", err)
	}

	got, err := s.ConsumeAttempt(ctx, "state-token")
	if err != nil {
		t.Fatalf("ConsumeAttempt() error = %v", err)
	}
	if got.UserID != "user-1" {
		t.Errorf("UserID = %q", got.UserID)
	}

	if _, err := s.ConsumeAttempt(ctx, "state-token"); err != storage.ErrAttemptNotFound {
		t.Errorf("second consume error = %v, want ErrAttemptNotFound", err)
	}
}

func TestStore_ConsumeAttempt_Concurrent(t *testing.T) {
	ctx := context.Background()
	s := New()

	s.SaveAttempt(ctx, &storage.Attempt{
		State:     "contested",
		ExpiresAt: time.Now().Add(10 * time.Minute),
	})

	const goroutines = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ConsumeAttempt(ctx, "contested"); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("successes = %d, want exactly 1", successes)
	}
}

func TestStore_ConsumeAttempt_Expired(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	clock := now
	s := New(withClock(func() time.Time { return clock }))

	s.SaveAttempt(ctx, &storage.Attempt{
		State:     "stale",
		ExpiresAt: now.Add(time.Minute),
	})

	clock = now.Add(2 * time.Minute)
	if _, err := s.ConsumeAttempt(ctx, "stale"); err != storage.ErrAttemptNotFound {
		t.Errorf("error = %v, want ErrAttemptNotFound for expired attempt", err)
	}
}

func TestStore_DeleteExpiredAttempts(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	clock := now
	s := New(withClock(func() time.Time { return clock }))

	s.SaveAttempt(ctx, &storage.Attempt{State: "a", ExpiresAt: now.Add(time.Minute)})
	s.SaveAttempt(ctx, &storage.Attempt{State: "b", ExpiresAt: now.Add(time.Hour)})

	clock = now.Add(10 * time.Minute)
	removed, err := s.DeleteExpiredAttempts(ctx)
	if err != nil {
		t.Fatalf("DeleteExpiredAttempts() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := s.ConsumeAttempt(ctx, "b"); err != nil {
		t.Error("unexpired attempt must survive the sweep")
	}
}

func TestStore_Leases(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	clock := now
	s := New(withClock(func() time.Time { return clock }))

	ok, err := s.AcquireLease(ctx, "refresh:int-1", "owner-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("AcquireLease() = %v, %v, want true", ok, err)
	}

	// Other owners are locked out while the lease is live.
	ok, _ = s.AcquireLease(ctx, "refresh:int-1", "owner-b", time.Minute)
	if ok {
		t.Error("second owner must not acquire a held lease")
	}

	// The holder can extend.
	ok, _ = s.AcquireLease(ctx, "refresh:int-1", "owner-a", time.Minute)
	if !ok {
		t.Error("holder must be able to extend its own lease")
	}

	// Release by a non-holder is a no-op.
	s.ReleaseLease(ctx, "refresh:int-1", "owner-b")
	ok, _ = s.AcquireLease(ctx, "refresh:int-1", "owner-b", time.Minute)
	if ok {
		t.Error("foreign release must not free the lease")
	}

	// Expiry frees the lease.
	clock = now.Add(2 * time.Minute)
	ok, _ = s.AcquireLease(ctx, "refresh:int-1", "owner-b", time.Minute)
	if !ok {
		t.Error("expired lease must be acquirable")
	}

	// Release by the holder frees it immediately.
	s.ReleaseLease(ctx, "refresh:int-1", "owner-b")
	ok, _ = s.AcquireLease(ctx, "refresh:int-1", "owner-c", time.Minute)
	if !ok {
		t.Error("released lease must be acquirable")
	}
}

func TestStore_Counts(t *testing.T) {
	ctx := context.Background()
	s := New()

	s.UpsertActive(ctx, testIntegration("user-1", "google"))
	s.SaveAttempt(ctx, &storage.Attempt{State: "s", ExpiresAt: time.Now().Add(time.Minute)})

	integrations, attempts := s.Counts()
	if integrations != 1 || attempts != 1 {
		t.Errorf("Counts() = %d, %d, want 1, 1", integrations, attempts)
	}
}
