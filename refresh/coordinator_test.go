package refresh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/relaymind/connect/providers"
	"github.com/relaymind/connect/providers/mock"
	"github.com/relaymind/connect/security"
	"github.com/relaymind/connect/storage"
	"github.com/relaymind/connect/storage/memory"
)

func newTestVault(t *testing.T) *security.Vault {
	t.Helper()
	key, err := security.GenerateMasterKey()
	if err != nil {
		t.Fatalf("GenerateMasterKey() error = %v", err)
	}
	v, err := security.NewVault(key)
	if err != nil {
		t.Fatalf("NewVault() error = %v", err)
	}
	return v
}

type fixture struct {
	store    *memory.Store
	vault    *security.Vault
	provider *mock.Provider
	coord    *Coordinator
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store := memory.New()
	vault := newTestVault(t)
	provider := mock.New()

	coord, err := New(store, store, map[string]providers.Provider{
		provider.Name(): provider,
	}, vault, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	// Tests never want real backoff sleeps.
	coord.sleepFn = func(ctx context.Context, d time.Duration) error { return nil }

	return &fixture{store: store, vault: vault, provider: provider, coord: coord}
}

// seed stores an active integration with sealed secrets expiring at expiresAt.
func (f *fixture) seed(t *testing.T, expiresAt time.Time) *storage.Integration {
	t.Helper()
	sealedAccess, err := f.vault.Seal("stored-access")
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	sealedRefresh, err := f.vault.Seal("stored-refresh")
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	rec, err := f.store.UpsertActive(context.Background(), &storage.Integration{
		UserID:        "user-1",
		Provider:      f.provider.Name(),
		Scopes:        []string{"calendar.read"},
		AccessSecret:  sealedAccess,
		RefreshSecret: sealedRefresh,
		ExpiresAt:     &expiresAt,
	})
	if err != nil {
		t.Fatalf("UpsertActive() error = %v", err)
	}
	return rec
}

func TestCoordinator_RefreshNow_Success(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	rec := f.seed(t, time.Now().Add(time.Minute))

	updated, err := f.coord.RefreshNow(ctx, rec.ID, 0)
	if err != nil {
		t.Fatalf("RefreshNow() error = %v", err)
	}
	if f.provider.CallCount("Refresh") != 1 {
		t.Errorf("Refresh called %d times, want 1", f.provider.CallCount("Refresh"))
	}
	if updated.Version != rec.Version+1 {
		t.Errorf("Version = %d, want %d", updated.Version, rec.Version+1)
	}
	if updated.LastSyncAt.IsZero() {
		t.Error("LastSyncAt not bumped")
	}

	access, err := f.vault.Open(updated.AccessSecret)
	if err != nil {
		t.Fatalf("Open(access) error = %v", err)
	}
	if access == "stored-access" {
		t.Error("access secret was not replaced")
	}
}

func TestCoordinator_RefreshNow_SkipsWhenNotDue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{RefreshMargin: 5 * time.Minute})
	rec := f.seed(t, time.Now().Add(2*time.Hour))

	if _, err := f.coord.RefreshNow(ctx, rec.ID, 0); err != nil {
		t.Fatalf("RefreshNow() error = %v", err)
	}
	if f.provider.CallCount("Refresh") != 0 {
		t.Errorf("Refresh called %d times, want 0 for a token outside the margin", f.provider.CallCount("Refresh"))
	}
}

func TestCoordinator_RefreshNow_KeepsOldRefreshSecretWhenNotRotated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.provider.RefreshFunc = func(ctx context.Context, refreshSecret string) (*providers.TokenSet, error) {
		return &providers.TokenSet{
			AccessToken: "new-access",
			ExpiresAt:   time.Now().Add(time.Hour),
		}, nil
	}
	rec := f.seed(t, time.Now().Add(time.Minute))

	updated, err := f.coord.RefreshNow(ctx, rec.ID, 0)
	if err != nil {
		t.Fatalf("RefreshNow() error = %v", err)
	}

	refreshSecret, err := f.vault.Open(updated.RefreshSecret)
	if err != nil {
		t.Fatalf("Open(refresh) error = %v", err)
	}
	if refreshSecret != "stored-refresh" {
		t.Errorf("refresh secret = %q, want the original retained", refreshSecret)
	}
}

func TestCoordinator_RefreshNow_RejectedIsTerminal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.provider.RefreshFunc = func(ctx context.Context, refreshSecret string) (*providers.TokenSet, error) {
		return nil, &providers.Error{
			Provider: f.provider.Name(),
			Op:       "refresh",
			Kind:     providers.KindRefreshRejected,
			Err:      errors.New("invalid_grant"),
		}
	}
	rec := f.seed(t, time.Now().Add(time.Minute))

	if _, err := f.coord.RefreshNow(ctx, rec.ID, 0); err != nil {
		t.Fatalf("RefreshNow() error = %v", err)
	}

	got, _ := f.store.Get(ctx, rec.ID)
	if got.Status != storage.StatusExpired {
		t.Errorf("Status = %q, want expired after a rejected refresh", got.Status)
	}
	if got.RefreshSecret != "" {
		t.Error("refresh secret must be dropped on terminal failure")
	}

	// A second attempt must not call the provider again.
	calls := f.provider.CallCount("Refresh")
	if _, err := f.coord.RefreshNow(ctx, rec.ID, 0); err != nil {
		t.Fatalf("second RefreshNow() error = %v", err)
	}
	if f.provider.CallCount("Refresh") != calls {
		t.Error("expired integration must not trigger further provider calls")
	}
}

func TestCoordinator_RefreshNow_UnavailableKeepsActive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.provider.RefreshFunc = func(ctx context.Context, refreshSecret string) (*providers.TokenSet, error) {
		return nil, &providers.Error{
			Provider: f.provider.Name(),
			Op:       "refresh",
			Kind:     providers.KindUnavailable,
			Err:      errors.New("bad gateway"),
		}
	}
	rec := f.seed(t, time.Now().Add(time.Minute))

	_, err := f.coord.RefreshNow(ctx, rec.ID, 0)
	if providers.KindOf(err) != providers.KindUnavailable {
		t.Fatalf("error = %v, want KindUnavailable", err)
	}

	// Lazy path takes exactly one attempt, no retries.
	if f.provider.CallCount("Refresh") != 1 {
		t.Errorf("Refresh called %d times, want 1", f.provider.CallCount("Refresh"))
	}

	got, _ := f.store.Get(ctx, rec.ID)
	if got.Status != storage.StatusActive {
		t.Errorf("Status = %q, transient failure must keep the integration active", got.Status)
	}
}

func TestCoordinator_RefreshNow_LeaseHeld(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	rec := f.seed(t, time.Now().Add(time.Minute))

	// Another holder owns the lease.
	ok, err := f.store.AcquireLease(ctx, "refresh:"+rec.ID, "someone-else", time.Minute)
	if err != nil || !ok {
		t.Fatalf("AcquireLease() = %v, %v", ok, err)
	}

	if _, err := f.coord.RefreshNow(ctx, rec.ID, 0); !errors.Is(err, storage.ErrLeaseHeld) {
		t.Errorf("error = %v, want ErrLeaseHeld", err)
	}
	if f.provider.CallCount("Refresh") != 0 {
		t.Error("held lease must prevent the provider call")
	}
}

func TestCoordinator_Sweep_RefreshesOnlyDueIntegrations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{RefreshMargin: 5 * time.Minute})

	f.seed(t, time.Now().Add(time.Minute))

	laterAccess, _ := f.vault.Seal("later-access")
	laterRefresh, _ := f.vault.Seal("later-refresh")
	laterAt := time.Now().Add(2 * time.Hour)
	f.store.UpsertActive(ctx, &storage.Integration{
		UserID:        "user-2",
		Provider:      f.provider.Name(),
		AccessSecret:  laterAccess,
		RefreshSecret: laterRefresh,
		ExpiresAt:     &laterAt,
	})

	if err := f.coord.Sweep(ctx); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if f.provider.CallCount("Refresh") != 1 {
		t.Errorf("Refresh called %d times, want 1 (only the due integration)", f.provider.CallCount("Refresh"))
	}
}

func TestCoordinator_Sweep_RetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{RetryLimit: 3})

	var mu sync.Mutex
	calls := 0
	f.provider.RefreshFunc = func(ctx context.Context, refreshSecret string) (*providers.TokenSet, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return nil, &providers.Error{
				Provider: f.provider.Name(),
				Op:       "refresh",
				Kind:     providers.KindUnavailable,
				Err:      errors.New("flaky"),
			}
		}
		return &providers.TokenSet{
			AccessToken:  "recovered-access",
			RefreshToken: "recovered-refresh",
			ExpiresAt:    time.Now().Add(time.Hour),
		}, nil
	}
	rec := f.seed(t, time.Now().Add(time.Minute))

	if err := f.coord.Sweep(ctx); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("Refresh called %d times, want 3 (two transient failures then success)", calls)
	}

	got, _ := f.store.Get(ctx, rec.ID)
	access, err := f.vault.Open(got.AccessSecret)
	if err != nil {
		t.Fatalf("Open(access) error = %v", err)
	}
	if access != "recovered-access" {
		t.Errorf("access = %q, want the recovered token persisted", access)
	}
}

func TestCoordinator_ConcurrentRefresh_SingleProviderCall(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	rec := f.seed(t, time.Now().Add(time.Minute))

	const goroutines = 8
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.coord.RefreshNow(ctx, rec.ID, 0)
		}()
	}
	wg.Wait()

	// The lease serializes the callers; the margin re-check after the first
	// success stops the rest. Exactly one call reaches the provider.
	if got := f.provider.CallCount("Refresh"); got != 1 {
		t.Errorf("Refresh called %d times, want exactly 1", got)
	}
}

func TestCoordinator_RefreshNow_ConcurrentReconsentWins(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	rec := f.seed(t, time.Now().Add(time.Minute))

	newAccess, _ := f.vault.Seal("reconsent-access")
	newRefresh, _ := f.vault.Seal("reconsent-refresh")
	f.provider.RefreshFunc = func(ctx context.Context, refreshSecret string) (*providers.TokenSet, error) {
		// A re-consent lands while the refresh call is in flight.
		later := time.Now().Add(2 * time.Hour)
		if _, err := f.store.UpsertActive(ctx, &storage.Integration{
			UserID:        "user-1",
			Provider:      f.provider.Name(),
			Scopes:        []string{"calendar.read"},
			AccessSecret:  newAccess,
			RefreshSecret: newRefresh,
			ExpiresAt:     &later,
		}); err != nil {
			t.Errorf("UpsertActive() error = %v", err)
		}
		return &providers.TokenSet{
			AccessToken:  "refreshed-from-old-secret",
			RefreshToken: "rotated-from-old-secret",
			ExpiresAt:    time.Now().Add(time.Hour),
		}, nil
	}

	if _, err := f.coord.RefreshNow(ctx, rec.ID, 0); err != nil {
		t.Fatalf("RefreshNow() error = %v", err)
	}

	got, _ := f.store.Get(ctx, rec.ID)
	access, err := f.vault.Open(got.AccessSecret)
	if err != nil {
		t.Fatalf("Open(access) error = %v", err)
	}
	if access != "reconsent-access" {
		t.Errorf("access = %q, the re-consent tokens must win the race", access)
	}
	refreshSecret, err := f.vault.Open(got.RefreshSecret)
	if err != nil {
		t.Fatalf("Open(refresh) error = %v", err)
	}
	if refreshSecret != "reconsent-refresh" {
		t.Errorf("refresh secret = %q, the re-consent tokens must win the race", refreshSecret)
	}
}

func TestCoordinator_RefreshNow_RejectionDoesNotExpireReconsented(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	rec := f.seed(t, time.Now().Add(time.Minute))

	newAccess, _ := f.vault.Seal("reconsent-access")
	newRefresh, _ := f.vault.Seal("reconsent-refresh")
	f.provider.RefreshFunc = func(ctx context.Context, refreshSecret string) (*providers.TokenSet, error) {
		// A re-consent replaces the secrets while the doomed refresh call is
		// in flight; the rejection only covers the old refresh secret.
		later := time.Now().Add(2 * time.Hour)
		if _, err := f.store.UpsertActive(ctx, &storage.Integration{
			UserID:        "user-1",
			Provider:      f.provider.Name(),
			Scopes:        []string{"calendar.read"},
			AccessSecret:  newAccess,
			RefreshSecret: newRefresh,
			ExpiresAt:     &later,
		}); err != nil {
			t.Errorf("UpsertActive() error = %v", err)
		}
		return nil, &providers.Error{
			Provider: f.provider.Name(),
			Op:       "refresh",
			Kind:     providers.KindRefreshRejected,
			Err:      errors.New("invalid_grant"),
		}
	}

	if _, err := f.coord.RefreshNow(ctx, rec.ID, 0); err != nil {
		t.Fatalf("RefreshNow() error = %v", err)
	}

	got, _ := f.store.Get(ctx, rec.ID)
	if got.Status != storage.StatusActive {
		t.Errorf("Status = %q, a rejection of the replaced secret must not expire the integration", got.Status)
	}
	refreshSecret, err := f.vault.Open(got.RefreshSecret)
	if err != nil {
		t.Fatalf("Open(refresh) error = %v", err)
	}
	if refreshSecret != "reconsent-refresh" {
		t.Errorf("refresh secret = %q, want the re-consented one retained", refreshSecret)
	}
}

func TestCoordinator_RefreshNow_CallerMarginOverridesGlobal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{RefreshMargin: time.Minute})
	rec := f.seed(t, time.Now().Add(30*time.Minute))

	// Under the global margin the token is not due yet.
	if _, err := f.coord.RefreshNow(ctx, rec.ID, 0); err != nil {
		t.Fatalf("RefreshNow() error = %v", err)
	}
	if f.provider.CallCount("Refresh") != 0 {
		t.Fatalf("Refresh called %d times, want 0 under the global margin", f.provider.CallCount("Refresh"))
	}

	// A wider caller margin makes the same token due.
	if _, err := f.coord.RefreshNow(ctx, rec.ID, time.Hour); err != nil {
		t.Fatalf("RefreshNow() error = %v", err)
	}
	if f.provider.CallCount("Refresh") != 1 {
		t.Errorf("Refresh called %d times, want 1 under the caller margin", f.provider.CallCount("Refresh"))
	}
}

func TestCoordinator_Sweep_PurgesOldRevoked(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{PurgeRetention: time.Nanosecond})
	rec := f.seed(t, time.Now().Add(2*time.Hour))

	if err := f.store.MarkRevoked(ctx, rec.ID, "cleanup"); err != nil {
		t.Fatalf("MarkRevoked() error = %v", err)
	}

	time.Sleep(time.Millisecond)
	if err := f.coord.Sweep(ctx); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if _, err := f.store.Get(ctx, rec.ID); !errors.Is(err, storage.ErrIntegrationNotFound) {
		t.Error("revoked integration should have been purged")
	}
}
