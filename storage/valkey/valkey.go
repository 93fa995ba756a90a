// Package valkey provides Valkey-backed implementations of the AttemptStore
// and LeaseStore interfaces, for deployments where multiple instances share
// handshake state and refresh coordination.
//
// Credentials are not stored here; pair this package with the sqlite
// CredentialStore for durability.
package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/relaymind/connect/storage"
)

// Compile-time checks that Store implements the storage interfaces.
var (
	_ storage.AttemptStore = (*Store)(nil)
	_ storage.LeaseStore   = (*Store)(nil)
)

const (
	// DefaultKeyPrefix namespaces all keys written by this store.
	DefaultKeyPrefix = "connect"

	// connectionVerifyTimeout bounds the initial PING.
	connectionVerifyTimeout = 5 * time.Second
)

// Config holds Valkey connection configuration.
type Config struct {
	// Address is the Valkey server address (required), e.g. "localhost:6379".
	Address string

	// Password is the optional server password.
	Password string

	// DB is the database number to select.
	DB int

	// KeyPrefix namespaces keys (default: "connect").
	KeyPrefix string

	// Logger is the optional structured logger (default: slog.Default()).
	Logger *slog.Logger
}

// Store is a Valkey-backed AttemptStore and LeaseStore.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger
}

// New creates a new Valkey-backed store and verifies the connection.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("connected to valkey storage",
		slog.String("address", cfg.Address),
		slog.Int("db", cfg.DB))

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
}

func (s *Store) attemptKey(state string) string {
	return s.prefix + ":attempt:" + state
}

func (s *Store) leaseKey(key string) string {
	return s.prefix + ":lease:" + key
}

// attemptJSON is the wire form of a stored attempt.
type attemptJSON struct {
	State       string    `json:"state"`
	UserID      string    `json:"user_id"`
	Provider    string    `json:"provider"`
	Scopes      []string  `json:"scopes,omitempty"`
	RedirectURI string    `json:"redirect_uri,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// SaveAttempt stores an attempt with a TTL matching its expiry, so Valkey
// itself bounds the attempt lifetime.
func (s *Store) SaveAttempt(ctx context.Context, attempt *storage.Attempt) error {
	if attempt == nil || attempt.State == "" {
		return fmt.Errorf("invalid attempt")
	}

	ttl := time.Until(attempt.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("attempt already expired")
	}

	data, err := json.Marshal(attemptJSON{
		State:       attempt.State,
		UserID:      attempt.UserID,
		Provider:    attempt.Provider,
		Scopes:      attempt.Scopes,
		RedirectURI: attempt.RedirectURI,
		CreatedAt:   attempt.CreatedAt,
		ExpiresAt:   attempt.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal attempt: %w", err)
	}

	key := s.attemptKey(attempt.State)
	err = s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Px(ttl).Build(),
	).Error()
	if err != nil {
		return fmt.Errorf("failed to save attempt: %w", err)
	}
	return nil
}

// ConsumeAttempt atomically retrieves and deletes an attempt via GETDEL.
// Only one concurrent consumer can succeed; every other sees not-found.
func (s *Store) ConsumeAttempt(ctx context.Context, state string) (*storage.Attempt, error) {
	key := s.attemptKey(state)

	data, err := s.client.Do(ctx, s.client.B().Getdel().Key(key).Build()).ToString()
	if err != nil {
		if valkeygo.IsValkeyNil(err) {
			return nil, storage.ErrAttemptNotFound
		}
		return nil, fmt.Errorf("failed to consume attempt: %w", err)
	}

	var j attemptJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal attempt: %w", err)
	}

	// The key TTL already bounds the lifetime; the explicit check covers the
	// window between TTL expiry and lazy deletion.
	if time.Now().After(j.ExpiresAt) {
		return nil, storage.ErrAttemptNotFound
	}

	return &storage.Attempt{
		State:       j.State,
		UserID:      j.UserID,
		Provider:    j.Provider,
		Scopes:      j.Scopes,
		RedirectURI: j.RedirectURI,
		CreatedAt:   j.CreatedAt,
		ExpiresAt:   j.ExpiresAt,
	}, nil
}

// DeleteExpiredAttempts is a no-op: attempt keys carry a TTL and Valkey
// expires them itself.
func (s *Store) DeleteExpiredAttempts(ctx context.Context) (int, error) {
	return 0, nil
}

// luaScriptExtendOwnLease extends a lease only when the caller already owns
// it. KEYS[1] = lease key, ARGV[1] = owner, ARGV[2] = TTL in milliseconds.
const luaScriptExtendOwnLease = `
local current = redis.call('GET', KEYS[1])
if current == ARGV[1] then
    redis.call('PEXPIRE', KEYS[1], ARGV[2])
    return 1
end
return 0
`

// luaScriptReleaseOwnLease deletes a lease only when the caller owns it.
// KEYS[1] = lease key, ARGV[1] = owner.
const luaScriptReleaseOwnLease = `
local current = redis.call('GET', KEYS[1])
if current == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// AcquireLease takes the lease via SET NX PX, or extends it when owner
// already holds it.
func (s *Store) AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	leaseKey := s.leaseKey(key)

	err := s.client.Do(ctx,
		s.client.B().Set().Key(leaseKey).Value(owner).Nx().Px(ttl).Build(),
	).Error()
	if err == nil {
		return true, nil
	}
	if !valkeygo.IsValkeyNil(err) {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}

	// SET NX lost: the key exists. Extend only if it is ours.
	extended, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaScriptExtendOwnLease).
			Numkeys(1).
			Key(leaseKey).
			Arg(owner).
			Arg(fmt.Sprintf("%d", ttl.Milliseconds())).
			Build(),
	).AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to extend lease: %w", err)
	}
	return extended == 1, nil
}

// ReleaseLease releases the lease if owner still holds it. The ownership
// check and delete are atomic via Lua.
func (s *Store) ReleaseLease(ctx context.Context, key, owner string) error {
	_, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaScriptReleaseOwnLease).
			Numkeys(1).
			Key(s.leaseKey(key)).
			Arg(owner).
			Build(),
	).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}
