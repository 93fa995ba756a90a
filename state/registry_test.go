package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/relaymind/connect/storage"
	"github.com/relaymind/connect/storage/memory"
)

func TestRegistry_IssueAndConsume(t *testing.T) {
	ctx := context.Background()
	r := New(memory.New())

	token, err := r.Issue(ctx, "user-1", "google", []string{"calendar.read"}, "https://example.com/cb")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if len(token) < 43 {
		t.Errorf("token %q too short for 256 bits of entropy", token)
	}

	attempt, err := r.Consume(ctx, token)
	if err != nil {
		t.Fatalf("Consume() error = %v", err)
	}
	if attempt.UserID != "user-1" || attempt.Provider != "google" {
		t.Errorf("attempt = %+v", attempt)
	}
	if attempt.RedirectURI != "https://example.com/cb" {
		t.Errorf("RedirectURI = %q", attempt.RedirectURI)
	}

	// Single use.
	if _, err := r.Consume(ctx, token); !errors.Is(err, storage.ErrAttemptNotFound) {
		t.Errorf("second consume error = %v, want ErrAttemptNotFound", err)
	}
}

func TestRegistry_Consume_Unknown(t *testing.T) {
	r := New(memory.New())
	if _, err := r.Consume(context.Background(), "never-issued"); !errors.Is(err, storage.ErrAttemptNotFound) {
		t.Errorf("error = %v, want ErrAttemptNotFound", err)
	}
}

func TestRegistry_Consume_Expired(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	clock := now

	// Store keeps the real clock so the attempt survives in storage; the
	// registry's own clock moves past the TTL.
	r := New(memory.New(),
		WithTTL(time.Minute),
		withClock(func() time.Time { return clock }))

	token, err := r.Issue(ctx, "user-1", "google", nil, "")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	clock = now.Add(2 * time.Minute)
	_, err = r.Consume(ctx, token)
	if !errors.Is(err, ErrAttemptExpired) && !errors.Is(err, storage.ErrAttemptNotFound) {
		t.Errorf("error = %v, want expiry rejection", err)
	}
}

func TestRegistry_TokensAreUnique(t *testing.T) {
	ctx := context.Background()
	r := New(memory.New())

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		token, err := r.Issue(ctx, "user-1", "google", nil, "")
		if err != nil {
			t.Fatalf("Issue() error = %v", err)
		}
		if seen[token] {
			t.Fatalf("duplicate state token issued: %q", token)
		}
		seen[token] = true
	}
}
