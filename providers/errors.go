package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/oauth2"
)

// Kind classifies a provider failure so callers can decide between surfacing,
// retrying, and forcing re-consent without inspecting provider-specific
// error shapes.
type Kind int

const (
	// KindRejected: the provider refused the grant (4xx during exchange).
	// Surfaced to the caller, never retried.
	KindRejected Kind = iota + 1

	// KindMalformed: the provider returned an unexpected response shape.
	// Surfaced as an integration error; logged with the provider identifier
	// but never with secret values.
	KindMalformed

	// KindUnavailable: transport failure or provider 5xx. Transient and
	// retryable with bounded backoff.
	KindUnavailable

	// KindRefreshRejected: the provider invalidated the refresh secret.
	// Terminal; the integration requires re-consent.
	KindRefreshRejected
)

// String returns the kind's wire/log name.
func (k Kind) String() string {
	switch k {
	case KindRejected:
		return "rejected"
	case KindMalformed:
		return "malformed"
	case KindUnavailable:
		return "unavailable"
	case KindRefreshRejected:
		return "refresh_rejected"
	default:
		return "unknown"
	}
}

// Error is a classified provider failure.
type Error struct {
	Provider string
	Op       string // "exchange", "refresh", "fetch_identity", "revoke"
	Kind     Kind
	Status   int // HTTP status if the provider answered, 0 otherwise
	Err      error
}

// Error implements the error interface. Secret values never appear here.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider %s: %s %s: %v", e.Provider, e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("provider %s: %s %s", e.Provider, e.Op, e.Kind)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the classification from an error chain.
// Returns 0 when the error is not a classified provider error.
func KindOf(err error) Kind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return 0
}

// IsRetryable reports whether the failure is transient.
func IsRetryable(err error) bool {
	return KindOf(err) == KindUnavailable
}

// refreshRejectionCodes are the OAuth error codes providers return when a
// refresh secret is no longer honored.
var refreshRejectionCodes = []string{
	"invalid_grant",
	"invalid_client",
	"unauthorized_client",
}

// Classify wraps a raw adapter failure in a classified Error. op determines
// how provider 4xx responses are interpreted: a 4xx during refresh means the
// refresh secret is dead (terminal), while a 4xx during exchange means the
// code was refused (surfaced, not retried).
func Classify(provider, op string, err error) error {
	if err == nil {
		return nil
	}

	// Already classified (e.g. by a shared helper).
	var perr *Error
	if errors.As(err, &perr) {
		return err
	}

	kind := KindUnavailable
	status := 0

	var rerr *oauth2.RetrieveError
	switch {
	case errors.As(err, &rerr):
		status = rerr.Response.StatusCode
		switch {
		case status >= 500:
			kind = KindUnavailable
		case op == "refresh":
			kind = KindRefreshRejected
		default:
			kind = KindRejected
		}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		kind = KindUnavailable
	case strings.Contains(err.Error(), "server response missing access_token"):
		// The oauth2 package rejects a token response without access_token
		// before the adapter's own shape checks run.
		kind = KindMalformed
	case op == "refresh" && containsRejectionCode(err):
		// Some transports flatten the provider's error body into the message.
		kind = KindRefreshRejected
	}

	return &Error{Provider: provider, Op: op, Kind: kind, Status: status, Err: err}
}

// ClassifyStatus builds a classified error from a raw HTTP status, for
// adapters that talk to non-oauth2-package endpoints.
func ClassifyStatus(provider, op string, status int) error {
	kind := KindRejected
	switch {
	case status >= 500:
		kind = KindUnavailable
	case op == "refresh":
		kind = KindRefreshRejected
	}
	return &Error{
		Provider: provider,
		Op:       op,
		Kind:     kind,
		Status:   status,
		Err:      fmt.Errorf("unexpected status %d", status),
	}
}

// NewMalformed builds a classified error for a response missing required
// fields. detail must describe the shape problem, never response contents.
func NewMalformed(provider, op, detail string) error {
	return &Error{
		Provider: provider,
		Op:       op,
		Kind:     KindMalformed,
		Err:      errors.New(detail),
	}
}

func containsRejectionCode(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, code := range refreshRejectionCodes {
		if strings.Contains(msg, code) {
			return true
		}
	}
	return false
}
