// Package google implements the provider adapter for Google OAuth, used for
// the calendar and mail integrations.
package google
