// Package zoom implements the provider adapter for Zoom OAuth, used for the
// video-platform integration. Zoom rotates refresh tokens on every refresh,
// which is the motivating case for per-integration refresh serialization.
package zoom
