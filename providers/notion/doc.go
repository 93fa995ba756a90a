// Package notion implements the provider adapter for Notion OAuth, used for
// the workspace-notes integration. Notion issues non-expiring tokens with no
// refresh grant, exercising the nullable-expiry path of the credential store.
package notion
