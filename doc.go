// Package connect implements a provider-agnostic OAuth integration and
// token-lifecycle subsystem for applications acting on behalf of their users
// against third-party APIs (calendar, email, workspace notes, video).
//
// The Manager is the single entry point. It drives the authorization-code
// handshake (Initiate/Complete), hands out valid access tokens
// (GetValidToken), and revokes integrations (Revoke). Behind it sit a
// single-use state registry, pluggable credential storage with envelope
// encryption at rest, and a refresh coordinator that keeps tokens fresh both
// proactively (background sweep) and lazily (on read).
//
// Minimal wiring:
//
//	google, _ := google.NewProvider(&google.Config{
//		ClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
//		ClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
//		RedirectURL:  "https://app.example.com/callback",
//	})
//
//	store := memory.New()
//	mgr, _ := connect.New(connect.Config{
//		EncryptionKey: os.Getenv("CONNECT_ENCRYPTION_KEY"),
//	}, map[string]providers.Provider{"google": google}, store, store, store)
//
//	go mgr.Run(ctx)
//
//	authURL, _ := mgr.Initiate(ctx, userID, "google", nil)
//	// redirect the user to authURL; then in the callback:
//	summary, _ := mgr.Complete(ctx, stateToken, code)
//	handle, _ := mgr.GetValidToken(ctx, summary.ID)
package connect
