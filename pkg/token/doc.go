// Package token issues and manages OAuth2 access and refresh tokens.
//
// Tokens are compact JWS values signed by the provider signing service and stored
// in a Repository so they can be introspected and revoked:
//
//	repo := token.NewMemoryRepository(10 * time.Minute)
//	svc := token.NewService(repo, clientService, signer,
//		token.WithIssuer("https://idp.example.com"),
//		token.WithAccessTokenValidity(time.Hour),
//	)
//	at, err := svc.CreateAccessToken(ctx, &token.AuthenticationHolder{
//		ClientID: "app", UserID: "alice", Scope: []string{"openid", "offline_access"},
//	})
//
// Client policy controls token lifetimes, whether refresh tokens are rotated or
// reused and whether access tokens issued from a refresh token are cleared when it
// is used again.
//
// # Storage
//
// MemoryRepository keeps tokens in process, RedisRepository and PostgresRepository
// share them between instances. Tokens are looked up by the SHA-256 of their value.
package token
