// Package oauth2client manages registered OAuth2 clients for simple-idp.
//
// A client carries, besides its identity and grant settings, the key material the
// provider needs to talk to it: an optional shared secret, and either an inline JWK
// Set or a jwks_uri. It also carries the token policy applied by the token service
// (access and refresh token validity, refresh token reuse, clearing access tokens on
// refresh).
//
// # Storage
//
// Three repositories implement OAuth2ClientRepository:
//
//	repo := oauth2client.NewInMemoryOAuth2ClientRepository()
//	repo, err := oauth2client.NewFileOAuth2ClientRepository("./data", oauth2client.WithSecretEncryption(enc))
//	repo, err := oauth2client.NewEnvOAuth2ClientRepository()
//
// The file repository seals secrets with EncryptionService (AES-256-GCM) when
// configured. The environment repository is read-only.
//
// # Authentication
//
//	service := oauth2client.NewClientService(repo)
//	client, err := service.Authenticate(ctx, "client-id", "client-secret")
//
// Unknown clients and wrong secrets both return an INVALID_CLIENT error.
package oauth2client
