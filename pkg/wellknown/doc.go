// Package wellknown provides OAuth 2.0 and OpenID Connect discovery endpoints.
//
// It implements RFC 8414 (Authorization Server Metadata), RFC 9728 (Protected
// Resource Metadata), OpenID Connect Discovery 1.0 and JWK Set publication.
//
// # Endpoints
//
//   - /.well-known/oauth-authorization-server
//   - /.well-known/oauth-protected-resource
//   - /.well-known/openid-configuration
//   - /.well-known/jwks.json and /jwks
//
// # Usage
//
//	signer, err := signing.NewFromKeyStore(ctx, store)
//
//	handler := wellknown.NewHandler(wellknown.Config{
//		Issuer: "https://idp.example.com",
//		Scopes: []string{"openid", "profile", "email", "offline_access"},
//	}, signer)
//
//	r := chi.NewRouter()
//	handler.RegisterRoutes(r)
//
// The key set lists only the public half of asymmetric keys, and
// id_token_signing_alg_values_supported reflects the algorithms the signer's keys
// can produce. Both follow the signer given to NewHandler, so rebuild the handler
// after rotating keys.
package wellknown
