// Package jwks provides key material handling for JWT signing, verification and encryption.
//
// It implements RFC 7517 (JSON Web Key) parsing and emission on top of go-jose, and a
// provider key store with generation and rotation.
//
// # Key Concepts
//
// **KeyMaterial**: one RSA, EC or symmetric key with its kid, use and optional algorithm.
// Symmetric keys are always private and never published.
//
// **Key Set parsing**: ParseKeySet reads a JWK Set document. Keys of an unknown type or with
// a broken encoding are skipped with a warning. Keys without a kid follow the configured
// MissingKeyIDPolicy: the default rejects the whole set, AssignRandomKeyID gives them a UUID.
//
// **Active Key**: the key the provider signs new tokens with. Inactive keys stay in the
// store so tokens signed before a rotation keep verifying.
//
// # Basic Usage
//
//	keys, skipped, err := jwks.ParseKeySet(data, jwks.WithMissingKeyIDPolicy(jwks.AssignRandomKeyID))
//	if err != nil {
//		// not a JWK Set at all
//	}
//	for _, s := range skipped {
//		slog.Warn("key skipped", "kid", s.KeyID, "error", s.Err)
//	}
//
//	public, err := jwks.MarshalPublicKeySet(keys)
//
// # Provider Key Store
//
//	repo, err := jwks.NewFileKeyRepository("/var/lib/idp/keys.json")
//	store := jwks.NewKeyStoreService(repo, jwks.WithRetainedKeys(2))
//
//	active, err := store.EnsureActiveKey(ctx, "RS256")
//	rotated, err := store.RotateKeys(ctx, "ES256")
//	materials, err := store.KeyMaterials(ctx)
//
// The file repository stores private keys; it writes atomically with owner-only permissions.
package jwks
