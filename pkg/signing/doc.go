// Package signing turns key material into JWS signers and verifiers.
//
// A Service is built once from a list of keys and never changes afterwards; rotating
// keys means building a new Service. Signing needs a kid (or the default signer) or an
// algorithm; verification tries every verifier in insertion order and only reports
// success or failure.
//
//	svc, err := signing.New(keys, signing.WithDefaultAlgorithm("RS256"))
//	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
//	compact, err := svc.Sign(token, "")
//	ok := svc.Verify(compact)
package signing
