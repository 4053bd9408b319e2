// Package errors provides structured error handling with error codes for simple-idp.
//
// Every service in the module returns *Error values carrying an ErrorCode so that
// the HTTP layer can pick a status code and an OAuth 2.0 error body without
// string matching.
//
// # Overview
//
// The errors package provides:
//   - Structured Error type with error codes
//   - Error wrapping with context
//   - HTTP status code mapping
//   - Error inspection utilities
//
// # Basic Usage
//
//	import "github.com/tendant/simple-idp/pkg/errors"
//
//	// Create a simple error
//	err := errors.New(errors.ErrCodeSignerNotFound, "no default signer configured")
//
//	// Wrap an existing error
//	err := errors.Wrap(dbErr, errors.ErrCodeInternal, "failed to store access token")
//
//	// Use convenience constructors
//	err := errors.InvalidToken("refresh token expired")
//	err := errors.InvalidClient("client does not own refresh token")
//	err := errors.InvalidScope("requested scope exceeds granted scope")
//
// # Token Lifecycle Codes
//
//   - ErrCodeAuthenticationRequired: a token was requested without an authentication
//   - ErrCodeInvalidToken: token unknown, expired or failed verification
//   - ErrCodeInvalidClient: client unknown or not allowed the operation
//   - ErrCodeInvalidScope: requested scope is not a subset of the granted scope
//   - ErrCodeForbidden: token exists but belongs to another client
//
// # Key Management Codes
//
//   - ErrCodeSignerNotFound: no signer for the requested kid or algorithm
//   - ErrCodeKeyLoadFailed: a key could not be parsed or generated
//   - ErrCodeCacheLoadFailed: a cache loader failed (remote JWKS, key derivation)
//
// # Error Inspection
//
//	if errors.IsCode(err, errors.ErrCodeInvalidToken) {
//		// treat as inactive
//	}
//
//	code := errors.GetCode(err)
//	status := errors.MapErrorCodeToHTTPStatus(code)
//
// Error code to HTTP status mapping:
//   - ErrCodeInvalidInput, ErrCodeInvalidToken, ErrCodeInvalidScope → 400 Bad Request
//   - ErrCodeUnauthorized, ErrCodeInvalidClient, ErrCodeAuthenticationRequired → 401 Unauthorized
//   - ErrCodeForbidden → 403 Forbidden
//   - ErrCodeNotFound → 404 Not Found
//   - ErrCodeAlreadyExists → 409 Conflict
//   - ErrCodeCacheLoadFailed, ErrCodeTimeout → 503 Service Unavailable
//   - everything else → 500 Internal Server Error
//
// Messages must never include token values or key material.
package errors
