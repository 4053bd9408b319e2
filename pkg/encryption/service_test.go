package encryption

import (
	"testing"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-idp/pkg/errors"
	"github.com/tendant/simple-idp/pkg/jwks"
)

func encKey(km *jwks.KeyMaterial) *jwks.KeyMaterial {
	km.Use = jwks.UseEncryption
	return km
}

func TestRoundTrip(t *testing.T) {
	rsaKey, err := jwks.GenerateRSAKeyPair(2048)
	require.NoError(t, err)
	ecKey, err := jwks.GenerateECKeyPair("ES256")
	require.NoError(t, err)

	cases := []struct {
		name string
		key  *jwks.KeyMaterial
		alg  string
	}{
		{"rsa", encKey(jwks.NewRSAKey("rsa", rsaKey, "")), "RSA-OAEP-256"},
		{"ec", encKey(jwks.NewECKey("ec", ecKey, "")), "ECDH-ES+A256KW"},
		{"aes key wrap", encKey(jwks.NewSymmetricKey("aes", []byte("0123456789abcdef0123456789abcdef"), "")), "A256KW"},
		{"password secret", encKey(jwks.NewSymmetricKey("pw", []byte("s3cr3t"), "")), "PBES2-HS256+A128KW"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, err := New([]*jwks.KeyMaterial{tc.key})
			require.NoError(t, err)
			assert.Contains(t, svc.SupportedAlgorithms(), tc.alg)

			compact, err := svc.Encrypt([]byte(`{"sub":"alice"}`), "")
			require.NoError(t, err)

			obj, err := jose.ParseEncrypted(compact, []jose.KeyAlgorithm{jose.KeyAlgorithm(tc.alg)}, contentEncryptions)
			require.NoError(t, err)
			assert.Equal(t, tc.key.ID, obj.Header.KeyID)

			plaintext, err := svc.Decrypt(compact)
			require.NoError(t, err)
			assert.JSONEq(t, `{"sub":"alice"}`, string(plaintext))
		})
	}
}

func TestEncryptToPublicKeyOnly(t *testing.T) {
	rsaKey, err := jwks.GenerateRSAKeyPair(2048)
	require.NoError(t, err)
	private := encKey(jwks.NewRSAKey("rsa", rsaKey, ""))

	publicSvc, err := New([]*jwks.KeyMaterial{private.PublicOnly()})
	require.NoError(t, err)
	privateSvc, err := New([]*jwks.KeyMaterial{private})
	require.NoError(t, err)

	compact, err := publicSvc.EncryptWithAlgorithm([]byte("hello"), "RSA-OAEP")
	require.NoError(t, err)

	_, err = publicSvc.Decrypt(compact)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidToken))

	plaintext, err := privateSvc.Decrypt(compact)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(plaintext))

	set := publicSvc.PublicKeySet()
	require.Len(t, set.Keys, 1)
	assert.True(t, set.Keys[0].IsPublic())
}

func TestDecryptWithOtherSecret(t *testing.T) {
	mine, err := New([]*jwks.KeyMaterial{encKey(jwks.NewSymmetricKey("k", []byte("s3cr3t"), ""))})
	require.NoError(t, err)
	theirs, err := New([]*jwks.KeyMaterial{encKey(jwks.NewSymmetricKey("k", []byte("other"), ""))})
	require.NoError(t, err)

	compact, err := mine.Encrypt([]byte("hello"), "k")
	require.NoError(t, err)

	_, err = theirs.Decrypt(compact)
	assert.Error(t, err)

	_, err = mine.Decrypt("garbage")
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidToken))
}

func TestNewSkipsSigningKeys(t *testing.T) {
	svc, err := New([]*jwks.KeyMaterial{jwks.NewSymmetricKey("sig", []byte("s3cr3t"), "HS256")})
	require.NoError(t, err)
	assert.Empty(t, svc.SupportedAlgorithms())
	assert.Empty(t, svc.DefaultEncrypterKeyID())

	_, err = svc.Encrypt([]byte("x"), "")
	assert.Error(t, err)
	_, err = svc.EncryptWithAlgorithm([]byte("x"), "A256KW")
	assert.Error(t, err)
}
