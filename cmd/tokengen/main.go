package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/tendant/simple-idp/pkg/clientkeys"
	"github.com/tendant/simple-idp/pkg/jwks"
	"github.com/tendant/simple-idp/pkg/signing"
	"github.com/tendant/simple-idp/pkg/token/api"
)

const usage = `Usage: tokengen <command> [flags]

Commands:
  genkey     generate a private JWK Set holding one key
  sign       sign a claim set
  verify     verify a compact JWS and print its claims
  assertion  create a client assertion for private_key_jwt or client_secret_jwt
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "genkey":
		err = runGenKey(args)
	case "sign":
		err = runSign(args)
	case "verify":
		err = runVerify(args)
	case "assertion":
		err = runAssertion(args)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		slog.Error("tokengen failed", "err", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// keyFlags selects the key material shared by sign, verify and assertion
type keyFlags struct {
	keysFile *string
	secret   *string
	kid      *string
	alg      *string
	policy   *string
}

func addKeyFlags(fs *flag.FlagSet) *keyFlags {
	return &keyFlags{
		keysFile: fs.String("keys", "", "JWK Set file (private keys to sign, public keys to verify)"),
		secret:   fs.String("secret", "", "Shared secret; used instead of -keys for HMAC algorithms"),
		kid:      fs.String("kid", "", "Key ID to sign with; empty uses the only key"),
		alg:      fs.String("alg", "", "Signing algorithm; empty uses the key's default"),
		policy:   fs.String("missing-kid", string(jwks.RejectMissingKeyID), "Policy for keys without a kid: reject or assign-random"),
	}
}

func (k *keyFlags) service() (*signing.Service, error) {
	var opts []signing.Option
	if *k.alg != "" {
		opts = append(opts, signing.WithDefaultAlgorithm(*k.alg))
	}
	if *k.kid != "" {
		opts = append(opts, signing.WithDefaultSignerKeyID(*k.kid))
	}

	switch {
	case *k.secret != "":
		if *k.kid == "" {
			*k.kid = clientkeys.SymmetricKeyID
			opts = append(opts, signing.WithDefaultSignerKeyID(*k.kid))
		}
		return signing.New([]*jwks.KeyMaterial{jwks.NewSymmetricKey(*k.kid, []byte(*k.secret), *k.alg)}, opts...)
	case *k.keysFile != "":
		data, err := os.ReadFile(*k.keysFile)
		if err != nil {
			return nil, err
		}
		return signing.NewFromKeySet(data, jwks.MissingKeyIDPolicy(*k.policy), opts...)
	}
	return nil, fmt.Errorf("one of -keys or -secret is required")
}

func sign(svc *signing.Service, claims jwt.MapClaims, alg string) (string, error) {
	if alg == "" {
		alg = svc.DefaultAlgorithm()
	}
	method := jwt.GetSigningMethod(alg)
	if method == nil {
		return "", fmt.Errorf("unsupported algorithm %q", alg)
	}
	tok := jwt.NewWithClaims(method, claims)
	if svc.DefaultSignerKeyID() != "" {
		return svc.Sign(tok, "")
	}
	return svc.SignWithAlgorithm(tok, alg)
}

func runGenKey(args []string) error {
	fs := flag.NewFlagSet("genkey", flag.ExitOnError)
	alg := fs.String("alg", "RS256", "Algorithm the key is for (RS*, PS*, ES*, HS*)")
	public := fs.Bool("public", false, "Print the public JWK Set instead of the private one")
	fs.Parse(args)

	store := jwks.NewKeyStoreService(jwks.NewInMemoryKeyRepository())
	key, err := store.GenerateKey(context.Background(), *alg)
	if err != nil {
		return err
	}
	materials, err := store.KeyMaterials(context.Background())
	if err != nil {
		return err
	}

	var data []byte
	if *public {
		data, err = jwks.MarshalPublicKeySet(materials)
	} else {
		data, err = jwks.MarshalKeySet(materials)
	}
	if err != nil {
		return err
	}
	slog.Debug("Generated key", "kid", key.Kid(), "alg", *alg)
	fmt.Println(string(data))
	return nil
}

func runSign(args []string) error {
	fs := flag.NewFlagSet("sign", flag.ExitOnError)
	keys := addKeyFlags(fs)
	issuer := fs.String("issuer", "simple-idp", "Issuer of the token")
	audience := fs.String("audience", "", "Audience of the token")
	subject := fs.String("subject", "test-subject", "Subject of the token (usually user ID)")
	scope := fs.String("scope", "", "Space separated scope claim")
	expiry := fs.Duration("expiry", 30*time.Minute, "Token expiry duration (e.g., 30m, 1h, 24h)")
	extraClaimsJSON := fs.String("claims", "{}", "Extra claims in JSON format")
	fs.Parse(args)

	svc, err := keys.service()
	if err != nil {
		return err
	}

	claims := jwt.MapClaims{}
	if err := json.Unmarshal([]byte(*extraClaimsJSON), &claims); err != nil {
		return fmt.Errorf("failed to parse extra claims JSON: %w", err)
	}
	now := time.Now()
	claims["iss"] = *issuer
	claims["sub"] = *subject
	claims["iat"] = now.Unix()
	claims["exp"] = now.Add(*expiry).Unix()
	claims["jti"] = uuid.New().String()
	if *audience != "" {
		claims["aud"] = *audience
	}
	if *scope != "" {
		claims["scope"] = *scope
	}

	compact, err := sign(svc, claims, *keys.alg)
	if err != nil {
		return err
	}
	fmt.Println(compact)
	return nil
}

func runVerify(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	keys := addKeyFlags(fs)
	compact := fs.String("token", "", "Compact JWS to verify; read from stdin when empty")
	fs.Parse(args)

	svc, err := keys.service()
	if err != nil {
		return err
	}

	value := *compact
	if value == "" {
		data, err := os.ReadFile("/dev/stdin")
		if err != nil {
			return err
		}
		value = strings.TrimSpace(string(data))
	}

	claims, err := svc.Parse(value)
	if err != nil {
		return err
	}
	out, _ := json.MarshalIndent(claims, "", "  ")
	fmt.Printf("%s\n", out)
	return nil
}

func runAssertion(args []string) error {
	fs := flag.NewFlagSet("assertion", flag.ExitOnError)
	keys := addKeyFlags(fs)
	clientID := fs.String("client-id", "", "Client ID (iss and sub of the assertion)")
	audience := fs.String("audience", "", "Token endpoint URL or issuer of the provider")
	lifetime := fs.Duration("lifetime", 5*time.Minute, "Assertion lifetime")
	fs.Parse(args)

	if *clientID == "" || *audience == "" {
		return fmt.Errorf("-client-id and -audience are required")
	}
	svc, err := keys.service()
	if err != nil {
		return err
	}

	compact, err := sign(svc, api.NewAssertion(*clientID, *audience, uuid.New().String(), *lifetime), *keys.alg)
	if err != nil {
		return err
	}
	fmt.Println(compact)
	return nil
}
