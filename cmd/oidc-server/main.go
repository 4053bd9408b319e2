package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tendant/chi-demo/app"
	"github.com/tendant/simple-idp/pkg/clientkeys"
	"github.com/tendant/simple-idp/pkg/config"
	"github.com/tendant/simple-idp/pkg/introspection"
	"github.com/tendant/simple-idp/pkg/jwks"
	"github.com/tendant/simple-idp/pkg/keycache"
	"github.com/tendant/simple-idp/pkg/oauth2client"
	"github.com/tendant/simple-idp/pkg/ratelimit"
	"github.com/tendant/simple-idp/pkg/signing"
	"github.com/tendant/simple-idp/pkg/token"
	"github.com/tendant/simple-idp/pkg/token/api"
	"github.com/tendant/simple-idp/pkg/wellknown"
)

type Config struct {
	Keys     config.KeysConfig
	Token    config.TokenConfig
	Database config.DatabaseConfig

	RateLimit ratelimit.Config

	// ClientsDir holds clients.json; empty loads clients from OAUTH2_CLIENTS* variables
	ClientsDir string `env:"OAUTH2_CLIENTS_DIR" env-default:""`
	// ClientEncryptionKey encrypts client secrets at rest in ClientsDir
	ClientEncryptionKey string `env:"OAUTH2_CLIENT_ENCRYPTION_KEY" env-default:""`

	// UserInfoFile is a JSON object of user id to claims, used for introspection
	UserInfoFile string `env:"USERINFO_FILE" env-default:""`

	Scopes []string `env:"OIDC_SCOPES" env-separator:"," env-default:"openid,profile,email,offline_access"`

	// Server
	AppConfig app.AppConfig
}

type services struct {
	signer        *signing.Service
	clients       *oauth2client.ClientService
	resolver      *clientkeys.Resolver
	tokens        *token.Service
	introspection *introspection.Service
	closers       []func()
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: true,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting OIDC token server")

	loadEnvFile()

	cfg := Config{}
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		slog.Error("Failed to read configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Keys.Validate(); err != nil {
		slog.Error("Invalid key configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Token.Validate(); err != nil {
		slog.Error("Invalid token configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svcs, err := initializeServices(ctx, &cfg)
	if err != nil {
		slog.Error("Failed to initialize services", "error", err)
		os.Exit(1)
	}
	defer func() {
		for _, closeFn := range svcs.closers {
			closeFn()
		}
	}()

	if err := keycache.RegisterMetrics(nil); err != nil {
		slog.Error("Failed to register cache metrics", "error", err)
		os.Exit(1)
	}
	if err := ratelimit.RegisterMetrics(nil); err != nil {
		slog.Error("Failed to register rate limit metrics", "error", err)
		os.Exit(1)
	}

	server := app.DefaultApp()
	setupRoutes(server.R, svcs, &cfg)

	signers, verifiers := svcs.signer.KeyIDs()
	slog.Info("OIDC token server ready",
		"issuer", cfg.Keys.Issuer,
		"token_store", cfg.Token.StoreDriver,
		"signers", signers,
		"verifiers", verifiers,
		"default_kid", svcs.signer.DefaultSignerKeyID())

	server.Run()
}

func initializeServices(ctx context.Context, cfg *Config) (*services, error) {
	svcs := &services{}

	signer, err := loadSigner(ctx, cfg.Keys)
	if err != nil {
		return nil, err
	}
	svcs.signer = signer

	clientRepo, err := loadClientRepository(cfg)
	if err != nil {
		return nil, err
	}
	svcs.clients = oauth2client.NewClientService(clientRepo)

	svcs.resolver, err = clientkeys.NewResolver(cfg.Keys)
	if err != nil {
		return nil, err
	}

	repo, closeRepo, err := openTokenRepository(ctx, cfg)
	if err != nil {
		return nil, err
	}
	svcs.closers = append(svcs.closers, closeRepo)

	accessTTL, err := cfg.Token.ParseAccessTokenExpiry()
	if err != nil {
		return nil, err
	}
	refreshTTL, err := cfg.Token.ParseRefreshTokenExpiry()
	if err != nil {
		return nil, err
	}
	idTokenTTL, err := cfg.Token.ParseIDTokenExpiry()
	if err != nil {
		return nil, err
	}

	svcs.tokens = token.NewService(repo, svcs.clients, signer,
		token.WithIssuer(cfg.Keys.Issuer),
		token.WithAccessTokenValidity(accessTTL),
		token.WithRefreshTokenValidity(refreshTTL),
		token.WithIDTokenValidity(idTokenTTL),
		token.WithEncrypterResolver(svcs.resolver),
	)

	var introspectionOpts []introspection.Option
	if cfg.UserInfoFile != "" {
		users, err := introspection.LoadUserInfoFile(cfg.UserInfoFile)
		if err != nil {
			return nil, err
		}
		introspectionOpts = append(introspectionOpts, introspection.WithUserInfoProvider(users))
		slog.Info("Loaded user info", "path", cfg.UserInfoFile)
	}
	svcs.introspection = introspection.NewService(svcs.tokens, svcs.clients, introspectionOpts...)

	return svcs, nil
}

// loadSigner builds the provider signing service from the key store, generating
// a key for the default algorithm on first start
func loadSigner(ctx context.Context, cfg config.KeysConfig) (*signing.Service, error) {
	var repo jwks.KeyRepository = jwks.NewInMemoryKeyRepository()
	if cfg.KeyStoreFile != "" {
		fileRepo, err := jwks.NewFileKeyRepository(cfg.KeyStoreFile)
		if err != nil {
			return nil, err
		}
		repo = fileRepo
	} else {
		slog.Warn("KEYS_STORE_FILE not set, provider keys are regenerated on every start")
	}

	store := jwks.NewKeyStoreService(repo, jwks.WithRetainedKeys(cfg.RotationRetainKeys))
	active, err := store.EnsureActiveKey(ctx, cfg.DefaultSigningAlgorithm)
	if err != nil {
		return nil, err
	}
	slog.Info("Provider signing key", "kid", active.Kid(), "alg", cfg.DefaultSigningAlgorithm)

	var opts []signing.Option
	if cfg.DefaultSignerKeyID != "" {
		opts = append(opts, signing.WithDefaultSignerKeyID(cfg.DefaultSignerKeyID))
	}
	if cfg.DefaultSigningAlgorithm != "" {
		opts = append(opts, signing.WithDefaultAlgorithm(cfg.DefaultSigningAlgorithm))
	}
	return signing.NewFromKeyStore(ctx, store, opts...)
}

func loadClientRepository(cfg *Config) (oauth2client.OAuth2ClientRepository, error) {
	if cfg.ClientsDir == "" {
		return oauth2client.NewEnvOAuth2ClientRepository()
	}

	var opts []oauth2client.FileRepositoryOption
	if cfg.ClientEncryptionKey != "" {
		enc, err := oauth2client.NewEncryptionService(cfg.ClientEncryptionKey)
		if err != nil {
			return nil, err
		}
		opts = append(opts, oauth2client.WithSecretEncryption(enc))
	}
	return oauth2client.NewFileOAuth2ClientRepository(cfg.ClientsDir, opts...)
}

// openTokenRepository opens the configured token store and returns its cleanup function
func openTokenRepository(ctx context.Context, cfg *Config) (token.Repository, func(), error) {
	sweep, err := cfg.Token.ParseSweepInterval()
	if err != nil {
		return nil, nil, err
	}

	switch cfg.Token.StoreDriver {
	case config.TokenStoreRedis:
		repo, err := token.NewRedisRepository(ctx, cfg.Token.RedisAddr, cfg.Token.RedisPassword, cfg.Token.RedisDB, cfg.Token.RedisPrefix)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("Token store connected", "driver", "redis", "addr", cfg.Token.RedisAddr)
		return repo, func() { repo.Close() }, nil

	case config.TokenStorePostgres:
		pool, err := pgxpool.New(ctx, cfg.Database.ToDatabaseURL())
		if err != nil {
			slog.Error("Failed to connect to database",
				"host", cfg.Database.Host,
				"port", cfg.Database.Port,
				"database", cfg.Database.Database,
				"error", err)
			return nil, nil, err
		}
		repo, err := token.NewPostgresRepository(pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		if err := repo.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		slog.Info("Token store connected", "driver", "postgres", "database", cfg.Database.Database)
		go sweepExpired(ctx, repo, sweep)
		return repo, pool.Close, nil

	default:
		repo := token.NewMemoryRepository(sweep)
		return repo, func() {}, nil
	}
}

func sweepExpired(ctx context.Context, repo *token.PostgresRepository, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := repo.DeleteExpired(ctx)
			if err != nil {
				slog.Warn("Failed to sweep expired tokens", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("Swept expired tokens", "count", n)
			}
		}
	}
}

func setupRoutes(r *chi.Mux, svcs *services, cfg *Config) {
	app.RoutesHealthz(r)
	app.RoutesHealthzReady(r)

	r.Handle("/metrics", promhttp.Handler())

	wellknown.NewHandler(wellknown.Config{
		Issuer:                    cfg.Keys.Issuer,
		Scopes:                    cfg.Scopes,
		ClientAssertionAlgorithms: []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512", "ES256", "ES384", "ES512", "HS256", "HS384", "HS512"},
	}, svcs.signer).RegisterRoutes(r)

	tokenAPI := api.NewHandle(svcs.tokens, svcs.introspection, svcs.clients,
		api.WithClientAssertions(svcs.resolver, cfg.Keys.Issuer, cfg.Keys.Issuer+api.TokenPath),
	)
	limiter := ratelimit.NewMiddleware(&cfg.RateLimit)
	r.Group(func(r chi.Router) {
		r.Use(limiter.Handler)
		tokenAPI.RegisterRoutes(r)
	})
}

// loadEnvFile loads environment variables from a .env file next to the binary or in the working directory
func loadEnvFile() {
	envFile := ".env"
	if execPath, err := os.Executable(); err == nil {
		envFile = filepath.Join(filepath.Dir(execPath), ".env")
	}
	if _, err := os.Stat(envFile); os.IsNotExist(err) {
		cwd, _ := os.Getwd()
		envFile = filepath.Join(cwd, ".env")
	}

	if _, err := os.Stat(envFile); os.IsNotExist(err) {
		slog.Debug("No .env file found (using environment variables or defaults)")
		return
	}

	slog.Info("Loading configuration from .env file", "path", envFile)
	if err := godotenv.Load(envFile); err != nil {
		slog.Warn("Failed to load .env file", "error", err)
	}
}
