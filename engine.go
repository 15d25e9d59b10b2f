package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/giantswarm/idp-engine/claims"
	"github.com/giantswarm/idp-engine/credentials"
	"github.com/giantswarm/idp-engine/instrumentation"
	"github.com/giantswarm/idp-engine/registry"
	"github.com/giantswarm/idp-engine/security"
	"github.com/giantswarm/idp-engine/server"
	"github.com/giantswarm/idp-engine/storage"
	"github.com/giantswarm/idp-engine/storage/memory"
	"github.com/giantswarm/idp-engine/storage/redis"
	"github.com/giantswarm/idp-engine/token"
)

// Engine is a fully wired authorization engine: the grant evaluator with
// its registry, validator, claims assembler, token issuer and store.
type Engine struct {
	Server          *server.Server
	Registry        *registry.Registry
	Store           storage.Store
	Keys            *token.KeySet
	Instrumentation *instrumentation.Instrumentation

	// RateLimiter is nil when rate limiting is disabled.
	RateLimiter *security.RateLimiter

	Config *Config
	Logger *slog.Logger

	closers []func(context.Context) error
}

// NewEngine builds an engine from process configuration. The context bounds
// connecting to external storage.
func NewEngine(ctx context.Context, cfg *Config, logger *slog.Logger) (_ *Engine, err error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = e.Close(context.Background())
		}
	}()

	e.Registry, err = registry.Load(cfg.Registry)
	if err != nil {
		return nil, err
	}

	hasher, err := security.HasherByName(cfg.SecretHasher)
	if err != nil {
		return nil, err
	}

	var users *credentials.StaticUserStore
	if cfg.Users != "" {
		users, err = credentials.LoadUsers(cfg.Users, hasher)
		if err != nil {
			return nil, err
		}
	}

	e.Instrumentation, err = instrumentation.New(instrumentation.Config{
		ServiceName:    cfg.Instrumentation.ServiceName,
		ServiceVersion: cfg.Instrumentation.ServiceVersion,
		Enabled:        cfg.Instrumentation.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize instrumentation: %w", err)
	}
	e.closers = append(e.closers, e.Instrumentation.Shutdown)

	e.Store, err = e.openStore(ctx)
	if err != nil {
		return nil, err
	}

	if cfg.SigningKey != "" {
		e.Keys, err = token.LoadKeySet(cfg.SigningKey)
	} else {
		logger.Warn("No signing key configured, generating an ephemeral key",
			"impact", "issued tokens become unverifiable on restart")
		e.Keys, err = token.GenerateKeySet()
	}
	if err != nil {
		return nil, err
	}

	// Typed nil pointers must not reach the interface-typed collaborators.
	var userStore credentials.UserStore
	var profiles claims.ProfileSource
	if users != nil {
		userStore = users
		profiles = users
	}

	validator := credentials.NewValidator(hasher, userStore)
	validator.Timeout = cfg.Timeouts.UserStore
	validator.Logger = logger
	validator.SetInstrumentation(e.Instrumentation)

	assembler := claims.NewAssembler(e.Registry, profiles)
	assembler.Timeout = cfg.Timeouts.UserStore
	assembler.Logger = logger
	assembler.SetInstrumentation(e.Instrumentation)

	issuer := token.NewIssuer(cfg.Issuer, e.Keys, e.Store)
	issuer.SetLogger(logger)
	issuer.SetInstrumentation(e.Instrumentation)

	e.Server, err = server.New(e.Registry, validator, assembler, issuer, e.Store, &server.Config{
		Issuer:                     cfg.Issuer,
		ConsentLifetime:            int64(cfg.Policy.ConsentLifetime.Seconds()),
		RevokedFamilyRetentionDays: cfg.Policy.RevokedFamilyRetentionDays,
		RequirePKCE:                cfg.Policy.RequirePKCE,
		TrustProxy:                 cfg.Policy.TrustProxy,
		TrustedProxyCount:          cfg.Policy.TrustedProxyCount,
		AllowInsecureHTTP:          cfg.Policy.AllowInsecureHTTP,
	}, logger)
	if err != nil {
		return nil, err
	}
	e.Server.SetAuditor(security.NewAuditor(logger, cfg.AuditLogging))
	e.Server.SetInstrumentation(e.Instrumentation)

	if cfg.RateLimit.RequestsPerSecond > 0 {
		e.RateLimiter = security.NewRateLimiter(security.RateLimiterConfig{
			RequestsPerSecond: float64(cfg.RateLimit.RequestsPerSecond),
			Burst:             cfg.RateLimit.Burst,
			MaxEntries:        cfg.RateLimit.MaxEntries,
		}, logger)
		e.closers = append(e.closers, func(context.Context) error {
			e.RateLimiter.Stop()
			return nil
		})
	}

	logger.Info("Authorization engine initialized",
		"issuer", cfg.Issuer,
		"storage", cfg.Storage.Type,
		"clients", len(e.Registry.Clients()),
		"key_id", e.Keys.KeyID())
	return e, nil
}

func (e *Engine) openStore(ctx context.Context) (storage.Store, error) {
	switch e.Config.Storage.Type {
	case StorageRedis:
		rc := e.Config.Storage.Redis
		var key []byte
		if rc.EncryptionKey != "" {
			var err error
			if key, err = security.KeyFromBase64(rc.EncryptionKey); err != nil {
				return nil, err
			}
		}
		store, err := redis.New(ctx, redis.Config{
			Addrs:         rc.Addrs,
			MasterName:    rc.MasterName,
			Username:      rc.Username,
			Password:      rc.Password,
			DB:            rc.DB,
			KeyPrefix:     rc.KeyPrefix,
			EncryptionKey: key,
			DialTimeout:   rc.DialTimeout,
		})
		if err != nil {
			return nil, err
		}
		store.SetLogger(e.Logger)
		store.SetInstrumentation(e.Instrumentation)
		e.closers = append(e.closers, func(context.Context) error { return store.Close() })
		return store, nil
	default:
		store := memory.New()
		store.SetLogger(e.Logger)
		store.SetInstrumentation(e.Instrumentation)
		e.closers = append(e.closers, func(context.Context) error {
			store.Stop()
			return nil
		})
		return store, nil
	}
}

// Close releases the store, rate limiter and instrumentation, in reverse
// order of creation.
func (e *Engine) Close(ctx context.Context) error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}
