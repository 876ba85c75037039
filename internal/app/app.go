// Package app wires the stores and services from a validated configuration.
// Both the server and the admin CLI start from here.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"go.pilab.hu/fedauth/cache"
	redisstore "go.pilab.hu/fedauth/cache/redis"
	"go.pilab.hu/fedauth/config"
	"go.pilab.hu/fedauth/domain"
	"go.pilab.hu/fedauth/internal/crypto"
	"go.pilab.hu/fedauth/internal/federation"
	"go.pilab.hu/fedauth/internal/server"
	"go.pilab.hu/fedauth/mongodb"
	"go.pilab.hu/fedauth/services"
)

// App holds the wired dependencies.
type App struct {
	Accounts      domain.AccountRepository
	RefreshTokens domain.RefreshTokenRepository
	Validators    *federation.Registry
	AccessTokens  *services.AccessTokenService
	Refresh       *services.RefreshTokenService
	Resolver      *services.IdentityResolver
	Sessions      *services.SessionService

	// Checks are the backing stores GET /healthz pings.
	Checks map[string]server.Pinger

	closers []func(ctx context.Context) error
}

// New connects the stores selected by cfg and builds the services. Call
// Close to release them.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Checks: make(map[string]server.Pinger)}
	if err := a.init(ctx, cfg); err != nil {
		_ = a.Close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context, cfg *config.Config) error {
	mc, err := mongodb.Connect(ctx, cfg.Mongo.URI, cfg.Mongo.Database, cfg.Mongo.Timeout)
	if err != nil {
		return err
	}
	a.onClose(func(ctx context.Context) error { mc.Close(ctx); return nil })
	a.Checks["mongo"] = mc

	accounts, err := mongodb.NewAccountRepository(ctx, mc.Database())
	if err != nil {
		return fmt.Errorf("failed to initialize account repository: %w", err)
	}
	a.Accounts = accounts

	if a.RefreshTokens, err = a.refreshStore(ctx, cfg, mc); err != nil {
		return err
	}

	signer := services.NewTokenSigner()
	if err := signer.AddKey("", []byte(cfg.JWT.SigningKey)); err != nil {
		return err
	}
	a.AccessTokens, err = services.NewAccessTokenService(signer, services.AccessTokenConfig{
		Issuer:    cfg.JWT.Issuer,
		Audience:  cfg.JWT.Audience,
		Lifetime:  cfg.JWT.Lifetime,
		ClockSkew: cfg.JWT.ClockSkew,
	})
	if err != nil {
		return err
	}

	a.Refresh = services.NewRefreshTokenService(a.RefreshTokens, services.RefreshTokenConfig{
		Lifetime:      cfg.Refresh.Lifetime,
		RevokeOnReuse: cfg.Refresh.RevokeOnReuse,
	})
	a.Resolver = services.NewIdentityResolver(a.Accounts, services.IdentityResolverConfig{
		LinkByEmail: cfg.Auth.LinkByEmail,
	})

	a.Validators = a.validators(cfg)

	var sealer *crypto.Sealer
	if cfg.Auth.CredentialsKey != "" {
		if sealer, err = crypto.NewSealer([]byte(cfg.Auth.CredentialsKey)); err != nil {
			return fmt.Errorf("failed to initialize credentials sealer: %w", err)
		}
	}

	a.Sessions = services.NewSessionService(a.Validators, a.Resolver, a.Accounts, a.AccessTokens, a.Refresh, sealer,
		services.SessionConfig{RequireIDToken: cfg.Auth.RequireIDToken})
	return nil
}

func (a *App) refreshStore(ctx context.Context, cfg *config.Config, mc *mongodb.Client) (domain.RefreshTokenRepository, error) {
	switch cfg.Refresh.Store {
	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.onClose(func(context.Context) error { return client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.Checks["redis"] = redisPinger{client}
		log.Info().Str("addr", cfg.Redis.Addr).Msg("Using redis refresh token store")
		return redisstore.NewRefreshTokenStore(client, cfg.Redis.Prefix), nil

	case config.StoreMemory:
		store := cache.NewMemoryRefreshTokenStore(nil)
		a.onClose(func(context.Context) error { return store.Close() })
		log.Warn().Msg("Using in-memory refresh token store; tokens are lost on restart")
		return store, nil

	default:
		repo, err := mongodb.NewRefreshTokenRepository(ctx, mc.Database())
		if err != nil {
			return nil, fmt.Errorf("failed to initialize refresh token repository: %w", err)
		}
		return repo, nil
	}
}

// validators registers Google and Microsoft unconditionally, checking the
// caller's audience when no client id is configured. Facebook Limited Login
// needs a configured app id.
func (a *App) validators(cfg *config.Config) *federation.Registry {
	p := cfg.Providers
	keys := federation.NewKeySetCache(&http.Client{Timeout: p.HTTPTimeout}, federation.WithKeySetTTL(p.JWKSTTL))
	a.onClose(func(context.Context) error { keys.Close(); return nil })

	registry := federation.NewRegistry(
		federation.NewGoogleValidator(keys, federation.ValidatorConfig{
			ClientID:     p.Google.ClientID,
			DiscoveryURL: p.Google.DiscoveryURL,
			ClockSkew:    p.ClockSkew,
		}),
		federation.NewMicrosoftValidator(keys, federation.ValidatorConfig{
			ClientID:       p.Microsoft.ClientID,
			DiscoveryURL:   p.Microsoft.DiscoveryURL,
			ClockSkew:      p.ClockSkew,
			AllowedTenants: p.Microsoft.AllowedTenants,
		}),
	)
	if p.Facebook.AppID != "" {
		registry.Register(federation.NewFacebookValidator(keys, federation.ValidatorConfig{
			ClientID:     p.Facebook.AppID,
			DiscoveryURL: p.Facebook.DiscoveryURL,
			ClockSkew:    p.ClockSkew,
		}))
	}
	return registry
}

func (a *App) onClose(fn func(ctx context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
