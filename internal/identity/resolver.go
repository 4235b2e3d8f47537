package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jackc/pgx/v5/pgxpool"

	"pasofino/internal/config"
	"pasofino/internal/constants"
	"pasofino/internal/logger"
	"pasofino/internal/platform"
)

type ResolverOptions struct {
	Provider platform.Handle[*Provider]
	// Verifier is optional; without it every lookup goes to the provider.
	Verifier *Verifier
	// Roles is optional; without it the role comes from the token app metadata.
	Roles     RoleStore
	CacheSize int
	CacheTTL  time.Duration
}

// Resolver turns access tokens into users, caching the answer for a short
// while so page loads do not hit the provider and the database every time.
type Resolver struct {
	provider platform.Handle[*Provider]
	verifier *Verifier
	roles    RoleStore
	cache    *expirable.LRU[string, User]
	log      logger.Logger
}

func NewResolver(opts ResolverOptions, log logger.Logger) *Resolver {
	if opts.CacheSize <= 0 {
		opts.CacheSize = constants.IdentityCacheSize
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = constants.IdentityCacheTTL
	}
	return &Resolver{
		provider: opts.Provider,
		verifier: opts.Verifier,
		roles:    opts.Roles,
		cache:    expirable.NewLRU[string, User](opts.CacheSize, nil, opts.CacheTTL),
		log:      logger.OrDefault(log).WithField("component", "identity"),
	}
}

// ResolverFrom wires a resolver from the process-wide client handles.
func ResolverFrom(creds platform.Handle[config.IdentityConfig], db platform.Handle[*pgxpool.Pool], log logger.Logger) *Resolver {
	opts := ResolverOptions{Provider: ProviderFrom(creds)}
	if cfg, ok := creds.Get(); ok && cfg.JWTSecret != "" {
		opts.Verifier = NewVerifier(cfg.JWTSecret)
	}
	if pool, ok := db.Get(); ok {
		opts.Roles = NewPostgresRoles(pool)
	}
	return NewResolver(opts, log)
}

// Enabled reports whether any token can ever resolve.
func (r *Resolver) Enabled() bool {
	return r.verifier != nil || r.provider.IsConfigured()
}

// Resolve returns the user behind accessToken. ErrUnauthenticated means the
// token is not valid; any other error means the answer is unknown.
func (r *Resolver) Resolve(ctx context.Context, accessToken string) (User, error) {
	if accessToken == "" {
		return User{}, ErrUnauthenticated
	}
	key := tokenKey(accessToken)
	if u, ok := r.cache.Get(key); ok {
		return u, nil
	}

	u, err := r.lookup(ctx, accessToken)
	if err != nil {
		return User{}, err
	}

	if r.roles != nil {
		role, err := r.roles.Role(ctx, u.ID)
		if err != nil {
			r.log.WithError(err).Warnf("⚠️  Role lookup failed for %s", u.ID)
			return u, fmt.Errorf("resolve role for %s: %w", u.ID, err)
		}
		u.Role = role
	}

	r.cache.Add(key, u)
	return u, nil
}

func (r *Resolver) lookup(ctx context.Context, accessToken string) (User, error) {
	if r.verifier != nil {
		return r.verifier.Verify(accessToken)
	}
	provider, ok := r.provider.Get()
	if !ok {
		return User{}, ErrNotConfigured
	}
	return provider.GetUser(ctx, accessToken)
}

func (r *Resolver) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	provider, ok := r.provider.Get()
	if !ok {
		return Session{}, ErrNotConfigured
	}
	return provider.Refresh(ctx, refreshToken)
}

func (r *Resolver) Expired(accessToken string) bool {
	return Expired(accessToken, time.Now())
}

func tokenKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
