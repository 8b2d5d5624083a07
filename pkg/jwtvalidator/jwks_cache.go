package jwtvalidator

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"golang.org/x/time/rate"

	"github.com/oboauth/delegation-engine/pkg/logger"
)

// DefaultJWKSTTL is the minimum interval between refreshes of a cached
// key set.
const DefaultJWKSTTL = 5 * time.Minute

// kidRefreshWindow bounds forced refreshes triggered by an unknown kid to
// one attempt per jwksUri per window. A token stream cycling fabricated
// kids cannot turn the validator into a JWKS fetch amplifier.
const kidRefreshWindow = 10 * time.Second

// jwksCache caches JWKS documents keyed by jwksUri, backed by a
// jwk.Cache over an httprc client. Concurrent fetches for the same uri
// coalesce inside the cache; a forced refresh triggered by an unknown kid
// is rate-limited per uri. Reads of an already-fetched set are wait-free.
type jwksCache struct {
	cache      *jwk.Cache
	httpClient *http.Client
	ttl        time.Duration

	mu         sync.Mutex
	registered map[string]bool

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

func newJWKSCache(ctx context.Context, httpClient *http.Client, ttl time.Duration) (*jwksCache, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if ttl <= 0 {
		ttl = DefaultJWKSTTL
	}
	cache, err := jwk.NewCache(ctx, httprc.NewClient(httprc.WithHTTPClient(httpClient)))
	if err != nil {
		return nil, fmt.Errorf("create jwks cache: %w", err)
	}
	return &jwksCache{
		cache:      cache,
		httpClient: httpClient,
		ttl:        ttl,
		registered: make(map[string]bool),
		limiters:   make(map[string]*rate.Limiter),
	}, nil
}

func (c *jwksCache) register(ctx context.Context, uri string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.registered[uri] {
		return nil
	}
	err := c.cache.Register(ctx, uri,
		jwk.WithMinInterval(c.ttl),
		jwk.WithHTTPClient(c.httpClient),
	)
	if err != nil {
		return fmt.Errorf("register jwks %s: %w", uri, err)
	}
	c.registered[uri] = true
	return nil
}

// get returns the key set for uri, fetching it on first access. The
// underlying cache coalesces concurrent fetches for the same uri, so
// parallel validations trigger at most one network round trip.
func (c *jwksCache) get(ctx context.Context, uri string) (jwk.Set, error) {
	if err := c.register(ctx, uri); err != nil {
		return nil, err
	}
	set, err := c.cache.Lookup(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("fetch jwks %s: %w", uri, err)
	}
	return set, nil
}

// forceRefresh re-fetches uri unconditionally, but only once per
// kidRefreshWindow. Callers past the limit get the cached set back
// unchanged, so a second unknown-kid miss within the window does not
// trigger a second network fetch.
func (c *jwksCache) forceRefresh(ctx context.Context, uri string) (jwk.Set, error) {
	if !c.refreshAllowed(uri) {
		return c.get(ctx, uri)
	}
	if err := c.register(ctx, uri); err != nil {
		return nil, err
	}
	set, err := c.cache.Refresh(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("refresh jwks %s: %w", uri, err)
	}
	logger.Debugf("jwtvalidator: forced jwks refresh for %s", uri)
	return set, nil
}

func (c *jwksCache) refreshAllowed(uri string) bool {
	c.limiterMu.Lock()
	lim, ok := c.limiters[uri]
	if !ok {
		lim = rate.NewLimiter(rate.Every(kidRefreshWindow), 1)
		c.limiters[uri] = lim
	}
	c.limiterMu.Unlock()
	return lim.Allow()
}
