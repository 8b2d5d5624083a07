// Package corecontext wires the engine's components together, leaves
// first: audit, then the JWT validator, the authentication service, the
// token cache, the token-exchange service, and finally the delegation
// registry with its modules. Teardown reverses the order and is
// idempotent.
package corecontext

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/oboauth/delegation-engine/pkg/audit"
	"github.com/oboauth/delegation-engine/pkg/authn"
	"github.com/oboauth/delegation-engine/pkg/delegation"
	"github.com/oboauth/delegation-engine/pkg/idp"
	"github.com/oboauth/delegation-engine/pkg/jwtvalidator"
	"github.com/oboauth/delegation-engine/pkg/logger"
	"github.com/oboauth/delegation-engine/pkg/metrics"
	"github.com/oboauth/delegation-engine/pkg/tokencache"
	"github.com/oboauth/delegation-engine/pkg/tokenexchange"
)

// Config is the minimal set of inputs CoreContext needs to build the
// engine; the caller (the binary's main, or a transport adapter) is
// responsible for decoding the configuration document and resolving
// secrets before constructing this.
type Config struct {
	TrustedIDPs []*idp.Config
	Audit       *audit.Config
	CacheConfig tokencache.Config
	HTTPClient  *http.Client
	Modules     []delegation.Module

	// Prometheus, when set, receives the engine's collectors at build
	// time. Nil leaves them unregistered (tests, embedded use).
	Prometheus prometheus.Registerer
}

// CoreContext exclusively owns every long-lived engine component and
// guarantees leaf-first build order and reverse-order teardown.
type CoreContext struct {
	Audit     audit.Service
	Trust     *idp.TrustList
	Validator *jwtvalidator.Validator
	Authn     *authn.Service
	Cache     *tokencache.Cache
	Exchange  *tokenexchange.Service
	Registry  *delegation.Registry
	Metrics   *metrics.Registry

	cancel context.CancelFunc

	mu        sync.Mutex
	destroyed bool
}

// New builds a CoreContext from cfg in dependency order. ctx bounds the
// lifetime of background machinery (JWKS refresh); New derives its own
// cancelable child, released by Destroy. JWKS preflight is deferred to
// Initialize.
func New(ctx context.Context, cfg Config) (*CoreContext, error) {
	trust, err := idp.NewTrustList(cfg.TrustedIDPs)
	if err != nil {
		return nil, fmt.Errorf("corecontext: %w", err)
	}

	metricsReg := metrics.New()
	if cfg.Prometheus != nil {
		metricsReg.MustRegister(cfg.Prometheus)
	}
	if cfg.Audit != nil && cfg.Audit.OnOverflow == nil {
		cfg.Audit.OnOverflow = metricsReg.OverflowCallback()
	}
	sink := audit.New(cfg.Audit)

	bgCtx, cancel := context.WithCancel(ctx)

	validator, err := jwtvalidator.New(bgCtx, trust, jwtvalidator.Options{HTTPClient: cfg.HTTPClient})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("corecontext: %w", err)
	}
	authnSvc := authn.New(validator, sink)

	cache, err := tokencache.New(cfg.CacheConfig)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("corecontext: token cache: %w", err)
	}

	exchange := tokenexchange.New(cache, sink, cfg.HTTPClient).WithMetrics(metricsReg)

	registry := delegation.New(sink)
	for _, m := range cfg.Modules {
		if err := registry.Register(m); err != nil {
			cancel()
			return nil, fmt.Errorf("corecontext: %w", err)
		}
	}

	return &CoreContext{
		Audit:     sink,
		Trust:     trust,
		Validator: validator,
		Authn:     authnSvc,
		Cache:     cache,
		Exchange:  exchange,
		Registry:  registry,
		Metrics:   metricsReg,
		cancel:    cancel,
	}, nil
}

// Initialize runs JWKS preflight for every trusted IdP; an unreachable
// IdP is logged as a warning, not fatal.
func (c *CoreContext) Initialize(ctx context.Context) {
	c.Authn.Initialize(ctx)
}

// Destroy tears down the engine in reverse of the build order: delegation
// modules first, then the token cache (wiping entries and zeroizing its
// root key), then the JWKS refresh machinery, leaving audit for last
// since other components may still log during their own teardown.
// Idempotent.
func (c *CoreContext) Destroy() []error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil
	}
	c.destroyed = true
	c.mu.Unlock()

	errs := c.Registry.DestroyAll()
	c.Cache.Destroy()
	c.cancel()
	logger.Infof("corecontext: shutdown complete")
	return errs
}

// NewDelegationContext builds a delegation.Context for one tool
// invocation, wiring in this CoreContext's token-exchange service. Its
// signature matches tooldispatch.ContextFactory.
func (c *CoreContext) NewDelegationContext(ctx context.Context, sessionID string) *delegation.Context {
	return &delegation.Context{Context: ctx, SessionID: sessionID, Exchange: c.Exchange}
}
