// Package tokenexchange implements an RFC 8693 client that exchanges a
// subject token for a downstream-audience token, with cache-first lookup
// against the encrypted token cache and an audit entry on every outcome.
package tokenexchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/oboauth/delegation-engine/pkg/audit"
	"github.com/oboauth/delegation-engine/pkg/idp"
	"github.com/oboauth/delegation-engine/pkg/logger"
	"github.com/oboauth/delegation-engine/pkg/metrics"
	"github.com/oboauth/delegation-engine/pkg/tokencache"
)

const (
	//nolint:gosec // G101: OAuth2 URN identifiers, not credentials.
	grantTypeTokenExchange = "urn:ietf:params:oauth:grant-type:token-exchange"
	//nolint:gosec // G101: OAuth2 URN identifiers, not credentials.
	tokenTypeAccessToken = "urn:ietf:params:oauth:token-type:access_token"

	defaultHTTPTimeout  = 30 * time.Second
	maxResponseBodySize = 1 << 20

	// minCacheFloor is the remaining-lifetime floor below which a cached
	// token is not worth returning: the caller would hand it to a backend
	// that sees it expire mid-flight. Such hits fall through to a fresh
	// exchange.
	minCacheFloor = 5 * time.Second
)

// ErrTokenExchangeFailed tags a failed downstream exchange.
var ErrTokenExchangeFailed = errors.New("tokenexchange: exchange failed")

// Request is the caller-supplied exchange input. Audience and Scope fall
// back to the defaults on Config when empty.
type Request struct {
	SessionID    string
	SubjectToken string
	Audience     string
	Scope        string
	Config       *idp.TokenExchangeConfig
}

// Service performs RFC 8693 token exchange with cache-first lookup.
type Service struct {
	httpClient *http.Client
	cache      *tokencache.Cache
	audit      audit.Service
	metrics    *metrics.Registry
}

// New constructs a Service backed by cache, auditing to sink.
func New(cache *tokencache.Cache, sink audit.Service, httpClient *http.Client) *Service {
	if sink == nil {
		sink = audit.NullService{}
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &Service{httpClient: httpClient, cache: cache, audit: sink}
}

// WithMetrics attaches exchange latency/error and cache hit/miss
// instrumentation. Returns s for chaining at wiring time.
func (s *Service) WithMetrics(reg *metrics.Registry) *Service {
	s.metrics = reg
	return s
}

// Exchange returns a token usable against req.Audience, serving from the
// encrypted cache when a live entry bound to the same subject token
// exists, and otherwise performing the RFC 8693 POST and caching the
// result. Failed exchanges are never cached.
func (s *Service) Exchange(ctx context.Context, req Request) (string, error) {
	if req.Config == nil {
		return "", fmt.Errorf("%w: no tokenExchange config for this module", ErrTokenExchangeFailed)
	}
	if req.Audience == "" {
		req.Audience = req.Config.Audience
	}
	if req.Scope == "" {
		req.Scope = req.Config.Scope
	}

	key := tokencache.Key{SessionID: req.SessionID, Audience: req.Audience, Scope: req.Scope}.Canonical()

	if token, hit := s.lookupCache(key, req.SubjectToken); hit {
		s.observeCache(req.Audience, true)
		s.audit.Log(audit.Entry{Source: audit.SourceCache, Action: "token-exchange-cache-hit", SessionID: req.SessionID, Success: true})
		return token, nil
	}
	s.observeCache(req.Audience, false)

	start := time.Now()
	resp, err := s.exchangeWithRetry(ctx, req)
	if s.metrics != nil {
		s.metrics.ObserveExchange(req.Audience, time.Since(start), err)
	}
	if err != nil {
		s.audit.Log(audit.Entry{
			Source: audit.SourceTokenExchange, Action: "exchange", SessionID: req.SessionID,
			Success: false, Error: err.Error(),
		})
		return "", fmt.Errorf("%w: %v", ErrTokenExchangeFailed, err)
	}

	// A cancelled request must not populate the cache: the transport has
	// already abandoned this request frame.
	if ctx.Err() != nil {
		s.audit.Log(audit.Entry{
			Source: audit.SourceTokenExchange, Action: "exchange", SessionID: req.SessionID,
			Success: false, Error: ctx.Err().Error(),
		})
		return "", fmt.Errorf("%w: %v", ErrTokenExchangeFailed, ctx.Err())
	}

	// The IdP may downscope: store under the canonical *returned* scope,
	// so an identical follow-up is a hit but a broader request misses.
	storeKey := key
	if resp.Scope != "" {
		storeKey = tokencache.Key{SessionID: req.SessionID, Audience: req.Audience, Scope: resp.Scope}.Canonical()
	}
	expiresAt := time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	if err := s.cache.Put(storeKey, req.SubjectToken, resp.AccessToken, expiresAt); err != nil {
		logger.Warnf("tokenexchange: failed to cache exchanged token: %v", err)
	}

	s.audit.Log(audit.Entry{Source: audit.SourceTokenExchange, Action: "exchange", SessionID: req.SessionID, Success: true})
	return resp.AccessToken, nil
}

func (s *Service) lookupCache(key tokencache.Key, subjectToken string) (string, bool) {
	if s.cache == nil {
		return "", false
	}
	token, expiresAt, err := s.cache.GetWithExpiry(key, subjectToken)
	if err != nil {
		return "", false
	}
	if time.Until(expiresAt) <= minCacheFloor {
		return "", false
	}
	return token, true
}

func (s *Service) observeCache(audience string, hit bool) {
	if s.metrics != nil {
		s.metrics.ObserveCache(audience, hit)
	}
}

// TokenSource adapts Exchange into an oauth2.TokenSource, for delegation
// modules that consume downstream credentials through that interface.
func (s *Service) TokenSource(ctx context.Context, req Request) oauth2.TokenSource {
	return oauth2.ReuseTokenSource(nil, &tokenSource{ctx: ctx, svc: s, req: req})
}

type tokenSource struct {
	ctx context.Context
	svc *Service
	req Request
}

func (ts *tokenSource) Token() (*oauth2.Token, error) {
	token, err := ts.svc.Exchange(ts.ctx, ts.req)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{AccessToken: token, TokenType: "Bearer"}, nil
}

// exchangeWithRetry performs the HTTP POST, retrying once on a connection
// error or 5xx response. 4xx responses are terminal.
func (s *Service) exchangeWithRetry(ctx context.Context, req Request) (*wireResponse, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		resp, err := s.doExchange(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isTransient(err) {
			return nil, err
		}
		logger.Debugf("tokenexchange: transient failure on attempt %d: %v", attempt+1, err)
	}
	return nil, lastErr
}

type transientError struct{ err error }

func (t *transientError) Error() string { return t.err.Error() }
func (t *transientError) Unwrap() error { return t.err }

func isTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

func (s *Service) doExchange(ctx context.Context, req Request) (*wireResponse, error) {
	form := url.Values{}
	form.Set("grant_type", grantTypeTokenExchange)
	form.Set("subject_token", req.SubjectToken)
	form.Set("subject_token_type", tokenTypeAccessToken)
	form.Set("audience", req.Audience)
	if req.Scope != "" {
		form.Set("scope", req.Scope)
	}
	form.Set("client_id", req.Config.ClientID)
	form.Set("client_secret", req.Config.ClientSecret)

	encoded := form.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Config.TokenEndpoint, strings.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Content-Length", strconv.Itoa(len(encoded)))

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, &transientError{err: fmt.Errorf("token exchange request: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		oauthErr := parseOAuthError(body)
		msg := fmt.Sprintf("status %d", resp.StatusCode)
		if oauthErr != nil {
			msg = fmt.Sprintf("%s: %s", oauthErr.Error, oauthErr.ErrorDescription)
		}
		if resp.StatusCode >= 500 {
			return nil, &transientError{err: errors.New(msg)}
		}
		return nil, errors.New(msg)
	}

	var wr wireResponse
	if err := json.Unmarshal(body, &wr); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if wr.AccessToken == "" {
		return nil, errors.New("server returned empty access_token")
	}
	return &wr, nil
}

type wireResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope"`
}

type oauthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func parseOAuthError(body []byte) *oauthError {
	var e oauthError
	if err := json.Unmarshal(body, &e); err != nil || e.Error == "" {
		return nil
	}
	return &e
}
