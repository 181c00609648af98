package auth

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"dms/internal/apperr"
	"dms/internal/config"
)

// TokenVerifier turns a raw bearer token into a SecurityContext.
type TokenVerifier interface {
	Verify(ctx context.Context, raw string) (*SecurityContext, error)
}

// Verifier checks JWT signatures against the identity provider's keys, then
// expiry, issuer and (when configured) audience.
type Verifier struct {
	verifier *oidc.IDTokenVerifier
}

var _ TokenVerifier = (*Verifier)(nil)

// NewVerifier builds a Verifier from cfg. Without AUTH_JWKS_URL the key endpoint
// is discovered from the issuer's /.well-known/openid-configuration.
func NewVerifier(ctx context.Context, cfg config.AuthConfig) (*Verifier, error) {
	if cfg.IssuerURL == "" {
		return nil, errors.New("AUTH_ISSUER_URL is required")
	}

	client := &http.Client{
		Timeout:   10 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	// The key set fetches lazily for the life of the process, so it must not
	// inherit the caller's cancellation.
	keyCtx := oidc.ClientContext(context.WithoutCancel(ctx), client)

	jwksURL := cfg.JWKSURL
	if jwksURL == "" {
		provider, err := oidc.NewProvider(keyCtx, cfg.IssuerURL)
		if err != nil {
			return nil, fmt.Errorf("oidc discovery: %w", err)
		}
		var meta struct {
			JWKSURL string `json:"jwks_uri"`
		}
		if err := provider.Claims(&meta); err != nil {
			return nil, fmt.Errorf("oidc discovery: %w", err)
		}
		jwksURL = meta.JWKSURL
	}

	refresh := time.Duration(cfg.KeyRefreshIntervalSec) * time.Second
	keys := newRefreshingKeySet(func() oidc.KeySet {
		return oidc.NewRemoteKeySet(keyCtx, jwksURL)
	}, refresh, time.Now)

	return newVerifier(cfg.IssuerURL, cfg.Audience, keys, nil), nil
}

// NewStaticVerifier verifies tokens signed by one of keys. now overrides the
// clock used for expiry checks when non-nil.
func NewStaticVerifier(issuer, audience string, keys []crypto.PublicKey, now func() time.Time) *Verifier {
	return newVerifier(issuer, audience, &oidc.StaticKeySet{PublicKeys: keys}, now)
}

func newVerifier(issuer, audience string, keys oidc.KeySet, now func() time.Time) *Verifier {
	return &Verifier{
		verifier: oidc.NewVerifier(issuer, keys, &oidc.Config{
			ClientID:          audience,
			SkipClientIDCheck: audience == "",
			Now:               now,
		}),
	}
}

type claims struct {
	Scope             string `json:"scope"`
	Scp               any    `json:"scp"`
	PreferredUsername string `json:"preferred_username"`
	JTI               string `json:"jti"`
}

// Verify validates raw and returns its principal. A token that fails a check
// is reported as apperr.ErrUnauthenticated without echoing the token; keys that
// cannot be fetched are apperr.ErrTransient.
func (v *Verifier) Verify(ctx context.Context, raw string) (*SecurityContext, error) {
	if raw == "" {
		return nil, apperr.Unauthenticated(nil, "missing bearer token")
	}

	fetch := &keyFetch{}
	tok, err := v.verifier.Verify(context.WithValue(ctx, keyFetchKey{}, fetch), raw)
	if err != nil {
		if fetch.err != nil {
			return nil, apperr.Transient(fetch.err)
		}
		var expired *oidc.TokenExpiredError
		if errors.As(err, &expired) {
			return nil, apperr.Unauthenticated(err, "token expired")
		}
		return nil, apperr.Unauthenticated(err, "invalid bearer token")
	}
	if tok.Subject == "" {
		return nil, apperr.Unauthenticated(nil, "token has no subject")
	}

	var c claims
	if err := tok.Claims(&c); err != nil {
		return nil, apperr.Unauthenticated(err, "invalid token claims")
	}

	return &SecurityContext{
		Subject:  tok.Subject,
		Username: c.PreferredUsername,
		Scopes:   parseScopes(c.Scope, c.Scp),
		TokenID:  c.JTI,
		Expiry:   tok.Expiry,
	}, nil
}

// parseScopes merges the space separated "scope" claim with "scp", which
// providers send either as a string or as a list.
func parseScopes(scope string, scp any) []string {
	out := strings.Fields(scope)
	switch v := scp.(type) {
	case string:
		out = append(out, strings.Fields(v)...)
	case []any:
		for _, s := range v {
			if str, ok := s.(string); ok && str != "" {
				out = append(out, str)
			}
		}
	}
	return out
}

// refreshingKeySet rebuilds its key set once ttl has passed. The wrapped
// RemoteKeySet still refetches on an unknown kid in between.
type refreshingKeySet struct {
	build func() oidc.KeySet
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	current oidc.KeySet
	builtAt time.Time
}

func newRefreshingKeySet(build func() oidc.KeySet, ttl time.Duration, now func() time.Time) *refreshingKeySet {
	return &refreshingKeySet{build: build, ttl: ttl, now: now}
}

// keyFetch records a key download failure. The oidc verifier flattens key set
// errors into text, so the failure travels back through the context instead.
type keyFetch struct {
	err error
}

type keyFetchKey struct{}

func (k *refreshingKeySet) VerifySignature(ctx context.Context, jwt string) ([]byte, error) {
	payload, err := k.keySet().VerifySignature(ctx, jwt)
	// RemoteKeySet wraps only download failures; a signature mismatch is a plain error.
	if err != nil && errors.Unwrap(err) != nil {
		if f, ok := ctx.Value(keyFetchKey{}).(*keyFetch); ok {
			f.err = err
		}
	}
	return payload, err
}

func (k *refreshingKeySet) keySet() oidc.KeySet {
	k.mu.Lock()
	defer k.mu.Unlock()
	now := k.now()
	if k.current == nil || (k.ttl > 0 && now.Sub(k.builtAt) >= k.ttl) {
		k.current = k.build()
		k.builtAt = now
	}
	return k.current
}
