// Package jwt provides a JWT authenticator for bearer tokens signed either
// with a shared HMAC secret or with RSA keys published at a JWKS endpoint.
//
// Issuer and audience are checked when configured; subject, tenant, service
// tier and scopes are read from configurable claims.
package jwt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/rhuss/schaubild/pkg/auth"
)

// Config holds the JWT authenticator configuration.
type Config struct {
	// Issuer is the expected iss claim. Empty disables the check.
	Issuer string
	// Audience is the expected aud claim. Empty disables the check.
	Audience string

	// Secret enables HS256/HS384/HS512 tokens signed with this shared key.
	Secret string
	// JWKSURL enables RS256/RS384/RS512 tokens verified against this JSON
	// Web Key Set. At least one of Secret and JWKSURL must be set.
	JWKSURL string

	UserClaim   string // default "sub"
	TenantClaim string // default "tenant_id"
	TierClaim   string // default "tier"
	// ScopesClaim holds a space-separated string or a JSON array.
	// Default "scope".
	ScopesClaim string

	// CacheTTL controls how long JWKS keys are trusted. Default: 1 hour.
	CacheTTL time.Duration

	// HTTPClient fetches the JWKS. Defaults to a client with a 10s timeout.
	HTTPClient *http.Client
}

func (c *Config) applyDefaults() {
	if c.UserClaim == "" {
		c.UserClaim = "sub"
	}
	if c.TenantClaim == "" {
		c.TenantClaim = "tenant_id"
	}
	if c.TierClaim == "" {
		c.TierClaim = "tier"
	}
	if c.ScopesClaim == "" {
		c.ScopesClaim = "scope"
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = time.Hour
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
}

// Authenticator validates JWT bearer tokens.
type Authenticator struct {
	config  Config
	methods []string
	keys    *keySet
}

var _ auth.Authenticator = (*Authenticator)(nil)

// New creates a JWT authenticator.
func New(cfg Config) *Authenticator {
	cfg.applyDefaults()

	a := &Authenticator{config: cfg}
	if cfg.Secret != "" {
		a.methods = append(a.methods, "HS256", "HS384", "HS512")
	}
	if cfg.JWKSURL != "" {
		a.methods = append(a.methods, "RS256", "RS384", "RS512")
		a.keys = newKeySet(cfg.JWKSURL, cfg.HTTPClient, cfg.CacheTTL)
	}
	return a
}

// Authenticate abstains without a Bearer Authorization header, votes No
// for any token that fails validation, and Yes with an identity otherwise.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) auth.AuthResult {
	tokenStr, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return auth.AuthResult{Decision: auth.Abstain}
	}
	if tokenStr = strings.TrimSpace(tokenStr); tokenStr == "" {
		return auth.AuthResult{Decision: auth.No, Err: errors.New("empty bearer token")}
	}

	claims := jwtlib.MapClaims{}
	_, err := jwtlib.ParseWithClaims(tokenStr, claims, func(token *jwtlib.Token) (any, error) {
		return a.verificationKey(ctx, token)
	}, a.parserOptions()...)
	if err != nil {
		slog.Debug("JWT validation failed", "error", err)
		return auth.AuthResult{Decision: auth.No, Err: fmt.Errorf("invalid JWT: %w", err)}
	}

	id, err := a.identity(claims)
	if err != nil {
		return auth.AuthResult{Decision: auth.No, Err: err}
	}
	return auth.AuthResult{Decision: auth.Yes, Identity: id}
}

// verificationKey selects the key for the token's signing method.
func (a *Authenticator) verificationKey(ctx context.Context, token *jwtlib.Token) (any, error) {
	switch token.Method.(type) {
	case *jwtlib.SigningMethodHMAC:
		if a.config.Secret == "" {
			return nil, errors.New("HMAC tokens are not accepted")
		}
		return []byte(a.config.Secret), nil

	case *jwtlib.SigningMethodRSA:
		if a.keys == nil {
			return nil, errors.New("RSA tokens are not accepted")
		}
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token missing kid header")
		}
		return a.keys.key(ctx, kid)
	}
	return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
}

func (a *Authenticator) parserOptions() []jwtlib.ParserOption {
	opts := []jwtlib.ParserOption{
		jwtlib.WithValidMethods(a.methods),
		jwtlib.WithExpirationRequired(),
	}
	if a.config.Issuer != "" {
		opts = append(opts, jwtlib.WithIssuer(a.config.Issuer))
	}
	if a.config.Audience != "" {
		opts = append(opts, jwtlib.WithAudience(a.config.Audience))
	}
	return opts
}

// identity maps validated claims onto an auth.Identity.
func (a *Authenticator) identity(claims jwtlib.MapClaims) (*auth.Identity, error) {
	subject, _ := claims[a.config.UserClaim].(string)
	if subject == "" {
		return nil, fmt.Errorf("JWT missing %q claim", a.config.UserClaim)
	}

	id := &auth.Identity{
		Subject:  subject,
		Scopes:   scopes(claims[a.config.ScopesClaim]),
		Metadata: map[string]string{},
	}
	id.ServiceTier, _ = claims[a.config.TierClaim].(string)
	if tenant, _ := claims[a.config.TenantClaim].(string); tenant != "" {
		id.Metadata["tenant_id"] = tenant
	}
	return id, nil
}

// scopes accepts a space-separated string or an array of strings.
func scopes(v any) []string {
	var out []string
	switch v := v.(type) {
	case string:
		out = strings.Fields(v)
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
