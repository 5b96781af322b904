package auth

import (
	"context"
	"errors"
	"net/http"
	"slices"
)

// AuthDecision is an authenticator's vote.
type AuthDecision int

const (
	Yes     AuthDecision = iota // credentials valid, Identity set
	No                          // credentials present but invalid, Err set
	Abstain                     // not this authenticator's credentials
)

var decisionNames = [...]string{Yes: "yes", No: "no", Abstain: "abstain"}

func (d AuthDecision) String() string {
	if d < 0 || int(d) >= len(decisionNames) {
		return "unknown"
	}
	return decisionNames[d]
}

// AuthResult is the outcome of one authentication attempt.
type AuthResult struct {
	Decision AuthDecision
	Identity *Identity
	Err      error
}

// Identity is an authenticated caller.
type Identity struct {
	Subject     string // never empty for a Yes vote
	ServiceTier string // rate limit tier, "" means "default"
	Scopes      []string

	// Metadata holds provider specific claims. "tenant_id" scopes the
	// caller's stored runs.
	Metadata map[string]string
}

// TenantID returns the caller's tenant or "".
func (id *Identity) TenantID() string {
	if id == nil {
		return ""
	}
	return id.Metadata["tenant_id"]
}

func (id *Identity) HasScope(scope string) bool {
	return id != nil && slices.Contains(id.Scopes, scope)
}

type identityKey struct{}

func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the caller stored by WithIdentity, or nil.
func IdentityFrom(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}

// Authenticator inspects a request's credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) AuthResult
}

var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrTooManyRequests = errors.New("rate limit exceeded")
)

// AuthChain asks its authenticators in order. When every one abstains,
// DefaultDecision applies: Yes admits an "anonymous" caller in the default
// tier, anything else rejects.
type AuthChain struct {
	Authenticators  []Authenticator
	DefaultDecision AuthDecision
}

func NewChain(def AuthDecision, authenticators ...Authenticator) *AuthChain {
	return &AuthChain{Authenticators: authenticators, DefaultDecision: def}
}

func (c *AuthChain) Authenticate(ctx context.Context, r *http.Request) AuthResult {
	for _, a := range c.Authenticators {
		res := a.Authenticate(ctx, r)
		if res.Decision != Abstain {
			return res
		}
	}
	if c.DefaultDecision != Yes {
		return AuthResult{Decision: No, Err: ErrUnauthenticated}
	}
	return AuthResult{
		Decision: Yes,
		Identity: &Identity{Subject: "anonymous", ServiceTier: "default"},
	}
}
