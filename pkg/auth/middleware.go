package auth

import (
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rhuss/schaubild/pkg/api"
	"github.com/rhuss/schaubild/pkg/observability"
	"github.com/rhuss/schaubild/pkg/storage"
	"github.com/rhuss/schaubild/pkg/transport"
)

// DefaultBypassEndpoints are reachable without credentials.
var DefaultBypassEndpoints = []string{"/healthz", "/readyz", "/metrics"}

// Middleware authenticates every request outside bypass, rate limits it
// when limiter is non-nil and stores the identity and tenant in the request
// context. Bypass entries ending in "/" match as prefixes.
func Middleware(chain *AuthChain, limiter RateLimiter, bypass []string) func(http.Handler) http.Handler {
	g := &guard{chain: chain, limiter: limiter, bypass: bypass}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if g.bypassed(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			id, ok := g.admit(w, r)
			if !ok {
				return
			}
			ctx := WithIdentity(r.Context(), id)
			if tenant := id.TenantID(); tenant != "" {
				ctx = storage.WithTenant(ctx, tenant)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type guard struct {
	chain   *AuthChain
	limiter RateLimiter
	bypass  []string
}

func (g *guard) bypassed(path string) bool {
	for _, ep := range g.bypass {
		if path == ep || (strings.HasSuffix(ep, "/") && strings.HasPrefix(path, ep)) {
			return true
		}
	}
	return false
}

// admit authenticates and rate limits r. It writes the error response
// itself when the request is turned away.
func (g *guard) admit(w http.ResponseWriter, r *http.Request) (*Identity, bool) {
	res := g.chain.Authenticate(r.Context(), r)
	if res.Decision != Yes || res.Identity == nil {
		if res.Err != nil {
			slog.Warn("authentication failed", "path", r.URL.Path, "remote_addr", r.RemoteAddr, "error", res.Err)
		}
		w.Header().Set("WWW-Authenticate", `Bearer realm="schaubild"`)
		transport.WriteErrorResponse(w, api.NewInvalidRequestError("", ErrUnauthenticated.Error()), http.StatusUnauthorized)
		return nil, false
	}

	id := res.Identity
	if id.Subject == "" {
		slog.Error("authenticator admitted an identity without subject")
		transport.WriteAPIError(w, api.NewServerError("internal authentication error"))
		return nil, false
	}
	slog.Debug("authenticated", "subject", id.Subject, "tenant", id.TenantID(), "path", r.URL.Path)

	if g.limiter == nil {
		return id, true
	}
	err := g.limiter.Allow(r.Context(), id)
	if err == nil {
		return id, true
	}

	tier := id.ServiceTier
	if tier == "" {
		tier = "default"
	}
	retry := time.Minute
	var rle *RateLimitError
	if errors.As(err, &rle) {
		retry = rle.RetryAfter
	}
	slog.Warn("rate limited", "subject", id.Subject, "tier", tier, "retry_after", retry)
	observability.RateLimitRejectedTotal.WithLabelValues(tier).Inc()

	w.Header().Set("Retry-After", strconv.Itoa(int(max(1, math.Ceil(retry.Seconds())))))
	transport.WriteAPIError(w, api.NewTooManyRequestsError(err.Error()))
	return nil, false
}
