// Package noop provides an authenticator that accepts every request. It is
// meant for local development and single-user deployments.
package noop

import (
	"context"
	"net/http"

	"github.com/rhuss/schaubild/pkg/auth"
)

// Authenticator always votes Yes with an anonymous identity. A non-empty
// Tenant scopes stored runs for that identity.
type Authenticator struct {
	Tenant string
}

func (a *Authenticator) Authenticate(_ context.Context, _ *http.Request) auth.AuthResult {
	id := &auth.Identity{
		Subject:     "anonymous",
		ServiceTier: "default",
	}
	if a.Tenant != "" {
		id.Metadata = map[string]string{"tenant_id": a.Tenant}
	}
	return auth.AuthResult{Decision: auth.Yes, Identity: id}
}
