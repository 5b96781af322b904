// Package auth guards the HTTP API.
//
// Authenticators vote on each request: Yes with an identity, No when the
// credentials they understand are wrong, Abstain when the request carries
// none of theirs. An AuthChain asks them in order and the first non-abstain
// vote wins. Middleware then scopes the request to the caller's tenant and
// applies the per-tier token buckets.
package auth
