package jwt

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

const maxJWKSSize = 1 << 20

// keySet caches the RSA signing keys published at a JWKS URL. Readers see
// an immutable snapshot; concurrent refreshes collapse into one fetch.
type keySet struct {
	url    string
	client *http.Client
	ttl    time.Duration

	current atomic.Pointer[keySnapshot]
	fetch   singleflight.Group
}

type keySnapshot struct {
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

func newKeySet(url string, client *http.Client, ttl time.Duration) *keySet {
	return &keySet{url: url, client: client, ttl: ttl}
}

// key returns the key for kid, refreshing the set when it is stale or the
// kid is unknown.
func (s *keySet) key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if snap := s.current.Load(); snap != nil && time.Since(snap.fetchedAt) < s.ttl {
		if k, ok := snap.keys[kid]; ok {
			return k, nil
		}
	}

	v, err, _ := s.fetch.Do("jwks", func() (any, error) {
		snap, err := s.download(ctx)
		if err != nil {
			return nil, err
		}
		s.current.Store(snap)
		return snap, nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetching JWKS: %w", err)
	}

	k, ok := v.(*keySnapshot).keys[kid]
	if !ok {
		return nil, fmt.Errorf("key %q not found in JWKS", kid)
	}
	return k, nil
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (s *keySet) download(ctx context.Context) (*keySnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	var doc struct {
		Keys []jwk `json:"keys"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxJWKSSize)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding JWKS: %w", err)
	}

	snap := &keySnapshot{keys: make(map[string]*rsa.PublicKey, len(doc.Keys)), fetchedAt: time.Now()}
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pub, err := k.rsaPublicKey()
		if err != nil {
			slog.Warn("skipping JWKS key", "kid", k.Kid, "error", err)
			continue
		}
		snap.keys[k.Kid] = pub
	}
	slog.Debug("JWKS refreshed", "keys", len(snap.keys), "url", s.url)
	return snap, nil
}

func (k jwk) rsaPublicKey() (*rsa.PublicKey, error) {
	n, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("modulus: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("exponent: %w", err)
	}
	exp := new(big.Int).SetBytes(e)
	if len(n) == 0 || !exp.IsInt64() || exp.Int64() < 3 {
		return nil, errors.New("invalid RSA parameters")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(exp.Int64())}, nil
}
