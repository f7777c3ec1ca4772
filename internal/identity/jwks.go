package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// JWK is one entry of the published keyset.
type JWK struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	X   string `json:"x"` // raw Ed25519 public key, base64url
}

// JWKSet is the body served at /.well-known/jwks.json.
type JWKSet struct {
	Keys []JWK `json:"keys"`
}

// JWKSHandler serves the Signer's current+previous public keys with
// Cache-Control and ETag headers set.
func JWKSHandler(s *Signer, maxAge time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		set := JWKSet{}
		for _, k := range s.PublicKeys() {
			set.Keys = append(set.Keys, JWK{
				Kid: k.KID,
				Kty: "OKP",
				Use: "sig",
				Alg: "EdDSA",
				X:   encodeKey(k.Public),
			})
		}
		body, _ := json.Marshal(set)
		etag := fmt.Sprintf(`"%x"`, sha256.Sum256(body))

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(maxAge.Seconds())))
		w.Header().Set("ETag", etag)
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Write(body)
	}
}

// RemoteKeySet fetches and caches a remote service's JWKS with a bounded
// TTL and a cooldown on fetch failure, so a flapping JWKS endpoint cannot
// be hammered by every inbound HOP verification.
type RemoteKeySet struct {
	url      string
	ttl      time.Duration
	cooldown time.Duration
	client   *http.Client

	mu         sync.Mutex
	keys       map[string][]byte // kid -> raw Ed25519 public key
	fetchedAt  time.Time
	lastFailAt time.Time
}

// NewRemoteKeySet constructs a verifier-side JWKS cache for url.
func NewRemoteKeySet(url string, ttl, cooldown time.Duration) *RemoteKeySet {
	return &RemoteKeySet{
		url:      url,
		ttl:      ttl,
		cooldown: cooldown,
		client:   &http.Client{Timeout: 5 * time.Second},
		keys:     make(map[string][]byte),
	}
}

// Key returns the raw public key bytes for kid, refreshing the cache once
// if kid is unknown.
func (r *RemoteKeySet) Key(kid string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if pub, ok := r.keys[kid]; ok && time.Since(r.fetchedAt) < r.ttl {
		return pub, nil
	}
	if time.Since(r.lastFailAt) < r.cooldown {
		if pub, ok := r.keys[kid]; ok {
			return pub, nil
		}
		return nil, fmt.Errorf("identity: jwks cooldown active for %s", r.url)
	}

	if err := r.refreshLocked(); err != nil {
		r.lastFailAt = time.Now()
		return nil, err
	}

	pub, ok := r.keys[kid]
	if !ok {
		return nil, fmt.Errorf("identity: unknown kid %q", kid)
	}
	return pub, nil
}

func (r *RemoteKeySet) refreshLocked() error {
	resp, err := r.client.Get(r.url)
	if err != nil {
		return fmt.Errorf("identity: fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("identity: jwks fetch status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("identity: read jwks body: %w", err)
	}
	var set JWKSet
	if err := json.Unmarshal(body, &set); err != nil {
		return fmt.Errorf("identity: parse jwks: %w", err)
	}

	keys := make(map[string][]byte, len(set.Keys))
	for _, k := range set.Keys {
		raw, err := decodeKey(k.X)
		if err != nil {
			continue
		}
		keys[k.Kid] = raw
	}
	r.keys = keys
	r.fetchedAt = time.Now()
	return nil
}
