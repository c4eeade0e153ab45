package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"sync"
	"time"
)

const (
	jwksTTL             = 5 * time.Minute
	jwksRefreshCooldown = 10 * time.Second
)

var errUnknownKey = errors.New("signing key not found")

// jsonWebKey is the subset of RFC 7517 fields read from the issuer's key set.
type jsonWebKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (k jsonWebKey) rsaKey() (*rsa.PublicKey, error) {
	n, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	exp := new(big.Int).SetBytes(e)
	if !exp.IsInt64() || exp.Int64() < 3 || exp.Int64() > math.MaxInt32 {
		return nil, fmt.Errorf("unsupported exponent for kid %q", k.Kid)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(exp.Int64())}, nil
}

// signing reports whether the key may verify RS256 session tokens.
func (k jsonWebKey) signing() bool {
	return k.Kty == "RSA" && k.Kid != "" &&
		(k.Use == "" || k.Use == "sig") &&
		(k.Alg == "" || k.Alg == "RS256")
}

// keySet resolves RS256 verification keys by kid. The set is refetched when
// older than ttl, and on a kid miss at most once per cooldown so that rotated
// issuer keys are picked up without a restart.
type keySet struct {
	issuer   string
	url      string
	ttl      time.Duration
	cooldown time.Duration
	client   *http.Client

	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

// newKeySet reads keys from url, or from the jwks_uri the issuer advertises
// when url is empty.
func newKeySet(url, issuer string) *keySet {
	return &keySet{
		issuer:   issuer,
		url:      url,
		ttl:      jwksTTL,
		cooldown: jwksRefreshCooldown,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *keySet) key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.keys[kid]
	age := time.Since(s.fetchedAt)
	if ok && age < s.ttl {
		return key, nil
	}
	if !ok && age < s.cooldown {
		return nil, fmt.Errorf("%w: kid %q", errUnknownKey, kid)
	}

	if err := s.refresh(ctx); err != nil {
		if ok {
			return key, nil
		}
		return nil, err
	}
	if key, ok = s.keys[kid]; !ok {
		return nil, fmt.Errorf("%w: kid %q", errUnknownKey, kid)
	}
	return key, nil
}

// refresh replaces the cached keys. Callers hold s.mu.
func (s *keySet) refresh(ctx context.Context) error {
	if s.url == "" {
		if s.issuer == "" {
			return errors.New("no JWKS URL or issuer configured")
		}
		provider, err := DiscoverOIDC(ctx, s.client, s.issuer)
		if err != nil {
			return err
		}
		s.url = provider.JWKSURI
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return fmt.Errorf("build JWKS request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch JWKS: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS endpoint %s returned status %d", s.url, resp.StatusCode)
	}

	var doc struct {
		Keys []jsonWebKey `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("decode JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if !k.signing() {
			continue
		}
		pub, err := k.rsaKey()
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return fmt.Errorf("JWKS at %s has no RS256 signing keys", s.url)
	}

	s.keys = keys
	s.fetchedAt = time.Now()
	return nil
}
