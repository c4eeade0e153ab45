package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var (
	rsaKeysMu sync.Mutex
	rsaKeys   = map[string]*rsa.PrivateKey{}
)

func testRSAKey(t *testing.T, kid string) *rsa.PrivateKey {
	t.Helper()
	rsaKeysMu.Lock()
	defer rsaKeysMu.Unlock()
	if k, ok := rsaKeys[kid]; ok {
		return k
	}
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	rsaKeys[kid] = k
	return k
}

func publicJWK(kid string, pub *rsa.PublicKey) jsonWebKey {
	return jsonWebKey{
		Kty: "RSA",
		Kid: kid,
		Use: "sig",
		Alg: "RS256",
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

// jwksServer serves a key set that tests can rotate.
type jwksServer struct {
	*httptest.Server
	mu   sync.Mutex
	keys []jsonWebKey
	hits int
}

func newJWKSServer(t *testing.T, kids ...string) *jwksServer {
	t.Helper()
	s := &jwksServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.hits++
		json.NewEncoder(w).Encode(map[string]any{"keys": s.keys})
	}))
	t.Cleanup(s.Close)
	s.publish(t, kids...)
	return s
}

func (s *jwksServer) publish(t *testing.T, kids ...string) {
	t.Helper()
	keys := make([]jsonWebKey, 0, len(kids))
	for _, kid := range kids {
		keys = append(keys, publicJWK(kid, &testRSAKey(t, kid).PublicKey))
	}
	s.mu.Lock()
	s.keys = keys
	s.mu.Unlock()
}

func (s *jwksServer) fetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits
}

func signRS256(t *testing.T, kid string, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	s, err := token.SignedString(testRSAKey(t, kid))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func runMiddleware(t *testing.T, mw echo.MiddlewareFunc, token string) (*User, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/cohort/count", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	c := e.NewContext(req, httptest.NewRecorder())

	var got *User
	err := mw(func(c echo.Context) error {
		got = UserFromContext(c.Request().Context())
		return nil
	})(c)
	return got, err
}

func TestJWTMiddleware_JWKS(t *testing.T) {
	srv := newJWKSServer(t, "k1")
	mw := JWTMiddleware(JWTConfig{JWKSURL: srv.URL})

	user, err := runMiddleware(t, mw, signRS256(t, "k1", validClaims()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user.UUID() != "jdoe@example.org" || !user.Identified {
		t.Errorf("unexpected user %+v", user)
	}

	if _, err := runMiddleware(t, mw, signRS256(t, "k1", validClaims())); err != nil {
		t.Fatalf("unexpected error on cached key: %v", err)
	}
	if got := srv.fetches(); got != 1 {
		t.Errorf("expected keys to be cached after one fetch, got %d fetches", got)
	}
}

func TestJWTMiddleware_JWKSKeyRotation(t *testing.T) {
	srv := newJWKSServer(t, "k1")
	v := newTokenVerifier(JWTConfig{JWKSURL: srv.URL})
	v.keys.cooldown = 0
	mw := v.middleware()

	if _, err := runMiddleware(t, mw, signRS256(t, "k1", validClaims())); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	srv.publish(t, "k2")
	user, err := runMiddleware(t, mw, signRS256(t, "k2", validClaims()))
	if err != nil {
		t.Fatalf("expected rotated key to be fetched, got %v", err)
	}
	if user == nil {
		t.Fatal("expected user on context")
	}
	if got := srv.fetches(); got != 2 {
		t.Errorf("expected a refetch on kid miss, got %d fetches", got)
	}

	_, err = runMiddleware(t, mw, signRS256(t, "k1", validClaims()))
	assertStatus(t, err, http.StatusUnauthorized)
}

func TestKeySet_UnknownKid(t *testing.T) {
	srv := newJWKSServer(t, "k1")
	ks := newKeySet(srv.URL, "")
	ctx := context.Background()

	if _, err := ks.key(ctx, "k1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := ks.key(ctx, "nope")
	if !errors.Is(err, errUnknownKey) {
		t.Errorf("expected errUnknownKey, got %v", err)
	}
	if got := srv.fetches(); got != 1 {
		t.Errorf("expected no refetch within the cooldown, got %d fetches", got)
	}

	ks.cooldown = 0
	if _, err := ks.key(ctx, "nope"); !errors.Is(err, errUnknownKey) {
		t.Errorf("expected errUnknownKey after refetch, got %v", err)
	}
	if got := srv.fetches(); got != 2 {
		t.Errorf("expected one refetch once the cooldown passed, got %d fetches", got)
	}
}

func TestKeySet_ExpiredSetIsRefetched(t *testing.T) {
	srv := newJWKSServer(t, "k1")
	ks := newKeySet(srv.URL, "")
	ctx := context.Background()

	if _, err := ks.key(ctx, "k1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ks.fetchedAt = time.Now().Add(-2 * jwksTTL)
	if _, err := ks.key(ctx, "k1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := srv.fetches(); got != 2 {
		t.Errorf("expected expired set to be refetched, got %d fetches", got)
	}

	srv.Close()
	ks.fetchedAt = time.Now().Add(-2 * jwksTTL)
	if _, err := ks.key(ctx, "k1"); err != nil {
		t.Errorf("expected stale key to be used when the endpoint is down, got %v", err)
	}
}

func TestKeySet_SkipsNonSigningKeys(t *testing.T) {
	pub := &testRSAKey(t, "k1").PublicKey
	enc := publicJWK("enc", pub)
	enc.Use = "enc"
	hs := publicJWK("hs", pub)
	hs.Alg = "HS256"
	ec := publicJWK("ec", pub)
	ec.Kty = "EC"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"keys": []jsonWebKey{enc, hs, ec}})
	}))
	defer srv.Close()

	_, err := newKeySet(srv.URL, "").key(context.Background(), "enc")
	if err == nil {
		t.Fatal("expected error for a key set without signing keys")
	}
	if errors.Is(err, errUnknownKey) {
		t.Errorf("expected fetch error, got %v", err)
	}
}

func TestJWTMiddleware_PinsSigningMethod(t *testing.T) {
	srv := newJWKSServer(t, "k1")

	hs := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims())
	hs.Header["kid"] = "k1"
	hsToken, err := hs.SignedString(testSigningKey)
	if err != nil {
		t.Fatal(err)
	}
	_, err = runMiddleware(t, JWTMiddleware(JWTConfig{JWKSURL: srv.URL}), hsToken)
	assertStatus(t, err, http.StatusUnauthorized)

	_, err = runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), signRS256(t, "k1", validClaims()))
	assertStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_JWKSRequiresKid(t *testing.T) {
	srv := newJWKSServer(t, "k1")
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, validClaims())
	raw, err := token.SignedString(testRSAKey(t, "k1"))
	if err != nil {
		t.Fatal(err)
	}
	_, err = runMiddleware(t, JWTMiddleware(JWTConfig{JWKSURL: srv.URL}), raw)
	assertStatus(t, err, http.StatusUnauthorized)
	if got := srv.fetches(); got != 0 {
		t.Errorf("expected no fetch for a token without kid, got %d", got)
	}
}

func TestJWTMiddleware_DiscoversJWKSFromIssuer(t *testing.T) {
	keys := newJWKSServer(t, "k1")
	issuer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/openid-configuration" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(OIDCProvider{Issuer: "https://idp.example.org", JWKSURI: keys.URL})
	}))
	defer issuer.Close()

	claims := validClaims()
	claims.Issuer = issuer.URL
	claims.Audience = jwt.ClaimStrings{"leaf"}
	mw := JWTMiddleware(JWTConfig{Issuer: issuer.URL, Audience: "leaf"})

	user, err := runMiddleware(t, mw, signRS256(t, "k1", claims))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user == nil || user.UUID() != "jdoe@example.org" {
		t.Errorf("unexpected user %+v", user)
	}

	claims.Audience = jwt.ClaimStrings{"other"}
	_, err = runMiddleware(t, mw, signRS256(t, "k1", claims))
	assertStatus(t, err, http.StatusUnauthorized)
}

func TestJSONWebKey_RejectsBadExponent(t *testing.T) {
	k := publicJWK("k1", &testRSAKey(t, "k1").PublicKey)
	k.E = base64.RawURLEncoding.EncodeToString([]byte{1})
	if _, err := k.rsaKey(); err == nil {
		t.Error("expected error for exponent 1")
	}
	k.E = "!!"
	if _, err := k.rsaKey(); err == nil {
		t.Error("expected decode error")
	}
}
