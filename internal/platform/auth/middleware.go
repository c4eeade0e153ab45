package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// Claims are the token claims the server reads. Identity falls back to the
// subject when absent and must be of the form identity@scope.
type Claims struct {
	jwt.RegisteredClaims
	Identity   string   `json:"identity"`
	Groups     []string `json:"groups"`
	Roles      []string `json:"roles"`
	Identified bool     `json:"identified"`
	Federated  bool     `json:"federated"`
}

// User converts validated claims into a User. An identified session is only
// granted to holders of the phi role.
func (c *Claims) User() (*User, error) {
	raw := c.Identity
	if raw == "" {
		raw = c.Subject
	}
	id, err := ParseScopedIdentity(raw)
	if err != nil {
		return nil, err
	}
	u := &User{
		Identity:      id,
		Groups:        c.Groups,
		Roles:         c.Roles,
		Institutional: !c.Federated,
	}
	u.Identified = c.Identified && u.HasRole(RolePHI)
	return u, nil
}

// JWTConfig selects how bearer tokens are verified. A SigningKey means HS256
// tokens signed with that shared secret; otherwise tokens must be RS256 and
// carry a kid found in the issuer's JWKS.
type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey enables HS256 validation with a shared secret.
	SigningKey []byte
}

type tokenVerifier struct {
	secret []byte
	keys   *keySet
	opts   []jwt.ParserOption
}

func newTokenVerifier(cfg JWTConfig) *tokenVerifier {
	v := &tokenVerifier{}
	method := jwt.SigningMethodRS256.Alg()
	if len(cfg.SigningKey) > 0 {
		v.secret = cfg.SigningKey
		method = jwt.SigningMethodHS256.Alg()
	} else {
		v.keys = newKeySet(cfg.JWKSURL, cfg.Issuer)
	}

	v.opts = []jwt.ParserOption{jwt.WithValidMethods([]string{method}), jwt.WithExpirationRequired()}
	if cfg.Issuer != "" {
		v.opts = append(v.opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		v.opts = append(v.opts, jwt.WithAudience(cfg.Audience))
	}
	return v
}

func (v *tokenVerifier) keyFunc(ctx context.Context) jwt.Keyfunc {
	if v.secret != nil {
		return func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
			}
			return v.secret, nil
		}
	}
	return func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token has no kid header")
		}
		return v.keys.key(ctx, kid)
	}
}

// verify parses raw and maps its claims onto a User.
func (v *tokenVerifier) verify(ctx context.Context, raw string) (*User, error) {
	claims := &Claims{}
	if _, err := jwt.ParseWithClaims(raw, claims, v.keyFunc(ctx), v.opts...); err != nil {
		return nil, err
	}
	return claims.User()
}

// JWTMiddleware authenticates bearer tokens with the verifier cfg selects.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	return newTokenVerifier(cfg).middleware()
}

func (v *tokenVerifier) middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if Skipper(c) {
				return next(c)
			}

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			scheme, tokenStr, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(tokenStr) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			user, err := v.verify(c.Request().Context(), strings.TrimSpace(tokenStr))
			if errors.Is(err, errMalformedIdentity) {
				return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
			}
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			setUser(c, user)
			return next(c)
		}
	}
}
