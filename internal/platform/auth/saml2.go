package auth

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// SAML2Config names the headers a SAML service provider (for example a
// Shibboleth SP in front of the server) populates after login.
type SAML2Config struct {
	IdentityHeader string
	RolesHeader    string
	GroupsHeader   string
}

// SAML2Middleware trusts identity headers set by an upstream SAML2 service
// provider. Multi-valued headers are separated by semicolons.
func SAML2Middleware(cfg SAML2Config) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if Skipper(c) {
				return next(c)
			}

			h := c.Request().Header
			raw := h.Get(cfg.IdentityHeader)
			if raw == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing identity header")
			}
			id, err := ParseScopedIdentity(raw)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
			}

			user := &User{
				Identity:      id,
				Roles:         splitHeaderList(h.Get(cfg.RolesHeader)),
				Groups:        splitHeaderList(h.Get(cfg.GroupsHeader)),
				Institutional: true,
			}
			user.Identified = user.HasRole(RolePHI)
			setUser(c, user)
			return next(c)
		}
	}
}

func splitHeaderList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ";") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
