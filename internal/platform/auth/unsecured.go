package auth

import (
	"github.com/labstack/echo/v4"
)

// UnsecuredMiddleware authenticates every request as an identified,
// institutional admin. Configuration only allows it in development.
func UnsecuredMiddleware() echo.MiddlewareFunc {
	user := &User{
		Identity:      ScopedIdentity{Identity: "developer", Scope: "localhost"},
		Roles:         []string{RoleAdmin, RolePHI},
		Identified:    true,
		Institutional: true,
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			setUser(c, user)
			return next(c)
		}
	}
}
