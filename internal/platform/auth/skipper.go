package auth

import (
	"github.com/labstack/echo/v4"
)

var publicPaths = map[string]bool{
	"/health":    true,
	"/health/db": true,
	"/version":   true,
}

// Skipper reports whether a request bypasses authentication.
func Skipper(c echo.Context) bool {
	return publicPaths[c.Path()] || publicPaths[c.Request().URL.Path]
}

// setUser stores u on both the request context and the echo context.
func setUser(c echo.Context, u *User) {
	c.Set("user_identity", u.Identity.String())
	c.SetRequest(c.Request().WithContext(WithUser(c.Request().Context(), u)))
}
