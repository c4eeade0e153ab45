package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type contextKey string

const userKey contextKey = "leaf_user"

// Roles recognised by the server.
const (
	RoleAdmin = "admin"
	// RolePHI permits identified sessions that see real patient identifiers.
	RolePHI = "phi"
)

// ScopedIdentity is an identity qualified by the institution that issued it,
// written identity@scope.
type ScopedIdentity struct {
	Identity string
	Scope    string
}

var errMalformedIdentity = errors.New("malformed scoped identity")

// ParseScopedIdentity splits "identity@scope". Any other shape is an error.
func ParseScopedIdentity(s string) (ScopedIdentity, error) {
	parts := strings.Split(s, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return ScopedIdentity{}, fmt.Errorf("%w %q, expecting identity@scope", errMalformedIdentity, s)
	}
	return ScopedIdentity{Identity: parts[0], Scope: parts[1]}, nil
}

func (s ScopedIdentity) String() string {
	return s.Identity + "@" + s.Scope
}

// User is the caller resolved by the authentication middleware.
type User struct {
	Identity      ScopedIdentity
	Groups        []string
	Roles         []string
	Identified    bool
	Institutional bool
}

// UUID returns the value stored as the owner of queries and cohorts.
func (u *User) UUID() string {
	return u.Identity.String()
}

func (u *User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func (u *User) IsAdmin() bool {
	return u.HasRole(RoleAdmin)
}

// Anonymize reports whether patient identifiers and dates must be masked for
// this user: true unless the session is identified and institutional.
func (u *User) Anonymize() bool {
	return !u.Identified || !u.Institutional
}

// WithUser stores u on ctx.
func WithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userKey, u)
}

// UserFromContext returns the authenticated user, or nil.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userKey).(*User)
	return u
}
