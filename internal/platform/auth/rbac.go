package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// RequireRole returns middleware that checks if the caller has at least one
// of the specified roles. Admin passes every check.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p := PrincipalFromContext(c.Request().Context())
			for _, required := range roles {
				if p.HasRole(required) {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// ResolveBranch returns the branch the operation should be scoped to.
// A caller bound to a branch may not act on another branch; admins may pass
// an explicit override.
func ResolveBranch(p Principal, requested string) (string, error) {
	if requested == "" || requested == p.BranchID {
		if p.BranchID == "" {
			return "", fmt.Errorf("no branch context")
		}
		return p.BranchID, nil
	}
	if p.HasRole("admin") {
		return requested, nil
	}
	return "", fmt.Errorf("branch %s is outside caller's scope", requested)
}
