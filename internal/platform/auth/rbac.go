package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// RequireRole returns middleware that checks if the user has at least one
// of the specified roles. superadmin passes every check.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if HasRole(RolesFromContext(c.Request().Context()), roles...) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// RequirePhysician admits dokter and superadmin only.
func RequirePhysician() echo.MiddlewareFunc {
	return RequireRole(RoleDokter, RoleSuperadmin)
}

// HasRole reports whether userRoles contains any of required.
func HasRole(userRoles []string, required ...string) bool {
	for _, has := range userRoles {
		has = strings.ToLower(has)
		if has == RoleSuperadmin {
			return true
		}
		for _, r := range required {
			if has == r {
				return true
			}
		}
	}
	return false
}
