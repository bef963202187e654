package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// RequireRole returns middleware that checks if the user has at least one of the specified roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if HasRole(c.Request().Context(), roles...) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// HasRole reports whether the caller holds one of roles. Admin holds every
// role.
func HasRole(ctx context.Context, roles ...string) bool {
	for _, has := range RolesFromContext(ctx) {
		if has == RoleAdmin {
			return true
		}
		for _, required := range roles {
			if has == required {
				return true
			}
		}
	}
	return false
}

// CanAccessPatient reports whether the caller may read or act on the given
// patient's data. Providers see every patient; a patient sees only the one
// bound to their token.
func CanAccessPatient(ctx context.Context, patientID string) bool {
	if HasRole(ctx, RoleProvider) {
		return true
	}
	if !HasRole(ctx, RolePatient) {
		return false
	}
	own := PatientIDFromContext(ctx)
	return own != "" && strings.EqualFold(own, patientID)
}

// RequirePatientAccess guards routes carrying a patient id path parameter.
func RequirePatientAccess(param string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !CanAccessPatient(c.Request().Context(), c.Param(param)) {
				return echo.NewHTTPError(http.StatusForbidden, "access to this patient is not allowed")
			}
			return next(c)
		}
	}
}
