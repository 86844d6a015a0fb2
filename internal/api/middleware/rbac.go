package middleware

import (
	"net/http"

	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/domain"
)

// RequireRole creates middleware that requires one of the given roles.
func RequireRole(roles ...domain.UserRole) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := GetUserFromContext(r.Context())
			if !ok {
				writeForbidden(w, "authentication required")
				return
			}

			for _, role := range roles {
				if claims.Role == string(role) {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeForbidden(w, "insufficient permissions")
		})
	}
}

// RequireAdmin creates middleware that requires admin role.
func RequireAdmin(next http.Handler) http.Handler {
	return RequireRole(domain.RoleAdmin)(next)
}

// RequireEmployee allows employees and admins. Admins are employees too and
// can borrow.
func RequireEmployee(next http.Handler) http.Handler {
	return RequireRole(domain.RoleEmployee, domain.RoleAdmin)(next)
}

// HasRole checks if the current user has a specific role.
func HasRole(r *http.Request, role domain.UserRole) bool {
	claims, ok := GetUserFromContext(r.Context())
	if !ok {
		return false
	}
	return claims.Role == string(role)
}

// IsAdmin checks if the current user is an admin.
func IsAdmin(r *http.Request) bool {
	return HasRole(r, domain.RoleAdmin)
}

// writeForbidden writes a 403 Forbidden response.
func writeForbidden(w http.ResponseWriter, message string) {
	writeError(w, http.StatusForbidden, message)
}
