// Package v1 provides version 1 of the HTTP API.
package v1

import (
	"net/http"
	"time"

	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/api/middleware"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/auth"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/service"
)

// RateLimits bounds the abuse-prone endpoints per client IP.
type RateLimits struct {
	Login  int
	Apply  int
	Repay  int
	Window time.Duration
}

// DefaultRateLimits are used when NewRouter gets a zero RateLimits.
var DefaultRateLimits = RateLimits{Login: 10, Apply: 5, Repay: 5, Window: time.Minute}

// CallbackAuth guards the M-Pesa callback routes. Token is the secret path
// segment registered with Daraja; AllowedIPs optionally restricts callers.
type CallbackAuth struct {
	Token      string
	AllowedIPs []string
}

// Router holds the dependencies needed for v1 API routes.
type Router struct {
	services   *service.Services
	jwtManager *auth.JWTManager
	limits     RateLimits
	callbacks  CallbackAuth
}

// NewRouter creates a new v1 API router.
func NewRouter(services *service.Services, jwtManager *auth.JWTManager, limits RateLimits, callbacks CallbackAuth) *Router {
	if limits.Window <= 0 {
		limits = DefaultRateLimits
	}
	return &Router{
		services:   services,
		jwtManager: jwtManager,
		limits:     limits,
		callbacks:  callbacks,
	}
}

// RegisterRoutes registers all v1 API routes on the provided mux.
func (r *Router) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/ping", r.handlePing)

	// Auth routes
	mux.Handle("POST /api/v1/auth/register", middleware.ValidateJSON(r.handleRegister))
	mux.Handle("POST /api/v1/auth/login", r.limited("login", r.limits.Login, middleware.ValidateJSON(r.handleLogin)))
	mux.Handle("POST /api/v1/auth/refresh", middleware.ValidateJSON(r.handleRefresh))
	mux.Handle("POST /api/v1/auth/logout", middleware.ValidateJSON(r.handleLogout))

	// Current user
	mux.Handle("GET /api/v1/me", r.authed(r.handleGetMe))
	mux.Handle("PUT /api/v1/me", r.authedHandler(middleware.ValidateJSON(r.handleUpdateMe)))
	mux.Handle("PUT /api/v1/me/password", r.authedHandler(middleware.ValidateJSON(r.handleChangePassword)))
	mux.Handle("GET /api/v1/me/dependants", r.authed(r.handleListDependants))
	mux.Handle("POST /api/v1/me/dependants", r.authedHandler(middleware.ValidateJSON(r.handleAddDependant)))
	mux.Handle("DELETE /api/v1/me/dependants/{id}", r.authed(r.handleDeleteDependant))

	// User administration
	mux.Handle("GET /api/v1/users", r.admin(r.handleListUsers))
	mux.Handle("GET /api/v1/users/{id}", r.admin(r.handleGetUser))
	mux.Handle("PUT /api/v1/users/{id}", r.adminHandler(middleware.ValidateJSON(r.handleUpdateUser)))

	// Loan products
	mux.Handle("GET /api/v1/loan-types", r.authed(r.handleListLoanTypes))
	mux.Handle("POST /api/v1/admin/loan-types", r.adminHandler(middleware.ValidateJSON(r.handleCreateLoanType)))
	mux.Handle("PUT /api/v1/admin/loan-types/{id}", r.adminHandler(middleware.ValidateJSON(r.handleUpdateLoanType)))

	// Loans
	mux.Handle("POST /api/v1/loans/calculate", r.authedHandler(middleware.ValidateJSON(r.handleCalculateLoan)))
	mux.Handle("GET /api/v1/loans/limit", r.authed(r.handleLoanLimit))
	mux.Handle("POST /api/v1/loans", r.limited("apply", r.limits.Apply, r.authedHandler(middleware.ValidateJSON(r.handleApplyLoan))))
	mux.Handle("GET /api/v1/loans", r.authed(r.handleListMyLoans))
	mux.Handle("GET /api/v1/loans/{id}", r.authed(r.handleGetLoan))
	mux.Handle("GET /api/v1/loans/{id}/schedule", r.authed(r.handleLoanSchedule))
	mux.Handle("GET /api/v1/loans/{id}/timeline", r.authed(r.handleLoanTimeline))
	mux.Handle("GET /api/v1/loans/{id}/deductions", r.authed(r.handleLoanDeductions))
	mux.Handle("POST /api/v1/loans/{id}/cancel", r.authed(r.handleCancelLoan))
	mux.Handle("POST /api/v1/loans/{id}/repay", r.limited("repay", r.limits.Repay, r.authedHandler(middleware.ValidateJSON(r.handleRepayLoan))))

	// Guarantors
	mux.Handle("GET /api/v1/guarantees", r.authed(r.handleListGuarantees))
	mux.Handle("POST /api/v1/guarantees/{id}/respond", r.authedHandler(middleware.ValidateJSON(r.handleRespondGuarantee)))
	mux.HandleFunc("GET /api/v1/guarantor/respond", r.handleGuarantorLink)
	mux.HandleFunc("POST /api/v1/guarantor/respond", r.handleGuarantorLink)

	// Loan administration
	mux.Handle("GET /api/v1/admin/loans", r.admin(r.handleAdminListLoans))
	mux.Handle("POST /api/v1/admin/loans/{id}/approve", r.admin(r.handleApproveLoan))
	mux.Handle("POST /api/v1/admin/loans/{id}/reject", r.adminHandler(middleware.ValidateJSON(r.handleRejectLoan)))
	mux.Handle("POST /api/v1/admin/loans/{id}/disburse", r.admin(r.handleRetryDisbursement))
	mux.Handle("POST /api/v1/admin/loans/{id}/complete", r.admin(r.handleCompleteLoan))
	mux.Handle("GET /api/v1/admin/stats", r.admin(r.handleStats))

	// Deductions
	mux.Handle("GET /api/v1/admin/deductions", r.admin(r.handleAdminListDeductions))
	mux.Handle("POST /api/v1/admin/deductions", r.adminHandler(middleware.ValidateJSON(r.handleManualDeduction)))
	mux.Handle("POST /api/v1/admin/deductions/payroll", r.adminHandler(middleware.ValidateJSON(r.handleRunPayroll)))

	// Grants
	mux.Handle("GET /api/v1/grant-types", r.authed(r.handleListGrantTypes))
	mux.Handle("POST /api/v1/admin/grant-types", r.adminHandler(middleware.ValidateJSON(r.handleCreateGrantType)))
	mux.Handle("POST /api/v1/grants", r.limited("apply", r.limits.Apply, r.authedHandler(middleware.ValidateJSON(r.handleApplyGrant))))
	mux.Handle("GET /api/v1/grants", r.authed(r.handleListMyGrants))
	mux.Handle("GET /api/v1/grants/{id}", r.authed(r.handleGetGrant))
	mux.Handle("POST /api/v1/grants/{id}/cancel", r.authed(r.handleCancelGrant))
	mux.Handle("GET /api/v1/admin/grants", r.admin(r.handleAdminListGrants))
	mux.Handle("POST /api/v1/admin/grants/{id}/approve", r.admin(r.handleApproveGrant))
	mux.Handle("POST /api/v1/admin/grants/{id}/reject", r.adminHandler(middleware.ValidateJSON(r.handleRejectGrant)))
	mux.Handle("POST /api/v1/admin/grants/{id}/pay", r.admin(r.handleRetryGrantPayment))

	// M-Pesa callbacks carry no bearer token; the secret path segment and
	// the IP allow list stand in for it.
	mux.Handle("POST /api/v1/mpesa/{token}/stk/callback", r.daraja(r.handleSTKCallback))
	mux.Handle("POST /api/v1/mpesa/{token}/b2c/result", r.daraja(r.handleB2CResult))
	mux.Handle("POST /api/v1/mpesa/{token}/b2c/timeout", r.daraja(r.handleB2CTimeout))
	mux.Handle("POST /api/v1/mpesa/{token}/c2b/validation", r.daraja(r.handleC2BValidation))
	mux.Handle("POST /api/v1/mpesa/{token}/c2b/confirmation", r.daraja(r.handleC2BConfirmation))
	mux.Handle("POST /api/v1/admin/mpesa/register-urls", r.admin(r.handleRegisterC2B))
	mux.Handle("GET /api/v1/admin/mpesa/transactions", r.admin(r.handleListMpesaTransactions))

	// Notifications
	mux.Handle("GET /api/v1/notifications", r.authed(r.handleListNotifications))
	mux.Handle("POST /api/v1/notifications/read-all", r.authed(r.handleMarkAllRead))
	mux.Handle("POST /api/v1/notifications/{id}/read", r.authed(r.handleMarkRead))
	mux.Handle("GET /api/v1/notifications/stream", r.authed(r.handleNotificationStream))

	// Audit trail
	mux.Handle("GET /api/v1/admin/audit", r.admin(r.handleListAudit))
}

// handlePing responds to ping requests for testing connectivity.
func (r *Router) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "pong"})
}

func (r *Router) authed(h http.HandlerFunc) http.Handler {
	return middleware.AuthMiddleware(r.jwtManager)(h)
}

func (r *Router) authedHandler(h http.Handler) http.Handler {
	return middleware.AuthMiddleware(r.jwtManager)(h)
}

func (r *Router) admin(h http.HandlerFunc) http.Handler {
	return r.adminHandler(h)
}

func (r *Router) adminHandler(h http.Handler) http.Handler {
	return middleware.AuthMiddleware(r.jwtManager)(middleware.RequireAdmin(h))
}

func (r *Router) daraja(h http.HandlerFunc) http.Handler {
	return middleware.CallbackGuard(r.callbacks.Token, r.callbacks.AllowedIPs)(h)
}

func (r *Router) limited(scope string, max int, h http.Handler) http.Handler {
	if r.services.Cache == nil || max <= 0 {
		return h
	}
	return middleware.RateLimitMiddleware(r.services.Cache, scope, max, r.limits.Window)(h)
}

// actor returns the authenticated caller. Routes using it sit behind
// AuthMiddleware.
func actor(req *http.Request) service.Actor {
	claims, ok := middleware.GetUserFromContext(req.Context())
	if !ok {
		return service.Actor{}
	}
	return service.Actor{ID: claims.UserID, Admin: middleware.IsAdmin(req)}
}
