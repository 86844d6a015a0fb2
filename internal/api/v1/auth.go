package v1

import (
	"net/http"

	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/domain"
)

// handleRegister creates an employee account. Tokens are issued by login.
func (r *Router) handleRegister(w http.ResponseWriter, req *http.Request, body *domain.RegisterRequest) {
	user, err := r.services.Auth.Register(req.Context(), body)
	if err != nil {
		writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request, body *domain.LoginRequest) {
	resp, err := r.services.Auth.Login(req.Context(), body.Email, body.Password)
	if err != nil {
		writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (r *Router) handleRefresh(w http.ResponseWriter, req *http.Request, body *domain.RefreshRequest) {
	resp, err := r.services.Auth.RefreshToken(req.Context(), body.RefreshToken)
	if err != nil {
		writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (r *Router) handleLogout(w http.ResponseWriter, req *http.Request, body *domain.RefreshRequest) {
	if err := r.services.Auth.Logout(req.Context(), body.RefreshToken); err != nil {
		writeServiceError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleGetMe(w http.ResponseWriter, req *http.Request) {
	user, err := r.services.User.GetProfile(req.Context(), actor(req).ID)
	if err != nil {
		writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (r *Router) handleUpdateMe(w http.ResponseWriter, req *http.Request, body *domain.UpdateProfileRequest) {
	user, err := r.services.User.UpdateProfile(req.Context(), actor(req).ID, body)
	if err != nil {
		writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (r *Router) handleChangePassword(w http.ResponseWriter, req *http.Request, body *domain.ChangePasswordRequest) {
	if err := r.services.Auth.ChangePassword(req.Context(), actor(req).ID, body); err != nil {
		writeServiceError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
