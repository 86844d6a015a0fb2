package v1

import (
	"net/http"

	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/api/middleware"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/domain"
)

// handleListUsers lists users with optional role, status and search filters
// (admin only).
func (r *Router) handleListUsers(w http.ResponseWriter, req *http.Request) {
	q := newQuery(req)
	limit, offset := q.page()
	filter := &domain.UserFilter{
		Role:   q.optional("role"),
		Status: q.optional("status"),
		Search: q.get("search"),
		Limit:  limit,
		Offset: offset,
	}
	if !q.ok(w) {
		return
	}

	users, total, err := r.services.User.List(req.Context(), filter)
	if err != nil {
		writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(users, total, limit, offset))
}

func (r *Router) handleGetUser(w http.ResponseWriter, req *http.Request) {
	id, ok := pathID(w, req)
	if !ok {
		return
	}
	user, err := r.services.User.GetByID(req.Context(), id)
	if err != nil {
		writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// handleUpdateUser changes salary, role, status or phone (admin only).
func (r *Router) handleUpdateUser(w http.ResponseWriter, req *http.Request, body *domain.AdminUpdateUserRequest) {
	id, ok := pathID(w, req)
	if !ok {
		return
	}
	user, err := r.services.User.AdminUpdate(req.Context(), actor(req).ID, id, body)
	if err != nil {
		writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (r *Router) handleListDependants(w http.ResponseWriter, req *http.Request) {
	deps, err := r.services.User.ListDependants(req.Context(), actor(req).ID)
	if err != nil {
		writeServiceError(w, req, err)
		return
	}
	if deps == nil {
		deps = []*domain.Dependant{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"dependants": deps})
}

func (r *Router) handleAddDependant(w http.ResponseWriter, req *http.Request, body *domain.CreateDependantRequest) {
	dep, err := r.services.User.AddDependant(req.Context(), actor(req).ID, body)
	if err != nil {
		writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, dep)
}

func (r *Router) handleDeleteDependant(w http.ResponseWriter, req *http.Request) {
	id, ok := pathID(w, req)
	if !ok {
		return
	}
	if err := r.services.User.DeleteDependant(req.Context(), actor(req).ID, id); err != nil {
		writeServiceError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListLoanTypes lists active products. Admins may pass all=true to
// include inactive ones.
func (r *Router) handleListLoanTypes(w http.ResponseWriter, req *http.Request) {
	q := newQuery(req)
	all := q.flag("all")
	if !q.ok(w) {
		return
	}
	types, err := r.services.LoanType.List(req.Context(), !(all && middleware.IsAdmin(req)))
	if err != nil {
		writeServiceError(w, req, err)
		return
	}
	if types == nil {
		types = []*domain.LoanType{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"loan_types": types})
}

func (r *Router) handleCreateLoanType(w http.ResponseWriter, req *http.Request, body *domain.CreateLoanTypeRequest) {
	lt, err := r.services.LoanType.Create(req.Context(), actor(req).ID, body)
	if err != nil {
		writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, lt)
}

func (r *Router) handleUpdateLoanType(w http.ResponseWriter, req *http.Request, body *domain.UpdateLoanTypeRequest) {
	id, ok := pathID(w, req)
	if !ok {
		return
	}
	lt, err := r.services.LoanType.Update(req.Context(), actor(req).ID, id, body)
	if err != nil {
		writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, lt)
}
