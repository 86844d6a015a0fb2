package v1

import (
	"net/http"

	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/api/middleware"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/domain"
)

func (r *Router) handleListGrantTypes(w http.ResponseWriter, req *http.Request) {
	q := newQuery(req)
	all := q.flag("all")
	if !q.ok(w) {
		return
	}
	types, err := r.services.Grant.ListTypes(req.Context(), !(all && middleware.IsAdmin(req)))
	if err != nil {
		writeServiceError(w, req, err)
		return
	}
	if types == nil {
		types = []*domain.GrantType{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"grant_types": types})
}

func (r *Router) handleCreateGrantType(w http.ResponseWriter, req *http.Request, body *domain.CreateGrantTypeRequest) {
	gt, err := r.services.Grant.CreateType(req.Context(), actor(req).ID, body)
	if err != nil {
		writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, gt)
}

func (r *Router) handleApplyGrant(w http.ResponseWriter, req *http.Request, body *domain.ApplyGrantRequest) {
	grant, err := r.services.Grant.Apply(req.Context(), actor(req).ID, body)
	if err != nil {
		writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, grant)
}

func grantFilter(q *query) *domain.GrantFilter {
	limit, offset := q.page()
	return &domain.GrantFilter{
		GrantTypeID: q.id("grant_type_id"),
		Status:      grantStatusParam(q),
		Limit:       limit,
		Offset:      offset,
	}
}

func (r *Router) handleListMyGrants(w http.ResponseWriter, req *http.Request) {
	q := newQuery(req)
	filter := grantFilter(q)
	if !q.ok(w) {
		return
	}
	grants, total, err := r.services.Grant.ListMine(req.Context(), actor(req).ID, filter)
	if err != nil {
		writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(grants, total, filter.Limit, filter.Offset))
}

func (r *Router) handleAdminListGrants(w http.ResponseWriter, req *http.Request) {
	q := newQuery(req)
	filter := grantFilter(q)
	filter.UserID = q.id("user_id")
	if !q.ok(w) {
		return
	}
	grants, total, err := r.services.Grant.AdminList(req.Context(), filter)
	if err != nil {
		writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(grants, total, filter.Limit, filter.Offset))
}

func (r *Router) handleGetGrant(w http.ResponseWriter, req *http.Request) {
	id, ok := pathID(w, req)
	if !ok {
		return
	}
	grant, err := r.services.Grant.Get(req.Context(), actor(req), id)
	if err != nil {
		writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

func (r *Router) handleCancelGrant(w http.ResponseWriter, req *http.Request) {
	id, ok := pathID(w, req)
	if !ok {
		return
	}
	grant, err := r.services.Grant.Cancel(req.Context(), actor(req), id)
	if err != nil {
		writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

// handleApproveGrant approves a pending grant and queues the B2C payment.
func (r *Router) handleApproveGrant(w http.ResponseWriter, req *http.Request) {
	id, ok := pathID(w, req)
	if !ok {
		return
	}
	grant, err := r.services.Grant.Approve(req.Context(), actor(req).ID, id)
	if err != nil {
		writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

func (r *Router) handleRejectGrant(w http.ResponseWriter, req *http.Request, body *domain.ReasonRequest) {
	id, ok := pathID(w, req)
	if !ok {
		return
	}
	grant, err := r.services.Grant.Reject(req.Context(), actor(req).ID, id, body.Reason)
	if err != nil {
		writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

func (r *Router) handleRetryGrantPayment(w http.ResponseWriter, req *http.Request) {
	id, ok := pathID(w, req)
	if !ok {
		return
	}
	tx, err := r.services.Grant.RetryPayment(req.Context(), actor(req).ID, id)
	if err != nil {
		writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusAccepted, tx)
}
