package v1

import (
	"net/http"
	"strings"

	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/api/middleware"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/domain"
)

// linkDeclineReason is recorded when a guarantor declines from the email
// link without giving a reason.
const linkDeclineReason = "Declined via email link"

func (r *Router) handleCalculateLoan(w http.ResponseWriter, req *http.Request, body *domain.CalculateLoanRequest) {
	quote, err := r.services.Loan.Calculate(req.Context(), body)
	if err != nil {
		writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func (r *Router) handleLoanLimit(w http.ResponseWriter, req *http.Request) {
	limit, err := r.services.Loan.GetLimit(req.Context(), actor(req).ID)
	if err != nil {
		writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, limit)
}

// handleApplyLoan creates a pending loan and emails its guarantors.
func (r *Router) handleApplyLoan(w http.ResponseWriter, req *http.Request, body *domain.ApplyLoanRequest) {
	loan, err := r.services.Loan.Apply(req.Context(), actor(req).ID, body)
	if err != nil {
		writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, loan)
}

func loanFilter(q *query) *domain.LoanFilter {
	limit, offset := q.page()
	return &domain.LoanFilter{
		LoanTypeID: q.id("loan_type_id"),
		Status:     loanStatusParam(q),
		From:       q.date("from"),
		To:         q.date("to"),
		Limit:      limit,
		Offset:     offset,
	}
}

func (r *Router) handleListMyLoans(w http.ResponseWriter, req *http.Request) {
	q := newQuery(req)
	filter := loanFilter(q)
	if !q.ok(w) {
		return
	}
	loans, total, err := r.services.Loan.ListMine(req.Context(), actor(req).ID, filter)
	if err != nil {
		writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(loans, total, filter.Limit, filter.Offset))
}

func (r *Router) handleGetLoan(w http.ResponseWriter, req *http.Request) {
	id, ok := pathID(w, req)
	if !ok {
		return
	}
	loan, err := r.services.Loan.Get(req.Context(), actor(req), id)
	if err != nil {
		writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (r *Router) handleLoanSchedule(w http.ResponseWriter, req *http.Request) {
	id, ok := pathID(w, req)
	if !ok {
		return
	}
	schedule, err := r.services.Loan.Schedule(req.Context(), actor(req), id)
	if err != nil {
		writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, schedule)
}

func (r *Router) handleLoanTimeline(w http.ResponseWriter, req *http.Request) {
	id, ok := pathID(w, req)
	if !ok {
		return
	}
	entries, err := r.services.Loan.Timeline(req.Context(), actor(req), id)
	if err != nil {
		writeServiceError(w, req, err)
		return
	}
	if entries == nil {
		entries = []domain.TimelineEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"timeline": entries})
}

func (r *Router) handleLoanDeductions(w http.ResponseWriter, req *http.Request) {
	id, ok := pathID(w, req)
	if !ok {
		return
	}
	q := newQuery(req)
	limit, offset := q.page()
	if !q.ok(w) {
		return
	}
	items, total, err := r.services.Deduction.ListForLoan(req.Context(), actor(req), id, &domain.DeductionFilter{Limit: limit, Offset: offset})
	if err != nil {
		writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(items, total, limit, offset))
}

func (r *Router) handleCancelLoan(w http.ResponseWriter, req *http.Request) {
	id, ok := pathID(w, req)
	if !ok {
		return
	}
	loan, err := r.services.Loan.Cancel(req.Context(), actor(req).ID, id)
	if err != nil {
		writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

// handleRepayLoan sends an STK push. The loan balance changes when the
// callback arrives, so the response is 202.
func (r *Router) handleRepayLoan(w http.ResponseWriter, req *http.Request, body *domain.RepayRequest) {
	id, ok := pathID(w, req)
	if !ok {
		return
	}
	tx, err := r.services.Payment.InitiateRepayment(req.Context(), actor(req).ID, id, body)
	if err != nil {
		writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusAccepted, tx.ToRepaymentResponse())
}

func (r *Router) handleListGuarantees(w http.ResponseWriter, req *http.Request) {
	q := newQuery(req)
	status := guarantorStatusParam(q)
	if !q.ok(w) {
		return
	}
	requests, err := r.services.Guarantor.ListMine(req.Context(), actor(req).ID, status)
	if err != nil {
		writeServiceError(w, req, err)
		return
	}
	if requests == nil {
		requests = []*domain.GuaranteeRequest{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"guarantees": requests})
}

func (r *Router) handleRespondGuarantee(w http.ResponseWriter, req *http.Request, body *domain.GuarantorResponseRequest) {
	id, ok := pathID(w, req)
	if !ok {
		return
	}
	g, err := r.services.Guarantor.Respond(req.Context(), id, actor(req).ID, body)
	if err != nil {
		writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// handleGuarantorLink serves the accept/decline links sent by email. The
// signed token identifies the guarantor, so no session is needed. Values may
// come from the query string or a posted form.
func (r *Router) handleGuarantorLink(w http.ResponseWriter, req *http.Request) {
	token := req.FormValue("token")
	if token == "" {
		middleware.WriteValidationError(w, []middleware.ValidationError{{Field: "token", Message: "token is required"}})
		return
	}
	body := &domain.GuarantorResponseRequest{
		Action: req.FormValue("action"),
		Reason: strings.TrimSpace(req.FormValue("reason")),
	}
	if body.Action == "decline" && body.Reason == "" {
		body.Reason = linkDeclineReason
	}

	g, err := r.services.Guarantor.RespondWithToken(req.Context(), token, body)
	if err != nil {
		writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":   "Thank you, your response has been recorded.",
		"guarantor": g,
	})
}
