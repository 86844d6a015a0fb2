package v1

import (
	"net/http"

	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/domain"
)

func (r *Router) handleAdminListLoans(w http.ResponseWriter, req *http.Request) {
	q := newQuery(req)
	filter := loanFilter(q)
	filter.UserID = q.id("user_id")
	if !q.ok(w) {
		return
	}
	loans, total, err := r.services.Loan.AdminList(req.Context(), filter)
	if err != nil {
		writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(loans, total, filter.Limit, filter.Offset))
}

// handleApproveLoan approves a processing loan and queues its disbursement.
func (r *Router) handleApproveLoan(w http.ResponseWriter, req *http.Request) {
	id, ok := pathID(w, req)
	if !ok {
		return
	}
	loan, err := r.services.Loan.Approve(req.Context(), actor(req).ID, id)
	if err != nil {
		writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (r *Router) handleRejectLoan(w http.ResponseWriter, req *http.Request, body *domain.ReasonRequest) {
	id, ok := pathID(w, req)
	if !ok {
		return
	}
	loan, err := r.services.Loan.Reject(req.Context(), actor(req).ID, id, body.Reason)
	if err != nil {
		writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (r *Router) handleRetryDisbursement(w http.ResponseWriter, req *http.Request) {
	id, ok := pathID(w, req)
	if !ok {
		return
	}
	tx, err := r.services.Loan.RetryDisbursement(req.Context(), actor(req).ID, id)
	if err != nil {
		writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusAccepted, tx)
}

func (r *Router) handleCompleteLoan(w http.ResponseWriter, req *http.Request) {
	id, ok := pathID(w, req)
	if !ok {
		return
	}
	loan, err := r.services.Loan.Complete(req.Context(), actor(req).ID, id)
	if err != nil {
		writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (r *Router) handleStats(w http.ResponseWriter, req *http.Request) {
	stats, err := r.services.Loan.Stats(req.Context())
	if err != nil {
		writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (r *Router) handleAdminListDeductions(w http.ResponseWriter, req *http.Request) {
	q := newQuery(req)
	limit, offset := q.page()
	filter := &domain.DeductionFilter{
		LoanID: q.id("loan_id"),
		UserID: q.id("user_id"),
		Period: q.get("period"),
		Limit:  limit,
		Offset: offset,
	}
	if raw := q.get("type"); raw != "" {
		t := domain.DeductionType(raw)
		switch t {
		case domain.DeductionPayroll, domain.DeductionManual, domain.DeductionMpesa:
			filter.Type = &t
		default:
			q.fail("type", "must be one of payroll, manual, mpesa")
		}
	}
	if !q.ok(w) {
		return
	}

	items, total, err := r.services.Deduction.AdminList(req.Context(), filter)
	if err != nil {
		writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(items, total, limit, offset))
}

func (r *Router) handleManualDeduction(w http.ResponseWriter, req *http.Request, body *domain.ManualDeductionRequest) {
	d, err := r.services.Deduction.RecordManual(req.Context(), actor(req).ID, body)
	if err != nil {
		writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

// handleRunPayroll runs the payroll batch for a period on demand. Loans
// already deducted for the period are skipped.
func (r *Router) handleRunPayroll(w http.ResponseWriter, req *http.Request, body *domain.PayrollRunRequest) {
	adminID := actor(req).ID
	result, err := r.services.Deduction.RunPayroll(req.Context(), body.Period, &adminID)
	if err != nil {
		writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (r *Router) handleRegisterC2B(w http.ResponseWriter, req *http.Request) {
	if err := r.services.Payment.RegisterC2BURLs(req.Context()); err != nil {
		writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "C2B URLs registered"})
}

func (r *Router) handleListMpesaTransactions(w http.ResponseWriter, req *http.Request) {
	q := newQuery(req)
	limit, offset := q.page()
	filter := &domain.MpesaFilter{
		LoanID:  q.id("loan_id"),
		GrantID: q.id("grant_id"),
		Limit:   limit,
		Offset:  offset,
	}
	if raw := q.get("kind"); raw != "" {
		k := domain.MpesaKind(raw)
		switch k {
		case domain.MpesaSTKPush, domain.MpesaB2C, domain.MpesaC2B:
			filter.Kind = &k
		default:
			q.fail("kind", "must be one of stk_push, b2c, c2b")
		}
	}
	if raw := q.get("status"); raw != "" {
		s := domain.MpesaStatus(raw)
		switch s {
		case domain.MpesaPending, domain.MpesaSuccess, domain.MpesaFailed, domain.MpesaUnmatched:
			filter.Status = &s
		default:
			q.fail("status", "unknown transaction status")
		}
	}
	if !q.ok(w) {
		return
	}

	txs, total, err := r.services.Payment.ListTransactions(req.Context(), filter)
	if err != nil {
		writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(txs, total, limit, offset))
}

func (r *Router) handleListAudit(w http.ResponseWriter, req *http.Request) {
	q := newQuery(req)
	limit, offset := q.page()
	filter := &domain.AuditLogFilter{
		EntityType: q.optional("entity_type"),
		EntityID:   q.id("entity_id"),
		Action:     q.optional("action"),
		ActorID:    q.id("actor_id"),
		Since:      q.date("since"),
		Limit:      limit,
		Offset:     offset,
	}
	if !q.ok(w) {
		return
	}
	logs, total, err := r.services.Audit.List(req.Context(), filter)
	if err != nil {
		writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(logs, total, limit, offset))
}
