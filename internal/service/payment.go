package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/domain"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/mpesa"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/repository"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/utils"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/worker"
)

// Callback paths registered with Daraja. They follow
// {CallbackBaseURL}/api/v1/mpesa/{CallbackToken}.
const (
	PathSTKCallback     = "/stk/callback"
	PathB2CResult       = "/b2c/result"
	PathB2CTimeout      = "/b2c/timeout"
	PathC2BValidation   = "/c2b/validation"
	PathC2BConfirmation = "/c2b/confirmation"
)

// PayoutAbandonAfter is how long a payout may stay pending without reaching
// M-Pesa before a retry or the reconcile sweep fails it. It is longer than a
// disbursement job's whole retry budget.
const PayoutAbandonAfter = 15 * time.Minute

const (
	callbackLockTTL  = 30 * time.Second
	reconcileBatch   = 100
	noResultCode     = -1
	timeoutErrorCode = -2
)

var (
	errDuplicateCallback = errors.New("transaction already completed")
	errUnmatched         = errors.New("payment could not be applied")
)

// PaymentServiceImpl implements PaymentService.
type PaymentServiceImpl struct {
	ledger
	gateway PaymentGateway
	cache   CacheService
	opts    Options
	now     func() time.Time
}

// NewPaymentService creates the M-Pesa reconciliation service. cache may be
// nil, in which case callbacks are not locked.
func NewPaymentService(repos *repository.Repositories, events *EventService, notifier NotificationService, gateway PaymentGateway, cache CacheService, metrics *utils.MetricsCollector, opts Options) *PaymentServiceImpl {
	return &PaymentServiceImpl{
		ledger:  ledger{repos: repos, events: events, notifier: notifier, metrics: metrics},
		gateway: gateway,
		cache:   cache,
		opts:    opts,
		now:     time.Now,
	}
}

// newPayout builds a pending B2C transaction to the user's phone.
func newPayout(purpose domain.MpesaPurpose, user *domain.User, amount float64, loanID, grantID *uuid.UUID) (*domain.MpesaTransaction, error) {
	phone, err := mpesa.NormalizePhone(user.Phone)
	if err != nil {
		return nil, fmt.Errorf("%w: phone: %s has no valid M-Pesa number", domain.ErrValidation, user.FullName())
	}
	return &domain.MpesaTransaction{
		Kind:    domain.MpesaB2C,
		Purpose: purpose,
		LoanID:  loanID,
		GrantID: grantID,
		UserID:  &user.ID,
		Phone:   phone,
		Amount:  domain.RoundMoney(amount),
		Status:  domain.MpesaPending,
	}, nil
}

// schedulePayout queues the disbursement job for a committed payout row. A
// payout that cannot be queued is failed at once so an admin can retry it.
func schedulePayout(ctx context.Context, queue JobQueue, repo repository.MpesaTransactionsRepo, t *domain.MpesaTransaction) {
	err := errors.New("no job queue")
	if queue != nil {
		var job *worker.Job
		if job, err = worker.NewJob(worker.JobB2CDisburse, worker.DisbursePayload{TransactionID: t.ID}); err == nil {
			err = queue.Enqueue(ctx, job)
		}
	}
	if err == nil {
		return
	}

	utils.Error("failed to enqueue payout", "transaction_id", t.ID.String(), "error", err.Error())
	if cerr := repo.Complete(ctx, t.ID, domain.MpesaResult{
		Status:     domain.MpesaFailed,
		ResultCode: noResultCode,
		ResultDesc: "payout could not be queued: " + err.Error(),
	}); cerr != nil {
		utils.Error("failed to mark unqueued payout failed", "transaction_id", t.ID.String(), "error", cerr.Error())
		return
	}
	t.Status = domain.MpesaFailed
}

// releaseAbandonedPayouts fails payouts for refID that have waited longer
// than PayoutAbandonAfter without reaching M-Pesa. Retry guards call it
// before checking for a payout in flight.
func releaseAbandonedPayouts(ctx context.Context, tx *repository.Repositories, purpose domain.MpesaPurpose, refID uuid.UUID, now time.Time) error {
	n, err := tx.MpesaTransactions.FailUnsubmitted(ctx, purpose, refID, now.Add(-PayoutAbandonAfter), "payout was never submitted")
	if err != nil {
		return err
	}
	if n > 0 {
		utils.Warn("released abandoned payouts", "purpose", purpose, "ref_id", refID.String(), "count", n)
	}
	return nil
}

// lock serializes concurrent deliveries of the same callback. It reports
// false when another delivery holds the key.
func (s *PaymentServiceImpl) lock(ctx context.Context, key string) bool {
	if s.cache == nil {
		return true
	}
	ok, err := s.cache.AcquireLock(ctx, key, callbackLockTTL)
	if err != nil {
		utils.Warn("callback lock unavailable", "key", key, "error", err.Error())
		return true
	}
	return ok
}

// InitiateRepayment sends an STK push asking the borrower to pay amount
// towards the loan.
func (s *PaymentServiceImpl) InitiateRepayment(ctx context.Context, userID, loanID uuid.UUID, req *domain.RepayRequest) (*domain.MpesaTransaction, error) {
	if err := req.Validate(); err != nil {
		return nil, invalid(err)
	}
	loan, err := s.repos.Loans.GetByID(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if loan.UserID != userID {
		return nil, fmt.Errorf("%w: loan belongs to another employee", domain.ErrForbidden)
	}
	if !loan.IsActive() || !loan.IsDisbursed() || loan.OutstandingBalance <= 0 {
		return nil, fmt.Errorf("%w: loan is %s and takes no repayments", domain.ErrInvalidTransition, loan.Status)
	}
	if req.Amount > loan.OutstandingBalance {
		return nil, fmt.Errorf("%w: amount: exceeds outstanding balance of %.2f", domain.ErrValidation, loan.OutstandingBalance)
	}

	phone := req.Phone
	if phone == "" {
		user, err := s.repos.Users.GetByID(ctx, userID)
		if err != nil {
			return nil, err
		}
		phone = user.Phone
	}
	phone, err = mpesa.NormalizePhone(phone)
	if err != nil {
		return nil, fmt.Errorf("%w: phone: %v", domain.ErrValidation, err)
	}

	pending, err := s.repos.MpesaTransactions.HasPending(ctx, domain.PurposeLoanRepayment, loan.ID)
	if err != nil {
		return nil, err
	}
	if pending {
		return nil, fmt.Errorf("%w: a repayment request is already awaiting confirmation", domain.ErrConflict)
	}

	t := &domain.MpesaTransaction{
		Kind:    domain.MpesaSTKPush,
		Purpose: domain.PurposeLoanRepayment,
		LoanID:  &loan.ID,
		UserID:  &userID,
		Phone:   phone,
		Amount:  req.Amount,
		Status:  domain.MpesaPending,
	}
	if err := s.repos.MpesaTransactions.Create(ctx, t); err != nil {
		return nil, err
	}

	resp, err := s.gateway.STKPush(ctx, mpesa.STKPushRequest{
		Phone:            phone,
		Amount:           req.Amount,
		AccountReference: loan.PaymentReference(),
		Description:      "Loan repayment " + loan.LoanNumber,
		CallbackURL:      s.opts.callbackURL(PathSTKCallback),
	})
	if err != nil {
		if cerr := s.repos.MpesaTransactions.Complete(ctx, t.ID, domain.MpesaResult{
			Status:     domain.MpesaFailed,
			ResultCode: noResultCode,
			ResultDesc: err.Error(),
		}); cerr != nil {
			utils.Error("failed to mark stk push failed", "transaction_id", t.ID.String(), "error", cerr.Error())
		}
		return nil, fmt.Errorf("failed to start M-Pesa payment: %w", err)
	}

	t.MerchantRequestID = resp.MerchantRequestID
	t.CheckoutRequestID = resp.CheckoutRequestID
	if err := s.repos.MpesaTransactions.SetRequestIDs(ctx, t); err != nil {
		return nil, err
	}

	utils.Info("stk push sent",
		"transaction_id", t.ID.String(),
		"loan_id", loan.ID.String(),
		"checkout_request_id", t.CheckoutRequestID,
		"amount", t.Amount,
	)
	writeAudit(ctx, s.repos.Audit, domain.EntityMpesa, t.ID, domain.ActionCreated, &userID, map[string]interface{}{
		"kind":    t.Kind,
		"loan_id": loan.ID,
		"amount":  t.Amount,
	})
	return t, nil
}

// HandleSTKCallback applies the outcome of an STK push. Unknown and repeated
// callbacks are acknowledged without effect.
func (s *PaymentServiceImpl) HandleSTKCallback(ctx context.Context, body []byte) error {
	cb, err := mpesa.ParseSTKCallback(body)
	if err != nil {
		s.metrics.RecordCallback("stk", "invalid")
		return invalid(err)
	}
	if !s.lock(ctx, "mpesa:stk:"+cb.CheckoutRequestID) {
		s.metrics.RecordCallback("stk", "duplicate")
		return nil
	}

	t, err := s.repos.MpesaTransactions.GetByCheckoutRequestID(ctx, cb.CheckoutRequestID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			utils.Warn("stk callback for unknown request", "checkout_request_id", cb.CheckoutRequestID)
			s.metrics.RecordCallback("stk", "unknown")
			return nil
		}
		return err
	}
	if t.Status != domain.MpesaPending {
		s.metrics.RecordCallback("stk", "duplicate")
		return nil
	}

	if !cb.Success() {
		s.failRepayment(ctx, t, cb.ResultCode, cb.ResultDesc, body)
		s.metrics.RecordCallback("stk", "failed")
		return nil
	}

	res := domain.MpesaResult{
		Status:        domain.MpesaSuccess,
		ResultCode:    cb.ResultCode,
		ResultDesc:    cb.ResultDesc,
		ReceiptNumber: cb.ReceiptNumber,
		Phone:         cb.Phone,
		Raw:           body,
	}
	// The push asked for t.Amount; a callback claiming anything else is held
	// for review instead of being applied.
	if cb.Amount > 0 && domain.RoundMoney(cb.Amount) != t.Amount {
		reason := fmt.Errorf("amount mismatch: requested %.2f, callback reported %.2f", t.Amount, cb.Amount)
		_, err := s.unmatched(ctx, t, cb.Amount, res, reason)
		s.metrics.RecordCallback("stk", "mismatch")
		return err
	}
	result, err := s.settle(ctx, t, t.Amount, res)
	s.metrics.RecordCallback("stk", result)
	return err
}

// settle completes a money-in transaction and applies it to its loan in one
// database transaction. A payment that cannot be applied is kept as
// unmatched for manual follow up.
func (s *PaymentServiceImpl) settle(ctx context.Context, t *domain.MpesaTransaction, amount float64, res domain.MpesaResult) (string, error) {
	var p *posting
	err := s.repos.InTx(ctx, func(tx *repository.Repositories) error {
		if err := tx.MpesaTransactions.Complete(ctx, t.ID, res); err != nil {
			if errors.Is(err, domain.ErrInvalidTransition) {
				return errDuplicateCallback
			}
			return err
		}
		if t.LoanID == nil {
			return errUnmatched
		}
		var err error
		p, err = s.apply(ctx, tx, entry{
			LoanID:    *t.LoanID,
			Amount:    amount,
			Type:      domain.DeductionMpesa,
			Reference: res.ReceiptNumber,
		}, s.now())
		if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("%w: %v", errUnmatched, err)
		}
		return err
	})

	switch {
	case errors.Is(err, errDuplicateCallback):
		return "duplicate", nil
	case errors.Is(err, domain.ErrConflict) && res.ReceiptNumber != "":
		// The receipt was already applied through another transaction row.
		if cerr := s.repos.MpesaTransactions.Complete(ctx, t.ID, domain.MpesaResult{
			Status:     domain.MpesaFailed,
			ResultCode: noResultCode,
			ResultDesc: "duplicate receipt " + res.ReceiptNumber,
		}); cerr != nil && !errors.Is(cerr, domain.ErrInvalidTransition) {
			return "error", cerr
		}
		return "duplicate", nil
	case errors.Is(err, errUnmatched):
		return s.unmatched(ctx, t, amount, res, err)
	case err != nil:
		return "error", err
	}

	s.announce(ctx, p, domain.NotifyPaymentReceived, res.ReceiptNumber)
	return "success", nil
}

// unmatched stores a money-in transaction as unmatched without touching any
// loan.
func (s *PaymentServiceImpl) unmatched(ctx context.Context, t *domain.MpesaTransaction, amount float64, res domain.MpesaResult, reason error) (string, error) {
	res.Status = domain.MpesaUnmatched
	res.ResultDesc = strings.TrimSpace(res.ResultDesc + " (" + reason.Error() + ")")
	if err := s.repos.MpesaTransactions.Complete(ctx, t.ID, res); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			return "duplicate", nil
		}
		return "error", err
	}
	utils.Warn("mpesa payment unmatched",
		"transaction_id", t.ID.String(),
		"receipt", res.ReceiptNumber,
		"amount", amount,
		"reason", reason.Error(),
	)
	writeAudit(ctx, s.repos.Audit, domain.EntityMpesa, t.ID, domain.ActionFailed, nil, map[string]interface{}{
		"status":  domain.MpesaUnmatched,
		"receipt": res.ReceiptNumber,
		"amount":  amount,
		"reason":  reason.Error(),
	})
	return "unmatched", nil
}

func (s *PaymentServiceImpl) failRepayment(ctx context.Context, t *domain.MpesaTransaction, code int, desc string, raw []byte) {
	err := s.repos.MpesaTransactions.Complete(ctx, t.ID, domain.MpesaResult{
		Status:     domain.MpesaFailed,
		ResultCode: code,
		ResultDesc: desc,
		Raw:        raw,
	})
	if err != nil {
		if !errors.Is(err, domain.ErrInvalidTransition) {
			utils.Error("failed to mark repayment failed", "transaction_id", t.ID.String(), "error", err.Error())
		}
		return
	}
	utils.Info("mpesa repayment failed", "transaction_id", t.ID.String(), "result_code", code, "result_desc", desc)
	if t.LoanID == nil {
		return
	}
	loan, err := s.repos.Loans.GetByID(ctx, *t.LoanID)
	if err != nil {
		return
	}
	loanEvent(ctx, s.events, loan, domain.EventRepaymentFailed, domain.LoanEventData{Amount: t.Amount, Reason: desc})
	data := loanData(loan, "")
	data.Amount = t.Amount
	data.Reason = desc
	notifyUser(ctx, s.notifier, loan.UserID, domain.NotifyPaymentFailed, data, domain.ChannelSMS)
}

// HandleB2CResult applies the result of a disbursement or grant payout.
func (s *PaymentServiceImpl) HandleB2CResult(ctx context.Context, body []byte) error {
	r, err := mpesa.ParseB2CResult(body)
	if err != nil {
		s.metrics.RecordCallback("b2c", "invalid")
		return invalid(err)
	}
	t, ok, err := s.payoutFor(ctx, r)
	if err != nil || !ok {
		return err
	}
	if !r.Success() {
		s.failPayout(ctx, t, r.ResultCode, r.ResultDesc, body)
		s.metrics.RecordCallback("b2c", "failed")
		return nil
	}
	result, err := s.completePayout(ctx, t, r, body)
	s.metrics.RecordCallback("b2c", result)
	return err
}

// HandleB2CTimeout treats a queue timeout as a failed payout so an admin can
// retry it.
func (s *PaymentServiceImpl) HandleB2CTimeout(ctx context.Context, body []byte) error {
	r, err := mpesa.ParseB2CResult(body)
	if err != nil {
		s.metrics.RecordCallback("b2c_timeout", "invalid")
		return invalid(err)
	}
	t, ok, err := s.payoutFor(ctx, r)
	if err != nil || !ok {
		return err
	}
	desc := "request timed out"
	if r.ResultDesc != "" {
		desc = "timeout: " + r.ResultDesc
	}
	s.failPayout(ctx, t, timeoutErrorCode, desc, body)
	s.metrics.RecordCallback("b2c_timeout", "failed")
	return nil
}

// payoutFor finds the pending transaction for a B2C result. ok is false for
// unknown and already completed conversations.
func (s *PaymentServiceImpl) payoutFor(ctx context.Context, r *mpesa.B2CResult) (*domain.MpesaTransaction, bool, error) {
	key := r.ConversationID
	if key == "" {
		key = r.OriginatorConversationID
	}
	if !s.lock(ctx, "mpesa:b2c:"+key) {
		s.metrics.RecordCallback("b2c", "duplicate")
		return nil, false, nil
	}
	t, err := s.repos.MpesaTransactions.GetByConversationID(ctx, r.ConversationID, r.OriginatorConversationID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			utils.Warn("b2c result for unknown conversation", "conversation_id", r.ConversationID)
			s.metrics.RecordCallback("b2c", "unknown")
			return nil, false, nil
		}
		return nil, false, err
	}
	if t.Status != domain.MpesaPending {
		s.metrics.RecordCallback("b2c", "duplicate")
		return nil, false, nil
	}
	return t, true, nil
}

func (s *PaymentServiceImpl) completePayout(ctx context.Context, t *domain.MpesaTransaction, r *mpesa.B2CResult, raw []byte) (string, error) {
	var loan *domain.Loan
	var grant *domain.Grant
	var grantFrom domain.GrantStatus
	now := s.now()

	err := s.repos.InTx(ctx, func(tx *repository.Repositories) error {
		if err := tx.MpesaTransactions.Complete(ctx, t.ID, domain.MpesaResult{
			Status:        domain.MpesaSuccess,
			ResultCode:    r.ResultCode,
			ResultDesc:    r.ResultDesc,
			ReceiptNumber: r.ReceiptNumber,
			Raw:           raw,
		}); err != nil {
			if errors.Is(err, domain.ErrInvalidTransition) {
				return errDuplicateCallback
			}
			return err
		}

		switch {
		case t.Purpose == domain.PurposeLoanDisbursement && t.LoanID != nil:
			var err error
			loan, err = tx.Loans.GetForUpdate(ctx, *t.LoanID)
			if err != nil {
				return err
			}
			// repayments start the month after the money arrives
			loan.DisbursedAt = timePtr(now)
			loan.NextDueDate = timePtr(domain.MonthEnd(now, 1))
			return tx.Loans.Update(ctx, loan, loan.Status)
		case t.Purpose == domain.PurposeGrantPayment && t.GrantID != nil:
			var err error
			grant, err = tx.Grants.GetForUpdate(ctx, *t.GrantID)
			if err != nil {
				return err
			}
			grantFrom, err = grantTransition(ctx, tx, grant, domain.GrantPaid, now, func(g *domain.Grant) {
				g.PaidAt = timePtr(now)
			})
			return err
		}
		return nil
	})
	if errors.Is(err, errDuplicateCallback) {
		return "duplicate", nil
	}
	if err != nil {
		return "error", err
	}

	s.metrics.RecordDisbursement(t.Amount)
	utils.Info("mpesa payout completed",
		"transaction_id", t.ID.String(),
		"purpose", t.Purpose,
		"receipt", r.ReceiptNumber,
		"amount", t.Amount,
	)
	writeAudit(ctx, s.repos.Audit, domain.EntityMpesa, t.ID, domain.ActionDisbursed, nil, map[string]interface{}{
		"purpose": t.Purpose,
		"receipt": r.ReceiptNumber,
		"amount":  t.Amount,
	})

	if loan != nil {
		loanEvent(ctx, s.events, loan, domain.EventLoanDisbursed, domain.LoanEventData{Amount: t.Amount, Reference: r.ReceiptNumber})
		data := loanData(loan, "")
		data.Receipt = r.ReceiptNumber
		notifyUser(ctx, s.notifier, loan.UserID, domain.NotifyLoanDisbursed, data, domain.ChannelEmail, domain.ChannelSMS)
	}
	if grant != nil {
		s.metrics.RecordGrantTransition(string(domain.GrantPaid))
		grantEvent(ctx, s.events, grant, domain.EventGrantPaid, domain.GrantEventData{From: grantFrom, To: grant.Status, Amount: t.Amount, Reference: r.ReceiptNumber})
		data := grantData(grant, "")
		data.Receipt = r.ReceiptNumber
		notifyUser(ctx, s.notifier, grant.UserID, domain.NotifyGrantPaid, data, domain.ChannelEmail, domain.ChannelSMS)
	}
	return "success", nil
}

// failPayout marks a pending payout failed and tells the recipient. It
// reports false when the row was no longer pending.
func (s *PaymentServiceImpl) failPayout(ctx context.Context, t *domain.MpesaTransaction, code int, desc string, raw []byte) bool {
	err := s.repos.MpesaTransactions.Complete(ctx, t.ID, domain.MpesaResult{
		Status:     domain.MpesaFailed,
		ResultCode: code,
		ResultDesc: desc,
		Raw:        raw,
	})
	if err != nil {
		if !errors.Is(err, domain.ErrInvalidTransition) {
			utils.Error("failed to mark payout failed", "transaction_id", t.ID.String(), "error", err.Error())
		}
		return false
	}
	utils.Warn("mpesa payout failed",
		"transaction_id", t.ID.String(),
		"purpose", t.Purpose,
		"result_code", code,
		"result_desc", desc,
	)
	writeAudit(ctx, s.repos.Audit, domain.EntityMpesa, t.ID, domain.ActionFailed, nil, map[string]interface{}{
		"purpose":     t.Purpose,
		"result_code": code,
		"result_desc": desc,
	})

	switch {
	case t.LoanID != nil:
		loan, err := s.repos.Loans.GetByID(ctx, *t.LoanID)
		if err != nil {
			return true
		}
		loanEvent(ctx, s.events, loan, domain.EventLoanDisbursementFailed, domain.LoanEventData{Amount: t.Amount, Reason: desc})
		data := loanData(loan, "")
		data.Reason = desc
		notifyUser(ctx, s.notifier, loan.UserID, domain.NotifyDisbursementFailed, data, domain.ChannelSMS)
	case t.GrantID != nil:
		grant, err := s.repos.Grants.GetByID(ctx, *t.GrantID)
		if err != nil {
			return true
		}
		grantEvent(ctx, s.events, grant, domain.EventGrantPaymentFailed, domain.GrantEventData{Amount: t.Amount, Reason: desc})
		data := grantData(grant, "")
		data.Reason = desc
		notifyUser(ctx, s.notifier, grant.UserID, domain.NotifyGrantPaymentFailed, data, domain.ChannelSMS)
	}
	return true
}

// ValidateC2B accepts paybill payments whose account number is an active
// loan number.
func (s *PaymentServiceImpl) ValidateC2B(ctx context.Context, req *mpesa.C2BRequest) mpesa.C2BResponse {
	if _, err := req.Amount(); err != nil {
		s.metrics.RecordCallback("c2b_validation", "rejected")
		return mpesa.C2BResponse{ResultCode: mpesa.C2BInvalidAmount, ResultDesc: "Rejected"}
	}
	loan, err := s.repos.Loans.GetByNumber(ctx, normalizeBillRef(req.BillRefNumber))
	if err != nil || !loan.IsActive() || loan.OutstandingBalance <= 0 {
		s.metrics.RecordCallback("c2b_validation", "rejected")
		return mpesa.C2BResponse{ResultCode: mpesa.C2BInvalidAccountNumber, ResultDesc: "Rejected"}
	}
	s.metrics.RecordCallback("c2b_validation", "accepted")
	return mpesa.C2BResponse{ResultCode: mpesa.C2BAccepted, ResultDesc: "Accepted"}
}

// ConfirmC2B records a paybill payment and applies it to the loan named by
// the account number. Repeated confirmations of one TransID are ignored.
func (s *PaymentServiceImpl) ConfirmC2B(ctx context.Context, req *mpesa.C2BRequest) error {
	amount, err := req.Amount()
	if err != nil {
		s.metrics.RecordCallback("c2b", "invalid")
		return invalid(err)
	}
	if req.TransID == "" {
		s.metrics.RecordCallback("c2b", "invalid")
		return fmt.Errorf("%w: c2b: missing TransID", domain.ErrValidation)
	}
	if !s.lock(ctx, "mpesa:c2b:"+req.TransID) {
		s.metrics.RecordCallback("c2b", "duplicate")
		return nil
	}
	if _, err := s.repos.MpesaTransactions.GetByReceipt(ctx, req.TransID); err == nil {
		s.metrics.RecordCallback("c2b", "duplicate")
		return nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	raw, _ := json.Marshal(req)
	t := &domain.MpesaTransaction{
		Kind:          domain.MpesaC2B,
		Purpose:       domain.PurposePaybill,
		Phone:         req.MSISDN,
		Amount:        domain.RoundMoney(amount),
		BillRefNumber: req.BillRefNumber,
		Status:        domain.MpesaPending,
	}
	if loan, err := s.repos.Loans.GetByNumber(ctx, normalizeBillRef(req.BillRefNumber)); err == nil {
		t.LoanID = &loan.ID
		t.UserID = &loan.UserID
	}
	if err := s.repos.MpesaTransactions.Create(ctx, t); err != nil {
		return err
	}

	result, err := s.settle(ctx, t, amount, domain.MpesaResult{
		Status:        domain.MpesaSuccess,
		ResultDesc:    "C2B confirmation",
		ReceiptNumber: req.TransID,
		Phone:         req.MSISDN,
		Raw:           raw,
	})
	s.metrics.RecordCallback("c2b", result)
	return err
}

func normalizeBillRef(ref string) string {
	return domain.LoanNumberFromReference(ref)
}

// RegisterC2BURLs registers the paybill confirmation and validation URLs.
func (s *PaymentServiceImpl) RegisterC2BURLs(ctx context.Context) error {
	return s.gateway.RegisterC2BURLs(ctx,
		s.opts.callbackURL(PathC2BConfirmation),
		s.opts.callbackURL(PathC2BValidation),
	)
}

// ReconcilePendingSTK queries Daraja for STK pushes that never received a
// callback. It returns how many were resolved.
func (s *PaymentServiceImpl) ReconcilePendingSTK(ctx context.Context, olderThan time.Duration) (int, error) {
	stale, err := s.repos.MpesaTransactions.ListStalePending(ctx, domain.MpesaSTKPush, s.now().Add(-olderThan), reconcileBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale stk pushes: %w", err)
	}

	resolved := 0
	for _, t := range stale {
		if err := ctx.Err(); err != nil {
			return resolved, err
		}
		if t.CheckoutRequestID == "" {
			s.failRepayment(ctx, t, noResultCode, "stk push was never submitted", nil)
			resolved++
			continue
		}
		resp, err := s.gateway.STKQuery(ctx, t.CheckoutRequestID)
		if err != nil {
			utils.Warn("stk query failed", "transaction_id", t.ID.String(), "error", err.Error())
			continue
		}
		code, ok := resp.Code()
		if !ok {
			continue
		}
		if code == 0 {
			if _, err := s.settle(ctx, t, t.Amount, domain.MpesaResult{
				Status:        domain.MpesaSuccess,
				ResultDesc:    resp.ResultDesc,
				ReceiptNumber: t.CheckoutRequestID,
			}); err != nil {
				utils.Error("failed to settle reconciled stk push", "transaction_id", t.ID.String(), "error", err.Error())
				continue
			}
		} else {
			s.failRepayment(ctx, t, code, resp.ResultDesc, nil)
		}
		resolved++
	}
	if resolved > 0 {
		utils.Info("reconciled stale stk pushes", "resolved", resolved, "checked", len(stale))
	}
	return resolved, nil
}

// ReconcileStalePayouts fails B2C payouts that have been pending without
// reaching M-Pesa for longer than olderThan, so a lost disbursement job does
// not block retries. olderThan is raised to PayoutAbandonAfter.
func (s *PaymentServiceImpl) ReconcileStalePayouts(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan < PayoutAbandonAfter {
		olderThan = PayoutAbandonAfter
	}
	stale, err := s.repos.MpesaTransactions.ListUnsubmitted(ctx, s.now().Add(-olderThan), reconcileBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list unsubmitted payouts: %w", err)
	}

	released := 0
	for _, t := range stale {
		if err := ctx.Err(); err != nil {
			return released, err
		}
		if s.failPayout(ctx, t, noResultCode, "payout was never submitted", nil) {
			released++
		}
	}
	if released > 0 {
		utils.Info("released stale payouts", "released", released, "checked", len(stale))
	}
	return released, nil
}

// AbandonPayout fails a pending payout that M-Pesa never accepted. Payouts
// already submitted wait for their result callback.
func (s *PaymentServiceImpl) AbandonPayout(ctx context.Context, transactionID uuid.UUID, reason string) error {
	t, err := s.repos.MpesaTransactions.GetByID(ctx, transactionID)
	if err != nil {
		return err
	}
	if t.Kind != domain.MpesaB2C {
		return fmt.Errorf("%w: transaction %s is not a payout", domain.ErrValidation, t.ID)
	}
	if t.Status != domain.MpesaPending || t.ConversationID != "" {
		return nil
	}
	s.failPayout(ctx, t, noResultCode, "payout abandoned: "+reason, nil)
	return nil
}

// ListTransactions lists M-Pesa transactions for admins.
func (s *PaymentServiceImpl) ListTransactions(ctx context.Context, filter *domain.MpesaFilter) ([]*domain.MpesaTransaction, int, error) {
	items, err := s.repos.MpesaTransactions.List(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.repos.MpesaTransactions.Count(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// Disburse submits a pending B2C payout. A rejection by Daraja fails the
// payout. Other errors are returned so the job is retried.
func (s *PaymentServiceImpl) Disburse(ctx context.Context, transactionID uuid.UUID) error {
	t, err := s.repos.MpesaTransactions.GetByID(ctx, transactionID)
	if err != nil {
		return err
	}
	if t.Kind != domain.MpesaB2C {
		return fmt.Errorf("%w: transaction %s is not a payout", domain.ErrValidation, t.ID)
	}
	if t.Status != domain.MpesaPending || t.ConversationID != "" {
		return nil
	}

	remarks, occasion := "Loan disbursement", ""
	if t.Purpose == domain.PurposeGrantPayment {
		remarks = "Grant payment"
	}
	if t.LoanID != nil {
		occasion = t.LoanID.String()
	} else if t.GrantID != nil {
		occasion = t.GrantID.String()
	}

	resp, err := s.gateway.B2C(ctx, mpesa.B2CRequest{
		Phone:      t.Phone,
		Amount:     t.Amount,
		Remarks:    remarks,
		Occasion:   occasion,
		ResultURL:  s.opts.callbackURL(PathB2CResult),
		TimeoutURL: s.opts.callbackURL(PathB2CTimeout),
	})
	if err != nil {
		var apiErr *mpesa.APIError
		if errors.Is(err, mpesa.ErrRejected) || (errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500) {
			s.failPayout(ctx, t, noResultCode, err.Error(), nil)
			return nil
		}
		return fmt.Errorf("b2c request failed: %w", err)
	}

	t.ConversationID = resp.ConversationID
	t.OriginatorConversationID = resp.OriginatorConversationID
	if err := s.repos.MpesaTransactions.SetRequestIDs(ctx, t); err != nil {
		return err
	}
	utils.Info("b2c payout submitted",
		"transaction_id", t.ID.String(),
		"conversation_id", t.ConversationID,
		"amount", t.Amount,
	)
	return nil
}
