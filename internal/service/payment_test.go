package service

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/domain"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/mpesa"
)

func TestInitiateRepaymentSendsSTKPush(t *testing.T) {
	h := newHarness(t)
	borrower := h.employee("jane", 50000)
	loan := h.activeLoan(borrower, 13440)

	tx, err := h.payments.InitiateRepayment(h.ctx, borrower.ID, loan.ID, &domain.RepayRequest{Amount: 1120})
	require.NoError(t, err)
	assert.Equal(t, domain.MpesaSTKPush, tx.Kind)
	assert.Equal(t, domain.MpesaPending, tx.Status)
	assert.Equal(t, "ws_CO_1", tx.CheckoutRequestID)
	assert.Equal(t, "254712345678", tx.Phone)

	require.Len(t, h.gateway.stkCalls, 1)
	call := h.gateway.stkCalls[0]
	assert.Equal(t, loan.PaymentReference(), call.AccountReference)
	assert.Contains(t, call.Description, loan.LoanNumber)
	assert.Equal(t, 1120.0, call.Amount)
	assert.Equal(t, "https://api.example.com/api/v1/mpesa/cb-token/stk/callback", call.CallbackURL)

	stored := h.store.transaction(tx.ID)
	assert.Equal(t, "ws_CO_1", stored.CheckoutRequestID)
	assert.Equal(t, "mr-1", stored.MerchantRequestID)

	_, err = h.payments.InitiateRepayment(h.ctx, borrower.ID, loan.ID, &domain.RepayRequest{Amount: 500})
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestInitiateRepaymentRejections(t *testing.T) {
	h := newHarness(t)
	borrower := h.employee("jane", 50000)
	other := h.employee("sam", 50000)
	loan := h.activeLoan(borrower, 5000)
	pending := processingLoan(t, h, h.employee("paul", 50000))

	tests := []struct {
		name    string
		userID  uuid.UUID
		loanID  uuid.UUID
		req     domain.RepayRequest
		wantErr error
	}{
		{"fraction", borrower.ID, loan.ID, domain.RepayRequest{Amount: 10.5}, domain.ErrValidation},
		{"zero", borrower.ID, loan.ID, domain.RepayRequest{Amount: 0}, domain.ErrValidation},
		{"bad phone", borrower.ID, loan.ID, domain.RepayRequest{Amount: 100, Phone: "0811"}, domain.ErrValidation},
		{"above balance", borrower.ID, loan.ID, domain.RepayRequest{Amount: 5001}, domain.ErrValidation},
		{"another borrower", other.ID, loan.ID, domain.RepayRequest{Amount: 100}, domain.ErrForbidden},
		{"unknown loan", borrower.ID, uuid.New(), domain.RepayRequest{Amount: 100}, domain.ErrNotFound},
		{"not disbursed", pending.UserID, pending.ID, domain.RepayRequest{Amount: 100}, domain.ErrInvalidTransition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			_, err := h.payments.InitiateRepayment(h.ctx, tt.userID, tt.loanID, &req)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
	assert.Empty(t, h.gateway.stkCalls)
}

func TestInitiateRepaymentGatewayFailure(t *testing.T) {
	h := newHarness(t)
	borrower := h.employee("jane", 50000)
	loan := h.activeLoan(borrower, 5000)
	h.gateway.stkErr = errors.New("connection refused")

	_, err := h.payments.InitiateRepayment(h.ctx, borrower.ID, loan.ID, &domain.RepayRequest{Amount: 100})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")

	txs := h.store.transactions(domain.MpesaSTKPush)
	require.Len(t, txs, 1)
	assert.Equal(t, domain.MpesaFailed, txs[0].Status)

	// a failed push does not block the next attempt
	h.gateway.stkErr = nil
	_, err = h.payments.InitiateRepayment(h.ctx, borrower.ID, loan.ID, &domain.RepayRequest{Amount: 100})
	require.NoError(t, err)
}

func TestSTKCallbackSuccessAppliesRepayment(t *testing.T) {
	h := newHarness(t)
	borrower := h.employee("jane", 50000)
	loan := h.activeLoan(borrower, 13440)
	tx, err := h.payments.InitiateRepayment(h.ctx, borrower.ID, loan.ID, &domain.RepayRequest{Amount: 1120})
	require.NoError(t, err)

	body := stkCallbackBody(tx.CheckoutRequestID, 0, 1120, "QK12ABC")
	require.NoError(t, h.payments.HandleSTKCallback(h.ctx, body))

	stored := h.store.transaction(tx.ID)
	assert.Equal(t, domain.MpesaSuccess, stored.Status)
	assert.Equal(t, "QK12ABC", stored.ReceiptNumber)
	require.NotNil(t, stored.ResultCode)
	assert.Equal(t, 0, *stored.ResultCode)

	updated := h.store.loan(loan.ID)
	assert.Equal(t, 12320.0, updated.OutstandingBalance)
	assert.Equal(t, time.Date(2026, 4, 30, 0, 0, 0, 0, time.UTC), *updated.NextDueDate)

	deductions := h.store.loanDeductions(loan.ID)
	require.Len(t, deductions, 1)
	assert.Equal(t, domain.DeductionMpesa, deductions[0].Type)
	assert.Equal(t, "QK12ABC", deductions[0].Reference)
	assert.Contains(t, h.store.notificationTypes(borrower.ID), domain.NotifyPaymentReceived)

	// redelivery
	require.NoError(t, h.payments.HandleSTKCallback(h.ctx, body))
	h.payments.cache = nil
	require.NoError(t, h.payments.HandleSTKCallback(h.ctx, body))
	assert.Len(t, h.store.loanDeductions(loan.ID), 1)
	assert.Equal(t, 12320.0, h.store.loan(loan.ID).OutstandingBalance)
}

func TestSTKCallbackFinalPaymentRepaysLoan(t *testing.T) {
	h := newHarness(t)
	borrower := h.employee("jane", 50000)
	guarantor := h.employee("paul", 50000)
	loan := h.activeLoan(borrower, 800)
	h.addGuarantor(loan, guarantor, domain.GuarantorAccepted)
	tx, err := h.payments.InitiateRepayment(h.ctx, borrower.ID, loan.ID, &domain.RepayRequest{Amount: 800})
	require.NoError(t, err)

	require.NoError(t, h.payments.HandleSTKCallback(h.ctx, stkCallbackBody(tx.CheckoutRequestID, 0, 800, "QK99")))

	updated := h.store.loan(loan.ID)
	assert.Equal(t, domain.LoanRepaid, updated.Status)
	assert.Zero(t, updated.OutstandingBalance)
	assert.Nil(t, updated.NextDueDate)
	assert.Equal(t, 800.0, h.store.loanDeductions(loan.ID)[0].Amount)
	assert.Equal(t, domain.GuarantorReleased, h.store.guarantorsFor(loan.ID)[0].Status)
	assert.Contains(t, h.store.notificationTypes(borrower.ID), domain.NotifyLoanRepaid)
	assert.Contains(t, h.store.notificationTypes(guarantor.ID), domain.NotifyGuarantorReleased)
	assert.Contains(t, h.store.eventTypes(loan.ID), string(domain.EventLoanRepaid))
}

func TestSTKCallbackFailure(t *testing.T) {
	h := newHarness(t)
	borrower := h.employee("jane", 50000)
	loan := h.activeLoan(borrower, 13440)
	tx, err := h.payments.InitiateRepayment(h.ctx, borrower.ID, loan.ID, &domain.RepayRequest{Amount: 1120})
	require.NoError(t, err)

	require.NoError(t, h.payments.HandleSTKCallback(h.ctx, stkCallbackBody(tx.CheckoutRequestID, 1032, 0, "")))

	stored := h.store.transaction(tx.ID)
	assert.Equal(t, domain.MpesaFailed, stored.Status)
	require.NotNil(t, stored.ResultCode)
	assert.Equal(t, 1032, *stored.ResultCode)
	assert.Equal(t, 13440.0, h.store.loan(loan.ID).OutstandingBalance)
	assert.Empty(t, h.store.loanDeductions(loan.ID))
	assert.Contains(t, h.store.notificationTypes(borrower.ID), domain.NotifyPaymentFailed)
	assert.Contains(t, h.store.eventTypes(loan.ID), string(domain.EventRepaymentFailed))
}

func TestSTKCallbackUnknownAndMalformed(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.payments.HandleSTKCallback(h.ctx, stkCallbackBody("ws_CO_missing", 0, 100, "QK1")))
	assert.Empty(t, h.store.transactions(domain.MpesaSTKPush))

	err := h.payments.HandleSTKCallback(h.ctx, []byte(`{"Body":`))
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestSTKCallbackUnmatchedRollsBack(t *testing.T) {
	h := newHarness(t)
	borrower := h.employee("jane", 50000)
	loan := h.activeLoan(borrower, 13440)
	tx, err := h.payments.InitiateRepayment(h.ctx, borrower.ID, loan.ID, &domain.RepayRequest{Amount: 1120})
	require.NoError(t, err)

	// closed before the customer confirmed
	closed := h.store.loan(loan.ID)
	closed.Status = domain.LoanCompleted
	h.store.putLoan(closed)

	require.NoError(t, h.payments.HandleSTKCallback(h.ctx, stkCallbackBody(tx.CheckoutRequestID, 0, 1120, "QK55")))

	stored := h.store.transaction(tx.ID)
	assert.Equal(t, domain.MpesaUnmatched, stored.Status)
	assert.Equal(t, "QK55", stored.ReceiptNumber)
	assert.Contains(t, stored.ResultDesc, "payment could not be applied")
	assert.Empty(t, h.store.loanDeductions(loan.ID))
	assert.Equal(t, 13440.0, h.store.loan(loan.ID).OutstandingBalance)
	assert.NotContains(t, h.store.notificationTypes(borrower.ID), domain.NotifyPaymentReceived)
}

func TestSTKCallbackDuplicateReceiptIsNotAppliedTwice(t *testing.T) {
	h := newHarness(t)
	borrower := h.employee("jane", 50000)
	loan := h.activeLoan(borrower, 13440)
	tx, err := h.payments.InitiateRepayment(h.ctx, borrower.ID, loan.ID, &domain.RepayRequest{Amount: 1000})
	require.NoError(t, err)

	require.NoError(t, h.payments.ConfirmC2B(h.ctx, &mpesa.C2BRequest{
		TransID: "QK77", TransAmount: "1000", BillRefNumber: loan.LoanNumber, MSISDN: "254712345678",
	}))
	require.NoError(t, h.payments.HandleSTKCallback(h.ctx, stkCallbackBody(tx.CheckoutRequestID, 0, 1000, "QK77")))

	stored := h.store.transaction(tx.ID)
	assert.Equal(t, domain.MpesaFailed, stored.Status)
	assert.Contains(t, stored.ResultDesc, "duplicate receipt QK77")
	assert.Len(t, h.store.loanDeductions(loan.ID), 1)
	assert.Equal(t, 12440.0, h.store.loan(loan.ID).OutstandingBalance)
}

func approvedWithPayout(t *testing.T, h *harness) (*domain.User, *domain.Loan, domain.MpesaTransaction) {
	t.Helper()
	admin := h.admin("ann")
	borrower := h.employee("jane", 50000)
	detail := processingLoan(t, h, borrower)
	loan, err := h.loans.Approve(h.ctx, admin.ID, detail.ID)
	require.NoError(t, err)
	payouts := h.store.transactions(domain.MpesaB2C)
	require.Len(t, payouts, 1)
	return borrower, loan, payouts[0]
}

func TestDisburseSubmitsB2C(t *testing.T) {
	h := newHarness(t)
	_, loan, payout := approvedWithPayout(t, h)

	require.NoError(t, h.payments.Disburse(h.ctx, payout.ID))
	require.Len(t, h.gateway.b2cCalls, 1)
	call := h.gateway.b2cCalls[0]
	assert.Equal(t, "254712345678", call.Phone)
	assert.Equal(t, 12000.0, call.Amount)
	assert.Equal(t, loan.ID.String(), call.Occasion)
	assert.Equal(t, "Loan disbursement", call.Remarks)
	assert.Equal(t, "https://api.example.com/api/v1/mpesa/cb-token/b2c/result", call.ResultURL)
	assert.Equal(t, "https://api.example.com/api/v1/mpesa/cb-token/b2c/timeout", call.TimeoutURL)

	stored := h.store.transaction(payout.ID)
	assert.Equal(t, "AG_1", stored.ConversationID)
	assert.Equal(t, "orig-1", stored.OriginatorConversationID)
	assert.Equal(t, domain.MpesaPending, stored.Status)

	// a retried job does not pay twice
	require.NoError(t, h.payments.Disburse(h.ctx, payout.ID))
	assert.Len(t, h.gateway.b2cCalls, 1)
}

func TestDisburseErrors(t *testing.T) {
	h := newHarness(t)
	borrower, loan, payout := approvedWithPayout(t, h)

	h.gateway.b2cErr = errors.New("i/o timeout")
	err := h.payments.Disburse(h.ctx, payout.ID)
	require.Error(t, err)
	assert.Equal(t, domain.MpesaPending, h.store.transaction(payout.ID).Status)

	h.gateway.b2cErr = fmt.Errorf("%w: initiator invalid", mpesa.ErrRejected)
	require.NoError(t, h.payments.Disburse(h.ctx, payout.ID))
	assert.Equal(t, domain.MpesaFailed, h.store.transaction(payout.ID).Status)
	assert.Contains(t, h.store.notificationTypes(borrower.ID), domain.NotifyDisbursementFailed)
	assert.Contains(t, h.store.eventTypes(loan.ID), string(domain.EventLoanDisbursementFailed))

	h.gateway.b2cErr = &mpesa.APIError{Status: 400, Code: "400.002.02", Message: "Bad Request"}
	retry, err := h.loans.RetryDisbursement(h.ctx, uuid.New(), loan.ID)
	require.NoError(t, err)
	require.NoError(t, h.payments.Disburse(h.ctx, retry.ID))
	assert.Equal(t, domain.MpesaFailed, h.store.transaction(retry.ID).Status)

	borrowerTx, err := h.payments.InitiateRepayment(h.ctx, borrower.ID, h.activeLoan(borrower, 100).ID, &domain.RepayRequest{Amount: 100})
	require.NoError(t, err)
	err = h.payments.Disburse(h.ctx, borrowerTx.ID)
	require.ErrorIs(t, err, domain.ErrValidation)

	require.ErrorIs(t, h.payments.Disburse(h.ctx, uuid.New()), domain.ErrNotFound)
}

func TestB2CResultMarksLoanDisbursed(t *testing.T) {
	h := newHarness(t)
	borrower, loan, payout := approvedWithPayout(t, h)
	require.NoError(t, h.payments.Disburse(h.ctx, payout.ID))

	require.NoError(t, h.payments.HandleB2CResult(h.ctx, b2cResultBody("AG_1", 0, "NLJ7RT61SV")))

	stored := h.store.transaction(payout.ID)
	assert.Equal(t, domain.MpesaSuccess, stored.Status)
	assert.Equal(t, "NLJ7RT61SV", stored.ReceiptNumber)

	updated := h.store.loan(loan.ID)
	require.NotNil(t, updated.DisbursedAt)
	assert.Equal(t, testNow, *updated.DisbursedAt)
	assert.Equal(t, domain.LoanApproved, updated.Status)
	assert.Contains(t, h.store.notificationTypes(borrower.ID), domain.NotifyLoanDisbursed)
	assert.Contains(t, h.store.eventTypes(loan.ID), string(domain.EventLoanDisbursed))

	// a late timeout for the same conversation changes nothing
	h.payments.cache = nil
	require.NoError(t, h.payments.HandleB2CTimeout(h.ctx, b2cResultBody("AG_1", 1, "")))
	assert.Equal(t, domain.MpesaSuccess, h.store.transaction(payout.ID).Status)
}

func TestB2CResultFailureAllowsRetry(t *testing.T) {
	h := newHarness(t)
	borrower, loan, payout := approvedWithPayout(t, h)
	require.NoError(t, h.payments.Disburse(h.ctx, payout.ID))

	require.NoError(t, h.payments.HandleB2CResult(h.ctx, b2cResultBody("AG_1", 2001, "")))

	stored := h.store.transaction(payout.ID)
	assert.Equal(t, domain.MpesaFailed, stored.Status)
	assert.Equal(t, 2001, *stored.ResultCode)
	assert.Nil(t, h.store.loan(loan.ID).DisbursedAt)
	assert.Contains(t, h.store.notificationTypes(borrower.ID), domain.NotifyDisbursementFailed)

	_, err := h.loans.RetryDisbursement(h.ctx, uuid.New(), loan.ID)
	require.NoError(t, err)
}

func TestB2CTimeoutFailsPayout(t *testing.T) {
	h := newHarness(t)
	_, _, payout := approvedWithPayout(t, h)
	require.NoError(t, h.payments.Disburse(h.ctx, payout.ID))

	require.NoError(t, h.payments.HandleB2CTimeout(h.ctx, b2cResultBody("AG_1", 1, "")))
	stored := h.store.transaction(payout.ID)
	assert.Equal(t, domain.MpesaFailed, stored.Status)
	assert.Equal(t, timeoutErrorCode, *stored.ResultCode)
	assert.True(t, strings.HasPrefix(stored.ResultDesc, "timeout: "))

	require.NoError(t, h.payments.HandleB2CResult(h.ctx, b2cResultBody("AG_unknown", 0, "NLJ1")))
	require.ErrorIs(t, h.payments.HandleB2CResult(h.ctx, []byte(`[]`)), domain.ErrValidation)
}

func TestValidateC2B(t *testing.T) {
	h := newHarness(t)
	borrower := h.employee("jane", 50000)
	loan := h.activeLoan(borrower, 5000)
	repaid := h.activeLoan(borrower, 0)

	tests := []struct {
		name    string
		billRef string
		amount  string
		want    string
	}{
		{"active loan", loan.LoanNumber, "500", mpesa.C2BAccepted},
		{"case and spaces", "  " + strings.ToLower(loan.LoanNumber) + " ", "500", mpesa.C2BAccepted},
		{"without prefix", loan.PaymentReference(), "500", mpesa.C2BAccepted},
		{"unknown account", "LN-1999-000001", "500", mpesa.C2BInvalidAccountNumber},
		{"no balance", repaid.LoanNumber, "500", mpesa.C2BInvalidAccountNumber},
		{"bad amount", loan.LoanNumber, "abc", mpesa.C2BInvalidAmount},
		{"negative amount", loan.LoanNumber, "-5", mpesa.C2BInvalidAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.payments.ValidateC2B(h.ctx, &mpesa.C2BRequest{TransID: "QX1", BillRefNumber: tt.billRef, TransAmount: tt.amount})
			assert.Equal(t, tt.want, resp.ResultCode)
		})
	}
}

func TestConfirmC2B(t *testing.T) {
	h := newHarness(t)
	borrower := h.employee("jane", 50000)
	loan := h.activeLoan(borrower, 5000)
	req := &mpesa.C2BRequest{
		TransactionType: "Pay Bill",
		TransID:         "QJ4411",
		TransAmount:     "500.00",
		BillRefNumber:   strings.ToLower(loan.LoanNumber),
		MSISDN:          "254712345678",
	}

	require.NoError(t, h.payments.ConfirmC2B(h.ctx, req))

	txs := h.store.transactions(domain.MpesaC2B)
	require.Len(t, txs, 1)
	assert.Equal(t, domain.MpesaSuccess, txs[0].Status)
	assert.Equal(t, "QJ4411", txs[0].ReceiptNumber)
	require.NotNil(t, txs[0].LoanID)
	assert.Equal(t, loan.ID, *txs[0].LoanID)
	assert.Equal(t, 4500.0, h.store.loan(loan.ID).OutstandingBalance)
	assert.Contains(t, h.store.notificationTypes(borrower.ID), domain.NotifyPaymentReceived)

	require.NoError(t, h.payments.ConfirmC2B(h.ctx, req))
	h.payments.cache = nil
	require.NoError(t, h.payments.ConfirmC2B(h.ctx, req))
	assert.Len(t, h.store.transactions(domain.MpesaC2B), 1)
	assert.Equal(t, 4500.0, h.store.loan(loan.ID).OutstandingBalance)

	require.ErrorIs(t, h.payments.ConfirmC2B(h.ctx, &mpesa.C2BRequest{TransAmount: "10"}), domain.ErrValidation)
	require.ErrorIs(t, h.payments.ConfirmC2B(h.ctx, &mpesa.C2BRequest{TransID: "QJ1", TransAmount: "x"}), domain.ErrValidation)
}

func TestConfirmC2BUnknownAccountIsKept(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.payments.ConfirmC2B(h.ctx, &mpesa.C2BRequest{TransID: "QJ9", TransAmount: "250", BillRefNumber: "wrong", MSISDN: "254711111111"}))

	txs := h.store.transactions(domain.MpesaC2B)
	require.Len(t, txs, 1)
	assert.Equal(t, domain.MpesaUnmatched, txs[0].Status)
	assert.Nil(t, txs[0].LoanID)
	assert.Equal(t, "wrong", txs[0].BillRefNumber)
	assert.Equal(t, 250.0, txs[0].Amount)
}

func TestReconcilePendingSTK(t *testing.T) {
	h := newHarness(t)
	borrower := h.employee("jane", 50000)
	paid := h.activeLoan(borrower, 5000)
	cancelled := h.activeLoan(borrower, 5000)
	waiting := h.activeLoan(borrower, 5000)
	fresh := h.activeLoan(borrower, 5000)

	initiate := func(loan *domain.Loan, age time.Duration) *domain.MpesaTransaction {
		tx, err := h.payments.InitiateRepayment(h.ctx, borrower.ID, loan.ID, &domain.RepayRequest{Amount: 1000})
		require.NoError(t, err)
		h.store.ageTransaction(tx.ID, age)
		return tx
	}
	paidTx := initiate(paid, 10*time.Minute)
	cancelledTx := initiate(cancelled, 10*time.Minute)
	waitingTx := initiate(waiting, 10*time.Minute)
	freshTx := initiate(fresh, time.Minute)

	h.gateway.queries[paidTx.CheckoutRequestID] = &mpesa.STKQueryResponse{ResultCode: "0", ResultDesc: "processed successfully"}
	h.gateway.queries[cancelledTx.CheckoutRequestID] = &mpesa.STKQueryResponse{ResultCode: "1032", ResultDesc: "Request cancelled by user"}

	resolved, err := h.payments.ReconcilePendingSTK(h.ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, resolved)

	assert.Equal(t, domain.MpesaSuccess, h.store.transaction(paidTx.ID).Status)
	assert.Equal(t, 4000.0, h.store.loan(paid.ID).OutstandingBalance)
	assert.Equal(t, domain.MpesaFailed, h.store.transaction(cancelledTx.ID).Status)
	assert.Equal(t, 5000.0, h.store.loan(cancelled.ID).OutstandingBalance)
	assert.Equal(t, domain.MpesaPending, h.store.transaction(waitingTx.ID).Status)
	assert.Equal(t, domain.MpesaPending, h.store.transaction(freshTx.ID).Status)

	h.gateway.queryErr = errors.New("unavailable")
	resolved, err = h.payments.ReconcilePendingSTK(h.ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, resolved)
}

func TestRegisterC2BURLs(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.payments.RegisterC2BURLs(h.ctx))
	assert.Equal(t, []string{
		"https://api.example.com/api/v1/mpesa/cb-token/c2b/confirmation",
		"https://api.example.com/api/v1/mpesa/cb-token/c2b/validation",
	}, h.gateway.registered)
}

func TestListTransactions(t *testing.T) {
	h := newHarness(t)
	_, _, _ = approvedWithPayout(t, h)
	borrower := h.employee("sam", 50000)
	_, err := h.payments.InitiateRepayment(h.ctx, borrower.ID, h.activeLoan(borrower, 500).ID, &domain.RepayRequest{Amount: 100})
	require.NoError(t, err)

	all, total, err := h.payments.ListTransactions(h.ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, all, 2)

	kind := domain.MpesaB2C
	payouts, total, err := h.payments.ListTransactions(h.ctx, &domain.MpesaFilter{Kind: &kind})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, domain.PurposeLoanDisbursement, payouts[0].Purpose)
}

func TestSTKCallbackAmountMismatchIsHeld(t *testing.T) {
	h := newHarness(t)
	borrower := h.employee("jane", 50000)
	loan := h.activeLoan(borrower, 5000)
	tx, err := h.payments.InitiateRepayment(h.ctx, borrower.ID, loan.ID, &domain.RepayRequest{Amount: 10})
	require.NoError(t, err)

	require.NoError(t, h.payments.HandleSTKCallback(h.ctx, stkCallbackBody(tx.CheckoutRequestID, 0, 4990, "QKFAKE1")))

	stored := h.store.transaction(tx.ID)
	assert.Equal(t, domain.MpesaUnmatched, stored.Status)
	assert.Contains(t, stored.ResultDesc, "amount mismatch")
	assert.Equal(t, 5000.0, h.store.loan(loan.ID).OutstandingBalance)
	assert.Equal(t, domain.LoanApproved, h.store.loan(loan.ID).Status)
	assert.Empty(t, h.store.loanDeductions(loan.ID))
	assert.NotContains(t, h.store.notificationTypes(borrower.ID), domain.NotifyPaymentReceived)
	assert.Contains(t, h.store.auditActions(tx.ID), string(domain.ActionFailed))

	// a second callback for the same push is ignored
	h.payments.cache = nil
	require.NoError(t, h.payments.HandleSTKCallback(h.ctx, stkCallbackBody(tx.CheckoutRequestID, 0, 10, "QKREAL1")))
	assert.Equal(t, 5000.0, h.store.loan(loan.ID).OutstandingBalance)
}

func TestB2CResultStartsScheduleAtDisbursement(t *testing.T) {
	h := newHarness(t)
	_, loan, payout := approvedWithPayout(t, h)

	h.now = time.Date(2026, 4, 5, 8, 0, 0, 0, time.UTC)
	require.NoError(t, h.payments.Disburse(h.ctx, payout.ID))
	require.NoError(t, h.payments.HandleB2CResult(h.ctx, b2cResultBody("AG_1", 0, "NLJ8")))

	updated := h.store.loan(loan.ID)
	require.NotNil(t, updated.DisbursedAt)
	assert.Equal(t, h.now, *updated.DisbursedAt)
	require.NotNil(t, updated.NextDueDate)
	assert.Equal(t, time.Date(2026, 5, 31, 0, 0, 0, 0, time.UTC), *updated.NextDueDate)
}

func TestReconcileStalePayouts(t *testing.T) {
	h := newHarness(t)
	borrower, lost, lostPayout := approvedWithPayout(t, h)

	sam := h.employee("sam", 50000)
	sent := processingLoan(t, h, sam)
	_, err := h.loans.Approve(h.ctx, uuid.New(), sent.ID)
	require.NoError(t, err)
	var sentPayout domain.MpesaTransaction
	for _, p := range h.store.transactions(domain.MpesaB2C) {
		if p.LoanID != nil && *p.LoanID == sent.ID {
			sentPayout = p
		}
	}
	require.NoError(t, h.payments.Disburse(h.ctx, sentPayout.ID))

	released, err := h.payments.ReconcileStalePayouts(h.ctx, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, released, "young payouts may still be queued")

	h.now = h.now.Add(PayoutAbandonAfter + time.Minute)
	released, err = h.payments.ReconcileStalePayouts(h.ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	stored := h.store.transaction(lostPayout.ID)
	assert.Equal(t, domain.MpesaFailed, stored.Status)
	assert.Equal(t, noResultCode, *stored.ResultCode)
	assert.Equal(t, domain.MpesaPending, h.store.transaction(sentPayout.ID).Status)
	assert.Contains(t, h.store.notificationTypes(borrower.ID), domain.NotifyDisbursementFailed)

	retry, err := h.loans.RetryDisbursement(h.ctx, uuid.New(), lost.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MpesaPending, retry.Status)
}

func TestAbandonPayout(t *testing.T) {
	h := newHarness(t)
	borrower, loan, payout := approvedWithPayout(t, h)

	require.NoError(t, h.payments.AbandonPayout(h.ctx, payout.ID, "gateway unavailable"))
	stored := h.store.transaction(payout.ID)
	assert.Equal(t, domain.MpesaFailed, stored.Status)
	assert.Contains(t, stored.ResultDesc, "gateway unavailable")
	assert.Contains(t, h.store.notificationTypes(borrower.ID), domain.NotifyDisbursementFailed)

	retry, err := h.loans.RetryDisbursement(h.ctx, uuid.New(), loan.ID)
	require.NoError(t, err)
	require.NoError(t, h.payments.Disburse(h.ctx, retry.ID))

	// once M-Pesa has the request the result callback decides
	require.NoError(t, h.payments.AbandonPayout(h.ctx, retry.ID, "late"))
	assert.Equal(t, domain.MpesaPending, h.store.transaction(retry.ID).Status)

	repay, err := h.payments.InitiateRepayment(h.ctx, borrower.ID, h.activeLoan(borrower, 100).ID, &domain.RepayRequest{Amount: 100})
	require.NoError(t, err)
	require.ErrorIs(t, h.payments.AbandonPayout(h.ctx, repay.ID, "x"), domain.ErrValidation)
	require.ErrorIs(t, h.payments.AbandonPayout(h.ctx, uuid.New(), "x"), domain.ErrNotFound)
}
