package service

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/domain"
)

func guaranteedLoan(t *testing.T, h *harness, borrower *domain.User, guarantors ...*domain.User) *domain.LoanDetail {
	t.Helper()
	lt := h.loanType("Guaranteed "+borrower.EmployeeNumber, len(guarantors))
	ids := make([]uuid.UUID, len(guarantors))
	for i, g := range guarantors {
		ids[i] = g.ID
	}
	detail, err := h.loans.Apply(h.ctx, borrower.ID, &domain.ApplyLoanRequest{
		LoanTypeID: lt.ID, Amount: 10000, TenureMonths: 10, Purpose: "fees", GuarantorIDs: ids,
	})
	require.NoError(t, err)
	return detail
}

func rowFor(t *testing.T, detail *domain.LoanDetail, user *domain.User) domain.Guarantor {
	t.Helper()
	for _, g := range detail.Guarantors {
		if g.GuarantorUserID == user.ID {
			return g
		}
	}
	t.Fatalf("no guarantor row for %s", user.FullName())
	return domain.Guarantor{}
}

func TestGuarantorAcceptanceSubmitsLoan(t *testing.T) {
	h := newHarness(t)
	admin := h.admin("ann")
	borrower := h.employee("jane", 50000)
	paul := h.employee("paul", 40000)
	mary := h.employee("mary", 40000)
	detail := guaranteedLoan(t, h, borrower, paul, mary)
	accept := &domain.GuarantorResponseRequest{Action: "accept"}

	g, err := h.guarantors.Respond(h.ctx, rowFor(t, detail, paul).ID, paul.ID, accept)
	require.NoError(t, err)
	assert.Equal(t, domain.GuarantorAccepted, g.Status)
	assert.NotNil(t, g.RespondedAt)
	assert.Equal(t, domain.LoanPending, h.store.loan(detail.ID).Status)
	assert.NotContains(t, h.store.notificationTypes(admin.ID), domain.NotifyLoanAwaitingReview)

	_, err = h.guarantors.Respond(h.ctx, rowFor(t, detail, mary).ID, mary.ID, accept)
	require.NoError(t, err)
	assert.Equal(t, domain.LoanProcessing, h.store.loan(detail.ID).Status)
	assert.Equal(t, []domain.NotificationType{domain.NotifyLoanAwaitingReview}, h.store.notificationTypes(admin.ID))
	assert.Equal(t, []string{
		string(domain.EventLoanApplied),
		string(domain.EventGuarantorAccepted),
		string(domain.EventGuarantorAccepted),
		string(domain.EventLoanSubmitted),
	}, h.store.eventTypes(detail.ID))

	accepted := 0
	for _, typ := range h.store.notificationTypes(borrower.ID) {
		if typ == domain.NotifyGuarantorAccepted {
			accepted++
		}
	}
	assert.Equal(t, 2, accepted)

	loan, err := h.loans.Approve(h.ctx, admin.ID, detail.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LoanApproved, loan.Status)
}

func TestGuarantorDeclineRejectsLoan(t *testing.T) {
	h := newHarness(t)
	borrower := h.employee("jane", 50000)
	paul := h.employee("paul", 40000)
	mary := h.employee("mary", 40000)
	detail := guaranteedLoan(t, h, borrower, paul, mary)

	_, err := h.guarantors.Respond(h.ctx, rowFor(t, detail, paul).ID, paul.ID, &domain.GuarantorResponseRequest{Action: "decline"})
	require.ErrorIs(t, err, domain.ErrValidation)

	g, err := h.guarantors.Respond(h.ctx, rowFor(t, detail, paul).ID, paul.ID, &domain.GuarantorResponseRequest{Action: "decline", Reason: " existing commitments "})
	require.NoError(t, err)
	assert.Equal(t, domain.GuarantorDeclined, g.Status)
	assert.Equal(t, "existing commitments", g.DeclineReason)

	loan := h.store.loan(detail.ID)
	assert.Equal(t, domain.LoanRejected, loan.Status)
	assert.Equal(t, "declined by guarantor: existing commitments", loan.RejectionReason)

	statuses := map[uuid.UUID]domain.GuarantorStatus{}
	for _, row := range h.store.guarantorsFor(detail.ID) {
		statuses[row.GuarantorUserID] = row.Status
	}
	assert.Equal(t, domain.GuarantorDeclined, statuses[paul.ID])
	assert.Equal(t, domain.GuarantorReleased, statuses[mary.ID])

	assert.Contains(t, h.store.notificationTypes(borrower.ID), domain.NotifyGuarantorDeclined)
	assert.Contains(t, h.store.notificationTypes(mary.ID), domain.NotifyGuarantorReleased)
	assert.Contains(t, h.store.eventTypes(detail.ID), string(domain.EventLoanRejected))

	_, err = h.guarantors.Respond(h.ctx, rowFor(t, detail, mary).ID, mary.ID, &domain.GuarantorResponseRequest{Action: "accept"})
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestGuarantorRespondGuards(t *testing.T) {
	h := newHarness(t)
	borrower := h.employee("jane", 50000)
	paul := h.employee("paul", 40000)
	detail := guaranteedLoan(t, h, borrower, paul)
	row := rowFor(t, detail, paul)
	accept := &domain.GuarantorResponseRequest{Action: "accept"}

	_, err := h.guarantors.Respond(h.ctx, row.ID, borrower.ID, accept)
	require.ErrorIs(t, err, domain.ErrForbidden)

	_, err = h.guarantors.Respond(h.ctx, uuid.New(), paul.ID, accept)
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = h.guarantors.Respond(h.ctx, row.ID, paul.ID, &domain.GuarantorResponseRequest{Action: "maybe"})
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = h.guarantors.Respond(h.ctx, row.ID, paul.ID, accept)
	require.NoError(t, err)
	_, err = h.guarantors.Respond(h.ctx, row.ID, paul.ID, accept)
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestGuarantorCannotRespondAfterCancel(t *testing.T) {
	h := newHarness(t)
	borrower := h.employee("jane", 50000)
	paul := h.employee("paul", 40000)
	mary := h.employee("mary", 40000)
	detail := guaranteedLoan(t, h, borrower, paul, mary)

	// leave paul pending on a loan that is no longer pending
	loan := h.store.loan(detail.ID)
	loan.Status = domain.LoanCanceled
	h.store.putLoan(loan)

	_, err := h.guarantors.Respond(h.ctx, rowFor(t, detail, paul).ID, paul.ID, &domain.GuarantorResponseRequest{Action: "accept"})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Equal(t, domain.GuarantorPending, h.store.guarantorsFor(detail.ID)[0].Status)
}

func TestGuarantorRespondWithToken(t *testing.T) {
	h := newHarness(t)
	borrower := h.employee("jane", 50000)
	paul := h.employee("paul", 40000)
	detail := guaranteedLoan(t, h, borrower, paul)
	row := rowFor(t, detail, paul)
	accept := &domain.GuarantorResponseRequest{Action: "accept"}

	_, err := h.guarantors.RespondWithToken(h.ctx, "not-a-token", accept)
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	forged, err := h.jwt.GenerateGuarantorToken(row.ID, uuid.New(), paul.ID)
	require.NoError(t, err)
	_, err = h.guarantors.RespondWithToken(h.ctx, forged, accept)
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	token, err := h.jwt.GenerateGuarantorToken(row.ID, detail.ID, paul.ID)
	require.NoError(t, err)
	g, err := h.guarantors.RespondWithToken(h.ctx, token, accept)
	require.NoError(t, err)
	assert.Equal(t, domain.GuarantorAccepted, g.Status)
	assert.Equal(t, domain.LoanProcessing, h.store.loan(detail.ID).Status)
}

func TestGuarantorListMine(t *testing.T) {
	h := newHarness(t)
	jane := h.employee("jane", 50000)
	sam := h.employee("sam", 50000)
	paul := h.employee("paul", 40000)
	first := guaranteedLoan(t, h, jane, paul)
	guaranteedLoan(t, h, sam, paul)

	_, err := h.guarantors.Respond(h.ctx, rowFor(t, first, paul).ID, paul.ID, &domain.GuarantorResponseRequest{Action: "accept"})
	require.NoError(t, err)

	all, err := h.guarantors.ListMine(h.ctx, paul.ID, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	pending := domain.GuarantorPending
	open, err := h.guarantors.ListMine(h.ctx, paul.ID, &pending)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "sam Test", open[0].ApplicantName)
	assert.Equal(t, 10000.0, open[0].Principal)
	assert.Equal(t, domain.LoanPending, open[0].LoanStatus)
}
