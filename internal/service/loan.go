package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/auth"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/domain"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/repository"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/utils"
)

// LoanServiceImpl implements LoanService.
type LoanServiceImpl struct {
	repos    *repository.Repositories
	events   *EventService
	notifier NotificationService
	queue    JobQueue
	jwt      *auth.JWTManager
	metrics  *utils.MetricsCollector
	opts     Options
	now      func() time.Time
}

// NewLoanService creates the loan lifecycle service.
func NewLoanService(repos *repository.Repositories, events *EventService, notifier NotificationService, queue JobQueue, jwt *auth.JWTManager, metrics *utils.MetricsCollector, opts Options) *LoanServiceImpl {
	if opts.LimitMultiplier <= 0 {
		opts.LimitMultiplier = 3
	}
	return &LoanServiceImpl{
		repos:    repos,
		events:   events,
		notifier: notifier,
		queue:    queue,
		jwt:      jwt,
		metrics:  metrics,
		opts:     opts,
		now:      time.Now,
	}
}

// SetQueue attaches the job queue once the worker pool exists.
func (s *LoanServiceImpl) SetQueue(queue JobQueue) {
	s.queue = queue
}

// Calculate quotes a repayment schedule for a loan type.
func (s *LoanServiceImpl) Calculate(ctx context.Context, req *domain.CalculateLoanRequest) (*domain.LoanQuote, error) {
	if err := req.Validate(); err != nil {
		return nil, invalid(err)
	}
	lt, err := s.repos.LoanTypes.GetByID(ctx, req.LoanTypeID)
	if err != nil {
		return nil, err
	}
	if err := checkProduct(lt, req.Amount, req.TenureMonths); err != nil {
		return nil, err
	}
	return domain.CalculateLoan(req.Amount, lt.InterestRate, lt.InterestMethod, req.TenureMonths, s.now())
}

// GetLimit computes basic salary times the multiplier less what is owed.
func (s *LoanServiceImpl) GetLimit(ctx context.Context, userID uuid.UUID) (*domain.LoanLimit, error) {
	user, err := s.repos.Users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.limitFor(ctx, s.repos, user)
}

func (s *LoanServiceImpl) limitFor(ctx context.Context, repos *repository.Repositories, user *domain.User) (*domain.LoanLimit, error) {
	outstanding, count, err := repos.Loans.OutstandingForUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	limit := domain.RoundMoney(user.BasicSalary * s.opts.LimitMultiplier)
	return &domain.LoanLimit{
		BasicSalary: user.BasicSalary,
		Limit:       limit,
		Outstanding: domain.RoundMoney(outstanding),
		Available:   math.Max(domain.RoundMoney(limit-outstanding), 0),
		ActiveLoans: count,
	}, nil
}

func checkProduct(lt *domain.LoanType, amount float64, tenure int) error {
	if !lt.Active {
		return fmt.Errorf("%w: loan_type_id: loan type is not available", domain.ErrValidation)
	}
	if amount < lt.MinAmount || amount > lt.MaxAmount {
		return fmt.Errorf("%w: amount: must be between %.2f and %.2f", domain.ErrValidation, lt.MinAmount, lt.MaxAmount)
	}
	if tenure > lt.MaxTenureMonths {
		return fmt.Errorf("%w: tenure_months: must be at most %d", domain.ErrValidation, lt.MaxTenureMonths)
	}
	return nil
}

// Apply validates an application against the product, the guarantors and the
// borrower's limit, then creates the loan and its guarantor rows together.
func (s *LoanServiceImpl) Apply(ctx context.Context, userID uuid.UUID, req *domain.ApplyLoanRequest) (*domain.LoanDetail, error) {
	if err := req.Validate(); err != nil {
		return nil, invalid(err)
	}

	lt, err := s.repos.LoanTypes.GetByID(ctx, req.LoanTypeID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: loan_type_id: unknown loan type", domain.ErrValidation)
		}
		return nil, err
	}
	if err := checkProduct(lt, req.Amount, req.TenureMonths); err != nil {
		return nil, err
	}
	if len(req.GuarantorIDs) != lt.RequiredGuarantors {
		return nil, fmt.Errorf("%w: guarantor_ids: %s requires exactly %d guarantors", domain.ErrValidation, lt.Name, lt.RequiredGuarantors)
	}

	applicant, err := s.repos.Users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !applicant.IsActive() {
		return nil, fmt.Errorf("%w: account is suspended", domain.ErrForbidden)
	}

	guarantors := make([]*domain.User, 0, len(req.GuarantorIDs))
	for _, id := range req.GuarantorIDs {
		if id == userID {
			return nil, fmt.Errorf("%w: guarantor_ids: you cannot guarantee your own loan", domain.ErrValidation)
		}
		g, err := s.repos.Users.GetByID(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, fmt.Errorf("%w: guarantor_ids: guarantor %s not found", domain.ErrValidation, id)
			}
			return nil, err
		}
		if !g.IsActive() {
			return nil, fmt.Errorf("%w: guarantor_ids: %s is not an active employee", domain.ErrValidation, g.FullName())
		}
		guarantors = append(guarantors, g)
	}

	quote, err := domain.CalculateLoan(req.Amount, lt.InterestRate, lt.InterestMethod, req.TenureMonths, s.now())
	if err != nil {
		return nil, err
	}

	status := domain.LoanPending
	if lt.RequiredGuarantors == 0 {
		status = domain.LoanProcessing
	}
	loan := &domain.Loan{
		UserID:             userID,
		LoanTypeID:         lt.ID,
		Principal:          quote.Principal,
		InterestRate:       lt.InterestRate,
		InterestMethod:     lt.InterestMethod,
		TenureMonths:       req.TenureMonths,
		Installment:        quote.Installment,
		TotalInterest:      quote.TotalInterest,
		TotalPayable:       quote.TotalPayable,
		OutstandingBalance: quote.TotalPayable,
		Status:             status,
		Purpose:            strings.TrimSpace(req.Purpose),
	}

	var rows []*domain.Guarantor
	err = s.repos.InTx(ctx, func(tx *repository.Repositories) error {
		inFlight, err := tx.Loans.HasInFlight(ctx, userID, lt.ID)
		if err != nil {
			return err
		}
		if inFlight {
			return fmt.Errorf("%w: you already have an unfinished %s loan", domain.ErrConflict, lt.Name)
		}

		limit, err := s.limitFor(ctx, tx, applicant)
		if err != nil {
			return err
		}
		if s.opts.MaxActiveLoans > 0 && limit.ActiveLoans >= s.opts.MaxActiveLoans {
			return fmt.Errorf("%w: at most %d loans may be open at once", domain.ErrNotEligible, s.opts.MaxActiveLoans)
		}
		if req.Amount > limit.Available {
			return fmt.Errorf("%w: amount exceeds available limit of %.2f", domain.ErrNotEligible, limit.Available)
		}

		if err := tx.Loans.Create(ctx, loan); err != nil {
			return err
		}

		shares := domain.SplitLiability(loan.Principal, len(guarantors))
		for i, g := range guarantors {
			rows = append(rows, &domain.Guarantor{
				LoanID:          loan.ID,
				GuarantorUserID: g.ID,
				GuarantorName:   g.FullName(),
				Status:          domain.GuarantorPending,
				LiabilityAmount: shares[i],
			})
		}
		if len(rows) > 0 {
			return tx.Guarantors.CreateBatch(ctx, rows)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	utils.Info("loan applied",
		"loan_id", loan.ID.String(),
		"loan_number", loan.LoanNumber,
		"user_id", userID.String(),
		"amount", loan.Principal,
		"status", loan.Status,
	)
	s.metrics.RecordLoanApplied(lt.Name)
	loanEvent(ctx, s.events, loan, domain.EventLoanApplied, domain.LoanEventData{To: loan.Status, Amount: loan.Principal, ActorID: &userID})
	writeAudit(ctx, s.repos.Audit, domain.EntityLoan, loan.ID, domain.ActionCreated, &userID, map[string]interface{}{
		"loan_number": loan.LoanNumber,
		"loan_type":   lt.Name,
		"principal":   loan.Principal,
		"tenure":      loan.TenureMonths,
		"guarantors":  req.GuarantorIDs,
	})

	data := loanData(loan, lt.Name)
	notifyUser(ctx, s.notifier, userID, domain.NotifyLoanApplied, data, domain.ChannelEmail, domain.ChannelSMS)
	for _, row := range rows {
		s.requestGuarantee(ctx, loan, lt.Name, applicant, row)
	}
	if loan.Status == domain.LoanProcessing {
		loanEvent(ctx, s.events, loan, domain.EventLoanSubmitted, domain.LoanEventData{From: domain.LoanPending, To: domain.LoanProcessing})
		d := data
		d.ApplicantName = applicant.FullName()
		notifyAdmins(ctx, s.notifier, domain.NotifyLoanAwaitingReview, d, domain.ChannelEmail)
	}

	derefRows := make([]domain.Guarantor, len(rows))
	for i, r := range rows {
		derefRows[i] = *r
	}
	return &domain.LoanDetail{
		Loan:         *loan,
		LoanTypeName: lt.Name,
		Applicant:    applicant.FullName(),
		AmountPaid:   0,
		Guarantors:   derefRows,
	}, nil
}

// requestGuarantee emails a guarantor signed accept and decline links.
func (s *LoanServiceImpl) requestGuarantee(ctx context.Context, loan *domain.Loan, loanType string, applicant *domain.User, row *domain.Guarantor) {
	data := loanData(loan, loanType)
	data.ApplicantName = applicant.FullName()
	data.Amount = row.LiabilityAmount
	if s.jwt != nil {
		token, err := s.jwt.GenerateGuarantorToken(row.ID, loan.ID, row.GuarantorUserID)
		if err != nil {
			utils.Error("failed to sign guarantor token", "guarantor_id", row.ID.String(), "error", err.Error())
		} else {
			data.AcceptURL = s.guarantorLink(token, "accept")
			data.DeclineURL = s.guarantorLink(token, "decline")
		}
	}
	notifyUser(ctx, s.notifier, row.GuarantorUserID, domain.NotifyGuarantorRequest, data, domain.ChannelEmail, domain.ChannelSMS)
}

func (s *LoanServiceImpl) guarantorLink(token, action string) string {
	q := url.Values{}
	q.Set("token", token)
	q.Set("action", action)
	return strings.TrimRight(s.opts.PublicBaseURL, "/") + "/api/v1/guarantor/respond?" + q.Encode()
}

// visibleLoan loads a loan the actor may see and its guarantors.
func (s *LoanServiceImpl) visibleLoan(ctx context.Context, actor Actor, id uuid.UUID) (*domain.Loan, []*domain.Guarantor, error) {
	loan, err := s.repos.Loans.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	guarantors, err := s.repos.Guarantors.ListForLoan(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if actor.Admin || loan.UserID == actor.ID {
		return loan, guarantors, nil
	}
	for _, g := range guarantors {
		if g.GuarantorUserID == actor.ID {
			return loan, guarantors, nil
		}
	}
	return nil, nil, fmt.Errorf("%w: loan belongs to another employee", domain.ErrForbidden)
}

// Get returns the loan with its type name, applicant and guarantors.
func (s *LoanServiceImpl) Get(ctx context.Context, actor Actor, id uuid.UUID) (*domain.LoanDetail, error) {
	loan, guarantors, err := s.visibleLoan(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	detail := &domain.LoanDetail{
		Loan:       *loan,
		AmountPaid: loan.AmountPaid(),
		Guarantors: make([]domain.Guarantor, len(guarantors)),
	}
	for i, g := range guarantors {
		detail.Guarantors[i] = *g
	}
	if lt, err := s.repos.LoanTypes.GetByID(ctx, loan.LoanTypeID); err == nil {
		detail.LoanTypeName = lt.Name
	}
	if u, err := s.repos.Users.GetByID(ctx, loan.UserID); err == nil {
		detail.Applicant = u.FullName()
	}
	return detail, nil
}

// ListMine lists the caller's loans.
func (s *LoanServiceImpl) ListMine(ctx context.Context, userID uuid.UUID, filter *domain.LoanFilter) ([]*domain.Loan, int, error) {
	if filter == nil {
		filter = &domain.LoanFilter{}
	}
	filter.UserID = &userID
	return s.AdminList(ctx, filter)
}

// AdminList lists loans with filters.
func (s *LoanServiceImpl) AdminList(ctx context.Context, filter *domain.LoanFilter) ([]*domain.Loan, int, error) {
	if filter == nil {
		filter = &domain.LoanFilter{}
	}
	if filter.Status != nil && !filter.Status.Valid() {
		return nil, 0, fmt.Errorf("%w: status: unknown loan status %q", domain.ErrValidation, *filter.Status)
	}
	loans, err := s.repos.Loans.List(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.repos.Loans.Count(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	return loans, total, nil
}

// transition moves a locked loan to next, writing it guarded by its current
// status. mutate may set extra fields before the write.
func transition(ctx context.Context, tx *repository.Repositories, loan *domain.Loan, next domain.LoanStatus, now time.Time, mutate func(*domain.Loan)) (domain.LoanStatus, error) {
	from := loan.Status
	if !from.CanTransitionTo(next) {
		return from, fmt.Errorf("%w: loan is %s, cannot become %s", domain.ErrInvalidTransition, from, next)
	}
	loan.Status = next
	loan.UpdatedAt = now
	if mutate != nil {
		mutate(loan)
	}
	if err := tx.Loans.Update(ctx, loan, from); err != nil {
		return from, err
	}
	return from, nil
}

// Cancel withdraws the caller's application before admin approval.
func (s *LoanServiceImpl) Cancel(ctx context.Context, userID, id uuid.UUID) (*domain.Loan, error) {
	var loan *domain.Loan
	var released []*domain.Guarantor
	var from domain.LoanStatus
	err := s.repos.InTx(ctx, func(tx *repository.Repositories) error {
		var err error
		loan, err = tx.Loans.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if loan.UserID != userID {
			return fmt.Errorf("%w: loan belongs to another employee", domain.ErrForbidden)
		}
		if from, err = transition(ctx, tx, loan, domain.LoanCanceled, s.now(), nil); err != nil {
			return err
		}
		released, err = tx.Guarantors.ReleaseForLoan(ctx, loan.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordLoanTransition(string(domain.LoanCanceled))
	loanEvent(ctx, s.events, loan, domain.EventLoanCanceled, domain.LoanEventData{From: from, To: loan.Status, ActorID: &userID})
	writeAudit(ctx, s.repos.Audit, domain.EntityLoan, loan.ID, domain.ActionCanceled, &userID, map[string]interface{}{"from": from})
	data := loanData(loan, "")
	notifyUser(ctx, s.notifier, loan.UserID, domain.NotifyLoanCanceled, data)
	s.notifyReleased(ctx, loan, released)
	return loan, nil
}

// Approve approves a loan whose guarantors have all accepted and queues the
// B2C disbursement.
func (s *LoanServiceImpl) Approve(ctx context.Context, adminID, id uuid.UUID) (*domain.Loan, error) {
	var loan *domain.Loan
	var payout *domain.MpesaTransaction
	var from domain.LoanStatus
	err := s.repos.InTx(ctx, func(tx *repository.Repositories) error {
		var err error
		loan, err = tx.Loans.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if loan.UserID == adminID {
			return fmt.Errorf("%w: admins cannot approve their own loan", domain.ErrForbidden)
		}
		guarantors, err := tx.Guarantors.ListForLoan(ctx, loan.ID)
		if err != nil {
			return err
		}
		for _, g := range guarantors {
			if g.Status != domain.GuarantorAccepted {
				return fmt.Errorf("%w: guarantor %s has not accepted", domain.ErrInvalidTransition, g.GuarantorName)
			}
		}
		borrower, err := tx.Users.GetByID(ctx, loan.UserID)
		if err != nil {
			return err
		}

		now := s.now()
		if from, err = transition(ctx, tx, loan, domain.LoanApproved, now, func(l *domain.Loan) {
			l.ApprovedBy = &adminID
			l.ApprovedAt = timePtr(now)
			l.NextDueDate = timePtr(domain.MonthEnd(now, 1))
		}); err != nil {
			return err
		}

		payout, err = newPayout(domain.PurposeLoanDisbursement, borrower, loan.Principal, &loan.ID, nil)
		if err != nil {
			return err
		}
		return tx.MpesaTransactions.Create(ctx, payout)
	})
	if err != nil {
		return nil, err
	}

	utils.Info("loan approved", "loan_id", loan.ID.String(), "admin_id", adminID.String())
	s.metrics.RecordLoanTransition(string(domain.LoanApproved))
	loanEvent(ctx, s.events, loan, domain.EventLoanApproved, domain.LoanEventData{From: from, To: loan.Status, ActorID: &adminID, Amount: loan.Principal})
	writeAudit(ctx, s.repos.Audit, domain.EntityLoan, loan.ID, domain.ActionApproved, &adminID, map[string]interface{}{
		"from":           from,
		"transaction_id": payout.ID,
	})
	notifyUser(ctx, s.notifier, loan.UserID, domain.NotifyLoanApproved, loanData(loan, ""), domain.ChannelEmail, domain.ChannelSMS)
	schedulePayout(ctx, s.queue, s.repos.MpesaTransactions, payout)
	return loan, nil
}

// Reject turns down an application before approval.
func (s *LoanServiceImpl) Reject(ctx context.Context, adminID, id uuid.UUID, reason string) (*domain.Loan, error) {
	if err := (&domain.ReasonRequest{Reason: reason}).Validate(); err != nil {
		return nil, invalid(err)
	}
	var loan *domain.Loan
	var released []*domain.Guarantor
	var from domain.LoanStatus
	err := s.repos.InTx(ctx, func(tx *repository.Repositories) error {
		var err error
		loan, err = tx.Loans.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if from, err = transition(ctx, tx, loan, domain.LoanRejected, s.now(), func(l *domain.Loan) {
			l.RejectionReason = strings.TrimSpace(reason)
		}); err != nil {
			return err
		}
		released, err = tx.Guarantors.ReleaseForLoan(ctx, loan.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordLoanTransition(string(domain.LoanRejected))
	loanEvent(ctx, s.events, loan, domain.EventLoanRejected, domain.LoanEventData{From: from, To: loan.Status, ActorID: &adminID, Reason: loan.RejectionReason})
	writeAudit(ctx, s.repos.Audit, domain.EntityLoan, loan.ID, domain.ActionRejected, &adminID, map[string]interface{}{
		"from":   from,
		"reason": loan.RejectionReason,
	})
	data := loanData(loan, "")
	data.Reason = loan.RejectionReason
	notifyUser(ctx, s.notifier, loan.UserID, domain.NotifyLoanRejected, data, domain.ChannelEmail, domain.ChannelSMS)
	s.notifyReleased(ctx, loan, released)
	return loan, nil
}

// RetryDisbursement queues a new payout for an approved loan whose previous
// disbursement failed.
func (s *LoanServiceImpl) RetryDisbursement(ctx context.Context, adminID, id uuid.UUID) (*domain.MpesaTransaction, error) {
	var payout *domain.MpesaTransaction
	err := s.repos.InTx(ctx, func(tx *repository.Repositories) error {
		loan, err := tx.Loans.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if loan.Status != domain.LoanApproved || loan.IsDisbursed() {
			return fmt.Errorf("%w: loan is %s and disbursed=%t", domain.ErrInvalidTransition, loan.Status, loan.IsDisbursed())
		}
		if err := releaseAbandonedPayouts(ctx, tx, domain.PurposeLoanDisbursement, loan.ID, s.now()); err != nil {
			return err
		}
		pending, err := tx.MpesaTransactions.HasPending(ctx, domain.PurposeLoanDisbursement, loan.ID)
		if err != nil {
			return err
		}
		if pending {
			return fmt.Errorf("%w: a disbursement is already in progress", domain.ErrConflict)
		}
		borrower, err := tx.Users.GetByID(ctx, loan.UserID)
		if err != nil {
			return err
		}
		payout, err = newPayout(domain.PurposeLoanDisbursement, borrower, loan.Principal, &loan.ID, nil)
		if err != nil {
			return err
		}
		return tx.MpesaTransactions.Create(ctx, payout)
	})
	if err != nil {
		return nil, err
	}

	writeAudit(ctx, s.repos.Audit, domain.EntityLoan, id, domain.ActionDisbursed, &adminID, map[string]interface{}{
		"retry":          true,
		"transaction_id": payout.ID,
	})
	schedulePayout(ctx, s.queue, s.repos.MpesaTransactions, payout)
	return payout, nil
}

// Complete closes a repaid or written-off loan.
func (s *LoanServiceImpl) Complete(ctx context.Context, adminID, id uuid.UUID) (*domain.Loan, error) {
	var loan *domain.Loan
	var released []*domain.Guarantor
	var from domain.LoanStatus
	err := s.repos.InTx(ctx, func(tx *repository.Repositories) error {
		var err error
		loan, err = tx.Loans.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		now := s.now()
		if from, err = transition(ctx, tx, loan, domain.LoanCompleted, now, func(l *domain.Loan) {
			l.CompletedAt = timePtr(now)
			l.NextDueDate = nil
		}); err != nil {
			return err
		}
		released, err = tx.Guarantors.ReleaseForLoan(ctx, loan.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordLoanTransition(string(domain.LoanCompleted))
	loanEvent(ctx, s.events, loan, domain.EventLoanCompleted, domain.LoanEventData{From: from, To: loan.Status, ActorID: &adminID})
	writeAudit(ctx, s.repos.Audit, domain.EntityLoan, loan.ID, domain.ActionCompleted, &adminID, map[string]interface{}{
		"from":                from,
		"outstanding_balance": loan.OutstandingBalance,
	})
	s.notifyReleased(ctx, loan, released)
	return loan, nil
}

// Schedule returns the amortization schedule, dated from approval when the
// loan is approved.
func (s *LoanServiceImpl) Schedule(ctx context.Context, actor Actor, id uuid.UUID) (*domain.LoanQuote, error) {
	loan, _, err := s.visibleLoan(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	start := loan.CreatedAt
	if loan.ApprovedAt != nil {
		start = *loan.ApprovedAt
	}
	return domain.CalculateLoan(loan.Principal, loan.InterestRate, loan.InterestMethod, loan.TenureMonths, start)
}

// Timeline lists the loan's lifecycle events.
func (s *LoanServiceImpl) Timeline(ctx context.Context, actor Actor, id uuid.UUID) ([]domain.TimelineEntry, error) {
	if _, _, err := s.visibleLoan(ctx, actor, id); err != nil {
		return nil, err
	}
	if s.events == nil {
		return []domain.TimelineEntry{}, nil
	}
	events, err := s.events.GetAggregateEvents(ctx, domain.AggregateLoan, id)
	if err != nil {
		return nil, err
	}
	entries := make([]domain.TimelineEntry, len(events))
	for i, e := range events {
		entries[i] = e.ToTimelineEntry()
	}
	return entries, nil
}

// Stats builds the admin dashboard.
func (s *LoanServiceImpl) Stats(ctx context.Context) (*domain.DashboardStats, error) {
	stats, err := s.repos.Loans.Stats(ctx)
	if err != nil {
		return nil, err
	}
	byStatus, paid, err := s.repos.Grants.Stats(ctx)
	if err != nil {
		return nil, err
	}
	stats.GrantsByStatus = byStatus
	stats.TotalGrantsPaid = paid
	return stats, nil
}

func (s *LoanServiceImpl) notifyReleased(ctx context.Context, loan *domain.Loan, released []*domain.Guarantor) {
	for _, g := range released {
		data := loanData(loan, "")
		data.Amount = g.LiabilityAmount
		notifyUser(ctx, s.notifier, g.GuarantorUserID, domain.NotifyGuarantorReleased, data)
	}
}

func loanData(loan *domain.Loan, loanType string) NotificationData {
	return NotificationData{
		LoanID:       loan.ID.String(),
		LoanNumber:   loan.LoanNumber,
		LoanType:     loanType,
		Amount:       loan.Principal,
		Balance:      loan.OutstandingBalance,
		Installment:  loan.Installment,
		TenureMonths: loan.TenureMonths,
		Reason:       loan.RejectionReason,
		DueDate:      loan.NextDueDate,
	}
}
