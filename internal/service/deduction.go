package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/domain"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/repository"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/utils"
)

const (
	payrollBatchSize   = 200
	payrollConcurrency = 8
)

var errAlreadyDeducted = errors.New("already deducted for period")

// entry is one reduction of a loan balance.
type entry struct {
	LoanID    uuid.UUID
	Amount    float64
	Type      domain.DeductionType
	Reference string
	Period    string
	CreatedBy *uuid.UUID
	// Strict rejects amounts above the balance instead of capping them.
	Strict bool
}

// posting is the outcome of applying an entry.
type posting struct {
	Loan      *domain.Loan
	Deduction *domain.Deduction
	From      domain.LoanStatus
	Repaid    bool
	Released  []*domain.Guarantor
}

// ledger applies balance reductions. Every repayment path goes through it.
type ledger struct {
	repos    *repository.Repositories
	events   *EventService
	notifier NotificationService
	metrics  *utils.MetricsCollector
}

// apply locks the loan, writes the deduction and the new balance in tx. The
// due date moves a month on payroll entries and on any entry covering the
// installment. A zero balance repays the loan and releases its guarantors.
func (l *ledger) apply(ctx context.Context, tx *repository.Repositories, e entry, now time.Time) (*posting, error) {
	loan, err := tx.Loans.GetForUpdate(ctx, e.LoanID)
	if err != nil {
		return nil, err
	}
	if loan.Status != domain.LoanApproved && loan.Status != domain.LoanDefaulted {
		return nil, fmt.Errorf("%w: loan is %s and takes no repayments", domain.ErrInvalidTransition, loan.Status)
	}
	if loan.OutstandingBalance <= 0 {
		return nil, fmt.Errorf("%w: loan has no outstanding balance", domain.ErrConflict)
	}

	amount := domain.RoundMoney(e.Amount)
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount: must be positive", domain.ErrValidation)
	}
	if amount > loan.OutstandingBalance {
		if e.Strict {
			return nil, fmt.Errorf("%w: amount: exceeds outstanding balance of %.2f", domain.ErrValidation, loan.OutstandingBalance)
		}
		amount = loan.OutstandingBalance
	}

	period := e.Period
	if period == "" {
		period = domain.Period(now)
	}
	before := loan.OutstandingBalance
	after := domain.RoundMoney(before - amount)
	d := &domain.Deduction{
		LoanID:        loan.ID,
		UserID:        loan.UserID,
		Amount:        amount,
		Type:          e.Type,
		Reference:     e.Reference,
		Period:        period,
		BalanceBefore: before,
		BalanceAfter:  after,
		CreatedBy:     e.CreatedBy,
	}
	if err := tx.Deductions.Create(ctx, d); err != nil {
		return nil, err
	}

	p := &posting{Loan: loan, Deduction: d, From: loan.Status}
	loan.OutstandingBalance = after
	loan.UpdatedAt = now
	if after == 0 {
		loan.Status = domain.LoanRepaid
		loan.NextDueDate = nil
		p.Repaid = true
	} else if e.Type == domain.DeductionPayroll || amount >= loan.Installment {
		base := now
		if loan.NextDueDate != nil {
			base = *loan.NextDueDate
		}
		loan.NextDueDate = timePtr(domain.MonthEnd(base, 1))
	}
	if err := tx.Loans.Update(ctx, loan, p.From); err != nil {
		return nil, err
	}
	if p.Repaid {
		if p.Released, err = tx.Guarantors.ReleaseForLoan(ctx, loan.ID); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// announce publishes the side effects of a committed posting.
func (l *ledger) announce(ctx context.Context, p *posting, typ domain.NotificationType, receipt string) {
	loan, d := p.Loan, p.Deduction
	utils.Info("deduction recorded",
		"loan_id", loan.ID.String(),
		"type", d.Type,
		"amount", d.Amount,
		"balance", d.BalanceAfter,
	)
	l.metrics.RecordDeduction(string(d.Type), d.Amount)
	loanEvent(ctx, l.events, loan, domain.EventDeductionRecorded, domain.LoanEventData{
		Amount:    d.Amount,
		Balance:   d.BalanceAfter,
		Reference: d.Reference,
		ActorID:   d.CreatedBy,
	})
	writeAudit(ctx, l.repos.Audit, domain.EntityDeduction, d.ID, domain.ActionCreated, d.CreatedBy, map[string]interface{}{
		"loan_id":        loan.ID,
		"type":           d.Type,
		"amount":         d.Amount,
		"reference":      d.Reference,
		"period":         d.Period,
		"balance_before": d.BalanceBefore,
		"balance_after":  d.BalanceAfter,
	})

	data := loanData(loan, "")
	data.Amount = d.Amount
	data.Balance = d.BalanceAfter
	data.Period = d.Period
	data.Receipt = receipt
	notifyUser(ctx, l.notifier, loan.UserID, typ, data, domain.ChannelSMS)

	if !p.Repaid {
		return
	}
	l.metrics.RecordLoanTransition(string(domain.LoanRepaid))
	loanEvent(ctx, l.events, loan, domain.EventLoanRepaid, domain.LoanEventData{From: p.From, To: loan.Status})
	writeAudit(ctx, l.repos.Audit, domain.EntityLoan, loan.ID, domain.ActionCompleted, d.CreatedBy, map[string]interface{}{
		"from": p.From,
		"to":   loan.Status,
	})
	notifyUser(ctx, l.notifier, loan.UserID, domain.NotifyLoanRepaid, loanData(loan, ""), domain.ChannelEmail, domain.ChannelSMS)
	for _, g := range p.Released {
		rd := loanData(loan, "")
		rd.Amount = g.LiabilityAmount
		notifyUser(ctx, l.notifier, g.GuarantorUserID, domain.NotifyGuarantorReleased, rd)
	}
}

// DeductionServiceImpl implements DeductionService.
type DeductionServiceImpl struct {
	ledger
	now func() time.Time
}

// NewDeductionService creates the payroll and manual deduction service.
func NewDeductionService(repos *repository.Repositories, events *EventService, notifier NotificationService, metrics *utils.MetricsCollector) *DeductionServiceImpl {
	return &DeductionServiceImpl{
		ledger: ledger{repos: repos, events: events, notifier: notifier, metrics: metrics},
		now:    time.Now,
	}
}

// RecordManual records an admin-entered repayment, such as a cash or bank
// payment. It may not exceed the outstanding balance.
func (s *DeductionServiceImpl) RecordManual(ctx context.Context, adminID uuid.UUID, req *domain.ManualDeductionRequest) (*domain.Deduction, error) {
	if err := req.Validate(); err != nil {
		return nil, invalid(err)
	}
	var p *posting
	err := s.repos.InTx(ctx, func(tx *repository.Repositories) error {
		var err error
		p, err = s.apply(ctx, tx, entry{
			LoanID:    req.LoanID,
			Amount:    req.Amount,
			Type:      domain.DeductionManual,
			Reference: strings.TrimSpace(req.Reference),
			Period:    req.Period,
			CreatedBy: &adminID,
			Strict:    true,
		}, s.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	s.announce(ctx, p, domain.NotifyDeductionRecorded, "")
	return p.Deduction, nil
}

// RunPayroll deducts the installment from every loan due by the end of
// period. Each loan is posted in its own transaction so one failure does not
// block the run. Loans with a deduction for the period are skipped.
func (s *DeductionServiceImpl) RunPayroll(ctx context.Context, period string, actorID *uuid.UUID) (*domain.PayrollRunResult, error) {
	if err := (&domain.PayrollRunRequest{Period: period}).Validate(); err != nil {
		return nil, invalid(err)
	}
	dueBy, err := domain.PeriodEnd(period)
	if err != nil {
		return nil, err
	}

	result := &domain.PayrollRunResult{Period: period}
	var mu sync.Mutex

	for after := uuid.Nil; ; {
		loans, err := s.repos.Loans.ListDue(ctx, dueBy, after, payrollBatchSize)
		if err != nil {
			return nil, fmt.Errorf("failed to list due loans: %w", err)
		}
		if len(loans) == 0 {
			break
		}
		after = loans[len(loans)-1].ID

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(payrollConcurrency)
		for _, loan := range loans {
			g.Go(func() error {
				p, err := s.postPayroll(gctx, loan, period, actorID)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case errors.Is(err, errAlreadyDeducted):
					result.Skipped++
				case err != nil:
					result.Failed++
					utils.Error("payroll deduction failed",
						"loan_id", loan.ID.String(),
						"period", period,
						"error", err.Error(),
					)
				default:
					result.Processed++
					result.TotalAmount = domain.RoundMoney(result.TotalAmount + p.Deduction.Amount)
					if p.Repaid {
						result.Repaid++
					}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		if len(loans) < payrollBatchSize {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	utils.Info("payroll run finished",
		"period", period,
		"processed", result.Processed,
		"skipped", result.Skipped,
		"failed", result.Failed,
		"repaid", result.Repaid,
		"total_amount", result.TotalAmount,
	)
	writeAudit(ctx, s.repos.Audit, domain.EntityDeduction, uuid.New(), domain.ActionCompleted, actorID, map[string]interface{}{
		"payroll_period": period,
		"processed":      result.Processed,
		"skipped":        result.Skipped,
		"failed":         result.Failed,
		"total_amount":   result.TotalAmount,
	})
	return result, nil
}

func (s *DeductionServiceImpl) postPayroll(ctx context.Context, loan *domain.Loan, period string, actorID *uuid.UUID) (*posting, error) {
	var p *posting
	err := s.repos.InTx(ctx, func(tx *repository.Repositories) error {
		done, err := tx.Deductions.ExistsForPeriod(ctx, loan.ID, period)
		if err != nil {
			return err
		}
		if done {
			return errAlreadyDeducted
		}
		p, err = s.apply(ctx, tx, entry{
			LoanID:    loan.ID,
			Amount:    loan.Installment,
			Type:      domain.DeductionPayroll,
			Reference: "PAYROLL-" + period,
			Period:    period,
			CreatedBy: actorID,
		}, s.now())
		return err
	})
	if errors.Is(err, domain.ErrConflict) {
		return nil, errAlreadyDeducted
	}
	if err != nil {
		return nil, err
	}
	s.announce(ctx, p, domain.NotifyDeductionRecorded, "")
	return p, nil
}

// MarkDefaults moves approved loans whose due date passed more than
// graceDays ago to defaulted, and tells the borrower and guarantors.
func (s *DeductionServiceImpl) MarkDefaults(ctx context.Context, graceDays int) (int, error) {
	now := s.now()
	cutoff := now.AddDate(0, 0, -graceDays)
	marked := 0

	for after := uuid.Nil; ; {
		loans, err := s.repos.Loans.ListOverdue(ctx, cutoff, after, payrollBatchSize)
		if err != nil {
			return marked, fmt.Errorf("failed to list overdue loans: %w", err)
		}
		for _, candidate := range loans {
			ok, err := s.markDefault(ctx, candidate.ID, cutoff)
			if err != nil {
				utils.Error("failed to mark loan defaulted", "loan_id", candidate.ID.String(), "error", err.Error())
				continue
			}
			if ok {
				marked++
			}
		}
		if len(loans) < payrollBatchSize {
			break
		}
		after = loans[len(loans)-1].ID
	}

	if marked > 0 {
		utils.Info("loans marked defaulted", "count", marked, "grace_days", graceDays)
	}
	return marked, nil
}

func (s *DeductionServiceImpl) markDefault(ctx context.Context, id uuid.UUID, cutoff time.Time) (bool, error) {
	var loan *domain.Loan
	var from domain.LoanStatus
	var guarantors []*domain.Guarantor
	err := s.repos.InTx(ctx, func(tx *repository.Repositories) error {
		var err error
		loan, err = tx.Loans.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if loan.Status != domain.LoanApproved || !loan.IsDisbursed() ||
			loan.NextDueDate == nil || !loan.NextDueDate.Before(cutoff) {
			loan = nil
			return nil
		}
		if from, err = transition(ctx, tx, loan, domain.LoanDefaulted, s.now(), nil); err != nil {
			return err
		}
		guarantors, err = tx.Guarantors.ListForLoan(ctx, loan.ID)
		return err
	})
	if err != nil || loan == nil {
		return false, err
	}

	s.metrics.RecordLoanTransition(string(domain.LoanDefaulted))
	loanEvent(ctx, s.events, loan, domain.EventLoanDefaulted, domain.LoanEventData{From: from, To: loan.Status})
	writeAudit(ctx, s.repos.Audit, domain.EntityLoan, loan.ID, domain.ActionDefaulted, nil, map[string]interface{}{
		"next_due_date":       loan.NextDueDate,
		"outstanding_balance": loan.OutstandingBalance,
	})
	data := loanData(loan, "")
	notifyUser(ctx, s.notifier, loan.UserID, domain.NotifyLoanDefaulted, data, domain.ChannelEmail, domain.ChannelSMS)
	for _, g := range guarantors {
		if g.Status == domain.GuarantorAccepted {
			notifyUser(ctx, s.notifier, g.GuarantorUserID, domain.NotifyLoanDefaulted, data, domain.ChannelEmail)
		}
	}
	return true, nil
}

// ListForLoan lists a loan's deductions for its owner or an admin.
func (s *DeductionServiceImpl) ListForLoan(ctx context.Context, actor Actor, loanID uuid.UUID, filter *domain.DeductionFilter) ([]*domain.Deduction, int, error) {
	loan, err := s.repos.Loans.GetByID(ctx, loanID)
	if err != nil {
		return nil, 0, err
	}
	if !actor.Admin && loan.UserID != actor.ID {
		return nil, 0, fmt.Errorf("%w: loan belongs to another employee", domain.ErrForbidden)
	}
	if filter == nil {
		filter = &domain.DeductionFilter{}
	}
	filter.LoanID = &loanID
	return s.AdminList(ctx, filter)
}

func (s *DeductionServiceImpl) AdminList(ctx context.Context, filter *domain.DeductionFilter) ([]*domain.Deduction, int, error) {
	items, err := s.repos.Deductions.List(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.repos.Deductions.Count(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}
