package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/auth"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/domain"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/repository"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/utils"
)

type guarantorService struct {
	repos    *repository.Repositories
	events   *EventService
	notifier NotificationService
	jwt      *auth.JWTManager
	metrics  *utils.MetricsCollector
	now      func() time.Time
}

// NewGuarantorService creates the guarantee response service.
func NewGuarantorService(repos *repository.Repositories, events *EventService, notifier NotificationService, jwt *auth.JWTManager, metrics *utils.MetricsCollector) GuarantorService {
	return &guarantorService{
		repos:    repos,
		events:   events,
		notifier: notifier,
		jwt:      jwt,
		metrics:  metrics,
		now:      time.Now,
	}
}

func (s *guarantorService) ListMine(ctx context.Context, userID uuid.UUID, status *domain.GuarantorStatus) ([]*domain.GuaranteeRequest, error) {
	return s.repos.Guarantors.ListForUser(ctx, userID, status)
}

// RespondWithToken answers a guarantee through the signed link sent by email.
func (s *guarantorService) RespondWithToken(ctx context.Context, token string, req *domain.GuarantorResponseRequest) (*domain.Guarantor, error) {
	if s.jwt == nil {
		return nil, fmt.Errorf("%w: guarantor links are disabled", domain.ErrUnauthorized)
	}
	claims, err := s.jwt.ValidateGuarantorToken(token)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid or expired link", domain.ErrUnauthorized)
	}
	g, err := s.repos.Guarantors.GetByID(ctx, claims.GuarantorID)
	if err != nil {
		return nil, err
	}
	if g.LoanID != claims.LoanID || g.GuarantorUserID != claims.UserID {
		return nil, fmt.Errorf("%w: invalid or expired link", domain.ErrUnauthorized)
	}
	return s.Respond(ctx, g.ID, claims.UserID, req)
}

// Respond records a guarantor's answer. The loan row is locked before the
// guarantor row. The last acceptance submits the loan for admin review and a
// decline rejects it.
func (s *guarantorService) Respond(ctx context.Context, guarantorID, userID uuid.UUID, req *domain.GuarantorResponseRequest) (*domain.Guarantor, error) {
	if err := req.Validate(); err != nil {
		return nil, invalid(err)
	}
	peek, err := s.repos.Guarantors.GetByID(ctx, guarantorID)
	if err != nil {
		return nil, err
	}
	if peek.GuarantorUserID != userID {
		return nil, fmt.Errorf("%w: guarantee request belongs to another employee", domain.ErrForbidden)
	}

	var (
		g        *domain.Guarantor
		loan     *domain.Loan
		released []*domain.Guarantor
		from     domain.LoanStatus
	)
	err = s.repos.InTx(ctx, func(tx *repository.Repositories) error {
		var err error
		loan, err = tx.Loans.GetForUpdate(ctx, peek.LoanID)
		if err != nil {
			return err
		}
		g, err = tx.Guarantors.GetForUpdate(ctx, guarantorID)
		if err != nil {
			return err
		}
		if g.Status != domain.GuarantorPending {
			return fmt.Errorf("%w: guarantee already %s", domain.ErrConflict, g.Status)
		}
		if loan.Status != domain.LoanPending {
			return fmt.Errorf("%w: loan is %s and no longer awaits guarantors", domain.ErrInvalidTransition, loan.Status)
		}

		now := s.now()
		g.RespondedAt = timePtr(now)
		if req.Accepted() {
			g.Status = domain.GuarantorAccepted
		} else {
			g.Status = domain.GuarantorDeclined
			g.DeclineReason = strings.TrimSpace(req.Reason)
		}
		if err := tx.Guarantors.Update(ctx, g, domain.GuarantorPending); err != nil {
			return err
		}

		if !req.Accepted() {
			if from, err = transition(ctx, tx, loan, domain.LoanRejected, now, func(l *domain.Loan) {
				l.RejectionReason = "declined by guarantor: " + g.DeclineReason
			}); err != nil {
				return err
			}
			released, err = tx.Guarantors.ReleaseForLoan(ctx, loan.ID)
			return err
		}

		all, err := tx.Guarantors.ListForLoan(ctx, loan.ID)
		if err != nil {
			return err
		}
		for _, other := range all {
			if other.ID != g.ID && other.Status != domain.GuarantorAccepted {
				return nil
			}
		}
		from, err = transition(ctx, tx, loan, domain.LoanProcessing, now, nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	utils.Info("guarantor responded",
		"guarantor_id", g.ID.String(),
		"loan_id", loan.ID.String(),
		"status", g.Status,
	)

	data := loanData(loan, "")
	data.Name = g.GuarantorName
	if guarantor, err := s.repos.Users.GetByID(ctx, userID); err == nil {
		data.Name = guarantor.FullName()
	}
	applicantName := ""
	if applicant, err := s.repos.Users.GetByID(ctx, loan.UserID); err == nil {
		applicantName = applicant.FullName()
	}
	data.ApplicantName = applicantName

	if g.Status == domain.GuarantorAccepted {
		loanEvent(ctx, s.events, loan, domain.EventGuarantorAccepted, domain.LoanEventData{GuarantorID: &g.ID, ActorID: &userID})
		writeAudit(ctx, s.repos.Audit, domain.EntityGuarantor, g.ID, domain.ActionAccepted, &userID, map[string]interface{}{"loan_id": loan.ID})
		notifyUser(ctx, s.notifier, loan.UserID, domain.NotifyGuarantorAccepted, data)

		if loan.Status == domain.LoanProcessing {
			s.metrics.RecordLoanTransition(string(domain.LoanProcessing))
			loanEvent(ctx, s.events, loan, domain.EventLoanSubmitted, domain.LoanEventData{From: from, To: loan.Status})
			admin := loanData(loan, "")
			admin.ApplicantName = applicantName
			notifyAdmins(ctx, s.notifier, domain.NotifyLoanAwaitingReview, admin, domain.ChannelEmail)
		}
		return g, nil
	}

	data.Reason = g.DeclineReason
	loanEvent(ctx, s.events, loan, domain.EventGuarantorDeclined, domain.LoanEventData{GuarantorID: &g.ID, ActorID: &userID, Reason: g.DeclineReason})
	writeAudit(ctx, s.repos.Audit, domain.EntityGuarantor, g.ID, domain.ActionDeclined, &userID, map[string]interface{}{
		"loan_id": loan.ID,
		"reason":  g.DeclineReason,
	})
	notifyUser(ctx, s.notifier, loan.UserID, domain.NotifyGuarantorDeclined, data, domain.ChannelEmail, domain.ChannelSMS)

	s.metrics.RecordLoanTransition(string(domain.LoanRejected))
	loanEvent(ctx, s.events, loan, domain.EventLoanRejected, domain.LoanEventData{From: from, To: loan.Status, Reason: loan.RejectionReason})
	for _, r := range released {
		d := loanData(loan, "")
		d.Amount = r.LiabilityAmount
		notifyUser(ctx, s.notifier, r.GuarantorUserID, domain.NotifyGuarantorReleased, d)
	}
	return g, nil
}
