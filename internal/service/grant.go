package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/domain"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/repository"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/utils"
)

// GrantServiceImpl implements GrantService.
type GrantServiceImpl struct {
	repos    *repository.Repositories
	events   *EventService
	notifier NotificationService
	queue    JobQueue
	metrics  *utils.MetricsCollector
	now      func() time.Time
}

// NewGrantService creates the grant lifecycle service.
func NewGrantService(repos *repository.Repositories, events *EventService, notifier NotificationService, queue JobQueue, metrics *utils.MetricsCollector) *GrantServiceImpl {
	return &GrantServiceImpl{
		repos:    repos,
		events:   events,
		notifier: notifier,
		queue:    queue,
		metrics:  metrics,
		now:      time.Now,
	}
}

// SetQueue attaches the job queue once the worker pool exists.
func (s *GrantServiceImpl) SetQueue(queue JobQueue) {
	s.queue = queue
}

func (s *GrantServiceImpl) ListTypes(ctx context.Context, activeOnly bool) ([]*domain.GrantType, error) {
	return s.repos.GrantTypes.List(ctx, activeOnly)
}

func (s *GrantServiceImpl) CreateType(ctx context.Context, actorID uuid.UUID, req *domain.CreateGrantTypeRequest) (*domain.GrantType, error) {
	if err := req.Validate(); err != nil {
		return nil, invalid(err)
	}
	gt := &domain.GrantType{
		Name:              strings.TrimSpace(req.Name),
		Description:       req.Description,
		MaxAmount:         domain.RoundMoney(req.MaxAmount),
		RequiresDependant: req.RequiresDependant,
		Active:            true,
	}
	if err := s.repos.GrantTypes.Create(ctx, gt); err != nil {
		return nil, err
	}
	writeAudit(ctx, s.repos.Audit, domain.EntityGrantType, gt.ID, domain.ActionCreated, &actorID, map[string]interface{}{
		"name":       gt.Name,
		"max_amount": gt.MaxAmount,
	})
	return gt, nil
}

// Apply files a grant application. Types that require a dependant only
// accept one of the applicant's own dependants.
func (s *GrantServiceImpl) Apply(ctx context.Context, userID uuid.UUID, req *domain.ApplyGrantRequest) (*domain.Grant, error) {
	if err := req.Validate(); err != nil {
		return nil, invalid(err)
	}
	gt, err := s.repos.GrantTypes.GetByID(ctx, req.GrantTypeID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: grant_type_id: unknown grant type", domain.ErrValidation)
		}
		return nil, err
	}
	if !gt.Active {
		return nil, fmt.Errorf("%w: grant_type_id: grant type is not available", domain.ErrValidation)
	}
	if req.Amount > gt.MaxAmount {
		return nil, fmt.Errorf("%w: amount: must be at most %.2f", domain.ErrValidation, gt.MaxAmount)
	}

	user, err := s.repos.Users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !user.IsActive() {
		return nil, fmt.Errorf("%w: account is suspended", domain.ErrForbidden)
	}

	if req.DependantID != nil {
		d, err := s.repos.Dependants.GetByID(ctx, *req.DependantID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, fmt.Errorf("%w: dependant_id: unknown dependant", domain.ErrValidation)
			}
			return nil, err
		}
		if d.UserID != userID {
			return nil, fmt.Errorf("%w: dependant_id: unknown dependant", domain.ErrValidation)
		}
	} else if gt.RequiresDependant {
		return nil, fmt.Errorf("%w: dependant_id: %s grants require a dependant", domain.ErrValidation, gt.Name)
	}

	grant := &domain.Grant{
		UserID:      userID,
		GrantTypeID: gt.ID,
		DependantID: req.DependantID,
		Amount:      domain.RoundMoney(req.Amount),
		Reason:      strings.TrimSpace(req.Reason),
		Status:      domain.GrantPending,
	}
	if err := s.repos.Grants.Create(ctx, grant); err != nil {
		return nil, err
	}

	utils.Info("grant applied", "grant_id", grant.ID.String(), "user_id", userID.String(), "amount", grant.Amount)
	s.metrics.RecordGrantTransition(string(domain.GrantPending))
	grantEvent(ctx, s.events, grant, domain.EventGrantApplied, domain.GrantEventData{To: grant.Status, Amount: grant.Amount, ActorID: &userID})
	writeAudit(ctx, s.repos.Audit, domain.EntityGrant, grant.ID, domain.ActionCreated, &userID, map[string]interface{}{
		"grant_number": grant.GrantNumber,
		"grant_type":   gt.Name,
		"amount":       grant.Amount,
	})
	data := grantData(grant, gt.Name)
	notifyUser(ctx, s.notifier, userID, domain.NotifyGrantApplied, data, domain.ChannelEmail)
	return grant, nil
}

func (s *GrantServiceImpl) Get(ctx context.Context, actor Actor, id uuid.UUID) (*domain.Grant, error) {
	grant, err := s.repos.Grants.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.Admin && grant.UserID != actor.ID {
		return nil, fmt.Errorf("%w: grant belongs to another employee", domain.ErrForbidden)
	}
	return grant, nil
}

func (s *GrantServiceImpl) ListMine(ctx context.Context, userID uuid.UUID, filter *domain.GrantFilter) ([]*domain.Grant, int, error) {
	if filter == nil {
		filter = &domain.GrantFilter{}
	}
	filter.UserID = &userID
	return s.AdminList(ctx, filter)
}

func (s *GrantServiceImpl) AdminList(ctx context.Context, filter *domain.GrantFilter) ([]*domain.Grant, int, error) {
	if filter == nil {
		filter = &domain.GrantFilter{}
	}
	if filter.Status != nil && !filter.Status.Valid() {
		return nil, 0, fmt.Errorf("%w: status: unknown grant status %q", domain.ErrValidation, *filter.Status)
	}
	grants, err := s.repos.Grants.List(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.repos.Grants.Count(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	return grants, total, nil
}

func grantTransition(ctx context.Context, tx *repository.Repositories, grant *domain.Grant, next domain.GrantStatus, now time.Time, mutate func(*domain.Grant)) (domain.GrantStatus, error) {
	from := grant.Status
	if !from.CanTransitionTo(next) {
		return from, fmt.Errorf("%w: grant is %s, cannot become %s", domain.ErrInvalidTransition, from, next)
	}
	grant.Status = next
	grant.UpdatedAt = now
	if mutate != nil {
		mutate(grant)
	}
	if err := tx.Grants.Update(ctx, grant, from); err != nil {
		return from, err
	}
	return from, nil
}

// Approve approves a pending grant and queues its M-Pesa payout.
func (s *GrantServiceImpl) Approve(ctx context.Context, adminID, id uuid.UUID) (*domain.Grant, error) {
	var grant *domain.Grant
	var payout *domain.MpesaTransaction
	var from domain.GrantStatus
	err := s.repos.InTx(ctx, func(tx *repository.Repositories) error {
		var err error
		grant, err = tx.Grants.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if grant.UserID == adminID {
			return fmt.Errorf("%w: admins cannot approve their own grant", domain.ErrForbidden)
		}
		user, err := tx.Users.GetByID(ctx, grant.UserID)
		if err != nil {
			return err
		}
		now := s.now()
		if from, err = grantTransition(ctx, tx, grant, domain.GrantApproved, now, func(g *domain.Grant) {
			g.ApprovedBy = &adminID
			g.ApprovedAt = timePtr(now)
		}); err != nil {
			return err
		}
		payout, err = newPayout(domain.PurposeGrantPayment, user, grant.Amount, nil, &grant.ID)
		if err != nil {
			return err
		}
		return tx.MpesaTransactions.Create(ctx, payout)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordGrantTransition(string(domain.GrantApproved))
	grantEvent(ctx, s.events, grant, domain.EventGrantApproved, domain.GrantEventData{From: from, To: grant.Status, ActorID: &adminID, Amount: grant.Amount})
	writeAudit(ctx, s.repos.Audit, domain.EntityGrant, grant.ID, domain.ActionApproved, &adminID, map[string]interface{}{
		"from":           from,
		"transaction_id": payout.ID,
	})
	notifyUser(ctx, s.notifier, grant.UserID, domain.NotifyGrantApproved, grantData(grant, ""), domain.ChannelEmail, domain.ChannelSMS)
	schedulePayout(ctx, s.queue, s.repos.MpesaTransactions, payout)
	return grant, nil
}

// Reject turns down a pending grant.
func (s *GrantServiceImpl) Reject(ctx context.Context, adminID, id uuid.UUID, reason string) (*domain.Grant, error) {
	if err := (&domain.ReasonRequest{Reason: reason}).Validate(); err != nil {
		return nil, invalid(err)
	}
	var grant *domain.Grant
	var from domain.GrantStatus
	err := s.repos.InTx(ctx, func(tx *repository.Repositories) error {
		var err error
		grant, err = tx.Grants.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		from, err = grantTransition(ctx, tx, grant, domain.GrantRejected, s.now(), func(g *domain.Grant) {
			g.RejectionReason = strings.TrimSpace(reason)
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordGrantTransition(string(domain.GrantRejected))
	grantEvent(ctx, s.events, grant, domain.EventGrantRejected, domain.GrantEventData{From: from, To: grant.Status, ActorID: &adminID, Reason: grant.RejectionReason})
	writeAudit(ctx, s.repos.Audit, domain.EntityGrant, grant.ID, domain.ActionRejected, &adminID, map[string]interface{}{
		"from":   from,
		"reason": grant.RejectionReason,
	})
	data := grantData(grant, "")
	data.Reason = grant.RejectionReason
	notifyUser(ctx, s.notifier, grant.UserID, domain.NotifyGrantRejected, data, domain.ChannelEmail, domain.ChannelSMS)
	return grant, nil
}

// Cancel withdraws a grant before it is paid. The owner or an admin may
// cancel. An approved grant with a payout in flight cannot be cancelled.
func (s *GrantServiceImpl) Cancel(ctx context.Context, actor Actor, id uuid.UUID) (*domain.Grant, error) {
	var grant *domain.Grant
	var from domain.GrantStatus
	err := s.repos.InTx(ctx, func(tx *repository.Repositories) error {
		var err error
		grant, err = tx.Grants.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !actor.Admin && grant.UserID != actor.ID {
			return fmt.Errorf("%w: grant belongs to another employee", domain.ErrForbidden)
		}
		if grant.Status == domain.GrantApproved {
			if err := releaseAbandonedPayouts(ctx, tx, domain.PurposeGrantPayment, grant.ID, s.now()); err != nil {
				return err
			}
			pending, err := tx.MpesaTransactions.HasPending(ctx, domain.PurposeGrantPayment, grant.ID)
			if err != nil {
				return err
			}
			if pending {
				return fmt.Errorf("%w: grant payout is in progress", domain.ErrConflict)
			}
		}
		from, err = grantTransition(ctx, tx, grant, domain.GrantCancelled, s.now(), nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordGrantTransition(string(domain.GrantCancelled))
	grantEvent(ctx, s.events, grant, domain.EventGrantCancelled, domain.GrantEventData{From: from, To: grant.Status, ActorID: &actor.ID})
	writeAudit(ctx, s.repos.Audit, domain.EntityGrant, grant.ID, domain.ActionCanceled, &actor.ID, map[string]interface{}{"from": from})
	notifyUser(ctx, s.notifier, grant.UserID, domain.NotifyGrantCancelled, grantData(grant, ""))
	return grant, nil
}

// RetryPayment queues a new payout for an approved grant whose last payout
// failed.
func (s *GrantServiceImpl) RetryPayment(ctx context.Context, adminID, id uuid.UUID) (*domain.MpesaTransaction, error) {
	var payout *domain.MpesaTransaction
	err := s.repos.InTx(ctx, func(tx *repository.Repositories) error {
		grant, err := tx.Grants.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if grant.Status != domain.GrantApproved {
			return fmt.Errorf("%w: grant is %s", domain.ErrInvalidTransition, grant.Status)
		}
		if err := releaseAbandonedPayouts(ctx, tx, domain.PurposeGrantPayment, grant.ID, s.now()); err != nil {
			return err
		}
		pending, err := tx.MpesaTransactions.HasPending(ctx, domain.PurposeGrantPayment, grant.ID)
		if err != nil {
			return err
		}
		if pending {
			return fmt.Errorf("%w: grant payout is in progress", domain.ErrConflict)
		}
		user, err := tx.Users.GetByID(ctx, grant.UserID)
		if err != nil {
			return err
		}
		payout, err = newPayout(domain.PurposeGrantPayment, user, grant.Amount, nil, &grant.ID)
		if err != nil {
			return err
		}
		return tx.MpesaTransactions.Create(ctx, payout)
	})
	if err != nil {
		return nil, err
	}
	writeAudit(ctx, s.repos.Audit, domain.EntityGrant, id, domain.ActionDisbursed, &adminID, map[string]interface{}{
		"retry":          true,
		"transaction_id": payout.ID,
	})
	schedulePayout(ctx, s.queue, s.repos.MpesaTransactions, payout)
	return payout, nil
}

func grantData(grant *domain.Grant, grantType string) NotificationData {
	return NotificationData{
		GrantID:     grant.ID.String(),
		GrantNumber: grant.GrantNumber,
		GrantType:   grantType,
		Amount:      grant.Amount,
		Reason:      grant.RejectionReason,
	}
}
