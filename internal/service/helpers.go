package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/domain"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/repository"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/utils"
)

// invalid wraps a request validation error so handlers answer 422.
func invalid(err error) error {
	return fmt.Errorf("%w: %v", domain.ErrValidation, err)
}

// writeAudit records an audit entry. Failures are logged only.
func writeAudit(ctx context.Context, repo repository.AuditRepo, entity domain.EntityType, id uuid.UUID, action domain.AuditAction, actorID *uuid.UUID, details map[string]interface{}) {
	if repo == nil {
		return
	}
	if err := repo.Log(ctx, string(entity), id, string(action), actorID, details); err != nil {
		utils.Error("failed to write audit log",
			"entity_type", entity,
			"entity_id", id.String(),
			"action", action,
			"error", err.Error(),
		)
	}
}

func loanEvent(ctx context.Context, events *EventService, loan *domain.Loan, eventType domain.EventType, data domain.LoanEventData) {
	if events == nil {
		return
	}
	if err := events.LoanEvent(ctx, loan, eventType, data); err != nil {
		utils.Error("failed to publish loan event",
			"event_type", eventType,
			"loan_id", loan.ID.String(),
			"error", err.Error(),
		)
	}
}

func grantEvent(ctx context.Context, events *EventService, grant *domain.Grant, eventType domain.EventType, data domain.GrantEventData) {
	if events == nil {
		return
	}
	if err := events.GrantEvent(ctx, grant, eventType, data); err != nil {
		utils.Error("failed to publish grant event",
			"event_type", eventType,
			"grant_id", grant.ID.String(),
			"error", err.Error(),
		)
	}
}

func notifyUser(ctx context.Context, n NotificationService, userID uuid.UUID, typ domain.NotificationType, data NotificationData, channels ...domain.Channel) {
	if n == nil {
		return
	}
	if err := n.Notify(ctx, userID, typ, data, channels...); err != nil {
		utils.Error("failed to notify user",
			"user_id", userID.String(),
			"type", typ,
			"error", err.Error(),
		)
	}
}

func notifyAdmins(ctx context.Context, n NotificationService, typ domain.NotificationType, data NotificationData, channels ...domain.Channel) {
	if n == nil {
		return
	}
	if err := n.NotifyAdmins(ctx, typ, data, channels...); err != nil {
		utils.Error("failed to notify admins", "type", typ, "error", err.Error())
	}
}

func timePtr(t time.Time) *time.Time { return &t }

func uuidPtr(id uuid.UUID) *uuid.UUID { return &id }
