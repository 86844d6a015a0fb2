package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/domain"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/repository"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/utils"
)

// EventService handles publishing and reading lifecycle events.
type EventService struct {
	eventRepo repository.EventsRepo
}

// NewEventService creates a new event service.
func NewEventService(eventRepo repository.EventsRepo) *EventService {
	return &EventService{eventRepo: eventRepo}
}

// PublishEvent appends an event for an aggregate.
func (s *EventService) PublishEvent(ctx context.Context, aggregateType domain.AggregateType, aggregateID uuid.UUID, eventType domain.EventType, eventData interface{}, metadata *domain.EventMetadata) (*domain.Event, error) {
	event, err := domain.NewEvent(aggregateType, aggregateID, eventType, eventData, metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to create event: %w", err)
	}

	publishedEvent, err := s.eventRepo.AppendEvent(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("failed to publish event: %w", err)
	}

	utils.Info("event published",
		"event_type", eventType,
		"aggregate_type", aggregateType,
		"aggregate_id", aggregateID.String(),
		"version", publishedEvent.Version,
	)

	return publishedEvent, nil
}

// GetAggregateEvents retrieves all events for an aggregate in version order.
func (s *EventService) GetAggregateEvents(ctx context.Context, aggregateType domain.AggregateType, aggregateID uuid.UUID) ([]*domain.Event, error) {
	return s.eventRepo.GetEventsByAggregate(ctx, aggregateType, aggregateID)
}

// GetEventsByType retrieves events by type
func (s *EventService) GetEventsByType(ctx context.Context, eventType domain.EventType, limit int, offset int) ([]*domain.Event, error) {
	return s.eventRepo.GetEventsByType(ctx, eventType, limit, offset)
}

// UserRegistered publishes a UserRegistered event
func (s *EventService) UserRegistered(ctx context.Context, user *domain.User) error {
	eventData := &domain.UserRegisteredEvent{
		UserID:         user.ID,
		EmployeeNumber: user.EmployeeNumber,
		Email:          user.Email,
		Role:           user.Role,
	}
	_, err := s.PublishEvent(ctx, domain.AggregateUser, user.ID, domain.EventUserRegistered, eventData, metadataFrom(ctx))
	return err
}

// LoanEvent publishes a loan lifecycle event. The loan number, owner, and
// current balance are filled from loan.
func (s *EventService) LoanEvent(ctx context.Context, loan *domain.Loan, eventType domain.EventType, data domain.LoanEventData) error {
	data.LoanID = loan.ID
	data.LoanNumber = loan.LoanNumber
	data.UserID = loan.UserID
	if data.Balance == 0 {
		data.Balance = loan.OutstandingBalance
	}
	_, err := s.PublishEvent(ctx, domain.AggregateLoan, loan.ID, eventType, data, metadataFrom(ctx))
	return err
}

// GrantEvent publishes a grant lifecycle event.
func (s *EventService) GrantEvent(ctx context.Context, grant *domain.Grant, eventType domain.EventType, data domain.GrantEventData) error {
	data.GrantID = grant.ID
	data.GrantNumber = grant.GrantNumber
	data.UserID = grant.UserID
	_, err := s.PublishEvent(ctx, domain.AggregateGrant, grant.ID, eventType, data, metadataFrom(ctx))
	return err
}

func metadataFrom(ctx context.Context) *domain.EventMetadata {
	meta, ok := utils.RequestMetaFrom(ctx)
	if !ok {
		return &domain.EventMetadata{CorrelationID: uuid.New().String()}
	}
	correlationID := meta.RequestID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	return &domain.EventMetadata{
		CorrelationID: correlationID,
		UserAgent:     meta.UserAgent,
		IP:            meta.IP,
	}
}
