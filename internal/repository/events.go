package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/domain"
)

// eventsRepo is the append-only event store backing loan and grant timelines.
type eventsRepo struct {
	db Querier
}

// NewEventsRepo creates a new event repository.
func NewEventsRepo(db Querier) EventsRepo {
	return &eventsRepo{db: db}
}

const eventColumns = `id, aggregate_type, aggregate_id, event_type, event_data, event_metadata, created_at, version`

// AppendEvent appends a new event to the event store. The (aggregate, version)
// unique index turns a concurrent append into ErrConflict.
func (r *eventsRepo) AppendEvent(ctx context.Context, event *domain.Event) (*domain.Event, error) {
	currentVersion, err := r.getCurrentVersion(ctx, event.AggregateType, event.AggregateID)
	if err != nil {
		return nil, err
	}

	event.Version = currentVersion + 1
	event.CreatedAt = time.Now()

	query := `
		INSERT INTO events (` + eventColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at`

	err = r.db.QueryRow(ctx, query,
		event.ID,
		event.AggregateType,
		event.AggregateID,
		event.EventType,
		event.EventData,
		event.EventMetadata,
		event.CreatedAt,
		event.Version,
	).Scan(&event.ID, &event.CreatedAt)
	if err != nil {
		if uniqueViolation(err) {
			return nil, fmt.Errorf("event version %d %w", event.Version, domain.ErrConflict)
		}
		return nil, fmt.Errorf("failed to append event: %w", err)
	}

	return event, nil
}

// GetEventsByAggregate retrieves all events for a specific aggregate
func (r *eventsRepo) GetEventsByAggregate(ctx context.Context, aggregateType domain.AggregateType, aggregateID uuid.UUID) ([]*domain.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE aggregate_type = $1 AND aggregate_id = $2 ORDER BY version ASC`
	return r.query(ctx, query, string(aggregateType), aggregateID)
}

// GetEventsByType retrieves events by event type
func (r *eventsRepo) GetEventsByType(ctx context.Context, eventType domain.EventType, limit int, offset int) ([]*domain.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE event_type = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	return r.query(ctx, query, string(eventType), limit, offset)
}

func (r *eventsRepo) getCurrentVersion(ctx context.Context, aggregateType string, aggregateID uuid.UUID) (int, error) {
	query := `
		SELECT COALESCE(MAX(version), 0)
		FROM events
		WHERE aggregate_type = $1 AND aggregate_id = $2`

	var version int
	if err := r.db.QueryRow(ctx, query, aggregateType, aggregateID).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get current version: %w", err)
	}
	return version, nil
}

func (r *eventsRepo) query(ctx context.Context, query string, args ...any) ([]*domain.Event, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	var events []*domain.Event
	for rows.Next() {
		var event domain.Event
		var eventMetadata []byte

		err := rows.Scan(
			&event.ID,
			&event.AggregateType,
			&event.AggregateID,
			&event.EventType,
			&event.EventData,
			&eventMetadata,
			&event.CreatedAt,
			&event.Version,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if len(eventMetadata) > 0 {
			event.EventMetadata = eventMetadata
		}
		events = append(events, &event)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}
