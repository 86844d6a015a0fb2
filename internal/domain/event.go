package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is an append-only record of something that happened to an aggregate.
// Loan and grant timelines are read from these.
type Event struct {
	ID            uuid.UUID `json:"id" db:"id"`
	AggregateType string    `json:"aggregate_type" db:"aggregate_type"`
	AggregateID   uuid.UUID `json:"aggregate_id" db:"aggregate_id"`
	EventType     string    `json:"event_type" db:"event_type"`
	EventData     []byte    `json:"event_data" db:"event_data"`
	EventMetadata []byte    `json:"event_metadata,omitempty" db:"event_metadata"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	Version       int       `json:"version" db:"version"`
}

// AggregateType defines valid aggregate types
type AggregateType string

const (
	AggregateUser  AggregateType = "user"
	AggregateLoan  AggregateType = "loan"
	AggregateGrant AggregateType = "grant"
)

// Event Types
type EventType string

const (
	EventUserRegistered EventType = "UserRegistered"

	EventLoanApplied            EventType = "LoanApplied"
	EventGuarantorAccepted      EventType = "GuarantorAccepted"
	EventGuarantorDeclined      EventType = "GuarantorDeclined"
	EventLoanSubmitted          EventType = "LoanSubmittedForApproval"
	EventLoanApproved           EventType = "LoanApproved"
	EventLoanRejected           EventType = "LoanRejected"
	EventLoanCanceled           EventType = "LoanCanceled"
	EventLoanDisbursed          EventType = "LoanDisbursed"
	EventLoanDisbursementFailed EventType = "LoanDisbursementFailed"
	EventDeductionRecorded      EventType = "DeductionRecorded"
	EventRepaymentFailed        EventType = "RepaymentFailed"
	EventLoanRepaid             EventType = "LoanRepaid"
	EventLoanDefaulted          EventType = "LoanDefaulted"
	EventLoanCompleted          EventType = "LoanCompleted"

	EventGrantApplied       EventType = "GrantApplied"
	EventGrantApproved      EventType = "GrantApproved"
	EventGrantRejected      EventType = "GrantRejected"
	EventGrantCancelled     EventType = "GrantCancelled"
	EventGrantPaid          EventType = "GrantPaid"
	EventGrantPaymentFailed EventType = "GrantPaymentFailed"
)

// LoanEventData is the payload carried by loan lifecycle events.
type LoanEventData struct {
	LoanID      uuid.UUID  `json:"loan_id"`
	LoanNumber  string     `json:"loan_number"`
	UserID      uuid.UUID  `json:"user_id"`
	From        LoanStatus `json:"from,omitempty"`
	To          LoanStatus `json:"to,omitempty"`
	Amount      float64    `json:"amount,omitempty"`
	Balance     float64    `json:"balance,omitempty"`
	ActorID     *uuid.UUID `json:"actor_id,omitempty"`
	GuarantorID *uuid.UUID `json:"guarantor_id,omitempty"`
	Reference   string     `json:"reference,omitempty"`
	Reason      string     `json:"reason,omitempty"`
}

// GrantEventData is the payload carried by grant lifecycle events.
type GrantEventData struct {
	GrantID     uuid.UUID   `json:"grant_id"`
	GrantNumber string      `json:"grant_number"`
	UserID      uuid.UUID   `json:"user_id"`
	From        GrantStatus `json:"from,omitempty"`
	To          GrantStatus `json:"to,omitempty"`
	Amount      float64     `json:"amount,omitempty"`
	ActorID     *uuid.UUID  `json:"actor_id,omitempty"`
	Reference   string      `json:"reference,omitempty"`
	Reason      string      `json:"reason,omitempty"`
}

// UserRegisteredEvent represents a user registration event
type UserRegisteredEvent struct {
	UserID         uuid.UUID `json:"user_id"`
	EmployeeNumber string    `json:"employee_number"`
	Email          string    `json:"email"`
	Role           string    `json:"role"`
}

// EventMetadata represents optional event metadata
type EventMetadata struct {
	CorrelationID string                 `json:"correlation_id,omitempty"`
	UserAgent     string                 `json:"user_agent,omitempty"`
	IP            string                 `json:"ip,omitempty"`
	Extra         map[string]interface{} `json:"extra,omitempty"`
}

// NewEvent creates a new event
func NewEvent(aggregateType AggregateType, aggregateID uuid.UUID, eventType EventType, eventData interface{}, metadata *EventMetadata) (*Event, error) {
	eventDataBytes, err := json.Marshal(eventData)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event data: %w", err)
	}

	var metadataBytes []byte
	if metadata != nil {
		metadataBytes, err = json.Marshal(metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event metadata: %w", err)
		}
	}

	return &Event{
		ID:            uuid.New(),
		AggregateType: string(aggregateType),
		AggregateID:   aggregateID,
		EventType:     string(eventType),
		EventData:     eventDataBytes,
		EventMetadata: metadataBytes,
		CreatedAt:     time.Now(),
		Version:       1, // set by the repository
	}, nil
}

// UnmarshalData deserializes the event data into the provided interface
func (e *Event) UnmarshalData(target interface{}) error {
	return json.Unmarshal(e.EventData, target)
}

// TimelineEntry is an event rendered for API consumers.
type TimelineEntry struct {
	EventType string          `json:"event_type"`
	Version   int             `json:"version"`
	Data      json.RawMessage `json:"data"`
	At        time.Time       `json:"at"`
}

// ToTimelineEntry converts an event for a timeline response.
func (e *Event) ToTimelineEntry() TimelineEntry {
	return TimelineEntry{
		EventType: e.EventType,
		Version:   e.Version,
		Data:      json.RawMessage(e.EventData),
		At:        e.CreatedAt,
	}
}
