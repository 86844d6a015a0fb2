package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GrantType is a grant product, e.g. bereavement or school fees.
type GrantType struct {
	ID                uuid.UUID `json:"id" db:"id"`
	Name              string    `json:"name" db:"name"`
	Description       string    `json:"description" db:"description"`
	MaxAmount         float64   `json:"max_amount" db:"max_amount"`
	RequiresDependant bool      `json:"requires_dependant" db:"requires_dependant"`
	Active            bool      `json:"active" db:"active"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
}

// GrantStatus is the lifecycle state of a grant.
type GrantStatus string

const (
	GrantPending   GrantStatus = "pending"
	GrantApproved  GrantStatus = "approved"
	GrantRejected  GrantStatus = "rejected"
	GrantPaid      GrantStatus = "paid"
	GrantCancelled GrantStatus = "cancelled"
)

var grantTransitions = map[GrantStatus][]GrantStatus{
	GrantPending:  {GrantApproved, GrantRejected, GrantCancelled},
	GrantApproved: {GrantPaid, GrantCancelled},
}

// CanTransitionTo reports whether a grant in status s may move to next.
func (s GrantStatus) CanTransitionTo(next GrantStatus) bool {
	for _, allowed := range grantTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func (s GrantStatus) Valid() bool {
	switch s {
	case GrantPending, GrantApproved, GrantRejected, GrantPaid, GrantCancelled:
		return true
	}
	return false
}

// Grant is a non-repayable disbursement to an employee or a dependant.
type Grant struct {
	ID              uuid.UUID   `json:"id" db:"id"`
	GrantNumber     string      `json:"grant_number" db:"grant_number"`
	UserID          uuid.UUID   `json:"user_id" db:"user_id"`
	GrantTypeID     uuid.UUID   `json:"grant_type_id" db:"grant_type_id"`
	DependantID     *uuid.UUID  `json:"dependant_id,omitempty" db:"dependant_id"`
	Amount          float64     `json:"amount" db:"amount"`
	Reason          string      `json:"reason" db:"reason"`
	Status          GrantStatus `json:"status" db:"status"`
	RejectionReason string      `json:"rejection_reason,omitempty" db:"rejection_reason"`
	ApprovedBy      *uuid.UUID  `json:"approved_by,omitempty" db:"approved_by"`
	ApprovedAt      *time.Time  `json:"approved_at,omitempty" db:"approved_at"`
	PaidAt          *time.Time  `json:"paid_at,omitempty" db:"paid_at"`
	CreatedAt       time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at" db:"updated_at"`
}

// GrantFilter represents filters for grant queries.
type GrantFilter struct {
	UserID      *uuid.UUID
	GrantTypeID *uuid.UUID
	Status      *GrantStatus
	Limit       int
	Offset      int
}

// ApplyGrantRequest is an employee's grant application.
type ApplyGrantRequest struct {
	GrantTypeID uuid.UUID  `json:"grant_type_id"`
	DependantID *uuid.UUID `json:"dependant_id,omitempty"`
	Amount      float64    `json:"amount"`
	Reason      string     `json:"reason"`
}

// Validate validates the grant application shape.
func (r *ApplyGrantRequest) Validate() error {
	if r.GrantTypeID == uuid.Nil {
		return fmt.Errorf("grant_type_id: grant type is required")
	}
	if err := validateWholeAmount(r.Amount); err != nil {
		return fmt.Errorf("amount: %w", err)
	}
	if strings.TrimSpace(r.Reason) == "" {
		return fmt.Errorf("reason: reason is required")
	}
	if len(r.Reason) > 1000 {
		return fmt.Errorf("reason: must be at most 1000 characters")
	}
	return nil
}

// CreateGrantTypeRequest creates a grant product.
type CreateGrantTypeRequest struct {
	Name              string  `json:"name"`
	Description       string  `json:"description"`
	MaxAmount         float64 `json:"max_amount"`
	RequiresDependant bool    `json:"requires_dependant"`
}

// Validate validates the grant type request.
func (r *CreateGrantTypeRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("name: name is required")
	}
	if err := validateWholeAmount(r.MaxAmount); err != nil {
		return fmt.Errorf("max_amount: %w", err)
	}
	return nil
}

// FormatGrantNumber renders a sequence value as GR-YYYY-NNNNNN.
func FormatGrantNumber(year int, seq int64) string {
	return fmt.Sprintf("GR-%d-%06d", year, seq)
}
