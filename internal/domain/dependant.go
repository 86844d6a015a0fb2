package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Dependant is a family member an employee can claim a grant for.
type Dependant struct {
	ID           uuid.UUID  `json:"id" db:"id"`
	UserID       uuid.UUID  `json:"user_id" db:"user_id"`
	Name         string     `json:"name" db:"name"`
	Relationship string     `json:"relationship" db:"relationship"`
	Phone        string     `json:"phone,omitempty" db:"phone"`
	DateOfBirth  *time.Time `json:"date_of_birth,omitempty" db:"date_of_birth"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
}

var relationships = map[string]bool{
	"spouse":  true,
	"child":   true,
	"parent":  true,
	"sibling": true,
}

// CreateDependantRequest adds a dependant to the caller's profile.
type CreateDependantRequest struct {
	Name         string     `json:"name"`
	Relationship string     `json:"relationship"`
	Phone        string     `json:"phone,omitempty"`
	DateOfBirth  *time.Time `json:"date_of_birth,omitempty"`
}

// Validate validates the dependant request.
func (r *CreateDependantRequest) Validate() error {
	if err := validateName(r.Name); err != nil {
		return fmt.Errorf("name: %w", err)
	}
	if !relationships[r.Relationship] {
		return fmt.Errorf("relationship: must be one of spouse, child, parent, sibling")
	}
	if r.Phone != "" {
		if err := validatePhone(r.Phone); err != nil {
			return fmt.Errorf("phone: %w", err)
		}
	}
	if r.DateOfBirth != nil && r.DateOfBirth.After(time.Now()) {
		return fmt.Errorf("date_of_birth: must be in the past")
	}
	return nil
}
