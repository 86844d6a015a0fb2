package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GuarantorStatus is a guarantor's answer to a loan request.
type GuarantorStatus string

const (
	GuarantorPending  GuarantorStatus = "pending"
	GuarantorAccepted GuarantorStatus = "accepted"
	GuarantorDeclined GuarantorStatus = "declined"
	// GuarantorReleased liability ends when the loan is repaid, rejected or canceled.
	GuarantorReleased GuarantorStatus = "released"
)

// Guarantor is a co-employee asked to share liability for a loan.
type Guarantor struct {
	ID              uuid.UUID       `json:"id" db:"id"`
	LoanID          uuid.UUID       `json:"loan_id" db:"loan_id"`
	GuarantorUserID uuid.UUID       `json:"guarantor_user_id" db:"guarantor_user_id"`
	GuarantorName   string          `json:"guarantor_name,omitempty" db:"-"`
	Status          GuarantorStatus `json:"status" db:"status"`
	LiabilityAmount float64         `json:"liability_amount" db:"liability_amount"`
	DeclineReason   string          `json:"decline_reason,omitempty" db:"decline_reason"`
	RespondedAt     *time.Time      `json:"responded_at,omitempty" db:"responded_at"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// GuaranteeRequest is a guarantor row joined with its loan, shown to the
// guarantor.
type GuaranteeRequest struct {
	Guarantor
	LoanNumber    string     `json:"loan_number"`
	LoanStatus    LoanStatus `json:"loan_status"`
	ApplicantName string     `json:"applicant_name"`
	Principal     float64    `json:"principal"`
	TenureMonths  int        `json:"tenure_months"`
}

// GuarantorResponseRequest is an accept or decline.
type GuarantorResponseRequest struct {
	Action string `json:"action"`
	Reason string `json:"reason,omitempty"`
}

// Accepted reports whether the action accepts the guarantee.
func (r *GuarantorResponseRequest) Accepted() bool {
	return r.Action == "accept"
}

// Validate validates the guarantor response.
func (r *GuarantorResponseRequest) Validate() error {
	switch r.Action {
	case "accept":
	case "decline":
		if strings.TrimSpace(r.Reason) == "" {
			return fmt.Errorf("reason: reason is required when declining")
		}
	default:
		return fmt.Errorf("action: must be 'accept' or 'decline'")
	}
	if len(r.Reason) > 500 {
		return fmt.Errorf("reason: must be at most 500 characters")
	}
	return nil
}

// SplitLiability divides principal across n guarantors, the last one taking
// the rounding remainder.
func SplitLiability(principal float64, n int) []float64 {
	if n <= 0 {
		return nil
	}
	share := RoundMoney(principal / float64(n))
	out := make([]float64, n)
	var assigned float64
	for i := 0; i < n-1; i++ {
		out[i] = share
		assigned += share
	}
	out[n-1] = RoundMoney(principal - assigned)
	return out
}
