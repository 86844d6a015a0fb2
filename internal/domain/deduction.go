package domain

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// DeductionType says where a balance reduction came from.
type DeductionType string

const (
	DeductionPayroll DeductionType = "payroll"
	DeductionManual  DeductionType = "manual"
	DeductionMpesa   DeductionType = "mpesa"
)

// Deduction is a recorded reduction of a loan balance.
type Deduction struct {
	ID            uuid.UUID     `json:"id" db:"id"`
	LoanID        uuid.UUID     `json:"loan_id" db:"loan_id"`
	UserID        uuid.UUID     `json:"user_id" db:"user_id"`
	Amount        float64       `json:"amount" db:"amount"`
	Type          DeductionType `json:"type" db:"type"`
	Reference     string        `json:"reference" db:"reference"`
	Period        string        `json:"period" db:"period"`
	BalanceBefore float64       `json:"balance_before" db:"balance_before"`
	BalanceAfter  float64       `json:"balance_after" db:"balance_after"`
	CreatedBy     *uuid.UUID    `json:"created_by,omitempty" db:"created_by"`
	CreatedAt     time.Time     `json:"created_at" db:"created_at"`
}

// DeductionFilter represents filters for deduction queries.
type DeductionFilter struct {
	LoanID *uuid.UUID
	UserID *uuid.UUID
	Type   *DeductionType
	Period string
	Limit  int
	Offset int
}

var periodRegex = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)

// ManualDeductionRequest records a deduction entered by an admin.
type ManualDeductionRequest struct {
	LoanID    uuid.UUID `json:"loan_id"`
	Amount    float64   `json:"amount"`
	Reference string    `json:"reference"`
	Period    string    `json:"period,omitempty"`
}

// Validate validates the manual deduction.
func (r *ManualDeductionRequest) Validate() error {
	if r.LoanID == uuid.Nil {
		return fmt.Errorf("loan_id: loan is required")
	}
	if err := validateAmount(r.Amount); err != nil {
		return fmt.Errorf("amount: %w", err)
	}
	if r.Reference == "" {
		return fmt.Errorf("reference: reference is required")
	}
	if r.Period != "" && !periodRegex.MatchString(r.Period) {
		return fmt.Errorf("period: must be YYYY-MM")
	}
	return nil
}

// PayrollRunRequest triggers payroll deductions for a period.
type PayrollRunRequest struct {
	Period string `json:"period"`
}

// Validate validates the payroll run request.
func (r *PayrollRunRequest) Validate() error {
	if !periodRegex.MatchString(r.Period) {
		return fmt.Errorf("period: must be YYYY-MM")
	}
	return nil
}

// PayrollRunResult summarises a payroll deduction batch.
type PayrollRunResult struct {
	Period      string  `json:"period"`
	Processed   int     `json:"processed"`
	Skipped     int     `json:"skipped"`
	Failed      int     `json:"failed"`
	Repaid      int     `json:"repaid"`
	TotalAmount float64 `json:"total_amount"`
}

// Period formats t as YYYY-MM.
func Period(t time.Time) string {
	return t.Format("2006-01")
}

// PeriodEnd returns the last day of a YYYY-MM period.
func PeriodEnd(period string) (time.Time, error) {
	t, err := time.Parse("2006-01", period)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid period %q", ErrValidation, period)
	}
	return MonthEnd(t, 0), nil
}
