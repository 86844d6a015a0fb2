package domain

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// InterestMethod selects how interest accrues over the tenure.
type InterestMethod string

const (
	// InterestFlat charges interest on the original principal every month.
	InterestFlat InterestMethod = "flat"
	// InterestReducing charges interest on the outstanding balance.
	InterestReducing InterestMethod = "reducing"
)

// LoanType is a loan product configured by admins.
type LoanType struct {
	ID                 uuid.UUID      `json:"id" db:"id"`
	Name               string         `json:"name" db:"name"`
	Description        string         `json:"description" db:"description"`
	InterestRate       float64        `json:"interest_rate" db:"interest_rate"`
	InterestMethod     InterestMethod `json:"interest_method" db:"interest_method"`
	MinAmount          float64        `json:"min_amount" db:"min_amount"`
	MaxAmount          float64        `json:"max_amount" db:"max_amount"`
	MaxTenureMonths    int            `json:"max_tenure_months" db:"max_tenure_months"`
	RequiredGuarantors int            `json:"required_guarantors" db:"required_guarantors"`
	Active             bool           `json:"active" db:"active"`
	CreatedAt          time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at" db:"updated_at"`
}

// LoanStatus is the lifecycle state of a loan.
type LoanStatus string

const (
	// LoanPending waits for guarantors.
	LoanPending LoanStatus = "pending"
	// LoanProcessing has all guarantors and waits for an admin.
	LoanProcessing LoanStatus = "processing"
	// LoanApproved is approved and disbursed or awaiting disbursement.
	LoanApproved  LoanStatus = "approved"
	LoanRejected  LoanStatus = "rejected"
	LoanCanceled  LoanStatus = "canceled"
	LoanRepaid    LoanStatus = "repaid"
	LoanDefaulted LoanStatus = "defaulted"
	// LoanCompleted is closed by an admin.
	LoanCompleted LoanStatus = "completed"
)

var loanTransitions = map[LoanStatus][]LoanStatus{
	LoanPending:    {LoanProcessing, LoanRejected, LoanCanceled},
	LoanProcessing: {LoanApproved, LoanRejected, LoanCanceled},
	LoanApproved:   {LoanRepaid, LoanDefaulted},
	LoanDefaulted:  {LoanRepaid, LoanCompleted},
	LoanRepaid:     {LoanCompleted},
}

// CanTransitionTo reports whether a loan in status s may move to next.
func (s LoanStatus) CanTransitionTo(next LoanStatus) bool {
	for _, allowed := range loanTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions exist.
func (s LoanStatus) IsTerminal() bool {
	return len(loanTransitions[s]) == 0
}

// IsInFlight reports whether the loan still occupies the borrower's limit.
func (s LoanStatus) IsInFlight() bool {
	switch s {
	case LoanPending, LoanProcessing, LoanApproved, LoanDefaulted:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s LoanStatus) Valid() bool {
	switch s {
	case LoanPending, LoanProcessing, LoanApproved, LoanRejected,
		LoanCanceled, LoanRepaid, LoanDefaulted, LoanCompleted:
		return true
	}
	return false
}

// Loan is a payroll-deducted credit extended to an employee.
type Loan struct {
	ID                 uuid.UUID      `json:"id" db:"id"`
	LoanNumber         string         `json:"loan_number" db:"loan_number"`
	UserID             uuid.UUID      `json:"user_id" db:"user_id"`
	LoanTypeID         uuid.UUID      `json:"loan_type_id" db:"loan_type_id"`
	Principal          float64        `json:"principal" db:"principal"`
	InterestRate       float64        `json:"interest_rate" db:"interest_rate"`
	InterestMethod     InterestMethod `json:"interest_method" db:"interest_method"`
	TenureMonths       int            `json:"tenure_months" db:"tenure_months"`
	Installment        float64        `json:"installment" db:"installment"`
	TotalInterest      float64        `json:"total_interest" db:"total_interest"`
	TotalPayable       float64        `json:"total_payable" db:"total_payable"`
	OutstandingBalance float64        `json:"outstanding_balance" db:"outstanding_balance"`
	Status             LoanStatus     `json:"status" db:"status"`
	Purpose            string         `json:"purpose" db:"purpose"`
	RejectionReason    string         `json:"rejection_reason,omitempty" db:"rejection_reason"`
	ApprovedBy         *uuid.UUID     `json:"approved_by,omitempty" db:"approved_by"`
	ApprovedAt         *time.Time     `json:"approved_at,omitempty" db:"approved_at"`
	DisbursedAt        *time.Time     `json:"disbursed_at,omitempty" db:"disbursed_at"`
	NextDueDate        *time.Time     `json:"next_due_date,omitempty" db:"next_due_date"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt          time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at" db:"updated_at"`
}

// IsActive reports whether the loan is being repaid.
func (l *Loan) IsActive() bool {
	return (l.Status == LoanApproved || l.Status == LoanDefaulted) && l.OutstandingBalance > 0
}

// IsDisbursed reports whether the principal was paid out.
func (l *Loan) IsDisbursed() bool {
	return l.DisbursedAt != nil
}

// AmountPaid is what has been deducted or repaid so far.
func (l *Loan) AmountPaid() float64 {
	return RoundMoney(l.TotalPayable - l.OutstandingBalance)
}

// LoanDetail is a loan with its type and guarantors for API responses.
type LoanDetail struct {
	Loan
	LoanTypeName string      `json:"loan_type_name"`
	Applicant    string      `json:"applicant,omitempty"`
	AmountPaid   float64     `json:"amount_paid"`
	Guarantors   []Guarantor `json:"guarantors"`
}

// LoanFilter represents filters for loan queries.
type LoanFilter struct {
	UserID     *uuid.UUID  `json:"user_id,omitempty"`
	LoanTypeID *uuid.UUID  `json:"loan_type_id,omitempty"`
	Status     *LoanStatus `json:"status,omitempty"`
	From       *time.Time  `json:"from,omitempty"`
	To         *time.Time  `json:"to,omitempty"`
	Limit      int         `json:"limit,omitempty"`
	Offset     int         `json:"offset,omitempty"`
}

// ApplyLoanRequest is an employee's loan application.
type ApplyLoanRequest struct {
	LoanTypeID   uuid.UUID   `json:"loan_type_id"`
	Amount       float64     `json:"amount"`
	TenureMonths int         `json:"tenure_months"`
	Purpose      string      `json:"purpose"`
	GuarantorIDs []uuid.UUID `json:"guarantor_ids"`
}

// Validate validates the application shape. Product rules are checked by
// the loan service.
func (r *ApplyLoanRequest) Validate() error {
	if r.LoanTypeID == uuid.Nil {
		return fmt.Errorf("loan_type_id: loan type is required")
	}
	if err := validateWholeAmount(r.Amount); err != nil {
		return fmt.Errorf("amount: %w", err)
	}
	if r.TenureMonths <= 0 {
		return fmt.Errorf("tenure_months: must be positive")
	}
	if strings.TrimSpace(r.Purpose) == "" {
		return fmt.Errorf("purpose: purpose is required")
	}
	if len(r.Purpose) > 500 {
		return fmt.Errorf("purpose: must be at most 500 characters")
	}
	seen := make(map[uuid.UUID]bool, len(r.GuarantorIDs))
	for _, id := range r.GuarantorIDs {
		if id == uuid.Nil {
			return fmt.Errorf("guarantor_ids: invalid guarantor id")
		}
		if seen[id] {
			return fmt.Errorf("guarantor_ids: duplicate guarantor")
		}
		seen[id] = true
	}
	return nil
}

// CalculateLoanRequest asks for a repayment quote.
type CalculateLoanRequest struct {
	LoanTypeID   uuid.UUID `json:"loan_type_id"`
	Amount       float64   `json:"amount"`
	TenureMonths int       `json:"tenure_months"`
}

// Validate validates the calculator request.
func (r *CalculateLoanRequest) Validate() error {
	if r.LoanTypeID == uuid.Nil {
		return fmt.Errorf("loan_type_id: loan type is required")
	}
	if err := validateAmount(r.Amount); err != nil {
		return fmt.Errorf("amount: %w", err)
	}
	if r.TenureMonths <= 0 || r.TenureMonths > 120 {
		return fmt.Errorf("tenure_months: must be between 1 and 120")
	}
	return nil
}

// ReasonRequest carries a free text reason for rejection or decline.
type ReasonRequest struct {
	Reason string `json:"reason"`
}

// Validate requires a non-empty reason.
func (r *ReasonRequest) Validate() error {
	if strings.TrimSpace(r.Reason) == "" {
		return fmt.Errorf("reason: reason is required")
	}
	if len(r.Reason) > 500 {
		return fmt.Errorf("reason: must be at most 500 characters")
	}
	return nil
}

// LoanLimit is an employee's borrowing capacity.
type LoanLimit struct {
	BasicSalary float64 `json:"basic_salary"`
	Limit       float64 `json:"limit"`
	Outstanding float64 `json:"outstanding"`
	Available   float64 `json:"available"`
	ActiveLoans int     `json:"active_loans"`
}

// CreateLoanTypeRequest creates a loan product.
type CreateLoanTypeRequest struct {
	Name               string         `json:"name"`
	Description        string         `json:"description"`
	InterestRate       float64        `json:"interest_rate"`
	InterestMethod     InterestMethod `json:"interest_method"`
	MinAmount          float64        `json:"min_amount"`
	MaxAmount          float64        `json:"max_amount"`
	MaxTenureMonths    int            `json:"max_tenure_months"`
	RequiredGuarantors int            `json:"required_guarantors"`
}

// Validate validates the loan type request.
func (r *CreateLoanTypeRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("name: name is required")
	}
	if r.InterestRate < 0 || r.InterestRate > 100 {
		return fmt.Errorf("interest_rate: must be between 0 and 100")
	}
	if r.InterestMethod != InterestFlat && r.InterestMethod != InterestReducing {
		return fmt.Errorf("interest_method: must be 'flat' or 'reducing'")
	}
	if r.MinAmount < 0 {
		return fmt.Errorf("min_amount: must not be negative")
	}
	if r.MaxAmount <= 0 || r.MaxAmount < r.MinAmount {
		return fmt.Errorf("max_amount: must be positive and at least min_amount")
	}
	if r.MaxTenureMonths <= 0 || r.MaxTenureMonths > 120 {
		return fmt.Errorf("max_tenure_months: must be between 1 and 120")
	}
	if r.RequiredGuarantors < 0 || r.RequiredGuarantors > 10 {
		return fmt.Errorf("required_guarantors: must be between 0 and 10")
	}
	return nil
}

// UpdateLoanTypeRequest updates a loan product.
type UpdateLoanTypeRequest struct {
	Description        *string  `json:"description,omitempty"`
	InterestRate       *float64 `json:"interest_rate,omitempty"`
	MinAmount          *float64 `json:"min_amount,omitempty"`
	MaxAmount          *float64 `json:"max_amount,omitempty"`
	MaxTenureMonths    *int     `json:"max_tenure_months,omitempty"`
	RequiredGuarantors *int     `json:"required_guarantors,omitempty"`
	Active             *bool    `json:"active,omitempty"`
}

// Validate validates the loan type update.
func (r *UpdateLoanTypeRequest) Validate() error {
	if r.InterestRate != nil && (*r.InterestRate < 0 || *r.InterestRate > 100) {
		return fmt.Errorf("interest_rate: must be between 0 and 100")
	}
	if r.MaxAmount != nil && *r.MaxAmount <= 0 {
		return fmt.Errorf("max_amount: must be positive")
	}
	if r.MinAmount != nil && *r.MinAmount < 0 {
		return fmt.Errorf("min_amount: must not be negative")
	}
	if r.MaxTenureMonths != nil && (*r.MaxTenureMonths <= 0 || *r.MaxTenureMonths > 120) {
		return fmt.Errorf("max_tenure_months: must be between 1 and 120")
	}
	if r.RequiredGuarantors != nil && (*r.RequiredGuarantors < 0 || *r.RequiredGuarantors > 10) {
		return fmt.Errorf("required_guarantors: must be between 0 and 10")
	}
	return nil
}

// Apply copies set fields onto the loan type.
func (r *UpdateLoanTypeRequest) Apply(lt *LoanType) {
	if r.Description != nil {
		lt.Description = *r.Description
	}
	if r.InterestRate != nil {
		lt.InterestRate = *r.InterestRate
	}
	if r.MinAmount != nil {
		lt.MinAmount = *r.MinAmount
	}
	if r.MaxAmount != nil {
		lt.MaxAmount = *r.MaxAmount
	}
	if r.MaxTenureMonths != nil {
		lt.MaxTenureMonths = *r.MaxTenureMonths
	}
	if r.RequiredGuarantors != nil {
		lt.RequiredGuarantors = *r.RequiredGuarantors
	}
	if r.Active != nil {
		lt.Active = *r.Active
	}
}

// DashboardStats summarises the portfolio for admins.
type DashboardStats struct {
	LoansByStatus    map[string]int `json:"loans_by_status"`
	GrantsByStatus   map[string]int `json:"grants_by_status"`
	TotalDisbursed   float64        `json:"total_disbursed"`
	TotalOutstanding float64        `json:"total_outstanding"`
	TotalRepaid      float64        `json:"total_repaid"`
	TotalGrantsPaid  float64        `json:"total_grants_paid"`
	ActiveBorrowers  int            `json:"active_borrowers"`
}

// FormatLoanNumber renders a sequence value as LN-YYYY-NNNNNN.
func FormatLoanNumber(year int, seq int64) string {
	return fmt.Sprintf(loanNumberPrefix+"%d-%06d", year, seq)
}

const loanNumberPrefix = "LN-"

// PaymentReference is the loan number without its prefix. It fits the
// 12 character STK account reference.
func (l *Loan) PaymentReference() string {
	return strings.TrimPrefix(l.LoanNumber, loanNumberPrefix)
}

// LoanNumberFromReference turns a paybill account number into a loan number.
// It accepts either form, in any case.
func LoanNumberFromReference(ref string) string {
	ref = strings.ToUpper(strings.TrimSpace(ref))
	if ref == "" || strings.HasPrefix(ref, loanNumberPrefix) {
		return ref
	}
	return loanNumberPrefix + ref
}

func validateAmount(v float64) error {
	if v <= 0 {
		return fmt.Errorf("amount must be positive")
	}
	if v > 100_000_000 {
		return fmt.Errorf("amount exceeds maximum allowed")
	}
	if RoundMoney(v) != v {
		return fmt.Errorf("amount must have at most 2 decimal places")
	}
	return nil
}

// validateWholeAmount is validateAmount for money paid out over M-Pesa,
// which moves whole shillings only.
func validateWholeAmount(v float64) error {
	if err := validateAmount(v); err != nil {
		return err
	}
	if v != math.Trunc(v) {
		return fmt.Errorf("amount must be a whole number of shillings")
	}
	return nil
}
