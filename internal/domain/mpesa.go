package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MpesaKind is the Daraja API a transaction went through.
type MpesaKind string

const (
	MpesaSTKPush MpesaKind = "stk_push"
	MpesaB2C     MpesaKind = "b2c"
	MpesaC2B     MpesaKind = "c2b"
)

// MpesaPurpose links a transaction to the business flow that created it.
type MpesaPurpose string

const (
	PurposeLoanRepayment    MpesaPurpose = "loan_repayment"
	PurposeLoanDisbursement MpesaPurpose = "loan_disbursement"
	PurposeGrantPayment     MpesaPurpose = "grant_payment"
	PurposePaybill          MpesaPurpose = "paybill"
)

// MpesaStatus is the reconciliation state of a transaction.
type MpesaStatus string

const (
	MpesaPending   MpesaStatus = "pending"
	MpesaSuccess   MpesaStatus = "success"
	MpesaFailed    MpesaStatus = "failed"
	// MpesaUnmatched money arrived but could not be tied to a loan.
	MpesaUnmatched MpesaStatus = "unmatched"
)

// MpesaTransaction records one M-Pesa request and its callback.
type MpesaTransaction struct {
	ID                       uuid.UUID       `json:"id" db:"id"`
	Kind                     MpesaKind       `json:"kind" db:"kind"`
	Purpose                  MpesaPurpose    `json:"purpose" db:"purpose"`
	LoanID                   *uuid.UUID      `json:"loan_id,omitempty" db:"loan_id"`
	GrantID                  *uuid.UUID      `json:"grant_id,omitempty" db:"grant_id"`
	UserID                   *uuid.UUID      `json:"user_id,omitempty" db:"user_id"`
	Phone                    string          `json:"phone" db:"phone"`
	Amount                   float64         `json:"amount" db:"amount"`
	MerchantRequestID        string          `json:"merchant_request_id,omitempty" db:"merchant_request_id"`
	CheckoutRequestID        string          `json:"checkout_request_id,omitempty" db:"checkout_request_id"`
	ConversationID           string          `json:"conversation_id,omitempty" db:"conversation_id"`
	OriginatorConversationID string          `json:"originator_conversation_id,omitempty" db:"originator_conversation_id"`
	ReceiptNumber            string          `json:"receipt_number,omitempty" db:"receipt_number"`
	BillRefNumber            string          `json:"bill_ref_number,omitempty" db:"bill_ref_number"`
	Status                   MpesaStatus     `json:"status" db:"status"`
	ResultCode               *int            `json:"result_code,omitempty" db:"result_code"`
	ResultDesc               string          `json:"result_desc,omitempty" db:"result_desc"`
	RawCallback              json.RawMessage `json:"-" db:"raw_callback"`
	CreatedAt                time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt                time.Time       `json:"updated_at" db:"updated_at"`
}

// RepaymentResponse is the borrower's view of a repayment request. Daraja
// request ids are kept server side.
type RepaymentResponse struct {
	TransactionID uuid.UUID   `json:"transaction_id"`
	LoanID        *uuid.UUID  `json:"loan_id,omitempty"`
	Phone         string      `json:"phone"`
	Amount        float64     `json:"amount"`
	Status        MpesaStatus `json:"status"`
	CreatedAt     time.Time   `json:"created_at"`
}

// ToRepaymentResponse converts a transaction to a RepaymentResponse.
func (t *MpesaTransaction) ToRepaymentResponse() RepaymentResponse {
	return RepaymentResponse{
		TransactionID: t.ID,
		LoanID:        t.LoanID,
		Phone:         t.Phone,
		Amount:        t.Amount,
		Status:        t.Status,
		CreatedAt:     t.CreatedAt,
	}
}

// MpesaResult is the outcome written back to a pending transaction.
type MpesaResult struct {
	Status        MpesaStatus
	ResultCode    int
	ResultDesc    string
	ReceiptNumber string
	Phone         string
	Raw           json.RawMessage
}

// MpesaFilter represents filters for transaction listings.
type MpesaFilter struct {
	Kind    *MpesaKind
	Status  *MpesaStatus
	LoanID  *uuid.UUID
	GrantID *uuid.UUID
	Limit   int
	Offset  int
}

// RepayRequest starts an STK push repayment.
type RepayRequest struct {
	Amount float64 `json:"amount"`
	Phone  string  `json:"phone,omitempty"`
}

// Validate validates the repayment request.
func (r *RepayRequest) Validate() error {
	if r.Amount < 1 {
		return fmt.Errorf("amount: must be at least 1")
	}
	if r.Amount != float64(int64(r.Amount)) {
		return fmt.Errorf("amount: must be a whole number")
	}
	if r.Phone != "" {
		if err := validatePhone(r.Phone); err != nil {
			return fmt.Errorf("phone: %w", err)
		}
	}
	return nil
}
