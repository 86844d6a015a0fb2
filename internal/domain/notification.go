package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Channel is a notification delivery medium.
type Channel string

const (
	ChannelInApp Channel = "in_app"
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// NotificationType identifies the template used for a notification.
type NotificationType string

const (
	NotifyLoanApplied        NotificationType = "loan_applied"
	NotifyGuarantorRequest   NotificationType = "guarantor_request"
	NotifyGuarantorAccepted  NotificationType = "guarantor_accepted"
	NotifyGuarantorDeclined  NotificationType = "guarantor_declined"
	NotifyLoanAwaitingReview NotificationType = "loan_awaiting_review"
	NotifyLoanApproved       NotificationType = "loan_approved"
	NotifyLoanRejected       NotificationType = "loan_rejected"
	NotifyLoanCanceled       NotificationType = "loan_canceled"
	NotifyLoanDisbursed      NotificationType = "loan_disbursed"
	NotifyDisbursementFailed NotificationType = "disbursement_failed"
	NotifyDeductionRecorded  NotificationType = "deduction_recorded"
	NotifyPaymentReceived    NotificationType = "payment_received"
	NotifyPaymentFailed      NotificationType = "payment_failed"
	NotifyLoanRepaid         NotificationType = "loan_repaid"
	NotifyLoanDefaulted      NotificationType = "loan_defaulted"
	NotifyGuarantorReleased  NotificationType = "guarantor_released"
	NotifyGrantApplied       NotificationType = "grant_applied"
	NotifyGrantApproved      NotificationType = "grant_approved"
	NotifyGrantRejected      NotificationType = "grant_rejected"
	NotifyGrantPaid          NotificationType = "grant_paid"
	NotifyGrantCancelled     NotificationType = "grant_cancelled"
	NotifyGrantPaymentFailed NotificationType = "grant_payment_failed"
)

// Notification is an in-app message, also the source of email and SMS
// deliveries.
type Notification struct {
	ID        uuid.UUID        `json:"id" db:"id"`
	UserID    uuid.UUID        `json:"user_id" db:"user_id"`
	Type      NotificationType `json:"type" db:"type"`
	Title     string           `json:"title" db:"title"`
	Message   string           `json:"message" db:"message"`
	Data      json.RawMessage  `json:"data,omitempty" db:"data"`
	Channels  []Channel        `json:"channels" db:"channels"`
	ReadAt    *time.Time       `json:"read_at,omitempty" db:"read_at"`
	CreatedAt time.Time        `json:"created_at" db:"created_at"`
}

// NotificationFilter represents filters for notification listings.
type NotificationFilter struct {
	UnreadOnly bool
	Limit      int
	Offset     int
}
