// Package worker provides asynchronous job processing for notification
// delivery and M-Pesa payouts, plus the periodic payroll and reconciliation
// loops.
package worker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobType defines the type of background job.
type JobType string

const (
	// JobSendEmail delivers one email.
	JobSendEmail JobType = "send_email"
	// JobSendSMS delivers one SMS.
	JobSendSMS JobType = "send_sms"
	// JobB2CDisburse submits a pending B2C transaction to M-Pesa.
	JobB2CDisburse JobType = "mpesa_b2c_disburse"
)

// Job is a unit of work for the pool.
type Job struct {
	ID          uuid.UUID       `json:"id"`
	Type        JobType         `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	CreatedAt   time.Time       `json:"created_at"`
}

// EmailPayload is the payload of a send_email job.
type EmailPayload struct {
	UserID  uuid.UUID `json:"user_id"`
	To      string    `json:"to"`
	Subject string    `json:"subject"`
	Body    string    `json:"body"`
}

// SMSPayload is the payload of a send_sms job.
type SMSPayload struct {
	UserID  uuid.UUID `json:"user_id"`
	Phone   string    `json:"phone"`
	Message string    `json:"message"`
}

// DisbursePayload is the payload of an mpesa_b2c_disburse job.
type DisbursePayload struct {
	TransactionID uuid.UUID `json:"transaction_id"`
}

// NewJob creates a job with a unique ID and the payload encoded as JSON.
func NewJob(jobType JobType, payload any) (*Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", jobType, err)
	}
	return &Job{
		ID:        uuid.New(),
		Type:      jobType,
		Payload:   raw,
		CreatedAt: time.Now(),
	}, nil
}

// Decode unmarshals the job payload into dest.
func (j *Job) Decode(dest any) error {
	if err := json.Unmarshal(j.Payload, dest); err != nil {
		return fmt.Errorf("invalid %s payload: %w", j.Type, err)
	}
	return nil
}
