package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const abandonTimeout = 10 * time.Second

// Sender delivers send_email and send_sms jobs.
type Sender interface {
	Send(ctx context.Context, job *Job) error
}

// Disburser submits a pending B2C payout. AbandonPayout fails a payout that
// was never accepted by M-Pesa so it can be retried.
type Disburser interface {
	Disburse(ctx context.Context, transactionID uuid.UUID) error
	AbandonPayout(ctx context.Context, transactionID uuid.UUID, reason string) error
}

// SendHandler adapts a Sender.
func SendHandler(s Sender) Handler {
	return s.Send
}

// DisburseHandler decodes a DisbursePayload and submits the payout. When the
// last attempt fails the payout is abandoned.
func DisburseHandler(d Disburser) Handler {
	return func(ctx context.Context, job *Job) error {
		var p DisbursePayload
		if err := job.Decode(&p); err != nil {
			return Permanent(err)
		}
		if p.TransactionID == uuid.Nil {
			return Permanent(fmt.Errorf("%s job without transaction id", job.Type))
		}
		err := d.Disburse(ctx, p.TransactionID)
		if err == nil || IsPermanent(err) || job.MaxAttempts <= 0 || job.Attempts < job.MaxAttempts {
			return err
		}

		// the job context may already be past its deadline
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abandonTimeout)
		defer cancel()
		if aerr := d.AbandonPayout(actx, p.TransactionID, err.Error()); aerr != nil {
			return Permanent(errors.Join(err, aerr))
		}
		return Permanent(err)
	}
}
