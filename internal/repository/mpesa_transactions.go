package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/domain"
)

type mpesaTransactionsRepo struct {
	db Querier
}

// NewMpesaTransactionsRepo creates a new M-Pesa transactions repository.
func NewMpesaTransactionsRepo(db Querier) MpesaTransactionsRepo {
	return &mpesaTransactionsRepo{db: db}
}

const mpesaColumns = `id, kind, purpose, loan_id, grant_id, user_id, phone, amount, merchant_request_id,
	checkout_request_id, conversation_id, originator_conversation_id, receipt_number, bill_ref_number,
	status, result_code, result_desc, raw_callback, created_at, updated_at`

func scanMpesa(row scanner) (*domain.MpesaTransaction, error) {
	var t domain.MpesaTransaction
	var raw []byte
	err := row.Scan(
		&t.ID, &t.Kind, &t.Purpose, &t.LoanID, &t.GrantID, &t.UserID, &t.Phone, &t.Amount, &t.MerchantRequestID,
		&t.CheckoutRequestID, &t.ConversationID, &t.OriginatorConversationID, &t.ReceiptNumber, &t.BillRefNumber,
		&t.Status, &t.ResultCode, &t.ResultDesc, &raw, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.RawCallback = raw
	return &t, nil
}

func (r *mpesaTransactionsRepo) Create(ctx context.Context, t *domain.MpesaTransaction) error {
	now := time.Now()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Status == "" {
		t.Status = domain.MpesaPending
	}
	t.CreatedAt, t.UpdatedAt = now, now

	var raw []byte
	if len(t.RawCallback) > 0 {
		raw = t.RawCallback
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO mpesa_transactions (`+mpesaColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		t.ID, t.Kind, t.Purpose, t.LoanID, t.GrantID, t.UserID, t.Phone, t.Amount, t.MerchantRequestID,
		t.CheckoutRequestID, t.ConversationID, t.OriginatorConversationID, t.ReceiptNumber, t.BillRefNumber,
		t.Status, t.ResultCode, t.ResultDesc, raw, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if uniqueViolation(err) {
			return fmt.Errorf("mpesa transaction %w: duplicate request or receipt", domain.ErrConflict)
		}
		return fmt.Errorf("failed to create mpesa transaction: %w", err)
	}
	return nil
}

func (r *mpesaTransactionsRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.MpesaTransaction, error) {
	t, err := scanMpesa(r.db.QueryRow(ctx, `SELECT `+mpesaColumns+` FROM mpesa_transactions WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "mpesa transaction")
	}
	return t, nil
}

// GetByCheckoutRequestID row-locks the STK push transaction.
func (r *mpesaTransactionsRepo) GetByCheckoutRequestID(ctx context.Context, checkoutID string) (*domain.MpesaTransaction, error) {
	query := `SELECT ` + mpesaColumns + ` FROM mpesa_transactions WHERE kind = 'stk_push' AND checkout_request_id = $1 FOR UPDATE`
	t, err := scanMpesa(r.db.QueryRow(ctx, query, checkoutID))
	if err != nil {
		return nil, notFound(err, "mpesa transaction")
	}
	return t, nil
}

// GetByConversationID matches either conversation id of a B2C request and row-locks.
func (r *mpesaTransactionsRepo) GetByConversationID(ctx context.Context, conversationID, originatorID string) (*domain.MpesaTransaction, error) {
	query := `
		SELECT ` + mpesaColumns + ` FROM mpesa_transactions
		WHERE kind = 'b2c'
			AND ((conversation_id <> '' AND conversation_id = $1)
				OR (originator_conversation_id <> '' AND originator_conversation_id = $2))
		ORDER BY created_at DESC
		LIMIT 1
		FOR UPDATE`
	t, err := scanMpesa(r.db.QueryRow(ctx, query, conversationID, originatorID))
	if err != nil {
		return nil, notFound(err, "mpesa transaction")
	}
	return t, nil
}

func (r *mpesaTransactionsRepo) GetByReceipt(ctx context.Context, receipt string) (*domain.MpesaTransaction, error) {
	t, err := scanMpesa(r.db.QueryRow(ctx, `SELECT `+mpesaColumns+` FROM mpesa_transactions WHERE receipt_number = $1`, receipt))
	if err != nil {
		return nil, notFound(err, "mpesa transaction")
	}
	return t, nil
}

// SetRequestIDs stores the ids Daraja returned when it accepted the request.
func (r *mpesaTransactionsRepo) SetRequestIDs(ctx context.Context, t *domain.MpesaTransaction) error {
	t.UpdatedAt = time.Now()
	_, err := r.db.Exec(ctx, `
		UPDATE mpesa_transactions
		SET merchant_request_id = $2, checkout_request_id = $3, conversation_id = $4,
			originator_conversation_id = $5, updated_at = $6
		WHERE id = $1`,
		t.ID, t.MerchantRequestID, t.CheckoutRequestID, t.ConversationID, t.OriginatorConversationID, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store mpesa request ids: %w", err)
	}
	return nil
}

// Complete writes the outcome if the row is still pending. A second
// callback for the same request returns ErrInvalidTransition.
func (r *mpesaTransactionsRepo) Complete(ctx context.Context, id uuid.UUID, res domain.MpesaResult) error {
	var raw []byte
	if len(res.Raw) > 0 {
		raw = res.Raw
	}
	result, err := r.db.Exec(ctx, `
		UPDATE mpesa_transactions
		SET status = $2, result_code = $3, result_desc = $4,
			receipt_number = CASE WHEN $5 = '' THEN receipt_number ELSE $5 END,
			phone = CASE WHEN $6 = '' THEN phone ELSE $6 END,
			raw_callback = $7, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`,
		id, res.Status, res.ResultCode, res.ResultDesc, res.ReceiptNumber, res.Phone, raw,
	)
	if err != nil {
		if uniqueViolation(err) {
			return fmt.Errorf("mpesa receipt %s %w", res.ReceiptNumber, domain.ErrConflict)
		}
		return fmt.Errorf("failed to complete mpesa transaction: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("mpesa transaction %w: already completed", domain.ErrInvalidTransition)
	}
	return nil
}

func mpesaFilter(f *domain.MpesaFilter) *filter {
	b := &filter{}
	if f == nil {
		return b
	}
	if f.Kind != nil {
		b.add("kind = $%d", *f.Kind)
	}
	if f.Status != nil {
		b.add("status = $%d", *f.Status)
	}
	if f.LoanID != nil {
		b.add("loan_id = $%d", *f.LoanID)
	}
	if f.GrantID != nil {
		b.add("grant_id = $%d", *f.GrantID)
	}
	return b
}

func (r *mpesaTransactionsRepo) List(ctx context.Context, f *domain.MpesaFilter) ([]*domain.MpesaTransaction, error) {
	b := mpesaFilter(f)
	limit, offset := 0, 0
	if f != nil {
		limit, offset = f.Limit, f.Offset
	}
	return r.query(ctx, `SELECT `+mpesaColumns+` FROM mpesa_transactions`+b.where()+` ORDER BY created_at DESC`+b.page(limit, offset), b.args...)
}

func (r *mpesaTransactionsRepo) Count(ctx context.Context, f *domain.MpesaFilter) (int, error) {
	b := mpesaFilter(f)
	var count int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM mpesa_transactions`+b.where(), b.args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count mpesa transactions: %w", err)
	}
	return count, nil
}

// ListStalePending returns pending rows of kind created before olderThan,
// oldest first.
func (r *mpesaTransactionsRepo) ListStalePending(ctx context.Context, kind domain.MpesaKind, olderThan time.Time, limit int) ([]*domain.MpesaTransaction, error) {
	query := `
		SELECT ` + mpesaColumns + ` FROM mpesa_transactions
		WHERE kind = $1 AND status = 'pending' AND created_at < $2
		ORDER BY created_at
		LIMIT $3`
	return r.query(ctx, query, kind, olderThan, limit)
}

// ListUnsubmitted returns pending B2C rows without a conversation id created
// before olderThan, oldest first.
func (r *mpesaTransactionsRepo) ListUnsubmitted(ctx context.Context, olderThan time.Time, limit int) ([]*domain.MpesaTransaction, error) {
	query := `
		SELECT ` + mpesaColumns + ` FROM mpesa_transactions
		WHERE kind = 'b2c' AND status = 'pending' AND conversation_id = '' AND created_at < $1
		ORDER BY created_at
		LIMIT $2`
	return r.query(ctx, query, olderThan, limit)
}

// FailUnsubmitted marks the loan or grant's pending B2C rows that never got a
// conversation id as failed.
func (r *mpesaTransactionsRepo) FailUnsubmitted(ctx context.Context, purpose domain.MpesaPurpose, refID uuid.UUID, olderThan time.Time, desc string) (int64, error) {
	result, err := r.db.Exec(ctx, `
		UPDATE mpesa_transactions
		SET status = 'failed', result_code = -1, result_desc = $4, updated_at = NOW()
		WHERE kind = 'b2c' AND purpose = $1 AND status = 'pending' AND conversation_id = ''
			AND (loan_id = $2 OR grant_id = $2) AND created_at < $3`,
		purpose, refID, olderThan, desc,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to fail unsubmitted payouts: %w", err)
	}
	return result.RowsAffected(), nil
}

// HasPending reports whether a payout is already in flight for the loan or grant.
func (r *mpesaTransactionsRepo) HasPending(ctx context.Context, purpose domain.MpesaPurpose, refID uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM mpesa_transactions
			WHERE purpose = $1 AND status = 'pending' AND (loan_id = $2 OR grant_id = $2)
		)`, purpose, refID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check pending mpesa transactions: %w", err)
	}
	return exists, nil
}

func (r *mpesaTransactionsRepo) query(ctx context.Context, query string, args ...any) ([]*domain.MpesaTransaction, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list mpesa transactions: %w", err)
	}
	defer rows.Close()

	var out []*domain.MpesaTransaction
	for rows.Next() {
		t, err := scanMpesa(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mpesa transaction: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate mpesa transactions: %w", err)
	}
	return out, nil
}
