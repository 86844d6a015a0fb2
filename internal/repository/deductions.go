package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/domain"
)

type deductionsRepo struct {
	db Querier
}

// NewDeductionsRepo creates a new deductions repository.
func NewDeductionsRepo(db Querier) DeductionsRepo {
	return &deductionsRepo{db: db}
}

const deductionColumns = `id, loan_id, user_id, amount, type, reference, period, balance_before, balance_after, created_by, created_at`

// Create records a deduction. A second payroll deduction for the same loan
// and period violates a partial unique index and returns ErrConflict.
func (r *deductionsRepo) Create(ctx context.Context, d *domain.Deduction) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	d.CreatedAt = time.Now()

	_, err := r.db.Exec(ctx, `
		INSERT INTO deductions (`+deductionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		d.ID, d.LoanID, d.UserID, d.Amount, d.Type, d.Reference, d.Period,
		d.BalanceBefore, d.BalanceAfter, d.CreatedBy, d.CreatedAt,
	)
	if err != nil {
		if uniqueViolation(err) {
			return fmt.Errorf("deduction %w: already recorded for %s", domain.ErrConflict, d.Period)
		}
		return fmt.Errorf("failed to create deduction: %w", err)
	}
	return nil
}

func deductionFilter(f *domain.DeductionFilter) *filter {
	b := &filter{}
	if f == nil {
		return b
	}
	if f.LoanID != nil {
		b.add("loan_id = $%d", *f.LoanID)
	}
	if f.UserID != nil {
		b.add("user_id = $%d", *f.UserID)
	}
	if f.Type != nil {
		b.add("type = $%d", *f.Type)
	}
	if f.Period != "" {
		b.add("period = $%d", f.Period)
	}
	return b
}

func (r *deductionsRepo) List(ctx context.Context, f *domain.DeductionFilter) ([]*domain.Deduction, error) {
	b := deductionFilter(f)
	limit, offset := 0, 0
	if f != nil {
		limit, offset = f.Limit, f.Offset
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+deductionColumns+` FROM deductions`+b.where()+` ORDER BY created_at DESC`+b.page(limit, offset),
		b.args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list deductions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Deduction
	for rows.Next() {
		var d domain.Deduction
		if err := rows.Scan(&d.ID, &d.LoanID, &d.UserID, &d.Amount, &d.Type, &d.Reference, &d.Period,
			&d.BalanceBefore, &d.BalanceAfter, &d.CreatedBy, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan deduction: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (r *deductionsRepo) Count(ctx context.Context, f *domain.DeductionFilter) (int, error) {
	b := deductionFilter(f)
	var count int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM deductions`+b.where(), b.args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count deductions: %w", err)
	}
	return count, nil
}

func (r *deductionsRepo) ExistsForPeriod(ctx context.Context, loanID uuid.UUID, period string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM deductions WHERE loan_id = $1 AND period = $2 AND type = 'payroll')`,
		loanID, period,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check deduction period: %w", err)
	}
	return exists, nil
}
