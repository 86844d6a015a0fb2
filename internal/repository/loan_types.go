package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/domain"
)

type loanTypesRepo struct {
	db Querier
}

// NewLoanTypesRepo creates a new loan types repository.
func NewLoanTypesRepo(db Querier) LoanTypesRepo {
	return &loanTypesRepo{db: db}
}

const loanTypeColumns = `id, name, description, interest_rate, interest_method, min_amount, max_amount,
	max_tenure_months, required_guarantors, active, created_at, updated_at`

func scanLoanType(row scanner) (*domain.LoanType, error) {
	var lt domain.LoanType
	err := row.Scan(
		&lt.ID, &lt.Name, &lt.Description, &lt.InterestRate, &lt.InterestMethod,
		&lt.MinAmount, &lt.MaxAmount, &lt.MaxTenureMonths, &lt.RequiredGuarantors,
		&lt.Active, &lt.CreatedAt, &lt.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &lt, nil
}

func (r *loanTypesRepo) Create(ctx context.Context, lt *domain.LoanType) error {
	if lt.ID == uuid.Nil {
		lt.ID = uuid.New()
	}
	now := time.Now()
	lt.CreatedAt, lt.UpdatedAt = now, now

	_, err := r.db.Exec(ctx, `
		INSERT INTO loan_types (`+loanTypeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		lt.ID, lt.Name, lt.Description, lt.InterestRate, lt.InterestMethod, lt.MinAmount, lt.MaxAmount,
		lt.MaxTenureMonths, lt.RequiredGuarantors, lt.Active, lt.CreatedAt, lt.UpdatedAt,
	)
	if err != nil {
		if uniqueViolation(err) {
			return fmt.Errorf("loan type %w: name already exists", domain.ErrConflict)
		}
		return fmt.Errorf("failed to create loan type: %w", err)
	}
	return nil
}

func (r *loanTypesRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.LoanType, error) {
	lt, err := scanLoanType(r.db.QueryRow(ctx, `SELECT `+loanTypeColumns+` FROM loan_types WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "loan type")
	}
	return lt, nil
}

func (r *loanTypesRepo) List(ctx context.Context, activeOnly bool) ([]*domain.LoanType, error) {
	query := `SELECT ` + loanTypeColumns + ` FROM loan_types`
	if activeOnly {
		query += ` WHERE active = TRUE`
	}
	query += ` ORDER BY name`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list loan types: %w", err)
	}
	defer rows.Close()

	var out []*domain.LoanType
	for rows.Next() {
		lt, err := scanLoanType(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loan type: %w", err)
		}
		out = append(out, lt)
	}
	return out, rows.Err()
}

func (r *loanTypesRepo) Update(ctx context.Context, lt *domain.LoanType) error {
	lt.UpdatedAt = time.Now()
	result, err := r.db.Exec(ctx, `
		UPDATE loan_types
		SET description = $2, interest_rate = $3, min_amount = $4, max_amount = $5,
			max_tenure_months = $6, required_guarantors = $7, active = $8, updated_at = $9
		WHERE id = $1`,
		lt.ID, lt.Description, lt.InterestRate, lt.MinAmount, lt.MaxAmount,
		lt.MaxTenureMonths, lt.RequiredGuarantors, lt.Active, lt.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update loan type: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("loan type %w", domain.ErrNotFound)
	}
	return nil
}
