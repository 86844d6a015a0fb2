package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/domain"
)

type loansRepo struct {
	db Querier
}

// NewLoansRepo creates a new loans repository.
func NewLoansRepo(db Querier) LoansRepo {
	return &loansRepo{db: db}
}

const loanColumns = `id, loan_number, user_id, loan_type_id, principal, interest_rate, interest_method,
	tenure_months, installment, total_interest, total_payable, outstanding_balance, status, purpose,
	rejection_reason, approved_by, approved_at, disbursed_at, next_due_date, completed_at, created_at, updated_at`

func scanLoan(row scanner) (*domain.Loan, error) {
	var l domain.Loan
	err := row.Scan(
		&l.ID, &l.LoanNumber, &l.UserID, &l.LoanTypeID, &l.Principal, &l.InterestRate, &l.InterestMethod,
		&l.TenureMonths, &l.Installment, &l.TotalInterest, &l.TotalPayable, &l.OutstandingBalance,
		&l.Status, &l.Purpose, &l.RejectionReason, &l.ApprovedBy, &l.ApprovedAt, &l.DisbursedAt,
		&l.NextDueDate, &l.CompletedAt, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// Create inserts a loan and assigns its loan number.
func (r *loansRepo) Create(ctx context.Context, l *domain.Loan) error {
	var seq int64
	if err := r.db.QueryRow(ctx, `SELECT nextval('loan_number_seq')`).Scan(&seq); err != nil {
		return fmt.Errorf("failed to allocate loan number: %w", err)
	}

	now := time.Now()
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	l.LoanNumber = domain.FormatLoanNumber(now.Year(), seq)
	l.CreatedAt, l.UpdatedAt = now, now

	query := `
		INSERT INTO loans (` + loanColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`

	_, err := r.db.Exec(ctx, query,
		l.ID, l.LoanNumber, l.UserID, l.LoanTypeID, l.Principal, l.InterestRate, l.InterestMethod,
		l.TenureMonths, l.Installment, l.TotalInterest, l.TotalPayable, l.OutstandingBalance,
		l.Status, l.Purpose, l.RejectionReason, l.ApprovedBy, l.ApprovedAt, l.DisbursedAt,
		l.NextDueDate, l.CompletedAt, l.CreatedAt, l.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create loan: %w", err)
	}
	return nil
}

// GetByID retrieves a loan by ID.
func (r *loansRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Loan, error) {
	l, err := scanLoan(r.db.QueryRow(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "loan")
	}
	return l, nil
}

// GetForUpdate retrieves and row-locks a loan.
func (r *loansRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Loan, error) {
	l, err := scanLoan(r.db.QueryRow(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, "loan")
	}
	return l, nil
}

// GetByNumber retrieves a loan by its loan number.
func (r *loansRepo) GetByNumber(ctx context.Context, number string) (*domain.Loan, error) {
	l, err := scanLoan(r.db.QueryRow(ctx, `SELECT `+loanColumns+` FROM loans WHERE upper(loan_number) = upper($1)`, number))
	if err != nil {
		return nil, notFound(err, "loan")
	}
	return l, nil
}

// Update writes the mutable fields guarded by the expected status.
func (r *loansRepo) Update(ctx context.Context, l *domain.Loan, expected domain.LoanStatus) error {
	query := `
		UPDATE loans
		SET status = $3, outstanding_balance = $4, rejection_reason = $5, approved_by = $6, approved_at = $7,
			disbursed_at = $8, next_due_date = $9, completed_at = $10, updated_at = $11
		WHERE id = $1 AND status = $2`

	l.UpdatedAt = time.Now()
	result, err := r.db.Exec(ctx, query,
		l.ID, expected, l.Status, l.OutstandingBalance, l.RejectionReason, l.ApprovedBy, l.ApprovedAt,
		l.DisbursedAt, l.NextDueDate, l.CompletedAt, l.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update loan: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("loan %s: %w from %s", l.LoanNumber, domain.ErrInvalidTransition, expected)
	}
	return nil
}

func loanFilter(f *domain.LoanFilter) *filter {
	b := &filter{}
	if f == nil {
		return b
	}
	if f.UserID != nil {
		b.add("user_id = $%d", *f.UserID)
	}
	if f.LoanTypeID != nil {
		b.add("loan_type_id = $%d", *f.LoanTypeID)
	}
	if f.Status != nil {
		b.add("status = $%d", *f.Status)
	}
	if f.From != nil {
		b.add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		b.add("created_at < $%d", *f.To)
	}
	return b
}

// List retrieves loans with filtering.
func (r *loansRepo) List(ctx context.Context, f *domain.LoanFilter) ([]*domain.Loan, error) {
	b := loanFilter(f)
	limit, offset := 0, 0
	if f != nil {
		limit, offset = f.Limit, f.Offset
	}
	query := `SELECT ` + loanColumns + ` FROM loans` + b.where() + ` ORDER BY created_at DESC` + b.page(limit, offset)
	return r.query(ctx, query, b.args...)
}

// Count returns the number of loans matching the filter.
func (r *loansRepo) Count(ctx context.Context, f *domain.LoanFilter) (int, error) {
	b := loanFilter(f)
	var count int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM loans`+b.where(), b.args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count loans: %w", err)
	}
	return count, nil
}

// ListDue returns disbursed active loans due on or before dueBy.
func (r *loansRepo) ListDue(ctx context.Context, dueBy time.Time, after uuid.UUID, limit int) ([]*domain.Loan, error) {
	query := `
		SELECT ` + loanColumns + ` FROM loans
		WHERE status IN ('approved', 'defaulted')
			AND disbursed_at IS NOT NULL
			AND outstanding_balance > 0
			AND next_due_date <= $1
			AND id > $2
		ORDER BY id
		LIMIT $3`
	return r.query(ctx, query, dueBy, after, limit)
}

// ListOverdue returns disbursed approved loans whose next due date is before
// cutoff. A loan still waiting for its payout is never overdue.
func (r *loansRepo) ListOverdue(ctx context.Context, cutoff time.Time, after uuid.UUID, limit int) ([]*domain.Loan, error) {
	query := `
		SELECT ` + loanColumns + ` FROM loans
		WHERE status = 'approved'
			AND disbursed_at IS NOT NULL
			AND outstanding_balance > 0
			AND next_due_date < $1
			AND id > $2
		ORDER BY id
		LIMIT $3`
	return r.query(ctx, query, cutoff, after, limit)
}

// OutstandingForUser sums balances and counts loans still occupying the limit.
// Loans not yet approved count at their total payable.
func (r *loansRepo) OutstandingForUser(ctx context.Context, userID uuid.UUID) (float64, int, error) {
	query := `
		SELECT COALESCE(SUM(outstanding_balance), 0), COUNT(*)
		FROM loans
		WHERE user_id = $1 AND status IN ('pending', 'processing', 'approved', 'defaulted')`

	var total float64
	var count int
	if err := r.db.QueryRow(ctx, query, userID).Scan(&total, &count); err != nil {
		return 0, 0, fmt.Errorf("failed to sum outstanding loans: %w", err)
	}
	return total, count, nil
}

// HasInFlight reports whether the user has an unfinished loan of the type.
func (r *loansRepo) HasInFlight(ctx context.Context, userID, loanTypeID uuid.UUID) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM loans
			WHERE user_id = $1 AND loan_type_id = $2
				AND status IN ('pending', 'processing', 'approved', 'defaulted')
		)`
	var exists bool
	if err := r.db.QueryRow(ctx, query, userID, loanTypeID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check in-flight loans: %w", err)
	}
	return exists, nil
}

// Stats aggregates the loan portfolio.
func (r *loansRepo) Stats(ctx context.Context) (*domain.DashboardStats, error) {
	stats := &domain.DashboardStats{
		LoansByStatus:  map[string]int{},
		GrantsByStatus: map[string]int{},
	}

	rows, err := r.db.Query(ctx, `SELECT status, COUNT(*) FROM loans GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count loans by status: %w", err)
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan loan stats: %w", err)
		}
		stats.LoansByStatus[status] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate loan stats: %w", err)
	}

	query := `
		SELECT
			COALESCE(SUM(principal) FILTER (WHERE disbursed_at IS NOT NULL), 0),
			COALESCE(SUM(outstanding_balance) FILTER (WHERE status IN ('approved', 'defaulted')), 0),
			COUNT(DISTINCT user_id) FILTER (WHERE status IN ('approved', 'defaulted') AND outstanding_balance > 0),
			(SELECT COALESCE(SUM(amount), 0) FROM deductions)
		FROM loans`
	err = r.db.QueryRow(ctx, query).Scan(&stats.TotalDisbursed, &stats.TotalOutstanding, &stats.ActiveBorrowers, &stats.TotalRepaid)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate loans: %w", err)
	}
	return stats, nil
}

func (r *loansRepo) query(ctx context.Context, query string, args ...any) ([]*domain.Loan, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list loans: %w", err)
	}
	defer rows.Close()

	var loans []*domain.Loan
	for rows.Next() {
		l, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loan: %w", err)
		}
		loans = append(loans, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate loans: %w", err)
	}
	return loans, nil
}
