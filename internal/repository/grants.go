package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/domain"
)

type grantTypesRepo struct {
	db Querier
}

// NewGrantTypesRepo creates a new grant types repository.
func NewGrantTypesRepo(db Querier) GrantTypesRepo {
	return &grantTypesRepo{db: db}
}

const grantTypeColumns = `id, name, description, max_amount, requires_dependant, active, created_at`

func scanGrantType(row scanner) (*domain.GrantType, error) {
	var gt domain.GrantType
	if err := row.Scan(&gt.ID, &gt.Name, &gt.Description, &gt.MaxAmount, &gt.RequiresDependant, &gt.Active, &gt.CreatedAt); err != nil {
		return nil, err
	}
	return &gt, nil
}

func (r *grantTypesRepo) Create(ctx context.Context, gt *domain.GrantType) error {
	if gt.ID == uuid.Nil {
		gt.ID = uuid.New()
	}
	gt.CreatedAt = time.Now()

	_, err := r.db.Exec(ctx,
		`INSERT INTO grant_types (`+grantTypeColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		gt.ID, gt.Name, gt.Description, gt.MaxAmount, gt.RequiresDependant, gt.Active, gt.CreatedAt,
	)
	if err != nil {
		if uniqueViolation(err) {
			return fmt.Errorf("grant type %w: name already exists", domain.ErrConflict)
		}
		return fmt.Errorf("failed to create grant type: %w", err)
	}
	return nil
}

func (r *grantTypesRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.GrantType, error) {
	gt, err := scanGrantType(r.db.QueryRow(ctx, `SELECT `+grantTypeColumns+` FROM grant_types WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "grant type")
	}
	return gt, nil
}

func (r *grantTypesRepo) List(ctx context.Context, activeOnly bool) ([]*domain.GrantType, error) {
	query := `SELECT ` + grantTypeColumns + ` FROM grant_types`
	if activeOnly {
		query += ` WHERE active = TRUE`
	}
	rows, err := r.db.Query(ctx, query+` ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list grant types: %w", err)
	}
	defer rows.Close()

	var out []*domain.GrantType
	for rows.Next() {
		gt, err := scanGrantType(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan grant type: %w", err)
		}
		out = append(out, gt)
	}
	return out, rows.Err()
}

type grantsRepo struct {
	db Querier
}

// NewGrantsRepo creates a new grants repository.
func NewGrantsRepo(db Querier) GrantsRepo {
	return &grantsRepo{db: db}
}

const grantColumns = `id, grant_number, user_id, grant_type_id, dependant_id, amount, reason, status,
	rejection_reason, approved_by, approved_at, paid_at, created_at, updated_at`

func scanGrant(row scanner) (*domain.Grant, error) {
	var g domain.Grant
	err := row.Scan(
		&g.ID, &g.GrantNumber, &g.UserID, &g.GrantTypeID, &g.DependantID, &g.Amount, &g.Reason, &g.Status,
		&g.RejectionReason, &g.ApprovedBy, &g.ApprovedAt, &g.PaidAt, &g.CreatedAt, &g.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// Create inserts a grant and assigns its grant number.
func (r *grantsRepo) Create(ctx context.Context, g *domain.Grant) error {
	var seq int64
	if err := r.db.QueryRow(ctx, `SELECT nextval('grant_number_seq')`).Scan(&seq); err != nil {
		return fmt.Errorf("failed to allocate grant number: %w", err)
	}

	now := time.Now()
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	g.GrantNumber = domain.FormatGrantNumber(now.Year(), seq)
	g.CreatedAt, g.UpdatedAt = now, now

	_, err := r.db.Exec(ctx, `
		INSERT INTO grants (`+grantColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		g.ID, g.GrantNumber, g.UserID, g.GrantTypeID, g.DependantID, g.Amount, g.Reason, g.Status,
		g.RejectionReason, g.ApprovedBy, g.ApprovedAt, g.PaidAt, g.CreatedAt, g.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create grant: %w", err)
	}
	return nil
}

func (r *grantsRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Grant, error) {
	g, err := scanGrant(r.db.QueryRow(ctx, `SELECT `+grantColumns+` FROM grants WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "grant")
	}
	return g, nil
}

func (r *grantsRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Grant, error) {
	g, err := scanGrant(r.db.QueryRow(ctx, `SELECT `+grantColumns+` FROM grants WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, "grant")
	}
	return g, nil
}

// Update writes the mutable fields if the stored status still equals expected.
func (r *grantsRepo) Update(ctx context.Context, g *domain.Grant, expected domain.GrantStatus) error {
	g.UpdatedAt = time.Now()
	result, err := r.db.Exec(ctx, `
		UPDATE grants
		SET status = $3, rejection_reason = $4, approved_by = $5, approved_at = $6, paid_at = $7, updated_at = $8
		WHERE id = $1 AND status = $2`,
		g.ID, expected, g.Status, g.RejectionReason, g.ApprovedBy, g.ApprovedAt, g.PaidAt, g.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update grant: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("grant %s: %w from %s", g.GrantNumber, domain.ErrInvalidTransition, expected)
	}
	return nil
}

func grantFilter(f *domain.GrantFilter) *filter {
	b := &filter{}
	if f == nil {
		return b
	}
	if f.UserID != nil {
		b.add("user_id = $%d", *f.UserID)
	}
	if f.GrantTypeID != nil {
		b.add("grant_type_id = $%d", *f.GrantTypeID)
	}
	if f.Status != nil {
		b.add("status = $%d", *f.Status)
	}
	return b
}

func (r *grantsRepo) List(ctx context.Context, f *domain.GrantFilter) ([]*domain.Grant, error) {
	b := grantFilter(f)
	limit, offset := 0, 0
	if f != nil {
		limit, offset = f.Limit, f.Offset
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+grantColumns+` FROM grants`+b.where()+` ORDER BY created_at DESC`+b.page(limit, offset),
		b.args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list grants: %w", err)
	}
	defer rows.Close()

	var out []*domain.Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (r *grantsRepo) Count(ctx context.Context, f *domain.GrantFilter) (int, error) {
	b := grantFilter(f)
	var count int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM grants`+b.where(), b.args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count grants: %w", err)
	}
	return count, nil
}

// Stats returns grant counts by status and the total paid out.
func (r *grantsRepo) Stats(ctx context.Context) (map[string]int, float64, error) {
	rows, err := r.db.Query(ctx, `SELECT status, COUNT(*), COALESCE(SUM(amount) FILTER (WHERE status = 'paid'), 0) FROM grants GROUP BY status`)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to aggregate grants: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	var paid float64
	for rows.Next() {
		var status string
		var n int
		var amount float64
		if err := rows.Scan(&status, &n, &amount); err != nil {
			return nil, 0, fmt.Errorf("failed to scan grant stats: %w", err)
		}
		counts[status] = n
		paid += amount
	}
	return counts, paid, rows.Err()
}
