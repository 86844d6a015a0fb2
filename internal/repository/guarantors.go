package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/domain"
)

type guarantorsRepo struct {
	db Querier
}

// NewGuarantorsRepo creates a new guarantors repository.
func NewGuarantorsRepo(db Querier) GuarantorsRepo {
	return &guarantorsRepo{db: db}
}

const guarantorColumns = `g.id, g.loan_id, g.guarantor_user_id, u.first_name || ' ' || u.last_name,
	g.status, g.liability_amount, g.decline_reason, g.responded_at, g.created_at`

const guarantorFrom = ` FROM loan_guarantors g JOIN users u ON u.id = g.guarantor_user_id`

func scanGuarantor(row scanner) (*domain.Guarantor, error) {
	var g domain.Guarantor
	err := row.Scan(
		&g.ID, &g.LoanID, &g.GuarantorUserID, &g.GuarantorName,
		&g.Status, &g.LiabilityAmount, &g.DeclineReason, &g.RespondedAt, &g.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// CreateBatch inserts all guarantor rows for a loan in one round trip.
func (r *guarantorsRepo) CreateBatch(ctx context.Context, guarantors []*domain.Guarantor) error {
	if len(guarantors) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	now := time.Now()
	for _, g := range guarantors {
		if g.ID == uuid.Nil {
			g.ID = uuid.New()
		}
		if g.Status == "" {
			g.Status = domain.GuarantorPending
		}
		g.CreatedAt = now
		batch.Queue(`
			INSERT INTO loan_guarantors (id, loan_id, guarantor_user_id, status, liability_amount, decline_reason, responded_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			g.ID, g.LoanID, g.GuarantorUserID, g.Status, g.LiabilityAmount, g.DeclineReason, g.RespondedAt, g.CreatedAt,
		)
	}

	results := r.db.SendBatch(ctx, batch)
	defer results.Close()
	for range guarantors {
		if _, err := results.Exec(); err != nil {
			if uniqueViolation(err) {
				return fmt.Errorf("guarantor %w: listed twice for the same loan", domain.ErrConflict)
			}
			return fmt.Errorf("failed to create guarantor: %w", err)
		}
	}
	return nil
}

func (r *guarantorsRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Guarantor, error) {
	g, err := scanGuarantor(r.db.QueryRow(ctx, `SELECT `+guarantorColumns+guarantorFrom+` WHERE g.id = $1`, id))
	if err != nil {
		return nil, notFound(err, "guarantor")
	}
	return g, nil
}

func (r *guarantorsRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Guarantor, error) {
	g, err := scanGuarantor(r.db.QueryRow(ctx, `SELECT `+guarantorColumns+guarantorFrom+` WHERE g.id = $1 FOR UPDATE OF g`, id))
	if err != nil {
		return nil, notFound(err, "guarantor")
	}
	return g, nil
}

func (r *guarantorsRepo) ListForLoan(ctx context.Context, loanID uuid.UUID) ([]*domain.Guarantor, error) {
	rows, err := r.db.Query(ctx, `SELECT `+guarantorColumns+guarantorFrom+` WHERE g.loan_id = $1 ORDER BY g.created_at, g.id`, loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to list guarantors: %w", err)
	}
	defer rows.Close()

	var out []*domain.Guarantor
	for rows.Next() {
		g, err := scanGuarantor(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan guarantor: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// ListForUser returns guarantee requests addressed to userID, newest first.
func (r *guarantorsRepo) ListForUser(ctx context.Context, userID uuid.UUID, status *domain.GuarantorStatus) ([]*domain.GuaranteeRequest, error) {
	query := `
		SELECT ` + guarantorColumns + `,
			l.loan_number, l.status, a.first_name || ' ' || a.last_name, l.principal, l.tenure_months
		` + guarantorFrom + `
		JOIN loans l ON l.id = g.loan_id
		JOIN users a ON a.id = l.user_id
		WHERE g.guarantor_user_id = $1`
	args := []any{userID}
	if status != nil {
		query += ` AND g.status = $2`
		args = append(args, *status)
	}
	query += ` ORDER BY g.created_at DESC`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list guarantee requests: %w", err)
	}
	defer rows.Close()

	var out []*domain.GuaranteeRequest
	for rows.Next() {
		var req domain.GuaranteeRequest
		g := &req.Guarantor
		err := rows.Scan(
			&g.ID, &g.LoanID, &g.GuarantorUserID, &g.GuarantorName,
			&g.Status, &g.LiabilityAmount, &g.DeclineReason, &g.RespondedAt, &g.CreatedAt,
			&req.LoanNumber, &req.LoanStatus, &req.ApplicantName, &req.Principal, &req.TenureMonths,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan guarantee request: %w", err)
		}
		out = append(out, &req)
	}
	return out, rows.Err()
}

func (r *guarantorsRepo) Update(ctx context.Context, g *domain.Guarantor, expected domain.GuarantorStatus) error {
	result, err := r.db.Exec(ctx, `
		UPDATE loan_guarantors
		SET status = $3, decline_reason = $4, responded_at = $5
		WHERE id = $1 AND status = $2`,
		g.ID, expected, g.Status, g.DeclineReason, g.RespondedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update guarantor: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("guarantor %w from %s", domain.ErrInvalidTransition, expected)
	}
	return nil
}

// ReleaseForLoan marks pending and accepted guarantors released and
// returns the rows that changed.
func (r *guarantorsRepo) ReleaseForLoan(ctx context.Context, loanID uuid.UUID) ([]*domain.Guarantor, error) {
	rows, err := r.db.Query(ctx, `
		UPDATE loan_guarantors
		SET status = 'released'
		WHERE loan_id = $1 AND status IN ('pending', 'accepted')
		RETURNING id, loan_id, guarantor_user_id, status, liability_amount, decline_reason, responded_at, created_at`,
		loanID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to release guarantors: %w", err)
	}
	defer rows.Close()

	var out []*domain.Guarantor
	for rows.Next() {
		var g domain.Guarantor
		if err := rows.Scan(&g.ID, &g.LoanID, &g.GuarantorUserID, &g.Status, &g.LiabilityAmount,
			&g.DeclineReason, &g.RespondedAt, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan released guarantor: %w", err)
		}
		out = append(out, &g)
	}
	return out, rows.Err()
}
