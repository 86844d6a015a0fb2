package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/domain"
)

type dependantsRepo struct {
	db Querier
}

// NewDependantsRepo creates a new dependants repository.
func NewDependantsRepo(db Querier) DependantsRepo {
	return &dependantsRepo{db: db}
}

const dependantColumns = `id, user_id, name, relationship, phone, date_of_birth, created_at`

func scanDependant(row scanner) (*domain.Dependant, error) {
	var d domain.Dependant
	if err := row.Scan(&d.ID, &d.UserID, &d.Name, &d.Relationship, &d.Phone, &d.DateOfBirth, &d.CreatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *dependantsRepo) Create(ctx context.Context, d *domain.Dependant) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	d.CreatedAt = time.Now()

	_, err := r.db.Exec(ctx,
		`INSERT INTO dependants (`+dependantColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		d.ID, d.UserID, d.Name, d.Relationship, d.Phone, d.DateOfBirth, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create dependant: %w", err)
	}
	return nil
}

func (r *dependantsRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Dependant, error) {
	d, err := scanDependant(r.db.QueryRow(ctx, `SELECT `+dependantColumns+` FROM dependants WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "dependant")
	}
	return d, nil
}

func (r *dependantsRepo) ListForUser(ctx context.Context, userID uuid.UUID) ([]*domain.Dependant, error) {
	rows, err := r.db.Query(ctx, `SELECT `+dependantColumns+` FROM dependants WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dependants: %w", err)
	}
	defer rows.Close()

	var out []*domain.Dependant
	for rows.Next() {
		d, err := scanDependant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dependant: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *dependantsRepo) Delete(ctx context.Context, id, userID uuid.UUID) error {
	result, err := r.db.Exec(ctx, `DELETE FROM dependants WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete dependant: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("dependant %w", domain.ErrNotFound)
	}
	return nil
}
