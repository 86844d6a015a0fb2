package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/domain"
)

// scanner is implemented by pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// usersRepo implements the UsersRepo interface.
type usersRepo struct {
	db Querier
}

// NewUsersRepo creates a new users repository.
func NewUsersRepo(db Querier) UsersRepo {
	return &usersRepo{db: db}
}

const userColumns = `id, employee_number, first_name, last_name, email, phone, national_id,
	basic_salary, password_hash, role, status, created_at, updated_at`

func scanUser(row scanner) (*domain.User, error) {
	var u domain.User
	err := row.Scan(
		&u.ID,
		&u.EmployeeNumber,
		&u.FirstName,
		&u.LastName,
		&u.Email,
		&u.Phone,
		&u.NationalID,
		&u.BasicSalary,
		&u.PasswordHash,
		&u.Role,
		&u.Status,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Create creates a new user.
func (r *usersRepo) Create(ctx context.Context, user *domain.User) error {
	query := `
		INSERT INTO users (` + userColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	now := time.Now()
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	if user.Status == "" {
		user.Status = string(domain.UserActive)
	}
	user.CreatedAt = now
	user.UpdatedAt = now

	_, err := r.db.Exec(ctx, query,
		user.ID, user.EmployeeNumber, user.FirstName, user.LastName, user.Email, user.Phone,
		user.NationalID, user.BasicSalary, user.PasswordHash, user.Role, user.Status,
		user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		if uniqueViolation(err) {
			return fmt.Errorf("user %w: email, employee number or national id already registered", domain.ErrConflict)
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetByID retrieves a user by ID.
func (r *usersRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	user, err := scanUser(r.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, notFound(err, "user")
	}
	return user, nil
}

// GetByEmail retrieves a user by email.
func (r *usersRepo) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE lower(email) = lower($1)`
	user, err := scanUser(r.db.QueryRow(ctx, query, email))
	if err != nil {
		return nil, notFound(err, "user")
	}
	return user, nil
}

// GetByEmployeeNumber retrieves a user by payroll number.
func (r *usersRepo) GetByEmployeeNumber(ctx context.Context, number string) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE employee_number = $1`
	user, err := scanUser(r.db.QueryRow(ctx, query, number))
	if err != nil {
		return nil, notFound(err, "user")
	}
	return user, nil
}

// Update updates an existing user.
func (r *usersRepo) Update(ctx context.Context, user *domain.User) error {
	query := `
		UPDATE users
		SET first_name = $2, last_name = $3, phone = $4, basic_salary = $5, role = $6, status = $7, updated_at = $8
		WHERE id = $1`

	user.UpdatedAt = time.Now()
	result, err := r.db.Exec(ctx, query,
		user.ID, user.FirstName, user.LastName, user.Phone, user.BasicSalary, user.Role, user.Status, user.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("user %w", domain.ErrNotFound)
	}
	return nil
}

// UpdatePassword replaces the password hash.
func (r *usersRepo) UpdatePassword(ctx context.Context, id uuid.UUID, hash string) error {
	result, err := r.db.Exec(ctx, `UPDATE users SET password_hash = $2, updated_at = NOW() WHERE id = $1`, id, hash)
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("user %w", domain.ErrNotFound)
	}
	return nil
}

func userFilter(f *domain.UserFilter) *filter {
	b := &filter{}
	if f == nil {
		return b
	}
	if f.Role != nil {
		b.add("role = $%d", *f.Role)
	}
	if f.Status != nil {
		b.add("status = $%d", *f.Status)
	}
	if f.Search != "" {
		b.add("(first_name || ' ' || last_name || ' ' || email || ' ' || employee_number) ILIKE $%d", "%"+f.Search+"%")
	}
	return b
}

// List retrieves users with filtering.
func (r *usersRepo) List(ctx context.Context, f *domain.UserFilter) ([]*domain.User, error) {
	b := userFilter(f)
	limit, offset := 0, 0
	if f != nil {
		limit, offset = f.Limit, f.Offset
	}
	query := `SELECT ` + userColumns + ` FROM users` + b.where() + ` ORDER BY created_at DESC` + b.page(limit, offset)
	return r.query(ctx, query, b.args...)
}

// Count returns the number of users matching the filter.
func (r *usersRepo) Count(ctx context.Context, f *domain.UserFilter) (int, error) {
	b := userFilter(f)
	var count int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM users`+b.where(), b.args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return count, nil
}

// ListAdmins returns active admins.
func (r *usersRepo) ListAdmins(ctx context.Context) ([]*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE role = $1 AND status = $2 ORDER BY created_at`
	return r.query(ctx, query, string(domain.RoleAdmin), string(domain.UserActive))
}

func (r *usersRepo) query(ctx context.Context, query string, args ...any) ([]*domain.User, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate users: %w", err)
	}
	return users, nil
}
