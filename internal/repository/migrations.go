package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/utils"
)

// ErrSchemaTooNew is returned when the database was migrated by a newer build.
var ErrSchemaTooNew = errors.New("database schema is newer than this binary")

// Migration is one forward-only schema step.
type Migration struct {
	Version     int
	Description string
	Statements  []string
}

var defaultMigrations = []Migration{
	{
		Version:     1,
		Description: "create users and loan tables",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS users (
				id UUID PRIMARY KEY,
				employee_number TEXT NOT NULL UNIQUE,
				first_name TEXT NOT NULL,
				last_name TEXT NOT NULL,
				email TEXT NOT NULL,
				phone TEXT NOT NULL,
				national_id TEXT NOT NULL UNIQUE,
				basic_salary NUMERIC(14, 2) NOT NULL DEFAULT 0,
				password_hash TEXT NOT NULL,
				role TEXT NOT NULL DEFAULT 'employee',
				status TEXT NOT NULL DEFAULT 'active',
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS users_email_key ON users (lower(email))`,
			`CREATE TABLE IF NOT EXISTS dependants (
				id UUID PRIMARY KEY,
				user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				name TEXT NOT NULL,
				relationship TEXT NOT NULL,
				phone TEXT NOT NULL DEFAULT '',
				date_of_birth DATE,
				created_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS loan_types (
				id UUID PRIMARY KEY,
				name TEXT NOT NULL UNIQUE,
				description TEXT NOT NULL DEFAULT '',
				interest_rate NUMERIC(6, 3) NOT NULL,
				interest_method TEXT NOT NULL,
				min_amount NUMERIC(14, 2) NOT NULL,
				max_amount NUMERIC(14, 2) NOT NULL,
				max_tenure_months INTEGER NOT NULL,
				required_guarantors INTEGER NOT NULL DEFAULT 0,
				active BOOLEAN NOT NULL DEFAULT TRUE,
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE SEQUENCE IF NOT EXISTS loan_number_seq`,
			`CREATE TABLE IF NOT EXISTS loans (
				id UUID PRIMARY KEY,
				loan_number TEXT NOT NULL UNIQUE,
				user_id UUID NOT NULL REFERENCES users(id),
				loan_type_id UUID NOT NULL REFERENCES loan_types(id),
				principal NUMERIC(14, 2) NOT NULL,
				interest_rate NUMERIC(6, 3) NOT NULL,
				interest_method TEXT NOT NULL,
				tenure_months INTEGER NOT NULL,
				installment NUMERIC(14, 2) NOT NULL,
				total_interest NUMERIC(14, 2) NOT NULL,
				total_payable NUMERIC(14, 2) NOT NULL,
				outstanding_balance NUMERIC(14, 2) NOT NULL CHECK (outstanding_balance >= 0),
				status TEXT NOT NULL,
				purpose TEXT NOT NULL DEFAULT '',
				rejection_reason TEXT NOT NULL DEFAULT '',
				approved_by UUID REFERENCES users(id),
				approved_at TIMESTAMPTZ,
				disbursed_at TIMESTAMPTZ,
				next_due_date TIMESTAMPTZ,
				completed_at TIMESTAMPTZ,
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS loans_user_status_idx ON loans (user_id, status)`,
			`CREATE INDEX IF NOT EXISTS loans_due_idx ON loans (next_due_date) WHERE status IN ('approved', 'defaulted')`,
			`CREATE TABLE IF NOT EXISTS loan_guarantors (
				id UUID PRIMARY KEY,
				loan_id UUID NOT NULL REFERENCES loans(id) ON DELETE CASCADE,
				guarantor_user_id UUID NOT NULL REFERENCES users(id),
				status TEXT NOT NULL,
				liability_amount NUMERIC(14, 2) NOT NULL,
				decline_reason TEXT NOT NULL DEFAULT '',
				responded_at TIMESTAMPTZ,
				created_at TIMESTAMPTZ NOT NULL,
				UNIQUE (loan_id, guarantor_user_id)
			)`,
			`CREATE INDEX IF NOT EXISTS loan_guarantors_user_idx ON loan_guarantors (guarantor_user_id, status)`,
			`CREATE TABLE IF NOT EXISTS deductions (
				id UUID PRIMARY KEY,
				loan_id UUID NOT NULL REFERENCES loans(id),
				user_id UUID NOT NULL REFERENCES users(id),
				amount NUMERIC(14, 2) NOT NULL CHECK (amount > 0),
				type TEXT NOT NULL,
				reference TEXT NOT NULL DEFAULT '',
				period TEXT NOT NULL,
				balance_before NUMERIC(14, 2) NOT NULL,
				balance_after NUMERIC(14, 2) NOT NULL,
				created_by UUID REFERENCES users(id),
				created_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS deductions_payroll_period_key ON deductions (loan_id, period) WHERE type = 'payroll'`,
		},
	},
	{
		Version:     2,
		Description: "create grant tables",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS grant_types (
				id UUID PRIMARY KEY,
				name TEXT NOT NULL UNIQUE,
				description TEXT NOT NULL DEFAULT '',
				max_amount NUMERIC(14, 2) NOT NULL,
				requires_dependant BOOLEAN NOT NULL DEFAULT FALSE,
				active BOOLEAN NOT NULL DEFAULT TRUE,
				created_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE SEQUENCE IF NOT EXISTS grant_number_seq`,
			`CREATE TABLE IF NOT EXISTS grants (
				id UUID PRIMARY KEY,
				grant_number TEXT NOT NULL UNIQUE,
				user_id UUID NOT NULL REFERENCES users(id),
				grant_type_id UUID NOT NULL REFERENCES grant_types(id),
				dependant_id UUID REFERENCES dependants(id) ON DELETE SET NULL,
				amount NUMERIC(14, 2) NOT NULL,
				reason TEXT NOT NULL,
				status TEXT NOT NULL,
				rejection_reason TEXT NOT NULL DEFAULT '',
				approved_by UUID REFERENCES users(id),
				approved_at TIMESTAMPTZ,
				paid_at TIMESTAMPTZ,
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS grants_user_idx ON grants (user_id, created_at DESC)`,
		},
	},
	{
		Version:     3,
		Description: "create mpesa transactions",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS mpesa_transactions (
				id UUID PRIMARY KEY,
				kind TEXT NOT NULL,
				purpose TEXT NOT NULL,
				loan_id UUID REFERENCES loans(id),
				grant_id UUID REFERENCES grants(id),
				user_id UUID REFERENCES users(id),
				phone TEXT NOT NULL DEFAULT '',
				amount NUMERIC(14, 2) NOT NULL,
				merchant_request_id TEXT NOT NULL DEFAULT '',
				checkout_request_id TEXT NOT NULL DEFAULT '',
				conversation_id TEXT NOT NULL DEFAULT '',
				originator_conversation_id TEXT NOT NULL DEFAULT '',
				receipt_number TEXT NOT NULL DEFAULT '',
				bill_ref_number TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL,
				result_code INTEGER,
				result_desc TEXT NOT NULL DEFAULT '',
				raw_callback JSONB,
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS mpesa_checkout_key ON mpesa_transactions (checkout_request_id) WHERE checkout_request_id <> ''`,
			`CREATE UNIQUE INDEX IF NOT EXISTS mpesa_receipt_key ON mpesa_transactions (receipt_number) WHERE receipt_number <> ''`,
			`CREATE INDEX IF NOT EXISTS mpesa_conversation_idx ON mpesa_transactions (conversation_id, originator_conversation_id)`,
			`CREATE INDEX IF NOT EXISTS mpesa_pending_idx ON mpesa_transactions (kind, created_at) WHERE status = 'pending'`,
		},
	},
	{
		Version:     4,
		Description: "create notifications, audit and events",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS notifications (
				id UUID PRIMARY KEY,
				user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				type TEXT NOT NULL,
				title TEXT NOT NULL,
				message TEXT NOT NULL,
				data JSONB,
				channels TEXT[] NOT NULL DEFAULT '{}',
				read_at TIMESTAMPTZ,
				created_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS notifications_user_idx ON notifications (user_id, created_at DESC)`,
			`CREATE TABLE IF NOT EXISTS audit_logs (
				id UUID PRIMARY KEY,
				entity_type TEXT NOT NULL,
				entity_id UUID NOT NULL,
				action TEXT NOT NULL,
				actor_id UUID,
				details JSONB,
				created_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS audit_logs_entity_idx ON audit_logs (entity_type, entity_id)`,
			`CREATE TABLE IF NOT EXISTS events (
				id UUID PRIMARY KEY,
				aggregate_type TEXT NOT NULL,
				aggregate_id UUID NOT NULL,
				event_type TEXT NOT NULL,
				event_data JSONB NOT NULL,
				event_metadata JSONB,
				created_at TIMESTAMPTZ NOT NULL,
				version INTEGER NOT NULL,
				UNIQUE (aggregate_type, aggregate_id, version)
			)`,
			`CREATE INDEX IF NOT EXISTS events_type_idx ON events (event_type, created_at DESC)`,
		},
	},
}

// Migrations returns the built-in schema steps.
func Migrations() []Migration {
	out := make([]Migration, len(defaultMigrations))
	copy(out, defaultMigrations)
	return out
}

// CurrentSchemaVersion is the highest version this binary knows.
func CurrentSchemaVersion() int {
	return maxMigrationVersion(defaultMigrations)
}

func maxMigrationVersion(migrations []Migration) int {
	max := 0
	for _, m := range migrations {
		if m.Version > max {
			max = m.Version
		}
	}
	return max
}

// RunMigrations applies every pending migration, each in its own transaction.
// It returns the number of migrations applied.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, migrations []Migration) (int, error) {
	if pool == nil {
		return 0, fmt.Errorf("run migrations: pool is nil")
	}

	_, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		description TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	if err != nil {
		return 0, fmt.Errorf("ensure schema_migrations: %w", err)
	}

	var current int
	if err := pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}

	ordered := pending(migrations, current)
	if max := maxMigrationVersion(migrations); current > max {
		return 0, fmt.Errorf("%w: db=%d code=%d", ErrSchemaTooNew, current, max)
	}

	for _, m := range ordered {
		err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			for _, stmt := range m.Statements {
				if _, err := tx.Exec(ctx, stmt); err != nil {
					return err
				}
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version, description) VALUES ($1, $2)`, m.Version, m.Description)
			return err
		})
		if err != nil {
			return 0, fmt.Errorf("migration v%d (%s): %w", m.Version, m.Description, err)
		}
		utils.Info("migration applied", "version", m.Version, "description", m.Description)
	}

	return len(ordered), nil
}

// pending returns migrations newer than current in version order.
func pending(migrations []Migration, current int) []Migration {
	var out []Migration
	for _, m := range migrations {
		if m.Version > current {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}
