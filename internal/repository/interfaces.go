package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/domain"
)

// UsersRepo defines the interface for user data operations.
type UsersRepo interface {
	// Create creates a new user.
	Create(ctx context.Context, user *domain.User) error

	// GetByID retrieves a user by ID.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error)

	// GetByEmail retrieves a user by email.
	GetByEmail(ctx context.Context, email string) (*domain.User, error)

	// GetByEmployeeNumber retrieves a user by payroll number.
	GetByEmployeeNumber(ctx context.Context, number string) (*domain.User, error)

	// Update updates profile, salary, role and status.
	Update(ctx context.Context, user *domain.User) error

	// UpdatePassword replaces the password hash.
	UpdatePassword(ctx context.Context, id uuid.UUID, hash string) error

	// List retrieves users with filtering.
	List(ctx context.Context, filter *domain.UserFilter) ([]*domain.User, error)

	// Count returns the number of users matching the filter.
	Count(ctx context.Context, filter *domain.UserFilter) (int, error)

	// ListAdmins returns active admins, used for approval notifications.
	ListAdmins(ctx context.Context) ([]*domain.User, error)
}

// DependantsRepo defines dependant data operations.
type DependantsRepo interface {
	Create(ctx context.Context, d *domain.Dependant) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Dependant, error)
	ListForUser(ctx context.Context, userID uuid.UUID) ([]*domain.Dependant, error)
	// Delete removes the dependant if it belongs to userID.
	Delete(ctx context.Context, id, userID uuid.UUID) error
}

// LoanTypesRepo defines loan product operations.
type LoanTypesRepo interface {
	Create(ctx context.Context, lt *domain.LoanType) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.LoanType, error)
	List(ctx context.Context, activeOnly bool) ([]*domain.LoanType, error)
	Update(ctx context.Context, lt *domain.LoanType) error
}

// LoansRepo defines loan data operations.
type LoansRepo interface {
	// Create inserts a loan and assigns its loan number.
	Create(ctx context.Context, loan *domain.Loan) error

	// GetByID retrieves a loan by ID.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Loan, error)

	// GetForUpdate retrieves and row-locks a loan. Use inside InTx.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Loan, error)

	// GetByNumber retrieves a loan by its loan number.
	GetByNumber(ctx context.Context, number string) (*domain.Loan, error)

	// Update writes the mutable fields if the stored status still equals
	// expected. Otherwise it returns domain.ErrInvalidTransition.
	Update(ctx context.Context, loan *domain.Loan, expected domain.LoanStatus) error

	// List retrieves loans with filtering.
	List(ctx context.Context, filter *domain.LoanFilter) ([]*domain.Loan, error)

	// Count returns the number of loans matching the filter.
	Count(ctx context.Context, filter *domain.LoanFilter) (int, error)

	// ListDue returns disbursed active loans with next_due_date on or before
	// dueBy, ordered by id and starting after the after id.
	ListDue(ctx context.Context, dueBy time.Time, after uuid.UUID, limit int) ([]*domain.Loan, error)

	// ListOverdue returns disbursed approved loans with next_due_date before
	// cutoff, ordered by id and starting after the after id.
	ListOverdue(ctx context.Context, cutoff time.Time, after uuid.UUID, limit int) ([]*domain.Loan, error)

	// OutstandingForUser sums balances and counts loans still occupying the limit.
	OutstandingForUser(ctx context.Context, userID uuid.UUID) (float64, int, error)

	// HasInFlight reports whether the user has an unfinished loan of the type.
	HasInFlight(ctx context.Context, userID, loanTypeID uuid.UUID) (bool, error)

	// Stats aggregates the portfolio.
	Stats(ctx context.Context) (*domain.DashboardStats, error)
}

// GuarantorsRepo defines guarantor row operations.
type GuarantorsRepo interface {
	CreateBatch(ctx context.Context, guarantors []*domain.Guarantor) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Guarantor, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Guarantor, error)
	ListForLoan(ctx context.Context, loanID uuid.UUID) ([]*domain.Guarantor, error)
	// ListForUser returns guarantee requests addressed to userID.
	ListForUser(ctx context.Context, userID uuid.UUID, status *domain.GuarantorStatus) ([]*domain.GuaranteeRequest, error)
	// Update writes status fields if the stored status still equals expected.
	Update(ctx context.Context, g *domain.Guarantor, expected domain.GuarantorStatus) error
	// ReleaseForLoan marks pending and accepted guarantors released.
	ReleaseForLoan(ctx context.Context, loanID uuid.UUID) ([]*domain.Guarantor, error)
}

// GrantTypesRepo defines grant product operations.
type GrantTypesRepo interface {
	Create(ctx context.Context, gt *domain.GrantType) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.GrantType, error)
	List(ctx context.Context, activeOnly bool) ([]*domain.GrantType, error)
}

// GrantsRepo defines grant data operations.
type GrantsRepo interface {
	Create(ctx context.Context, g *domain.Grant) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Grant, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Grant, error)
	Update(ctx context.Context, g *domain.Grant, expected domain.GrantStatus) error
	List(ctx context.Context, filter *domain.GrantFilter) ([]*domain.Grant, error)
	Count(ctx context.Context, filter *domain.GrantFilter) (int, error)
	// Stats returns counts by status and the total paid.
	Stats(ctx context.Context) (map[string]int, float64, error)
}

// DeductionsRepo defines deduction ledger operations.
type DeductionsRepo interface {
	Create(ctx context.Context, d *domain.Deduction) error
	List(ctx context.Context, filter *domain.DeductionFilter) ([]*domain.Deduction, error)
	Count(ctx context.Context, filter *domain.DeductionFilter) (int, error)
	// ExistsForPeriod reports whether a payroll deduction was already taken.
	ExistsForPeriod(ctx context.Context, loanID uuid.UUID, period string) (bool, error)
}

// MpesaTransactionsRepo defines M-Pesa transaction operations.
type MpesaTransactionsRepo interface {
	Create(ctx context.Context, t *domain.MpesaTransaction) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.MpesaTransaction, error)
	// GetByCheckoutRequestID row-locks the STK push transaction.
	GetByCheckoutRequestID(ctx context.Context, checkoutID string) (*domain.MpesaTransaction, error)
	// GetByConversationID matches either conversation id and row-locks.
	GetByConversationID(ctx context.Context, conversationID, originatorID string) (*domain.MpesaTransaction, error)
	// GetByReceipt finds a transaction by its M-Pesa receipt number.
	GetByReceipt(ctx context.Context, receipt string) (*domain.MpesaTransaction, error)
	// SetRequestIDs stores the ids returned when a request is accepted.
	SetRequestIDs(ctx context.Context, t *domain.MpesaTransaction) error
	// Complete writes the callback outcome if the row is still pending.
	Complete(ctx context.Context, id uuid.UUID, result domain.MpesaResult) error
	List(ctx context.Context, filter *domain.MpesaFilter) ([]*domain.MpesaTransaction, error)
	Count(ctx context.Context, filter *domain.MpesaFilter) (int, error)
	// ListStalePending returns pending rows of kind created before olderThan.
	ListStalePending(ctx context.Context, kind domain.MpesaKind, olderThan time.Time, limit int) ([]*domain.MpesaTransaction, error)
	// ListUnsubmitted returns pending payouts M-Pesa never accepted, created
	// before olderThan.
	ListUnsubmitted(ctx context.Context, olderThan time.Time, limit int) ([]*domain.MpesaTransaction, error)
	// FailUnsubmitted fails the loan or grant's unsubmitted payouts created
	// before olderThan and returns how many it changed.
	FailUnsubmitted(ctx context.Context, purpose domain.MpesaPurpose, refID uuid.UUID, olderThan time.Time, desc string) (int64, error)
	// HasPending reports whether a payout is already in flight for the purpose.
	HasPending(ctx context.Context, purpose domain.MpesaPurpose, refID uuid.UUID) (bool, error)
}

// NotificationsRepo defines in-app notification operations.
type NotificationsRepo interface {
	Create(ctx context.Context, n *domain.Notification) error
	ListForUser(ctx context.Context, userID uuid.UUID, filter *domain.NotificationFilter) ([]*domain.Notification, error)
	CountUnread(ctx context.Context, userID uuid.UUID) (int, error)
	MarkRead(ctx context.Context, id, userID uuid.UUID) error
	MarkAllRead(ctx context.Context, userID uuid.UUID) (int64, error)
}

// AuditRepo defines the interface for audit log operations.
type AuditRepo interface {
	// Log creates a new audit log entry.
	Log(ctx context.Context, entityType string, entityID uuid.UUID, action string, actorID *uuid.UUID, details interface{}) error

	// List retrieves audit logs with filtering.
	List(ctx context.Context, filter *domain.AuditLogFilter) ([]*domain.AuditLog, error)

	// Count returns the total number of audit logs matching the filter.
	Count(ctx context.Context, filter *domain.AuditLogFilter) (int, error)
}

// EventsRepo defines the event store operations.
type EventsRepo interface {
	// AppendEvent appends a new event, assigning the next aggregate version.
	AppendEvent(ctx context.Context, event *domain.Event) (*domain.Event, error)

	// GetEventsByAggregate retrieves all events for a specific aggregate.
	GetEventsByAggregate(ctx context.Context, aggregateType domain.AggregateType, aggregateID uuid.UUID) ([]*domain.Event, error)

	// GetEventsByType retrieves events by event type.
	GetEventsByType(ctx context.Context, eventType domain.EventType, limit int, offset int) ([]*domain.Event, error)
}

// Repositories aggregates all repository interfaces.
type Repositories struct {
	Users             UsersRepo
	Dependants        DependantsRepo
	LoanTypes         LoanTypesRepo
	Loans             LoansRepo
	Guarantors        GuarantorsRepo
	GrantTypes        GrantTypesRepo
	Grants            GrantsRepo
	Deductions        DeductionsRepo
	MpesaTransactions MpesaTransactionsRepo
	Notifications     NotificationsRepo
	Audit             AuditRepo
	Events            EventsRepo

	begin TxFunc
}

// TxFunc opens a unit of work and calls fn with repositories bound to it.
type TxFunc func(ctx context.Context, fn func(*Repositories) error) error

// WithTx overrides how InTx opens a unit of work.
func (r *Repositories) WithTx(begin TxFunc) *Repositories {
	r.begin = begin
	return r
}

// New builds pool-backed repositories.
func New(pool *pgxpool.Pool) *Repositories {
	repos := bind(pool)
	repos.begin = func(ctx context.Context, fn func(*Repositories) error) error {
		tx, err := pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if err := fn(bind(tx)); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	}
	return repos
}

func bind(q Querier) *Repositories {
	return &Repositories{
		Users:             NewUsersRepo(q),
		Dependants:        NewDependantsRepo(q),
		LoanTypes:         NewLoanTypesRepo(q),
		Loans:             NewLoansRepo(q),
		Guarantors:        NewGuarantorsRepo(q),
		GrantTypes:        NewGrantTypesRepo(q),
		Grants:            NewGrantsRepo(q),
		Deductions:        NewDeductionsRepo(q),
		MpesaTransactions: NewMpesaTransactionsRepo(q),
		Notifications:     NewNotificationsRepo(q),
		Audit:             NewAuditRepo(q),
		Events:            NewEventsRepo(q),
	}
}

// InTx runs fn with repositories bound to a single database transaction.
// The transaction commits when fn returns nil. Calling InTx on
// repositories that are already transaction-bound, or that were assembled
// by hand, runs fn against the same repositories.
func (r *Repositories) InTx(ctx context.Context, fn func(*Repositories) error) error {
	if r.begin == nil {
		return fn(r)
	}
	return r.begin(ctx, fn)
}
