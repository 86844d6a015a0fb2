// Package service defines interfaces for business logic services.
package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/domain"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/mpesa"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/realtime"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/worker"
)

// Actor is the authenticated caller of an operation.
type Actor struct {
	ID    uuid.UUID
	Admin bool
}

// AuthService defines the interface for authentication operations.
type AuthService interface {
	// Register creates a new employee account.
	Register(ctx context.Context, req *domain.RegisterRequest) (*domain.UserResponse, error)

	// CreateAdmin creates an administrator account.
	CreateAdmin(ctx context.Context, req *domain.RegisterRequest) (*domain.UserResponse, error)

	// Login authenticates a user and returns tokens.
	Login(ctx context.Context, email, password string) (*LoginResponse, error)

	// RefreshToken rotates a refresh token and returns a new pair.
	RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error)

	// Logout revokes a refresh token.
	Logout(ctx context.Context, refreshToken string) error

	// ChangePassword replaces the caller's password.
	ChangePassword(ctx context.Context, userID uuid.UUID, req *domain.ChangePasswordRequest) error
}

// UserService defines the interface for user and dependant operations.
type UserService interface {
	GetProfile(ctx context.Context, userID uuid.UUID) (*domain.UserResponse, error)
	UpdateProfile(ctx context.Context, userID uuid.UUID, req *domain.UpdateProfileRequest) (*domain.UserResponse, error)

	// List retrieves users with filtering (admin only).
	List(ctx context.Context, filter *domain.UserFilter) ([]*domain.UserResponse, int, error)
	GetByID(ctx context.Context, id uuid.UUID) (*domain.UserResponse, error)
	AdminUpdate(ctx context.Context, actorID, id uuid.UUID, req *domain.AdminUpdateUserRequest) (*domain.UserResponse, error)

	AddDependant(ctx context.Context, userID uuid.UUID, req *domain.CreateDependantRequest) (*domain.Dependant, error)
	ListDependants(ctx context.Context, userID uuid.UUID) ([]*domain.Dependant, error)
	DeleteDependant(ctx context.Context, userID, id uuid.UUID) error
}

// LoanTypeService manages loan products.
type LoanTypeService interface {
	List(ctx context.Context, activeOnly bool) ([]*domain.LoanType, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.LoanType, error)
	Create(ctx context.Context, actorID uuid.UUID, req *domain.CreateLoanTypeRequest) (*domain.LoanType, error)
	Update(ctx context.Context, actorID, id uuid.UUID, req *domain.UpdateLoanTypeRequest) (*domain.LoanType, error)
}

// LoanService drives the loan lifecycle.
type LoanService interface {
	// Calculate quotes a repayment schedule without creating a loan.
	Calculate(ctx context.Context, req *domain.CalculateLoanRequest) (*domain.LoanQuote, error)

	// GetLimit returns the caller's borrowing capacity.
	GetLimit(ctx context.Context, userID uuid.UUID) (*domain.LoanLimit, error)

	// Apply creates a loan and its guarantor requests.
	Apply(ctx context.Context, userID uuid.UUID, req *domain.ApplyLoanRequest) (*domain.LoanDetail, error)

	// Get returns a loan visible to the actor: owner, guarantor or admin.
	Get(ctx context.Context, actor Actor, id uuid.UUID) (*domain.LoanDetail, error)
	ListMine(ctx context.Context, userID uuid.UUID, filter *domain.LoanFilter) ([]*domain.Loan, int, error)
	AdminList(ctx context.Context, filter *domain.LoanFilter) ([]*domain.Loan, int, error)

	Cancel(ctx context.Context, userID, id uuid.UUID) (*domain.Loan, error)
	Approve(ctx context.Context, adminID, id uuid.UUID) (*domain.Loan, error)
	Reject(ctx context.Context, adminID, id uuid.UUID, reason string) (*domain.Loan, error)
	RetryDisbursement(ctx context.Context, adminID, id uuid.UUID) (*domain.MpesaTransaction, error)
	Complete(ctx context.Context, adminID, id uuid.UUID) (*domain.Loan, error)

	Schedule(ctx context.Context, actor Actor, id uuid.UUID) (*domain.LoanQuote, error)
	Timeline(ctx context.Context, actor Actor, id uuid.UUID) ([]domain.TimelineEntry, error)
	Stats(ctx context.Context) (*domain.DashboardStats, error)
}

// GuarantorService handles guarantee requests.
type GuarantorService interface {
	ListMine(ctx context.Context, userID uuid.UUID, status *domain.GuarantorStatus) ([]*domain.GuaranteeRequest, error)
	Respond(ctx context.Context, guarantorID, userID uuid.UUID, req *domain.GuarantorResponseRequest) (*domain.Guarantor, error)
	// RespondWithToken answers through an emailed link.
	RespondWithToken(ctx context.Context, token string, req *domain.GuarantorResponseRequest) (*domain.Guarantor, error)
}

// GrantService drives the grant lifecycle.
type GrantService interface {
	ListTypes(ctx context.Context, activeOnly bool) ([]*domain.GrantType, error)
	CreateType(ctx context.Context, actorID uuid.UUID, req *domain.CreateGrantTypeRequest) (*domain.GrantType, error)

	Apply(ctx context.Context, userID uuid.UUID, req *domain.ApplyGrantRequest) (*domain.Grant, error)
	Get(ctx context.Context, actor Actor, id uuid.UUID) (*domain.Grant, error)
	ListMine(ctx context.Context, userID uuid.UUID, filter *domain.GrantFilter) ([]*domain.Grant, int, error)
	AdminList(ctx context.Context, filter *domain.GrantFilter) ([]*domain.Grant, int, error)

	Approve(ctx context.Context, adminID, id uuid.UUID) (*domain.Grant, error)
	Reject(ctx context.Context, adminID, id uuid.UUID, reason string) (*domain.Grant, error)
	Cancel(ctx context.Context, actor Actor, id uuid.UUID) (*domain.Grant, error)
	RetryPayment(ctx context.Context, adminID, id uuid.UUID) (*domain.MpesaTransaction, error)
}

// DeductionService records loan balance reductions.
type DeductionService interface {
	RecordManual(ctx context.Context, adminID uuid.UUID, req *domain.ManualDeductionRequest) (*domain.Deduction, error)

	// RunPayroll deducts one installment from every loan due by the end of
	// period. Loans already deducted for the period are skipped.
	RunPayroll(ctx context.Context, period string, actorID *uuid.UUID) (*domain.PayrollRunResult, error)

	// MarkDefaults moves loans overdue by more than graceDays to defaulted.
	MarkDefaults(ctx context.Context, graceDays int) (int, error)

	ListForLoan(ctx context.Context, actor Actor, loanID uuid.UUID, filter *domain.DeductionFilter) ([]*domain.Deduction, int, error)
	AdminList(ctx context.Context, filter *domain.DeductionFilter) ([]*domain.Deduction, int, error)
}

// PaymentService reconciles M-Pesa requests and callbacks.
type PaymentService interface {
	InitiateRepayment(ctx context.Context, userID, loanID uuid.UUID, req *domain.RepayRequest) (*domain.MpesaTransaction, error)

	HandleSTKCallback(ctx context.Context, body []byte) error
	HandleB2CResult(ctx context.Context, body []byte) error
	HandleB2CTimeout(ctx context.Context, body []byte) error
	ValidateC2B(ctx context.Context, req *mpesa.C2BRequest) mpesa.C2BResponse
	ConfirmC2B(ctx context.Context, req *mpesa.C2BRequest) error
	RegisterC2BURLs(ctx context.Context) error

	// ReconcilePendingSTK queries STK pushes with no callback after olderThan.
	ReconcilePendingSTK(ctx context.Context, olderThan time.Duration) (int, error)
	ListTransactions(ctx context.Context, filter *domain.MpesaFilter) ([]*domain.MpesaTransaction, int, error)

	// Disburse submits a pending B2C transaction. Used by the job worker.
	Disburse(ctx context.Context, transactionID uuid.UUID) error
}

// NotificationService stores and delivers notifications.
type NotificationService interface {
	// Notify stores an in-app row, pushes it to live streams and queues the
	// email and SMS deliveries requested in channels.
	Notify(ctx context.Context, userID uuid.UUID, typ domain.NotificationType, data NotificationData, channels ...domain.Channel) error
	NotifyAdmins(ctx context.Context, typ domain.NotificationType, data NotificationData, channels ...domain.Channel) error

	List(ctx context.Context, userID uuid.UUID, filter *domain.NotificationFilter) ([]*domain.Notification, int, error)
	MarkRead(ctx context.Context, userID, id uuid.UUID) error
	MarkAllRead(ctx context.Context, userID uuid.UUID) (int64, error)
	Stream(ctx context.Context, userID uuid.UUID) (<-chan realtime.Message, func(), error)

	// Send delivers a queued email or SMS job.
	Send(ctx context.Context, job *worker.Job) error
}

// AuditService reads the audit trail.
type AuditService interface {
	List(ctx context.Context, filter *domain.AuditLogFilter) ([]*domain.AuditLog, int, error)
}

// PaymentGateway is the subset of the Daraja client the services use.
type PaymentGateway interface {
	STKPush(ctx context.Context, r mpesa.STKPushRequest) (*mpesa.STKPushResponse, error)
	STKQuery(ctx context.Context, checkoutRequestID string) (*mpesa.STKQueryResponse, error)
	B2C(ctx context.Context, r mpesa.B2CRequest) (*mpesa.B2CResponse, error)
	RegisterC2BURLs(ctx context.Context, confirmationURL, validationURL string) error
}

// EmailSender delivers email.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// SMSSender delivers SMS.
type SMSSender interface {
	SendSMS(ctx context.Context, phone, message string) error
}

// JobQueue accepts background jobs.
type JobQueue interface {
	Enqueue(ctx context.Context, job *worker.Job) error
}

// Options holds the business settings services need from configuration.
type Options struct {
	// LimitMultiplier times basic salary is the borrowing limit.
	LimitMultiplier float64
	// MaxActiveLoans caps loans occupying the limit. Zero means no cap.
	MaxActiveLoans int
	// PublicBaseURL prefixes guarantor accept/decline links.
	PublicBaseURL string
	// CallbackBaseURL prefixes the M-Pesa callback paths.
	CallbackBaseURL string
	// CallbackToken is the secret path segment the callback routes check.
	CallbackToken string
}

func (o Options) callbackURL(path string) string {
	return o.CallbackBaseURL + "/api/v1/mpesa/" + o.CallbackToken + path
}

// Services aggregates all service interfaces.
type Services struct {
	Auth         AuthService
	User         UserService
	LoanType     LoanTypeService
	Loan         LoanService
	Guarantor    GuarantorService
	Grant        GrantService
	Deduction    DeductionService
	Payment      PaymentService
	Notification NotificationService
	Audit        AuditService
	Event        *EventService
	Cache        CacheService
}

// LoginResponse represents the response from login operation.
type LoginResponse struct {
	User         *domain.UserResponse `json:"user"`
	AccessToken  string               `json:"access_token"`
	RefreshToken string               `json:"refresh_token"`
	ExpiresIn    int                  `json:"expires_in"`
}

// TokenResponse represents the response from token refresh operation.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}
