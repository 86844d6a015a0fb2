package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/auth"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/domain"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/repository"
)

var testNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

var employeeSeq atomic.Int64

type harness struct {
	t     *testing.T
	ctx   context.Context
	now   time.Time
	store *memStore
	repos *repository.Repositories

	events   *EventService
	notifier *NotificationServiceImpl
	mailer   *fakeMailer
	sms      *fakeSMS
	queue    *fakeQueue
	gateway  *fakeGateway
	cache    *fakeCache
	jwt      *auth.JWTManager

	auth       *authService
	users      *UserServiceImpl
	loanTypes  *loanTypeService
	loans      *LoanServiceImpl
	guarantors *guarantorService
	grants     *GrantServiceImpl
	deductions *DeductionServiceImpl
	payments   *PaymentServiceImpl
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		ctx:     context.Background(),
		now:     testNow,
		store:   newMemStore(),
		mailer:  &fakeMailer{},
		sms:     &fakeSMS{},
		queue:   &fakeQueue{},
		gateway: newFakeGateway(),
		cache:   newFakeCache(),
		jwt:     auth.NewJWTManager("test-secret-key-with-32-characters!", "fairtrade-test"),
	}
	h.store.clock = h.clock
	h.repos = h.store.repos()
	h.events = NewEventService(h.repos.Events)
	h.notifier = NewNotificationService(h.repos, nil, nil, h.mailer, h.sms, nil)

	opts := Options{
		LimitMultiplier: 3,
		PublicBaseURL:   "https://loans.example.com/",
		CallbackBaseURL: "https://api.example.com",
		CallbackToken:   "cb-token",
	}

	h.auth = NewAuthService(h.repos, h.jwt, h.events, h.cache).(*authService)
	h.auth.now = h.clock
	h.users = NewUserService(h.repos)
	h.users.SetCacheService(h.cache)
	h.loanTypes = NewLoanTypeService(h.repos, h.cache).(*loanTypeService)
	h.loans = NewLoanService(h.repos, h.events, h.notifier, h.queue, h.jwt, nil, opts)
	h.loans.now = h.clock
	h.guarantors = NewGuarantorService(h.repos, h.events, h.notifier, h.jwt, nil).(*guarantorService)
	h.guarantors.now = h.clock
	h.grants = NewGrantService(h.repos, h.events, h.notifier, h.queue, nil)
	h.grants.now = h.clock
	h.deductions = NewDeductionService(h.repos, h.events, h.notifier, nil)
	h.deductions.now = h.clock
	h.payments = NewPaymentService(h.repos, h.events, h.notifier, h.gateway, h.cache, nil, opts)
	h.payments.now = h.clock
	return h
}

func (h *harness) clock() time.Time { return h.now }

// employee creates an active employee with the given basic salary.
func (h *harness) employee(first string, salary float64) *domain.User {
	h.t.Helper()
	n := employeeSeq.Add(1)
	u := &domain.User{
		EmployeeNumber: fmt.Sprintf("EMP-%04d", n),
		FirstName:      first,
		LastName:       "Test",
		Email:          fmt.Sprintf("%s.%d@fairtrade.test", first, n),
		Phone:          "0712345678",
		BasicSalary:    salary,
		Role:           string(domain.RoleEmployee),
		Status:         string(domain.UserActive),
	}
	require.NoError(h.t, h.repos.Users.Create(h.ctx, u))
	return u
}

func (h *harness) admin(first string) *domain.User {
	h.t.Helper()
	u := h.employee(first, 100000)
	u.Role = string(domain.RoleAdmin)
	require.NoError(h.t, h.repos.Users.Update(h.ctx, u))
	return u
}

// loanType creates a flat 12% product for 1,000 to 500,000 over at most 24
// months.
func (h *harness) loanType(name string, guarantors int) *domain.LoanType {
	h.t.Helper()
	lt := &domain.LoanType{
		Name:               name,
		InterestRate:       12,
		InterestMethod:     domain.InterestFlat,
		MinAmount:          1000,
		MaxAmount:          500000,
		MaxTenureMonths:    24,
		RequiredGuarantors: guarantors,
		Active:             true,
	}
	require.NoError(h.t, h.repos.LoanTypes.Create(h.ctx, lt))
	return lt
}

// activeLoan stores a disbursed, approved 12,000 loan over 12 months with the
// given outstanding balance. Installment is 1,120 and the first due date is
// the end of March 2026.
func (h *harness) activeLoan(borrower *domain.User, balance float64) *domain.Loan {
	h.t.Helper()
	lt := h.loanType(fmt.Sprintf("Product %d", employeeSeq.Add(1)), 0)
	due := domain.MonthEnd(testNow, 0)
	approved := testNow.AddDate(0, -1, 0)
	loan := &domain.Loan{
		UserID:             borrower.ID,
		LoanTypeID:         lt.ID,
		Principal:          12000,
		InterestRate:       12,
		InterestMethod:     domain.InterestFlat,
		TenureMonths:       12,
		Installment:        1120,
		TotalInterest:      1440,
		TotalPayable:       13440,
		OutstandingBalance: balance,
		Status:             domain.LoanApproved,
		Purpose:            "school fees",
		ApprovedAt:         &approved,
		DisbursedAt:        &approved,
		NextDueDate:        &due,
	}
	require.NoError(h.t, h.repos.Loans.Create(h.ctx, loan))
	return loan
}

func (h *harness) addGuarantor(loan *domain.Loan, user *domain.User, status domain.GuarantorStatus) *domain.Guarantor {
	h.t.Helper()
	g := &domain.Guarantor{
		LoanID:          loan.ID,
		GuarantorUserID: user.ID,
		Status:          status,
		LiabilityAmount: loan.Principal,
	}
	require.NoError(h.t, h.repos.Guarantors.CreateBatch(h.ctx, []*domain.Guarantor{g}))
	return g
}

func stkCallbackBody(checkoutID string, code int, amount float64, receipt string) []byte {
	if code != 0 {
		return []byte(fmt.Sprintf(`{"Body":{"stkCallback":{"MerchantRequestID":"mr","CheckoutRequestID":%q,"ResultCode":%d,"ResultDesc":"Request cancelled by user"}}}`, checkoutID, code))
	}
	return []byte(fmt.Sprintf(`{"Body":{"stkCallback":{
		"MerchantRequestID":"mr","CheckoutRequestID":%q,"ResultCode":0,
		"ResultDesc":"The service request is processed successfully.",
		"CallbackMetadata":{"Item":[
			{"Name":"Amount","Value":%v},
			{"Name":"MpesaReceiptNumber","Value":%q},
			{"Name":"TransactionDate","Value":20260310093000},
			{"Name":"PhoneNumber","Value":254712345678}
		]}}}}`, checkoutID, amount, receipt))
}

func b2cResultBody(conversationID string, code int, receipt string) []byte {
	if code != 0 {
		return []byte(fmt.Sprintf(`{"Result":{"ResultCode":%d,"ResultDesc":"The initiator information is invalid.","ConversationID":%q,"TransactionID":"NLJ0000000"}}`, code, conversationID))
	}
	return []byte(fmt.Sprintf(`{"Result":{
		"ResultType":0,"ResultCode":0,"ResultDesc":"The service request is processed successfully.",
		"ConversationID":%q,"OriginatorConversationID":"orig","TransactionID":%q,
		"ResultParameters":{"ResultParameter":[
			{"Key":"TransactionAmount","Value":12000},
			{"Key":"TransactionReceipt","Value":%q},
			{"Key":"ReceiverPartyPublicName","Value":"254712345678 - Jane Test"}
		]}}}`, conversationID, receipt, receipt))
}
