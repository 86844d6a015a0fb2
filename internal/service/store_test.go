package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/domain"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/mpesa"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/repository"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/worker"
)

// memStore is an in-memory stand-in for Postgres. Tables written inside
// transactions are snapshotted by inTx and restored when fn fails.
type memStore struct {
	mu    sync.Mutex
	txMu  sync.Mutex
	seq   int64
	clock func() time.Time

	order         map[uuid.UUID]int64
	users         map[uuid.UUID]domain.User
	dependants    map[uuid.UUID]domain.Dependant
	loanTypes     map[uuid.UUID]domain.LoanType
	grantTypes    map[uuid.UUID]domain.GrantType
	loans         map[uuid.UUID]domain.Loan
	guarantors    map[uuid.UUID]domain.Guarantor
	grants        map[uuid.UUID]domain.Grant
	mpesa         map[uuid.UUID]domain.MpesaTransaction
	deductions    []domain.Deduction
	notifications []domain.Notification
	audit         []domain.AuditLog
	events        []domain.Event
}

type memSnapshot struct {
	loans      map[uuid.UUID]domain.Loan
	guarantors map[uuid.UUID]domain.Guarantor
	grants     map[uuid.UUID]domain.Grant
	mpesa      map[uuid.UUID]domain.MpesaTransaction
	deductions []domain.Deduction
}

func newMemStore() *memStore {
	return &memStore{
		clock:      time.Now,
		order:      make(map[uuid.UUID]int64),
		users:      make(map[uuid.UUID]domain.User),
		dependants: make(map[uuid.UUID]domain.Dependant),
		loanTypes:  make(map[uuid.UUID]domain.LoanType),
		grantTypes: make(map[uuid.UUID]domain.GrantType),
		loans:      make(map[uuid.UUID]domain.Loan),
		guarantors: make(map[uuid.UUID]domain.Guarantor),
		grants:     make(map[uuid.UUID]domain.Grant),
		mpesa:      make(map[uuid.UUID]domain.MpesaTransaction),
	}
}

func copyMap[V any](m map[uuid.UUID]V) map[uuid.UUID]V {
	out := make(map[uuid.UUID]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *memStore) snapshot() memSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memSnapshot{
		loans:      copyMap(s.loans),
		guarantors: copyMap(s.guarantors),
		grants:     copyMap(s.grants),
		mpesa:      copyMap(s.mpesa),
		deductions: append([]domain.Deduction(nil), s.deductions...),
	}
}

func (s *memStore) restore(snap memSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loans = snap.loans
	s.guarantors = snap.guarantors
	s.grants = snap.grants
	s.mpesa = snap.mpesa
	s.deductions = snap.deductions
}

func (s *memStore) inTx(ctx context.Context, fn func(*repository.Repositories) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	snap := s.snapshot()
	if err := fn(s.bound()); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// bound returns repositories without a transaction hook, as handed to InTx
// callbacks.
func (s *memStore) bound() *repository.Repositories {
	return &repository.Repositories{
		Users:             &memUsers{s},
		Dependants:        &memDependants{s},
		LoanTypes:         &memLoanTypes{s},
		Loans:             &memLoans{s},
		Guarantors:        &memGuarantors{s},
		GrantTypes:        &memGrantTypes{s},
		Grants:            &memGrants{s},
		Deductions:        &memDeductions{s},
		MpesaTransactions: &memMpesa{s},
		Notifications:     &memNotifications{s},
		Audit:             &memAudit{s},
		Events:            &memEvents{s},
	}
}

func (s *memStore) repos() *repository.Repositories {
	return s.bound().WithTx(s.inTx)
}

// next must be called with mu held.
func (s *memStore) next(id uuid.UUID) int64 {
	s.seq++
	s.order[id] = s.seq
	return s.seq
}

// sorted returns values newest first, as the SQL repositories order them.
func sorted[V any](s *memStore, m map[uuid.UUID]V, keep func(V) bool) []V {
	ids := make([]uuid.UUID, 0, len(m))
	for id, v := range m {
		if keep == nil || keep(v) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return s.order[ids[i]] > s.order[ids[j]] })
	out := make([]V, len(ids))
	for i, id := range ids {
		out[i] = m[id]
	}
	return out
}

func page[V any](items []V, limit, offset int) []V {
	if offset > len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func notFound(what string) error {
	return fmt.Errorf("%s %w", what, domain.ErrNotFound)
}

type memUsers struct{ s *memStore }

func (r *memUsers) Create(_ context.Context, u *domain.User) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, other := range r.s.users {
		if strings.EqualFold(other.Email, u.Email) || other.EmployeeNumber == u.EmployeeNumber {
			return fmt.Errorf("user already exists: %w", domain.ErrConflict)
		}
	}
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	now := r.s.clock()
	u.CreatedAt, u.UpdatedAt = now, now
	r.s.next(u.ID)
	r.s.users[u.ID] = *u
	return nil
}

func (r *memUsers) GetByID(_ context.Context, id uuid.UUID) (*domain.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return nil, notFound("user")
	}
	return &u, nil
}

func (r *memUsers) find(match func(domain.User) bool) (*domain.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, u := range r.s.users {
		if match(u) {
			return &u, nil
		}
	}
	return nil, notFound("user")
}

func (r *memUsers) GetByEmail(_ context.Context, email string) (*domain.User, error) {
	return r.find(func(u domain.User) bool { return strings.EqualFold(u.Email, email) })
}

func (r *memUsers) GetByEmployeeNumber(_ context.Context, number string) (*domain.User, error) {
	return r.find(func(u domain.User) bool { return u.EmployeeNumber == number })
}

func (r *memUsers) Update(_ context.Context, u *domain.User) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.users[u.ID]; !ok {
		return notFound("user")
	}
	u.UpdatedAt = r.s.clock()
	r.s.users[u.ID] = *u
	return nil
}

func (r *memUsers) UpdatePassword(_ context.Context, id uuid.UUID, hash string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return notFound("user")
	}
	u.PasswordHash = hash
	r.s.users[id] = u
	return nil
}

func userMatches(f *domain.UserFilter) func(domain.User) bool {
	return func(u domain.User) bool {
		if f == nil {
			return true
		}
		if f.Role != nil && u.Role != *f.Role {
			return false
		}
		if f.Status != nil && u.Status != *f.Status {
			return false
		}
		if f.Search != "" {
			q := strings.ToLower(f.Search)
			hay := strings.ToLower(u.FullName() + " " + u.Email + " " + u.EmployeeNumber)
			return strings.Contains(hay, q)
		}
		return true
	}
}

func (r *memUsers) List(_ context.Context, f *domain.UserFilter) ([]*domain.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	items := sorted(r.s, r.s.users, userMatches(f))
	if f != nil {
		items = page(items, f.Limit, f.Offset)
	}
	out := make([]*domain.User, len(items))
	for i := range items {
		out[i] = &items[i]
	}
	return out, nil
}

func (r *memUsers) Count(_ context.Context, f *domain.UserFilter) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return len(sorted(r.s, r.s.users, userMatches(f))), nil
}

func (r *memUsers) ListAdmins(_ context.Context) ([]*domain.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	items := sorted(r.s, r.s.users, func(u domain.User) bool { return u.IsAdmin() && u.IsActive() })
	out := make([]*domain.User, len(items))
	for i := range items {
		out[i] = &items[i]
	}
	return out, nil
}

type memDependants struct{ s *memStore }

func (r *memDependants) Create(_ context.Context, d *domain.Dependant) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	d.CreatedAt = r.s.clock()
	r.s.next(d.ID)
	r.s.dependants[d.ID] = *d
	return nil
}

func (r *memDependants) GetByID(_ context.Context, id uuid.UUID) (*domain.Dependant, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.dependants[id]
	if !ok {
		return nil, notFound("dependant")
	}
	return &d, nil
}

func (r *memDependants) ListForUser(_ context.Context, userID uuid.UUID) ([]*domain.Dependant, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	items := sorted(r.s, r.s.dependants, func(d domain.Dependant) bool { return d.UserID == userID })
	out := make([]*domain.Dependant, len(items))
	for i := range items {
		out[i] = &items[i]
	}
	return out, nil
}

func (r *memDependants) Delete(_ context.Context, id, userID uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.dependants[id]
	if !ok || d.UserID != userID {
		return notFound("dependant")
	}
	delete(r.s.dependants, id)
	return nil
}

type memLoanTypes struct{ s *memStore }

func (r *memLoanTypes) Create(_ context.Context, lt *domain.LoanType) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, other := range r.s.loanTypes {
		if strings.EqualFold(other.Name, lt.Name) {
			return fmt.Errorf("loan type %q %w", lt.Name, domain.ErrConflict)
		}
	}
	if lt.ID == uuid.Nil {
		lt.ID = uuid.New()
	}
	now := r.s.clock()
	lt.CreatedAt, lt.UpdatedAt = now, now
	r.s.next(lt.ID)
	r.s.loanTypes[lt.ID] = *lt
	return nil
}

func (r *memLoanTypes) GetByID(_ context.Context, id uuid.UUID) (*domain.LoanType, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	lt, ok := r.s.loanTypes[id]
	if !ok {
		return nil, notFound("loan type")
	}
	return &lt, nil
}

func (r *memLoanTypes) List(_ context.Context, activeOnly bool) ([]*domain.LoanType, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	items := sorted(r.s, r.s.loanTypes, func(lt domain.LoanType) bool { return !activeOnly || lt.Active })
	out := make([]*domain.LoanType, len(items))
	for i := range items {
		out[i] = &items[i]
	}
	return out, nil
}

func (r *memLoanTypes) Update(_ context.Context, lt *domain.LoanType) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.loanTypes[lt.ID]; !ok {
		return notFound("loan type")
	}
	lt.UpdatedAt = r.s.clock()
	r.s.loanTypes[lt.ID] = *lt
	return nil
}

type memLoans struct{ s *memStore }

func (r *memLoans) Create(_ context.Context, l *domain.Loan) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	now := r.s.clock()
	l.LoanNumber = domain.FormatLoanNumber(now.Year(), r.s.next(l.ID))
	l.CreatedAt, l.UpdatedAt = now, now
	r.s.loans[l.ID] = *l
	return nil
}

func (r *memLoans) GetByID(_ context.Context, id uuid.UUID) (*domain.Loan, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	l, ok := r.s.loans[id]
	if !ok {
		return nil, notFound("loan")
	}
	return &l, nil
}

func (r *memLoans) GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Loan, error) {
	return r.GetByID(ctx, id)
}

func (r *memLoans) GetByNumber(_ context.Context, number string) (*domain.Loan, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, l := range r.s.loans {
		if l.LoanNumber == number {
			return &l, nil
		}
	}
	return nil, notFound("loan")
}

func (r *memLoans) Update(_ context.Context, l *domain.Loan, expected domain.LoanStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, ok := r.s.loans[l.ID]
	if !ok || stored.Status != expected {
		return fmt.Errorf("loan %w: expected %s", domain.ErrInvalidTransition, expected)
	}
	stored.Status = l.Status
	stored.OutstandingBalance = l.OutstandingBalance
	stored.RejectionReason = l.RejectionReason
	stored.ApprovedBy = l.ApprovedBy
	stored.ApprovedAt = l.ApprovedAt
	stored.DisbursedAt = l.DisbursedAt
	stored.NextDueDate = l.NextDueDate
	stored.CompletedAt = l.CompletedAt
	stored.UpdatedAt = r.s.clock()
	r.s.loans[l.ID] = stored
	return nil
}

func loanMatches(f *domain.LoanFilter) func(domain.Loan) bool {
	return func(l domain.Loan) bool {
		if f == nil {
			return true
		}
		if f.UserID != nil && l.UserID != *f.UserID {
			return false
		}
		if f.LoanTypeID != nil && l.LoanTypeID != *f.LoanTypeID {
			return false
		}
		if f.Status != nil && l.Status != *f.Status {
			return false
		}
		if f.From != nil && l.CreatedAt.Before(*f.From) {
			return false
		}
		if f.To != nil && l.CreatedAt.After(*f.To) {
			return false
		}
		return true
	}
}

func loanPtrs(items []domain.Loan) []*domain.Loan {
	out := make([]*domain.Loan, len(items))
	for i := range items {
		out[i] = &items[i]
	}
	return out
}

func (r *memLoans) List(_ context.Context, f *domain.LoanFilter) ([]*domain.Loan, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	items := sorted(r.s, r.s.loans, loanMatches(f))
	if f != nil {
		items = page(items, f.Limit, f.Offset)
	}
	return loanPtrs(items), nil
}

func (r *memLoans) Count(_ context.Context, f *domain.LoanFilter) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return len(sorted(r.s, r.s.loans, loanMatches(f))), nil
}

// keyset orders loans by id and keeps the first limit after the after id.
func keyset(items []domain.Loan, after uuid.UUID, limit int) []domain.Loan {
	sort.Slice(items, func(i, j int) bool { return bytes.Compare(items[i].ID[:], items[j].ID[:]) < 0 })
	out := items[:0]
	for _, l := range items {
		if bytes.Compare(l.ID[:], after[:]) > 0 {
			out = append(out, l)
		}
	}
	return page(out, limit, 0)
}

func (r *memLoans) ListDue(_ context.Context, dueBy time.Time, after uuid.UUID, limit int) ([]*domain.Loan, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	items := sorted(r.s, r.s.loans, func(l domain.Loan) bool {
		return l.IsActive() && l.IsDisbursed() && l.NextDueDate != nil && !l.NextDueDate.After(dueBy)
	})
	return loanPtrs(keyset(items, after, limit)), nil
}

func (r *memLoans) ListOverdue(_ context.Context, cutoff time.Time, after uuid.UUID, limit int) ([]*domain.Loan, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	items := sorted(r.s, r.s.loans, func(l domain.Loan) bool {
		return l.Status == domain.LoanApproved && l.IsDisbursed() && l.OutstandingBalance > 0 &&
			l.NextDueDate != nil && l.NextDueDate.Before(cutoff)
	})
	return loanPtrs(keyset(items, after, limit)), nil
}

func (r *memLoans) OutstandingForUser(_ context.Context, userID uuid.UUID) (float64, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var total float64
	count := 0
	for _, l := range r.s.loans {
		if l.UserID == userID && l.Status.IsInFlight() {
			total += l.OutstandingBalance
			count++
		}
	}
	return total, count, nil
}

func (r *memLoans) HasInFlight(_ context.Context, userID, loanTypeID uuid.UUID) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, l := range r.s.loans {
		if l.UserID == userID && l.LoanTypeID == loanTypeID && l.Status.IsInFlight() {
			return true, nil
		}
	}
	return false, nil
}

func (r *memLoans) Stats(_ context.Context) (*domain.DashboardStats, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stats := &domain.DashboardStats{LoansByStatus: make(map[string]int)}
	borrowers := make(map[uuid.UUID]bool)
	for _, l := range r.s.loans {
		stats.LoansByStatus[string(l.Status)]++
		if l.IsDisbursed() {
			stats.TotalDisbursed += l.Principal
			stats.TotalRepaid += l.AmountPaid()
		}
		if l.IsActive() {
			stats.TotalOutstanding += l.OutstandingBalance
			borrowers[l.UserID] = true
		}
	}
	stats.ActiveBorrowers = len(borrowers)
	return stats, nil
}

type memGuarantors struct{ s *memStore }

func (r *memGuarantors) CreateBatch(_ context.Context, rows []*domain.Guarantor) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, g := range rows {
		for _, other := range r.s.guarantors {
			if other.LoanID == g.LoanID && other.GuarantorUserID == g.GuarantorUserID {
				return fmt.Errorf("guarantor %w", domain.ErrConflict)
			}
		}
		if g.ID == uuid.Nil {
			g.ID = uuid.New()
		}
		g.CreatedAt = r.s.clock()
		r.s.next(g.ID)
		stored := *g
		stored.GuarantorName = ""
		r.s.guarantors[g.ID] = stored
	}
	return nil
}

// named must be called with mu held.
func (r *memGuarantors) named(g domain.Guarantor) *domain.Guarantor {
	if u, ok := r.s.users[g.GuarantorUserID]; ok {
		g.GuarantorName = u.FullName()
	}
	return &g
}

func (r *memGuarantors) GetByID(_ context.Context, id uuid.UUID) (*domain.Guarantor, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	g, ok := r.s.guarantors[id]
	if !ok {
		return nil, notFound("guarantor")
	}
	return r.named(g), nil
}

func (r *memGuarantors) GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Guarantor, error) {
	return r.GetByID(ctx, id)
}

func (r *memGuarantors) ListForLoan(_ context.Context, loanID uuid.UUID) ([]*domain.Guarantor, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	items := sorted(r.s, r.s.guarantors, func(g domain.Guarantor) bool { return g.LoanID == loanID })
	out := make([]*domain.Guarantor, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		out[len(items)-1-i] = r.named(items[i])
	}
	return out, nil
}

func (r *memGuarantors) ListForUser(_ context.Context, userID uuid.UUID, status *domain.GuarantorStatus) ([]*domain.GuaranteeRequest, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	items := sorted(r.s, r.s.guarantors, func(g domain.Guarantor) bool {
		return g.GuarantorUserID == userID && (status == nil || g.Status == *status)
	})
	out := make([]*domain.GuaranteeRequest, 0, len(items))
	for _, g := range items {
		loan := r.s.loans[g.LoanID]
		applicant := r.s.users[loan.UserID]
		out = append(out, &domain.GuaranteeRequest{
			Guarantor:     *r.named(g),
			LoanNumber:    loan.LoanNumber,
			LoanStatus:    loan.Status,
			ApplicantName: applicant.FullName(),
			Principal:     loan.Principal,
			TenureMonths:  loan.TenureMonths,
		})
	}
	return out, nil
}

func (r *memGuarantors) Update(_ context.Context, g *domain.Guarantor, expected domain.GuarantorStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, ok := r.s.guarantors[g.ID]
	if !ok || stored.Status != expected {
		return fmt.Errorf("guarantor %w: expected %s", domain.ErrInvalidTransition, expected)
	}
	stored.Status = g.Status
	stored.DeclineReason = g.DeclineReason
	stored.RespondedAt = g.RespondedAt
	r.s.guarantors[g.ID] = stored
	return nil
}

func (r *memGuarantors) ReleaseForLoan(_ context.Context, loanID uuid.UUID) ([]*domain.Guarantor, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var released []*domain.Guarantor
	for id, g := range r.s.guarantors {
		if g.LoanID != loanID || (g.Status != domain.GuarantorPending && g.Status != domain.GuarantorAccepted) {
			continue
		}
		g.Status = domain.GuarantorReleased
		r.s.guarantors[id] = g
		released = append(released, r.named(g))
	}
	return released, nil
}

type memGrantTypes struct{ s *memStore }

func (r *memGrantTypes) Create(_ context.Context, gt *domain.GrantType) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if gt.ID == uuid.Nil {
		gt.ID = uuid.New()
	}
	gt.CreatedAt = r.s.clock()
	r.s.next(gt.ID)
	r.s.grantTypes[gt.ID] = *gt
	return nil
}

func (r *memGrantTypes) GetByID(_ context.Context, id uuid.UUID) (*domain.GrantType, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	gt, ok := r.s.grantTypes[id]
	if !ok {
		return nil, notFound("grant type")
	}
	return &gt, nil
}

func (r *memGrantTypes) List(_ context.Context, activeOnly bool) ([]*domain.GrantType, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	items := sorted(r.s, r.s.grantTypes, func(gt domain.GrantType) bool { return !activeOnly || gt.Active })
	out := make([]*domain.GrantType, len(items))
	for i := range items {
		out[i] = &items[i]
	}
	return out, nil
}

type memGrants struct{ s *memStore }

func (r *memGrants) Create(_ context.Context, g *domain.Grant) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	now := r.s.clock()
	g.GrantNumber = domain.FormatGrantNumber(now.Year(), r.s.next(g.ID))
	g.CreatedAt, g.UpdatedAt = now, now
	r.s.grants[g.ID] = *g
	return nil
}

func (r *memGrants) GetByID(_ context.Context, id uuid.UUID) (*domain.Grant, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	g, ok := r.s.grants[id]
	if !ok {
		return nil, notFound("grant")
	}
	return &g, nil
}

func (r *memGrants) GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Grant, error) {
	return r.GetByID(ctx, id)
}

func (r *memGrants) Update(_ context.Context, g *domain.Grant, expected domain.GrantStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, ok := r.s.grants[g.ID]
	if !ok || stored.Status != expected {
		return fmt.Errorf("grant %w: expected %s", domain.ErrInvalidTransition, expected)
	}
	stored.Status = g.Status
	stored.RejectionReason = g.RejectionReason
	stored.ApprovedBy = g.ApprovedBy
	stored.ApprovedAt = g.ApprovedAt
	stored.PaidAt = g.PaidAt
	stored.UpdatedAt = r.s.clock()
	r.s.grants[g.ID] = stored
	return nil
}

func grantMatches(f *domain.GrantFilter) func(domain.Grant) bool {
	return func(g domain.Grant) bool {
		if f == nil {
			return true
		}
		if f.UserID != nil && g.UserID != *f.UserID {
			return false
		}
		if f.GrantTypeID != nil && g.GrantTypeID != *f.GrantTypeID {
			return false
		}
		return f.Status == nil || g.Status == *f.Status
	}
}

func (r *memGrants) List(_ context.Context, f *domain.GrantFilter) ([]*domain.Grant, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	items := sorted(r.s, r.s.grants, grantMatches(f))
	if f != nil {
		items = page(items, f.Limit, f.Offset)
	}
	out := make([]*domain.Grant, len(items))
	for i := range items {
		out[i] = &items[i]
	}
	return out, nil
}

func (r *memGrants) Count(_ context.Context, f *domain.GrantFilter) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return len(sorted(r.s, r.s.grants, grantMatches(f))), nil
}

func (r *memGrants) Stats(_ context.Context) (map[string]int, float64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	byStatus := make(map[string]int)
	var paid float64
	for _, g := range r.s.grants {
		byStatus[string(g.Status)]++
		if g.Status == domain.GrantPaid {
			paid += g.Amount
		}
	}
	return byStatus, paid, nil
}

type memDeductions struct{ s *memStore }

func (r *memDeductions) Create(_ context.Context, d *domain.Deduction) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if d.Type == domain.DeductionPayroll {
		for _, other := range r.s.deductions {
			if other.LoanID == d.LoanID && other.Type == domain.DeductionPayroll && other.Period == d.Period {
				return fmt.Errorf("payroll deduction for %s %w", d.Period, domain.ErrConflict)
			}
		}
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	d.CreatedAt = r.s.clock()
	r.s.deductions = append(r.s.deductions, *d)
	return nil
}

func deductionMatches(f *domain.DeductionFilter, d domain.Deduction) bool {
	if f == nil {
		return true
	}
	if f.LoanID != nil && d.LoanID != *f.LoanID {
		return false
	}
	if f.UserID != nil && d.UserID != *f.UserID {
		return false
	}
	if f.Type != nil && d.Type != *f.Type {
		return false
	}
	return f.Period == "" || d.Period == f.Period
}

func (r *memDeductions) filtered(f *domain.DeductionFilter) []domain.Deduction {
	var out []domain.Deduction
	for i := len(r.s.deductions) - 1; i >= 0; i-- {
		if deductionMatches(f, r.s.deductions[i]) {
			out = append(out, r.s.deductions[i])
		}
	}
	return out
}

func (r *memDeductions) List(_ context.Context, f *domain.DeductionFilter) ([]*domain.Deduction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	items := r.filtered(f)
	if f != nil {
		items = page(items, f.Limit, f.Offset)
	}
	out := make([]*domain.Deduction, len(items))
	for i := range items {
		out[i] = &items[i]
	}
	return out, nil
}

func (r *memDeductions) Count(_ context.Context, f *domain.DeductionFilter) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return len(r.filtered(f)), nil
}

func (r *memDeductions) ExistsForPeriod(_ context.Context, loanID uuid.UUID, period string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, d := range r.s.deductions {
		if d.LoanID == loanID && d.Type == domain.DeductionPayroll && d.Period == period {
			return true, nil
		}
	}
	return false, nil
}

type memMpesa struct{ s *memStore }

func (r *memMpesa) Create(_ context.Context, t *domain.MpesaTransaction) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	now := r.s.clock()
	t.CreatedAt, t.UpdatedAt = now, now
	r.s.next(t.ID)
	r.s.mpesa[t.ID] = *t
	return nil
}

func (r *memMpesa) GetByID(_ context.Context, id uuid.UUID) (*domain.MpesaTransaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.mpesa[id]
	if !ok {
		return nil, notFound("mpesa transaction")
	}
	return &t, nil
}

func (r *memMpesa) find(match func(domain.MpesaTransaction) bool) (*domain.MpesaTransaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, t := range r.s.mpesa {
		if match(t) {
			return &t, nil
		}
	}
	return nil, notFound("mpesa transaction")
}

func (r *memMpesa) GetByCheckoutRequestID(_ context.Context, checkoutID string) (*domain.MpesaTransaction, error) {
	return r.find(func(t domain.MpesaTransaction) bool { return t.CheckoutRequestID == checkoutID })
}

func (r *memMpesa) GetByConversationID(_ context.Context, conversationID, originatorID string) (*domain.MpesaTransaction, error) {
	return r.find(func(t domain.MpesaTransaction) bool {
		return (conversationID != "" && t.ConversationID == conversationID) ||
			(originatorID != "" && t.OriginatorConversationID == originatorID)
	})
}

func (r *memMpesa) GetByReceipt(_ context.Context, receipt string) (*domain.MpesaTransaction, error) {
	return r.find(func(t domain.MpesaTransaction) bool { return t.ReceiptNumber == receipt })
}

func (r *memMpesa) SetRequestIDs(_ context.Context, t *domain.MpesaTransaction) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, ok := r.s.mpesa[t.ID]
	if !ok {
		return notFound("mpesa transaction")
	}
	stored.MerchantRequestID = t.MerchantRequestID
	stored.CheckoutRequestID = t.CheckoutRequestID
	stored.ConversationID = t.ConversationID
	stored.OriginatorConversationID = t.OriginatorConversationID
	r.s.mpesa[t.ID] = stored
	return nil
}

func (r *memMpesa) Complete(_ context.Context, id uuid.UUID, res domain.MpesaResult) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, ok := r.s.mpesa[id]
	if !ok || stored.Status != domain.MpesaPending {
		return fmt.Errorf("mpesa transaction %w: already completed", domain.ErrInvalidTransition)
	}
	if res.ReceiptNumber != "" {
		for otherID, other := range r.s.mpesa {
			if otherID != id && other.ReceiptNumber == res.ReceiptNumber {
				return fmt.Errorf("mpesa receipt %s %w", res.ReceiptNumber, domain.ErrConflict)
			}
		}
		stored.ReceiptNumber = res.ReceiptNumber
	}
	if res.Phone != "" {
		stored.Phone = res.Phone
	}
	code := res.ResultCode
	stored.Status = res.Status
	stored.ResultCode = &code
	stored.ResultDesc = res.ResultDesc
	stored.RawCallback = res.Raw
	stored.UpdatedAt = r.s.clock()
	r.s.mpesa[id] = stored
	return nil
}

func mpesaMatches(f *domain.MpesaFilter) func(domain.MpesaTransaction) bool {
	return func(t domain.MpesaTransaction) bool {
		if f == nil {
			return true
		}
		if f.Kind != nil && t.Kind != *f.Kind {
			return false
		}
		if f.Status != nil && t.Status != *f.Status {
			return false
		}
		if f.LoanID != nil && (t.LoanID == nil || *t.LoanID != *f.LoanID) {
			return false
		}
		return f.GrantID == nil || (t.GrantID != nil && *t.GrantID == *f.GrantID)
	}
}

func mpesaPtrs(items []domain.MpesaTransaction) []*domain.MpesaTransaction {
	out := make([]*domain.MpesaTransaction, len(items))
	for i := range items {
		out[i] = &items[i]
	}
	return out
}

func (r *memMpesa) List(_ context.Context, f *domain.MpesaFilter) ([]*domain.MpesaTransaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	items := sorted(r.s, r.s.mpesa, mpesaMatches(f))
	if f != nil {
		items = page(items, f.Limit, f.Offset)
	}
	return mpesaPtrs(items), nil
}

func (r *memMpesa) Count(_ context.Context, f *domain.MpesaFilter) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return len(sorted(r.s, r.s.mpesa, mpesaMatches(f))), nil
}

func (r *memMpesa) ListStalePending(_ context.Context, kind domain.MpesaKind, olderThan time.Time, limit int) ([]*domain.MpesaTransaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	items := sorted(r.s, r.s.mpesa, func(t domain.MpesaTransaction) bool {
		return t.Kind == kind && t.Status == domain.MpesaPending && t.CreatedAt.Before(olderThan)
	})
	return mpesaPtrs(page(items, limit, 0)), nil
}

func (r *memMpesa) ListUnsubmitted(_ context.Context, olderThan time.Time, limit int) ([]*domain.MpesaTransaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	items := sorted(r.s, r.s.mpesa, func(t domain.MpesaTransaction) bool {
		return t.Kind == domain.MpesaB2C && t.Status == domain.MpesaPending && t.ConversationID == "" && t.CreatedAt.Before(olderThan)
	})
	return mpesaPtrs(page(items, limit, 0)), nil
}

func (r *memMpesa) FailUnsubmitted(_ context.Context, purpose domain.MpesaPurpose, refID uuid.UUID, olderThan time.Time, desc string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, t := range r.s.mpesa {
		if t.Kind != domain.MpesaB2C || t.Purpose != purpose || t.Status != domain.MpesaPending ||
			t.ConversationID != "" || !t.CreatedAt.Before(olderThan) {
			continue
		}
		if (t.LoanID == nil || *t.LoanID != refID) && (t.GrantID == nil || *t.GrantID != refID) {
			continue
		}
		code := -1
		t.Status = domain.MpesaFailed
		t.ResultCode = &code
		t.ResultDesc = desc
		t.UpdatedAt = r.s.clock()
		r.s.mpesa[id] = t
		n++
	}
	return n, nil
}

func (r *memMpesa) HasPending(_ context.Context, purpose domain.MpesaPurpose, refID uuid.UUID) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, t := range r.s.mpesa {
		if t.Purpose != purpose || t.Status != domain.MpesaPending {
			continue
		}
		if (t.LoanID != nil && *t.LoanID == refID) || (t.GrantID != nil && *t.GrantID == refID) {
			return true, nil
		}
	}
	return false, nil
}

type memNotifications struct{ s *memStore }

func (r *memNotifications) Create(_ context.Context, n *domain.Notification) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	n.CreatedAt = r.s.clock()
	r.s.notifications = append(r.s.notifications, *n)
	return nil
}

func (r *memNotifications) ListForUser(_ context.Context, userID uuid.UUID, f *domain.NotificationFilter) ([]*domain.Notification, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var items []domain.Notification
	for i := len(r.s.notifications) - 1; i >= 0; i-- {
		n := r.s.notifications[i]
		if n.UserID != userID || (f != nil && f.UnreadOnly && n.ReadAt != nil) {
			continue
		}
		items = append(items, n)
	}
	if f != nil {
		items = page(items, f.Limit, f.Offset)
	}
	out := make([]*domain.Notification, len(items))
	for i := range items {
		out[i] = &items[i]
	}
	return out, nil
}

func (r *memNotifications) CountUnread(_ context.Context, userID uuid.UUID) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	count := 0
	for _, n := range r.s.notifications {
		if n.UserID == userID && n.ReadAt == nil {
			count++
		}
	}
	return count, nil
}

func (r *memNotifications) MarkRead(_ context.Context, id, userID uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for i, n := range r.s.notifications {
		if n.ID == id && n.UserID == userID {
			if n.ReadAt == nil {
				now := r.s.clock()
				r.s.notifications[i].ReadAt = &now
			}
			return nil
		}
	}
	return notFound("notification")
}

func (r *memNotifications) MarkAllRead(_ context.Context, userID uuid.UUID) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	now := r.s.clock()
	for i := range r.s.notifications {
		if r.s.notifications[i].UserID == userID && r.s.notifications[i].ReadAt == nil {
			r.s.notifications[i].ReadAt = &now
			n++
		}
	}
	return n, nil
}

type memAudit struct{ s *memStore }

func (r *memAudit) Log(_ context.Context, entityType string, entityID uuid.UUID, action string, actorID *uuid.UUID, details interface{}) error {
	raw, err := json.Marshal(details)
	if err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.audit = append(r.s.audit, domain.AuditLog{
		ID:         uuid.New(),
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		ActorID:    actorID,
		Details:    raw,
		CreatedAt:  r.s.clock(),
	})
	return nil
}

func auditMatches(f *domain.AuditLogFilter, a domain.AuditLog) bool {
	if f == nil {
		return true
	}
	if f.EntityType != nil && a.EntityType != *f.EntityType {
		return false
	}
	if f.EntityID != nil && a.EntityID != *f.EntityID {
		return false
	}
	if f.Action != nil && a.Action != *f.Action {
		return false
	}
	if f.ActorID != nil && (a.ActorID == nil || *a.ActorID != *f.ActorID) {
		return false
	}
	return f.Since == nil || !a.CreatedAt.Before(*f.Since)
}

func (r *memAudit) filtered(f *domain.AuditLogFilter) []domain.AuditLog {
	var out []domain.AuditLog
	for i := len(r.s.audit) - 1; i >= 0; i-- {
		if auditMatches(f, r.s.audit[i]) {
			out = append(out, r.s.audit[i])
		}
	}
	return out
}

func (r *memAudit) List(_ context.Context, f *domain.AuditLogFilter) ([]*domain.AuditLog, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	items := r.filtered(f)
	if f != nil {
		items = page(items, f.Limit, f.Offset)
	}
	out := make([]*domain.AuditLog, len(items))
	for i := range items {
		out[i] = &items[i]
	}
	return out, nil
}

func (r *memAudit) Count(_ context.Context, f *domain.AuditLogFilter) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return len(r.filtered(f)), nil
}

type memEvents struct{ s *memStore }

func (r *memEvents) AppendEvent(_ context.Context, e *domain.Event) (*domain.Event, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	version := 1
	for _, other := range r.s.events {
		if other.AggregateType == e.AggregateType && other.AggregateID == e.AggregateID {
			version++
		}
	}
	e.Version = version
	r.s.events = append(r.s.events, *e)
	return e, nil
}

func (r *memEvents) GetEventsByAggregate(_ context.Context, aggregateType domain.AggregateType, aggregateID uuid.UUID) ([]*domain.Event, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*domain.Event
	for i := range r.s.events {
		e := r.s.events[i]
		if e.AggregateType == string(aggregateType) && e.AggregateID == aggregateID {
			out = append(out, &e)
		}
	}
	return out, nil
}

func (r *memEvents) GetEventsByType(_ context.Context, eventType domain.EventType, limit int, offset int) ([]*domain.Event, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var items []domain.Event
	for _, e := range r.s.events {
		if e.EventType == string(eventType) {
			items = append(items, e)
		}
	}
	items = page(items, limit, offset)
	out := make([]*domain.Event, len(items))
	for i := range items {
		out[i] = &items[i]
	}
	return out, nil
}

// eventTypes lists the event types recorded for an aggregate, oldest first.
func (s *memStore) eventTypes(aggregateID uuid.UUID) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.events {
		if e.AggregateID == aggregateID {
			out = append(out, e.EventType)
		}
	}
	return out
}

// notificationTypes lists the notification types sent to a user, oldest first.
func (s *memStore) notificationTypes(userID uuid.UUID) []domain.NotificationType {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.NotificationType
	for _, n := range s.notifications {
		if n.UserID == userID {
			out = append(out, n.Type)
		}
	}
	return out
}

func (s *memStore) auditActions(entityID uuid.UUID) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, a := range s.audit {
		if a.EntityID == entityID {
			out = append(out, a.Action)
		}
	}
	return out
}

func (s *memStore) loan(id uuid.UUID) domain.Loan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loans[id]
}

func (s *memStore) putLoan(l domain.Loan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.order[l.ID]; !ok {
		s.next(l.ID)
	}
	s.loans[l.ID] = l
}

func (s *memStore) transaction(id uuid.UUID) domain.MpesaTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mpesa[id]
}

func (s *memStore) transactions(kind domain.MpesaKind) []domain.MpesaTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := sorted(s, s.mpesa, func(t domain.MpesaTransaction) bool { return t.Kind == kind })
	// oldest first
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items
}

func (s *memStore) ageTransaction(id uuid.UUID, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.mpesa[id]
	t.CreatedAt = t.CreatedAt.Add(-d)
	s.mpesa[id] = t
}

func (s *memStore) loanDeductions(loanID uuid.UUID) []domain.Deduction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Deduction
	for _, d := range s.deductions {
		if d.LoanID == loanID {
			out = append(out, d)
		}
	}
	return out
}

func (s *memStore) guarantorsFor(loanID uuid.UUID) []domain.Guarantor {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Guarantor
	for _, g := range s.guarantors {
		if g.LoanID == loanID {
			out = append(out, g)
		}
	}
	return out
}

// fakeGateway records Daraja calls and returns canned responses.
type fakeGateway struct {
	mu sync.Mutex

	stkErr     error
	queries    map[string]*mpesa.STKQueryResponse
	queryErr   error
	b2cErr     error
	registered []string

	stkCalls []mpesa.STKPushRequest
	b2cCalls []mpesa.B2CRequest
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{queries: make(map[string]*mpesa.STKQueryResponse)}
}

func (g *fakeGateway) STKPush(_ context.Context, r mpesa.STKPushRequest) (*mpesa.STKPushResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stkCalls = append(g.stkCalls, r)
	if g.stkErr != nil {
		return nil, g.stkErr
	}
	n := len(g.stkCalls)
	return &mpesa.STKPushResponse{
		MerchantRequestID: fmt.Sprintf("mr-%d", n),
		CheckoutRequestID: fmt.Sprintf("ws_CO_%d", n),
		ResponseCode:      "0",
	}, nil
}

func (g *fakeGateway) STKQuery(_ context.Context, checkoutRequestID string) (*mpesa.STKQueryResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.queryErr != nil {
		return nil, g.queryErr
	}
	if resp, ok := g.queries[checkoutRequestID]; ok {
		return resp, nil
	}
	return &mpesa.STKQueryResponse{CheckoutRequestID: checkoutRequestID}, nil
}

func (g *fakeGateway) B2C(_ context.Context, r mpesa.B2CRequest) (*mpesa.B2CResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.b2cCalls = append(g.b2cCalls, r)
	if g.b2cErr != nil {
		return nil, g.b2cErr
	}
	n := len(g.b2cCalls)
	return &mpesa.B2CResponse{
		ConversationID:           fmt.Sprintf("AG_%d", n),
		OriginatorConversationID: fmt.Sprintf("orig-%d", n),
		ResponseCode:             "0",
	}, nil
}

func (g *fakeGateway) RegisterC2BURLs(_ context.Context, confirmationURL, validationURL string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.registered = append(g.registered, confirmationURL, validationURL)
	return nil
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []*worker.Job
	err  error
}

func (q *fakeQueue) Enqueue(_ context.Context, job *worker.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

// payouts returns the transaction ids of queued B2C jobs.
func (q *fakeQueue) payouts() []uuid.UUID {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []uuid.UUID
	for _, j := range q.jobs {
		if j.Type != worker.JobB2CDisburse {
			continue
		}
		var p worker.DisbursePayload
		if err := j.Decode(&p); err == nil {
			out = append(out, p.TransactionID)
		}
	}
	return out
}

type fakeCache struct {
	mu      sync.Mutex
	locks   map[string]bool
	revoked map[string]bool
	users   map[uuid.UUID]*domain.UserResponse
	types   map[bool][]*domain.LoanType
	hits    map[string]int
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		locks:   make(map[string]bool),
		revoked: make(map[string]bool),
		users:   make(map[uuid.UUID]*domain.UserResponse),
		types:   make(map[bool][]*domain.LoanType),
		hits:    make(map[string]int),
	}
}

func (c *fakeCache) CacheUser(_ context.Context, u *domain.User) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	resp := u.ToResponse()
	c.users[u.ID] = &resp
	return nil
}

func (c *fakeCache) GetCachedUser(_ context.Context, id uuid.UUID) (*domain.UserResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if u, ok := c.users[id]; ok {
		return u, nil
	}
	return nil, notFound("cached user")
}

func (c *fakeCache) InvalidateUserCache(_ context.Context, id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.users, id)
	return nil
}

func (c *fakeCache) CacheLoanTypes(_ context.Context, activeOnly bool, types []*domain.LoanType) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.types[activeOnly] = types
	return nil
}

func (c *fakeCache) GetCachedLoanTypes(_ context.Context, activeOnly bool) ([]*domain.LoanType, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if types, ok := c.types[activeOnly]; ok {
		return types, nil
	}
	return nil, notFound("cached loan types")
}

func (c *fakeCache) InvalidateLoanTypes(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.types = make(map[bool][]*domain.LoanType)
	return nil
}

func (c *fakeCache) RevokeToken(_ context.Context, tokenID string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.revoked[tokenID] = true
	return nil
}

func (c *fakeCache) IsTokenRevoked(_ context.Context, tokenID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.revoked[tokenID], nil
}

func (c *fakeCache) AcquireLock(_ context.Context, key string, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.locks[key] {
		return false, nil
	}
	c.locks[key] = true
	return true, nil
}

func (c *fakeCache) CheckRateLimit(_ context.Context, key string, maxRequests int, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hits[key]++
	return c.hits[key] <= maxRequests, nil
}

func (c *fakeCache) Health(context.Context) error { return nil }

type sentMessage struct {
	To, Subject, Body string
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (m *fakeMailer) SendEmail(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMessage{To: to, Subject: subject, Body: body})
	return nil
}

func (m *fakeMailer) to(addr string) []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []sentMessage
	for _, s := range m.sent {
		if s.To == addr {
			out = append(out, s)
		}
	}
	return out
}

type fakeSMS struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (f *fakeSMS) SendSMS(_ context.Context, phone, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{To: phone, Body: message})
	return nil
}

func (f *fakeSMS) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}
