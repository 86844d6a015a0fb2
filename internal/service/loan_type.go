package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/domain"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/repository"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/utils"
)

type loanTypeService struct {
	repos *repository.Repositories
	cache CacheService
}

// NewLoanTypeService creates the loan product service. cache may be nil.
func NewLoanTypeService(repos *repository.Repositories, cache CacheService) LoanTypeService {
	return &loanTypeService{repos: repos, cache: cache}
}

// List returns loan types, from cache when possible.
func (s *loanTypeService) List(ctx context.Context, activeOnly bool) ([]*domain.LoanType, error) {
	if s.cache != nil {
		if types, err := s.cache.GetCachedLoanTypes(ctx, activeOnly); err == nil {
			return types, nil
		}
	}

	types, err := s.repos.LoanTypes.List(ctx, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to list loan types: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.CacheLoanTypes(ctx, activeOnly, types); err != nil {
			utils.Warn("failed to cache loan types", "error", err.Error())
		}
	}
	return types, nil
}

func (s *loanTypeService) Get(ctx context.Context, id uuid.UUID) (*domain.LoanType, error) {
	return s.repos.LoanTypes.GetByID(ctx, id)
}

func (s *loanTypeService) Create(ctx context.Context, actorID uuid.UUID, req *domain.CreateLoanTypeRequest) (*domain.LoanType, error) {
	if err := req.Validate(); err != nil {
		return nil, invalid(err)
	}
	lt := &domain.LoanType{
		Name:               strings.TrimSpace(req.Name),
		Description:        req.Description,
		InterestRate:       req.InterestRate,
		InterestMethod:     req.InterestMethod,
		MinAmount:          req.MinAmount,
		MaxAmount:          req.MaxAmount,
		MaxTenureMonths:    req.MaxTenureMonths,
		RequiredGuarantors: req.RequiredGuarantors,
		Active:             true,
	}
	if err := s.repos.LoanTypes.Create(ctx, lt); err != nil {
		return nil, err
	}
	s.invalidate(ctx)
	writeAudit(ctx, s.repos.Audit, domain.EntityLoanType, lt.ID, domain.ActionCreated, &actorID, map[string]interface{}{
		"name":          lt.Name,
		"interest_rate": lt.InterestRate,
		"method":        lt.InterestMethod,
	})
	return lt, nil
}

func (s *loanTypeService) Update(ctx context.Context, actorID, id uuid.UUID, req *domain.UpdateLoanTypeRequest) (*domain.LoanType, error) {
	if err := req.Validate(); err != nil {
		return nil, invalid(err)
	}
	lt, err := s.repos.LoanTypes.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	req.Apply(lt)
	if lt.MaxAmount < lt.MinAmount {
		return nil, fmt.Errorf("%w: max_amount: must be at least min_amount", domain.ErrValidation)
	}
	if err := s.repos.LoanTypes.Update(ctx, lt); err != nil {
		return nil, err
	}
	s.invalidate(ctx)
	writeAudit(ctx, s.repos.Audit, domain.EntityLoanType, lt.ID, domain.ActionUpdated, &actorID, map[string]interface{}{
		"interest_rate":       lt.InterestRate,
		"min_amount":          lt.MinAmount,
		"max_amount":          lt.MaxAmount,
		"max_tenure_months":   lt.MaxTenureMonths,
		"required_guarantors": lt.RequiredGuarantors,
		"active":              lt.Active,
	})
	return lt, nil
}

func (s *loanTypeService) invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateLoanTypes(ctx); err != nil {
		utils.Warn("failed to invalidate loan type cache", "error", err.Error())
	}
}
