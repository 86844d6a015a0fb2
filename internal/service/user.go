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

// UserServiceImpl implements the UserService interface.
type UserServiceImpl struct {
	repos *repository.Repositories
	cache CacheService // Optional cache service
}

// NewUserService creates a new user service.
func NewUserService(repos *repository.Repositories) *UserServiceImpl {
	return &UserServiceImpl{repos: repos}
}

// SetCacheService sets the cache service for this user service
func (s *UserServiceImpl) SetCacheService(cache CacheService) {
	s.cache = cache
}

// GetByID retrieves a user by ID.
func (s *UserServiceImpl) GetByID(ctx context.Context, id uuid.UUID) (*domain.UserResponse, error) {
	if s.cache != nil {
		cachedUser, err := s.cache.GetCachedUser(ctx, id)
		if err == nil {
			utils.Debug("cache hit for user", "user_id", id.String())
			return cachedUser, nil
		}
		utils.Debug("cache miss for user", "user_id", id.String())
	}

	user, err := s.repos.Users.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	s.recache(ctx, user)
	response := user.ToResponse()
	return &response, nil
}

// GetProfile returns the current user's profile.
func (s *UserServiceImpl) GetProfile(ctx context.Context, userID uuid.UUID) (*domain.UserResponse, error) {
	return s.GetByID(ctx, userID)
}

// UpdateProfile updates the fields an employee may change themselves.
func (s *UserServiceImpl) UpdateProfile(ctx context.Context, userID uuid.UUID, req *domain.UpdateProfileRequest) (*domain.UserResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, invalid(err)
	}

	user, err := s.repos.Users.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if req.FirstName != nil {
		user.FirstName = strings.TrimSpace(*req.FirstName)
	}
	if req.LastName != nil {
		user.LastName = strings.TrimSpace(*req.LastName)
	}
	if req.Phone != nil {
		user.Phone = *req.Phone
	}

	if err := s.repos.Users.Update(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to update user: %w", err)
	}
	s.recache(ctx, user)

	writeAudit(ctx, s.repos.Audit, domain.EntityUser, user.ID, domain.ActionUpdated, &userID, map[string]interface{}{
		"first_name": user.FirstName,
		"last_name":  user.LastName,
		"phone":      user.Phone,
	})

	response := user.ToResponse()
	return &response, nil
}

// List retrieves users with filtering (admin only).
func (s *UserServiceImpl) List(ctx context.Context, filter *domain.UserFilter) ([]*domain.UserResponse, int, error) {
	users, err := s.repos.Users.List(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list users: %w", err)
	}
	total, err := s.repos.Users.Count(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count users: %w", err)
	}

	responses := make([]*domain.UserResponse, len(users))
	for i, user := range users {
		response := user.ToResponse()
		responses[i] = &response
	}
	return responses, total, nil
}

// AdminUpdate changes salary, role, status or phone of any user.
func (s *UserServiceImpl) AdminUpdate(ctx context.Context, actorID, id uuid.UUID, req *domain.AdminUpdateUserRequest) (*domain.UserResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, invalid(err)
	}

	user, err := s.repos.Users.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if actorID == id && req.Role != nil && strings.ToLower(*req.Role) != user.Role {
		return nil, fmt.Errorf("%w: admins cannot change their own role", domain.ErrForbidden)
	}

	before := map[string]interface{}{
		"basic_salary": user.BasicSalary,
		"role":         user.Role,
		"status":       user.Status,
	}
	if req.BasicSalary != nil {
		user.BasicSalary = domain.RoundMoney(*req.BasicSalary)
	}
	if req.Role != nil {
		user.Role = strings.ToLower(*req.Role)
	}
	if req.Status != nil {
		user.Status = *req.Status
	}
	if req.Phone != nil {
		user.Phone = *req.Phone
	}

	if err := s.repos.Users.Update(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to update user: %w", err)
	}
	s.recache(ctx, user)

	writeAudit(ctx, s.repos.Audit, domain.EntityUser, user.ID, domain.ActionUpdated, &actorID, map[string]interface{}{
		"before": before,
		"after": map[string]interface{}{
			"basic_salary": user.BasicSalary,
			"role":         user.Role,
			"status":       user.Status,
		},
	})

	response := user.ToResponse()
	return &response, nil
}

// AddDependant adds a dependant to the caller's profile.
func (s *UserServiceImpl) AddDependant(ctx context.Context, userID uuid.UUID, req *domain.CreateDependantRequest) (*domain.Dependant, error) {
	if err := req.Validate(); err != nil {
		return nil, invalid(err)
	}
	d := &domain.Dependant{
		UserID:       userID,
		Name:         strings.TrimSpace(req.Name),
		Relationship: req.Relationship,
		Phone:        req.Phone,
		DateOfBirth:  req.DateOfBirth,
	}
	if err := s.repos.Dependants.Create(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to create dependant: %w", err)
	}
	writeAudit(ctx, s.repos.Audit, domain.EntityDependant, d.ID, domain.ActionCreated, &userID, map[string]interface{}{
		"name":         d.Name,
		"relationship": d.Relationship,
	})
	return d, nil
}

// ListDependants lists the caller's dependants.
func (s *UserServiceImpl) ListDependants(ctx context.Context, userID uuid.UUID) ([]*domain.Dependant, error) {
	return s.repos.Dependants.ListForUser(ctx, userID)
}

// DeleteDependant removes one of the caller's dependants.
func (s *UserServiceImpl) DeleteDependant(ctx context.Context, userID, id uuid.UUID) error {
	if err := s.repos.Dependants.Delete(ctx, id, userID); err != nil {
		return err
	}
	writeAudit(ctx, s.repos.Audit, domain.EntityDependant, id, domain.ActionDeleted, &userID, nil)
	return nil
}

func (s *UserServiceImpl) recache(ctx context.Context, user *domain.User) {
	if s.cache == nil {
		return
	}
	if err := s.cache.CacheUser(ctx, user); err != nil {
		utils.Error("failed to cache user", "user_id", user.ID.String(), "error", err.Error())
	}
}
