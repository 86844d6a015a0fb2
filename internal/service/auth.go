package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/auth"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/domain"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/repository"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/utils"
)

// authService implements the AuthService interface.
type authService struct {
	repos      *repository.Repositories
	jwtManager *auth.JWTManager
	eventSvc   *EventService
	cache      CacheService
	now        func() time.Time
}

// NewAuthService creates a new authentication service. cache may be nil, in
// which case logout cannot revoke refresh tokens.
func NewAuthService(repos *repository.Repositories, jwtManager *auth.JWTManager, eventSvc *EventService, cache CacheService) AuthService {
	return &authService{
		repos:      repos,
		jwtManager: jwtManager,
		eventSvc:   eventSvc,
		cache:      cache,
		now:        time.Now,
	}
}

// Register creates a new employee account.
func (s *authService) Register(ctx context.Context, req *domain.RegisterRequest) (*domain.UserResponse, error) {
	return s.register(ctx, req, domain.RoleEmployee)
}

// CreateAdmin creates an administrator account.
func (s *authService) CreateAdmin(ctx context.Context, req *domain.RegisterRequest) (*domain.UserResponse, error) {
	return s.register(ctx, req, domain.RoleAdmin)
}

func (s *authService) register(ctx context.Context, req *domain.RegisterRequest, role domain.UserRole) (*domain.UserResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, invalid(err)
	}
	if err := auth.ValidatePasswordStrength(req.Password); err != nil {
		return nil, invalid(fmt.Errorf("password: %w", err))
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	employeeNumber := strings.ToUpper(req.EmployeeNumber)
	if _, err := s.repos.Users.GetByEmail(ctx, email); err == nil {
		return nil, fmt.Errorf("%w: email already registered", domain.ErrConflict)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if _, err := s.repos.Users.GetByEmployeeNumber(ctx, employeeNumber); err == nil {
		return nil, fmt.Errorf("%w: employee number already registered", domain.ErrConflict)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	hashedPassword, err := auth.HashPassword(req.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &domain.User{
		EmployeeNumber: employeeNumber,
		FirstName:      strings.TrimSpace(req.FirstName),
		LastName:       strings.TrimSpace(req.LastName),
		Email:          email,
		Phone:          req.Phone,
		NationalID:     req.NationalID,
		PasswordHash:   hashedPassword,
		Role:           string(role),
		Status:         string(domain.UserActive),
	}
	if err := s.repos.Users.Create(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	if s.eventSvc != nil {
		if err := s.eventSvc.UserRegistered(ctx, user); err != nil {
			utils.Error("failed to publish UserRegistered event",
				"user_id", user.ID,
				"error", err.Error(),
			)
		}
	}

	writeAudit(ctx, s.repos.Audit, domain.EntityUser, user.ID, domain.ActionCreated, nil, map[string]interface{}{
		"employee_number": user.EmployeeNumber,
		"email":           user.Email,
		"role":            user.Role,
	})

	response := user.ToResponse()
	return &response, nil
}

// Login authenticates a user and returns tokens.
func (s *authService) Login(ctx context.Context, email, password string) (*LoginResponse, error) {
	user, err := s.repos.Users.GetByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: invalid email or password", domain.ErrUnauthorized)
		}
		return nil, err
	}

	if !auth.ComparePassword(user.PasswordHash, password) {
		return nil, fmt.Errorf("%w: invalid email or password", domain.ErrUnauthorized)
	}
	if !user.IsActive() {
		return nil, fmt.Errorf("%w: account is suspended", domain.ErrForbidden)
	}

	tokenPair, err := s.jwtManager.GenerateTokenPair(identity(user))
	if err != nil {
		return nil, fmt.Errorf("failed to generate tokens: %w", err)
	}

	writeAudit(ctx, s.repos.Audit, domain.EntityUser, user.ID, domain.ActionLogin, &user.ID, map[string]interface{}{
		"email": user.Email,
	})

	userResponse := user.ToResponse()
	return &LoginResponse{
		User:         &userResponse,
		AccessToken:  tokenPair.AccessToken,
		RefreshToken: tokenPair.RefreshToken,
		ExpiresIn:    int(tokenPair.ExpiresIn),
	}, nil
}

// RefreshToken rotates a refresh token. The presented token is revoked and
// a fresh pair issued for the current state of the account.
func (s *authService) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	claims, err := s.validRefreshClaims(ctx, refreshToken)
	if err != nil {
		return nil, err
	}

	user, err := s.repos.Users.GetByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: invalid refresh token", domain.ErrUnauthorized)
		}
		return nil, err
	}
	if !user.IsActive() {
		return nil, fmt.Errorf("%w: account is suspended", domain.ErrForbidden)
	}

	s.revoke(ctx, claims)

	tokenPair, err := s.jwtManager.GenerateTokenPair(identity(user))
	if err != nil {
		return nil, fmt.Errorf("failed to generate tokens: %w", err)
	}
	return &TokenResponse{
		AccessToken:  tokenPair.AccessToken,
		RefreshToken: tokenPair.RefreshToken,
		ExpiresIn:    int(tokenPair.ExpiresIn),
	}, nil
}

// Logout revokes a refresh token.
func (s *authService) Logout(ctx context.Context, refreshToken string) error {
	claims, err := s.validRefreshClaims(ctx, refreshToken)
	if err != nil {
		return err
	}
	s.revoke(ctx, claims)
	writeAudit(ctx, s.repos.Audit, domain.EntityUser, claims.UserID, domain.ActionLogout, &claims.UserID, nil)
	return nil
}

// ChangePassword replaces the caller's password after checking the current one.
func (s *authService) ChangePassword(ctx context.Context, userID uuid.UUID, req *domain.ChangePasswordRequest) error {
	if err := req.Validate(); err != nil {
		return invalid(err)
	}
	if err := auth.ValidatePasswordStrength(req.NewPassword); err != nil {
		return invalid(fmt.Errorf("new_password: %w", err))
	}

	user, err := s.repos.Users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if !auth.ComparePassword(user.PasswordHash, req.CurrentPassword) {
		return fmt.Errorf("%w: current_password: incorrect password", domain.ErrValidation)
	}

	hash, err := auth.HashPassword(req.NewPassword)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	if err := s.repos.Users.UpdatePassword(ctx, userID, hash); err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}

	writeAudit(ctx, s.repos.Audit, domain.EntityUser, userID, domain.ActionUpdated, &userID, map[string]interface{}{
		"field": "password",
	})
	return nil
}

func (s *authService) validRefreshClaims(ctx context.Context, refreshToken string) (*auth.Claims, error) {
	claims, err := s.jwtManager.ValidateRefreshToken(refreshToken)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid refresh token", domain.ErrUnauthorized)
	}
	if s.cache == nil || claims.ID == "" {
		return claims, nil
	}
	revoked, err := s.cache.IsTokenRevoked(ctx, claims.ID)
	if err != nil {
		utils.Warn("failed to check token revocation", "user_id", claims.UserID, "error", err.Error())
		return claims, nil
	}
	if revoked {
		return nil, fmt.Errorf("%w: refresh token revoked", domain.ErrUnauthorized)
	}
	return claims, nil
}

func (s *authService) revoke(ctx context.Context, claims *auth.Claims) {
	if s.cache == nil || claims.ID == "" || claims.ExpiresAt == nil {
		return
	}
	ttl := claims.ExpiresAt.Sub(s.now())
	if err := s.cache.RevokeToken(ctx, claims.ID, ttl); err != nil {
		utils.Error("failed to revoke refresh token", "user_id", claims.UserID, "error", err.Error())
	}
}

func identity(user *domain.User) auth.Identity {
	return auth.Identity{
		UserID:         user.ID,
		EmployeeNumber: user.EmployeeNumber,
		Email:          user.Email,
		Role:           user.Role,
	}
}
