package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/domain"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/repository"
)

// CacheService defines the interface for caching operations
type CacheService interface {
	// User cache operations
	CacheUser(ctx context.Context, user *domain.User) error
	GetCachedUser(ctx context.Context, userID uuid.UUID) (*domain.UserResponse, error)
	InvalidateUserCache(ctx context.Context, userID uuid.UUID) error

	// Loan type cache operations
	CacheLoanTypes(ctx context.Context, activeOnly bool, types []*domain.LoanType) error
	GetCachedLoanTypes(ctx context.Context, activeOnly bool) ([]*domain.LoanType, error)
	InvalidateLoanTypes(ctx context.Context) error

	// Refresh token revocation
	RevokeToken(ctx context.Context, tokenID string, ttl time.Duration) error
	IsTokenRevoked(ctx context.Context, tokenID string) (bool, error)

	// AcquireLock takes a short-lived lock. It returns false when another
	// holder has it.
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// CheckRateLimit counts a hit for key and reports whether it is within
	// maxRequests for the window.
	CheckRateLimit(ctx context.Context, key string, maxRequests int, window time.Duration) (bool, error)

	// Health and stats
	Health(ctx context.Context) error
}

// cacheServiceImpl provides caching on Redis.
type cacheServiceImpl struct {
	redisClient *repository.RedisClient
}

// NewCacheService creates a new cache service
func NewCacheService(redisClient *repository.RedisClient) CacheService {
	return &cacheServiceImpl{
		redisClient: redisClient,
	}
}

const (
	userCachePrefix    = "user:"
	userCacheTTL       = 30 * time.Minute
	loanTypesCacheKey  = "loan_types:"
	loanTypesCacheTTL  = 10 * time.Minute
	revokedTokenPrefix = "revoked_token:"
	lockPrefix         = "lock:"
	rateLimitPrefix    = "ratelimit:"
)

// CacheUser caches user information
func (c *cacheServiceImpl) CacheUser(ctx context.Context, user *domain.User) error {
	key := userCachePrefix + user.ID.String()
	return c.redisClient.Set(ctx, key, user.ToResponse(), userCacheTTL)
}

// GetCachedUser retrieves a cached user
func (c *cacheServiceImpl) GetCachedUser(ctx context.Context, userID uuid.UUID) (*domain.UserResponse, error) {
	key := userCachePrefix + userID.String()
	var user domain.UserResponse
	if err := c.redisClient.Get(ctx, key, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// InvalidateUserCache removes user from cache
func (c *cacheServiceImpl) InvalidateUserCache(ctx context.Context, userID uuid.UUID) error {
	return c.redisClient.Del(ctx, userCachePrefix+userID.String())
}

func loanTypesKey(activeOnly bool) string {
	if activeOnly {
		return loanTypesCacheKey + "active"
	}
	return loanTypesCacheKey + "all"
}

// CacheLoanTypes caches a loan type listing.
func (c *cacheServiceImpl) CacheLoanTypes(ctx context.Context, activeOnly bool, types []*domain.LoanType) error {
	return c.redisClient.Set(ctx, loanTypesKey(activeOnly), types, loanTypesCacheTTL)
}

// GetCachedLoanTypes returns a cached loan type listing.
func (c *cacheServiceImpl) GetCachedLoanTypes(ctx context.Context, activeOnly bool) ([]*domain.LoanType, error) {
	var types []*domain.LoanType
	if err := c.redisClient.Get(ctx, loanTypesKey(activeOnly), &types); err != nil {
		return nil, err
	}
	return types, nil
}

// InvalidateLoanTypes drops both loan type listings.
func (c *cacheServiceImpl) InvalidateLoanTypes(ctx context.Context) error {
	return c.redisClient.Del(ctx, loanTypesKey(true), loanTypesKey(false))
}

// RevokeToken marks a token id revoked until ttl passes.
func (c *cacheServiceImpl) RevokeToken(ctx context.Context, tokenID string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return c.redisClient.Set(ctx, revokedTokenPrefix+tokenID, true, ttl)
}

// IsTokenRevoked reports whether a token id was revoked.
func (c *cacheServiceImpl) IsTokenRevoked(ctx context.Context, tokenID string) (bool, error) {
	return c.redisClient.Exists(ctx, revokedTokenPrefix+tokenID)
}

// AcquireLock takes a lock with SETNX.
func (c *cacheServiceImpl) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.redisClient.SetNX(ctx, lockPrefix+key, time.Now().Unix(), ttl)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	return ok, nil
}

// CheckRateLimit checks if a key has exceeded its request budget.
func (c *cacheServiceImpl) CheckRateLimit(ctx context.Context, key string, maxRequests int, window time.Duration) (bool, error) {
	count, err := c.redisClient.IncrWindow(ctx, rateLimitPrefix+key, window)
	if err != nil {
		return false, err
	}
	return count <= int64(maxRequests), nil
}

// Health checks Redis connectivity
func (c *cacheServiceImpl) Health(ctx context.Context) error {
	return c.redisClient.Ping(ctx)
}
