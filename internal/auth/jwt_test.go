package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestJWTManager(t *testing.T) {
	manager := NewJWTManager("test-secret-key-for-jwt-signing", "loans-test")

	id := Identity{
		UserID:         uuid.New(),
		EmployeeNumber: "EMP-0042",
		Email:          "jane@example.com",
		Role:           "employee",
	}

	t.Run("generate and validate access token", func(t *testing.T) {
		token, err := manager.GenerateAccessToken(id)
		if err != nil {
			t.Fatalf("Failed to generate access token: %v", err)
		}

		claims, err := manager.ValidateAccessToken(token)
		if err != nil {
			t.Fatalf("Failed to validate access token: %v", err)
		}
		if claims.UserID != id.UserID {
			t.Errorf("Expected UserID %v, got %v", id.UserID, claims.UserID)
		}
		if claims.EmployeeNumber != id.EmployeeNumber {
			t.Errorf("Expected EmployeeNumber %v, got %v", id.EmployeeNumber, claims.EmployeeNumber)
		}
		if claims.Role != id.Role {
			t.Errorf("Expected Role %v, got %v", id.Role, claims.Role)
		}
	})

	t.Run("token type validation", func(t *testing.T) {
		pair, err := manager.GenerateTokenPair(id)
		if err != nil {
			t.Fatalf("Failed to generate pair: %v", err)
		}

		if _, err := manager.ValidateRefreshToken(pair.AccessToken); !errors.Is(err, ErrWrongType) {
			t.Errorf("Access token should fail refresh validation, got %v", err)
		}
		if _, err := manager.ValidateAccessToken(pair.RefreshToken); !errors.Is(err, ErrWrongType) {
			t.Errorf("Refresh token should fail access validation, got %v", err)
		}
		if pair.ExpiresIn != int64(AccessTokenDuration.Seconds()) {
			t.Errorf("Unexpected ExpiresIn %d", pair.ExpiresIn)
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		token, _ := manager.GenerateAccessToken(id)
		other := NewJWTManager("different-secret", "loans-test")
		if _, err := other.ValidateAccessToken(token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Expected ErrInvalidToken, got %v", err)
		}
	})

	t.Run("expired token", func(t *testing.T) {
		past := NewJWTManager("test-secret-key-for-jwt-signing", "loans-test")
		past.now = func() time.Time { return time.Now().Add(-time.Hour) }
		token, _ := past.GenerateAccessToken(id)
		if _, err := manager.ValidateAccessToken(token); err == nil {
			t.Error("Expired token should fail validation")
		}
	})

	t.Run("guarantor token", func(t *testing.T) {
		gid, lid := uuid.New(), uuid.New()
		token, err := manager.GenerateGuarantorToken(gid, lid, id.UserID)
		if err != nil {
			t.Fatalf("Failed to generate guarantor token: %v", err)
		}

		claims, err := manager.ValidateGuarantorToken(token)
		if err != nil {
			t.Fatalf("Failed to validate guarantor token: %v", err)
		}
		if claims.GuarantorID != gid || claims.LoanID != lid {
			t.Errorf("Unexpected claims %+v", claims)
		}

		if _, err := manager.ValidateAccessToken(token); err == nil {
			t.Error("Guarantor token must not authenticate a session")
		}
		access, _ := manager.GenerateAccessToken(id)
		if _, err := manager.ValidateGuarantorToken(access); err == nil {
			t.Error("Access token must not act as a guarantor link")
		}
	})
}
