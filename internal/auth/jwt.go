package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenType represents the type of JWT token.
type TokenType string

const (
	AccessToken  TokenType = "access"
	RefreshToken TokenType = "refresh"
	// GuarantorAction tokens are embedded in the accept/decline links emailed
	// to guarantors.
	GuarantorAction TokenType = "guarantor_action"
)

// Token durations
const (
	AccessTokenDuration    = 15 * time.Minute
	RefreshTokenDuration   = 7 * 24 * time.Hour
	GuarantorTokenDuration = 72 * time.Hour
)

const audience = "fairtrade-loans"

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrWrongType    = errors.New("wrong token type")
)

// Identity is the subject a session token is issued for.
type Identity struct {
	UserID         uuid.UUID
	EmployeeNumber string
	Email          string
	Role           string
}

// Claims represents session JWT claims.
type Claims struct {
	UserID         uuid.UUID `json:"user_id"`
	EmployeeNumber string    `json:"employee_number"`
	Email          string    `json:"email"`
	Role           string    `json:"role"`
	Type           TokenType `json:"type"`
	jwt.RegisteredClaims
}

// GuarantorClaims identify a single guarantor row on a loan.
type GuarantorClaims struct {
	GuarantorID uuid.UUID `json:"guarantor_id"`
	LoanID      uuid.UUID `json:"loan_id"`
	UserID      uuid.UUID `json:"user_id"`
	Type        TokenType `json:"type"`
	jwt.RegisteredClaims
}

// JWTManager handles JWT token operations.
type JWTManager struct {
	secretKey []byte
	issuer    string
	now       func() time.Time
}

// NewJWTManager creates a new JWT manager.
func NewJWTManager(secretKey, issuer string) *JWTManager {
	return &JWTManager{
		secretKey: []byte(secretKey),
		issuer:    issuer,
		now:       time.Now,
	}
}

func (m *JWTManager) registered(subject string, d time.Duration) jwt.RegisteredClaims {
	now := m.now()
	return jwt.RegisteredClaims{
		ID:        uuid.New().String(),
		Issuer:    m.issuer,
		Subject:   subject,
		Audience:  []string{audience},
		ExpiresAt: jwt.NewNumericDate(now.Add(d)),
		NotBefore: jwt.NewNumericDate(now),
		IssuedAt:  jwt.NewNumericDate(now),
	}
}

func (m *JWTManager) sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString(m.secretKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return s, nil
}

func (m *JWTManager) parse(tokenString string, claims jwt.Claims) error {
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secretKey, nil
	},
		jwt.WithIssuer(m.issuer),
		jwt.WithAudience(audience),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return ErrInvalidToken
	}
	return nil
}

func (m *JWTManager) generate(id Identity, t TokenType, d time.Duration) (string, error) {
	return m.sign(&Claims{
		UserID:           id.UserID,
		EmployeeNumber:   id.EmployeeNumber,
		Email:            id.Email,
		Role:             id.Role,
		Type:             t,
		RegisteredClaims: m.registered(id.UserID.String(), d),
	})
}

// GenerateAccessToken generates an access token for a user.
func (m *JWTManager) GenerateAccessToken(id Identity) (string, error) {
	return m.generate(id, AccessToken, AccessTokenDuration)
}

// GenerateRefreshToken generates a refresh token for a user.
func (m *JWTManager) GenerateRefreshToken(id Identity) (string, error) {
	return m.generate(id, RefreshToken, RefreshTokenDuration)
}

// ValidateToken validates a session JWT and returns the claims.
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	if err := m.parse(tokenString, claims); err != nil {
		return nil, err
	}
	if claims.Type != AccessToken && claims.Type != RefreshToken {
		return nil, ErrWrongType
	}
	return claims, nil
}

// ValidateAccessToken validates an access token specifically.
func (m *JWTManager) ValidateAccessToken(tokenString string) (*Claims, error) {
	claims, err := m.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Type != AccessToken {
		return nil, fmt.Errorf("%w: not an access token", ErrWrongType)
	}
	return claims, nil
}

// ValidateRefreshToken validates a refresh token specifically.
func (m *JWTManager) ValidateRefreshToken(tokenString string) (*Claims, error) {
	claims, err := m.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Type != RefreshToken {
		return nil, fmt.Errorf("%w: not a refresh token", ErrWrongType)
	}
	return claims, nil
}

// TokenPair represents an access and refresh token pair.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// GenerateTokenPair generates both access and refresh tokens.
func (m *JWTManager) GenerateTokenPair(id Identity) (*TokenPair, error) {
	access, err := m.GenerateAccessToken(id)
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}
	refresh, err := m.GenerateRefreshToken(id)
	if err != nil {
		return nil, fmt.Errorf("failed to generate refresh token: %w", err)
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(AccessTokenDuration.Seconds()),
	}, nil
}

// GenerateGuarantorToken signs the token for a guarantor's accept/decline link.
func (m *JWTManager) GenerateGuarantorToken(guarantorID, loanID, userID uuid.UUID) (string, error) {
	return m.sign(&GuarantorClaims{
		GuarantorID:      guarantorID,
		LoanID:           loanID,
		UserID:           userID,
		Type:             GuarantorAction,
		RegisteredClaims: m.registered(userID.String(), GuarantorTokenDuration),
	})
}

// ValidateGuarantorToken parses a guarantor link token.
func (m *JWTManager) ValidateGuarantorToken(tokenString string) (*GuarantorClaims, error) {
	claims := &GuarantorClaims{}
	if err := m.parse(tokenString, claims); err != nil {
		return nil, err
	}
	if claims.Type != GuarantorAction {
		return nil, fmt.Errorf("%w: not a guarantor token", ErrWrongType)
	}
	return claims, nil
}
