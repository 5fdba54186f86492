package service

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenType distinguishes student vs proctor tokens.
type TokenType string

const (
	TokenTypeStudent TokenType = "student"
	TokenTypeProctor TokenType = "proctor"
)

// Proctor permission codes.
const (
	PermSessionEvaluate = "session:evaluate"
	PermLedgerManage    = "ledger:manage"
	PermLogsRead        = "logs:read"
	PermMonitorRead     = "monitor:read"
)

// AllProctorPermissions is granted to tokens minted without an explicit list.
var AllProctorPermissions = []string{PermSessionEvaluate, PermLedgerManage, PermLogsRead, PermMonitorRead}

// Claims extends JWT standard claims with app-specific fields.
// Subject carries the student or proctor identifier.
type Claims struct {
	jwt.RegisteredClaims
	TokenType   TokenType `json:"token_type"`
	Permissions []string  `json:"permissions,omitempty"` // Proctor only
}

// HasPermission reports whether the claims grant code.
func (c *Claims) HasPermission(code string) bool {
	return slices.Contains(c.Permissions, code)
}

// AuthService issues and validates JWTs. Credential checks live with the
// identity provider that issues tokens in production.
type AuthService struct {
	secret []byte
	expiry time.Duration
}

// NewAuthService creates a new AuthService.
func NewAuthService(secret string, expiry time.Duration) *AuthService {
	return &AuthService{secret: []byte(secret), expiry: expiry}
}

// GenerateToken signs a token for subject.
func (s *AuthService) GenerateToken(tokenType TokenType, subject string, permissions []string) (string, error) {
	if subject == "" {
		return "", errors.New("subject is required")
	}
	now := time.Now()

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
		},
		TokenType: tokenType,
	}
	if tokenType == TokenTypeProctor {
		if len(permissions) == 0 {
			permissions = AllProctorPermissions
		}
		claims.Permissions = permissions
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and validates a JWT, returning the claims.
func (s *AuthService) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}

	return claims, nil
}
