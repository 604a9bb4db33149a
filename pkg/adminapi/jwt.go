package adminapi

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Common errors for token operations.
var (
	ErrInvalidToken        = errors.New("invalid token")
	ErrExpiredToken        = errors.New("token has expired")
	ErrTokenSigningFailed  = errors.New("failed to sign token")
	ErrInvalidSecretLength = errors.New("admin API secret must be at least 32 characters")
)

// Claims is the single operator-scoped claim set the admin API issues. There
// are no users or roles — any holder of a valid token may read replica
// status.
type Claims struct {
	jwt.RegisteredClaims

	// ReplicaIndex is the replica that issued the token, recorded so an
	// operator juggling several nodes can tell tokens apart.
	ReplicaIndex int `json:"replica_index"`
}

// TokenService issues and validates operator bearer tokens.
type TokenService struct {
	secret        string
	issuer        string
	tokenDuration time.Duration
}

// NewTokenService creates a token service from the API config, resolving the
// secret from the environment or the config file.
func NewTokenService(cfg APIConfig) (*TokenService, error) {
	secret := cfg.GetJWTSecret()
	if len(secret) < 32 {
		return nil, ErrInvalidSecretLength
	}
	return &TokenService{
		secret:        secret,
		issuer:        "vrnode",
		tokenDuration: cfg.JWT.TokenDuration,
	}, nil
}

// IssueOperatorToken creates a fresh operator token for the given replica.
func (s *TokenService) IssueOperatorToken(replicaIndex int) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(s.tokenDuration)

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   "operator",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		ReplicaIndex: replicaIndex,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.secret))
	if err != nil {
		return "", time.Time{}, ErrTokenSigningFailed
	}
	return signed, expiresAt, nil
}

// ValidateToken validates a bearer token and returns its claims.
func (s *TokenService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.secret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
