// Package auth - jwt.go verifies (and, for tooling, issues) HS256 bearer
// tokens carrying the caller identity recorded on audit entries.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultIssuer is stamped on tokens generated by this service.
	DefaultIssuer = "audittrail"

	minSecretLength = 32
)

// Claims represents the JWT claims structure
type Claims struct {
	UserID         string   `json:"user_id"`
	Email          string   `json:"email,omitempty"`
	Role           string   `json:"role,omitempty"`
	Scopes         []string `json:"scopes,omitempty"`
	SessionID      string   `json:"sid,omitempty"`
	ImpersonatedBy string   `json:"impersonated_by,omitempty"`
	jwt.RegisteredClaims
}

// JWTManager signs and verifies tokens with one shared secret.
type JWTManager struct {
	secret []byte
	issuer string
}

// NewJWTManager validates secret. An empty secret is an error unless
// allowGenerated is set, in which case a random secret is used and tokens do
// not survive a restart.
func NewJWTManager(secret string, allowGenerated bool) (*JWTManager, error) {
	if secret == "" {
		if !allowGenerated {
			return nil, errors.New("security.jwt_secret is required in production; generate one with: openssl rand -hex 32")
		}
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			return nil, fmt.Errorf("failed to generate jwt secret: %w", err)
		}
		secret = hex.EncodeToString(b)
		slog.Warn("security.jwt_secret not set, using an auto-generated secret; tokens will not persist across restarts")
	} else if len(secret) < minSecretLength {
		slog.Warn("security.jwt_secret is shorter than the recommended 32 characters")
	}
	return &JWTManager{secret: []byte(secret), issuer: DefaultIssuer}, nil
}

// Generate creates a signed token for claims. A zero expiresIn defaults to one hour.
func (m *JWTManager) Generate(claims Claims, expiresIn time.Duration) (string, error) {
	if expiresIn == 0 {
		expiresIn = time.Hour
	}
	now := time.Now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
		IssuedAt:  jwt.NewNumericDate(now),
		Issuer:    m.issuer,
		Subject:   claims.UserID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, &claims).SignedString(m.secret)
}

// Validate parses and validates a token.
func (m *JWTManager) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	if claims.UserID == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}
