// Package auth validates the HS256 JWTs that identify users to the API and
// the realtime channel.
package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"

	issuer = "lomu"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims are the lomu token claims. Subject carries the user id.
type Claims struct {
	UserID string `json:"uid"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Manager issues and validates tokens.
type Manager struct {
	jwtSecret []byte
	admins    map[string]bool
	tokenTTL  time.Duration
	now       func() time.Time
}

// NewManager creates a manager. Users listed in admins get admin rights
// whatever role their token carries.
func NewManager(jwtSecret string, admins []string) *Manager {
	if jwtSecret == "" {
		jwtSecret = generateRandomSecret(32)
		log.Printf("[Auth] Generated random JWT secret for session (not persistent)")
	}
	m := &Manager{
		jwtSecret: []byte(jwtSecret),
		admins:    make(map[string]bool, len(admins)),
		tokenTTL:  24 * time.Hour,
		now:       time.Now,
	}
	for _, a := range admins {
		m.admins[a] = true
	}
	return m
}

// TokenTTL returns how long issued tokens stay valid.
func (m *Manager) TokenTTL() time.Duration {
	return m.tokenTTL
}

// GenerateToken creates a token for userID.
func (m *Manager) GenerateToken(userID, role string) (string, error) {
	if userID == "" {
		return "", errors.New("user id is required")
	}
	if role == "" {
		role = RoleUser
	}
	now := m.now()
	claims := &Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   userID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken validates a token and returns its claims.
func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.jwtSecret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(m.now), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: no subject", ErrInvalidToken)
	}
	return claims, nil
}

// IsAdmin reports whether claims grant admin operations such as top-ups.
func (m *Manager) IsAdmin(claims *Claims) bool {
	if claims == nil {
		return false
	}
	return claims.Role == RoleAdmin || m.admins[claims.UserID]
}

// TokenFromRequest reads a bearer token from the Authorization header, or
// from the token query parameter for websocket upgrades that cannot set
// headers.
func TokenFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
			return "", ErrMissingToken
		}
		return strings.TrimSpace(parts[1]), nil
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t, nil
	}
	return "", ErrMissingToken
}

// Authenticate resolves the user behind a request.
func (m *Manager) Authenticate(r *http.Request) (string, error) {
	claims, err := m.ClaimsFromRequest(r)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}

// ClaimsFromRequest validates the request's bearer token.
func (m *Manager) ClaimsFromRequest(r *http.Request) (*Claims, error) {
	token, err := TokenFromRequest(r)
	if err != nil {
		return nil, err
	}
	return m.ValidateToken(token)
}

type ctxKey struct{}

// WithClaims attaches validated claims to ctx.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, ctxKey{}, claims)
}

// ClaimsFromContext returns claims stored by WithClaims.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(ctxKey{}).(*Claims)
	return c, ok && c != nil
}

// GetUserIDFromRequest returns the authenticated user id, or "".
func GetUserIDFromRequest(r *http.Request) string {
	if c, ok := ClaimsFromContext(r.Context()); ok {
		return c.UserID
	}
	return ""
}

// generateRandomSecret generates a random hex secret
func generateRandomSecret(length int) string {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		panic(err)
	}
	return fmt.Sprintf("%x", bytes)
}
