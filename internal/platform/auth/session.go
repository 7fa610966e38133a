package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const sessionIssuer = "diagnoseai"

var ErrInvalidSession = errors.New("invalid or expired session")

// Claims are carried by the session token. Subject holds the user id.
type Claims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
}

// SessionManager issues and verifies HS256 session tokens.
type SessionManager struct {
	secret  []byte
	ttl     time.Duration
	revoked *RevocationList
	now     func() time.Time
}

func NewSessionManager(secret string, ttl time.Duration, revoked *RevocationList) *SessionManager {
	if revoked == nil {
		revoked = NewRevocationList()
	}
	return &SessionManager{secret: []byte(secret), ttl: ttl, revoked: revoked, now: time.Now}
}

// Issue signs a new session for the user and returns the token and its expiry.
func (m *SessionManager) Issue(userID uuid.UUID, username string) (string, time.Time, error) {
	now := m.now()
	exp := now.Add(m.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID.String(),
			Issuer:    sessionIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Username: username,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session: %w", err)
	}
	return token, exp, nil
}

// Parse verifies signature, expiry and revocation.
func (m *SessionManager) Parse(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(sessionIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidSession
	}
	if _, err := uuid.Parse(claims.Subject); err != nil {
		return nil, ErrInvalidSession
	}
	var issued time.Time
	if claims.IssuedAt != nil {
		issued = claims.IssuedAt.Time
	}
	if m.revoked.IsRevoked(claims.ID, claims.Subject, issued) {
		return nil, ErrInvalidSession
	}
	return claims, nil
}

// Revoke invalidates one session until its natural expiry.
func (m *SessionManager) Revoke(c *Claims) {
	exp := m.now().Add(m.ttl)
	if c.ExpiresAt != nil {
		exp = c.ExpiresAt.Time
	}
	m.revoked.Revoke(c.ID, exp)
}

// RevokeUser invalidates every session issued to the user so far.
func (m *SessionManager) RevokeUser(userID uuid.UUID) {
	m.revoked.RevokeUser(userID.String(), m.now(), m.now().Add(m.ttl))
}
