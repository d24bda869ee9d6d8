package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	bearerPrefix = "Bearer "
	// AccessTokenQueryParam carries the session token for clients that cannot set headers (EventSource).
	AccessTokenQueryParam = "access_token"
)

var (
	ErrMissingSessionToken   = errors.New("session validator: token required")
	ErrInvalidSessionToken   = errors.New("session validator: invalid token")
	ErrExpiredSessionToken   = errors.New("session validator: token expired")
	ErrMissingSessionSubject = errors.New("session validator: subject required")
)

// SessionClaims is the JWT payload of a session token.
type SessionClaims struct {
	UserID          string `json:"user_id"`
	UserEmail       string `json:"user_email"`
	UserDisplayName string `json:"user_display_name"`
	UserAvatarURL   string `json:"user_avatar_url"`
	jwt.RegisteredClaims
}

// Profile returns the signed-in user described by the claims.
func (c SessionClaims) Profile() Profile {
	return Profile{
		ID:          c.UserID,
		DisplayName: c.UserDisplayName,
		Email:       c.UserEmail,
		PhotoURL:    c.UserAvatarURL,
	}
}

// SessionValidator validates HS256 session JWTs.
type SessionValidator struct {
	signingSecret []byte
	issuer        string
	audience      string
	clock         func() time.Time
}

// ValidateToken validates the supplied JWT string and returns the parsed claims.
func (v *SessionValidator) ValidateToken(tokenString string) (SessionClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return SessionClaims{}, ErrMissingSessionToken
	}

	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidSessionToken, t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return SessionClaims{}, ErrExpiredSessionToken
		}
		return SessionClaims{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return SessionClaims{}, ErrInvalidSessionToken
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.UserID) == "" {
		return SessionClaims{}, ErrMissingSessionSubject
	}
	return *claims, nil
}

// ValidateRequest reads the bearer token from the Authorization header, falling
// back to the access_token query parameter, and validates it.
func (v *SessionValidator) ValidateRequest(r *http.Request) (SessionClaims, error) {
	if r == nil {
		return SessionClaims{}, ErrMissingSessionToken
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(header, bearerPrefix) {
		return v.ValidateToken(strings.TrimPrefix(header, bearerPrefix))
	}
	if token := r.URL.Query().Get(AccessTokenQueryParam); token != "" {
		return v.ValidateToken(token)
	}
	return SessionClaims{}, ErrMissingSessionToken
}
