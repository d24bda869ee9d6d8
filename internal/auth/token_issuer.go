package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultTokenTTL = 30 * time.Minute
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")
	errMissingIssuerConfig  = errors.New("issuer must be provided")
	errMissingAudience      = errors.New("audience must be provided")
	// ErrInvalidIssuerConfig indicates that a TokenIssuer could not be constructed.
	ErrInvalidIssuerConfig = errors.New("auth: invalid token issuer config")
)

// TokenIssuerConfig configures the session JWT issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer issues session JWTs after Google token verification.
type TokenIssuer struct {
	config TokenIssuerConfig
	clock  func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer with sane defaults.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errors.Join(ErrInvalidIssuerConfig, errMissingSigningSecret)
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, errors.Join(ErrInvalidIssuerConfig, errMissingIssuerConfig)
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return nil, errors.Join(ErrInvalidIssuerConfig, errMissingAudience)
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		config: TokenIssuerConfig{
			SigningSecret: append([]byte(nil), cfg.SigningSecret...),
			Issuer:        issuer,
			Audience:      audience,
			TokenTTL:      ttl,
			Clock:         clock,
		},
		clock: clock,
	}, nil
}

// IssueSessionToken produces a signed JWT for profile and its lifetime in seconds.
func (i *TokenIssuer) IssueSessionToken(_ context.Context, profile Profile) (string, int64, error) {
	if strings.TrimSpace(profile.ID) == "" {
		return "", 0, errMissingSubjectClaim
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.config.TokenTTL).UTC()

	registered := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   profile.ID,
		Issuer:    i.config.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		Audience:  jwt.ClaimStrings{i.config.Audience},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, SessionClaims{
		UserID:           profile.ID,
		UserEmail:        profile.Email,
		UserDisplayName:  profile.DisplayName,
		UserAvatarURL:    profile.PhotoURL,
		RegisteredClaims: registered,
	})
	signed, err := token.SignedString(i.config.SigningSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// Validator returns a SessionValidator accepting the tokens this issuer produces.
func (i *TokenIssuer) Validator() *SessionValidator {
	return &SessionValidator{
		signingSecret: i.config.SigningSecret,
		issuer:        i.config.Issuer,
		audience:      i.config.Audience,
		clock:         i.clock,
	}
}
