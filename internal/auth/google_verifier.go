package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultJWKSCacheTTL  = 10 * time.Minute
	maxCachedSigningKeys = 32
	jwksFlightKey        = "jwks"
	defaultIssuerGoogle  = "https://accounts.google.com"
	defaultIssuerAlt     = "accounts.google.com"
)

var (
	errMissingToken          = errors.New("id token must not be empty")
	errMissingKeyIdentifier  = errors.New("token missing key identifier")
	errKeyNotFound           = errors.New("signing key not found in JWKS")
	errUntrustedIssuer       = errors.New("token issuer not allowed")
	errMissingSubject        = errors.New("token missing subject claim")
	errMissingAudienceClaim  = errors.New("token missing audience claim")
	errMissingAudienceConfig = errors.New("audience configuration required")
	errMissingJWKSURL        = errors.New("jwks url configuration required")
	errNoAllowedIssuers      = errors.New("no allowed issuers configured")
	errNoUsableKeys          = errors.New("jwks document contained no usable keys")
	ErrInvalidVerifierConfig = errors.New("auth: invalid google verifier config")
)

// GoogleVerifierConfig bundles configuration required to instantiate a GoogleVerifier.
type GoogleVerifierConfig struct {
	Audience       string
	JWKSURL        string
	AllowedIssuers []string
	HTTPClient     *http.Client
	CacheTTL       time.Duration
	Logger         *zap.Logger
	Clock          func() time.Time
}

// GoogleClaims exposes validated claim data required by downstream services.
type GoogleClaims struct {
	Audience      string
	Subject       string
	Issuer        string
	Expiry        time.Time
	IssuedAt      time.Time
	TokenID       string
	Email         string
	EmailVerified bool
	Name          string
	Picture       string
	Nonce         string
}

// googleIDTokenClaims is the payload of a Google ID token.
type googleIDTokenClaims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
	Nonce         string `json:"nonce"`
	jwt.RegisteredClaims
}

// GoogleVerifier verifies Google ID tokens offline against the provider's
// signing keys. Keys expire from memory after CacheTTL; an unknown key id
// triggers one shared refetch of the key set.
type GoogleVerifier struct {
	audience   string
	jwksURL    string
	issuers    map[string]struct{}
	httpClient *http.Client
	clock      func() time.Time
	keys       *expirable.LRU[string, *rsa.PublicKey]
	refresh    singleflight.Group
	logger     *zap.Logger
}

// NewGoogleVerifier constructs a verifier with validated configuration.
func NewGoogleVerifier(cfg GoogleVerifierConfig) (*GoogleVerifier, error) {
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVerifierConfig, errMissingAudienceConfig)
	}
	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	if jwksURL == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVerifierConfig, errMissingJWKSURL)
	}
	issuers, err := allowedIssuers(cfg.AllowedIssuers)
	if err != nil {
		return nil, err
	}

	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = defaultJWKSCacheTTL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &GoogleVerifier{
		audience:   audience,
		jwksURL:    jwksURL,
		issuers:    issuers,
		httpClient: httpClient,
		clock:      clock,
		keys:       expirable.NewLRU[string, *rsa.PublicKey](maxCachedSigningKeys, nil, cacheTTL),
		logger:     logger,
	}, nil
}

func allowedIssuers(configured []string) (map[string]struct{}, error) {
	issuers := make(map[string]struct{})
	if len(configured) == 0 {
		issuers[defaultIssuerGoogle] = struct{}{}
		issuers[defaultIssuerAlt] = struct{}{}
		return issuers, nil
	}
	for _, issuer := range configured {
		if normalized := strings.TrimSpace(issuer); normalized != "" {
			issuers[normalized] = struct{}{}
		}
	}
	if len(issuers) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVerifierConfig, errNoAllowedIssuers)
	}
	return issuers, nil
}

// Verify validates rawToken's signature, audience, issuer and lifetime and
// returns its claims.
func (v *GoogleVerifier) Verify(ctx context.Context, rawToken string) (GoogleClaims, error) {
	if strings.TrimSpace(rawToken) == "" {
		return GoogleClaims{}, errMissingToken
	}

	claims := &googleIDTokenClaims{}
	_, err := jwt.ParseWithClaims(
		rawToken,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			keyID, _ := token.Header["kid"].(string)
			if keyID == "" {
				return nil, errMissingKeyIdentifier
			}
			return v.signingKey(ctx, keyID)
		},
		jwt.WithAudience(v.audience),
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithTimeFunc(v.clock),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return GoogleClaims{}, err
	}
	if _, allowed := v.issuers[claims.Issuer]; !allowed {
		return GoogleClaims{}, errUntrustedIssuer
	}
	if claims.Subject == "" {
		return GoogleClaims{}, errMissingSubject
	}
	if len(claims.Audience) == 0 {
		return GoogleClaims{}, errMissingAudienceClaim
	}

	verified := GoogleClaims{
		Audience:      claims.Audience[0],
		Subject:       claims.Subject,
		Issuer:        claims.Issuer,
		TokenID:       claims.ID,
		Email:         strings.TrimSpace(claims.Email),
		EmailVerified: claims.EmailVerified,
		Name:          strings.TrimSpace(claims.Name),
		Picture:       strings.TrimSpace(claims.Picture),
		Nonce:         claims.Nonce,
	}
	if claims.ExpiresAt != nil {
		verified.Expiry = claims.ExpiresAt.Time
	}
	if claims.IssuedAt != nil {
		verified.IssuedAt = claims.IssuedAt.Time
	}
	return verified, nil
}

func (v *GoogleVerifier) signingKey(ctx context.Context, keyID string) (*rsa.PublicKey, error) {
	if key, ok := v.keys.Get(keyID); ok {
		return key, nil
	}
	if _, err, _ := v.refresh.Do(jwksFlightKey, func() (interface{}, error) {
		return nil, v.fetchKeys(ctx)
	}); err != nil {
		v.logger.Warn("jwks refresh failed", zap.String("url", v.jwksURL), zap.Error(err))
		return nil, err
	}
	if key, ok := v.keys.Get(keyID); ok {
		return key, nil
	}
	return nil, errKeyNotFound
}

func (v *GoogleVerifier) fetchKeys(ctx context.Context) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, http.NoBody)
	if err != nil {
		return err
	}
	response, err := v.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks request returned status %d", response.StatusCode)
	}

	var document jwksDocument
	if err := json.NewDecoder(response.Body).Decode(&document); err != nil {
		return err
	}
	stored := 0
	for _, key := range document.Keys {
		if key.KeyType != "RSA" || (key.Use != "" && key.Use != "sig") {
			continue
		}
		publicKey, err := key.publicKey()
		if err != nil {
			v.logger.Debug("skipping jwk", zap.String("kid", key.KeyID), zap.Error(err))
			continue
		}
		v.keys.Add(key.KeyID, publicKey)
		stored++
	}
	if stored == 0 {
		return errNoUsableKeys
	}
	return nil
}

type jwksDocument struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	KeyType  string `json:"kty"`
	KeyID    string `json:"kid"`
	Use      string `json:"use"`
	Modulus  string `json:"n"`
	Exponent string `json:"e"`
}

func (k jwk) publicKey() (*rsa.PublicKey, error) {
	modulus, err := base64.RawURLEncoding.DecodeString(k.Modulus)
	if err != nil {
		return nil, fmt.Errorf("invalid modulus encoding: %w", err)
	}
	exponent, err := base64.RawURLEncoding.DecodeString(k.Exponent)
	if err != nil {
		return nil, fmt.Errorf("invalid exponent encoding: %w", err)
	}
	e := new(big.Int).SetBytes(exponent)
	if len(modulus) == 0 || e.Sign() == 0 || !e.IsInt64() || e.Int64() > 1<<31-1 {
		return nil, errors.New("invalid rsa key parameters")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(modulus), E: int(e.Int64())}, nil
}
