package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

const (
	defaultNonceTTL = 10 * time.Minute

	signInFailedMessage     = "Sign in failed. Please try again."
	signInExpiredMessage    = "Sign in request expired. Please try again."
	signInUnverifiedMessage = "Please verify your email address before signing in."
)

var (
	errMissingVerifier   = errors.New("google verifier is required")
	errMissingResolver   = errors.New("profile resolver is required")
	errMissingNonceStore = errors.New("nonce store is required")
	errMissingClientID   = errors.New("client id is required")
	errNonceMismatch     = errors.New("token nonce does not match an issued nonce")
	errEmailUnverified   = errors.New("provider reports the email as unverified")
	// ErrInvalidIdentityConfig indicates that an identity client could not be constructed.
	ErrInvalidIdentityConfig = errors.New("auth: invalid identity client config")
)

// Profile is the signed-in user snapshot exposed to the presentation layer.
type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	PhotoURL    string `json:"photo_url"`
}

// SignInIntent carries what a client needs to start the federated sign-in flow.
type SignInIntent struct {
	ClientID  string    `json:"client_id"`
	Nonce     string    `json:"nonce"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SignInPayload is the provider response the client hands back to complete sign-in.
type SignInPayload struct {
	IDToken string `json:"id_token"`
	Nonce   string `json:"nonce"`
}

// SignInResult reports either the signed-in profile or a user-facing error message.
type SignInResult struct {
	Profile *Profile `json:"profile,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// IdentityClient wraps a federated sign-in flow and exposes the current profile.
type IdentityClient interface {
	BeginSignIn(ctx context.Context) (SignInIntent, error)
	CompleteSignIn(ctx context.Context, payload SignInPayload) SignInResult
	SignOut(ctx context.Context) error
	CurrentProfile() (Profile, bool)
}

// TokenVerifier validates provider ID tokens.
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (GoogleClaims, error)
}

// ProfileResolver maps verified provider claims to the canonical user profile.
type ProfileResolver interface {
	ResolveProfile(ctx context.Context, claims GoogleClaims) (Profile, error)
}

// NonceStore issues single-use sign-in nonces that expire after a fixed TTL.
type NonceStore struct {
	ttl     time.Duration
	entries *cache.Cache
	clock   func() time.Time
}

// NewNonceStore constructs a NonceStore; non-positive ttl selects ten minutes.
func NewNonceStore(ttl time.Duration) *NonceStore {
	if ttl <= 0 {
		ttl = defaultNonceTTL
	}
	return &NonceStore{
		ttl:     ttl,
		entries: cache.New(ttl, 2*ttl),
		clock:   time.Now,
	}
}

// Issue creates a fresh nonce and returns it with its expiry.
func (s *NonceStore) Issue() (string, time.Time) {
	nonce := uuid.NewString()
	s.entries.SetDefault(nonce, struct{}{})
	return nonce, s.clock().Add(s.ttl).UTC()
}

// Consume reports whether nonce was issued and not yet used or expired, and
// removes it.
func (s *NonceStore) Consume(nonce string) bool {
	nonce = strings.TrimSpace(nonce)
	if nonce == "" {
		return false
	}
	if _, ok := s.entries.Get(nonce); !ok {
		return false
	}
	s.entries.Delete(nonce)
	return true
}

// GoogleIdentityConfig describes the collaborators of a GoogleIdentityClient.
type GoogleIdentityConfig struct {
	ClientID string
	Verifier TokenVerifier
	Resolver ProfileResolver
	Nonces   *NonceStore
	Logger   *zap.Logger
}

// GoogleIdentityClient implements IdentityClient over Google ID tokens.
// One client tracks the profile of one session.
type GoogleIdentityClient struct {
	clientID string
	verifier TokenVerifier
	resolver ProfileResolver
	nonces   *NonceStore
	logger   *zap.Logger

	mu      sync.RWMutex
	profile *Profile
}

// NewGoogleIdentityClient validates configuration and returns a signed-out client.
func NewGoogleIdentityClient(cfg GoogleIdentityConfig) (*GoogleIdentityClient, error) {
	clientID := strings.TrimSpace(cfg.ClientID)
	switch {
	case clientID == "":
		return nil, errors.Join(ErrInvalidIdentityConfig, errMissingClientID)
	case cfg.Verifier == nil:
		return nil, errors.Join(ErrInvalidIdentityConfig, errMissingVerifier)
	case cfg.Resolver == nil:
		return nil, errors.Join(ErrInvalidIdentityConfig, errMissingResolver)
	case cfg.Nonces == nil:
		return nil, errors.Join(ErrInvalidIdentityConfig, errMissingNonceStore)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GoogleIdentityClient{
		clientID: clientID,
		verifier: cfg.Verifier,
		resolver: cfg.Resolver,
		nonces:   cfg.Nonces,
		logger:   logger,
	}, nil
}

// BeginSignIn issues a nonce the provider must echo back in its ID token.
func (c *GoogleIdentityClient) BeginSignIn(ctx context.Context) (SignInIntent, error) {
	if err := ctx.Err(); err != nil {
		return SignInIntent{}, err
	}
	nonce, expiresAt := c.nonces.Issue()
	return SignInIntent{ClientID: c.clientID, Nonce: nonce, ExpiresAt: expiresAt}, nil
}

// CompleteSignIn verifies the provider token and records the resolved profile.
// Failures are reported in the result and leave the client signed out.
func (c *GoogleIdentityClient) CompleteSignIn(ctx context.Context, payload SignInPayload) SignInResult {
	if !c.nonces.Consume(payload.Nonce) {
		c.logFailure("auth.identity.complete", "nonce_expired", errNonceMismatch)
		return SignInResult{Error: signInExpiredMessage}
	}
	claims, err := c.verifier.Verify(ctx, strings.TrimSpace(payload.IDToken))
	if err != nil {
		c.logFailure("auth.identity.complete", "verification_failed", err)
		return SignInResult{Error: signInFailedMessage}
	}
	if claims.Nonce != strings.TrimSpace(payload.Nonce) {
		c.logFailure("auth.identity.complete", "nonce_mismatch", errNonceMismatch)
		return SignInResult{Error: signInFailedMessage}
	}
	if !claims.EmailVerified {
		c.logFailure("auth.identity.complete", "email_unverified", errEmailUnverified)
		return SignInResult{Error: signInUnverifiedMessage}
	}
	profile, err := c.resolver.ResolveProfile(ctx, claims)
	if err != nil {
		c.logFailure("auth.identity.complete", "resolve_failed", err)
		return SignInResult{Error: signInFailedMessage}
	}

	c.mu.Lock()
	c.profile = &profile
	c.mu.Unlock()

	snapshot := profile
	return SignInResult{Profile: &snapshot}
}

// SignOut forgets the current profile.
func (c *GoogleIdentityClient) SignOut(ctx context.Context) error {
	c.mu.Lock()
	c.profile = nil
	c.mu.Unlock()
	return ctx.Err()
}

// CurrentProfile returns the signed-in profile, if any.
func (c *GoogleIdentityClient) CurrentProfile() (Profile, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.profile == nil {
		return Profile{}, false
	}
	return *c.profile, true
}

// Restore marks profile as signed in without a provider round trip, used when a
// session is rebuilt from a valid session token.
func (c *GoogleIdentityClient) Restore(profile Profile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.profile = &profile
}

func (c *GoogleIdentityClient) logFailure(operation, reason string, err error) {
	c.logger.Warn(
		"sign in failed",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	)
}
