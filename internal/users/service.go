package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/movieguru/internal/auth"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const providerGoogle = "google"

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service manages canonical user identifiers and provider-specific identities.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
	}, nil
}

// ResolveProfile returns the canonical profile for verified Google claims.
// It creates the identity mapping on first sight and refreshes the stored
// email, name and avatar afterwards.
func (s *Service) ResolveProfile(ctx context.Context, claims auth.GoogleClaims) (auth.Profile, error) {
	subject := normalize(claims.Subject)
	if subject == "" {
		return auth.Profile{}, ErrInvalidIdentity
	}
	db := s.db.WithContext(ctx)

	var identity Identity
	err := db.
		Where("provider = ? AND subject = ?", providerGoogle, subject).
		First(&identity).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		identity = Identity{
			Provider:    providerGoogle,
			Subject:     subject,
			UserID:      subject,
			Email:       normalize(claims.Email),
			DisplayName: normalize(claims.Name),
			AvatarURL:   normalize(claims.Picture),
			LastSeenAt:  s.now(),
		}
		if err := db.Create(&identity).Error; err != nil {
			return auth.Profile{}, err
		}
	} else if err != nil {
		return auth.Profile{}, err
	} else {
		updates := map[string]interface{}{}
		if email := normalize(claims.Email); email != "" && email != identity.Email {
			updates["user_email"] = email
			identity.Email = email
		}
		if display := normalize(claims.Name); display != "" && display != identity.DisplayName {
			updates["user_display_name"] = display
			identity.DisplayName = display
		}
		if avatar := normalize(claims.Picture); avatar != "" && avatar != identity.AvatarURL {
			updates["user_avatar_url"] = avatar
			identity.AvatarURL = avatar
		}
		updates["last_seen_at"] = s.now()
		if err := db.Model(&Identity{}).
			Where("provider = ? AND subject = ?", providerGoogle, subject).
			Updates(updates).
			Error; err != nil {
			s.logger.Warn("identity refresh failed", zap.String("user_id", identity.UserID), zap.Error(err))
		}
	}

	return identity.Profile(), nil
}
