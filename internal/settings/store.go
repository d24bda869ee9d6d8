package settings

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/movieguru/internal/serviceerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opStoreNew     = "settings.store.new"
	opStoreCurrent = "settings.store.current"
	opStoreWrite   = "settings.store.write"

	reasonMissingDatabase = "missing_database"
	reasonMissingUser     = "missing_user"
	reasonLoadFailed      = "load_failed"
	reasonPersistFailed   = "persist_failed"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingUserID   = errors.New("user id is required")
)

// ServiceError tags a failure with a stable "<operation>.<reason>" code.
type ServiceError = serviceerr.Error

func newServiceError(operation, reason string, cause error) error {
	return serviceerr.New(operation, reason, cause)
}

// StoreConfig describes the dependencies of a per-user settings store.
type StoreConfig struct {
	Database *gorm.DB
	UserID   string
	Logger   *zap.Logger
}

// Store persists one user's preferences and publishes every change to its
// subscribers. Subscribers always see the latest snapshot; intermediate
// values may be skipped.
type Store struct {
	db     *gorm.DB
	userID string
	logger *zap.Logger

	writeMu sync.Mutex

	mu          sync.RWMutex
	loaded      bool
	current     Settings
	subscribers map[int64]chan Settings
	nextID      int64
}

// NewStore validates configuration and returns a store for cfg.UserID.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, reasonMissingDatabase, errMissingDatabase)
	}
	userID := strings.TrimSpace(cfg.UserID)
	if userID == "" {
		return nil, newServiceError(opStoreNew, reasonMissingUser, errMissingUserID)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:          cfg.Database,
		userID:      userID,
		logger:      logger,
		subscribers: make(map[int64]chan Settings),
	}, nil
}

// Current returns the latest persisted snapshot. A user without a stored row
// reads as Defaults.
func (s *Store) Current(ctx context.Context) (Settings, error) {
	s.mu.RLock()
	if s.loaded {
		current := s.current
		s.mu.RUnlock()
		return current, nil
	}
	s.mu.RUnlock()

	var record Record
	err := s.db.WithContext(ctx).Where("user_id = ?", s.userID).Take(&record).Error
	value := Defaults()
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
	case err != nil:
		s.logError(opStoreCurrent, reasonLoadFailed, err)
		return Settings{}, newServiceError(opStoreCurrent, reasonLoadFailed, err)
	default:
		value = record.snapshot()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		s.current = value
		s.loaded = true
	}
	return s.current, nil
}

// Subscribe returns a channel that immediately receives the current snapshot
// and then every later one. The channel closes when ctx is done.
func (s *Store) Subscribe(ctx context.Context) (<-chan Settings, error) {
	current, err := s.Current(ctx)
	if err != nil {
		return nil, err
	}
	stream := make(chan Settings, 1)
	stream <- current

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.subscribers[id] = stream
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		if _, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(stream)
		}
		s.mu.Unlock()
	}()
	return stream, nil
}

// SetSort persists the ascending-by-year preference.
func (s *Store) SetSort(ctx context.Context, ascending bool) error {
	return s.update(ctx, func(value *Settings) { value.Sort = ascending })
}

// SetDarkThemeConfig persists the theme selection.
func (s *Store) SetDarkThemeConfig(ctx context.Context, config DarkThemeConfig) error {
	if _, err := ParseDarkThemeConfig(string(config)); err != nil {
		return err
	}
	return s.update(ctx, func(value *Settings) { value.DarkThemeConfig = config })
}

// SetDynamicColor persists the dynamic color preference.
func (s *Store) SetDynamicColor(ctx context.Context, enabled bool) error {
	return s.update(ctx, func(value *Settings) { value.UseDynamicColor = enabled })
}

// SetUseGrid persists the grid layout preference.
func (s *Store) SetUseGrid(ctx context.Context, enabled bool) error {
	return s.update(ctx, func(value *Settings) { value.UseGrid = enabled })
}

// SetUseFingerprint persists the biometric unlock preference.
func (s *Store) SetUseFingerprint(ctx context.Context, enabled bool) error {
	return s.update(ctx, func(value *Settings) { value.UseFingerprint = enabled })
}

// update applies mutate to the current snapshot, persists the result and
// publishes it. Writes are serialized so the last caller wins.
func (s *Store) update(ctx context.Context, mutate func(*Settings)) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next, err := s.Current(ctx)
	if err != nil {
		return err
	}
	mutate(&next)

	record := recordFor(s.userID, next)
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"sort", "dark_theme_config", "use_dynamic_color", "use_grid", "use_fingerprint", "updated_at"}),
		}).
		Create(&record).
		Error
	if err != nil {
		s.logError(opStoreWrite, reasonPersistFailed, err)
		return newServiceError(opStoreWrite, reasonPersistFailed, err)
	}

	s.mu.Lock()
	s.current = next
	s.loaded = true
	for _, stream := range s.subscribers {
		publishLatest(stream, next)
	}
	s.mu.Unlock()
	return nil
}

// publishLatest delivers value, replacing a snapshot the subscriber has not read yet.
func publishLatest(stream chan Settings, value Settings) {
	select {
	case stream <- value:
		return
	default:
	}
	select {
	case <-stream:
	default:
	}
	select {
	case stream <- value:
	default:
	}
}

func (s *Store) logError(operation, reason string, err error) {
	s.logger.Error(
		"settings store error",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("user_id", s.userID),
		zap.Error(err),
	)
}
