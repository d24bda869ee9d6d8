package server

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/movieguru/internal/auth"
	"github.com/MarcoPoloResearchLab/movieguru/internal/movies"
	"github.com/MarcoPoloResearchLab/movieguru/internal/search"
	"github.com/MarcoPoloResearchLab/movieguru/internal/settings"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingSessionDatabase = errors.New("session registry: database required")
	errMissingMovieStreams    = errors.New("session registry: movie streams required")
	errMissingIdentityFactory = errors.New("session registry: identity factory required")
	errMissingSessionUser     = errors.New("session registry: user id required")
)

// MovieStreams opens per-scope movie streams and drops a scope's cache.
type MovieStreams interface {
	search.StreamSource
	ReleaseScope(ctx context.Context, scope string) error
}

// IdentityFactory builds a signed-out identity client.
type IdentityFactory func() (*auth.GoogleIdentityClient, error)

// Session bundles the per-user state of one signed-in user.
type Session struct {
	UserID      string
	Identity    *auth.GoogleIdentityClient
	Settings    *settings.Store
	Coordinator *search.Coordinator

	stop context.CancelFunc
	done sync.WaitGroup
}

// SessionRegistryConfig describes the collaborators shared by all sessions.
type SessionRegistryConfig struct {
	Database     *gorm.DB
	Movies       MovieStreams
	NewIdentity  IdentityFactory
	Realtime     *RealtimeDispatcher
	DefaultQuery string
	Debounce     time.Duration
	Logger       *zap.Logger
}

// SessionRegistry creates sessions lazily and tears them down on sign-out.
type SessionRegistry struct {
	config SessionRegistryConfig
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewSessionRegistry validates configuration and returns an empty registry.
func NewSessionRegistry(cfg SessionRegistryConfig) (*SessionRegistry, error) {
	if cfg.Database == nil {
		return nil, errMissingSessionDatabase
	}
	if cfg.Movies == nil {
		return nil, errMissingMovieStreams
	}
	if cfg.NewIdentity == nil {
		return nil, errMissingIdentityFactory
	}
	if cfg.Realtime == nil {
		cfg.Realtime = NewRealtimeDispatcher()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &SessionRegistry{
		config:   cfg,
		logger:   cfg.Logger,
		sessions: make(map[string]*Session),
	}, nil
}

// Open returns the session of profile.ID after a successful sign-in. A new
// session adopts identity; a live one records the refreshed profile.
func (r *SessionRegistry) Open(profile auth.Profile, identity *auth.GoogleIdentityClient) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if session, ok := r.sessions[profile.ID]; ok {
		session.Identity.Restore(profile)
		return session, nil
	}
	return r.createLocked(profile, identity)
}

// Acquire returns the session of profile.ID, rebuilding it from the session
// token claims when the process has no live session for the user.
func (r *SessionRegistry) Acquire(profile auth.Profile) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if session, ok := r.sessions[profile.ID]; ok {
		return session, nil
	}
	return r.createLocked(profile, nil)
}

// Lookup returns the live session of userID, if any.
func (r *SessionRegistry) Lookup(userID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[userID]
	return session, ok
}

// Close signs the user out, stops their coordinator and drops their cached results.
func (r *SessionRegistry) Close(ctx context.Context, userID string) error {
	r.mu.Lock()
	session, ok := r.sessions[userID]
	delete(r.sessions, userID)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	r.teardown(session)
	if err := session.Identity.SignOut(ctx); err != nil {
		return err
	}
	return r.config.Movies.ReleaseScope(ctx, userID)
}

// Shutdown stops every live session without clearing cached results.
func (r *SessionRegistry) Shutdown() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for userID, session := range r.sessions {
		sessions = append(sessions, session)
		delete(r.sessions, userID)
	}
	r.mu.Unlock()
	for _, session := range sessions {
		r.teardown(session)
	}
}

func (r *SessionRegistry) createLocked(profile auth.Profile, identity *auth.GoogleIdentityClient) (*Session, error) {
	userID := strings.TrimSpace(profile.ID)
	if userID == "" {
		return nil, errMissingSessionUser
	}
	if identity == nil {
		client, err := r.config.NewIdentity()
		if err != nil {
			return nil, err
		}
		identity = client
	}
	identity.Restore(profile)

	logger := r.logger.With(zap.String("user_id", userID))
	store, err := settings.NewStore(settings.StoreConfig{
		Database: r.config.Database,
		UserID:   userID,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	coordinator, err := search.NewCoordinator(search.Config{
		Source:       r.config.Movies,
		Settings:     store,
		Scope:        userID,
		DefaultQuery: r.config.DefaultQuery,
		Debounce:     r.config.Debounce,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	ctx, stop := context.WithCancel(context.Background())
	session := &Session{
		UserID:      userID,
		Identity:    identity,
		Settings:    store,
		Coordinator: coordinator,
		stop:        stop,
	}
	r.forward(ctx, session)
	coordinator.Initiate()

	r.sessions[userID] = session
	logger.Info("session opened")
	return session, nil
}

// forward publishes coordinator and settings changes as realtime events.
func (r *SessionRegistry) forward(ctx context.Context, session *Session) {
	states := session.Coordinator.Subscribe(ctx)
	session.done.Add(1)
	go func() {
		defer session.done.Done()
		for state := range states {
			r.config.Realtime.Publish(RealtimeMessage{
				UserID:    session.UserID,
				EventType: RealtimeEventSearchState,
				Payload:   newSearchStatePayload(state),
			})
		}
	}()

	snapshots, err := session.Settings.Subscribe(ctx)
	if err != nil {
		r.logger.Warn("settings subscription failed", zap.String("user_id", session.UserID), zap.Error(err))
		return
	}
	session.done.Add(1)
	go func() {
		defer session.done.Done()
		for snapshot := range snapshots {
			r.config.Realtime.Publish(RealtimeMessage{
				UserID:    session.UserID,
				EventType: RealtimeEventSettingsChanged,
				Payload:   snapshot,
			})
		}
	}()
}

func (r *SessionRegistry) teardown(session *Session) {
	session.Coordinator.Close()
	session.stop()
	session.done.Wait()
	r.logger.Info("session closed", zap.String("user_id", session.UserID))
}

var _ MovieStreams = (*movies.Repository)(nil)
