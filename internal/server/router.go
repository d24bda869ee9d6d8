package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/movieguru/internal/auth"
	"github.com/MarcoPoloResearchLab/movieguru/internal/movies"
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

const (
	sessionContextKey = "movieguru_session"
	claimsContextKey  = "movieguru_claims"

	streamPath               = "/movies/search/stream"
	defaultHeartbeatInterval = 25 * time.Second

	// genericErrorMessage is what the presentation layer shows for any data-source failure.
	genericErrorMessage = "Something went wrong. Please try again."
)

var (
	errMissingTokenIssuer     = errors.New("token issuer dependency required")
	errMissingSessionVerifier = errors.New("session validator dependency required")
	errMissingSessions        = errors.New("session registry dependency required")
	errMissingMovieDetails    = errors.New("movie details dependency required")
	errInvalidAuthorization   = errors.New("authorization header missing or invalid")
)

// SessionTokenIssuer issues session tokens for signed-in profiles.
type SessionTokenIssuer interface {
	IssueSessionToken(ctx context.Context, profile auth.Profile) (string, int64, error)
}

// SessionTokenValidator authenticates requests carrying a session token.
type SessionTokenValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// MovieDetails resolves the full catalog entry of a movie.
type MovieDetails interface {
	Details(ctx context.Context, id movies.MovieID) (movies.MovieDetails, error)
}

type Dependencies struct {
	Tokens            SessionTokenIssuer
	Validator         SessionTokenValidator
	Sessions          *SessionRegistry
	Movies            MovieDetails
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenIssuer
	}
	if deps.Validator == nil {
		return nil, errMissingSessionVerifier
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Movies == nil {
		return nil, errMissingMovieDetails
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))
	router.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{streamPath})))

	handler := &httpHandler{
		tokens:    deps.Tokens,
		validator: deps.Validator,
		sessions:  deps.Sessions,
		movies:    deps.Movies,
		realtime:  deps.Sessions.config.Realtime,
		heartbeat: heartbeat,
		revoked:   cache.New(time.Hour, 10*time.Minute),
		logger:    logger,
	}

	router.POST("/auth/google/begin", handler.handleBeginSignIn)
	router.POST("/auth/google", handler.handleGoogleAuth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/auth/signout", handler.handleSignOut)
	protected.GET("/me", handler.handleMe)
	protected.GET("/settings", handler.handleGetSettings)
	protected.PATCH("/settings", handler.handlePatchSettings)
	protected.GET("/movies/search", handler.handleSearchState)
	protected.POST("/movies/search/query", handler.handleSubmitQuery)
	protected.POST("/movies/search/sort", handler.handleToggleSort)
	protected.POST("/movies/search/initiate", handler.handleInitiate)
	protected.GET("/movies/search/pages/:page", handler.handleSearchPage)
	protected.GET(streamPath, handler.handleSearchStream)
	protected.GET("/movies/:id", handler.handleMovieDetails)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

type httpHandler struct {
	tokens    SessionTokenIssuer
	validator SessionTokenValidator
	sessions  *SessionRegistry
	movies    MovieDetails
	realtime  *RealtimeDispatcher
	heartbeat time.Duration
	revoked   *cache.Cache
	logger    *zap.Logger
}

type authRequestPayload struct {
	IDToken string `json:"id_token"`
	Nonce   string `json:"nonce"`
}

type authResponsePayload struct {
	AccessToken string       `json:"access_token"`
	ExpiresIn   int64        `json:"expires_in"`
	TokenType   string       `json:"token_type"`
	Profile     auth.Profile `json:"profile"`
}

func (h *httpHandler) handleBeginSignIn(c *gin.Context) {
	client, err := h.sessions.config.NewIdentity()
	if err != nil {
		h.logger.Error("failed to construct identity client", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sign_in_unavailable"})
		return
	}
	intent, err := client.BeginSignIn(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sign_in_unavailable"})
		return
	}
	c.JSON(http.StatusOK, intent)
}

func (h *httpHandler) handleGoogleAuth(c *gin.Context) {
	var request authRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.IDToken) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	client, err := h.sessions.config.NewIdentity()
	if err != nil {
		h.logger.Error("failed to construct identity client", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sign_in_unavailable"})
		return
	}
	result := client.CompleteSignIn(c.Request.Context(), auth.SignInPayload{
		IDToken: request.IDToken,
		Nonce:   request.Nonce,
	})
	if result.Profile == nil {
		c.JSON(http.StatusUnauthorized, result)
		return
	}
	profile := *result.Profile

	token, expiresIn, err := h.tokens.IssueSessionToken(c.Request.Context(), profile)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	if _, err := h.sessions.Open(profile, client); err != nil {
		h.logger.Error("failed to open session", zap.String("user_id", profile.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_failed"})
		return
	}

	c.JSON(http.StatusOK, authResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		Profile:     profile,
	})
}

func (h *httpHandler) handleSignOut(c *gin.Context) {
	session := sessionFrom(c)
	claims := claimsFrom(c)
	if claims.ID != "" {
		ttl := cache.DefaultExpiration
		if claims.ExpiresAt != nil {
			ttl = time.Until(claims.ExpiresAt.Time)
		}
		h.revoked.Set(claims.ID, struct{}{}, ttl)
	}
	if err := h.sessions.Close(c.Request.Context(), session.UserID); err != nil {
		h.logger.Warn("session close failed", zap.String("user_id", session.UserID), zap.Error(err))
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleMe(c *gin.Context) {
	profile, signedIn := sessionFrom(c).Identity.CurrentProfile()
	if !signedIn {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrMissingSessionToken) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
			return
		}
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if _, revoked := h.revoked.Get(claims.ID); claims.ID != "" && revoked {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	session, err := h.sessions.Acquire(claims.Profile())
	if err != nil {
		h.logger.Error("failed to acquire session", zap.String("user_id", claims.UserID), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "session_failed"})
		return
	}
	c.Set(claimsContextKey, claims)
	c.Set(sessionContextKey, session)
	c.Next()
}

func sessionFrom(c *gin.Context) *Session {
	session, _ := c.MustGet(sessionContextKey).(*Session)
	return session
}

func claimsFrom(c *gin.Context) auth.SessionClaims {
	claims, _ := c.MustGet(claimsContextKey).(auth.SessionClaims)
	return claims
}
