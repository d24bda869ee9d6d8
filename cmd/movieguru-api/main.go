package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/movieguru/internal/auth"
	"github.com/MarcoPoloResearchLab/movieguru/internal/config"
	"github.com/MarcoPoloResearchLab/movieguru/internal/database"
	"github.com/MarcoPoloResearchLab/movieguru/internal/logging"
	"github.com/MarcoPoloResearchLab/movieguru/internal/movies"
	"github.com/MarcoPoloResearchLab/movieguru/internal/server"
	"github.com/MarcoPoloResearchLab/movieguru/internal/users"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "movieguru-api",
		Short: "Movie search backend service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newCacheCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to an optional dotenv file")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.Flags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.Flags().StringSlice("allowed-origins", nil, "Origins allowed to call the API")
	cmd.Flags().String("google-client-id", defaults.GetString("google.client_id"), "Google OAuth client ID")
	cmd.Flags().String("google-jwks-url", defaults.GetString("google.jwks_url"), "Google JWKS URL")
	cmd.Flags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Session token TTL in minutes")
	cmd.Flags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.Flags().String("catalog-base-url", defaults.GetString("catalog.base_url"), "OMDb-compatible catalog base URL")
	cmd.Flags().String("catalog-api-key", "", "Catalog API key (overrides env)")
	cmd.Flags().String("videos-token", "", "TMDB read token enabling trailers (overrides env)")
	cmd.Flags().String("default-query", defaults.GetString("search.default_query"), "Search term used for a blank query")
	cmd.Flags().Duration("search-debounce", defaults.GetDuration("search.debounce"), "Delay before a submitted query is fetched")

	for key, flag := range map[string]string{
		"database.path":        "database-path",
		"log.level":            "log-level",
		"log.format":           "log-format",
		"http.address":         "http-address",
		"http.allowed_origins": "allowed-origins",
		"google.client_id":     "google-client-id",
		"google.jwks_url":      "google-jwks-url",
		"token.ttl_minutes":    "token-ttl-minutes",
		"auth.signing_secret":  "signing-secret",
		"catalog.base_url":     "catalog-base-url",
		"catalog.api_key":      "catalog-api-key",
		"videos.token":         "videos-token",
		"search.default_query": "default-query",
		"search.debounce":      "search-debounce",
	} {
		bindFlag(cmd, key, flag)
	}
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	lookup := cmd.PersistentFlags().Lookup(flag)
	if lookup == nil {
		lookup = cmd.Flags().Lookup(flag)
	}
	if err := viper.BindPFlag(key, lookup); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", envFile, err)
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	catalog, err := movies.NewOMDbClient(movies.OMDbConfig{
		BaseURL: appConfig.CatalogBaseURL,
		APIKey:  appConfig.CatalogAPIKey,
		Timeout: appConfig.CatalogTimeout,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	cache, err := movies.NewCacheStore(movies.CacheConfig{
		Database:             db,
		ReleaseYearThreshold: appConfig.ReleaseYearThreshold,
		Logger:               logger,
	})
	if err != nil {
		return err
	}
	var videos movies.VideoSource
	if appConfig.VideosToken != "" {
		tmdbClient, err := movies.NewTMDBClient(movies.TMDBConfig{
			BaseURL: appConfig.VideosBaseURL,
			Token:   appConfig.VideosToken,
			Timeout: appConfig.CatalogTimeout,
			Logger:  logger,
		})
		if err != nil {
			return err
		}
		videos = tmdbClient
	} else {
		logger.Info("trailer lookups disabled", zap.String("reason", "videos.token not set"))
	}
	repository, err := movies.NewRepository(movies.RepositoryConfig{
		Cache:            cache,
		Catalog:          catalog,
		Videos:           videos,
		PageSize:         appConfig.PageSize,
		DetailsCacheSize: appConfig.DetailsCacheSize,
		DetailsCacheTTL:  appConfig.DetailsCacheTTL,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	googleVerifier, err := auth.NewGoogleVerifier(auth.GoogleVerifierConfig{
		Audience:       appConfig.GoogleClientID,
		JWKSURL:        appConfig.GoogleJWKSURL,
		AllowedIssuers: []string{"https://accounts.google.com", "accounts.google.com"},
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		Audience:      appConfig.TokenAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	nonces := auth.NewNonceStore(appConfig.SignInNonceTTL)
	newIdentity := func() (*auth.GoogleIdentityClient, error) {
		return auth.NewGoogleIdentityClient(auth.GoogleIdentityConfig{
			ClientID: appConfig.GoogleClientID,
			Verifier: googleVerifier,
			Resolver: userService,
			Nonces:   nonces,
			Logger:   logger,
		})
	}

	sessions, err := server.NewSessionRegistry(server.SessionRegistryConfig{
		Database:     db,
		Movies:       repository,
		NewIdentity:  newIdentity,
		Realtime:     server.NewRealtimeDispatcher(),
		DefaultQuery: appConfig.DefaultQuery,
		Debounce:     appConfig.SearchDebounce,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	defer sessions.Shutdown()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:            tokenIssuer,
		Validator:         tokenIssuer.Validator(),
		Sessions:          sessions,
		Movies:            repository,
		AllowedOrigins:    appConfig.AllowedOrigins,
		HeartbeatInterval: appConfig.HeartbeatInterval,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newCacheCommand() *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or reset the local movie cache",
	}
	cacheCmd.AddCommand(&cobra.Command{
		Use:   "count",
		Short: "Print the number of cached search results",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(cmd.Context(), func(ctx context.Context, store *movies.CacheStore) error {
				count, err := store.Count(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), count)
				return nil
			})
		},
	})
	cacheCmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete every cached search result",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(cmd.Context(), func(ctx context.Context, store *movies.CacheStore) error {
				return store.ClearAll(ctx)
			})
		},
	})
	return cacheCmd
}

func withCache(ctx context.Context, run func(context.Context, *movies.CacheStore) error) error {
	storageConfig, err := config.LoadStorage(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(storageConfig.LogLevel, storageConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(storageConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer closeDatabase(db, logger)

	store, err := movies.NewCacheStore(movies.CacheConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	return run(ctx, store)
}

func closeDatabase(db *gorm.DB, logger *zap.Logger) {
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	if err := sqlDB.Close(); err != nil {
		logger.Warn("database close failed", zap.Error(err))
	}
}
