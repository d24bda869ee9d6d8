package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	envPrefix                   = "MOVIEGURU"
	defaultHTTPAddress          = "0.0.0.0:8080"
	defaultDatabasePath         = "movieguru.db"
	defaultLogLevel             = "info"
	defaultLogFormat            = "json"
	defaultGoogleJWKSURL        = "https://www.googleapis.com/oauth2/v3/certs"
	defaultTokenTTLMinutes      = 60 * 24
	defaultCatalogBaseURL       = "https://www.omdbapi.com/"
	defaultCatalogTimeout       = 15 * time.Second
	defaultSearchDefaultQuery   = "love"
	defaultSearchYearThreshold  = 2000
	defaultSearchPageSize       = 10
	defaultSearchDebounce       = 0
	defaultDetailsCacheSize     = 256
	defaultDetailsCacheTTLMins  = 60
	defaultSignInNonceTTLMins   = 10
	defaultSessionTokenIssuer   = "movieguru-auth"
	defaultSessionTokenAudience = "movieguru-api"
	defaultHeartbeatInterval    = 25 * time.Second
	defaultVideosBaseURL        = "https://api.themoviedb.org/3"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string        `validate:"required"`
	DatabasePath   string        `validate:"required"`
	LogLevel       string        `validate:"omitempty,oneof=debug info warn warning error"`
	LogFormat      string        `validate:"omitempty,oneof=json console"`
	GoogleClientID string        `validate:"required"`
	GoogleJWKSURL  string        `validate:"required,url"`
	SigningSecret  string        `validate:"required"`
	TokenIssuer    string        `validate:"required"`
	TokenAudience  string        `validate:"required"`
	TokenTTL       time.Duration `validate:"gt=0"`
	SignInNonceTTL time.Duration `validate:"gt=0"`

	CatalogBaseURL string        `validate:"required,url"`
	CatalogAPIKey  string        `validate:"required"`
	CatalogTimeout time.Duration `validate:"gt=0"`

	VideosBaseURL string `validate:"required,url"`
	VideosToken   string

	DefaultQuery         string        `validate:"required"`
	ReleaseYearThreshold int           `validate:"gte=0"`
	PageSize             int           `validate:"gt=0,lte=100"`
	SearchDebounce       time.Duration `validate:"gte=0"`
	DetailsCacheSize     int           `validate:"gt=0"`
	DetailsCacheTTL      time.Duration `validate:"gt=0"`

	AllowedOrigins    []string      `validate:"dive,url"`
	HeartbeatInterval time.Duration `validate:"gt=0"`
}

// StorageConfig is the subset of configuration needed to open the local database.
type StorageConfig struct {
	DatabasePath string `validate:"required"`
	LogLevel     string `validate:"omitempty,oneof=debug info warn warning error"`
	LogFormat    string `validate:"omitempty,oneof=json console"`
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("google.jwks_url", defaultGoogleJWKSURL)
	configViper.SetDefault("token.issuer", defaultSessionTokenIssuer)
	configViper.SetDefault("token.audience", defaultSessionTokenAudience)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("auth.nonce_ttl_minutes", defaultSignInNonceTTLMins)
	configViper.SetDefault("catalog.base_url", defaultCatalogBaseURL)
	configViper.SetDefault("catalog.timeout", defaultCatalogTimeout)
	configViper.SetDefault("videos.base_url", defaultVideosBaseURL)
	configViper.SetDefault("search.default_query", defaultSearchDefaultQuery)
	configViper.SetDefault("search.year_threshold", defaultSearchYearThreshold)
	configViper.SetDefault("search.page_size", defaultSearchPageSize)
	configViper.SetDefault("search.debounce", time.Duration(defaultSearchDebounce))
	configViper.SetDefault("details.cache_size", defaultDetailsCacheSize)
	configViper.SetDefault("details.cache_ttl_minutes", defaultDetailsCacheTTLMins)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("http.heartbeat_interval", defaultHeartbeatInterval)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       strings.ToLower(strings.TrimSpace(configViper.GetString("log.level"))),
		LogFormat:      strings.ToLower(strings.TrimSpace(configViper.GetString("log.format"))),
		GoogleClientID: strings.TrimSpace(configViper.GetString("google.client_id")),
		GoogleJWKSURL:  strings.TrimSpace(configViper.GetString("google.jwks_url")),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		TokenIssuer:    configViper.GetString("token.issuer"),
		TokenAudience:  configViper.GetString("token.audience"),
		TokenTTL:       time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		SignInNonceTTL: time.Duration(configViper.GetInt("auth.nonce_ttl_minutes")) * time.Minute,

		CatalogBaseURL: strings.TrimSpace(configViper.GetString("catalog.base_url")),
		CatalogAPIKey:  strings.TrimSpace(configViper.GetString("catalog.api_key")),
		CatalogTimeout: configViper.GetDuration("catalog.timeout"),

		VideosBaseURL: strings.TrimSpace(configViper.GetString("videos.base_url")),
		VideosToken:   strings.TrimSpace(configViper.GetString("videos.token")),

		DefaultQuery:         strings.TrimSpace(configViper.GetString("search.default_query")),
		ReleaseYearThreshold: configViper.GetInt("search.year_threshold"),
		PageSize:             configViper.GetInt("search.page_size"),
		SearchDebounce:       configViper.GetDuration("search.debounce"),
		DetailsCacheSize:     configViper.GetInt("details.cache_size"),
		DetailsCacheTTL:      time.Duration(configViper.GetInt("details.cache_ttl_minutes")) * time.Minute,

		AllowedOrigins:    splitList(configViper.GetStringSlice("http.allowed_origins")),
		HeartbeatInterval: configViper.GetDuration("http.heartbeat_interval"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadStorage parses only the database and logging settings.
func LoadStorage(configViper *viper.Viper) (StorageConfig, error) {
	cfg := StorageConfig{
		DatabasePath: strings.TrimSpace(configViper.GetString("database.path")),
		LogLevel:     strings.ToLower(strings.TrimSpace(configViper.GetString("log.level"))),
		LogFormat:    strings.ToLower(strings.TrimSpace(configViper.GetString("log.format"))),
	}
	if err := validateStruct(cfg); err != nil {
		return StorageConfig{}, err
	}
	return cfg, nil
}

// splitList flattens repeated and comma separated values.
func splitList(values []string) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}

var configValidator = validator.New(validator.WithRequiredStructEnabled())

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	return validateStruct(c)
}

func validateStruct(value any) error {
	if err := configValidator.Struct(value); err != nil {
		var fieldErrors validator.ValidationErrors
		if errors.As(err, &fieldErrors) && len(fieldErrors) > 0 {
			first := fieldErrors[0]
			return fmt.Errorf("config: %s failed %q validation", first.Field(), first.Tag())
		}
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
