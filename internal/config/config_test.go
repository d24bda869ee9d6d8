package config

import (
	"strings"
	"testing"
	"time"
)

func requiredSettings() map[string]any {
	return map[string]any{
		"google.client_id":    "client-1",
		"auth.signing_secret": "secret",
		"catalog.api_key":     "omdb-key",
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	for key, value := range requiredSettings() {
		configViper.Set(key, value)
	}

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress || cfg.DatabasePath != defaultDatabasePath {
		t.Fatalf("unexpected listen defaults: %#v", cfg)
	}
	if cfg.DefaultQuery != "love" || cfg.ReleaseYearThreshold != 2000 || cfg.PageSize != 10 {
		t.Fatalf("unexpected search defaults: %#v", cfg)
	}
	if cfg.SearchDebounce != 0 {
		t.Fatalf("expected no debounce by default, got %s", cfg.SearchDebounce)
	}
	if cfg.TokenTTL != 24*time.Hour || cfg.SignInNonceTTL != 10*time.Minute {
		t.Fatalf("unexpected token defaults: %s %s", cfg.TokenTTL, cfg.SignInNonceTTL)
	}
	if cfg.VideosBaseURL != defaultVideosBaseURL || cfg.VideosToken != "" {
		t.Fatalf("expected trailer lookups to be disabled by default: %#v", cfg)
	}
	if cfg.HeartbeatInterval != defaultHeartbeatInterval || len(cfg.AllowedOrigins) != 0 {
		t.Fatalf("unexpected http defaults: %#v", cfg)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("MOVIEGURU_GOOGLE_CLIENT_ID", "env-client")
	t.Setenv("MOVIEGURU_AUTH_SIGNING_SECRET", "env-secret")
	t.Setenv("MOVIEGURU_CATALOG_API_KEY", "env-key")
	t.Setenv("MOVIEGURU_SEARCH_DEBOUNCE", "300ms")
	t.Setenv("MOVIEGURU_VIDEOS_TOKEN", "tmdb-token")
	t.Setenv("MOVIEGURU_HTTP_ALLOWED_ORIGINS", "https://a.example.com,https://b.example.com")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.GoogleClientID != "env-client" || cfg.CatalogAPIKey != "env-key" {
		t.Fatalf("expected env values, got %#v", cfg)
	}
	if cfg.VideosToken != "tmdb-token" {
		t.Fatalf("expected videos token from env, got %q", cfg.VideosToken)
	}
	if cfg.SearchDebounce != 300*time.Millisecond {
		t.Fatalf("expected debounce from env, got %s", cfg.SearchDebounce)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example.com" {
		t.Fatalf("unexpected origins: %#v", cfg.AllowedOrigins)
	}
}

func TestLoadRejectsInvalidConfiguration(t *testing.T) {
	testCases := []struct {
		name     string
		override map[string]any
		contains string
	}{
		{name: "missing secret", override: map[string]any{"auth.signing_secret": " "}, contains: "auth.signing_secret"},
		{name: "missing client id", override: map[string]any{"google.client_id": ""}, contains: "GoogleClientID"},
		{name: "missing catalog key", override: map[string]any{"catalog.api_key": ""}, contains: "CatalogAPIKey"},
		{name: "page size too large", override: map[string]any{"search.page_size": 500}, contains: "PageSize"},
		{name: "unknown log format", override: map[string]any{"log.format": "xml"}, contains: "LogFormat"},
		{name: "negative debounce", override: map[string]any{"search.debounce": "-1s"}, contains: "SearchDebounce"},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			for key, value := range requiredSettings() {
				configViper.Set(key, value)
			}
			for key, value := range testCase.override {
				configViper.Set(key, value)
			}
			_, err := Load(configViper)
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), testCase.contains) {
				t.Fatalf("expected error to mention %q, got %v", testCase.contains, err)
			}
		})
	}
}

func TestLoadStorageIgnoresServerSettings(t *testing.T) {
	configViper := NewViper()
	configViper.Set("database.path", "/tmp/cache.db")

	cfg, err := LoadStorage(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DatabasePath != "/tmp/cache.db" || cfg.LogLevel != defaultLogLevel {
		t.Fatalf("unexpected storage config: %#v", cfg)
	}

	configViper.Set("database.path", "")
	if _, err := LoadStorage(configViper); err == nil {
		t.Fatalf("expected an error for an empty database path")
	}
}
