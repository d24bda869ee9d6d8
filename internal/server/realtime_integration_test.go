package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/movieguru/internal/auth"
	"github.com/MarcoPoloResearchLab/movieguru/internal/movies"
	"github.com/MarcoPoloResearchLab/movieguru/internal/settings"
	"github.com/MarcoPoloResearchLab/movieguru/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type testEnvironment struct {
	server  *httptest.Server
	catalog *scriptedCatalog
}

func newTestEnvironment(t *testing.T) testEnvironment {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "movieguru.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&movies.MovieRecord{}, &settings.Record{}, &users.Identity{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	logger := zap.NewNop()
	cache, err := movies.NewCacheStore(movies.CacheConfig{Database: db, ReleaseYearThreshold: 2000, Logger: logger})
	if err != nil {
		t.Fatalf("failed to construct cache: %v", err)
	}
	catalog := &scriptedCatalog{totals: map[string]int{"love": 12, "batman": 15}}
	repository, err := movies.NewRepository(movies.RepositoryConfig{
		Cache:   cache,
		Catalog: catalog,
		Videos:  catalog,
		Logger:  logger,
	})
	if err != nil {
		t.Fatalf("failed to construct repository: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		t.Fatalf("failed to construct user service: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "movieguru-auth",
		Audience:      "movieguru-api",
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to construct token issuer: %v", err)
	}
	nonces := auth.NewNonceStore(time.Minute)
	newIdentity := func() (*auth.GoogleIdentityClient, error) {
		return auth.NewGoogleIdentityClient(auth.GoogleIdentityConfig{
			ClientID: "test-client",
			Verifier: nonceEchoVerifier{},
			Resolver: userService,
			Nonces:   nonces,
			Logger:   logger,
		})
	}

	registry, err := NewSessionRegistry(SessionRegistryConfig{
		Database:    db,
		Movies:      repository,
		NewIdentity: newIdentity,
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("failed to construct session registry: %v", err)
	}
	t.Cleanup(registry.Shutdown)

	handler, err := NewHTTPHandler(Dependencies{
		Tokens:            issuer,
		Validator:         issuer.Validator(),
		Sessions:          registry,
		Movies:            repository,
		HeartbeatInterval: time.Hour,
		Logger:            logger,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return testEnvironment{server: server, catalog: catalog}
}

func (e testEnvironment) signIn(t *testing.T) string {
	t.Helper()
	var intent auth.SignInIntent
	e.doJSON(t, http.MethodPost, "/auth/google/begin", "", nil, http.StatusOK, &intent)
	if intent.Nonce == "" || intent.ClientID != "test-client" {
		t.Fatalf("unexpected sign-in intent: %#v", intent)
	}

	var response authResponsePayload
	e.doJSON(t, http.MethodPost, "/auth/google", "", map[string]string{
		"id_token": intent.Nonce,
		"nonce":    intent.Nonce,
	}, http.StatusOK, &response)
	if response.AccessToken == "" || response.TokenType != "Bearer" {
		t.Fatalf("unexpected auth response: %#v", response)
	}
	if response.Profile.ID != "user-123" || response.Profile.Email != "viewer@example.com" {
		t.Fatalf("unexpected profile: %#v", response.Profile)
	}
	return response.AccessToken
}

func (e testEnvironment) doJSON(t *testing.T, method, path, token string, body any, wantStatus int, target any) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode request: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(method, e.server.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to construct request: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer response.Body.Close()
	if response.StatusCode != wantStatus {
		payload, _ := io.ReadAll(response.Body)
		t.Fatalf("%s %s: unexpected status %d (want %d): %s", method, path, response.StatusCode, wantStatus, payload)
	}
	if target != nil {
		if err := json.NewDecoder(response.Body).Decode(target); err != nil {
			t.Fatalf("failed to decode %s %s response: %v", method, path, err)
		}
	}
}

func (e testEnvironment) waitForState(t *testing.T, token string, done func(searchStatePayload) bool) searchStatePayload {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		var state searchStatePayload
		e.doJSON(t, http.MethodGet, "/movies/search", token, nil, http.StatusOK, &state)
		if done(state) {
			return state
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for search state, last: %#v", state)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSearchSessionEndToEnd(t *testing.T) {
	env := newTestEnvironment(t)
	token := env.signIn(t)

	var profile auth.Profile
	env.doJSON(t, http.MethodGet, "/me", token, nil, http.StatusOK, &profile)
	if profile.ID != "user-123" {
		t.Fatalf("unexpected profile from /me: %#v", profile)
	}

	initial := env.waitForState(t, token, func(state searchStatePayload) bool {
		return !state.Loading && len(state.Pages) > 0
	})
	if initial.Query != "" {
		t.Fatalf("expected the untouched query to stay blank, got %q", initial.Query)
	}
	if len(initial.Pages[0].Movies) != movies.CatalogPageSize {
		t.Fatalf("expected a full first page, got %d movies", len(initial.Pages[0].Movies))
	}
	if !strings.HasPrefix(initial.Pages[0].Movies[0].Title, "love") {
		t.Fatalf("expected the default term to be searched, got %q", initial.Pages[0].Movies[0].Title)
	}

	env.doJSON(t, http.MethodPost, "/movies/search/query", token, map[string]string{"query": "batman"}, http.StatusAccepted, nil)
	searched := env.waitForState(t, token, func(state searchStatePayload) bool {
		return state.Query == "batman" && !state.Loading && len(state.Pages) > 0
	})
	if searched.Generation <= initial.Generation {
		t.Fatalf("expected a newer generation, got %d after %d", searched.Generation, initial.Generation)
	}

	var page pagePayload
	env.doJSON(t, http.MethodGet, "/movies/search/pages/1", token, nil, http.StatusOK, &page)
	if page.Index != 1 || len(page.Movies) != 5 {
		t.Fatalf("unexpected second page: index %d, %d movies", page.Index, len(page.Movies))
	}
	if page.Generation != searched.Generation {
		t.Fatalf("expected page from generation %d, got %d", searched.Generation, page.Generation)
	}

	var updated settings.Settings
	env.doJSON(t, http.MethodPatch, "/settings", token, map[string]any{"use_grid": true, "dark_theme_config": "dark"}, http.StatusOK, &updated)
	if !updated.UseGrid || updated.DarkThemeConfig != settings.DarkThemeDark {
		t.Fatalf("unexpected settings after patch: %#v", updated)
	}
	env.doJSON(t, http.MethodPatch, "/settings", token, map[string]any{"dark_theme_config": "sepia"}, http.StatusBadRequest, nil)

	env.doJSON(t, http.MethodPost, "/movies/search/sort", token, map[string]bool{"ascending": true}, http.StatusAccepted, nil)
	sorted := env.waitForState(t, token, func(state searchStatePayload) bool {
		return state.Sort && !state.Loading && len(state.Pages) > 0
	})
	if sorted.Query != "batman" {
		t.Fatalf("expected toggling sort to keep the query, got %q", sorted.Query)
	}
	var persisted settings.Settings
	env.doJSON(t, http.MethodGet, "/settings", token, nil, http.StatusOK, &persisted)
	if !persisted.Sort {
		t.Fatalf("expected sort preference to persist")
	}

	env.doJSON(t, http.MethodPost, "/auth/signout", token, nil, http.StatusNoContent, nil)
	env.doJSON(t, http.MethodGet, "/me", token, nil, http.StatusUnauthorized, nil)
}

func TestSearchStreamEmitsSearchStateEvents(t *testing.T) {
	env := newTestEnvironment(t)
	token := env.signIn(t)
	env.waitForState(t, token, func(state searchStatePayload) bool {
		return !state.Loading && len(state.Pages) > 0
	})

	streamRequest, err := http.NewRequest(http.MethodGet, env.server.URL+streamPath+"?access_token="+token, http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct stream request: %v", err)
	}
	streamResp, err := http.DefaultClient.Do(streamRequest)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() {
		_ = streamResp.Body.Close()
	})
	if streamResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", streamResp.StatusCode)
	}
	events := readEvents(streamResp.Body)

	env.doJSON(t, http.MethodPost, "/movies/search/query", token, map[string]string{"query": "batman"}, http.StatusAccepted, nil)

	var sawSettings bool
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for realtime search state")
		case event, ok := <-events:
			if !ok {
				t.Fatal("stream closed before the search completed")
			}
			if event.name == RealtimeEventSettingsChanged {
				sawSettings = true
				continue
			}
			if event.name != RealtimeEventSearchState {
				continue
			}
			var envelope struct {
				Source string             `json:"source"`
				Data   searchStatePayload `json:"data"`
			}
			if err := json.Unmarshal([]byte(event.data), &envelope); err != nil {
				t.Fatalf("failed to decode event payload: %v", err)
			}
			if envelope.Source != realtimeSourceBackend {
				t.Fatalf("unexpected event source %q", envelope.Source)
			}
			if envelope.Data.Query != "batman" || envelope.Data.Loading || len(envelope.Data.Pages) == 0 {
				continue
			}
			if !sawSettings {
				t.Fatalf("expected the settings snapshot to be replayed on connect")
			}
			return
		}
	}
}

func TestProtectedRoutesRejectAnonymousRequests(t *testing.T) {
	env := newTestEnvironment(t)
	for _, path := range []string{"/me", "/settings", "/movies/search", "/movies/tt0372784"} {
		env.doJSON(t, http.MethodGet, path, "", nil, http.StatusUnauthorized, nil)
	}
}

func TestMovieDetailsRoute(t *testing.T) {
	env := newTestEnvironment(t)
	token := env.signIn(t)

	var details movies.MovieDetails
	env.doJSON(t, http.MethodGet, "/movies/tt0372784", token, nil, http.StatusOK, &details)
	if details.ID != "tt0372784" {
		t.Fatalf("unexpected details: %#v", details)
	}
	if len(details.Videos) != 1 || details.Videos[0].Key != "neY2xVmOfUM" || details.Videos[0].Site != movies.VideoSiteYouTube {
		t.Fatalf("expected the YouTube trailer only, got %#v", details.Videos)
	}
	env.doJSON(t, http.MethodGet, "/movies/tt0000000", token, nil, http.StatusNotFound, nil)
}

type sseEvent struct {
	name string
	data string
}

func readEvents(body io.Reader) <-chan sseEvent {
	events := make(chan sseEvent, 16)
	go func() {
		defer close(events)
		reader := bufio.NewReader(body)
		current := sseEvent{}
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimSpace(line)
			switch {
			case strings.HasPrefix(line, "event:"):
				current.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				current.data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			case line == "" && current.name != "":
				events <- current
				current = sseEvent{}
			}
		}
	}()
	return events
}

// nonceEchoVerifier treats the raw token as the nonce the provider signed.
type nonceEchoVerifier struct{}

func (nonceEchoVerifier) Verify(_ context.Context, rawToken string) (auth.GoogleClaims, error) {
	return auth.GoogleClaims{
		Subject:       "user-123",
		Email:         "viewer@example.com",
		EmailVerified: true,
		Name:          "Viewer",
		Nonce:         rawToken,
	}, nil
}

// scriptedCatalog serves a fixed number of hits per query.
type scriptedCatalog struct {
	mu     sync.Mutex
	totals map[string]int
}

func (c *scriptedCatalog) Search(_ context.Context, query string, page int) (movies.SearchPage, error) {
	c.mu.Lock()
	total := c.totals[query]
	c.mu.Unlock()

	start := (page - 1) * movies.CatalogPageSize
	records := make([]movies.MovieRecord, 0, movies.CatalogPageSize)
	for index := start; index < total && index < start+movies.CatalogPageSize; index++ {
		records = append(records, movies.MovieRecord{
			ImdbID: fmt.Sprintf("tt%s%04d", query, index),
			Title:  fmt.Sprintf("%s %d", query, index),
			Year:   fmt.Sprintf("%d", 2001+index),
			Type:   "movie",
		})
	}
	return movies.SearchPage{Page: page, Records: records, TotalResults: total}, nil
}

func (c *scriptedCatalog) Details(_ context.Context, id movies.MovieID) (movies.MovieDetails, error) {
	if id != "tt0372784" {
		return movies.MovieDetails{}, movies.ErrMovieNotFound
	}
	return movies.MovieDetails{ID: id, Title: "Batman Begins", Year: "2005"}, nil
}

func (c *scriptedCatalog) Videos(_ context.Context, id movies.MovieID) ([]movies.MovieVideo, error) {
	if id != "tt0372784" {
		return nil, nil
	}
	return []movies.MovieVideo{
		{Key: "neY2xVmOfUM", Site: "YouTube", Name: "Official Trailer", Type: "Trailer"},
		{Key: "112233", Site: "Vimeo", Name: "Featurette", Type: "Featurette"},
	}, nil
}
