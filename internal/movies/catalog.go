package movies

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// CatalogPageSize is the fixed number of hits the catalog returns per search page.
	CatalogPageSize       = 10
	defaultCatalogTimeout = 15 * time.Second
	catalogNotFound       = "movie not found!"
	catalogIncorrectID    = "incorrect imdb id."
	catalogResponseTrue   = "True"
)

var (
	errMissingCatalogBaseURL = errors.New("catalog base url required")
	errMissingCatalogAPIKey  = errors.New("catalog api key required")
	// ErrInvalidCatalogConfig reports an unusable catalog client configuration.
	ErrInvalidCatalogConfig = errors.New("movies: invalid catalog config")
)

// Catalog is the remote source of movie search results and details.
type Catalog interface {
	Search(ctx context.Context, query string, page int) (SearchPage, error)
	Details(ctx context.Context, id MovieID) (MovieDetails, error)
}

// SearchPage is one page of remote search hits. Page numbers start at 1.
type SearchPage struct {
	Page         int
	Records      []MovieRecord
	TotalResults int
}

// HasMore reports whether the catalog holds hits beyond this page.
func (p SearchPage) HasMore() bool {
	return len(p.Records) > 0 && p.Page*CatalogPageSize < p.TotalResults
}

// OMDbConfig configures the OMDb catalog client.
type OMDbConfig struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *zap.Logger
}

// OMDbClient queries an OMDb-compatible JSON API.
type OMDbClient struct {
	baseURL    *url.URL
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
	group      singleflight.Group
}

// NewOMDbClient validates configuration and returns a ready client.
func NewOMDbClient(cfg OMDbConfig) (*OMDbClient, error) {
	rawBaseURL := strings.TrimSpace(cfg.BaseURL)
	if rawBaseURL == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalogConfig, errMissingCatalogBaseURL)
	}
	baseURL, err := url.Parse(rawBaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalogConfig, err)
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalogConfig, errMissingCatalogAPIKey)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultCatalogTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &OMDbClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

type omdbSearchResponse struct {
	Search       []omdbSearchHit `json:"Search"`
	TotalResults string          `json:"totalResults"`
	Response     string          `json:"Response"`
	Error        string          `json:"Error"`
}

type omdbSearchHit struct {
	Title  string `json:"Title"`
	Year   string `json:"Year"`
	ImdbID string `json:"imdbID"`
	Type   string `json:"Type"`
	Poster string `json:"Poster"`
}

type omdbDetailsResponse struct {
	Title      string `json:"Title"`
	Year       string `json:"Year"`
	Rated      string `json:"Rated"`
	Released   string `json:"Released"`
	Runtime    string `json:"Runtime"`
	Genre      string `json:"Genre"`
	Director   string `json:"Director"`
	Writer     string `json:"Writer"`
	Actors     string `json:"Actors"`
	Plot       string `json:"Plot"`
	Language   string `json:"Language"`
	Country    string `json:"Country"`
	Poster     string `json:"Poster"`
	ImdbRating string `json:"imdbRating"`
	ImdbID     string `json:"imdbID"`
	Type       string `json:"Type"`
	Response   string `json:"Response"`
	Error      string `json:"Error"`
}

// Search returns one page of hits for query. Identical in-flight requests share one round trip.
func (c *OMDbClient) Search(ctx context.Context, query string, page int) (SearchPage, error) {
	if page < 1 {
		page = 1
	}
	key := strings.ToLower(strings.TrimSpace(query)) + "|" + strconv.Itoa(page)
	resultCh := c.group.DoChan(key, func() (interface{}, error) {
		// Shared by every waiter on key, so it must outlive any single caller.
		return c.search(context.WithoutCancel(ctx), query, page)
	})
	select {
	case <-ctx.Done():
		return SearchPage{}, ctx.Err()
	case result := <-resultCh:
		if result.Err != nil {
			return SearchPage{}, result.Err
		}
		return result.Val.(SearchPage), nil
	}
}

func (c *OMDbClient) search(ctx context.Context, query string, page int) (SearchPage, error) {
	params := url.Values{}
	params.Set("s", query)
	params.Set("page", strconv.Itoa(page))

	var payload omdbSearchResponse
	if err := c.getJSON(ctx, params, &payload); err != nil {
		return SearchPage{}, err
	}

	if payload.Response != catalogResponseTrue {
		if strings.EqualFold(strings.TrimSpace(payload.Error), catalogNotFound) {
			return SearchPage{Page: page}, nil
		}
		return SearchPage{}, fmt.Errorf("%w: %s", ErrCatalogUnavailable, payload.Error)
	}

	total, err := strconv.Atoi(strings.TrimSpace(payload.TotalResults))
	if err != nil {
		c.logger.Debug("catalog returned non-numeric total", zap.String("total", payload.TotalResults))
		total = 0
	}

	records := make([]MovieRecord, 0, len(payload.Search))
	for _, hit := range payload.Search {
		id, err := NewMovieID(hit.ImdbID)
		if err != nil {
			c.logger.Debug("skipping catalog hit", zap.String("title", hit.Title), zap.Error(err))
			continue
		}
		records = append(records, MovieRecord{
			ImdbID: id.String(),
			Title:  hit.Title,
			Year:   hit.Year,
			Poster: hit.Poster,
			Type:   hit.Type,
		})
	}

	return SearchPage{Page: page, Records: records, TotalResults: total}, nil
}

// Details fetches the full catalog entry for id.
func (c *OMDbClient) Details(ctx context.Context, id MovieID) (MovieDetails, error) {
	params := url.Values{}
	params.Set("i", id.String())
	params.Set("plot", "full")

	var payload omdbDetailsResponse
	if err := c.getJSON(ctx, params, &payload); err != nil {
		return MovieDetails{}, err
	}
	if payload.Response != catalogResponseTrue {
		message := strings.ToLower(strings.TrimSpace(payload.Error))
		if message == catalogNotFound || message == catalogIncorrectID {
			return MovieDetails{}, ErrMovieNotFound
		}
		return MovieDetails{}, fmt.Errorf("%w: %s", ErrCatalogUnavailable, payload.Error)
	}

	poster := payload.Poster
	if strings.EqualFold(poster, "N/A") {
		poster = ""
	}
	return MovieDetails{
		ID:         MovieID(payload.ImdbID),
		Title:      payload.Title,
		Year:       payload.Year,
		Rated:      payload.Rated,
		Released:   payload.Released,
		Runtime:    payload.Runtime,
		Genre:      payload.Genre,
		Director:   payload.Director,
		Writer:     payload.Writer,
		Actors:     payload.Actors,
		Plot:       payload.Plot,
		Language:   payload.Language,
		Country:    payload.Country,
		PosterURL:  poster,
		ImdbRating: payload.ImdbRating,
		Type:       payload.Type,
		Videos:     []MovieVideo{},
	}, nil
}

func (c *OMDbClient) getJSON(ctx context.Context, params url.Values, target interface{}) error {
	params.Set("apikey", c.apiKey)
	endpoint := *c.baseURL
	endpoint.RawQuery = params.Encode()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return err
	}
	request.Header.Set("Accept", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrCatalogUnavailable, response.StatusCode)
	}
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrCatalogUnavailable, err)
	}
	return nil
}
