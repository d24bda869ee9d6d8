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
)

const (
	defaultVideosTimeout = 15 * time.Second
	tmdbMediaMovie       = "movie"
	tmdbMediaTV          = "tv"

	// VideoSiteYouTube is the only hosting site the details view can play.
	VideoSiteYouTube = "YouTube"
)

var (
	errMissingVideosBaseURL = errors.New("videos base url required")
	errMissingVideosToken   = errors.New("videos token required")

	// ErrInvalidVideosConfig reports an unusable video source configuration.
	ErrInvalidVideosConfig = errors.New("movies: invalid videos config")
	// ErrVideosUnavailable wraps transport and upstream failures of the video source.
	ErrVideosUnavailable   = errors.New("movies: videos unavailable")
)

// MovieVideo is a clip published for a catalog entry, such as a trailer.
type MovieVideo struct {
	Key  string `json:"key"`
	Site string `json:"site"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// VideoSource lists the clips published for a catalog entry.
type VideoSource interface {
	Videos(ctx context.Context, id MovieID) ([]MovieVideo, error)
}

// TMDBConfig configures the TMDB video client.
type TMDBConfig struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *zap.Logger
}

// TMDBClient resolves IMDb identifiers on TMDB and lists their videos.
type TMDBClient struct {
	baseURL    *url.URL
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewTMDBClient validates configuration and returns a ready client.
func NewTMDBClient(cfg TMDBConfig) (*TMDBClient, error) {
	rawBaseURL := strings.TrimSpace(cfg.BaseURL)
	if rawBaseURL == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVideosConfig, errMissingVideosBaseURL)
	}
	baseURL, err := url.Parse(strings.TrimSuffix(rawBaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVideosConfig, err)
	}
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVideosConfig, errMissingVideosToken)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultVideosTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TMDBClient{
		baseURL:    baseURL,
		token:      token,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

type tmdbFindResponse struct {
	MovieResults []struct {
		ID int `json:"id"`
	} `json:"movie_results"`
	TVResults []struct {
		ID int `json:"id"`
	} `json:"tv_results"`
}

type tmdbVideosResponse struct {
	Results []struct {
		Key  string `json:"key"`
		Site string `json:"site"`
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"results"`
}

// Videos returns every clip TMDB lists for id. An identifier unknown to TMDB has no videos.
func (c *TMDBClient) Videos(ctx context.Context, id MovieID) ([]MovieVideo, error) {
	var found tmdbFindResponse
	findQuery := url.Values{"external_source": {"imdb_id"}}
	if err := c.getJSON(ctx, "/find/"+url.PathEscape(id.String()), findQuery, &found); err != nil {
		return nil, err
	}

	var mediaType string
	var tmdbID int
	switch {
	case len(found.MovieResults) > 0:
		mediaType, tmdbID = tmdbMediaMovie, found.MovieResults[0].ID
	case len(found.TVResults) > 0:
		mediaType, tmdbID = tmdbMediaTV, found.TVResults[0].ID
	default:
		c.logger.Debug("no tmdb entry for movie", zap.String("movie_id", id.String()))
		return []MovieVideo{}, nil
	}

	var listed tmdbVideosResponse
	path := "/" + mediaType + "/" + strconv.Itoa(tmdbID) + "/videos"
	if err := c.getJSON(ctx, path, nil, &listed); err != nil {
		return nil, err
	}
	videos := make([]MovieVideo, 0, len(listed.Results))
	for _, result := range listed.Results {
		videos = append(videos, MovieVideo{Key: result.Key, Site: result.Site, Name: result.Name, Type: result.Type})
	}
	return videos, nil
}

func (c *TMDBClient) getJSON(ctx context.Context, path string, params url.Values, target interface{}) error {
	endpoint := *c.baseURL
	endpoint.Path = strings.TrimSuffix(endpoint.Path, "/") + path
	endpoint.RawQuery = params.Encode()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return err
	}
	request.Header.Set("Authorization", "Bearer "+c.token)
	request.Header.Set("Accept", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrVideosUnavailable, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrVideosUnavailable, response.StatusCode)
	}
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrVideosUnavailable, err)
	}
	return nil
}

// playableVideos keeps the clips hosted on YouTube, in source order.
func playableVideos(videos []MovieVideo) []MovieVideo {
	playable := make([]MovieVideo, 0, len(videos))
	for _, video := range videos {
		if video.Site == VideoSiteYouTube && strings.TrimSpace(video.Key) != "" {
			playable = append(playable, video)
		}
	}
	return playable
}
