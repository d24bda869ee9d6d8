package movies

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 64

// ErrInvalidMovieID indicates that a catalog identifier is empty or exceeds storage bounds.
var ErrInvalidMovieID = errors.New("movies: invalid movie id")

// MovieID represents a validated external catalog identifier (for example "tt0372784").
type MovieID string

// NewMovieID validates raw input and returns a MovieID.
func NewMovieID(rawInput string) (MovieID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidMovieID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidMovieID, maxIdentifierLength)
	}
	return MovieID(trimmed), nil
}

// String returns the underlying string identifier.
func (id MovieID) String() string {
	return string(id)
}

// MovieRecord is the cached row for a catalog search hit. Rows are only ever
// replaced wholesale on identifier conflict within their scope.
type MovieRecord struct {
	// Scope partitions the cache per session; ImdbID is unique within a scope.
	Scope  string `gorm:"column:scope;primaryKey;size:190;not null;default:''"`
	ImdbID string `gorm:"column:imdb_id;primaryKey;size:64;not null"`
	Title  string `gorm:"column:title;size:512;not null"`
	Year   string `gorm:"column:year;size:32;not null;index:idx_movies_year"`
	Poster string `gorm:"column:poster;size:1024;not null;default:''"`
	Type   string `gorm:"column:type;size:32;not null;default:''"`
	// Seq preserves insertion order so unsorted reads stay stable across pages.
	Seq int64 `gorm:"column:seq;not null;default:0;index:idx_movies_seq"`
}

// TableName provides the explicit table binding for GORM.
func (MovieRecord) TableName() string {
	return "movies"
}

// Movie is the domain view of a cached catalog entry handed to the presentation layer.
type Movie struct {
	ID        MovieID `json:"id"`
	Title     string  `json:"title"`
	Year      string  `json:"year"`
	PosterURL string  `json:"poster_url"`
	Type      string  `json:"type"`
}

// ToMovie maps a cache record to its domain representation.
func (r MovieRecord) ToMovie() Movie {
	poster := strings.TrimSpace(r.Poster)
	if strings.EqualFold(poster, "N/A") {
		poster = ""
	}
	return Movie{
		ID:        MovieID(r.ImdbID),
		Title:     r.Title,
		Year:      r.Year,
		PosterURL: poster,
		Type:      r.Type,
	}
}

// MovieDetails carries the full catalog entry shown on the details screen.
type MovieDetails struct {
	ID         MovieID `json:"id"`
	Title      string  `json:"title"`
	Year       string  `json:"year"`
	Rated      string  `json:"rated"`
	Released   string  `json:"released"`
	Runtime    string  `json:"runtime"`
	Genre      string  `json:"genre"`
	Director   string  `json:"director"`
	Writer     string  `json:"writer"`
	Actors     string  `json:"actors"`
	Plot       string  `json:"plot"`
	Language   string  `json:"language"`
	Country    string  `json:"country"`
	PosterURL  string  `json:"poster_url"`
	ImdbRating string  `json:"imdb_rating"`
	Type       string  `json:"type"`

	// Videos lists the playable trailers and clips, YouTube only.
	Videos []MovieVideo `json:"videos"`
}
