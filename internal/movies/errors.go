package movies

import (
	"errors"

	"github.com/MarcoPoloResearchLab/movieguru/internal/serviceerr"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingCatalog  = errors.New("catalog client is required")
	errMissingCache    = errors.New("cache store is required")

	// ErrStreamInvalidated is returned by page loads on a stream that has been superseded.
	ErrStreamInvalidated  = errors.New("movies: stream invalidated")
	// ErrCatalogUnavailable wraps transport and upstream failures of the remote catalog.
	ErrCatalogUnavailable = errors.New("movies: catalog unavailable")
	// ErrMovieNotFound indicates the catalog has no entry for the requested identifier.
	ErrMovieNotFound      = errors.New("movies: movie not found")
)

// ServiceError tags a failure with a stable "<operation>.<reason>" code.
type ServiceError = serviceerr.Error

const (
	opCacheNew        = "movies.cache.new"
	opCacheUpsert     = "movies.cache.upsert_all"
	opCacheReplace    = "movies.cache.replace_all"
	opCachePage       = "movies.cache.page"
	opCacheCount      = "movies.cache.count"
	opCacheClear      = "movies.cache.clear_all"
	opRepositoryNew   = "movies.repository.new"
	opStreamRefresh   = "movies.stream.refresh"
	opStreamAppend    = "movies.stream.append"
	opRepositoryFetch = "movies.repository.details"
)

func newServiceError(operation, reason string, cause error) error {
	return serviceerr.New(operation, reason, cause)
}
