package movies

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultPageSize         = CatalogPageSize
	defaultDetailsCacheSize = 256
	defaultDetailsCacheTTL  = time.Hour
	// maxRemotePages is the deepest search page the catalog serves.
	maxRemotePages          = 100
	reasonCatalogFailed     = "catalog_failed"
	reasonCacheFailed       = "cache_failed"
	reasonMissingCatalog    = "missing_catalog"
	reasonMissingCache      = "missing_cache"
)

// Cache is the persistence contract the repository needs from the local store.
type Cache interface {
	UpsertAll(ctx context.Context, scope string, records []MovieRecord) error
	ReplaceAll(ctx context.Context, scope string, records []MovieRecord) error
	Page(ctx context.Context, query PageQuery) ([]MovieRecord, error)
	Count(ctx context.Context) (int64, error)
	ClearAll(ctx context.Context) error
	ClearScope(ctx context.Context, scope string) error
}

// StreamRequest selects what a paginated stream returns. Scope names the
// cache partition the stream refreshes and reads.
type StreamRequest struct {
	Scope     string
	Query     string
	Ascending bool
}

// RepositoryConfig describes the collaborators of the movie repository.
type RepositoryConfig struct {
	Cache            Cache
	Catalog          Catalog
	Videos           VideoSource
	PageSize         int
	DetailsCacheSize int
	DetailsCacheTTL  time.Duration
	Logger           *zap.Logger
}

// Repository merges the remote catalog into the local cache and serves
// paginated streams read from the cache.
type Repository struct {
	cache    Cache
	catalog  Catalog
	videos   VideoSource
	pageSize int
	details  *expirable.LRU[MovieID, MovieDetails]
	group    singleflight.Group
	scopes   sync.Map
	logger   *zap.Logger
}

// NewRepository validates its collaborators and returns a repository.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if cfg.Cache == nil {
		return nil, newServiceError(opRepositoryNew, reasonMissingCache, errMissingCache)
	}
	if cfg.Catalog == nil {
		return nil, newServiceError(opRepositoryNew, reasonMissingCatalog, errMissingCatalog)
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	cacheSize := cfg.DetailsCacheSize
	if cacheSize <= 0 {
		cacheSize = defaultDetailsCacheSize
	}
	cacheTTL := cfg.DetailsCacheTTL
	if cacheTTL <= 0 {
		cacheTTL = defaultDetailsCacheTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{
		cache:    cfg.Cache,
		catalog:  cfg.Catalog,
		videos:   cfg.Videos,
		pageSize: pageSize,
		details:  expirable.NewLRU[MovieID, MovieDetails](cacheSize, nil, cacheTTL),
		logger:   logger,
	}, nil
}

// Stream starts a paginated stream for request and primes its first page.
// The first page refreshes the cache from the catalog; later pages append to it.
func (r *Repository) Stream(ctx context.Context, request StreamRequest) (*Pager, error) {
	source := &mediatedSource{
		cache:    r.cache,
		catalog:  r.catalog,
		request:  request,
		pageSize: r.pageSize,
		lock:     r.scopeLock(request.Scope),
		logger:   r.logger,
	}
	pager := NewPager(request, source.load)
	if _, err := pager.Load(ctx, 0); err != nil {
		pager.Invalidate()
		return nil, err
	}
	return pager, nil
}

// Details returns the full catalog entry for id with its YouTube videos,
// served from memory when fresh.
func (r *Repository) Details(ctx context.Context, id MovieID) (MovieDetails, error) {
	if details, ok := r.details.Get(id); ok {
		return details, nil
	}
	resultCh := r.group.DoChan(id.String(), func() (interface{}, error) {
		fetchCtx := context.WithoutCancel(ctx)
		details, err := r.catalog.Details(fetchCtx, id)
		if err != nil {
			return nil, err
		}
		complete := r.attachVideos(fetchCtx, id, &details)
		if complete {
			r.details.Add(id, details)
		}
		return details, nil
	})
	select {
	case <-ctx.Done():
		return MovieDetails{}, ctx.Err()
	case result := <-resultCh:
		if result.Err != nil {
			if errors.Is(result.Err, ErrMovieNotFound) {
				return MovieDetails{}, result.Err
			}
			r.logger.Warn("movie details fetch failed", zap.String("movie_id", id.String()), zap.Error(result.Err))
			return MovieDetails{}, newServiceError(opRepositoryFetch, reasonCatalogFailed, result.Err)
		}
		return result.Val.(MovieDetails), nil
	}
}

// attachVideos fills details.Videos from the video source. A failed lookup
// leaves the list empty and reports false so the entry is not cached.
func (r *Repository) attachVideos(ctx context.Context, id MovieID, details *MovieDetails) bool {
	details.Videos = playableVideos(details.Videos)
	if r.videos == nil {
		return true
	}
	videos, err := r.videos.Videos(ctx, id)
	if err != nil {
		r.logger.Warn("movie videos fetch failed", zap.String("movie_id", id.String()), zap.Error(err))
		return false
	}
	details.Videos = playableVideos(videos)
	return true
}

// CachedCount reports the number of records held in the local cache.
func (r *Repository) CachedCount(ctx context.Context) (int64, error) {
	return r.cache.Count(ctx)
}

// ClearCache removes every record from the local cache.
func (r *Repository) ClearCache(ctx context.Context) error {
	return r.cache.ClearAll(ctx)
}

// ReleaseScope drops the cached records of one scope, used when its session ends.
func (r *Repository) ReleaseScope(ctx context.Context, scope string) error {
	r.scopes.Delete(scope)
	return r.cache.ClearScope(ctx, scope)
}

// scopeLock serializes stream loads that write to the same cache scope.
func (r *Repository) scopeLock(scope string) *sync.Mutex {
	lock, _ := r.scopes.LoadOrStore(scope, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// mediatedSource fills the cache from the catalog on demand for one stream.
type mediatedSource struct {
	cache    Cache
	catalog  Catalog
	request  StreamRequest
	pageSize int
	lock     *sync.Mutex
	logger   *zap.Logger

	refreshed      bool
	nextRemotePage int
	exhausted      bool
}

func (s *mediatedSource) load(ctx context.Context, index int) (Page, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	// A superseded stream must not write after its successor has refreshed.
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	if !s.refreshed {
		if err := s.refresh(ctx); err != nil {
			return Page{}, err
		}
	}
	// Year-ordered windows must not shift once served: an ascending stream
	// caches the complete result set before reading any window.
	if s.request.Ascending {
		for !s.exhausted {
			if err := s.appendRemote(ctx); err != nil {
				return Page{}, err
			}
		}
	}

	for {
		records, err := s.cache.Page(ctx, PageQuery{
			Scope:     s.request.Scope,
			Ascending: s.request.Ascending,
			Offset:    index * s.pageSize,
			Limit:     s.pageSize,
		})
		if err != nil {
			return Page{}, err
		}
		if len(records) >= s.pageSize || s.exhausted {
			movies := make([]Movie, 0, len(records))
			for _, record := range records {
				movies = append(movies, record.ToMovie())
			}
			return Page{
				Index:           index,
				Movies:          movies,
				EndOfPagination: len(records) < s.pageSize,
			}, nil
		}
		if err := s.appendRemote(ctx); err != nil {
			return Page{}, err
		}
	}
}

func (s *mediatedSource) refresh(ctx context.Context) error {
	remote, err := s.catalog.Search(ctx, s.request.Query, 1)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logFailure(opStreamRefresh, reasonCatalogFailed, err)
		return newServiceError(opStreamRefresh, reasonCatalogFailed, err)
	}
	if err := s.cache.ReplaceAll(ctx, s.request.Scope, remote.Records); err != nil {
		return newServiceError(opStreamRefresh, reasonCacheFailed, err)
	}
	s.refreshed = true
	s.nextRemotePage = 2
	s.exhausted = !remote.HasMore()
	return nil
}

func (s *mediatedSource) appendRemote(ctx context.Context) error {
	if s.nextRemotePage > maxRemotePages {
		s.exhausted = true
		return nil
	}
	remote, err := s.catalog.Search(ctx, s.request.Query, s.nextRemotePage)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logFailure(opStreamAppend, reasonCatalogFailed, err, zap.Int("remote_page", s.nextRemotePage))
		return newServiceError(opStreamAppend, reasonCatalogFailed, err)
	}
	if err := s.cache.UpsertAll(ctx, s.request.Scope, remote.Records); err != nil {
		return newServiceError(opStreamAppend, reasonCacheFailed, err)
	}
	s.nextRemotePage++
	s.exhausted = !remote.HasMore()
	return nil
}

func (s *mediatedSource) logFailure(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("query", strings.TrimSpace(s.request.Query)),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	s.logger.Warn("movie stream load failed", attrs...)
}
