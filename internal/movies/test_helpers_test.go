package movies

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestCache(t *testing.T) *CacheStore {
	t.Helper()
	databasePath := filepath.Join(t.TempDir(), "movies.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
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
	if err := db.AutoMigrate(&MovieRecord{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	cache, err := NewCacheStore(CacheConfig{Database: db, ReleaseYearThreshold: 2000})
	if err != nil {
		t.Fatalf("failed to construct cache: %v", err)
	}
	return cache
}

func record(id, title, year string) MovieRecord {
	return MovieRecord{ImdbID: id, Title: title, Year: year, Poster: "https://img.example.com/" + id + ".jpg", Type: "movie"}
}

// fakeCatalog serves a fixed number of hits per query, CatalogPageSize per page.
type fakeCatalog struct {
	mu        sync.Mutex
	totals    map[string]int
	years     map[string]func(int) string
	failQuery map[string]error
	calls     []string
	block     chan struct{}
	details   map[MovieID]MovieDetails
	detailHit int
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		totals:    make(map[string]int),
		years:     make(map[string]func(int) string),
		failQuery: make(map[string]error),
		details:   make(map[MovieID]MovieDetails),
	}
}

func (c *fakeCatalog) Search(ctx context.Context, query string, page int) (SearchPage, error) {
	c.mu.Lock()
	c.calls = append(c.calls, fmt.Sprintf("%s#%d", query, page))
	total := c.totals[query]
	yearFor := c.years[query]
	failure := c.failQuery[query]
	block := c.block
	c.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return SearchPage{}, ctx.Err()
		}
	}
	if failure != nil {
		return SearchPage{}, failure
	}
	if yearFor == nil {
		yearFor = func(int) string { return "2010" }
	}

	start := (page - 1) * CatalogPageSize
	records := make([]MovieRecord, 0, CatalogPageSize)
	for index := start; index < total && index < start+CatalogPageSize; index++ {
		id := fmt.Sprintf("tt%s%04d", strings.ReplaceAll(query, " ", ""), index)
		records = append(records, record(id, fmt.Sprintf("%s %d", query, index), yearFor(index)))
	}
	return SearchPage{Page: page, Records: records, TotalResults: total}, nil
}

func (c *fakeCatalog) Details(_ context.Context, id MovieID) (MovieDetails, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detailHit++
	details, ok := c.details[id]
	if !ok {
		return MovieDetails{}, ErrMovieNotFound
	}
	return details, nil
}

func (c *fakeCatalog) searchCalls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}
