package search

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/movieguru/internal/movies"
	"github.com/MarcoPoloResearchLab/movieguru/internal/settings"
	"go.uber.org/zap"
)

// DefaultQuery replaces a blank query so the catalog is never searched with an empty term.
const DefaultQuery = "love"

const (
	opCoordinatorNew   = "search.coordinator.new"
	opCoordinatorFetch = "search.coordinator.fetch"
	opCoordinatorSort  = "search.coordinator.toggle_sort"

	reasonMissingSource   = "missing_source"
	reasonMissingSettings = "missing_settings"
	reasonSettingsFailed  = "settings_failed"
	reasonStreamFailed    = "stream_failed"
)

var (
	errMissingSource   = errors.New("stream source is required")
	errMissingSettings = errors.New("settings store is required")
	// ErrClosed is returned by intents issued after Close.
	ErrClosed = errors.New("search: coordinator closed")
)

// StreamSource opens paginated movie streams.
type StreamSource interface {
	Stream(ctx context.Context, request movies.StreamRequest) (*movies.Pager, error)
}

// SortPreference reads and persists the ascending-by-year preference.
type SortPreference interface {
	Current(ctx context.Context) (settings.Settings, error)
	SetSort(ctx context.Context, ascending bool) error
}

// State is the observable view state. Stream is nil while a fetch is loading
// or after it failed.
type State struct {
	Query      string
	Sort       bool
	Loading    bool
	Stream     *movies.Pager
	Err        error
	Generation uint64
}

// Config describes the collaborators of a Coordinator.
type Config struct {
	Source       StreamSource
	Settings     SortPreference
	Scope        string
	DefaultQuery string
	Debounce     time.Duration
	Logger       *zap.Logger
}

// Coordinator reconciles query text and sort preference into one current
// paginated stream. Every fetch carries a generation; starting a fetch
// cancels the previous one and only the newest generation may publish.
type Coordinator struct {
	source       StreamSource
	settings     SortPreference
	scope        string
	defaultQuery string
	debounce     time.Duration
	logger       *zap.Logger

	// toggleMu keeps each persisted sort paired with its restart.
	toggleMu sync.Mutex

	mu          sync.Mutex
	state       State
	cancel      context.CancelFunc
	closed      bool
	subscribers map[int64]chan State
	nextID      int64
	inflight    sync.WaitGroup
}

// NewCoordinator validates configuration and returns an idle coordinator.
// Call Initiate to prime the first stream.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Source == nil {
		return nil, newServiceError(opCoordinatorNew, reasonMissingSource, errMissingSource)
	}
	if cfg.Settings == nil {
		return nil, newServiceError(opCoordinatorNew, reasonMissingSettings, errMissingSettings)
	}
	defaultQuery := strings.TrimSpace(cfg.DefaultQuery)
	if defaultQuery == "" {
		defaultQuery = DefaultQuery
	}
	debounce := cfg.Debounce
	if debounce < 0 {
		debounce = 0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		source:       cfg.Source,
		settings:     cfg.Settings,
		scope:        cfg.Scope,
		defaultQuery: defaultQuery,
		debounce:     debounce,
		logger:       logger,
		subscribers:  make(map[int64]chan State),
	}, nil
}

// SubmitQueryChange records query and restarts the fetch with the persisted
// sort preference. Submitting the current query again is a no-op.
func (c *Coordinator) SubmitQueryChange(query string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || query == c.state.Query {
		return
	}
	c.state.Query = query
	c.startFetchLocked(nil)
}

// ToggleSort persists ascending and restarts the fetch with the current query.
func (c *Coordinator) ToggleSort(ctx context.Context, ascending bool) error {
	c.toggleMu.Lock()
	defer c.toggleMu.Unlock()
	if c.isClosed() {
		return ErrClosed
	}
	if err := c.settings.SetSort(ctx, ascending); err != nil {
		c.logError(opCoordinatorSort, reasonSettingsFailed, err)
		wrapped := newServiceError(opCoordinatorSort, reasonSettingsFailed, err)
		c.mu.Lock()
		if !c.closed {
			c.state.Err = wrapped
			c.publishLocked()
		}
		c.mu.Unlock()
		return wrapped
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.startFetchLocked(&ascending)
	return nil
}

// Initiate re-runs the fetch with the persisted sort preference and current query.
func (c *Coordinator) Initiate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.startFetchLocked(nil)
}

// State returns the latest view state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe returns a channel that immediately receives the current state and
// then every later one; a slow reader only sees the newest state. The channel
// closes when ctx is done or the coordinator is closed.
func (c *Coordinator) Subscribe(ctx context.Context) <-chan State {
	stream := make(chan State, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(stream)
		return stream
	}
	stream <- c.state
	c.nextID++
	id := c.nextID
	c.subscribers[id] = stream
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		if _, ok := c.subscribers[id]; ok {
			delete(c.subscribers, id)
			close(stream)
		}
		c.mu.Unlock()
	}()
	return stream
}

// Close cancels the in-flight fetch, invalidates the current stream and ends
// every subscription. It waits for the cancelled fetch to return.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.state.Stream != nil {
		c.state.Stream.Invalidate()
		c.state.Stream = nil
	}
	for id, stream := range c.subscribers {
		delete(c.subscribers, id)
		close(stream)
	}
	c.mu.Unlock()

	c.inflight.Wait()
}

// startFetchLocked supersedes the current fetch. sortOverride, when set, is
// used instead of reading the persisted preference.
func (c *Coordinator) startFetchLocked(sortOverride *bool) {
	if c.cancel != nil {
		c.cancel()
	}
	if c.state.Stream != nil {
		c.state.Stream.Invalidate()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.state.Generation++
	c.state.Loading = true
	c.state.Stream = nil
	c.state.Err = nil
	if sortOverride != nil {
		c.state.Sort = *sortOverride
	}
	c.publishLocked()

	generation := c.state.Generation
	query := c.state.Query
	c.inflight.Add(1)
	go c.fetch(ctx, generation, query, sortOverride)
}

func (c *Coordinator) fetch(ctx context.Context, generation uint64, query string, sortOverride *bool) {
	defer c.inflight.Done()

	if c.debounce > 0 {
		timer := time.NewTimer(c.debounce)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	var ascending bool
	if sortOverride != nil {
		ascending = *sortOverride
	} else {
		current, err := c.settings.Current(ctx)
		if err != nil {
			c.finishWithError(ctx, generation, reasonSettingsFailed, err)
			return
		}
		ascending = current.Sort
	}

	term := strings.TrimSpace(query)
	if term == "" {
		term = c.defaultQuery
	}

	pager, err := c.source.Stream(ctx, movies.StreamRequest{
		Scope:     c.scope,
		Query:     term,
		Ascending: ascending,
	})
	if err != nil {
		c.finishWithError(ctx, generation, reasonStreamFailed, err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || generation != c.state.Generation {
		pager.Invalidate()
		return
	}
	c.state.Stream = pager
	c.state.Sort = ascending
	c.state.Loading = false
	c.state.Err = nil
	c.cancel = nil
	c.publishLocked()
}

func (c *Coordinator) finishWithError(ctx context.Context, generation uint64, reason string, err error) {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, movies.ErrStreamInvalidated) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || generation != c.state.Generation {
		return
	}
	c.logError(opCoordinatorFetch, reason, err)
	c.state.Loading = false
	c.state.Err = newServiceError(opCoordinatorFetch, reason, err)
	c.cancel = nil
	c.publishLocked()
}

func (c *Coordinator) publishLocked() {
	snapshot := c.state
	for _, stream := range c.subscribers {
		select {
		case stream <- snapshot:
			continue
		default:
		}
		select {
		case <-stream:
		default:
		}
		select {
		case stream <- snapshot:
		default:
		}
	}
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Coordinator) logError(operation, reason string, err error) {
	c.logger.Warn(
		"search coordinator error",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("scope", c.scope),
		zap.Error(err),
	)
}
