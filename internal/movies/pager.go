package movies

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Page is one window of a paginated stream. Index starts at 0.
type Page struct {
	Index           int     `json:"index"`
	Movies          []Movie `json:"movies"`
	EndOfPagination bool    `json:"end_of_pagination"`
}

// PageLoader produces page index of a stream. It runs under the pager's own
// context, which is cancelled by Invalidate.
type PageLoader func(ctx context.Context, index int) (Page, error)

// Pager is a lazy, restartable page sequence. Loaded pages are retained for
// the lifetime of the pager so repeated reads never refetch.
type Pager struct {
	request StreamRequest
	load    PageLoader

	ctx    context.Context
	cancel context.CancelFunc
	group  singleflight.Group

	mu          sync.RWMutex
	pages       map[int]Page
	invalidated bool
}

// NewPager returns a pager that fetches pages through load.
func NewPager(request StreamRequest, load PageLoader) *Pager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pager{
		request: request,
		load:    load,
		ctx:     ctx,
		cancel:  cancel,
		pages:   make(map[int]Page),
	}
}

// Request returns the query and ordering this pager was created for.
func (p *Pager) Request() StreamRequest {
	return p.request
}

// Load returns page index, fetching it on first access. Concurrent loads of
// the same page share one fetch. Pages that arrive after Invalidate are dropped.
func (p *Pager) Load(ctx context.Context, index int) (Page, error) {
	if index < 0 {
		return Page{}, errors.New("movies: negative page index")
	}

	p.mu.RLock()
	if p.invalidated {
		p.mu.RUnlock()
		return Page{}, ErrStreamInvalidated
	}
	if page, ok := p.pages[index]; ok {
		p.mu.RUnlock()
		return page, nil
	}
	if previous, ok := p.pages[index-1]; ok && previous.EndOfPagination {
		p.mu.RUnlock()
		return Page{Index: index, Movies: []Movie{}, EndOfPagination: true}, nil
	}
	p.mu.RUnlock()

	resultCh := p.group.DoChan(strconv.Itoa(index), func() (interface{}, error) {
		page, err := p.load(p.ctx, index)
		if err != nil {
			if p.ctx.Err() != nil {
				return nil, ErrStreamInvalidated
			}
			return nil, err
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.invalidated {
			return nil, ErrStreamInvalidated
		}
		p.pages[index] = page
		return page, nil
	})

	select {
	case <-ctx.Done():
		return Page{}, ctx.Err()
	case result := <-resultCh:
		if result.Err != nil {
			return Page{}, result.Err
		}
		return result.Val.(Page), nil
	}
}

// Loaded returns the retained pages ordered by index.
func (p *Pager) Loaded() []Page {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pages := make([]Page, 0, len(p.pages))
	for _, page := range p.pages {
		pages = append(pages, page)
	}
	sort.Slice(pages, func(i, j int) bool {
		return pages[i].Index < pages[j].Index
	})
	return pages
}

// Invalidate stops the pager: in-flight loads are cancelled, late pages are
// discarded and every later Load fails with ErrStreamInvalidated.
func (p *Pager) Invalidate() {
	p.mu.Lock()
	p.invalidated = true
	p.pages = make(map[int]Page)
	p.mu.Unlock()
	p.cancel()
}

// Invalidated reports whether Invalidate has been called.
func (p *Pager) Invalidated() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.invalidated
}
