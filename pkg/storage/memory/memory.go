// Package memory provides an in-memory implementation of transport.RunStore
// for the CLI and lightweight deployments. Runs are lost when the process
// restarts. Optional LRU eviction limits memory usage.
package memory

import (
	"container/list"
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/rhuss/schaubild/pkg/api"
	"github.com/rhuss/schaubild/pkg/storage"
	"github.com/rhuss/schaubild/pkg/transport"
)

type entry struct {
	run      *api.Run
	tenantID string
	lruElem  *list.Element
}

// Store is an in-memory RunStore with optional LRU eviction.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	lruList *list.List // front = most recently used
	maxSize int        // 0 = unlimited
}

var _ transport.RunStore = (*Store)(nil)

// New creates a new in-memory store. If maxSize is 0, the store grows
// without limit. Otherwise the least recently used run is evicted when the
// limit is reached.
func New(maxSize int) *Store {
	return &Store{
		entries: make(map[string]*entry),
		lruList: list.New(),
		maxSize: maxSize,
	}
}

// Save stores a run under the tenant found in ctx.
func (s *Store) Save(ctx context.Context, run *api.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[run.ID]; exists {
		return storage.ErrConflict
	}

	if s.maxSize > 0 && len(s.entries) >= s.maxSize {
		s.evictOldest()
	}

	elem := s.lruList.PushFront(run.ID)
	s.entries[run.ID] = &entry{
		run:      run,
		tenantID: storage.Tenant(ctx),
		lruElem:  elem,
	}
	return nil
}

// Get retrieves a run by ID and marks it as recently used.
func (s *Store) Get(ctx context.Context, id string) (*api.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(ctx, id)
	if !ok {
		return nil, storage.ErrNotFound
	}
	s.lruList.MoveToFront(e.lruElem)
	return e.run, nil
}

// Delete removes a run.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(ctx, id)
	if !ok {
		return storage.ErrNotFound
	}
	s.lruList.Remove(e.lruElem)
	delete(s.entries, id)
	return nil
}

// List returns a page of runs filtered by tenant, renderer and status,
// ordered by creation time.
func (s *Store) List(ctx context.Context, opts transport.ListOptions) (*transport.RunList, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matches []*api.Run
	for _, e := range s.entries {
		if !storage.Visible(ctx, e.tenantID) {
			continue
		}
		if opts.Renderer != "" && e.run.Renderer != opts.Renderer {
			continue
		}
		if opts.Status != "" && e.run.Status != opts.Status {
			continue
		}
		matches = append(matches, e.run)
	}

	// Default is desc (newest first). Ties break on ID.
	slices.SortFunc(matches, func(a, b *api.Run) int {
		c := a.CreatedAt.Compare(b.CreatedAt)
		if c == 0 {
			c = strings.Compare(a.ID, b.ID)
		}
		if opts.Order == "asc" {
			return c
		}
		return -c
	})

	if opts.After != "" {
		idx := slices.IndexFunc(matches, func(r *api.Run) bool { return r.ID == opts.After })
		if idx >= 0 {
			matches = matches[idx+1:]
		} else {
			matches = nil
		}
	} else if opts.Before != "" {
		idx := slices.IndexFunc(matches, func(r *api.Run) bool { return r.ID == opts.Before })
		if idx > 0 {
			matches = matches[:idx]
		} else {
			matches = nil
		}
	}

	return transport.NewRunList(matches, opts.EffectiveLimit()), nil
}

// HealthCheck always returns nil for the in-memory store.
func (s *Store) HealthCheck(_ context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}

// Len returns the number of stored runs across all tenants.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// lookup finds a run visible to the tenant in ctx. Must be called with
// s.mu held.
func (s *Store) lookup(ctx context.Context, id string) (*entry, bool) {
	e, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	if !storage.Visible(ctx, e.tenantID) {
		return nil, false
	}
	return e, true
}

// evictOldest removes the least recently used entry.
// Must be called with s.mu held.
func (s *Store) evictOldest() {
	back := s.lruList.Back()
	if back == nil {
		return
	}
	id := back.Value.(string)
	s.lruList.Remove(back)
	delete(s.entries, id)
}

