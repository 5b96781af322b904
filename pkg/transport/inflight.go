package transport

import (
	"context"
	"sync"

	"github.com/rhuss/schaubild/pkg/storage"
)

// Cancellations holds the cancel functions of runs that are still
// streaming, so DELETE /v1/runs/{id} can stop them before they are stored.
// Entries are tenant-scoped like stored runs.
type Cancellations struct {
	mu   sync.Mutex
	next uint64
	runs map[string]tracked
}

type tracked struct {
	token  uint64
	tenant string
	cancel context.CancelFunc
}

// NewCancellations returns an empty set.
func NewCancellations() *Cancellations {
	return &Cancellations{runs: make(map[string]tracked)}
}

// Track records cancel under id for the tenant of ctx. The returned release
// func forgets the entry again; it is a no-op once the entry was cancelled
// or replaced by a later Track of the same id.
func (c *Cancellations) Track(ctx context.Context, id string, cancel context.CancelFunc) (release func()) {
	c.mu.Lock()
	c.next++
	token := c.next
	c.runs[id] = tracked{token: token, tenant: storage.Tenant(ctx), cancel: cancel}
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if t, ok := c.runs[id]; ok && t.token == token {
			delete(c.runs, id)
		}
	}
}

// Cancel stops the run tracked under id and reports whether there was one
// visible to the tenant of ctx. Runs of other tenants are left alone.
func (c *Cancellations) Cancel(ctx context.Context, id string) bool {
	c.mu.Lock()
	t, ok := c.runs[id]
	ok = ok && storage.Visible(ctx, t.tenant)
	if ok {
		delete(c.runs, id)
	}
	c.mu.Unlock()

	if ok {
		t.cancel()
	}
	return ok
}

// Len reports how many runs are tracked.
func (c *Cancellations) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.runs)
}
