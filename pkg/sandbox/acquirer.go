package sandbox

import "context"

// Acquirer hands out a sandbox server URL for one execution. The release
// function must be called once the execution is done.
type Acquirer interface {
	Acquire(ctx context.Context) (sandboxURL string, release func(), err error)
}

// StaticAcquirer always returns the same sandbox server.
type StaticAcquirer struct {
	URL string
}

// Acquire returns the configured URL.
func (a StaticAcquirer) Acquire(_ context.Context) (string, func(), error) {
	return a.URL, func() {}, nil
}
