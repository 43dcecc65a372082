package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
)

// Pool is the process-wide connection pool keyed by URI (spec.md §4.3,
// §5: "the connection pool (URI -> Connection)"). Acquire/Release
// refcount so the last releaser's Close actually tears the connection
// down; everyone else shares the live connection.
type Pool struct {
	dial Dialer

	mu      sync.Mutex
	entries map[string]*poolEntry
}

type poolEntry struct {
	conn     Connection
	refs     int
	breaker  *gobreaker.CircuitBreaker[Connection]
	backoff  backoff.BackOff
}

// NewPool builds a connection pool that dials new connections with dial.
func NewPool(dial Dialer) *Pool {
	return &Pool{dial: dial, entries: make(map[string]*poolEntry)}
}

// Acquire returns the shared Connection for uri, dialing one if this is
// the first caller. The dial is retried with exponential backoff inside a
// single circuit-breaker call. The breaker belongs to the pool entry, which
// is dropped when the dial fails, so its state does not carry over to the
// next Acquire and a later Acquire dials again.
func (p *Pool) Acquire(ctx context.Context, uri string) (Connection, error) {
	p.mu.Lock()
	entry, ok := p.entries[uri]
	if ok {
		entry.refs++
		p.mu.Unlock()
		return entry.conn, nil
	}
	entry = &poolEntry{
		breaker: gobreaker.NewCircuitBreaker[Connection](gobreaker.Settings{
			Name: "queue-dial:" + uri,
		}),
		backoff: backoff.NewExponentialBackOff(),
	}
	p.entries[uri] = entry
	p.mu.Unlock()

	conn, err := entry.breaker.Execute(func() (Connection, error) {
		var conn Connection
		op := func() error {
			c, dialErr := p.dial(ctx, uri)
			if dialErr != nil {
				return dialErr
			}
			conn = c
			return nil
		}
		if retryErr := backoff.Retry(op, backoff.WithContext(entry.backoff, ctx)); retryErr != nil {
			return nil, retryErr
		}
		return conn, nil
	})
	if err != nil {
		p.mu.Lock()
		delete(p.entries, uri)
		p.mu.Unlock()
		return nil, fmt.Errorf("dial %s: %w", uri, err)
	}

	p.mu.Lock()
	entry.conn = conn
	entry.refs = 1
	p.mu.Unlock()
	return conn, nil
}

// Release decrements the refcount for uri, closing the underlying
// Connection once the last holder releases it.
func (p *Pool) Release(uri string) error {
	p.mu.Lock()
	entry, ok := p.entries[uri]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	entry.refs--
	if entry.refs > 0 {
		p.mu.Unlock()
		return nil
	}
	delete(p.entries, uri)
	p.mu.Unlock()
	return entry.conn.Close()
}

// Len reports the number of distinct URIs currently held open, for tests
// and diagnostics.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
