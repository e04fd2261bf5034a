package oracle

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/atmx/portfolio-engine/internal/metrics"
)

// Cached memoizes successful quotes of another Oracle for a short TTL.
// Failures are never cached.
type Cached struct {
	next Oracle
	c    *ristretto.Cache
	ttl  time.Duration
}

// NewCached wraps next with a quote cache holding up to maxQuotes entries.
func NewCached(next Oracle, maxQuotes int64, ttl time.Duration) (*Cached, error) {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxQuotes * 10,
		MaxCost:     maxQuotes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cached{next: next, c: c, ttl: ttl}, nil
}

func (c *Cached) Quote(ctx context.Context, symbol string) (Quote, error) {
	if v, ok := c.c.Get(symbol); ok {
		if q, ok := v.(Quote); ok {
			metrics.OracleRequests.WithLabelValues("cached").Inc()
			return q, nil
		}
	}
	q, err := c.next.Quote(ctx, symbol)
	if err != nil {
		return Quote{}, err
	}
	c.c.SetWithTTL(symbol, q, 1, c.ttl)
	return q, nil
}

// Wait blocks until pending cache writes are visible.
func (c *Cached) Wait() { c.c.Wait() }

// Close releases the cache's background goroutines.
func (c *Cached) Close() { c.c.Close() }
