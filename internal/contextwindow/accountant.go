package contextwindow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/basket/ctxwin/internal/oracle"
	otelPkg "github.com/basket/ctxwin/internal/otel"
)

// Accountant counts message tokens: the message memo first, then the
// cache, then the estimation oracle. Concurrent lookups of the same
// uncached key share one oracle call.
type Accountant struct {
	factory     oracle.Factory
	cache       TokenCache
	concurrency int
	metrics     *otelPkg.Metrics
	flights     singleflight.Group
}

// NewAccountant returns an Accountant. A nil cache gets an unbounded map
// cache; concurrency <= 1 counts sequentially.
func NewAccountant(factory oracle.Factory, cache TokenCache, concurrency int, metrics *otelPkg.Metrics) *Accountant {
	if cache == nil {
		cache = NewMapCache()
	}
	if metrics == nil {
		metrics = otelPkg.NoopMetrics()
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Accountant{
		factory:     factory,
		cache:       cache,
		concurrency: concurrency,
		metrics:     metrics,
	}
}

// Cache returns the accountant's token cache.
func (a *Accountant) Cache() TokenCache { return a.cache }

// TokensFor returns the token count of m for modelID and records it on m.
func (a *Accountant) TokensFor(ctx context.Context, m *Message, modelID string) (int, error) {
	if m.TokenCount > 0 {
		a.lookup(ctx, "memo")
		return m.TokenCount, nil
	}

	key := CacheKey{ModelID: cacheModelID(modelID), Role: m.Role, Content: m.Content}
	if n, ok := a.cache.Get(key); ok {
		a.lookup(ctx, "hit")
		m.TokenCount = n
		return n, nil
	}
	a.lookup(ctx, "miss")

	n, err := a.count(ctx, key, modelID)
	if err != nil {
		return 0, &TokenCalculationError{ModelID: modelID, Role: m.Role, Err: err}
	}
	m.TokenCount = n
	return n, nil
}

// count resolves a cache miss through a shared flight. If the flight failed
// only because the leader's context was cancelled, the call is retried
// under the caller's own context. An oracle panic fails the flight for
// every waiter instead of escaping it.
func (a *Accountant) count(ctx context.Context, key CacheKey, modelID string) (int, error) {
	flightKey := key.ModelID + "\x00" + key.Role + "\x00" + key.Content
	for {
		v, err, shared := a.flights.Do(flightKey, func() (v any, err error) {
			defer func() {
				if r := recover(); r != nil {
					v, err = 0, fmt.Errorf("estimator panicked: %v", r)
				}
			}()
			if n, ok := a.cache.Get(key); ok {
				return n, nil
			}
			client, err := a.factory.ClientForModel(modelID)
			if err != nil {
				return 0, fmt.Errorf("resolve client: %w", err)
			}
			n, err := client.EstimateTokens(ctx, key.Content)
			if err != nil {
				return 0, err
			}
			if n < 0 {
				return 0, fmt.Errorf("oracle returned negative count %d", n)
			}
			a.cache.Set(key, n)
			return n, nil
		})
		if err != nil {
			if shared && ctx.Err() == nil && isContextErr(err) {
				continue
			}
			return 0, err
		}
		return v.(int), nil
	}
}

// Total sums the token counts of msgs, recording each on its element. It
// fails as a whole if any message cannot be counted.
func (a *Accountant) Total(ctx context.Context, msgs []Message, modelID string) (int, error) {
	if a.concurrency <= 1 || len(msgs) < 2 {
		total := 0
		for i := range msgs {
			n, err := a.TokensFor(ctx, &msgs[i], modelID)
			if err != nil {
				return 0, err
			}
			total += n
		}
		return total, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for i := range msgs {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = &PipelineError{Op: "count", Err: fmt.Errorf("panic: %v", r)}
				}
			}()
			_, err = a.TokensFor(gctx, &msgs[i], modelID)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	total := 0
	for i := range msgs {
		total += msgs[i].TokenCount
	}
	return total, nil
}

// cacheModelID folds ids the registry treats as equal onto one cache key.
func cacheModelID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func (a *Accountant) lookup(ctx context.Context, result string) {
	a.metrics.CacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
