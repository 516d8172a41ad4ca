// Package aggregate collects readings from the data source adapters behind
// each logical verification source and condenses them into a single
// windowed result. Source failures are tolerated as long as at least one
// adapter answers; reliability reports how many did.
package aggregate

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"grantline/internal/domain"
)

// ErrNoSources means the logical source has no registered adapters.
var ErrNoSources = fmt.Errorf("no adapters registered for source")

// ErrAllSourcesFailed means every adapter in the fan-out errored.
var ErrAllSourcesFailed = fmt.Errorf("all source adapters failed")

// Source is one data source adapter. Fetch returns the readings that fall
// inside the half-open window [from, to).
type Source interface {
	Name() string
	Fetch(ctx context.Context, from, to string) ([]domain.Reading, error)
}

// Options tunes a single aggregation call.
type Options struct {
	// SkipCache forces a fresh fan-out even when a cached window exists.
	SkipCache bool
}

// Aggregator fans a window query out to every adapter of a logical source
// in parallel and merges the answers. Results are cached per
// (source, window) for the configured TTL.
type Aggregator struct {
	sources map[string][]Source
	cache   *gocache.Cache
	timeout time.Duration
	log     *logrus.Logger
}

func New(log *logrus.Logger, cacheTTL, sourceTimeout time.Duration) *Aggregator {
	return &Aggregator{
		sources: map[string][]Source{},
		cache:   gocache.New(cacheTTL, 2*cacheTTL),
		timeout: sourceTimeout,
		log:     log,
	}
}

// Register adds an adapter under a logical source name.
func (a *Aggregator) Register(logical string, src Source) {
	a.sources[logical] = append(a.sources[logical], src)
}

// Sources lists the registered logical source names.
func (a *Aggregator) Sources() []string {
	names := make([]string, 0, len(a.sources))
	for name := range a.sources {
		names = append(names, name)
	}
	return names
}

func cacheKey(logical, from, to string) string {
	return strings.Join([]string{logical, from, to}, "|")
}

// Aggregate merges the readings of every adapter of logical over [from, to).
// Individual adapter failures degrade reliability; only a full wipe-out is
// an error.
func (a *Aggregator) Aggregate(ctx context.Context, logical, from, to string, opts Options) (domain.AggregateResult, error) {
	srcs := a.sources[logical]
	if len(srcs) == 0 {
		return domain.AggregateResult{}, fmt.Errorf("%w: %s", ErrNoSources, logical)
	}

	key := cacheKey(logical, from, to)
	if !opts.SkipCache {
		if cached, ok := a.cache.Get(key); ok {
			return cached.(domain.AggregateResult), nil
		}
	}

	var (
		mu        sync.Mutex
		total     int64
		points    int
		fulfilled int
	)
	wp := workerpool.New(len(srcs))
	for _, src := range srcs {
		src := src
		wp.Submit(func() {
			fetchCtx, cancel := context.WithTimeout(ctx, a.timeout)
			defer cancel()
			readings, err := src.Fetch(fetchCtx, from, to)
			if err != nil {
				a.log.WithFields(logrus.Fields{
					"source":  logical,
					"adapter": src.Name(),
				}).WithError(err).Warn("source adapter failed")
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, r := range readings {
				total += r.Value
				points++
			}
			fulfilled++
		})
	}
	wp.StopWait()

	if fulfilled == 0 {
		return domain.AggregateResult{}, fmt.Errorf("%w: %s", ErrAllSourcesFailed, logical)
	}
	res := domain.AggregateResult{
		TotalValue:      total,
		DataPointCount:  points,
		DataReliability: float64(fulfilled) / float64(len(srcs)),
		FulfilledCount:  fulfilled,
		SourceCount:     len(srcs),
	}
	a.cache.Set(key, res, gocache.DefaultExpiration)
	a.log.WithFields(logrus.Fields{
		"source":      logical,
		"from":        from,
		"to":          to,
		"total":       res.TotalValue,
		"points":      res.DataPointCount,
		"reliability": res.DataReliability,
	}).Debug("window aggregated")
	return res, nil
}
