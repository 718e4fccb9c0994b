package ratelimit

import (
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	limiter "github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// FixedWindow is a fixed-window limiter on top of ulule/limiter. It backs the
// create-order limit and stands in for the sliding limiter when Redis is absent.
type FixedWindow struct {
	Limiter *limiter.Limiter
	Key     func(*http.Request) string
	OnError func(error)
}

// NewFixedWindow parses a rate such as "20-M" and picks a Redis store when
// rdb is set, an in-process store otherwise.
func NewFixedWindow(formatted, prefix string, rdb *redis.Client) (*FixedWindow, error) {
	rate, err := limiter.NewRateFromFormatted(formatted)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: parse rate %q: %w", formatted, err)
	}
	return newFixedWindow(rate, prefix, rdb)
}

// NewFixedWindowRate is NewFixedWindow for an explicit limit per period.
func NewFixedWindowRate(limit int, period time.Duration, prefix string, rdb *redis.Client) (*FixedWindow, error) {
	return newFixedWindow(limiter.Rate{Period: period, Limit: int64(limit)}, prefix, rdb)
}

func newFixedWindow(rate limiter.Rate, prefix string, rdb *redis.Client) (*FixedWindow, error) {
	opts := limiter.StoreOptions{Prefix: prefix}
	var store limiter.Store
	if rdb != nil {
		s, err := limiterredis.NewStoreWithOptions(rdb, opts)
		if err != nil {
			return nil, fmt.Errorf("ratelimit: redis store: %w", err)
		}
		store = s
	} else {
		store = memory.NewStoreWithOptions(opts)
	}
	return &FixedWindow{Limiter: limiter.New(store, rate), Key: ByClient("")}, nil
}

// Middleware enforces the limit. Store errors fail open.
func (f *FixedWindow) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if f == nil || f.Limiter == nil || f.Key == nil {
			next.ServeHTTP(w, r)
			return
		}
		lctx, err := f.Limiter.Get(r.Context(), f.Key(r))
		if err != nil {
			if f.OnError != nil {
				f.OnError(err)
			}
			next.ServeHTTP(w, r)
			return
		}
		resetAt := time.Unix(lctx.Reset, 0)
		writeHeaders(w, lctx.Limit, lctx.Remaining, resetAt)
		if lctx.Reached {
			tooMany(w, resetAt)
			return
		}
		next.ServeHTTP(w, r)
	})
}
