package cdx

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/singleflight"

	"github.com/mohammad-safakhou/timegate/internal/capture"
)

const (
	defaultCachePrefix  = "timegate:cdx:"
	defaultFetchTimeout = 30 * time.Second
)

// Cache decorates an Index with a Redis result cache. Identical concurrent
// misses share one upstream query. Redis failures fall through to the
// wrapped index.
type Cache struct {
	next   Index
	rdb    redis.UniversalClient
	ttl    time.Duration
	prefix string
	group  singleflight.Group
	logger *log.Logger
	// fetchTimeout bounds a shared upstream query, which outlives any
	// single caller's context.
	fetchTimeout time.Duration
}

type CacheOption func(*Cache)

// WithFetchTimeout bounds each coalesced index query.
func WithFetchTimeout(d time.Duration) CacheOption {
	return func(c *Cache) {
		if d > 0 {
			c.fetchTimeout = d
		}
	}
}

// NewCache wraps next. A zero ttl disables caching but keeps coalescing.
func NewCache(next Index, rdb redis.UniversalClient, ttl time.Duration, logger *log.Logger, opts ...CacheOption) *Cache {
	if logger == nil {
		logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "CDX"})
	}
	ensureMetrics()
	c := &Cache{next: next, rdb: rdb, ttl: ttl, prefix: defaultCachePrefix, logger: logger, fetchTimeout: defaultFetchTimeout}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Cache) Resolve(ctx context.Context, req ResolveRequest) ([]capture.Record, error) {
	key := c.key("resolve", req.URL, req.Timestamp, req.RecordType, strconv.Itoa(req.Limit))
	return c.lookup(ctx, key, func(ctx context.Context) ([]capture.Record, error) {
		return c.next.Resolve(ctx, req)
	})
}

func (c *Cache) List(ctx context.Context, req ListRequest) ([]capture.Record, error) {
	key := c.key("list", req.URL, req.Date, req.RecordType, req.MatchType, strconv.FormatBool(req.Reverse), strconv.Itoa(req.Limit))
	return c.lookup(ctx, key, func(ctx context.Context) ([]capture.Record, error) {
		return c.next.List(ctx, req)
	})
}

// Invalidate drops every cached result. Used after index updates.
func (c *Cache) Invalidate(ctx context.Context) error {
	iter := c.rdb.Scan(ctx, 0, c.prefix+"*", 500).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 500 {
			if err := c.rdb.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return c.rdb.Del(ctx, batch...).Err()
	}
	return nil
}

func (c *Cache) key(parts ...string) string {
	h := blake3.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return c.prefix + hex.EncodeToString(h.Sum(nil))
}

type fetchFunc func(ctx context.Context) ([]capture.Record, error)

func (c *Cache) lookup(ctx context.Context, key string, fetch fetchFunc) ([]capture.Record, error) {
	if c.ttl > 0 {
		if recs, ok := c.get(ctx, key); ok {
			cacheLookups.WithLabelValues("hit").Inc()
			return recs, nil
		}
	}
	// The shared query belongs to no single caller: one caller going away
	// must not fail the others waiting on the same key.
	ch := c.group.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()
		recs, err := fetch(fctx)
		if err != nil {
			return nil, err
		}
		if c.ttl > 0 {
			c.set(fctx, key, recs)
		}
		return recs, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		// Callers flag records while selecting; never hand out a shared slice.
		shared := r.Val.([]capture.Record)
		return append([]capture.Record(nil), shared...), nil
	}
}

func (c *Cache) get(ctx context.Context, key string) ([]capture.Record, bool) {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			cacheLookups.WithLabelValues("error").Inc()
			c.logger.Warn("index cache read failed", "err", err)
		} else {
			cacheLookups.WithLabelValues("miss").Inc()
		}
		return nil, false
	}
	var recs []capture.Record
	if err := cbor.Unmarshal(data, &recs); err != nil {
		cacheLookups.WithLabelValues("error").Inc()
		c.logger.Warn("index cache entry corrupt", "key", key, "err", err)
		return nil, false
	}
	return recs, true
}

func (c *Cache) set(ctx context.Context, key string, recs []capture.Record) {
	data, err := cbor.Marshal(recs)
	if err != nil {
		c.logger.Warn("index cache encode failed", "err", fmt.Errorf("cbor: %w", err))
		return
	}
	if err := c.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.Warn("index cache write failed", "err", err)
	}
}
