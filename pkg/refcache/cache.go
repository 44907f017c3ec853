// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package refcache caches referenced entities by (type, key).
//
// Entries live in a per-type expiremap with an access based TTL. The first
// entry of a type opens a change subscription on that type; updates and
// deletes observed on it evict the affected entry. Subscriptions are
// reference counted: live streams acquire them too, and the cache drops its
// own reference once the type holds no entries any more.
package refcache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/united-manufacturing-hub/rxrepo/pkg/constants"
	"github.com/united-manufacturing-hub/rxrepo/pkg/entity"
	"github.com/united-manufacturing-hub/rxrepo/pkg/logger"
	"github.com/united-manufacturing-hub/rxrepo/pkg/metrics"
	"github.com/united-manufacturing-hub/rxrepo/pkg/persistence"
	"github.com/united-manufacturing-hub/rxrepo/pkg/sentry"
	"github.com/united-manufacturing-hub/rxrepo/pkg/standarderrors"
)

// Config of a Cache. Zero values fall back to the defaults in pkg/constants.
type Config struct {
	Expiration   time.Duration
	CullInterval time.Duration
}

// Cache is safe for concurrent use.
type Cache struct {
	store persistence.Store
	cfg   Config
	log   *zap.SugaredLogger

	mu     sync.Mutex
	types  map[string]*typeState
	closed bool

	loads singleflight.Group

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type typeState struct {
	name    string
	entries *expiremap.ExpireMap[string, persistence.Record]

	// mu orders evictions against stores of freshly loaded records.
	mu         sync.Mutex
	generation uint64

	// The fields below are guarded by Cache.mu.
	refs    int
	epoch   uint64
	sub     *persistence.Subscription
	held    bool
	loading int
}

// Stats describes one entity type in the cache.
type Stats struct {
	Type             string `json:"type"`
	Entries          int    `json:"entries"`
	SubscriptionRefs int    `json:"subscriptionRefs"`
}

// New creates a cache over store and starts its sweeper. Close stops it.
func New(store persistence.Store, cfg Config, log *zap.SugaredLogger) *Cache {
	if cfg.Expiration <= 0 {
		cfg.Expiration = constants.DefaultCacheExpiration
	}

	if cfg.CullInterval <= 0 {
		cfg.CullInterval = constants.DefaultCacheCullInterval
	}

	c := &Cache{
		store: store,
		cfg:   cfg,
		log:   logger.OrFor(log, logger.ComponentRefCache),
		types: make(map[string]*typeState),
		stop:  make(chan struct{}),
	}

	c.wg.Add(1)

	go c.sweep()

	return c
}

func (c *Cache) state(name string) *typeState {
	ts, ok := c.types[name]
	if !ok {
		ts = &typeState{
			name:    name,
			entries: expiremap.NewEx[string, persistence.Record](c.cfg.CullInterval, c.cfg.Expiration),
		}
		c.types[name] = ts
	}

	return ts
}

// Acquire takes a reference on the change subscription of typeName, opening
// it if needed. The returned release function is idempotent.
func (c *Cache) Acquire(ctx context.Context, typeName string) (release func(), err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	epoch, err := c.acquireLocked(ctx, typeName)
	if err != nil {
		return nil, err
	}

	var once sync.Once

	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()

			c.releaseLocked(typeName, epoch)
		})
	}, nil
}

func (c *Cache) acquireLocked(ctx context.Context, name string) (uint64, error) {
	if c.closed {
		return 0, persistence.ErrClosed
	}

	ts := c.state(name)

	if ts.refs == 0 {
		sub, err := c.store.Watch(ctx, name)
		if err != nil {
			return 0, &standarderrors.BackendError{Op: "watch", EntityType: name, Err: err}
		}

		ts.epoch++
		ts.sub = sub

		go c.listen(ts, sub, ts.epoch)

		c.log.Debugf("Opened change subscription for %s", name)
	}

	ts.refs++
	metrics.SetCacheSubscriptionRefs(name, ts.refs)

	return ts.epoch, nil
}

func (c *Cache) releaseLocked(name string, epoch uint64) {
	ts, ok := c.types[name]
	if !ok || ts.epoch != epoch || ts.refs == 0 {
		return
	}

	ts.refs--
	metrics.SetCacheSubscriptionRefs(name, ts.refs)

	if ts.refs > 0 {
		return
	}

	sub := ts.sub
	ts.sub = nil

	if sub != nil {
		sub.Close()
	}

	c.log.Debugf("Closed change subscription for %s", name)
}

// listen evicts entries on update and delete events until sub ends.
func (c *Cache) listen(ts *typeState, sub *persistence.Subscription, epoch uint64) {
	for ev := range sub.C() {
		if ev.Kind == persistence.ChangeCreated {
			continue
		}

		c.evict(ts, ev.Key)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if ts.epoch != epoch || ts.sub != sub {
		// Released on purpose.
		return
	}

	// The store ended the subscription. Without it entries can go stale, so
	// drop them and forget every reference held on this epoch.
	ts.sub = nil
	ts.refs = 0
	ts.held = false
	ts.epoch++
	metrics.SetCacheSubscriptionRefs(ts.name, 0)
	c.clear(ts)

	if !c.closed {
		sentry.ReportIssuef(sentry.IssueTypeWarning, c.log, "change subscription for %s ended unexpectedly", ts.name)
	}
}

func (c *Cache) evict(ts *typeState, key string) {
	ts.mu.Lock()
	ts.generation++
	ts.entries.Delete(key)
	ts.mu.Unlock()

	metrics.RecordCacheInvalidation(ts.name)
}

func (c *Cache) clear(ts *typeState) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.generation++

	var keys []string

	ts.entries.Range(func(key string, _ persistence.Record) bool {
		keys = append(keys, key)

		return true
	})

	for _, key := range keys {
		ts.entries.Delete(key)
	}
}

// Lookup resolves (typeName, key) in this order: the batch, the durable
// cache, a point query against the store. found is false when the store has
// no such record. Load failures are returned as *CacheLoadError.
//
// The returned record is shared; callers must not modify its Data.
func (c *Cache) Lookup(ctx context.Context, batch *Batch, typeName, key string) (rec persistence.Record, found bool, err error) {
	ck := entity.CacheKey{Type: typeName, Key: key}

	if rec, ok := batch.Get(ck); ok {
		metrics.RecordCacheLookup(typeName, metrics.CacheBatch)

		return rec, true, nil
	}

	if rec, ok := c.cached(typeName, key); ok {
		metrics.RecordCacheLookup(typeName, metrics.CacheHit)
		batch.Put(ck, rec)

		return rec, true, nil
	}

	metrics.RecordCacheLookup(typeName, metrics.CacheMiss)

	v, err, _ := c.loads.Do(ck.String(), func() (interface{}, error) {
		return c.load(ctx, typeName, key)
	})
	if err != nil {
		return persistence.Record{}, false, err
	}

	loaded, _ := v.(*persistence.Record)
	if loaded == nil {
		return persistence.Record{}, false, nil
	}

	batch.Put(ck, *loaded)

	return *loaded, true, nil
}

func (c *Cache) cached(name, key string) (persistence.Record, bool) {
	c.mu.Lock()
	ts, ok := c.types[name]
	c.mu.Unlock()

	if !ok {
		return persistence.Record{}, false
	}

	rec, ok := ts.entries.Load(key)
	if !ok || rec == nil {
		return persistence.Record{}, false
	}

	// Setting again restarts the TTL, which makes expiry access based.
	ts.entries.Set(key, *rec)

	return *rec, true
}

// load runs once per key at a time.
func (c *Cache) load(ctx context.Context, name, key string) (*persistence.Record, error) {
	ts, generation, cacheable := c.beginLoad(ctx, name)
	defer c.endLoad(ts)

	rec, err := c.store.GetByKey(ctx, name, key)
	if errors.Is(err, persistence.ErrNotFound) {
		metrics.RecordCacheLoad(name, metrics.LoadMissing)

		return nil, nil
	}

	if err != nil {
		metrics.RecordCacheLoad(name, metrics.LoadError)

		return nil, &standarderrors.CacheLoadError{
			EntityType: name,
			Key:        key,
			Err:        &standarderrors.BackendError{Op: "load", EntityType: name, Err: err},
		}
	}

	metrics.RecordCacheLoad(name, metrics.LoadFound)

	if cacheable {
		ts.mu.Lock()
		if ts.generation == generation {
			ts.entries.Set(key, rec)
		}
		ts.mu.Unlock()
	}

	return &rec, nil
}

// beginLoad makes sure the type is watched before the store is read, so an
// update racing with the load is either contained in the result or evicts it.
func (c *Cache) beginLoad(ctx context.Context, name string) (ts *typeState, generation uint64, cacheable bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts = c.state(name)
	ts.loading++

	if !ts.held {
		if _, err := c.acquireLocked(ctx, name); err != nil {
			if !c.closed {
				c.log.Warnf("Not caching %s entries: %v", name, err)
			}

			return ts, 0, false
		}

		ts.held = true
	}

	ts.mu.Lock()
	generation = ts.generation
	ts.mu.Unlock()

	return ts, generation, true
}

func (c *Cache) endLoad(ts *typeState) {
	c.mu.Lock()
	ts.loading--
	c.mu.Unlock()
}

// Dereference resolves a reference on the read path. A dangling reference
// yields found == false and a logged warning instead of an error.
func (c *Cache) Dereference(ctx context.Context, owner, property, typeName, key string) (persistence.Record, bool, error) {
	rec, found, err := c.Lookup(ctx, nil, typeName, key)
	if err != nil {
		return persistence.Record{}, false, err
	}

	if !found {
		c.log.Warnf("%s.%s references %s/%s which does not exist, resolving to null", owner, property, typeName, key)
	}

	return rec, found, nil
}

// Evict removes a single entry, e.g. after a local write.
func (c *Cache) Evict(typeName, key string) {
	c.mu.Lock()
	ts, ok := c.types[typeName]
	c.mu.Unlock()

	if ok {
		c.evict(ts, key)
	}
}

// Forget removes every entry of typeName. Used when a type is dropped.
func (c *Cache) Forget(typeName string) {
	c.mu.Lock()
	ts, ok := c.types[typeName]
	c.mu.Unlock()

	if ok {
		c.clear(ts)
	}
}

// Stats reports entry and subscription counts per type, sorted by type.
func (c *Cache) Stats() []Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Stats, 0, len(c.types))
	for name, ts := range c.types {
		out = append(out, Stats{Type: name, Entries: ts.entries.Length(), SubscriptionRefs: ts.refs})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })

	return out
}

func (c *Cache) sweep() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.CullInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.releaseIdle()
		}
	}
}

// releaseIdle drops the cache's own subscription reference on types that
// hold no entries and have no load in flight.
func (c *Cache) releaseIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for name, ts := range c.types {
		if !ts.held || ts.loading > 0 || ts.entries.Length() > 0 {
			continue
		}

		ts.held = false
		c.releaseLocked(name, ts.epoch)
	}
}

// Close releases every subscription. Lookups after Close still reach the
// store but nothing is cached any more.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true

	for _, ts := range c.types {
		if ts.sub != nil {
			ts.sub.Close()
			ts.sub = nil
		}

		ts.refs = 0
		ts.held = false
		ts.epoch++
		c.clear(ts)
	}
}

func (s Stats) String() string {
	return fmt.Sprintf("%s: %d entries, %d subscription refs", s.Type, s.Entries, s.SubscriptionRefs)
}
