// Package proxycache implements the Proxy Cache (§4.H): the per-transaction
// memo table guaranteeing a transaction's code always sees the same *Proxy
// for a given object key, plus the derived queries over the transaction's
// log that don't belong on Transaction itself.
package proxycache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/txproxy/txproxy/internal/txengine/configurator"
	"github.com/txproxy/txproxy/internal/txengine/logentry"
	"github.com/txproxy/txproxy/internal/txengine/proxy"
	"github.com/txproxy/txproxy/internal/txengine/transaction"
)

// Producer builds the underlying object a freshly-cached proxy should wrap,
// e.g. a repository lookup or a fresh instance from InitMethod.
type Producer func(ctx context.Context) (underlying any, isNew bool, err error)

// Cache is one transaction's proxy memo table (§4.H). Not safe to share
// across transactions — create one per Transaction.
type Cache struct {
	mu     sync.Mutex
	lru    *lru.Cache[string, *proxy.Proxy]
	plain  map[string]*proxy.Proxy
	tx     *transaction.Transaction
	cfg    *configurator.Configurator
	newSeq atomic.Int64
}

// New creates a cache bounded to maxEntries (<=0 means unbounded, backed by a
// plain map instead of an LRU) for transaction tx.
func New(tx *transaction.Transaction, cfg *configurator.Configurator, maxEntries int) (*Cache, error) {
	c := &Cache{tx: tx, cfg: cfg}
	if maxEntries > 0 {
		l, err := lru.New[string, *proxy.Proxy](maxEntries)
		if err != nil {
			return nil, fmt.Errorf("proxycache: %w", err)
		}
		c.lru = l
	} else {
		c.plain = make(map[string]*proxy.Proxy)
	}
	return c, nil
}

// NextID allocates the next "new_NNNNN" identifier for an object initialized
// in this transaction (§4.G's object identity rule for new objects).
func (c *Cache) NextID() string {
	n := c.newSeq.Add(1)
	return fmt.Sprintf("new_%05d", n)
}

// Fetch returns the memoized proxy for objectKey, building one via producer
// on a miss. className must already be registered with cfg.
func (c *Cache) Fetch(ctx context.Context, className, objectID string, producer Producer) (*proxy.Proxy, error) {
	objectKey := className + "/" + objectID

	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.get(objectKey); ok {
		return p, nil
	}

	underlying, isNew, err := producer(ctx)
	if err != nil {
		return nil, err
	}
	p := proxy.New(className, objectID, underlying, isNew, c.cfg)
	p.Rewrap = c.rewrap
	c.put(objectKey, p)
	return p, nil
}

func (c *Cache) get(objectKey string) (*proxy.Proxy, bool) {
	if c.lru != nil {
		return c.lru.Get(objectKey)
	}
	p, ok := c.plain[objectKey]
	return p, ok
}

func (c *Cache) put(objectKey string, p *proxy.Proxy) {
	if c.lru != nil {
		c.lru.Add(objectKey, p)
		return
	}
	c.plain[objectKey] = p
}

// rewrap is wired into every proxy this cache hands out. It rewraps nothing:
// it always returns an error, so a passthrough fallback call's result comes
// back as a bare, unproxied value even when it is a configured object.
func (c *Cache) rewrap(ctx context.Context, result any) (any, error) {
	// Re-wrapping an arbitrary returned value needs its class name and id,
	// which this cache has no general way to derive from `any` — the host
	// must call Fetch itself for any return value it wants proxied. Left as
	// a no-op passthrough rather than guessing.
	return nil, fmt.Errorf("proxycache: no automatic rewrap for %T", result)
}

// entriesForKey scans the transaction's full log for objectKey's entries, in
// chronological order.
func (c *Cache) entriesForKey(objectKey string) []*logentry.LogEntry {
	var out []*logentry.LogEntry
	for _, e := range c.tx.Entries() {
		if e.ObjectKey == objectKey {
			out = append(out, e)
		}
	}
	return out
}

// Created reports whether objectKey was logged as object_initialization.
func (c *Cache) Created(objectKey string) bool {
	for _, e := range c.entriesForKey(objectKey) {
		if e.Kind == logentry.KindObjectInitialization {
			return true
		}
	}
	return false
}

// Initialized reports whether objectKey has any logged entry at all.
func (c *Cache) Initialized(objectKey string) bool {
	return len(c.entriesForKey(objectKey)) > 0
}

// InitializedOrCreated is Initialized(key) || Created(key); kept distinct
// since Created alone ignores an object only ever read, never initialized.
func (c *Cache) InitializedOrCreated(objectKey string) bool {
	return c.Initialized(objectKey) || c.Created(objectKey)
}

// Destroyed reports whether objectKey was logged as object_destruction.
func (c *Cache) Destroyed(objectKey string) bool {
	for _, e := range c.entriesForKey(objectKey) {
		if e.Kind == logentry.KindObjectDestruction {
			return true
		}
	}
	return false
}

// Read reports whether objectKey has a logged attribute_read.
func (c *Cache) Read(objectKey string) bool {
	for _, e := range c.entriesForKey(objectKey) {
		if e.Kind == logentry.KindAttributeRead {
			return true
		}
	}
	return false
}

// Fateful delegates to Transaction.FatefulObjectKeys (§4.H: all
// object_persisted objects, in order of first appearance).
func (c *Cache) Fateful() []string {
	return c.tx.FatefulObjectKeys()
}

// IsNew reports whether the cached proxy for objectKey (if any) represents an
// object born in this transaction.
func (c *Cache) IsNew(objectKey string) bool {
	p, ok := c.get(objectKey)
	return ok && p.IsNew()
}

// Exists reports whether objectKey currently has a cached proxy.
func (c *Cache) Exists(objectKey string) bool {
	_, ok := c.get(objectKey)
	return ok
}

// WasCreated is an alias for Created kept for symmetry with the source
// vocabulary's was_created?/created? pairing; both read the same log state.
func (c *Cache) WasCreated(objectKey string) bool { return c.Created(objectKey) }
