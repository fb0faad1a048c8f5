// Package record implements RecordHandler and RecordCache: the dispatch
// and conflict-resolution core for the record topic. The cache is an LRU
// over record names — grounded on the teacher's dedupe lruCache
// (pkg/sync/lru.go), generalized with the pinning exemption §4.2 requires
// for any name with at least one local subscriber.
package record

import (
	"container/list"
	"encoding/json"
	"sync"

	"github.com/veraticus/syncd/pkg/version"
)

// Entry is one cached record. The loading placeholder §4.2 READ inserts
// while storage.get is in flight has a nil Raw (see Hydrated).
type Entry struct {
	Name    string
	Version version.Version
	Body    json.RawMessage
	Raw     []byte
}

// Hydrated reports whether e has a real rawMessage to replay, as opposed
// to the loading placeholder.
func (e Entry) Hydrated() bool {
	return e.Raw != nil
}

type cacheEntry struct {
	entry  Entry
	pinned bool
}

// Cache is a size-bounded LRU over record names, exempting pinned entries
// (those with at least one subscriber) from eviction.
type Cache struct {
	mu        sync.Mutex
	capacity  int
	evictList *list.List
	items     map[string]*list.Element
}

// NewCache creates a Cache bounded at capacity entries. capacity <= 0
// means unbounded.
func NewCache(capacity int) *Cache {
	return &Cache{
		capacity:  capacity,
		evictList: list.New(),
		items:     make(map[string]*list.Element),
	}
}

// Get returns the cached entry for name, moving it to the front of the LRU
// order.
func (c *Cache) Get(name string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[name]
	if !ok {
		return Entry{}, false
	}
	c.evictList.MoveToFront(elem)
	return elem.Value.(*cacheEntry).entry, true
}

// Put unconditionally stores entry for name, creating or replacing any
// existing value, and moves it to the front. Callers that need the §4.2
// dominance check should use Merge instead; Put is for the placeholder
// insert and for results already known to dominate (cache-merge decided,
// or a changefeed-sourced storage.get result being re-fed through Merge).
func (c *Cache) Put(entry Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(entry)
}

func (c *Cache) putLocked(entry Entry) {
	if elem, ok := c.items[entry.Name]; ok {
		c.evictList.MoveToFront(elem)
		elem.Value.(*cacheEntry).entry = entry
		return
	}

	ce := &cacheEntry{entry: entry}
	elem := c.evictList.PushFront(ce)
	c.items[entry.Name] = elem
	c.evictUnpinned()
}

// Merge applies the §4.2 dominance rule: candidate replaces the cached
// entry for candidate.Name only if candidate.Version dominates (or there
// is no existing entry, or the existing entry is still the loading
// placeholder). Returns the entry that ended up cached and whether
// candidate was applied.
func (c *Cache) Merge(candidate Entry) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[candidate.Name]
	if !ok {
		c.putLocked(candidate)
		return candidate, true
	}

	prev := elem.Value.(*cacheEntry).entry
	if !prev.Hydrated() || candidate.Version.Dominates(prev.Version) {
		c.evictList.MoveToFront(elem)
		elem.Value.(*cacheEntry).entry = candidate
		return candidate, true
	}

	c.evictList.MoveToFront(elem)
	return prev, false
}

// Pin marks name exempt from eviction; called on a subscription's first
// local subscriber.
func (c *Cache) Pin(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[name]; ok {
		elem.Value.(*cacheEntry).pinned = true
	}
}

// Unpin clears the eviction exemption; called when a subscription's last
// local subscriber leaves.
func (c *Cache) Unpin(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[name]; ok {
		elem.Value.(*cacheEntry).pinned = false
	}
}

// Drop removes name from the cache unconditionally, used when the
// changefeed reports a change for a name with no local subscribers.
func (c *Cache) Drop(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[name]; ok {
		c.evictList.Remove(elem)
		delete(c.items, name)
	}
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictList.Len()
}

// evictUnpinned drops the least-recently-used unpinned entry if the cache
// is over capacity. If every entry is pinned, the cache is allowed to grow
// past capacity, per §4.2.
func (c *Cache) evictUnpinned() {
	if c.capacity <= 0 || c.evictList.Len() <= c.capacity {
		return
	}

	for elem := c.evictList.Back(); elem != nil; elem = elem.Prev() {
		ce := elem.Value.(*cacheEntry)
		if ce.pinned {
			continue
		}
		c.evictList.Remove(elem)
		delete(c.items, ce.entry.Name)
		return
	}
}
