package bgzf

// Cache lets a Reader skip re-decompressing recently visited blocks when a
// caller seeks back and forth across a small working set (e.g. a pileup
// driver revisiting nearby loci). It is optional; a Reader with no Cache
// configured always decodes from the underlying source.
//
// This is additive relative to the core specification: spec.md only
// requires decode-buffer reuse (handled internally by Reader regardless of
// whether a Cache is present). The interface shape is grounded on
// other_examples' biogo-hts/bgzf/cache.go Cache/Wrapper pair, simplified
// from that package's Block-interface-returning design to plain byte
// slices, since bgzfcore's Block is not an exported type callers manipulate
// directly.
type Cache interface {
	// Get returns the cached entry for the block starting at
	// blockAddress, and whether it was found. The returned payload slice
	// must not be mutated by the caller.
	Get(blockAddress int64) (entry CacheEntry, ok bool)
	// Put offers a decoded block to the cache. The cache may ignore it.
	Put(blockAddress int64, entry CacheEntry)
}

// CacheEntry is a cached, decoded block: its uncompressed payload plus the
// on-disk size it occupied, so a cache hit can still compute the address of
// the following block.
type CacheEntry struct {
	Payload       []byte
	CompressedLen int
}

// fifoCache is a small fixed-capacity, first-in-first-out Cache.
type fifoCache struct {
	capacity int
	order    []int64
	entries  map[int64]CacheEntry
}

// NewFIFOCache returns a Cache that retains up to capacity blocks, evicting
// the oldest block once full.
func NewFIFOCache(capacity int) Cache {
	if capacity <= 0 {
		capacity = 1
	}
	return &fifoCache{
		capacity: capacity,
		entries:  make(map[int64]CacheEntry, capacity),
	}
}

func (c *fifoCache) Get(blockAddress int64) (CacheEntry, bool) {
	e, ok := c.entries[blockAddress]
	return e, ok
}

func (c *fifoCache) Put(blockAddress int64, entry CacheEntry) {
	if _, exists := c.entries[blockAddress]; exists {
		return
	}
	if len(c.order) >= c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	cp := make([]byte, len(entry.Payload))
	copy(cp, entry.Payload)
	entry.Payload = cp
	c.entries[blockAddress] = entry
	c.order = append(c.order, blockAddress)
}
