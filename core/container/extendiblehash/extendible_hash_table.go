// Package extendiblehash implements an in-memory extendible hash table.
// Buckets split locally when they overflow, so the directory grows without
// rehashing the whole structure.
package extendiblehash

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// HashFunc maps a key to the bit string used for directory indexing.
type HashFunc[K any] func(K) uint64

// Uint64Hash hashes an integer key through xxhash. Identity hashing of small
// integers would cluster keys in the low directory bits, so the key bytes are
// run through the full hash.
func Uint64Hash[K ~int | ~int64 | ~uint32 | ~uint64](k K) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(k))
	return xxhash.Sum64(b[:])
}

type entry[K comparable, V any] struct {
	key   K
	value V
}

// bucket holds up to maxSize entries. Multiple directory slots may share one
// bucket while its localDepth is below the table's globalDepth; that sharing
// is how extendible hashing represents unsplit prefixes.
type bucket[K comparable, V any] struct {
	entries    []entry[K, V]
	maxSize    int
	localDepth int
}

func newBucket[K comparable, V any](maxSize, localDepth int) *bucket[K, V] {
	return &bucket[K, V]{
		entries:    make([]entry[K, V], 0, maxSize),
		maxSize:    maxSize,
		localDepth: localDepth,
	}
}

func (b *bucket[K, V]) find(key K) (V, bool) {
	for i := range b.entries {
		if b.entries[i].key == key {
			return b.entries[i].value, true
		}
	}
	var zero V
	return zero, false
}

func (b *bucket[K, V]) remove(key K) bool {
	for i := range b.entries {
		if b.entries[i].key == key {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return true
		}
	}
	return false
}

// insert overwrites an existing key, appends when there is room, and reports
// false when the bucket is full and the caller must split.
func (b *bucket[K, V]) insert(key K, value V) bool {
	for i := range b.entries {
		if b.entries[i].key == key {
			b.entries[i].value = value
			return true
		}
	}
	if len(b.entries) >= b.maxSize {
		return false
	}
	b.entries = append(b.entries, entry[K, V]{key: key, value: value})
	return true
}

// ExtendibleHashTable maps keys of type K to values of type V. All public
// operations go through a single table-wide read-write latch: Insert and
// Remove hold it exclusively, lookups and accessors share it.
type ExtendibleHashTable[K comparable, V any] struct {
	mu          sync.RWMutex
	dir         []*bucket[K, V]
	globalDepth int
	bucketSize  int
	numBuckets  int
	hash        HashFunc[K]
}

// NewExtendibleHashTable creates a table whose buckets hold bucketSize
// entries. The hash function determines directory placement; pass
// Uint64Hash for integer keys.
func NewExtendibleHashTable[K comparable, V any](bucketSize int, hash HashFunc[K]) *ExtendibleHashTable[K, V] {
	if bucketSize < 1 {
		panic(fmt.Sprintf("extendiblehash: bucket size must be >= 1, got %d", bucketSize))
	}
	if hash == nil {
		panic("extendiblehash: hash function must not be nil")
	}
	return &ExtendibleHashTable[K, V]{
		// Directory starts at 2^0 slots pointing at a single empty bucket.
		dir:         []*bucket[K, V]{newBucket[K, V](bucketSize, 0)},
		globalDepth: 0,
		bucketSize:  bucketSize,
		numBuckets:  1,
		hash:        hash,
	}
}

// indexOf takes the low globalDepth bits of the key's hash.
func (h *ExtendibleHashTable[K, V]) indexOf(key K) int {
	mask := uint64(1<<h.globalDepth) - 1
	return int(h.hash(key) & mask)
}

// Find returns the value associated with key, if any.
func (h *ExtendibleHashTable[K, V]) Find(key K) (V, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dir[h.indexOf(key)].find(key)
}

// Remove deletes the entry for key and reports whether one existed. Buckets
// are never merged; the table does not shrink.
func (h *ExtendibleHashTable[K, V]) Remove(key K) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dir[h.indexOf(key)].remove(key)
}

// Insert adds or overwrites the entry for key, splitting the target bucket
// as many times as needed to make room.
func (h *ExtendibleHashTable[K, V]) Insert(key K, value V) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for {
		target := h.dir[h.indexOf(key)]
		if target.insert(key, value) {
			return
		}
		// A split may move no entries (when they all agree on the new bit);
		// the loop then splits again using one more bit, until the new entry
		// fits. Keys whose hashes are identical never separate.
		h.splitBucket(target)
	}
}

// splitBucket splits b in place: the directory doubles if b is already at
// global depth, slots whose bit (d'-1) is set retarget to the new bucket,
// and b's entries rehash between the two.
func (h *ExtendibleHashTable[K, V]) splitBucket(b *bucket[K, V]) {
	// 1. Grow the directory if the bucket is at global depth. Each new
	// high-half slot mirrors its low-half counterpart.
	if b.localDepth == h.globalDepth {
		h.dir = append(h.dir, h.dir...)
		h.globalDepth++
	}

	// 2. Bump the local depth and create the sibling bucket at that depth.
	b.localDepth++
	sibling := newBucket[K, V](h.bucketSize, b.localDepth)
	h.numBuckets++

	// 3. Slots referring to b whose (localDepth-1) bit is set move to the
	// sibling; the rest keep b.
	splitMask := 1 << (b.localDepth - 1)
	for i := range h.dir {
		if h.dir[i] == b && i&splitMask != 0 {
			h.dir[i] = sibling
		}
	}

	// 4. Rehash b's entries; those now resolving to the sibling move over.
	kept := b.entries[:0]
	for _, e := range b.entries {
		if h.dir[h.indexOf(e.key)] == sibling {
			sibling.entries = append(sibling.entries, e)
		} else {
			kept = append(kept, e)
		}
	}
	b.entries = kept
}

// GetGlobalDepth returns the number of hash bits used to index the directory.
func (h *ExtendibleHashTable[K, V]) GetGlobalDepth() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.globalDepth
}

// GetLocalDepth returns the local depth of the bucket at dirIndex.
func (h *ExtendibleHashTable[K, V]) GetLocalDepth(dirIndex int) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if dirIndex < 0 || dirIndex >= len(h.dir) {
		panic(fmt.Sprintf("extendiblehash: directory index %d out of range [0, %d)", dirIndex, len(h.dir)))
	}
	return h.dir[dirIndex].localDepth
}

// GetNumBuckets returns the number of distinct buckets.
func (h *ExtendibleHashTable[K, V]) GetNumBuckets() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.numBuckets
}
