package bufferpool

import (
	"fmt"
	"math"
	"sync"

	pagemanager "github.com/sushant-115/kagedb/core/write_engine/page_manager"
)

// frameInfo tracks one frame's access history and eviction eligibility.
type frameInfo struct {
	// timestamps of the most recent accesses, oldest first, at most k long
	history   []uint64
	evictable bool
}

// LRUKReplacer elects eviction victims among evictable frames using the
// backward k-distance: the age of the k-th most recent access in logical
// time. Frames with fewer than k accesses have infinite distance and are
// evicted first, classic-LRU ordered by their earliest access. This keeps a
// one-shot scan from flushing pages with an established reference history.
type LRUKReplacer struct {
	mu             sync.Mutex
	frames         map[pagemanager.FrameID]*frameInfo
	currentTS      uint64 // logical clock, bumped on every RecordAccess
	evictableCount int
	numFrames      int
	k              int
}

// NewLRUKReplacer creates a replacer managing frame ids in [0, numFrames).
func NewLRUKReplacer(numFrames, k int) *LRUKReplacer {
	if k < 1 {
		panic(fmt.Sprintf("bufferpool: LRU-K requires k >= 1, got %d", k))
	}
	return &LRUKReplacer{
		frames:    make(map[pagemanager.FrameID]*frameInfo),
		numFrames: numFrames,
		k:         k,
	}
}

func (r *LRUKReplacer) checkFrameID(frameID pagemanager.FrameID) {
	if frameID < 0 || int(frameID) >= r.numFrames {
		panic(fmt.Sprintf("bufferpool: frame id %d out of range [0, %d)", frameID, r.numFrames))
	}
}

// RecordAccess stamps frameID with the current logical time, creating its
// entry (non-evictable) on first access. Only the k most recent stamps are
// kept.
func (r *LRUKReplacer) RecordAccess(frameID pagemanager.FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkFrameID(frameID)

	info, ok := r.frames[frameID]
	if !ok {
		info = &frameInfo{history: make([]uint64, 0, r.k)}
		r.frames[frameID] = info
	}
	info.history = append(info.history, r.currentTS)
	if len(info.history) > r.k {
		info.history = info.history[1:]
	}
	r.currentTS++
}

// SetEvictable flips frameID's eviction eligibility. Untracked frames are a
// silent no-op.
func (r *LRUKReplacer) SetEvictable(frameID pagemanager.FrameID, evictable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkFrameID(frameID)

	info, ok := r.frames[frameID]
	if !ok {
		return
	}
	if info.evictable == evictable {
		return
	}
	if evictable {
		r.evictableCount++
	} else {
		r.evictableCount--
	}
	info.evictable = evictable
}

// Remove drops frameID's entry entirely. The frame must be evictable;
// removing a pinned frame is a caller bug.
func (r *LRUKReplacer) Remove(frameID pagemanager.FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkFrameID(frameID)

	info, ok := r.frames[frameID]
	if !ok {
		return
	}
	if !info.evictable {
		panic(fmt.Sprintf("bufferpool: cannot remove non-evictable frame %d", frameID))
	}
	r.evictableCount--
	delete(r.frames, frameID)
}

// Evict removes and returns the evictable frame with the largest backward
// k-distance. Among frames with fewer than k accesses (infinite distance)
// the earliest-touched goes first. Returns false iff nothing is evictable.
func (r *LRUKReplacer) Evict() (pagemanager.FrameID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.evictableCount == 0 {
		return 0, false
	}

	var (
		victim          pagemanager.FrameID
		found           bool
		maxBackwardDist uint64
		earliestFirstTS uint64 = math.MaxUint64
	)

	for fid, info := range r.frames {
		if !info.evictable {
			continue
		}

		if len(info.history) < r.k {
			// Fewer than k accesses: distance is +inf. The first such frame
			// beats any finite-distance candidate; ties among +inf frames go
			// to the earliest first access.
			firstTS := info.history[0]
			if !found || maxBackwardDist < math.MaxUint64 {
				maxBackwardDist = math.MaxUint64
				earliestFirstTS = firstTS
				victim = fid
				found = true
			} else if firstTS < earliestFirstTS {
				earliestFirstTS = firstTS
				victim = fid
			}
		} else {
			if found && maxBackwardDist == math.MaxUint64 {
				continue // an infinite-distance candidate always wins
			}
			kthTS := info.history[0] // oldest of the k retained stamps
			dist := r.currentTS - kthTS
			if !found || dist > maxBackwardDist {
				maxBackwardDist = dist
				victim = fid
				found = true
			}
		}
	}

	if !found {
		panic("bufferpool: evictable count positive but no victim found")
	}

	delete(r.frames, victim)
	r.evictableCount--
	return victim, true
}

// Size returns the number of evictable frames.
func (r *LRUKReplacer) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evictableCount
}
