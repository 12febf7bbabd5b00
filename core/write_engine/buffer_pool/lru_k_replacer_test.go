package bufferpool

import (
	"testing"

	"github.com/stretchr/testify/require"
	pagemanager "github.com/sushant-115/kagedb/core/write_engine/page_manager"
)

// TestLRUKReplacer_EvictOrder walks the classic LRU-K sequence: frames with
// fewer than k accesses have infinite backward distance and are evicted
// first, ordered by their earliest access.
func TestLRUKReplacer_EvictOrder(t *testing.T) {
	r := NewLRUKReplacer(7, 2)

	// ts 0..5
	for f := 1; f <= 6; f++ {
		r.RecordAccess(pagemanager.FrameID(f))
	}
	// Frame 1 gets a second access (ts 6), giving it a finite distance.
	r.RecordAccess(1)

	for f := 1; f <= 5; f++ {
		r.SetEvictable(pagemanager.FrameID(f), true)
	}
	r.SetEvictable(6, false)
	require.Equal(t, 5, r.Size())

	// Frames 2..5 have a single access each; 2 was touched earliest.
	for _, want := range []pagemanager.FrameID{2, 3, 4} {
		victim, ok := r.Evict()
		require.True(t, ok)
		require.Equal(t, want, victim)
	}
	require.Equal(t, 2, r.Size())

	// Only frame 1 (finite distance) and 5 (infinite) remain evictable;
	// the infinite-distance frame goes first.
	victim, ok := r.Evict()
	require.True(t, ok)
	require.Equal(t, pagemanager.FrameID(5), victim)

	victim, ok = r.Evict()
	require.True(t, ok)
	require.Equal(t, pagemanager.FrameID(1), victim)

	// Frame 6 is tracked but pinned non-evictable.
	_, ok = r.Evict()
	require.False(t, ok)
	require.Equal(t, 0, r.Size())
}

// TestLRUKReplacer_FiniteDistances verifies that among fully-aged frames the
// one whose k-th most recent access is oldest loses.
func TestLRUKReplacer_FiniteDistances(t *testing.T) {
	r := NewLRUKReplacer(4, 2)

	// f1: ts 0, 1   f2: ts 2, 3   f3: ts 4, 5
	for _, f := range []pagemanager.FrameID{1, 1, 2, 2, 3, 3} {
		r.RecordAccess(f)
	}
	// Touch f1 again so its k-th most recent access becomes ts 1.
	r.RecordAccess(1)

	for f := 1; f <= 3; f++ {
		r.SetEvictable(pagemanager.FrameID(f), true)
	}

	// Retained histories: f1 {1, 6}, f2 {2, 3}, f3 {4, 5}. The k-th most
	// recent stamps are 1, 2 and 4, so f1 has the largest backward
	// distance and loses first, then f2.
	victim, ok := r.Evict()
	require.True(t, ok)
	require.Equal(t, pagemanager.FrameID(1), victim)

	victim, ok = r.Evict()
	require.True(t, ok)
	require.Equal(t, pagemanager.FrameID(2), victim)
}

// TestLRUKReplacer_AntiScan reproduces the anti-scan property: pages with an
// established k-deep history outlive a burst of once-touched pages even when
// the burst is more recent.
func TestLRUKReplacer_AntiScan(t *testing.T) {
	r := NewLRUKReplacer(6, 2)

	// Hot frames 1 and 2, touched twice each.
	for _, f := range []pagemanager.FrameID{1, 1, 2, 2} {
		r.RecordAccess(f)
	}
	// A scan touches frames 3, 4, 5 once each, later in time.
	for _, f := range []pagemanager.FrameID{3, 4, 5} {
		r.RecordAccess(f)
	}
	for f := 1; f <= 5; f++ {
		r.SetEvictable(pagemanager.FrameID(f), true)
	}

	// The scan pages go first despite being newer.
	seen := make(map[pagemanager.FrameID]bool)
	for i := 0; i < 3; i++ {
		victim, ok := r.Evict()
		require.True(t, ok)
		seen[victim] = true
	}
	require.Equal(t, map[pagemanager.FrameID]bool{3: true, 4: true, 5: true}, seen)
}

// TestLRUKReplacer_SetEvictable covers the silent no-op on untracked frames
// and the evictable-count bookkeeping.
func TestLRUKReplacer_SetEvictable(t *testing.T) {
	r := NewLRUKReplacer(3, 2)

	// Untracked frame: no-op, still in range.
	r.SetEvictable(1, true)
	require.Equal(t, 0, r.Size())

	r.RecordAccess(1)
	require.Equal(t, 0, r.Size(), "frames start non-evictable")

	r.SetEvictable(1, true)
	require.Equal(t, 1, r.Size())
	r.SetEvictable(1, true) // idempotent
	require.Equal(t, 1, r.Size())
	r.SetEvictable(1, false)
	require.Equal(t, 0, r.Size())

	_, ok := r.Evict()
	require.False(t, ok)
}

// TestLRUKReplacer_Remove verifies entry removal and the programmer-error
// contract on non-evictable frames.
func TestLRUKReplacer_Remove(t *testing.T) {
	r := NewLRUKReplacer(3, 2)

	r.RecordAccess(0)
	r.RecordAccess(1)
	r.SetEvictable(0, true)
	r.SetEvictable(1, true)
	require.Equal(t, 2, r.Size())

	r.Remove(0)
	require.Equal(t, 1, r.Size())

	// Removing an untracked frame is a no-op.
	r.Remove(0)
	require.Equal(t, 1, r.Size())

	// Removing a non-evictable frame is a contract violation.
	r.SetEvictable(1, false)
	require.Panics(t, func() { r.Remove(1) })
}

// TestLRUKReplacer_FrameIDBounds: ids outside [0, numFrames) are programmer
// errors on every entry point.
func TestLRUKReplacer_FrameIDBounds(t *testing.T) {
	r := NewLRUKReplacer(3, 2)
	require.Panics(t, func() { r.RecordAccess(3) })
	require.Panics(t, func() { r.RecordAccess(-1) })
	require.Panics(t, func() { r.SetEvictable(3, true) })
	require.Panics(t, func() { r.Remove(17) })
	require.Panics(t, func() { NewLRUKReplacer(3, 0) })
}

// TestLRUKReplacer_HistoryTrimming: only the k most recent stamps count, so
// an old burst of accesses cannot protect a frame forever.
func TestLRUKReplacer_HistoryTrimming(t *testing.T) {
	r := NewLRUKReplacer(3, 2)

	// Frame 0 is touched five times early, frame 1 twice late.
	for i := 0; i < 5; i++ {
		r.RecordAccess(0)
	}
	r.RecordAccess(1)
	r.RecordAccess(1)
	r.SetEvictable(0, true)
	r.SetEvictable(1, true)

	// Frame 0's k-th most recent stamp (ts 3) is older than frame 1's
	// (ts 5), so frame 0 evicts first despite its heavier history.
	victim, ok := r.Evict()
	require.True(t, ok)
	require.Equal(t, pagemanager.FrameID(0), victim)
}
