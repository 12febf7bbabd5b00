package bufferpool

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	flushmanager "github.com/sushant-115/kagedb/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/kagedb/core/write_engine/page_manager"
)

// memDiskManager is an in-memory DiskManager for tests. Reads of pages that
// were never written return zeroes, which stands in for the undefined
// contents a real device would serve.
type memDiskManager struct {
	mu          sync.Mutex
	pageSize    int
	pages       map[pagemanager.PageID][]byte
	nextPageID  pagemanager.PageID
	deallocated []pagemanager.PageID
	events      *[]string // shared op journal, may be nil
}

func newMemDiskManager(pageSize int) *memDiskManager {
	return &memDiskManager{
		pageSize:   pageSize,
		pages:      make(map[pagemanager.PageID][]byte),
		nextPageID: 1, // page 0 is the header in the real disk manager
	}
}

func (m *memDiskManager) record(ev string) {
	if m.events != nil {
		*m.events = append(*m.events, ev)
	}
}

func (m *memDiskManager) ReadPage(pageID pagemanager.PageID, pageData []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.pages[pageID]
	if !ok {
		for i := range pageData {
			pageData[i] = 0
		}
		return nil
	}
	copy(pageData, stored)
	return nil
}

func (m *memDiskManager) WritePage(pageID pagemanager.PageID, pageData []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(pageData))
	copy(buf, pageData)
	m.pages[pageID] = buf
	m.record(fmt.Sprintf("write:%d", pageID))
	return nil
}

func (m *memDiskManager) AllocatePage() (pagemanager.PageID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextPageID
	m.nextPageID++
	return id, nil
}

func (m *memDiskManager) DeallocatePage(pageID pagemanager.PageID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deallocated = append(m.deallocated, pageID)
	return nil
}

func (m *memDiskManager) GetPageSize() int { return m.pageSize }

// recordingLogManager notes appends and flushes in the shared journal so
// tests can assert write-ahead ordering.
type recordingLogManager struct {
	mu      sync.Mutex
	nextLSN pagemanager.LSN
	events  *[]string
}

func (l *recordingLogManager) AppendPageUpdate(pageID pagemanager.PageID, data []byte) (pagemanager.LSN, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextLSN++
	return l.nextLSN, nil
}

func (l *recordingLogManager) Flush(lsn pagemanager.LSN) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.events != nil {
		*l.events = append(*l.events, fmt.Sprintf("logflush:%d", lsn))
	}
	return nil
}

const testPageSize = 256

func setupPool(t *testing.T, poolSize, k int) (*BufferPoolManager, *memDiskManager) {
	t.Helper()
	dm := newMemDiskManager(testPageSize)
	bpm, err := NewBufferPoolManager(poolSize, k, dm, nil, nil, nil)
	require.NoError(t, err)
	return bpm, dm
}

// checkInvariants asserts the structural invariants that must hold after
// every public operation: each frame in exactly one home, page table and
// frames agree, pinned frames are never evictable, and the replacer tracks
// exactly the unpinned resident frames.
func checkInvariants(t *testing.T, bpm *BufferPoolManager) {
	t.Helper()
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	resident := 0
	unpinnedResident := 0
	for fid, page := range bpm.pages {
		if page.GetPageID() == pagemanager.InvalidPageID {
			continue
		}
		resident++
		if page.GetPinCount() == 0 {
			unpinnedResident++
		}
		// Page table maps the page id back to this frame.
		gotFrame, ok := bpm.pageTable.Find(page.GetPageID())
		require.True(t, ok, "resident page %d missing from page table", page.GetPageID())
		require.Equal(t, pagemanager.FrameID(fid), gotFrame)
	}
	require.Equal(t, bpm.poolSize, len(bpm.freeList)+resident,
		"every frame is either free or resident")

	bpm.replacer.mu.Lock()
	for fid, info := range bpm.replacer.frames {
		page := bpm.pages[fid]
		require.NotEqual(t, pagemanager.InvalidPageID, page.GetPageID(),
			"replacer tracks frame %d that holds no page", fid)
		if page.GetPinCount() > 0 {
			require.False(t, info.evictable, "pinned frame %d is evictable", fid)
		}
	}
	evictable := bpm.replacer.evictableCount
	bpm.replacer.mu.Unlock()
	require.Equal(t, unpinnedResident, evictable,
		"replacer evictable count tracks unpinned resident frames")
}

// TestBufferPool_FillAndEvictByRecency is the basic fill-then-evict walk:
// with every page unpinned and touched once, the earliest-touched frame is
// the first victim.
func TestBufferPool_FillAndEvictByRecency(t *testing.T) {
	bpm, _ := setupPool(t, 3, 2)

	var ids []pagemanager.PageID
	for i := 0; i < 3; i++ {
		_, id, err := bpm.NewPage()
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids {
		require.True(t, bpm.UnpinPage(id, false))
	}
	checkInvariants(t, bpm)

	_, _, err := bpm.NewPage()
	require.NoError(t, err)
	checkInvariants(t, bpm)

	// The earliest-touched page (ids[0]) lost its frame.
	_, resident := bpm.pageTable.Find(ids[0])
	require.False(t, resident)
	_, resident = bpm.pageTable.Find(ids[1])
	require.True(t, resident)

	// Fetching it again triggers another eviction (of ids[1] now).
	page, err := bpm.FetchPage(ids[0])
	require.NoError(t, err)
	require.Equal(t, ids[0], page.GetPageID())
	_, resident = bpm.pageTable.Find(ids[1])
	require.False(t, resident)
	checkInvariants(t, bpm)
}

// TestBufferPool_PinProtects: a pinned page survives any amount of pressure,
// and a pool of only pinned pages refuses new work.
func TestBufferPool_PinProtects(t *testing.T) {
	bpm, _ := setupPool(t, 3, 2)

	_, p1, err := bpm.NewPage()
	require.NoError(t, err)

	_, p2, err := bpm.NewPage()
	require.NoError(t, err)
	_, p3, err := bpm.NewPage()
	require.NoError(t, err)
	require.True(t, bpm.UnpinPage(p2, false))
	require.True(t, bpm.UnpinPage(p3, false))

	// p4 evicts p2 (oldest evictable), p5 evicts p3.
	_, _, err = bpm.NewPage()
	require.NoError(t, err)
	_, resident := bpm.pageTable.Find(p2)
	require.False(t, resident)

	_, _, err = bpm.NewPage()
	require.NoError(t, err)
	_, resident = bpm.pageTable.Find(p3)
	require.False(t, resident)

	// Everything left is pinned: p1 plus the two new pages.
	_, _, err = bpm.NewPage()
	require.ErrorIs(t, err, flushmanager.ErrBufferPoolFull)

	_, resident = bpm.pageTable.Find(p1)
	require.True(t, resident)
	checkInvariants(t, bpm)
}

// TestBufferPool_AntiScan: pages with two recorded accesses survive a scan
// of once-touched pages even though the scan is more recent.
func TestBufferPool_AntiScan(t *testing.T) {
	bpm, _ := setupPool(t, 3, 2)

	_, p1, err := bpm.NewPage()
	require.NoError(t, err)
	require.True(t, bpm.UnpinPage(p1, false))
	_, err = bpm.FetchPage(p1) // second access
	require.NoError(t, err)
	require.True(t, bpm.UnpinPage(p1, false))

	_, p2, err := bpm.NewPage()
	require.NoError(t, err)
	require.True(t, bpm.UnpinPage(p2, false))
	_, err = bpm.FetchPage(p2)
	require.NoError(t, err)
	require.True(t, bpm.UnpinPage(p2, false))

	// The scan: three once-touched pages churn through the third frame.
	for i := 0; i < 3; i++ {
		_, id, err := bpm.NewPage()
		require.NoError(t, err)
		require.True(t, bpm.UnpinPage(id, false))
		checkInvariants(t, bpm)
	}

	// The hot pages never left.
	_, resident := bpm.pageTable.Find(p1)
	require.True(t, resident)
	_, resident = bpm.pageTable.Find(p2)
	require.True(t, resident)
}

// TestBufferPool_DirtyWriteBackRoundTrip is the durability law: write, unpin
// dirty, evict, fetch again, and the bytes are still there.
func TestBufferPool_DirtyWriteBackRoundTrip(t *testing.T) {
	bpm, dm := setupPool(t, 3, 2)

	page, p1, err := bpm.NewPage()
	require.NoError(t, err)
	copy(page.GetData(), "ABCD")
	require.True(t, bpm.UnpinPage(p1, true))

	// Push p1 out.
	for i := 0; i < 3; i++ {
		_, id, err := bpm.NewPage()
		require.NoError(t, err)
		require.True(t, bpm.UnpinPage(id, false))
	}
	_, resident := bpm.pageTable.Find(p1)
	require.False(t, resident, "p1 should have been evicted")

	// The eviction wrote it back.
	require.Contains(t, dm.pages, p1)

	page, err = bpm.FetchPage(p1)
	require.NoError(t, err)
	require.Equal(t, []byte("ABCD"), page.GetData()[:4])
	require.False(t, page.IsDirty(), "freshly fetched page is clean")
	checkInvariants(t, bpm)
}

// TestBufferPool_FlushPage: flush writes through regardless of pin state and
// clears the dirty bit without touching evictability.
func TestBufferPool_FlushPage(t *testing.T) {
	bpm, dm := setupPool(t, 3, 2)

	page, p1, err := bpm.NewPage()
	require.NoError(t, err)
	copy(page.GetData(), "WXYZ")
	require.True(t, bpm.UnpinPage(p1, true))
	require.True(t, page.IsDirty())

	require.True(t, bpm.FlushPage(p1))
	require.False(t, page.IsDirty())
	require.Equal(t, []byte("WXYZ"), dm.pages[p1][:4])

	// Invalid and unknown targets are refused.
	require.False(t, bpm.FlushPage(pagemanager.InvalidPageID))
	require.False(t, bpm.FlushPage(9999))
	checkInvariants(t, bpm)
}

// TestBufferPool_FlushAllPages: afterwards no frame is dirty.
func TestBufferPool_FlushAllPages(t *testing.T) {
	bpm, dm := setupPool(t, 4, 2)

	var ids []pagemanager.PageID
	for i := 0; i < 4; i++ {
		page, id, err := bpm.NewPage()
		require.NoError(t, err)
		copy(page.GetData(), fmt.Sprintf("page-%d", id))
		require.True(t, bpm.UnpinPage(id, i%2 == 0)) // half dirty
		ids = append(ids, id)
	}

	bpm.FlushAllPages()
	for _, page := range bpm.pages {
		require.False(t, page.IsDirty())
	}
	// Only the dirty half was written.
	require.Contains(t, dm.pages, ids[0])
	require.Contains(t, dm.pages, ids[2])
	require.NotContains(t, dm.pages, ids[1])
	checkInvariants(t, bpm)
}

// TestBufferPool_UnpinContract: unknown pages and pin underflow both report
// false, and a second unpin never drives the count negative.
func TestBufferPool_UnpinContract(t *testing.T) {
	bpm, _ := setupPool(t, 3, 2)

	require.False(t, bpm.UnpinPage(42, false), "unknown page")

	page, p1, err := bpm.NewPage()
	require.NoError(t, err)
	require.True(t, bpm.UnpinPage(p1, false))
	require.False(t, bpm.UnpinPage(p1, false), "pin underflow guard")
	require.Equal(t, uint32(0), page.GetPinCount())

	// Dirty ORs in across pins and never clears on unpin.
	_, err = bpm.FetchPage(p1)
	require.NoError(t, err)
	_, err = bpm.FetchPage(p1)
	require.NoError(t, err)
	require.True(t, bpm.UnpinPage(p1, true))
	require.True(t, bpm.UnpinPage(p1, false))
	require.True(t, page.IsDirty(), "dirty survives a clean unpin")
	checkInvariants(t, bpm)
}

// TestBufferPool_DeletePage: pinned pages refuse deletion; afterwards the
// frame is free, the id is deallocated, and a re-fetch reads from disk.
func TestBufferPool_DeletePage(t *testing.T) {
	bpm, dm := setupPool(t, 3, 2)

	page, p1, err := bpm.NewPage()
	require.NoError(t, err)
	copy(page.GetData(), "GONE")

	require.False(t, bpm.DeletePage(p1), "pinned page refuses deletion")

	require.True(t, bpm.UnpinPage(p1, false))
	freeBefore := len(bpm.freeList)
	require.True(t, bpm.DeletePage(p1))
	require.Equal(t, freeBefore+1, len(bpm.freeList))
	require.Equal(t, []pagemanager.PageID{p1}, dm.deallocated)
	checkInvariants(t, bpm)

	// The page was clean, so nothing was written; a fresh fetch sees
	// whatever the device serves (zeroes here).
	page, err = bpm.FetchPage(p1)
	require.NoError(t, err)
	require.Equal(t, make([]byte, 4), page.GetData()[:4])

	// Deleting a non-resident page still deallocates the id.
	require.True(t, bpm.DeletePage(777))
	require.Contains(t, dm.deallocated, pagemanager.PageID(777))
}

// TestBufferPool_DeleteWritesBackDirty: a dirty page is written back before
// its id is released, so an out-of-band holder of the id can still read it.
func TestBufferPool_DeleteWritesBackDirty(t *testing.T) {
	bpm, dm := setupPool(t, 3, 2)

	page, p1, err := bpm.NewPage()
	require.NoError(t, err)
	copy(page.GetData(), "KEEP")
	require.True(t, bpm.UnpinPage(p1, true))

	require.True(t, bpm.DeletePage(p1))
	require.Equal(t, []byte("KEEP"), dm.pages[p1][:4])
	checkInvariants(t, bpm)
}

// TestBufferPool_WriteAheadOrdering: with a log manager attached, the log is
// flushed before every dirty write-back.
func TestBufferPool_WriteAheadOrdering(t *testing.T) {
	var events []string
	dm := newMemDiskManager(testPageSize)
	dm.events = &events
	lm := &recordingLogManager{events: &events}
	bpm, err := NewBufferPoolManager(2, 2, dm, lm, nil, nil)
	require.NoError(t, err)

	page, p1, err := bpm.NewPage()
	require.NoError(t, err)
	copy(page.GetData(), "WAL")
	require.True(t, bpm.UnpinPage(p1, true))
	require.NotEqual(t, pagemanager.InvalidLSN, page.GetLSN(), "dirty unpin stamps an LSN")

	// Force the eviction write-back.
	_, _, err = bpm.NewPage()
	require.NoError(t, err)
	_, _, err = bpm.NewPage()
	require.NoError(t, err)

	require.Equal(t, []string{"logflush:1", fmt.Sprintf("write:%d", p1)}, events,
		"log flush precedes the page write")
}

// TestBufferPool_FetchSharesFrame: a second fetch of a resident page bumps
// the pin count on the same frame instead of doing I/O.
func TestBufferPool_FetchSharesFrame(t *testing.T) {
	bpm, _ := setupPool(t, 3, 2)

	first, p1, err := bpm.NewPage()
	require.NoError(t, err)
	second, err := bpm.FetchPage(p1)
	require.NoError(t, err)
	require.Same(t, first, second)
	require.Equal(t, uint32(2), second.GetPinCount())

	require.True(t, bpm.UnpinPage(p1, false))
	require.True(t, bpm.UnpinPage(p1, false))
	checkInvariants(t, bpm)
}

// TestBufferPool_RandomizedInvariants drives a random op mix and checks the
// structural invariants after every step.
func TestBufferPool_RandomizedInvariants(t *testing.T) {
	const poolSize = 8
	bpm, _ := setupPool(t, poolSize, 3)
	rng := rand.New(rand.NewSource(42))

	pins := make(map[pagemanager.PageID]int)
	var known []pagemanager.PageID

	randomKnown := func() (pagemanager.PageID, bool) {
		if len(known) == 0 {
			return 0, false
		}
		return known[rng.Intn(len(known))], true
	}

	for step := 0; step < 2000; step++ {
		switch rng.Intn(6) {
		case 0: // new page
			_, id, err := bpm.NewPage()
			if err == nil {
				pins[id] = 1
				known = append(known, id)
			} else {
				require.ErrorIs(t, err, flushmanager.ErrBufferPoolFull)
			}
		case 1: // fetch
			if id, ok := randomKnown(); ok {
				if _, err := bpm.FetchPage(id); err == nil {
					pins[id]++
				}
			}
		case 2: // unpin
			if id, ok := randomKnown(); ok {
				dirty := rng.Intn(2) == 0
				if bpm.UnpinPage(id, dirty) {
					pins[id]--
				} else {
					require.LessOrEqual(t, pins[id], 0,
						"unpin only fails for unpinned or non-resident pages")
				}
			}
		case 3: // flush one
			if id, ok := randomKnown(); ok {
				bpm.FlushPage(id)
			}
		case 4: // delete
			if id, ok := randomKnown(); ok {
				if bpm.DeletePage(id) {
					require.LessOrEqual(t, pins[id], 0, "delete never succeeds on a pinned page")
					delete(pins, id)
				} else {
					require.Greater(t, pins[id], 0)
				}
			}
		case 5: // flush everything
			bpm.FlushAllPages()
		}
		checkInvariants(t, bpm)
	}
}

// TestBufferPool_ConcurrentFetchUnpin hammers a shared set of pages from
// several goroutines; meaningful under -race.
func TestBufferPool_ConcurrentFetchUnpin(t *testing.T) {
	const poolSize = 16
	bpm, _ := setupPool(t, poolSize, 2)

	var ids []pagemanager.PageID
	for i := 0; i < poolSize/2; i++ {
		_, id, err := bpm.NewPage()
		require.NoError(t, err)
		require.True(t, bpm.UnpinPage(id, false))
		ids = append(ids, id)
	}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 300; i++ {
				id := ids[rng.Intn(len(ids))]
				page, err := bpm.FetchPage(id)
				if err != nil {
					continue // pool momentarily exhausted
				}
				if rng.Intn(2) == 0 {
					page.Lock()
					page.GetData()[0] = byte(id)
					page.Unlock()
					bpm.UnpinPage(id, true)
				} else {
					bpm.UnpinPage(id, false)
				}
			}
		}(int64(g))
	}
	wg.Wait()
	checkInvariants(t, bpm)
}
